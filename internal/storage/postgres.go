package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

// PGStore is the Postgres-backed ConversationStore.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ConversationStore = (*PGStore)(nil)

// OpenPostgres connects to databaseURL, verifies the connection and applies
// pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PGStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Pool exposes the connection pool for components sharing the database.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := pgMigrationsFS.ReadDir("pgmigrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := pgMigrationsFS.ReadFile("pgmigrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// validID reports whether id can name a row; ids are UUID-typed columns here
// and anything else would fail the query instead of matching nothing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *PGStore) GetOrCreateConversation(ctx context.Context, id, userID string) (Conversation, bool, error) {
	if id != "" {
		c, err := s.GetConversation(ctx, id)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, false, err
		}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    nullable(userID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $3)`,
		c.ID, c.UserID, now,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("creating conversation: %w", err)
	}
	return c, true, nil
}

func (s *PGStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if !validID(id) {
		return Conversation{}, ErrNotFound
	}
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, title, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *PGStore) SetConversationTitle(ctx context.Context, id, title string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(ctx, userID, 0)
}

func (s *PGStore) ConversationPreviews(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	return s.listConversations(ctx, userID, limit)
}

func (s *PGStore) listConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	query := `SELECT id::text, user_id, title, created_at, updated_at FROM conversations`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` WHERE user_id = $%d`, len(args))
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *PGStore) GetConversationWithStats(ctx context.Context, id string) (ConversationStats, error) {
	if !validID(id) {
		return ConversationStats{}, ErrNotFound
	}
	var st ConversationStats
	err := s.pool.QueryRow(ctx, `
		SELECT c.id::text, c.user_id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = $1`, id,
	).Scan(&st.ID, &st.UserID, &st.Title, &st.CreatedAt, &st.UpdatedAt, &st.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationStats{}, ErrNotFound
	}
	if err != nil {
		return ConversationStats{}, err
	}
	return st, nil
}

func (s *PGStore) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if !ValidRole(m.Role) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if !validID(m.ConversationID) {
		return Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Message{}, fmt.Errorf("generating message id: %w", err)
		}
		m.ID = id.String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Microsecond)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, name, tool_call_id, tool_calls, metadata, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $2)
		RETURNING seq`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Name, m.ToolCallID,
		nullJSON(m.ToolCalls), nullJSON(m.Metadata), m.CreatedAt,
	).Scan(&m.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("saving message: %w", err)
	}
	return m, nil
}

func (s *PGStore) GetConversationHistory(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if !validID(conversationID) {
		return []Message{}, nil
	}

	query := `SELECT id::text, conversation_id::text, role, content, name, tool_call_id,
		tool_calls::text, metadata::text, seq, created_at
		FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if beforeID != "" {
		if !validID(beforeID) {
			return []Message{}, nil
		}
		var createdAt time.Time
		var seq int64
		err := s.pool.QueryRow(ctx,
			`SELECT created_at, seq FROM messages WHERE id = $1 AND conversation_id = $2`,
			beforeID, conversationID,
		).Scan(&createdAt, &seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return []Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at, seq) < ($2, $3)`
		args = append(args, createdAt, seq)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var toolCalls, metadata *string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Name, &m.ToolCallID,
			&toolCalls, &metadata, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		if toolCalls != nil {
			m.ToolCalls = []byte(*toolCalls)
		}
		if metadata != nil {
			m.Metadata = []byte(*metadata)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *PGStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.GetConversationHistory(ctx, conversationID, limit, "")
}
