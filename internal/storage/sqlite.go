package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed ConversationStore. Its *sql.DB is shared with
// the sqlite vector index backend.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ConversationStore = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "homepro.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for components sharing the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
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

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Conversations ---

const conversationColumns = `id, user_id, title, created_at, updated_at`

// GetOrCreateConversation returns the conversation with id when it exists.
// Otherwise it creates a new conversation with a freshly generated id; a
// supplied id that matches nothing is not reused. The bool reports creation.
func (s *Store) GetOrCreateConversation(ctx context.Context, id, userID string) (Conversation, bool, error) {
	if id != "" {
		c, err := s.GetConversation(ctx, id)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, false, err
		}
	}

	now := s.now()
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    nullable(userID),
		CreatedAt: now.UTC().Truncate(time.Microsecond),
		UpdatedAt: now.UTC().Truncate(time.Microsecond),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)`,
		c.ID, c.UserID, formatTime(now), formatTime(now),
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("creating conversation: %w", err)
	}
	return c, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations most recently active first. An
// empty userID lists every conversation.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(ctx, userID, -1)
}

// ConversationPreviews is ListConversations capped at limit entries.
func (s *Store) ConversationPreviews(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	return s.listConversations(ctx, userID, limit)
}

func (s *Store) listConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) GetConversationWithStats(ctx context.Context, id string) (ConversationStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?`, id)

	var st ConversationStats
	var userID, title sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&st.ID, &userID, &title, &createdAt, &updatedAt, &st.MessageCount)
	if err == sql.ErrNoRows {
		return ConversationStats{}, ErrNotFound
	}
	if err != nil {
		return ConversationStats{}, err
	}
	if err := fillConversation(&st.Conversation, userID, title, createdAt, updatedAt); err != nil {
		return ConversationStats{}, err
	}
	return st, nil
}

// --- Messages ---

const messageColumns = `id, conversation_id, role, content, name, tool_call_id, tool_calls, metadata, seq, created_at`

// SaveMessage appends m to its conversation. ID and CreatedAt are assigned
// when empty. The insert, the sequence assignment and the conversation
// existence check happen in one statement.
func (s *Store) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if !ValidRole(m.Role) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
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

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)
		RETURNING seq`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Name, m.ToolCallID,
		nullJSON(m.ToolCalls), nullJSON(m.Metadata), formatTime(m.CreatedAt),
		m.ConversationID,
	).Scan(&m.Seq)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("saving message: %w", err)
	}
	return m, nil
}

// GetConversationHistory returns up to limit messages in chronological
// order: the most recent ones, or the most recent ones strictly older than
// beforeID when it is set. An unknown conversation yields an empty slice.
func (s *Store) GetConversationHistory(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID != "" {
		var createdAt string
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at, seq FROM messages WHERE id = ? AND conversation_id = ?`,
			beforeID, conversationID,
		).Scan(&createdAt, &seq)
		if err == sql.ErrNoRows {
			return []Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND seq < ?))`
		args = append(args, createdAt, createdAt, seq)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// GetRecentMessages returns the last limit messages, oldest first.
func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.GetConversationHistory(ctx, conversationID, limit, "")
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Message{}
	for rows.Next() {
		var m Message
		var name, toolCallID, toolCalls, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &name, &toolCallID,
			&toolCalls, &metadata, &m.Seq, &createdAt); err != nil {
			return nil, err
		}
		if name.Valid {
			m.Name = &name.String
		}
		if toolCallID.Valid {
			m.ToolCallID = &toolCallID.String
		}
		if toolCalls.Valid {
			m.ToolCalls = []byte(toolCalls.String)
		}
		if metadata.Valid {
			m.Metadata = []byte(metadata.String)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var userID, title sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&c.ID, &userID, &title, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	if err := fillConversation(&c, userID, title, createdAt, updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func fillConversation(c *Conversation, userID, title sql.NullString, createdAt, updatedAt string) error {
	if userID.Valid {
		c.UserID = &userID.String
	}
	if title.Valid {
		c.Title = &title.String
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("parsing updated_at: %w", err)
	}
	return nil
}
