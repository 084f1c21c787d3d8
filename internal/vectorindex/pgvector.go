package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

var _ Backend = (*PGVector)(nil)

// PGVector is a Backend on Postgres with the pgvector extension. Each index
// is its own table (vec_<name>) so the vector column can carry a fixed
// dimension and an HNSW index for the chosen metric.
type PGVector struct {
	db *sql.DB
}

// NewPGVector wraps an open database; call EnsureSchema before use.
func NewPGVector(db *sql.DB) *PGVector {
	return &PGVector{db: db}
}

// OpenPGVector opens databaseURL through the pgx stdlib driver and
// bootstraps the registry table.
func OpenPGVector(ctx context.Context, databaseURL string) (*PGVector, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	p := NewPGVector(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPGVectorFromPool shares an existing pgx pool, such as the conversation
// store's. Closing the PGVector leaves the pool open.
func NewPGVectorFromPool(ctx context.Context, pool *pgxpool.Pool) (*PGVector, error) {
	db := stdlib.OpenDBFromPool(pool)
	p := NewPGVector(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PGVector) Close() error {
	return p.db.Close()
}

// EnsureSchema installs the vector extension and the index registry.
func (p *PGVector) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS vector_indexes (
			name       TEXT PRIMARY KEY,
			dimension  INTEGER NOT NULL,
			metric     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("bootstrapping pgvector schema: %w", err)
		}
	}
	return nil
}

var indexNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func tableName(index string) (string, error) {
	if !indexNameRe.MatchString(index) {
		return "", fmt.Errorf("invalid index name %q", index)
	}
	return "vec_" + strings.ReplaceAll(index, "-", "_"), nil
}

// distance returns the pgvector operator for metric and a function turning
// its result into a larger-is-closer score.
func distance(metric Metric) (string, func(float64) float32, string) {
	switch metric {
	case MetricEuclidean:
		return "<->", func(d float64) float32 { return float32(1 / (1 + d)) }, "vector_l2_ops"
	case MetricDotProduct:
		// <#> is the negative inner product.
		return "<#>", func(d float64) float32 { return float32(-d) }, "vector_ip_ops"
	default:
		return "<=>", func(d float64) float32 { return float32(1 - d) }, "vector_cosine_ops"
	}
}

func (p *PGVector) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name FROM vector_indexes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (p *PGVector) DescribeIndex(ctx context.Context, name string) (IndexSpec, error) {
	spec := IndexSpec{Name: name}
	var metric string
	err := p.db.QueryRowContext(ctx,
		`SELECT dimension, metric FROM vector_indexes WHERE name = $1`, name,
	).Scan(&spec.Dimension, &metric)
	if err == sql.ErrNoRows {
		return IndexSpec{}, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	if err != nil {
		return IndexSpec{}, err
	}
	spec.Metric = Metric(metric)
	return spec, nil
}

func (p *PGVector) CreateIndex(ctx context.Context, spec IndexSpec) error {
	table, err := tableName(spec.Name)
	if err != nil {
		return err
	}
	_, _, ops := distance(spec.Metric)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, spec.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding %s)`, table, table, ops),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING gin (metadata jsonb_path_ops)`, table, table),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("creating index %s: %w", spec.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vector_indexes (name, dimension, metric) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		spec.Name, spec.Dimension, string(spec.Metric),
	); err != nil {
		return fmt.Errorf("registering index %s: %w", spec.Name, err)
	}
	return tx.Commit()
}

func (p *PGVector) Upsert(ctx context.Context, index string, records []Record) error {
	table, err := tableName(index)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, embedding, metadata, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`, table))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata.Map())
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, pgvector.NewVector(r.Values), string(meta)); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PGVector) Query(ctx context.Context, index string, vector []float32, topK int, filter Filter) ([]Match, error) {
	spec, err := p.DescribeIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	table, err := tableName(index)
	if err != nil {
		return nil, err
	}
	op, toScore, _ := distance(spec.Metric)

	want := make(map[string]string, len(filter))
	for k, v := range filter {
		want[k] = v
	}
	filterJSON, err := json.Marshal(want)
	if err != nil {
		return nil, fmt.Errorf("encoding filter: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT id, metadata::text, embedding %s $1 AS distance
		FROM %s
		WHERE metadata @> $2::jsonb
		ORDER BY embedding %s $1
		LIMIT $3`, op, table, op)

	rows, err := p.db.QueryContext(ctx, q, pgvector.NewVector(vector), string(filterJSON), topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var id, raw string
		var d float64
		if err := rows.Scan(&id, &raw, &d); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		matches = append(matches, Match{ID: id, Score: toScore(d), Metadata: MetadataFromMap(m)})
	}
	return matches, rows.Err()
}
