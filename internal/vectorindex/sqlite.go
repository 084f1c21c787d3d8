package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var _ Backend = (*SQLite)(nil)

// SQLite is a Backend over the vector_indexes and vector_records tables
// created by the storage migrations. Queries are a brute-force scan, which
// is fine for a knowledge base of a few thousand chunks.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

var metadataKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func (s *SQLite) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM vector_indexes ORDER BY name`)
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

func (s *SQLite) DescribeIndex(ctx context.Context, name string) (IndexSpec, error) {
	spec := IndexSpec{Name: name}
	var metric string
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension, metric FROM vector_indexes WHERE name = ?`, name,
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

func (s *SQLite) CreateIndex(ctx context.Context, spec IndexSpec) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_indexes (name, dimension, metric, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		spec.Name, spec.Dimension, string(spec.Metric), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", spec.Name, err)
	}
	return nil
}

// Upsert writes records in one transaction, replacing rows with the same id.
func (s *SQLite) Upsert(ctx context.Context, index string, records []Record) error {
	spec, err := s.DescribeIndex(ctx, index)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vector_records (index_name, id, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(index_name, id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range records {
		if len(r.Values) != spec.Dimension {
			tx.Rollback()
			return fmt.Errorf("record %s has %d values, index expects %d: %w",
				r.ID, len(r.Values), spec.Dimension, ErrDimensionMismatch)
		}
		meta, err := json.Marshal(r.Metadata.Map())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, index, r.ID, encodeFloat32s(r.Values), string(meta), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Query scans matching rows keeping the best topK ids in a heap, then loads
// metadata only for the winners.
func (s *SQLite) Query(ctx context.Context, index string, vector []float32, topK int, filter Filter) ([]Match, error) {
	spec, err := s.DescribeIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(vector) != spec.Dimension {
		return nil, fmt.Errorf("query has %d values, index expects %d: %w", len(vector), spec.Dimension, ErrDimensionMismatch)
	}

	where, args, err := filterClause(index, filter)
	if err != nil {
		return nil, err
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM vector_records WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	score := scorer(spec.Metric, vector)
	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			continue
		}

		sc := score(buf)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: sc})
		} else if sc > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: sc}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return []Match{}, nil
	}

	// Phase 2: fetch metadata only for the top-K ids.
	scores := make(map[string]float32, h.Len())
	queryArgs := []any{index}
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		queryArgs = append(queryArgs, item.ID)
	}

	metaRows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM vector_records WHERE index_name = ? AND id IN (?`+
			strings.Repeat(",?", len(scores)-1)+`)`, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K metadata: %w", err)
	}
	defer metaRows.Close()

	results := make([]Match, 0, len(scores))
	for metaRows.Next() {
		var id, raw string
		if err := metaRows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		results = append(results, Match{ID: id, Score: scores[id], Metadata: MetadataFromMap(m)})
	}
	if err := metaRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metadata: %w", err)
	}

	// The IN query does not preserve order.
	sortByScore(results)
	return results, nil
}

// Count returns the number of vectors stored in index.
func (s *SQLite) Count(ctx context.Context, index string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_records WHERE index_name = ?`, index).Scan(&n)
	return n, err
}

func filterClause(index string, filter Filter) (string, []any, error) {
	where := "index_name = ?"
	args := []any{index}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !metadataKeyRe.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter key %q", k)
		}
		where += " AND json_extract(metadata, ?) = ?"
		args = append(args, "$."+k, filter[k])
	}
	return where, args, nil
}
