package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/homepro/internal/retry"
)

const (
	DefaultUpsertBatchSize = 100
	DefaultSettleWait      = 15 * time.Second
)

// BatchError reports the upsert batch that stopped a write. Batches after it
// were not sent; batches before it were committed.
type BatchError struct {
	Batch int // 1-based
	Total int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upserting batch %d/%d: %v", e.Batch, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Client wraps a Backend with index lifecycle and batching rules.
type Client struct {
	backend   Backend
	batchSize int
	settle    time.Duration
	strict    bool
	retry     retry.Policy
	logger    *slog.Logger

	mu   sync.Mutex
	dims map[string]int
}

type Option func(*Client)

// WithUpsertBatchSize sets the maximum number of records per upsert call.
func WithUpsertBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithSettleWait sets how long EnsureIndex waits after creating an index.
func WithSettleWait(d time.Duration) Option {
	return func(c *Client) { c.settle = d }
}

// WithStrict controls whether a configuration mismatch on an existing index
// fails EnsureIndex (true) or only logs a warning (false).
func WithStrict(strict bool) Option {
	return func(c *Client) { c.strict = strict }
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(b Backend, opts ...Option) *Client {
	c := &Client{
		backend:   b,
		batchSize: DefaultUpsertBatchSize,
		settle:    DefaultSettleWait,
		strict:    true,
		retry:     retry.DefaultPolicy(),
		logger:    slog.Default(),
		dims:      make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureIndex makes sure an index named spec.Name exists. An existing index
// is never recreated. A new one is created with spec and the call then waits
// the settle period before returning. The bool reports whether it created.
func (c *Client) EnsureIndex(ctx context.Context, spec IndexSpec) (bool, error) {
	names, err := retry.DoValue(ctx, c.retry, c.backend.ListIndexes)
	if err != nil {
		return false, fmt.Errorf("listing indexes: %w", err)
	}

	if slices.Contains(names, spec.Name) {
		existing, err := retry.DoValue(ctx, c.retry, func(ctx context.Context) (IndexSpec, error) {
			return c.backend.DescribeIndex(ctx, spec.Name)
		})
		if err != nil {
			return false, fmt.Errorf("describing index %q: %w", spec.Name, err)
		}
		if existing.Dimension != spec.Dimension || existing.Metric != spec.Metric {
			if c.strict {
				return false, fmt.Errorf("%w: index %q has dimension %d and metric %s, want dimension %d and metric %s",
					ErrConfigMismatch, spec.Name, existing.Dimension, existing.Metric, spec.Dimension, spec.Metric)
			}
			c.logger.Warn("existing index configuration differs from requested",
				"index", spec.Name,
				"dimension", existing.Dimension, "want_dimension", spec.Dimension,
				"metric", existing.Metric, "want_metric", spec.Metric)
		}
		c.remember(spec.Name, existing.Dimension)
		c.logger.Info("using existing index", "index", spec.Name)
		return false, nil
	}

	c.logger.Info("creating index", "index", spec.Name, "dimension", spec.Dimension, "metric", spec.Metric)
	if err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.backend.CreateIndex(ctx, spec)
	}); err != nil {
		return false, fmt.Errorf("creating index %q: %w", spec.Name, err)
	}
	c.remember(spec.Name, spec.Dimension)

	if c.settle > 0 {
		c.logger.Info("waiting for new index to become ready", "index", spec.Name, "wait", c.settle)
		t := time.NewTimer(c.settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-t.C:
		}
	}
	return true, nil
}

// Upsert writes records in consecutive batches of at most the configured
// size, in input order. The first failing batch ends the call with a
// *BatchError. It returns the number of batches committed.
func (c *Client) Upsert(ctx context.Context, index string, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if dim, ok := c.dimension(index); ok {
		for _, r := range records {
			if len(r.Values) != dim {
				return 0, fmt.Errorf("record %s has %d values, index %q expects %d: %w",
					r.ID, len(r.Values), index, dim, ErrDimensionMismatch)
			}
		}
	}

	total := (len(records) + c.batchSize - 1) / c.batchSize
	for b := range total {
		end := min((b+1)*c.batchSize, len(records))
		batch := records[b*c.batchSize : end]

		err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
			return c.backend.Upsert(ctx, index, batch)
		})
		if err != nil {
			return b, &BatchError{Batch: b + 1, Total: total, Err: err}
		}
		c.logger.Info("upserted batch", "index", index, "batch", b+1, "total", total, "size", len(batch))
	}
	return total, nil
}

// Query returns up to topK matches for vector, best first, restricted by
// filter when it is non-empty.
func (c *Client) Query(ctx context.Context, index string, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if dim, ok := c.dimension(index); ok && len(vector) != dim {
		return nil, fmt.Errorf("query vector has %d values, index %q expects %d: %w",
			len(vector), index, dim, ErrDimensionMismatch)
	}
	matches, err := retry.DoValue(ctx, c.retry, func(ctx context.Context) ([]Match, error) {
		return c.backend.Query(ctx, index, vector, topK, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("querying index %q: %w", index, err)
	}
	return matches, nil
}

func (c *Client) remember(index string, dim int) {
	c.mu.Lock()
	c.dims[index] = dim
	c.mu.Unlock()
}

func (c *Client) dimension(index string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dims[index]
	return d, ok
}
