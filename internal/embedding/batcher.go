// Package embedding turns text into vectors through a remote embedding
// provider, in bounded batches.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/homepro/internal/retry"
)

// ErrCountMismatch means a provider returned a different number of vectors
// than texts sent. It is never retried.
var ErrCountMismatch = errors.New("embedding count mismatch")

// DefaultBatchSize is the number of texts sent per provider call.
const DefaultBatchSize = 100

// Provider embeds a list of texts in one call, returning vectors in input
// order.
type Provider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Batcher splits work into sequential provider calls of at most batchSize
// texts and checks every response's cardinality.
type Batcher struct {
	provider  Provider
	batchSize int
	retry     retry.Policy
	logger    *slog.Logger
}

func NewBatcher(p Provider, batchSize int, policy retry.Policy) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{provider: p, batchSize: batchSize, retry: policy, logger: slog.Default()}
}

// WithLogger returns b logging to l.
func (b *Batcher) WithLogger(l *slog.Logger) *Batcher {
	b.logger = l
	return b
}

// EmbedAll returns one vector per text, in the order given. Batches run one
// after another; the first failure or count mismatch stops the whole call.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	total := (len(texts) + b.batchSize - 1) / b.batchSize
	for i := range total {
		start := i * b.batchSize
		batch := texts[start:min(start+b.batchSize, len(texts))]

		b.logger.Info("generating embeddings", "batch", i+1, "total", total, "size", len(batch))
		vecs, err := retry.DoValue(ctx, b.retry, func(ctx context.Context) ([][]float32, error) {
			return b.provider.EmbedTexts(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d/%d: %w", i+1, total, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding batch %d/%d: got %d vectors for %d texts: %w",
				i+1, total, len(vecs), len(batch), ErrCountMismatch)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Embed returns the vector for a single text, such as a search query.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := retry.DoValue(ctx, b.retry, func(ctx context.Context) ([][]float32, error) {
		return b.provider.EmbedTexts(ctx, []string{text})
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding text: got %d vectors for 1 text: %w", len(vecs), ErrCountMismatch)
	}
	return vecs[0], nil
}
