package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/homepro/internal/retry"
)

type mockProvider struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	calls   [][]string
}

func (m *mockProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls = append(m.calls, texts)
	return m.embedFn(ctx, texts)
}

// echoProvider returns one vector per text whose single value encodes the
// text's position so ordering can be checked.
func echoProvider() *mockProvider {
	return &mockProvider{embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			var n float32
			fmt.Sscanf(t, "t%f", &n)
			out[i] = []float32{n}
		}
		return out, nil
	}}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d", i)
	}
	return out
}

var quick = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func TestEmbedAllBatchesInOrder(t *testing.T) {
	p := echoProvider()
	b := NewBatcher(p, 100, quick)

	vecs, err := b.EmbedAll(context.Background(), texts(250))
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vecs) != 250 {
		t.Fatalf("got %d vectors, want 250", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Fatalf("vecs[%d] = %v, order not preserved", i, v)
		}
	}
	sizes := []int{len(p.calls[0]), len(p.calls[1]), len(p.calls[2])}
	if len(p.calls) != 3 || sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v (calls %d), want [100 100 50]", sizes, len(p.calls))
	}
}

func TestEmbedAllCountMismatchAborts(t *testing.T) {
	p := &mockProvider{embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
		return make([][]float32, len(texts)-1), nil
	}}
	b := NewBatcher(p, 10, quick)

	_, err := b.EmbedAll(context.Background(), texts(30))
	if !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("err = %v, want ErrCountMismatch", err)
	}
	if len(p.calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry, no further batches)", len(p.calls))
	}
}

func TestEmbedAllRetriesTransient(t *testing.T) {
	inner := echoProvider()
	failed := false
	p := &mockProvider{embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
		if !failed {
			failed = true
			return nil, retry.Transient(errors.New("429"))
		}
		return inner.embedFn(ctx, texts)
	}}
	b := NewBatcher(p, 100, quick)

	vecs, err := b.EmbedAll(context.Background(), texts(5))
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vecs) != 5 || len(p.calls) != 2 {
		t.Errorf("vectors = %d, calls = %d, want 5 and 2", len(vecs), len(p.calls))
	}
}

func TestEmbedAllPermanentErrorStops(t *testing.T) {
	boom := errors.New("invalid api key")
	p := &mockProvider{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, boom
	}}

	_, err := NewBatcher(p, 2, quick).EmbedAll(context.Background(), texts(6))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if len(p.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(p.calls))
	}
}

func TestEmbedAllEmpty(t *testing.T) {
	p := echoProvider()
	vecs, err := NewBatcher(p, 10, quick).EmbedAll(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedAll(nil) = %v, %v; want nil, nil", vecs, err)
	}
	if len(p.calls) != 0 {
		t.Error("provider must not be called for empty input")
	}
}

func TestEmbedSingle(t *testing.T) {
	b := NewBatcher(echoProvider(), 10, quick)
	v, err := b.Embed(context.Background(), "t7")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 1 || v[0] != 7 {
		t.Errorf("Embed = %v, want [7]", v)
	}

	empty := &mockProvider{embedFn: func(context.Context, []string) ([][]float32, error) { return nil, nil }}
	if _, err := NewBatcher(empty, 10, quick).Embed(context.Background(), "x"); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("err = %v, want ErrCountMismatch", err)
	}
}
