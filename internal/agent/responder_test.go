package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/homepro/internal/llm"
	"github.com/kalambet/homepro/internal/vectorindex"
)

type fakeEmbedder struct {
	err   error
	texts []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeSearcher struct {
	matches []vectorindex.Match
	err     error
	index   string
	topK    int
	filter  vectorindex.Filter
}

func (f *fakeSearcher) Query(_ context.Context, index string, _ []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Match, error) {
	f.index, f.topK, f.filter = index, topK, filter
	return f.matches, f.err
}

type fakeStreamer struct {
	req llm.ChatRequest
	err error
}

func (f *fakeStreamer) ChatStream(_ context.Context, req llm.ChatRequest) (llm.TokenStream, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &sliceStream{tokens: []string{"ok"}}, nil
}

type sliceStream struct{ tokens []string }

func (s *sliceStream) Next() (string, error) {
	if len(s.tokens) == 0 {
		return "", io.EOF
	}
	t := s.tokens[0]
	s.tokens = s.tokens[1:]
	return t, nil
}

func (s *sliceStream) Close() error { return nil }

func newTestResponder(e *fakeEmbedder, s *fakeSearcher, m *fakeStreamer) *Responder {
	return NewResponder(e, s, m, nil, ResponderOptions{
		IndexName: "homepro",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStreamUsesAgentScope(t *testing.T) {
	emb := &fakeEmbedder{}
	search := &fakeSearcher{matches: []vectorindex.Match{{
		ID: "p_chunk_0", Score: 0.8,
		Metadata: vectorindex.Metadata{Text: "Good-Better-Best options", Source: "p-LUCY.pdf"},
	}}}
	model := &fakeStreamer{}
	r := newTestResponder(emb, search, model)
	lucy := DefaultRegistry().Resolve("lucyAgent")

	s, err := r.Stream(context.Background(), lucy, []llm.Message{
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
		{Role: "user", Content: " What is pricebook? "},
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"What is pricebook?"}, emb.texts)
	assert.Equal(t, "homepro", search.index)
	assert.Equal(t, defaultTopK, search.topK)
	assert.Equal(t, vectorindex.Filter{"agentName": "LUCY"}, search.filter)

	require.Len(t, model.req.Messages, 4)
	sys := model.req.Messages[0]
	assert.Equal(t, "system", sys.Role)
	assert.True(t, strings.HasPrefix(sys.Content, lucy.Instructions))
	assert.Contains(t, sys.Content, "Good-Better-Best options")
}

func TestStreamDefaultAgentUnfiltered(t *testing.T) {
	search := &fakeSearcher{}
	r := newTestResponder(&fakeEmbedder{}, search, &fakeStreamer{})
	a := DefaultRegistry().Default()
	a.TopK = 2

	_, err := r.Stream(context.Background(), a, []llm.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Nil(t, search.filter)
	assert.Equal(t, 2, search.topK)
}

func TestStreamDegradesWithoutRetrieval(t *testing.T) {
	model := &fakeStreamer{}
	r := newTestResponder(&fakeEmbedder{err: errors.New("embedding down")}, &fakeSearcher{}, model)

	s, err := r.Stream(context.Background(), DefaultRegistry().Default(), []llm.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer s.Close()
	assert.Contains(t, model.req.Messages[0].Content, "No relevant passages")
}

func TestStreamModelFailure(t *testing.T) {
	boom := errors.New("401")
	r := newTestResponder(&fakeEmbedder{}, &fakeSearcher{}, &fakeStreamer{err: boom})

	_, err := r.Stream(context.Background(), DefaultRegistry().Default(), []llm.Message{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, boom)
}

func TestStreamNeedsUserMessage(t *testing.T) {
	r := newTestResponder(&fakeEmbedder{}, &fakeSearcher{}, &fakeStreamer{})

	_, err := r.Stream(context.Background(), DefaultRegistry().Default(), []llm.Message{{Role: "assistant", Content: "hi"}})
	assert.ErrorIs(t, err, ErrNoUserMessage)
}
