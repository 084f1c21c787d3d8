package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kalambet/homepro/internal/composer"
	"github.com/kalambet/homepro/internal/llm"
	"github.com/kalambet/homepro/internal/vectorindex"
)

const defaultTopK = 5

// QueryEmbedder embeds a single search query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher queries the knowledge-base index.
type Searcher interface {
	Query(ctx context.Context, index string, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Match, error)
}

// ErrNoUserMessage is returned when a conversation has no user turn to
// answer.
var ErrNoUserMessage = errors.New("conversation has no user message")

// Responder answers as an agent: it retrieves context for the latest user
// turn and opens a model stream over the composed prompt.
type Responder struct {
	embedder QueryEmbedder
	index    Searcher
	llm      llm.Streamer
	composer *composer.Composer
	opts     ResponderOptions
}

type ResponderOptions struct {
	IndexName string
	// TopK applies to agents that do not set their own.
	TopK   int
	Logger *slog.Logger
}

func NewResponder(embedder QueryEmbedder, index Searcher, model llm.Streamer, comp *composer.Composer, opts ResponderOptions) *Responder {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if comp == nil {
		comp = composer.New(0)
	}
	return &Responder{embedder: embedder, index: index, llm: model, composer: comp, opts: opts}
}

// Retrieve returns the chunks most similar to query within the agent's
// scope. topK <= 0 uses the agent's or the responder's default.
func (r *Responder) Retrieve(ctx context.Context, a Agent, query string, topK int) ([]vectorindex.Match, error) {
	if topK <= 0 {
		topK = a.TopK
	}
	if topK <= 0 {
		topK = r.opts.TopK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	var filter vectorindex.Filter
	if a.Filter != "" {
		filter = vectorindex.Filter{"agentName": a.Filter}
	}
	return r.index.Query(ctx, r.opts.IndexName, vec, topK, filter)
}

// Stream opens a streamed answer. Retrieval failures are logged and the
// answer proceeds without context; only failing to open the model stream
// is returned.
func (r *Responder) Stream(ctx context.Context, a Agent, msgs []llm.Message) (llm.TokenStream, error) {
	query := lastUserContent(msgs)
	if query == "" {
		return nil, ErrNoUserMessage
	}

	chunks, err := r.Retrieve(ctx, a, query, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.opts.Logger.Warn("retrieval failed, answering without context", "agent", a.Key, "error", err)
		chunks = nil
	}

	return r.llm.ChatStream(ctx, llm.ChatRequest{
		Model:    a.Model,
		Messages: r.composer.Compose(a.Instructions, chunks, msgs),
	})
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return strings.TrimSpace(msgs[i].Content)
		}
	}
	return ""
}
