package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/llm"
	"github.com/kalambet/homepro/internal/storage"
)

const (
	maxRequestBodySize = 2 << 20 // 2MB
	maxTitleRunes      = 60

	// ConversationHeader carries the resolved conversation id of a /chat
	// response.
	ConversationHeader = "x-conversation-id"
)

// Responder streams an agent's answer to a conversation.
type Responder interface {
	Stream(ctx context.Context, a agent.Agent, msgs []llm.Message) (llm.TokenStream, error)
}

// ChatDeps holds dependencies for the chat relay.
type ChatDeps struct {
	Store     storage.ConversationStore
	Agents    *agent.Registry
	Responder Responder
	// AllowedOrigins configures CORS; empty allows every origin.
	AllowedOrigins []string
	HistoryLimit   int
	Logger         *slog.Logger
}

// NewChatHandler returns the chat relay router.
func NewChatHandler(deps ChatDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = storage.DefaultHistoryLimit
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{ConversationHeader},
	}))

	r.Get("/health", handleHealth)
	r.Get("/agents", handleAgents(deps))
	r.Post("/chat", handleChat(deps))
	r.Get("/history", handleHistory(deps))
	r.Get("/conversations", handleListConversations(deps))
	r.Get("/conversations/{id}", handleGetConversation(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleAgents(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"default": deps.Agents.Default().Key,
			"agents":  deps.Agents.All(),
		})
	}
}

// ChatMessage is one message of a /chat request body.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       *string         `json:"name,omitempty"`
	ToolCallID *string         `json:"toolCallId,omitempty"`
	ToolCalls  json.RawMessage `json:"toolCalls,omitempty"`
}

// ChatRequest is the /chat request body.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	UserID         *string       `json:"userId"`
	ConversationID *string       `json:"conversationId"`
	AgentName      string        `json:"agentName"`
}

func (req ChatRequest) validate() error {
	if len(req.Messages) == 0 {
		return errors.New("messages array is required")
	}
	for i, m := range req.Messages {
		if !storage.ValidRole(m.Role) {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.Messages[len(req.Messages)-1].Role != storage.RoleUser {
		return errors.New("last message must be from user")
	}
	return nil
}

func handleChat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := req.validate(); err != nil {
			httpError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}

		ctx := r.Context()
		conv, created, err := deps.Store.GetOrCreateConversation(ctx, deref(req.ConversationID), deref(req.UserID))
		if err != nil {
			deps.Logger.Error("resolving conversation", "error", err)
			httpError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		logger := deps.Logger.With("conversation_id", conv.ID)

		if created {
			if title := titleFrom(req.Messages); title != "" {
				if err := deps.Store.SetConversationTitle(ctx, conv.ID, title); err != nil {
					logger.Warn("setting conversation title", "error", err)
				}
			}
		}

		last := req.Messages[len(req.Messages)-1]
		if _, err := deps.Store.SaveMessage(ctx, storage.Message{
			ConversationID: conv.ID,
			Role:           last.Role,
			Content:        last.Content,
			Name:           last.Name,
			ToolCallID:     last.ToolCallID,
			ToolCalls:      last.ToolCalls,
		}); err != nil {
			logger.Error("saving user message", "error", err)
			httpError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		a := deps.Agents.Resolve(req.AgentName)
		stream, err := deps.Responder.Stream(ctx, a, toLLM(req.Messages))
		if err != nil {
			logger.Error("opening agent stream", "agent", a.Key, "error", err)
			httpError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		defer stream.Close()

		w.Header().Set(ConversationHeader, conv.ID)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}

		res := relay(ctx, w, flusher, stream)

		// The request context may already be cancelled by a disconnect.
		saveCtx := context.WithoutCancel(ctx)
		if _, err := deps.Store.SaveMessage(saveCtx, storage.Message{
			ConversationID: conv.ID,
			Role:           storage.RoleAssistant,
			Content:        res.text,
			Name:           &a.Name,
			Metadata:       res.metadata(a.Key),
		}); err != nil {
			logger.Error("saving assistant message", "error", err)
		}

		switch {
		case res.clientGone:
			logger.Warn("client disconnected mid-stream", "error", res.err)
		case res.err != nil:
			logger.Error("agent stream failed mid-response", "agent", a.Key, "error", res.err)
			// Headers are sent; abort so the caller sees a broken stream
			// rather than a clean end.
			panic(http.ErrAbortHandler)
		}
	}
}

type relayResult struct {
	text       string
	err        error
	clientGone bool
}

func (r relayResult) metadata(agentKey string) json.RawMessage {
	m := map[string]any{"agent": agentKey}
	if r.err != nil {
		m["truncated"] = true
		m["reason"] = r.err.Error()
	}
	b, _ := json.Marshal(m)
	return b
}

// relay copies tokens to w until the stream ends, the stream fails or the
// client goes away.
func relay(ctx context.Context, w io.Writer, flusher http.Flusher, stream llm.TokenStream) relayResult {
	var buf strings.Builder
	for {
		tok, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return relayResult{text: buf.String()}
		}
		if err != nil {
			return relayResult{text: buf.String(), err: err, clientGone: ctx.Err() != nil}
		}
		buf.WriteString(tok)
		if _, err := io.WriteString(w, tok); err != nil {
			return relayResult{text: buf.String(), err: err, clientGone: true}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func toLLM(msgs []ChatMessage) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content, Name: deref(m.Name)}
	}
	return out
}

// titleFrom uses the first user message, cut to maxTitleRunes.
func titleFrom(msgs []ChatMessage) string {
	for _, m := range msgs {
		if m.Role != storage.RoleUser {
			continue
		}
		t := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(t) > maxTitleRunes {
			t = string([]rune(t)[:maxTitleRunes-3]) + "..."
		}
		return t
	}
	return ""
}

// HistoryMessage is one entry of a /history response.
type HistoryMessage struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Name      *string `json:"name,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

func handleHistory(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		convID := q.Get("conversationId")
		if convID == "" {
			httpError(w, http.StatusBadRequest, "conversationId is required")
			return
		}
		limit, ok := parseLimit(w, q.Get("limit"), deps.HistoryLimit)
		if !ok {
			return
		}

		msgs, err := deps.Store.GetConversationHistory(r.Context(), convID, limit, q.Get("before"))
		if err != nil {
			deps.Logger.Error("fetching history", "conversation_id", convID, "error", err)
			msgs = nil
		}

		out := make([]HistoryMessage, len(msgs))
		for i, m := range msgs {
			out[i] = HistoryMessage{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				Name:      m.Name,
				CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	}
}

func handleListConversations(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("userId")

		var (
			convs []storage.Conversation
			err   error
		)
		if raw := q.Get("limit"); raw != "" {
			limit, ok := parseLimit(w, raw, storage.DefaultPreviewLimit)
			if !ok {
				return
			}
			convs, err = deps.Store.ConversationPreviews(r.Context(), userID, limit)
		} else {
			convs, err = deps.Store.ListConversations(r.Context(), userID)
		}
		if err != nil {
			deps.Logger.Error("listing conversations", "error", err)
			httpError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

func handleGetConversation(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		stats, err := deps.Store.GetConversationWithStats(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err != nil {
			deps.Logger.Error("fetching conversation", "conversation_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func parseLimit(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httpError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
