package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/llm"
	"github.com/kalambet/homepro/internal/storage"
)

type tokenStream struct {
	tokens []string
	err    error
	closed bool
}

func (s *tokenStream) Next() (string, error) {
	if len(s.tokens) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	t := s.tokens[0]
	s.tokens = s.tokens[1:]
	return t, nil
}

func (s *tokenStream) Close() error {
	s.closed = true
	return nil
}

type mockResponder struct {
	mu      sync.Mutex
	tokens  []string
	midErr  error
	openErr error
	agent   agent.Agent
	msgs    []llm.Message
}

func (m *mockResponder) Stream(_ context.Context, a agent.Agent, msgs []llm.Message) (llm.TokenStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agent, m.msgs = a, msgs
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &tokenStream{tokens: append([]string(nil), m.tokens...), err: m.midErr}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestChat(t *testing.T, resp *mockResponder) (http.Handler, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	h := NewChatHandler(ChatDeps{
		Store:     store,
		Agents:    agent.DefaultRegistry(),
		Responder: resp,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h, store
}

func postChat(h http.Handler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body["error"]
}

func TestChat_NewConversation(t *testing.T) {
	resp := &mockResponder{tokens: []string{"Hello", " there"}}
	h, store := newTestChat(t, resp)

	rr := postChat(h, `{"messages":[{"role":"user","content":"Hi"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Body.String() != "Hello there" {
		t.Errorf("body = %q", rr.Body.String())
	}
	convID := rr.Header().Get(ConversationHeader)
	if convID == "" {
		t.Fatal("missing x-conversation-id header")
	}

	msgs, err := store.GetConversationHistory(context.Background(), convID, 10, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hi" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello there" {
		t.Errorf("second = %+v", msgs[1])
	}
	if msgs[1].Name == nil || *msgs[1].Name != "ResearchAssistantAgent" {
		t.Errorf("assistant name = %v", msgs[1].Name)
	}
	if strings.Contains(string(msgs[1].Metadata), "truncated") {
		t.Errorf("complete answer flagged as truncated: %s", msgs[1].Metadata)
	}

	conv, err := store.GetConversation(context.Background(), convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title == nil || *conv.Title != "Hi" {
		t.Errorf("title = %v, want Hi", conv.Title)
	}
}

func TestChat_ReusesConversationAndAgent(t *testing.T) {
	resp := &mockResponder{tokens: []string{"ok"}}
	h, store := newTestChat(t, resp)

	conv, _, err := store.GetOrCreateConversation(context.Background(), "", "u1")
	if err != nil {
		t.Fatal(err)
	}

	body := `{"conversationId":"` + conv.ID + `","userId":"u1","agentName":"lucyAgent",
		"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`
	rr := postChat(h, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(ConversationHeader); got != conv.ID {
		t.Errorf("conversation id = %q, want %q", got, conv.ID)
	}
	if resp.agent.Key != "lucyAgent" {
		t.Errorf("agent = %q, want lucyAgent", resp.agent.Key)
	}
	if len(resp.msgs) != 3 || resp.msgs[2].Content != "c" {
		t.Errorf("responder got %+v", resp.msgs)
	}

	msgs, _ := store.GetConversationHistory(context.Background(), conv.ID, 10, "")
	if len(msgs) != 2 || msgs[0].Content != "c" {
		t.Errorf("only the latest user turn and the answer should be stored, got %+v", msgs)
	}
}

func TestChat_Validation(t *testing.T) {
	h, _ := newTestChat(t, &mockResponder{})

	cases := map[string]string{
		"invalid json":     `{"messages":`,
		"missing messages": `{}`,
		"empty messages":   `{"messages":[]}`,
		"last not user":    `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`,
		"invalid role":     `{"messages":[{"role":"robot","content":"a"},{"role":"user","content":"b"}]}`,
		"too large":        `{"messages":[{"role":"user","content":"` + strings.Repeat("x", maxRequestBodySize) + `"}]}`,
	}
	for name, body := range cases {
		rr := postChat(h, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rr.Code)
			continue
		}
		if errorBody(t, rr) == "" {
			t.Errorf("%s: missing error message", name)
		}
	}
}

func TestChat_OpenFailureIs500(t *testing.T) {
	h, store := newTestChat(t, &mockResponder{openErr: errors.New("model unavailable")})

	rr := postChat(h, `{"userId":"u9","messages":[{"role":"user","content":"Hi"}]}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if rr.Header().Get(ConversationHeader) != "" {
		t.Error("conversation header must not be sent on failure")
	}
	if msg := errorBody(t, rr); msg != "Internal server error" {
		t.Errorf("error = %q", msg)
	}

	convs, err := store.ListConversations(context.Background(), "u9")
	if err != nil || len(convs) != 1 {
		t.Fatalf("conversations = %v, %v", convs, err)
	}
	msgs, _ := store.GetConversationHistory(context.Background(), convs[0].ID, 10, "")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("user turn should be persisted before streaming, got %+v", msgs)
	}
}

func TestChat_MidStreamFailureAbortsAndPersistsPartial(t *testing.T) {
	resp := &mockResponder{tokens: []string{"partial "}, midErr: errors.New("upstream reset")}
	h, store := newTestChat(t, resp)
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	convID := res.Header.Get(ConversationHeader)

	body, err := io.ReadAll(res.Body)
	if err == nil {
		t.Errorf("expected broken stream, got clean body %q", body)
	}

	msgs, err := store.GetConversationHistory(context.Background(), convID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].Content != "partial " {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
	var meta map[string]any
	if err := json.Unmarshal(msgs[1].Metadata, &meta); err != nil || meta["truncated"] != true {
		t.Errorf("metadata = %s, want truncated flag", msgs[1].Metadata)
	}
}

func TestChat_CORSExposesConversationHeader(t *testing.T) {
	h, _ := newTestChat(t, &mockResponder{tokens: []string{"ok"}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	req.Header.Set("Origin", "http://localhost:5173")
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	exposed := rr.Header().Get("Access-Control-Expose-Headers")
	if !strings.Contains(strings.ToLower(exposed), ConversationHeader) {
		t.Errorf("Access-Control-Expose-Headers = %q", exposed)
	}
}

func TestTitleFrom(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := titleFrom([]ChatMessage{{Role: "system", Content: "x"}, {Role: "user", Content: long}})
	if n := len([]rune(got)); n != maxTitleRunes {
		t.Errorf("title runes = %d, want %d", n, maxTitleRunes)
	}
	if got := titleFrom([]ChatMessage{{Role: "user", Content: "  how\n do   I  "}}); got != "how do I" {
		t.Errorf("title = %q", got)
	}
}
