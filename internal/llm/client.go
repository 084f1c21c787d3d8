// Package llm streams chat completions from an OpenAI-compatible API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/homepro/internal/retry"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4.1"
	streamingTimeout = 300 * time.Second
)

// TokenStream yields content deltas of a streamed completion. Next returns
// io.EOF once the provider signals the end of the stream.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Streamer opens streamed completions. *Client implements it.
type Streamer interface {
	ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error)
}

var _ Streamer = (*Client)(nil)

// Client talks to the chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a client. Empty baseURL and model fall back to the
// OpenAI defaults.
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// Per-request deadlines come from streamingTimeout; a client-wide
		// Timeout would cut long streams.
		httpClient: &http.Client{},
		policy:     retry.DefaultPolicy(),
	}
}

// WithRetry replaces the policy used when opening a stream.
func (c *Client) WithRetry(p retry.Policy) *Client {
	c.policy = p
	return c
}

// Model returns the model used when a request leaves it empty.
func (c *Client) Model() string { return c.model }

// ChatStream opens a streamed completion. Rate limiting and server errors
// are retried before any content is received; once the stream is open no
// retry happens.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	rc, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (io.ReadCloser, error) {
		return c.doChat(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return newSSEStream(rc), nil
}

func (c *Client) doChat(ctx context.Context, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("executing request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		err := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if retry.RetryableStatus(resp.StatusCode) {
			return nil, retry.Transient(err)
		}
		return nil, err
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// StatusError is a non-200 answer from the completions endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion: unexpected status %d: %s", e.Status, e.Body)
}

// cancelOnClose cancels the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ErrStreamFailed wraps an error object the provider embedded in the stream.
var ErrStreamFailed = errors.New("completion stream failed")

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc}
}

// Next skips keep-alives and chunks without content.
func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("%w: %s", ErrStreamFailed, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	// Body ended without [DONE].
	return "", io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
