// Package events publishes ingestion progress so other processes can follow
// a run as it moves through its states.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the lowercase state name.
const DefaultSubjectPrefix = "homepro.ingest"

// Event is one state transition of an ingestion run.
type Event struct {
	RunID   string         `json:"runId"`
	State   string         `json:"state"`
	File    string         `json:"file,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher delivers events. Publish must not block a run for long; failed
// deliveries are reported but never stop ingestion.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// NATS publishes events as JSON to "<prefix>.<state>".
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	opts := []nats.Option{
		nats.Name("homepro"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event for state is published on.
func Subject(prefix, state string) string {
	return prefix + "." + strings.ToLower(state)
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.conn.Publish(Subject(n.prefix, e.State), payload)
}

// Close flushes pending events before closing the connection.
func (n *NATS) Close() {
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		n.logger.Warn("nats flush failed", "error", err)
	}
	n.conn.Close()
}
