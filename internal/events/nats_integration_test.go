//go:build integration

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_NATSPublish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan Event, 1)
	_, err = sub.Subscribe("homepro.test.>", func(msg *nats.Msg) {
		var e Event
		json.Unmarshal(msg.Data, &e)
		received <- e
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := NewNATS(url, "homepro.test", nil)
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), Event{RunID: "run-1", State: "Done", Time: time.Now()}))

	select {
	case e := <-received:
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, "Done", e.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
