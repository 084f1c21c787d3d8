package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "homepro.ingest.indexready", Subject(DefaultSubjectPrefix, "IndexReady"))
	assert.Equal(t, "x.done", Subject("x", "Done"))
}

func TestNopPublish(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{State: "Done"}))
	p.Close()
}

func TestEventJSON(t *testing.T) {
	e := Event{
		RunID:  "r1",
		State:  "Upserting",
		Counts: map[string]int{"records": 3},
		Time:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "r1", m["runId"])
	assert.Equal(t, "Upserting", m["state"])
	assert.NotContains(t, m, "file")
	assert.NotContains(t, m, "error")
}
