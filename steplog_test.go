package sagaflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLogTransitions(t *testing.T) {
	now := time.Now()
	log := newStepLog()

	require.NoError(t, log.record("a", EventStarted, now, nil))
	require.NoError(t, log.succeed("a", "value", json.RawMessage(`"value"`), now))
	assert.Equal(t, StepSucceeded, log.Status("a"))
	assert.False(t, log.Unwinding())

	require.NoError(t, log.record("b", EventStarted, now, nil))
	require.NoError(t, log.record("b", EventFailed, now, errors.New("boom")))
	assert.True(t, log.Unwinding())

	require.NoError(t, log.record("a", EventUndoStarted, now, nil))
	require.NoError(t, log.record("a", EventUndoFinished, now, nil))
	assert.Equal(t, StepUndoFinished, log.Status("a"))

	err := log.record("a", EventStarted, now, nil)
	assert.ErrorContains(t, err, "illegal event type started for current status UndoFinished")
	err = log.record("c", EventSucceeded, now, nil)
	assert.Error(t, err, "a step cannot succeed before it starts")

	entries := log.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, "boom", entries[3].Error)
	assert.Contains(t, log.String(), "direction: unwinding")
	assert.Contains(t, log.String(), "004 b failed: boom")
}

func TestStepLogCompletionOrder(t *testing.T) {
	now := time.Now()
	log := newStepLog()

	require.NoError(t, log.restore(CompletedStep{Name: "restored", Output: json.RawMessage(`{"id":1}`), CompletedAt: now}))
	for _, name := range []string{"second", "first"} {
		require.NoError(t, log.record(name, EventStarted, now, nil))
	}
	require.NoError(t, log.succeed("first", 1, json.RawMessage(`1`), now))
	require.NoError(t, log.succeed("second", 2, json.RawMessage(`2`), now))

	completed := log.Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, "restored", completed[0].Name)
	assert.Equal(t, json.RawMessage(`{"id":1}`), completed[0].Value())
	assert.Equal(t, "first", completed[1].Name)
	assert.Equal(t, 1, completed[1].Value())
	assert.Equal(t, "second", completed[2].Name)

	assert.Error(t, log.restore(CompletedStep{Name: "restored"}), "a step is restored at most once")
}

func TestStepEventTypeJSON(t *testing.T) {
	data, err := json.Marshal(StepLogEntry{Step: "a", Type: EventUndoFailed})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"undo_failed"`)
}
