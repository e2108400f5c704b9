package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(PlanSubmitted, map[string]string{"run_id": "r1"})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, PlanSubmitted, ev.Type)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "r1", data["run_id"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubReplayBufferOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(JobCompleted, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, json.RawMessage("{}"), all[0].Data)

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, int64(5), later[0].ID)
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on a closed channel.
	h.Publish(PlanCompleted, nil)
}
