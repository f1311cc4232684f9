package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dialink/dialink/internal/core"
)

func TestRecordDurationFromConnectedTime(t *testing.T) {
	started := time.Date(2022, 5, 23, 12, 0, 0, 0, time.UTC)
	connected := started.Add(4 * time.Second)
	ended := connected.Add(95 * time.Second)

	msg := Message{
		CallID:      core.CallID("call-1"),
		CallerID:    7,
		CalleeID:    12,
		Reason:      core.EndReasonEnded,
		StartedAt:   started,
		ConnectedAt: &connected,
		EndedAt:     ended,
	}

	record := msg.Record()
	assert.Equal(t, 95, record.DurationSeconds)
	assert.Equal(t, core.EndReasonEnded, record.Reason)
}

func TestRecordWithoutConnectionStoresZeroDuration(t *testing.T) {
	started := time.Date(2022, 5, 23, 12, 0, 0, 0, time.UTC)

	msg := Message{
		CallID:    core.CallID("call-2"),
		CallerID:  7,
		CalleeID:  12,
		Reason:    core.EndReasonCanceled,
		StartedAt: started,
		EndedAt:   started.Add(30 * time.Second),
	}

	record := msg.Record()
	assert.Equal(t, 0, record.DurationSeconds)
	assert.Nil(t, record.ConnectedAt)
}
