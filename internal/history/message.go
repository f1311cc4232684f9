// Package history persists classified call records. The relay publishes one
// message per terminated call on NATS; historyd consumes the queue group and
// writes Postgres rows.
package history

import (
	"time"

	"github.com/dialink/dialink/internal/core"
)

const (
	// Subject carries terminated-call messages from the relay.
	Subject = "calls.ended"
	// QueueWriters load-balances writer daemons.
	QueueWriters = "history-writers"
)

// Message transfers one terminated call from the relay to the writers.
type Message struct {
	CallID      core.CallID    `json:"call_id"`
	CallerID    core.UserID    `json:"caller_id"`
	CalleeID    core.UserID    `json:"callee_id"`
	Reason      core.EndReason `json:"reason"`
	StartedAt   time.Time      `json:"started_at"`
	ConnectedAt *time.Time     `json:"connected_at,omitempty"`
	EndedAt     time.Time      `json:"ended_at"`
}

// Record converts the message into its storable form. Duration counts
// connected time only, so canceled and rejected calls store zero.
func (m *Message) Record() *core.CallRecord {
	duration := 0
	if m.ConnectedAt != nil {
		duration = int(m.EndedAt.Sub(*m.ConnectedAt) / time.Second)
	}

	return &core.CallRecord{
		CallID:          m.CallID,
		CallerID:        m.CallerID,
		CalleeID:        m.CalleeID,
		Reason:          m.Reason,
		StartedAt:       m.StartedAt,
		ConnectedAt:     m.ConnectedAt,
		EndedAt:         m.EndedAt,
		DurationSeconds: duration,
	}
}
