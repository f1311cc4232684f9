package core

import (
	"fmt"
	"time"
)

// CallState is the signaling state of one call attempt.
type CallState int

const (
	CallIdle CallState = iota
	// CallDialing: local user dialed, waiting for the callee's answer.
	CallDialing
	// CallRinging: incoming call offered to the local user.
	CallRinging
	// CallAccepted: accept decided, media join in progress.
	CallAccepted
	// CallActive: call established, media session owned.
	CallActive
	// CallEnding: teardown in progress.
	CallEnding
	// CallEnded is terminal; any further signaling for the call id is a no-op.
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallDialing:
		return "dialing"
	case CallRinging:
		return "ringing"
	case CallAccepted:
		return "accepted"
	case CallActive:
		return "active"
	case CallEnding:
		return "ending"
	case CallEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s CallState) IsTerminal() bool {
	return s == CallEnded
}

// EndReason classifies a terminated call. The cancel/end distinction is
// decided by roster size at hang-up time and feeds history classification.
type EndReason string

const (
	// EndReasonRejected: callee declined before media was established.
	EndReasonRejected EndReason = "rejected"
	// EndReasonCanceled: caller gave up before any remote participant joined.
	EndReasonCanceled EndReason = "canceled"
	// EndReasonEnded: a real call existed and one party hung up.
	EndReasonEnded EndReason = "ended"
	// EndReasonFailed: the media join could not be established.
	EndReasonFailed EndReason = "failed"
)

// CallSession is the single source of truth for one call attempt.
type CallSession struct {
	ID     CallID
	State  CallState
	Reason EndReason

	Local Identity
	// RemoteHint carries the identity info of the initial signaling event,
	// used before the media-level roster confirms the peer.
	RemoteHint Identity
	Outgoing   bool

	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
}

// Connect records the first remote media join. Set once, never reset.
func (s *CallSession) Connect(now time.Time) {
	if s.ConnectedAt == nil {
		t := now
		s.ConnectedAt = &t
	}
}

func (s *CallSession) Connected() bool {
	return s.ConnectedAt != nil
}

// End moves the session to its terminal state. Idempotent.
func (s *CallSession) End(reason EndReason, now time.Time) {
	if s.State.IsTerminal() {
		return
	}
	s.State = CallEnded
	s.Reason = reason
	t := now
	s.EndedAt = &t
}

// Duration is the connected time of the call, zero if it never connected.
func (s *CallSession) Duration() time.Duration {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.ConnectedAt)
}
