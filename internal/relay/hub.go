package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/history"
	"github.com/dialink/dialink/internal/signaling"
	"github.com/dialink/dialink/internal/telemetry"
)

// conn is the slice of a websocket session the hub routes through.
type conn interface {
	Write(msg []byte) error
}

// Publisher emits terminated-call messages. Satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type client struct {
	conn   conn
	userID core.UserID
	number string
	name   string
}

type activeCall struct {
	id     core.CallID
	caller *client
	callee *client

	startedAt time.Time
	// acceptedAt approximates connection time for history duration; the
	// media-level connect happens moments later on the clients.
	acceptedAt *time.Time
}

func (c *activeCall) peerOf(who *client) *client {
	if who == c.caller {
		return c.callee
	}
	return c.caller
}

// Hub owns the relay's session table and the call routing of the signaling
// event table: one caller and one callee per call id, events relayed to the
// other side, terminated calls published for history.
type Hub struct {
	presence  PresenceStore
	publisher Publisher

	now       func() time.Time
	newCallID func() core.CallID

	mu       sync.Mutex
	byConn   map[conn]*client
	byNumber map[string]*client
	calls    map[core.CallID]*activeCall
}

func NewHub(presence PresenceStore, publisher Publisher) *Hub {
	return &Hub{
		presence:  presence,
		publisher: publisher,
		now:       time.Now,
		newCallID: func() core.CallID { return core.CallID(uuid.NewString()) },
		byConn:    make(map[conn]*client),
		byNumber:  make(map[string]*client),
		calls:     make(map[core.CallID]*activeCall),
	}
}

func (h *Hub) HandleConnect(c conn) {
	telemetry.ClientConnected()
}

// HandleDisconnect drops the session, clears presence and resolves any call
// the client was part of as if it had hung up.
func (h *Hub) HandleDisconnect(c conn) {
	telemetry.ClientDisconnected()

	h.mu.Lock()
	cl, known := h.byConn[c]
	if known {
		delete(h.byConn, c)
		if h.byNumber[cl.number] == cl {
			delete(h.byNumber, cl.number)
		}
	}

	var involved []*activeCall
	if known {
		for _, call := range h.calls {
			if call.caller == cl || call.callee == cl {
				involved = append(involved, call)
			}
		}
	}
	h.mu.Unlock()

	if !known {
		return
	}

	if err := h.presence.Unregister(context.Background(), cl.number); err != nil {
		log.Error().Err(err).Str("service", "relay").Str("number", cl.number).Msg("presence unregister")
	}

	for _, call := range involved {
		h.resolvePeerGone(call, cl)
	}

	log.Info().Str("service", "relay").Str("number", cl.number).Msg("client disconnected")
}

func (h *Hub) HandleMessage(c conn, payload []byte) error {
	ev, err := signaling.EventFromReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case *signaling.UserOnlineEvent:
		return h.handleOnline(c, ev)
	case *signaling.CallRequestEvent:
		return h.handleRequest(c, ev)
	case *signaling.CallIDEvent:
		return h.handleCallEvent(c, ev)
	case *signaling.UserInfoEvent:
		return h.forwardToPeer(c, ev)
	}

	log.Debug().Str("service", "relay").Str("kind", string(ev.GetKind())).Msg("ignored event")
	return nil
}

func (h *Hub) handleOnline(c conn, ev *signaling.UserOnlineEvent) error {
	cl := &client{
		conn:   c,
		userID: ev.Params.UserID,
		number: ev.Params.VirtualNumber,
	}

	h.mu.Lock()
	h.byConn[c] = cl
	h.byNumber[cl.number] = cl
	h.mu.Unlock()

	log.Info().Str("service", "relay").Str("number", cl.number).
		Int64("user_id", int64(cl.userID)).Msg("client online")

	return h.presence.Register(context.Background(), cl.number, cl.userID)
}

// handleRequest mints the call id and offers the call to the callee. An
// offline callee rejects immediately.
func (h *Hub) handleRequest(c conn, ev *signaling.CallRequestEvent) error {
	h.mu.Lock()
	caller, known := h.byConn[c]
	if known && caller.name == "" {
		caller.name = ev.Params.FromUser.DisplayName
	}
	callee := h.byNumber[ev.Params.To]
	h.mu.Unlock()

	if !known {
		log.Warn().Str("service", "relay").Msg("call request from unregistered connection")
		return nil
	}

	callID := h.newCallID()

	if callee == nil || callee == caller {
		log.Info().Str("service", "relay").Str("to", ev.Params.To).
			Str("call_id", string(callID)).Msg("callee unreachable, rejecting")
		h.send(caller, signaling.NewCallRejectedEvent(callID))
		return nil
	}

	call := &activeCall{
		id:        callID,
		caller:    caller,
		callee:    callee,
		startedAt: h.now(),
	}

	h.mu.Lock()
	h.calls[callID] = call
	h.mu.Unlock()

	telemetry.CallStarted()
	log.Info().Str("service", "relay").Str("call_id", string(callID)).
		Str("from", caller.number).Str("to", callee.number).Msg("call offered")

	h.send(caller, signaling.NewCallOutgoingEvent(callID))
	h.send(callee, signaling.NewCallIncomingEvent(callID, caller.number, core.Identity{
		UserID:        caller.userID,
		DisplayName:   ev.Params.FromUser.DisplayName,
		VirtualNumber: caller.number,
	}))
	return nil
}

func (h *Hub) handleCallEvent(c conn, ev *signaling.CallIDEvent) error {
	h.mu.Lock()
	cl := h.byConn[c]
	call := h.calls[ev.Params.CallID]
	h.mu.Unlock()

	if cl == nil || call == nil {
		// Stale events for finished calls are no-ops.
		log.Debug().Str("service", "relay").Str("kind", string(ev.GetKind())).
			Str("call_id", string(ev.Params.CallID)).Msg("event for unknown call")
		return nil
	}

	switch ev.GetKind() {
	case signaling.CallAcceptKind:
		if cl != call.callee {
			return nil
		}
		now := h.now()
		call.acceptedAt = &now
		h.send(call.caller, signaling.NewCallAcceptedEvent(call.id))

	case signaling.CallRejectKind:
		if cl != call.callee {
			return nil
		}
		h.send(call.caller, signaling.NewCallRejectedEvent(call.id))
		h.finish(call, core.EndReasonRejected)

	case signaling.CallCancelKind:
		if cl != call.caller {
			return nil
		}
		h.send(call.callee, signaling.NewCallCanceledEvent(call.id))
		h.finish(call, core.EndReasonCanceled)

	case signaling.CallEndKind:
		if cl != call.caller && cl != call.callee {
			return nil
		}
		h.send(call.peerOf(cl), signaling.NewCallEndedEvent(call.id))
		h.finish(call, core.EndReasonEnded)

	default:
		log.Debug().Str("service", "relay").Str("kind", string(ev.GetKind())).Msg("unroutable call event")
	}

	return nil
}

// forwardToPeer relays name-resolution traffic to the other call member.
func (h *Hub) forwardToPeer(c conn, ev *signaling.UserInfoEvent) error {
	h.mu.Lock()
	cl := h.byConn[c]
	call := h.calls[ev.Params.CallID]
	h.mu.Unlock()

	if cl == nil || call == nil {
		return nil
	}
	if cl != call.caller && cl != call.callee {
		return nil
	}

	h.send(call.peerOf(cl), ev)
	return nil
}

// resolvePeerGone ends a call whose member dropped the connection: before
// accept the vanished side is treated as canceling (caller) or rejecting
// (callee); after accept the call simply ended.
func (h *Hub) resolvePeerGone(call *activeCall, gone *client) {
	peer := call.peerOf(gone)

	switch {
	case call.acceptedAt != nil:
		h.send(peer, signaling.NewCallEndedEvent(call.id))
		h.finish(call, core.EndReasonEnded)
	case gone == call.caller:
		h.send(peer, signaling.NewCallCanceledEvent(call.id))
		h.finish(call, core.EndReasonCanceled)
	default:
		h.send(peer, signaling.NewCallRejectedEvent(call.id))
		h.finish(call, core.EndReasonRejected)
	}
}

// finish retires the call and publishes its history record.
func (h *Hub) finish(call *activeCall, reason core.EndReason) {
	h.mu.Lock()
	_, live := h.calls[call.id]
	delete(h.calls, call.id)
	h.mu.Unlock()

	if !live {
		return
	}

	telemetry.CallEnded(string(reason))

	if h.publisher == nil {
		return
	}

	msg := &history.Message{
		CallID:      call.id,
		CallerID:    call.caller.userID,
		CalleeID:    call.callee.userID,
		Reason:      reason,
		StartedAt:   call.startedAt,
		ConnectedAt: call.acceptedAt,
		EndedAt:     h.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("marshal history message")
		return
	}
	if err := h.publisher.Publish(history.Subject, payload); err != nil {
		log.Error().Err(err).Str("service", "relay").Str("call_id", string(call.id)).
			Msg("publish history message")
	}
}

func (h *Hub) send(to *client, ev signaling.Event) {
	payload, err := ev.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("marshal event")
		return
	}
	if err := to.conn.Write(payload); err != nil {
		log.Warn().Err(err).Str("service", "relay").Str("number", to.number).Msg("write to session")
	}
}
