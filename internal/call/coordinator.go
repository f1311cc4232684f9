// Package call implements the per-call signaling state machine. A single
// coordinator loop consumes user intents, signaling events and timer
// expirations from one internal queue, so every interleaving of the two
// event sources is processed in a deterministic order.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/roster"
	"github.com/dialink/dialink/internal/signaling"
)

// DefaultRingTimeout bounds an unanswered call. Outgoing calls auto-cancel,
// incoming calls expire to canceled.
const DefaultRingTimeout = 45 * time.Second

// Sender emits signaling events to the relay.
type Sender interface {
	Send(ev signaling.Event) error
}

// MediaSession is the slice of the media controller the coordinator drives.
type MediaSession interface {
	Join(ctx context.Context, room core.CallID) error
	Leave()
}

// Coordinator owns the CallSession. All mutations happen on the loop
// goroutine; Session exposes snapshots to other goroutines.
type Coordinator struct {
	sender   Sender
	media    MediaSession
	roster   *roster.Tracker
	identity core.Identity

	ringTimeout time.Duration
	now         func() time.Time
	onState     func(core.CallSession)

	queue   chan input
	stopCh  chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	session   *core.CallSession
	gen       uint64
	ringTimer *time.Timer
	// cancelPending marks an outgoing attempt terminated before the relay
	// assigned the call id; the cancel is emitted once call:outgoing arrives.
	cancelPending bool
	nameAsked     map[core.ParticipantID]bool
}

type Option func(*Coordinator)

func WithRingTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.ringTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithStateListener registers a callback fired with a session snapshot after
// every processed input that touched a session.
func WithStateListener(fn func(core.CallSession)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

func NewCoordinator(sender Sender, media MediaSession, tracker *roster.Tracker,
	identity core.Identity, opts ...Option) *Coordinator {

	c := &Coordinator{
		sender:      sender,
		media:       media,
		roster:      tracker,
		identity:    identity,
		ringTimeout: DefaultRingTimeout,
		now:         time.Now,
		queue:       make(chan input, 128),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
		nameAsked:   make(map[core.ParticipantID]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind wires the signaling router's callbacks into the coordinator queue.
func (c *Coordinator) Bind(router *signaling.Router) {
	router.OnCallIncoming(func(p signaling.CallIncomingParams) error {
		c.post(incomingInput{params: p})
		return nil
	})
	router.OnCallOutgoing(func(p signaling.CallIDParams) error {
		c.post(outgoingInput{params: p})
		return nil
	})
	router.OnCallAccepted(func(p signaling.CallIDParams) error {
		c.post(acceptedInput{params: p})
		return nil
	})
	router.OnCallRejected(func(p signaling.CallIDParams) error {
		c.post(rejectedInput{params: p})
		return nil
	})
	router.OnCallCanceled(func(p signaling.CallIDParams) error {
		c.post(canceledInput{params: p})
		return nil
	})
	router.OnCallEnded(func(p signaling.CallIDParams) error {
		c.post(endedInput{params: p})
		return nil
	})
	router.OnGetUserInfo(func(p signaling.UserInfoParams) error {
		c.post(getUserInfoInput{params: p})
		return nil
	})
	router.OnUserInfo(func(p signaling.UserInfoParams) error {
		c.post(userInfoInput{params: p})
		return nil
	})
}

// Dial starts an outgoing call to a virtual number.
func (c *Coordinator) Dial(number string) { c.post(dialInput{number: number}) }

// Accept answers the ringing incoming call.
func (c *Coordinator) Accept() { c.post(acceptInput{}) }

// Reject declines the ringing incoming call.
func (c *Coordinator) Reject() { c.post(rejectInput{}) }

// HangUp terminates the current call attempt. Whether it is signaled as a
// cancel or an end depends on whether any remote participant ever joined.
func (c *Coordinator) HangUp() { c.post(hangUpInput{}) }

// RosterChanged is the roster tracker's change listener. Non-blocking: a
// dropped notification is recovered by the next one.
func (c *Coordinator) RosterChanged() {
	select {
	case c.queue <- rosterChangedInput{}:
	default:
	}
}

// Session returns a snapshot of the current call attempt, if any.
func (c *Coordinator) Session() (core.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return core.CallSession{}, false
	}
	return *c.session, true
}

// Start launches the coordinator loop. The returned channel closes once the
// loop is running.
func (c *Coordinator) Start() <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		defer close(c.stopped)
		close(ready)

		for {
			select {
			case <-c.stopCh:
				c.drain()
				return
			case in := <-c.queue:
				c.handle(in)
			}
		}
	}()

	return ready
}

// Stop terminates the loop after processing what is already queued. The
// returned channel closes once it has exited.
func (c *Coordinator) Stop() <-chan struct{} {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	return c.stopped
}

func (c *Coordinator) drain() {
	for {
		select {
		case in := <-c.queue:
			c.handle(in)
		default:
			return
		}
	}
}

func (c *Coordinator) post(in input) {
	select {
	case c.queue <- in:
	case <-c.stopCh:
	}
}

func (c *Coordinator) handle(in input) {
	c.mu.Lock()

	switch in := in.(type) {
	case dialInput:
		c.handleDial(in.number)
	case acceptInput:
		c.handleAccept()
	case rejectInput:
		c.handleReject()
	case hangUpInput:
		c.handleHangUp()
	case incomingInput:
		c.handleIncoming(in.params)
	case outgoingInput:
		c.handleOutgoing(in.params)
	case acceptedInput:
		c.handleAccepted(in.params)
	case rejectedInput:
		c.handleRemoteTerminal(in.params, core.EndReasonRejected)
	case canceledInput:
		c.handleRemoteTerminal(in.params, core.EndReasonCanceled)
	case endedInput:
		c.handleRemoteTerminal(in.params, core.EndReasonEnded)
	case getUserInfoInput:
		c.handleGetUserInfo(in.params)
	case userInfoInput:
		c.mu.Unlock()
		c.roster.ResolveName(in.params.UID, in.params.Name)
		return
	case ringTimeoutInput:
		c.handleRingTimeout(in.gen)
	case rosterChangedInput:
		c.handleRosterChanged()
	}

	var snapshot *core.CallSession
	if c.session != nil {
		copied := *c.session
		snapshot = &copied
	}
	c.mu.Unlock()

	if snapshot != nil && c.onState != nil {
		c.onState(*snapshot)
	}
}

func (c *Coordinator) handleDial(number string) {
	if c.session != nil && !c.session.State.IsTerminal() {
		c.invalidTransition("dial")
		return
	}

	c.gen++
	c.cancelPending = false
	c.nameAsked = make(map[core.ParticipantID]bool)
	c.session = &core.CallSession{
		State:      core.CallDialing,
		Local:      c.identity,
		RemoteHint: core.Identity{VirtualNumber: number},
		Outgoing:   true,
		StartedAt:  c.now(),
	}
	c.armRingTimer()

	log.Info().Str("service", "call").Str("to", number).Msg("dialing")
	c.emit(signaling.NewCallRequestEvent(c.identity.VirtualNumber, number, c.identity))
}

// handleOutgoing binds the relay-assigned call id to the dialing session and
// joins the media room right away, so the caller is already waiting in the
// room when the callee accepts.
func (c *Coordinator) handleOutgoing(params signaling.CallIDParams) {
	if c.session != nil && c.session.Outgoing && c.cancelPending {
		// The attempt was hung up (or timed out) before the relay assigned
		// the id; the relay-side call is still ringing, cancel it now.
		c.session.ID = params.CallID
		c.cancelPending = false
		c.emit(signaling.NewCallCancelEvent(params.CallID))
		return
	}
	if c.session == nil || !c.session.Outgoing || c.session.State != core.CallDialing {
		c.invalidTransition("call:outgoing")
		return
	}

	c.session.ID = params.CallID
	c.joinMedia()
}

func (c *Coordinator) handleIncoming(params signaling.CallIncomingParams) {
	if c.session != nil && !c.session.State.IsTerminal() {
		// Busy: the caller's own ring timeout resolves the attempt.
		c.invalidTransition("call:incoming")
		return
	}

	c.gen++
	c.cancelPending = false
	c.nameAsked = make(map[core.ParticipantID]bool)
	c.session = &core.CallSession{
		ID:         params.CallID,
		State:      core.CallRinging,
		Local:      c.identity,
		RemoteHint: params.FromUser,
		StartedAt:  c.now(),
	}
	c.armRingTimer()

	log.Info().Str("service", "call").Str("call_id", string(params.CallID)).
		Str("from", params.From).Msg("incoming call")
}

func (c *Coordinator) handleAccept() {
	if c.session == nil || c.session.State != core.CallRinging {
		c.invalidTransition("accept")
		return
	}

	c.session.State = core.CallAccepted
	c.stopRingTimer()
	c.emit(signaling.NewCallAcceptEvent(c.session.ID, c.identity.VirtualNumber))
	c.joinMedia()
}

func (c *Coordinator) handleReject() {
	if c.session == nil || c.session.State != core.CallRinging {
		c.invalidTransition("reject")
		return
	}

	c.session.End(core.EndReasonRejected, c.now())
	c.stopRingTimer()
	c.emit(signaling.NewCallRejectEvent(c.session.ID, c.identity.VirtualNumber))
}

// handleAccepted moves the caller to Active. The media room was already
// joined while dialing.
func (c *Coordinator) handleAccepted(params signaling.CallIDParams) {
	if c.session == nil || c.session.ID != params.CallID || c.session.State != core.CallDialing {
		c.invalidTransition("call:accepted")
		return
	}

	c.session.State = core.CallActive
	c.stopRingTimer()
	log.Info().Str("service", "call").Str("call_id", string(params.CallID)).Msg("call accepted")
}

func (c *Coordinator) handleHangUp() {
	if c.session == nil {
		c.invalidTransition("hangup")
		return
	}

	switch c.session.State {
	case core.CallDialing, core.CallAccepted, core.CallActive:
	default:
		c.invalidTransition("hangup")
		return
	}

	// The cancel/end distinction is decided by whether any remote participant
	// ever joined the media room, not by elapsed time.
	if c.roster.EverJoined() == 0 {
		c.session.End(core.EndReasonCanceled, c.now())
		c.stopRingTimer()
		if c.session.ID != "" {
			c.emit(signaling.NewCallCancelEvent(c.session.ID))
		} else if c.session.Outgoing {
			// call:outgoing has not bound the id yet; the cancel is emitted
			// when it arrives, so the relay-side call does not ring on.
			c.cancelPending = true
		}
	} else {
		c.session.State = core.CallEnding
		c.emit(signaling.NewCallEndEvent(c.session.ID))
		c.session.End(core.EndReasonEnded, c.now())
		c.stopRingTimer()
	}

	c.media.Leave()
}

// handleRemoteTerminal applies a terminal event from the peer. Events for an
// already-terminal or unknown call id are idempotent no-ops.
func (c *Coordinator) handleRemoteTerminal(params signaling.CallIDParams, reason core.EndReason) {
	if c.session == nil || c.session.State.IsTerminal() {
		return
	}
	if c.session.ID != params.CallID {
		// The relay answers an unreachable callee with call:rejected before
		// call:outgoing ever binds the id; the dialing session adopts the id
		// from the terminal event itself.
		if !c.session.Outgoing || c.session.State != core.CallDialing || c.session.ID != "" {
			return
		}
		c.session.ID = params.CallID
	}

	c.session.End(reason, c.now())
	c.stopRingTimer()
	c.media.Leave()

	log.Info().Str("service", "call").Str("call_id", string(params.CallID)).
		Str("reason", string(reason)).Msg("call terminated by peer")
}

func (c *Coordinator) handleGetUserInfo(params signaling.UserInfoParams) {
	if c.session == nil || c.session.State.IsTerminal() || c.session.ID != params.CallID {
		return
	}
	c.emit(signaling.NewUserInfoResponseEvent(
		c.session.ID, c.identity.SessionID(), c.identity.DisplayName,
	))
}

func (c *Coordinator) handleRingTimeout(gen uint64) {
	if gen != c.gen || c.session == nil {
		return
	}

	switch c.session.State {
	case core.CallDialing:
		log.Info().Str("service", "call").Msg("ring timeout, canceling outgoing call")
		c.session.End(core.EndReasonCanceled, c.now())
		if c.session.ID != "" {
			c.emit(signaling.NewCallCancelEvent(c.session.ID))
		} else {
			c.cancelPending = true
		}
		c.media.Leave()
	case core.CallRinging:
		log.Info().Str("service", "call").Msg("ring timeout, incoming call expired")
		c.session.End(core.EndReasonCanceled, c.now())
	}
}

// joinMedia runs the join inline on the loop goroutine; intents arriving
// meanwhile queue up behind it instead of interleaving. A failed join (after
// the controller's own token-refresh retry) terminates the call attempt.
func (c *Coordinator) joinMedia() {
	err := c.media.Join(context.Background(), c.session.ID)
	if err != nil {
		log.Error().Err(err).Str("service", "call").
			Str("call_id", string(c.session.ID)).Msg("media join failed")

		c.session.End(core.EndReasonFailed, c.now())
		c.stopRingTimer()
		if c.roster.EverJoined() == 0 {
			c.emit(signaling.NewCallCancelEvent(c.session.ID))
		} else {
			c.emit(signaling.NewCallEndEvent(c.session.ID))
		}
		c.media.Leave()
		return
	}

	if c.session.State == core.CallAccepted {
		c.session.State = core.CallActive
	}
	c.emit(signaling.NewBroadcastMyInfoEvent(
		c.session.ID, c.identity.SessionID(), c.identity.DisplayName,
	))
}

func (c *Coordinator) handleRosterChanged() {
	if c.session == nil || c.session.State.IsTerminal() {
		return
	}
	if c.roster.RemoteCount() > 0 {
		c.session.Connect(c.now())
	}

	// A remote entry materializes from engine events before its name is
	// known; ask once per participant, the peer answers user-info-response.
	for _, p := range c.roster.Snapshot() {
		if p.IsLocal || p.DisplayName != "" || c.nameAsked[p.ID] {
			continue
		}
		c.nameAsked[p.ID] = true
		c.emit(signaling.NewGetUserInfoEvent(c.session.ID, p.ID))
	}
}

// emit drops the event on a disconnected channel and lets the local state
// stand: the optimistic degraded mode for signaling loss.
func (c *Coordinator) emit(ev signaling.Event) {
	err := c.sender.Send(ev)
	if err == nil {
		return
	}
	if errors.Is(err, signaling.ErrDisconnected) {
		log.Warn().Str("service", "call").Str("kind", string(ev.GetKind())).
			Msg("signaling channel down, local state advanced without emission")
		return
	}
	log.Error().Err(err).Str("service", "call").Str("kind", string(ev.GetKind())).Msg("emit failed")
}

func (c *Coordinator) armRingTimer() {
	c.stopRingTimer()
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		select {
		case c.queue <- ringTimeoutInput{gen: gen}:
		case <-c.stopCh:
		}
	})
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) invalidTransition(intent string) {
	state := "none"
	if c.session != nil {
		state = c.session.State.String()
	}
	// Usually a duplicate UI event; never surfaced to the user.
	log.Debug().Str("service", "call").Str("intent", intent).Str("state", state).
		Msg("invalid transition ignored")
}
