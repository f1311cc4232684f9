package signaling

import (
	"bytes"
	"errors"

	"github.com/rs/zerolog/log"
)

var errUnhandledKind = errors.New("no handler for signaling event")

// Router decodes the raw inbound payload stream and fires one registered
// callback per event kind. Payloads are processed strictly in arrival order,
// which preserves the per-call-id ordering guarantee of the channel.
type Router struct {
	source <-chan []byte

	onCallIncoming func(CallIncomingParams) error
	onCallOutgoing func(CallIDParams) error
	onCallAccepted func(CallIDParams) error
	onCallRejected func(CallIDParams) error
	onCallCanceled func(CallIDParams) error
	onCallEnded    func(CallIDParams) error
	onGetUserInfo  func(UserInfoParams) error
	onUserInfo     func(UserInfoParams) error

	stop    chan struct{}
	stopped chan struct{}
}

func NewRouter(source <-chan []byte) *Router {
	return &Router{
		source:  source,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (r *Router) OnCallIncoming(fn func(CallIncomingParams) error) { r.onCallIncoming = fn }
func (r *Router) OnCallOutgoing(fn func(CallIDParams) error)       { r.onCallOutgoing = fn }
func (r *Router) OnCallAccepted(fn func(CallIDParams) error)       { r.onCallAccepted = fn }
func (r *Router) OnCallRejected(fn func(CallIDParams) error)       { r.onCallRejected = fn }
func (r *Router) OnCallCanceled(fn func(CallIDParams) error)       { r.onCallCanceled = fn }
func (r *Router) OnCallEnded(fn func(CallIDParams) error)          { r.onCallEnded = fn }
func (r *Router) OnGetUserInfo(fn func(UserInfoParams) error)      { r.onGetUserInfo = fn }

// OnUserInfo is fired for both broadcast-my-info and user-info-response;
// either one resolves a roster display name.
func (r *Router) OnUserInfo(fn func(UserInfoParams) error) { r.onUserInfo = fn }

// Start launches the routing loop. The returned channel closes once the loop
// is running.
func (r *Router) Start() <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		defer close(r.stopped)
		close(ready)

		for {
			select {
			case <-r.stop:
				r.drain()
				return
			case payload, ok := <-r.source:
				if !ok {
					return
				}
				if err := r.route(payload); err != nil {
					log.Error().Err(err).Str("service", "router").Msg("")
				}
			}
		}
	}()

	return ready
}

// Stop terminates the loop. The returned channel closes once it has exited.
func (r *Router) Stop() <-chan struct{} {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	return r.stopped
}

// drain processes whatever is already buffered so that a Stop issued right
// after the last send still observes every event.
func (r *Router) drain() {
	for {
		select {
		case payload, ok := <-r.source:
			if !ok {
				return
			}
			if err := r.route(payload); err != nil {
				log.Error().Err(err).Str("service", "router").Msg("")
			}
		default:
			return
		}
	}
}

func (r *Router) route(payload []byte) error {
	ev, err := EventFromReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case *CallIncomingEvent:
		return r.fire(r.onCallIncoming == nil, func() error { return r.onCallIncoming(ev.Params) })
	case *CallIDEvent:
		switch ev.GetKind() {
		case CallOutgoingKind:
			return r.fire(r.onCallOutgoing == nil, func() error { return r.onCallOutgoing(ev.Params) })
		case CallAcceptedKind:
			return r.fire(r.onCallAccepted == nil, func() error { return r.onCallAccepted(ev.Params) })
		case CallRejectedKind:
			return r.fire(r.onCallRejected == nil, func() error { return r.onCallRejected(ev.Params) })
		case CallCanceledKind:
			return r.fire(r.onCallCanceled == nil, func() error { return r.onCallCanceled(ev.Params) })
		case CallEndedKind:
			return r.fire(r.onCallEnded == nil, func() error { return r.onCallEnded(ev.Params) })
		}
	case *UserInfoEvent:
		if ev.GetKind() == GetUserInfoKind {
			return r.fire(r.onGetUserInfo == nil, func() error { return r.onGetUserInfo(ev.Params) })
		}
		return r.fire(r.onUserInfo == nil, func() error { return r.onUserInfo(ev.Params) })
	}

	log.Debug().Str("service", "router").Str("kind", string(ev.GetKind())).Msg("ignored event")
	return nil
}

func (r *Router) fire(missing bool, fn func() error) error {
	if missing {
		return errUnhandledKind
	}
	return fn()
}
