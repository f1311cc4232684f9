// Package pion implements the media engine boundary on top of a WebRTC peer
// connection negotiated with the media gateway over a websocket leg.
package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/media"
)

const handshakeTimeout = 10 * time.Second

var errNotJoined = errors.New("media engine is not joined")

type trackKey struct {
	id   core.ParticipantID
	kind core.TrackKind
}

// Engine speaks the gateway's JSON-RPC protocol for negotiation and room
// events, and pion WebRTC for the media plane. One Engine carries one room at
// a time; Join after Leave starts a fresh session.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	pc      *webrtc.PeerConnection
	events  chan media.Event
	done    chan struct{}
	senders map[string]*webrtc.RTPSender

	pendingCandidates []webrtc.ICECandidateInit

	// waiters park Subscribe calls until OnTrack delivers the remote track;
	// arrived holds tracks that beat their Subscribe call.
	waiters map[trackKey]chan *webrtc.TrackRemote
	arrived map[trackKey]*webrtc.TrackRemote
}

var _ media.Engine = (*Engine)(nil)

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		events:  make(chan media.Event),
		senders: make(map[string]*webrtc.RTPSender),
		waiters: make(map[trackKey]chan *webrtc.TrackRemote),
		arrived: make(map[trackKey]*webrtc.TrackRemote),
	}
}

func (e *Engine) Join(ctx context.Context, room core.CallID, id core.ParticipantID, accessToken string) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return errors.New("media engine is already joined")
	}
	e.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, e.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial media gateway: %w", err)
	}
	resp.Body.Close()

	mediaEngine, err := createMediaEngine()
	if err != nil {
		conn.Close()
		return err
	}
	settingEngine, err := e.cfg.settingEngine()
	if err != nil {
		conn.Close()
		return err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(e.cfg.peerConnectionConfig())
	if err != nil {
		conn.Close()
		return err
	}

	connected := make(chan struct{})
	failed := make(chan struct{})
	var once, failOnce sync.Once

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := e.send(candidateMethod, candidateParams{Candidate: candidate.ToJSON()}); err != nil {
			log.Error().Err(err).Str("service", "media").Msg("send ICE candidate")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "media").Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			once.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed:
			failOnce.Do(func() { close(failed) })
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.deliverTrack(remote)
	})

	events := make(chan media.Event, 16)
	done := make(chan struct{})

	e.mu.Lock()
	e.conn = conn
	e.pc = pc
	e.events = events
	e.done = done
	e.senders = make(map[string]*webrtc.RTPSender)
	e.pendingCandidates = nil
	e.waiters = make(map[trackKey]chan *webrtc.TrackRemote)
	e.arrived = make(map[trackKey]*webrtc.TrackRemote)
	e.mu.Unlock()

	go e.readLoop(conn, pc, events, done)

	if err := e.send(joinMethod, joinParams{Room: room, Participant: id, AccessToken: accessToken}); err != nil {
		e.teardown()
		return err
	}

	// The gateway answers the join with its SDP offer; the session is up once
	// the peer connection reports connected.
	select {
	case <-connected:
		return nil
	case <-failed:
		e.teardown()
		return errors.New("peer connection failed")
	case <-done:
		e.teardown()
		return errors.New("gateway closed the connection during join")
	case <-ctx.Done():
		e.teardown()
		return ctx.Err()
	}
}

func (e *Engine) Leave() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		err := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		if err != nil {
			log.Debug().Err(err).Str("service", "media").Msg("close message failed")
		}
	}
	e.teardown()
	return nil
}

func (e *Engine) Publish(ctx context.Context, tracks ...media.Track) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return errNotJoined
	}

	for _, track := range tracks {
		local, ok := track.(interface{ Local() webrtc.TrackLocal })
		if !ok {
			return fmt.Errorf("track %s is not backed by a webrtc local track", track.ID())
		}

		sender, err := pc.AddTrack(local.Local())
		if err != nil {
			return err
		}
		go drainRTCP(sender)

		e.mu.Lock()
		e.senders[track.ID()] = sender
		e.mu.Unlock()
	}

	return e.negotiate(pc)
}

func (e *Engine) Unpublish(ctx context.Context, tracks ...media.Track) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return errNotJoined
	}

	for _, track := range tracks {
		e.mu.Lock()
		sender, ok := e.senders[track.ID()]
		if ok {
			delete(e.senders, track.ID())
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := pc.RemoveTrack(sender); err != nil {
			return err
		}
	}

	return e.negotiate(pc)
}

func (e *Engine) Subscribe(ctx context.Context, id core.ParticipantID, kind core.TrackKind) (media.RemoteTrack, error) {
	key := trackKey{id, kind}

	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		return nil, errNotJoined
	}
	if remote, ok := e.arrived[key]; ok {
		delete(e.arrived, key)
		e.mu.Unlock()
		return newRemoteTrack(remote, kind), nil
	}
	waiter := make(chan *webrtc.TrackRemote, 1)
	e.waiters[key] = waiter
	done := e.done
	e.mu.Unlock()

	if err := e.send(subscribeMethod, subscribeParams{Participant: id, Kind: kind}); err != nil {
		return nil, err
	}

	select {
	case remote := <-waiter:
		return newRemoteTrack(remote, kind), nil
	case <-done:
		return nil, errors.New("session ended before track arrived")
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiters, key)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (e *Engine) Events() <-chan media.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *Engine) send(method rpcMethod, params interface{}) error {
	payload, err := marshalRPC(method, params)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return errNotJoined
	}
	return e.conn.WriteMessage(websocket.TextMessage, payload)
}

// negotiate pushes a fresh offer after the published track set changed. The
// gateway's answer comes back asynchronously on the read loop.
func (e *Engine) negotiate(pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return e.send(offerMethod, sdpParams{Description: offer})
}

func (e *Engine) readLoop(conn *websocket.Conn, pc *webrtc.PeerConnection, events chan media.Event, done chan struct{}) {
	defer close(done)
	defer close(events)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("service", "media").Msg("gateway read loop ended")
			}
			return
		}
		if err := e.handleMessage(pc, events, payload); err != nil {
			log.Error().Err(err).Str("service", "media").Msg("gateway message")
		}
	}
}

func (e *Engine) handleMessage(pc *webrtc.PeerConnection, events chan media.Event, payload []byte) error {
	msg, err := parseRPC(payload)
	if err != nil {
		return err
	}

	switch msg.Method {
	case offerMethod:
		params := sdpParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		return e.acceptOffer(pc, params.Description)

	case answerMethod:
		params := sdpParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		return e.acceptAnswer(pc, params.Description)

	case candidateMethod:
		params := candidateParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		return e.addICECandidate(pc, params.Candidate)

	case participantJoinedMethod:
		params := participantParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		events <- media.ParticipantJoined{ID: params.Participant}

	case participantLeftMethod:
		params := participantParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		events <- media.ParticipantLeft{ID: params.Participant}

	case trackPublishedMethod:
		params := trackParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		events <- media.TrackPublished{ID: params.Participant, Kind: params.Kind}

	case trackUnpublishedMethod:
		params := trackParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		events <- media.TrackUnpublished{ID: params.Participant, Kind: params.Kind}

	case volumesMethod:
		params := volumesParams{}
		if err := unmarshalParams(msg, &params); err != nil {
			return err
		}
		levels := make([]media.VolumeLevel, 0, len(params.Levels))
		for _, sample := range params.Levels {
			levels = append(levels, media.VolumeLevel{ID: sample.Participant, Level: sample.Level})
		}
		events <- media.VolumeLevels{Levels: levels}

	default:
		return errUnknownRPC
	}

	return nil
}

func (e *Engine) acceptOffer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	if err := e.flushCandidates(pc); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return e.send(answerMethod, sdpParams{Description: answer})
}

func (e *Engine) acceptAnswer(pc *webrtc.PeerConnection, answer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	return e.flushCandidates(pc)
}

// addICECandidate buffers candidates that arrive before the remote
// description is set.
func (e *Engine) addICECandidate(pc *webrtc.PeerConnection, candidate webrtc.ICECandidateInit) error {
	if pc.RemoteDescription() != nil {
		return pc.AddICECandidate(candidate)
	}

	e.mu.Lock()
	e.pendingCandidates = append(e.pendingCandidates, candidate)
	e.mu.Unlock()
	return nil
}

func (e *Engine) flushCandidates(pc *webrtc.PeerConnection) error {
	e.mu.Lock()
	pending := e.pendingCandidates
	e.pendingCandidates = nil
	e.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	return nil
}

// deliverTrack hands an incoming remote track to its Subscribe waiter, or
// parks it until one shows up. The stream id carries the participant id.
func (e *Engine) deliverTrack(remote *webrtc.TrackRemote) {
	key := trackKey{
		id:   core.ParticipantID(remote.StreamID()),
		kind: kindOf(remote.Kind()),
	}

	e.mu.Lock()
	waiter, ok := e.waiters[key]
	if ok {
		delete(e.waiters, key)
	} else {
		e.arrived[key] = remote
	}
	e.mu.Unlock()

	if ok {
		waiter <- remote
	}
}

func (e *Engine) teardown() {
	e.mu.Lock()
	conn := e.conn
	pc := e.pc
	e.conn = nil
	e.pc = nil
	e.senders = make(map[string]*webrtc.RTPSender)
	e.pendingCandidates = nil
	e.waiters = make(map[trackKey]chan *webrtc.TrackRemote)
	e.arrived = make(map[trackKey]*webrtc.TrackRemote)
	e.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func unmarshalParams(msg *rpcMessage, out interface{}) error {
	if err := json.Unmarshal(msg.Params, out); err != nil {
		return fmt.Errorf("unmarshal %s params: %w", msg.Method, err)
	}
	return nil
}

func kindOf(kind webrtc.RTPCodecType) core.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return core.TrackAudio
	}
	return core.TrackVideo
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
