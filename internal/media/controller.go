package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/roster"
)

// DefaultDeviceTimeout bounds every capture-device acquisition.
const DefaultDeviceTimeout = 3 * time.Second

// Controller drives the media session of one call at a time. Devices are
// acquired lazily on first use, never at startup; the published track set is
// kept mutually exclusive between camera and screen share.
//
// All exported methods are safe for concurrent use. Engine calls are made
// under the controller lock, which serializes overlapping toggles: whichever
// toggle runs second observes the settled state of the first.
type Controller struct {
	engine  Engine
	tokens  TokenProvider
	devices DeviceProvider
	roster  *roster.Tracker

	identity core.Identity

	deviceTimeout time.Duration
	// notify surfaces non-blocking user-facing notices, e.g. a missing
	// microphone at join time.
	notify func(msg string)

	mu           sync.Mutex
	room         core.CallID
	joined       bool
	joining      bool
	pendingLeave bool

	mic    Track
	micOn  bool
	camera Track
	camOn  bool
	facing core.CameraFacing

	screen  []Track
	sharing bool

	remote map[remoteKey]RemoteTrack
}

type remoteKey struct {
	id   core.ParticipantID
	kind core.TrackKind
}

type ControllerOption func(*Controller)

func WithDeviceTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.deviceTimeout = d }
}

// WithNotifier routes user-facing notices to the UI layer instead of the log.
func WithNotifier(fn func(msg string)) ControllerOption {
	return func(c *Controller) { c.notify = fn }
}

func NewController(engine Engine, tokens TokenProvider, devices DeviceProvider,
	tracker *roster.Tracker, identity core.Identity, opts ...ControllerOption) *Controller {

	c := &Controller{
		engine:        engine,
		tokens:        tokens,
		devices:       devices,
		roster:        tracker,
		identity:      identity,
		deviceTimeout: DefaultDeviceTimeout,
		facing:        core.FacingFront,
		remote:        make(map[remoteKey]RemoteTrack),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notify == nil {
		c.notify = func(msg string) {
			log.Warn().Str("service", "media").Msg(msg)
		}
	}
	return c
}

// Join connects the media session to the room named after the call id. A
// fresh access token is fetched for every attempt; one automatic retry with a
// refreshed token is made before the join is reported failed. Joining a room
// the session is already in is a no-op.
//
// On success the roster is reset to the local participant and, if a
// microphone exists, it is acquired and published. A device without a
// microphone joins receive-only with a notice instead of an error.
func (c *Controller) Join(ctx context.Context, room core.CallID) error {
	c.mu.Lock()
	if c.joining || (c.joined && c.room == room) {
		c.mu.Unlock()
		return nil
	}
	if c.joined {
		c.mu.Unlock()
		c.Leave()
		c.mu.Lock()
	}
	c.joining = true
	c.room = room
	c.mu.Unlock()

	localID := c.identity.SessionID()
	err := c.attemptJoin(ctx, room, localID)
	if err != nil {
		log.Warn().Err(err).Str("service", "media").Str("room", string(room)).
			Msg("join failed, retrying with fresh token")
		err = c.attemptJoin(ctx, room, localID)
	}
	if err != nil {
		c.mu.Lock()
		c.joining = false
		c.pendingLeave = false
		c.room = ""
		c.mu.Unlock()
		return &JoinError{Room: string(room), Cause: err}
	}

	c.roster.Reset(localID, c.identity.DisplayName)
	c.publishMicrophoneOnJoin(ctx, localID)

	c.mu.Lock()
	c.joining = false
	c.joined = true
	leaveNow := c.pendingLeave
	c.pendingLeave = false
	c.mu.Unlock()

	if leaveNow {
		log.Info().Str("service", "media").Str("room", string(room)).
			Msg("leave requested during join, tearing down")
		c.Leave()
		return nil
	}

	go c.pumpEvents(context.Background())

	log.Info().Str("service", "media").Str("room", string(room)).Msg("joined media room")
	return nil
}

func (c *Controller) attemptJoin(ctx context.Context, room core.CallID, id core.ParticipantID) error {
	token, err := c.tokens.Token(ctx, room, id)
	if err != nil {
		return err
	}
	return c.engine.Join(ctx, room, id, token)
}

// publishMicrophoneOnJoin degrades on any failure: the session stays up and
// the user is notified.
func (c *Controller) publishMicrophoneOnJoin(ctx context.Context, localID core.ParticipantID) {
	if !c.devices.HasMicrophone() {
		c.notify("No microphone found, joining without audio")
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
	defer cancel()

	track, err := c.devices.OpenMicrophone(openCtx)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Msg("microphone acquisition failed")
		c.notify("Microphone could not be started, joining without audio")
		return
	}
	if err := c.engine.Publish(ctx, track); err != nil {
		track.Stop()
		log.Error().Err(err).Str("service", "media").Msg("microphone publish failed")
		c.notify("Microphone could not be published, joining without audio")
		return
	}

	c.mu.Lock()
	c.mic = track
	c.micOn = true
	c.mu.Unlock()

	c.roster.SetTrack(localID, core.TrackAudio, true)
}

// Leave tears the session down best-effort: every release step runs even if
// an earlier one fails, and failures are logged, never returned. Called while
// a join is still in flight it is recorded and executed when the join
// settles.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.joining {
		c.pendingLeave = true
		c.mu.Unlock()
		return
	}
	if !c.joined {
		c.mu.Unlock()
		return
	}
	room := c.room

	var locals []Track
	if c.mic != nil {
		locals = append(locals, c.mic)
	}
	if c.camera != nil {
		locals = append(locals, c.camera)
	}
	locals = append(locals, c.screen...)

	remotes := make([]RemoteTrack, 0, len(c.remote))
	for _, rt := range c.remote {
		remotes = append(remotes, rt)
	}

	c.mic, c.micOn = nil, false
	c.camera, c.camOn = nil, false
	c.screen, c.sharing = nil, false
	c.remote = make(map[remoteKey]RemoteTrack)
	c.joined = false
	c.room = ""
	c.mu.Unlock()

	if len(locals) > 0 {
		if err := c.engine.Unpublish(context.Background(), locals...); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("unpublish on leave failed")
		}
		for _, track := range locals {
			track.Stop()
		}
	}
	for _, rt := range remotes {
		rt.Stop()
	}
	if err := c.engine.Leave(); err != nil {
		log.Warn().Err(err).Str("service", "media").Msg("engine leave failed")
	}

	log.Info().Str("service", "media").Str("room", string(room)).Msg("left media room")
}

// SetMicrophoneEnabled toggles the outgoing audio track. The first enable on
// a session that joined without audio acquires and publishes the microphone;
// later toggles only flip the track state, keeping the device held.
func (c *Controller) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotInCall
	}

	if c.mic == nil {
		if !enabled {
			return nil
		}
		if !c.devices.HasMicrophone() {
			return ErrDeviceUnavailable
		}

		openCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
		defer cancel()

		track, err := c.devices.OpenMicrophone(openCtx)
		if err != nil {
			return err
		}
		if err := c.engine.Publish(ctx, track); err != nil {
			track.Stop()
			return err
		}
		c.mic = track
		c.micOn = true
	} else {
		if c.micOn == enabled {
			return nil
		}
		if err := c.mic.SetEnabled(enabled); err != nil {
			return err
		}
		c.micOn = enabled
	}

	c.roster.SetTrack(c.identity.SessionID(), core.TrackAudio, c.micOn)
	return nil
}

// SetCameraEnabled toggles the outgoing camera track, acquiring the device on
// first enable and starting the local self-preview. While a screen share is
// active the camera is acquired but not published; it republishes when the
// share ends.
func (c *Controller) SetCameraEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotInCall
	}

	if c.camera == nil {
		if !enabled {
			return nil
		}
		if !c.devices.HasCamera(c.facing) {
			return ErrDeviceUnavailable
		}

		openCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
		defer cancel()

		track, err := c.devices.OpenCamera(openCtx, c.facing)
		if err != nil {
			return err
		}
		if !c.sharing {
			if err := c.engine.Publish(ctx, track); err != nil {
				track.Stop()
				return err
			}
		}
		c.camera = track
		c.camOn = true
		c.playPreview(track)
	} else {
		if c.camOn == enabled {
			return nil
		}
		if err := c.camera.SetEnabled(enabled); err != nil {
			return err
		}
		c.camOn = enabled
	}

	if !c.sharing {
		c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, c.camOn)
	}
	return nil
}

// SwitchCameraFacing swaps between front and back camera. Valid only while
// the camera is enabled; a device with no opposite camera fails without
// touching the current one. A failure after the current camera has been
// released leaves the session in the camera-off state.
func (c *Controller) SwitchCameraFacing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotInCall
	}
	if c.camera == nil || !c.camOn {
		return ErrCameraDisabled
	}

	next := c.facing.Opposite()
	if !c.devices.HasCamera(next) {
		return ErrDeviceUnavailable
	}

	old := c.camera
	if !c.sharing {
		if err := c.engine.Unpublish(ctx, old); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("unpublish old camera failed")
		}
	}
	old.Stop()
	c.camera = nil
	c.camOn = false

	openCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
	defer cancel()

	track, err := c.devices.OpenCamera(openCtx, next)
	if err != nil {
		c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, false)
		return err
	}
	if !c.sharing {
		if err := c.engine.Publish(ctx, track); err != nil {
			track.Stop()
			c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, false)
			return err
		}
	}

	c.camera = track
	c.camOn = true
	c.facing = next
	c.playPreview(track)
	return nil
}

// ToggleScreenShare starts or stops sharing. On start the camera is
// unpublished first and the screen tracks published after, so camera and
// screen share are never live simultaneously; the camera device stays held
// for the way back. On stop the share tracks are released and the camera, if
// it was enabled, republishes. A refused capture grant leaves the prior
// publish state untouched.
func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotInCall
	}

	if c.sharing {
		return c.stopScreenShare(ctx)
	}
	return c.startScreenShare(ctx)
}

// startScreenShare must be called with mu held.
func (c *Controller) startScreenShare(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
	defer cancel()

	tracks, err := c.devices.OpenScreenShare(openCtx)
	if err != nil {
		// Denial or acquisition failure: nothing was unpublished yet.
		return err
	}

	if c.camera != nil && c.camOn {
		if err := c.engine.Unpublish(ctx, c.camera); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("unpublish camera for share failed")
		}
	}

	if err := c.engine.Publish(ctx, tracks...); err != nil {
		for _, track := range tracks {
			track.Stop()
		}
		// Reverting to the camera-off state keeps the track set consistent
		// even though the camera device stays held.
		c.camOn = false
		c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, false)
		return err
	}

	c.screen = tracks
	c.sharing = true
	c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, true)
	return nil
}

// stopScreenShare must be called with mu held.
func (c *Controller) stopScreenShare(ctx context.Context) error {
	if err := c.engine.Unpublish(ctx, c.screen...); err != nil {
		log.Warn().Err(err).Str("service", "media").Msg("unpublish screen failed")
	}
	for _, track := range c.screen {
		track.Stop()
	}
	c.screen = nil
	c.sharing = false

	videoOn := false
	if c.camera != nil && c.camOn {
		if err := c.engine.Publish(ctx, c.camera); err != nil {
			c.camOn = false
			c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, false)
			return err
		}
		c.playPreview(c.camera)
		videoOn = true
	}

	c.roster.SetTrack(c.identity.SessionID(), core.TrackVideo, videoOn)
	return nil
}

// playPreview must be called with mu held.
func (c *Controller) playPreview(track Track) {
	player, ok := track.(Player)
	if !ok {
		return
	}
	if err := player.Play(); err != nil {
		log.Warn().Err(err).Str("service", "media").Msg("self preview failed")
	}
}

// pumpEvents reconciles engine room events into the roster until the event
// stream closes.
func (c *Controller) pumpEvents(ctx context.Context) {
	for ev := range c.engine.Events() {
		c.HandleEngineEvent(ctx, ev)
	}
}

// HandleEngineEvent applies one engine event. Remote publishes subscribe and
// start playback; unpublishes stop playback but keep the roster entry, since
// only a departure removes a participant.
func (c *Controller) HandleEngineEvent(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case ParticipantJoined:
		c.roster.AddParticipant(ev.ID)

	case ParticipantLeft:
		c.dropRemote(ev.ID, core.TrackAudio)
		c.dropRemote(ev.ID, core.TrackVideo)
		c.roster.RemoveParticipant(ev.ID)

	case TrackPublished:
		rt, err := c.engine.Subscribe(ctx, ev.ID, ev.Kind)
		if err != nil {
			log.Error().Err(err).Str("service", "media").
				Str("participant", string(ev.ID)).Str("kind", string(ev.Kind)).
				Msg("subscribe failed")
			return
		}
		if err := rt.Play(); err != nil {
			log.Warn().Err(err).Str("service", "media").
				Str("participant", string(ev.ID)).Msg("remote playback failed")
		}
		c.mu.Lock()
		c.remote[remoteKey{ev.ID, ev.Kind}] = rt
		c.mu.Unlock()
		c.roster.SetTrack(ev.ID, ev.Kind, true)

	case TrackUnpublished:
		c.dropRemote(ev.ID, ev.Kind)
		c.roster.SetTrack(ev.ID, ev.Kind, false)

	case VolumeLevels:
		for _, sample := range ev.Levels {
			c.roster.HandleVolume(sample.ID, sample.Level)
		}
	}
}

func (c *Controller) dropRemote(id core.ParticipantID, kind core.TrackKind) {
	c.mu.Lock()
	rt, ok := c.remote[remoteKey{id, kind}]
	if ok {
		delete(c.remote, remoteKey{id, kind})
	}
	c.mu.Unlock()

	if ok {
		rt.Stop()
	}
}

// Joined reports whether a media session is currently established.
func (c *Controller) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Sharing reports whether a screen share is currently published.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}
