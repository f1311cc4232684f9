// Package media owns the media-session lifecycle of a call: joining and
// leaving the engine room, acquiring capture devices lazily, and keeping the
// published track set consistent while the user toggles mic, camera and
// screen share. The engine itself is abstracted behind the Engine interface;
// internal/media/pion provides the WebRTC implementation.
package media

import (
	"context"

	"github.com/dialink/dialink/internal/core"
)

// Engine is the transport-facing boundary of a media session. Implementations
// must deliver events for one participant in publish order; no ordering is
// guaranteed across participants.
type Engine interface {
	// Join connects to the named room. The access token is validated by the
	// far end; an expired or invalid one fails the join.
	Join(ctx context.Context, room core.CallID, id core.ParticipantID, accessToken string) error
	// Leave disconnects. Safe to call when not joined.
	Leave() error
	// Publish announces local tracks to the room.
	Publish(ctx context.Context, tracks ...Track) error
	// Unpublish withdraws local tracks without stopping capture.
	Unpublish(ctx context.Context, tracks ...Track) error
	// Subscribe attaches to a remote participant's published track.
	Subscribe(ctx context.Context, id core.ParticipantID, kind core.TrackKind) (RemoteTrack, error)
	// Events streams room events. The channel closes when the session ends.
	Events() <-chan Event
}

// Track is a local capture track. Stop releases the underlying device.
type Track interface {
	ID() string
	Kind() core.TrackKind
	SetEnabled(enabled bool) error
	Enabled() bool
	Stop()
}

// RemoteTrack is a subscribed remote track bound to a playback sink.
type RemoteTrack interface {
	ID() string
	Kind() core.TrackKind
	Play() error
	Stop()
}

// Player is optionally implemented by local video tracks that can render a
// self-preview.
type Player interface {
	Play() error
}

// DeviceProvider acquires capture devices. Acquisition respects the context
// deadline so a wedged device cannot hang the caller.
type DeviceProvider interface {
	HasMicrophone() bool
	HasCamera(facing core.CameraFacing) bool
	OpenMicrophone(ctx context.Context) (Track, error)
	OpenCamera(ctx context.Context, facing core.CameraFacing) (Track, error)
	// OpenScreenShare returns a video track and, if the source carries audio,
	// an audio track. A user refusal is reported as ErrPermissionDenied.
	OpenScreenShare(ctx context.Context) ([]Track, error)
}

// TokenProvider fetches a room access credential. Tokens are single-use per
// join attempt; the controller fetches a fresh one for every try.
type TokenProvider interface {
	Token(ctx context.Context, room core.CallID, id core.ParticipantID) (string, error)
}

// Event is a room event emitted by the engine.
type Event interface {
	isEvent()
}

// ParticipantJoined reports a remote participant entering the room.
type ParticipantJoined struct {
	ID core.ParticipantID
}

// ParticipantLeft reports a remote participant leaving the room.
type ParticipantLeft struct {
	ID core.ParticipantID
}

// TrackPublished reports a remote track becoming available.
type TrackPublished struct {
	ID   core.ParticipantID
	Kind core.TrackKind
}

// TrackUnpublished reports a remote track being withdrawn. The participant
// stays in the room.
type TrackUnpublished struct {
	ID   core.ParticipantID
	Kind core.TrackKind
}

// VolumeLevel is one participant's loudness sample on a 0-100 scale.
type VolumeLevel struct {
	ID    core.ParticipantID
	Level int
}

// VolumeLevels carries a periodic batch of loudness samples.
type VolumeLevels struct {
	Levels []VolumeLevel
}

func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (TrackPublished) isEvent()    {}
func (TrackUnpublished) isEvent()  {}
func (VolumeLevels) isEvent()      {}
