package pion

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
)

// remoteTrack drains a subscribed remote stream. Actual rendering happens in
// the platform layer; the drain keeps the RTP flow and its feedback alive.
type remoteTrack struct {
	remote *webrtc.TrackRemote
	kind   core.TrackKind

	playOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

func newRemoteTrack(remote *webrtc.TrackRemote, kind core.TrackKind) *remoteTrack {
	return &remoteTrack{
		remote: remote,
		kind:   kind,
		stop:   make(chan struct{}),
	}
}

func (t *remoteTrack) ID() string           { return t.remote.ID() }
func (t *remoteTrack) Kind() core.TrackKind { return t.kind }

func (t *remoteTrack) Play() error {
	t.playOnce.Do(func() {
		go t.drain()
	})
	return nil
}

func (t *remoteTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *remoteTrack) drain() {
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		if err := t.remote.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		_, _, err := t.remote.ReadRTP()
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		log.Debug().Err(err).Str("service", "media").Str("track", t.remote.ID()).Msg("remote track drained")
		return
	}
}
