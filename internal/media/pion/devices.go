package pion

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/media"
)

const oggPageDuration = 20 * time.Millisecond

// FileDeviceProvider backs capture devices with media files: an Ogg/Opus
// clip for the microphone and IVF clips for camera and screen. Clips loop
// until the track stops. Used by the softphone and by soak setups without
// real hardware; the same video file serves both camera facings.
type FileDeviceProvider struct {
	audioPath  string
	videoPath  string
	screenPath string
}

func NewFileDeviceProvider(audioPath, videoPath, screenPath string) *FileDeviceProvider {
	return &FileDeviceProvider{
		audioPath:  audioPath,
		videoPath:  videoPath,
		screenPath: screenPath,
	}
}

var _ media.DeviceProvider = (*FileDeviceProvider)(nil)

func (p *FileDeviceProvider) HasMicrophone() bool {
	return fileExists(p.audioPath)
}

func (p *FileDeviceProvider) HasCamera(core.CameraFacing) bool {
	return fileExists(p.videoPath)
}

func (p *FileDeviceProvider) OpenMicrophone(ctx context.Context) (media.Track, error) {
	if !p.HasMicrophone() {
		return nil, media.ErrDeviceUnavailable
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	track := newFileTrack("mic-"+uuid.NewString(), core.TrackAudio, local)
	go track.pumpOgg(p.audioPath)
	return track, nil
}

func (p *FileDeviceProvider) OpenCamera(ctx context.Context, facing core.CameraFacing) (media.Track, error) {
	if !p.HasCamera(facing) {
		return nil, media.ErrDeviceUnavailable
	}
	return p.openVideo("camera-"+uuid.NewString(), p.videoPath)
}

func (p *FileDeviceProvider) OpenScreenShare(ctx context.Context) ([]media.Track, error) {
	if !fileExists(p.screenPath) {
		return nil, media.ErrDeviceUnavailable
	}
	track, err := p.openVideo("screen-"+uuid.NewString(), p.screenPath)
	if err != nil {
		return nil, err
	}
	return []media.Track{track}, nil
}

func (p *FileDeviceProvider) openVideo(id, path string) (media.Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	track := newFileTrack(id, core.TrackVideo, local)
	go track.pumpIVF(path)
	return track, nil
}

// fileTrack writes a looping media file into a local sample track. Disabling
// skips the writes while keeping the clock running, so re-enabling resumes
// in real time.
type fileTrack struct {
	id    string
	kind  core.TrackKind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newFileTrack(id string, kind core.TrackKind, local *webrtc.TrackLocalStaticSample) *fileTrack {
	return &fileTrack{
		id:      id,
		kind:    kind,
		local:   local,
		enabled: true,
		stop:    make(chan struct{}),
	}
}

func (t *fileTrack) ID() string               { return t.id }
func (t *fileTrack) Kind() core.TrackKind     { return t.kind }
func (t *fileTrack) Local() webrtc.TrackLocal { return t.local }

func (t *fileTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	return nil
}

func (t *fileTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fileTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *fileTrack) pumpIVF(path string) {
	file, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Str("file", path).Msg("open video clip")
		return
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Str("file", path).Msg("parse ivf header")
		return
	}

	frameInterval := time.Millisecond * time.Duration(
		(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000,
	)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// Loop the clip.
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return
			}
			if ivf, header, err = ivfreader.NewWith(file); err != nil {
				return
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Msg("parse ivf frame")
			return
		}

		if !t.Enabled() {
			continue
		}
		if err := t.local.WriteSample(webrtcmedia.Sample{Data: frame, Duration: frameInterval}); err != nil {
			return
		}
	}
}

func (t *fileTrack) pumpOgg(path string) {
	file, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Str("file", path).Msg("open audio clip")
		return
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Str("file", path).Msg("parse ogg header")
		return
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		page, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return
			}
			if ogg, _, err = oggreader.NewWith(file); err != nil {
				return
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Msg("parse ogg page")
			return
		}

		if !t.Enabled() {
			continue
		}
		if err := t.local.WriteSample(webrtcmedia.Sample{Data: page, Duration: oggPageDuration}); err != nil {
			return
		}
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
