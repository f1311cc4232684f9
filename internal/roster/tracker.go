// Package roster maintains the live set of known participants of the current
// call, ordered by join, with their media capability flags. It is fed by
// Media Engine events (via the media controller) and by name-resolution
// messages from the signaling channel.
package roster

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
)

const (
	// DefaultSpeakingThreshold is the volume level (0-100) above which a
	// participant is considered speaking.
	DefaultSpeakingThreshold = 10
	// DefaultSpeakingDecay clears the speaking flag after this long with no
	// qualifying volume report.
	DefaultSpeakingDecay = time.Second
)

// Tracker owns the roster of one call. All mutating entry points are safe for
// concurrent use; the speaking decay timers fire on their own goroutines.
type Tracker struct {
	mu      sync.Mutex
	entries map[core.ParticipantID]*core.Participant
	order   []core.ParticipantID
	timers  map[core.ParticipantID]*time.Timer

	localID core.ParticipantID
	// everJoined counts distinct remote participants over the call lifetime;
	// it never decreases and decides the cancel/end classification.
	everJoined int

	threshold int
	decay     time.Duration

	onChange func()
}

type Option func(*Tracker)

func WithSpeakingThreshold(level int) Option {
	return func(t *Tracker) { t.threshold = level }
}

func WithSpeakingDecay(d time.Duration) Option {
	return func(t *Tracker) { t.decay = d }
}

// WithChangeListener registers a callback fired after every roster mutation.
// The UI layer subscribes here.
func WithChangeListener(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[core.ParticipantID]*core.Participant),
		timers:    make(map[core.ParticipantID]*time.Timer),
		threshold: DefaultSpeakingThreshold,
		decay:     DefaultSpeakingDecay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset clears everything and seeds the roster with the local participant.
// Called when a media room is joined.
func (t *Tracker) Reset(localID core.ParticipantID, localName string) {
	t.mu.Lock()
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.entries = make(map[core.ParticipantID]*core.Participant)
	t.order = nil
	t.timers = make(map[core.ParticipantID]*time.Timer)
	t.localID = localID
	t.everJoined = 0

	t.add(localID, &core.Participant{
		ID:          localID,
		DisplayName: localName,
		IsLocal:     true,
	})
	t.mu.Unlock()

	t.notify()
}

// AddParticipant materializes a remote roster entry with no tracks.
// Idempotent: a second join event for a known id is a no-op.
func (t *Tracker) AddParticipant(id core.ParticipantID) {
	t.mu.Lock()
	_, exists := t.entries[id]
	if !exists {
		t.add(id, &core.Participant{ID: id})
		t.everJoined++
	}
	t.mu.Unlock()

	if !exists {
		t.notify()
	}
}

// RemoveParticipant drops the entry entirely. Only participantLeft removes
// roster entries; track unpublish never does.
func (t *Tracker) RemoveParticipant(id core.ParticipantID) {
	t.mu.Lock()
	_, exists := t.entries[id]
	if exists {
		delete(t.entries, id)
		for i, oid := range t.order {
			if oid == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		if timer, ok := t.timers[id]; ok {
			timer.Stop()
			delete(t.timers, id)
		}
	}
	t.mu.Unlock()

	if exists {
		t.notify()
	}
}

// SetTrack records a published/unpublished track for a participant.
// A publish for an unknown participant materializes the entry first: the
// engine orders events per participant, but nothing is guaranteed across
// participants, so the join event may still be in flight.
func (t *Tracker) SetTrack(id core.ParticipantID, kind core.TrackKind, published bool) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		if !published {
			t.mu.Unlock()
			return
		}
		entry = &core.Participant{ID: id}
		t.add(id, entry)
		t.everJoined++
	}

	switch kind {
	case core.TrackAudio:
		entry.HasAudio = published
	case core.TrackVideo:
		entry.HasVideo = published
	default:
		log.Warn().Str("service", "roster").Str("kind", string(kind)).Msg("unknown track kind")
	}
	t.mu.Unlock()

	t.notify()
}

// ResolveName applies a name-resolution result. Unknown ids are ignored;
// the broadcast is best-effort and may race the participant's departure.
func (t *Tracker) ResolveName(id core.ParticipantID, name string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		entry.DisplayName = name
	}
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// HandleVolume processes one volume-level report. Levels above the threshold
// mark the participant speaking and arm (or re-arm) the decay timer.
func (t *Tracker) HandleVolume(id core.ParticipantID, level int) {
	if level <= t.threshold {
		return
	}

	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.Speaking = true

	if timer, exists := t.timers[id]; exists {
		timer.Reset(t.decay)
	} else {
		t.timers[id] = time.AfterFunc(t.decay, func() {
			t.clearSpeaking(id)
		})
	}
	t.mu.Unlock()

	t.notify()
}

func (t *Tracker) clearSpeaking(id core.ParticipantID) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		entry.Speaking = false
	}
	delete(t.timers, id)
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// Snapshot returns the roster in join order. The copies are safe to hand to
// the UI.
func (t *Tracker) Snapshot() []core.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]core.Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id])
	}
	return out
}

// RemoteCount is the number of currently present remote participants.
func (t *Tracker) RemoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, entry := range t.entries {
		if !entry.IsLocal {
			n++
		}
	}
	return n
}

// EverJoined reports how many distinct remote participants ever joined the
// media room. A hang-up with EverJoined()==0 is a cancel, not an end.
func (t *Tracker) EverJoined() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.everJoined
}

// add must be called with mu held.
func (t *Tracker) add(id core.ParticipantID, entry *core.Participant) {
	t.entries[id] = entry
	t.order = append(t.order, id)
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
