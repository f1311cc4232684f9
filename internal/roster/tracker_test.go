package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dialink/dialink/internal/core"
)

const (
	localID  = core.ParticipantID("7")
	remoteID = core.ParticipantID("12")
)

func TestJoinOrderAndRemoval(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(localID, "Alice")

	tracker.AddParticipant(remoteID)
	tracker.AddParticipant(core.ParticipantID("44"))
	tracker.AddParticipant(remoteID) // duplicate join is a no-op

	snapshot := tracker.Snapshot()
	assert.Len(t, snapshot, 3)
	assert.Equal(t, localID, snapshot[0].ID)
	assert.True(t, snapshot[0].IsLocal)
	assert.Equal(t, remoteID, snapshot[1].ID)
	assert.Equal(t, 2, tracker.RemoteCount())

	tracker.RemoveParticipant(remoteID)
	assert.Equal(t, 1, tracker.RemoteCount())
	// everJoined never decreases: the call had remote participants.
	assert.Equal(t, 2, tracker.EverJoined())
}

func TestTrackUnpublishKeepsEntry(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(localID, "Alice")
	tracker.AddParticipant(remoteID)

	tracker.SetTrack(remoteID, core.TrackVideo, true)
	tracker.SetTrack(remoteID, core.TrackAudio, true)

	snapshot := tracker.Snapshot()
	assert.True(t, snapshot[1].HasVideo)
	assert.True(t, snapshot[1].HasAudio)

	tracker.SetTrack(remoteID, core.TrackVideo, false)

	snapshot = tracker.Snapshot()
	assert.Len(t, snapshot, 2)
	assert.False(t, snapshot[1].HasVideo)
	assert.True(t, snapshot[1].HasAudio)
}

func TestTrackPublishedBeforeJoinMaterializesEntry(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(localID, "Alice")

	tracker.SetTrack(remoteID, core.TrackAudio, true)

	assert.Equal(t, 1, tracker.RemoteCount())
	assert.Equal(t, 1, tracker.EverJoined())

	// The late join event must not duplicate the entry.
	tracker.AddParticipant(remoteID)
	assert.Equal(t, 1, tracker.RemoteCount())
	assert.Equal(t, 1, tracker.EverJoined())
}

func TestNameResolutionFallback(t *testing.T) {
	tracker := NewTracker()
	tracker.Reset(localID, "Alice")
	tracker.AddParticipant(remoteID)

	snapshot := tracker.Snapshot()
	assert.Equal(t, "User 12", snapshot[1].Name())

	tracker.ResolveName(remoteID, "Bob")

	snapshot = tracker.Snapshot()
	assert.Equal(t, "Bob", snapshot[1].Name())
}

func TestSpeakingDecay(t *testing.T) {
	tracker := NewTracker(WithSpeakingDecay(30 * time.Millisecond))
	tracker.Reset(localID, "Alice")
	tracker.AddParticipant(remoteID)

	// Below threshold: no flag.
	tracker.HandleVolume(remoteID, 5)
	assert.False(t, tracker.Snapshot()[1].Speaking)

	tracker.HandleVolume(remoteID, 42)
	assert.True(t, tracker.Snapshot()[1].Speaking)

	// Renewed qualifying report re-arms the timer.
	time.Sleep(20 * time.Millisecond)
	tracker.HandleVolume(remoteID, 42)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, tracker.Snapshot()[1].Speaking)

	// No further report: the flag clears on its own.
	time.Sleep(60 * time.Millisecond)
	assert.False(t, tracker.Snapshot()[1].Speaking)
}

func TestResetClearsState(t *testing.T) {
	changes := 0
	tracker := NewTracker(WithChangeListener(func() { changes++ }))
	tracker.Reset(localID, "Alice")
	tracker.AddParticipant(remoteID)
	assert.True(t, changes >= 2)

	tracker.Reset(localID, "Alice")
	assert.Equal(t, 0, tracker.RemoteCount())
	assert.Equal(t, 0, tracker.EverJoined())
	assert.Len(t, tracker.Snapshot(), 1)
}
