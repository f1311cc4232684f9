package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/roster"
	"github.com/dialink/dialink/internal/signaling"
)

var (
	callerIdentity = core.Identity{UserID: 7, DisplayName: "Alice", VirtualNumber: "123-456"}
	calleeIdentity = core.Identity{UserID: 12, DisplayName: "Bob", VirtualNumber: "654-321"}
)

const testCallID = core.CallID("0c4038d6-da68-11ec-9d64-0242ac120002")

type fakeSender struct {
	mu     sync.Mutex
	events []signaling.Event
	err    error
}

func (s *fakeSender) Send(ev signaling.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *fakeSender) kinds() []signaling.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.GetKind())
	}
	return out
}

func (s *fakeSender) count(kind signaling.Kind) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	mu      sync.Mutex
	joins   []core.CallID
	leaves  int
	joinErr error
}

func (m *fakeMedia) Join(_ context.Context, room core.CallID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, room)
	return m.joinErr
}

func (m *fakeMedia) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves++
}

func newTestCoordinator(identity core.Identity, opts ...Option) (*Coordinator, *fakeSender, *fakeMedia, *roster.Tracker) {
	sender := &fakeSender{}
	media := &fakeMedia{}
	tracker := roster.NewTracker()
	c := NewCoordinator(sender, media, tracker, identity, opts...)
	return c, sender, media, tracker
}

// drive feeds inputs through the handler synchronously, exactly as the loop
// would process them one by one.
func drive(c *Coordinator, inputs ...input) {
	for _, in := range inputs {
		c.handle(in)
	}
}

func TestOutgoingCallHappyPath(t *testing.T) {
	c, sender, media, tracker := newTestCoordinator(callerIdentity)

	drive(c, dialInput{number: "654-321"})

	session, ok := c.Session()
	assert.True(t, ok)
	assert.Equal(t, core.CallDialing, session.State)
	assert.True(t, session.Outgoing)
	assert.Equal(t, []signaling.Kind{signaling.CallRequestKind}, sender.kinds())

	// The relay assigned a call id: the caller joins media while dialing.
	drive(c, outgoingInput{params: signaling.CallIDParams{CallID: testCallID}})
	assert.Equal(t, []core.CallID{testCallID}, media.joins)
	assert.Equal(t, 1, sender.count(signaling.BroadcastMyInfoKind))

	session, _ = c.Session()
	assert.Equal(t, core.CallDialing, session.State)
	assert.Equal(t, testCallID, session.ID)

	drive(c, acceptedInput{params: signaling.CallIDParams{CallID: testCallID}})
	session, _ = c.Session()
	assert.Equal(t, core.CallActive, session.State)
	assert.False(t, session.Connected())

	// First remote media join sets connectedAt.
	tracker.Reset(callerIdentity.SessionID(), callerIdentity.DisplayName)
	tracker.AddParticipant(calleeIdentity.SessionID())
	drive(c, rosterChangedInput{})
	session, _ = c.Session()
	assert.True(t, session.Connected())

	// Peer hangs up.
	drive(c, endedInput{params: signaling.CallIDParams{CallID: testCallID}})
	session, _ = c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonEnded, session.Reason)
	assert.Equal(t, 1, media.leaves)
}

func TestCancelBeforeAnyRemoteJoin(t *testing.T) {
	c, sender, media, tracker := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		outgoingInput{params: signaling.CallIDParams{CallID: testCallID}},
		hangUpInput{},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonCanceled, session.Reason)
	assert.Equal(t, 1, sender.count(signaling.CallCancelKind))
	assert.Equal(t, 0, sender.count(signaling.CallEndKind))
	assert.Equal(t, 1, media.leaves)
	assert.Equal(t, 0, tracker.EverJoined())
}

func TestHangUpAfterRemoteJoinEmitsEnd(t *testing.T) {
	c, sender, _, tracker := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		outgoingInput{params: signaling.CallIDParams{CallID: testCallID}},
		acceptedInput{params: signaling.CallIDParams{CallID: testCallID}},
	)
	tracker.AddParticipant(calleeIdentity.SessionID())

	drive(c, hangUpInput{})

	session, _ := c.Session()
	assert.Equal(t, core.EndReasonEnded, session.Reason)
	assert.Equal(t, 0, sender.count(signaling.CallCancelKind))
	assert.Equal(t, 1, sender.count(signaling.CallEndKind))
}

func TestRejectedBeforeCallIDBound(t *testing.T) {
	c, _, media, _ := newTestCoordinator(callerIdentity)

	// An unreachable callee is rejected by the relay straight from the
	// request; no call:outgoing ever binds the id on the caller side.
	drive(c,
		dialInput{number: "000-000"},
		rejectedInput{params: signaling.CallIDParams{CallID: testCallID}},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonRejected, session.Reason)
	assert.Equal(t, testCallID, session.ID)
	assert.Equal(t, 1, media.leaves)
}

func TestTerminalEventNeverAdoptedByIncomingSession(t *testing.T) {
	c, _, _, _ := newTestCoordinator(calleeIdentity)

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		rejectedInput{params: signaling.CallIDParams{CallID: "other-call"}},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallRinging, session.State)
}

func TestHangUpBeforeCallIDBoundCancelsOnOutgoing(t *testing.T) {
	c, sender, media, _ := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		hangUpInput{},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonCanceled, session.Reason)
	assert.Equal(t, 0, sender.count(signaling.CallCancelKind))

	// The relay-assigned id arrives for the already-terminal attempt: the
	// deferred cancel goes out so the callee stops ringing, and no media
	// room is joined.
	drive(c, outgoingInput{params: signaling.CallIDParams{CallID: testCallID}})
	assert.Equal(t, 1, sender.count(signaling.CallCancelKind))
	assert.Empty(t, media.joins)

	// The deferred cancel fires at most once.
	drive(c, outgoingInput{params: signaling.CallIDParams{CallID: testCallID}})
	assert.Equal(t, 1, sender.count(signaling.CallCancelKind))
}

func TestIncomingAcceptFlow(t *testing.T) {
	c, sender, media, _ := newTestCoordinator(calleeIdentity)

	drive(c, incomingInput{params: signaling.CallIncomingParams{
		CallID: testCallID, From: "123-456", FromUser: callerIdentity,
	}})

	session, ok := c.Session()
	assert.True(t, ok)
	assert.Equal(t, core.CallRinging, session.State)
	assert.Equal(t, "Alice", session.RemoteHint.DisplayName)
	assert.False(t, session.Outgoing)

	drive(c, acceptInput{})

	session, _ = c.Session()
	assert.Equal(t, core.CallActive, session.State)
	assert.Equal(t, []core.CallID{testCallID}, media.joins)
	assert.Equal(t, 1, sender.count(signaling.CallAcceptKind))
	assert.Equal(t, 1, sender.count(signaling.BroadcastMyInfoKind))
}

func TestIncomingReject(t *testing.T) {
	c, sender, media, _ := newTestCoordinator(calleeIdentity)

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		rejectInput{},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonRejected, session.Reason)
	assert.Equal(t, 1, sender.count(signaling.CallRejectKind))
	assert.Empty(t, media.joins)
}

func TestRemoteCancelWhileRinging(t *testing.T) {
	c, _, _, _ := newTestCoordinator(calleeIdentity)

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		canceledInput{params: signaling.CallIDParams{CallID: testCallID}},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonCanceled, session.Reason)
}

func TestDuplicateHangUpIsNoOp(t *testing.T) {
	c, sender, _, _ := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		outgoingInput{params: signaling.CallIDParams{CallID: testCallID}},
		hangUpInput{},
		hangUpInput{},
	)

	assert.Equal(t, 1, sender.count(signaling.CallCancelKind))
}

func TestDialWhileBusyIgnored(t *testing.T) {
	c, sender, _, _ := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		dialInput{number: "999-999"},
	)

	assert.Equal(t, 1, sender.count(signaling.CallRequestKind))
	session, _ := c.Session()
	assert.Equal(t, "654-321", session.RemoteHint.VirtualNumber)
}

func TestIncomingWhileBusyIgnored(t *testing.T) {
	c, _, _, _ := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		incomingInput{params: signaling.CallIncomingParams{CallID: "other-call", From: "777-777"}},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallDialing, session.State)
	assert.True(t, session.Outgoing)
}

func TestStaleEventsAfterTerminalIgnored(t *testing.T) {
	c, _, media, _ := newTestCoordinator(callerIdentity)

	drive(c,
		dialInput{number: "654-321"},
		outgoingInput{params: signaling.CallIDParams{CallID: testCallID}},
		endedInput{params: signaling.CallIDParams{CallID: testCallID}},
		acceptedInput{params: signaling.CallIDParams{CallID: testCallID}},
		endedInput{params: signaling.CallIDParams{CallID: testCallID}},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonEnded, session.Reason)
	assert.Equal(t, 1, media.leaves)
}

func TestSignalingLossAdvancesLocally(t *testing.T) {
	c, sender, _, _ := newTestCoordinator(calleeIdentity)
	sender.err = signaling.ErrDisconnected

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		rejectInput{},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonRejected, session.Reason)
}

func TestMediaJoinFailureTerminatesAttempt(t *testing.T) {
	c, sender, media, _ := newTestCoordinator(calleeIdentity)
	media.joinErr = assert.AnError

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		acceptInput{},
	)

	session, _ := c.Session()
	assert.Equal(t, core.CallEnded, session.State)
	assert.Equal(t, core.EndReasonFailed, session.Reason)
	assert.Equal(t, 1, sender.count(signaling.CallCancelKind))
	assert.Equal(t, 1, media.leaves)
}

func TestGetUserInfoReply(t *testing.T) {
	c, sender, _, _ := newTestCoordinator(calleeIdentity)

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		acceptInput{},
		getUserInfoInput{params: signaling.UserInfoParams{CallID: testCallID, UID: callerIdentity.SessionID()}},
	)

	assert.Equal(t, 1, sender.count(signaling.UserInfoResponseKind))

	last := sender.events[len(sender.events)-1].(*signaling.UserInfoEvent)
	assert.Equal(t, "Bob", last.Params.Name)
	assert.Equal(t, calleeIdentity.SessionID(), last.Params.UID)
}

func TestUnnamedRemoteTriggersNameRequest(t *testing.T) {
	c, sender, _, tracker := newTestCoordinator(calleeIdentity)

	drive(c,
		incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}},
		acceptInput{},
	)

	tracker.Reset(calleeIdentity.SessionID(), calleeIdentity.DisplayName)
	tracker.AddParticipant(callerIdentity.SessionID())
	drive(c, rosterChangedInput{})

	assert.Equal(t, 1, sender.count(signaling.GetUserInfoKind))
	last := sender.events[len(sender.events)-1].(*signaling.UserInfoEvent)
	assert.Equal(t, callerIdentity.SessionID(), last.Params.UID)

	// Asked once per participant, even while the name stays unresolved.
	drive(c, rosterChangedInput{})
	assert.Equal(t, 1, sender.count(signaling.GetUserInfoKind))

	tracker.ResolveName(callerIdentity.SessionID(), "Alice")
	drive(c, rosterChangedInput{})
	assert.Equal(t, 1, sender.count(signaling.GetUserInfoKind))
}

func TestUserInfoResolvesRosterName(t *testing.T) {
	c, _, _, tracker := newTestCoordinator(calleeIdentity)
	tracker.Reset(calleeIdentity.SessionID(), calleeIdentity.DisplayName)
	tracker.AddParticipant(callerIdentity.SessionID())

	drive(c, userInfoInput{params: signaling.UserInfoParams{
		CallID: testCallID, UID: callerIdentity.SessionID(), Name: "Alice",
	}})

	assert.Equal(t, "Alice", tracker.Snapshot()[1].Name())
}

func TestRingTimeoutCancelsOutgoing(t *testing.T) {
	c, sender, _, _ := newTestCoordinator(callerIdentity, WithRingTimeout(20*time.Millisecond))

	<-c.Start()
	defer func() { <-c.Stop() }()

	c.Dial("654-321")

	assert.Eventually(t, func() bool {
		session, ok := c.Session()
		return ok && session.State == core.CallEnded && session.Reason == core.EndReasonCanceled
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sender.count(signaling.CallRequestKind))
}

func TestRingTimeoutExpiresIncoming(t *testing.T) {
	c, _, _, _ := newTestCoordinator(calleeIdentity, WithRingTimeout(20*time.Millisecond))

	<-c.Start()
	defer func() { <-c.Stop() }()

	c.post(incomingInput{params: signaling.CallIncomingParams{CallID: testCallID, From: "123-456"}})

	assert.Eventually(t, func() bool {
		session, ok := c.Session()
		return ok && session.State == core.CallEnded && session.Reason == core.EndReasonCanceled
	}, time.Second, 5*time.Millisecond)
}

func TestRouterBindDeliversEvents(t *testing.T) {
	c, _, _, _ := newTestCoordinator(calleeIdentity)

	source := make(chan []byte, 1)
	router := signaling.NewRouter(source)
	c.Bind(router)

	payload, err := signaling.NewCallIncomingEvent(testCallID, "123-456", callerIdentity).ToJSON()
	assert.Nil(t, err)
	source <- payload
	close(source)

	<-c.Start()
	<-router.Start()
	<-router.Stop()
	<-c.Stop()

	session, ok := c.Session()
	assert.True(t, ok)
	assert.Equal(t, core.CallRinging, session.State)
	assert.Equal(t, testCallID, session.ID)
}
