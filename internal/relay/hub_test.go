package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/history"
	"github.com/dialink/dialink/internal/signaling"
)

const testCallID = core.CallID("0c4038d6-da68-11ec-9d64-0242ac120002")

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *fakeConn) Write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, msg)
	return nil
}

func (c *fakeConn) received(t *testing.T) []signaling.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]signaling.Event, 0, len(c.writes))
	for _, payload := range c.writes {
		ev, err := signaling.EventFromReader(bytes.NewReader(payload))
		assert.Nil(t, err)
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) lastKind(t *testing.T) signaling.Kind {
	t.Helper()
	events := c.received(t)
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].GetKind()
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]core.UserID
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]core.UserID)}
}

func (p *fakePresence) Register(_ context.Context, number string, userID core.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[number] = userID
	return nil
}

func (p *fakePresence) Unregister(_ context.Context, number string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, number)
	return nil
}

func (p *fakePresence) Lookup(_ context.Context, number string) (core.UserID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.online[number]
	return id, ok, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []history.Message
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	msg := history.Message{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func newTestHub() (*Hub, *fakePresence, *fakePublisher) {
	presence := newFakePresence()
	publisher := &fakePublisher{}
	hub := NewHub(presence, publisher)
	hub.newCallID = func() core.CallID { return testCallID }
	return hub, presence, publisher
}

func online(t *testing.T, hub *Hub, c conn, number string, userID core.UserID) {
	t.Helper()
	payload, err := signaling.NewUserOnlineEvent(number, userID).ToJSON()
	assert.Nil(t, err)
	assert.Nil(t, hub.HandleMessage(c, payload))
}

func deliver(t *testing.T, hub *Hub, c conn, ev signaling.Event) {
	t.Helper()
	payload, err := ev.ToJSON()
	assert.Nil(t, err)
	assert.Nil(t, hub.HandleMessage(c, payload))
}

func dialBob(t *testing.T, hub *Hub) (alice, bob *fakeConn) {
	t.Helper()
	alice, bob = &fakeConn{}, &fakeConn{}
	online(t, hub, alice, "123-456", 7)
	online(t, hub, bob, "654-321", 12)

	deliver(t, hub, alice, signaling.NewCallRequestEvent(
		"123-456", "654-321", core.Identity{UserID: 7, DisplayName: "Alice", VirtualNumber: "123-456"},
	))
	return alice, bob
}

func TestOnlineRegistersPresence(t *testing.T) {
	hub, presence, _ := newTestHub()
	c := &fakeConn{}

	online(t, hub, c, "123-456", 7)

	id, ok, err := presence.Lookup(context.Background(), "123-456")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, core.UserID(7), id)
}

func TestCallRequestRoutesToBothParties(t *testing.T) {
	hub, _, _ := newTestHub()
	alice, bob := dialBob(t, hub)

	aliceEvents := alice.received(t)
	assert.Len(t, aliceEvents, 1)
	assert.Equal(t, signaling.CallOutgoingKind, aliceEvents[0].GetKind())
	assert.Equal(t, testCallID, aliceEvents[0].(*signaling.CallIDEvent).Params.CallID)

	bobEvents := bob.received(t)
	assert.Len(t, bobEvents, 1)
	incoming := bobEvents[0].(*signaling.CallIncomingEvent)
	assert.Equal(t, testCallID, incoming.Params.CallID)
	assert.Equal(t, "123-456", incoming.Params.From)
	assert.Equal(t, "Alice", incoming.Params.FromUser.DisplayName)
}

func TestCallRequestOfflineCalleeRejects(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice := &fakeConn{}
	online(t, hub, alice, "123-456", 7)

	deliver(t, hub, alice, signaling.NewCallRequestEvent("123-456", "000-000", core.Identity{UserID: 7}))

	assert.Equal(t, signaling.CallRejectedKind, alice.lastKind(t))
	assert.Empty(t, publisher.msgs)
}

func TestAcceptThenEndPublishesHistory(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice, bob := dialBob(t, hub)

	deliver(t, hub, bob, signaling.NewCallAcceptEvent(testCallID, "654-321"))
	assert.Equal(t, signaling.CallAcceptedKind, alice.lastKind(t))

	deliver(t, hub, bob, signaling.NewCallEndEvent(testCallID))
	assert.Equal(t, signaling.CallEndedKind, alice.lastKind(t))

	assert.Len(t, publisher.msgs, 1)
	msg := publisher.msgs[0]
	assert.Equal(t, testCallID, msg.CallID)
	assert.Equal(t, core.UserID(7), msg.CallerID)
	assert.Equal(t, core.UserID(12), msg.CalleeID)
	assert.Equal(t, core.EndReasonEnded, msg.Reason)
	assert.NotNil(t, msg.ConnectedAt)
}

func TestRejectPublishesRecordWithoutConnection(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice, bob := dialBob(t, hub)

	deliver(t, hub, bob, signaling.NewCallRejectEvent(testCallID, "654-321"))

	assert.Equal(t, signaling.CallRejectedKind, alice.lastKind(t))
	assert.Len(t, publisher.msgs, 1)
	assert.Equal(t, core.EndReasonRejected, publisher.msgs[0].Reason)
	assert.Nil(t, publisher.msgs[0].ConnectedAt)
	assert.Equal(t, 0, publisher.msgs[0].Record().DurationSeconds)
}

func TestCancelRelaysToCallee(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice, bob := dialBob(t, hub)

	deliver(t, hub, alice, signaling.NewCallCancelEvent(testCallID))

	assert.Equal(t, signaling.CallCanceledKind, bob.lastKind(t))
	assert.Len(t, publisher.msgs, 1)
	assert.Equal(t, core.EndReasonCanceled, publisher.msgs[0].Reason)

	// The call is gone: repeating the cancel changes nothing.
	deliver(t, hub, alice, signaling.NewCallCancelEvent(testCallID))
	assert.Len(t, publisher.msgs, 1)
}

func TestUserInfoForwardedToPeerOnly(t *testing.T) {
	hub, _, _ := newTestHub()
	alice, bob := dialBob(t, hub)
	before := len(alice.received(t))

	deliver(t, hub, alice, signaling.NewBroadcastMyInfoEvent(testCallID, core.ParticipantID("7"), "Alice"))

	bobEvents := bob.received(t)
	last := bobEvents[len(bobEvents)-1].(*signaling.UserInfoEvent)
	assert.Equal(t, signaling.BroadcastMyInfoKind, last.GetKind())
	assert.Equal(t, "Alice", last.Params.Name)
	assert.Len(t, alice.received(t), before)
}

func TestCalleeDisconnectBeforeAcceptRejectsCaller(t *testing.T) {
	hub, presence, _ := newTestHub()
	alice, bob := dialBob(t, hub)

	hub.HandleDisconnect(bob)

	assert.Equal(t, signaling.CallRejectedKind, alice.lastKind(t))

	_, ok, err := presence.Lookup(context.Background(), "654-321")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestCallerDisconnectAfterAcceptEndsCall(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice, bob := dialBob(t, hub)

	deliver(t, hub, bob, signaling.NewCallAcceptEvent(testCallID, "654-321"))
	hub.HandleDisconnect(alice)

	assert.Equal(t, signaling.CallEndedKind, bob.lastKind(t))
	assert.Len(t, publisher.msgs, 1)
	assert.Equal(t, core.EndReasonEnded, publisher.msgs[0].Reason)
}

func TestEndFromNonMemberIgnored(t *testing.T) {
	hub, _, publisher := newTestHub()
	alice, bob := dialBob(t, hub)

	mallory := &fakeConn{}
	online(t, hub, mallory, "666-666", 66)
	deliver(t, hub, mallory, signaling.NewCallEndEvent(testCallID))

	assert.Len(t, alice.received(t), 1)
	assert.Len(t, bob.received(t), 1)
	assert.Empty(t, publisher.msgs)

	// The call is still live for its members.
	deliver(t, hub, bob, signaling.NewCallEndEvent(testCallID))
	assert.Equal(t, signaling.CallEndedKind, alice.lastKind(t))
	assert.Len(t, publisher.msgs, 1)
}

func TestEventForUnknownCallIgnored(t *testing.T) {
	hub, _, _ := newTestHub()
	alice := &fakeConn{}
	online(t, hub, alice, "123-456", 7)

	deliver(t, hub, alice, signaling.NewCallEndEvent("no-such-call"))

	assert.Empty(t, alice.received(t))
}
