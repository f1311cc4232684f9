package signaling

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/dialink/dialink/internal/core"
)

const jsonRpcVersion = "2.0"

// Kind is the signaling event method name on the wire.
type Kind string

const (
	CallRequestKind  Kind = "call:request"
	CallOutgoingKind Kind = "call:outgoing"
	CallIncomingKind Kind = "call:incoming"
	CallAcceptKind   Kind = "call:accept"
	CallAcceptedKind Kind = "call:accepted"
	CallRejectKind   Kind = "call:reject"
	CallRejectedKind Kind = "call:rejected"
	CallCancelKind   Kind = "call:cancel"
	CallCanceledKind Kind = "call:canceled"
	CallEndKind      Kind = "call:end"
	CallEndedKind    Kind = "call:ended"
	UserOnlineKind   Kind = "user:online"

	// Name resolution over the signaling channel, keyed by call id.
	GetUserInfoKind      Kind = "get-user-info"
	BroadcastMyInfoKind  Kind = "broadcast-my-info"
	UserInfoResponseKind Kind = "user-info-response"
)

var (
	ErrUnknownEventType = errors.New("unknown signaling event type")
	ErrMalformedEvent   = errors.New("malformed signaling event")
)

// Event is one typed signaling message.
type Event interface {
	GetKind() Kind
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Kind   `json:"method"`
}

type jsonRpcEvent struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

func newHead(kind Kind) jsonRpcHead {
	return jsonRpcHead{Version: jsonRpcVersion, Method: kind}
}

// CallRequestParams carries the caller's dial intent. From/To are virtual
// numbers; FromUser lets the callee render the caller before the roster knows.
type CallRequestParams struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	FromUser core.Identity `json:"fromUser"`
}

type CallRequestEvent struct {
	jsonRpcHead
	Params CallRequestParams `json:"params"`
}

func NewCallRequestEvent(from, to string, fromUser core.Identity) *CallRequestEvent {
	return &CallRequestEvent{
		jsonRpcHead: newHead(CallRequestKind),
		Params:      CallRequestParams{From: from, To: to, FromUser: fromUser},
	}
}

func (e CallRequestEvent) GetKind() Kind           { return e.Method }
func (e CallRequestEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// CallIDParams is the shared payload of every call-id-scoped relay event.
type CallIDParams struct {
	CallID core.CallID `json:"callId"`
	From   string      `json:"from,omitempty"`
}

type CallIDEvent struct {
	jsonRpcHead
	Params CallIDParams `json:"params"`
}

func newCallIDEvent(kind Kind, callID core.CallID, from string) *CallIDEvent {
	return &CallIDEvent{
		jsonRpcHead: newHead(kind),
		Params:      CallIDParams{CallID: callID, From: from},
	}
}

func NewCallOutgoingEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallOutgoingKind, callID, "")
}

func NewCallAcceptEvent(callID core.CallID, from string) *CallIDEvent {
	return newCallIDEvent(CallAcceptKind, callID, from)
}

func NewCallAcceptedEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallAcceptedKind, callID, "")
}

func NewCallRejectEvent(callID core.CallID, from string) *CallIDEvent {
	return newCallIDEvent(CallRejectKind, callID, from)
}

func NewCallRejectedEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallRejectedKind, callID, "")
}

func NewCallCancelEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallCancelKind, callID, "")
}

func NewCallCanceledEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallCanceledKind, callID, "")
}

func NewCallEndEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallEndKind, callID, "")
}

func NewCallEndedEvent(callID core.CallID) *CallIDEvent {
	return newCallIDEvent(CallEndedKind, callID, "")
}

func (e CallIDEvent) GetKind() Kind           { return e.Method }
func (e CallIDEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// CallIncomingParams offers a call to the callee, with the caller hint.
type CallIncomingParams struct {
	CallID   core.CallID   `json:"callId"`
	From     string        `json:"from"`
	FromUser core.Identity `json:"fromUser"`
}

type CallIncomingEvent struct {
	jsonRpcHead
	Params CallIncomingParams `json:"params"`
}

func NewCallIncomingEvent(callID core.CallID, from string, fromUser core.Identity) *CallIncomingEvent {
	return &CallIncomingEvent{
		jsonRpcHead: newHead(CallIncomingKind),
		Params:      CallIncomingParams{CallID: callID, From: from, FromUser: fromUser},
	}
}

func (e CallIncomingEvent) GetKind() Kind           { return e.Method }
func (e CallIncomingEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// UserOnlineParams registers a connected user with the relay.
type UserOnlineParams struct {
	VirtualNumber string      `json:"virtualNumber"`
	UserID        core.UserID `json:"userId"`
}

type UserOnlineEvent struct {
	jsonRpcHead
	Params UserOnlineParams `json:"params"`
}

func NewUserOnlineEvent(virtualNumber string, userID core.UserID) *UserOnlineEvent {
	return &UserOnlineEvent{
		jsonRpcHead: newHead(UserOnlineKind),
		Params:      UserOnlineParams{VirtualNumber: virtualNumber, UserID: userID},
	}
}

func (e UserOnlineEvent) GetKind() Kind           { return e.Method }
func (e UserOnlineEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// UserInfoParams is shared by the three name-resolution messages.
type UserInfoParams struct {
	CallID core.CallID        `json:"callId"`
	UID    core.ParticipantID `json:"uid"`
	Name   string             `json:"name,omitempty"`
}

type UserInfoEvent struct {
	jsonRpcHead
	Params UserInfoParams `json:"params"`
}

func NewGetUserInfoEvent(callID core.CallID, uid core.ParticipantID) *UserInfoEvent {
	return &UserInfoEvent{
		jsonRpcHead: newHead(GetUserInfoKind),
		Params:      UserInfoParams{CallID: callID, UID: uid},
	}
}

func NewBroadcastMyInfoEvent(callID core.CallID, uid core.ParticipantID, name string) *UserInfoEvent {
	return &UserInfoEvent{
		jsonRpcHead: newHead(BroadcastMyInfoKind),
		Params:      UserInfoParams{CallID: callID, UID: uid, Name: name},
	}
}

func NewUserInfoResponseEvent(callID core.CallID, uid core.ParticipantID, name string) *UserInfoEvent {
	return &UserInfoEvent{
		jsonRpcHead: newHead(UserInfoResponseKind),
		Params:      UserInfoParams{CallID: callID, UID: uid, Name: name},
	}
}

func (e UserInfoEvent) GetKind() Kind           { return e.Method }
func (e UserInfoEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// EventFromReader decodes one wire envelope into its typed event.
func EventFromReader(reader io.Reader) (Event, error) {
	raw := &jsonRpcEvent{}

	if err := json.NewDecoder(reader).Decode(raw); err != nil {
		return nil, err
	}
	if raw.Version != jsonRpcVersion {
		return nil, ErrMalformedEvent
	}

	switch raw.Method {
	case CallRequestKind:
		p := CallRequestParams{}
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			return nil, err
		}
		return NewCallRequestEvent(p.From, p.To, p.FromUser), nil
	case CallIncomingKind:
		p := CallIncomingParams{}
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			return nil, err
		}
		return NewCallIncomingEvent(p.CallID, p.From, p.FromUser), nil
	case CallOutgoingKind, CallAcceptKind, CallAcceptedKind, CallRejectKind,
		CallRejectedKind, CallCancelKind, CallCanceledKind, CallEndKind, CallEndedKind:
		p := CallIDParams{}
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			return nil, err
		}
		return newCallIDEvent(raw.Method, p.CallID, p.From), nil
	case UserOnlineKind:
		p := UserOnlineParams{}
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			return nil, err
		}
		return NewUserOnlineEvent(p.VirtualNumber, p.UserID), nil
	case GetUserInfoKind, BroadcastMyInfoKind, UserInfoResponseKind:
		p := UserInfoParams{}
		if err := json.Unmarshal(raw.Params, &p); err != nil {
			return nil, err
		}
		return &UserInfoEvent{jsonRpcHead: newHead(raw.Method), Params: p}, nil
	default:
		return nil, ErrUnknownEventType
	}
}
