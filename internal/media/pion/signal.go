package pion

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/dialink/dialink/internal/core"
)

// The media gateway speaks JSON-RPC 2.0 over the websocket leg, one message
// per frame. Session negotiation and room events share the channel.
const rpcVersion = "2.0"

type rpcMethod string

const (
	joinMethod      rpcMethod = "room:join"
	offerMethod     rpcMethod = "sdp:offer"
	answerMethod    rpcMethod = "sdp:answer"
	candidateMethod rpcMethod = "ice:candidate"
	subscribeMethod rpcMethod = "room:subscribe"

	participantJoinedMethod rpcMethod = "room:participant-joined"
	participantLeftMethod   rpcMethod = "room:participant-left"
	trackPublishedMethod    rpcMethod = "room:track-published"
	trackUnpublishedMethod  rpcMethod = "room:track-unpublished"
	volumesMethod           rpcMethod = "room:volumes"
)

var errUnknownRPC = errors.New("unknown media rpc method")

type rpcHead struct {
	Version string    `json:"jsonrpc"`
	Method  rpcMethod `json:"method"`
}

type rpcMessage struct {
	rpcHead
	Params json.RawMessage `json:"params"`
}

type joinParams struct {
	Room        core.CallID        `json:"room"`
	Participant core.ParticipantID `json:"participant"`
	AccessToken string             `json:"accessToken"`
}

type sdpParams struct {
	Description webrtc.SessionDescription `json:"description"`
}

type candidateParams struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type subscribeParams struct {
	Participant core.ParticipantID `json:"participant"`
	Kind        core.TrackKind     `json:"kind"`
}

type participantParams struct {
	Participant core.ParticipantID `json:"participant"`
}

type trackParams struct {
	Participant core.ParticipantID `json:"participant"`
	Kind        core.TrackKind     `json:"kind"`
}

type volumeSample struct {
	Participant core.ParticipantID `json:"participant"`
	Level       int                `json:"level"`
}

type volumesParams struct {
	Levels []volumeSample `json:"levels"`
}

func marshalRPC(method rpcMethod, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return json.Marshal(rpcMessage{
		rpcHead: rpcHead{Version: rpcVersion, Method: method},
		Params:  raw,
	})
}

func parseRPC(payload []byte) (*rpcMessage, error) {
	msg := &rpcMessage{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	if msg.Version != rpcVersion {
		return nil, fmt.Errorf("unsupported rpc version %q", msg.Version)
	}
	return msg, nil
}
