package pion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dialink/dialink/internal/core"
)

func TestRPCRoundTrip(t *testing.T) {
	payload, err := marshalRPC(joinMethod, joinParams{
		Room:        core.CallID("room-1"),
		Participant: core.ParticipantID("7"),
		AccessToken: "tok",
	})
	assert.Nil(t, err)

	msg, err := parseRPC(payload)
	assert.Nil(t, err)
	assert.Equal(t, joinMethod, msg.Method)

	parsed := joinParams{}
	assert.Nil(t, unmarshalParams(msg, &parsed))
	assert.Equal(t, core.CallID("room-1"), parsed.Room)
	assert.Equal(t, "tok", parsed.AccessToken)
}

func TestParseRPCRejectsWrongVersion(t *testing.T) {
	_, err := parseRPC([]byte(`{"jsonrpc":"1.0","method":"room:join","params":{}}`))
	assert.NotNil(t, err)
}
