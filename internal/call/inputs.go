package call

import (
	"github.com/dialink/dialink/internal/signaling"
)

// input is one unit of work for the coordinator loop. User intents, signaling
// events and timer expirations all enter through the same queue, which is
// what makes their interleaving deterministic.
type input interface {
	isInput()
}

type dialInput struct {
	number string
}

type acceptInput struct{}

type rejectInput struct{}

type hangUpInput struct{}

type incomingInput struct {
	params signaling.CallIncomingParams
}

type outgoingInput struct {
	params signaling.CallIDParams
}

type acceptedInput struct {
	params signaling.CallIDParams
}

type rejectedInput struct {
	params signaling.CallIDParams
}

type canceledInput struct {
	params signaling.CallIDParams
}

type endedInput struct {
	params signaling.CallIDParams
}

type getUserInfoInput struct {
	params signaling.UserInfoParams
}

type userInfoInput struct {
	params signaling.UserInfoParams
}

// ringTimeoutInput fires for the session generation it was armed for; a stale
// timeout for a finished call is discarded by the generation check.
type ringTimeoutInput struct {
	gen uint64
}

type rosterChangedInput struct{}

func (dialInput) isInput()          {}
func (acceptInput) isInput()        {}
func (rejectInput) isInput()        {}
func (hangUpInput) isInput()        {}
func (incomingInput) isInput()      {}
func (outgoingInput) isInput()      {}
func (acceptedInput) isInput()      {}
func (rejectedInput) isInput()      {}
func (canceledInput) isInput()      {}
func (endedInput) isInput()         {}
func (getUserInfoInput) isInput()   {}
func (userInfoInput) isInput()      {}
func (ringTimeoutInput) isInput()   {}
func (rosterChangedInput) isInput() {}
