package core

import "fmt"

// UserID is the application-level numeric identifier of a registered user.
type UserID int64

// CallID identifies one call attempt. It is minted by the relay on
// call:request and doubles as the media room key.
type CallID string

// ParticipantID is the engine-assigned session identifier of a room member.
// It is distinct from UserID, although the local client joins the room using
// its own identity, so for well-behaved clients the two coincide textually.
type ParticipantID string

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
)

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// Identity is the injected local identity. It is passed into session
// construction explicitly; nothing below the entrypoints reads stored users.
type Identity struct {
	UserID        UserID `json:"userId"`
	DisplayName   string `json:"name"`
	VirtualNumber string `json:"virtualNumber"`
}

// SessionID is the identity the client presents to the media engine when
// joining a room.
func (i Identity) SessionID() ParticipantID {
	return ParticipantID(fmt.Sprintf("%d", i.UserID))
}

// FallbackName renders a participant whose display name has not arrived yet.
func FallbackName(id ParticipantID) string {
	return fmt.Sprintf("User %s", id)
}
