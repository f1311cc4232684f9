package media

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInCall guards track operations issued outside a joined session.
	ErrNotInCall = errors.New("media: no active session")
	// ErrDeviceUnavailable means the requested capture device does not exist.
	ErrDeviceUnavailable = errors.New("media: capture device unavailable")
	// ErrPermissionDenied means the user refused the capture grant.
	ErrPermissionDenied = errors.New("media: capture permission denied")
	// ErrCameraDisabled guards facing switches while the camera is off.
	ErrCameraDisabled = errors.New("media: camera is not enabled")
)

// JoinError wraps the final failure of a room join after the automatic
// token-refresh retry has been spent.
type JoinError struct {
	Room  string
	Cause error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("media: join room %s: %s", e.Room, e.Cause)
}

func (e *JoinError) Unwrap() error {
	return e.Cause
}
