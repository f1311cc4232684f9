package core

// TrackKind distinguishes published media tracks at the engine boundary.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// CameraFacing names a capture direction on devices with multiple cameras.
type CameraFacing string

const (
	FacingFront CameraFacing = "front"
	FacingBack  CameraFacing = "back"
)

// Opposite returns the other facing.
func (f CameraFacing) Opposite() CameraFacing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}
