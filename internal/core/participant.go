package core

// Participant is one roster entry of the active call.
type Participant struct {
	ID ParticipantID `json:"id"`
	// DisplayName stays empty until the name-resolution round trip completes.
	DisplayName string `json:"name,omitempty"`
	HasAudio    bool   `json:"hasAudio"`
	HasVideo    bool   `json:"hasVideo"`
	IsLocal     bool   `json:"isLocal"`
	// Speaking is derived from volume reports and decays; it is never persisted.
	Speaking bool `json:"isSpeaking"`
}

// Name returns the resolved display name or the numeric fallback.
func (p *Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return FallbackName(p.ID)
}
