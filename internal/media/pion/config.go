package pion

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// Config wires the engine to a media gateway.
type Config struct {
	// GatewayURL is the websocket endpoint of the media gateway,
	// e.g. wss://media.example.com/rtc.
	GatewayURL string
	// ICEServers overrides the default public STUN server.
	ICEServers []string
	// ICEPortRangeStart/End bound the ephemeral UDP range; zero leaves the
	// OS default.
	ICEPortRangeStart uint16
	ICEPortRangeEnd   uint16
}

func (c Config) peerConnectionConfig() webrtc.Configuration {
	urls := c.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		ICEServers: []webrtc.ICEServer{
			{URLs: urls},
		},
	}
}

func (c Config) settingEngine() (webrtc.SettingEngine, error) {
	s := webrtc.SettingEngine{}

	// UDP only
	s.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	})

	if c.ICEPortRangeStart != 0 || c.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(c.ICEPortRangeStart, c.ICEPortRangeEnd); err != nil {
			return s, err
		}
	}

	return s, nil
}

func createMediaEngine() (*webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, err
	}
	if err := registerExtensions(mediaEngine); err != nil {
		return nil, err
	}
	return mediaEngine, nil
}

func registerCodecs(mediaEngine *webrtc.MediaEngine) error {
	videoRTCPFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb", Parameter: ""},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack", Parameter: ""},
		{Type: "nack", Parameter: "pli"},
	}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 98,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}

	return mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
}

// registerExtensions enables the audio-level extension the gateway's volume
// snapshots are derived from.
func registerExtensions(mediaEngine *webrtc.MediaEngine) error {
	for _, uri := range []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI, sdp.AudioLevelURI} {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeAudio,
		); err != nil {
			return err
		}
	}
	for _, uri := range []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI} {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo,
		); err != nil {
			return err
		}
	}
	return nil
}
