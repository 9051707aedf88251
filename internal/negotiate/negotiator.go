// Package negotiate owns WebRTC SDP negotiation: codec registration,
// transport policy, and the offer/answer handshakes for both call legs.
package negotiate

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/media"
)

// Config controls transport and timing for all negotiated connections.
type Config struct {
	// ICEServers in "stun:host:port" / "turn:host:port" form.
	ICEServers    []string
	ICEUsername   string
	ICECredential string

	// ForceRelay restricts candidates to TURN relays.
	ForceRelay bool

	// UDPPortMin/Max pin the ephemeral media port range; zero disables.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IP advertises a public address for host candidates.
	NAT1To1IP string

	// GatherTimeout bounds the ICE candidate gathering wait.
	GatherTimeout time.Duration

	// ConnectTimeout bounds the wait for the transport to connect.
	ConnectTimeout time.Duration
}

// Negotiator builds peer connections with the engine's fixed audio profile:
// Opus at 48 kHz stereo plus RFC 4733 telephone-event for DTMF.
type Negotiator struct {
	api     *webrtc.API
	rtcConf webrtc.Configuration
	cfg     Config
}

// New constructs a negotiator. Codec registration failures are programming
// errors and returned immediately.
func New(cfg Config) (*Negotiator, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	m := &webrtc.MediaEngine{}

	opus := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   media.CodecOpus.ClockRate,
			Channels:    media.CodecOpus.Channels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "transport-cc"},
			},
		},
		PayloadType: webrtc.PayloadType(media.CodecOpus.PayloadType),
	}
	if err := m.RegisterCodec(opus, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering opus codec: %w", err)
	}

	telephoneEvent := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  "audio/telephone-event",
			ClockRate: media.CodecTelephoneEvent.ClockRate,
		},
		PayloadType: webrtc.PayloadType(media.CodecTelephoneEvent.PayloadType),
	}
	if err := m.RegisterCodec(telephoneEvent, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering telephone-event codec: %w", err)
	}

	// The provider includes these in its offers; they must be registered
	// for the SDP to parse.
	extensions := []string{
		"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
		"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
	}
	for _, uri := range extensions {
		ext := webrtc.RTPHeaderExtensionCapability{URI: uri}
		if err := m.RegisterHeaderExtension(ext, webrtc.RTPCodecTypeAudio); err != nil {
			slog.Warn("[Negotiate] Header extension registration failed", "uri", uri, "error", err)
		}
	}

	s := webrtc.SettingEngine{}
	// The provider offers actpass; answer as active/client.
	s.SetAnsweringDTLSRole(webrtc.DTLSRoleClient)
	// Provider media is UDP only.
	s.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := s.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("setting udp port range: %w", err)
		}
	}
	if cfg.NAT1To1IP != "" {
		s.SetNAT1To1IPs([]string{cfg.NAT1To1IP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(s),
	)

	rtcConf := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		server := webrtc.ICEServer{URLs: cfg.ICEServers}
		if cfg.ICEUsername != "" {
			server.Username = cfg.ICEUsername
			server.Credential = cfg.ICECredential
		}
		rtcConf.ICEServers = []webrtc.ICEServer{server}
	}
	if cfg.ForceRelay {
		rtcConf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return &Negotiator{api: api, rtcConf: rtcConf, cfg: cfg}, nil
}

// NewConnection creates a wrapped peer connection for one call leg.
func (n *Negotiator) NewConnection(callID, leg string) (*Connection, error) {
	pc, err := n.api.NewPeerConnection(n.rtcConf)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c := &Connection{
		pc:        pc,
		callID:    callID,
		leg:       leg,
		cfg:       n.cfg,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		slog.Debug("[Negotiate] ICE state changed",
			"call_id", callID, "leg", leg, "state", state.String())
	})

	pc.OnConnectionStateChange(c.handleStateChange)

	return c, nil
}

// ValidateOffer checks that an SDP offer carries an audio section before
// committing peer connection resources to it.
func ValidateOffer(offerSDP string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offerSDP)); err != nil {
		return fmt.Errorf("parsing offer sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("offer contains no audio section")
}

// CleanSDP normalizes line endings and strips stray whitespace from
// provider-delivered SDP blobs.
func CleanSDP(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}
