package media

import (
	"github.com/pion/rtp"
)

// RTPReader reads RTP packets from an underlying source.
// Implementations may read from a remote WebRTC track, buffer, or other source.
type RTPReader interface {
	// ReadRTP reads the next RTP packet.
	// Returns the packet or an error if reading fails.
	ReadRTP() (*rtp.Packet, error)
}

// RTPWriter writes RTP packets to an underlying destination.
// Implementations may write to a local WebRTC track, buffer, or other sink.
// webrtc.TrackLocalStaticRTP satisfies this interface directly.
type RTPWriter interface {
	// WriteRTP writes an RTP packet.
	// Returns an error if writing fails.
	WriteRTP(p *rtp.Packet) error
}
