package media

import "time"

// Codec represents an immutable audio codec specification.
type Codec struct {
	Name        string        // Codec name as it appears in SDP
	PayloadType uint8         // Negotiated RTP payload type
	ClockRate   uint32        // Clock rate in Hz
	Channels    uint16        // Number of channels
	FrameDur    time.Duration // Duration per frame (20ms for Opus voice)
}

// Codecs the engine negotiates. Everything caller-facing is Opus at 48kHz;
// dialed digits arrive as RFC 4733 telephone events, either on a dedicated
// track or multiplexed with voice under their own payload type.
var (
	CodecOpus = Codec{"opus", 111, 48000, 2, 20 * time.Millisecond}

	CodecTelephoneEvent = Codec{"telephone-event", 126, 8000, 1, 20 * time.Millisecond}
)

// OpusSilenceFrame is a minimal Opus packet decoding to silence. Sent to keep
// a media path alive between real audio segments.
var OpusSilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// SamplesPerFrame returns the number of samples in one frame.
// For Opus at 48kHz with 20ms frames, this returns 960.
func (c Codec) SamplesPerFrame() int {
	return int(c.ClockRate) * int(c.FrameDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}
