package media

import (
	"crypto/rand"
	"encoding/binary"
)

// Randomized starting values for outbound RTP streams. RFC 3550 asks for a
// random SSRC so concurrent streams stay distinct, and random sequence and
// timestamp origins so a stream's start point is unpredictable.

// GenerateSSRC returns the stream identifier for a new outbound stream.
func GenerateSSRC() uint32 {
	return randomUint32()
}

// GenerateSequenceStart returns the first sequence number of a stream.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart returns the timestamp origin of a stream.
func GenerateTimestampStart() uint32 {
	return randomUint32()
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
