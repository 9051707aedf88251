package media

import (
	"encoding/binary"
	"fmt"
)

// DTMFEvent represents an RFC 4733 telephone-event payload.
// The payload format is 4 bytes:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8  // 0-15: 0-9, *, #, A-D
	EndOfEvent bool   // E bit: marks final packet of event
	Volume     uint8  // 0-63: expressed in dBm0
	Duration   uint16 // Duration in timestamp units
}

// DTMF event codes
const (
	DTMF0     uint8 = 0
	DTMF9     uint8 = 9
	DTMFStar  uint8 = 10
	DTMFPound uint8 = 11
)

// EventToDigit converts a DTMF event code to its dialed character.
// Returns the character and true if valid, 0 and false otherwise.
func EventToDigit(event uint8) (rune, bool) {
	switch {
	case event <= DTMF9:
		return rune('0' + event), true
	case event == DTMFStar:
		return '*', true
	case event == DTMFPound:
		return '#', true
	case event >= 12 && event <= 15:
		return rune('A' + event - 12), true
	}
	return 0, false
}

// DigitToEvent converts a dialed character to its DTMF event code.
func DigitToEvent(r rune) (uint8, bool) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return DTMFStar, true
	case r == '#':
		return DTMFPound, true
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, true
	}
	return 0, false
}

// Encode serializes the DTMF event to RFC 4733 4-byte format.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80 // E bit
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent decodes an RFC 4733 4-byte payload into a DTMFEvent.
// Returns an error if the payload is too short.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: (payload[1] & 0x80) != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// String returns a human-readable representation of the event.
func (e DTMFEvent) String() string {
	char, ok := EventToDigit(e.Event)
	if !ok {
		char = '?'
	}
	endStr := ""
	if e.EndOfEvent {
		endStr = " END"
	}
	return fmt.Sprintf("DTMF '%c' vol=%d dur=%d%s", char, e.Volume, e.Duration, endStr)
}
