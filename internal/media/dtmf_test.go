package media

import (
	"testing"

	"github.com/pion/rtp"
)

func TestDTMFEventRoundTrip(t *testing.T) {
	evt := DTMFEvent{Event: DTMFPound, EndOfEvent: true, Volume: 10, Duration: 1600}

	decoded, err := DecodeDTMFEvent(evt.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != evt {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, evt)
	}
}

func TestEventDigitMapping(t *testing.T) {
	cases := []struct {
		event uint8
		digit rune
	}{
		{0, '0'},
		{5, '5'},
		{9, '9'},
		{DTMFStar, '*'},
		{DTMFPound, '#'},
	}
	for _, tc := range cases {
		digit, ok := EventToDigit(tc.event)
		if !ok || digit != tc.digit {
			t.Errorf("EventToDigit(%d) = %q, %v; want %q", tc.event, digit, ok, tc.digit)
		}
		event, ok := DigitToEvent(tc.digit)
		if !ok || event != tc.event {
			t.Errorf("DigitToEvent(%q) = %d, %v; want %d", tc.digit, event, ok, tc.event)
		}
	}

	if _, ok := EventToDigit(99); ok {
		t.Error("EventToDigit(99) should fail")
	}
}

func eventPacket(pt uint8, event uint8, end bool) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{PayloadType: pt},
		Payload: DTMFEvent{Event: event, EndOfEvent: end, Duration: 800}.Encode(),
	}
}

func TestDecoderEmitsOncePerEndBit(t *testing.T) {
	digits := make(chan rune, 4)
	dec := NewDTMFDecoder(126, digits)

	// A press arrives as start packets, then a retransmitted end burst.
	dec.HandlePacket(eventPacket(126, 5, false))
	dec.HandlePacket(eventPacket(126, 5, false))
	dec.HandlePacket(eventPacket(126, 5, true))
	dec.HandlePacket(eventPacket(126, 5, true))
	dec.HandlePacket(eventPacket(126, 5, true))

	if got := len(digits); got != 1 {
		t.Fatalf("expected exactly 1 digit, got %d", got)
	}
	if d := <-digits; d != '5' {
		t.Errorf("digit = %q, want '5'", d)
	}
}

func TestDecoderSameDigitPressedTwice(t *testing.T) {
	digits := make(chan rune, 4)
	dec := NewDTMFDecoder(126, digits)

	dec.HandlePacket(eventPacket(126, 7, false))
	dec.HandlePacket(eventPacket(126, 7, true))
	// Second press of the same key: the new start clears dedup state.
	dec.HandlePacket(eventPacket(126, 7, false))
	dec.HandlePacket(eventPacket(126, 7, true))

	if got := len(digits); got != 2 {
		t.Fatalf("expected 2 digits for 2 presses, got %d", got)
	}
}

func TestDecoderIgnoresOtherPayloadTypes(t *testing.T) {
	digits := make(chan rune, 4)
	dec := NewDTMFDecoder(126, digits)

	dec.HandlePacket(eventPacket(111, 3, true)) // opus payload type

	if got := len(digits); got != 0 {
		t.Fatalf("expected no digits from non-event packets, got %d", got)
	}
}

func TestDecoderDropsWhenBufferFull(t *testing.T) {
	digits := make(chan rune, 1)
	dec := NewDTMFDecoder(126, digits)

	dropped := 0
	dec.DropHook = func() { dropped++ }

	dec.HandlePacket(eventPacket(126, 1, true))
	dec.HandlePacket(eventPacket(126, 2, false))
	dec.HandlePacket(eventPacket(126, 2, true)) // buffer already holds '1'

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if d := <-digits; d != '1' {
		t.Errorf("buffered digit = %q, want '1'", d)
	}
}
