package media

import (
	"log/slog"

	"github.com/pion/rtp"
)

// DTMFDecoder extracts dialed digits from telephone-event RTP packets and
// delivers them on a bounded channel.
//
// Some providers carry DTMF on a dedicated track, others multiplex it with
// voice under a distinct payload type. The decoder only looks at the payload
// type, so it works for both delivery modes: feed it every packet read from
// the track and it ignores anything that is not a telephone event.
//
// A keypress arrives as a burst of packets for the same event, the last ones
// carrying the end bit - and the end packet is typically retransmitted for
// robustness. A digit is emitted on the first end-bit packet only; repeated
// end packets for the same event are ignored until a non-end packet clears
// the state (the start of the next press).
type DTMFDecoder struct {
	payloadType uint8
	digits      chan<- rune

	lastEvent uint8
	lastEnd   bool

	// DropHook, when set, is invoked each time a digit is discarded because
	// the channel is full.
	DropHook func()
}

// NewDTMFDecoder creates a decoder that sends digits to the given channel.
func NewDTMFDecoder(payloadType uint8, digits chan<- rune) *DTMFDecoder {
	return &DTMFDecoder{
		payloadType: payloadType,
		digits:      digits,
	}
}

// HandlePacket inspects one RTP packet and emits a digit if it completes a
// telephone event. The send is non-blocking: when the channel is full the
// digit is dropped and a warning logged, so a slow consumer can never stall
// the media-read loop.
func (d *DTMFDecoder) HandlePacket(pkt *rtp.Packet) {
	if pkt.PayloadType != d.payloadType {
		return
	}

	evt, err := DecodeDTMFEvent(pkt.Payload)
	if err != nil {
		return
	}

	if !evt.EndOfEvent {
		// Start or continuation of a press. Clears end-dedup state so a
		// second press of the same digit emits again.
		d.lastEvent = evt.Event
		d.lastEnd = false
		return
	}

	if d.lastEnd && evt.Event == d.lastEvent {
		// Retransmitted end packet for an already emitted digit.
		return
	}

	d.lastEvent = evt.Event
	d.lastEnd = true

	digit, ok := EventToDigit(evt.Event)
	if !ok {
		return
	}

	select {
	case d.digits <- digit:
	default:
		slog.Warn("[DTMF] Buffer full, digit dropped", "digit", string(digit))
		if d.DropHook != nil {
			d.DropHook()
		}
	}
}

// Reset clears the dedup state, e.g. when a track is replaced.
func (d *DTMFDecoder) Reset() {
	d.lastEvent = 0
	d.lastEnd = false
}
