package media

// LossTracker follows the RTP sequence numbers of one relay direction and
// counts gaps. Sequence numbers are 16-bit and wrap at 65535; forward
// distance is computed with wrapping arithmetic per RFC 3550.
type LossTracker struct {
	primed   bool
	lastSeq  uint16
	received uint64
	lost     uint64
}

// Observe records one received sequence number and returns the packets lost
// since the previous one. Out-of-order and duplicate packets count as zero.
func (t *LossTracker) Observe(seq uint16) int {
	t.received++

	if !t.primed {
		t.primed = true
		t.lastSeq = seq
		return 0
	}

	diff := int16(seq - t.lastSeq)
	lost := 0
	if diff > 1 {
		lost = int(diff) - 1
		t.lost += uint64(lost)
	}
	if diff > 0 {
		t.lastSeq = seq
	}
	return lost
}

// Stats returns cumulative received and lost counts.
func (t *LossTracker) Stats() (received, lost uint64) {
	return t.received, t.lost
}

// LossRate returns the loss fraction in [0, 1].
func (t *LossTracker) LossRate() float64 {
	if t.received == 0 && t.lost == 0 {
		return 0
	}
	return float64(t.lost) / float64(t.received+t.lost)
}
