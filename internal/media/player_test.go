package media

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// captureWriter records every packet written to it.
type captureWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (w *captureWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *p
	w.packets = append(w.packets, &cp)
	return nil
}

func (w *captureWriter) snapshot() []*rtp.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*rtp.Packet(nil), w.packets...)
}

// writeTestOgg creates an OGG/Opus file with n one-byte audio frames.
func writeTestOgg(t *testing.T, n int) string {
	t.Helper()

	var stream bytes.Buffer
	stream.Write(headerPages())

	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte{byte(i + 1)}
	}
	stream.Write(buildPage(frames...))

	path := filepath.Join(t.TempDir(), "test.ogg")
	if err := os.WriteFile(path, stream.Bytes(), 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path
}

func TestPlayerEmitsOnePacketPerFrame(t *testing.T) {
	path := writeTestOgg(t, 5)
	w := &captureWriter{}
	p := NewPlayer(w)

	sent, err := p.PlayFile(path)
	if err != nil {
		t.Fatalf("PlayFile: %v", err)
	}
	if sent != 5 {
		t.Errorf("sent = %d, want 5", sent)
	}
	if got := len(w.snapshot()); got != 5 {
		t.Errorf("packets written = %d, want 5", got)
	}
}

func TestPlayerSequenceMonotonicAcrossCalls(t *testing.T) {
	path := writeTestOgg(t, 3)
	w := &captureWriter{}
	p := NewPlayer(w)

	for i := 0; i < 3; i++ {
		if _, err := p.PlayFile(path); err != nil {
			t.Fatalf("PlayFile %d: %v", i, err)
		}
	}

	packets := w.snapshot()
	if len(packets) != 9 {
		t.Fatalf("packets = %d, want 9", len(packets))
	}

	// Strictly monotonic mod 2^16 across all three PlayFile calls, with a
	// constant timestamp stride.
	inc := CodecOpus.TimestampIncrement()
	for i := 1; i < len(packets); i++ {
		if diff := packets[i].SequenceNumber - packets[i-1].SequenceNumber; diff != 1 {
			t.Errorf("packet %d: sequence jumped by %d", i, diff)
		}
		if diff := packets[i].Timestamp - packets[i-1].Timestamp; diff != inc {
			t.Errorf("packet %d: timestamp advanced by %d, want %d", i, diff, inc)
		}
	}

	// Same SSRC throughout the call.
	for i, pkt := range packets {
		if pkt.SSRC != packets[0].SSRC {
			t.Errorf("packet %d: SSRC changed mid-call", i)
		}
	}
}

func TestPlayerSequenceWrap(t *testing.T) {
	path := writeTestOgg(t, 4)
	w := &captureWriter{}
	p := NewPlayer(w)
	p.seq = 0xFFFE // force a wrap inside the file

	if _, err := p.PlayFile(path); err != nil {
		t.Fatalf("PlayFile: %v", err)
	}

	packets := w.snapshot()
	want := []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001}
	for i, pkt := range packets {
		if pkt.SequenceNumber != want[i] {
			t.Errorf("packet %d: seq = %d, want %d", i, pkt.SequenceNumber, want[i])
		}
	}
}

func TestPlayerMalformedFileFailsBeforeFirstPacket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ogg")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := &captureWriter{}
	p := NewPlayer(w)

	sent, err := p.PlayFile(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if sent != 0 || len(w.snapshot()) != 0 {
		t.Errorf("packets emitted for malformed file: sent=%d written=%d", sent, len(w.snapshot()))
	}
}

func TestPlaySilenceCadence(t *testing.T) {
	w := &captureWriter{}
	p := NewPlayer(w)

	start := time.Now()
	if err := p.PlaySilence(100 * time.Millisecond); err != nil {
		t.Fatalf("PlaySilence: %v", err)
	}
	elapsed := time.Since(start)

	packets := w.snapshot()
	if len(packets) != 5 {
		t.Fatalf("packets = %d, want 5 for 100ms of 20ms frames", len(packets))
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("silence finished in %v, want one packet per frame period", elapsed)
	}

	inc := CodecOpus.TimestampIncrement()
	for i, pkt := range packets {
		if !bytes.Equal(pkt.Payload, OpusSilenceFrame) {
			t.Errorf("packet %d: payload % x, want the opus silence frame", i, pkt.Payload)
		}
		if i > 0 {
			if pkt.SequenceNumber-packets[i-1].SequenceNumber != 1 {
				t.Errorf("packet %d: sequence gap", i)
			}
			if pkt.Timestamp-packets[i-1].Timestamp != inc {
				t.Errorf("packet %d: timestamp stride", i)
			}
		}
	}

	// Playback after silence continues the same counters.
	path := writeTestOgg(t, 1)
	if _, err := p.PlayFile(path); err != nil {
		t.Fatalf("PlayFile: %v", err)
	}
	packets = w.snapshot()
	last, prev := packets[len(packets)-1], packets[len(packets)-2]
	if last.SequenceNumber-prev.SequenceNumber != 1 {
		t.Error("sequence reset between silence and file playback")
	}
}

func TestPlaySilenceStops(t *testing.T) {
	w := &captureWriter{}
	p := NewPlayer(w)

	done := make(chan error, 1)
	go func() { done <- p.PlaySilence(time.Hour) }()

	time.Sleep(60 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PlaySilence: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PlaySilence did not stop")
	}
}

func TestPlayerStopEndsLoop(t *testing.T) {
	path := writeTestOgg(t, 2)
	w := &captureWriter{}
	p := NewPlayer(w)

	done := make(chan error, 1)
	go func() { done <- p.PlayFileLoop(path) }()

	time.Sleep(90 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PlayFileLoop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PlayFileLoop did not stop")
	}

	if !p.IsStopped() {
		t.Error("IsStopped() = false after Stop")
	}
	p.Stop() // second call must be a no-op
}
