package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Player streams pre-recorded OGG/Opus audio into a caller-facing track,
// pacing one RTP packet per 20ms frame.
//
// One Player instance serves all playback on a call: menu greetings, replays
// after a flow transition, hold music. The sequence number and timestamp
// advance across every PlayFile/PlaySilence call on the instance, so the
// receiver never observes a counter reset mid-stream - a reset makes it treat
// continued audio as duplicated or lost packets. Exactly one Play* call may be
// active at a time; the instance lock serializes callers.
type Player struct {
	track RTPWriter
	codec Codec

	ssrc uint32
	seq  uint16
	ts   uint32

	stop     chan struct{}
	stopOnce sync.Once

	mu sync.Mutex
}

// NewPlayer creates an Opus player writing to the given track.
func NewPlayer(track RTPWriter) *Player {
	return &Player{
		track: track,
		codec: CodecOpus,
		ssrc:  GenerateSSRC(),
		seq:   GenerateSequenceStart(),
		ts:    GenerateTimestampStart(),
		stop:  make(chan struct{}),
	}
}

// PlayFile parses an OGG/Opus file and emits one RTP packet per Opus frame at
// the codec's 20ms cadence. Returns the number of packets sent. Returns early
// without error if Stop was called mid-playback; a malformed container yields
// an error before any packet is sent.
func (p *Player) PlayFile(path string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	reader := NewOggOpusReader(f)

	ticker := time.NewTicker(p.codec.FrameDur)
	defer ticker.Stop()

	sent := 0
	for {
		frame, err := reader.NextPacket()
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			if sent == 0 {
				return 0, fmt.Errorf("parse %s: %w", path, err)
			}
			slog.Warn("[Player] Truncated OGG stream", "file", path, "packets", sent, "error", err)
			return sent, nil
		}

		select {
		case <-p.stop:
			return sent, nil
		case <-ticker.C:
		}

		if err := p.writeFrame(frame); err != nil {
			return sent, fmt.Errorf("write track: %w", err)
		}
		sent++
	}
}

// PlayFileLoop repeats PlayFile until Stop is called. Used for hold music.
func (p *Player) PlayFileLoop(path string) error {
	for {
		if p.IsStopped() {
			return nil
		}
		if _, err := p.PlayFile(path); err != nil {
			return err
		}
	}
}

// PlaySilence emits minimal-payload Opus silence frames at the 20ms cadence
// for the given duration, keeping the media path alive between events.
func (p *Player) PlaySilence(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames := int(d / p.codec.FrameDur)

	ticker := time.NewTicker(p.codec.FrameDur)
	defer ticker.Stop()

	for i := 0; i < frames; i++ {
		select {
		case <-p.stop:
			return nil
		case <-ticker.C:
		}
		if err := p.writeFrame(OpusSilenceFrame); err != nil {
			return fmt.Errorf("write track: %w", err)
		}
	}
	return nil
}

// writeFrame sends one Opus frame and advances the RTP counters.
// Caller holds the instance lock.
func (p *Player) writeFrame(payload []byte) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.codec.PayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	if err := p.track.WriteRTP(pkt); err != nil {
		return err
	}

	p.seq++
	p.ts += p.codec.TimestampIncrement()
	return nil
}

// Stop signals any active and future playback to end. Idempotent.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// IsStopped reports whether Stop has been called.
func (p *Player) IsStopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// SequenceNumber returns the next sequence number that will be used.
func (p *Player) SequenceNumber() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Timestamp returns the next timestamp that will be used.
func (p *Player) Timestamp() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ts
}
