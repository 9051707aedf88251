package bridge

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// chanReader serves packets from a channel; a closed channel or the stop
// signal ends the stream.
type chanReader struct {
	ch   chan *rtp.Packet
	stop chan struct{}
}

func newChanReader(buf int) *chanReader {
	return &chanReader{ch: make(chan *rtp.Packet, buf), stop: make(chan struct{})}
}

func (r *chanReader) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt, ok := <-r.ch:
		if !ok {
			return nil, io.EOF
		}
		return pkt, nil
	default:
	}
	select {
	case pkt, ok := <-r.ch:
		if !ok {
			return nil, io.EOF
		}
		return pkt, nil
	case <-r.stop:
		return nil, io.EOF
	}
}

type chanWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (w *chanWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, p)
	return nil
}

func (w *chanWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

type memRecorder struct {
	mu     sync.Mutex
	caller [][]byte
	agent  [][]byte
	closed bool
}

func (r *memRecorder) WriteCaller(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller = append(r.caller, append([]byte(nil), p...))
	return nil
}

func (r *memRecorder) WriteAgent(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = append(r.agent, append([]byte(nil), p...))
	return nil
}

func (r *memRecorder) Ref() string { return "mem" }

func (r *memRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func pkt(seq uint16, payload byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq},
		Payload: []byte{payload},
	}
}

func waitCount(t *testing.T, w *chanWriter, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for w.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("writer has %d packets, want %d", w.count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeRelaysBothDirections(t *testing.T) {
	callerIn := newChanReader(8)
	agentIn := newChanReader(8)
	toAgent := &chanWriter{}
	toCaller := &chanWriter{}
	rec := &memRecorder{}

	for i := 0; i < 5; i++ {
		callerIn.ch <- pkt(uint16(100+i), byte(i))
	}
	for i := 0; i < 3; i++ {
		agentIn.ch <- pkt(uint16(200+i), byte(0x80+i))
	}

	b := New("call-1", callerIn, toAgent, agentIn, toCaller, rec)
	b.Start()

	waitCount(t, toAgent, 5)
	waitCount(t, toCaller, 3)

	close(callerIn.stop)
	close(agentIn.stop)

	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not shut down")
	}

	stats := b.GetStats()
	if stats.PacketsCallerToAgent != 5 || stats.PacketsAgentToCaller != 3 {
		t.Errorf("stats = %+v", stats)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.caller) != 5 || len(rec.agent) != 3 {
		t.Errorf("recorded %d/%d payloads, want 5/3", len(rec.caller), len(rec.agent))
	}
	if rec.caller[0][0] != 0 || rec.agent[0][0] != 0x80 {
		t.Error("recorded payloads out of order")
	}
}

func TestBridgeStopsWhenOneSideEnds(t *testing.T) {
	callerIn := newChanReader(4)
	agentIn := newChanReader(4)

	callerIn.ch <- pkt(1, 0xAA)
	close(callerIn.ch) // caller stream ends after one packet

	b := New("call-2", callerIn, &chanWriter{}, agentIn, &chanWriter{}, nil)
	b.Start()

	// The agent side is still blocked reading; the caller-side EOF must
	// stop the whole bridge, which unblocks nothing by itself, so the
	// agent reader also ends its stream.
	toAgentDone := make(chan struct{})
	go func() {
		<-time.After(50 * time.Millisecond)
		close(agentIn.stop)
		close(toAgentDone)
	}()

	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not shut down after caller EOF")
	}
	<-toAgentDone

	if b.GetStats().PacketsCallerToAgent != 1 {
		t.Errorf("caller packets = %d, want 1", b.GetStats().PacketsCallerToAgent)
	}
}

func TestBridgeStartAndStopIdempotent(t *testing.T) {
	callerIn := newChanReader(1)
	agentIn := newChanReader(1)

	b := New("call-3", callerIn, &chanWriter{}, agentIn, &chanWriter{}, nil)
	b.Start()
	b.Start() // second start is a no-op

	b.Stop()
	b.Stop()

	close(callerIn.stop)
	close(agentIn.stop)
	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func TestBridgeLossRate(t *testing.T) {
	callerIn := newChanReader(8)
	agentIn := newChanReader(1)

	// Sequence gap: 10, 11, 14 means two packets were lost.
	for _, seq := range []uint16{10, 11, 14} {
		callerIn.ch <- pkt(seq, 0)
	}

	toAgent := &chanWriter{}
	b := New("call-4", callerIn, toAgent, agentIn, &chanWriter{}, nil)
	b.Start()
	waitCount(t, toAgent, 3)

	close(callerIn.stop)
	close(agentIn.stop)
	<-b.Done()

	stats := b.GetStats()
	if stats.CallerLossRate <= 0 {
		t.Errorf("caller loss rate = %v, want > 0", stats.CallerLossRate)
	}
	if stats.AgentLossRate != 0 {
		t.Errorf("agent loss rate = %v, want 0", stats.AgentLossRate)
	}
}
