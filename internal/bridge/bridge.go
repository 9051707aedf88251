package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/media"
)

// Bridge relays RTP bidirectionally between two already-connected legs:
// the caller's remote track paired with the agent-facing local track, and
// vice versa. Both directions optionally tee into a Recorder sink.
//
// A bridge must only be started once any interim reader on the caller track
// has ceded control; the owner signals that hand-off before calling Start so
// two goroutines never race to read the same track.
type Bridge struct {
	ID string

	callerIn media.RTPReader // caller audio in
	toAgent  media.RTPWriter // forwarded to the agent
	agentIn  media.RTPReader // agent audio in
	toCaller media.RTPWriter // forwarded to the caller

	rec Recorder

	ctx      context.Context
	cancel   context.CancelFunc
	active   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	packetsCallerToAgent atomic.Int64
	packetsAgentToCaller atomic.Int64

	lossMu     sync.Mutex
	callerLoss media.LossTracker
	agentLoss  media.LossTracker
}

// Stats reports relay counters for one bridge.
type Stats struct {
	PacketsCallerToAgent int64
	PacketsAgentToCaller int64
	CallerLossRate       float64
	AgentLossRate        float64
}

// New creates a bridge between two legs. rec may be nil to disable recording.
func New(id string, callerIn media.RTPReader, toAgent media.RTPWriter, agentIn media.RTPReader, toCaller media.RTPWriter, rec Recorder) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ID:       id,
		callerIn: callerIn,
		toAgent:  toAgent,
		agentIn:  agentIn,
		toCaller: toCaller,
		rec:      rec,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches both relay directions. It returns immediately; the bridge
// runs until Stop is called or either side's read fails.
func (b *Bridge) Start() {
	if !b.active.CompareAndSwap(false, true) {
		return
	}

	slog.Info("[Bridge] Started", "bridge_id", b.ID, "recording", b.rec != nil)

	b.wg.Add(2)
	go b.relayCallerToAgent()
	go b.relayAgentToCaller()

	go func() {
		b.wg.Wait()
		close(b.done)
	}()
}

func (b *Bridge) relayCallerToAgent() {
	defer b.wg.Done()
	defer b.Stop()

	first := true
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		pkt, err := b.callerIn.ReadRTP()
		if err != nil {
			if b.ctx.Err() == nil {
				slog.Debug("[Bridge] Caller read failed", "bridge_id", b.ID, "error", err)
			}
			return
		}

		if first {
			slog.Debug("[Bridge] First caller packet", "bridge_id", b.ID, "size", len(pkt.Payload))
			first = false
		}

		b.lossMu.Lock()
		b.callerLoss.Observe(pkt.SequenceNumber)
		b.lossMu.Unlock()

		if b.rec != nil {
			_ = b.rec.WriteCaller(pkt.Payload)
		}

		if err := b.toAgent.WriteRTP(pkt); err != nil {
			if b.ctx.Err() == nil {
				slog.Debug("[Bridge] Agent write failed", "bridge_id", b.ID, "error", err)
			}
			return
		}
		b.packetsCallerToAgent.Add(1)
	}
}

func (b *Bridge) relayAgentToCaller() {
	defer b.wg.Done()
	defer b.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		pkt, err := b.agentIn.ReadRTP()
		if err != nil {
			if b.ctx.Err() == nil {
				slog.Debug("[Bridge] Agent read failed", "bridge_id", b.ID, "error", err)
			}
			return
		}

		b.lossMu.Lock()
		b.agentLoss.Observe(pkt.SequenceNumber)
		b.lossMu.Unlock()

		if b.rec != nil {
			_ = b.rec.WriteAgent(pkt.Payload)
		}

		if err := b.toCaller.WriteRTP(pkt); err != nil {
			if b.ctx.Err() == nil {
				slog.Debug("[Bridge] Caller write failed", "bridge_id", b.ID, "error", err)
			}
			return
		}
		b.packetsAgentToCaller.Add(1)
	}
}

// Stop halts both relay directions. Idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		stats := b.GetStats()
		slog.Info("[Bridge] Stopped",
			"bridge_id", b.ID,
			"caller_to_agent", stats.PacketsCallerToAgent,
			"agent_to_caller", stats.PacketsAgentToCaller,
		)
	})
}

// Done returns a channel closed once both relay goroutines have exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// GetStats returns current relay statistics.
func (b *Bridge) GetStats() Stats {
	b.lossMu.Lock()
	callerRate := b.callerLoss.LossRate()
	agentRate := b.agentLoss.LossRate()
	b.lossMu.Unlock()

	return Stats{
		PacketsCallerToAgent: b.packetsCallerToAgent.Load(),
		PacketsAgentToCaller: b.packetsAgentToCaller.Load(),
		CallerLossRate:       callerRate,
		AgentLossRate:        agentRate,
	}
}

// remoteTrackReader adapts a WebRTC remote track to media.RTPReader.
type remoteTrackReader struct {
	t *webrtc.TrackRemote
}

func (r remoteTrackReader) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

// WrapRemoteTrack exposes a remote track as an RTP reader.
func WrapRemoteTrack(t *webrtc.TrackRemote) media.RTPReader {
	return remoteTrackReader{t: t}
}
