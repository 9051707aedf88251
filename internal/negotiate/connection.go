package negotiate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// Connection wraps one peer connection with bounded negotiation waits and
// single-fire connected/failed signals.
type Connection struct {
	pc     *webrtc.PeerConnection
	callID string
	leg    string
	cfg    Config

	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan struct{}
	failedOnce    sync.Once

	mu        sync.Mutex
	downFn    func()
	closeOnce sync.Once
}

// PC exposes the underlying peer connection.
func (c *Connection) PC() *webrtc.PeerConnection {
	return c.pc
}

// OnDown registers a callback fired once when the transport fails or closes.
func (c *Connection) OnDown(fn func()) {
	c.mu.Lock()
	c.downFn = fn
	c.mu.Unlock()
}

func (c *Connection) onDown() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downFn
}

// handleStateChange resolves the connected and failed signals from transport
// state transitions. Disconnected counts as down: a dropped leg ends the
// call immediately instead of waiting out the ICE failure timer.
func (c *Connection) handleStateChange(state webrtc.PeerConnectionState) {
	slog.Info("[Negotiate] Connection state changed",
		"call_id", c.callID, "leg", c.leg, "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() { close(c.connected) })
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		c.failedOnce.Do(func() { close(c.failed) })
		if fn := c.onDown(); fn != nil {
			fn()
		}
	}
}

// AddOutputTrack attaches a local Opus track and drains its RTCP stream.
func (c *Connection) AddOutputTrack(trackID, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus,
	}, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("creating local track: %w", err)
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("adding local track: %w", err)
	}

	// RTCP must be drained or the interceptor buffers fill.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return track, nil
}

// OnRemoteTrack registers a handler for inbound audio tracks.
func (c *Connection) OnRemoteTrack(fn func(track *webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Debug("[Negotiate] Remote track received",
			"call_id", c.callID, "leg", c.leg,
			"codec", track.Codec().MimeType, "payload_type", track.PayloadType())
		fn(track)
	})
}

// AnswerOffer applies a remote offer and produces a local answer with
// gathered candidates. The gathering wait is bounded; on timeout the answer
// ships with whatever candidates arrived.
func (c *Connection) AnswerOffer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  CleanSDP(offerSDP),
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}

	c.waitGathering(ctx)

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

// CreateOffer produces a local offer with gathered candidates for the
// outgoing call leg.
func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer: %w", err)
	}

	c.waitGathering(ctx)

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

// ApplyAnswer applies the remote answer delivered asynchronously by the
// provider for an outgoing call.
func (c *Connection) ApplyAnswer(answerSDP string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  CleanSDP(answerSDP),
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (c *Connection) waitGathering(ctx context.Context) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	select {
	case <-gatherComplete:
	case <-time.After(c.cfg.GatherTimeout):
		slog.Warn("[Negotiate] ICE gathering timeout, answering with partial candidates",
			"call_id", c.callID, "leg", c.leg)
	case <-ctx.Done():
	}
}

// WaitConnected blocks until the transport connects, fails, or the bounded
// timeout elapses.
func (c *Connection) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.failed:
		return fmt.Errorf("transport failed before connecting")
	case <-time.After(c.cfg.ConnectTimeout):
		return fmt.Errorf("timed out waiting for transport connect")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the peer connection. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
	})
	return err
}
