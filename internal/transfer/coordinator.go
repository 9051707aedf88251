// Package transfer coordinates agent hand-off: hold audio, claim
// linearization, timeout, and bridge start.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/bridge"
	"github.com/voxlane/callengine/internal/events"
	"github.com/voxlane/callengine/internal/metrics"
	"github.com/voxlane/callengine/internal/negotiate"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
)

// CallEnder terminates a session end to end, including the provider leg.
// Implemented by the engine to avoid a dependency cycle.
type CallEnder interface {
	EndSession(ctx context.Context, sess *session.Session, reason string)
}

// Coordinator manages every transfer attempt across sessions.
type Coordinator struct {
	registry *session.Registry
	st       store.TransferStore
	neg      *negotiate.Negotiator
	pub      events.Publisher
	builder  *events.Builder
	ender    CallEnder

	holdFile          string
	waitTimeout       time.Duration
	agentTrackTimeout time.Duration
}

// Config carries the coordinator's tunables.
type Config struct {
	// HoldFile is the OGG/Opus asset looped while a caller waits.
	HoldFile string
	// WaitTimeout bounds how long a transfer may sit unclaimed.
	WaitTimeout time.Duration
	// AgentTrackTimeout bounds the wait for the agent's inbound audio.
	AgentTrackTimeout time.Duration
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(reg *session.Registry, st store.TransferStore, neg *negotiate.Negotiator, pub events.Publisher, builder *events.Builder, ender CallEnder, cfg Config) *Coordinator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	if cfg.AgentTrackTimeout <= 0 {
		cfg.AgentTrackTimeout = 10 * time.Second
	}
	return &Coordinator{
		registry:          reg,
		st:                st,
		neg:               neg,
		pub:               pub,
		builder:           builder,
		ender:             ender,
		holdFile:          cfg.HoldFile,
		waitTimeout:       cfg.WaitTimeout,
		agentTrackTimeout: cfg.AgentTrackTimeout,
	}
}

// Initiate parks the caller on hold and opens the transfer for claiming.
// Returns the transfer ID.
func (c *Coordinator) Initiate(ctx context.Context, sess *session.Session, teamID string) (string, error) {
	transferID := uuid.New().String()

	if err := sess.BeginTransfer(transferID); err != nil {
		return "", err
	}

	rec := &store.TransferRecord{
		ID:          transferID,
		OrgID:       sess.OrgID,
		CallID:      sess.ID,
		CallLogID:   sess.CallLogID,
		State:       session.TransferWaiting,
		RequestedAt: time.Now().UTC(),
	}
	if err := c.st.CreateTransfer(ctx, rec); err != nil {
		return "", fmt.Errorf("persisting transfer: %w", err)
	}

	c.registry.BindTransfer(transferID, sess.ID)

	if err := sess.MarkTransferring(); err != nil {
		return "", fmt.Errorf("marking session transferring: %w", err)
	}

	// Hold audio loops on the caller's existing player until claim,
	// timeout, or abandonment stops it.
	if c.holdFile != "" && sess.Player != nil {
		go func() {
			if err := sess.Player.PlayFileLoop(c.holdFile); err != nil {
				slog.Warn("[Transfer] Hold audio stopped with error",
					"transfer_id", transferID, "error", err)
			}
		}()
	}

	timeoutCtx, cancel := context.WithCancel(sess.Context())
	sess.SetTransferTimeoutCancel(cancel)
	go c.watchTimeout(timeoutCtx, transferID, sess)

	slog.Info("[Transfer] Waiting for agent",
		"call_id", sess.ID, "transfer_id", transferID, "team_id", teamID,
		"timeout", c.waitTimeout)

	c.pub.PublishAsync(c.builder.Transfer(events.TransferWaiting, sess.OrgID, sess.ID, transferID, ""))
	return transferID, nil
}

func (c *Coordinator) watchTimeout(ctx context.Context, transferID string, sess *session.Session) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.waitTimeout):
	}

	if !sess.ResolveTransfer(session.TransferNoAnswer) {
		return
	}

	slog.Info("[Transfer] Unclaimed past timeout",
		"call_id", sess.ID, "transfer_id", transferID)

	if sess.Player != nil {
		sess.Player.Stop()
	}
	if err := c.st.UpdateTransferState(context.Background(), transferID, session.TransferNoAnswer, "", time.Now().UTC()); err != nil {
		slog.Error("[Transfer] State update failed",
			"transfer_id", transferID, "state", session.TransferNoAnswer, "error", err)
	}
	c.pub.PublishAsync(c.builder.Transfer(events.TransferNoAnswer, sess.OrgID, sess.ID, transferID, ""))
	metrics.TransfersTotal.WithLabelValues(session.TransferNoAnswer).Inc()

	c.ender.EndSession(context.Background(), sess, "no_answer")
}

// Claim atomically hands the transfer to one agent. Exactly one concurrent
// claimer wins; the rest get session.ErrTransferNotWaiting. On success the
// agent's SDP answer is returned.
func (c *Coordinator) Claim(ctx context.Context, transferID, agentID, agentOffer string) (string, error) {
	sess, ok := c.registry.GetByTransfer(transferID)
	if !ok {
		return "", fmt.Errorf("transfer %s: %w", transferID, store.ErrNotFound)
	}

	if err := sess.ClaimTransfer(); err != nil {
		return "", err
	}

	slog.Info("[Transfer] Claimed",
		"call_id", sess.ID, "transfer_id", transferID, "agent_id", agentID)

	answer, err := c.connectAgent(ctx, sess, agentOffer)
	if err != nil {
		slog.Error("[Transfer] Agent leg failed after claim",
			"call_id", sess.ID, "transfer_id", transferID, "error", err)
		c.failClaim(ctx, sess, transferID)
		c.ender.EndSession(context.Background(), sess, "media_error")
		return "", err
	}

	now := time.Now().UTC()
	if err := c.st.UpdateTransferState(ctx, transferID, session.TransferConnected, agentID, now); err != nil {
		slog.Error("[Transfer] State update failed",
			"transfer_id", transferID, "state", session.TransferConnected, "error", err)
	}

	// Hold stops and the interim caller-track reader cedes before the
	// bridge takes over both tracks.
	if sess.Player != nil {
		sess.Player.Stop()
	}
	sess.CancelTransferTimeout()
	sess.BridgeStarted.Fire()

	if err := sess.MarkBridged(); err != nil {
		slog.Warn("[Transfer] Bridge transition refused",
			"call_id", sess.ID, "error", err)
	}

	br := bridge.New(sess.ID,
		bridge.WrapRemoteTrack(sess.CallerRemote), sess.AgentTrack,
		bridge.WrapRemoteTrack(sess.AgentRemote), sess.CallerTrack,
		sess.Recorder)
	sess.Bridge = br
	br.Start()

	ev := c.builder.Transfer(events.TransferConnected, sess.OrgID, sess.ID, transferID, agentID)
	if rec, err := c.st.GetTransfer(ctx, transferID); err == nil {
		ev.HoldSeconds = int64(now.Sub(rec.RequestedAt).Seconds())
	}
	c.pub.PublishAsync(ev)

	return answer, nil
}

// failClaim rolls a claimed transfer whose agent leg never established into
// the failed terminal state. Without this the claim-side CAS would leave the
// transfer "connected" and a later End would record a hand-off that never
// carried media as completed.
func (c *Coordinator) failClaim(ctx context.Context, sess *session.Session, transferID string) {
	if !sess.FailTransfer() {
		return
	}
	if sess.Player != nil {
		sess.Player.Stop()
	}
	sess.CancelTransferTimeout()

	if err := c.st.UpdateTransferState(ctx, transferID, session.TransferFailed, "", time.Now().UTC()); err != nil {
		slog.Error("[Transfer] State update failed",
			"transfer_id", transferID, "state", session.TransferFailed, "error", err)
	}
	c.pub.PublishAsync(c.builder.Transfer(events.TransferFailed, sess.OrgID, sess.ID, transferID, ""))
	metrics.TransfersTotal.WithLabelValues(session.TransferFailed).Inc()
}

// connectAgent builds the agent-facing peer connection and waits (bounded)
// for the agent's inbound audio track.
func (c *Coordinator) connectAgent(ctx context.Context, sess *session.Session, agentOffer string) (string, error) {
	if err := negotiate.ValidateOffer(agentOffer); err != nil {
		return "", err
	}

	conn, err := c.neg.NewConnection(sess.ID, "agent")
	if err != nil {
		return "", err
	}

	track, err := conn.AddOutputTrack("audio", "callengine-agent")
	if err != nil {
		conn.Close()
		return "", err
	}

	conn.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		if t.Codec().MimeType == webrtc.MimeTypeOpus {
			sess.SetAgentRemote(t)
		}
	})

	answer, err := conn.AnswerOffer(ctx, agentOffer)
	if err != nil {
		conn.Close()
		return "", err
	}

	sess.SetAgentMedia(conn.PC(), track)

	select {
	case <-sess.AgentTrackReady.Done():
	case <-time.After(c.agentTrackTimeout):
		return "", fmt.Errorf("timed out waiting for agent audio track")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return answer, nil
}

// Abandon resolves a waiting transfer when the caller hangs up on hold.
// The call itself is already ending through the caller's hangup path.
func (c *Coordinator) Abandon(ctx context.Context, sess *session.Session) {
	transferID := sess.TransferID()
	if transferID == "" {
		return
	}
	if !sess.ResolveTransfer(session.TransferAbandoned) {
		return
	}

	slog.Info("[Transfer] Abandoned by caller",
		"call_id", sess.ID, "transfer_id", transferID)

	if sess.Player != nil {
		sess.Player.Stop()
	}
	sess.CancelTransferTimeout()

	if err := c.st.UpdateTransferState(ctx, transferID, session.TransferAbandoned, "", time.Now().UTC()); err != nil {
		slog.Error("[Transfer] State update failed",
			"transfer_id", transferID, "state", session.TransferAbandoned, "error", err)
	}
	c.pub.PublishAsync(c.builder.Transfer(events.TransferAbandoned, sess.OrgID, sess.ID, transferID, ""))
	metrics.TransfersTotal.WithLabelValues(session.TransferAbandoned).Inc()
}

// End completes a connected transfer: stops the bridge, records talk
// duration, and emits the completion event. Idempotent; only the first
// caller observes the connected→completed transition.
func (c *Coordinator) End(ctx context.Context, sess *session.Session) {
	transferID := sess.TransferID()
	if transferID == "" {
		return
	}
	if !sess.CompleteTransfer() {
		return
	}

	if sess.Bridge != nil {
		sess.Bridge.Stop()
	}
	sess.CancelTransferTimeout()

	now := time.Now().UTC()
	if err := c.st.UpdateTransferState(ctx, transferID, session.TransferCompleted, "", now); err != nil {
		slog.Error("[Transfer] State update failed",
			"transfer_id", transferID, "state", session.TransferCompleted, "error", err)
	}

	ev := c.builder.Transfer(events.TransferCompleted, sess.OrgID, sess.ID, transferID, "")
	if rec, err := c.st.GetTransfer(ctx, transferID); err == nil {
		ev.AgentID = rec.AgentID
		if rec.ConnectedAt != nil {
			ev.TalkSeconds = int64(now.Sub(*rec.ConnectedAt).Seconds())
			if !rec.RequestedAt.IsZero() {
				ev.HoldSeconds = int64(rec.ConnectedAt.Sub(rec.RequestedAt).Seconds())
			}
		}
	}
	c.pub.PublishAsync(ev)
	metrics.TransfersTotal.WithLabelValues(session.TransferCompleted).Inc()

	slog.Info("[Transfer] Completed",
		"call_id", sess.ID, "transfer_id", transferID,
		"talk_seconds", ev.TalkSeconds)
}
