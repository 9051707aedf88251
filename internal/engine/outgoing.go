package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/bridge"
	"github.com/voxlane/callengine/internal/metrics"
	"github.com/voxlane/callengine/internal/negotiate"
	"github.com/voxlane/callengine/internal/provider"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
)

// StartOutgoingCall places a call from an agent's browser to a phone number.
// Two peer connections are built: one answering the agent's offer, one
// offering toward the provider. The agent's SDP answer is returned
// synchronously; the provider leg connects asynchronously once the callee
// accepts and the answer webhook arrives.
func (e *Engine) StartOutgoingCall(ctx context.Context, orgID, targetPhone, agentID, agentOffer string) (string, string, error) {
	phone, err := provider.NormalizePhone(targetPhone, e.cfg.DefaultRegion)
	if err != nil {
		return "", "", err
	}
	if err := negotiate.ValidateOffer(agentOffer); err != nil {
		return "", "", fmt.Errorf("agent offer: %w", err)
	}

	client, err := e.clientFor(ctx, orgID)
	if err != nil {
		return "", "", fmt.Errorf("resolving provider credentials: %w", err)
	}

	// Session ID is provisional until the provider assigns the call ID.
	sess := session.New(uuid.New().String(), orgID, session.DirectionOutgoing, e.cfg.DTMFBufferSize)
	sess.TargetPhone = phone

	// Agent leg: answer the browser's offer.
	agentConn, err := e.neg.NewConnection(sess.ID, "agent")
	if err != nil {
		return "", "", err
	}
	agentTrack, err := agentConn.AddOutputTrack("audio", "callengine-agent")
	if err != nil {
		agentConn.Close()
		return "", "", err
	}
	agentConn.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		if t.Codec().MimeType == webrtc.MimeTypeOpus {
			sess.SetAgentRemote(t)
		}
	})
	agentAnswer, err := agentConn.AnswerOffer(ctx, agentOffer)
	if err != nil {
		agentConn.Close()
		return "", "", fmt.Errorf("answering agent offer: %w", err)
	}
	sess.SetAgentMedia(agentConn.PC(), agentTrack)

	// Provider leg: offer toward the callee's device.
	provConn, err := e.neg.NewConnection(sess.ID, "provider")
	if err != nil {
		agentConn.Close()
		return "", "", err
	}
	provTrack, err := provConn.AddOutputTrack("audio", "callengine")
	if err != nil {
		agentConn.Close()
		provConn.Close()
		return "", "", err
	}
	provConn.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		if t.Codec().MimeType == webrtc.MimeTypeOpus {
			sess.SetCallerRemote(t)
		}
	})
	offer, err := provConn.CreateOffer(ctx)
	if err != nil {
		agentConn.Close()
		provConn.Close()
		return "", "", fmt.Errorf("creating provider offer: %w", err)
	}
	sess.SetCallerMedia(provConn.PC(), provTrack)

	callID, err := client.InitiateCall(ctx, phone, offer)
	if err != nil {
		agentConn.Close()
		provConn.Close()
		return "", "", fmt.Errorf("initiating call: %w", err)
	}

	// Rebind the session under the provider-assigned ID.
	sess.ID = callID
	if !e.registry.Put(sess) {
		agentConn.Close()
		provConn.Close()
		return "", "", fmt.Errorf("call %s already registered", callID)
	}
	e.trackConn(callID, provConn)
	metrics.ActiveSessions.Set(float64(e.registry.Count()))

	provConn.OnDown(func() {
		if !sess.Terminal() {
			e.EndSession(context.Background(), sess, "media_error")
		}
	})

	cl := &store.CallLog{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		CallID:      callID,
		Direction:   string(session.DirectionOutgoing),
		TargetPhone: phone,
		ContactID:   "",
		Status:      "initiating",
		StartedAt:   time.Now().UTC(),
	}
	if err := e.st.CreateCallLog(ctx, cl); err != nil {
		slog.Error("[Engine] Call log create failed", "call_id", callID, "error", err)
	} else {
		sess.CallLogID = cl.ID
	}

	slog.Info("[Engine] Outgoing call placed",
		"call_id", callID, "org_id", orgID, "to", phone, "agent_id", agentID)

	go e.superviseOutgoing(sess, provConn)

	return callID, agentAnswer, nil
}

// superviseOutgoing waits (bounded) for the async answer and connected
// transport, then bridges agent audio to the callee.
func (e *Engine) superviseOutgoing(sess *session.Session, provConn *negotiate.Connection) {
	ctx := sess.Context()

	select {
	case <-sess.AnswerDelivered.Done():
	case <-time.After(e.cfg.AnswerWaitTimeout):
		slog.Info("[Engine] Outgoing call never answered", "call_id", sess.ID)
		e.EndSession(context.Background(), sess, "no_answer")
		return
	case <-ctx.Done():
		return
	}

	if err := provConn.WaitConnected(ctx); err != nil {
		slog.Error("[Engine] Provider transport never connected",
			"call_id", sess.ID, "error", err)
		e.EndSession(context.Background(), sess, "media_error")
		return
	}

	_ = sess.MarkRinging()
	if err := sess.MarkAnswered(); err != nil {
		return
	}
	if sess.CallLogID != "" {
		if err := e.st.MarkCallAnswered(ctx, sess.CallLogID, time.Now().UTC()); err != nil {
			slog.Error("[Engine] Call log answer update failed",
				"call_id", sess.ID, "error", err)
		}
	}
	e.pub.PublishAsync(e.builder.CallAnswered(sess.OrgID, sess.ID,
		string(sess.Direction), "", 0))

	// Both remote tracks must exist before relaying.
	select {
	case <-sess.CallerTrackSeen.Done():
	case <-time.After(e.cfg.AgentTrackTimeout):
		slog.Error("[Engine] Callee audio track never arrived", "call_id", sess.ID)
		e.EndSession(context.Background(), sess, "media_error")
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-sess.AgentTrackReady.Done():
	case <-time.After(e.cfg.AgentTrackTimeout):
		slog.Error("[Engine] Agent audio track never arrived", "call_id", sess.ID)
		e.EndSession(context.Background(), sess, "media_error")
		return
	case <-ctx.Done():
		return
	}

	if err := sess.MarkBridged(); err != nil {
		return
	}
	sess.BridgeStarted.Fire()

	if e.cfg.RecordingDir != "" {
		rec, err := bridge.NewFileRecorder(e.cfg.RecordingDir, sess.ID)
		if err != nil {
			slog.Warn("[Engine] Recorder unavailable", "call_id", sess.ID, "error", err)
		} else {
			sess.Recorder = rec
		}
	}

	br := bridge.New(sess.ID,
		bridge.WrapRemoteTrack(sess.CallerRemote), sess.AgentTrack,
		bridge.WrapRemoteTrack(sess.AgentRemote), sess.CallerTrack,
		sess.Recorder)
	sess.Bridge = br
	br.Start()
	go bridgeStatsLoop(br)

	slog.Info("[Engine] Outgoing call bridged", "call_id", sess.ID)
}
