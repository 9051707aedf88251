package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/bridge"
	"github.com/voxlane/callengine/internal/media"
	"github.com/voxlane/callengine/internal/metrics"
	"github.com/voxlane/callengine/internal/negotiate"
	"github.com/voxlane/callengine/internal/provider"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
)

// HandleCallEvent dispatches one provider webhook call event. Redelivered
// events are dropped via the dedup cache.
func (e *Engine) HandleCallEvent(ctx context.Context, orgID string, ev provider.CallEvent) {
	if ev.CallID == "" || ev.Event == "" {
		return
	}
	if e.dedup.Observe(orgID + "|" + ev.CallID + "|" + ev.Event) {
		slog.Debug("[Engine] Duplicate webhook event dropped",
			"call_id", ev.CallID, "event", ev.Event)
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Event).Inc()

	switch ev.Event {
	case provider.EventConnect:
		if ev.UserInitiated() && ev.SDPType == "offer" && ev.SDP != "" {
			go e.handleInboundConnect(context.Background(), orgID, ev)
			return
		}
		// connect on an outgoing call carries the async answer
		if ev.SDPType == "answer" && ev.SDP != "" {
			e.deliverAnswer(ctx, ev.CallID, ev.SDP)
		}

	case provider.EventRinging:
		if sess, ok := e.registry.Get(ev.CallID); ok {
			if err := sess.MarkRinging(); err == nil {
				e.pub.PublishAsync(e.builder.CallRinging(orgID, sess.ID,
					string(sess.Direction), sess.CallerPhone, sess.TargetPhone))
			}
		}

	case provider.EventAccepted, provider.EventInCall:
		if ev.SDPType == "answer" && ev.SDP != "" {
			e.deliverAnswer(ctx, ev.CallID, ev.SDP)
		}

	case provider.EventRejected:
		if sess, ok := e.registry.Get(ev.CallID); ok {
			e.pub.PublishAsync(e.builder.CallRejected(orgID, sess.ID, sess.TargetPhone, "remote_rejected"))
			e.EndSession(ctx, sess, "rejected")
		}

	case provider.EventEnded, provider.EventTerminated:
		if sess, ok := e.registry.Get(ev.CallID); ok {
			e.EndSession(ctx, sess, "normal")
		}

	default:
		slog.Debug("[Engine] Unhandled call event",
			"call_id", ev.CallID, "event", ev.Event)
	}
}

// handleInboundConnect runs the full inbound pipeline: negotiate, two-step
// provider accept, connected-transport wait, then IVR start.
func (e *Engine) handleInboundConnect(ctx context.Context, orgID string, ev provider.CallEvent) {
	offerAt := time.Now()

	callerPhone, err := provider.NormalizePhone(ev.From, e.cfg.DefaultRegion)
	if err != nil {
		slog.Warn("[Engine] Caller number unparseable, keeping raw",
			"call_id", ev.CallID, "from", ev.From, "error", err)
		callerPhone = ev.From
	}

	sess := session.New(ev.CallID, orgID, session.DirectionInbound, e.cfg.DTMFBufferSize)
	sess.CallerPhone = callerPhone
	if !e.registry.Put(sess) {
		slog.Warn("[Engine] Session already registered", "call_id", ev.CallID)
		return
	}
	metrics.ActiveSessions.Set(float64(e.registry.Count()))

	slog.Info("[Engine] Inbound call",
		"call_id", ev.CallID, "org_id", orgID, "from", callerPhone)

	cl := &store.CallLog{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		CallID:      ev.CallID,
		Direction:   string(session.DirectionInbound),
		CallerPhone: callerPhone,
		Status:      "initiating",
		StartedAt:   time.Now().UTC(),
	}
	if err := e.st.CreateCallLog(ctx, cl); err != nil {
		slog.Error("[Engine] Call log create failed", "call_id", ev.CallID, "error", err)
	} else {
		sess.CallLogID = cl.ID
	}

	answer, err := e.negotiateCallerLeg(ctx, sess, ev.SDP)
	if err != nil {
		slog.Error("[Engine] Inbound negotiation failed",
			"call_id", ev.CallID, "error", err)
		e.rejectInbound(ctx, orgID, ev.CallID, callerPhone, "negotiation_failed")
		e.EndSession(ctx, sess, "media_error")
		return
	}

	client, err := e.clientFor(ctx, orgID)
	if err != nil {
		slog.Error("[Engine] No provider credentials", "org_id", orgID, "error", err)
		e.EndSession(ctx, sess, "error")
		return
	}

	// Pre-accept ships the answer early so DTLS/ICE can start before the
	// caller-visible accept.
	if err := client.PreAcceptCall(ctx, ev.CallID, answer); err != nil {
		slog.Error("[Engine] Pre-accept failed", "call_id", ev.CallID, "error", err)
		e.EndSession(ctx, sess, "error")
		return
	}
	if err := client.AcceptCall(ctx, ev.CallID, answer); err != nil {
		slog.Error("[Engine] Accept failed", "call_id", ev.CallID, "error", err)
		e.EndSession(ctx, sess, "error")
		return
	}

	conn := e.takeConn(sess.ID)
	if err := conn.WaitConnected(ctx); err != nil {
		slog.Error("[Engine] Transport never connected",
			"call_id", ev.CallID, "error", err)
		e.EndSession(ctx, sess, "media_error")
		return
	}

	_ = sess.MarkRinging()
	if err := sess.MarkAnswered(); err != nil {
		slog.Warn("[Engine] Answer transition refused", "call_id", ev.CallID, "error", err)
		return
	}
	setup := time.Since(offerAt)
	metrics.CallSetupSeconds.Observe(setup.Seconds())
	if sess.CallLogID != "" {
		if err := e.st.MarkCallAnswered(ctx, sess.CallLogID, time.Now().UTC()); err != nil {
			slog.Error("[Engine] Call log answer update failed",
				"call_id", ev.CallID, "error", err)
		}
	}

	sess.Player = media.NewPlayer(sess.CallerTrack)

	// A short silence burst opens the outbound stream before the first
	// greeting, so the caller's jitter buffer settles on our timing.
	if err := sess.Player.PlaySilence(100 * time.Millisecond); err != nil {
		slog.Warn("[Engine] Silence priming failed", "call_id", sess.ID, "error", err)
	}

	if e.cfg.RecordingDir != "" {
		rec, err := bridge.NewFileRecorder(e.cfg.RecordingDir, sess.ID)
		if err != nil {
			slog.Warn("[Engine] Recorder unavailable", "call_id", sess.ID, "error", err)
		} else {
			sess.Recorder = rec
		}
	}

	go e.pumpCallerTrack(sess)

	flow, err := e.defaultFlow(ctx, orgID)
	if err != nil {
		slog.Error("[Engine] No flow for org", "org_id", orgID, "error", err)
		e.EndSession(ctx, sess, "error")
		return
	}
	sess.FlowID = flow.ID

	e.pub.PublishAsync(e.builder.CallAnswered(orgID, sess.ID,
		string(sess.Direction), flow.ID, setup.Milliseconds()))

	go e.ivr.Run(sess.Context(), sess, flow, sess.Player)
}

// negotiateCallerLeg builds the caller-facing peer connection and returns
// the local SDP answer.
func (e *Engine) negotiateCallerLeg(ctx context.Context, sess *session.Session, offerSDP string) (string, error) {
	if err := negotiate.ValidateOffer(offerSDP); err != nil {
		return "", err
	}

	conn, err := e.neg.NewConnection(sess.ID, "caller")
	if err != nil {
		return "", err
	}
	e.trackConn(sess.ID, conn)

	track, err := conn.AddOutputTrack("audio", "callengine")
	if err != nil {
		conn.Close()
		return "", err
	}

	conn.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		switch {
		case t.Codec().MimeType == webrtc.MimeTypeOpus:
			sess.SetCallerRemote(t)
		case uint8(t.PayloadType()) == media.CodecTelephoneEvent.PayloadType:
			// Dedicated telephone-event track: decode it directly.
			go e.pumpEventTrack(sess, t)
		}
	})

	conn.OnDown(func() {
		if !sess.Terminal() {
			e.EndSession(context.Background(), sess, "media_error")
		}
	})

	answer, err := conn.AnswerOffer(ctx, offerSDP)
	if err != nil {
		conn.Close()
		return "", err
	}

	sess.SetCallerMedia(conn.PC(), track)
	return answer, nil
}

// pumpCallerTrack reads the caller's audio track, feeding DTMF packets that
// arrive multiplexed on the audio stream to the decoder and discarding the
// voice payload. It cedes the track to the bridge once the hand-off signal
// fires; the poll happens between reads so the bridge never races it.
func (e *Engine) pumpCallerTrack(sess *session.Session) {
	select {
	case <-sess.CallerTrackSeen.Done():
	case <-sess.Context().Done():
		return
	}

	dec := media.NewDTMFDecoder(media.CodecTelephoneEvent.PayloadType, sess.Digits)
	dec.DropHook = metrics.DTMFDigitsDropped.Inc

	for {
		if sess.BridgeStarted.Fired() {
			slog.Debug("[Engine] Caller track ceded to bridge", "call_id", sess.ID)
			return
		}

		pkt, _, err := sess.CallerRemote.ReadRTP()
		if err != nil {
			if !sess.Terminal() {
				slog.Debug("[Engine] Caller track read ended",
					"call_id", sess.ID, "error", err)
			}
			return
		}
		dec.HandlePacket(pkt)
	}
}

// pumpEventTrack decodes a dedicated RFC 4733 track into the same digit
// channel the multiplexed path feeds.
func (e *Engine) pumpEventTrack(sess *session.Session, t *webrtc.TrackRemote) {
	dec := media.NewDTMFDecoder(uint8(t.PayloadType()), sess.Digits)
	dec.DropHook = metrics.DTMFDigitsDropped.Inc

	for {
		if sess.Terminal() {
			return
		}
		pkt, _, err := t.ReadRTP()
		if err != nil {
			return
		}
		dec.HandlePacket(pkt)
	}
}

// deliverAnswer applies the async SDP answer to an outgoing call's provider
// leg. Duplicate deliveries are ignored via the AnswerDelivered signal.
func (e *Engine) deliverAnswer(ctx context.Context, callID, answerSDP string) {
	sess, ok := e.registry.Get(callID)
	if !ok {
		slog.Warn("[Engine] Answer for unknown call", "call_id", callID)
		return
	}
	if !sess.AnswerDelivered.FireFirst() {
		return
	}

	conn := e.takeConn(callID)
	if conn == nil {
		slog.Error("[Engine] No provider leg for answer", "call_id", callID)
		e.EndSession(ctx, sess, "error")
		return
	}
	if err := conn.ApplyAnswer(answerSDP); err != nil {
		slog.Error("[Engine] Applying async answer failed",
			"call_id", callID, "error", err)
		e.EndSession(ctx, sess, "media_error")
		return
	}
	slog.Info("[Engine] Async answer applied", "call_id", callID)
}
