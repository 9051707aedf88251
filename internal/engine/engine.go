// Package engine orchestrates call lifecycles: it consumes provider webhook
// events, negotiates media, runs the IVR, and owns session teardown.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxlane/callengine/internal/bridge"
	"github.com/voxlane/callengine/internal/config"
	"github.com/voxlane/callengine/internal/events"
	"github.com/voxlane/callengine/internal/ivr"
	"github.com/voxlane/callengine/internal/metrics"
	"github.com/voxlane/callengine/internal/negotiate"
	"github.com/voxlane/callengine/internal/provider"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
	"github.com/voxlane/callengine/internal/transfer"
)

// ClientFactory builds a provider client from resolved credentials.
// Swappable in tests.
type ClientFactory func(baseURL, phoneNumberID, accessToken string) provider.CallClient

// Engine is the call orchestrator. One instance serves all tenants.
type Engine struct {
	cfg      *config.Config
	registry *session.Registry
	st       store.Store
	neg      *negotiate.Negotiator
	pub      events.Publisher
	builder  *events.Builder
	coord    *transfer.Coordinator
	ivr      *ivr.Engine
	dedup    *dedupCache

	newClient ClientFactory

	mu      sync.Mutex
	clients map[string]provider.CallClient   // org ID -> cached client
	conns   map[string]*negotiate.Connection // call ID -> caller/provider leg
}

// New wires the engine and its transfer coordinator.
func New(cfg *config.Config, registry *session.Registry, st store.Store, neg *negotiate.Negotiator, pub events.Publisher) *Engine {
	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		st:        st,
		neg:       neg,
		pub:       pub,
		builder:   events.NewBuilder(cfg.NodeID),
		dedup:     newDedupCache(5 * time.Minute),
		newClient: defaultClientFactory,
		clients:   make(map[string]provider.CallClient),
		conns:     make(map[string]*negotiate.Connection),
	}

	// Hold music is configured relative to the audio directory, like
	// flow greetings.
	holdFile := ""
	if cfg.HoldMusicFile != "" {
		holdFile = filepath.Join(cfg.AudioDir, cfg.HoldMusicFile)
	}
	e.coord = transfer.NewCoordinator(registry, st, neg, pub, e.builder, e, transfer.Config{
		HoldFile:          holdFile,
		WaitTimeout:       cfg.TransferTimeout,
		AgentTrackTimeout: cfg.AgentTrackTimeout,
	})
	e.ivr = ivr.NewEngine(e, e, cfg.AudioDir)
	return e
}

func defaultClientFactory(baseURL, phoneNumberID, accessToken string) provider.CallClient {
	return provider.NewGraphClient(baseURL, phoneNumberID, accessToken)
}

// SetClientFactory overrides provider client construction (tests).
func (e *Engine) SetClientFactory(f ClientFactory) {
	e.newClient = f
	e.mu.Lock()
	e.clients = make(map[string]provider.CallClient)
	e.mu.Unlock()
}

// Coordinator exposes the transfer coordinator to the HTTP layer.
func (e *Engine) Coordinator() *transfer.Coordinator {
	return e.coord
}

// Registry exposes the session registry to the HTTP layer.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// clientFor resolves a cached provider client for one org.
func (e *Engine) clientFor(ctx context.Context, orgID string) (provider.CallClient, error) {
	e.mu.Lock()
	if client, ok := e.clients[orgID]; ok {
		e.mu.Unlock()
		return client, nil
	}
	e.mu.Unlock()

	creds, err := e.st.GetCredentials(ctx, orgID)
	if err != nil {
		return nil, err
	}

	client := e.newClient(e.cfg.GraphAPIBaseURL, creds.PhoneNumberID, creds.AccessToken)
	e.mu.Lock()
	e.clients[orgID] = client
	e.mu.Unlock()
	return client, nil
}

func (e *Engine) trackConn(callID string, conn *negotiate.Connection) {
	e.mu.Lock()
	e.conns[callID] = conn
	e.mu.Unlock()
}

func (e *Engine) takeConn(callID string) *negotiate.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[callID]
}

func (e *Engine) dropConn(callID string) {
	e.mu.Lock()
	delete(e.conns, callID)
	e.mu.Unlock()
}

// EndSession tears a session down exactly once: resolves any open transfer,
// finalizes persistence, emits the ended event, and hangs up the provider
// leg. Safe to call from any goroutine and any number of times.
func (e *Engine) EndSession(ctx context.Context, sess *session.Session, reason string) {
	if !sess.Ending.FireFirst() {
		return
	}

	slog.Info("[Engine] Ending session",
		"call_id", sess.ID, "reason", reason, "status", sess.Status())

	switch sess.TransferState() {
	case session.TransferWaiting:
		e.coord.Abandon(ctx, sess)
	case session.TransferConnected:
		e.coord.End(ctx, sess)
	}

	outcome := "ended"
	if reason == "error" || reason == "media_error" {
		_ = sess.MarkFailed()
		outcome = "failed"
	} else {
		_ = sess.MarkEnded()
	}

	recordingRef := ""
	if sess.Recorder != nil {
		recordingRef = sess.Recorder.Ref()
	}

	var duration time.Duration
	if !sess.AnsweredAt.IsZero() {
		duration = time.Since(sess.AnsweredAt)
	}

	menuPath := e.pathFor(sess)
	if sess.CallLogID != "" {
		if err := e.st.FinishCallLog(ctx, sess.CallLogID, time.Now().UTC(), outcome, reason, recordingRef); err != nil {
			slog.Error("[Engine] Call log finish failed",
				"call_id", sess.ID, "error", err)
		}
	}

	e.pub.PublishAsync(e.builder.CallEnded(sess.OrgID, sess.ID, events.EndReason(reason), duration, menuPath, recordingRef))
	metrics.CallsTotal.WithLabelValues(string(sess.Direction), outcome).Inc()

	// Hang up the provider leg so the caller's device disconnects too.
	if client, err := e.clientFor(ctx, sess.OrgID); err == nil {
		if err := client.TerminateCall(ctx, sess.ID); err != nil {
			slog.Warn("[Engine] Provider terminate failed",
				"call_id", sess.ID, "error", err)
		}
	}

	sess.Close()
	if conn := e.takeConn(sess.ID); conn != nil {
		_ = conn.Close()
		e.dropConn(sess.ID)
	}
	e.registry.Delete(sess.ID)
	metrics.ActiveSessions.Set(float64(e.registry.Count()))
}

// RejectInbound declines a call that never got a session (negotiation
// failure before registration) or failed while initiating.
func (e *Engine) rejectInbound(ctx context.Context, orgID, callID, callerPhone, reason string) {
	if client, err := e.clientFor(ctx, orgID); err == nil {
		if err := client.RejectCall(ctx, callID); err != nil {
			slog.Warn("[Engine] Provider reject failed", "call_id", callID, "error", err)
		}
	}
	e.pub.PublishAsync(e.builder.CallRejected(orgID, callID, callerPhone, reason))
	metrics.CallsTotal.WithLabelValues(string(session.DirectionInbound), "rejected").Inc()
}

// bridgeStatsLoop mirrors bridge counters into metrics until the bridge ends.
func bridgeStatsLoop(br *bridge.Bridge) {
	var lastCA, lastAC int64
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-br.Done():
			return
		case <-ticker.C:
			stats := br.GetStats()
			metrics.BridgePackets.WithLabelValues("caller_to_agent").Add(float64(stats.PacketsCallerToAgent - lastCA))
			metrics.BridgePackets.WithLabelValues("agent_to_caller").Add(float64(stats.PacketsAgentToCaller - lastAC))
			lastCA = stats.PacketsCallerToAgent
			lastAC = stats.PacketsAgentToCaller
		}
	}
}
