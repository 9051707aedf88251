package ivr

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/voxlane/callengine/internal/session"
)

// maxFlowHops caps goto_flow chaining so misconfigured flows that point at
// each other cannot traverse forever.
const maxFlowHops = 8

// FlowLoader resolves flow IDs to parsed flows.
type FlowLoader interface {
	LoadFlow(ctx context.Context, orgID, flowID string) (*Flow, error)
}

// Controller is the engine's way back out: transfers, termination, and
// persistence are owned by the caller, not the traversal loop.
type Controller interface {
	// Transfer hands the session to the transfer coordinator.
	Transfer(ctx context.Context, sess *session.Session, teamID string, path []PathEntry) error

	// EndCall terminates the session with a reason.
	EndCall(ctx context.Context, sess *session.Session, reason string)

	// SavePath persists the navigation breadcrumb so far.
	SavePath(ctx context.Context, sess *session.Session, path []PathEntry)

	// FlowChanged updates the persisted call record's flow reference.
	FlowChanged(ctx context.Context, sess *session.Session, flowID string)
}

// AudioPlayer is the slice of the media player the engine needs.
type AudioPlayer interface {
	PlayFile(path string) (int, error)
}

// Engine traverses menu trees for one session at a time.
type Engine struct {
	loader   FlowLoader
	ctrl     Controller
	audioDir string
}

// NewEngine creates a traversal engine.
func NewEngine(loader FlowLoader, ctrl Controller, audioDir string) *Engine {
	return &Engine{loader: loader, ctrl: ctrl, audioDir: audioDir}
}

// Run drives the session through the flow until a terminal action, input
// exhaustion, or session teardown. It blocks for the duration of the IVR
// interaction; callers run it on its own goroutine.
func (e *Engine) Run(ctx context.Context, sess *session.Session, flow *Flow, player AudioPlayer) {
	path := make([]PathEntry, 0, 8)
	hops := 0

	current := flow.Root
	for {
		if ctx.Err() != nil {
			return
		}
		if sess.Status() != session.StatusAnswered {
			slog.Debug("[IVR] Session left answered state, stopping",
				"call_id", sess.ID, "status", sess.Status())
			return
		}

		e.playGreeting(sess, current, player)

		digit, ok := e.waitForDigit(ctx, sess, current)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			slog.Info("[IVR] Input retries exhausted", "call_id", sess.ID, "flow_id", flow.ID)
			e.ctrl.SavePath(ctx, sess, path)
			e.ctrl.EndCall(ctx, sess, "timeout")
			return
		}

		opt, known := current.Options[string(digit)]
		if !known {
			slog.Debug("[IVR] Unmapped digit", "call_id", sess.ID, "digit", string(digit))
			continue
		}

		path = append(path, PathEntry{
			Digit:  string(digit),
			Action: opt.Action,
			Label:  opt.Label,
			At:     time.Now().UTC(),
		})

		switch opt.Action {
		case ActionSubmenu:
			current = opt.Menu

		case ActionParent:
			if current.Parent() != nil {
				current = current.Parent()
			}

		case ActionRepeat:
			// Greeting replays on the next iteration.

		case ActionTransfer:
			e.ctrl.SavePath(ctx, sess, path)
			if err := e.ctrl.Transfer(ctx, sess, opt.Target, path); err != nil {
				slog.Error("[IVR] Transfer hand-off failed",
					"call_id", sess.ID, "team_id", opt.Target, "error", err)
				e.ctrl.EndCall(ctx, sess, "error")
			}
			return

		case ActionGotoFlow:
			hops++
			if hops > maxFlowHops {
				slog.Warn("[IVR] Flow hop limit reached",
					"call_id", sess.ID, "flow_id", opt.Target, "hops", hops)
				e.ctrl.SavePath(ctx, sess, path)
				e.ctrl.EndCall(ctx, sess, "error")
				return
			}

			next, err := e.loader.LoadFlow(ctx, sess.OrgID, opt.Target)
			if err != nil || !next.Active {
				// Stay on the current menu rather than dropping the call.
				slog.Warn("[IVR] Target flow unavailable, continuing current menu",
					"call_id", sess.ID, "flow_id", opt.Target, "error", err)
				path = path[:len(path)-1]
				continue
			}

			path[len(path)-1].FlowName = next.Name
			flow = next
			current = next.Root
			e.ctrl.FlowChanged(ctx, sess, next.ID)
			slog.Info("[IVR] Switched flow", "call_id", sess.ID, "flow_id", next.ID)

		case ActionHangup:
			e.ctrl.SavePath(ctx, sess, path)
			e.ctrl.EndCall(ctx, sess, "flow_hangup")
			return
		}
	}
}

// playGreeting plays the menu greeting through the session's player. The
// same player instance is reused across menus and flow hops so the RTP
// sequence and timestamp stay continuous.
func (e *Engine) playGreeting(sess *session.Session, menu *MenuNode, player AudioPlayer) {
	if menu.Greeting == "" {
		slog.Warn("[IVR] Menu has no greeting configured", "call_id", sess.ID)
		return
	}

	file := filepath.Join(e.audioDir, menu.Greeting)
	if _, err := player.PlayFile(file); err != nil {
		// Keep waiting for input; a missing prompt should not kill the call.
		slog.Warn("[IVR] Greeting playback failed",
			"call_id", sess.ID, "file", file, "error", err)
	}
}

// waitForDigit waits up to Retries() periods of Timeout() for a digit.
// Digits queued during greeting playback are consumed immediately.
func (e *Engine) waitForDigit(ctx context.Context, sess *session.Session, menu *MenuNode) (rune, bool) {
	timer := time.NewTimer(menu.Timeout())
	defer timer.Stop()

	for attempt := 0; attempt < menu.Retries(); attempt++ {
		select {
		case digit, open := <-sess.Digits:
			if !open {
				return 0, false
			}
			return digit, true
		case <-timer.C:
			slog.Debug("[IVR] Input timeout",
				"call_id", sess.ID, "attempt", attempt+1, "max", menu.Retries())
			timer.Reset(menu.Timeout())
		case <-ctx.Done():
			return 0, false
		}
	}
	return 0, false
}
