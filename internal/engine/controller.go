package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voxlane/callengine/internal/ivr"
	"github.com/voxlane/callengine/internal/session"
)

// LoadFlow resolves and parses a flow definition for the IVR engine.
func (e *Engine) LoadFlow(ctx context.Context, orgID, flowID string) (*ivr.Flow, error) {
	rec, err := e.st.GetFlow(ctx, orgID, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading flow %s: %w", flowID, err)
	}
	return ivr.ParseFlow(rec.ID, rec.Name, rec.Definition)
}

// defaultFlow resolves the org's default inbound flow.
func (e *Engine) defaultFlow(ctx context.Context, orgID string) (*ivr.Flow, error) {
	rec, err := e.st.DefaultFlow(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading default flow: %w", err)
	}
	return ivr.ParseFlow(rec.ID, rec.Name, rec.Definition)
}

// Transfer hands an IVR session to the transfer coordinator.
func (e *Engine) Transfer(ctx context.Context, sess *session.Session, teamID string, path []ivr.PathEntry) error {
	_, err := e.coord.Initiate(ctx, sess, teamID)
	return err
}

// EndCall terminates the session on behalf of the IVR engine.
func (e *Engine) EndCall(ctx context.Context, sess *session.Session, reason string) {
	e.EndSession(ctx, sess, reason)
}

// SavePath persists the navigation breadcrumb accumulated so far.
func (e *Engine) SavePath(ctx context.Context, sess *session.Session, path []ivr.PathEntry) {
	if sess.CallLogID == "" || len(path) == 0 {
		return
	}
	if err := e.st.UpdateMenuPath(ctx, sess.CallLogID, ivr.MarshalPath(path)); err != nil {
		slog.Error("[Engine] Menu path update failed",
			"call_id", sess.ID, "error", err)
	}
}

// FlowChanged records a goto_flow hop on the persisted call record.
func (e *Engine) FlowChanged(ctx context.Context, sess *session.Session, flowID string) {
	sess.FlowID = flowID
	if sess.CallLogID == "" {
		return
	}
	if err := e.st.UpdateCallFlow(ctx, sess.CallLogID, flowID); err != nil {
		slog.Error("[Engine] Call flow update failed",
			"call_id", sess.ID, "flow_id", flowID, "error", err)
	}
}

// pathFor reads back the persisted breadcrumb for the ended event.
func (e *Engine) pathFor(sess *session.Session) json.RawMessage {
	if sess.CallLogID == "" {
		return nil
	}
	cl, err := e.st.GetCallLog(context.Background(), sess.CallLogID)
	if err != nil {
		return nil
	}
	return cl.MenuPath
}
