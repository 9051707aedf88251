package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlane/callengine/internal/store"
)

func TestFlowLookupScopedToOrg(t *testing.T) {
	s := New()
	s.PutFlow(&store.FlowRecord{ID: "f1", OrgID: "org-a", Name: "Main"})

	ctx := context.Background()
	if _, err := s.GetFlow(ctx, "org-a", "f1"); err != nil {
		t.Fatalf("GetFlow own org: %v", err)
	}
	if _, err := s.GetFlow(ctx, "org-b", "f1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-org GetFlow = %v, want ErrNotFound", err)
	}
}

func TestDefaultFlow(t *testing.T) {
	s := New()
	s.PutFlow(&store.FlowRecord{ID: "f1", OrgID: "org-a"})
	s.PutFlow(&store.FlowRecord{ID: "f2", OrgID: "org-a", IsDefault: true})
	s.PutFlow(&store.FlowRecord{ID: "f3", OrgID: "org-b", IsDefault: true})

	ctx := context.Background()
	r, err := s.DefaultFlow(ctx, "org-a")
	if err != nil {
		t.Fatalf("DefaultFlow: %v", err)
	}
	if r.ID != "f2" {
		t.Errorf("default flow = %s, want f2", r.ID)
	}
	if _, err := s.DefaultFlow(ctx, "org-c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing default = %v, want ErrNotFound", err)
	}
}

func TestLoadFlowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.json")
	content := `[
	  {"id": "f1", "org_id": "org-a", "name": "Main", "is_default": true,
	   "definition": {"root": {"options": {}}}}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New()
	if err := s.LoadFlowsFile(path); err != nil {
		t.Fatalf("LoadFlowsFile: %v", err)
	}

	r, err := s.GetFlow(context.Background(), "org-a", "f1")
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if !r.IsDefault || len(r.Definition) == 0 {
		t.Errorf("record = %+v", r)
	}
}

func TestLoadFlowsFileMissing(t *testing.T) {
	if err := New().LoadFlowsFile("/nonexistent/flows.json"); err == nil {
		t.Error("missing file should error")
	}
}

func TestCallLogLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	started := time.Now().UTC()
	if err := s.CreateCallLog(ctx, &store.CallLog{
		ID:          "log-1",
		OrgID:       "org-a",
		CallID:      "wacid.X",
		Direction:   "inbound",
		CallerPhone: "+525512345678",
		Status:      "initiating",
		StartedAt:   started,
	}); err != nil {
		t.Fatalf("CreateCallLog: %v", err)
	}

	answered := started.Add(2 * time.Second)
	if err := s.MarkCallAnswered(ctx, "log-1", answered); err != nil {
		t.Fatal(err)
	}

	path := json.RawMessage(`[{"digit":"1","action":"hangup"}]`)
	if err := s.UpdateMenuPath(ctx, "log-1", path); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCallFlow(ctx, "log-1", "f-es"); err != nil {
		t.Fatal(err)
	}

	ended := answered.Add(30 * time.Second)
	if err := s.FinishCallLog(ctx, "log-1", ended, "ended", "flow_hangup", "rec/log-1"); err != nil {
		t.Fatal(err)
	}

	cl, err := s.GetCallLog(ctx, "log-1")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Status != "ended" || cl.EndReason != "flow_hangup" {
		t.Errorf("final status = %s/%s", cl.Status, cl.EndReason)
	}
	if cl.AnsweredAt == nil || !cl.AnsweredAt.Equal(answered) {
		t.Errorf("answered_at = %v", cl.AnsweredAt)
	}
	if cl.EndedAt == nil || !cl.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v", cl.EndedAt)
	}
	if cl.FlowID != "f-es" {
		t.Errorf("flow id = %s", cl.FlowID)
	}
	if string(cl.MenuPath) != string(path) {
		t.Errorf("menu path = %s", cl.MenuPath)
	}
	if cl.RecordingRef != "rec/log-1" {
		t.Errorf("recording ref = %s", cl.RecordingRef)
	}
}

func TestGetCallLogReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateCallLog(ctx, &store.CallLog{ID: "log-1", Status: "initiating"})

	cl, _ := s.GetCallLog(ctx, "log-1")
	cl.Status = "mutated"

	again, _ := s.GetCallLog(ctx, "log-1")
	if again.Status != "initiating" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestUpdatesOnMissingRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.MarkCallAnswered(ctx, "nope", now); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkCallAnswered = %v", err)
	}
	if err := s.UpdateTransferState(ctx, "nope", "connected", "", now); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTransferState = %v", err)
	}
}

func TestTransferStateTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	requested := time.Now().UTC()
	s.CreateTransfer(ctx, &store.TransferRecord{
		ID:          "tx-1",
		OrgID:       "org-a",
		CallID:      "wacid.X",
		State:       "waiting",
		RequestedAt: requested,
	})

	connected := requested.Add(5 * time.Second)
	if err := s.UpdateTransferState(ctx, "tx-1", "connected", "agent-1", connected); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.GetTransfer(ctx, "tx-1")
	if rec.AgentID != "agent-1" || rec.ConnectedAt == nil {
		t.Errorf("connected record = %+v", rec)
	}

	// Terminal update without an agent keeps the claimed agent.
	ended := connected.Add(time.Minute)
	if err := s.UpdateTransferState(ctx, "tx-1", "completed", "", ended); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.GetTransfer(ctx, "tx-1")
	if rec.AgentID != "agent-1" {
		t.Errorf("agent id lost on completion: %q", rec.AgentID)
	}

	// Failed is terminal too.
	s.CreateTransfer(ctx, &store.TransferRecord{
		ID: "tx-2", OrgID: "org-a", CallID: "wacid.Y",
		State: "waiting", RequestedAt: requested,
	})
	if err := s.UpdateTransferState(ctx, "tx-2", "failed", "", ended); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.GetTransfer(ctx, "tx-2")
	if rec.State != "failed" || rec.EndedAt == nil {
		t.Errorf("failed record = %+v", rec)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v", rec.EndedAt)
	}
}

func TestCredentials(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SetCredentials(&store.OrgCredentials{OrgID: "org-a", PhoneNumberID: "pn-1", AccessToken: "tok"})
	s.SetCredentials(&store.OrgCredentials{OrgID: "org-b", PhoneNumberID: "pn-2", AccessToken: "tok"})

	c, err := s.GetCredentials(ctx, "org-a")
	if err != nil || c.PhoneNumberID != "pn-1" {
		t.Errorf("GetCredentials = %+v, %v", c, err)
	}

	org, err := s.OrgByPhoneNumberID(ctx, "pn-2")
	if err != nil || org != "org-b" {
		t.Errorf("OrgByPhoneNumberID = %q, %v", org, err)
	}
	if _, err := s.OrgByPhoneNumberID(ctx, "pn-9"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown phone number id = %v", err)
	}
}
