// Package memstore is the in-memory store implementation used for
// development and tests. Flows can be preloaded from a JSON file.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/voxlane/callengine/internal/store"
)

// Store keeps all records in maps. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	flows     map[string]*store.FlowRecord // flow ID -> record
	callLogs  map[string]*store.CallLog
	transfers map[string]*store.TransferRecord
	creds     map[string]*store.OrgCredentials // org ID -> credentials
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		flows:     make(map[string]*store.FlowRecord),
		callLogs:  make(map[string]*store.CallLog),
		transfers: make(map[string]*store.TransferRecord),
		creds:     make(map[string]*store.OrgCredentials),
	}
}

// LoadFlowsFile reads flow records from a JSON file (an array of
// store.FlowRecord) and registers them.
func (s *Store) LoadFlowsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading flows file: %w", err)
	}

	var records []*store.FlowRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing flows file: %w", err)
	}

	s.mu.Lock()
	for _, r := range records {
		s.flows[r.ID] = r
	}
	s.mu.Unlock()

	slog.Info("[Store] Flows loaded", "path", path, "count", len(records))
	return nil
}

// PutFlow registers or replaces a flow.
func (s *Store) PutFlow(r *store.FlowRecord) {
	s.mu.Lock()
	s.flows[r.ID] = r
	s.mu.Unlock()
}

// SetCredentials registers provider credentials for an org.
func (s *Store) SetCredentials(c *store.OrgCredentials) {
	s.mu.Lock()
	s.creds[c.OrgID] = c
	s.mu.Unlock()
}

func (s *Store) GetFlow(ctx context.Context, orgID, flowID string) (*store.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.flows[flowID]
	if !ok || r.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) DefaultFlow(ctx context.Context, orgID string) (*store.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.flows {
		if r.OrgID == orgID && r.IsDefault {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCallLog(ctx context.Context, cl *store.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cl
	s.callLogs[cl.ID] = &cp
	return nil
}

func (s *Store) MarkCallAnswered(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.callLogs[id]
	if !ok {
		return store.ErrNotFound
	}
	cl.AnsweredAt = &at
	cl.Status = "answered"
	return nil
}

func (s *Store) UpdateMenuPath(ctx context.Context, id string, path json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.callLogs[id]
	if !ok {
		return store.ErrNotFound
	}
	cl.MenuPath = append(json.RawMessage(nil), path...)
	return nil
}

func (s *Store) UpdateCallFlow(ctx context.Context, id, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.callLogs[id]
	if !ok {
		return store.ErrNotFound
	}
	cl.FlowID = flowID
	return nil
}

func (s *Store) FinishCallLog(ctx context.Context, id string, at time.Time, status, reason, recordingRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.callLogs[id]
	if !ok {
		return store.ErrNotFound
	}
	cl.EndedAt = &at
	cl.Status = status
	cl.EndReason = reason
	if recordingRef != "" {
		cl.RecordingRef = recordingRef
	}
	return nil
}

func (s *Store) GetCallLog(ctx context.Context, id string) (*store.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.callLogs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cl
	return &cp, nil
}

func (s *Store) CreateTransfer(ctx context.Context, t *store.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.ID] = &cp
	return nil
}

func (s *Store) UpdateTransferState(ctx context.Context, id, state, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return store.ErrNotFound
	}
	t.State = state
	if agentID != "" {
		t.AgentID = agentID
	}
	switch state {
	case "connected":
		t.ConnectedAt = &at
	case "completed", "no_answer", "abandoned", "failed":
		t.EndedAt = &at
	}
	return nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*store.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetCredentials(ctx context.Context, orgID string) (*store.OrgCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[orgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) OrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.PhoneNumberID == phoneNumberID {
			return c.OrgID, nil
		}
	}
	return "", store.ErrNotFound
}

func (s *Store) Close() error { return nil }
