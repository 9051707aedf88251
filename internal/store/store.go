// Package store provides storage abstractions for the call engine.
//
// Storage splits into two categories:
//
//  1. Configuration reads: IVR flow definitions and per-org provider
//     credentials, loaded per call.
//  2. Persistent writes: call logs and transfer records for reporting.
//
// Interfaces are defined here to allow swapping implementations:
//   - In-memory with file-backed flows (development, tests)
//   - SQL Server (production, shared with the CRM)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// FlowRecord is a stored IVR menu tree. Definition holds the flow JSON;
// parsing lives in the ivr package so stores stay schema-agnostic.
type FlowRecord struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	Name       string          `json:"name"`
	IsDefault  bool            `json:"is_default"`
	Definition json.RawMessage `json:"definition"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CallLog is the persistent record of one call.
type CallLog struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	CallID       string          `json:"call_id"`
	Direction    string          `json:"direction"`
	CallerPhone  string          `json:"caller_phone,omitempty"`
	TargetPhone  string          `json:"target_phone,omitempty"`
	ContactID    string          `json:"contact_id,omitempty"`
	FlowID       string          `json:"flow_id,omitempty"`
	Status       string          `json:"status"`
	EndReason    string          `json:"end_reason,omitempty"`
	MenuPath     json.RawMessage `json:"menu_path,omitempty"`
	RecordingRef string          `json:"recording_ref,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	AnsweredAt   *time.Time      `json:"answered_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// TransferRecord tracks one agent hand-off attempt.
type TransferRecord struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	CallID      string     `json:"call_id"`
	CallLogID   string     `json:"call_log_id,omitempty"`
	State       string     `json:"state"`
	AgentID     string     `json:"agent_id,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// OrgCredentials holds per-tenant provider API credentials.
type OrgCredentials struct {
	OrgID         string    `json:"org_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	AccessToken   string    `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FlowStore reads IVR flow definitions.
type FlowStore interface {
	// GetFlow retrieves a flow by ID within an org.
	GetFlow(ctx context.Context, orgID, flowID string) (*FlowRecord, error)

	// DefaultFlow returns the org's default inbound flow.
	DefaultFlow(ctx context.Context, orgID string) (*FlowRecord, error)
}

// CallLogStore persists call lifecycle records.
type CallLogStore interface {
	// CreateCallLog inserts a new record at call start.
	CreateCallLog(ctx context.Context, cl *CallLog) error

	// MarkCallAnswered stamps answer time and status.
	MarkCallAnswered(ctx context.Context, id string, at time.Time) error

	// UpdateMenuPath replaces the stored navigation breadcrumb.
	UpdateMenuPath(ctx context.Context, id string, path json.RawMessage) error

	// UpdateCallFlow repoints the record at a new flow after a goto_flow hop.
	UpdateCallFlow(ctx context.Context, id, flowID string) error

	// FinishCallLog stamps end time, final status, reason, and recording ref.
	FinishCallLog(ctx context.Context, id string, at time.Time, status, reason, recordingRef string) error

	// GetCallLog retrieves a record by ID.
	GetCallLog(ctx context.Context, id string) (*CallLog, error)
}

// TransferStore persists transfer attempts.
type TransferStore interface {
	// CreateTransfer inserts a new transfer in waiting state.
	CreateTransfer(ctx context.Context, t *TransferRecord) error

	// UpdateTransferState moves a transfer to a new state, stamping
	// connect/end times as appropriate for the state.
	UpdateTransferState(ctx context.Context, id, state, agentID string, at time.Time) error

	// GetTransfer retrieves a transfer by ID.
	GetTransfer(ctx context.Context, id string) (*TransferRecord, error)
}

// CredentialStore reads per-org provider credentials.
type CredentialStore interface {
	// GetCredentials returns the provider credentials for an org.
	GetCredentials(ctx context.Context, orgID string) (*OrgCredentials, error)

	// OrgByPhoneNumberID resolves which org owns a provider phone number.
	// Used to route webhook deliveries to the right tenant.
	OrgByPhoneNumberID(ctx context.Context, phoneNumberID string) (string, error)
}

// Store aggregates all storage concerns behind one dependency.
type Store interface {
	FlowStore
	CallLogStore
	TransferStore
	CredentialStore

	// Close releases underlying resources.
	Close() error
}
