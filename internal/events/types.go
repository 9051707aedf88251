// Package events provides call lifecycle event definitions and publishing
// infrastructure. Events are transport-agnostic; publishers range from a
// debug logger to an in-memory channel consumed by local processors.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallRinging fires when the provider reports the callee is being alerted
	CallRinging EventType = "call.ringing"
	// CallAnswered fires when media is connected and the IVR takes over
	CallAnswered EventType = "call.answered"
	// CallRejected fires when an inbound call is declined before answer
	CallRejected EventType = "call.rejected"
	// CallEnded fires when a call terminates (any reason)
	CallEnded EventType = "call.ended"

	// TransferWaiting fires when a caller is parked on hold pending an agent
	TransferWaiting EventType = "transfer.waiting"
	// TransferConnected fires when an agent claims and audio is bridged
	TransferConnected EventType = "transfer.connected"
	// TransferCompleted fires when a bridged transfer ends normally
	TransferCompleted EventType = "transfer.completed"
	// TransferNoAnswer fires when no agent claimed before the timeout
	TransferNoAnswer EventType = "transfer.no_answer"
	// TransferAbandoned fires when the caller hung up while on hold
	TransferAbandoned EventType = "transfer.abandoned"
	// TransferFailed fires when a claimed agent leg never established media
	TransferFailed EventType = "transfer.failed"
)

// EndReason explains why a call ended
type EndReason string

const (
	EndReasonNormal     EndReason = "normal"      // caller or agent hung up
	EndReasonRejected   EndReason = "rejected"    // declined before answer
	EndReasonNoAnswer   EndReason = "no_answer"   // outgoing call never accepted
	EndReasonFlowHangup EndReason = "flow_hangup" // IVR hangup action
	EndReasonTimeout    EndReason = "timeout"     // IVR input retries exhausted
	EndReasonError      EndReason = "error"       // internal failure
	EndReasonMediaError EndReason = "media_error" // WebRTC transport failure
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the routing subject this event publishes to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the primary correlation ID
	CallID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is a unique identifier for this event instance (for deduplication)
	EventID string `json:"event_id"`
	// EventType identifies the event
	EventType EventType `json:"event_type"`
	// EventTime is when the event occurred (RFC3339Nano)
	EventTime time.Time `json:"event_time"`
	// CallUUID is our internal unique call identifier
	CallUUID string `json:"call_uuid"`
	// OrgID scopes the event to a tenant
	OrgID string `json:"org_id"`
	// NodeID identifies the engine instance (for distributed tracing)
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }

// Subject returns the routing subject.
// Format: callengine.<org_id>.calls.<call_uuid>.<suffix>
func (e *BaseEvent) Subject() string {
	return CallSubject(e.OrgID, e.CallUUID, SubjectForEventType(e.EventType))
}

// CallRingingEvent reports provider-side alerting.
type CallRingingEvent struct {
	BaseEvent
	Direction   string `json:"direction"`
	CallerPhone string `json:"caller_phone,omitempty"`
	TargetPhone string `json:"target_phone,omitempty"`
}

// CallAnsweredEvent reports media establishment.
type CallAnsweredEvent struct {
	BaseEvent
	Direction   string `json:"direction"`
	CallerPhone string `json:"caller_phone,omitempty"`
	FlowID      string `json:"flow_id,omitempty"`
	// SetupMillis is offer-received to media-connected latency
	SetupMillis int64 `json:"setup_millis,omitempty"`
}

// CallRejectedEvent reports a declined inbound call.
type CallRejectedEvent struct {
	BaseEvent
	CallerPhone string `json:"caller_phone,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CallEndedEvent reports call termination.
type CallEndedEvent struct {
	BaseEvent
	Reason EndReason `json:"reason"`
	// DurationSeconds counts from answer to end; zero if never answered
	DurationSeconds int64 `json:"duration_seconds"`
	// MenuPath is the IVR navigation breadcrumb, if the call ran a flow
	MenuPath json.RawMessage `json:"menu_path,omitempty"`
	// RecordingRef points at the stored recording, if any
	RecordingRef string `json:"recording_ref,omitempty"`
}

// TransferEvent covers the transfer lifecycle; EventType distinguishes
// waiting/connected/completed/no_answer/abandoned.
type TransferEvent struct {
	BaseEvent
	TransferID string `json:"transfer_id"`
	AgentID    string `json:"agent_id,omitempty"`
	// HoldSeconds is time spent parked before resolution
	HoldSeconds int64 `json:"hold_seconds,omitempty"`
	// TalkSeconds is bridged time, set on completed transfers
	TalkSeconds int64 `json:"talk_seconds,omitempty"`
}
