package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Builder provides construction of call events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, orgID, callUUID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallUUID:  callUUID,
		OrgID:     orgID,
		NodeID:    b.nodeID,
	}
}

// CallRinging builds a CallRingingEvent.
func (b *Builder) CallRinging(orgID, callUUID, direction, callerPhone, targetPhone string) *CallRingingEvent {
	return &CallRingingEvent{
		BaseEvent:   b.newBase(CallRinging, orgID, callUUID),
		Direction:   direction,
		CallerPhone: callerPhone,
		TargetPhone: targetPhone,
	}
}

// CallAnswered builds a CallAnsweredEvent.
func (b *Builder) CallAnswered(orgID, callUUID, direction, flowID string, setupMillis int64) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent:   b.newBase(CallAnswered, orgID, callUUID),
		Direction:   direction,
		FlowID:      flowID,
		SetupMillis: setupMillis,
	}
}

// CallRejected builds a CallRejectedEvent.
func (b *Builder) CallRejected(orgID, callUUID, callerPhone, reason string) *CallRejectedEvent {
	return &CallRejectedEvent{
		BaseEvent:   b.newBase(CallRejected, orgID, callUUID),
		CallerPhone: callerPhone,
		Reason:      reason,
	}
}

// CallEnded builds a CallEndedEvent.
func (b *Builder) CallEnded(orgID, callUUID string, reason EndReason, duration time.Duration, menuPath json.RawMessage, recordingRef string) *CallEndedEvent {
	return &CallEndedEvent{
		BaseEvent:       b.newBase(CallEnded, orgID, callUUID),
		Reason:          reason,
		DurationSeconds: int64(duration.Seconds()),
		MenuPath:        menuPath,
		RecordingRef:    recordingRef,
	}
}

// Transfer builds a TransferEvent for any transfer lifecycle stage.
func (b *Builder) Transfer(eventType EventType, orgID, callUUID, transferID, agentID string) *TransferEvent {
	return &TransferEvent{
		BaseEvent:  b.newBase(eventType, orgID, callUUID),
		TransferID: transferID,
		AgentID:    agentID,
	}
}
