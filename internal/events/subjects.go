package events

import "fmt"

// Subject naming conventions.
//
// Hierarchy:
//   callengine.<org_id>.calls.<call_uuid>.<event_suffix>  - Per-call events
//
// Wildcard subscriptions:
//   callengine.*.calls.>            - All call events across tenants
//   callengine.<org_id>.calls.>     - All events for one tenant
//   callengine.*.calls.*.ended      - All call.ended events

const (
	// SubjectPrefix is the root of all engine subjects
	SubjectPrefix = "callengine"

	SubjectCallRinging  = "ringing"
	SubjectCallAnswered = "answered"
	SubjectCallRejected = "rejected"
	SubjectCallEnded    = "ended"

	SubjectTransferWaiting   = "transfer_waiting"
	SubjectTransferConnected = "transfer_connected"
	SubjectTransferCompleted = "transfer_completed"
	SubjectTransferNoAnswer  = "transfer_no_answer"
	SubjectTransferAbandoned = "transfer_abandoned"
	SubjectTransferFailed    = "transfer_failed"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("org1", "abc-123", "ended") => "callengine.org1.calls.abc-123.ended"
func CallSubject(orgID, callUUID, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.calls.%s.%s", SubjectPrefix, orgID, callUUID, eventSuffix)
}

// OrgPattern matches all call events for one tenant.
func OrgPattern(orgID string) string {
	return fmt.Sprintf("%s.%s.calls.>", SubjectPrefix, orgID)
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallRinging:
		return SubjectCallRinging
	case CallAnswered:
		return SubjectCallAnswered
	case CallRejected:
		return SubjectCallRejected
	case CallEnded:
		return SubjectCallEnded
	case TransferWaiting:
		return SubjectTransferWaiting
	case TransferConnected:
		return SubjectTransferConnected
	case TransferCompleted:
		return SubjectTransferCompleted
	case TransferNoAnswer:
		return SubjectTransferNoAnswer
	case TransferAbandoned:
		return SubjectTransferAbandoned
	case TransferFailed:
		return SubjectTransferFailed
	default:
		return "unknown"
	}
}
