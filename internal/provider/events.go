package provider

import (
	"encoding/json"
	"fmt"
)

// Event kinds delivered on the provider's webhook surface.
const (
	EventConnect    = "connect"
	EventRinging    = "ringing"
	EventAccepted   = "accepted"
	EventInCall     = "in_call"
	EventRejected   = "rejected"
	EventEnded      = "ended"
	EventTerminated = "terminated"
)

// CallEvent is one parsed call event from a webhook delivery.
type CallEvent struct {
	CallID    string
	Event     string
	Direction string
	From      string
	To        string
	Timestamp string
	// SDP and SDPType carry the session blob when present: the remote
	// offer on inbound connect, the async answer on outgoing accept.
	SDP     string
	SDPType string
	// PhoneNumberID identifies which tenant number the event targets.
	PhoneNumberID string
}

// UserInitiated reports whether the event describes an inbound call.
func (e *CallEvent) UserInitiated() bool {
	return e.Direction == "USER_INITIATED"
}

// webhookPayload mirrors the provider's entry/changes/value nesting.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Calls []struct {
					ID        string `json:"id"`
					Event     string `json:"event"`
					Direction string `json:"direction"`
					From      string `json:"from"`
					To        string `json:"to"`
					Timestamp string `json:"timestamp"`
					Session   struct {
						SDPType string `json:"sdp_type"`
						SDP     string `json:"sdp"`
					} `json:"session"`
				} `json:"calls"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts call events from a raw webhook body. Message and
// status changes in the same delivery are ignored.
func ParseWebhook(body []byte) ([]CallEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing webhook payload: %w", err)
	}

	var out []CallEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, call := range change.Value.Calls {
				out = append(out, CallEvent{
					CallID:        call.ID,
					Event:         call.Event,
					Direction:     call.Direction,
					From:          call.From,
					To:            call.To,
					Timestamp:     call.Timestamp,
					SDP:           call.Session.SDP,
					SDPType:       call.Session.SDPType,
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
				})
			}
		}
	}
	return out, nil
}
