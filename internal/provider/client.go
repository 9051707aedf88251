// Package provider abstracts the cloud calling provider: call control via
// its REST API and typed parsing of its webhook event payloads.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CallClient is the call-control surface the engine invokes.
type CallClient interface {
	// PreAcceptCall sends the SDP answer early so the transport can start
	// connecting before the caller-visible accept.
	PreAcceptCall(ctx context.Context, callID, sdpAnswer string) error

	// AcceptCall completes the inbound handshake.
	AcceptCall(ctx context.Context, callID, sdpAnswer string) error

	// RejectCall declines an inbound call before answer.
	RejectCall(ctx context.Context, callID string) error

	// TerminateCall hangs up an established call.
	TerminateCall(ctx context.Context, callID string) error

	// InitiateCall places an outgoing call and returns the provider call ID.
	// The remote SDP answer arrives later via webhook.
	InitiateCall(ctx context.Context, phone, sdpOffer string) (string, error)
}

// GraphClient talks to the provider's Graph-style calls endpoint with one
// tenant's credentials.
type GraphClient struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	http          *http.Client
}

// NewGraphClient builds a client for one org's phone number.
func NewGraphClient(baseURL, phoneNumberID, accessToken string) *GraphClient {
	return &GraphClient{
		baseURL:       baseURL,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *GraphClient) PreAcceptCall(ctx context.Context, callID, sdpAnswer string) error {
	return c.callAction(ctx, "pre_accept", callID, sdpAnswer)
}

func (c *GraphClient) AcceptCall(ctx context.Context, callID, sdpAnswer string) error {
	return c.callAction(ctx, "accept", callID, sdpAnswer)
}

func (c *GraphClient) RejectCall(ctx context.Context, callID string) error {
	return c.callAction(ctx, "reject", callID, "")
}

func (c *GraphClient) TerminateCall(ctx context.Context, callID string) error {
	return c.callAction(ctx, "terminate", callID, "")
}

func (c *GraphClient) InitiateCall(ctx context.Context, phone, sdpOffer string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"action":            "connect",
		"session": map[string]string{
			"sdp_type": "offer",
			"sdp":      sdpOffer,
		},
	}

	body, err := c.post(ctx, payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Calls []struct {
			ID string `json:"id"`
		} `json:"calls"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing initiate response: %w", err)
	}
	if len(resp.Calls) == 0 || resp.Calls[0].ID == "" {
		return "", fmt.Errorf("initiate response carries no call id")
	}
	return resp.Calls[0].ID, nil
}

func (c *GraphClient) callAction(ctx context.Context, action, callID, sdpAnswer string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"call_id":           callID,
		"action":            action,
	}
	if sdpAnswer != "" {
		payload["session"] = map[string]string{
			"sdp_type": "answer",
			"sdp":      sdpAnswer,
		}
	}

	if _, err := c.post(ctx, payload); err != nil {
		return fmt.Errorf("call action %s: %w", action, err)
	}
	return nil
}

func (c *GraphClient) post(ctx context.Context, payload map[string]any) ([]byte, error) {
	if c.accessToken == "" || c.phoneNumberID == "" {
		return nil, fmt.Errorf("provider credentials not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/calls", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider api: %s - %s", resp.Status, string(body))
	}
	return body, nil
}
