// Package webhook exposes the engine's HTTP surface: the provider webhook,
// agent-facing call control, and operational endpoints.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlane/callengine/internal/engine"
	"github.com/voxlane/callengine/internal/provider"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
)

// Server routes HTTP traffic into the engine.
type Server struct {
	eng         *engine.Engine
	creds       store.CredentialStore
	verifyToken string
	startedAt   time.Time
}

// NewServer creates the HTTP layer over an engine.
func NewServer(eng *engine.Engine, creds store.CredentialStore, verifyToken string) *Server {
	return &Server{
		eng:         eng,
		creds:       creds,
		verifyToken: verifyToken,
		startedAt:   time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/webhook", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/api/calls", s.handleStartCall).Methods(http.MethodPost)
	r.HandleFunc("/api/calls/{id}", s.handleEndCall).Methods(http.MethodDelete)
	r.HandleFunc("/api/transfers/{id}/claim", s.handleClaim).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// handleVerify answers the provider's subscription handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == s.verifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	slog.Warn("[HTTP] Webhook verification rejected", "mode", mode)
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhook accepts provider deliveries, acknowledges immediately, and
// dispatches call events to the engine.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	// Acknowledge before processing; the provider retries on slow replies.
	w.WriteHeader(http.StatusOK)

	calls, err := provider.ParseWebhook(body)
	if err != nil {
		slog.Warn("[HTTP] Unparseable webhook payload", "error", err)
		return
	}

	for _, ev := range calls {
		orgID, err := s.creds.OrgByPhoneNumberID(r.Context(), ev.PhoneNumberID)
		if err != nil {
			slog.Warn("[HTTP] Webhook for unknown phone number",
				"phone_number_id", ev.PhoneNumberID, "call_id", ev.CallID)
			continue
		}
		s.eng.HandleCallEvent(r.Context(), orgID, ev)
	}
}

type startCallRequest struct {
	OrgID    string `json:"org_id"`
	Phone    string `json:"phone"`
	AgentID  string `json:"agent_id"`
	SDPOffer string `json:"sdp_offer"`
}

type startCallResponse struct {
	CallID    string `json:"call_id"`
	SDPAnswer string `json:"sdp_answer"`
}

// handleStartCall places an outgoing call for an agent.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrgID == "" || req.Phone == "" || req.SDPOffer == "" {
		http.Error(w, "org_id, phone and sdp_offer are required", http.StatusBadRequest)
		return
	}

	callID, answer, err := s.eng.StartOutgoingCall(r.Context(), req.OrgID, req.Phone, req.AgentID, req.SDPOffer)
	if err != nil {
		slog.Error("[HTTP] Outgoing call failed",
			"org_id", req.OrgID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, startCallResponse{CallID: callID, SDPAnswer: answer})
}

// handleEndCall hangs up a call from the agent side.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]
	sess, ok := s.eng.Registry().Get(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	s.eng.EndSession(r.Context(), sess, "normal")
	w.WriteHeader(http.StatusNoContent)
}

type claimRequest struct {
	AgentID  string `json:"agent_id"`
	SDPOffer string `json:"sdp_offer"`
}

type claimResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// handleClaim lets one agent win a waiting transfer. Losers get 409.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	transferID := mux.Vars(r)["id"]

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.SDPOffer == "" {
		http.Error(w, "agent_id and sdp_offer are required", http.StatusBadRequest)
		return
	}

	answer, err := s.eng.Coordinator().Claim(r.Context(), transferID, req.AgentID, req.SDPOffer)
	switch {
	case errors.Is(err, session.ErrTransferNotWaiting):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		slog.Error("[HTTP] Transfer claim failed",
			"transfer_id", transferID, "agent_id", req.AgentID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{SDPAnswer: answer})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.eng.Registry().Count(),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[HTTP] Response encode failed", "error", err)
	}
}
