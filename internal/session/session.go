package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v3"

	"github.com/voxlane/callengine/internal/bridge"
	"github.com/voxlane/callengine/internal/media"
)

// Direction of a call relative to the business number.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutgoing Direction = "outgoing"
)

// Status values a call session moves through. The machine only advances
// forward; no transition re-enters Initiating.
type Status string

const (
	StatusInitiating   Status = "initiating"
	StatusRinging      Status = "ringing"
	StatusAnswered     Status = "answered"
	StatusTransferring Status = "transferring"
	StatusBridged      Status = "bridged"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

// Transfer states mirrored on the session for claim linearization.
const (
	TransferNone      = ""
	TransferWaiting   = "waiting"
	TransferConnected = "connected"
	TransferCompleted = "completed"
	TransferNoAnswer  = "no_answer"
	TransferAbandoned = "abandoned"
	TransferFailed    = "failed"
)

// ErrTransferNotWaiting is returned to a claim that lost the race or arrived
// after the transfer reached a terminal state.
var ErrTransferNotWaiting = errors.New("transfer is not in waiting state")

// Session is the mutable runtime state of one active call. It is exclusively
// owned by the Registry for its lifetime; field mutation happens under the
// per-session lock, while the status machine serializes its own transitions.
type Session struct {
	ID        string // provider-assigned call id
	OrgID     string
	Direction Direction

	CallerPhone string
	TargetPhone string
	ContactID   string
	CallLogID   string
	FlowID      string

	// Digits receives decoded DTMF input. Bounded and lossy under
	// backpressure: the decoder drops rather than stalls media.
	Digits chan rune

	// Peer connections. Inbound calls use only the caller-facing one;
	// outgoing calls and transfers add an agent-facing leg.
	CallerConn *webrtc.PeerConnection
	AgentConn  *webrtc.PeerConnection

	CallerTrack  *webrtc.TrackLocalStaticRTP // audio written toward the caller
	AgentTrack   *webrtc.TrackLocalStaticRTP // audio written toward the agent
	CallerRemote *webrtc.TrackRemote         // caller audio in
	AgentRemote  *webrtc.TrackRemote         // agent audio in
	Player       *media.Player
	Bridge       *bridge.Bridge
	Recorder     bridge.Recorder

	// One-shot coordination signals.
	BridgeStarted   *Oneshot // interim track readers cede on this
	AnswerDelivered *Oneshot // outgoing: async SDP answer applied
	AgentTrackReady *Oneshot
	CallerTrackSeen *Oneshot
	Ending          *Oneshot // elects the single teardown owner

	CreatedAt  time.Time
	AnsweredAt time.Time

	transferID      string
	transferState   string
	transferTimeout context.CancelFunc

	machine *fsm.FSM
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// New creates a session in the Initiating state. The session context is
// cancelled when the call ends, tearing down every child task.
func New(id, orgID string, direction Direction, dtmfBuffer int) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:              id,
		OrgID:           orgID,
		Direction:       direction,
		Digits:          make(chan rune, dtmfBuffer),
		BridgeStarted:   NewOneshot(),
		AnswerDelivered: NewOneshot(),
		AgentTrackReady: NewOneshot(),
		CallerTrackSeen: NewOneshot(),
		Ending:          NewOneshot(),
		CreatedAt:       time.Now(),
		ctx:             ctx,
		cancel:          cancel,
	}

	s.machine = fsm.NewFSM(
		string(StatusInitiating),
		fsm.Events{
			{Name: "ring", Src: []string{string(StatusInitiating)}, Dst: string(StatusRinging)},
			{Name: "answer", Src: []string{string(StatusInitiating), string(StatusRinging)}, Dst: string(StatusAnswered)},
			{Name: "transfer", Src: []string{string(StatusAnswered)}, Dst: string(StatusTransferring)},
			{Name: "bridge", Src: []string{string(StatusAnswered), string(StatusTransferring)}, Dst: string(StatusBridged)},
			{Name: "end", Src: []string{
				string(StatusInitiating), string(StatusRinging), string(StatusAnswered),
				string(StatusTransferring), string(StatusBridged),
			}, Dst: string(StatusEnded)},
			{Name: "fail", Src: []string{
				string(StatusInitiating), string(StatusRinging), string(StatusAnswered),
				string(StatusTransferring),
			}, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{},
	)

	return s
}

// Context returns the session-scoped context; it is cancelled on End.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Status returns the current state of the call.
func (s *Session) Status() Status {
	return Status(s.machine.Current())
}

func (s *Session) advance(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session %s: %s from %s: %w", s.ID, event, s.machine.Current(), err)
	}
	return nil
}

// MarkRinging moves Initiating -> Ringing.
func (s *Session) MarkRinging() error { return s.advance("ring") }

// MarkAnswered moves to Answered and stamps the answer time.
func (s *Session) MarkAnswered() error {
	if err := s.advance("answer"); err != nil {
		return err
	}
	s.mu.Lock()
	s.AnsweredAt = time.Now()
	s.mu.Unlock()
	return nil
}

// MarkTransferring moves Answered -> Transferring.
func (s *Session) MarkTransferring() error { return s.advance("transfer") }

// MarkBridged moves to Bridged.
func (s *Session) MarkBridged() error { return s.advance("bridge") }

// MarkEnded moves to Ended. A session already terminal is left untouched.
func (s *Session) MarkEnded() error {
	if s.Terminal() {
		return nil
	}
	return s.advance("end")
}

// MarkFailed moves to Failed. A session already terminal is left untouched.
func (s *Session) MarkFailed() error {
	if s.Terminal() {
		return nil
	}
	return s.advance("fail")
}

// Terminal reports whether the call reached Ended or Failed.
func (s *Session) Terminal() bool {
	st := s.Status()
	return st == StatusEnded || st == StatusFailed
}

// BeginTransfer records a new waiting transfer on the session.
// At most one transfer may be waiting per session at a time.
func (s *Session) BeginTransfer(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferState == TransferWaiting {
		return fmt.Errorf("session %s already has transfer %s waiting", s.ID, s.transferID)
	}
	s.transferID = transferID
	s.transferState = TransferWaiting
	return nil
}

// ClaimTransfer atomically moves the transfer from waiting to connected.
// Exactly one concurrent caller wins; losers get ErrTransferNotWaiting.
func (s *Session) ClaimTransfer() error {
	if !s.transferCAS(TransferWaiting, TransferConnected) {
		return ErrTransferNotWaiting
	}
	return nil
}

// ResolveTransfer moves a waiting transfer to the given terminal state
// (no_answer or abandoned). Returns false if the transfer was not waiting.
func (s *Session) ResolveTransfer(state string) bool {
	return s.transferCAS(TransferWaiting, state)
}

// CompleteTransfer moves a connected transfer to completed.
// Returns false if the transfer was not connected.
func (s *Session) CompleteTransfer() bool {
	return s.transferCAS(TransferConnected, TransferCompleted)
}

// FailTransfer moves a claimed transfer whose agent leg never established
// into the failed terminal state. A transfer that went through FailTransfer
// can no longer complete.
func (s *Session) FailTransfer() bool {
	return s.transferCAS(TransferConnected, TransferFailed)
}

func (s *Session) transferCAS(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferState != from {
		return false
	}
	s.transferState = to
	return true
}

// TransferID returns the id of the session's current transfer, if any.
func (s *Session) TransferID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferID
}

// TransferState returns the session-local transfer state.
func (s *Session) TransferState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferState
}

// SetTransferTimeoutCancel stores the cancel handle of the transfer timeout
// waiter.
func (s *Session) SetTransferTimeoutCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferTimeout = cancel
}

// CancelTransferTimeout stops the pending transfer timeout, if any.
func (s *Session) CancelTransferTimeout() {
	s.mu.Lock()
	cancel := s.transferTimeout
	s.transferTimeout = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetCallerMedia stores the caller-facing connection and local track.
func (s *Session) SetCallerMedia(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticRTP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallerConn = pc
	s.CallerTrack = track
}

// SetAgentMedia stores the agent-facing connection and local track.
func (s *Session) SetAgentMedia(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticRTP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentConn = pc
	s.AgentTrack = track
}

// SetCallerRemote records the caller's inbound audio track and fires the
// track-seen signal.
func (s *Session) SetCallerRemote(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.CallerRemote = t
	s.mu.Unlock()
	s.CallerTrackSeen.Fire()
}

// SetAgentRemote records the agent's inbound audio track and fires the
// agent-track signal.
func (s *Session) SetAgentRemote(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.AgentRemote = t
	s.mu.Unlock()
	s.AgentTrackReady.Fire()
}

// Close cancels the session context, stops the player and bridge, and closes
// both peer connections. Idempotent: every step tolerates repetition.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	player := s.Player
	br := s.Bridge
	rec := s.Recorder
	caller := s.CallerConn
	agent := s.AgentConn
	s.mu.Unlock()

	if player != nil {
		player.Stop()
	}
	if br != nil {
		br.Stop()
	}
	if rec != nil {
		_ = rec.Close()
	}
	if caller != nil {
		_ = caller.Close()
	}
	if agent != nil {
		_ = agent.Close()
	}
}
