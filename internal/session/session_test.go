package session

import (
	"errors"
	"sync"
	"testing"
)

func TestStatusMachineForwardOnly(t *testing.T) {
	s := New("call-1", "org-1", DirectionInbound, 16)
	if s.Status() != StatusInitiating {
		t.Fatalf("initial status = %s", s.Status())
	}

	steps := []struct {
		fn   func() error
		want Status
	}{
		{s.MarkRinging, StatusRinging},
		{s.MarkAnswered, StatusAnswered},
		{s.MarkTransferring, StatusTransferring},
		{s.MarkBridged, StatusBridged},
		{s.MarkEnded, StatusEnded},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			t.Fatalf("advancing to %s: %v", step.want, err)
		}
		if s.Status() != step.want {
			t.Fatalf("status = %s, want %s", s.Status(), step.want)
		}
	}

	// No transition leaves a terminal state.
	if err := s.MarkRinging(); err == nil {
		t.Error("MarkRinging from ended should fail")
	}
	if !s.Terminal() {
		t.Error("Terminal() = false for ended session")
	}
}

func TestBridgeSkipsTransferring(t *testing.T) {
	s := New("call-2", "org-1", DirectionOutgoing, 16)
	if err := s.MarkRinging(); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAnswered(); err != nil {
		t.Fatal(err)
	}
	// Outgoing calls bridge directly without a transfer leg.
	if err := s.MarkBridged(); err != nil {
		t.Fatalf("MarkBridged from answered: %v", err)
	}
}

func TestMarkFailedFromAnyLiveState(t *testing.T) {
	s := New("call-3", "org-1", DirectionInbound, 16)
	if err := s.MarkFailed(); err != nil {
		t.Fatalf("MarkFailed from initiating: %v", err)
	}
	if s.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status())
	}
}

func TestClaimTransferSingleWinner(t *testing.T) {
	s := New("call-4", "org-1", DirectionInbound, 16)
	if err := s.BeginTransfer("tx-1"); err != nil {
		t.Fatal(err)
	}

	const claimers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ClaimTransfer()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTransferNotWaiting):
				losses++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if losses != claimers-1 {
		t.Errorf("losers = %d, want %d", losses, claimers-1)
	}
	if s.TransferState() != TransferConnected {
		t.Errorf("transfer state = %q, want connected", s.TransferState())
	}
}

func TestClaimAfterTimeoutResolution(t *testing.T) {
	s := New("call-5", "org-1", DirectionInbound, 16)
	if err := s.BeginTransfer("tx-2"); err != nil {
		t.Fatal(err)
	}

	if !s.ResolveTransfer(TransferNoAnswer) {
		t.Fatal("ResolveTransfer(no_answer) should win on waiting transfer")
	}
	if err := s.ClaimTransfer(); !errors.Is(err, ErrTransferNotWaiting) {
		t.Errorf("claim after timeout = %v, want ErrTransferNotWaiting", err)
	}
	// The resolution itself only fires once.
	if s.ResolveTransfer(TransferAbandoned) {
		t.Error("second resolution should lose")
	}
}

func TestBeginTransferRejectsSecondWaiting(t *testing.T) {
	s := New("call-6", "org-1", DirectionInbound, 16)
	if err := s.BeginTransfer("tx-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginTransfer("tx-b"); err == nil {
		t.Error("second waiting transfer should be rejected")
	}
	if s.TransferID() != "tx-a" {
		t.Errorf("transfer id = %q, want tx-a", s.TransferID())
	}
}

func TestCompleteTransferRequiresConnected(t *testing.T) {
	s := New("call-7", "org-1", DirectionInbound, 16)
	if err := s.BeginTransfer("tx-1"); err != nil {
		t.Fatal(err)
	}
	if s.CompleteTransfer() {
		t.Error("complete before claim should lose")
	}
	if err := s.ClaimTransfer(); err != nil {
		t.Fatal(err)
	}
	if !s.CompleteTransfer() {
		t.Error("complete after claim should win")
	}
}

func TestFailTransferBlocksCompletion(t *testing.T) {
	s := New("call-8", "org-1", DirectionInbound, 16)
	if err := s.BeginTransfer("tx-1"); err != nil {
		t.Fatal(err)
	}
	if s.FailTransfer() {
		t.Error("fail before claim should lose")
	}
	if err := s.ClaimTransfer(); err != nil {
		t.Fatal(err)
	}
	if !s.FailTransfer() {
		t.Error("fail after claim should win")
	}
	if s.TransferState() != TransferFailed {
		t.Errorf("state = %q, want failed", s.TransferState())
	}
	if s.CompleteTransfer() {
		t.Error("failed transfer must not complete")
	}
}

func TestOneshotFireFirst(t *testing.T) {
	o := NewOneshot()
	if o.Fired() {
		t.Fatal("fired before Fire")
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.FireFirst() {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Errorf("FireFirst winners = %d, want 1", firsts)
	}
	if !o.Fired() {
		t.Error("Fired() = false after FireFirst")
	}
	select {
	case <-o.Done():
	default:
		t.Error("Done() not closed after FireFirst")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	s := New("call-9", "org-1", DirectionInbound, 16)

	if !r.Put(s) {
		t.Fatal("Put of new session returned false")
	}
	if r.Put(s) {
		t.Error("duplicate Put should return false")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}

	got, ok := r.Get("call-9")
	if !ok || got != s {
		t.Fatal("Get did not return the stored session")
	}

	r.BindTransfer("tx-9", "call-9")
	byTx, ok := r.GetByTransfer("tx-9")
	if !ok || byTx != s {
		t.Fatal("GetByTransfer did not resolve the session")
	}

	r.Delete("call-9")
	if _, ok := r.Get("call-9"); ok {
		t.Error("session still present after Delete")
	}
	if _, ok := r.GetByTransfer("tx-9"); ok {
		t.Error("transfer binding survived Delete")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d after delete, want 0", r.Count())
	}
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.Put(New(id, "org-1", DirectionInbound, 16))
	}
	seen := map[string]bool{}
	r.Each(func(s *Session) { seen[s.ID] = true })
	if len(seen) != 3 {
		t.Errorf("Each visited %d sessions, want 3", len(seen))
	}
}
