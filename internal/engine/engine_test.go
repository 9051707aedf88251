package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/voxlane/callengine/internal/config"
	"github.com/voxlane/callengine/internal/events"
	"github.com/voxlane/callengine/internal/media"
	"github.com/voxlane/callengine/internal/provider"
	"github.com/voxlane/callengine/internal/session"
	"github.com/voxlane/callengine/internal/store"
	"github.com/voxlane/callengine/internal/store/memstore"
)

// fakeCallClient records provider call-control invocations.
type fakeCallClient struct {
	mu         sync.Mutex
	terminated []string
	rejected   []string
}

func (f *fakeCallClient) PreAcceptCall(ctx context.Context, callID, sdp string) error { return nil }
func (f *fakeCallClient) AcceptCall(ctx context.Context, callID, sdp string) error    { return nil }

func (f *fakeCallClient) RejectCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, callID)
	return nil
}

func (f *fakeCallClient) TerminateCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, callID)
	return nil
}

func (f *fakeCallClient) InitiateCall(ctx context.Context, phone, sdp string) (string, error) {
	return "wacid.OUT", nil
}

func (f *fakeCallClient) terminatedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func newTestEngine(t *testing.T) (*Engine, *memstore.Store, *events.ChannelPublisher, *fakeCallClient) {
	t.Helper()
	return newTestEngineWithConfig(t, &config.Config{
		NodeID:         "node-test",
		DefaultRegion:  "MX",
		DTMFBufferSize: 16,
	})
}

func newTestEngineWithConfig(t *testing.T, cfg *config.Config) (*Engine, *memstore.Store, *events.ChannelPublisher, *fakeCallClient) {
	t.Helper()
	st := memstore.New()
	st.SetCredentials(&store.OrgCredentials{OrgID: "org-1", PhoneNumberID: "pn-1", AccessToken: "tok"})

	pub := events.NewChannelPublisher(32)
	eng := New(cfg, session.NewRegistry(), st, nil, pub)

	client := &fakeCallClient{}
	eng.SetClientFactory(func(baseURL, phoneNumberID, accessToken string) provider.CallClient {
		return client
	})
	return eng, st, pub, client
}

func answeredSession(t *testing.T, eng *Engine, id string) *session.Session {
	t.Helper()
	s := session.New(id, "org-1", session.DirectionInbound, 16)
	if err := s.MarkRinging(); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAnswered(); err != nil {
		t.Fatal(err)
	}
	eng.Registry().Put(s)
	return s
}

func collectEvents(pub *events.ChannelPublisher, wait time.Duration) []events.Event {
	var got []events.Event
	deadline := time.After(wait)
	for {
		select {
		case ev := <-pub.Events():
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
}

func TestTerminatedEventEndsSession(t *testing.T) {
	eng, st, pub, client := newTestEngine(t)
	ctx := context.Background()

	sess := answeredSession(t, eng, "wacid.A")
	sess.CallLogID = "log-1"
	st.CreateCallLog(ctx, &store.CallLog{
		ID: "log-1", OrgID: "org-1", CallID: "wacid.A",
		Direction: "inbound", Status: "answered", StartedAt: time.Now().UTC(),
	})

	eng.HandleCallEvent(ctx, "org-1", provider.CallEvent{
		CallID: "wacid.A",
		Event:  provider.EventTerminated,
	})

	if sess.Status() != session.StatusEnded {
		t.Errorf("status = %s, want ended", sess.Status())
	}
	if _, ok := eng.Registry().Get("wacid.A"); ok {
		t.Error("session still registered after terminate")
	}

	cl, err := st.GetCallLog(ctx, "log-1")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Status != "ended" || cl.EndReason != "normal" {
		t.Errorf("call log = %s/%s", cl.Status, cl.EndReason)
	}

	if got := client.terminatedCalls(); len(got) != 1 || got[0] != "wacid.A" {
		t.Errorf("provider terminate calls = %v", got)
	}

	evs := collectEvents(pub, 100*time.Millisecond)
	var ended bool
	for _, ev := range evs {
		if ev.Type() == events.CallEnded && ev.CallID() == "wacid.A" {
			ended = true
		}
	}
	if !ended {
		t.Errorf("no call.ended event, got %v", evs)
	}
}

func TestDuplicateTerminateIgnored(t *testing.T) {
	eng, _, _, client := newTestEngine(t)
	ctx := context.Background()

	answeredSession(t, eng, "wacid.B")

	ev := provider.CallEvent{CallID: "wacid.B", Event: provider.EventTerminated}
	eng.HandleCallEvent(ctx, "org-1", ev)
	eng.HandleCallEvent(ctx, "org-1", ev) // webhook redelivery

	if got := client.terminatedCalls(); len(got) != 1 {
		t.Errorf("provider terminate calls = %d, want 1", len(got))
	}
}

func TestRingingEventPublishes(t *testing.T) {
	eng, _, pub, _ := newTestEngine(t)
	ctx := context.Background()

	s := session.New("wacid.C", "org-1", session.DirectionInbound, 16)
	eng.Registry().Put(s)

	eng.HandleCallEvent(ctx, "org-1", provider.CallEvent{
		CallID: "wacid.C",
		Event:  provider.EventRinging,
	})

	if s.Status() != session.StatusRinging {
		t.Errorf("status = %s, want ringing", s.Status())
	}
	evs := collectEvents(pub, 100*time.Millisecond)
	if len(evs) != 1 || evs[0].Type() != events.CallRinging {
		t.Errorf("events = %v", evs)
	}
}

func TestRejectedEventEndsWithReason(t *testing.T) {
	eng, _, pub, _ := newTestEngine(t)
	ctx := context.Background()

	s := session.New("wacid.D", "org-1", session.DirectionOutgoing, 16)
	eng.Registry().Put(s)

	eng.HandleCallEvent(ctx, "org-1", provider.CallEvent{
		CallID: "wacid.D",
		Event:  provider.EventRejected,
	})

	if s.Status() != session.StatusEnded {
		t.Errorf("status = %s, want ended", s.Status())
	}

	evs := collectEvents(pub, 100*time.Millisecond)
	types := map[events.EventType]bool{}
	for _, ev := range evs {
		types[ev.Type()] = true
	}
	if !types[events.CallRejected] || !types[events.CallEnded] {
		t.Errorf("events = %v, want rejected and ended", evs)
	}
}

func TestEventsForUnknownCallsAreSafe(t *testing.T) {
	eng, _, _, client := newTestEngine(t)
	ctx := context.Background()

	for _, event := range []string{
		provider.EventRinging, provider.EventRejected,
		provider.EventEnded, provider.EventTerminated,
	} {
		eng.HandleCallEvent(ctx, "org-1", provider.CallEvent{CallID: "wacid.NONE", Event: event})
	}
	eng.HandleCallEvent(ctx, "org-1", provider.CallEvent{Event: provider.EventRinging}) // no call id

	if len(client.terminatedCalls()) != 0 {
		t.Error("provider calls made for unknown sessions")
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	eng, _, _, client := newTestEngine(t)
	ctx := context.Background()

	sess := answeredSession(t, eng, "wacid.E")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.EndSession(ctx, sess, "normal")
		}()
	}
	wg.Wait()

	if got := client.terminatedCalls(); len(got) != 1 {
		t.Errorf("provider terminate calls = %d, want 1", len(got))
	}
	select {
	case <-sess.Context().Done():
	default:
		t.Error("session context not cancelled")
	}
}

type countingWriter struct{ n atomic.Int64 }

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	w.n.Add(1)
	return nil
}

// writeHoldMusic drops a tiny OGG/Opus file into dir.
func writeHoldMusic(t *testing.T, dir, name string) {
	t.Helper()
	page := func(segments ...[]byte) []byte {
		var lacing, payload []byte
		for _, seg := range segments {
			lacing = append(lacing, byte(len(seg)))
			payload = append(payload, seg...)
		}
		header := make([]byte, 27)
		copy(header, "OggS")
		header[26] = byte(len(lacing))
		out := append(header, lacing...)
		return append(out, payload...)
	}

	var buf bytes.Buffer
	buf.Write(page(append([]byte("OpusHead"), make([]byte, 11)...)))
	buf.Write(page(append([]byte("OpusTags"), make([]byte, 8)...)))
	buf.Write(page([]byte{0x01}, []byte{0x02}, []byte{0x03}))
	if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHoldMusicResolvedAgainstAudioDir(t *testing.T) {
	dir := t.TempDir()
	writeHoldMusic(t, dir, "hold.ogg")

	// The hold file is configured by name only; playback must find it under
	// the audio directory rather than the process working directory.
	eng, _, _, _ := newTestEngineWithConfig(t, &config.Config{
		NodeID:          "node-test",
		DefaultRegion:   "MX",
		DTMFBufferSize:  16,
		AudioDir:        dir,
		HoldMusicFile:   "hold.ogg",
		TransferTimeout: time.Hour,
	})
	ctx := context.Background()

	sess := answeredSession(t, eng, "wacid.H")
	t.Cleanup(sess.Close)
	w := &countingWriter{}
	sess.Player = media.NewPlayer(w)

	if err := eng.Transfer(ctx, sess, "team-1", nil); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for w.n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("hold music never reached the caller track")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFailureReasonsMarkFailed(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	sess := answeredSession(t, eng, "wacid.F")
	sess.CallLogID = "log-f"
	st.CreateCallLog(ctx, &store.CallLog{ID: "log-f", OrgID: "org-1", CallID: "wacid.F"})

	eng.EndSession(ctx, sess, "media_error")

	if sess.Status() != session.StatusFailed {
		t.Errorf("status = %s, want failed", sess.Status())
	}
	cl, _ := st.GetCallLog(ctx, "log-f")
	if cl.Status != "failed" || cl.EndReason != "media_error" {
		t.Errorf("call log = %s/%s", cl.Status, cl.EndReason)
	}
}
