package bridge

import (
	"os"
	"path/filepath"
	"testing"
)

func readFrames(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading capture: %v", err)
	}

	var frames [][]byte
	for len(data) > 0 {
		if len(data) < 2 {
			t.Fatalf("torn length prefix in %s", path)
		}
		n := int(data[0])<<8 | int(data[1])
		data = data[2:]
		if len(data) < n {
			t.Fatalf("torn payload in %s", path)
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames
}

func TestFileRecorderCapturesBothLegs(t *testing.T) {
	base := t.TempDir()
	rec, err := NewFileRecorder(base, "wacid.X")
	if err != nil {
		t.Fatalf("NewFileRecorder: %v", err)
	}

	if err := rec.WriteCaller([]byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if err := rec.WriteCaller([]byte{0x03}); err != nil {
		t.Fatal(err)
	}
	if err := rec.WriteAgent([]byte{0xA0, 0xA1, 0xA2}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	caller := readFrames(t, filepath.Join(rec.Ref(), "caller.opus-raw"))
	if len(caller) != 2 || len(caller[0]) != 2 || caller[1][0] != 0x03 {
		t.Errorf("caller frames = %v", caller)
	}
	agent := readFrames(t, filepath.Join(rec.Ref(), "agent.opus-raw"))
	if len(agent) != 1 || len(agent[0]) != 3 {
		t.Errorf("agent frames = %v", agent)
	}
}

func TestFileRecorderWriteAfterClose(t *testing.T) {
	rec, err := NewFileRecorder(t.TempDir(), "wacid.Y")
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	// Late bridge writes after teardown are swallowed.
	if err := rec.WriteCaller([]byte{0x01}); err != nil {
		t.Errorf("write after close: %v", err)
	}
}

func TestFileRecorderRefUnderBase(t *testing.T) {
	base := t.TempDir()
	rec, err := NewFileRecorder(base, "wacid.Z")
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	rel, err := filepath.Rel(base, rec.Ref())
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		t.Errorf("ref %q not under base %q", rec.Ref(), base)
	}
	if _, err := os.Stat(rec.Ref()); err != nil {
		t.Errorf("recording dir missing: %v", err)
	}
}
