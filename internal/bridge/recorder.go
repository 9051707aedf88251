package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder receives raw Opus payloads from both bridge legs.
// Implementations must tolerate concurrent WriteCaller / WriteAgent calls.
type Recorder interface {
	WriteCaller(payload []byte) error
	WriteAgent(payload []byte) error
	// Ref identifies where the recording is stored (file path, object key).
	Ref() string
	Close() error
}

// FileRecorder appends length-prefixed Opus payloads per leg into two files
// under a call-scoped directory. The raw captures are muxed into a playable
// container by an offline job, so the hot path stays write-only.
type FileRecorder struct {
	dir    string
	caller *os.File
	agent  *os.File

	mu     sync.Mutex
	closed bool
}

// NewFileRecorder creates the recording directory and both leg files.
func NewFileRecorder(baseDir, callID string) (*FileRecorder, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("%s_%d", callID, time.Now().Unix()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}

	caller, err := os.Create(filepath.Join(dir, "caller.opus-raw"))
	if err != nil {
		return nil, fmt.Errorf("creating caller capture: %w", err)
	}
	agent, err := os.Create(filepath.Join(dir, "agent.opus-raw"))
	if err != nil {
		caller.Close()
		return nil, fmt.Errorf("creating agent capture: %w", err)
	}

	return &FileRecorder{dir: dir, caller: caller, agent: agent}, nil
}

func (r *FileRecorder) WriteCaller(payload []byte) error {
	return r.write(r.caller, payload)
}

func (r *FileRecorder) WriteAgent(payload []byte) error {
	return r.write(r.agent, payload)
}

func (r *FileRecorder) write(f *os.File, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	// 2-byte big-endian length prefix, then the payload.
	hdr := [2]byte{byte(len(payload) >> 8), byte(len(payload))}
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.Write(payload)
	return err
}

func (r *FileRecorder) Ref() string {
	return r.dir
}

// Close flushes and closes both captures. Idempotent.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err1 := r.caller.Close()
	err2 := r.agent.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
