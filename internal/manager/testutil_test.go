package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inferd/internal/config"
	"inferd/internal/engine/enginetest"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock for deterministic LRU ordering.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// writeModelFile creates a placeholder .gguf and returns its path.
func writeModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

type testEnv struct {
	m       *Manager
	model   *enginetest.Model
	backend *enginetest.Backend
	clock   *fakeClock
	pub     *MemoryPublisher
	dir     string
}

// newTestManager builds a manager over the fake engine with a loaded model.
func newTestManager(t *testing.T, maxFiles int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fm := enginetest.NewModel()
	be := enginetest.NewBackend(fm)
	clock := newFakeClock()
	pub := NewMemoryPublisher()
	m, err := NewWithConfig(Config{
		Model: config.ModelConfig{
			Source:    writeModelFile(t, dir, "tiny.gguf"),
			BatchSize: 8,
			NSeqMax:   2,
		},
		KVCache:   config.KVCacheConfig{StorageDir: filepath.Join(dir, "kv"), MaxCacheFiles: maxFiles},
		Backend:   be,
		Publisher: pub,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if err := m.LoadModel(testCtx(t)); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return &testEnv{m: m, model: fm, backend: be, clock: clock, pub: pub, dir: filepath.Join(dir, "kv")}
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
