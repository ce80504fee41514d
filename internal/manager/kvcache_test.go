package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/engine/enginetest"
)

func newCtx(t *testing.T, env *testEnv) *Context {
	t.Helper()
	c, err := env.m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKVCache_SaveLoadRoundTrip(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	toks := enginetest.Tokens("hello", true)
	if err := env.m.SaveSessionKVCache(context.Background(), c, "s1", toks, env.dir, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s1.bin")); err != nil {
		t.Fatalf("state file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s1.tokens")); err != nil {
		t.Fatalf("tokens file missing: %v", err)
	}

	c2 := newCtx(t, env)
	got, err := env.m.LoadSessionKVCache(context.Background(), c2, "s1", env.dir, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(toks) {
		t.Fatalf("loaded %v, want %v", got, toks)
	}
	for i := range toks {
		if got[i] != toks[i] {
			t.Fatalf("token %d: got %d want %d", i, got[i], toks[i])
		}
	}
	if cached := env.model.LastContext().Cached(); len(cached) != len(toks) {
		t.Fatalf("native state not restored: %v", cached)
	}
}

func TestKVCache_LoadMissingIsEmpty(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	got, err := env.m.LoadSessionKVCache(context.Background(), c, "nobody", env.dir, 0)
	if err != nil || got != nil {
		t.Fatalf("got %v err=%v, want nil,nil", got, err)
	}
}

func TestKVCache_HasReconcilesMetadata(t *testing.T) {
	env := newTestManager(t, 4)
	if err := os.MkdirAll(env.dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.dir, "orphan.bin"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !env.m.HasSessionKVCache("orphan", env.dir) {
		t.Fatalf("expected cache to exist")
	}
	if len(env.m.KVCacheEntries()) != 1 {
		t.Fatalf("metadata not created: %+v", env.m.KVCacheEntries())
	}
	_ = os.Remove(filepath.Join(env.dir, "orphan.bin"))
	if env.m.HasSessionKVCache("orphan", env.dir) {
		t.Fatalf("expected cache gone")
	}
	if len(env.m.KVCacheEntries()) != 0 {
		t.Fatalf("stale metadata kept: %+v", env.m.KVCacheEntries())
	}
}

func TestKVCache_DeleteIdempotent(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	if err := env.m.SaveSessionKVCache(context.Background(), c, "s1", enginetest.Tokens("x", true), env.dir, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	existed, err := env.m.DeleteSessionKVCache("s1", env.dir)
	if err != nil || !existed {
		t.Fatalf("first delete existed=%v err=%v", existed, err)
	}
	existed, err = env.m.DeleteSessionKVCache("s1", env.dir)
	if err != nil || existed {
		t.Fatalf("second delete existed=%v err=%v", existed, err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s1.tokens")); !os.IsNotExist(err) {
		t.Fatalf("tokens file left behind: %v", err)
	}
}

func TestKVCache_RejectsUnsafeSessionID(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		err := env.m.SaveSessionKVCache(context.Background(), c, id, nil, env.dir, 0)
		if !IsKVCache(err) {
			t.Fatalf("id %q: want kv cache error, got %v", id, err)
		}
		if env.m.HasSessionKVCache(id, env.dir) {
			t.Fatalf("id %q reported as present", id)
		}
	}
}

func TestKVCache_LRUEviction(t *testing.T) {
	env := newTestManager(t, 2)
	c := newCtx(t, env)
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 2); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		env.clock.Advance(time.Second)
	}
	if env.m.HasSessionKVCache("s1", env.dir) {
		t.Fatalf("s1 should have been evicted")
	}
	for _, id := range []string{"s2", "s3"} {
		if _, err := os.Stat(filepath.Join(env.dir, id+".bin")); err != nil {
			t.Fatalf("%s missing: %v", id, err)
		}
	}
	if got := len(env.pub.Named("kv_evicted")); got != 1 {
		t.Fatalf("evicted events = %d, want 1", got)
	}
}

func TestKVCache_AccessRefreshesLRU(t *testing.T) {
	env := newTestManager(t, 2)
	c := newCtx(t, env)
	save := func(id string) {
		t.Helper()
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 2); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		env.clock.Advance(time.Second)
	}
	save("s1")
	save("s2")
	if _, err := env.m.LoadSessionKVCache(context.Background(), c, "s1", env.dir, 0); err != nil {
		t.Fatalf("Load: %v", err)
	}
	env.clock.Advance(time.Second)
	save("s3")
	if !env.m.HasSessionKVCache("s1", env.dir) || env.m.HasSessionKVCache("s2", env.dir) {
		t.Fatalf("expected s2 evicted, entries=%+v", env.m.KVCacheEntries())
	}
}

func TestKVIndex_SurvivesRestart(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	for _, id := range []string{"old", "new"} {
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 0); err != nil {
			t.Fatalf("Save: %v", err)
		}
		env.clock.Advance(time.Minute)
	}
	if _, err := os.Stat(filepath.Join(env.dir, indexFile)); err != nil {
		t.Fatalf("index not written: %v", err)
	}

	m2, err := NewWithConfig(Config{
		Model:   config.ModelConfig{Source: "unused.gguf"},
		KVCache: config.KVCacheConfig{StorageDir: env.dir, MaxCacheFiles: 1},
		Backend: enginetest.NewBackend(nil),
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	n, err := m2.RestoreKVIndex("")
	if err != nil || n != 2 {
		t.Fatalf("RestoreKVIndex n=%d err=%v", n, err)
	}
	entries := m2.KVCacheEntries()
	if entries[0].SessionID != "new" || entries[1].SessionID != "old" {
		t.Fatalf("LRU order lost: %+v", entries)
	}
	if got := m2.evictKVCaches(env.dir, 1); got != 1 || m2.HasSessionKVCache("old", "") {
		t.Fatalf("expected old evicted after restart, evicted=%d", got)
	}
}

func TestKVCache_SaveOnClosedContext(t *testing.T) {
	env := newTestManager(t, 4)
	c, err := env.m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	_ = c.Close()
	err = env.m.SaveSessionKVCache(context.Background(), c, "s1", []engine.Token{1}, env.dir, 0)
	if !IsKVCache(err) || !IsContextClosed(err) {
		t.Fatalf("want kv cache error wrapping closed context, got %v", err)
	}
}

// stateFiles counts the .bin files in dir.
func stateFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), stateExt) {
			n++
		}
	}
	return n
}

func TestKVCache_ZeroMaxFilesIsUnlimited(t *testing.T) {
	env := newTestManager(t, 0)
	if got := env.m.MaxCacheFiles(); got != 0 {
		t.Fatalf("MaxCacheFiles=%d, want 0", got)
	}
	c := newCtx(t, env)
	total := config.DefaultMaxCacheFiles + 6
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("s%03d", i)
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 0); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		env.clock.Advance(time.Second)
	}
	if got := stateFiles(t, env.dir); got != total {
		t.Fatalf("on disk=%d, want %d", got, total)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s000.bin")); err != nil {
		t.Fatalf("oldest cache evicted: %v", err)
	}
	if got := len(env.pub.Named("kv_evicted")); got != 0 {
		t.Fatalf("evictions=%d, want 0", got)
	}
}

func TestKVCache_BoundHoldsAcrossMixedOps(t *testing.T) {
	const bound = 3
	env := newTestManager(t, bound)
	c := newCtx(t, env)
	ids := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	for i := 0; i < 60; i++ {
		id := ids[(i*5+i/7)%len(ids)]
		switch i % 3 {
		case 0:
			if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, bound); err != nil {
				t.Fatalf("step %d save %s: %v", i, id, err)
			}
		case 1:
			if _, err := env.m.LoadSessionKVCache(context.Background(), c, id, env.dir, 0); err != nil {
				t.Fatalf("step %d load %s: %v", i, id, err)
			}
		case 2:
			env.m.HasSessionKVCache(id, env.dir)
		}
		env.clock.Advance(time.Second)

		files := stateFiles(t, env.dir)
		if files > bound {
			t.Fatalf("step %d: %d cache files on disk, bound %d", i, files, bound)
		}
		if got := len(env.m.KVCacheEntries()); got != files {
			t.Fatalf("step %d: %d tracked entries for %d files", i, got, files)
		}
	}
}

func TestLoadSessionKVCache_MaxTokens(t *testing.T) {
	env := newTestManager(t, 4)
	c := newCtx(t, env)
	toks := enginetest.Tokens("ten bytes!", false)
	if err := env.m.SaveSessionKVCache(context.Background(), c, "s1", toks, env.dir, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := env.m.LoadSessionKVCache(context.Background(), c, "s1", env.dir, len(toks)-1); !IsKVCache(err) {
		t.Fatalf("want kv cache error over capacity, got %v", err)
	}
	got, err := env.m.LoadSessionKVCache(context.Background(), c, "s1", env.dir, len(toks))
	if err != nil || len(got) != len(toks) {
		t.Fatalf("exact capacity: got %d tokens, err %v", len(got), err)
	}
	if got, err := env.m.LoadSessionKVCache(context.Background(), c, "s1", env.dir, 0); err != nil || len(got) != len(toks) {
		t.Fatalf("default capacity: got %d tokens, err %v", len(got), err)
	}
}

func TestEvict_SkipsSessionBeingSaved(t *testing.T) {
	env := newTestManager(t, 0)
	c := newCtx(t, env)
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 0); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		env.clock.Advance(time.Second)
	}
	done := env.m.beginSave("s1")
	got := env.m.evictKVCaches(env.dir, 2)
	done()
	if got != 1 {
		t.Fatalf("evicted %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s1.bin")); err != nil {
		t.Fatalf("s1 removed while saving: %v", err)
	}
	if env.m.HasSessionKVCache("s2", env.dir) {
		t.Fatalf("s2 should have been evicted instead")
	}
}

func TestEvict_KeepsFilesOfRetrackedSession(t *testing.T) {
	env := newTestManager(t, 0)
	c := newCtx(t, env)
	for _, id := range []string{"s1", "s2"} {
		if err := env.m.SaveSessionKVCache(context.Background(), c, id, enginetest.Tokens(id, true), env.dir, 0); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		env.clock.Advance(time.Second)
	}
	env.m.kvMu.Lock()
	victims := env.m.pickVictimsLocked(env.dir, 1)
	env.m.kvMu.Unlock()
	if len(victims) != 1 || victims[0].SessionID != "s1" {
		t.Fatalf("victims %+v, want s1", victims)
	}

	// s1 is saved again between being picked and its files being removed.
	if err := env.m.SaveSessionKVCache(context.Background(), c, "s1", enginetest.Tokens("s1 again", true), env.dir, 0); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	if env.m.removeVictim(victims[0]) {
		t.Fatalf("removed files of a re-tracked session")
	}
	if _, err := os.Stat(filepath.Join(env.dir, "s1.bin")); err != nil {
		t.Fatalf("s1.bin gone: %v", err)
	}
	if !env.m.HasSessionKVCache("s1", env.dir) {
		t.Fatalf("s1 not tracked")
	}
}
