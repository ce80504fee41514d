package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	json "github.com/goccy/go-json"

	"inferd/internal/common/fsutil"
	"inferd/internal/engine"
)

const (
	stateExt  = ".bin"
	tokensExt = ".tokens"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSessionID rejects ids that cannot be used as a file name.
func ValidateSessionID(id string) error {
	if !sessionIDRe.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func cachePaths(dir, sessionID string) (state, tokens string) {
	return filepath.Join(dir, sessionID+stateExt), filepath.Join(dir, sessionID+tokensExt)
}

// resolveDir expands and absolutizes dir, defaulting to the configured
// storage directory.
func (m *Manager) resolveDir(dir string) (string, error) {
	if dir == "" {
		dir = m.cfg.KVCache.StorageDir
	}
	p, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

// SaveSessionKVCache writes the context's KV state and its token sequence to
// storageDir, records the entry and evicts the least recently used caches
// beyond maxCacheFiles. 0 means unlimited.
func (m *Manager) SaveSessionKVCache(ctx context.Context, c *Context, sessionID string, tokens []engine.Token, storageDir string, maxCacheFiles int) (err error) {
	defer func() { observeKV("save", err) }()
	if err := ValidateSessionID(sessionID); err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	dir, err := m.resolveDir(storageDir)
	if err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	done := m.beginSave(sessionID)
	defer done()
	statePath, tokensPath := cachePaths(dir, sessionID)
	if err := c.With(ctx, func(n engine.Context) error { return n.SaveState(statePath, tokens) }); err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	if err := fsutil.WriteFileAtomic(tokensPath, data, 0o644); err != nil {
		return kvCacheError{op: "save", session: sessionID, err: err}
	}
	var size int64
	if fi, err := os.Stat(statePath); err == nil {
		size = fi.Size()
	}

	m.kvMu.Lock()
	m.kvMeta[sessionID] = &KVCacheMetadata{
		SessionID:     sessionID,
		CacheFilePath: statePath,
		TokensPath:    tokensPath,
		LastAccessed:  m.now(),
		SizeBytes:     size,
	}
	m.updateGaugeLocked()
	m.kvMu.Unlock()

	m.persistIndex(dir)
	m.evictKVCaches(dir, maxCacheFiles)
	m.log.Debug().Str("session", sessionID).Int("tokens", len(tokens)).Int64("bytes", size).Msg("kv cache saved")
	m.pub.Publish(Event{Name: "kv_saved", SessionID: sessionID, Fields: map[string]any{"tokens": len(tokens)}})
	return nil
}

// LoadSessionKVCache restores a saved KV state into c and returns the token
// sequence stored with it, refusing states longer than maxTokens (c.Size()
// when maxTokens <= 0). A session without a cache yields (nil, nil).
func (m *Manager) LoadSessionKVCache(ctx context.Context, c *Context, sessionID, storageDir string, maxTokens int) (toks []engine.Token, err error) {
	defer func() { observeKV("load", err) }()
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, kvCacheError{op: "load", session: sessionID, err: err}
	}
	dir, err := m.resolveDir(storageDir)
	if err != nil {
		return nil, kvCacheError{op: "load", session: sessionID, err: err}
	}
	statePath, tokensPath := cachePaths(dir, sessionID)
	fi, err := os.Stat(statePath)
	if errors.Is(err, os.ErrNotExist) {
		m.forget(sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, kvCacheError{op: "load", session: sessionID, err: err}
	}
	if maxTokens <= 0 {
		maxTokens = c.Size()
	}
	err = c.With(ctx, func(n engine.Context) error {
		var lerr error
		toks, lerr = n.LoadState(statePath, maxTokens)
		return lerr
	})
	if err != nil {
		return nil, kvCacheError{op: "load", session: sessionID, err: err}
	}
	m.touch(sessionID, statePath, tokensPath, fi.Size())
	m.persistIndex(dir)
	m.log.Debug().Str("session", sessionID).Int("tokens", len(toks)).Msg("kv cache restored")
	return toks, nil
}

// HasSessionKVCache reports whether a cache file exists for sessionID and
// reconciles the metadata with what is on disk.
func (m *Manager) HasSessionKVCache(sessionID, storageDir string) bool {
	if ValidateSessionID(sessionID) != nil {
		return false
	}
	dir, err := m.resolveDir(storageDir)
	if err != nil {
		return false
	}
	statePath, tokensPath := cachePaths(dir, sessionID)
	fi, err := os.Stat(statePath)
	if err != nil {
		if m.forget(sessionID) {
			m.persistIndex(dir)
		}
		return false
	}
	m.touch(sessionID, statePath, tokensPath, fi.Size())
	m.persistIndex(dir)
	return true
}

// DeleteSessionKVCache removes both cache files and reports whether the
// state file existed. Missing files are not an error.
func (m *Manager) DeleteSessionKVCache(sessionID, storageDir string) (existed bool, err error) {
	defer func() { observeKV("delete", err) }()
	if err := ValidateSessionID(sessionID); err != nil {
		return false, kvCacheError{op: "delete", session: sessionID, err: err}
	}
	dir, err := m.resolveDir(storageDir)
	if err != nil {
		return false, kvCacheError{op: "delete", session: sessionID, err: err}
	}
	statePath, tokensPath := cachePaths(dir, sessionID)
	existed, err = fsutil.RemoveIfExists(statePath)
	if err != nil {
		return false, kvCacheError{op: "delete", session: sessionID, err: err}
	}
	if _, err := fsutil.RemoveIfExists(tokensPath); err != nil {
		return existed, kvCacheError{op: "delete", session: sessionID, err: err}
	}
	m.forget(sessionID)
	m.persistIndex(dir)
	if existed {
		m.pub.Publish(Event{Name: "kv_deleted", SessionID: sessionID})
	}
	return existed, nil
}

// KVCacheEntries returns the tracked caches, most recently used first.
func (m *Manager) KVCacheEntries() []KVCacheMetadata {
	m.kvMu.Lock()
	out := make([]KVCacheMetadata, 0, len(m.kvMeta))
	for _, e := range m.kvMeta {
		out = append(out, *e)
	}
	m.kvMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}

// touch refreshes (or creates) the entry for sessionID.
func (m *Manager) touch(sessionID, statePath, tokensPath string, size int64) {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	e, ok := m.kvMeta[sessionID]
	if !ok {
		e = &KVCacheMetadata{SessionID: sessionID}
		m.kvMeta[sessionID] = e
	}
	e.CacheFilePath = statePath
	e.TokensPath = tokensPath
	e.SizeBytes = size
	e.LastAccessed = m.now()
	m.updateGaugeLocked()
}

// forget drops the entry for sessionID and reports whether one existed.
func (m *Manager) forget(sessionID string) bool {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	_, ok := m.kvMeta[sessionID]
	delete(m.kvMeta, sessionID)
	m.updateGaugeLocked()
	return ok
}

func (m *Manager) updateGaugeLocked() { kvCacheFiles.Set(float64(len(m.kvMeta))) }

// MaxCacheFiles returns the configured cache file bound; 0 is unlimited.
func (m *Manager) MaxCacheFiles() int { return m.cfg.KVCache.MaxCacheFiles }
