package manager

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"inferd/internal/common/fsutil"
)

const indexFile = "index.json"

// indexRecord is the persisted form of a KVCacheMetadata entry.
type indexRecord struct {
	LastAccessedUnixMs int64 `json:"last_accessed_unix_ms"`
	SizeBytes          int64 `json:"size_bytes"`
}

// persistIndex writes the entries that live in dir to dir/index.json so LRU
// order survives restarts. Failures are logged, not returned.
func (m *Manager) persistIndex(dir string) {
	m.kvMu.Lock()
	snap := make(map[string]indexRecord, len(m.kvMeta))
	for id, e := range m.kvMeta {
		if filepath.Dir(e.CacheFilePath) != dir {
			continue
		}
		snap[id] = indexRecord{LastAccessedUnixMs: e.LastAccessed.UnixMilli(), SizeBytes: e.SizeBytes}
	}
	m.kvMu.Unlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, indexFile), b, 0o644); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("persist kv index")
	}
}

// RestoreKVIndex rebuilds cache metadata for storageDir from index.json and
// the state files actually present. Files without an index record take their
// modification time; index records without a file are dropped. Returns the
// number of caches tracked for the directory.
func (m *Manager) RestoreKVIndex(storageDir string) (int, error) {
	dir, err := m.resolveDir(storageDir)
	if err != nil {
		return 0, err
	}
	records := map[string]indexRecord{}
	if b, err := os.ReadFile(filepath.Join(dir, indexFile)); err == nil {
		if err := json.Unmarshal(b, &records); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("kv index unreadable, rebuilding from files")
			records = map[string]indexRecord{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	m.kvMu.Lock()
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, stateExt) {
			continue
		}
		id := strings.TrimSuffix(name, stateExt)
		if ValidateSessionID(id) != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		statePath, tokensPath := cachePaths(dir, id)
		e := &KVCacheMetadata{
			SessionID:     id,
			CacheFilePath: statePath,
			TokensPath:    tokensPath,
			LastAccessed:  info.ModTime(),
			SizeBytes:     info.Size(),
		}
		if rec, ok := records[id]; ok && rec.LastAccessedUnixMs > 0 {
			e.LastAccessed = time.UnixMilli(rec.LastAccessedUnixMs)
		}
		m.kvMeta[id] = e
		n++
	}
	m.updateGaugeLocked()
	m.kvMu.Unlock()

	m.persistIndex(dir)
	m.log.Info().Str("dir", dir).Int("entries", n).Msg("kv index restored")
	return n, nil
}
