package manager

import (
	"path/filepath"
	"sort"

	"inferd/internal/common/fsutil"
)

// evictKVCaches removes the least recently accessed caches in dir until at
// most limit remain, returning how many were removed. Sessions with a save in
// progress are never chosen.
func (m *Manager) evictKVCaches(dir string, limit int) int {
	if limit <= 0 {
		return 0
	}
	m.kvMu.Lock()
	victims := m.pickVictimsLocked(dir, limit)
	m.kvMu.Unlock()
	if len(victims) == 0 {
		return 0
	}

	removed := 0
	for _, v := range victims {
		if !m.removeVictim(v) {
			continue
		}
		removed++
		m.log.Info().Str("session", v.SessionID).Time("last_accessed", v.LastAccessed).Msg("kv cache evicted")
		m.pub.Publish(Event{Name: "kv_evicted", SessionID: v.SessionID})
	}
	kvEvictionsTotal.Add(float64(removed))
	m.persistIndex(dir)
	return removed
}

// pickVictimsLocked untracks and returns the oldest entries in dir beyond
// limit. kvMu must be held.
func (m *Manager) pickVictimsLocked(dir string, limit int) []KVCacheMetadata {
	var inDir []*KVCacheMetadata
	for _, e := range m.kvMeta {
		if filepath.Dir(e.CacheFilePath) == dir {
			inDir = append(inDir, e)
		}
	}
	need := len(inDir) - limit
	if need <= 0 {
		return nil
	}
	sort.Slice(inDir, func(i, j int) bool {
		if inDir[i].LastAccessed.Equal(inDir[j].LastAccessed) {
			return inDir[i].SessionID < inDir[j].SessionID
		}
		return inDir[i].LastAccessed.Before(inDir[j].LastAccessed)
	})
	victims := make([]KVCacheMetadata, 0, need)
	for _, e := range inDir {
		if len(victims) == need {
			break
		}
		if m.saving[e.SessionID] > 0 {
			continue
		}
		victims = append(victims, *e)
		delete(m.kvMeta, e.SessionID)
	}
	m.updateGaugeLocked()
	return victims
}

// removeVictim deletes v's files unless the session was tracked again or a
// save started since it was picked. Reports whether files were removed.
func (m *Manager) removeVictim(v KVCacheMetadata) bool {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	if _, tracked := m.kvMeta[v.SessionID]; tracked || m.saving[v.SessionID] > 0 {
		return false
	}
	if _, err := fsutil.RemoveIfExists(v.CacheFilePath); err != nil {
		m.log.Warn().Err(err).Str("session", v.SessionID).Msg("evict: remove state file")
	}
	if _, err := fsutil.RemoveIfExists(v.TokensPath); err != nil {
		m.log.Warn().Err(err).Str("session", v.SessionID).Msg("evict: remove tokens file")
	}
	return true
}

// beginSave marks sessionID as being written so eviction leaves its files
// alone; the returned func clears the mark.
func (m *Manager) beginSave(sessionID string) func() {
	m.kvMu.Lock()
	m.saving[sessionID]++
	m.kvMu.Unlock()
	return func() {
		m.kvMu.Lock()
		if m.saving[sessionID]--; m.saving[sessionID] <= 0 {
			delete(m.saving, sessionID)
		}
		m.kvMu.Unlock()
	}
}
