package manager

// AssignSequence returns the sequence id held by sessionID, allocating the
// lowest free id below n_seq_max when it has none.
func (m *Manager) AssignSequence(sessionID string) (int, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	if id, ok := m.seqs[sessionID]; ok {
		return id, nil
	}
	used := make(map[int]bool, len(m.seqs))
	for _, id := range m.seqs {
		used[id] = true
	}
	for id := 0; id < m.cfg.Model.NSeqMax; id++ {
		if !used[id] {
			m.seqs[sessionID] = id
			return id, nil
		}
	}
	return 0, tooBusyError{what: "all sequence slots in use"}
}

// ReleaseSequence frees the sequence id held by sessionID, if any.
func (m *Manager) ReleaseSequence(sessionID string) {
	m.seqMu.Lock()
	delete(m.seqs, sessionID)
	m.seqMu.Unlock()
}

// CleanupSession drops the session's sequence id and deletes its cache from
// the configured storage directory. Failures are logged.
func (m *Manager) CleanupSession(sessionID string) {
	m.ReleaseSequence(sessionID)
	if _, err := m.DeleteSessionKVCache(sessionID, ""); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("cleanup session cache")
	}
	m.pub.Publish(Event{Name: "session_cleaned", SessionID: sessionID})
}

// MaxSequences is the configured n_seq_max.
func (m *Manager) MaxSequences() int { return m.cfg.Model.NSeqMax }
