package wal

// Checkpoint snapshots the current LSN, flushes the log through it,
// flushes the cache, appends a CHECKPOINT record, then advances
// checkpoint_lsn. The log and cache flushes run with the manager lock
// released so they never block concurrent transactions.
func (m *Manager) Checkpoint() bool {
	m.mu.Lock()
	ckptLSN := m.nextLSN
	m.mu.Unlock()

	if ckptLSN > 1 {
		if err := m.Flush(ckptLSN - 1); err != nil {
			return false
		}
	}

	if err := m.store.Flush(); err != nil {
		return false
	}

	m.mu.Lock()
	lsn := m.nextLSN
	m.nextLSN++
	m.logBuffer = append(m.logBuffer, &Record{LSN: lsn, Type: RecCheckpoint})
	m.stats.RecordsWritten++
	m.mu.Unlock()

	if err := m.Flush(lsn); err != nil {
		return false
	}

	m.mu.Lock()
	m.checkpointLSN = ckptLSN
	nextHint := m.nextLSN
	m.mu.Unlock()

	if err := m.writeMetadata(metadata{cleanShutdown: 0, checkpointLSN: ckptLSN, nextLSNHint: nextHint}); err != nil {
		return false
	}
	return true
}
