package wal

import "github.com/teachos/corestore/pkg/blockdev"

// RecoverySummary reports what the three-pass recovery algorithm found,
// useful for diskctl and tests; it carries no semantic weight for the
// manager itself once recovery has returned.
type RecoverySummary struct {
	RecordsScanned int
	Winners        int
	Losers         int
}

// LastRecovery is the summary from the most recent recovery run, or the
// zero value if Init never had to run one.
func (m *Manager) LastRecovery() RecoverySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRecovery
}

// recover runs the three-pass analysis/redo/undo algorithm. It is only
// invoked from Init when the prior session's metadata shows
// clean_shutdown == 0, and is never re-entered during normal operation.
func (m *Manager) recover() error {
	scanLSN := m.checkpointLSN
	if scanLSN < 1 {
		scanLSN = 1
	}

	records, err := m.scanLogRing(scanLSN)
	if err != nil {
		return err
	}

	firstLSNOf := make(map[uint32]uint64)
	lastLSNOf := make(map[uint32]uint64)
	winners := make(map[uint32]bool)

	for _, r := range records {
		if _, ok := firstLSNOf[r.TxnID]; !ok {
			firstLSNOf[r.TxnID] = r.LSN
		}
		lastLSNOf[r.TxnID] = r.LSN
		if r.Type == RecCommit {
			winners[r.TxnID] = true
		}
	}

	losers := make(map[uint32]bool)
	for txnID := range lastLSNOf {
		if !winners[txnID] {
			losers[txnID] = true
		}
	}

	// Pass 2: REDO, ascending LSN order (records is already ascending).
	for _, r := range records {
		if r.Type != RecWrite || !winners[r.TxnID] {
			continue
		}
		if err := m.store.Write(r.SectorNo, r.NewData[:r.Length], int(r.Offset), int(r.Length)); err != nil {
			return err
		}
	}

	// Pass 3: UNDO, descending LSN order.
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Type != RecWrite || !losers[r.TxnID] {
			continue
		}
		if err := m.store.Write(r.SectorNo, r.OldData[:r.Length], int(r.Offset), int(r.Length)); err != nil {
			return err
		}
	}

	if err := m.store.Flush(); err != nil {
		return err
	}

	// Document each loser with an ABORT record; these need not be
	// synchronously flushed before Init returns, only before the
	// manager's own shutdown.
	var maxAssigned uint64
	for txnID := range losers {
		m.mu.Lock()
		lsn := m.nextLSN
		m.nextLSN++
		m.logBuffer = append(m.logBuffer, &Record{LSN: lsn, Type: RecAbort, TxnID: txnID})
		m.mu.Unlock()
		maxAssigned = lsn
	}
	if maxAssigned > 0 {
		if err := m.Flush(maxAssigned); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.lastRecovery = RecoverySummary{
		RecordsScanned: len(records),
		Winners:        len(winners),
		Losers:         len(losers),
	}
	m.mu.Unlock()

	return nil
}

// scanLogRing reads one full revolution of the log ring starting at
// scanLSN's physical slot, decoding records until it hits the end of
// the written log: an empty/invalid record, a checksum failure, or a
// non-monotonic LSN (wrap-around into stale data). Any of these is
// treated as end-of-log, never a fault.
func (m *Manager) scanLogRing(scanLSN uint64) ([]*Record, error) {
	var records []*Record
	prevLSN := uint64(0)
	buf := make([]byte, blockdev.SectorSize)

	for i := 0; i < WALLogSectors; i++ {
		lsn := scanLSN + uint64(i)
		if err := m.dev.ReadSector(logSector(lsn), buf); err != nil {
			return nil, err
		}
		rec, err := Decode(buf)
		if err != nil {
			break
		}
		if rec.LSN <= prevLSN || rec.LSN < scanLSN {
			break
		}
		records = append(records, rec)
		prevLSN = rec.LSN
	}

	return records, nil
}
