package wal

import "fmt"

// Mutate captures the sector's current bytes at offset:offset+length,
// logs the (old, new) diff under txn, and only then applies new to the
// sector store: old bytes outside any cache-wide lock, the log record
// written with no slot lock held, and the new bytes applied afterward,
// never the other way around.
//
// It returns false if LogWrite refused the record (log ring full and
// unrelievable by checkpoint); the sector is left untouched in that case.
func (m *Manager) Mutate(txn *Txn, secNo uint32, newData []byte, offset, length int) (bool, error) {
	old := make([]byte, length)
	if err := m.store.ReadAt(secNo, old, offset, length); err != nil {
		return false, fmt.Errorf("wal: mutate: read old bytes: %w", err)
	}

	if !m.LogWrite(txn, secNo, old, newData, offset, length) {
		return false, nil
	}

	if err := m.store.Write(secNo, newData, offset, length); err != nil {
		return false, fmt.Errorf("wal: mutate: apply new bytes: %w", err)
	}
	return true, nil
}
