// Package wal implements a write-ahead log manager: fixed-size
// checksummed records on a circular log ring, transactions with
// REDO/UNDO semantics, and checkpointing.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/teachos/corestore/pkg/blockdev"
)

// On-disk layout constants.
const (
	WALMetadataSector = 0
	LogStart          = 1
	WALLogSectors     = 64

	walMagic = 0x57414C30
)

var (
	ErrNotActive      = errors.New("wal: transaction is not ACTIVE")
	ErrLogFull        = errors.New("wal: log ring is full and cannot be relieved by checkpoint")
	ErrBadMetadata    = errors.New("wal: metadata sector has wrong magic")
	ErrNotInitialized = errors.New("wal: manager has not been initialized")
)

// SectorStore is the narrow view of the sector cache the WAL manager
// needs: applying REDO/UNDO bytes during recovery and flushing dirty
// data to the device at checkpoint, shutdown and recovery time. *cache.Cache satisfies
// this interface without either package importing the other's types.
type SectorStore interface {
	ReadAt(secNo uint32, out []byte, offset, length int) error
	Write(secNo uint32, in []byte, offset, length int) error
	Flush() error
}

// Stats is a snapshot of WAL manager counters, tagged for msgpack so
// diskctl can serialize it alongside cache.Stats.
type Stats struct {
	TxnBegun       uint64 `msgpack:"txn_begun"`
	TxnCommitted   uint64 `msgpack:"txn_committed"`
	TxnAborted     uint64 `msgpack:"txn_aborted"`
	RecordsWritten uint64 `msgpack:"records_written"`
	BytesFlushed   uint64 `msgpack:"bytes_flushed"`
}

// Manager is the WAL manager for one block device, modeled as an
// explicit handle rather than a package-level variable so a process
// can drive more than one device.
type Manager struct {
	mu        sync.Mutex
	flushCond *sync.Cond
	flushing  bool

	dev   blockdev.Device
	store SectorStore

	nextLSN       uint64
	flushedLSN    uint64
	nextTxnID     uint32
	checkpointLSN uint64
	logBuffer     []*Record

	stats        Stats
	lastRecovery RecoverySummary

	initialized  bool
	sessionDirty bool
}

// New constructs a Manager bound to dev (for metadata and log-ring I/O)
// and store (the sector cache data writes apply to).
func New(dev blockdev.Device, store SectorStore) *Manager {
	m := &Manager{dev: dev, store: store}
	m.flushCond = sync.NewCond(&m.mu)
	return m
}

type metadata struct {
	magic         uint32
	cleanShutdown uint32
	checkpointLSN uint64
	nextLSNHint   uint64
}

func decodeMetadata(buf []byte) (metadata, error) {
	var md metadata
	md.magic = binary.LittleEndian.Uint32(buf[0:4])
	if md.magic != walMagic {
		return md, ErrBadMetadata
	}
	md.cleanShutdown = binary.LittleEndian.Uint32(buf[4:8])
	md.checkpointLSN = binary.LittleEndian.Uint64(buf[8:16])
	md.nextLSNHint = binary.LittleEndian.Uint64(buf[16:24])
	return md, nil
}

func encodeMetadata(md metadata) []byte {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint32(buf[4:8], md.cleanShutdown)
	binary.LittleEndian.PutUint64(buf[8:16], md.checkpointLSN)
	binary.LittleEndian.PutUint64(buf[16:24], md.nextLSNHint)
	return buf
}

func (m *Manager) readMetadata() (metadata, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := m.dev.ReadSector(WALMetadataSector, buf); err != nil {
		return metadata{}, err
	}
	return decodeMetadata(buf)
}

func (m *Manager) writeMetadata(md metadata) error {
	if err := m.dev.WriteSector(WALMetadataSector, encodeMetadata(md)); err != nil {
		return err
	}
	return m.dev.Sync()
}

// Init brings the manager up. If formatFresh, it writes a clean
// metadata sector and returns. Otherwise it reads existing metadata; if
// the prior session did not shut down cleanly, it runs recovery before
// marking the session open.
func (m *Manager) Init(formatFresh bool) error {
	if formatFresh {
		m.nextLSN = 1
		m.flushedLSN = 0
		m.nextTxnID = 1
		m.checkpointLSN = 0
		if err := m.writeMetadata(metadata{cleanShutdown: 1}); err != nil {
			return fmt.Errorf("wal: format: %w", err)
		}
		m.initialized = true
		m.sessionDirty = false
		return nil
	}

	md, err := m.readMetadata()
	if err != nil {
		return fmt.Errorf("wal: read metadata: %w", err)
	}

	m.checkpointLSN = md.checkpointLSN
	m.nextLSN = md.nextLSNHint
	if m.nextLSN == 0 {
		m.nextLSN = 1
	}
	m.flushedLSN = m.nextLSN - 1
	m.nextTxnID = 1

	if md.cleanShutdown == 0 {
		if err := m.recover(); err != nil {
			return fmt.Errorf("wal: recovery: %w", err)
		}
	}

	if err := m.writeMetadata(metadata{cleanShutdown: 0, checkpointLSN: m.checkpointLSN, nextLSNHint: m.nextLSN}); err != nil {
		return fmt.Errorf("wal: write metadata: %w", err)
	}

	m.initialized = true
	m.sessionDirty = true
	return nil
}

// Shutdown flushes all buffered records and dirty cache data, then
// marks the metadata sector clean. Only Shutdown sets clean_shutdown=1.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	upto := m.nextLSN - 1
	m.mu.Unlock()

	if err := m.Flush(upto); err != nil {
		return fmt.Errorf("wal: shutdown flush: %w", err)
	}
	if err := m.store.Flush(); err != nil {
		return fmt.Errorf("wal: shutdown cache flush: %w", err)
	}

	m.mu.Lock()
	md := metadata{cleanShutdown: 1, checkpointLSN: m.checkpointLSN, nextLSNHint: m.nextLSN}
	m.mu.Unlock()

	if err := m.writeMetadata(md); err != nil {
		return fmt.Errorf("wal: shutdown metadata: %w", err)
	}

	m.mu.Lock()
	m.sessionDirty = false
	m.mu.Unlock()
	return nil
}

// TxnBegin allocates a new ACTIVE transaction with a fresh id. The first
// TxnBegin of a freshly-formatted session marks the metadata sector
// clean_shutdown=0 — the glossary's "start of any mutating session" —
// so that a crash before the next checkpoint or Shutdown is detected
// and recovered from on the next Init(false).
func (m *Manager) TxnBegin() *Txn {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		panic(ErrNotInitialized)
	}
	dirty := m.sessionDirty
	checkpointLSN := m.checkpointLSN
	nextLSN := m.nextLSN
	m.mu.Unlock()

	if !dirty {
		if err := m.writeMetadata(metadata{cleanShutdown: 0, checkpointLSN: checkpointLSN, nextLSNHint: nextLSN}); err != nil {
			panic(fmt.Errorf("wal: mark session dirty: %w", err))
		}
		m.mu.Lock()
		m.sessionDirty = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	id := m.nextTxnID
	m.nextTxnID++
	m.stats.TxnBegun++
	m.mu.Unlock()
	return &Txn{id: id, state: TxnActive}
}

// hasCapacityLocked reports whether n additional LSNs can be assigned
// without overwriting a log-ring record whose effects are not yet
// checkpointed. Caller must hold m.mu.
func (m *Manager) hasCapacityLocked(n int) bool {
	lastLSN := m.nextLSN + uint64(n) - 1
	if lastLSN <= WALLogSectors {
		return true
	}
	required := lastLSN - WALLogSectors
	return m.checkpointLSN >= required
}

func (m *Manager) tryReserveLSNs(n int) ([]uint64, bool) {
	m.mu.Lock()
	if !m.hasCapacityLocked(n) {
		m.mu.Unlock()
		return nil, false
	}
	lsns := make([]uint64, n)
	for i := range lsns {
		lsns[i] = m.nextLSN
		m.nextLSN++
	}
	m.mu.Unlock()
	return lsns, true
}

// reserveLSNsOrCheckpoint tries to reserve n LSNs, forcing a checkpoint
// once if the ring has no headroom.
func (m *Manager) reserveLSNsOrCheckpoint(n int) ([]uint64, bool) {
	if lsns, ok := m.tryReserveLSNs(n); ok {
		return lsns, true
	}
	if !m.Checkpoint() {
		return nil, false
	}
	return m.tryReserveLSNs(n)
}

type chunk struct {
	offset int
	length int
	old    []byte
	new    []byte
}

func splitChunks(old, newData []byte, offset, length int) []chunk {
	if length == 0 {
		return []chunk{{offset: offset, length: 0}}
	}
	chunks := make([]chunk, 0, (length+MaxData-1)/MaxData)
	for pos := 0; pos < length; {
		n := length - pos
		if n > MaxData {
			n = MaxData
		}
		chunks = append(chunks, chunk{
			offset: offset + pos,
			length: n,
			old:    old[pos : pos+n],
			new:    newData[pos : pos+n],
		})
		pos += n
	}
	return chunks
}

// LogWrite captures a diff and splits it into one or more WRITE records
// of at most MaxData bytes each. It returns false if the log cannot
// make room for the records even after forcing a checkpoint.
func (m *Manager) LogWrite(txn *Txn, sector uint32, old, newData []byte, offset, length int) bool {
	if txn.state != TxnActive {
		panic(ErrNotActive)
	}

	chunks := splitChunks(old, newData, offset, length)
	lsns, ok := m.reserveLSNsOrCheckpoint(len(chunks))
	if !ok {
		return false
	}

	m.mu.Lock()
	for i, ch := range chunks {
		rec := &Record{
			LSN:      lsns[i],
			Type:     RecWrite,
			TxnID:    txn.id,
			SectorNo: sector,
			Offset:   uint16(ch.offset),
			Length:   uint16(ch.length),
		}
		copy(rec.OldData[:], ch.old)
		copy(rec.NewData[:], ch.new)
		m.logBuffer = append(m.logBuffer, rec)
	}
	m.stats.RecordsWritten += uint64(len(chunks))
	m.mu.Unlock()

	if txn.firstLSN == 0 {
		txn.firstLSN = lsns[0]
	}
	txn.lastLSN = lsns[len(lsns)-1]
	oldCopy := make([]byte, length)
	newCopy := make([]byte, length)
	copy(oldCopy, old[:length])
	copy(newCopy, newData[:length])
	txn.diffs = append(txn.diffs, diff{secNo: sector, offset: offset, length: length, old: oldCopy, new: newCopy})

	return true
}

// TxnCommit writes a COMMIT record, synchronously flushes the log
// through it, and marks the transaction COMMITTED. It returns false if
// the ring has no room even after a forced checkpoint, or if the log
// flush fails; the transaction then stays ACTIVE.
func (m *Manager) TxnCommit(txn *Txn) bool {
	if txn.state != TxnActive {
		panic(ErrNotActive)
	}

	lsns, ok := m.reserveLSNsOrCheckpoint(1)
	if !ok {
		return false
	}
	lsn := lsns[0]

	m.mu.Lock()
	m.logBuffer = append(m.logBuffer, &Record{LSN: lsn, Type: RecCommit, TxnID: txn.id})
	m.stats.RecordsWritten++
	m.mu.Unlock()

	if err := m.Flush(lsn); err != nil {
		return false
	}

	txn.state = TxnCommitted
	txn.lastLSN = lsn
	txn.diffs = nil

	m.mu.Lock()
	m.stats.TxnCommitted++
	m.mu.Unlock()
	return true
}

// TxnAbort replays each diff's old bytes in reverse insertion order
// (UNDO), writes an ABORT record (not synchronously flushed), and
// marks the transaction ABORTED. Abort cannot fail the caller's
// transaction outright, so LSN reservation falls back to an
// unconditional assignment if a checkpoint can't free room.
func (m *Manager) TxnAbort(txn *Txn) {
	if txn.state != TxnActive {
		panic(ErrNotActive)
	}

	for i := len(txn.diffs) - 1; i >= 0; i-- {
		d := txn.diffs[i]
		if err := m.store.Write(d.secNo, d.old, d.offset, d.length); err != nil {
			panic(fmt.Errorf("wal: abort undo write: %w", err))
		}
	}

	lsns, ok := m.reserveLSNsOrCheckpoint(1)
	if !ok {
		m.mu.Lock()
		lsns = []uint64{m.nextLSN}
		m.nextLSN++
		m.mu.Unlock()
	}
	lsn := lsns[0]

	m.mu.Lock()
	m.logBuffer = append(m.logBuffer, &Record{LSN: lsn, Type: RecAbort, TxnID: txn.id})
	m.stats.RecordsWritten++
	m.stats.TxnAborted++
	m.mu.Unlock()

	txn.state = TxnAborted
	txn.lastLSN = lsn
	txn.diffs = nil
}

func logSector(lsn uint64) uint32 {
	return LogStart + uint32((lsn-1)%WALLogSectors)
}

// Flush writes every buffered record with LSN <= uptoLSN (and any
// earlier ones still buffered) to the log ring, then advances
// flushedLSN. Concurrent callers targeting overlapping ranges coalesce
// onto a single in-flight flush via flushCond.
func (m *Manager) Flush(uptoLSN uint64) error {
	m.mu.Lock()
	for {
		if m.flushedLSN >= uptoLSN {
			m.mu.Unlock()
			return nil
		}
		if m.flushing {
			m.flushCond.Wait()
			continue
		}
		m.flushing = true
		var pending []*Record
		for _, r := range m.logBuffer {
			if r.LSN <= uptoLSN {
				pending = append(pending, r)
			}
		}
		m.mu.Unlock()

		err := m.writeRecords(pending)

		m.mu.Lock()
		m.flushing = false
		if err != nil {
			m.flushCond.Broadcast()
			m.mu.Unlock()
			return err
		}
		if len(pending) > 0 {
			newFlushed := pending[len(pending)-1].LSN
			if newFlushed > m.flushedLSN {
				m.flushedLSN = newFlushed
			}
			m.stats.BytesFlushed += uint64(len(pending)) * blockdev.SectorSize
			kept := m.logBuffer[:0]
			for _, r := range m.logBuffer {
				if r.LSN > m.flushedLSN {
					kept = append(kept, r)
				}
			}
			m.logBuffer = kept
		}
		m.flushCond.Broadcast()
	}
}

func (m *Manager) writeRecords(records []*Record) error {
	for _, r := range records {
		if err := m.dev.WriteSector(logSector(r.LSN), Encode(r)); err != nil {
			return fmt.Errorf("wal: write log sector for lsn %d: %w", r.LSN, err)
		}
	}
	if len(records) > 0 {
		return m.dev.Sync()
	}
	return nil
}

// GetStats returns a snapshot of the manager's counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// CheckpointLSN returns the LSN below which the log ring is reclaimable.
func (m *Manager) CheckpointLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLSN
}
