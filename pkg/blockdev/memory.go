package blockdev

import "sync"

// MemDevice is an in-memory Device of fixed sector count, used for tests
// and benchmarks where no backing file is wanted.
type MemDevice struct {
	mu      sync.RWMutex
	data    []byte
	sectors uint32
	closed  bool
}

// NewMemDevice creates an in-memory device with the given sector count.
func NewMemDevice(sectors uint32) *MemDevice {
	return &MemDevice{
		data:    make([]byte, int64(sectors)*SectorSize),
		sectors: sectors,
	}
}

func (m *MemDevice) ReadSector(secNo uint32, out []byte) error {
	if err := checkBuf(out); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkSector(secNo, m.sectors); err != nil {
		return err
	}

	off := int64(secNo) * SectorSize
	copy(out, m.data[off:off+SectorSize])
	return nil
}

func (m *MemDevice) WriteSector(secNo uint32, in []byte) error {
	if err := checkBuf(in); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkSector(secNo, m.sectors); err != nil {
		return err
	}

	off := int64(secNo) * SectorSize
	copy(m.data[off:off+SectorSize], in)
	return nil
}

// Sync is a no-op: the in-memory device is always "durable" to itself.
func (m *MemDevice) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemDevice) SectorCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sectors
}

func (m *MemDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
