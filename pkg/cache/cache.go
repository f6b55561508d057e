// Package cache implements a bounded sector cache: a fixed-capacity
// map of sector number to in-memory slot, clock (second-chance)
// eviction, per-slot reader-writer locking, and a best-effort prefetch
// worker (prefetch.go).
//
// Locking architecture:
//  1. Cache.mu — the cache-wide lock. Guards the sector→slot index and
//     the clock hand. Always acquired before any slot's own lock, and
//     never held across device I/O.
//  2. slot.mu — per-slot lock. Guards the slot's valid/loading/dirty/
//     accessed/readers/writing state. Two slot locks are never held at
//     once; a slot's own condition variable is used both for the
//     load-in-progress handshake and the reader/writer handoff.
package cache

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/teachos/corestore/pkg/blockdev"
)

// Capacity is the fixed number of slots in the cache.
const Capacity = 64

var (
	ErrBadRange = errors.New("cache: offset/length out of sector bounds")
	ErrClosed   = errors.New("cache: closed")
)

// Cache is the bounded, concurrent sector cache over a blockdev.Device.
type Cache struct {
	mu       sync.Mutex
	idleCond *sync.Cond

	dev   blockdev.Device
	slots []*slot
	index map[uint32]int
	hand  int

	statsMu sync.Mutex
	stats   Stats

	prefetch *prefetcher
	logger   *log.Logger

	closed bool
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLogger sets the logger used for prefetch-worker diagnostics.
// A nil logger (the default) discards all output, matching the rest of
// the ambient stack's nil-safe logging convention.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a Cache of fixed Capacity over dev and starts its prefetch
// worker. Call Close to stop the worker.
func New(dev blockdev.Device, opts ...Option) *Cache {
	c := &Cache{
		dev:   dev,
		slots: make([]*slot, Capacity),
		index: make(map[uint32]int, Capacity),
	}
	c.idleCond = sync.NewCond(&c.mu)
	for i := range c.slots {
		c.slots[i] = newSlot()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.prefetch = newPrefetcher(c)
	c.prefetch.start()
	return c
}

func (c *Cache) notifyIdle() {
	c.mu.Lock()
	c.idleCond.Broadcast()
	c.mu.Unlock()
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// acquireSlot returns the slot responsible for secNo. mustLoad is true
// when the caller is the one goroutine responsible for materializing
// the slot's contents, guaranteeing exactly one device read per miss.
func (c *Cache) acquireSlot(secNo uint32) (s *slot, mustLoad bool, err error) {
	c.mu.Lock()

	if idx, ok := c.index[secNo]; ok {
		s = c.slots[idx]
		c.mu.Unlock()
		return s, false, nil
	}

	idx, err := c.selectVictim()
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}

	s = c.slots[idx]
	s.mu.Lock()
	s.secNo = secNo
	s.valid = false
	s.loading = true
	s.dirty = false
	s.accessed = false
	s.readers = 0
	s.writing = false
	s.writerWaiting = false
	s.mu.Unlock()

	c.index[secNo] = idx
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()

	// The sector number is installed and the cache-wide lock released
	// before any device I/O.
	c.mu.Unlock()
	return s, true, nil
}

// selectVictim runs the clock algorithm over the slot ring. Caller must
// hold c.mu; selectVictim may release and reacquire it while waiting for
// a slot to become idle.
func (c *Cache) selectVictim() (int, error) {
	if c.closed {
		return 0, ErrClosed
	}

	maxSweeps := 2 * len(c.slots)
	for {
		for sweep := 0; sweep < maxSweeps; sweep++ {
			idx := c.hand
			c.hand = (c.hand + 1) % len(c.slots)

			s := c.slots[idx]
			s.mu.Lock()

			switch {
			case !s.valid && !s.loading:
				s.mu.Unlock()
				return idx, nil
			case s.pinned():
				s.mu.Unlock()
				continue
			case s.accessed:
				s.accessed = false
				s.mu.Unlock()
				continue
			default:
				// Victim found. A dirty victim's bytes are simply dropped:
				// the cache never writes back on casual eviction (spec
				// §4.B "Eviction write-back") — any write that reached this
				// slot was already logged to the WAL before being applied
				// here, so REDO can reconstruct it after a crash. Only
				// Flush/FlushSector/Checkpoint persist dirty data.
				if s.valid {
					delete(c.index, s.secNo)
					c.statsMu.Lock()
					c.stats.Evictions++
					c.statsMu.Unlock()
				}
				s.mu.Unlock()
				return idx, nil
			}
		}

		c.idleCond.Wait()
		if c.closed {
			return 0, ErrClosed
		}
	}
}

// getSlot returns a fully-loaded slot for secNo. If skipLoad is true and
// this goroutine is the installer, the device read is skipped (used for
// the full-sector write fast path) and the slot's data starts zeroed;
// the caller is expected to overwrite all of it.
func (c *Cache) getSlot(secNo uint32, skipLoad bool) (*slot, error) {
	for {
		s, mustLoad, err := c.acquireSlot(secNo)
		if err != nil {
			return nil, err
		}

		if mustLoad {
			var buf [blockdev.SectorSize]byte
			if !skipLoad {
				if err := c.dev.ReadSector(secNo, buf[:]); err != nil {
					c.abandonLoad(s, secNo)
					return nil, fmt.Errorf("cache: load sector %d: %w", secNo, err)
				}
				c.statsMu.Lock()
				c.stats.DeviceReads++
				c.statsMu.Unlock()
			}

			s.mu.Lock()
			s.data = buf
			s.valid = true
			s.loading = false
			s.cond.Broadcast()
			s.mu.Unlock()
			c.notifyIdle()
			return s, nil
		}

		s.mu.Lock()
		for s.loading && s.secNo == secNo {
			s.cond.Wait()
		}
		ready := s.secNo == secNo && s.valid
		s.mu.Unlock()

		if ready {
			c.statsMu.Lock()
			c.stats.Hits++
			c.statsMu.Unlock()
			return s, nil
		}
		// The slot was recycled out from under us before we attached
		// (raced with another miss on a different sector); retry.
	}
}

// abandonLoad resets a slot whose device read failed, so other waiters
// don't block forever, and drops the failed sector from the index.
func (c *Cache) abandonLoad(s *slot, secNo uint32) {
	s.mu.Lock()
	s.loading = false
	s.valid = false
	s.cond.Broadcast()
	s.mu.Unlock()

	c.mu.Lock()
	if idx, ok := c.index[secNo]; ok && c.slots[idx] == s {
		delete(c.index, secNo)
	}
	c.mu.Unlock()
	c.notifyIdle()
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > blockdev.SectorSize {
		return ErrBadRange
	}
	return nil
}

// Read returns the full current contents of secNo, loading it on miss.
func (c *Cache) Read(secNo uint32, out []byte) error {
	return c.ReadAt(secNo, out, 0, blockdev.SectorSize)
}

// ReadAt reads length bytes at offset from secNo.
func (c *Cache) ReadAt(secNo uint32, out []byte, offset, length int) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	if len(out) < length {
		return ErrBadRange
	}

	s, err := c.getSlot(secNo, false)
	if err != nil {
		return err
	}

	s.beginRead()
	copy(out[:length], s.data[offset:offset+length])
	s.endRead(c)
	return nil
}

// Write applies in[:length] at offset in secNo and marks the slot dirty.
// When offset==0 and length==SectorSize the miss path skips the
// read-modify-write load entirely.
func (c *Cache) Write(secNo uint32, in []byte, offset, length int) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	if len(in) < length {
		return ErrBadRange
	}

	fullSector := offset == 0 && length == blockdev.SectorSize
	s, err := c.getSlot(secNo, fullSector)
	if err != nil {
		return err
	}

	s.beginWrite()
	copy(s.data[offset:offset+length], in[:length])
	s.endWrite(c, true)
	return nil
}

// FlushSector writes secNo to the device if dirty, and clears the dirty bit.
func (c *Cache) FlushSector(secNo uint32) error {
	c.mu.Lock()
	idx, ok := c.index[secNo]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s := c.slots[idx]
	s.beginWrite()
	defer s.endWrite(c, false)

	if s.secNo != secNo || !s.valid || !s.dirty {
		return nil
	}

	if err := c.dev.WriteSector(secNo, s.data[:]); err != nil {
		return fmt.Errorf("cache: flush sector %d: %w", secNo, err)
	}
	c.statsMu.Lock()
	c.stats.DeviceWrites++
	c.statsMu.Unlock()
	s.dirty = false
	return nil
}

// Flush writes every dirty slot to the device. On return, the device
// reflects every write that completed before Flush was called.
func (c *Cache) Flush() error {
	c.mu.Lock()
	secNos := make([]uint32, 0, len(c.index))
	for secNo := range c.index {
		secNos = append(secNos, secNo)
	}
	c.mu.Unlock()

	for _, secNo := range secNos {
		if err := c.FlushSector(secNo); err != nil {
			return err
		}
	}
	return c.dev.Sync()
}

// RequestPrefetch enqueues a best-effort hint; it never blocks for I/O
// and silently drops the hint under backpressure or if already cached.
func (c *Cache) RequestPrefetch(secNo uint32) {
	c.mu.Lock()
	_, cached := c.index[secNo]
	c.mu.Unlock()
	if cached {
		return
	}
	c.prefetch.request(secNo)
}

// Close stops the prefetch worker. It does not flush; callers that need
// durability should Flush explicitly first (the WAL's Shutdown does this).
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.idleCond.Broadcast()
	c.mu.Unlock()

	c.prefetch.stop()
	return nil
}
