package cache

import (
	"sync"

	"github.com/teachos/corestore/pkg/blockdev"
)

// slot is a single cache frame. Every field is
// guarded by mu except secNo/valid during the narrow install window
// described in acquireSlot, which additionally holds the cache-wide lock.
type slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	secNo   uint32
	valid   bool
	loading bool
	dirty   bool

	// accessed is the clock algorithm's reference bit: set on every
	// access, cleared by a clock sweep that passes over it once.
	accessed bool

	// readers is the count of in-flight readers; writing marks an active
	// writer; writerWaiting starve-blocks new readers while a writer is
	// queued behind in-flight readers.
	readers       int
	writing       bool
	writerWaiting bool

	data [blockdev.SectorSize]byte
}

func newSlot() *slot {
	s := &slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// pinned reports whether the clock sweep must skip this slot: an active
// reader/writer or an in-flight load.
// Caller must hold s.mu.
func (s *slot) pinned() bool {
	return s.loading || s.readers > 0 || s.writing
}

// beginRead blocks until no writer is active or queued, then registers
// this goroutine as a reader. Caller must already know the slot is valid.
func (s *slot) beginRead() {
	s.mu.Lock()
	for s.writerWaiting || s.writing {
		s.cond.Wait()
	}
	s.readers++
	s.accessed = true
	s.mu.Unlock()
}

// endRead unregisters a reader and wakes anyone waiting on this slot
// becoming idle — a blocked writer, or the cache's eviction sweep.
func (s *slot) endRead(c *Cache) {
	s.mu.Lock()
	s.readers--
	idle := s.readers == 0 && !s.writing
	s.cond.Broadcast()
	s.mu.Unlock()

	if idle {
		c.notifyIdle()
	}
}

// beginWrite starves out new readers via writerWaiting, then blocks until
// all in-flight readers and any other writer have drained.
func (s *slot) beginWrite() {
	s.mu.Lock()
	s.writerWaiting = true
	for s.readers > 0 || s.writing {
		s.cond.Wait()
	}
	s.writerWaiting = false
	s.writing = true
	s.mu.Unlock()
}

// endWrite clears the active-writer flag, marks the slot dirty if the
// write mutated data, sets the clock's accessed bit, and wakes waiters.
func (s *slot) endWrite(c *Cache, dirty bool) {
	s.mu.Lock()
	s.writing = false
	if dirty {
		s.dirty = true
	}
	s.accessed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	c.notifyIdle()
}
