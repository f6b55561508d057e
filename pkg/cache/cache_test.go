package cache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teachos/corestore/pkg/blockdev"
)

func newTestCache(t *testing.T, sectors uint32) (*Cache, *blockdev.MemDevice) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	c := New(dev)
	t.Cleanup(func() {
		c.Close()
		dev.Close()
	})
	return c, dev
}

func TestReadMissLoadsFromDevice(t *testing.T) {
	c, dev := newTestCache(t, 8)

	want := bytes.Repeat([]byte{0x11}, blockdev.SectorSize)
	require.NoError(t, dev.WriteSector(3, want))

	got := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(3, got))
	assert.Equal(t, want, got)

	st := c.Stats()
	assert.EqualValues(t, 1, st.Misses)
	assert.EqualValues(t, 1, st.DeviceReads)
}

func TestReadHitDoesNotReIssueDeviceRead(t *testing.T) {
	c, _ := newTestCache(t, 8)

	buf := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(3, buf))
	require.NoError(t, c.Read(3, buf))

	st := c.Stats()
	assert.EqualValues(t, 1, st.DeviceReads, "second read should hit")
	assert.EqualValues(t, 1, st.Hits)
}

func TestWriteFullSectorSkipsReadModifyWrite(t *testing.T) {
	c, dev := newTestCache(t, 8)

	// Poison the device sector; a full-sector write on a miss must not read it.
	poison := bytes.Repeat([]byte{0xFF}, blockdev.SectorSize)
	require.NoError(t, dev.WriteSector(2, poison))

	payload := bytes.Repeat([]byte{0x22}, blockdev.SectorSize)
	require.NoError(t, c.Write(2, payload, 0, blockdev.SectorSize))

	st := c.Stats()
	assert.EqualValues(t, 0, st.DeviceReads, "full-sector write on miss must not read")

	got := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(2, got))
	assert.Equal(t, payload, got)
}

func TestPartialWriteOnMissLoadsFirst(t *testing.T) {
	c, dev := newTestCache(t, 8)

	seed := bytes.Repeat([]byte{0xAA}, blockdev.SectorSize)
	require.NoError(t, dev.WriteSector(1, seed))

	require.NoError(t, c.Write(1, []byte{0xBB, 0xBB}, 10, 2))

	got := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(1, got))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xBB, 0xAA}, got[9:13])
}

func TestFlushPersistsDirtySectors(t *testing.T) {
	c, dev := newTestCache(t, 8)

	payload := bytes.Repeat([]byte{0x33}, blockdev.SectorSize)
	require.NoError(t, c.Write(4, payload, 0, blockdev.SectorSize))
	require.NoError(t, c.Flush())

	onDisk := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(4, onDisk))
	assert.Equal(t, payload, onDisk, "Flush did not persist dirty sector to the device")
}

func TestClockEvictionReclaimsSlots(t *testing.T) {
	dev := blockdev.NewMemDevice(uint32(Capacity * 4))
	defer dev.Close()
	c := New(dev)
	defer c.Close()

	// Touch far more distinct sectors than the cache has slots.
	buf := make([]byte, blockdev.SectorSize)
	for secNo := uint32(0); secNo < uint32(Capacity*4); secNo++ {
		require.NoError(t, c.Read(secNo, buf), "sector %d", secNo)
	}

	st := c.Stats()
	assert.Positive(t, st.Evictions, "expected clock eviction to have reclaimed at least one slot")
	assert.EqualValues(t, Capacity*4, st.Misses)
}

func TestConcurrentReadersSeeConsistentBytes(t *testing.T) {
	c, dev := newTestCache(t, 4)

	want := bytes.Repeat([]byte{0x77}, blockdev.SectorSize)
	require.NoError(t, dev.WriteSector(0, want))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, blockdev.SectorSize)
			if err := c.Read(0, buf); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(buf, want) {
				errs <- errBadBytes
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "concurrent reader")
	}
}

var errBadBytes = bytesMismatchErr{}

type bytesMismatchErr struct{}

func (bytesMismatchErr) Error() string { return "reader observed inconsistent bytes" }

func TestConcurrentWritersSerialize(t *testing.T) {
	c, _ := newTestCache(t, 4)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := []byte{byte(i)}
			assert.NoError(t, c.Write(1, buf, 0, 1))
		}(i)
	}
	wg.Wait()

	got := make([]byte, 1)
	require.NoError(t, c.ReadAt(1, got, 0, 1))
	// No assertion on which writer won; the property under test is that
	// the cache never panics or deadlocks under concurrent writers and
	// the slot ends up holding exactly one writer's whole byte, not a
	// torn mix (trivially true at length 1, but exercises the lock path).
}

func TestPrefetchDoesNotDuplicateOrBlockCaller(t *testing.T) {
	c, dev := newTestCache(t, 8)

	seed := bytes.Repeat([]byte{0x55}, blockdev.SectorSize)
	require.NoError(t, dev.WriteSector(6, seed))

	c.RequestPrefetch(6)
	// Advisory: the background worker may or may not have won the race
	// against the assertion below, so we only wait for it to make
	// progress, never assert exact timing.
	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.PrefetchHits+st.Misses >= 1
	}, 500*time.Millisecond, 5*time.Millisecond)

	got := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(6, got))
	assert.Equal(t, seed, got)

	st := c.Stats()
	assert.LessOrEqual(t, st.DeviceReads, uint64(1), "prefetch must not duplicate the load")
}

func TestRequestPrefetchOfCachedSectorIsNoop(t *testing.T) {
	c, _ := newTestCache(t, 8)

	buf := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.Read(0, buf))
	before := c.Stats()
	c.RequestPrefetch(0)
	time.Sleep(20 * time.Millisecond)
	after := c.Stats()
	assert.Equal(t, before.DeviceReads, after.DeviceReads, "RequestPrefetch re-read an already-cached sector")
}

func TestOutOfRangeOffsetRejected(t *testing.T) {
	c, _ := newTestCache(t, 8)

	buf := make([]byte, blockdev.SectorSize)
	err := c.ReadAt(0, buf, blockdev.SectorSize-1, 4)
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestCloseStopsPrefetchWorker(t *testing.T) {
	dev := blockdev.NewMemDevice(4)
	defer dev.Close()
	c := New(dev)

	require.NoError(t, c.Close())
	// A second Close must be a no-op, not a panic on an already-closed channel.
	require.NoError(t, c.Close())
}
