package cache

import "fmt"

// Stats is a point-in-time snapshot of cache activity counters (spec
// §7 "Observability"). The msgpack tags let diskctl's `stats --format
// msgpack` subcommand serialize it directly.
type Stats struct {
	Hits          uint64 `msgpack:"hits"`
	Misses        uint64 `msgpack:"misses"`
	Evictions     uint64 `msgpack:"evictions"`
	PrefetchHits  uint64 `msgpack:"prefetch_hits"`
	PrefetchDrops uint64 `msgpack:"prefetch_drops"`
	DeviceReads   uint64 `msgpack:"device_reads"`
	DeviceWrites  uint64 `msgpack:"device_writes"`
}

// Stats returns a copy of the cache's current counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ResetStats zeroes the cache's counters. Useful for isolating a single
// benchmark run or test phase from warm-up traffic.
func (c *Cache) ResetStats() {
	c.statsMu.Lock()
	c.stats = Stats{}
	c.statsMu.Unlock()
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"hits=%d misses=%d evictions=%d prefetch_hits=%d prefetch_drops=%d device_reads=%d device_writes=%d",
		s.Hits, s.Misses, s.Evictions, s.PrefetchHits, s.PrefetchDrops, s.DeviceReads, s.DeviceWrites,
	)
}
