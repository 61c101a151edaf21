package broker

import (
	"sync"
	"time"
)

// instrumentCache is a read-through cache for instrument metadata. Contract
// constraints change rarely, so entries live for a TTL and the whole cache is
// flushed on environment switches.
type instrumentCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedInstrument
}

type cachedInstrument struct {
	instrument Instrument
	fetchedAt  time.Time
}

func newInstrumentCache(ttl time.Duration) *instrumentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &instrumentCache{
		ttl:     ttl,
		entries: make(map[string]cachedInstrument),
	}
}

func (c *instrumentCache) get(name string) (Instrument, bool) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return Instrument{}, false
	}
	return entry.instrument, true
}

func (c *instrumentCache) put(instr Instrument) {
	c.mu.Lock()
	c.entries[instr.Name] = cachedInstrument{instrument: instr, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *instrumentCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedInstrument)
	c.mu.Unlock()
}

func (c *instrumentCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
