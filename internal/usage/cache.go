package usage

import (
	"fmt"

	"github.com/shepherd-project/gpuwatch/internal/types"
)

// Key identifies one client session of one process on one device.
type Key struct {
	ClientID uint64
	PID      int32
	PDev     string
}

func (k Key) String() string {
	return fmt.Sprintf("client %d pid %d on %s", k.ClientID, k.PID, k.PDev)
}

type entry struct {
	cycles Cycles
}

// Cache is the two-generation delta store of one device.
// It is not safe for concurrent use; the refresh loop owns it.
type Cache struct {
	// Strict makes a duplicate key within one cycle panic instead of being
	// counted. Defaults to true in builds tagged gpuwatch_debug.
	Strict bool

	previous   map[Key]*entry
	current    map[Key]*entry
	duplicates uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		Strict:   strictDefault,
		previous: make(map[Key]*entry),
		current:  make(map[Key]*entry),
	}
}

// Observe records a fresh sample for key and returns the utilization over
// the interval since the previous cycle's sample of the same key.
//
// A key seen for the first time yields an all-absent Utilization. A key
// already observed in this cycle returns ErrDuplicateKey (or panics when
// Strict); the newer sample replaces the stored one and nothing is computed
// from it.
func (c *Cache) Observe(key Key, cycles Cycles) (Utilization, error) {
	var util Utilization

	e, found := c.previous[key]
	if found {
		util = Utilization{
			GPU:    types.Some[uint32](0),
			Decode: types.Some[uint32](0),
			Encode: types.Some[uint32](0),
		}
		for _, engine := range Engines() {
			if pct, ok := cycles[engine].PercentSince(e.cycles[engine]); ok {
				util.add(engine, pct)
			}
		}
		delete(c.previous, key)
	} else {
		e = &entry{}
	}

	var err error
	if _, dup := c.current[key]; dup {
		c.duplicates++
		if c.Strict {
			panic(fmt.Sprintf("usage: %s processed twice in one cycle", key))
		}
		err = fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	e.cycles = cycles
	c.current[key] = e
	return util, err
}

// EndCycle discards every entry of the previous generation that was not
// observed this cycle and promotes the current generation. It returns the
// number of evicted entries.
func (c *Cache) EndCycle() int {
	evicted := len(c.previous)
	c.previous, c.current = c.current, c.previous
	clear(c.current)
	return evicted
}

// Contains reports whether key survived the last completed cycle.
func (c *Cache) Contains(key Key) bool {
	_, ok := c.previous[key]
	return ok
}

// Len returns the number of entries kept from the last completed cycle.
func (c *Cache) Len() int {
	return len(c.previous)
}

// Duplicates returns how many duplicate observations were counted.
func (c *Cache) Duplicates() uint64 {
	return c.duplicates
}
