// Package cache implements the buffer cache: bounded RAM residency over
// a storage.Store with pin/unpin discipline. Victim selection sits
// behind a Policy interface selected at construction, so FIFO, CLOCK
// sweep, Aging and a no-cache passthrough mode all share one
// BufferCache.
package cache

import (
	"fmt"
	"sync"

	"coredb/storage"
)

// Accessor is the page-access surface that sits between a table-access
// layer and a page cache: Get, GetAndPin, Unpin, Put, Load. *BufferCache
// satisfies it directly; the transaction manager's handle type satisfies
// it too by intercepting every call, so callers above this layer (the
// catalog, the physical operators) never need to know whether they are
// talking to a bare cache or a transaction's view of one.
type Accessor interface {
	Get(id storage.PageID) (storage.Page, error)
	GetAndPin(id storage.PageID) (storage.Page, error)
	Unpin(p storage.Page, dirty bool) error
	Put(p storage.Page) error
	Load(start storage.PageID, n int) error
}

// Stats is a point-in-time snapshot of cache counters, returned by
// value so a caller can never observe a half-updated set.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Loads     map[storage.PageID]uint64
}

// entry is one resident slot.
type entry struct {
	page  storage.Page
	dirty bool
	pins  int
}

// Policy selects eviction victims and is notified of cache traffic so it
// can keep its own bookkeeping (CLOCK's hand, Aging's registers) current.
// Implementations are not required to be safe for concurrent use; the
// BufferCache serializes all access under its own mutex.
type Policy interface {
	// onAdmit is called when id is newly admitted to residency, whether
	// into an empty slot or into the slot freed by an eviction.
	onAdmit(id storage.PageID)

	// onAccess is called on every get/get_and_pin hit, and once for the
	// newly admitted page after a miss.
	onAccess(id storage.PageID)

	// onRemove is called when id leaves residency by eviction (Flush
	// writes pages back but keeps them resident), so the policy can drop
	// its bookkeeping for it.
	onRemove(id storage.PageID)

	// victim chooses an unpinned resident page to evict, from the
	// supplied candidate set (pin count == 0 already filtered). Returns
	// ok=false only when nothing qualifies; given a non-empty candidate
	// set every policy here eventually produces a victim.
	victim(candidates []storage.PageID, pinned func(storage.PageID) bool) (storage.PageID, bool)
}

// BufferCache is the bounded-residency page cache: Get, GetAndPin, Load,
// Flush, Stats, Capacity.
type BufferCache struct {
	mu       sync.Mutex
	store    storage.Store
	capacity int
	policy   Policy
	resident map[storage.PageID]*entry
	order    []storage.PageID // insertion order, for FIFO and stable iteration

	hits, misses, evictions uint64
	loads                   map[storage.PageID]uint64
}

// New creates a bounded cache of the given capacity over store, using
// policy for victim selection. capacity <= 0 means "none" mode: every Get
// reads straight through storage and nothing is retained.
func New(store storage.Store, capacity int, policy Policy) *BufferCache {
	return &BufferCache{
		store:    store,
		capacity: capacity,
		policy:   policy,
		resident: make(map[storage.PageID]*entry),
		loads:    make(map[storage.PageID]uint64),
	}
}

// Capacity returns the maximum resident page count (0 in "none" mode).
func (c *BufferCache) Capacity() int { return c.capacity }

func (c *BufferCache) noCache() bool { return c.capacity <= 0 }

// Get hands out an independent copy of page id without incrementing its
// pin count.
func (c *BufferCache) Get(id storage.PageID) (storage.Page, error) {
	return c.get(id, false)
}

// GetAndPin hands out an independent copy of page id and increments its
// pin count; the caller must call Unpin exactly once.
func (c *BufferCache) GetAndPin(id storage.PageID) (storage.Page, error) {
	return c.get(id, true)
}

func (c *BufferCache) get(id storage.PageID, pin bool) (storage.Page, error) {
	if c.noCache() {
		return c.store.Read(id)
	}

	c.mu.Lock()
	if e, ok := c.resident[id]; ok {
		c.hits++
		if pin {
			e.pins++
		}
		c.policy.onAccess(id)
		out := e.page.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.misses++
	c.mu.Unlock()

	p, err := c.store.Read(id)
	if err != nil {
		return storage.Page{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.resident[id]; ok {
		// Raced with another loader; keep the existing entry.
		if pin {
			e.pins++
		}
		c.policy.onAccess(id)
		return e.page.Clone(), nil
	}
	if err := c.admitLocked(p); err != nil {
		return storage.Page{}, err
	}
	e := c.resident[id]
	if pin {
		e.pins++
	}
	c.loads[id]++
	c.policy.onAccess(id)
	return e.page.Clone(), nil
}

// Unpin decrements the pin count of a previously GetAndPin'd page, marking
// it dirty if modified, and writes back the caller's copy into the
// resident entry.
func (c *BufferCache) Unpin(p storage.Page, dirty bool) error {
	if c.noCache() {
		if dirty {
			return c.store.Write(p)
		}
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.resident[p.ID]
	if !ok {
		return fmt.Errorf("cache: unpin of non-resident page %d", p.ID)
	}
	if e.pins <= 0 {
		return fmt.Errorf("cache: unpin of page %d with zero pin count", p.ID)
	}
	e.pins--
	if dirty {
		e.page = p.Clone()
		e.dirty = true
	}
	return nil
}

// Put writes p into the resident entry (or admits it if absent) and marks
// it dirty, without touching pin count. Used by callers that mutate pages
// outside the Get/Unpin pin protocol (bulk loaders, catalog writers).
func (c *BufferCache) Put(p storage.Page) error {
	if c.noCache() {
		return c.store.Write(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.resident[p.ID]; ok {
		e.page = p.Clone()
		e.dirty = true
		c.policy.onAccess(p.ID)
		return nil
	}
	if err := c.admitLocked(p); err != nil {
		return err
	}
	c.resident[p.ID].dirty = true
	c.policy.onAccess(p.ID)
	return nil
}

// admitLocked inserts p as a new resident entry, evicting a victim first
// if the cache is full. Caller must hold c.mu.
func (c *BufferCache) admitLocked(p storage.Page) error {
	if len(c.resident) < c.capacity {
		c.resident[p.ID] = &entry{page: p.Clone()}
		c.order = append(c.order, p.ID)
		c.policy.onAdmit(p.ID)
		return nil
	}

	victim, ok := c.selectVictimLocked()
	if !ok {
		return fmt.Errorf("cache: eviction requested but all %d resident pages are pinned", c.capacity)
	}
	ve := c.resident[victim]
	if ve.dirty {
		if err := c.store.Write(ve.page); err != nil {
			return fmt.Errorf("cache: flushing victim page %d: %w", victim, err)
		}
	}
	delete(c.resident, victim)
	c.policy.onRemove(victim)
	c.evictions++

	c.resident[p.ID] = &entry{page: p.Clone()}
	// The insertion-order list always appends the newcomer at the tail:
	// FIFO's victim choice depends on it, while CLOCK and Aging keep
	// their own positional bookkeeping (CLOCK re-seats the newcomer at
	// the victim's slot itself).
	c.removeFromOrder(victim)
	c.order = append(c.order, p.ID)
	c.policy.onAdmit(p.ID)
	return nil
}

func (c *BufferCache) removeFromOrder(id storage.PageID) {
	for i, cur := range c.order {
		if cur == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *BufferCache) selectVictimLocked() (storage.PageID, bool) {
	candidates := make([]storage.PageID, 0, len(c.order))
	for _, id := range c.order {
		if e, ok := c.resident[id]; ok && e.pins == 0 {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	pinned := func(id storage.PageID) bool {
		e, ok := c.resident[id]
		return ok && e.pins > 0
	}
	return c.policy.victim(candidates, pinned)
}

// Load bulk-prefetches n pages starting at start into residency, without
// pinning and without updating hit/miss counters (only per-page load
// counters).
func (c *BufferCache) Load(start storage.PageID, n int) error {
	if c.noCache() {
		return c.store.BulkRead(start, n, func(storage.Page) error { return nil })
	}
	return c.store.BulkRead(start, n, func(p storage.Page) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.resident[p.ID]; !ok {
			if err := c.admitLocked(p); err != nil {
				return err
			}
		}
		c.loads[p.ID]++
		return nil
	})
}

// Flush writes every dirty resident page through to storage.
func (c *BufferCache) Flush() error {
	if c.noCache() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.resident {
		if !e.dirty {
			continue
		}
		if err := c.store.Write(e.page); err != nil {
			return fmt.Errorf("cache: flush page %d: %w", id, err)
		}
		e.dirty = false
	}
	return nil
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *BufferCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	loads := make(map[storage.PageID]uint64, len(c.loads))
	for k, v := range c.loads {
		loads[k] = v
	}
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Loads: loads}
}

// ResetStats clears counters without touching residency.
func (c *BufferCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
	c.loads = make(map[storage.PageID]uint64)
}

// Close flushes and closes the underlying store.
func (c *BufferCache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.store.Close()
}
