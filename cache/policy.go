package cache

import (
	"fmt"

	"coredb/storage"
)

// Kind names one of the eviction policies selectable through NewPolicy.
type Kind string

const (
	FIFO  Kind = "fifo"
	Clock Kind = "clock"
	Aging Kind = "aging"
	None  Kind = "none"
)

// NewPolicy builds the named eviction policy. capacity is used only to
// size the Aging policy's default shift interval; it may be zero for
// FIFO/CLOCK. None yields no Policy at all — callers select "none" mode
// by constructing a BufferCache with capacity <= 0 instead.
func NewPolicy(kind Kind, capacity int) (Policy, error) {
	switch kind {
	case FIFO:
		return newFIFOPolicy(), nil
	case Clock:
		return newClockPolicy(), nil
	case Aging:
		return newAgingPolicy(capacity), nil
	case None:
		return nil, fmt.Errorf("cache: %q has no Policy value; use BufferCache capacity <= 0 instead", kind)
	default:
		return nil, fmt.Errorf("cache: unknown policy %q", kind)
	}
}

// fifoPolicy evicts the oldest-admitted unpinned entry. Candidates are
// already supplied in insertion order by BufferCache, so the first
// unpinned candidate is simply the oldest.
type fifoPolicy struct{}

func newFIFOPolicy() *fifoPolicy { return &fifoPolicy{} }

func (*fifoPolicy) onAdmit(storage.PageID)  {}
func (*fifoPolicy) onAccess(storage.PageID) {}
func (*fifoPolicy) onRemove(storage.PageID) {}

func (*fifoPolicy) victim(candidates []storage.PageID, _ func(storage.PageID) bool) (storage.PageID, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[0], true
}

// clockPolicy implements the CLOCK-sweep approximation of LRU: a
// circular hand over the resident set, a per-page access counter bumped
// on every access, decremented as the hand passes over it, and a victim
// is the first unpinned entry the hand finds with a zero counter. A
// newly admitted page is seated at the slot its eviction victim
// vacated, so the hand's sweep order tracks frame positions, not
// admission history.
type clockPolicy struct {
	hand     int
	freeSlot int // victim slot vacated by the last onRemove, -1 if none
	order    []storage.PageID
	index    map[storage.PageID]int
	counters map[storage.PageID]uint32
}

func newClockPolicy() *clockPolicy {
	return &clockPolicy{
		freeSlot: -1,
		index:    make(map[storage.PageID]int),
		counters: make(map[storage.PageID]uint32),
	}
}

func (p *clockPolicy) onAdmit(id storage.PageID) {
	at := len(p.order)
	if p.freeSlot >= 0 && p.freeSlot <= len(p.order) {
		at = p.freeSlot
		p.freeSlot = -1
	}
	p.order = append(p.order, 0)
	copy(p.order[at+1:], p.order[at:])
	p.order[at] = id
	for j := at; j < len(p.order); j++ {
		p.index[p.order[j]] = j
	}
	p.counters[id] = 1
	p.hand = (at + 1) % len(p.order)
}

func (p *clockPolicy) onAccess(id storage.PageID) {
	if _, ok := p.index[id]; ok {
		p.counters[id]++
	}
}

func (p *clockPolicy) onRemove(id storage.PageID) {
	i, ok := p.index[id]
	if !ok {
		return
	}
	delete(p.index, id)
	delete(p.counters, id)
	p.order = append(p.order[:i], p.order[i+1:]...)
	for j := i; j < len(p.order); j++ {
		p.index[p.order[j]] = j
	}
	p.freeSlot = i
	if p.hand > i {
		p.hand--
	}
	if len(p.order) > 0 {
		p.hand %= len(p.order)
	} else {
		p.hand = 0
	}
}

// victim sweeps the hand over the resident set looking for an unpinned
// entry with a zero counter, decrementing every non-zero counter it
// passes (pinned ones included). Each revolution decrements the lowest
// unpinned counter, so the search terminates; a full revolution that
// sees no unpinned entry at all is the unambiguous all-pinned
// condition and reports !ok.
func (p *clockPolicy) victim(_ []storage.PageID, pinned func(storage.PageID) bool) (storage.PageID, bool) {
	n := len(p.order)
	if n == 0 {
		return 0, false
	}
	for {
		sawUnpinned := false
		for i := 0; i < n; i++ {
			id := p.order[p.hand]
			if !pinned(id) {
				sawUnpinned = true
				if p.counters[id] == 0 {
					p.hand = (p.hand + 1) % n
					return id, true
				}
			}
			if c := p.counters[id]; c > 0 {
				p.counters[id] = c - 1
			}
			p.hand = (p.hand + 1) % n
		}
		if !sawUnpinned {
			return 0, false
		}
	}
}

// agingPolicy gives every resident page an unsigned 32-bit age register.
// Access ORs in the high bit; every k-th access performs a global
// right-shift by one on all registers; eviction picks the unpinned entry
// with the smallest register value (ties broken by insertion order).
type agingPolicy struct {
	k        int
	accesses int
	order    []storage.PageID
	index    map[storage.PageID]int
	ages     map[storage.PageID]uint32
}

func newAgingPolicy(capacity int) *agingPolicy {
	k := (capacity + 39) / 40
	if k < 1 {
		k = 1
	}
	return &agingPolicy{
		k:     k,
		index: make(map[storage.PageID]int),
		ages:  make(map[storage.PageID]uint32),
	}
}

func (p *agingPolicy) onAdmit(id storage.PageID) {
	p.index[id] = len(p.order)
	p.order = append(p.order, id)
	p.ages[id] = 0
}

func (p *agingPolicy) onAccess(id storage.PageID) {
	if _, ok := p.index[id]; !ok {
		return
	}
	p.ages[id] |= 1 << 31
	p.accesses++
	if p.accesses%p.k == 0 {
		for other := range p.ages {
			p.ages[other] >>= 1
		}
	}
}

func (p *agingPolicy) onRemove(id storage.PageID) {
	i, ok := p.index[id]
	if !ok {
		return
	}
	delete(p.index, id)
	delete(p.ages, id)
	p.order = append(p.order[:i], p.order[i+1:]...)
	for j := i; j < len(p.order); j++ {
		p.index[p.order[j]] = j
	}
}

func (p *agingPolicy) victim(candidates []storage.PageID, _ func(storage.PageID) bool) (storage.PageID, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0]
	bestAge := p.ages[best]
	for _, id := range candidates[1:] {
		if a := p.ages[id]; a < bestAge {
			best, bestAge = id, a
		}
	}
	return best, true
}
