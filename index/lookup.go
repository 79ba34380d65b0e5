package index

import (
	"bytes"
	"fmt"

	"coredb/storage"
)

// Lookup descends from the root choosing, at each internal level, the
// greatest separator key <= target (falling back to the first entry if
// every separator on the root is greater), then collects every leaf entry
// matching target exactly — walking the next-leaf link for as long as
// the trailing entries keep matching, since a more general leaf layout
// than this package's one-entry-per-distinct-key build could in
// principle split a key's entries across a page boundary. Non-unique
// keys are resolved by walking their overflow run. Returns nil with no
// error if the tree is empty or target is absent.
func (t *Tree) Lookup(target []byte) ([]storage.PageID, error) {
	if t.root < 0 {
		return nil, nil
	}

	leaf, err := t.descend(target)
	if err != nil {
		return nil, err
	}

	var entries []leafEntry
	current := leaf
	for current != NoNextLeaf {
		p, err := t.cat.Cache().Get(current)
		if err != nil {
			return nil, err
		}
		sp := storage.Wrap(p.Buf, leafHeaderSize)

		lastWasMatch := false
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			e, derr := decodeLeafEntry(rs.Data)
			if derr != nil {
				return nil, derr
			}
			cmp := bytes.Compare(e.key, target)
			if cmp == 0 {
				entries = append(entries, e)
				lastWasMatch = true
			} else {
				lastWasMatch = false
			}
			if cmp > 0 {
				break
			}
		}
		if !lastWasMatch {
			break
		}
		current = leafNextLink(sp)
	}

	var pages []storage.PageID
	for _, e := range entries {
		if e.runID == 0 {
			pages = append(pages, e.ref)
			continue
		}
		run, err := t.resolveOverflow(-e.ref, e.runID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, run...)
	}
	return pages, nil
}

// descend walks the internal levels from the root, choosing at each node
// the greatest separator key <= target (or the node's first entry if
// every separator exceeds target), and returns the leaf page id reached.
func (t *Tree) descend(target []byte) (storage.PageID, error) {
	current := t.root
	for level := 0; level < t.height; level++ {
		p, err := t.cat.Cache().Get(current)
		if err != nil {
			return 0, err
		}
		sp := storage.Wrap(p.Buf, internalHeaderSize)

		var first *internalEntry
		var best *internalEntry
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			e, derr := decodeInternalEntry(rs.Data)
			if derr != nil {
				return 0, derr
			}
			entry := e
			if first == nil {
				first = &entry
			}
			if bytes.Compare(entry.key, target) <= 0 {
				best = &entry
			}
		}
		if best == nil {
			best = first
		}
		if best == nil {
			return 0, fmt.Errorf("index: internal node %d has no entries", current)
		}
		current = best.child
	}
	return current, nil
}

// resolveOverflow walks the overflow run headed at head (the page its
// header record landed on) and identified by runID, returning every data
// page id recorded in the run. Continuation records may spill across
// overflow table page boundaries, so the walk continues onto subsequent
// pages (in table order) until length records have been collected.
func (t *Tree) resolveOverflow(head storage.PageID, runID int32) ([]storage.PageID, error) {
	pages, err := t.cat.Pages(t.overflowTable)
	if err != nil {
		return nil, err
	}
	start := 0
	for i, pid := range pages {
		if pid == head {
			start = i
			break
		}
	}

	var results []storage.PageID
	remaining := -1
	for _, pid := range pages[start:] {
		p, err := t.cat.Cache().Get(pid)
		if err != nil {
			return nil, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			a, b, derr := decodeOverflowRecord(rs.Data)
			if derr != nil {
				return nil, derr
			}
			if remaining < 0 {
				if a == runID {
					remaining = int(b)
				}
				continue
			}
			if remaining == 0 {
				break
			}
			results = append(results, storage.PageID(b))
			remaining--
		}
		if remaining == 0 {
			break
		}
	}
	return results, nil
}
