package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"coredb/catalog"
	"coredb/ops"
	"coredb/storage"
)

// keyGroup collects every data page id recorded for one distinct key,
// produced while streaming the sorted auxiliary table during Build.
type keyGroup struct {
	key   []byte
	pages []storage.PageID
}

func encodeAuxEntry(key []byte, pageID storage.PageID) []byte {
	out := make([]byte, 2+len(key)+4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(key)))
	copy(out[2:2+len(key)], key)
	binary.LittleEndian.PutUint32(out[2+len(key):], uint32(int32(pageID)))
	return out
}

func decodeAuxEntry(buf []byte) ([]byte, storage.PageID, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("index: aux entry too short")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+keyLen+4 {
		return nil, 0, fmt.Errorf("index: aux entry declares %d key bytes, has %d total", keyLen, len(buf))
	}
	key := buf[2 : 2+keyLen]
	pid := storage.PageID(int32(binary.LittleEndian.Uint32(buf[2+keyLen:])))
	return key, pid, nil
}

func auxKeyExtractor(data []byte) []byte {
	key, _, err := decodeAuxEntry(data)
	if err != nil {
		return nil
	}
	return key
}

// appendRaw writes already-encoded records into table's data pages in
// order, via a plain pageAppender.
func appendRaw(cat *catalog.Catalog, table string, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	a, err := newPageAppender(cat, table, storage.DefaultHeaderSize)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := a.append(r); err != nil {
			return err
		}
	}
	return a.finish()
}

// Build runs the full bulk B-tree build: scan table's live records into
// (key, data_page_id) pairs, sort them by the key keyFn extracts, then
// stream the sorted pairs into a bottom-up dense-leaf builder, writing an
// overflow run for every key that maps to more than one page.
// cacheCapacity is forwarded to the sort step unchanged.
func Build(cat *catalog.Catalog, table string, cacheCapacity int, keyFn ops.KeyExtractor) (*Tree, error) {
	auxTable := ops.TempTableName("idx_aux")
	if _, err := cat.CreateTable(auxTable); err != nil {
		return nil, err
	}
	defer cat.DeleteTable(auxTable)

	pages, err := cat.Pages(table)
	if err != nil {
		return nil, err
	}
	var auxRecords [][]byte
	for _, pid := range pages {
		p, err := cat.Cache().GetAndPin(pid)
		if err != nil {
			return nil, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			auxRecords = append(auxRecords, encodeAuxEntry(keyFn(rs.Data), pid))
		}
		if err := cat.Cache().Unpin(p, false); err != nil {
			return nil, err
		}
	}
	if err := appendRaw(cat, auxTable, auxRecords); err != nil {
		return nil, err
	}

	sortedAux, err := ops.Sort(cat, auxTable, cacheCapacity, auxKeyExtractor)
	if err != nil {
		return nil, err
	}
	defer cat.DeleteTable(sortedAux)

	groups, err := collectGroups(cat, sortedAux)
	if err != nil {
		return nil, err
	}

	tree := &Tree{cat: cat, root: -1}
	if len(groups) == 0 {
		return tree, nil
	}

	if err := buildDenseLevels(cat, table, tree, groups); err != nil {
		return nil, err
	}
	return tree, nil
}

func collectGroups(cat *catalog.Catalog, table string) ([]keyGroup, error) {
	var groups []keyGroup
	err := cat.FullScan(table, func(data []byte) (interface{}, error) {
		key, pid, derr := decodeAuxEntry(data)
		if derr != nil {
			return nil, derr
		}
		return struct {
			key []byte
			pid storage.PageID
		}{key, pid}, nil
	}, func(v interface{}) error {
		pair := v.(struct {
			key []byte
			pid storage.PageID
		})
		if n := len(groups); n > 0 && bytes.Equal(groups[n-1].key, pair.key) {
			groups[n-1].pages = append(groups[n-1].pages, pair.pid)
			return nil
		}
		groups = append(groups, keyGroup{key: pair.key, pages: []storage.PageID{pair.pid}})
		return nil
	})
	return groups, err
}

// buildDenseLevels builds the leaf level (plus overflow runs for
// non-unique keys) and then as many internal levels as the fan-out needs,
// recording every level's table name, the root page, and the tree height
// into tree.
func buildDenseLevels(cat *catalog.Catalog, sourceTable string, tree *Tree, groups []keyGroup) error {
	overflowTable := ops.TempTableName("idx_overflow")
	if _, err := cat.CreateTable(overflowTable); err != nil {
		return err
	}
	overflowAppender, err := newPageAppender(cat, overflowTable, storage.DefaultHeaderSize)
	if err != nil {
		return err
	}
	hasOverflow := false
	var nextRunID int32 = 1

	leafTable := ops.TempTableName("idx_leaf")
	if _, err := cat.CreateTable(leafTable); err != nil {
		return err
	}
	leafAppender, err := newLeafAppender(cat, leafTable)
	if err != nil {
		return err
	}

	var promoted []internalEntry
	lastPage := storage.PageID(-1)
	for _, g := range groups {
		var ref storage.PageID
		var runID int32
		if len(g.pages) == 1 {
			ref, runID = g.pages[0], 0
		} else {
			hasOverflow = true
			runID = nextRunID
			nextRunID++
			head, werr := writeOverflowRun(overflowAppender, runID, g.pages)
			if werr != nil {
				return werr
			}
			ref = -head
		}
		landed, aerr := leafAppender.append(encodeLeafEntry(leafEntry{key: g.key, ref: ref, runID: runID}))
		if aerr != nil {
			return aerr
		}
		if landed != lastPage {
			promoted = append(promoted, internalEntry{key: g.key, child: landed})
			lastPage = landed
		}
	}
	if err := leafAppender.finish(); err != nil {
		return err
	}
	if err := overflowAppender.finish(); err != nil {
		return err
	}

	tree.leafTable = leafTable
	if hasOverflow {
		tree.overflowTable = overflowTable
	} else {
		cat.DeleteTable(overflowTable)
	}

	entries := promoted
	height := 0
	var internalTable string
	for len(entries) > 1 {
		if internalTable == "" {
			internalTable = ops.TempTableName("idx_internal")
			if _, err := cat.CreateTable(internalTable); err != nil {
				return err
			}
		}
		next, err := buildInternalLevel(cat, internalTable, entries)
		if err != nil {
			return err
		}
		entries = next
		height++
	}
	tree.internalTable = internalTable
	tree.root = entries[0].child
	tree.height = height
	return nil
}

func buildInternalLevel(cat *catalog.Catalog, table string, entries []internalEntry) ([]internalEntry, error) {
	a, err := newPageAppender(cat, table, internalHeaderSize)
	if err != nil {
		return nil, err
	}
	var promoted []internalEntry
	lastPage := storage.PageID(-1)
	for _, e := range entries {
		landed, aerr := a.append(encodeInternalEntry(e))
		if aerr != nil {
			return nil, aerr
		}
		if landed != lastPage {
			promoted = append(promoted, internalEntry{key: e.key, child: landed})
			lastPage = landed
		}
	}
	if err := a.finish(); err != nil {
		return nil, err
	}
	return promoted, nil
}

func writeOverflowRun(a *pageAppender, runID int32, pages []storage.PageID) (storage.PageID, error) {
	head, err := a.append(encodeOverflowHeader(runID, int32(len(pages))))
	if err != nil {
		return 0, err
	}
	for _, pid := range pages {
		if _, err := a.append(encodeOverflowContinuation(pid)); err != nil {
			return 0, err
		}
	}
	return head, nil
}
