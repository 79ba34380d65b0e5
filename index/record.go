// Package index implements the B-tree: a bottom-up dense-leaf bulk
// loader fed by ops.Sort, an overflow-run table for non-unique keys,
// and a top-down lookup that descends on greatest-separator-<=-target.
// A tree is built in one pass over the sorted (key, page) stream and is
// read-only afterward; rebuilding is how new records are picked up.
package index

import (
	"encoding/binary"
	"fmt"

	"coredb/storage"
)

// leafHeaderSize is the leaf page header width: directorySize (4) plus
// the next-leaf sentinel link (4).
const leafHeaderSize = 8

// internalHeaderSize is the internal node header width: directorySize
// only; internal levels need no sibling chain, just top-down descent.
const internalHeaderSize = storage.DefaultHeaderSize

// NoNextLeaf is the sentinel stored in a leaf's next-leaf link when it is
// the last leaf.
const NoNextLeaf storage.PageID = -1

func leafNextLink(sp *storage.SlottedPage) storage.PageID {
	h := sp.GetHeader()
	return storage.PageID(int32(binary.LittleEndian.Uint32(h)))
}

func setLeafNextLink(sp *storage.SlottedPage, next storage.PageID) {
	h := make([]byte, 4)
	binary.LittleEndian.PutUint32(h, uint32(int32(next)))
	sp.PutHeader(h)
}

// leafEntry is one (key, ref, runID) triple stored in a leaf. ref is a
// data page id for a unique key (runID == 0), or the negated page id of
// an overflow run's header record for a non-unique key (runID identifies
// the run on that page).
type leafEntry struct {
	key   []byte
	ref   storage.PageID
	runID int32
}

func encodeLeafEntry(e leafEntry) []byte {
	out := make([]byte, 2+len(e.key)+4+4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(e.key)))
	copy(out[2:2+len(e.key)], e.key)
	off := 2 + len(e.key)
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(int32(e.ref)))
	binary.LittleEndian.PutUint32(out[off+4:off+8], uint32(e.runID))
	return out
}

func decodeLeafEntry(buf []byte) (leafEntry, error) {
	if len(buf) < 2 {
		return leafEntry{}, fmt.Errorf("index: leaf entry too short")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+keyLen+8 {
		return leafEntry{}, fmt.Errorf("index: leaf entry declares %d key bytes, has %d total", keyLen, len(buf))
	}
	key := buf[2 : 2+keyLen]
	off := 2 + keyLen
	ref := storage.PageID(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	runID := int32(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
	return leafEntry{key: key, ref: ref, runID: runID}, nil
}

// internalEntry is one (separatorKey, childPageID) pair stored in an
// internal node.
type internalEntry struct {
	key   []byte
	child storage.PageID
}

func encodeInternalEntry(e internalEntry) []byte {
	out := make([]byte, 2+len(e.key)+4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(e.key)))
	copy(out[2:2+len(e.key)], e.key)
	binary.LittleEndian.PutUint32(out[2+len(e.key):], uint32(int32(e.child)))
	return out
}

func decodeInternalEntry(buf []byte) (internalEntry, error) {
	if len(buf) < 2 {
		return internalEntry{}, fmt.Errorf("index: internal entry too short")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+keyLen+4 {
		return internalEntry{}, fmt.Errorf("index: internal entry declares %d key bytes, has %d total", keyLen, len(buf))
	}
	key := buf[2 : 2+keyLen]
	child := storage.PageID(int32(binary.LittleEndian.Uint32(buf[2+keyLen:])))
	return internalEntry{key: key, child: child}, nil
}

// overflow run records: a header (run_id, length) followed by `length`
// continuation records (-1, page_id). Both are 8-byte (int32, int32)
// records so a reader can't tell them apart until it inspects the first
// field.
func encodeOverflowHeader(runID, length int32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(runID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(length))
	return out
}

func encodeOverflowContinuation(pageID storage.PageID) []byte {
	out := make([]byte, 8)
	var negOne int32 = -1
	binary.LittleEndian.PutUint32(out[0:4], uint32(negOne))
	binary.LittleEndian.PutUint32(out[4:8], uint32(int32(pageID)))
	return out
}

func decodeOverflowRecord(buf []byte) (a, b int32, err error) {
	if len(buf) != 8 {
		return 0, 0, fmt.Errorf("index: overflow record must be 8 bytes, got %d", len(buf))
	}
	return int32(binary.LittleEndian.Uint32(buf[0:4])), int32(binary.LittleEndian.Uint32(buf[4:8])), nil
}
