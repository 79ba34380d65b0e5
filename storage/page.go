// Package storage implements the paged storage layer: fixed-size pages
// addressed by a monotonic 32-bit id, served by an in-memory emulator or a
// segmented, memory-mapped file backend, both instrumented with the same
// disk-cost model so operators can be measured and bounded in terms of it.
package storage

import (
	"encoding/binary"
)

// PageID identifies a page. It is always >= 0 for a persisted reference;
// -1 is reserved for "allocate next" in bulk-write APIs only.
type PageID int32

// NextFree requests allocation of the next available id in a bulk API.
const NextFree PageID = -1

const (
	// DefaultPageSize is the page size used when a store is opened without
	// an explicit override.
	DefaultPageSize = 4096

	// DefaultHeaderSize is the width of the subsystem header area at the
	// front of a page; callers that need more room (the catalog, the zero
	// page) request a wider one explicitly.
	DefaultHeaderSize = 4
)

// Page is an independent, in-memory copy of one page's bytes. Mutating a
// Page returned by a store never affects the store's own copy until it is
// written back explicitly.
type Page struct {
	ID  PageID
	Buf []byte
}

// NewPage allocates a zeroed page buffer of the given size.
func NewPage(id PageID, size int) Page {
	return Page{ID: id, Buf: make([]byte, size)}
}

// Clone returns an independent copy of the page.
func (p Page) Clone() Page {
	out := make([]byte, len(p.Buf))
	copy(out, p.Buf)
	return Page{ID: p.ID, Buf: out}
}

// DirectorySize reads the first 4 bytes of the page — the slot-directory
// size — which every page carries regardless of its configured header
// width.
func (p Page) DirectorySize() int32 {
	return int32(binary.LittleEndian.Uint32(p.Buf[0:4]))
}

func (p Page) setDirectorySize(n int32) {
	binary.LittleEndian.PutUint32(p.Buf[0:4], uint32(n))
}
