// Package catalog implements the name-to-table mapping and the
// per-table page directory sitting on top of the buffer cache:
// TableOidMapping, TablePageDirectory (in its single-page and linked
// variants), and the table-access operations built on them
// (create/scan/add-page/delete). Every table's directory is a chain of
// pages headed at the page whose id equals the table's OID.
package catalog

import (
	"encoding/binary"
	"fmt"

	"coredb/storage"
)

// SystemTableOID is the reserved OID of the name->OID mapping table.
const SystemTableOID = 0

// AttributeTableOID is the reserved OID of the column/attribute
// metadata table: one record per table describing its column shape,
// with no SQL type system attached.
const AttributeTableOID storage.PageID = 1

// directoryHeaderSize is the width of a catalog directory page's header:
// {directorySize, lastPageId, nextPageId}, each a little-endian int32.
const directoryHeaderSize = 12

// NoNextPage is the chaining sentinel stored in nextPageId when a
// directory page is the last in its chain.
const NoNextPage storage.PageID = -1

// TablePageDirectory maps a table OID to the ordered set of its data page
// ids and allocates more on request.
type TablePageDirectory interface {
	// Pages returns the ordered list of data page ids for oid.
	Pages(oid storage.PageID) ([]storage.PageID, error)

	// AddPages appends n freshly allocated data page ids to oid's
	// directory (drawn from the shared data-page counter) and returns
	// the first of them.
	AddPages(oid storage.PageID, n int) (storage.PageID, error)

	// CreateDirectory initializes a brand-new, empty directory for oid.
	CreateDirectory(oid storage.PageID) error

	// PageCount returns the number of data pages currently owned by oid.
	PageCount(oid storage.PageID) (int, error)
}

type pageAccess interface {
	Get(id storage.PageID) (storage.Page, error)
	GetAndPin(id storage.PageID) (storage.Page, error)
	Unpin(p storage.Page, dirty bool) error
	Put(p storage.Page) error
}

func readDirHeader(buf []byte) (size, last, next int32) {
	size = int32(binary.LittleEndian.Uint32(buf[0:4]))
	last = int32(binary.LittleEndian.Uint32(buf[4:8]))
	next = int32(binary.LittleEndian.Uint32(buf[8:12]))
	return
}

func writeDirHeader(buf []byte, size, last, next int32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(last))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(next))
}

func entrySlot(i int) int { return directoryHeaderSize + i*4 }

func readEntry(buf []byte, i int) storage.PageID {
	return storage.PageID(int32(binary.LittleEndian.Uint32(buf[entrySlot(i):])))
}

func writeEntry(buf []byte, i int, id storage.PageID) {
	binary.LittleEndian.PutUint32(buf[entrySlot(i):], uint32(int32(id)))
}

// SinglePageDirectory is the illustrative fallback: a table's entire
// directory must fit on one page (the page whose id equals the OID).
// Overflow is reported as an error rather than chaining. Kept for parity
// with small or throwaway tables; LinkedDirectory is the production
// default used by Catalog.
type SinglePageDirectory struct {
	cache    pageAccess
	pageSize int
	counters *GlobalCounters
}

// NewSinglePageDirectory builds a directory backed by one page per table.
func NewSinglePageDirectory(c pageAccess, pageSize int, counters *GlobalCounters) *SinglePageDirectory {
	return &SinglePageDirectory{cache: c, pageSize: pageSize, counters: counters}
}

func (d *SinglePageDirectory) capacity() int {
	return (d.pageSize - directoryHeaderSize) / 4
}

func (d *SinglePageDirectory) CreateDirectory(oid storage.PageID) error {
	p := storage.NewPage(oid, d.pageSize)
	writeDirHeader(p.Buf, 0, int32(oid), int32(NoNextPage))
	return d.cache.Put(p)
}

func (d *SinglePageDirectory) Pages(oid storage.PageID) ([]storage.PageID, error) {
	p, err := d.cache.GetAndPin(oid)
	if err != nil {
		return nil, err
	}
	defer d.cache.Unpin(p, false)
	size, _, _ := readDirHeader(p.Buf)
	out := make([]storage.PageID, size)
	for i := range out {
		out[i] = readEntry(p.Buf, i)
	}
	return out, nil
}

func (d *SinglePageDirectory) PageCount(oid storage.PageID) (int, error) {
	p, err := d.cache.GetAndPin(oid)
	if err != nil {
		return 0, err
	}
	defer d.cache.Unpin(p, false)
	size, _, _ := readDirHeader(p.Buf)
	return int(size), nil
}

func (d *SinglePageDirectory) AddPages(oid storage.PageID, n int) (storage.PageID, error) {
	p, err := d.cache.GetAndPin(oid)
	if err != nil {
		return 0, err
	}
	defer d.cache.Unpin(p, true)
	size, last, next := readDirHeader(p.Buf)
	if int(size)+n > d.capacity() {
		return 0, fmt.Errorf("catalog: single-page directory for oid %d has no room for %d more pages (has %d, capacity %d)", oid, n, size, d.capacity())
	}
	first, err := d.counters.NextDataPages(n)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		writeEntry(p.Buf, int(size)+i, first+storage.PageID(i))
	}
	writeDirHeader(p.Buf, size+int32(n), last, next)
	return first, nil
}

// LinkedDirectory is the production directory: each table's directory is
// a chain of pages, head id = OID, continuation pages drawn from a
// reserved id range. The head's lastPageId and the previous tail's
// nextPageId are both kept current as the chain grows.
type LinkedDirectory struct {
	cache    pageAccess
	pageSize int
	counters *GlobalCounters
}

// NewLinkedDirectory builds a chained, unbounded-size table directory.
func NewLinkedDirectory(c pageAccess, pageSize int, counters *GlobalCounters) *LinkedDirectory {
	return &LinkedDirectory{cache: c, pageSize: pageSize, counters: counters}
}

func (d *LinkedDirectory) capacity() int {
	return (d.pageSize - directoryHeaderSize) / 4
}

func (d *LinkedDirectory) CreateDirectory(oid storage.PageID) error {
	p := storage.NewPage(oid, d.pageSize)
	writeDirHeader(p.Buf, 0, int32(oid), int32(NoNextPage))
	return d.cache.Put(p)
}

// Pages walks the full chain starting at the head page (id == oid).
func (d *LinkedDirectory) Pages(oid storage.PageID) ([]storage.PageID, error) {
	var out []storage.PageID
	cur := oid
	for cur != NoNextPage {
		p, err := d.cache.Get(cur)
		if err != nil {
			return nil, err
		}
		size, _, next := readDirHeader(p.Buf)
		for i := int32(0); i < size; i++ {
			out = append(out, readEntry(p.Buf, int(i)))
		}
		cur = storage.PageID(next)
	}
	return out, nil
}

func (d *LinkedDirectory) PageCount(oid storage.PageID) (int, error) {
	pages, err := d.Pages(oid)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// AddPages appends n fresh data page ids, chaining in new directory pages
// as the current tail fills up, and keeps the head's lastPageId current.
func (d *LinkedDirectory) AddPages(oid storage.PageID, n int) (storage.PageID, error) {
	if n <= 0 {
		return 0, fmt.Errorf("catalog: AddPages requires n > 0, got %d", n)
	}
	first, err := d.counters.NextDataPages(n)
	if err != nil {
		return 0, err
	}

	head, err := d.cache.GetAndPin(oid)
	if err != nil {
		return 0, err
	}
	_, headLast, _ := readDirHeader(head.Buf)

	tailID := storage.PageID(headLast)
	var tailBuf []byte
	if tailID == oid {
		tailBuf = head.Buf
	} else {
		tailPage, err := d.cache.Get(tailID)
		if err != nil {
			d.cache.Unpin(head, false)
			return 0, err
		}
		tailBuf = tailPage.Buf
	}

	remaining := n
	cursor := first
	for remaining > 0 {
		size, last, next := readDirHeader(tailBuf)
		room := d.capacity() - int(size)
		if room == 0 {
			newID, err := d.counters.NextCatalogPage()
			if err != nil {
				d.cache.Unpin(head, true)
				return 0, err
			}
			newBuf := make([]byte, d.pageSize)
			writeDirHeader(newBuf, 0, int32(newID), int32(NoNextPage))
			writeDirHeader(tailBuf, size, last, int32(newID))
			if err := d.cache.Put(storage.Page{ID: tailID, Buf: tailBuf}); err != nil {
				d.cache.Unpin(head, true)
				return 0, err
			}
			tailBuf = newBuf
			tailID = newID
			continue
		}

		take := remaining
		if take > room {
			take = room
		}
		for i := 0; i < take; i++ {
			writeEntry(tailBuf, int(size)+i, cursor)
			cursor++
		}
		writeDirHeader(tailBuf, size+int32(take), last, next)
		remaining -= take
	}

	if err := d.cache.Put(storage.Page{ID: tailID, Buf: tailBuf}); err != nil {
		d.cache.Unpin(head, true)
		return 0, err
	}
	if tailID != storage.PageID(headLast) {
		// head.Buf may already have been mutated in place above (when the
		// head page was itself the tail at the start of the loop and then
		// chained past its capacity), so the new lastPageId must be
		// layered onto head's *current* size/next rather than the
		// pre-loop snapshot, or this write would clobber the nextPageId
		// link the loop just established.
		curSize, _, curNext := readDirHeader(head.Buf)
		writeDirHeader(head.Buf, curSize, int32(tailID), curNext)
	}
	d.cache.Unpin(head, true)
	return first, nil
}
