package catalog

import (
	"encoding/binary"

	"coredb/storage"
)

// ColumnMeta describes one column's shape: its name, a caller-defined
// type tag, and a caller-defined constraint tag. Both tags are opaque
// uint8 values to this package; interpreting them is the caller's
// business, since no SQL type system exists at this layer.
type ColumnMeta struct {
	Name       string
	TypeTag    uint8
	Constraint uint8
}

func encodeColumnMeta(owner storage.PageID, cols []ColumnMeta) []byte {
	size := 4 + 2
	for _, c := range cols {
		size += 1 + 1 + 2 + len(c.Name)
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(int32(owner)))
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(cols)))
	off := 6
	for _, c := range cols {
		out[off] = c.TypeTag
		out[off+1] = c.Constraint
		binary.LittleEndian.PutUint16(out[off+2:off+4], uint16(len(c.Name)))
		copy(out[off+4:], c.Name)
		off += 4 + len(c.Name)
	}
	return out
}

func decodeColumnMeta(buf []byte) (storage.PageID, []ColumnMeta, error) {
	if len(buf) < 6 {
		return 0, nil, errColumnMetaTooShort(len(buf))
	}
	owner := storage.PageID(int32(binary.LittleEndian.Uint32(buf[0:4])))
	n := int(binary.LittleEndian.Uint16(buf[4:6]))
	cols := make([]ColumnMeta, 0, n)
	off := 6
	for i := 0; i < n; i++ {
		if off+4 > len(buf) {
			return 0, nil, errColumnMetaTooShort(len(buf))
		}
		typeTag := buf[off]
		constraint := buf[off+1]
		nameLen := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		off += 4
		if off+nameLen > len(buf) {
			return 0, nil, errColumnMetaTooShort(len(buf))
		}
		cols = append(cols, ColumnMeta{Name: string(buf[off : off+nameLen]), TypeTag: typeTag, Constraint: constraint})
		off += nameLen
	}
	return owner, cols, nil
}

func errColumnMetaTooShort(n int) error {
	return &columnMetaError{n: n}
}

type columnMetaError struct{ n int }

func (e *columnMetaError) Error() string {
	return "catalog: truncated column-metadata record"
}

// attributeTable stores each table's column shape as one record per
// table on the reserved AttributeTableOID chain, keyed by owner OID
// rather than by name (a table's OID never changes across a rename,
// unlike its name-table entry).
type attributeTable struct {
	cache     pageAccess
	directory TablePageDirectory
	pageSize  int
}

func newAttributeTable(c pageAccess, dir TablePageDirectory, pageSize int) *attributeTable {
	return &attributeTable{cache: c, directory: dir, pageSize: pageSize}
}

// define overwrites owner's column-shape record, appending a new one and
// tombstoning any prior record for owner (DeleteRecord never reclaims
// space mid-page, matching the rest of this package's no-compaction
// stance on deletion).
func (a *attributeTable) define(owner storage.PageID, cols []ColumnMeta) error {
	if err := a.tombstone(owner); err != nil {
		return err
	}
	rec := encodeColumnMeta(owner, cols)

	pages, err := a.directory.Pages(AttributeTableOID)
	if err != nil {
		return err
	}
	for _, pid := range pages {
		p, err := a.cache.GetAndPin(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		if sp.FreeSpace() >= len(rec)+4 {
			if _, status := sp.PutRecord(rec, -1); status == storage.PutOK {
				return a.cache.Unpin(p, true)
			}
		}
		a.cache.Unpin(p, false)
	}

	first, err := a.directory.AddPages(AttributeTableOID, 1)
	if err != nil {
		return err
	}
	np := storage.NewPage(first, a.pageSize)
	sp := storage.Init(np.Buf, storage.DefaultHeaderSize)
	if _, status := sp.PutRecord(rec, -1); status != storage.PutOK {
		return errColumnMetaTooShort(len(rec))
	}
	return a.cache.Put(np)
}

func (a *attributeTable) tombstone(owner storage.PageID) error {
	pages, err := a.directory.Pages(AttributeTableOID)
	if err != nil {
		return err
	}
	for _, pid := range pages {
		p, err := a.cache.GetAndPin(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		dirty := false
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			recOwner, _, err := decodeColumnMeta(rs.Data)
			if err != nil {
				a.cache.Unpin(p, dirty)
				return err
			}
			if recOwner == owner {
				if err := sp.DeleteRecord(rs.Slot); err != nil {
					a.cache.Unpin(p, dirty)
					return err
				}
				dirty = true
			}
		}
		if err := a.cache.Unpin(p, dirty); err != nil {
			return err
		}
	}
	return nil
}

// columns returns owner's most recently defined column shape, or nil if
// define was never called for it.
func (a *attributeTable) columns(owner storage.PageID) ([]ColumnMeta, error) {
	pages, err := a.directory.Pages(AttributeTableOID)
	if err != nil {
		return nil, err
	}
	for _, pid := range pages {
		p, err := a.cache.Get(pid)
		if err != nil {
			return nil, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			recOwner, cols, err := decodeColumnMeta(rs.Data)
			if err != nil {
				return nil, err
			}
			if recOwner == owner {
				return cols, nil
			}
		}
	}
	return nil, nil
}
