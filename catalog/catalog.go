package catalog

import (
	"github.com/pkg/errors"

	"coredb/cache"
	"coredb/storage"
)

// ErrTableNotFound is wrapped into the error resolve returns when a name
// does not currently resolve to a live OID.
var ErrTableNotFound = errors.New("catalog: table not found")

// DirectoryMode selects which TablePageDirectory implementation a Catalog
// uses for every table, per the Open Question resolution: LinkedDirectory
// is the production default, SinglePageDirectory is kept only as an
// illustrative fallback for callers that explicitly ask for it.
type DirectoryMode int

const (
	Linked DirectoryMode = iota
	SinglePage
)

// Catalog is the table-access facade: name<->OID resolution plus the
// page-directory operations needed to scan and grow a table.
type Catalog struct {
	cache     cache.Accessor
	directory TablePageDirectory
	oids      *TableOidMapping
	attrs     *attributeTable
	pageSize  int
}

// Open wires a Catalog over an already-constructed page accessor (a plain
// *cache.BufferCache, or a transaction handle that intercepts it). On a
// fresh store (the global counters page has never been written) it
// bootstraps the name-mapping table at SystemTableOID and the
// column/attribute metadata table at AttributeTableOID.
func Open(c cache.Accessor, pageSize int, mode DirectoryMode) (*Catalog, error) {
	counters, fresh, err := OpenGlobalCounters(c, pageSize)
	if err != nil {
		return nil, err
	}

	var dir TablePageDirectory
	switch mode {
	case Linked:
		dir = NewLinkedDirectory(c, pageSize, counters)
	case SinglePage:
		dir = NewSinglePageDirectory(c, pageSize, counters)
	default:
		return nil, errors.Errorf("catalog: unknown directory mode %d", mode)
	}

	cat := &Catalog{cache: c, directory: dir, pageSize: pageSize}
	cat.oids = newTableOidMapping(c, dir, pageSize)
	cat.attrs = newAttributeTable(c, dir, pageSize)

	if fresh {
		for _, oid := range []storage.PageID{SystemTableOID, AttributeTableOID} {
			if err := dir.CreateDirectory(oid); err != nil {
				return nil, err
			}
			first, err := dir.AddPages(oid, 1)
			if err != nil {
				return nil, err
			}
			np := storage.NewPage(first, pageSize)
			storage.Init(np.Buf, storage.DefaultHeaderSize)
			if err := c.Put(np); err != nil {
				return nil, err
			}
		}
	}

	return cat, nil
}

// CreateTable assigns a new OID to name and gives it an empty directory.
// Fails if the name is already live.
func (c *Catalog) CreateTable(name string) (storage.PageID, error) {
	oid, err := c.oids.Create(name)
	if err != nil {
		return 0, err
	}
	if err := c.directory.CreateDirectory(oid); err != nil {
		return 0, err
	}
	return oid, nil
}

// TableExists reports whether name currently resolves to a live OID.
func (c *Catalog) TableExists(name string) (bool, error) {
	_, ok, err := c.oids.Lookup(name)
	return ok, err
}

// LiveTableNames returns every currently live user table name. Mainly a
// diagnostic: callers that spin up intermediate tables (sort runs, hash
// buckets) can use it to assert none were left behind.
func (c *Catalog) LiveTableNames() ([]string, error) {
	var names []string
	err := c.oids.scan(func(_ storage.PageID, _ int, rec nameRecord) error {
		if !rec.Deleted {
			names = append(names, rec.Name)
		}
		return nil
	})
	return names, err
}

// resolve looks up name's OID, failing with a descriptive error if absent.
func (c *Catalog) resolve(name string) (storage.PageID, error) {
	oid, ok, err := c.oids.Lookup(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(ErrTableNotFound, "catalog: table %q", name)
	}
	return oid, nil
}

// AddPage allocates n (default 1) sequential new data pages for name's
// table and returns the id of the first.
func (c *Catalog) AddPage(name string, n int) (storage.PageID, error) {
	if n <= 0 {
		n = 1
	}
	oid, err := c.resolve(name)
	if err != nil {
		return 0, err
	}
	return c.directory.AddPages(oid, n)
}

// PageCount returns the number of data pages owned by name's table.
func (c *Catalog) PageCount(name string) (int, error) {
	oid, err := c.resolve(name)
	if err != nil {
		return 0, err
	}
	return c.directory.PageCount(oid)
}

// DeleteTable flips name's live-record flag and invalidates the memo.
// Existing data pages are left in place; nothing currently reclaims them.
func (c *Catalog) DeleteTable(name string) error {
	return c.oids.Delete(name)
}

// RecordParser decodes one live slotted-page record into a caller value.
type RecordParser func(data []byte) (interface{}, error)

// FullScan visits every live record across every data page of name's
// table, in page and slot order, calling fn with each parsed value. The
// caller never needs to pin or unpin pages itself; FullScan pins each
// page for the duration of its callback and releases it before moving
// to the next.
func (c *Catalog) FullScan(name string, parse RecordParser, fn func(interface{}) error) error {
	oid, err := c.resolve(name)
	if err != nil {
		return err
	}
	pages, err := c.directory.Pages(oid)
	if err != nil {
		return err
	}
	for _, pid := range pages {
		p, err := c.cache.GetAndPin(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		var cbErr error
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			val, err := parse(rs.Data)
			if err != nil {
				cbErr = err
				break
			}
			if err := fn(val); err != nil {
				cbErr = err
				break
			}
		}
		if uerr := c.cache.Unpin(p, false); uerr != nil && cbErr == nil {
			cbErr = uerr
		}
		if cbErr != nil {
			return cbErr
		}
	}
	return nil
}

// Cache exposes the underlying page accessor, for callers (physical
// operators, the transaction layer) that need direct page access to a
// table's data pages beyond what FullScan offers.
func (c *Catalog) Cache() cache.Accessor { return c.cache }

// PageSize returns the page size this catalog was opened with.
func (c *Catalog) PageSize() int { return c.pageSize }

// OID resolves name to its OID, for callers that address pages directly.
func (c *Catalog) OID(name string) (storage.PageID, error) {
	return c.resolve(name)
}

// Pages returns the data page ids owned by name's table.
func (c *Catalog) Pages(name string) ([]storage.PageID, error) {
	oid, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.directory.Pages(oid)
}

// DefineColumns records name's column shape (name, type tag, constraint
// tag per column), so a caller can describe a table without a SQL layer.
// Overwrites any columns previously defined for name.
func (c *Catalog) DefineColumns(name string, cols []ColumnMeta) error {
	oid, err := c.resolve(name)
	if err != nil {
		return err
	}
	return c.attrs.define(oid, cols)
}

// Columns returns name's previously defined column shape, or nil if
// DefineColumns was never called for it.
func (c *Catalog) Columns(name string) ([]ColumnMeta, error) {
	oid, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.attrs.columns(oid)
}
