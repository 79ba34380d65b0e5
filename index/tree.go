package index

import (
	"coredb/catalog"
	"coredb/storage"
)

// Tree is a bulk-built, read-only B-tree over a snapshot of a table's
// records: a dense leaf level (one entry per distinct key, with an
// overflow run for non-unique keys) topped by however many internal
// levels its fan-out needs. Every level lives in its own catalog-owned
// table of pages; Drop releases them.
type Tree struct {
	cat *catalog.Catalog

	leafTable     string
	internalTable string
	overflowTable string

	root   storage.PageID
	height int // number of internal levels above the leaf level; 0 if root is a leaf
}

// Drop deletes every table backing the tree. The tree must not be used
// afterward.
func (t *Tree) Drop() error {
	if t.leafTable != "" {
		if err := t.cat.DeleteTable(t.leafTable); err != nil {
			return err
		}
	}
	if t.internalTable != "" {
		if err := t.cat.DeleteTable(t.internalTable); err != nil {
			return err
		}
	}
	if t.overflowTable != "" {
		if err := t.cat.DeleteTable(t.overflowTable); err != nil {
			return err
		}
	}
	return nil
}
