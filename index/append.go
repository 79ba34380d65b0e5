package index

import (
	"fmt"

	"coredb/catalog"
	"coredb/storage"
)

// pageAppender sequentially fills a catalog table's data pages with
// records, allocating a new page whenever the current one runs out of
// room. It is the shared primitive behind every level of the bulk B-tree
// build: leaf pages, internal-node pages, and overflow-run pages all use
// one, differing only in header width and the rollover/finish hooks.
type pageAppender struct {
	cat        *catalog.Catalog
	table      string
	headerSize int

	curID  storage.PageID
	pinned storage.Page
	sp     *storage.SlottedPage

	// beforeRollover, if set, is called on the outgoing page's slotted view
	// just before it is unpinned, once the next page's id is known (used by
	// the leaf appender to stitch the next-leaf link).
	beforeRollover func(prevSP *storage.SlottedPage, nextID storage.PageID)

	// beforeFinish, if set, is called on the final page's slotted view
	// before it is unpinned (used by the leaf appender to write the
	// sentinel next-leaf link on the last leaf).
	beforeFinish func(lastSP *storage.SlottedPage)
}

func newPageAppender(cat *catalog.Catalog, table string, headerSize int) (*pageAppender, error) {
	first, err := cat.AddPage(table, 1)
	if err != nil {
		return nil, err
	}
	p, err := cat.Cache().GetAndPin(first)
	if err != nil {
		return nil, err
	}
	sp := storage.Init(p.Buf, headerSize)
	return &pageAppender{cat: cat, table: table, headerSize: headerSize, curID: first, pinned: p, sp: sp}, nil
}

// append writes data as a new record on the current page, rolling over to
// a freshly allocated page first if it does not fit, and returns the id
// of the page the record landed on.
func (a *pageAppender) append(data []byte) (storage.PageID, error) {
	if _, status := a.sp.PutRecord(data, -1); status == storage.PutOK {
		return a.curID, nil
	}

	next, err := a.cat.AddPage(a.table, 1)
	if err != nil {
		return 0, err
	}
	if a.beforeRollover != nil {
		a.beforeRollover(a.sp, next)
	}
	if err := a.cat.Cache().Unpin(a.pinned, true); err != nil {
		return 0, err
	}

	p, err := a.cat.Cache().GetAndPin(next)
	if err != nil {
		return 0, err
	}
	sp := storage.Init(p.Buf, a.headerSize)
	a.curID, a.pinned, a.sp = next, p, sp
	if _, status := sp.PutRecord(data, -1); status != storage.PutOK {
		a.cat.Cache().Unpin(p, false)
		return 0, fmt.Errorf("index: record of %d bytes does not fit on an empty page", len(data))
	}
	return next, nil
}

// finish flushes the current page, invoking beforeFinish first if set.
func (a *pageAppender) finish() error {
	if a.beforeFinish != nil {
		a.beforeFinish(a.sp)
	}
	return a.cat.Cache().Unpin(a.pinned, true)
}

func newLeafAppender(cat *catalog.Catalog, table string) (*pageAppender, error) {
	a, err := newPageAppender(cat, table, leafHeaderSize)
	if err != nil {
		return nil, err
	}
	a.beforeRollover = func(prevSP *storage.SlottedPage, nextID storage.PageID) {
		setLeafNextLink(prevSP, nextID)
	}
	a.beforeFinish = func(lastSP *storage.SlottedPage) {
		setLeafNextLink(lastSP, NoNextLeaf)
	}
	return a, nil
}
