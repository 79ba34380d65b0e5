package ops

import (
	"coredb/catalog"
	"coredb/storage"
)

// DefaultWindow is the default number of pages a RunIterator keeps
// prefetched at once.
const DefaultWindow = 10

// RunIterator walks a table's live records in page/slot order, a window
// of pages at a time. Tables built by Sort are globally ordered by key
// once flattened page-by-page in insertion order, so a RunIterator over
// one of Sort's outputs exposes records in sorted order without any
// further re-sorting here.
type RunIterator struct {
	cat    *catalog.Catalog
	table  string
	keyFn  KeyExtractor
	window int

	pages    []storage.PageID
	nextIdx  int
	buf      []keyedRecord
	pos      int
	consumed int
}

// NewRunIterator opens a buffered iterator over table, keeping window
// pages prefetched at a time (DefaultWindow if <= 0).
func NewRunIterator(cat *catalog.Catalog, table string, keyFn KeyExtractor, window int) (*RunIterator, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	pages, err := cat.Pages(table)
	if err != nil {
		return nil, err
	}
	it := &RunIterator{cat: cat, table: table, keyFn: keyFn, window: window, pages: pages}
	if err := it.refill(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *RunIterator) refill() error {
	if it.pos < len(it.buf) {
		return nil
	}
	if it.nextIdx >= len(it.pages) {
		it.buf, it.pos = nil, 0
		return nil
	}
	end := it.nextIdx + it.window
	if end > len(it.pages) {
		end = len(it.pages)
	}
	batch := it.pages[it.nextIdx:end]

	if err := it.cat.Cache().Load(batch[0], len(batch)); err != nil {
		return err
	}
	var flat []keyedRecord
	for _, pid := range batch {
		p, err := it.cat.Cache().Get(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			flat = append(flat, keyedRecord{key: it.keyFn(rs.Data), data: rs.Data})
		}
	}
	it.buf, it.pos = flat, 0
	it.nextIdx = end
	return nil
}

// Top returns the current record's (key, data) without advancing, and
// ok=false once the iterator is exhausted.
func (it *RunIterator) Top() (key, data []byte, ok bool, err error) {
	if err := it.refill(); err != nil {
		return nil, nil, false, err
	}
	if it.pos >= len(it.buf) {
		return nil, nil, false, nil
	}
	r := it.buf[it.pos]
	return r.key, r.data, true, nil
}

// Pull advances past the current record.
func (it *RunIterator) Pull() error {
	if it.pos < len(it.buf) {
		it.pos++
		it.consumed++
	}
	return it.refill()
}

// Clone opens a fresh, independent iterator over the same table
// positioned at this iterator's current record, for the sort-merge
// join's secondary right-side tie-walk: the primary right iterator must
// not move while the secondary walks every tie for the current left
// record. This re-scans from the start of the table, which is simplest
// to reason about correctly; it is not the performance-sensitive path.
func (it *RunIterator) Clone() (*RunIterator, error) {
	nc, err := NewRunIterator(it.cat, it.table, it.keyFn, it.window)
	if err != nil {
		return nil, err
	}
	for i := 0; i < it.consumed; i++ {
		if err := nc.Pull(); err != nil {
			return nil, err
		}
	}
	return nc, nil
}

// Close releases the iterator. Page access goes through the shared
// buffer cache rather than direct pins, so there is nothing to release
// beyond dropping references; Close exists for symmetry with operators
// that do hold pinned pages (joins, B-tree lookups).
func (it *RunIterator) Close() error { return nil }
