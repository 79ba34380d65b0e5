package storage

import "fmt"

// rawPageWriter is the minimal capability a backend exposes to a
// BulkWriter: write one page's bytes at an id, bypassing per-call cost
// accounting (the writer accounts for the whole scan once, at Close).
type rawPageWriter interface {
	writePageRaw(id PageID, buf []byte) error
}

// BulkWriter is a scoped, single-use resource that assigns sequential page
// ids starting from the id given to Store.BulkWrite. It must be closed on
// every exit path — including errors — and Close is what records the
// sequential-scan cost, once, rather than per page.
type BulkWriter struct {
	store  rawPageWriter
	cost   *CostAccumulator
	next   PageID
	count  int
	closed bool
}

func newBulkWriter(store rawPageWriter, cost *CostAccumulator, start PageID) *BulkWriter {
	return &BulkWriter{store: store, cost: cost, next: start}
}

// Write assigns the writer's next sequential id to p, replacing whatever
// p.ID held, and stores it immediately.
func (w *BulkWriter) Write(p Page) (PageID, error) {
	if w.closed {
		return -1, fmt.Errorf("storage: write on closed BulkWriter")
	}
	id := w.next
	page := p
	page.ID = id
	if err := w.store.writePageRaw(id, page.Buf); err != nil {
		return -1, err
	}
	w.next++
	w.count++
	return id, nil
}

// Count returns how many pages have been written so far.
func (w *BulkWriter) Count() int { return w.count }

// Close releases the writer. Safe to call more than once; only the first
// call records cost. Callers typically `defer w.Close()` immediately after
// BulkWrite succeeds.
func (w *BulkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.count > 0 {
		w.cost.Add(RandomAccessCost + SequentialPageCost*float64(w.count))
	}
	return nil
}
