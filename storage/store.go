package storage

import "fmt"

// ErrNegativePageID is returned when a persisted-reference API receives a
// page id below zero (NextFree is only legal in bulk-write start positions).
var ErrNegativePageID = fmt.Errorf("storage: negative page id in persisted request")

// BulkConsumer receives pages fed by BulkRead, strictly in order. Returning
// a non-nil error stops the scan.
type BulkConsumer func(Page) error

// Store is the paged-storage contract shared by the in-memory emulator and
// the file-backed variant. Both must be interchangeable: callers depend
// only on this interface, never on the concrete backend.
type Store interface {
	// Read returns an independent copy of the stored bytes for id,
	// creating a zero page on first access. Counts one random access.
	Read(id PageID) (Page, error)

	// BulkRead feeds n consecutive pages to consumer in order, starting at
	// start (NextFree means "next available id after the current
	// maximum"). Counts one random access plus one sequential unit per
	// page.
	BulkRead(start PageID, n int, consumer BulkConsumer) error

	// Write stores a copy of p. Fails if p.ID < 0. Counts one random
	// access.
	Write(p Page) error

	// BulkWrite opens a scoped writer that assigns sequential ids from
	// start (or the next free id). The writer must be released on every
	// exit path; release is what counts the sequential-scan cost.
	BulkWrite(start PageID) (*BulkWriter, error)

	// PageSize returns the fixed page size used by this store.
	PageSize() int

	// Cost returns the running cost-accumulator total.
	Cost() float64

	// ResetCost zeroes the cost accumulator without touching residency.
	ResetCost()

	// MaxPageID returns the highest page id ever touched, or -1 if none.
	MaxPageID() PageID

	// Close releases any resources (file handles, mappings).
	Close() error
}
