// Package ops implements the physical operators built on top of the
// catalog: external multiway merge sort, hash-bucket building, and the
// three join algorithms (block nested-loops, hash, sort-merge). Every
// operator works in bounded memory: inputs stream through the buffer
// cache page by page, intermediate results land in temporary catalog
// tables, and all I/O accrues to the underlying store's cost
// accumulator.
package ops

import (
	"bytes"
	"slices"
)

// KeyExtractor pulls a comparable sort/join key out of a raw record.
// Keys are compared with bytes.Compare, so callers encode multi-column
// or numeric keys in an order-preserving byte form (e.g. big-endian
// integers) if numeric ordering matters.
type KeyExtractor func(record []byte) []byte

// keyedRecord pairs an extracted key with its owning record, letting
// Sort use the standard library's slices.SortFunc without re-extracting the key
// on every comparison.
type keyedRecord struct {
	key  []byte
	data []byte
}

func sortKeyed(records []keyedRecord) {
	slices.SortFunc(records, func(a, b keyedRecord) int {
		return bytes.Compare(a.key, b.key)
	})
}
