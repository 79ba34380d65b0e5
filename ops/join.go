package ops

import (
	"bytes"

	"coredb/catalog"
)

// JoinOperand names one side of a join: the table to read and how to
// extract its join key from a record.
type JoinOperand struct {
	Table string
	Key   KeyExtractor
}

// Pair is one matched (left, right) record pair emitted by a join.
type Pair struct {
	Left  []byte
	Right []byte
}

// PairIterator is the shared join output contract. Close must release
// every intermediate table and pinned page the join opened, and must be
// safe to call even if iteration did not run to completion.
type PairIterator interface {
	Next() (Pair, bool, error)
	Close() error
}

// sliceIterator serves pairs already computed in memory. All three join
// algorithms below materialize their output this way: the interesting
// work (chunk sizing, bucket pairing, tie-walking) happens while
// building the slice, not while draining it.
type sliceIterator struct {
	pairs  []Pair
	pos    int
	closer func() error
}

func (it *sliceIterator) Next() (Pair, bool, error) {
	if it.pos >= len(it.pairs) {
		return Pair{}, false, nil
	}
	p := it.pairs[it.pos]
	it.pos++
	return p, true, nil
}

func (it *sliceIterator) Close() error {
	if it.closer == nil {
		return nil
	}
	c := it.closer
	it.closer = nil
	return c()
}

// NestedLoopsJoin iterates the outer operand in chunks of
// cacheCapacity-1 pages, scanning the inner operand once per chunk via
// catalog.FullScan (which pins one inner page at a time). Only the
// current outer chunk and the single inner record FullScan is visiting
// are ever resident at once; neither operand is materialized in full.
func NestedLoopsJoin(cat *catalog.Catalog, outer, inner JoinOperand, cacheCapacity int) (PairIterator, error) {
	chunkSize := cacheCapacity - 1
	if chunkSize < 1 {
		chunkSize = 1
	}

	outerPages, err := cat.Pages(outer.Table)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for start := 0; start < len(outerPages); start += chunkSize {
		end := start + chunkSize
		if end > len(outerPages) {
			end = len(outerPages)
		}
		chunk, err := readPageRecords(cat, outerPages[start:end], outer.Key)
		if err != nil {
			return nil, err
		}
		err = cat.FullScan(inner.Table, func(data []byte) (interface{}, error) { return data, nil }, func(v interface{}) error {
			data := v.([]byte)
			ikey := inner.Key(data)
			for _, o := range chunk {
				if bytes.Equal(o.key, ikey) {
					pairs = append(pairs, Pair{Left: o.data, Right: data})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &sliceIterator{pairs: pairs}, nil
}

// HashJoin falls back to NestedLoopsJoin if the outer operand fits within
// 0.8*capacity pages (measured by the catalog's page count for the outer
// table); otherwise it hashes both sides to the
// same bucket count and nested-loop-joins matching buckets pairwise.
func HashJoin(cat *catalog.Catalog, outer, inner JoinOperand, cacheCapacity int) (PairIterator, error) {
	outerPages, err := cat.PageCount(outer.Table)
	if err != nil {
		return nil, err
	}
	if fitsInMemory(outerPages, cacheCapacity) {
		return NestedLoopsJoin(cat, outer, inner, cacheCapacity)
	}

	buckets := nestedLoopFallbackPages(cacheCapacity)
	if buckets < 1 {
		buckets = 1
	}

	outerHash, err := HashBuild(cat, outer.Table, buckets, outer.Key)
	if err != nil {
		return nil, err
	}
	innerHash, err := HashBuild(cat, inner.Table, buckets, inner.Key)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for b := 0; b < buckets; b++ {
		outerTable := outerHash.buckets[b]
		innerTable := innerHash.buckets[b]
		if outerTable == "" || innerTable == "" {
			continue
		}
		it, err := NestedLoopsJoin(cat, JoinOperand{Table: outerTable, Key: outer.Key}, JoinOperand{Table: innerTable, Key: inner.Key}, cacheCapacity)
		if err != nil {
			return nil, err
		}
		for {
			p, ok, err := it.Next()
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			pairs = append(pairs, p)
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}

	closer := func() error {
		for _, t := range outerHash.buckets {
			if t != "" {
				cat.DeleteTable(t)
			}
		}
		for _, t := range innerHash.buckets {
			if t != "" {
				cat.DeleteTable(t)
			}
		}
		return nil
	}
	return &sliceIterator{pairs: pairs, closer: closer}, nil
}

// SortMergeJoin sorts both operands, then advances the smaller-keyed
// side; on a key match it walks every tie on the right side for the
// current left record (via a secondary iterator positioned at the
// right's current slot) before advancing the left side again.
func SortMergeJoin(cat *catalog.Catalog, outer, inner JoinOperand, cacheCapacity int) (PairIterator, error) {
	leftSorted, err := Sort(cat, outer.Table, cacheCapacity, outer.Key)
	if err != nil {
		return nil, err
	}
	rightSorted, err := Sort(cat, inner.Table, cacheCapacity, inner.Key)
	if err != nil {
		return nil, err
	}
	closer := func() error {
		cat.DeleteTable(leftSorted)
		cat.DeleteTable(rightSorted)
		return nil
	}

	left, err := NewRunIterator(cat, leftSorted, outer.Key, DefaultWindow)
	if err != nil {
		closer()
		return nil, err
	}
	defer left.Close()
	right, err := NewRunIterator(cat, rightSorted, inner.Key, DefaultWindow)
	if err != nil {
		closer()
		return nil, err
	}
	defer right.Close()

	var pairs []Pair
	for {
		lk, ld, lok, err := left.Top()
		if err != nil {
			closer()
			return nil, err
		}
		if !lok {
			break
		}
		rk, _, rok, err := right.Top()
		if err != nil {
			closer()
			return nil, err
		}
		if !rok {
			break
		}

		switch {
		case bytes.Compare(lk, rk) < 0:
			if err := left.Pull(); err != nil {
				closer()
				return nil, err
			}
		case bytes.Compare(rk, lk) < 0:
			if err := right.Pull(); err != nil {
				closer()
				return nil, err
			}
		default:
			// Equal keys: walk every right-side tie for the current left
			// record through an independent secondary iterator, leaving
			// the primary right iterator parked at its current slot.
			secondary, err := right.Clone()
			if err != nil {
				closer()
				return nil, err
			}
			for {
				rk2, rd2, ok, err := secondary.Top()
				if err != nil {
					secondary.Close()
					closer()
					return nil, err
				}
				if !ok || !bytes.Equal(lk, rk2) {
					break
				}
				pairs = append(pairs, Pair{Left: ld, Right: rd2})
				if err := secondary.Pull(); err != nil {
					secondary.Close()
					closer()
					return nil, err
				}
			}
			secondary.Close()
			if err := left.Pull(); err != nil {
				closer()
				return nil, err
			}
		}
	}

	return &sliceIterator{pairs: pairs, closer: closer}, nil
}
