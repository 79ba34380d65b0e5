package ops

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"coredb/catalog"
	"coredb/storage"
)

// bucketHash maps key to a bucket as |hash(key)| mod buckets. Committing
// to the absolute value keeps a record's bucket stable between build and
// probe regardless of the hash's sign bit.
func bucketHash(key []byte, buckets int) int {
	h := fnv.New64a()
	h.Write(key)
	sum := int64(h.Sum64())
	if sum < 0 {
		sum = -sum
	}
	return int(sum % int64(buckets))
}

// HashTable is the result of HashBuild: one temporary table per bucket,
// plus Find, which scans only the bucket a key hashes to.
type HashTable struct {
	cat     *catalog.Catalog
	keyFn   KeyExtractor
	buckets []string
}

// Buckets returns the backing table name for every bucket, in bucket
// order. Bucket i's table is "" if no record ever hashed to it.
func (h *HashTable) Buckets() []string { return h.buckets }

// Find scans only the bucket key hashes to and returns every live record
// whose extracted key equals key exactly.
func (h *HashTable) Find(key []byte) ([][]byte, error) {
	b := bucketHash(key, len(h.buckets))
	table := h.buckets[b]
	if table == "" {
		return nil, nil
	}
	var out [][]byte
	err := h.cat.FullScan(table, func(data []byte) (interface{}, error) { return data, nil }, func(v interface{}) error {
		data := v.([]byte)
		if bytes.Equal(h.keyFn(data), key) {
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// HashBuild partitions table's live records into buckets many temporary
// tables by |hash(key)| mod buckets, one builder (and backing table) per
// bucket, creating a bucket's table and its appender lazily on its first
// record. Each record is appended to its bucket's table as it streams
// past from catalog.FullScan — never buffered across the whole input —
// so the only memory held at once is one pinned page per bucket
// currently in use.
func HashBuild(cat *catalog.Catalog, table string, buckets int, keyFn KeyExtractor) (*HashTable, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("ops: bucket count must be positive, got %d", buckets)
	}
	appenders := make([]*bucketAppender, buckets)
	names := make([]string, buckets)

	closeAll := func() {
		for _, a := range appenders {
			if a != nil {
				a.Close()
			}
		}
	}

	err := cat.FullScan(table, func(data []byte) (interface{}, error) { return data, nil }, func(v interface{}) error {
		data := v.([]byte)
		key := keyFn(data)
		b := bucketHash(key, buckets)
		if appenders[b] == nil {
			name := TempTableName("bucket")
			a, err := newBucketAppender(cat, name)
			if err != nil {
				return err
			}
			appenders[b] = a
			names[b] = name
		}
		return appenders[b].Append(data)
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	for _, a := range appenders {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil {
			return nil, err
		}
	}

	return &HashTable{cat: cat, keyFn: keyFn, buckets: names}, nil
}

// bucketAppender streams records one at a time onto a temporary table,
// keeping exactly one page pinned at a time and allocating a fresh one
// whenever the current page fills, mirroring writeRecords' per-page
// logic but without requiring the caller's records to already be
// collected into a slice.
type bucketAppender struct {
	cat      *catalog.Catalog
	table    string
	pageSize int
	page     storage.Page
	sp       *storage.SlottedPage
	pinned   bool
}

func newBucketAppender(cat *catalog.Catalog, name string) (*bucketAppender, error) {
	if _, err := cat.CreateTable(name); err != nil {
		return nil, err
	}
	a := &bucketAppender{cat: cat, table: name, pageSize: cat.PageSize()}
	if err := a.allocPage(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *bucketAppender) allocPage() error {
	id, err := a.cat.AddPage(a.table, 1)
	if err != nil {
		return err
	}
	p, err := a.cat.Cache().GetAndPin(id)
	if err != nil {
		return err
	}
	a.page = p
	a.sp = storage.Init(p.Buf, storage.DefaultHeaderSize)
	a.pinned = true
	return nil
}

// Append writes data to the bucket's current page, rolling over to a
// freshly allocated page first if it does not fit.
func (a *bucketAppender) Append(data []byte) error {
	if _, status := a.sp.PutRecord(data, -1); status == storage.PutOK {
		return nil
	}
	if err := a.cat.Cache().Unpin(a.page, true); err != nil {
		return err
	}
	a.pinned = false
	if err := a.allocPage(); err != nil {
		return err
	}
	if _, status := a.sp.PutRecord(data, -1); status != storage.PutOK {
		a.cat.Cache().Unpin(a.page, false)
		a.pinned = false
		return fmt.Errorf("ops: record of %d bytes does not fit on an empty page (page size %d)", len(data), a.pageSize)
	}
	return nil
}

// Close unpins the appender's current page, if any, flushing it dirty.
func (a *bucketAppender) Close() error {
	if !a.pinned {
		return nil
	}
	a.pinned = false
	return a.cat.Cache().Unpin(a.page, true)
}

// fitsInMemory reports whether a table of the given page count can be
// built as a single nested-loops chunk within capacity pages, used by
// the hash join to decide whether to fall back to nested loops.
func fitsInMemory(pageCount, capacity int) bool {
	return pageCount <= nestedLoopFallbackPages(capacity)
}

func nestedLoopFallbackPages(capacity int) int {
	n := capacity * 8 / 10
	if n < 0 {
		n = 0
	}
	return n
}
