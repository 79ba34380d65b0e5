package ops

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"coredb/catalog"
	"coredb/storage"
)

// TempTableName produces a collision-free table name for an
// intermediate result (sort runs, hash buckets, index levels).
func TempTableName(prefix string) string {
	return fmt.Sprintf("__%s_%s", prefix, uuid.NewString())
}

// Sort performs an external multiway merge sort of table, ordered by the
// bytes keyFn extracts from each record, and returns the name of a
// freshly written, caller-owned table holding the result.
//
// cacheCapacity bounds both phases: the partition phase sorts
// cacheCapacity/2 pages at a time in memory, and the merge phase refuses
// inputs whose run count would exceed cacheCapacity/2 (tables beyond
// (cacheCapacity/2)^2 pages).
func Sort(cat *catalog.Catalog, table string, cacheCapacity int, keyFn KeyExtractor) (string, error) {
	maxRunPages := cacheCapacity / 2
	if maxRunPages < 1 {
		maxRunPages = 1
	}

	pages, err := cat.Pages(table)
	if err != nil {
		return "", err
	}
	estimatedRuns := (len(pages) + maxRunPages - 1) / maxRunPages
	if estimatedRuns > maxRunPages {
		return "", fmt.Errorf("ops: sort input %q has %d pages, needing %d runs, but the merge fan-in is capped at %d (half the cache capacity)", table, len(pages), estimatedRuns, maxRunPages)
	}

	runs, err := partition(cat, table, pages, maxRunPages, keyFn)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		out := TempTableName("sorted")
		if _, err := cat.CreateTable(out); err != nil {
			return "", err
		}
		return out, nil
	}
	out, err := merge(cat, runs, keyFn)
	for _, r := range runs {
		cat.DeleteTable(r)
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

// readPageRecords reads the live records of exactly the given pages
// (no more) into memory, the shared bounded-chunk primitive behind both
// the sort operator's partition phase and the nested-loops join's
// outer-chunk scan: memory residency is capped by len(pages), never by
// the owning table's full size.
func readPageRecords(cat *catalog.Catalog, pages []storage.PageID, keyFn KeyExtractor) ([]keyedRecord, error) {
	var records []keyedRecord
	c := cat.Cache()
	for _, pid := range pages {
		p, err := c.Get(pid)
		if err != nil {
			return nil, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			records = append(records, keyedRecord{key: keyFn(rs.Data), data: rs.Data})
		}
	}
	return records, nil
}

// partition reads pages in chunks of maxRunPages, sorts each chunk's live
// records in memory, and writes each sorted chunk out as its own run
// table.
func partition(cat *catalog.Catalog, table string, pages []storage.PageID, maxRunPages int, keyFn KeyExtractor) ([]string, error) {
	var runs []string
	for start := 0; start < len(pages); start += maxRunPages {
		end := start + maxRunPages
		if end > len(pages) {
			end = len(pages)
		}
		records, err := readPageRecords(cat, pages[start:end], keyFn)
		if err != nil {
			return nil, err
		}
		sortKeyed(records)

		runName := TempTableName("run")
		if _, err := cat.CreateTable(runName); err != nil {
			return nil, err
		}
		if err := writeRecords(cat, runName, records); err != nil {
			return nil, err
		}
		runs = append(runs, runName)
	}
	return runs, nil
}

// writeRecords appends records, in order, to table's data pages,
// allocating new pages as each fills.
func writeRecords(cat *catalog.Catalog, table string, records []keyedRecord) error {
	if len(records) == 0 {
		return nil
	}
	c := cat.Cache()
	pageSize := cat.PageSize()

	first, err := cat.AddPage(table, 1)
	if err != nil {
		return err
	}
	curID := first
	p, err := c.GetAndPin(curID)
	if err != nil {
		return err
	}
	sp := storage.Init(p.Buf, storage.DefaultHeaderSize)

	flush := func(dirty bool) error { return c.Unpin(p, dirty) }

	for _, r := range records {
		if _, status := sp.PutRecord(r.data, -1); status == storage.PutOK {
			continue
		}
		if err := flush(true); err != nil {
			return err
		}
		nextID, err := cat.AddPage(table, 1)
		if err != nil {
			return err
		}
		curID = nextID
		p, err = c.GetAndPin(curID)
		if err != nil {
			return err
		}
		sp = storage.Init(p.Buf, storage.DefaultHeaderSize)
		if _, status := sp.PutRecord(r.data, -1); status != storage.PutOK {
			c.Unpin(p, false)
			return fmt.Errorf("ops: record of %d bytes does not fit on an empty page (page size %d)", len(r.data), pageSize)
		}
	}
	return flush(true)
}

// merge performs the k-way merge of runs, one buffered iterator per run,
// repeatedly emitting the globally minimum top record into a new output
// table.
func merge(cat *catalog.Catalog, runs []string, keyFn KeyExtractor) (string, error) {
	iters := make([]*RunIterator, len(runs))
	for i, r := range runs {
		it, err := NewRunIterator(cat, r, keyFn, DefaultWindow)
		if err != nil {
			return "", err
		}
		iters[i] = it
	}
	defer func() {
		for _, it := range iters {
			it.Close()
		}
	}()

	out := TempTableName("sorted")
	if _, err := cat.CreateTable(out); err != nil {
		return "", err
	}

	const flushBatch = 256
	var pending []keyedRecord
	for {
		best := -1
		var bestKey []byte
		for i, it := range iters {
			key, _, ok, err := it.Top()
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			if best == -1 || bytes.Compare(key, bestKey) < 0 {
				best, bestKey = i, key
			}
		}
		if best == -1 {
			break
		}
		_, data, _, err := iters[best].Top()
		if err != nil {
			return "", err
		}
		pending = append(pending, keyedRecord{key: bestKey, data: data})
		if err := iters[best].Pull(); err != nil {
			return "", err
		}
		if len(pending) >= flushBatch {
			if err := writeRecords(cat, out, pending); err != nil {
				return "", err
			}
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		if err := writeRecords(cat, out, pending); err != nil {
			return "", err
		}
	}
	return out, nil
}
