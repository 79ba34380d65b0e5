package ops

import (
	"encoding/binary"
	"strings"
	"testing"

	"coredb/cache"
	"coredb/catalog"
	"coredb/storage"
)

func newTestCatalog(t *testing.T, pageSize, capacity int) *catalog.Catalog {
	t.Helper()
	store := storage.NewMemoryStore(pageSize)
	policy, err := cache.NewPolicy(cache.FIFO, capacity)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	bc := cache.New(store, capacity, policy)
	cat, err := catalog.Open(bc, pageSize, catalog.Linked)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return cat
}

// intRecord encodes a single big-endian uint32 key as the whole record,
// so the key extractor is just an identity slice.
func intRecord(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func identityKey(data []byte) []byte { return data }

func seedTable(t *testing.T, cat *catalog.Catalog, name string, values []uint32) {
	t.Helper()
	if _, err := cat.CreateTable(name); err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	var recs []keyedRecord
	for _, v := range values {
		r := intRecord(v)
		recs = append(recs, keyedRecord{key: r, data: r})
	}
	if err := writeRecords(cat, name, recs); err != nil {
		t.Fatalf("seed %q: %v", name, err)
	}
}

func readAllUint32(t *testing.T, cat *catalog.Catalog, name string) []uint32 {
	t.Helper()
	var out []uint32
	err := cat.FullScan(name, func(data []byte) (interface{}, error) {
		return binary.BigEndian.Uint32(data), nil
	}, func(v interface{}) error {
		out = append(out, v.(uint32))
		return nil
	})
	if err != nil {
		t.Fatalf("scan %q: %v", name, err)
	}
	return out
}

func TestSortOrdersAcrossMultipleRuns(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)

	values := make([]uint32, 500)
	for i := range values {
		// A stride-97 permutation of 0..499 (out of order) to exercise
		// multiple partition runs and the k-way merge.
		values[i] = uint32((i*97 + 13) % 500)
	}
	seedTable(t, cat, "nums", values)

	before, err := cat.LiveTableNames()
	if err != nil {
		t.Fatalf("live tables before sort: %v", err)
	}

	sorted, err := Sort(cat, "nums", 20, identityKey)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	got := readAllUint32(t, cat, sorted)
	if len(got) != len(values) {
		t.Fatalf("sorted output has %d records, want %d", len(got), len(values))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("output not sorted at index %d: %d > %d", i, got[i-1], got[i])
		}
	}

	// A multi-run sort must leave nothing behind beyond its one output
	// table: the partition phase's run tables are intermediate state, not
	// a result the caller owns.
	after, err := cat.LiveTableNames()
	if err != nil {
		t.Fatalf("live tables after sort: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("live table count went from %d to %d, want exactly +1 (the sorted output); leaked run tables: %v", len(before), len(after), after)
	}
	for _, name := range after {
		if strings.HasPrefix(name, "__run_") {
			t.Fatalf("partition run table %q was not cleaned up after sort", name)
		}
	}
}

func TestSortRefusesTooManyRuns(t *testing.T) {
	const pageSize = 64
	cat := newTestCatalog(t, pageSize, 64)
	values := make([]uint32, 2000)
	for i := range values {
		values[i] = uint32(i)
	}
	seedTable(t, cat, "huge", values)

	if _, err := Sort(cat, "huge", 4, identityKey); err == nil {
		t.Fatal("expected an error when run count would exceed cacheCapacity/2")
	}
}

func TestHashBuildFindsOnlyMatchingBucket(t *testing.T) {
	cat := newTestCatalog(t, 128, 64)
	values := make([]uint32, 100)
	for i := range values {
		values[i] = uint32(i)
	}
	seedTable(t, cat, "keys", values)

	ht, err := HashBuild(cat, "keys", 8, identityKey)
	if err != nil {
		t.Fatalf("hash build: %v", err)
	}
	for _, want := range []uint32{0, 42, 99} {
		found, err := ht.Find(intRecord(want))
		if err != nil {
			t.Fatalf("find %d: %v", want, err)
		}
		if len(found) != 1 {
			t.Fatalf("find %d returned %d records, want 1", want, len(found))
		}
		if binary.BigEndian.Uint32(found[0]) != want {
			t.Fatalf("find %d returned wrong record", want)
		}
	}
	if found, err := ht.Find(intRecord(999)); err != nil || len(found) != 0 {
		t.Fatalf("find missing key: found=%v err=%v", found, err)
	}
}

func joinedKeys(t *testing.T, it PairIterator) map[uint32]bool {
	t.Helper()
	out := make(map[uint32]bool)
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		lv := binary.BigEndian.Uint32(p.Left)
		rv := binary.BigEndian.Uint32(p.Right)
		if lv != rv {
			t.Fatalf("joined pair does not share a key: %d vs %d", lv, rv)
		}
		out[lv] = true
	}
	return out
}

func TestNestedLoopsJoinInner(t *testing.T) {
	cat := newTestCatalog(t, 128, 64)
	left := make([]uint32, 30)
	for i := range left {
		left[i] = uint32(i)
	}
	right := make([]uint32, 30)
	for i := range right {
		right[i] = uint32(i + 15) // overlap [15,29]
	}
	seedTable(t, cat, "left", left)
	seedTable(t, cat, "right", right)

	it, err := NestedLoopsJoin(cat, JoinOperand{"left", identityKey}, JoinOperand{"right", identityKey}, 8)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer it.Close()
	got := joinedKeys(t, it)
	if len(got) != 15 {
		t.Fatalf("joined %d keys, want 15", len(got))
	}
}

func TestHashJoinMatchesNestedLoops(t *testing.T) {
	cat := newTestCatalog(t, 128, 64)
	left := make([]uint32, 200)
	for i := range left {
		left[i] = uint32(i)
	}
	right := make([]uint32, 200)
	for i := range right {
		right[i] = uint32(i + 100)
	}
	seedTable(t, cat, "hleft", left)
	seedTable(t, cat, "hright", right)

	it, err := HashJoin(cat, JoinOperand{"hleft", identityKey}, JoinOperand{"hright", identityKey}, 4)
	if err != nil {
		t.Fatalf("hash join: %v", err)
	}
	defer it.Close()
	got := joinedKeys(t, it)
	if len(got) != 100 {
		t.Fatalf("joined %d keys, want 100", len(got))
	}
}

func TestSortMergeJoinHandlesTies(t *testing.T) {
	cat := newTestCatalog(t, 128, 64)
	// Duplicate keys on both sides to exercise the tie-walk.
	var left, right []uint32
	for i := 0; i < 10; i++ {
		left = append(left, uint32(i), uint32(i))
		right = append(right, uint32(i), uint32(i), uint32(i))
	}
	seedTable(t, cat, "sleft", left)
	seedTable(t, cat, "sright", right)

	it, err := SortMergeJoin(cat, JoinOperand{"sleft", identityKey}, JoinOperand{"sright", identityKey}, 20)
	if err != nil {
		t.Fatalf("sort-merge join: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		if binary.BigEndian.Uint32(p.Left) != binary.BigEndian.Uint32(p.Right) {
			t.Fatal("mismatched pair")
		}
		count++
	}
	// Each key has 2 left x 3 right = 6 pairs, times 10 distinct keys.
	if count != 60 {
		t.Fatalf("got %d pairs, want 60", count)
	}
}
