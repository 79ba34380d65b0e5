package index

import (
	"encoding/binary"
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

func keyOf(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func firstFour(data []byte) []byte { return data[:4] }

// seedOnePerPage writes one record per freshly allocated page, in the
// given order, so each record's owning page id is known and distinct --
// letting a test force two records sharing a key onto different pages
// (the precondition for an overflow run).
func seedOnePerPage(t *testing.T, cat *catalog.Catalog, name string, recs [][]byte) []storage.PageID {
	t.Helper()
	if _, err := cat.CreateTable(name); err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	ids := make([]storage.PageID, 0, len(recs))
	for _, r := range recs {
		first, err := cat.AddPage(name, 1)
		if err != nil {
			t.Fatalf("add page: %v", err)
		}
		p, err := cat.Cache().GetAndPin(first)
		if err != nil {
			t.Fatalf("pin: %v", err)
		}
		sp := storage.Init(p.Buf, storage.DefaultHeaderSize)
		if _, status := sp.PutRecord(r, -1); status != storage.PutOK {
			t.Fatalf("put record: status %v", status)
		}
		if err := cat.Cache().Unpin(p, true); err != nil {
			t.Fatalf("unpin: %v", err)
		}
		ids = append(ids, first)
	}
	return ids
}

func containsPage(pages []storage.PageID, id storage.PageID) bool {
	for _, p := range pages {
		if p == id {
			return true
		}
	}
	return false
}

func TestLookupUniqueKeysReturnsOwningPage(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)

	var recs [][]byte
	var keys []uint32
	for i := uint32(1); i <= 15; i++ {
		recs = append(recs, keyOf(i*10))
		keys = append(keys, i*10)
	}
	ids := seedOnePerPage(t, cat, "items", recs)

	tree, err := Build(cat, "items", 64, firstFour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer tree.Drop()

	if tree.height == 0 {
		t.Skip("fixture too small to force an internal level; lookup still exercised below")
	}

	for i, k := range keys {
		got, err := tree.Lookup(keyOf(k))
		if err != nil {
			t.Fatalf("lookup %d: %v", k, err)
		}
		if len(got) != 1 || got[0] != ids[i] {
			t.Fatalf("lookup %d = %v, want [%d]", k, got, ids[i])
		}
	}
}

func TestLookupMissingKeyReturnsNil(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)

	ids := seedOnePerPage(t, cat, "items", [][]byte{keyOf(10), keyOf(30), keyOf(50)})
	_ = ids

	tree, err := Build(cat, "items", 64, firstFour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer tree.Drop()

	got, err := tree.Lookup(keyOf(20))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("lookup of absent key = %v, want nil", got)
	}

	got, err = tree.Lookup(keyOf(999))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("lookup past the end = %v, want nil", got)
	}
}

func TestLookupEmptyTree(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)
	if _, err := cat.CreateTable("empty"); err != nil {
		t.Fatalf("create: %v", err)
	}

	tree, err := Build(cat, "empty", 64, firstFour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer tree.Drop()

	got, err := tree.Lookup(keyOf(1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("lookup on empty tree = %v, want nil", got)
	}
}

func TestLookupNonUniqueKeyWalksOverflowRun(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)

	// Key 20 appears on two distinct pages, forcing an overflow run; keys
	// 10 and 30 stay unique so their leaf entries reference a data page
	// directly.
	ids := seedOnePerPage(t, cat, "items", [][]byte{
		keyOf(10),
		keyOf(20),
		keyOf(20),
		keyOf(30),
	})

	tree, err := Build(cat, "items", 64, firstFour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer tree.Drop()

	if tree.overflowTable == "" {
		t.Fatal("expected Build to create an overflow table for the duplicate key")
	}

	got, err := tree.Lookup(keyOf(20))
	if err != nil {
		t.Fatalf("lookup 20: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("lookup 20 = %v, want 2 pages", got)
	}
	if !containsPage(got, ids[1]) || !containsPage(got, ids[2]) {
		t.Fatalf("lookup 20 = %v, want both %d and %d", got, ids[1], ids[2])
	}

	got, err = tree.Lookup(keyOf(10))
	if err != nil {
		t.Fatalf("lookup 10: %v", err)
	}
	if len(got) != 1 || got[0] != ids[0] {
		t.Fatalf("lookup 10 = %v, want [%d]", got, ids[0])
	}

	got, err = tree.Lookup(keyOf(30))
	if err != nil {
		t.Fatalf("lookup 30: %v", err)
	}
	if len(got) != 1 || got[0] != ids[3] {
		t.Fatalf("lookup 30 = %v, want [%d]", got, ids[3])
	}
}

func TestDropRemovesBackingTables(t *testing.T) {
	const pageSize = 128
	cat := newTestCatalog(t, pageSize, 64)
	seedOnePerPage(t, cat, "items", [][]byte{keyOf(1), keyOf(2)})

	tree, err := Build(cat, "items", 64, firstFour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	leaf := tree.leafTable
	if err := tree.Drop(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	ok, err := cat.TableExists(leaf)
	if err != nil {
		t.Fatalf("table exists: %v", err)
	}
	if ok {
		t.Fatalf("leaf table %q still live after Drop", leaf)
	}
}
