package catalog

import (
	"testing"

	"coredb/cache"
	"coredb/storage"
)

func newTestCatalog(t *testing.T, mode DirectoryMode) *Catalog {
	t.Helper()
	const pageSize = 256
	store := storage.NewMemoryStore(pageSize)
	policy, err := cache.NewPolicy(cache.FIFO, 64)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	bc := cache.New(store, 64, policy)
	cat, err := Open(bc, pageSize, mode)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return cat
}

func TestCreateTableAssignsSequentialOIDs(t *testing.T) {
	cat := newTestCatalog(t, Linked)

	oid1, err := cat.CreateTable("orders")
	if err != nil {
		t.Fatalf("create orders: %v", err)
	}
	oid2, err := cat.CreateTable("customers")
	if err != nil {
		t.Fatalf("create customers: %v", err)
	}
	if oid1 == oid2 {
		t.Fatalf("expected distinct OIDs, got %d and %d", oid1, oid2)
	}
	if oid1 != ReservedRootPages {
		t.Fatalf("first user table should be OID %d, just past the reserved root-page region, got %d", ReservedRootPages, oid1)
	}
	if oid2 != oid1+1 {
		t.Fatalf("second OID = %d, want %d", oid2, oid1+1)
	}
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("accounts"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cat.CreateTable("accounts"); err == nil {
		t.Fatal("expected error creating a duplicate table name")
	}
}

func TestTableExistsAndDelete(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("widgets"); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := cat.TableExists("widgets")
	if err != nil || !ok {
		t.Fatalf("expected widgets to exist, ok=%v err=%v", ok, err)
	}
	if err := cat.DeleteTable("widgets"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = cat.TableExists("widgets")
	if err != nil || ok {
		t.Fatalf("expected widgets to no longer exist, ok=%v err=%v", ok, err)
	}
	// A second create of the same name must succeed (old OID permanently retired).
	if _, err := cat.CreateTable("widgets"); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func TestAddPageAndFullScanLinked(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("events"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// pageSize=256 header=12 -> capacity = 244/4 = 61 entries per directory
	// page (see TestSinglePageDirectoryRefusesOverflow). n must exceed that
	// so the head page (which starts as its own tail) actually chains to a
	// second directory page within this single AddPages call.
	const n = 130
	first, err := cat.AddPage("events", n)
	if err != nil {
		t.Fatalf("add pages: %v", err)
	}

	pages, err := cat.Pages("events")
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	if len(pages) != n {
		t.Fatalf("page count = %d, want %d", len(pages), n)
	}
	for i, id := range pages {
		if id != first+storage.PageID(i) {
			t.Fatalf("page %d = %d, want sequential from %d", i, id, first)
		}
	}

	count, err := cat.PageCount("events")
	if err != nil || count != n {
		t.Fatalf("page count = %d, err %v", count, err)
	}

	// Write one record into the first page and confirm FullScan sees it.
	c := cat.Cache()
	p, err := c.GetAndPin(first)
	if err != nil {
		t.Fatalf("pin first page: %v", err)
	}
	sp := storage.Init(p.Buf, storage.DefaultHeaderSize)
	sp.PutRecord([]byte("payload"), -1)
	if err := c.Unpin(p, true); err != nil {
		t.Fatalf("unpin: %v", err)
	}

	var seen []string
	err = cat.FullScan("events", func(data []byte) (interface{}, error) {
		return string(data), nil
	}, func(v interface{}) error {
		seen = append(seen, v.(string))
		return nil
	})
	if err != nil {
		t.Fatalf("full scan: %v", err)
	}
	if len(seen) != 1 || seen[0] != "payload" {
		t.Fatalf("full scan saw %v, want [payload]", seen)
	}
}

func TestSinglePageDirectoryRefusesOverflow(t *testing.T) {
	cat := newTestCatalog(t, SinglePage)
	if _, err := cat.CreateTable("tiny"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// pageSize=256 header=12 -> capacity = 244/4 = 61 entries.
	if _, err := cat.AddPage("tiny", 61); err != nil {
		t.Fatalf("fill to capacity: %v", err)
	}
	if _, err := cat.AddPage("tiny", 1); err == nil {
		t.Fatal("expected overflow error from single-page directory")
	}
}

func TestDefineAndReadColumns(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("accounts"); err != nil {
		t.Fatalf("create: %v", err)
	}

	cols := []ColumnMeta{
		{Name: "id", TypeTag: 1, Constraint: 1},
		{Name: "balance", TypeTag: 2},
	}
	if err := cat.DefineColumns("accounts", cols); err != nil {
		t.Fatalf("define columns: %v", err)
	}

	got, err := cat.Columns("accounts")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if len(got) != len(cols) {
		t.Fatalf("got %d columns, want %d", len(got), len(cols))
	}
	for i, c := range cols {
		if got[i] != c {
			t.Fatalf("column %d = %+v, want %+v", i, got[i], c)
		}
	}
}

func TestRedefineColumnsOverwritesPriorShape(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("widgets"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cat.DefineColumns("widgets", []ColumnMeta{{Name: "old"}}); err != nil {
		t.Fatalf("first define: %v", err)
	}
	if err := cat.DefineColumns("widgets", []ColumnMeta{{Name: "new"}}); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	got, err := cat.Columns("widgets")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if len(got) != 1 || got[0].Name != "new" {
		t.Fatalf("columns = %+v, want a single column named %q", got, "new")
	}
}

func TestColumnsNilWhenUndefined(t *testing.T) {
	cat := newTestCatalog(t, Linked)
	if _, err := cat.CreateTable("plain"); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := cat.Columns("plain")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if got != nil {
		t.Fatalf("columns = %+v, want nil", got)
	}
}
