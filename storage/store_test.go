package storage

import (
	"os"
	"testing"
)

func runStoreContract(t *testing.T, store Store) {
	t.Helper()

	p := NewPage(0, store.PageSize())
	p.Buf[0] = 0x42
	if err := store.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := store.Read(0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.Buf[0] != 0x42 {
		t.Fatalf("readback = %v, want 0x42", back.Buf[0])
	}
	if store.Cost() <= 0 {
		t.Fatal("expected cost to accumulate from read+write")
	}

	store.ResetCost()
	if store.Cost() != 0 {
		t.Fatal("ResetCost did not zero the accumulator")
	}

	w, err := store.BulkWrite(NextFree)
	if err != nil {
		t.Fatalf("bulk write open: %v", err)
	}
	for i := 0; i < 5; i++ {
		page := NewPage(NextFree, store.PageSize())
		page.Buf[0] = byte(i)
		if _, err := w.Write(page); err != nil {
			t.Fatalf("bulk write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("bulk write close: %v", err)
	}
	if w.Count() != 5 {
		t.Fatalf("bulk write count = %d, want 5", w.Count())
	}

	var seen int
	err = store.BulkRead(1, 5, func(pg Page) error {
		if pg.Buf[0] != byte(seen) {
			t.Fatalf("bulk read %d: got %v", seen, pg.Buf[0])
		}
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if seen != 5 {
		t.Fatalf("bulk read visited %d pages, want 5", seen)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(DefaultPageSize))
}

func TestFileStoreContract(t *testing.T) {
	dir, err := os.MkdirTemp("", "coredb-filestore-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	fs, err := OpenFileStore(FileStoreConfig{Dir: dir, SegmentSize: 4096 * 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()
	runStoreContract(t, fs)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "coredb-filestore-reopen-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := FileStoreConfig{Dir: dir, SegmentSize: 4096 * 4}
	fs, err := OpenFileStore(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := NewPage(3, fs.PageSize())
	p.Buf[10] = 0x99
	if err := fs.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fs2, err := OpenFileStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()
	back, err := fs2.Read(3)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if back.Buf[10] != 0x99 {
		t.Fatalf("byte not durable across reopen: got %v", back.Buf[10])
	}
}

func TestNegativePageIDRejected(t *testing.T) {
	m := NewMemoryStore(DefaultPageSize)
	if err := m.Write(NewPage(-1, DefaultPageSize)); err == nil {
		t.Fatal("expected error writing a negative page id")
	}
	if _, err := m.Read(-1); err == nil {
		t.Fatal("expected error reading a negative page id")
	}
}
