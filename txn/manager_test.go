package txn

import (
	"sync"
	"testing"
	"time"

	"coredb/cache"
	"coredb/storage"
)

func seedPage(t *testing.T, store storage.Store, id storage.PageID, b byte) {
	t.Helper()
	p := storage.NewPage(id, 64)
	for i := range p.Buf {
		p.Buf[i] = b
	}
	if err := store.Write(p); err != nil {
		t.Fatalf("seed page %d: %v", id, err)
	}
}

// newHarness wires a Manager over a fresh in-memory store through a
// RevertableStore and an 8-page FIFO cache, the minimal stack every test
// in this file needs.
func newHarness(t *testing.T, scheduler Scheduler) (*Manager, storage.Store, *cache.BufferCache) {
	t.Helper()
	real := storage.NewMemoryStore(64)
	live := NewLiveSet()
	revertable := NewRevertableStore(real, live.IsLive)
	policy, err := cache.NewPolicy(cache.FIFO, 8)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	c := cache.New(revertable, 8, policy)
	mgr := NewManager(c, scheduler, NopWAL{}, live)
	return mgr, real, c
}

type abortSignal struct{}

func (*abortSignal) Error() string { return "deliberate test abort" }

// TestAbortRevertsResidentPage: T1 overwrites a page, then aborts; a
// subsequent read sees the pre-transaction bytes.
func TestAbortRevertsResidentPage(t *testing.T) {
	mgr, real, _ := newHarness(t, NewTwoPhaseLocking())
	seedPage(t, real, 0, 0xAA)

	err := mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.GetAndPin(0)
		if err != nil {
			return err
		}
		p.Buf[0] = 0x2A
		if err := h.Put(p); err != nil {
			return err
		}
		if err := h.Unpin(p, true); err != nil {
			return err
		}
		return &abortSignal{}
	})
	if err == nil {
		t.Fatal("expected the transaction to abort")
	}

	err = mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.Get(0)
		if err != nil {
			return err
		}
		if p.Buf[0] != 0xAA {
			t.Fatalf("page not reverted: got %#x, want 0xAA", p.Buf[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-back transaction: %v", err)
	}
}

func TestCommitPersistsWrite(t *testing.T) {
	mgr, real, c := newHarness(t, NewTwoPhaseLocking())
	seedPage(t, real, 0, 0x00)

	err := mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.GetAndPin(0)
		if err != nil {
			return err
		}
		p.Buf[0] = 0x42
		if err := h.Put(p); err != nil {
			return err
		}
		return h.Unpin(p, true)
	})
	if err != nil {
		t.Fatalf("commit transaction: %v", err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	p, err := real.Read(0)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if p.Buf[0] != 0x42 {
		t.Fatalf("committed write not durable: got %#x", p.Buf[0])
	}
}

// TestTwoPhaseLockingSuspendsConflictingWriter exercises the WAIT path: a
// second transaction's write blocks until the first transaction that
// holds the page commits.
func TestTwoPhaseLockingSuspendsConflictingWriter(t *testing.T) {
	mgr, real, _ := newHarness(t, NewTwoPhaseLocking())
	seedPage(t, real, 0, 0x00)

	release := make(chan struct{})
	entered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	var secondRan bool
	go func() {
		defer wg.Done()
		_ = mgr.Run(func(h *Handle, tx ID) error {
			p, err := h.GetAndPin(0)
			if err != nil {
				return err
			}
			if err := h.Put(p); err != nil {
				return err
			}
			close(entered)
			<-release
			return h.Unpin(p, true)
		})
	}()

	<-entered
	go func() {
		defer wg.Done()
		_ = mgr.Run(func(h *Handle, tx ID) error {
			secondRan = true
			return h.Put(storage.NewPage(0, 64))
		})
	}()

	time.Sleep(20 * time.Millisecond) // let the second goroutine park on WAIT
	close(release)
	wg.Wait()

	if !secondRan {
		t.Fatal("second transaction never ran")
	}
}

// TestMVCCReaderNeverBlocks exercises the MVCC read path: a lone reader
// completes without WAIT and sees the committed page contents.
func TestMVCCReaderNeverBlocks(t *testing.T) {
	var nextShadow int32 = 1000
	scheduler := NewMVCC(func() storage.PageID {
		nextShadow++
		return storage.PageID(nextShadow)
	})
	mgr, real, _ := newHarness(t, scheduler)
	seedPage(t, real, 0, 0x11)

	err := mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.Get(0)
		if err != nil {
			return err
		}
		if p.Buf[0] != 0x11 {
			t.Fatalf("reader: got %#x, want 0x11", p.Buf[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reader transaction: %v", err)
	}
}

// TestMVCCWriteIsInvisibleUntilCommit confirms a committed write is
// visible to a transaction started after the commit, and that the write
// was placed on a shadow physical page drawn from the alloc function.
func TestMVCCWriteIsInvisibleUntilCommit(t *testing.T) {
	var nextShadow int32 = 2000
	scheduler := NewMVCC(func() storage.PageID {
		nextShadow++
		return storage.PageID(nextShadow)
	})
	mgr, real, _ := newHarness(t, scheduler)
	seedPage(t, real, 0, 0x11)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		err := mgr.Run(func(h *Handle, tx ID) error {
			p, err := h.GetAndPin(0)
			if err != nil {
				return err
			}
			p.Buf[0] = 0x99
			if err := h.Put(p); err != nil {
				return err
			}
			return h.Unpin(p, true)
		})
		if err != nil {
			t.Errorf("writer transaction: %v", err)
		}
	}()
	<-writerDone

	err := mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.Get(0)
		if err != nil {
			return err
		}
		if p.Buf[0] != 0x99 {
			t.Fatalf("reader after commit: got %#x, want 0x99", p.Buf[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("post-commit reader transaction: %v", err)
	}

	if real.MaxPageID() < 2001 {
		t.Fatalf("write did not land on an allocated shadow page: maxPageID %d", real.MaxPageID())
	}
}

// TestMVCCAbortedWriteNeverVisible confirms an aborted MVCC write's shadow
// version never becomes visible to a later transaction.
func TestMVCCAbortedWriteNeverVisible(t *testing.T) {
	var nextShadow int32 = 3000
	scheduler := NewMVCC(func() storage.PageID {
		nextShadow++
		return storage.PageID(nextShadow)
	})
	mgr, real, _ := newHarness(t, scheduler)
	seedPage(t, real, 0, 0x11)

	err := mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.GetAndPin(0)
		if err != nil {
			return err
		}
		p.Buf[0] = 0x55
		if err := h.Put(p); err != nil {
			return err
		}
		if err := h.Unpin(p, true); err != nil {
			return err
		}
		return &abortSignal{}
	})
	if err == nil {
		t.Fatal("expected the transaction to abort")
	}

	err = mgr.Run(func(h *Handle, tx ID) error {
		p, err := h.Get(0)
		if err != nil {
			return err
		}
		if p.Buf[0] != 0x11 {
			t.Fatalf("aborted write became visible: got %#x, want 0x11", p.Buf[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-back transaction: %v", err)
	}
}
