package txn

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"coredb/cache"
	"coredb/storage"
)

// ErrTxAborted is wrapped into every error a Handle returns once its
// transaction has been aborted, by the scheduler or by the body itself.
var ErrTxAborted = errors.New("txn: transaction aborted")

// LiveSet tracks, per page, which still-open transactions have modified
// it. It is constructed independently of the Manager so a
// RevertableStore can be wired to it before the buffer cache (and
// therefore the Manager, which owns the cache) exists, breaking the
// construction cycle between store, cache and manager.
type LiveSet struct {
	mu   sync.Mutex
	mods map[storage.PageID]map[ID]bool
}

// NewLiveSet constructs an empty live-modification tracker.
func NewLiveSet() *LiveSet {
	return &LiveSet{mods: make(map[storage.PageID]map[ID]bool)}
}

// IsLive reports whether page is currently modified by some transaction
// that has neither committed nor aborted. Pass this method to
// NewRevertableStore as its live predicate.
func (l *LiveSet) IsLive(page storage.PageID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mods[page]) > 0
}

func (l *LiveSet) mark(page storage.PageID, tx ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.mods[page]
	if !ok {
		set = make(map[ID]bool)
		l.mods[page] = set
	}
	set[tx] = true
}

func (l *LiveSet) clear(tx ID, pages []storage.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, page := range pages {
		set := l.mods[page]
		delete(set, tx)
		if len(set) == 0 {
			delete(l.mods, page)
		}
	}
}

// Manager allocates transaction descriptors, drives the WAL hooks,
// arbitrates every read/write through the configured Scheduler, and on
// abort reverts each page a transaction touched to its pre-transaction
// bytes. Scheduler calls are direct, guarded by the callers themselves
// serializing on the manager; only the waiting machinery (one
// completion channel per live transaction) is concurrent.
type Manager struct {
	cache     *cache.BufferCache
	scheduler Scheduler
	wal       WAL
	live      *LiveSet

	nextTx uint32

	mu   sync.Mutex
	done map[ID]chan struct{}
}

// NewManager wires a Manager over an already-open buffer cache, using
// scheduler for concurrency control and wal for durability hooks. live
// should be the same *LiveSet the cache's store was wrapped with via
// NewRevertableStore, so an uncommitted transaction's dirty pages are
// never flushed to disk out from under it.
func NewManager(c *cache.BufferCache, scheduler Scheduler, wal WAL, live *LiveSet) *Manager {
	return &Manager{
		cache:     c,
		scheduler: scheduler,
		wal:       wal,
		live:      live,
		done:      make(map[ID]chan struct{}),
	}
}

// waitFor parks the caller until blocking's transaction resolves. This
// is the only suspension point in the package; the scheduler itself
// never blocks.
func (m *Manager) waitFor(blocking ID) {
	if blocking == noTx {
		return
	}
	m.mu.Lock()
	ch, ok := m.done[blocking]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-ch
}

func (m *Manager) allocate() ID {
	return ID(atomic.AddUint32(&m.nextTx, 1))
}

// Body is a transaction's unit of work: a function of the transaction's
// cache handle and its descriptor, run on its own worker. Return an
// error (or panic) to abort.
type Body func(h *Handle, tx ID) error

// Run starts a new transaction, executes body, and commits on a nil
// return or aborts on any error, a recovered panic included —
// cancellation is just abort. The returned error wraps ErrTxAborted
// when body itself triggered the abort.
func (m *Manager) Run(body Body) error {
	tx := m.allocate()
	done := make(chan struct{})
	m.mu.Lock()
	m.done[tx] = done
	m.mu.Unlock()
	defer func() {
		// Wake every worker parked on this transaction, then forget the
		// channel: a later waitFor on a resolved id must not block.
		close(done)
		m.mu.Lock()
		delete(m.done, tx)
		m.mu.Unlock()
	}()

	if err := m.wal.TransactionStarted(tx); err != nil {
		return errors.Wrapf(err, "txn: starting transaction %d", tx)
	}

	h := &Handle{mgr: m, tx: tx, before: make(map[storage.PageID][]byte), modified: make(map[storage.PageID]bool)}

	bodyErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Wrapf(ErrTxAborted, "transaction %d: panic: %v", tx, r)
			}
		}()
		return body(h, tx)
	}()

	modified := make([]storage.PageID, 0, len(h.modified))
	for p := range h.modified {
		modified = append(modified, p)
	}

	if bodyErr != nil {
		m.finishAbort(h, modified)
		if errors.Cause(bodyErr) == ErrTxAborted {
			return bodyErr
		}
		return errors.Wrapf(ErrTxAborted, "transaction %d: %v", tx, bodyErr)
	}

	return m.finishCommit(h, modified)
}

func (m *Manager) finishCommit(h *Handle, modified []storage.PageID) error {
	m.scheduler.Commit(h.tx)
	m.live.clear(h.tx, modified)
	if err := m.wal.TransactionCommitted(h.tx, modified); err != nil {
		return errors.Wrapf(err, "txn: commit hook for transaction %d", h.tx)
	}
	return nil
}

func (m *Manager) finishAbort(h *Handle, modified []storage.PageID) {
	m.scheduler.Abort(h.tx)
	for page, before := range h.before {
		// Reset each modified resident page to its pre-transaction
		// bytes.
		_ = m.cache.Put(storage.Page{ID: page, Buf: before})
	}
	m.live.clear(h.tx, modified)
	_ = m.wal.TransactionAborted(h.tx, modified)
}

// Handle is the cache wrapper a transaction body operates through. It
// satisfies cache.Accessor, intercepting every read and every write —
// Put and dirty Unpin alike — to consult the Manager's Scheduler first.
type Handle struct {
	mgr *Manager
	tx  ID

	before   map[storage.PageID][]byte // first-seen bytes, for abort revert
	modified map[storage.PageID]bool
}

// TxID returns the descriptor this handle is acting on behalf of.
func (h *Handle) TxID() ID { return h.tx }

func (h *Handle) Get(id storage.PageID) (storage.Page, error) {
	return h.read(id, false)
}

func (h *Handle) GetAndPin(id storage.PageID) (storage.Page, error) {
	return h.read(id, true)
}

func (h *Handle) read(id storage.PageID, pin bool) (storage.Page, error) {
	for {
		d := h.mgr.scheduler.Read(h.tx, id)
		switch d.Status {
		case ReadOK:
			if pin {
				return h.mgr.cache.GetAndPin(d.Serve)
			}
			return h.mgr.cache.Get(d.Serve)
		case ReadAbort:
			return storage.Page{}, errors.Wrapf(ErrTxAborted, "transaction %d: read of page %d: %s", h.tx, id, d.Reason)
		case ReadWait:
			h.mgr.waitFor(d.Blocking)
		default:
			return storage.Page{}, errors.Errorf("txn: scheduler returned invalid read status %d", d.Status)
		}
	}
}

// Unpin releases a pinned page. A clean unpin passes straight through;
// a dirty unpin writes the caller's copy back, so it runs the same
// scheduler/WAL protocol as Put before the bytes land.
func (h *Handle) Unpin(p storage.Page, dirty bool) error {
	if !dirty {
		return h.mgr.cache.Unpin(p, false)
	}
	for {
		d := h.mgr.scheduler.Write(h.tx, p.ID)
		switch d.Status {
		case WriteOK:
			if d.Serve != p.ID {
				// The scheduler redirected the bytes to a shadow page:
				// land them there and release the original pin clean.
				if err := h.applyWrite(d.Serve, d.Commit, func() error {
					return h.mgr.cache.Put(storage.Page{ID: d.Serve, Buf: p.Buf})
				}); err != nil {
					return err
				}
				return h.mgr.cache.Unpin(p, false)
			}
			return h.applyWrite(p.ID, d.Commit, func() error {
				return h.mgr.cache.Unpin(p, true)
			})
		case WriteAbort:
			// The write is refused; drop the caller's copy and release
			// the pin so the abort path isn't left holding it.
			_ = h.mgr.cache.Unpin(p, false)
			return errors.Wrapf(ErrTxAborted, "transaction %d: write of page %d: %s", h.tx, p.ID, d.Reason)
		case WriteWait:
			h.mgr.waitFor(d.Blocking)
		default:
			return errors.Errorf("txn: scheduler returned invalid write status %d", d.Status)
		}
	}
}

// Put performs a transactional write: consult the scheduler, snapshot
// the page's pre-write bytes the first time this handle touches it,
// fire the WAL before/after hooks around the physical write, and invoke
// the scheduler's version-write callback once the bytes have landed.
func (h *Handle) Put(p storage.Page) error {
	for {
		d := h.mgr.scheduler.Write(h.tx, p.ID)
		switch d.Status {
		case WriteOK:
			return h.applyWrite(d.Serve, d.Commit, func() error {
				return h.mgr.cache.Put(storage.Page{ID: d.Serve, Buf: p.Buf})
			})
		case WriteAbort:
			return errors.Wrapf(ErrTxAborted, "transaction %d: write of page %d: %s", h.tx, p.ID, d.Reason)
		case WriteWait:
			h.mgr.waitFor(d.Blocking)
		default:
			return errors.Errorf("txn: scheduler returned invalid write status %d", d.Status)
		}
	}
}

// applyWrite performs a physical write to target, the page id the
// scheduler decided the bytes must actually land on — ordinarily the
// caller's own page, but for MVCC a shadow page. Every bookkeeping key
// (the pre-write snapshot, the live-modification mark, the modified set
// used for abort-revert and WAL commit/abort hooks) is keyed on target,
// not on the caller's logical page id, so a shadow page is
// reverted/committed in its own right. The WAL before-hook fires only
// ahead of this transaction's first write to target; the after-hook
// fires on every write.
func (h *Handle) applyWrite(target storage.PageID, versionCommit func(), write func() error) error {
	if _, seen := h.before[target]; !seen {
		cur, err := h.mgr.cache.Get(target)
		if err != nil {
			return err
		}
		h.before[target] = cur.Buf
		h.mgr.live.mark(target, h.tx)
		if err := h.mgr.wal.BeforePageWrite(h.tx, target); err != nil {
			return err
		}
	}
	h.modified[target] = true

	if err := write(); err != nil {
		return err
	}
	if err := h.mgr.wal.AfterPageWrite(h.tx, target); err != nil {
		return err
	}
	if versionCommit != nil {
		versionCommit()
	}
	return nil
}

// Load bulk-prefetches through the underlying cache. Prefetch is a
// best-effort residency hint, not a transactional observation — no
// record is served to the caller — so it bypasses the scheduler.
func (h *Handle) Load(start storage.PageID, n int) error {
	return h.mgr.cache.Load(start, n)
}

var _ cache.Accessor = (*Handle)(nil)

// RevertableStore wraps a real storage.Store and drops the
// write-through of any page still modified by a live transaction, so a
// buffer-cache eviction or flush can never leak uncommitted bytes to
// durable storage.
type RevertableStore struct {
	store storage.Store
	live  func(storage.PageID) bool
}

// NewRevertableStore wraps store; live should normally be a LiveSet's
// IsLive method.
func NewRevertableStore(store storage.Store, live func(storage.PageID) bool) *RevertableStore {
	return &RevertableStore{store: store, live: live}
}

func (r *RevertableStore) Read(id storage.PageID) (storage.Page, error) { return r.store.Read(id) }

func (r *RevertableStore) BulkRead(start storage.PageID, n int, consumer storage.BulkConsumer) error {
	return r.store.BulkRead(start, n, consumer)
}

func (r *RevertableStore) Write(p storage.Page) error {
	if r.live(p.ID) {
		return nil
	}
	return r.store.Write(p)
}

func (r *RevertableStore) BulkWrite(start storage.PageID) (*storage.BulkWriter, error) {
	return r.store.BulkWrite(start)
}

func (r *RevertableStore) PageSize() int             { return r.store.PageSize() }
func (r *RevertableStore) Cost() float64             { return r.store.Cost() }
func (r *RevertableStore) ResetCost()                { r.store.ResetCost() }
func (r *RevertableStore) MaxPageID() storage.PageID { return r.store.MaxPageID() }
func (r *RevertableStore) Close() error              { return r.store.Close() }

var _ storage.Store = (*RevertableStore)(nil)
