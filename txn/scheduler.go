// Package txn implements the transaction plumbing: a pluggable
// concurrency-control Scheduler (two-phase locking, timestamp ordering,
// and an MVCC-shaped variant), a WAL callback interface, and a Manager
// that wraps the buffer cache so every read and write a transaction
// makes is intercepted, arbitrated, and — on abort — reverted.
//
// A transaction body runs as its own goroutine worker; a blocked read
// or write suspends that worker on a channel receive until the blocking
// transaction commits or aborts, never by blocking inside the scheduler
// itself.
package txn

import (
	"sync"

	"coredb/storage"
)

// ID is a transaction descriptor: a monotonically increasing 32-bit
// integer, live between start and commit/abort.
type ID uint32

// noTx is never a live transaction id; Manager starts allocating at 1.
const noTx ID = 0

// ReadStatus is the verdict a Scheduler returns for a read request.
type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadAbort
	ReadWait
)

// ReadDecision is a Scheduler's answer to Read. Serve is the page id the
// caller should actually fetch from the cache — ordinarily the requested
// page, but an MVCC-shaped scheduler may redirect to an older committed
// version. Blocking names the transaction the caller is waiting behind
// when Status is ReadWait.
type ReadDecision struct {
	Status   ReadStatus
	Serve    storage.PageID
	Blocking ID
	Reason   string
}

// WriteStatus is the verdict a Scheduler returns for a write request.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	WriteAbort
	WriteWait
)

// WriteDecision is a Scheduler's answer to Write. Serve is the physical
// page id the caller must actually write to — ordinarily the requested
// page, but an MVCC-shaped scheduler redirects it to a copy-on-write
// shadow page, leaving the original page's resident bytes untouched
// until commit. Commit, when non-nil, is the version-write callback:
// the Manager invokes it once the physical write has landed, letting an
// MVCC-shaped scheduler finalize the new version's bookkeeping. 2PL/TO
// schedulers leave it nil.
type WriteDecision struct {
	Status   WriteStatus
	Serve    storage.PageID
	Blocking ID
	Reason   string
	Commit   func()
}

// Scheduler is the pluggable concurrency-control interface. The Manager
// calls a Scheduler's methods, including a WriteDecision's Commit
// callback, from each transaction's own goroutine without serializing
// them; every Scheduler in this package guards its state with its own
// mutex. A Scheduler never blocks inside a method (suspension is modeled
// by returning *Wait and letting the Manager park the caller on a
// completion channel).
type Scheduler interface {
	// Read is called before a transaction fetches page.
	Read(tx ID, page storage.PageID) ReadDecision

	// Write is called before a transaction mutates page.
	Write(tx ID, page storage.PageID) WriteDecision

	// Commit releases every resource tx holds. The returned list is nil
	// for every Scheduler in this package: waiters are not tracked here,
	// and a parked transaction resumes when the Manager closes the
	// completion channel of the transaction it waited on.
	Commit(tx ID) []ID

	// Abort releases every resource tx holds (identically to Commit, from
	// the scheduler's point of view — only the Manager's WAL hook and
	// page-revert behavior differ). Like Commit, it returns nil for every
	// Scheduler in this package.
	Abort(tx ID) []ID
}

// lockMode distinguishes 2PL's shared and exclusive holds.
type lockMode int

const (
	shared lockMode = iota
	exclusive
)

// lockEntry is one page's lock state under TwoPhaseLocking.
type lockEntry struct {
	holders map[ID]lockMode
}

// TwoPhaseLocking is a strict two-phase locking scheduler: once a
// transaction acquires a lock on a page it holds that lock until commit
// or abort. Conflicting requests return ReadWait/WriteWait naming one
// of the current holders. There is no deadlock detection; a scheduler
// wanting timeouts synthesizes them by returning an abort verdict.
type TwoPhaseLocking struct {
	mu    sync.Mutex
	locks map[storage.PageID]*lockEntry
	held  map[ID]map[storage.PageID]bool
}

// NewTwoPhaseLocking constructs an empty strict-2PL lock table.
func NewTwoPhaseLocking() *TwoPhaseLocking {
	return &TwoPhaseLocking{
		locks: make(map[storage.PageID]*lockEntry),
		held:  make(map[ID]map[storage.PageID]bool),
	}
}

func (s *TwoPhaseLocking) entry(page storage.PageID) *lockEntry {
	e, ok := s.locks[page]
	if !ok {
		e = &lockEntry{holders: make(map[ID]lockMode)}
		s.locks[page] = e
	}
	return e
}

func (s *TwoPhaseLocking) remember(tx ID, page storage.PageID) {
	set, ok := s.held[tx]
	if !ok {
		set = make(map[storage.PageID]bool)
		s.held[tx] = set
	}
	set[page] = true
}

func (s *TwoPhaseLocking) Read(tx ID, page storage.PageID) ReadDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(page)
	if mode, ok := e.holders[tx]; ok && (mode == shared || mode == exclusive) {
		return ReadDecision{Status: ReadOK, Serve: page}
	}
	for other, mode := range e.holders {
		if other != tx && mode == exclusive {
			return ReadDecision{Status: ReadWait, Blocking: other, Reason: "page held exclusively"}
		}
	}
	e.holders[tx] = shared
	s.remember(tx, page)
	return ReadDecision{Status: ReadOK, Serve: page}
}

func (s *TwoPhaseLocking) Write(tx ID, page storage.PageID) WriteDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(page)
	for other := range e.holders {
		if other != tx {
			return WriteDecision{Status: WriteWait, Blocking: other, Reason: "page held by another transaction"}
		}
	}
	e.holders[tx] = exclusive
	s.remember(tx, page)
	return WriteDecision{Status: WriteOK, Serve: page}
}

// release drops every lock tx holds. The Manager discovers who can now
// resume via its own completion-channel broadcast (keyed on tx, not via
// a waiter list here), so release reports nothing to retry against
// specifically — any transaction parked on ReadWait/WriteWait simply
// retries its call once the blocking id's channel closes.
func (s *TwoPhaseLocking) release(tx ID) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for page := range s.held[tx] {
		e := s.locks[page]
		delete(e.holders, tx)
		if len(e.holders) == 0 {
			delete(s.locks, page)
		}
	}
	delete(s.held, tx)
	return nil
}

func (s *TwoPhaseLocking) Commit(tx ID) []ID { return s.release(tx) }
func (s *TwoPhaseLocking) Abort(tx ID) []ID  { return s.release(tx) }

// TimestampOrdering is a basic timestamp-ordering scheduler: each
// transaction is assigned a timestamp (its allocation order) at its
// first Read or Write, and every page remembers the highest read and
// write timestamps it has seen. A request arriving "too late" relative
// to a timestamp already recorded is aborted outright rather than made
// to wait — TO schedulers never emit *Wait.
type TimestampOrdering struct {
	mu       sync.Mutex
	clock    uint64
	tsOf     map[ID]uint64
	readTS   map[storage.PageID]uint64
	writeTS  map[storage.PageID]uint64
	modified map[ID]map[storage.PageID]bool
}

// NewTimestampOrdering constructs an empty basic-TO scheduler.
func NewTimestampOrdering() *TimestampOrdering {
	return &TimestampOrdering{
		tsOf:     make(map[ID]uint64),
		readTS:   make(map[storage.PageID]uint64),
		writeTS:  make(map[storage.PageID]uint64),
		modified: make(map[ID]map[storage.PageID]bool),
	}
}

func (s *TimestampOrdering) timestamp(tx ID) uint64 {
	if ts, ok := s.tsOf[tx]; ok {
		return ts
	}
	s.clock++
	s.tsOf[tx] = s.clock
	return s.clock
}

func (s *TimestampOrdering) Read(tx ID, page storage.PageID) ReadDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.timestamp(tx)
	if ts < s.writeTS[page] {
		return ReadDecision{Status: ReadAbort, Reason: "read arrives after a later write timestamp"}
	}
	if ts > s.readTS[page] {
		s.readTS[page] = ts
	}
	return ReadDecision{Status: ReadOK, Serve: page}
}

func (s *TimestampOrdering) Write(tx ID, page storage.PageID) WriteDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.timestamp(tx)
	if ts < s.readTS[page] || ts < s.writeTS[page] {
		return WriteDecision{Status: WriteAbort, Reason: "write arrives after a later read or write timestamp"}
	}
	s.writeTS[page] = ts
	set, ok := s.modified[tx]
	if !ok {
		set = make(map[storage.PageID]bool)
		s.modified[tx] = set
	}
	set[page] = true
	return WriteDecision{Status: WriteOK, Serve: page}
}

func (s *TimestampOrdering) finish(tx ID) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modified, tx)
	delete(s.tsOf, tx)
	return nil
}

func (s *TimestampOrdering) Commit(tx ID) []ID { return s.finish(tx) }
func (s *TimestampOrdering) Abort(tx ID) []ID  { return s.finish(tx) }

// mvccVersion is one committed-or-pending copy-on-write version of a
// logical page.
type mvccVersion struct {
	physical  storage.PageID
	writer    ID
	written   bool // Commit callback fired: the physical bytes actually landed
	committed bool
	commitSeq uint64
}

// MVCC is a multiversion scheduler: readers never block (they are
// served the newest version committed at or before their snapshot
// sequence, possibly an older physical page than the one requested),
// and writers conflict only with another writer's still-live copy of
// the same logical page (first-committer-wins: the later writer aborts
// rather than waiting).
//
// New physical page ids for shadow copies are drawn from the alloc
// function passed to NewMVCC; the Manager does not supply it, so the
// caller keeps shadow ids clear of real data pages.
type MVCC struct {
	mu      sync.Mutex
	alloc   func() storage.PageID
	seq     uint64
	start   map[ID]uint64
	chains  map[storage.PageID][]*mvccVersion
	writers map[storage.PageID]ID
}

// NewMVCC constructs an MVCC scheduler; alloc must return a fresh page id
// on every call, disjoint from every id already in use.
func NewMVCC(alloc func() storage.PageID) *MVCC {
	return &MVCC{
		alloc:   alloc,
		chains:  make(map[storage.PageID][]*mvccVersion),
		writers: make(map[storage.PageID]ID),
		start:   make(map[ID]uint64),
	}
}

func (s *MVCC) snapshot(tx ID) uint64 {
	if ts, ok := s.start[tx]; ok {
		return ts
	}
	s.start[tx] = s.seq
	return s.seq
}

func (s *MVCC) Read(tx ID, page storage.PageID) ReadDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot(tx)
	var visible *mvccVersion
	for _, v := range s.chains[page] {
		if v.committed && v.commitSeq <= snap {
			visible = v
		}
		if v.writer == tx && v.written && !v.committed {
			visible = v // read-your-own-write, once the physical put has landed
		}
	}
	if visible == nil {
		return ReadDecision{Status: ReadOK, Serve: page}
	}
	return ReadDecision{Status: ReadOK, Serve: visible.physical}
}

func (s *MVCC) Write(tx ID, page storage.PageID) WriteDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot(tx)
	if owner, ok := s.writers[page]; ok {
		if owner != tx {
			return WriteDecision{Status: WriteAbort, Blocking: owner, Reason: "write-write conflict: another transaction already holds a pending version"}
		}
		// Repeat write by the same transaction: land on the pending
		// shadow it already owns instead of allocating another.
		for _, v := range s.chains[page] {
			if v.writer == tx && !v.committed && v.commitSeq == 0 {
				return s.decisionFor(v)
			}
		}
	}
	s.writers[page] = tx
	v := &mvccVersion{physical: s.alloc(), writer: tx}
	s.chains[page] = append(s.chains[page], v)
	return s.decisionFor(v)
}

func (s *MVCC) decisionFor(v *mvccVersion) WriteDecision {
	return WriteDecision{Status: WriteOK, Serve: v.physical, Commit: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		v.written = true
	}}
}

func (s *MVCC) finish(tx ID, commit bool) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if commit {
		s.seq++
	}
	for page, owner := range s.writers {
		if owner != tx {
			continue
		}
		delete(s.writers, page)
		for _, v := range s.chains[page] {
			if v.writer == tx && !v.committed {
				if commit {
					v.committed = true
					v.commitSeq = s.seq
				} else {
					v.committed = false
					v.commitSeq = ^uint64(0) // never visible again
				}
			}
		}
	}
	delete(s.start, tx)
	return nil
}

func (s *MVCC) Commit(tx ID) []ID { return s.finish(tx, true) }
func (s *MVCC) Abort(tx ID) []ID  { return s.finish(tx, false) }

// Verify at compile time that every scheduler variant satisfies the
// interface other packages depend on.
var (
	_ Scheduler = (*TwoPhaseLocking)(nil)
	_ Scheduler = (*TimestampOrdering)(nil)
	_ Scheduler = (*MVCC)(nil)
)
