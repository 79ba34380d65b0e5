package txn

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"coredb/storage"
)

// walOp identifies a WAL record's kind.
type walOp uint8

const (
	walBegin walOp = iota + 1
	walBeforeWrite
	walAfterWrite
	walCommit
	walAbort
)

func (op walOp) String() string {
	switch op {
	case walBegin:
		return "BEGIN"
	case walBeforeWrite:
		return "BEFORE_WRITE"
	case walAfterWrite:
		return "AFTER_WRITE"
	case walCommit:
		return "COMMIT"
	case walAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// WAL is the write-ahead-log callback surface. The Manager fires the
// before-hook once per page, ahead of a transaction's first write to
// it; the after-hook after every physical write; and the commit/abort
// hooks after the scheduler has released its bookkeeping but before any
// waiters resume. The interface is silent on log format and on how (or
// whether) an implementation replays it.
type WAL interface {
	TransactionStarted(tx ID) error
	BeforePageWrite(tx ID, page storage.PageID) error
	AfterPageWrite(tx ID, page storage.PageID) error
	TransactionAborted(tx ID, modified []storage.PageID) error
	TransactionCommitted(tx ID, modified []storage.PageID) error
	Stats() WALStats
}

// WALStats is a point-in-time snapshot of log activity, mirroring the
// value-copy counter-struct pattern used across this module
// (cache.Stats, storage's cost accumulator).
type WALStats struct {
	Records uint64
	Bytes   uint64
}

// FileWAL appends fixed-layout records to an io.Writer: a 1-byte op
// code, a 4-byte transaction id, a 4-byte page id (zero for
// transaction-level records), 4 reserved zero bytes, and a CRC32
// checksum over the preceding bytes.
type FileWAL struct {
	mu      sync.Mutex
	w       io.Writer
	records uint64
	bytes   uint64
}

// NewFileWAL wraps w (a file, or any io.Writer in tests) as the log
// destination. Every call appends and does not buffer across calls, so
// the record is durable as soon as w.Write returns (an *os.File caller
// that wants fsync-level durability should wrap w itself).
func NewFileWAL(w io.Writer) *FileWAL {
	return &FileWAL{w: w}
}

// walRecordSize is the fixed on-disk width of one record: op(1) +
// tx(4) + page(4) + reserved(4) + crc32(4).
const walRecordSize = 17

func (l *FileWAL) append(op walOp, tx ID, page storage.PageID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, walRecordSize)
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(tx))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(int32(page)))
	binary.LittleEndian.PutUint32(buf[9:13], 0) // reserved, keeps record width stable across hook kinds
	checksum := crc32.ChecksumIEEE(buf[:13])
	binary.LittleEndian.PutUint32(buf[13:17], checksum)
	n, err := l.w.Write(buf)
	if err != nil {
		return fmt.Errorf("txn: wal append %s: %w", op, err)
	}
	l.records++
	l.bytes += uint64(n)
	return nil
}

func (l *FileWAL) TransactionStarted(tx ID) error {
	return l.append(walBegin, tx, 0)
}

func (l *FileWAL) BeforePageWrite(tx ID, page storage.PageID) error {
	return l.append(walBeforeWrite, tx, page)
}

func (l *FileWAL) AfterPageWrite(tx ID, page storage.PageID) error {
	return l.append(walAfterWrite, tx, page)
}

func (l *FileWAL) TransactionAborted(tx ID, modified []storage.PageID) error {
	for _, p := range modified {
		if err := l.append(walAbort, tx, p); err != nil {
			return err
		}
	}
	return l.append(walAbort, tx, 0)
}

func (l *FileWAL) TransactionCommitted(tx ID, modified []storage.PageID) error {
	for _, p := range modified {
		if err := l.append(walCommit, tx, p); err != nil {
			return err
		}
	}
	return l.append(walCommit, tx, 0)
}

func (l *FileWAL) Stats() WALStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return WALStats{Records: l.records, Bytes: l.bytes}
}

// NopWAL discards every hook, for callers (tests, read-only tooling) that
// don't need durability. Stats always reads zero.
type NopWAL struct{}

func (NopWAL) TransactionStarted(ID) error                    { return nil }
func (NopWAL) BeforePageWrite(ID, storage.PageID) error       { return nil }
func (NopWAL) AfterPageWrite(ID, storage.PageID) error        { return nil }
func (NopWAL) TransactionAborted(ID, []storage.PageID) error  { return nil }
func (NopWAL) TransactionCommitted(ID, []storage.PageID) error { return nil }
func (NopWAL) Stats() WALStats                                { return WALStats{} }

var (
	_ WAL = (*FileWAL)(nil)
	_ WAL = NopWAL{}
)
