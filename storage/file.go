package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultSegmentSize is the default size of one segment file (16 MiB).
const DefaultSegmentSize = 16 << 20

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Dir         string // directory holding segment files
	Prefix      string // segment file name prefix (default "page")
	PageSize    int    // default DefaultPageSize
	SegmentSize int    // default DefaultSegmentSize, must be a multiple of PageSize
}

// segment is one memory-mapped `<prefix>-<n>.seg` file.
type segment struct {
	file *os.File
	data []byte
}

// FileStore is the file-backed storage variant: a directory of fixed-size
// segment files, each memory-mapped. Page p lives in segment
// p/pagesPerSegment at offset (p%pagesPerSegment)*pageSize. Segments are
// created and pre-sized on first touch; Close unmaps and syncs everything.
type FileStore struct {
	mu              sync.Mutex
	dir             string
	prefix          string
	pageSize        int
	segmentSize     int
	pagesPerSegment int
	segments        map[int]*segment
	maxID           PageID
	cost            CostAccumulator
	closed          bool
}

// OpenFileStore opens (creating the directory if necessary) a file-backed
// store.
func OpenFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.SegmentSize%cfg.PageSize != 0 {
		return nil, fmt.Errorf("storage: segment size %d not a multiple of page size %d", cfg.SegmentSize, cfg.PageSize)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "page"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %q: %w", cfg.Dir, err)
	}
	fs := &FileStore{
		dir:             cfg.Dir,
		prefix:          cfg.Prefix,
		pageSize:        cfg.PageSize,
		segmentSize:     cfg.SegmentSize,
		pagesPerSegment: cfg.SegmentSize / cfg.PageSize,
		segments:        make(map[int]*segment),
		maxID:           -1,
	}
	return fs, nil
}

func (f *FileStore) PageSize() int     { return f.pageSize }
func (f *FileStore) Cost() float64     { return f.cost.Total() }
func (f *FileStore) ResetCost()        { f.cost.Reset() }
func (f *FileStore) MaxPageID() PageID { f.mu.Lock(); defer f.mu.Unlock(); return f.maxID }

func (f *FileStore) segmentPath(n int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%d.seg", f.prefix, n))
}

// segmentFor returns (creating and mapping on first touch) the segment
// holding page id. Caller must hold f.mu.
func (f *FileStore) segmentFor(id PageID) (*segment, int, error) {
	n := int(id) / f.pagesPerSegment
	off := (int(id) % f.pagesPerSegment) * f.pageSize

	seg, ok := f.segments[n]
	if ok {
		return seg, off, nil
	}

	path := f.segmentPath(n)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: open segment %d: %w", n, err)
	}
	if err := file.Truncate(int64(f.segmentSize)); err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("storage: pre-size segment %d: %w", n, err)
	}
	data, err := syscall.Mmap(int(file.Fd()), 0, f.segmentSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("storage: mmap segment %d: %w", n, err)
	}
	seg = &segment{file: file, data: data}
	f.segments[n] = seg
	return seg, off, nil
}

// Read returns an independent copy of page id.
func (f *FileStore) Read(id PageID) (Page, error) {
	if id < 0 {
		return Page{}, ErrNegativePageID
	}
	f.mu.Lock()
	seg, off, err := f.segmentFor(id)
	if err != nil {
		f.mu.Unlock()
		return Page{}, err
	}
	out := make([]byte, f.pageSize)
	copy(out, seg.data[off:off+f.pageSize])
	f.bumpMax(id)
	f.mu.Unlock()

	f.cost.Add(RandomAccessCost)
	return Page{ID: id, Buf: out}, nil
}

// BulkRead feeds n consecutive pages to consumer, in order.
func (f *FileStore) BulkRead(start PageID, n int, consumer BulkConsumer) error {
	if n < 0 {
		return fmt.Errorf("storage: negative bulk-read count %d", n)
	}
	f.mu.Lock()
	from := start
	if from == NextFree {
		from = f.maxID + 1
	}
	if from < 0 {
		f.mu.Unlock()
		return ErrNegativePageID
	}
	bufs := make([]Page, n)
	for i := 0; i < n; i++ {
		id := from + PageID(i)
		seg, off, err := f.segmentFor(id)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		out := make([]byte, f.pageSize)
		copy(out, seg.data[off:off+f.pageSize])
		bufs[i] = Page{ID: id, Buf: out}
		f.bumpMax(id)
	}
	f.mu.Unlock()

	f.cost.Add(RandomAccessCost + SequentialPageCost*float64(n))
	for _, p := range bufs {
		if err := consumer(p); err != nil {
			return err
		}
	}
	return nil
}

// Write stores a copy of p.
func (f *FileStore) Write(p Page) error {
	if p.ID < 0 {
		return ErrNegativePageID
	}
	if err := f.writePageRaw(p.ID, p.Buf); err != nil {
		return err
	}
	f.cost.Add(RandomAccessCost)
	return nil
}

// BulkWrite opens a scoped writer assigning sequential ids from start.
func (f *FileStore) BulkWrite(start PageID) (*BulkWriter, error) {
	from := start
	if from == NextFree {
		f.mu.Lock()
		from = f.maxID + 1
		f.mu.Unlock()
	}
	if from < 0 {
		return nil, ErrNegativePageID
	}
	return newBulkWriter(f, &f.cost, from), nil
}

func (f *FileStore) writePageRaw(id PageID, buf []byte) error {
	if len(buf) != f.pageSize {
		return fmt.Errorf("storage: page %d has %d bytes, want %d", id, len(buf), f.pageSize)
	}
	f.mu.Lock()
	seg, off, err := f.segmentFor(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	copy(seg.data[off:off+f.pageSize], buf)
	f.bumpMax(id)
	f.mu.Unlock()
	return nil
}

// bumpMax must be called with f.mu held.
func (f *FileStore) bumpMax(id PageID) {
	if id > f.maxID {
		f.maxID = id
	}
}

// Close forces all mappings, flushing dirty pages to disk.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var firstErr error
	for n, seg := range f.segments {
		if err := unix.Msync(seg.data, syscall.MS_SYNC); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: msync segment %d: %w", n, err)
		}
		if err := syscall.Munmap(seg.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: munmap segment %d: %w", n, err)
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.segments = nil
	return firstErr
}
