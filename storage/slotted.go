package storage

import (
	"encoding/binary"
	"fmt"
)

// PutStatus is the tri-state result of PutRecord, returned as a status
// rather than an error: a full page or an out-of-range slot id are
// expected, recoverable conditions for a caller doing its own placement
// bookkeeping.
type PutStatus int

const (
	PutOK PutStatus = iota
	PutOutOfSpace
	PutOutOfRange
)

// GetStatus is the tri-state result of GetRecord.
type GetStatus int

const (
	GetOK GetStatus = iota
	GetDeleted
	GetOutOfRange
)

// slotEntrySize is the width of one directory slot: a signed byte offset
// into the page. A negative value marks a tombstone; the magnitude is the
// record's start offset either way.
const slotEntrySize = 4

// RecordStatus pairs a slot id with its current state, for AllRecords.
type RecordStatus struct {
	Slot    int
	Deleted bool
	Data    []byte // nil when Deleted
}

// SlottedPage wraps a raw page buffer with the record-directory
// operations of the on-page format: a fixed subsystem header, a
// forward-growing slot directory of signed offsets, and records packed
// backward from the page tail. A record's length is derived from the
// neighboring slot's offset: the monotonic-offset invariant pins each
// record's upper edge to the record appended immediately before it, so
// no per-slot length field is stored.
type SlottedPage struct {
	buf        []byte
	headerSize int
}

// Wrap wraps an existing page buffer that has already been initialised
// (or read back from storage) as a slotted page with the given header
// width.
func Wrap(buf []byte, headerSize int) *SlottedPage {
	return &SlottedPage{buf: buf, headerSize: headerSize}
}

// Init zeroes buf and sets up an empty slotted page with the given header
// width (DefaultHeaderSize if zero).
func Init(buf []byte, headerSize int) *SlottedPage {
	if headerSize <= 0 {
		headerSize = DefaultHeaderSize
	}
	for i := range buf {
		buf[i] = 0
	}
	return &SlottedPage{buf: buf, headerSize: headerSize}
}

// HeaderSize returns the configured header width.
func (sp *SlottedPage) HeaderSize() int { return sp.headerSize }

// Bytes returns the underlying page buffer.
func (sp *SlottedPage) Bytes() []byte { return sp.buf }

// DirectorySize returns the number of slots, live or tombstoned.
func (sp *SlottedPage) DirectorySize() int {
	return int(int32(binary.LittleEndian.Uint32(sp.buf[0:4])))
}

func (sp *SlottedPage) setDirectorySize(n int) {
	binary.LittleEndian.PutUint32(sp.buf[0:4], uint32(int32(n)))
}

func (sp *SlottedPage) slotAddr(i int) int { return sp.headerSize + i*slotEntrySize }

func (sp *SlottedPage) rawOffset(i int) int32 {
	a := sp.slotAddr(i)
	return int32(binary.LittleEndian.Uint32(sp.buf[a:]))
}

func (sp *SlottedPage) setRawOffset(i int, v int32) {
	a := sp.slotAddr(i)
	binary.LittleEndian.PutUint32(sp.buf[a:], uint32(v))
}

func absInt32(v int32) int {
	if v < 0 {
		return int(-v)
	}
	return int(v)
}

// boundary returns the high-address edge of the record at slot i: the
// offset of the record appended immediately before it (slot i-1), or
// pageSize if i is the first slot.
func (sp *SlottedPage) boundary(i int) int {
	if i == 0 {
		return len(sp.buf)
	}
	return absInt32(sp.rawOffset(i - 1))
}

// frontier is the current low-address edge of allocated record space: the
// offset of the most recently appended slot, or pageSize if the page is
// empty.
func (sp *SlottedPage) frontier() int {
	n := sp.DirectorySize()
	if n == 0 {
		return len(sp.buf)
	}
	return absInt32(sp.rawOffset(n - 1))
}

// FreeSpace returns bytes available for new records, per the invariant
// freeSpace = lastRecordOffset - directorySize*4 - headerSize.
func (sp *SlottedPage) FreeSpace() int {
	return sp.frontier() - sp.DirectorySize()*slotEntrySize - sp.headerSize
}

func (sp *SlottedPage) recordLen(i int) int {
	return sp.boundary(i) - absInt32(sp.rawOffset(i))
}

// GetRecord returns the record at slot id.
func (sp *SlottedPage) GetRecord(slot int) ([]byte, GetStatus) {
	if slot < 0 || slot >= sp.DirectorySize() {
		return nil, GetOutOfRange
	}
	off := sp.rawOffset(slot)
	if off < 0 {
		return nil, GetDeleted
	}
	start := int(off)
	length := sp.recordLen(slot)
	out := make([]byte, length)
	copy(out, sp.buf[start:start+length])
	return out, GetOK
}

// IsDeleted reports whether slot is a tombstone. Slot must be in range.
func (sp *SlottedPage) IsDeleted(slot int) bool {
	return sp.rawOffset(slot) < 0
}

// PutRecord appends (slot == DirectorySize or slot == -1) or updates the
// record at slot in place, shifting trailing records by the size delta.
// No mutation occurs if the result would be OutOfSpace or OutOfRange.
func (sp *SlottedPage) PutRecord(data []byte, slot int) (int, PutStatus) {
	n := sp.DirectorySize()
	if slot == -1 {
		slot = n
	}
	if slot < 0 || slot > n {
		return -1, PutOutOfRange
	}
	if slot == n {
		return sp.appendRecord(data)
	}
	return sp.updateRecord(data, slot)
}

func (sp *SlottedPage) appendRecord(data []byte) (int, PutStatus) {
	needed := len(data)
	n := sp.DirectorySize()
	front := sp.frontier()
	// Need room for the record bytes plus one new directory entry.
	available := front - n*slotEntrySize - sp.headerSize - slotEntrySize
	if available < needed {
		return -1, PutOutOfSpace
	}
	newOff := front - needed
	copy(sp.buf[newOff:newOff+needed], data)
	sp.setDirectorySize(n + 1)
	sp.setRawOffset(n, int32(newOff))
	return n, PutOK
}

func (sp *SlottedPage) updateRecord(data []byte, slot int) (int, PutStatus) {
	needed := len(data)
	oldOff := sp.rawOffset(slot)
	oldAbs := absInt32(oldOff)
	deleted := oldOff < 0
	bound := sp.boundary(slot)
	oldLen := bound - oldAbs
	delta := needed - oldLen

	front := sp.frontier()
	trailStart := front
	trailLen := oldAbs - trailStart
	newFrontier := front - delta
	n := sp.DirectorySize()
	freeAfter := newFrontier - n*slotEntrySize - sp.headerSize
	if freeAfter < 0 {
		return -1, PutOutOfSpace
	}

	// Snapshot the trailing records (everything appended after `slot`)
	// before we overwrite any of this region.
	var trail []byte
	if trailLen > 0 {
		trail = make([]byte, trailLen)
		copy(trail, sp.buf[trailStart:trailStart+trailLen])
	}

	newAbs := bound - needed
	copy(sp.buf[newAbs:newAbs+needed], data)

	newTrailStart := trailStart - delta
	if trailLen > 0 {
		copy(sp.buf[newTrailStart:newTrailStart+trailLen], trail)
	}

	for j := slot + 1; j < n; j++ {
		v := sp.rawOffset(j)
		sign := int32(1)
		if v < 0 {
			sign = -1
		}
		shifted := (absInt32(v) - delta) * int(sign)
		sp.setRawOffset(j, int32(shifted))
	}

	sign := int32(1)
	if deleted {
		sign = -1
	}
	sp.setRawOffset(slot, int32(newAbs)*sign)
	return slot, PutOK
}

// DeleteRecord marks slot as a tombstone by flipping its offset sign. A
// slot that is already deleted is left untouched (delete is not a toggle).
func (sp *SlottedPage) DeleteRecord(slot int) error {
	if slot < 0 || slot >= sp.DirectorySize() {
		return fmt.Errorf("storage: slot %d out of range [0,%d)", slot, sp.DirectorySize())
	}
	off := sp.rawOffset(slot)
	if off < 0 {
		return nil
	}
	sp.setRawOffset(slot, -off)
	return nil
}

// AllRecords enumerates every slot with its status, in slot order.
func (sp *SlottedPage) AllRecords() []RecordStatus {
	n := sp.DirectorySize()
	out := make([]RecordStatus, n)
	for i := 0; i < n; i++ {
		data, status := sp.GetRecord(i)
		out[i] = RecordStatus{Slot: i, Deleted: status == GetDeleted, Data: data}
	}
	return out
}

// Clear zeroes the buffer and resets the directory.
func (sp *SlottedPage) Clear() {
	for i := range sp.buf {
		sp.buf[i] = 0
	}
}

// PutHeader writes into the subsystem header area (bytes [4, headerSize)).
func (sp *SlottedPage) PutHeader(data []byte) error {
	if len(data) > sp.headerSize-4 {
		return fmt.Errorf("storage: header payload %d bytes exceeds %d available", len(data), sp.headerSize-4)
	}
	copy(sp.buf[4:4+len(data)], data)
	return nil
}

// GetHeader returns a copy of the subsystem header area.
func (sp *SlottedPage) GetHeader() []byte {
	out := make([]byte, sp.headerSize-4)
	copy(out, sp.buf[4:sp.headerSize])
	return out
}

// Reset overwrites this page's bytes from source, provided the buffers are
// the same size. Used by the transaction layer to revert aborted writes.
func (sp *SlottedPage) Reset(source []byte) error {
	if len(source) != len(sp.buf) {
		return fmt.Errorf("storage: reset source is %d bytes, page is %d", len(source), len(sp.buf))
	}
	copy(sp.buf, source)
	return nil
}
