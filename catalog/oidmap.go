package catalog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"coredb/storage"
)

// ErrTableExists is wrapped into the error Create returns when name
// already resolves to a live OID.
var ErrTableExists = errors.New("catalog: table already exists")

// nameRecord is (OID, name, deleted-flag) as stored on a name-table data
// page: int32 OID, 1-byte deleted flag, uint16 name length, name bytes.
type nameRecord struct {
	OID     storage.PageID
	Name    string
	Deleted bool
}

func encodeNameRecord(r nameRecord) []byte {
	out := make([]byte, 4+1+2+len(r.Name))
	binary.LittleEndian.PutUint32(out[0:4], uint32(int32(r.OID)))
	if r.Deleted {
		out[4] = 1
	}
	binary.LittleEndian.PutUint16(out[5:7], uint16(len(r.Name)))
	copy(out[7:], r.Name)
	return out
}

func decodeNameRecord(buf []byte) (nameRecord, error) {
	if len(buf) < 7 {
		return nameRecord{}, fmt.Errorf("catalog: name record too short (%d bytes)", len(buf))
	}
	oid := storage.PageID(int32(binary.LittleEndian.Uint32(buf[0:4])))
	deleted := buf[4] != 0
	nameLen := int(binary.LittleEndian.Uint16(buf[5:7]))
	if len(buf) < 7+nameLen {
		return nameRecord{}, fmt.Errorf("catalog: name record declares %d name bytes, has %d", nameLen, len(buf)-7)
	}
	return nameRecord{OID: oid, Name: string(buf[7 : 7+nameLen]), Deleted: deleted}, nil
}

// TableOidMapping is the name->OID system table living on SystemTableOID.
// Lookup scans records; creation assigns max(OID)+1 ignoring the deleted
// flag (so ids stay permanently unique) and memoizes name->OID; deletion
// flips the flag and invalidates the memo entry.
type TableOidMapping struct {
	cache     pageAccess
	directory TablePageDirectory
	pageSize  int

	mu    sync.RWMutex
	memo  map[string]storage.PageID
	ready bool
}

func newTableOidMapping(c pageAccess, dir TablePageDirectory, pageSize int) *TableOidMapping {
	return &TableOidMapping{cache: c, directory: dir, pageSize: pageSize, memo: make(map[string]storage.PageID)}
}

// scan visits every non-tombstoned record on the name table, including
// records whose deleted flag is set, calling fn with the (pageID, slot,
// record) of each. Stops early if fn returns an error.
func (m *TableOidMapping) scan(fn func(pageID storage.PageID, slot int, rec nameRecord) error) error {
	pages, err := m.directory.Pages(SystemTableOID)
	if err != nil {
		return err
	}
	for _, pid := range pages {
		p, err := m.cache.Get(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			if rs.Deleted {
				continue
			}
			rec, err := decodeNameRecord(rs.Data)
			if err != nil {
				return err
			}
			if err := fn(pid, rs.Slot, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the OID for name, or ok=false if no live record exists.
func (m *TableOidMapping) Lookup(name string) (storage.PageID, bool, error) {
	m.mu.RLock()
	if oid, ok := m.memo[name]; ok {
		m.mu.RUnlock()
		return oid, true, nil
	}
	m.mu.RUnlock()

	var found storage.PageID
	var ok bool
	err := m.scan(func(_ storage.PageID, _ int, rec nameRecord) error {
		if rec.Name == name && !rec.Deleted {
			found, ok = rec.OID, true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		m.mu.Lock()
		m.memo[name] = found
		m.mu.Unlock()
	}
	return found, ok, nil
}

// Create assigns a new OID to name and appends its record. Fails if name
// is already live.
func (m *TableOidMapping) Create(name string) (storage.PageID, error) {
	if _, ok, err := m.Lookup(name); err != nil {
		return 0, err
	} else if ok {
		return 0, errors.Wrapf(ErrTableExists, "catalog: table %q", name)
	}

	// Seed just below the reserved root-page region: OIDs 0 and 1 are
	// the two system tables, and a user table's head directory page (id
	// equal to its OID) must sit above the region holding catalog
	// continuation pages and the counters page, so the first user OID
	// is ReservedRootPages.
	maxOID := ReservedRootPages - 1
	pages, err := m.directory.Pages(SystemTableOID)
	if err != nil {
		return 0, err
	}
	for _, pid := range pages {
		p, err := m.cache.Get(pid)
		if err != nil {
			return 0, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		for _, rs := range sp.AllRecords() {
			rec, err := decodeNameRecord(rs.Data)
			if err != nil {
				return 0, err
			}
			if rec.OID > maxOID {
				maxOID = rec.OID
			}
		}
	}

	newOID := maxOID + 1
	rec := encodeNameRecord(nameRecord{OID: newOID, Name: name})

	haveTarget := false
	for _, pid := range pages {
		p, err := m.cache.GetAndPin(pid)
		if err != nil {
			return 0, err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		if sp.FreeSpace() >= len(rec)+4 {
			if _, status := sp.PutRecord(rec, -1); status == storage.PutOK {
				m.cache.Unpin(p, true)
				haveTarget = true
				break
			}
		}
		m.cache.Unpin(p, false)
	}

	if !haveTarget {
		first, err := m.directory.AddPages(SystemTableOID, 1)
		if err != nil {
			return 0, err
		}
		np := storage.NewPage(first, m.pageSize)
		sp := storage.Init(np.Buf, storage.DefaultHeaderSize)
		if _, status := sp.PutRecord(rec, -1); status != storage.PutOK {
			return 0, fmt.Errorf("catalog: new name page cannot even hold one record (status %v)", status)
		}
		if err := m.cache.Put(np); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	m.memo[name] = newOID
	m.mu.Unlock()
	return newOID, nil
}

// Delete flips name's deleted flag and invalidates its memo entry.
func (m *TableOidMapping) Delete(name string) error {
	found := false
	err := m.scan(func(pid storage.PageID, slot int, rec nameRecord) error {
		if rec.Name != name || rec.Deleted || found {
			return nil
		}
		found = true
		p, err := m.cache.GetAndPin(pid)
		if err != nil {
			return err
		}
		sp := storage.Wrap(p.Buf, storage.DefaultHeaderSize)
		rec.Deleted = true
		data := encodeNameRecord(rec)
		if _, status := sp.PutRecord(data, slot); status != storage.PutOK {
			m.cache.Unpin(p, false)
			return fmt.Errorf("catalog: failed to mark %q deleted: status %v", name, status)
		}
		return m.cache.Unpin(p, true)
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrTableNotFound, "catalog: table %q", name)
	}
	m.mu.Lock()
	delete(m.memo, name)
	m.mu.Unlock()
	return nil
}
