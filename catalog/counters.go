package catalog

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"coredb/storage"
)

// ReservedRootPages is the size of the reserved root-page region. Page
// ids below it hold the two system tables' head directory pages (ids 0
// and 1, equal to their OIDs), every catalog continuation page, and the
// persisted counters page. User table OIDs — and therefore their head
// directory pages, whose id equals the OID — begin at ReservedRootPages
// and can never land inside the region.
const ReservedRootPages storage.PageID = 4096

// GlobalCountersPageID is the fixed page holding the two monotonic
// counters that hand out data-page and catalog-continuation-page ids.
// It sits at the top of the reserved region: the head directory page of
// OID 0 carries the {size, last, next} chain header every other
// directory page does, so the counters need a page of their own rather
// than riding in the zero page's header.
const GlobalCountersPageID = ReservedRootPages - 1

const (
	// CatalogPageIDBase is the first id handed out for catalog
	// continuation pages; the range ends just below the counters page,
	// and exhausting it is reported as an error rather than spilling
	// into the user-OID space above.
	CatalogPageIDBase storage.PageID = 2

	// DataPageIDBase is the first id handed out for table data pages,
	// far above any realistic OID count so the two id spaces never
	// meet.
	DataPageIDBase storage.PageID = 1 << 24
)

type countersStore interface {
	Get(id storage.PageID) (storage.Page, error)
	Put(p storage.Page) error
}

// GlobalCounters persists the next-data-page and next-catalog-page
// counters on GlobalCountersPageID. Both only ever grow; deleting a
// table never returns its pages.
type GlobalCounters struct {
	mu       sync.Mutex
	cache    countersStore
	pageSize int
}

// OpenGlobalCounters loads (or, if absent, initializes) the counters page.
// The second return value reports whether this call performed first-time
// initialization, which callers use to decide whether the rest of the
// catalog (the name-mapping table at SystemTableOID) still needs
// bootstrapping too.
func OpenGlobalCounters(c countersStore, pageSize int) (*GlobalCounters, bool, error) {
	gc := &GlobalCounters{cache: c, pageSize: pageSize}
	p, err := c.Get(GlobalCountersPageID)
	if err != nil {
		return nil, false, errors.Wrap(err, "catalog: load counters page")
	}
	nextData := int32(binary.LittleEndian.Uint32(p.Buf[0:4]))
	nextCatalog := int32(binary.LittleEndian.Uint32(p.Buf[4:8]))
	fresh := nextData == 0 && nextCatalog == 0
	if fresh {
		if err := gc.write(DataPageIDBase, CatalogPageIDBase); err != nil {
			return nil, false, err
		}
	}
	return gc, fresh, nil
}

func (gc *GlobalCounters) write(nextData, nextCatalog storage.PageID) error {
	p := storage.NewPage(GlobalCountersPageID, gc.pageSize)
	binary.LittleEndian.PutUint32(p.Buf[0:4], uint32(int32(nextData)))
	binary.LittleEndian.PutUint32(p.Buf[4:8], uint32(int32(nextCatalog)))
	return gc.cache.Put(p)
}

func (gc *GlobalCounters) read() (storage.PageID, storage.PageID, error) {
	p, err := gc.cache.Get(GlobalCountersPageID)
	if err != nil {
		return 0, 0, err
	}
	nextData := storage.PageID(int32(binary.LittleEndian.Uint32(p.Buf[0:4])))
	nextCatalog := storage.PageID(int32(binary.LittleEndian.Uint32(p.Buf[4:8])))
	return nextData, nextCatalog, nil
}

// NextDataPages reserves n consecutive data-page ids and returns the
// first.
func (gc *GlobalCounters) NextDataPages(n int) (storage.PageID, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	nextData, nextCatalog, err := gc.read()
	if err != nil {
		return 0, err
	}
	first := nextData
	if err := gc.write(nextData+storage.PageID(n), nextCatalog); err != nil {
		return 0, err
	}
	return first, nil
}

// NextCatalogPage reserves one catalog-continuation-page id, failing
// once the reserved root-page region is exhausted.
func (gc *GlobalCounters) NextCatalogPage() (storage.PageID, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	nextData, nextCatalog, err := gc.read()
	if err != nil {
		return 0, err
	}
	if nextCatalog >= GlobalCountersPageID {
		return 0, errors.Errorf("catalog: catalog-page range exhausted (all %d reserved pages in use)", GlobalCountersPageID-CatalogPageIDBase)
	}
	if err := gc.write(nextData, nextCatalog+1); err != nil {
		return 0, err
	}
	return nextCatalog, nil
}
