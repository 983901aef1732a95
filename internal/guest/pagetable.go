package guest

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// PageShift is log2 of the guest page size
	PageShift = 12
	// PageSize is the guest page size
	PageSize = 1 << PageShift
	pageMask = PageSize - 1
)

var (
	// ErrUnmappedAddress is returned when no mapping covers a guest virtual address
	ErrUnmappedAddress = errors.New("unmapped guest virtual address")
	// ErrUnknownRoot is returned when translating under a root that was never created
	ErrUnknownRoot = errors.New("unknown page table root")
)

// PageTables holds one address space per page table root and translates
// guest virtual addresses at page granularity. Translate holds a lock for the
// duration of the walk so a caller never observes a half-updated mapping.
type PageTables struct {
	mu    sync.Mutex
	roots map[uint64]map[uint64]uint64 // root -> vpn -> pfn
}

// NewPageTables returns an empty set of address spaces
func NewPageTables() *PageTables {
	return &PageTables{roots: make(map[uint64]map[uint64]uint64)}
}

func (p *PageTables) space(root uint64) map[uint64]uint64 {
	s, ok := p.roots[root]
	if !ok {
		s = make(map[uint64]uint64)
		p.roots[root] = s
	}
	return s
}

// Map maps [gva, gva+size) onto [gpa, gpa+size) under root. Both addresses
// must be page aligned; size is rounded up to whole pages.
func (p *PageTables) Map(root, gva, gpa, size uint64) error {
	if gva&pageMask != 0 || gpa&pageMask != 0 {
		return fmt.Errorf("unaligned mapping 0x%x -> 0x%x", gva, gpa)
	}
	pages := (size + pageMask) >> PageShift

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.space(root)
	for i := uint64(0); i < pages; i++ {
		s[gva>>PageShift+i] = gpa>>PageShift + i
	}
	return nil
}

// MapIdentity maps [0, size) onto itself under root
func (p *PageTables) MapIdentity(root, size uint64) error {
	return p.Map(root, 0, 0, size)
}

// Unmap removes the mapping of every page touching [gva, gva+size) under root
func (p *PageTables) Unmap(root, gva, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.roots[root]
	if !ok {
		return
	}
	for vpn := gva >> PageShift; vpn<<PageShift < gva+size; vpn++ {
		delete(s, vpn)
	}
}

// Translate returns the guest physical address backing gva under root
func (p *PageTables) Translate(root, gva uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.roots[root]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownRoot, root)
	}
	pfn, ok := s[gva>>PageShift]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x under root 0x%x", ErrUnmappedAddress, gva, root)
	}
	return pfn<<PageShift | gva&pageMask, nil
}
