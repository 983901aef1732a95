package guest

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for accesses past the end of guest physical memory
var ErrOutOfRange = errors.New("physical address out of range")

// PhysicalMemory is a flat guest physical address space starting at 0
type PhysicalMemory struct {
	mu   sync.RWMutex
	data []byte
}

// NewPhysicalMemory allocates size bytes of zeroed guest memory
func NewPhysicalMemory(size uint64) *PhysicalMemory {
	return &PhysicalMemory{data: make([]byte, size)}
}

// Size returns the number of addressable bytes
func (m *PhysicalMemory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *PhysicalMemory) check(addr uint64, n int) error {
	end := addr + uint64(n)
	if end < addr || end > uint64(len(m.data)) {
		return fmt.Errorf("%w: [0x%x, 0x%x) exceeds 0x%x", ErrOutOfRange, addr, end, len(m.data))
	}
	return nil
}

// ReadPhysical copies len(buf) bytes starting at addr into buf
func (m *PhysicalMemory) ReadPhysical(addr uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[addr:])
	return nil
}

// WritePhysical copies buf into memory starting at addr
func (m *PhysicalMemory) WritePhysical(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}
	copy(m.data[addr:], buf)
	return nil
}
