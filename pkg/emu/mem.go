package emu

import (
	"fmt"
	"strings"
)

// Page is a mapped memory region. Data is nil for regions whose contents are
// owned by another backend.
type Page struct {
	Name string
	Addr uint64
	Size uint64
	Data []byte
}

func (p *Page) Contains(addr uint64) bool {
	return p.Addr <= addr && addr < p.Addr+p.Size
}

func (p *Page) Overlaps(addr, size uint64) bool {
	return p.Addr < addr+size && addr < p.Addr+p.Size
}

type MemMap struct {
	Pages []*Page
}

func NewMemMap() *MemMap {
	return &MemMap{}
}

func (m *MemMap) Contains(addr uint64) bool {
	return m.find(addr) != nil
}

func (m *MemMap) RangeValid(addr, size uint64) bool {
	for _, p := range m.Pages {
		if p.Overlaps(addr, size) {
			return false
		}
	}
	return true
}

// Add records a region without backing storage
func (m *MemMap) Add(name string, addr, size uint64) (*Page, error) {
	if size == 0 {
		return nil, fmt.Errorf("cannot map empty region %s at %#x", name, addr)
	}
	if !m.RangeValid(addr, size) {
		return nil, fmt.Errorf("%s: invalid range %#x-%#x overlaps %s", name, addr, addr+size, m)
	}
	p := &Page{Name: name, Addr: addr, Size: size}
	m.Pages = append(m.Pages, p)
	return p, nil
}

// Map records a region backed by zeroed storage
func (m *MemMap) Map(name string, addr, size uint64) (*Page, error) {
	p, err := m.Add(name, addr, size)
	if err != nil {
		return nil, err
	}
	p.Data = make([]byte, size)
	return p, nil
}

func (m *MemMap) find(addr uint64) *Page {
	for _, p := range m.Pages {
		if p.Contains(addr) {
			return p
		}
	}
	return nil
}

// span returns the backing bytes of [addr, addr+size) which must lie in a
// single page.
func (m *MemMap) span(addr uint64, size int) ([]byte, error) {
	p := m.find(addr)
	if p == nil || p.Data == nil || addr+uint64(size) > p.Addr+p.Size {
		return nil, fmt.Errorf("%#x-%#x: %w", addr, addr+uint64(size), ErrOutOfBounds)
	}
	off := addr - p.Addr
	return p.Data[off : off+uint64(size)], nil
}

// Read returns a copy of size bytes at addr
func (m *MemMap) Read(addr uint64, size int) ([]byte, error) {
	b, err := m.span(addr, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (m *MemMap) Write(addr uint64, data []byte) error {
	b, err := m.span(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Avail returns how many bytes starting at addr are mapped (up to max) in
// the page containing addr.
func (m *MemMap) Avail(addr uint64, max int) int {
	p := m.find(addr)
	if p == nil {
		return 0
	}
	if left := p.Addr + p.Size - addr; left < uint64(max) {
		return int(left)
	}
	return max
}

func (m *MemMap) String() string {
	var s []string
	for _, p := range m.Pages {
		s = append(s, fmt.Sprintf("%s %#x-%#x", p.Name, p.Addr, p.Addr+p.Size))
	}
	return "[" + strings.Join(s, ", ") + "]"
}

// Align returns an aligned memory addr/size to be uses with unicorn MemMap
func Align(addr, size uint64) (uint64, uint64) {
	const to = uint64(UC_MEM_ALIGN)
	mask := ^(to - 1)
	right := (addr + size + to - 1) & mask
	addr &= mask
	return addr, right - addr
}
