// Package image exposes input files as flat byte buffers split into blocks.
//
// Every image is the whole input file. Executable regions of PE, ELF and
// Mach-O containers become blocks; a raw blob is a single block. The address
// of a byte is Base()+offset, so scan results are reported as file offsets
// when the base is zero.
package image

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blacktop/getpc/internal/magic"
)

// ErrUnknownFormat is returned for unsupported container formats
var ErrUnknownFormat = errors.New("unknown input format")

// Image is a read-only byte source
type Image interface {
	Name() string
	Bytes() []byte
	Size() int
	Base() uint64
	Blocks() []Block
	// Valid reports whether addr lies inside a block
	Valid(addr uint64) bool
	// SameBlock reports whether a and b lie inside the same block
	SameBlock(a, b uint64) bool
}

// Block is a contiguous executable region of the buffer
type Block struct {
	Name   string `json:"name"`
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
	// Addr is the region's virtual address inside its container
	Addr uint64 `json:"addr"`
}

// Contains reports whether off lies inside the block
func (b Block) Contains(off int) bool {
	return off >= b.Offset && off < b.Offset+b.Size
}

func (b Block) String() string {
	return fmt.Sprintf("%-16s off=%#08x size=%#08x addr=%#x", b.Name, b.Offset, b.Size, b.Addr)
}

// Options control how Open interprets a file
type Options struct {
	// Format forces a container format instead of sniffing the magic
	Format string
	// Base is the address the buffer is loaded at
	Base uint64
	// Arch selects a slice of a universal Mach-O (e.g. "i386")
	Arch string
	// Select is asked to pick a universal Mach-O slice when Arch is empty
	// and more than one slice exists.
	Select func(options []string) (int, error)
}

// File is an Image backed by an in-memory copy of a file
type File struct {
	name   string
	kind   magic.Kind
	data   []byte
	base   uint64
	blocks []Block
}

// NewRaw returns data as a single block image
func NewRaw(name string, data []byte, base uint64) *File {
	return &File{
		name: name,
		kind: magic.Raw,
		data: data,
		base: base,
		blocks: []Block{{
			Name: "raw",
			Size: len(data),
			Addr: base,
		}},
	}
}

// Open reads path and splits it into blocks according to its format
func Open(path string, opts *Options) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(path, data, opts)
}

// Parse splits data into blocks according to its format
func Parse(name string, data []byte, opts *Options) (*File, error) {
	if opts == nil {
		opts = &Options{}
	}
	kind := magic.Detect(data)
	if opts.Format != "" {
		kind = magic.Kind(strings.ToLower(opts.Format))
	}
	var (
		f   *File
		err error
	)
	switch kind {
	case magic.Raw:
		return NewRaw(name, data, opts.Base), nil
	case magic.PE:
		f, err = parsePE(name, data, opts)
	case magic.ELF:
		f, err = parseELF(name, data, opts)
	case magic.MachO:
		f, err = parseMachO(name, data, opts)
	default:
		return nil, fmt.Errorf("%q: %w", opts.Format, ErrUnknownFormat)
	}
	if err != nil {
		return nil, err
	}
	if len(f.blocks) == 0 {
		return nil, fmt.Errorf("%s: no executable regions found in %s file", name, kind)
	}
	sort.Slice(f.blocks, func(i, j int) bool { return f.blocks[i].Offset < f.blocks[j].Offset })
	return f, nil
}

func newFile(name string, kind magic.Kind, data []byte, base uint64) *File {
	return &File{name: name, kind: kind, data: data, base: base}
}

// addBlock clips a region to the buffer and records it
func (f *File) addBlock(name string, off, size uint64, addr uint64) {
	if size == 0 || off >= uint64(len(f.data)) {
		return
	}
	if off+size > uint64(len(f.data)) {
		size = uint64(len(f.data)) - off
	}
	f.blocks = append(f.blocks, Block{Name: name, Offset: int(off), Size: int(size), Addr: addr})
}

func (f *File) Name() string     { return f.name }
func (f *File) Kind() magic.Kind { return f.kind }
func (f *File) Bytes() []byte    { return f.data }
func (f *File) Size() int        { return len(f.data) }
func (f *File) Base() uint64     { return f.base }
func (f *File) Blocks() []Block  { return f.blocks }

func (f *File) block(addr uint64) int {
	if addr < f.base {
		return -1
	}
	off := addr - f.base
	if off >= uint64(len(f.data)) {
		return -1
	}
	for i, b := range f.blocks {
		if b.Contains(int(off)) {
			return i
		}
	}
	return -1
}

func (f *File) Valid(addr uint64) bool {
	return f.block(addr) >= 0
}

func (f *File) SameBlock(a, b uint64) bool {
	i := f.block(a)
	return i >= 0 && i == f.block(b)
}

func (f *File) String() string {
	return fmt.Sprintf("%s (%s, %d bytes, %d blocks)", f.name, f.kind, len(f.data), len(f.blocks))
}
