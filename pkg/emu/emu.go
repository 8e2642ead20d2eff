// Package emu runs 32-bit x86 code out of an image one instruction at a time.
package emu

import (
	"errors"
	"fmt"
	"sort"

	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
)

const (
	BackendBuiltin = "builtin"
	BackendUnicorn = "unicorn"

	DefaultStackBase = 0x7ff00000
	DefaultStackSize = 0x10000
	// bytes left above the initial ESP so that pops near the top stay mapped
	stackReserve = 0x100

	UC_MEM_ALIGN = 0x1000
)

var (
	// ErrOutOfBounds is returned when the program counter or a memory access
	// leaves the mapped image and stack.
	ErrOutOfBounds = errors.New("access outside of mapped memory")
	// ErrUnsupported is returned for instructions the backend does not model
	ErrUnsupported = errors.New("unsupported instruction")
	// ErrFault is returned for execution errors (invalid encoding, divide
	// error, software interrupt, halt).
	ErrFault = errors.New("execution fault")
)

// Emulator single-steps x86 code.
//
// Register(x86.HASFPU) returns the x87 last instruction pointer.
type Emulator interface {
	// Begin resets the machine and sets the program counter to addr
	Begin(addr uint64) error
	// Fetch copies the bytes at the program counter into buf
	Fetch(buf []byte) (int, error)
	PC() uint64
	Register(r x86.Reg) uint64
	SetRegister(r x86.Reg, val uint64) error
	ReadMem(addr uint64, size int) ([]byte, error)
	WriteMem(addr uint64, data []byte) error
	// Step executes the instruction at the program counter
	Step() error
	Close() error
}

// Config is a emulation configuration object
type Config struct {
	Backend   string
	StackBase uint64
	StackSize uint64
	// State is applied on every Begin
	State   *State
	Verbose bool
}

func (c *Config) defaults() *Config {
	conf := Config{}
	if c != nil {
		conf = *c
	}
	if conf.Backend == "" {
		conf.Backend = BackendBuiltin
	}
	if conf.StackBase == 0 {
		conf.StackBase = DefaultStackBase
	}
	if conf.StackSize == 0 {
		conf.StackSize = DefaultStackSize
	}
	return &conf
}

type backend func(img image.Image, conf *Config) (Emulator, error)

var backends = map[string]backend{
	BackendBuiltin: newCPU,
}

// Backends lists the emulator backends compiled into this binary
func Backends() []string {
	var names []string
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates an emulator over img using the configured backend
func New(img image.Image, conf *Config) (Emulator, error) {
	conf = conf.defaults()
	create, ok := backends[conf.Backend]
	if !ok {
		return nil, fmt.Errorf("emulator backend %q (have %v): %w", conf.Backend, Backends(), ErrUnsupported)
	}
	if img.Size() == 0 {
		return nil, fmt.Errorf("cannot emulate empty image %s", img.Name())
	}
	if end := img.Base() + uint64(img.Size()); end > 1<<32 {
		return nil, fmt.Errorf("image %s ends at %#x, beyond the 32-bit address space", img.Name(), end)
	}
	if conf.StackBase+conf.StackSize > 1<<32 {
		return nil, fmt.Errorf("stack %#x-%#x beyond the 32-bit address space", conf.StackBase, conf.StackBase+conf.StackSize)
	}
	return create(img, conf)
}

func initialESP(conf *Config) uint64 {
	return conf.StackBase + conf.StackSize - stackReserve
}
