//go:build unicorn

package emu

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

func init() {
	backends[BackendUnicorn] = newUnicorn
}

var ucRegs = [x86.RegCount]int{
	x86.EAX:    uc.X86_REG_EAX,
	x86.ECX:    uc.X86_REG_ECX,
	x86.EDX:    uc.X86_REG_EDX,
	x86.EBX:    uc.X86_REG_EBX,
	x86.ESP:    uc.X86_REG_ESP,
	x86.EBP:    uc.X86_REG_EBP,
	x86.ESI:    uc.X86_REG_ESI,
	x86.EDI:    uc.X86_REG_EDI,
	x86.HASFPU: uc.X86_REG_FIP,
}

// Unicorn runs code in a unicorn engine instance. The instance is recreated
// on every Begin so that each launch starts from the pristine image.
type Unicorn struct {
	mu   uc.Unicorn
	img  image.Image
	conf *Config
	mem  *MemMap
}

func newUnicorn(img image.Image, conf *Config) (Emulator, error) {
	e := &Unicorn{
		img:  img,
		conf: conf,
		mem:  NewMemMap(),
	}
	a, s := Align(img.Base(), uint64(img.Size()))
	if _, err := e.mem.Add("image", a, s); err != nil {
		return nil, fmt.Errorf("failed to map image: %w", err)
	}
	a, s = Align(conf.StackBase, conf.StackSize)
	if _, err := e.mem.Add("stack", a, s); err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}
	return e, nil
}

func (e *Unicorn) Begin(addr uint64) error {
	if e.mu != nil {
		if err := e.mu.Close(); err != nil {
			return fmt.Errorf("failed to close unicorn instance: %v", err)
		}
		e.mu = nil
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return fmt.Errorf("failed to create new unicorn instance: %v", err)
	}
	e.mu = mu
	for _, p := range e.mem.Pages {
		if err := e.mu.MemMap(p.Addr, p.Size); err != nil {
			return fmt.Errorf("failed to memmap %s at %#x: %v", p.Name, p.Addr, err)
		}
	}
	if err := e.mu.MemWrite(e.img.Base(), e.img.Bytes()); err != nil {
		return fmt.Errorf("failed to write image data: %v", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_ESP, initialESP(e.conf)); err != nil {
		return fmt.Errorf("failed to set ESP register: %v", err)
	}
	if e.conf.State != nil {
		if err := e.conf.State.Apply(e); err != nil {
			return err
		}
	}
	if err := e.mu.RegWrite(uc.X86_REG_EIP, addr); err != nil {
		return fmt.Errorf("failed to set EIP register to %#x: %v", addr, err)
	}
	return nil
}

func (e *Unicorn) Fetch(buf []byte) (int, error) {
	pc := e.PC()
	n := e.mem.Avail(pc, len(buf))
	if n == 0 {
		return 0, fmt.Errorf("fetch at %#x: %w", pc, ErrOutOfBounds)
	}
	data, err := e.mu.MemRead(pc, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("fetch at %#x: %v: %w", pc, err, ErrOutOfBounds)
	}
	return copy(buf, data), nil
}

func (e *Unicorn) PC() uint64 {
	pc, err := e.mu.RegRead(uc.X86_REG_EIP)
	if err != nil {
		log.Errorf("failed to read EIP register: %v", err)
	}
	return pc
}

func (e *Unicorn) Register(r x86.Reg) uint64 {
	if int(r) >= len(ucRegs) {
		return 0
	}
	val, err := e.mu.RegRead(ucRegs[r])
	if err != nil {
		log.Errorf("failed to read %s register: %v", r, err)
	}
	return val & 0xffffffff
}

func (e *Unicorn) SetRegister(r x86.Reg, val uint64) error {
	if int(r) >= len(ucRegs) {
		return fmt.Errorf("cannot set register %s", r)
	}
	return e.mu.RegWrite(ucRegs[r], val)
}

func (e *Unicorn) ReadMem(addr uint64, size int) ([]byte, error) {
	data, err := e.mu.MemRead(addr, uint64(size))
	if err != nil {
		return nil, e.error(err)
	}
	return data, nil
}

func (e *Unicorn) WriteMem(addr uint64, data []byte) error {
	if err := e.mu.MemWrite(addr, data); err != nil {
		return e.error(err)
	}
	return nil
}

func (e *Unicorn) Step() error {
	pc := e.PC()
	if e.conf.Verbose {
		log.Debugf("unicorn: step at %#x", pc)
	}
	if err := e.mu.StartWithOptions(pc, 0xffffffff, &uc.UcOptions{Count: 1}); err != nil {
		return fmt.Errorf("%#x: %w", pc, e.error(err))
	}
	return nil
}

func (e *Unicorn) Close() error {
	if e.mu == nil {
		return nil
	}
	err := e.mu.Close()
	e.mu = nil
	return err
}

func (e *Unicorn) error(err error) error {
	var ue uc.UcError
	if errors.As(err, &ue) {
		switch ue {
		case uc.ERR_READ_UNMAPPED, uc.ERR_WRITE_UNMAPPED, uc.ERR_FETCH_UNMAPPED:
			return fmt.Errorf("%v: %w", err, ErrOutOfBounds)
		}
	}
	return fmt.Errorf("%v: %w", err, ErrFault)
}
