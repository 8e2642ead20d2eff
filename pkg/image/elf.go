package image

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/blacktop/getpc/internal/magic"
)

func parseELF(name string, data []byte, opts *Options) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file %s: %w", name, err)
	}
	defer ef.Close()

	f := newFile(name, magic.ELF, data, opts.Base)
	for _, s := range ef.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		f.addBlock(s.Name, s.Offset, s.Size, s.Addr)
	}
	// stripped section headers
	if len(f.blocks) == 0 {
		for i, p := range ef.Progs {
			if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
				continue
			}
			f.addBlock(fmt.Sprintf("LOAD[%d]", i), p.Off, p.Filesz, p.Vaddr)
		}
	}
	return f, nil
}
