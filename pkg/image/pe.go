package image

import (
	"bytes"
	"debug/pe"
	"fmt"
	"strings"

	"github.com/blacktop/getpc/internal/magic"
)

func parsePE(name string, data []byte, opts *Options) (*File, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE file %s: %w", name, err)
	}
	defer pf.Close()

	var imageBase uint64
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		imageBase = oh.ImageBase
	}

	f := newFile(name, magic.PE, data, opts.Base)
	for _, s := range pf.Sections {
		if s.Characteristics&(pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_CNT_CODE) == 0 {
			continue
		}
		f.addBlock(strings.TrimRight(s.Name, "\x00"), uint64(s.Offset), uint64(s.Size), imageBase+uint64(s.VirtualAddress))
	}
	return f, nil
}
