package image

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/blacktop/getpc/internal/magic"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

func parseMachO(name string, data []byte, opts *Options) (*File, error) {
	var (
		m     *macho.File
		slice uint64
		err   error
	)
	if magic.IsFat(data) {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse universal MachO %s: %w", name, err)
		}
		choice, err := selectArch(fat, opts)
		if err != nil {
			return nil, err
		}
		m = fat.Arches[choice].File
		slice = uint64(fat.Arches[choice].Offset)
	} else {
		m, err = macho.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse MachO %s: %w", name, err)
		}
	}

	f := newFile(name, magic.MachO, data, opts.Base)
	for _, s := range m.Sections {
		if !strings.HasPrefix(s.Seg, "__TEXT") || s.Offset == 0 {
			continue
		}
		f.addBlock(s.Seg+"."+s.Name, slice+uint64(s.Offset), s.Size, s.Addr)
	}
	return f, nil
}

// selectArch picks a universal slice: --arch first, then the only i386
// slice, then the Select callback, then the first slice.
func selectArch(fat *macho.FatFile, opts *Options) (int, error) {
	var (
		options []string
		i386    []int
	)
	for i, arch := range fat.Arches {
		options = append(options, strings.ToLower(arch.CPU.String()))
		if arch.CPU == types.CPUI386 {
			i386 = append(i386, i)
		}
	}
	if len(opts.Arch) > 0 {
		for i, opt := range options {
			if strings.Contains(opt, strings.ToLower(opts.Arch)) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("--arch '%s' not found in: %s", opts.Arch, strings.Join(options, ", "))
	}
	switch {
	case len(i386) == 1:
		return i386[0], nil
	case len(options) > 1 && opts.Select != nil:
		choice, err := opts.Select(options)
		if err != nil {
			return 0, err
		}
		if choice < 0 || choice >= len(options) {
			return 0, fmt.Errorf("invalid architecture choice %d", choice)
		}
		return choice, nil
	}
	return 0, nil
}
