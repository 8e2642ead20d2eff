// Package magic recognizes input container formats by their leading bytes
package magic

import (
	"bytes"
	"encoding/binary"
)

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	MagicFatBE Magic = 0xcafebabe
	MagicFatLE Magic = 0xbebafeca
)

// Kind is a container format recognized by its leading bytes
type Kind string

const (
	Raw   Kind = "raw"
	PE    Kind = "pe"
	ELF   Kind = "elf"
	MachO Kind = "macho"
)

var (
	mzMagic  = []byte("MZ")
	elfMagic = []byte("\x7fELF")
)

// Detect returns the container format of data, Raw when nothing matches
func Detect(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return ELF
	case bytes.HasPrefix(data, mzMagic) && len(data) >= 0x40:
		return PE
	case len(data) >= 4:
		switch Magic(binary.LittleEndian.Uint32(data[:4])) {
		case Magic32, Magic64, MagicFatBE, MagicFatLE:
			return MachO
		}
	}
	return Raw
}

// IsFat reports whether data starts with a universal Mach-O header
func IsFat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch Magic(binary.LittleEndian.Uint32(data[:4])) {
	case MagicFatBE, MagicFatLE:
		return true
	}
	return false
}
