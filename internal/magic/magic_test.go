package magic

import "testing"

func TestDetect(t *testing.T) {
	pe := make([]byte, 0x40)
	copy(pe, "MZ")
	tests := []struct {
		name string
		data []byte
		want Kind
	}{
		{"empty", nil, Raw},
		{"shellcode", []byte{0xd9, 0xee, 0xd9, 0x74, 0x24, 0xf4}, Raw},
		{"elf", []byte("\x7fELF\x01\x01\x01"), ELF},
		{"pe", pe, PE},
		{"short mz", []byte("MZ\x90"), Raw},
		{"macho32", []byte{0xce, 0xfa, 0xed, 0xfe}, MachO},
		{"macho64", []byte{0xcf, 0xfa, 0xed, 0xfe}, MachO},
		{"fat", []byte{0xca, 0xfe, 0xba, 0xbe}, MachO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsFat(t *testing.T) {
	if !IsFat([]byte{0xca, 0xfe, 0xba, 0xbe}) {
		t.Error("expected big-endian fat magic to be fat")
	}
	if IsFat([]byte{0xcf, 0xfa, 0xed, 0xfe}) {
		t.Error("thin Mach-O reported as fat")
	}
}
