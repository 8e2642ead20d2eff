package x86

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestDecodeClassifies(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		typ      Type
		mnemonic string
		length   int
		coproc   bool
		indirect bool
	}{
		{"fnstenv", []byte{0xd9, 0x74, 0x24, 0xf4}, FpuCtrl, "fstenv", 4, true, false}, // fnstenv [esp-0xc]
		{"fnsave", []byte{0xdd, 0x36}, FpuCtrl, "fsave", 2, true, false},               // fnsave [esi]
		{"fldz", []byte{0xd9, 0xee}, Fpu, "fldz", 2, true, false},                      // fldz
		{"fwait", []byte{0x9b}, FpuCtrl, "fwait", 1, true, false},                      // fwait
		{"call", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, Call, "call", 5, false, false},  // call $+5
		{"jmp", []byte{0xeb, 0x02}, Jmp, "jmp", 2, false, false},                       // jmp $+4
		{"jne", []byte{0x75, 0xfe}, Jmpc, "jne", 2, false, false},                      // jne $
		{"jecxz", []byte{0xe3, 0x00}, Jecxz, "jecxz", 2, false, false},                 // jecxz $+2
		{"loop", []byte{0xe2, 0xfa}, Loop, "loop", 2, false, false},                    // loop $-4
		{"pop", []byte{0x5b}, Pop, "pop", 1, false, false},                             // pop ebx
		{"xor", []byte{0x31, 0xc9}, Xor, "xor", 2, false, false},                       // xor ecx, ecx
		{"lodsb", []byte{0xac}, Lods, "lodsb", 1, false, false},                        // lodsb
		{"stosb", []byte{0xaa}, Stos, "stosb", 1, false, true},                         // stosb
		{"mov indirect", []byte{0x88, 0x43, 0x30}, Mov, "mov", 3, false, true},         // mov [ebx+0x30], al
		{"mov absolute", []byte{0xa2, 0x44, 0x33, 0x22, 0x11}, Mov, "mov", 5, false, false},
		{"xor mem", []byte{0x80, 0x74, 0x0b, 0x0b, 0xaa}, Xor, "xor", 5, false, true}, // xor byte [ebx+ecx+0xb], 0xaa
		{"lea", []byte{0x8d, 0x7b, 0x16}, Lea, "lea", 3, false, false},                // lea edi, [ebx+0x16]
		{"cpuid", []byte{0x0f, 0xa2}, Other, "cpuid", 2, false, false},                // cpuid
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.data, 0)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if inst.Type != tt.typ {
				t.Errorf("Type = %s, want %s", inst.Type, tt.typ)
			}
			if inst.Mnemonic != tt.mnemonic {
				t.Errorf("Mnemonic = %q, want %q", inst.Mnemonic, tt.mnemonic)
			}
			if inst.Len != tt.length {
				t.Errorf("Len = %d, want %d", inst.Len, tt.length)
			}
			if inst.CoProc != tt.coproc {
				t.Errorf("CoProc = %v, want %v", inst.CoProc, tt.coproc)
			}
			if got := inst.IsWriteIndirect(); got != tt.indirect {
				t.Errorf("IsWriteIndirect() = %v, want %v", got, tt.indirect)
			}
		})
	}
}

func TestDecodeOperands(t *testing.T) {
	// fnstenv [esp-0xc]
	inst, err := Decode([]byte{0xd9, 0x74, 0x24, 0xf4}, 0)
	if err != nil {
		t.Fatal(err)
	}
	op := inst.Args[0]
	if op.Type != Memory || op.Base != ESP || op.Disp != -0xc {
		t.Fatalf("unexpected fnstenv operand: %+v", op)
	}

	// xor byte [ebx+ecx+0xb], 0xaa
	inst, err = Decode([]byte{0x80, 0x74, 0x0b, 0x0b, 0xaa}, 0)
	if err != nil {
		t.Fatal(err)
	}
	op = inst.Args[0]
	if op.Base != EBX || op.Index != ECX || op.Scale != 1 || op.Disp != 0xb {
		t.Fatalf("unexpected memory operand: %+v", op)
	}
	if regs := op.Regs(); len(regs) != 2 || regs[0] != EBX || regs[1] != ECX {
		t.Fatalf("Regs() = %v", regs)
	}
	if inst.Args[1].Type != Immediate {
		t.Fatalf("expected immediate source, got %s", inst.Args[1].Type)
	}

	// stosb
	inst, err = Decode([]byte{0xaa}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Args[0].Type != Memory || inst.Args[0].Base != EDI {
		t.Fatalf("stosb destination = %+v, want [edi]", inst.Args[0])
	}
	if inst.Args[1].Type != Register || inst.Args[1].Reg != EAX || inst.Args[1].Name != x86asm.AL {
		t.Fatalf("stosb source = %+v, want al", inst.Args[1])
	}
}

func TestDecodeRelativeTarget(t *testing.T) {
	data := []byte{
		0x90,       // nop
		0xe2, 0xfd, // loop 0x0
	}
	inst, err := Decode(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Args[0].Imm != -3 || !inst.Args[0].Rel {
		t.Fatalf("loop displacement = %+v", inst.Args[0])
	}
	if target, ok := inst.Target(1); !ok || target != 0 {
		t.Fatalf("Target() = %#x, %v; want 0x0", target, ok)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte{0xe8, 0x00}, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("short call: got %v, want ErrTruncated", err)
	}
	if _, err := Decode([]byte{0x90, 0x80, 0x74}, 1); !errors.Is(err, ErrTruncated) {
		t.Errorf("short xor: got %v, want ErrTruncated", err)
	}
	if _, err := Decode([]byte{0x90}, 1); !errors.Is(err, ErrTruncated) {
		t.Errorf("offset past end: got %v, want ErrTruncated", err)
	}
	if _, err := Decode([]byte{0x90}, -1); !errors.Is(err, ErrTruncated) {
		t.Errorf("negative offset: got %v, want ErrTruncated", err)
	}
}

func TestFromAsm(t *testing.T) {
	tests := []struct {
		in   x86asm.Reg
		want Reg
	}{
		{x86asm.AL, EAX},
		{x86asm.AH, EAX},
		{x86asm.AX, EAX},
		{x86asm.EAX, EAX},
		{x86asm.CL, ECX},
		{x86asm.BH, EBX},
		{x86asm.SP, ESP},
		{x86asm.EDI, EDI},
		{x86asm.ES, RegNone},
		{x86asm.F0, RegNone},
		{0, RegNone},
	}
	for _, tt := range tests {
		if got := FromAsm(tt.in); got != tt.want {
			t.Errorf("FromAsm(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCacheRemembersFailures(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte{0x5b, 0x0f}
	if _, err := c.Decode(data, 1); !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	inst, err := c.Decode(data, 0)
	if err != nil || inst.Type != Pop {
		t.Fatalf("Decode(0) = %v, %v", inst, err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	again, _ := c.Decode(data, 0)
	if again != inst {
		t.Fatal("expected cached instruction pointer")
	}
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("Len() after Reset = %d", c.Len())
	}
}
