package finder

import (
	"testing"

	"github.com/blacktop/getpc/pkg/x86"
)

func decode(t testing.TB, code ...byte) *x86.Inst {
	t.Helper()
	inst, err := x86.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode(% x) error = %v", code, err)
	}
	return inst
}

func regSet(regs ...x86.Reg) (set [x86.RegCount]bool) {
	for _, r := range regs {
		set[r] = true
	}
	return set
}

func TestClosed(t *testing.T) {
	for mask := 0; mask < 1<<x86.RegCount; mask++ {
		var d DepState
		for r := 0; r < x86.RegCount; r++ {
			d.Target[r] = mask&(1<<r) != 0
		}
		if got := d.Closed(); got != (mask == 0) {
			t.Fatalf("Closed() = %v for targets %v", got, d.Targets())
		}
	}
}

func TestCheckTraceEmpty(t *testing.T) {
	d := DepState{Known: regSet(x86.EBX), Target: regSet(x86.EAX, x86.HASFPU)}
	want := d
	d.CheckTrace(nil)
	if d != want {
		t.Errorf("CheckTrace(nil) changed %s into %s", &want, &d)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		code       []byte
		known      []x86.Reg
		target     []x86.Reg
		wantKnown  []x86.Reg
		wantTarget []x86.Reg
	}{
		{"lodsb", []byte{0xac}, nil, []x86.Reg{x86.EAX},
			[]x86.Reg{x86.EAX}, []x86.Reg{x86.ESI}},
		{"stosb", []byte{0xaa}, nil, nil,
			nil, []x86.Reg{x86.EAX, x86.EDI}},
		{"xor self", []byte{0x31, 0xc0}, nil, []x86.Reg{x86.EAX}, // xor eax, eax
			[]x86.Reg{x86.EAX}, nil},
		{"xor other", []byte{0x31, 0xd8}, nil, []x86.Reg{x86.EAX}, // xor eax, ebx
			nil, []x86.Reg{x86.EAX, x86.EBX}},
		{"xor untargeted", []byte{0x31, 0xd8}, nil, nil,
			nil, nil},
		{"add", []byte{0x01, 0xc8}, nil, []x86.Reg{x86.EAX}, // add eax, ecx
			nil, []x86.Reg{x86.EAX, x86.ECX}},
		{"mov", []byte{0x89, 0xd8}, nil, []x86.Reg{x86.EAX}, // mov eax, ebx
			[]x86.Reg{x86.EAX}, []x86.Reg{x86.EBX}},
		{"mov untargeted", []byte{0x89, 0xd8}, nil, nil,
			[]x86.Reg{x86.EAX}, nil},
		{"mov imm", []byte{0xb9, 0x05, 0x00, 0x00, 0x00}, nil, []x86.Reg{x86.ECX}, // mov ecx, 5
			[]x86.Reg{x86.ECX}, nil},
		{"mov to memory", []byte{0x89, 0x03}, nil, []x86.Reg{x86.EAX}, // mov [ebx], eax
			nil, []x86.Reg{x86.EAX}},
		{"lea", []byte{0x8d, 0x7b, 0x16}, nil, []x86.Reg{x86.EDI}, // lea edi, [ebx+0x16]
			[]x86.Reg{x86.EDI}, []x86.Reg{x86.EBX}},
		{"pop", []byte{0x5b}, nil, []x86.Reg{x86.EBX}, // pop ebx
			[]x86.Reg{x86.EBX}, []x86.Reg{x86.ESP}},
		{"push", []byte{0x50}, nil, []x86.Reg{x86.ESP}, // push eax
			nil, nil},
		{"call", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, nil, []x86.Reg{x86.ESP},
			[]x86.Reg{x86.ESP}, nil},
		{"cpuid", []byte{0x0f, 0xa2}, []x86.Reg{x86.EAX}, nil,
			[]x86.Reg{x86.EBX, x86.ECX, x86.EDX}, []x86.Reg{x86.EAX}},
		{"fnstenv stack", []byte{0xd9, 0x74, 0x24, 0xf4}, nil, []x86.Reg{x86.ESP}, // fnstenv [esp-0xc]
			[]x86.Reg{x86.ESP}, []x86.Reg{x86.HASFPU}},
		{"fnstenv elsewhere", []byte{0xd9, 0x74, 0x24, 0xf4}, nil, nil,
			[]x86.Reg{x86.HASFPU}, nil},
		{"fldz", []byte{0xd9, 0xee}, nil, []x86.Reg{x86.HASFPU},
			[]x86.Reg{x86.HASFPU}, nil},
		{"jmp", []byte{0xeb, 0x02}, nil, []x86.Reg{x86.EDX},
			nil, []x86.Reg{x86.EDX}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DepState{Known: regSet(tt.known...), Target: regSet(tt.target...)}
			d.Check(decode(t, tt.code...))
			want := DepState{Known: regSet(tt.wantKnown...), Target: regSet(tt.wantTarget...)}
			if d != want {
				t.Errorf("Check() = %s, want %s", &d, &want)
			}
		})
	}
}

func TestCheckTraceOrder(t *testing.T) {
	// fldz; fnstenv [esp-0xc]; pop ebx
	trace := []*x86.Inst{
		decode(t, 0xd9, 0xee),
		decode(t, 0xd9, 0x74, 0x24, 0xf4),
		decode(t, 0x5b),
	}
	d := DepState{Target: regSet(x86.EBX)}
	d.CheckTrace(trace)
	if !d.Closed() {
		t.Errorf("CheckTrace() left targets %v", d.Targets())
	}
	want := regSet(x86.EBX, x86.ESP, x86.HASFPU)
	if d.Known != want {
		t.Errorf("Known = %s", &d)
	}

	// without the fldz the fpu state stays open
	d = DepState{Target: regSet(x86.EBX)}
	d.CheckTrace(trace[1:])
	if got := d.Targets(); len(got) != 1 || got[0] != x86.HASFPU {
		t.Errorf("Targets() = %v, want [hasfpu]", got)
	}
}

func TestSeedTargets(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []x86.Reg
	}{
		{"stosb", []byte{0xaa}, []x86.Reg{x86.EAX, x86.EDI}},
		{"lodsb", []byte{0xac}, []x86.Reg{x86.ESI}},
		{"loop", []byte{0xe2, 0xfe}, []x86.Reg{x86.ECX}},
		{"stack store", []byte{0x89, 0x44, 0x24, 0x04}, []x86.Reg{x86.EAX}},      // mov [esp+4], eax
		{"load", []byte{0x8b, 0x03}, []x86.Reg{x86.EBX}},                         // mov eax, [ebx]
		{"indexed store", []byte{0x89, 0x14, 0x8b}, []x86.Reg{x86.EDX, x86.EBX}}, // mov [ebx+ecx*4], edx
		{"xor mem", []byte{0x80, 0x74, 0x0b, 0x0b, 0xaa}, []x86.Reg{x86.EBX}},    // xor byte [ebx+ecx+0xb], 0xaa
		{"register", []byte{0x31, 0xd8}, []x86.Reg{x86.EBX}},                     // xor eax, ebx
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d DepState
			d.SeedTargets(decode(t, tt.code...))
			if d.Target != regSet(tt.want...) {
				t.Errorf("SeedTargets() targets %v, want %v", d.Targets(), tt.want)
			}
		})
	}
}

func TestPromote(t *testing.T) {
	d := DepState{Known: regSet(x86.EAX, x86.ESP), Target: regSet(x86.EBX)}
	d.promote()
	want := DepState{
		Known:  regSet(x86.EAX, x86.EBX, x86.ESP),
		Target: regSet(x86.EAX, x86.EBX, x86.ESP),
	}
	if d != want {
		t.Errorf("promote() = %s, want %s", &d, &want)
	}
}
