package finder

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
)

var quiet = &log.Logger{Handler: discard.Default, Level: log.ErrorLevel}

func newTestFinder(t testing.TB, code []byte, conf *Config) *Finder {
	t.Helper()
	if conf == nil {
		conf = &Config{}
	}
	if conf.Logger == nil {
		conf.Logger = quiet
	}
	f, err := New(conf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := f.Link(image.NewRaw(t.Name(), code, 0)); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBackwardsTraversalClosed(t *testing.T) {
	f := newTestFinder(t, []byte{0x90, 0x90, 0x90}, nil)
	a := f.newAttempt(2)
	pos, chain, err := f.backwardsTraversal(a, 2)
	if err != nil {
		t.Fatalf("backwardsTraversal() error = %v", err)
	}
	if pos != 2 || chain != nil {
		t.Errorf("backwardsTraversal() = %d, %v; want 2, nil", pos, chain)
	}
	if a.levels != 0 {
		t.Errorf("levels = %d, want 0", a.levels)
	}
}

func TestBackwardsTraversalSingle(t *testing.T) {
	code := []byte{
		0xb8, 0x00, 0x10, 0x00, 0x00, // mov eax, 0x1000
		0x89, 0x18, // mov [eax], ebx
	}
	f := newTestFinder(t, code, nil)
	a := f.newAttempt(5)
	a.deps.Target[x86.EAX] = true
	before := a.deps

	pos, chain, err := f.backwardsTraversal(a, 5)
	if err != nil {
		t.Fatalf("backwardsTraversal() error = %v", err)
	}
	if pos != 0 {
		t.Errorf("pos = %d, want 0", pos)
	}
	if len(chain) != 1 || chain[0].Addr != 0 || chain[0].Inst.Type != x86.Mov {
		t.Errorf("chain = %v", chain)
	}
	if a.backLen != 1 || a.levels != 1 {
		t.Errorf("backLen = %d, levels = %d; want 1, 1", a.backLen, a.levels)
	}
	if a.deps != before {
		t.Errorf("deps changed from %s to %s", &before, &a.deps)
	}
}

func TestBackwardsTraversalJump(t *testing.T) {
	code := []byte{
		0xb9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
		0xeb, 0x02, // jmp $+4
		0xcc, 0xcc, // int3; int3
	}
	f := newTestFinder(t, code, nil)
	a := f.newAttempt(9)
	a.deps.Target[x86.ECX] = true

	pos, chain, err := f.backwardsTraversal(a, 9)
	if err != nil {
		t.Fatalf("backwardsTraversal() error = %v", err)
	}
	if pos != 0 {
		t.Errorf("pos = %d, want 0", pos)
	}
	var addrs []uint64
	for _, c := range chain {
		addrs = append(addrs, c.Addr)
	}
	if len(addrs) != 2 || addrs[0] != 0 || addrs[1] != 5 {
		t.Errorf("chain addresses = %#x, want [0 0x5]", addrs)
	}
	if a.backLen != 2 || a.levels != 2 {
		t.Errorf("backLen = %d, levels = %d; want 2, 2", a.backLen, a.levels)
	}

	// the chain found closes the targets it was searched for
	a.deps.CheckTrace(chain.insts())
	if !a.deps.Closed() {
		t.Errorf("chain leaves targets %v", a.deps.Targets())
	}
}

func TestBackwardsTraversalExhausted(t *testing.T) {
	code := make([]byte, 40)
	for i := range code {
		code[i] = 0x90
	}
	f := newTestFinder(t, code, &Config{MaxBackward: 5})
	a := f.newAttempt(len(code))
	a.deps.Target[x86.EDX] = true
	a.deps.Known[x86.EAX] = true
	before := a.deps

	pos, chain, err := f.backwardsTraversal(a, len(code))
	if !errors.Is(err, ErrSearchExhausted) {
		t.Fatalf("backwardsTraversal() error = %v, want %v", err, ErrSearchExhausted)
	}
	if pos != -1 || chain != nil {
		t.Errorf("backwardsTraversal() = %d, %v; want -1, nil", pos, chain)
	}
	if a.levels != 5 {
		t.Errorf("levels = %d, want 5", a.levels)
	}
	if a.deps != before {
		t.Errorf("deps changed from %s to %s", &before, &a.deps)
	}
}

func TestLandsOn(t *testing.T) {
	jmp := decode(t, 0xeb, 0x02) // jmp $+4
	if !landsOn(jmp, 4) {
		t.Error("landsOn(jmp $+4, 4) = false")
	}
	if landsOn(jmp, 2) {
		t.Error("landsOn(jmp $+4, 2) = true")
	}
	if landsOn(decode(t, 0x90), 1) {
		t.Error("landsOn(nop, 1) = true")
	}
}
