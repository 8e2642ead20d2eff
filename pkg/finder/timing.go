package finder

import (
	"fmt"
	"strings"
	"time"
)

// Phase is a timed stage of a scan
type Phase uint8

const (
	PhaseFind Phase = iota
	PhaseForward
	PhaseLaunch
	PhaseBackward
	PhaseEmulatorStart
)

var phaseNames = [...]string{
	PhaseFind:          "find",
	PhaseForward:       "find_memory_and_jump",
	PhaseLaunch:        "launches",
	PhaseBackward:      "backwards traversal",
	PhaseEmulatorStart: "emulator launches",
}

var Phases = []Phase{PhaseFind, PhaseForward, PhaseLaunch, PhaseBackward, PhaseEmulatorStart}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

// Observer is notified when a phase starts and stops. Phases nest but a
// phase never starts again before it stops.
type Observer interface {
	Start(Phase)
	Stop(Phase)
}

type nopObserver struct{}

func (nopObserver) Start(Phase) {}
func (nopObserver) Stop(Phase)  {}

// Timer is an Observer that accumulates the time spent in each phase. A
// Timer must not be shared by finders running concurrently.
type Timer struct {
	created time.Time
	running [len(phaseNames)]time.Time
	total   [len(phaseNames)]time.Duration
	count   [len(phaseNames)]int
}

func NewTimer() *Timer {
	return &Timer{created: time.Now()}
}

func (t *Timer) Start(p Phase) {
	if int(p) < len(t.running) {
		t.running[p] = time.Now()
	}
}

func (t *Timer) Stop(p Phase) {
	if int(p) >= len(t.running) || t.running[p].IsZero() {
		return
	}
	t.total[p] += time.Since(t.running[p])
	t.count[p]++
	t.running[p] = time.Time{}
}

// Spent returns the accumulated time and the number of runs of a phase
func (t *Timer) Spent(p Phase) (time.Duration, int) {
	if int(p) >= len(t.total) {
		return 0, 0
	}
	return t.total[p], t.count[p]
}

func (t *Timer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Time total: %s\n", time.Since(t.created).Round(time.Microsecond))
	for _, p := range Phases {
		d, n := t.Spent(p)
		fmt.Fprintf(&sb, "Time spent on %s: %s (%d)\n", p, d.Round(time.Microsecond), n)
	}
	return sb.String()
}
