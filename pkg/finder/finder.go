// Package finder locates GetPC triggered self-decrypting x86 code.
//
// A scan looks for GetPC instructions (fnstenv/fsave and call with an
// immediate target), walks forward from each one to the first indirect
// memory write, searches backward through the raw bytes for an offset from
// which every register the write depends on is defined, and emulates from
// there. When emulation comes back to an indirect write it has already seen
// twice, the loop body is captured and accepted if its write address changes
// from one iteration to the next.
package finder

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
)

// Default bounds. They are the only limit on the work done per trigger.
const (
	MaxForward   = 100  // instructions decoded forward from a trigger
	MaxBackward  = 20   // backward search levels
	MaxEmulate   = 100  // emulated steps per trigger, relaunches included
	CycleSlack   = 10   // extra capture steps beyond the current step index
	RecentWrites = 1000 // indirect write addresses remembered while emulating
	FetchSize    = 10   // instruction bytes fetched per emulated step
)

// ErrSearchExhausted is returned when no backward chain closes the targets
var ErrSearchExhausted = errors.New("backwards traversal found nothing suitable")

// EmulatorFunc creates the emulator used for launches over img
type EmulatorFunc func(img image.Image) (emu.Emulator, error)

// Config is a finder configuration object. Zero values select the defaults.
type Config struct {
	MaxForward   int
	MaxBackward  int
	MaxEmulate   int
	CycleSlack   int
	RecentWrites int
	FetchSize    int
	// CacheSize is the number of decoded offsets kept per input
	CacheSize int
	// Once stops a scan at the first match
	Once bool

	Logger   log.Interface
	Observer Observer
	// Emulator overrides the emulator factory; by default Emu configures a
	// pkg/emu emulator
	Emulator EmulatorFunc
	Emu      *emu.Config
	// Progress is called as the scan advances through the input
	Progress func(done, total int)
}

func (c *Config) defaults() *Config {
	conf := Config{}
	if c != nil {
		conf = *c
	}
	setDefault(&conf.MaxForward, MaxForward)
	setDefault(&conf.MaxBackward, MaxBackward)
	setDefault(&conf.MaxEmulate, MaxEmulate)
	setDefault(&conf.CycleSlack, CycleSlack)
	setDefault(&conf.RecentWrites, RecentWrites)
	setDefault(&conf.FetchSize, FetchSize)
	setDefault(&conf.CacheSize, x86.DefaultCacheSize)
	if conf.Logger == nil {
		conf.Logger = log.Log
	}
	if conf.Observer == nil {
		conf.Observer = nopObserver{}
	}
	if conf.Emulator == nil {
		emuConf := conf.Emu
		conf.Emulator = func(img image.Image) (emu.Emulator, error) {
			return emu.New(img, emuConf)
		}
	}
	return &conf
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Finder scans one linked input at a time
type Finder struct {
	conf  *Config
	log   log.Interface
	obs   Observer
	img   image.Image
	data  []byte
	emu   emu.Emulator
	cache *x86.Cache
	// offsets of indirect writes already used as an anchor
	anchors map[int]struct{}
}

// New creates a Finder; Link or Load an input before calling Find
func New(conf *Config) (*Finder, error) {
	conf = conf.defaults()
	cache, err := x86.NewCache(conf.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode cache: %v", err)
	}
	return &Finder{
		conf:    conf,
		log:     conf.Logger,
		obs:     conf.Observer,
		cache:   cache,
		anchors: make(map[int]struct{}),
	}, nil
}

// Link makes img the scanned input and forgets everything about the
// previous one
func (f *Finder) Link(img image.Image) error {
	if err := f.Close(); err != nil {
		return err
	}
	e, err := f.conf.Emulator(img)
	if err != nil {
		return fmt.Errorf("failed to create emulator for %s: %w", img.Name(), err)
	}
	f.img = img
	f.data = img.Bytes()
	f.emu = e
	f.cache.Reset()
	clear(f.anchors)
	return nil
}

// Load opens path and links it
func (f *Finder) Load(path string, opts *image.Options) error {
	img, err := image.Open(path, opts)
	if err != nil {
		return err
	}
	return f.Link(img)
}

// Image returns the linked input
func (f *Finder) Image() image.Image {
	return f.img
}

// Close releases the emulator of the linked input
func (f *Finder) Close() error {
	if f.emu == nil {
		return nil
	}
	err := f.emu.Close()
	f.emu = nil
	f.img = nil
	f.data = nil
	return err
}

// addr converts a buffer offset into an address
func (f *Finder) addr(off int) uint64 {
	return f.img.Base() + uint64(off)
}

// attempt is the state of one trigger's analysis
type attempt struct {
	trigger int
	log     *log.Entry
	// instructions walked forward from the trigger, then emulated ones
	trace []*x86.Inst
	deps  DepState
	// length of the last closing backward chain
	backLen int

	forward  int
	levels   int
	emulated int
}

func (f *Finder) newAttempt(trigger int) *attempt {
	return &attempt{
		trigger: trigger,
		log:     f.log.WithField("trigger", fmt.Sprintf("%#x", f.addr(trigger))),
	}
}
