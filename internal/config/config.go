// Package config is used to load the configuration file
package config

import (
	"fmt"
	"slices"

	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/finder"
	"github.com/spf13/viper"
)

var formats = []string{"", "raw", "pe", "elf", "macho"}

type scan struct {
	Format      string `mapstructure:"format"`
	Base        uint64 `mapstructure:"base"`
	Arch        string `mapstructure:"arch"`
	MaxForward  int    `mapstructure:"max-forward"`
	MaxBackward int    `mapstructure:"max-backward"`
	MaxEmulate  int    `mapstructure:"max-emulate"`
	Once        bool   `mapstructure:"once"`
	Jobs        int    `mapstructure:"jobs"`
}

type emulator struct {
	Backend   string `mapstructure:"backend"`
	State     string `mapstructure:"state"`
	StackBase uint64 `mapstructure:"stack-base"`
	StackSize uint64 `mapstructure:"stack-size"`
}

// Config is the configuration struct
type Config struct {
	Verbose bool     `mapstructure:"verbose"`
	Color   bool     `mapstructure:"color"`
	Scan    scan     `mapstructure:"scan"`
	Emu     emulator `mapstructure:"emu"`
}

func (c *Config) verify() error {
	if c.Scan.MaxForward < 0 || c.Scan.MaxBackward < 0 || c.Scan.MaxEmulate < 0 {
		return fmt.Errorf("config: search bounds cannot be negative")
	}
	if c.Scan.Jobs < 0 {
		return fmt.Errorf("config: jobs cannot be negative")
	}
	if !slices.Contains(formats, c.Scan.Format) {
		return fmt.Errorf("config: unknown input format %q (expected one of %v)", c.Scan.Format, formats[1:])
	}
	if c.Emu.Backend == "" {
		c.Emu.Backend = emu.BackendBuiltin
	} else if !slices.Contains(emu.Backends(), c.Emu.Backend) {
		return fmt.Errorf("config: emulator backend %q is not available (have %v)", c.Emu.Backend, emu.Backends())
	}
	if c.Scan.Jobs == 0 {
		c.Scan.Jobs = 1
	}

	return nil
}

// Finder returns the finder configuration described by the file
func (c *Config) Finder() *finder.Config {
	return &finder.Config{
		MaxForward:  c.Scan.MaxForward,
		MaxBackward: c.Scan.MaxBackward,
		MaxEmulate:  c.Scan.MaxEmulate,
		Once:        c.Scan.Once,
		Emu: &emu.Config{
			Backend:   c.Emu.Backend,
			StackBase: c.Emu.StackBase,
			StackSize: c.Emu.StackSize,
		},
	}
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
