package config

import (
	"strings"
	"testing"

	"github.com/blacktop/getpc/pkg/emu"
	"github.com/spf13/viper"
)

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return LoadConfig()
}

func TestLoadConfig(t *testing.T) {
	c, err := loadYAML(t, `
verbose: true
scan:
  format: pe
  base: 0x400000
  max-forward: 50
  once: true
  jobs: 4
emu:
  stack-base: 0x10000000
`)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !c.Verbose || c.Scan.Format != "pe" || c.Scan.Base != 0x400000 || !c.Scan.Once || c.Scan.Jobs != 4 {
		t.Errorf("LoadConfig() = %+v", c)
	}
	if c.Emu.Backend != emu.BackendBuiltin {
		t.Errorf("Emu.Backend = %q, want %q", c.Emu.Backend, emu.BackendBuiltin)
	}

	fc := c.Finder()
	if fc.MaxForward != 50 || fc.MaxBackward != 0 || !fc.Once {
		t.Errorf("Finder() = %+v", fc)
	}
	if fc.Emu.StackBase != 0x10000000 || fc.Emu.Backend != emu.BackendBuiltin {
		t.Errorf("Finder().Emu = %+v", fc.Emu)
	}
}

func TestLoadConfigEmpty(t *testing.T) {
	c, err := loadYAML(t, "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if c.Scan.Jobs != 1 {
		t.Errorf("Scan.Jobs = %d, want 1", c.Scan.Jobs)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"negative bound": "scan:\n  max-emulate: -1\n",
		"negative jobs":  "scan:\n  jobs: -2\n",
		"format":         "scan:\n  format: coff\n",
		"backend":        "emu:\n  backend: qemu\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadYAML(t, doc); err == nil {
				t.Error("LoadConfig() expected an error")
			}
		})
	}
}
