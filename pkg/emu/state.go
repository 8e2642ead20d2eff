package emu

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/getpc/pkg/x86"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type region struct {
	Addr any    `yaml:"addr"`
	Data string `yaml:"data"` // hex encoded
}

// State is an initial machine state applied on every launch.
//
//	registers:
//	  ebp: 0x7ff0f000
//	  esi: 4096
//	memory:
//	  - addr: 0x7ff0f000
//	    data: "deadbeef"
type State struct {
	Registers map[string]any `yaml:"registers,omitempty"`
	Memory    []region       `yaml:"memory,omitempty"`
}

func ParseState(name string) (*State, error) {
	var state State

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %v", err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error unmarshalling state file: %v", err)
	}

	if err := state.validate(); err != nil {
		return nil, fmt.Errorf("invalid state file %s: %w", name, err)
	}

	return &state, nil
}

func (state *State) validate() error {
	for name, val := range state.Registers {
		if _, ok := x86.ParseReg(name); !ok {
			return fmt.Errorf("unknown register %q", name)
		}
		if _, err := cast.ToUint32E(val); err != nil {
			return fmt.Errorf("register %s: %v", name, err)
		}
	}
	for i, r := range state.Memory {
		if _, err := cast.ToUint64E(r.Addr); err != nil {
			return fmt.Errorf("memory[%d] address: %v", i, err)
		}
		if _, err := hex.DecodeString(strings.ReplaceAll(r.Data, " ", "")); err != nil {
			return fmt.Errorf("memory[%d] data: %v", i, err)
		}
	}
	return nil
}

// Apply writes the state's registers and memory into e
func (state *State) Apply(e Emulator) error {
	for name, val := range state.Registers {
		reg, ok := x86.ParseReg(name)
		if !ok {
			return fmt.Errorf("failed to find register %s", name)
		}
		v, err := cast.ToUint32E(val)
		if err != nil {
			return fmt.Errorf("failed to parse %s value %v: %v", name, val, err)
		}
		if err := e.SetRegister(reg, uint64(v)); err != nil {
			return fmt.Errorf("failed to set %s register to %#x: %w", name, v, err)
		}
	}
	for _, r := range state.Memory {
		addr := cast.ToUint64(r.Addr)
		data, err := hex.DecodeString(strings.ReplaceAll(r.Data, " ", ""))
		if err != nil {
			return fmt.Errorf("failed to decode data for %#x: %v", addr, err)
		}
		if err := e.WriteMem(addr, data); err != nil {
			return fmt.Errorf("failed to write data to %#x: %w", addr, err)
		}
	}
	return nil
}

func (state *State) DumpYaml() ([]byte, error) {
	return yaml.Marshal(state)
}
