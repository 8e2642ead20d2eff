/*
Copyright © 2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/getpc/internal/utils"
	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(emuCmd)

	emuCmd.Flags().StringP("format", "f", "", "Input format (raw, pe, elf, macho); detected when empty")
	emuCmd.Flags().Uint64P("base", "b", 0, "Address the input is loaded at")
	emuCmd.Flags().String("arch", "", "Which architecture to use for fat/universal MachO")
	emuCmd.Flags().Uint64P("off", "o", 0, "File offset to start emulating")
	emuCmd.Flags().Uint64P("count", "c", 50, "Number of instructions to emulate")
	emuCmd.Flags().String("backend", emu.BackendBuiltin, fmt.Sprintf("Emulator backend %v", emu.Backends()))
	emuCmd.Flags().String("state", "", "YAML file with the initial emulator registers and memory")
	emuCmd.Flags().Uint64P("mem", "m", 0, "Address of a memory region to dump when emulation stops")
	emuCmd.Flags().Uint64("mem-size", 0x40, "Size of the --mem region")
	emuCmd.Flags().BoolP("regs", "r", false, "Print the registers after every step")
	emuCmd.Flags().StringSlice("set", nil, "Set registers before the first step (eax=0x1000)")

	viper.BindPFlag("emu.run.format", emuCmd.Flags().Lookup("format"))
	viper.BindPFlag("emu.run.base", emuCmd.Flags().Lookup("base"))
	viper.BindPFlag("emu.run.arch", emuCmd.Flags().Lookup("arch"))
	viper.BindPFlag("emu.run.off", emuCmd.Flags().Lookup("off"))
	viper.BindPFlag("emu.run.count", emuCmd.Flags().Lookup("count"))
	viper.BindPFlag("emu.run.backend", emuCmd.Flags().Lookup("backend"))
	viper.BindPFlag("emu.run.state", emuCmd.Flags().Lookup("state"))
	viper.BindPFlag("emu.run.mem", emuCmd.Flags().Lookup("mem"))
	viper.BindPFlag("emu.run.mem-size", emuCmd.Flags().Lookup("mem-size"))
	viper.BindPFlag("emu.run.regs", emuCmd.Flags().Lookup("regs"))
	viper.BindPFlag("emu.run.set", emuCmd.Flags().Lookup("set"))

	emuCmd.MarkZshCompPositionalArgumentFile(1)
}

// emuCmd represents the emu command
var emuCmd = &cobra.Command{
	Use:     "emu <FILE>",
	Aliases: []string{"e"},
	Short:   "Emulate 32-bit x86 from a file offset",
	Example: heredoc.Doc(`
		# Emulate 100 steps from offset 0 and dump the decrypted bytes
		❯ getpc emu --count 100 --mem 0x20 --mem-size 0x40 sample.bin

		# Start with a chosen stack frame
		❯ getpc emu --set ebp=0x7ff0f000 --set esi=0x1000 sample.bin`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup(cmd)

		img, err := image.Open(filepath.Clean(args[0]), &image.Options{
			Format: viper.GetString("emu.run.format"),
			Base:   viper.GetUint64("emu.run.base"),
			Arch:   viper.GetString("emu.run.arch"),
			Select: selectArch,
		})
		if err != nil {
			return err
		}

		conf := &emu.Config{
			Backend: viper.GetString("emu.run.backend"),
			Verbose: viper.GetBool("verbose"),
		}
		state := viper.GetString("emu.run.state")
		// fall back to the scan emulator settings of the config file
		if !cmd.Flags().Changed("backend") && viper.IsSet("emu.backend") {
			conf.Backend = viper.GetString("emu.backend")
		}
		if !cmd.Flags().Changed("state") && viper.IsSet("emu.state") {
			state = viper.GetString("emu.state")
		}
		if len(state) > 0 {
			if conf.State, err = emu.ParseState(state); err != nil {
				return err
			}
		}

		e, err := emu.New(img, conf)
		if err != nil {
			return err
		}
		defer e.Close()

		start := img.Base() + viper.GetUint64("emu.run.off")
		if err := e.Begin(start); err != nil {
			return errors.Wrapf(err, "failed to start emulation at %#x", start)
		}
		for _, kv := range viper.GetStringSlice("emu.run.set") {
			name, val, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --set %q: expected REG=VALUE", kv)
			}
			reg, ok := x86.ParseReg(name)
			if !ok {
				return fmt.Errorf("invalid --set %q: unknown register %s", kv, name)
			}
			v, err := utils.ConvertStrToInt(val)
			if err != nil {
				return fmt.Errorf("invalid --set %q: %v", kv, err)
			}
			if err := e.SetRegister(reg, v); err != nil {
				return errors.Wrapf(err, "failed to set %s", reg)
			}
		}
		log.WithFields(log.Fields{
			"backend": conf.Backend,
			"start":   fmt.Sprintf("%#x", start),
		}).Info("Emulating")

		first := emu.Snapshot(e)
		prev := first
		buf := make([]byte, x86.MaxInstLen)
		for n := uint64(0); n < viper.GetUint64("emu.run.count"); n++ {
			pc := e.PC()
			cnt, err := e.Fetch(buf)
			if err != nil {
				log.WithError(err).Warn("Emulation stopped")
				break
			}
			inst, err := x86.Decode(buf[:cnt], 0)
			if err != nil {
				log.WithError(err).Warnf("Emulation stopped at %#x", pc)
				break
			}
			fmt.Println(emu.Disassemble(pc, inst))
			if err := e.Step(); err != nil {
				log.WithError(err).Warnf("Emulation stopped at %#x", pc)
				break
			}
			if viper.GetBool("emu.run.regs") {
				regs := emu.Snapshot(e)
				fmt.Print(regs.Diff(&prev))
				prev = regs
			}
		}

		fmt.Println()
		fmt.Print(emu.Snapshot(e).Diff(&first))

		if cmd.Flags().Changed("mem") {
			addr := viper.GetUint64("emu.run.mem")
			data, err := e.ReadMem(addr, int(viper.GetUint64("emu.run.mem-size")))
			if err != nil {
				return errors.Wrapf(err, "failed to read memory at %#x", addr)
			}
			fmt.Println()
			fmt.Print(utils.HexDump(data, addr))
		}

		return nil
	},
}
