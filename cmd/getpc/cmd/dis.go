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
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(disCmd)

	disCmd.Flags().StringP("format", "f", "", "Input format (raw, pe, elf, macho); detected when empty")
	disCmd.Flags().Uint64P("base", "b", 0, "Address the input is loaded at")
	disCmd.Flags().String("arch", "", "Which architecture to use for fat/universal MachO")
	disCmd.Flags().Uint64P("off", "o", 0, "File offset to start disassembling")
	disCmd.Flags().Uint64P("count", "c", 20, "Number of instructions to disassemble")
	disCmd.Flags().BoolP("dump", "d", false, "Dump the decoded instruction structures")
	disCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	viper.BindPFlag("dis.format", disCmd.Flags().Lookup("format"))
	viper.BindPFlag("dis.base", disCmd.Flags().Lookup("base"))
	viper.BindPFlag("dis.arch", disCmd.Flags().Lookup("arch"))
	viper.BindPFlag("dis.off", disCmd.Flags().Lookup("off"))
	viper.BindPFlag("dis.count", disCmd.Flags().Lookup("count"))
	viper.BindPFlag("dis.dump", disCmd.Flags().Lookup("dump"))
	viper.BindPFlag("dis.json", disCmd.Flags().Lookup("json"))

	disCmd.MarkZshCompPositionalArgumentFile(1)
}

type disInst struct {
	Addr  uint64 `json:"addr"`
	Bytes string `json:"bytes"`
	Inst  string `json:"inst"`
	Type  string `json:"type"`
}

// disCmd represents the dis command
var disCmd = &cobra.Command{
	Use:     "dis <FILE>",
	Aliases: []string{"d"},
	Short:   "Disassemble 32-bit x86 at a file offset",
	Example: heredoc.Doc(`
		# Disassemble 10 instructions at offset 0x40
		❯ getpc dis --off 0x40 --count 10 sample.bin`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup(cmd)

		img, err := image.Open(filepath.Clean(args[0]), &image.Options{
			Format: viper.GetString("dis.format"),
			Base:   viper.GetUint64("dis.base"),
			Arch:   viper.GetString("dis.arch"),
			Select: selectArch,
		})
		if err != nil {
			return err
		}

		data := img.Bytes()
		off := int(viper.GetUint64("dis.off"))
		if off >= len(data) {
			return fmt.Errorf("offset %#x is past the end of %s (%#x bytes)", off, img.Name(), len(data))
		}

		dumper := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}

		var insts []disInst
		for n := uint64(0); n < viper.GetUint64("dis.count") && off < len(data); n++ {
			addr := img.Base() + uint64(off)
			inst, err := x86.Decode(data, off)
			if err != nil {
				log.WithError(err).Debugf("failed to decode at %#x", addr)
				if !viper.GetBool("dis.json") {
					fmt.Printf("%#08x:  %02x\t.byte\t%#02x\n", addr, data[off], data[off])
				}
				off++
				continue
			}
			switch {
			case viper.GetBool("dis.json"):
				insts = append(insts, disInst{
					Addr:  addr,
					Bytes: fmt.Sprintf("% x", inst.Raw),
					Inst:  inst.Syntax(addr),
					Type:  inst.Type.String(),
				})
			case viper.GetBool("dis.dump"):
				fmt.Println(emu.Disassemble(addr, inst))
				dumper.Dump(inst.Args, inst.Asm)
			default:
				fmt.Println(emu.Disassemble(addr, inst))
			}
			off += inst.Len
		}

		if viper.GetBool("dis.json") {
			dat, err := json.MarshalIndent(insts, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal instructions: %v", err)
			}
			fmt.Println(string(dat))
		}

		return nil
	},
}
