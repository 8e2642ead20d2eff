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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/getpc/internal/colors"
	"github.com/blacktop/getpc/internal/config"
	"github.com/blacktop/getpc/internal/utils"
	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/finder"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/caarlos0/ctrlc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringP("format", "f", "", "Input format (raw, pe, elf, macho); detected when empty")
	scanCmd.Flags().Uint64P("base", "b", 0, "Address the input is loaded at")
	scanCmd.Flags().String("arch", "", "Which architecture to use for fat/universal MachO")
	scanCmd.Flags().Int("max-forward", finder.MaxForward, "Instructions decoded forward from a trigger")
	scanCmd.Flags().Int("max-backward", finder.MaxBackward, "Backward search levels")
	scanCmd.Flags().Int("max-emulate", finder.MaxEmulate, "Emulated steps per trigger")
	scanCmd.Flags().Bool("once", false, "Stop at the first match of each file")
	scanCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	scanCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")
	scanCmd.Flags().BoolP("timing", "t", false, "Print the time spent in each phase")
	scanCmd.Flags().BoolP("progress", "p", false, "Show scan progress")
	scanCmd.Flags().IntP("jobs", "J", 1, "Number of files scanned concurrently")
	scanCmd.Flags().String("backend", emu.BackendBuiltin, fmt.Sprintf("Emulator backend %v", emu.Backends()))
	scanCmd.Flags().String("state", "", "YAML file with the initial emulator registers and memory")

	viper.BindPFlag("scan.format", scanCmd.Flags().Lookup("format"))
	viper.BindPFlag("scan.base", scanCmd.Flags().Lookup("base"))
	viper.BindPFlag("scan.arch", scanCmd.Flags().Lookup("arch"))
	viper.BindPFlag("scan.max-forward", scanCmd.Flags().Lookup("max-forward"))
	viper.BindPFlag("scan.max-backward", scanCmd.Flags().Lookup("max-backward"))
	viper.BindPFlag("scan.max-emulate", scanCmd.Flags().Lookup("max-emulate"))
	viper.BindPFlag("scan.once", scanCmd.Flags().Lookup("once"))
	viper.BindPFlag("scan.json", scanCmd.Flags().Lookup("json"))
	viper.BindPFlag("scan.yaml", scanCmd.Flags().Lookup("yaml"))
	viper.BindPFlag("scan.timing", scanCmd.Flags().Lookup("timing"))
	viper.BindPFlag("scan.progress", scanCmd.Flags().Lookup("progress"))
	viper.BindPFlag("scan.jobs", scanCmd.Flags().Lookup("jobs"))
	viper.BindPFlag("emu.backend", scanCmd.Flags().Lookup("backend"))
	viper.BindPFlag("emu.state", scanCmd.Flags().Lookup("state"))

	scanCmd.MarkFlagsMutuallyExclusive("json", "yaml")
}

// archPrompt serializes universal MachO prompts of concurrent scans
var archPrompt sync.Mutex

func selectArch(options []string) (int, error) {
	archPrompt.Lock()
	defer archPrompt.Unlock()

	choice := 0
	prompt := &survey.Select{
		Message: "Detected a universal MachO file, please select an architecture to analyze:",
		Options: options,
	}
	if err := survey.AskOne(prompt, &choice); err == terminal.InterruptErr {
		return 0, err
	}
	return choice, nil
}

type scan struct {
	path   string
	result *finder.Result
	timer  *finder.Timer
	err    error
}

// scanAll scans every file, conf.Scan.Jobs at a time. A file that fails is
// logged and left without a result; the other files are still scanned.
func scanAll(ctx context.Context, scans []*scan, conf *config.Config, state *emu.State, p *mpb.Progress) error {
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(max(conf.Scan.Jobs, 1))
	for _, s := range scans {
		s := s
		eg.Go(func() error {
			if err := scanFile(s, conf, state, p); err != nil {
				log.WithError(err).Errorf("Failed to scan %s", s.path)
				s.err = err
			}
			return nil
		})
	}
	return eg.Wait()
}

// scanFile runs one finder over path
func scanFile(s *scan, conf *config.Config, state *emu.State, p *mpb.Progress) error {
	img, err := image.Open(s.path, &image.Options{
		Format: conf.Scan.Format,
		Base:   conf.Scan.Base,
		Arch:   conf.Scan.Arch,
		Select: selectArch,
	})
	if err != nil {
		return err
	}

	fconf := conf.Finder()
	fconf.Emu.State = state
	fconf.Emu.Verbose = viper.GetBool("verbose")
	fconf.Logger = log.WithField("file", filepath.Base(s.path))
	if viper.GetBool("scan.timing") {
		s.timer = finder.NewTimer()
		fconf.Observer = s.timer
	}

	if p != nil {
		name := filepath.Base(s.path)
		bar := p.New(int64(img.Size()),
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight | decor.DextraSpace}),
				decor.OnComplete(
					decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
				),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.Name(" ] "),
			),
		)
		// --once and failures stop short of the end of the input
		defer bar.SetTotal(-1, true)
		fconf.Progress = func(done, _ int) {
			bar.SetCurrent(int64(done))
		}
	}

	f, err := finder.New(fconf)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Link(img); err != nil {
		return errors.Wrapf(err, "failed to link %s", s.path)
	}

	s.result = f.Find()
	return nil
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:     "scan <FILE>...",
	Aliases: []string{"s"},
	Short:   "Scan files for self-decrypting code",
	Example: heredoc.Doc(`
		# Scan a raw shellcode dump
		❯ getpc scan sample.bin

		# Scan every executable section of a PE and time each phase
		❯ getpc scan --format pe --timing sample.exe

		# Scan a directory of samples four at a time and emit JSON
		❯ getpc scan -J 4 --json samples/*`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup(cmd)

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		var state *emu.State
		if len(conf.Emu.State) > 0 {
			state, err = emu.ParseState(conf.Emu.State)
			if err != nil {
				return err
			}
		}

		scans := make([]*scan, len(args))
		for i, arg := range args {
			scans[i] = &scan{path: filepath.Clean(arg)}
		}

		ctx := context.Background()
		if err := ctrlc.Default.Run(ctx, func() error {
			var p *mpb.Progress
			if viper.GetBool("scan.progress") {
				p = mpb.New(mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
			}
			err := scanAll(ctx, scans, conf, state, p)
			if p != nil {
				p.Wait()
			}
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				return nil
			}
			return err
		}

		results := make([]*finder.Result, 0, len(scans))
		for _, s := range scans {
			if s.result != nil {
				results = append(results, s.result)
			}
		}

		switch {
		case viper.GetBool("scan.json"):
			dat, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal results: %v", err)
			}
			fmt.Println(string(dat))
		case viper.GetBool("scan.yaml"):
			dat, err := yaml.Marshal(results)
			if err != nil {
				return fmt.Errorf("failed to marshal results: %v", err)
			}
			fmt.Print(string(dat))
		default:
			for _, s := range scans {
				if s.result == nil {
					continue
				}
				printResult(s.result)
				if s.timer != nil {
					fmt.Print(colors.Details("%s", s.timer))
				}
			}
		}

		return nil
	},
}

func printResult(res *finder.Result) {
	log.WithFields(log.Fields{
		"size":     utils.Size(res.Size),
		"triggers": res.Stats.Triggers,
		"matches":  res.Count(),
	}).Info(res.Input)

	st := res.Stats
	utils.Indent(log.Debug, 2)(fmt.Sprintf("anchors=%d duplicate=%d exhausted=%d launches=%d relaunches=%d cycles=%d",
		st.Anchors, st.DuplicateAnchors, st.Exhausted, st.Launches, st.Relaunches, st.Cycles))
	utils.Indent(log.Debug, 2)(fmt.Sprintf("decode_failures=%d out_of_bounds=%d faults=%d",
		st.DecodeFailures, st.OutOfBounds, st.Faults))

	for _, m := range res.Matches {
		fmt.Printf("Instruction %s on position %s.\n", colors.Trigger(fmt.Sprintf("%q", m.TriggerInst)), colors.Addr("%#x", m.Trigger))
		fmt.Println(colors.Header("Cycle found:"))
		for i, c := range m.Cycle {
			text := colors.Inst(c.Text)
			if i == m.WriteIndex-1 {
				text = colors.Write(c.Text)
			}
			fmt.Printf(" %s:  %s\n", colors.Addr("%#x", c.Addr), text)
		}
		fmt.Printf(" Indirect write in line #%s, launched from position %s\n",
			colors.Match(m.WriteIndex), colors.Addr("%#x", m.Launch))
	}
	if res.Count() == 0 {
		utils.Indent(log.Warn, 2)("No self-decrypting loops found")
	} else {
		utils.Indent(log.Info, 2)(fmt.Sprintf("Found %d self-decrypting %s", res.Count(), plural(res.Count(), "loop")))
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
