package cmds

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/config"
	"github.com/go-unwind/unwind/pkg/logflags"
	"github.com/go-unwind/unwind/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	// pcFlag makes the dump command also print the rule row in effect
	// at this PC.
	pcFlag uint64
	// bigEndian selects big endian table files.
	bigEndian bool
	// ptrSize is the pointer size of the table files.
	ptrSize int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const unwCommandLongDesc = `unw inspects call frame unwind tables and replays recorded unwind scenarios.

The dump command parses a serialized unwind table and prints its frame entries.
The walk command loads a scenario file, raises the exception it describes and
reports every personality decision up to the resume point.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main unw root command.
	rootCommand = &cobra.Command{
		Use:   "unw",
		Short: "unw inspects and replays call frame unwind tables.",
		Long:  unwCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput)
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (unwinder,registry,cfi).")

	// 'version' subcommand.
	versionVerbose := false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("unw tool\n%s\n", version.UnwindVersion)
			if versionVerbose {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	hideLogFlags(versionCommand)
	rootCommand.AddCommand(versionCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <table file>",
		Short: "Parse an unwind table file and print its frame entries.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpTable(args[0])
		},
	}
	dumpCommand.Flags().Uint64Var(&pcFlag, "pc", 0, "Also print the rule row in effect at this PC.")
	dumpCommand.Flags().BoolVar(&bigEndian, "big-endian", false, "Table file uses big endian byte order.")
	dumpCommand.Flags().IntVar(&ptrSize, "ptr-size", 8, "Pointer size of the table file.")
	rootCommand.AddCommand(dumpCommand)

	// 'walk' subcommand.
	walkCommand := &cobra.Command{
		Use:   "walk <scenario file>",
		Short: "Replay a recorded unwind scenario.",
		Long: `Replay a recorded unwind scenario.

The scenario file names an unwind table, a memory image, the register context
of the throw point and the exception to raise. Every personality decision of
both phases is printed, followed by the resume point or the fatal outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scen, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			return runScenario(scen, filepath.Dir(args[0]), os.Stdout)
		},
	}
	rootCommand.AddCommand(walkCommand)

	return rootCommand
}

// hideLogFlags hides the root logging flags in cmd's help output. The
// flags still parse, they just do not apply to cmd. Destructive: the
// flag set is shared, so help can only be rendered once.
func hideLogFlags(cmd *cobra.Command) {
	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		c.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
			flag.Hidden = true
		})
		c.Root().HelpFunc()(c, args)
	})
}

func byteOrder() binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// resolveTablePath resolves a table file path against the configured
// search directories. Absolute paths and paths that resolve from extra
// are used as-is.
func resolveTablePath(name, extra string) string {
	if filepath.IsAbs(name) {
		return name
	}
	candidates := []string{name}
	if extra != "" {
		candidates = append(candidates, filepath.Join(extra, name))
	}
	if conf != nil {
		for _, dir := range conf.TableSearchPaths {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return name
}

func dumpTable(path string) error {
	data, err := ioutil.ReadFile(resolveTablePath(path, ""))
	if err != nil {
		return err
	}
	entries, err := cfi.Parse(data, byteOrder(), 0, ptrSize)
	if err != nil {
		return err
	}

	for _, fe := range entries {
		fmt.Printf("[%#x, %#x)\tpersonality=%q\tlsda=%d bytes\tprogram=%d bytes\n",
			fe.Begin(), fe.End(), fe.Personality, len(fe.LSDA), len(fe.Instructions))
	}

	if pcFlag == 0 {
		return nil
	}
	fe, err := entries.EntryForPC(pcFlag)
	if err != nil {
		return err
	}
	fctx, err := fe.EstablishFrame(pcFlag)
	if err != nil {
		return err
	}

	fmt.Printf("\nrule row at %#x:\n", pcFlag)
	fmt.Printf("\tcfa\t%s\n", describeRule(fctx.CFA))
	regnums := make([]uint64, 0, len(fctx.Regs))
	for regnum := range fctx.Regs {
		regnums = append(regnums, regnum)
	}
	sort.Slice(regnums, func(i, j int) bool { return regnums[i] < regnums[j] })
	for _, regnum := range regnums {
		fmt.Printf("\tr%d\t%s\n", regnum, describeRule(fctx.Regs[regnum]))
	}
	return nil
}

func describeRule(rule cfi.RegRule) string {
	switch rule.Rule {
	case cfi.RuleUndefined:
		return "undefined"
	case cfi.RuleSameVal:
		return "same value"
	case cfi.RuleOffset:
		return fmt.Sprintf("at cfa%+d", rule.Offset)
	case cfi.RuleValOffset:
		return fmt.Sprintf("cfa%+d", rule.Offset)
	case cfi.RuleRegister:
		return fmt.Sprintf("in r%d", rule.Reg)
	case cfi.RuleExpression:
		return fmt.Sprintf("at expression (%d bytes)", len(rule.Expression))
	case cfi.RuleValExpression:
		return fmt.Sprintf("expression (%d bytes)", len(rule.Expression))
	case cfi.RuleCFA:
		return fmt.Sprintf("r%d%+d", rule.Reg, rule.Offset)
	}
	return fmt.Sprintf("rule(%d)", rule.Rule)
}
