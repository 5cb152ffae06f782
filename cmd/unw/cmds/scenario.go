package cmds

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/op"
	"github.com/go-unwind/unwind/pkg/registry"
	"github.com/go-unwind/unwind/pkg/symbol"
	"github.com/go-unwind/unwind/pkg/unwind"
)

// Scenario is the walk command's input: a serialized unwind table, the
// memory image and register context of a recorded throw point, the
// personalities the target had registered and the exception to raise.
type Scenario struct {
	// Table is the unwind table file, resolved against the scenario's
	// directory and the configured search paths.
	Table string `yaml:"table"`

	ByteOrder   string `yaml:"byte-order"`
	PointerSize int    `yaml:"pointer-size"`

	Memory []ScenarioWord `yaml:"memory"`

	Registers struct {
		PC uint64 `yaml:"pc"`
		SP uint64 `yaml:"sp"`
		BP uint64 `yaml:"bp"`
	} `yaml:"registers"`

	// Register numbering of the recorded target, amd64 DWARF numbers
	// when unset.
	PCReg *uint64 `yaml:"pc-reg,omitempty"`
	SPReg *uint64 `yaml:"sp-reg,omitempty"`
	BPReg *uint64 `yaml:"bp-reg,omitempty"`

	Personalities []ScenarioPersonality `yaml:"personalities"`
	Exception     ScenarioClass         `yaml:"exception"`
	NestedPolicy  string                `yaml:"nested-policy"`

	// Backend overrides the configured registry backend for this
	// scenario: "dynamic" or "static".
	Backend string `yaml:"backend"`

	Symbols []ScenarioSymbol `yaml:"symbols"`
}

// ScenarioWord is one 8-byte word of the recorded memory image.
type ScenarioWord struct {
	Addr  uint64 `yaml:"addr"`
	Value uint64 `yaml:"value"`
}

// ScenarioClass names an exception class by its vendor and language
// identifiers.
type ScenarioClass struct {
	Vendor string `yaml:"vendor"`
	Lang   string `yaml:"lang"`
}

// ScenarioPersonality declares one personality routine of the recorded
// target: its registered name, its class and the foreign classes it has
// agreed to catch.
type ScenarioPersonality struct {
	Name    string          `yaml:"name"`
	Vendor  string          `yaml:"vendor"`
	Lang    string          `yaml:"lang"`
	Interop []ScenarioClass `yaml:"interop"`
}

// ScenarioSymbol names a code range for the replay output.
type ScenarioSymbol struct {
	Name string `yaml:"name"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

const (
	defaultPCReg = 16
	defaultSPReg = 7
	defaultBPReg = 6

	// defaultMaxStackDepth bounds replay traversal when the config does
	// not set max-stack-depth.
	defaultMaxStackDepth = 256
)

// LoadScenario reads and decodes a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scen Scenario
	if err := yaml.UnmarshalStrict(data, &scen); err != nil {
		return nil, fmt.Errorf("malformed scenario file %s: %v", path, err)
	}
	return &scen, nil
}

func (s *Scenario) byteOrder() (binary.ByteOrder, error) {
	switch s.ByteOrder {
	case "", "little":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s.ByteOrder)
}

func regnum(v *uint64, def uint64) uint64 {
	if v != nil {
		return *v
	}
	return def
}

// tracePersonality prints every dispatch before delegating to the real
// routine, so the replay output shows both phases frame by frame.
type tracePersonality struct {
	name  string
	out   io.Writer
	syms  *symbol.Table
	inner unwind.Personality
}

func (p *tracePersonality) Dispatch(phase unwind.Phase, exc *unwind.Exception, entry *cfi.FrameEntry, regs *op.Registers) (unwind.Verdict, error) {
	verdict, err := p.inner.Dispatch(phase, exc, entry, regs)
	where := p.syms.Describe(regs.PC())
	if err != nil {
		fmt.Fprintf(p.out, "%s\t%s\t%s\terror: %v\n", phase, p.name, where, err)
		return verdict, err
	}
	fmt.Fprintf(p.out, "%s\t%s\t%s\t%s\n", phase, p.name, where, verdict)
	return verdict, err
}

// runScenario raises the scenario's exception and writes the replay to
// out. dir is the scenario file's directory, used to resolve the table
// path.
func runScenario(s *Scenario, dir string, out io.Writer) error {
	order, err := s.byteOrder()
	if err != nil {
		return err
	}
	ptrSize := s.PointerSize
	if ptrSize == 0 {
		ptrSize = 8
	}

	data, err := ioutil.ReadFile(resolveTablePath(s.Table, dir))
	if err != nil {
		return err
	}
	entries, err := cfi.Parse(data, order, 0, ptrSize)
	if err != nil {
		return err
	}

	backend := s.Backend
	if backend == "" && conf != nil {
		backend = conf.RegistryBackend
	}
	var reg registry.Source
	switch backend {
	case "", "dynamic":
		cacheSize := 0
		if conf != nil && conf.RegistryCacheSize != nil {
			cacheSize = *conf.RegistryCacheSize
		}
		d := registry.NewDynamic(cacheSize)
		if err := d.Register(entries...); err != nil {
			return err
		}
		reg = d
	case "static":
		st, err := registry.NewStatic(entries)
		if err != nil {
			return err
		}
		reg = st
	default:
		return fmt.Errorf("unknown registry backend %q", backend)
	}

	mem := unwind.NewMapMemory(order)
	for _, w := range s.Memory {
		mem.SetUint64(w.Addr, w.Value)
	}

	syms := make([]symbol.Sym, len(s.Symbols))
	for i, sym := range s.Symbols {
		syms[i] = symbol.Sym{Name: sym.Name, Addr: sym.Addr, Size: sym.Size}
	}
	var table *symbol.Table
	if len(syms) > 0 {
		table = symbol.NewTable(syms)
	}

	pt := unwind.NewPersonalityTable()
	for _, sp := range s.Personalities {
		interop := make(map[unwind.Class]bool, len(sp.Interop))
		for _, c := range sp.Interop {
			interop[unwind.MakeClass(c.Vendor, c.Lang)] = true
		}
		name := sp.Name
		inner := &unwind.ClassPersonality{
			Class:   unwind.MakeClass(sp.Vendor, sp.Lang),
			Interop: interop,
			OnCleanup: func(exc *unwind.Exception, entry *cfi.FrameEntry, regs *op.Registers) error {
				fmt.Fprintf(out, "cleanup\t%s\trunning destructors at %s\n", name, table.Describe(entry.Begin()))
				return nil
			},
		}
		if err := pt.Register(name, &tracePersonality{name: name, out: out, syms: table, inner: inner}); err != nil {
			return err
		}
	}

	policyStr := s.NestedPolicy
	if policyStr == "" && conf != nil {
		policyStr = conf.NestedThrowPolicy
	}
	policy, err := unwind.ParseNestedPolicy(policyStr)
	if err != nil {
		return err
	}

	regs := op.NewRegisters(order,
		regnum(s.PCReg, defaultPCReg),
		regnum(s.SPReg, defaultSPReg),
		regnum(s.BPReg, defaultBPReg))
	regs.SetPC(s.Registers.PC)
	regs.AddReg(regs.SPRegNum, op.RegisterFromUint64(s.Registers.SP))
	if s.Registers.BP != 0 {
		regs.AddReg(regs.BPRegNum, op.RegisterFromUint64(s.Registers.BP))
	}

	depth := defaultMaxStackDepth
	if conf != nil && conf.MaxStackDepth != nil {
		depth = *conf.MaxStackDepth
	}
	frames, err := unwind.Stacktrace(reg, mem, regs, ptrSize, depth)
	if err != nil {
		return err
	}
	for i, fr := range frames {
		fmt.Fprintf(out, "frame %d\t%s\tcfa=%#x\n", i, table.Describe(fr.PC()), fr.Regs.CFA)
	}

	u := unwind.New(reg, mem, pt, unwind.Options{
		NestedPolicy: policy,
		PtrSize:      ptrSize,
		Symbols:      table,
	})

	exc := &unwind.Exception{Class: unwind.MakeClass(s.Exception.Vendor, s.Exception.Lang)}
	fmt.Fprintf(out, "raising %s from %s\n", exc.Class, table.Describe(s.Registers.PC))

	resume, err := u.Raise(exc, regs)
	if err != nil {
		fmt.Fprintf(out, "unwind failed in state %s: %v\n", u.State(), err)
		return err
	}
	fmt.Fprintf(out, "resumed at %s after %d cleanup frames\n", table.Describe(resume.PC()), exc.CleanupCount())
	return nil
}
