package cmds

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/config"
	"github.com/go-unwind/unwind/pkg/unwind"
)

// writeTestTable serializes a three function table: a cleanup frame, a
// handler frame catching TESTLNG0 and a bottom frame.
func writeTestTable(t *testing.T, dir string) string {
	t.Helper()

	b := cfi.NewBuilder(binary.LittleEndian, 8)
	b.Common(1, -8, 16)

	b.AddEntry(0x1000, 0x100, "main", unwind.EncodeLSDA(true, 0x10, nil))
	b.DefCFA(7, 8)
	b.Offset(16, 1)

	b.AddEntry(0x1100, 0x100, "main", unwind.EncodeLSDA(false, 0, map[unwind.Class]uint64{
		unwind.MakeClass("TEST", "LNG0"): 0x42,
	}))
	b.DefCFA(7, 8)
	b.Offset(16, 1)

	b.AddEntry(0x1200, 0x100, "", nil)
	b.DefCFA(7, 8)
	b.Undefined(16)

	path := filepath.Join(dir, "table.bin")
	require.NoError(t, ioutil.WriteFile(path, b.Bytes(), 0644))
	return path
}

const scenarioYAML = `table: table.bin
memory:
  - {addr: 0x7000, value: 0x1150}
  - {addr: 0x7008, value: 0x1250}
registers:
  pc: 0x1050
  sp: 0x7000
personalities:
  - name: main
    vendor: TEST
    lang: LNG0
exception:
  vendor: TEST
  lang: LNG0
symbols:
  - {name: inner, addr: 0x1000, size: 0x100}
  - {name: catcher, addr: 0x1100, size: 0x100}
  - {name: start, addr: 0x1200, size: 0x100}
`

func TestLoadScenario(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(scenarioYAML), 0644))

	scen, err := LoadScenario(path)
	require.NoError(t, err)
	require.Equal(t, "table.bin", scen.Table)
	require.Equal(t, uint64(0x1050), scen.Registers.PC)
	require.Len(t, scen.Memory, 2)
	require.Len(t, scen.Personalities, 1)
	require.Equal(t, "TEST", scen.Exception.Vendor)
}

func TestLoadScenarioRejectsUnknownKeys(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte("tabel: oops.bin\n"), 0644))

	_, err = LoadScenario(path)
	require.Error(t, err)
}

func TestRunScenario(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	writeTestTable(t, dir)
	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(scenarioYAML), 0644))

	scen, err := LoadScenario(path)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runScenario(scen, dir, &out))

	replay := out.String()
	require.Contains(t, replay, "frame 0\t0x1050 (inner)")
	require.Contains(t, replay, "frame 2\t0x1250 (start)")
	require.Contains(t, replay, "raising TESTLNG0 from 0x1050 (inner)")
	require.Contains(t, replay, "running destructors")
	require.Contains(t, replay, "resumed at 0x1142 (catcher) after 1 cleanup frames")

	// Both phases appear for the cleanup frame, in order.
	searchIdx := strings.Index(replay, "search\tmain\t0x1050 (inner)")
	cleanupIdx := strings.Index(replay, "cleanup\tmain\t0x1050 (inner)")
	require.GreaterOrEqual(t, searchIdx, 0)
	require.Greater(t, cleanupIdx, searchIdx)
}

func TestRunScenarioStaticBackend(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	writeTestTable(t, dir)
	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(scenarioYAML+"backend: static\n"), 0644))

	scen, err := LoadScenario(path)
	require.NoError(t, err)
	require.Equal(t, "static", scen.Backend)

	var out bytes.Buffer
	require.NoError(t, runScenario(scen, dir, &out))
	require.Contains(t, out.String(), "resumed at 0x1142 (catcher) after 1 cleanup frames")
}

func TestRunScenarioUnknownBackend(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	writeTestTable(t, dir)
	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(scenarioYAML+"backend: bogus\n"), 0644))

	scen, err := LoadScenario(path)
	require.NoError(t, err)

	var out bytes.Buffer
	err = runScenario(scen, dir, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown registry backend")
}

func TestRunScenarioDepthBound(t *testing.T) {
	dir, err := ioutil.TempDir("", "unw-scenario")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	depth := 0
	conf = &config.Config{MaxStackDepth: &depth}
	defer func() { conf = nil }()

	writeTestTable(t, dir)
	path := filepath.Join(dir, "scenario.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(scenarioYAML), 0644))

	scen, err := LoadScenario(path)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runScenario(scen, dir, &out))

	// Preview is capped to the configured depth; the replay itself is
	// not.
	require.Contains(t, out.String(), "frame 0\t0x1050 (inner)")
	require.NotContains(t, out.String(), "frame 1")
	require.Contains(t, out.String(), "resumed at 0x1142 (catcher)")
}

func TestRunScenarioUnknownByteOrder(t *testing.T) {
	scen := &Scenario{ByteOrder: "middle"}
	var out bytes.Buffer
	require.Error(t, runScenario(scen, "", &out))
}
