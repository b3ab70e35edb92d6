package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/detour/internal/dmd"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	color.NoColor = true

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestDump(t *testing.T, dir string) string {
	t.Helper()

	path, err := dmd.WriteDump(dir, &dmd.Dump{
		Version:   1,
		Tag:       "orig",
		Symbol:    "main.handler",
		Arch:      "amd64",
		GoVersion: "go1.25.0",
		Backend:   "memory",
		Base:      0x401000,
		Entry:     0x7f0000,
		Source:    []byte{0x90, 0xc3},
		Code:      []byte{0x90, 0xc3},
		Externals: []dmd.DumpRef{{Offset: 0, Kind: "call", Target: 0x402000, Symbol: "fmt.Println"}},
		Regions:   []dmd.DumpRegion{{Kind: "finally", TryStart: 0, TryEnd: 0, HandlerStart: 1, HandlerEnd: 1}},
	})
	require.NoError(t, err)
	return path
}

func TestShow(t *testing.T) {
	assert := assert.New(t)

	path := writeTestDump(t, t.TempDir())

	out, err := run(t, "show", "--source", path)
	require.NoError(t, err)

	assert.Contains(out, path)
	assert.Contains(out, "main.handler")
	assert.Contains(out, "memory")
	assert.Contains(out, "fmt.Println")
	assert.Contains(out, "finally")
	assert.Contains(out, "0x007f0000")
	assert.Contains(out, "0x00401000")
	assert.Contains(strings.ToLower(out), "ret")
}

func TestShow_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "show")
	assert.Error(t, err)

	_, err = run(t, "show", filepath.Join(dir, "missing.dmd"))
	assert.Error(t, err)

	bad, err := dmd.WriteDump(dir, &dmd.Dump{Version: 1, Symbol: "x", Arch: "mips"})
	require.NoError(t, err)
	out, err := run(t, "show", bad)
	assert.NoError(t, err)
	assert.Contains(t, out, "can't disassemble")
}

func TestLs(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := writeTestDump(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+dmd.DumpExt), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("nope"), 0o644))

	out, err := run(t, "ls", dir)
	require.NoError(t, err)

	assert.Contains(out, filepath.Base(path))
	assert.Contains(out, "main.handler")
	assert.Contains(out, "broken"+dmd.DumpExt)
	assert.NotContains(out, "other.txt")
}
