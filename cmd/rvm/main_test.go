package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/rvm/testutil"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProgram(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.elf")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func rvm(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRun(t *testing.T) {
	prog := writeProgram(t, testutil.Program(true, testutil.Simple(), nil))
	_, err := rvm("run", prog)
	require.NoError(t, err)
	_, err = rvm("run", "--aot", prog)
	require.NoError(t, err)

	_, err = rvm("run", "--max-cycles", "500", prog)
	assert.ErrorIs(t, err, vmerrors.ErrInvalidCycles)
}

func TestRunExitCode(t *testing.T) {
	prog := writeProgram(t, testutil.Program(true, testutil.Argc(true), nil))
	_, err := rvm("run", prog, "A")
	var exit exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, uint8(2+'A'), exit.code)

	prog32 := writeProgram(t, testutil.Program(false, testutil.Argc(false), nil))
	_, err = rvm("run", "--xlen", "32", "--aot", prog32, "B")
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, uint8(2+'B'), exit.code)
}

func TestCompileAndRunArtifact(t *testing.T) {
	dir := t.TempDir()
	prog := writeProgram(t, testutil.Program(true, testutil.Simple(), nil))
	out := filepath.Join(dir, "prog.aot")
	cache := filepath.Join(dir, "cache")

	text, err := rvm("compile", "--cache", cache, "--out", out, prog)
	require.NoError(t, err)
	assert.Contains(t, text, "blocks    3")
	assert.Contains(t, text, "cached    false")

	text, err = rvm("compile", "--cache", cache, prog)
	require.NoError(t, err)
	assert.Contains(t, text, "cached    true")

	text, err = rvm("cache", "--cache", cache)
	require.NoError(t, err)
	assert.Contains(t, text, "bytes")

	_, err = rvm("run", "--artifact", out, prog)
	require.NoError(t, err)

	other := writeProgram(t, testutil.Program(true, testutil.Mulw(), nil))
	_, err = rvm("run", "--artifact", out, other)
	assert.ErrorIs(t, err, vmerrors.ErrArtifactMismatch)
}

func TestInspect(t *testing.T) {
	prog := writeProgram(t, testutil.Program(true, testutil.Simple(), []byte("data")))
	text, err := rvm("inspect", "-i", prog)
	require.NoError(t, err)
	assert.Contains(t, text, "segments (2)")
	assert.Contains(t, text, "r-x")
	assert.Contains(t, text, "rw-")
	assert.Contains(t, text, "conditional")
	assert.Contains(t, text, "ECALL")
}

func TestBench(t *testing.T) {
	prog := writeProgram(t, testutil.Program(true, testutil.Simple(), nil))
	chart := filepath.Join(t.TempDir(), "bench.html")
	text, err := rvm("bench", "-n", "2", "--chart", chart, prog)
	require.NoError(t, err)
	assert.Contains(t, text, "interpreter")
	assert.Contains(t, text, "cycles=517")
	html, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.Contains(t, string(html), "rvm bench")
}

func TestBadInput(t *testing.T) {
	bad := writeProgram(t, []byte("not an elf"))
	_, err := rvm("run", bad)
	assert.ErrorIs(t, err, vmerrors.ErrParse)
	_, err = rvm("run", "--xlen", "16", bad)
	assert.Error(t, err)
}

func TestConfigCmd(t *testing.T) {
	text, err := rvm("config", "--xlen", "32")
	require.NoError(t, err)
	assert.Contains(t, text, "xlen = 32")
}
