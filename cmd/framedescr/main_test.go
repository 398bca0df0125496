package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/framedescr/internal/frames/registry"
)

// runCLI runs one invocation and returns exit code, stdout and stderr.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func genFile(t *testing.T, dir, name string, args ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	code, _, stderr := runCLI(t, append([]string{"gen", "-o", path}, args...)...)
	require.Equal(t, 0, code, "gen failed: %s", stderr)
	return path
}

func Test_Run_Returns_Error_When_Command_Unknown(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "USAGE:")
}

func Test_Run_Prints_Version(t *testing.T) {
	t.Parallel()

	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "framedescr version 0.1.0 (batch format v1.0.0)\n", stdout)
}

func Test_Gen_Requires_Output(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCLI(t, "gen", "-n", "4")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--output is required")
}

func Test_Gen_Rejects_Bad_Base(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCLI(t, "gen", "-o", filepath.Join(t.TempDir(), "x.fdb"), "--base", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `invalid address "nope"`)
}

func Test_Inspect_Prints_Index_Layout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := genFile(t, dir, "a.fdb", "-n", "64")
	b := genFile(t, dir, "b.fdb", "-n", "10", "--base", "0x900000", "--allocs", "--debug")

	code, stdout, stderr := runCLI(t, "inspect", a, b)
	require.Equal(t, 0, code, stderr)

	assert.Contains(t, stdout, a+": format v1.0.0, 64 descriptors")
	assert.Contains(t, stdout, b+": format v1.0.0, 10 descriptors")
	assert.Contains(t, stdout, "index: capacity 256, descriptors 74, batches 2")
	assert.Contains(t, stdout, "invariants: ok")
}

func Test_Inspect_Reports_Damaged_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.fdb")
	require.NoError(t, os.WriteFile(path, []byte("this is not a batch file at all"), 0o600))

	code, _, stderr := runCLI(t, "inspect", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "error: "+path+": offset 0: magic")
}

func Test_Lookup_Finds_Descriptors(t *testing.T) {
	t.Parallel()

	path := genFile(t, t.TempDir(), "a.fdb", "-n", "4", "--base", "0x401000", "--c-every", "3")

	code, stdout, stderr := runCLI(t, "lookup", path,
		"--pc", "0x401010", "--pc", "0x401020", "--pc", "0x7")
	require.Equal(t, 0, code, stderr)

	assert.Equal(t, strings.Join([]string{
		"0x401010: frame 32 bytes, live [0 8]",
		"0x401020: return to C",
		"0x7: not found",
	}, "\n")+"\n", stdout)
}

func Test_Lookup_Shows_Allocs_And_Debug(t *testing.T) {
	t.Parallel()

	path := genFile(t, t.TempDir(), "a.fdb", "-n", "1", "--base", "0x1000", "--live", "1", "--allocs", "--debug")

	code, stdout, stderr := runCLI(t, "lookup", path, "--pc", "0x1000")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "0x1000: frame 16 bytes, live [0], allocs [1 2] (3 words), debug [0x0 0x1]\n", stdout)
}

func Test_Lookup_Requires_Pc(t *testing.T) {
	t.Parallel()

	path := genFile(t, t.TempDir(), "a.fdb", "-n", "1")

	code, _, stderr := runCLI(t, "lookup", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: framedescr lookup")
}

func Test_Stress_Completes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	code, stdout, stderr := runCLI(t, "stress",
		"--readers", "3", "--cycles", "40", "--records", "32", "--dir", dir, "--metrics")
	require.Equal(t, 0, code, stderr)

	assert.Contains(t, stdout, "stress: 3 readers, 40 cycles")
	assert.Contains(t, stdout, "result: ok")
	assert.Contains(t, stdout, "framedescr_operations_total{op=\"rebuild\"}")

	left, err := filepath.Glob(filepath.Join(dir, "churn-*.fdb"))
	require.NoError(t, err)
	assert.Empty(t, left, "unloaded batch files must be removed")
}

func Test_Stress_Reads_Config(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stress.jsonc")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		// small run
		"readers": 2,
		"cycles": 10,
		"records": 16,
		"max_churn": 40,
		"dir": "`+filepath.ToSlash(dir)+`",
	}`), 0o600))

	code, stdout, stderr := runCLI(t, "stress", "--config", cfgPath, "--cycles", "12")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "stress: 2 readers, 12 cycles")
}

func Test_Stress_Rejects_Invalid_Config(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "UnknownField", content: `{"reader": 2}`, wantErr: "unknown field"},
		{name: "BadJSONC", content: `{"readers": }`, wantErr: "invalid JSONC"},
		{name: "ZeroReaders", content: `{"readers": 0}`, wantErr: "readers must be at least 1"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, testCase.name+".jsonc")
			require.NoError(t, os.WriteFile(path, []byte(testCase.content), 0o600))

			code, _, stderr := runCLI(t, "stress", "--config", path)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, "invalid config")
			assert.Contains(t, stderr, testCase.wantErr)
		})
	}
}

func Test_Shell_Commands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := genFile(t, dir, "a.fdb", "-n", "3", "--base", "0x1000")
	b := genFile(t, dir, "b.fdb", "-n", "12", "--base", "0x2000")

	var out bytes.Buffer
	sh, err := newShell(&out, registry.Options{})
	require.NoError(t, err)
	defer sh.close()

	step := func(line string) string {
		out.Reset()
		quit := sh.exec(line)
		require.False(t, quit, "%q ended the session", line)
		return out.String()
	}

	assert.Equal(t, "loaded "+a+" (3 descriptors)\n", step("load "+a))
	assert.Contains(t, step("load "+a), "already loaded")
	assert.Equal(t, "0x1010: frame 32 bytes, live [0 8]\n", step("find 0x1010"))

	assert.Contains(t, step("load "+b), "12 descriptors")
	assert.Contains(t, step("stats"), "index: capacity 32, descriptors 15, batches 2")
	assert.Equal(t, "invariants: ok\n", step("check"))
	assert.Equal(t, a+"\t3 descriptors\tformat v1.0.0\n"+b+"\t12 descriptors\tformat v1.0.0\n", step("files"))

	assert.Equal(t, "unloaded "+a+"\n", step("unload "+a))
	assert.Equal(t, "0x1010: not found\n", step("find 0x1010"))
	assert.Contains(t, step("unload "+a), "not loaded")
	assert.Contains(t, step("find zzz"), `invalid address "zzz"`)
	assert.Contains(t, step("frob"), "unknown command: frob")
	assert.Contains(t, step("help"), "load FILE...")

	assert.True(t, sh.exec("quit"))
}

func Test_Shell_Completer(t *testing.T) {
	t.Parallel()

	sh, err := newShell(&bytes.Buffer{}, registry.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"find", "files"}, sh.completer("f"))
	assert.Empty(t, sh.completer("x"))
}

func Test_Watch_Requires_Directory(t *testing.T) {
	t.Parallel()

	code, _, stderr := runCLI(t, "watch")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: framedescr watch")
}

func Test_Watch_Loads_Directory_For_Duration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	genFile(t, dir, "a.fdb", "-n", "3", "--base", "0x1000")
	genFile(t, dir, "b.fdb", "-n", "12", "--base", "0x2000")
	genFile(t, dir, "ignored.bin", "-n", "5", "--base", "0x3000")

	code, stdout, stderr := runCLI(t, "watch", "--duration", "200ms", dir)
	require.Equal(t, 0, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "2 files loaded")
	assert.Contains(t, stdout, "index: capacity 32, descriptors 15, batches 2")
	assert.Contains(t, stderr, "batch loaded")
	assert.Contains(t, stderr, `"file": "a.fdb"`)
}
