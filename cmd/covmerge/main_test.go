package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/merge"
	"github.com/dreamware/covgrid/internal/model"
)

const keyA = "p.C#a()V/method:0-0"

func writeCoverage(t *testing.T, dir, name string, count int64, tests ...string) string {
	t.Helper()
	root := model.NewBuilder(false).Class("p", "C", 10, 1).Method("a", "()V").Root()
	root.AddCount(0, count)
	root.Tests = tests
	path := filepath.Join(dir, name)
	require.NoError(t, codec.WriteFile(path, root))
	return path
}

func writeIncompatible(t *testing.T, dir string) string {
	t.Helper()
	root := model.NewBuilder(false).Class("p", "C", 99, 1).Method("z", "()V").Root()
	path := filepath.Join(dir, "other.xml")
	require.NoError(t, codec.WriteFile(path, root))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := newRootCmd(&out, &logs)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		arg  string
		want merge.Input
	}{
		{"a.xml", merge.Input{Path: "a.xml"}},
		{"a.xml#a.tests", merge.Input{Path: "a.xml", TestList: "a.tests"}},
		{"dir/a.xml.gz#", merge.Input{Path: "dir/a.xml.gz"}},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInput(tt.arg))
		})
	}
}

func TestMergeWritesOutputAndTestList(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 2, "t1")
	b := writeCoverage(t, dir, "b.xml.gz", 3, "t2")
	out := filepath.Join(dir, "all.xml")
	tests := filepath.Join(dir, "all.tests")

	stdout, err := execute(t, "--output", out, "--test-list-output", tests, a, b)
	require.NoError(t, err)
	assert.Contains(t, stdout, "merged 2 file(s)")

	root, err := codec.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, int64(5), root.Counters()[keyA])

	names, err := codec.ReadTestListFile(tests)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, names)
}

func TestMergeWithTestListSuffix(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 1)
	b := writeCoverage(t, dir, "b.xml", 1)
	list := filepath.Join(dir, "b.tests")
	require.NoError(t, codec.WriteTestListFile(list, []string{"named"}))
	out := filepath.Join(dir, "all.xml")

	_, err := execute(t, "--output", out, a, b+"#"+list)
	require.NoError(t, err)

	root, err := codec.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, root.Tests, "named")
}

func TestMergeInputsFrom(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 1, "t1")
	b := writeCoverage(t, dir, "b.xml", 1, "t2")
	list := filepath.Join(dir, "inputs.txt")
	require.NoError(t, os.WriteFile(list, []byte("# nightly\n"+a+"\n\n"+b+"\n"), 0o644))
	out := filepath.Join(dir, "all.xml")

	_, err := execute(t, "--output", out, "--inputs-from", list)
	require.NoError(t, err)
	root, err := codec.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, int64(2), root.Counters()[keyA])
}

func TestMergeNeedsInputs(t *testing.T) {
	_, err := execute(t)
	assert.Error(t, err)
}

func TestMergeTooFewFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 1)
	_, err := execute(t, "--output", filepath.Join(dir, "all.xml"), a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, merge.ErrTooFewFiles))
}

func TestMergeSkipPrintsSkipped(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 1, "t1")
	b := writeCoverage(t, dir, "b.xml", 1, "t2")
	bad := writeIncompatible(t, dir)
	skipped := filepath.Join(dir, "skipped.txt")

	stdout, err := execute(t, "--output", filepath.Join(dir, "all.xml"),
		"--break-on-error", "skip", "--skipped-output", skipped, a, bad, b)
	require.NoError(t, err)
	assert.Contains(t, stdout, "skipped 1 file(s)")
	assert.Contains(t, stdout, bad)

	names, err := codec.ReadTestListFile(skipped)
	require.NoError(t, err)
	assert.Equal(t, []string{bad}, names)
}

func TestMergeFailsOnIncompatible(t *testing.T) {
	dir := t.TempDir()
	a := writeCoverage(t, dir, "a.xml", 1)
	bad := writeIncompatible(t, dir)
	out := filepath.Join(dir, "all.xml")

	_, err := execute(t, "--output", out, a, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, merge.ErrBatchFailed))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "nothing written on failure")
}

func TestTestModeExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		looseness string
		broken    bool
		want      error
	}{
		{"clean", "0", false, nil},
		{"warnings only", "3", true, exitCode(1)},
		{"errors", "0", true, exitCode(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			inputs := []string{writeCoverage(t, dir, "a.xml", 1), writeCoverage(t, dir, "b.xml", 1)}
			if tt.broken {
				inputs = append(inputs, writeIncompatible(t, dir))
			}
			out := filepath.Join(dir, "all.xml")
			args := append([]string{"--output", out, "--break-on-error", "test", "--looseness", tt.looseness}, inputs...)

			stdout, err := execute(t, args...)
			assert.Equal(t, tt.want, err)
			assert.Contains(t, stdout, "checked")
			_, statErr := os.Stat(out)
			assert.True(t, os.IsNotExist(statErr), "test mode never writes")
		})
	}
}
