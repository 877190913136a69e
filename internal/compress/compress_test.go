package compress

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-packer/internal/depotdl"
)

func TestThreadsForCores(t *testing.T) {
	cases := map[int]int{1: 1, 2: 1, 3: 2, 4: 2, 6: 4, 8: 4, 12: 8, 16: 8, 32: 12}
	for cores, want := range cases {
		assert.Equal(t, want, threadsForCores(cores), "cores=%d", cores)
	}
}

func TestPlanFor(t *testing.T) {
	plan := PlanFor(Resources{Cores: 16, TotalBytes: 64 * gb, AvailableBytes: 56 * gb})
	assert.Equal(t, Plan{Threads: 8, Dict: "256m"}, plan)

	plan = PlanFor(Resources{Cores: 16, TotalBytes: 8 * gb, AvailableBytes: 2 * gb})
	assert.LessOrEqual(t, plan.Threads, 2)
	assert.NotEmpty(t, plan.Dict)

	plan = PlanFor(Resources{Cores: 4})
	assert.Equal(t, Plan{Threads: 2, Dict: unknownMemoryDict}, plan)

	plan = PlanFor(Resources{Cores: 8, TotalBytes: gb, AvailableBytes: 100 * mb})
	assert.Equal(t, Plan{Threads: 1, Dict: "8m"}, plan)
}

func TestArgsAndRedaction(t *testing.T) {
	args := Args("/out/Game", "/out/Game.7z", "s3cret", Plan{Threads: 4, Dict: "64m"})
	assert.Equal(t, []string{"a", "-t7z", "-mx9", "-mmt4", "-md=64m", "-bsp1", "-ps3cret", "/out/Game.7z", "/out/Game"}, args)
	redacted := RedactArgs(args)
	assert.Contains(t, redacted, "-p********")
	assert.NotContains(t, redacted, "-ps3cret")

	args = Args("src", "dst.7z", "", Plan{Threads: 1, Dict: "8m"})
	assert.Equal(t, []string{"a", "-t7z", "-mx9", "-mmt1", "-md=8m", "-bsp1", "dst.7z", "src"}, args)
}

func TestExtractPercent(t *testing.T) {
	pct, ok := ExtractPercent(" 42% 12 + Game/file.bin")
	require.True(t, ok)
	assert.Equal(t, 42, pct)
	_, ok = ExtractPercent("no progress")
	assert.False(t, ok)
	_, ok = ExtractPercent("250%")
	assert.False(t, ok)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\nset -euo pipefail\n"+body), 0o755))
	return path
}

func TestRunRemovesSourceOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Game")
	require.NoError(t, os.MkdirAll(src, 0o755))
	bin := writeScript(t, dir, "7zz", `archive="${@: -2:1}"
printf '  5%%\r 50%%\r100%%\n'
echo "Everything is Ok"
echo data > "$archive"
`)
	var percents []int
	var lines []string
	err := Run(context.Background(), Options{
		Binary:     bin,
		Source:     src,
		Archive:    src + ".7z",
		Plan:       Plan{Threads: 1, Dict: "8m"},
		OnProgress: func(p int) { percents = append(percents, p) },
		OnLine:     func(_ depotdl.OutputStream, l string) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.FileExists(t, src+".7z")
	assert.NoDirExists(t, src)
	assert.Equal(t, []int{5, 50, 100}, percents)
	assert.Contains(t, lines, "Everything is Ok")
}

func TestRunRemovesPartialArchiveOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Game")
	require.NoError(t, os.MkdirAll(src, 0o755))
	bin := writeScript(t, dir, "7zz", `archive="${@: -2:1}"
echo partial > "$archive"
echo "boom" >&2
exit 2
`)
	err := Run(context.Background(), Options{Binary: bin, Source: src, Archive: src + ".7z", Plan: Plan{Threads: 1, Dict: "8m"}})
	require.ErrorContains(t, err, "code 2")
	assert.NoFileExists(t, src+".7z")
	assert.DirExists(t, src)
}

func TestResolveBinaryPrefers7zz(t *testing.T) {
	fakeBin := t.TempDir()
	writeScript(t, fakeBin, "7z", "exit 0\n")
	writeScript(t, fakeBin, "7zz", "exit 0\n")
	t.Setenv("PATH", fakeBin)

	path, err := ResolveBinary("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fakeBin, "7zz"), path)

	_, err = ResolveBinary(filepath.Join(fakeBin, "missing"))
	assert.Error(t, err)
}
