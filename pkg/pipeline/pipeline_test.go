package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietanhduong/crashsym/pkg/config"
	"github.com/vietanhduong/crashsym/pkg/sched"
	"github.com/vietanhduong/crashsym/pkg/syms"
	"github.com/vietanhduong/crashsym/pkg/syms/elf/elftest"
)

const bid = "aa0d6e4f6c3dd8bd7d1d5f0b2e3a4c5d6e7f8091"

// fakeTool answers like addr2line -a -f -i and records each launch in log.
const fakeTool = `#!/bin/sh
echo "$@" >> %q
while read addr; do
  case "$addr" in
    0x10) printf '0x0000000000000010\nfoo\n/src/foo.c:10\n' ;;
    0x20) printf '0x0000000000000020\nbar\n/src/bar.c:20\n' ;;
    0x30) printf '0x0000000000000030\nleaf\n/src/a.h:1\nmid\n/src/a.h:2 (discriminator 1)\nouter\n/src/a.c:3\n' ;;
    *) printf '%%s\n??\n??:0\n' "$addr" ;;
  esac
done
`

type env struct {
	root   string
	tool   string
	launch string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	e := &env{
		root:   filepath.Join(dir, "rootfs"),
		tool:   filepath.Join(dir, "addr2line"),
		launch: filepath.Join(dir, "launches"),
	}
	require.NoError(t, os.WriteFile(e.tool, []byte(fmt.Sprintf(fakeTool, e.launch)), 0o755))
	elftest.Write(t, filepath.Join(e.root, "usr/lib/libfoo.so"), elftest.Spec{BuildID: bid, Debug: true})
	return e
}

func (e *env) config(mutate ...func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Rootfs = e.root
	cfg.Addr2line = e.tool
	cfg.SymbolWorkers = sched.Fixed(2)
	cfg.RewriteWorkers = sched.Fixed(2)
	for _, fn := range mutate {
		fn(cfg)
	}
	return cfg
}

func (e *env) launches(t *testing.T) []string {
	data, err := os.ReadFile(e.launch)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func frame(idx int, elf string, off uint64) syms.Frame {
	return syms.Frame{OrigFrameIdx: idx, Addr: 0x7f0000000000 + off, OrigElf: elf, Offset: off, BuildID: bid}
}

func testStacks() []syms.Stack {
	return []syms.Stack{
		{
			SourceFile: "crash.log",
			StackID:    0,
			Frames: []syms.Frame{
				frame(0, "/usr/lib/libfoo.so", 0x30),
				frame(1, "/usr/lib/libfoo.so", 0x10),
				frame(2, "/usr/lib/libfoo.so", 0x20),
			},
		},
		{
			SourceFile: "crash.log",
			StackID:    1,
			Frames: []syms.Frame{
				frame(0, "/usr/lib/libfoo.so", 0x10),
				{OrigFrameIdx: 1, OrigElf: "/usr/lib/libmissing.so", Offset: 0x10, BuildID: "abc", FuncHint: "missing_fn"},
				frame(2, "/usr/lib/libfoo.so", 0x40),
			},
		},
	}
}

func run(t *testing.T, cfg *config.Config, stacks []syms.Stack) *Result {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	res := p.Run(context.Background(), stacks)
	require.NoError(t, p.Close())
	return res
}

func TestRun(t *testing.T) {
	e := newEnv(t)
	res := run(t, e.config(), testStacks())

	// One process for libfoo.so; libmissing.so is never handed to the tool.
	launches := e.launches(t)
	require.Len(t, launches, 1)
	assert.Contains(t, launches[0], filepath.Join(e.root, "usr/lib/libfoo.so"))

	assert.Equal(t, 4, res.Symbols.Len())
	require.Len(t, res.Failures, 2)
	assert.Equal(t, syms.ReasonNotFound, res.Failures[0].Reason)
	assert.Equal(t, "/usr/lib/libmissing.so", res.Failures[0].OrigElf)
	assert.Equal(t, syms.ReasonNoSymbol, res.Failures[1].Reason)
	assert.Equal(t, uint64(0x40), res.Failures[1].Offset)

	require.Len(t, res.Stacks, 2)
	var funcs []string
	for i, f := range res.Stacks[0].Frames {
		assert.Equal(t, i, f.NewIdx)
		funcs = append(funcs, f.Func)
	}
	assert.Equal(t, []string{"leaf", "mid", "outer", "foo", "bar"}, funcs)
	assert.Equal(t, 2, res.Stacks[0].Frames[1].Line)

	second := res.Stacks[1].Frames
	require.Len(t, second, 3)
	assert.Equal(t, syms.RebuiltFrame{NewIdx: 1, Addr: 0, Func: "missing_fn", File: "??"}, second[1])
	assert.Equal(t, "??", second[2].Func)

	require.Len(t, res.Elfs, 2)
	missing := res.Elfs[1]
	assert.Equal(t, "/usr/lib/libmissing.so", missing.OrigElf)
	assert.Equal(t, syms.NOT_FOUND, missing.ElfStatus)
	assert.Equal(t, syms.FallbackLabel, res.Fallback)
	assert.False(t, res.Aborted)
}

func TestRunPreciseNotFound(t *testing.T) {
	e := newEnv(t)
	cfg := e.config(func(c *config.Config) { c.Mode = syms.ModePrecise })
	stacks := []syms.Stack{{
		SourceFile: "asan.log",
		Frames:     []syms.Frame{{OrigFrameIdx: 0, OrigElf: "/usr/lib/libbar.so", Offset: 0x10, BuildID: "abc"}},
	}}
	res := run(t, cfg, stacks)

	assert.Empty(t, e.launches(t))
	require.Len(t, res.Elfs, 1)
	assert.Equal(t, syms.NOT_FOUND, res.Elfs[0].ElfStatus)
	assert.Equal(t, syms.NOT_FOUND, res.Elfs[0].DebugStatus)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, syms.ReasonNotFound, res.Failures[0].Reason)
}

func TestRunDropPolicy(t *testing.T) {
	e := newEnv(t)
	res := run(t, e.config(func(c *config.Config) { c.Fallback = syms.FallbackDrop }), testStacks())
	require.Len(t, res.Stacks[1].Frames, 1)
	assert.Equal(t, "foo", res.Stacks[1].Frames[0].Func)
	assert.Len(t, res.Failures, 2)
}

func TestRunCacheRoundTrip(t *testing.T) {
	e := newEnv(t)
	db := filepath.Join(t.TempDir(), "symbols.db")
	cfg := e.config(func(c *config.Config) { c.CacheDB = db })

	first := run(t, cfg, testStacks())
	require.Len(t, e.launches(t), 1)

	// The only offset left to ask about is the unresolvable 0x40.
	stacks := testStacks()
	stacks[1].Frames = stacks[1].Frames[:1]
	second := run(t, cfg, stacks)
	assert.Len(t, e.launches(t), 1)
	assert.Empty(t, second.Failures)
	assert.Equal(t, first.Stacks[0], second.Stacks[0])
}

func TestRunIdempotent(t *testing.T) {
	e := newEnv(t)
	db := filepath.Join(t.TempDir(), "symbols.db")
	cfg := e.config(func(c *config.Config) { c.CacheDB = db })
	run(t, cfg, testStacks())

	a, err := json.Marshal(run(t, cfg, testStacks()).Stacks)
	require.NoError(t, err)
	b, err := json.Marshal(run(t, cfg, testStacks()).Stacks)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRunSequentialEqualsConcurrent(t *testing.T) {
	e := newEnv(t)
	elftest.Write(t, filepath.Join(e.root, "usr/lib/libbar.so"), elftest.Spec{Debug: true})
	stacks := testStacks()
	stacks[0].Frames = append(stacks[0].Frames, syms.Frame{OrigFrameIdx: 3, OrigElf: "/usr/lib/libbar.so", Offset: 0x20})

	seq := run(t, e.config(func(c *config.Config) { c.SymbolWorkers = sched.Fixed(1) }), stacks)
	con := run(t, e.config(func(c *config.Config) { c.SymbolWorkers = sched.Fixed(8) }), stacks)
	assert.Equal(t, seq.Stacks, con.Stacks)
	assert.Equal(t, seq.Failures, con.Failures)
}

func TestRunAborted(t *testing.T) {
	e := newEnv(t)
	p, err := New(e.config())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Run(ctx, testStacks())
	assert.True(t, res.Aborted)
	assert.Empty(t, e.launches(t))
	assert.Zero(t, res.Symbols.Len())
	// Rebuilt output still covers every frame.
	require.Len(t, res.Stacks, 2)
	assert.Len(t, res.Stacks[0].Frames, 3)
}

func TestNewRejectsMissingTool(t *testing.T) {
	cfg := config.Default()
	cfg.Addr2line = filepath.Join(t.TempDir(), "no-addr2line")
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Mode = "fancy"
	_, err = New(cfg)
	assert.Error(t, err)
}
