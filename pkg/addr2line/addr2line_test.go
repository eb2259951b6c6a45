package addr2line

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietanhduong/crashsym/pkg/syms"
	"github.com/vietanhduong/crashsym/pkg/syms/elf/elftest"
)

var unknown = []syms.InlineEntry{{Func: "??", File: "??", Line: 0}}

func TestParse(t *testing.T) {
	out := strings.Join([]string{
		"0x0000000000000010",
		"foo",
		"/src/foo.c:10",
		"0xffffffffffffffff",
		"??",
		"??:0",
		"0x0000000000000020",
		"inner",
		"/src/a.h:3 (discriminator 2)",
		"middle",
		"/src/b.h:?",
		"outer",
		"/src/a.c:7",
		"0xffffffffffffffff",
		"??",
		"??:0",
		"0x30",
		"??",
		"??:0",
		"",
		"0xffffffffffffffff",
		"??",
		"??:0",
		"",
	}, "\n")
	offsets := []uint64{0x10, 0x20, 0x30}
	chains := make([][]syms.InlineEntry, len(offsets))
	done, err := parse(strings.NewReader(out), offsets, chains, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, 3, done)

	want := [][]syms.InlineEntry{
		{{Func: "foo", File: "/src/foo.c", Line: 10}},
		{
			{Func: "inner", File: "/src/a.h", Line: 3},
			{Func: "middle", File: "/src/b.h", Line: 0},
			{Func: "outer", File: "/src/a.c", Line: 7},
		},
		unknown,
	}
	if diff := cmp.Diff(want, chains); diff != "" {
		t.Errorf("parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIncomplete(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		wantDone int
		wantErr  bool
	}{
		{
			name:     "truncated after echo",
			out:      "0x10\nfoo\n/src/foo.c:10\n",
			wantDone: 0,
		},
		{
			name:     "truncated inside second group",
			out:      "0x10\nfoo\n/src/foo.c:10\n0xffffffffffffffff\n??\n??:0\n0x20\nbar\n",
			wantDone: 1,
		},
		{
			name:     "wrong echo",
			out:      "0x11\nfoo\n/src/foo.c:10\n",
			wantDone: 0,
			wantErr:  true,
		},
		{
			name:     "missing sentinel",
			out:      "0x10\nfoo\n/src/foo.c:10\n0x20\n",
			wantDone: 0,
			wantErr:  true,
		},
		{
			name:     "garbage first",
			out:      "addr2line: warning\n",
			wantDone: 0,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chains := make([][]syms.InlineEntry, 2)
			done, err := parse(strings.NewReader(tt.out), []uint64{0x10, 0x20}, chains, math.MaxUint64)
			assert.Equal(t, tt.wantDone, done)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Nil(t, chains[1])
		})
	}
}

func TestParseTruncatedEchoes(t *testing.T) {
	// GNU addr2line on an ELF32 target.
	out := strings.Join([]string{
		"0x00000010",
		"foo",
		"/src/foo.c:10",
		"0xffffffff",
		"??",
		"??:0",
		"0x00000020",
		"0xffffffff",
		"??",
		"??:0",
	}, "\n")
	offsets := []uint64{0x10, 0x20}

	chains := make([][]syms.InlineEntry, len(offsets))
	done, err := parse(strings.NewReader(out), offsets, chains, math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, []syms.InlineEntry{{Func: "foo", File: "/src/foo.c", Line: 10}}, chains[0])
	// A framed group without lines is empty, not missing.
	assert.NotNil(t, chains[1])
	assert.Empty(t, chains[1])

	chains = make([][]syms.InlineEntry, len(offsets))
	done, err = parse(strings.NewReader(out), offsets, chains, math.MaxUint64)
	assert.Error(t, err)
	assert.Equal(t, 0, done)
}

func TestAddrMask(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, uint64(math.MaxUint64), addrMask(filepath.Join(dir, "missing")))
	lib := elftest.Write(t, filepath.Join(dir, "lib64.so"), elftest.Spec{})
	assert.Equal(t, uint64(math.MaxUint64), addrMask(lib))
	lib32 := elftest.Write(t, filepath.Join(dir, "lib32.so"), elftest.Spec{Class32: true})
	assert.Equal(t, uint64(math.MaxUint32), addrMask(lib32))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in       string
		wantFile string
		wantLine int
	}{
		{"/src/foo.c:10", "/src/foo.c", 10},
		{"/src/foo.c:10 (discriminator 4)", "/src/foo.c", 10},
		{"??:0", "??", 0},
		{"??:?", "??", 0},
		{"C:/src/foo.c:12", "C:/src/foo.c", 12},
		{"nocolon", "nocolon", 0},
	}
	for _, tt := range tests {
		file, line := parseLocation(tt.in)
		assert.Equal(t, tt.wantFile, file, tt.in)
		assert.Equal(t, tt.wantLine, line, tt.in)
	}
}

func TestDefaultTool(t *testing.T) {
	assert.Equal(t, "llvm-addr2line", DefaultTool(syms.ModePlain, "", ""))
	assert.Equal(t, "aarch64-linux-gnu-addr2line", DefaultTool(syms.ModePrecise, "aarch64-linux-gnu-", ""))
	assert.Equal(t, "/opt/bin/addr2line", DefaultTool(syms.ModePlain, "", "/opt/bin/addr2line"))
}

func TestToolArgs(t *testing.T) {
	assert.Equal(t, []string{"-a", "-f", "-i", "-e", "/x.so"}, NewTool("addr2line", false, 0).Args("/x.so"))
	assert.Equal(t, []string{"-a", "-f", "-i", "-C", "-e", "/x.so"}, NewTool("addr2line", true, 0).Args("/x.so"))
}

// fakeTool mimics addr2line -a -f -i for a handful of offsets.
const fakeTool = `#!/bin/sh
while read addr; do
  case "$addr" in
    0x10) printf '0x0000000000000010\nfoo\n/src/foo.c:10\n' ;;
    0x20) printf '0x0000000000000020\ninner\n/src/a.h:3 (discriminator 2)\nouter\n/src/a.c:7\n' ;;
    *) printf '%s\n??\n??:0\n' "$addr" ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "addr2line")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestToolSymbolize(t *testing.T) {
	tool := NewTool(writeScript(t, fakeTool), false, 10*time.Second)
	chains, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", []uint64{0x10, 0x20, 0x30, Sentinel})
	require.NoError(t, err)
	want := [][]syms.InlineEntry{
		{{Func: "foo", File: "/src/foo.c", Line: 10}},
		{{Func: "inner", File: "/src/a.h", Line: 3}, {Func: "outer", File: "/src/a.c", Line: 7}},
		unknown,
		unknown,
	}
	if diff := cmp.Diff(want, chains); diff != "" {
		t.Errorf("Symbolize() mismatch (-want +got):\n%s", diff)
	}
}

func TestToolSymbolizeManyOffsets(t *testing.T) {
	tool := NewTool(writeScript(t, fakeTool), false, 30*time.Second)
	offsets := make([]uint64, 5000)
	for i := range offsets {
		offsets[i] = uint64(0x1000 + i)
	}
	chains, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", offsets)
	require.NoError(t, err)
	require.Len(t, chains, len(offsets))
	for _, c := range chains {
		assert.Equal(t, unknown, c)
	}
}

func TestToolCrash(t *testing.T) {
	script := `#!/bin/sh
read a
printf '0x0000000000000010\nfoo\n/src/foo.c:10\n'
read s
printf '0xffffffffffffffff\n??\n??:0\n'
echo "boom" >&2
exit 3
`
	tool := NewTool(writeScript(t, script), false, 10*time.Second)
	chains, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", []uint64{0x10, 0x20})
	var terr *Error
	require.True(t, errors.As(err, &terr), "%v", err)
	assert.Equal(t, Crashed, terr.Kind)
	assert.Equal(t, 1, terr.Done)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []syms.InlineEntry{{Func: "foo", File: "/src/foo.c", Line: 10}}, chains[0])
	assert.Nil(t, chains[1])
}

func TestToolTimeout(t *testing.T) {
	tool := NewTool(writeScript(t, "#!/bin/sh\nexec sleep 30\n"), false, 200*time.Millisecond)
	start := time.Now()
	chains, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", []uint64{0x10})
	var terr *Error
	require.True(t, errors.As(err, &terr), "%v", err)
	assert.Equal(t, TimedOut, terr.Kind)
	assert.Nil(t, chains[0])
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestToolFraming(t *testing.T) {
	script := "#!/bin/sh\nwhile read a; do printf '0x99\\n??\\n??:0\\n'; done\n"
	tool := NewTool(writeScript(t, script), false, 10*time.Second)
	_, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", []uint64{0x10})
	var terr *Error
	require.True(t, errors.As(err, &terr), "%v", err)
	assert.Equal(t, Framing, terr.Kind)
}

func TestToolStartFailure(t *testing.T) {
	tool := NewTool(filepath.Join(t.TempDir(), "missing-addr2line"), false, time.Second)
	chains, err := tool.Symbolize(context.Background(), "/lib/libfoo.so", []uint64{0x10})
	var terr *Error
	require.True(t, errors.As(err, &terr), "%v", err)
	assert.Equal(t, StartFailed, terr.Kind)
	assert.Len(t, chains, 1)
}
