// Package addr2line drives an external addr2line-compatible tool. One process
// serves one target file; offsets are streamed on stdin and the variable-length
// inline groups printed for each are framed by interleaving an unresolvable
// sentinel address.
package addr2line

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/vietanhduong/crashsym/pkg/syms"
	symelf "github.com/vietanhduong/crashsym/pkg/syms/elf"
)

// Sentinel is written after every real offset; no mapped code lives there.
const Sentinel uint64 = 0xffffffffffffffff

const maxLineSize = 1 << 20

// Symbolizer resolves offsets within one target file. The returned slice has
// one chain per offset, innermost frame first. When the batch fails midway
// the chains framed before the failure are returned together with an *Error;
// the others are nil.
type Symbolizer interface {
	Symbolize(ctx context.Context, target string, offsets []uint64) ([][]syms.InlineEntry, error)
}

type ErrorKind string

const (
	StartFailed ErrorKind = "START_FAILED"
	Crashed     ErrorKind = "CRASHED"
	TimedOut    ErrorKind = "TIMED_OUT"
	Framing     ErrorKind = "FRAMING"
)

type Error struct {
	Kind ErrorKind
	// Done is the number of offsets framed before the failure.
	Done int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d offsets: %v", strings.ToLower(string(e.Kind)), e.Done, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultTool picks the resolver binary: an explicit name wins, otherwise
// plain mode uses llvm-addr2line and precise mode the (cross) GNU addr2line.
func DefaultTool(mode syms.Mode, crossPrefix, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if mode == syms.ModePrecise {
		return crossPrefix + "addr2line"
	}
	return "llvm-addr2line"
}

type Tool struct {
	Bin      string
	Demangle bool
	// Timeout bounds one process from start to exit. Zero means no limit.
	Timeout time.Duration
}

func NewTool(bin string, demangle bool, timeout time.Duration) *Tool {
	return &Tool{Bin: bin, Demangle: demangle, Timeout: timeout}
}

func (t *Tool) Args(target string) []string {
	args := []string{"-a", "-f", "-i"}
	if t.Demangle {
		args = append(args, "-C")
	}
	return append(args, "-e", target)
}

func (t *Tool) Symbolize(ctx context.Context, target string, offsets []uint64) ([][]syms.InlineEntry, error) {
	ret := make([][]syms.InlineEntry, len(offsets))

	// The sentinel itself cannot be framed; it is never a real code address.
	var send []uint64
	var index []int
	for i, off := range offsets {
		if off == Sentinel {
			ret[i] = []syms.InlineEntry{{Func: syms.UnknownName, File: syms.UnknownName}}
			continue
		}
		send = append(send, off)
		index = append(index, i)
	}
	if len(send) == 0 {
		return ret, nil
	}

	chains, err := t.run(ctx, target, send)
	for i, c := range chains {
		ret[index[i]] = c
	}
	return ret, err
}

func (t *Tool) run(ctx context.Context, target string, offsets []uint64) ([][]syms.InlineEntry, error) {
	chains := make([][]syms.InlineEntry, len(offsets))
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := command(t.Bin, t.Args(target)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return chains, &Error{Kind: StartFailed, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return chains, &Error{Kind: StartFailed, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return chains, &Error{Kind: StartFailed, Err: fmt.Errorf("start %s: %w", t.Bin, err)}
	}
	glog.V(2).Infof("Started %s (pid %d) for %s with %d offsets", t.Bin, cmd.Process.Pid, target, len(offsets))

	// Kill the process and unblock the reader once the deadline passes.
	stop := context.AfterFunc(ctx, func() {
		cmd.Process.Kill()
		stdout.Close()
	})
	defer stop()

	go func() {
		defer stdin.Close()
		w := bufio.NewWriter(stdin)
		for _, off := range offsets {
			if _, err := fmt.Fprintf(w, "0x%x\n0x%x\n", off, Sentinel); err != nil {
				return
			}
		}
		w.Flush()
	}()

	done, perr := parse(stdout, offsets, chains, addrMask(target))
	if perr != nil {
		cancel()
	}
	werr := cmd.Wait()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && done < len(offsets):
		return chains, &Error{Kind: TimedOut, Done: done, Err: fmt.Errorf("%s on %s: %w", t.Bin, target, ctx.Err())}
	case perr != nil:
		return chains, &Error{Kind: Framing, Done: done, Err: perr}
	case done < len(offsets):
		if werr == nil {
			werr = io.ErrUnexpectedEOF
		}
		return chains, &Error{Kind: Crashed, Done: done, Err: fmt.Errorf("%s on %s: %w: %s", t.Bin, target, werr, stderr.String())}
	case werr != nil:
		glog.Warningf("%s on %s exited with %v after answering every offset", t.Bin, target, werr)
	}
	return chains, nil
}

type parseState int

const (
	wantAddr parseState = iota
	inGroup
	inSentinel
)

// addrMask is the width the tool echoes addresses in. GNU addr2line truncates
// echoes to the address size of the target, so the sentinel of an ELF32 file
// comes back as 0xffffffff.
func addrMask(target string) uint64 {
	mf, err := symelf.Open(target)
	if err != nil {
		return math.MaxUint64
	}
	defer mf.Close()
	if mf.Class == elf.ELFCLASS32 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// parse frames the tool output into chains and returns how many offsets got a
// complete group. A group is opened by the echo of its offset and closed by the
// echo of the sentinel that follows it. Echoes are compared under mask. A
// framed group without any line gets an empty, non-nil chain.
func parse(r io.Reader, offsets []uint64, chains [][]syms.InlineEntry, mask uint64) (int, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		done  int
		state = wantAddr
		cur   []syms.InlineEntry
		fn    string
		inFn  bool
	)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if line == "" && !inFn {
			continue
		}
		if inFn {
			file, lineno := parseLocation(line)
			if state == inGroup {
				cur = append(cur, syms.InlineEntry{Func: fn, File: file, Line: lineno})
			}
			inFn = false
			continue
		}

		if addr, ok := parseAddress(line); ok {
			switch state {
			case inGroup:
				if addr != Sentinel && addr != Sentinel&mask {
					return done, fmt.Errorf("offset 0x%x: got address 0x%x, want sentinel", offsets[done], addr)
				}
				if cur == nil {
					cur = []syms.InlineEntry{}
				}
				chains[done] = cur
				cur = nil
				done++
				state = inSentinel
			default:
				if done >= len(offsets) {
					return done, fmt.Errorf("unexpected address 0x%x after last offset", addr)
				}
				if addr&mask != offsets[done]&mask {
					return done, fmt.Errorf("got address 0x%x, want 0x%x", addr, offsets[done])
				}
				state = inGroup
			}
			continue
		}

		if state == wantAddr {
			return done, fmt.Errorf("unexpected line %q before first address", line)
		}
		fn, inFn = line, true
	}
	if err := s.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return done, fmt.Errorf("read output: %w", err)
	}
	return done, nil
}

func parseAddress(line string) (uint64, bool) {
	if !strings.HasPrefix(line, "0x") && !strings.HasPrefix(line, "0X") {
		return 0, false
	}
	v, err := strconv.ParseUint(line[2:], 16, 64)
	return v, err == nil
}

// parseLocation splits "file:line", dropping a trailing "(discriminator N)".
func parseLocation(loc string) (string, int) {
	if i := strings.Index(loc, " (discriminator "); i >= 0 {
		loc = loc[:i]
	}
	loc = strings.TrimSpace(loc)
	i := strings.LastIndexByte(loc, ':')
	if i < 0 {
		return loc, 0
	}
	file, ln := loc[:i], loc[i+1:]
	if file == "" {
		file = syms.UnknownName
	}
	n, err := strconv.Atoi(ln)
	if err != nil {
		return file, 0
	}
	return file, n
}

type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return strings.TrimSpace(b.buf.String()) }

var _ Symbolizer = (*Tool)(nil)

func command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}
