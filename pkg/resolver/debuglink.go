package resolver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vietanhduong/crashsym/pkg/syms/elf"
)

// DebugLinkReader returns the debug-link file name embedded in the ELF at
// path, or "" when it has none.
type DebugLinkReader interface {
	DebugLink(path string) (string, error)
}

// ElfDebugLink reads .gnu_debuglink directly from the section table.
type ElfDebugLink struct{}

func (ElfDebugLink) DebugLink(path string) (string, error) {
	mf, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer mf.Close()
	return mf.DebugLink()
}

const defaultReadelfTimeout = 30 * time.Second

// ReadelfDebugLink asks a (possibly cross) readelf for the section string
// dump. It is what the toolchain itself would report for the binary.
type ReadelfDebugLink struct {
	Bin     string
	Timeout time.Duration
}

func NewReadelfDebugLink(bin string) *ReadelfDebugLink {
	return &ReadelfDebugLink{Bin: bin, Timeout: defaultReadelfTimeout}
}

func (r *ReadelfDebugLink) DebugLink(path string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultReadelfTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.Bin, "--string-dump=.gnu_debuglink", path).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", r.Bin, err)
	}
	return parseStringDump(out), nil
}

// parseStringDump extracts the first string of a readelf string dump:
//
//	String dump of section '.gnu_debuglink':
//	  [     0]  libfoo.so.debug
func parseStringDump(out []byte) string {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "String dump of section") ||
			strings.HasPrefix(line, "Hex dump of section") {
			continue
		}
		if !strings.HasPrefix(line, "[") {
			continue
		}
		if _, rest, ok := strings.Cut(line, "]"); ok {
			if name := strings.TrimSpace(rest); name != "" {
				return name
			}
		}
	}
	return ""
}
