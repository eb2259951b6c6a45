// Package report writes the failure and ELF map reports of a run. Files are
// replaced atomically so a reader never sees a partial report.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/vietanhduong/crashsym/pkg/syms"
)

var (
	failureColumns = []string{"source_file", "stack_id", "orig_frame_idx", "orig_elf", "offset", "build_id", "target_elf", "reason"}
	elfMapColumns  = []string{"orig_elf", "target_elf", "elf_status", "debug_status", "build_id", "note"}
)

func FormatFailures(w io.Writer, policy syms.FallbackPolicy, failures []syms.Failure) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# fallback=%s\n", policy)
	writeRow(bw, failureColumns...)
	for _, f := range failures {
		writeRow(bw,
			f.SourceFile,
			strconv.Itoa(f.StackID),
			strconv.Itoa(f.OrigFrameIdx),
			f.OrigElf,
			fmt.Sprintf("0x%x", f.Offset),
			f.BuildID,
			f.TargetElf,
			string(f.Reason),
		)
	}
	return bw.Flush()
}

func FormatElfMap(w io.Writer, elfs []syms.ResolvedElf) error {
	bw := bufio.NewWriter(w)
	writeRow(bw, elfMapColumns...)
	for _, e := range elfs {
		writeRow(bw, e.OrigElf, e.TargetElf, string(e.ElfStatus), string(e.DebugStatus), e.BuildID, e.Note)
	}
	return bw.Flush()
}

func WriteFailures(path string, policy syms.FallbackPolicy, failures []syms.Failure) error {
	return writeAtomic(path, func(w io.Writer) error { return FormatFailures(w, policy, failures) })
}

func WriteElfMap(path string, elfs []syms.ResolvedElf) error {
	return writeAtomic(path, func(w io.Writer) error { return FormatElfMap(w, elfs) })
}

// WriteJSON writes v as indented JSON.
func WriteJSON(path string, v interface{}) error {
	return writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func writeAtomic(path string, fn func(w io.Writer) error) error {
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Cleanup()

	if err := fn(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

var fieldReplacer = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func writeRow(w *bufio.Writer, fields ...string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte('\t')
		}
		w.WriteString(fieldReplacer.Replace(f))
	}
	w.WriteByte('\n')
}
