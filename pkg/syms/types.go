package syms

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Frame is a single parsed stack frame of a crash log.
type Frame struct {
	OrigFrameIdx int    `json:"orig_frame_idx"`
	Addr         uint64 `json:"addr"`
	OrigElf      string `json:"orig_elf"`
	Offset       uint64 `json:"offset"`
	BuildID      string `json:"build_id,omitempty"`
	FuncHint     string `json:"func_hint,omitempty"`
}

func (f Frame) Identity() ElfIdentity { return NewElfIdentity(f.OrigElf, f.BuildID) }

type Stack struct {
	SourceFile string  `json:"source_file"`
	StackID    int     `json:"stack_id"`
	StartLine  int     `json:"start_line"`
	Frames     []Frame `json:"frames"`
}

type ElfIdentity struct {
	OrigElf string
	BuildID string
}

func NewElfIdentity(origElf, buildID string) ElfIdentity {
	return ElfIdentity{OrigElf: origElf, BuildID: NormalizeBuildID(buildID)}
}

func (id ElfIdentity) String() string {
	if id.BuildID == "" {
		return id.OrigElf
	}
	return fmt.Sprintf("%s (build-id %s)", id.OrigElf, id.BuildID)
}

// NormalizeBuildID lower-cases a hex build identifier so that the log and the
// ELF note compare equal regardless of the case the log printed.
func NormalizeBuildID(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

type ResolvedElf struct {
	OrigElf     string `json:"orig_elf"`
	TargetElf   string `json:"target_elf"`
	ElfStatus   Status `json:"elf_status"`
	DebugStatus Status `json:"debug_status"`
	BuildID     string `json:"build_id,omitempty"`
	Note        string `json:"note,omitempty"`

	// UsesDebugFile reports whether TargetElf is a separate debug companion
	// rather than the binary itself.
	UsesDebugFile bool `json:"uses_debug_file"`
}

// TargetStatus is the status of the file that will actually be opened.
func (r ResolvedElf) TargetStatus() Status {
	if r.UsesDebugFile {
		return r.DebugStatus
	}
	return r.ElfStatus
}

// Usable reports whether jobs for this ELF should be sent to the resolver tool.
// Stripped binaries (INCOMPLETE) still carry function names in their symbol
// tables, so they are symbolized too.
func (r ResolvedElf) Usable() bool {
	s := r.TargetStatus()
	return s == OK || s == INCOMPLETE
}

// Job is the unit submitted to the batch resolution engine, one per Frame.
type Job struct {
	SourceFile   string `json:"source_file"`
	StackID      int    `json:"stack_id"`
	OrigFrameIdx int    `json:"orig_frame_idx"`
	Addr         uint64 `json:"addr"`
	OrigElf      string `json:"orig_elf"`
	TargetElf    string `json:"target_elf"`
	Offset       uint64 `json:"offset"`
	BuildID      string `json:"build_id,omitempty"`
}

func (j Job) FrameKey() FrameKey {
	return FrameKey{SourceFile: j.SourceFile, StackID: j.StackID, OrigFrameIdx: j.OrigFrameIdx}
}

func (j Job) CacheKey() CacheKey {
	return CacheKey{OrigElf: j.OrigElf, Offset: j.Offset, BuildID: NormalizeBuildID(j.BuildID)}
}

func (j Job) Identity() ElfIdentity { return NewElfIdentity(j.OrigElf, j.BuildID) }

// InlineEntry is one logical frame of an inline chain. Chains are ordered
// innermost call first.
type InlineEntry struct {
	Func string `json:"func"`
	File string `json:"file"`
	Line int    `json:"line"`
}

func (e InlineEntry) Unknown() bool {
	return (e.Func == "" || e.Func == UnknownName) && (e.File == "" || e.File == UnknownName) && e.Line == 0
}

type CacheKey struct {
	OrigElf string
	Offset  uint64
	BuildID string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s+0x%x [%s]", k.OrigElf, k.Offset, k.BuildID)
}

type FrameKey struct {
	SourceFile   string
	StackID      int
	OrigFrameIdx int
}

type ExpandedFrame struct {
	SourceFile   string
	StackID      int
	OrigFrameIdx int
	Addr         uint64
	InlineDepth  int
	Func         string
	File         string
	Line         int
}

type RebuiltFrame struct {
	NewIdx int    `json:"new_idx"`
	Addr   uint64 `json:"addr"`
	Func   string `json:"func"`
	File   string `json:"src_file"`
	Line   int    `json:"src_line"`
}

type RebuiltStack struct {
	SourceFile string         `json:"source_file"`
	StackID    int            `json:"stack_id"`
	Frames     []RebuiltFrame `json:"frames"`
}

type Failure struct {
	SourceFile   string `json:"source_file"`
	StackID      int    `json:"stack_id"`
	OrigFrameIdx int    `json:"orig_frame_idx"`
	OrigElf      string `json:"orig_elf"`
	Offset       uint64 `json:"offset"`
	BuildID      string `json:"build_id,omitempty"`
	TargetElf    string `json:"target_elf"`
	Reason       Reason `json:"reason"`
}

func NewFailure(j Job, reason Reason) Failure {
	return Failure{
		SourceFile:   j.SourceFile,
		StackID:      j.StackID,
		OrigFrameIdx: j.OrigFrameIdx,
		OrigElf:      j.OrigElf,
		Offset:       j.Offset,
		BuildID:      j.BuildID,
		TargetElf:    j.TargetElf,
		Reason:       reason,
	}
}

// UnknownName is what the resolver tool prints for an unknown function or file.
const UnknownName = "??"

type DemangleType string

const (
	DemangleNone       DemangleType = "NONE"
	DemangleSimplified DemangleType = "SIMPLIFIED"
	DemangleTemplates  DemangleType = "TEMPLATES"
	DemangleFull       DemangleType = "FULL"
)

func (dt DemangleType) ToOptions() []demangle.Option {
	switch dt {
	case DemangleNone:
		return nil
	case DemangleSimplified:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	case DemangleTemplates:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	default:
		return []demangle.Option{demangle.NoClones}
	}
}

func (dt DemangleType) Valid() bool {
	switch dt {
	case DemangleNone, DemangleSimplified, DemangleTemplates, DemangleFull:
		return true
	}
	return false
}

// Demangle returns name demangled with the style, or name unchanged when it is
// not a mangled symbol or the style is NONE.
func (dt DemangleType) Demangle(name string) string {
	if dt == DemangleNone || name == "" {
		return name
	}
	return demangle.Filter(name, dt.ToOptions()...)
}
