// Package resolver decides, for every binary named in a crash log, which file
// on the rootfs the line resolver should read.
package resolver

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"github.com/vietanhduong/crashsym/pkg/rootfs"
	"github.com/vietanhduong/crashsym/pkg/syms"
	"github.com/vietanhduong/crashsym/pkg/syms/elf"
	"golang.org/x/exp/slices"
)

const DefaultDebugRoot = "/usr/lib/debug/.build-id"

type Options struct {
	Mode   syms.Mode
	Rootfs string
	// DebugRoot is the logical build-id directory inside the rootfs.
	DebugRoot string
	DebugLink DebugLinkReader
}

// Resolver memoizes one ResolvedElf per ElfIdentity. It is safe for
// concurrent use; each identity is resolved at most once.
type Resolver struct {
	opts Options

	mu   sync.Mutex
	memo map[syms.ElfIdentity]*memo
}

type memo struct {
	once sync.Once
	res  syms.ResolvedElf
}

func New(opts Options) *Resolver {
	if opts.DebugRoot == "" {
		opts.DebugRoot = DefaultDebugRoot
	}
	if opts.DebugLink == nil {
		opts.DebugLink = ElfDebugLink{}
	}
	if opts.Mode == "" {
		opts.Mode = syms.ModePlain
	}
	this := &Resolver{opts: opts}
	this.memo = make(map[syms.ElfIdentity]*memo)
	return this
}

func (r *Resolver) Resolve(id syms.ElfIdentity) syms.ResolvedElf {
	id = syms.NewElfIdentity(id.OrigElf, id.BuildID)
	r.mu.Lock()
	m, ok := r.memo[id]
	if !ok {
		m = &memo{}
		r.memo[id] = m
	}
	r.mu.Unlock()

	m.once.Do(func() { m.res = r.resolve(id) })
	return m.res
}

// Resolved returns every identity resolved so far, ordered by path and build
// id.
func (r *Resolver) Resolved() []syms.ResolvedElf {
	r.mu.Lock()
	ids := make([]syms.ElfIdentity, 0, len(r.memo))
	for id := range r.memo {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.SortFunc(ids, func(a, b syms.ElfIdentity) int {
		if c := strings.Compare(a.OrigElf, b.OrigElf); c != 0 {
			return c
		}
		return strings.Compare(a.BuildID, b.BuildID)
	})
	return lo.Map(ids, func(id syms.ElfIdentity, _ int) syms.ResolvedElf { return r.Resolve(id) })
}

func (r *Resolver) resolve(id syms.ElfIdentity) (ret syms.ResolvedElf) {
	binary := rootfs.Join(r.opts.Rootfs, id.OrigElf)
	ret = syms.ResolvedElf{
		OrigElf:     id.OrigElf,
		TargetElf:   binary,
		BuildID:     id.BuildID,
		ElfStatus:   syms.UNKNOWN_ERROR,
		DebugStatus: syms.UNKNOWN,
	}
	defer func() {
		if err := recover(); err != nil {
			glog.Warningf("Resolve %s panicked: %v", id, err)
			ret.Note = fmt.Sprintf("panic: %v", err)
		}
	}()

	insp := elf.Classify(binary, id.BuildID)
	ret.ElfStatus = insp.Status
	if ret.BuildID == "" && insp.BuildID != "" && insp.Status != syms.MISMATCH_BUILD_ID {
		ret.BuildID = insp.BuildID
	}

	if insp.GoBuildID != "" {
		defer func() { ret.Note = joinNotes("go build-id="+insp.GoBuildID, ret.Note) }()
	}

	if r.opts.Mode != syms.ModePrecise {
		if insp.Status != syms.OK {
			ret.Note = insp.Detail
		}
		glog.V(2).Infof("Resolved %s -> %s (%s)", id, ret.TargetElf, ret.ElfStatus)
		return ret
	}

	r.findDebugFile(id, insp, &ret)
	glog.V(2).Infof("Resolved %s -> %s (elf %s, debug %s)", id, ret.TargetElf, ret.ElfStatus, ret.DebugStatus)
	return ret
}

type candidate struct {
	source  string
	logical string
}

func (r *Resolver) findDebugFile(id syms.ElfIdentity, bin elf.Inspection, ret *syms.ResolvedElf) {
	var notes []string
	var candidates []candidate

	var debuglink string
	if bin.Status != syms.NOT_FOUND {
		var err error
		debuglink, err = r.opts.DebugLink.DebugLink(ret.TargetElf)
		if err != nil {
			glog.V(1).Infof("Failed to read debug link of %s: %v", ret.TargetElf, err)
			notes = append(notes, fmt.Sprintf("debuglink unreadable: %v", err))
		}
	}
	candidates = append(candidates, r.viaLink(id.OrigElf, debuglink)...)
	candidates = append(candidates, r.viaBuildId(ret.BuildID)...)
	candidates = append(candidates, r.viaDistribution(id.OrigElf)...)
	candidates = lo.UniqBy(candidates, func(c candidate) string { return c.logical })
	candidates = lo.Reject(candidates, func(c candidate, _ int) bool {
		return filepath.Clean(c.logical) == filepath.Clean(id.OrigElf)
	})

	debugStatus := syms.NOT_FOUND
	for _, c := range candidates {
		path := rootfs.Join(r.opts.Rootfs, c.logical)
		insp := elf.Classify(path, ret.BuildID)
		if insp.Status == syms.OK {
			ret.TargetElf = path
			ret.DebugStatus = syms.OK
			ret.UsesDebugFile = true
			ret.Note = strings.Join(notes, "; ")
			return
		}
		if insp.Status != syms.NOT_FOUND {
			if debugStatus == syms.NOT_FOUND {
				debugStatus = insp.Status
			}
			notes = append(notes, fmt.Sprintf("%s %s: %s", c.source, c.logical, insp.Status))
		}
	}

	ret.DebugStatus = debugStatus
	switch {
	case ret.BuildID != "":
		notes = append(notes, fmt.Sprintf("no debug file found (build-id=%s)", ret.BuildID))
	case debuglink != "":
		notes = append(notes, fmt.Sprintf("no debug file found (.gnu_debuglink=%s)", debuglink))
	default:
		notes = append(notes, "no debug file found (.gnu_debuglink/build-id not available)")
	}
	ret.Note = strings.Join(notes, "; ")
}

func (r *Resolver) viaLink(orig, debuglink string) []candidate {
	if debuglink == "" {
		return nil
	}
	dir := filepath.Dir(orig)
	return []candidate{
		// /usr/bin/ls.debug
		{"debuglink", filepath.Join(dir, debuglink)},
		// /usr/bin/.debug/ls.debug
		{"debuglink", filepath.Join(dir, ".debug", debuglink)},
	}
}

func (r *Resolver) viaBuildId(id string) []candidate {
	if len(id) < 3 {
		return nil
	}
	base := filepath.Join(r.opts.DebugRoot, id[:2], id[2:])
	return []candidate{
		{"build-id", base + ".debug"},
		{"build-id", base},
	}
}

// viaDistribution yields /usr/lib/debug/<orig>.debug when the debug root is a
// .build-id directory, i.e. its parent is a debug tree.
func (r *Resolver) viaDistribution(orig string) []candidate {
	root := filepath.Clean(r.opts.DebugRoot)
	parent := filepath.Dir(root)
	if filepath.Base(root) != ".build-id" || parent == "." || parent == "/" {
		return nil
	}
	return []candidate{{"distribution", filepath.Join(parent, orig) + ".debug"}}
}

func joinNotes(notes ...string) string {
	return strings.Join(lo.Compact(notes), "; ")
}
