// Package engine resolves symbolization jobs in batches: one resolver-tool
// process per target file, with the symbol cache in front of it.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"github.com/vietanhduong/crashsym/pkg/addr2line"
	"github.com/vietanhduong/crashsym/pkg/sched"
	"github.com/vietanhduong/crashsym/pkg/syms"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Cache interface {
	Get(key syms.CacheKey) ([]syms.InlineEntry, bool)
	Put(key syms.CacheKey, chain []syms.InlineEntry)
}

// Lookup returns the resolution of an ELF identity, normally memoized by the
// resolver.
type Lookup func(id syms.ElfIdentity) syms.ResolvedElf

type Options struct {
	Symbolizer addr2line.Symbolizer
	Cache      Cache
	Pool       *sched.Pool
}

type Engine struct {
	symbolizer addr2line.Symbolizer
	cache      Cache
	pool       *sched.Pool
}

func New(opts Options) *Engine {
	this := &Engine{symbolizer: opts.Symbolizer, cache: opts.Cache, pool: opts.Pool}
	if this.pool == nil {
		this.pool = sched.NewPool(1)
	}
	return this
}

type partition struct {
	target string
	// pending are the usable jobs that missed the cache.
	pending []syms.Job
	// status explains a process failure for each pending job.
	status []syms.Status

	symbols  map[syms.FrameKey][]syms.InlineEntry
	failures []syms.Failure
}

// Resolve symbolizes jobs and returns the frames it resolved together with a
// failure record for every job it could not. Once ctx is done no new process
// is started; the jobs left over are reported as ABORTED. Processes already
// running are allowed to finish or time out.
func (e *Engine) Resolve(ctx context.Context, jobs []syms.Job, lookup Lookup) (syms.SymbolMap, []syms.Failure) {
	symbols := make(map[syms.FrameKey][]syms.InlineEntry)
	var failures []syms.Failure

	groups := lo.GroupBy(jobs, func(j syms.Job) string { return j.TargetElf })
	targets := maps.Keys(groups)
	slices.Sort(targets)

	var work []*partition
	var hits int
	for _, target := range targets {
		p := &partition{target: target}
		for _, j := range groups[target] {
			elf := lookup(j.Identity())
			if !elf.Usable() {
				failures = append(failures, syms.NewFailure(j, syms.StatusReason(elf.TargetStatus())))
				continue
			}
			if e.cache != nil {
				if chain, ok := e.cache.Get(j.CacheKey()); ok {
					symbols[j.FrameKey()] = chain
					hits++
					continue
				}
			}
			p.pending = append(p.pending, j)
			p.status = append(p.status, elf.TargetStatus())
		}
		if len(p.pending) > 0 {
			work = append(work, p)
		}
	}
	glog.V(1).Infof("Resolving %d jobs: %d cache hits, %d targets to symbolize", len(jobs), hits, len(work))

	// Processes outlive an abort and are bounded by their own timeout.
	procCtx := context.WithoutCancel(ctx)
	started, _ := e.pool.Run(ctx, len(work), func(i int) error {
		e.symbolize(procCtx, work[i])
		return nil
	})

	for i, p := range work {
		if i >= started {
			for _, j := range p.pending {
				failures = append(failures, syms.NewFailure(j, syms.ReasonAborted))
			}
			continue
		}
		for k, chain := range p.symbols {
			symbols[k] = chain
		}
		failures = append(failures, p.failures...)
	}
	if started < len(work) {
		glog.Warningf("Aborted: %d of %d targets were not symbolized", len(work)-started, len(work))
	}

	syms.SortFailures(failures)
	return syms.NewSymbolMap(symbols), failures
}

func (e *Engine) symbolize(ctx context.Context, p *partition) {
	p.symbols = make(map[syms.FrameKey][]syms.InlineEntry)

	offsets := lo.Uniq(lo.Map(p.pending, func(j syms.Job, _ int) uint64 { return j.Offset }))
	index := make(map[uint64]int, len(offsets))
	for i, off := range offsets {
		index[off] = i
	}

	start := time.Now()
	chains, err := e.symbolizer.Symbolize(ctx, p.target, offsets)
	if err != nil {
		glog.Warningf("Symbolize %s: %v", p.target, err)
	}
	glog.V(1).Infof("Symbolized %d offsets of %s in %v", len(offsets), p.target, time.Since(start))

	for n, j := range p.pending {
		var chain []syms.InlineEntry
		if i := index[j.Offset]; i < len(chains) {
			chain = chains[i]
		}
		switch {
		case chain == nil && err != nil:
			p.failures = append(p.failures, syms.NewFailure(j, failureReason(err, p.status[n])))
		case len(chain) == 0, allUnknown(chain):
			// Answered, but without a resolvable line.
			p.failures = append(p.failures, syms.NewFailure(j, syms.ReasonNoSymbol))
		default:
			p.symbols[j.FrameKey()] = chain
			if e.cache != nil {
				e.cache.Put(j.CacheKey(), chain)
			}
		}
	}
}

// failureReason explains a job that got no output at all.
func failureReason(err error, status syms.Status) syms.Reason {
	var terr *addr2line.Error
	if !errors.As(err, &terr) {
		return syms.ReasonUnknownError
	}
	switch terr.Kind {
	case addr2line.StartFailed, addr2line.Crashed:
		return syms.StatusReason(status)
	default:
		return syms.ReasonReadError
	}
}

func allUnknown(chain []syms.InlineEntry) bool {
	for _, e := range chain {
		if !e.Unknown() {
			return false
		}
	}
	return true
}
