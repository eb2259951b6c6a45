// Package pipeline ties the components of one symbolization run together. A
// Pipeline is built once per run and owns the resolver memo table, the symbol
// cache and both worker pools.
package pipeline

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"github.com/vietanhduong/crashsym/pkg/addr2line"
	"github.com/vietanhduong/crashsym/pkg/config"
	"github.com/vietanhduong/crashsym/pkg/engine"
	"github.com/vietanhduong/crashsym/pkg/rebuild"
	"github.com/vietanhduong/crashsym/pkg/resolver"
	"github.com/vietanhduong/crashsym/pkg/sched"
	"github.com/vietanhduong/crashsym/pkg/symcache"
	"github.com/vietanhduong/crashsym/pkg/syms"
)

type Pipeline struct {
	cfg         *config.Config
	resolver    *resolver.Resolver
	cache       *symcache.Cache
	engine      *engine.Engine
	symbolPool  *sched.Pool
	rewritePool *sched.Pool
}

// Result is an immutable snapshot of a finished run; it may be shared by any
// number of writers.
type Result struct {
	Symbols  syms.SymbolMap
	Stacks   []syms.RebuiltStack
	Failures []syms.Failure
	Elfs     []syms.ResolvedElf
	Fallback syms.FallbackPolicy
	// Aborted is set when the run was cancelled before every target was
	// symbolized.
	Aborted bool
}

// New validates cfg, checks the external tools and opens the symbol cache.
func New(cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.CheckTools(); err != nil {
		return nil, fmt.Errorf("check tools: %w", err)
	}

	var link resolver.DebugLinkReader = resolver.ElfDebugLink{}
	if cfg.DebugLink == config.DebugLinkReadelf {
		link = resolver.NewReadelfDebugLink(cfg.ReadelfBin())
	}

	this := &Pipeline{cfg: cfg}
	this.resolver = resolver.New(resolver.Options{
		Mode:      cfg.Mode,
		Rootfs:    cfg.Rootfs,
		DebugRoot: cfg.DebugRoot,
		DebugLink: link,
	})
	this.cache = symcache.Open(cfg.CacheDB)
	this.symbolPool = sched.NewPool(sched.SymbolWorkers(cfg.SymbolWorkers, cfg.WorkerMemory))
	this.rewritePool = sched.NewPool(sched.RewriteWorkers(cfg.RewriteWorkers))
	this.engine = engine.New(engine.Options{
		Symbolizer: addr2line.NewTool(cfg.Addr2lineBin(), cfg.Demangle, cfg.Timeout),
		Cache:      this.cache,
		Pool:       this.symbolPool,
	})

	glog.Infof("Pipeline ready: mode=%s rootfs=%s tool=%s symbol workers=%d rewrite workers=%d persistent cache=%t",
		cfg.Mode, cfg.Rootfs, cfg.Addr2lineBin(), this.symbolPool.Size(), this.rewritePool.Size(), this.cache.Persistent())
	return this, nil
}

// Run symbolizes and rebuilds stacks. Cancelling ctx stops new resolver
// processes from starting; the result then covers what was done so far.
func (p *Pipeline) Run(ctx context.Context, stacks []syms.Stack) *Result {
	p.resolveAll(ctx, stacks)
	jobs := p.Jobs(stacks)
	symbols, failures := p.Symbolize(ctx, jobs)

	res := &Result{
		Symbols:  symbols,
		Stacks:   p.Rebuild(stacks, symbols),
		Failures: failures,
		Elfs:     p.resolver.Resolved(),
		Fallback: p.cfg.Fallback,
		Aborted:  lo.ContainsBy(failures, func(f syms.Failure) bool { return f.Reason == syms.ReasonAborted }),
	}

	st := p.cache.Stats()
	glog.Infof("Symbolized %d of %d frames (%d failures) across %d binaries; cache: %d loaded, %d hits, %d new",
		symbols.Len(), len(jobs), len(failures), len(res.Elfs), st.Loaded, st.Hits, st.Puts)
	return res
}

// resolveAll resolves every distinct binary up front, spreading the file
// inspection over the symbolization pool.
func (p *Pipeline) resolveAll(ctx context.Context, stacks []syms.Stack) {
	var ids []syms.ElfIdentity
	for _, s := range stacks {
		for _, f := range s.Frames {
			ids = append(ids, f.Identity())
		}
	}
	ids = lo.Uniq(ids)
	p.symbolPool.Run(ctx, len(ids), func(i int) error {
		p.resolver.Resolve(ids[i])
		return nil
	})
}

// Jobs flattens stacks into one job per frame, with the target file the
// resolver picked for the frame's binary.
func (p *Pipeline) Jobs(stacks []syms.Stack) []syms.Job {
	var jobs []syms.Job
	for _, s := range stacks {
		for _, f := range s.Frames {
			elf := p.resolver.Resolve(f.Identity())
			jobs = append(jobs, syms.Job{
				SourceFile:   s.SourceFile,
				StackID:      s.StackID,
				OrigFrameIdx: f.OrigFrameIdx,
				Addr:         f.Addr,
				OrigElf:      f.OrigElf,
				TargetElf:    elf.TargetElf,
				Offset:       f.Offset,
				BuildID:      syms.NormalizeBuildID(f.BuildID),
			})
		}
	}
	return jobs
}

func (p *Pipeline) Symbolize(ctx context.Context, jobs []syms.Job) (syms.SymbolMap, []syms.Failure) {
	return p.engine.Resolve(ctx, jobs, p.resolver.Resolve)
}

// Rebuild expands stacks on the rewrite pool, keeping input order.
func (p *Pipeline) Rebuild(stacks []syms.Stack, symbols syms.SymbolMap) []syms.RebuiltStack {
	opts := rebuild.Options{Fallback: p.cfg.Fallback, Demangle: syms.DemangleNone}
	if p.cfg.Demangle {
		opts.Demangle = p.cfg.DemangleStyle
	}
	ret := make([]syms.RebuiltStack, len(stacks))
	p.rewritePool.Run(context.Background(), len(stacks), func(i int) error {
		ret[i] = rebuild.RebuildStack(stacks[i], symbols, opts)
		return nil
	})
	return ret
}

func (p *Pipeline) RewritePool() *sched.Pool { return p.rewritePool }

func (p *Pipeline) CacheStats() symcache.Stats { return p.cache.Stats() }

// Close flushes new symbols to the durable cache and releases it.
func (p *Pipeline) Close() error {
	if err := p.cache.Flush(); err != nil {
		glog.Warningf("Failed to flush symbol cache: %v", err)
	}
	return p.cache.Close()
}
