// Package rebuild expands resolved frames into their inline chains and
// renumbers the result. It does no I/O.
package rebuild

import (
	"github.com/vietanhduong/crashsym/pkg/syms"
)

type Options struct {
	// Fallback decides what unresolved frames become. Empty means label.
	Fallback syms.FallbackPolicy
	// Demangle is applied to func hints of labelled frames.
	Demangle syms.DemangleType
}

func (o Options) fallback() syms.FallbackPolicy {
	if o.Fallback == "" {
		return syms.FallbackLabel
	}
	return o.Fallback
}

// Expand turns each frame of stack into its inline chain, innermost first, in
// frame order. Frames without a chain follow the fallback policy.
func Expand(stack syms.Stack, symbols syms.SymbolMap, opts Options) []syms.ExpandedFrame {
	ret := make([]syms.ExpandedFrame, 0, len(stack.Frames))
	for _, f := range stack.Frames {
		key := syms.FrameKey{SourceFile: stack.SourceFile, StackID: stack.StackID, OrigFrameIdx: f.OrigFrameIdx}
		base := syms.ExpandedFrame{
			SourceFile:   stack.SourceFile,
			StackID:      stack.StackID,
			OrigFrameIdx: f.OrigFrameIdx,
			Addr:         f.Addr,
		}
		if chain, ok := symbols.Lookup(key); ok {
			for depth, e := range chain {
				ef := base
				ef.InlineDepth = depth
				ef.Func, ef.File, ef.Line = e.Func, e.File, e.Line
				ret = append(ret, ef)
			}
			continue
		}

		if opts.fallback() == syms.FallbackDrop {
			continue
		}
		base.Func = label(f.FuncHint, opts.Demangle)
		base.File = syms.UnknownName
		ret = append(ret, base)
	}
	return ret
}

// RebuildStack expands stack and numbers its frames 0..K-1.
func RebuildStack(stack syms.Stack, symbols syms.SymbolMap, opts Options) syms.RebuiltStack {
	expanded := Expand(stack, symbols, opts)
	ret := syms.RebuiltStack{
		SourceFile: stack.SourceFile,
		StackID:    stack.StackID,
		Frames:     make([]syms.RebuiltFrame, len(expanded)),
	}
	for i, ef := range expanded {
		ret.Frames[i] = syms.RebuiltFrame{NewIdx: i, Addr: ef.Addr, Func: ef.Func, File: ef.File, Line: ef.Line}
	}
	return ret
}

// Rebuild rebuilds every stack, keeping the input order.
func Rebuild(stacks []syms.Stack, symbols syms.SymbolMap, opts Options) []syms.RebuiltStack {
	ret := make([]syms.RebuiltStack, len(stacks))
	for i, s := range stacks {
		ret[i] = RebuildStack(s, symbols, opts)
	}
	return ret
}

func label(hint string, dt syms.DemangleType) string {
	if hint == "" {
		return syms.UnknownName
	}
	if dt == "" {
		return hint
	}
	return dt.Demangle(hint)
}
