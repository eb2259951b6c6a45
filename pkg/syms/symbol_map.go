package syms

import (
	"sort"
)

// SymbolMap maps original frames to their resolved inline chains. A SymbolMap
// returned by the pipeline is never written again, so it can be shared by any
// number of readers.
type SymbolMap struct {
	m map[FrameKey][]InlineEntry
}

func NewSymbolMap(m map[FrameKey][]InlineEntry) SymbolMap {
	if m == nil {
		m = make(map[FrameKey][]InlineEntry)
	}
	return SymbolMap{m: m}
}

func (s SymbolMap) Lookup(key FrameKey) ([]InlineEntry, bool) {
	chain, ok := s.m[key]
	return chain, ok && len(chain) > 0
}

func (s SymbolMap) Len() int { return len(s.m) }

// Keys returns the frame keys in (source file, stack, frame) order.
func (s SymbolMap) Keys() []FrameKey {
	keys := make([]FrameKey, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (k FrameKey) Less(o FrameKey) bool {
	if k.SourceFile != o.SourceFile {
		return k.SourceFile < o.SourceFile
	}
	if k.StackID != o.StackID {
		return k.StackID < o.StackID
	}
	return k.OrigFrameIdx < o.OrigFrameIdx
}

// SortFailures orders failures by frame, then by ELF and offset, so reports are
// stable regardless of the order partitions completed in.
func SortFailures(failures []Failure) {
	sort.SliceStable(failures, func(i, j int) bool {
		a, b := failures[i], failures[j]
		ka := FrameKey{a.SourceFile, a.StackID, a.OrigFrameIdx}
		kb := FrameKey{b.SourceFile, b.StackID, b.OrigFrameIdx}
		if ka != kb {
			return ka.Less(kb)
		}
		if a.OrigElf != b.OrigElf {
			return a.OrigElf < b.OrigElf
		}
		return a.Offset < b.Offset
	})
}
