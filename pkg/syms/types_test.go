package syms

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvedElfUsable(t *testing.T) {
	tests := []struct {
		name string
		elf  ResolvedElf
		want bool
	}{
		{"binary ok", ResolvedElf{ElfStatus: OK, DebugStatus: UNKNOWN}, true},
		{"stripped binary", ResolvedElf{ElfStatus: INCOMPLETE, DebugStatus: NOT_FOUND}, true},
		{"binary missing", ResolvedElf{ElfStatus: NOT_FOUND, DebugStatus: NOT_FOUND}, false},
		{"debug file ok, binary missing", ResolvedElf{ElfStatus: NOT_FOUND, DebugStatus: OK, UsesDebugFile: true}, true},
		{"binary mismatched", ResolvedElf{ElfStatus: MISMATCH_BUILD_ID, DebugStatus: NOT_FOUND}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.elf.Usable())
		})
	}
}

func TestStatusReason(t *testing.T) {
	assert.Equal(t, ReasonNotFound, StatusReason(NOT_FOUND))
	assert.Equal(t, ReasonCorrupted, StatusReason(CORRUPTED))
	assert.Equal(t, ReasonUnknownError, StatusReason(OK))
	assert.Equal(t, ReasonUnknownError, StatusReason(UNKNOWN))
	for _, s := range allStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("nope").Valid())
}

func TestNormalizeBuildID(t *testing.T) {
	assert.Equal(t, "aa0d6e", NormalizeBuildID(" AA0D6E "))
	assert.Equal(t, NewElfIdentity("/lib/a.so", "ABC"), NewElfIdentity("/lib/a.so", "abc"))
}

func TestDemangleType(t *testing.T) {
	const mangled = "_ZN3foo3barEi"
	assert.Equal(t, mangled, DemangleNone.Demangle(mangled))
	assert.Equal(t, "foo::bar(int)", DemangleFull.Demangle(mangled))
	assert.Equal(t, "foo::bar", DemangleSimplified.Demangle(mangled))
	assert.Equal(t, "main", DemangleFull.Demangle("main"))
	assert.False(t, DemangleType("LOUD").Valid())
}

func TestSymbolMap(t *testing.T) {
	m := NewSymbolMap(map[FrameKey][]InlineEntry{
		{"b.log", 0, 1}: {{Func: "f", File: "f.c", Line: 1}},
		{"a.log", 2, 0}: {{Func: "g", File: "g.c", Line: 2}},
		{"a.log", 1, 3}: {},
	})
	require.Equal(t, 3, m.Len())

	chain, ok := m.Lookup(FrameKey{"b.log", 0, 1})
	require.True(t, ok)
	assert.Equal(t, "f", chain[0].Func)

	_, ok = m.Lookup(FrameKey{"a.log", 1, 3})
	assert.False(t, ok, "empty chains are not hits")

	want := []FrameKey{{"a.log", 1, 3}, {"a.log", 2, 0}, {"b.log", 0, 1}}
	if diff := cmp.Diff(want, m.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestSortFailures(t *testing.T) {
	failures := []Failure{
		{SourceFile: "b", StackID: 0, OrigFrameIdx: 0},
		{SourceFile: "a", StackID: 1, OrigFrameIdx: 0},
		{SourceFile: "a", StackID: 0, OrigFrameIdx: 2},
	}
	SortFailures(failures)
	assert.Equal(t, "a", failures[0].SourceFile)
	assert.Equal(t, 2, failures[0].OrigFrameIdx)
	assert.Equal(t, 1, failures[1].StackID)
	assert.Equal(t, "b", failures[2].SourceFile)
}
