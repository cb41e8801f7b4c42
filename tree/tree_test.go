package tree_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/tree"
)

func TestSetGetRemove(t *testing.T) {
	tr := tree.Empty[int]()
	tr2 := tr.Set(path.Parse("a/b"), 42)

	require.True(t, tr.IsEmpty(), "original tree must be unaffected")

	v, ok := tr2.Get(path.Parse("a/b"))
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = tr2.Get(path.Parse("a/c"))
	require.False(t, ok)

	tr3 := tr2.Remove(path.Parse("a/b"))
	require.True(t, tr3.IsEmpty())
}

func TestSetRootValue(t *testing.T) {
	tr := tree.Empty[string]().Set(path.Empty, "root")
	v, ok := tr.Get(path.Empty)
	require.True(t, ok)
	require.Equal(t, "root", v)
}

func TestStructuralSharingOnSet(t *testing.T) {
	tr := tree.Empty[int]().Set(path.Parse("a"), 1).Set(path.Parse("b"), 2)
	tr2 := tr.Set(path.Parse("a"), 99)

	va, _ := tr.Get(path.Parse("a"))
	require.Equal(t, 1, va)
	va2, _ := tr2.Get(path.Parse("a"))
	require.Equal(t, 99, va2)

	vb, _ := tr.Get(path.Parse("b"))
	vb2, _ := tr2.Get(path.Parse("b"))
	require.Equal(t, vb, vb2)
}

func TestForeachOnPathVisitsAncestorsRootFirst(t *testing.T) {
	tr := tree.Empty[string]().
		Set(path.Empty, "root").
		Set(path.Parse("a"), "a-val").
		Set(path.Parse("a/b"), "ab-val").
		Set(path.Parse("a/b/c"), "abc-val")

	var visited []string
	tr.ForeachOnPath(path.Parse("a/b/c"), func(at path.Path, value string) {
		visited = append(visited, value)
	})
	require.Equal(t, []string{"root", "a-val", "ab-val", "abc-val"}, visited)
}

func TestFindOnPathReturnsFirstMatch(t *testing.T) {
	tr := tree.Empty[int]().Set(path.Parse("a"), 1).Set(path.Parse("a/b/c"), 3)

	result, found := tree.FindOnPath(tr, path.Parse("a/b/c"), func(at path.Path, value int) (int, bool) {
		return value, true
	})
	require.True(t, found)
	require.Equal(t, 1, result, "root-first walk must hit the ancestor value before the leaf")
}

func TestFindOnPathNoMatch(t *testing.T) {
	tr := tree.Empty[int]()
	_, found := tree.FindOnPath(tr, path.Parse("a/b"), func(at path.Path, value int) (int, bool) {
		return 0, false
	})
	require.False(t, found)
}

func TestForeachChildOrder(t *testing.T) {
	tr := tree.Empty[int]().Set(path.Parse("c"), 1).Set(path.Parse("a"), 2).Set(path.Parse("b"), 3)

	var keys []string
	tr.ForeachChild(func(key string, child *tree.Tree[int]) bool {
		keys = append(keys, key)
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestFoldCountsNodes(t *testing.T) {
	tr := tree.Empty[int]().
		Set(path.Parse("a"), 1).
		Set(path.Parse("a/b"), 2).
		Set(path.Parse("c"), 3)

	count := tree.Fold(tr, func(at path.Path, value *int, childResults map[string]int) int {
		total := 0
		if value != nil {
			total++
		}
		for _, c := range childResults {
			total += c
		}
		return total
	})
	require.Equal(t, 3, count)
}

func TestFoldConcurrentMatchesFold(t *testing.T) {
	tr := tree.Empty[int]().
		Set(path.Parse("a"), 1).
		Set(path.Parse("a/b"), 2).
		Set(path.Parse("c"), 3).
		Set(path.Parse("c/d/e"), 4)

	sum := func(_ path.Path, value *int, childResults map[string]int) int {
		total := 0
		if value != nil {
			total += *value
		}
		for _, c := range childResults {
			total += c
		}
		return total
	}

	want := tree.Fold(tr, sum)
	got, err := tree.FoldConcurrent(context.Background(), tr, sum)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFoldConcurrentReturnsContextError(t *testing.T) {
	tr := tree.Empty[int]().Set(path.Parse("a"), 1).Set(path.Parse("b"), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tree.FoldConcurrent(ctx, tr, func(_ path.Path, value *int, childResults map[string]int) int {
		return 0
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRemoveCollapsesEmptyAncestors(t *testing.T) {
	tr := tree.Empty[int]().Set(path.Parse("a/b"), 1)
	tr = tr.Remove(path.Parse("a/b"))
	require.Empty(t, tr.Children())
}
