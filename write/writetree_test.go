package write_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/write"
)

func TestCalcCompleteEventCacheWithServerCacheAndOverwrite(t *testing.T) {
	wt := write.New()
	server := node.Empty.UpdateImmediateChild("x", node.Leaf("server"))

	wt.AddOverwrite(path.Parse("x"), node.Leaf("local"), 1, true)

	result := wt.CalcCompleteEventCache(path.Empty, server, nil, true)
	require.True(t, result.GetImmediateChild("x").Equal(node.Leaf("local")))
}

func TestCalcCompleteEventCacheNoServerNoCoveringWrite(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a/b"), node.Leaf("v"), 1, true)

	result := wt.CalcCompleteEventCache(path.Empty, nil, nil, true)
	require.Nil(t, result, "no server cache and no root-covering write means unknown")
}

func TestCalcCompleteEventCacheCoveringOverwriteIsBaseline(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Empty, node.Empty.UpdateImmediateChild("a", node.Leaf("1")), 1, true)

	result := wt.CalcCompleteEventCache(path.Parse("a"), nil, nil, true)
	require.True(t, result.Equal(node.Leaf("1")))
}

func TestCalcCompleteEventCacheMergeOnlyNoServerCacheReturnsNil(t *testing.T) {
	wt := write.New()
	wt.AddMerge(path.Empty, map[string]node.Node{"a": node.Leaf("new")}, 1)

	result := wt.CalcCompleteEventCache(path.Empty, nil, nil, true)
	require.Nil(t, result, "an unknown server cache with only a merge pending is still unknown")
}

func TestCalcCompleteEventCacheMergeAppliesChildren(t *testing.T) {
	wt := write.New()
	server := node.Empty.UpdateImmediateChild("a", node.Leaf("old"))
	wt.AddMerge(path.Empty, map[string]node.Node{"a": node.Leaf("new"), "b": node.Leaf("b-val")}, 1)

	result := wt.CalcCompleteEventCache(path.Empty, server, nil, true)
	require.True(t, result.GetImmediateChild("a").Equal(node.Leaf("new")))
	require.True(t, result.GetImmediateChild("b").Equal(node.Leaf("b-val")))
}

func TestCalcCompleteEventCacheHiddenWritesExcludedWhenNotIncluded(t *testing.T) {
	wt := write.New()
	server := node.Empty.UpdateImmediateChild("a", node.Leaf("server"))
	wt.AddOverwrite(path.Parse("a"), node.Leaf("hidden"), 1, false)

	visible := wt.CalcCompleteEventCache(path.Empty, server, nil, false)
	require.True(t, visible.GetImmediateChild("a").Equal(node.Leaf("server")))

	withHidden := wt.CalcCompleteEventCache(path.Empty, server, nil, true)
	require.True(t, withHidden.GetImmediateChild("a").Equal(node.Leaf("hidden")))
}

func TestRemoveWriteReturnsNeedToReevaluate(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a"), node.Leaf("1"), 1, true)

	require.True(t, wt.RemoveWrite(1))
	_, ok := wt.GetWrite(1)
	require.False(t, ok)
}

func TestRemoveWriteCoveredByLaterAncestorDoesNotNeedReevaluate(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a/b"), node.Leaf("1"), 1, true)
	wt.AddOverwrite(path.Empty, node.Empty, 2, true)

	require.False(t, wt.RemoveWrite(1), "write 2 fully covers write 1's path")
}

func TestRemoveWriteInvisibleDoesNotNeedReevaluate(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a"), node.Leaf("1"), 1, false)
	require.False(t, wt.RemoveWrite(1))
}

func TestChildWritesRef(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a/b"), node.Leaf("v"), 1, true)

	ref := wt.ChildWrites(path.Parse("a")).Child("b")
	result := ref.CalcCompleteEventCache(nil, nil, true)
	require.True(t, result.Equal(node.Leaf("v")))
}

func TestWriteIdsToExcludeSkipsWrite(t *testing.T) {
	wt := write.New()
	wt.AddOverwrite(path.Parse("a"), node.Leaf("1"), 1, true)
	wt.AddOverwrite(path.Parse("a"), node.Leaf("2"), 2, true)

	result := wt.CalcCompleteEventCache(path.Empty, node.Empty, map[uint64]bool{2: true}, true)
	require.True(t, result.GetImmediateChild("a").Equal(node.Leaf("1")))
}
