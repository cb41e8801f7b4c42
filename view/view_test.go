package view_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/operation"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/tree"
	"github.com/relaydb/synctree/view"
	"github.com/relaydb/synctree/write"
)

func TestInitialEventsEmitValueForLeaf(t *testing.T) {
	wt := write.New()
	v := view.New(query.New(path.Empty), wt.ChildWrites(path.Empty), node.Leaf("hi"), true)

	events := v.InitialEvents()
	require.Len(t, events, 1)
	require.Equal(t, view.EventValue, events[0].Type)
	require.True(t, events[0].Node.Equal(node.Leaf("hi")))
}

func TestApplyServerOverwriteUpdatesValue(t *testing.T) {
	wt := write.New()
	v := view.New(query.New(path.Empty), wt.ChildWrites(path.Empty), node.Empty, false)

	events := v.ApplyOperation(operation.NewOverwrite(operation.Server, path.Empty, node.Leaf("x")))
	require.Len(t, events, 1)
	require.Equal(t, view.EventValue, events[0].Type)
	require.True(t, v.HasCompleteView())
}

func TestApplyUserOverwriteIsVisibleThroughWrites(t *testing.T) {
	wt := write.New()
	v := view.New(query.New(path.Empty), wt.ChildWrites(path.Empty), node.Empty, true)

	wt.AddOverwrite(path.Empty, node.Leaf("optimistic"), 1, true)
	events := v.ApplyOperation(operation.NewOverwrite(operation.User, path.Empty, node.Leaf("optimistic")))

	require.Len(t, events, 1)
	require.True(t, events[0].Node.Equal(node.Leaf("optimistic")))
	require.True(t, v.HasCompleteView(), "server cache completeness is untouched by user writes")
}

func TestRevertRestoresPriorState(t *testing.T) {
	wt := write.New()
	v := view.New(query.New(path.Empty), wt.ChildWrites(path.Empty), node.Empty, true)

	wt.AddOverwrite(path.Empty, node.Leaf("optimistic"), 1, true)
	v.ApplyOperation(operation.NewOverwrite(operation.User, path.Empty, node.Leaf("optimistic")))

	affected := tree.Empty[bool]().Set(path.Empty, true)
	wt.RemoveWrite(1)
	events := v.ApplyOperation(operation.NewAckUserWrite(path.Empty, affected, true))

	require.Len(t, events, 1)
	require.True(t, events[0].Node.Equal(node.Empty))
}

func TestChildAddedAndRemovedEvents(t *testing.T) {
	wt := write.New()
	v := view.New(query.New(path.Empty), wt.ChildWrites(path.Empty), node.Empty, true)

	events := v.ApplyOperation(operation.NewOverwrite(operation.Server, path.Empty,
		node.Empty.UpdateImmediateChild("a", node.Leaf("1")).UpdateImmediateChild("b", node.Leaf("2"))))

	var added int
	for _, e := range events {
		if e.Type == view.EventChildAdded {
			added++
		}
	}
	require.Equal(t, 2, added)

	events = v.ApplyOperation(operation.NewOverwrite(operation.Server, path.Empty,
		node.Empty.UpdateImmediateChild("a", node.Leaf("1"))))

	var removed int
	for _, e := range events {
		if e.Type == view.EventChildRemoved {
			removed++
		}
	}
	require.Equal(t, 1, removed)
}

func TestWindowingLimitsChildren(t *testing.T) {
	wt := write.New()
	q := query.WithParams(path.Empty, query.Params{LimitFirst: 2})
	v := view.New(q, wt.ChildWrites(path.Empty), node.Empty, true)

	full := node.Empty.
		UpdateImmediateChild("a", node.Leaf("1")).
		UpdateImmediateChild("b", node.Leaf("2")).
		UpdateImmediateChild("c", node.Leaf("3"))

	v.ApplyOperation(operation.NewOverwrite(operation.Server, path.Empty, full))
	result := v.Materialize(nil)
	require.Equal(t, 2, result.ChildCount())
}
