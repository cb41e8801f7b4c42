// Package transport implements the ListenProvider side of the Sync Tree
// contract (spec.md §6): the collaborator that actually talks to
// something outside the process. MemoryProvider is an in-process
// loopback for embedding and tests; WSProvider and Server carry the
// same traffic over a websocket.
package transport

import (
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/view"
)

// Sink is the subset of *synctree.SyncTree a ListenProvider pushes
// server-sourced data into. It is declared here rather than imported
// from synctree to avoid a dependency cycle (synctree.New takes a
// ListenProvider, and a ListenProvider needs to call back into the tree
// that owns it); callers wire the two together with SetSink after
// construction.
type Sink interface {
	ApplyServerOverwrite(at path.Path, snap node.Node) []view.Event
	ApplyServerMerge(at path.Path, children map[string]node.Node) []view.Event
	ApplyListenComplete(at path.Path) []view.Event
	ApplyTaggedQueryOverwrite(tag uint64, at path.Path, snap node.Node) []view.Event
	ApplyTaggedQueryMerge(tag uint64, at path.Path, children map[string]node.Node) []view.Event
	ApplyTaggedListenComplete(tag uint64, at path.Path) []view.Event
}
