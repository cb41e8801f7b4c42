// Package write implements the pending-write log (spec.md §3/§4.4/§4.9):
// an ordered log of locally issued, not-yet-acknowledged writes, plus the
// path-relative views (WriteTreeRef) and the overlay computation
// (calcCompleteEventCache) that reconstructs a materialized Node by
// patching a server snapshot with pending writes.
package write

import (
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
)

// PendingWrite is a single locally issued, unacknowledged write. Exactly
// one of Snap (an overwrite) or Children (a merge) is set.
type PendingWrite struct {
	WriteID  uint64
	Path     path.Path
	Snap     node.Node
	Children map[string]node.Node
	Visible  bool
}

// IsOverwrite reports whether this write is an Overwrite (as opposed to a
// Merge).
func (w PendingWrite) IsOverwrite() bool {
	return w.Snap != nil
}

// Tree is the ordered write log. Writes are appended in strictly
// increasing WriteID order, which is also log order — the caller
// guarantees monotonicity (spec.md §3).
type Tree struct {
	writes []PendingWrite
}

// New returns an empty write log.
func New() *Tree {
	return &Tree{}
}

// AddOverwrite appends an overwrite write.
func (t *Tree) AddOverwrite(at path.Path, snap node.Node, writeID uint64, visible bool) {
	t.writes = append(t.writes, PendingWrite{WriteID: writeID, Path: at, Snap: snap, Visible: visible})
}

// AddMerge appends a merge write. User merges are always visible
// (spec.md §4.4).
func (t *Tree) AddMerge(at path.Path, children map[string]node.Node, writeID uint64) {
	t.writes = append(t.writes, PendingWrite{WriteID: writeID, Path: at, Children: children, Visible: true})
}

// Len reports the number of writes currently pending.
func (t *Tree) Len() int {
	return len(t.writes)
}

// GetWrite returns the write with the given ID, if still pending.
func (t *Tree) GetWrite(writeID uint64) (PendingWrite, bool) {
	for _, w := range t.writes {
		if w.WriteID == writeID {
			return w, true
		}
	}
	return PendingWrite{}, false
}

// RemoveWrite deletes the write with the given ID and reports whether its
// removal could alter any visible view: true iff the write was visible
// and no later write at an ancestor path fully covers it (spec.md §3).
func (t *Tree) RemoveWrite(writeID uint64) bool {
	idx := -1
	for i, w := range t.writes {
		if w.WriteID == writeID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	removed := t.writes[idx]
	needToReevaluate := removed.Visible && !coveredByLaterOverwrite(t.writes[idx+1:], removed.Path)

	t.writes = append(t.writes[:idx], t.writes[idx+1:]...)
	return needToReevaluate
}

func coveredByLaterOverwrite(later []PendingWrite, removedPath path.Path) bool {
	for _, w := range later {
		if w.IsOverwrite() && w.Path.Contains(removedPath) {
			return true
		}
	}
	return false
}

// ChildWrites returns a path-relative view over the log rooted at at.
func (t *Tree) ChildWrites(at path.Path) *Ref {
	return &Ref{tree: t, at: at}
}

// CalcCompleteEventCache reconstructs the materialized Node at at by
// patching serverCache (nil if unknown) with pending writes, excluding any
// write ID present in writeIdsToExclude. includeHiddenSets controls
// whether writes with Visible=false participate (the transaction engine
// hard-codes true; spec.md §9 leaves it as a parameter for future use).
// Returns nil if no complete value can be reconstructed.
func (t *Tree) CalcCompleteEventCache(at path.Path, serverCache node.Node, writeIdsToExclude map[uint64]bool, includeHiddenSets bool) node.Node {
	relevant := t.relevantWrites(writeIdsToExclude, includeHiddenSets)

	baseline, startIdx := findBaseline(relevant, at, serverCache)
	if baseline == nil {
		return nil
	}

	for _, w := range relevant[startIdx:] {
		baseline = applyWrite(baseline, at, w)
	}
	return baseline
}

func (t *Tree) relevantWrites(exclude map[uint64]bool, includeHiddenSets bool) []PendingWrite {
	out := make([]PendingWrite, 0, len(t.writes))
	for _, w := range t.writes {
		if exclude != nil && exclude[w.WriteID] {
			continue
		}
		if !w.Visible && !includeHiddenSets {
			continue
		}
		out = append(out, w)
	}
	return out
}

// findBaseline finds the most recent overwrite at or above at (which
// shadows the server cache and everything before it) and returns it as
// the baseline plus the index to resume applying writes from. If no such
// overwrite exists, the baseline is serverCache (possibly nil) and every
// write participates.
func findBaseline(writes []PendingWrite, at path.Path, serverCache node.Node) (node.Node, int) {
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		if w.IsOverwrite() && w.Path.Contains(at) {
			rel := at.RelativeTo(w.Path)
			return navigate(w.Snap, rel), i + 1
		}
	}
	return serverCache, 0
}

func applyWrite(baseline node.Node, at path.Path, w PendingWrite) node.Node {
	if baseline == nil {
		// A merge-only write at/under at with no covering overwrite and an
		// unknown server cache: there is nothing to patch yet, but a Merge
		// still needs a concrete node to call UpdateImmediateChild on.
		baseline = node.Empty
	}
	switch {
	case w.Path.Equal(at):
		if w.IsOverwrite() {
			return w.Snap
		}
		for key, child := range w.Children {
			baseline = baseline.UpdateImmediateChild(key, child)
		}
		return baseline

	case at.Contains(w.Path) && !at.Equal(w.Path):
		// w.Path is a strict descendant of at: patch baseline at the
		// relative sub-path.
		rel := w.Path.RelativeTo(at)
		if w.IsOverwrite() {
			return updateAtPath(baseline, rel, w.Snap)
		}
		for key, child := range w.Children {
			baseline = updateAtPath(baseline, rel.Child(key), child)
		}
		return baseline

	case w.Path.Contains(at) && !w.Path.Equal(at):
		// w.Path is a strict ancestor of at. Only a Merge can reach us
		// here (a covering Overwrite would already have been chosen as
		// the baseline by findBaseline).
		rel := at.RelativeTo(w.Path)
		child, ok := w.Children[rel.Front()]
		if !ok {
			return baseline
		}
		return navigate(child, rel.PopFront())

	default:
		return baseline
	}
}

// navigate walks n down rel one segment at a time via GetImmediateChild.
func navigate(n node.Node, rel path.Path) node.Node {
	for _, seg := range rel.Segments() {
		n = n.GetImmediateChild(seg)
	}
	return n
}

// updateAtPath returns a copy of n with value spliced in at rel.
func updateAtPath(n node.Node, rel path.Path, value node.Node) node.Node {
	if rel.IsEmpty() {
		return value
	}
	key := rel.Front()
	return n.UpdateImmediateChild(key, updateAtPath(n.GetImmediateChild(key), rel.PopFront(), value))
}

// Ref is a path-relative view over a Tree, used to hand a Sync Point only
// the slice of the write log underneath its own path.
type Ref struct {
	tree *Tree
	at   path.Path
}

// Child returns the view one level further down, at key.
func (r *Ref) Child(key string) *Ref {
	return &Ref{tree: r.tree, at: r.at.Child(key)}
}

// CalcCompleteEventCache delegates to the underlying Tree at this ref's
// path.
func (r *Ref) CalcCompleteEventCache(serverCache node.Node, writeIdsToExclude map[uint64]bool, includeHiddenSets bool) node.Node {
	return r.tree.CalcCompleteEventCache(r.at, serverCache, writeIdsToExclude, includeHiddenSets)
}
