// Package view implements the per-query materialization (spec.md §4.3,
// §6): a server cache patched by the relevant slice of pending writes,
// windowed by the query's filter/limit parameters, emitting the ordered
// event stream a Sync Point routes to. The View's own change-processing
// algorithm (exact filter/ordering semantics, "wall-clock or priority
// ordering policies") is explicitly out of scope for the Sync Tree core
// (spec.md §1); this is a deliberately simple reference implementation so
// the rest of the module is runnable and testable end to end.
package view

import (
	"golang.org/x/exp/slices"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/operation"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/tree"
	"github.com/relaydb/synctree/write"
)

// EventType discriminates the shape of an Event. Ordering across a single
// ApplyOperation call is child-added < child-changed < child-moved <
// child-removed < value (spec.md §4.3); this reference View never emits
// EventChildMoved since it does not implement priority-based reordering.
type EventType int

const (
	EventChildAdded EventType = iota
	EventChildChanged
	EventChildMoved
	EventChildRemoved
	EventValue
	// EventCancel marks a registration torn down by a server-listen
	// failure (spec.md §7) rather than an explicit removal.
	EventCancel
)

func (t EventType) String() string {
	switch t {
	case EventChildAdded:
		return "child_added"
	case EventChildChanged:
		return "child_changed"
	case EventChildMoved:
		return "child_moved"
	case EventChildRemoved:
		return "child_removed"
	case EventValue:
		return "value"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Event is the opaque-to-the-core unit returned by View, SyncPoint and
// SyncTree. Path is relative to the View's own query path.
type Event struct {
	Type     EventType
	Path     path.Path
	Node     node.Node
	PrevName string
}

// View is a per-query materialization: a server cache, a window over the
// pending write log, and the query's own filter parameters. localCache
// holds the last value handed to a listener; every call that can change
// the materialized result diffs against it and then replaces it, so the
// emitted events always describe exactly the transition the caller
// caused rather than a live-vs-live comparison that would see the same
// pending-write mutation on both sides (spec.md §4.4 mutates the write
// log before dispatching the operation that should report the change).
type View struct {
	q                   query.Query
	serverCache         node.Node
	serverCacheComplete bool
	writes              *write.Ref
	localCache          node.Node
}

// New constructs a View. serverCache may be node.Empty with
// complete=false to represent an as-yet-unknown/partial cache (spec.md
// §4.6).
func New(q query.Query, writes *write.Ref, serverCache node.Node, complete bool) *View {
	if serverCache == nil {
		serverCache = node.Empty
	}
	v := &View{q: q, writes: writes, serverCache: serverCache, serverCacheComplete: complete}
	v.localCache = node.Empty
	return v
}

// GetQuery returns the query this view materializes.
func (v *View) GetQuery() query.Query {
	return v.q
}

// GetServerCache returns the view's own server-delivered cache (not
// patched by pending writes).
func (v *View) GetServerCache() node.Node {
	return v.serverCache
}

// HasCompleteView reports whether the server cache covers the whole
// query window.
func (v *View) HasCompleteView() bool {
	return v.serverCacheComplete
}

// Materialize recomputes the view's visible value: server cache patched
// by pending writes (excluding writeIdsToExclude), windowed by the
// query's params.
func (v *View) Materialize(writeIdsToExclude map[uint64]bool) node.Node {
	full := v.writes.CalcCompleteEventCache(v.serverCache, writeIdsToExclude, true)
	if full == nil {
		full = node.Empty
	}
	return windowed(full, v.q.Params)
}

// InitialEvents returns the event burst for a brand-new registration:
// the diff from nothing to the current materialized value (spec.md
// §4.6).
func (v *View) InitialEvents() []Event {
	after := v.Materialize(nil)
	events := diff(node.Empty, after)
	v.localCache = after
	return events
}

// ApplyOperation absorbs a server-sourced change into the view's own
// server cache (user-sourced operations only affect the pending write
// log, which the caller has already updated before dispatch — see
// spec.md §4.4) and returns the resulting event diff against the value
// last handed to the listener.
func (v *View) ApplyOperation(op operation.Operation) []Event {
	before := v.localCache
	v.absorbServerChange(op)
	after := v.Materialize(nil)
	events := diff(before, after)
	v.localCache = after
	return events
}

func (v *View) absorbServerChange(op operation.Operation) {
	switch o := op.(type) {
	case operation.Overwrite:
		if o.Src.Kind == operation.SourceUser {
			return
		}
		v.serverCache = setAtPath(v.serverCache, o.At, o.Snap)
		if o.At.IsEmpty() {
			v.serverCacheComplete = true
		}
	case operation.Merge:
		if o.Src.Kind == operation.SourceUser {
			return
		}
		base := v.serverCache
		if !o.At.IsEmpty() {
			base = navigate(v.serverCache, o.At)
		}
		merged := applyChangeTree(base, o.ChangeTree)
		v.serverCache = setAtPath(v.serverCache, o.At, merged)
	case operation.ListenComplete:
		v.serverCacheComplete = true
	case operation.AckUserWrite:
		// no-op on serverCache: the pending write log was already
		// mutated by the caller before this operation was dispatched.
	}
}

func navigate(n node.Node, p path.Path) node.Node {
	for _, seg := range p.Segments() {
		n = n.GetImmediateChild(seg)
	}
	return n
}

func setAtPath(n node.Node, p path.Path, value node.Node) node.Node {
	if p.IsEmpty() {
		return value
	}
	key := p.Front()
	return n.UpdateImmediateChild(key, setAtPath(n.GetImmediateChild(key), p.PopFront(), value))
}

func applyChangeTree(base node.Node, changeTree *tree.Tree[node.Node]) node.Node {
	if v, ok := changeTree.Value(); ok {
		return v
	}
	result := base
	changeTree.ForeachChild(func(key string, child *tree.Tree[node.Node]) bool {
		result = result.UpdateImmediateChild(key, applyChangeTree(result.GetImmediateChild(key), child))
		return true
	})
	return result
}

// windowed applies the query's limit/range parameters to n's immediate
// children. Leaves and empty nodes are returned unchanged.
func windowed(n node.Node, p query.Params) node.Node {
	if n.IsLeaf() || n.ChildCount() == 0 || p.LoadsAllData() {
		return n
	}

	type kv struct {
		key   string
		child node.Node
	}
	var all []kv
	n.ForEachChild(func(key string, child node.Node) bool {
		if p.HasStartAt && key < p.StartAt {
			return true
		}
		if p.HasEndAt && key > p.EndAt {
			return true
		}
		all = append(all, kv{key, child})
		return true
	})

	if p.LimitFirst > 0 && len(all) > p.LimitFirst {
		all = all[:p.LimitFirst]
	}
	if p.LimitLast > 0 && len(all) > p.LimitLast {
		all = all[len(all)-p.LimitLast:]
	}

	out := node.Empty
	for _, e := range all {
		out = out.UpdateImmediateChild(e.key, e.child)
	}
	return out
}

func diff(before, after node.Node) []Event {
	events := diffChildren(before, after)
	if !before.Equal(after) {
		events = append(events, Event{Type: EventValue, Path: path.Empty, Node: after})
	}
	return events
}

func diffChildren(before, after node.Node) []Event {
	beforeChildren := map[string]node.Node{}
	before.ForEachChild(func(key string, child node.Node) bool {
		beforeChildren[key] = child
		return true
	})
	afterChildren := map[string]node.Node{}
	after.ForEachChild(func(key string, child node.Node) bool {
		afterChildren[key] = child
		return true
	})

	var afterKeys []string
	for k := range afterChildren {
		afterKeys = append(afterKeys, k)
	}
	slices.Sort(afterKeys)

	var added, changed []Event
	for _, key := range afterKeys {
		ac := afterChildren[key]
		if bc, ok := beforeChildren[key]; ok {
			if !bc.Equal(ac) {
				changed = append(changed, Event{Type: EventChildChanged, Path: path.New(key), Node: ac})
			}
		} else {
			added = append(added, Event{Type: EventChildAdded, Path: path.New(key), Node: ac})
		}
	}

	var removedKeys []string
	for key := range beforeChildren {
		if _, ok := afterChildren[key]; !ok {
			removedKeys = append(removedKeys, key)
		}
	}
	slices.Sort(removedKeys)
	var removed []Event
	for _, key := range removedKeys {
		removed = append(removed, Event{Type: EventChildRemoved, Path: path.New(key), Node: beforeChildren[key]})
	}

	events := make([]Event, 0, len(added)+len(changed)+len(removed))
	events = append(events, added...)
	events = append(events, changed...)
	events = append(events, removed...)
	return events
}
