// Package synctree implements the Sync Tree (spec.md §1–§4): the
// top-level orchestrator that fans Operations out across the Sync Point
// tree, keeps the pending-write log, maintains the tag↔query bijection
// for filtered server subscriptions, and drives an injected
// ListenProvider. Every exported method runs to completion and returns
// its full event set synchronously (spec.md §5) — callers own
// serialization; the Sync Tree itself never locks.
package synctree

import (
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/relaydb/synctree/internal/metrics"
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/operation"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/syncpoint"
	"github.com/relaydb/synctree/tree"
	"github.com/relaydb/synctree/view"
	"github.com/relaydb/synctree/write"
)

// ListenProvider is the external collaborator that actually talks to a
// server (spec.md §6). StartListening may return synchronous bootstrap
// events (providers may replay cached data immediately); onComplete must
// not be invoked before StartListening returns. StopListening is
// idempotent and must not raise.
type ListenProvider interface {
	StartListening(q query.Query, tag *uint64, hashFn func() string, onComplete func(status string, data node.Node)) []view.Event
	StopListening(q query.Query, tag *uint64)
}

// SyncTree is the single logical synchronization object (spec.md §2):
// a path-keyed tree of Sync Points, a pending-write log, and the
// bookkeeping needed to route tagged server updates back to the right
// filtered view.
type SyncTree struct {
	syncPointTree    *tree.Tree[*syncpoint.SyncPoint]
	pendingWriteTree *write.Tree
	queryToTag       map[string]uint64
	tagToQuery       map[uint64]string
	nextQueryTag     uint64
	listenProvider   ListenProvider
	log              *zap.Logger
	metrics          *metrics.Metrics
}

// SetMetrics wires m into the Sync Tree so its operation/event/listener
// counters and population gauges report through it. Passing nil (the
// zero value otherwise left in place by New) reverts to the no-op
// behavior every Metrics method already provides on a nil receiver.
func (st *SyncTree) SetMetrics(m *metrics.Metrics) {
	st.metrics = m
	st.refreshGauges()
}

func (st *SyncTree) refreshGauges() {
	st.metrics.SetRegisteredTags(len(st.queryToTag))
	st.metrics.SetPendingWrites(st.pendingWriteTree.Len())
	st.metrics.SetActiveViews(tree.Fold(st.syncPointTree, func(_ path.Path, value **syncpoint.SyncPoint, childResults map[string]int) int {
		total := 0
		for _, c := range childResults {
			total += c
		}
		if value == nil || *value == nil {
			return total
		}
		sp := *value
		n := len(sp.GetQueryViews())
		return total + n
	}))
}

func (st *SyncTree) recordDispatch(op operation.Operation, events []view.Event) {
	st.metrics.OperationDispatched(kindLabel(op.Kind()))
	for _, e := range events {
		st.metrics.EventEmitted(e.Type.String())
	}
	st.refreshGauges()
}

func kindLabel(k operation.Kind) string {
	switch k {
	case operation.KindOverwrite:
		return "overwrite"
	case operation.KindMerge:
		return "merge"
	case operation.KindAckUserWrite:
		return "ack_user_write"
	case operation.KindListenComplete:
		return "listen_complete"
	default:
		return "unknown"
	}
}

// New constructs an empty Sync Tree driven by provider. A nil logger
// installs a no-op logger.
func New(provider ListenProvider, logger *zap.Logger) *SyncTree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncTree{
		syncPointTree:    tree.Empty[*syncpoint.SyncPoint](),
		pendingWriteTree: write.New(),
		queryToTag:       map[string]uint64{},
		tagToQuery:       map[uint64]string{},
		nextQueryTag:     1,
		listenProvider:   provider,
		log:              logger,
	}
}

// ApplyUserOverwrite records a locally issued overwrite and, if visible,
// dispatches it (spec.md §4.4).
func (st *SyncTree) ApplyUserOverwrite(at path.Path, snap node.Node, writeID uint64, visible bool) []view.Event {
	st.pendingWriteTree.AddOverwrite(at, snap, writeID, visible)
	if !visible {
		return nil
	}
	return st.applyOperationToSyncPoints(operation.NewOverwrite(operation.User, at, snap))
}

// ApplyUserMerge records a locally issued merge and dispatches it. User
// merges are always visible (spec.md §4.4).
func (st *SyncTree) ApplyUserMerge(at path.Path, children map[string]node.Node, writeID uint64) []view.Event {
	st.pendingWriteTree.AddMerge(at, children, writeID)
	return st.applyOperationToSyncPoints(operation.NewMerge(operation.User, at, buildChangeTree(children)))
}

// AckUserWrite removes writeID from the pending write log and, if its
// removal could alter any visible view, dispatches the corresponding
// AckUserWrite operation (spec.md §4.4). writeID must name a write
// still present in the log.
func (st *SyncTree) AckUserWrite(writeID uint64, revert bool) []view.Event {
	w, ok := st.pendingWriteTree.GetWrite(writeID)
	if !ok {
		panic(errors.AssertionFailedf("synctree: ackUserWrite for unknown write id %d", writeID))
	}

	needToReevaluate := st.pendingWriteTree.RemoveWrite(writeID)
	if !needToReevaluate {
		return nil
	}

	return st.applyOperationToSyncPoints(operation.NewAckUserWrite(w.Path, buildAffectedTree(w), revert))
}

// ApplyServerOverwrite dispatches a server-sourced, untagged overwrite
// (spec.md §4.5).
func (st *SyncTree) ApplyServerOverwrite(at path.Path, snap node.Node) []view.Event {
	return st.applyOperationToSyncPoints(operation.NewOverwrite(operation.Server, at, snap))
}

// ApplyServerMerge dispatches a server-sourced, untagged merge.
func (st *SyncTree) ApplyServerMerge(at path.Path, children map[string]node.Node) []view.Event {
	return st.applyOperationToSyncPoints(operation.NewMerge(operation.Server, at, buildChangeTree(children)))
}

// ApplyListenComplete dispatches a server-sourced, untagged listen
// complete.
func (st *SyncTree) ApplyListenComplete(at path.Path) []view.Event {
	return st.applyOperationToSyncPoints(operation.NewListenComplete(operation.Server, at))
}

// ApplyTaggedQueryOverwrite dispatches an overwrite addressed to a
// single tagged (filtered) subscription. An unknown tag (the query was
// already removed between server send and local delivery) is a benign
// drop (spec.md §4.5, §7).
func (st *SyncTree) ApplyTaggedQueryOverwrite(tag uint64, at path.Path, snap node.Node) []view.Event {
	queryPath, ok := st.resolveTagPath(tag)
	if !ok {
		st.log.Debug("dropping tagged overwrite for unknown tag", zap.Uint64("tag", tag))
		return nil
	}
	rel := at.RelativeTo(queryPath)
	return st.applyTaggedOperation(queryPath, operation.NewOverwrite(operation.TaggedQuery(tag), rel, snap))
}

// ApplyTaggedQueryMerge dispatches a merge addressed to a single tagged
// subscription.
func (st *SyncTree) ApplyTaggedQueryMerge(tag uint64, at path.Path, children map[string]node.Node) []view.Event {
	queryPath, ok := st.resolveTagPath(tag)
	if !ok {
		st.log.Debug("dropping tagged merge for unknown tag", zap.Uint64("tag", tag))
		return nil
	}
	rel := at.RelativeTo(queryPath)
	return st.applyTaggedOperation(queryPath, operation.NewMerge(operation.TaggedQuery(tag), rel, buildChangeTree(children)))
}

// ApplyTaggedListenComplete dispatches a listen-complete addressed to a
// single tagged subscription.
func (st *SyncTree) ApplyTaggedListenComplete(tag uint64, at path.Path) []view.Event {
	queryPath, ok := st.resolveTagPath(tag)
	if !ok {
		st.log.Debug("dropping tagged listen-complete for unknown tag", zap.Uint64("tag", tag))
		return nil
	}
	rel := at.RelativeTo(queryPath)
	return st.applyTaggedOperation(queryPath, operation.NewListenComplete(operation.TaggedQuery(tag), rel))
}

func (st *SyncTree) resolveTagPath(tag uint64) (path.Path, bool) {
	key, ok := st.tagToQuery[tag]
	if !ok {
		return path.Empty, false
	}
	p, _, err := query.ParseKey(key)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "synctree: malformed query key in tag registry"))
	}
	return p, true
}

func (st *SyncTree) applyTaggedOperation(queryPath path.Path, op operation.Operation) []view.Event {
	sp, ok := st.syncPointTree.Get(queryPath)
	if !ok {
		return nil
	}
	writesCache := st.pendingWriteTree.ChildWrites(queryPath)
	events := sp.ApplyOperation(op, writesCache, nil)
	st.recordDispatch(op, events)
	return events
}

// applyOperationToSyncPoints routes op through the Sync Point tree
// (spec.md §4.2).
func (st *SyncTree) applyOperationToSyncPoints(op operation.Operation) []view.Event {
	events := st.visit(path.Empty, op, st.pendingWriteTree.ChildWrites(path.Empty), nil)
	st.recordDispatch(op, events)
	return events
}

func (st *SyncTree) visit(at path.Path, op operation.Operation, writesCache *write.Ref, serverCache node.Node) []view.Event {
	if op.Path().IsEmpty() {
		return st.visitSubtree(at, op, writesCache, serverCache)
	}
	return st.visitSinglePath(at, op, writesCache, serverCache)
}

// visitSubtree handles the empty-path case: visit every existing
// descendant Sync Point depth-first in child-key order, then apply op
// at the current Sync Point.
func (st *SyncTree) visitSubtree(at path.Path, op operation.Operation, writesCache *write.Ref, serverCache node.Node) []view.Event {
	var events []view.Event

	subtree := st.syncPointTree.Subtree(at)
	for _, key := range subtree.Children() {
		childOp, ok := op.OperationForChild(key)
		if !ok {
			continue
		}
		var childServerCache node.Node
		if serverCache != nil {
			childServerCache = serverCache.GetImmediateChild(key)
		}
		events = append(events, st.visit(at.Child(key), childOp, writesCache.Child(key), childServerCache)...)
	}

	if sp, ok := st.syncPointTree.Get(at); ok {
		events = append(events, sp.ApplyOperation(op, writesCache, serverCache)...)
	}
	return events
}

// visitSinglePath handles the nonempty-path case: descend exactly one
// child at a time toward op.Path(), adopting an ancestor's complete
// server cache along the way, then apply op (unshifted) at the current
// Sync Point so ancestor views observe the descendant change.
func (st *SyncTree) visitSinglePath(at path.Path, op operation.Operation, writesCache *write.Ref, serverCache node.Node) []view.Event {
	if serverCache == nil {
		if sp, ok := st.syncPointTree.Get(at); ok {
			if complete, hasComplete := sp.GetCompleteView(); hasComplete {
				serverCache = complete.GetServerCache()
			}
		}
	}

	var events []view.Event
	childKey := op.Path().Front()
	if childOp, ok := op.OperationForChild(childKey); ok {
		var childServerCache node.Node
		if serverCache != nil {
			childServerCache = serverCache.GetImmediateChild(childKey)
		}
		events = append(events, st.visit(at.Child(childKey), childOp, writesCache.Child(childKey), childServerCache)...)
	}

	if sp, ok := st.syncPointTree.Get(at); ok {
		events = append(events, sp.ApplyOperation(op, writesCache, serverCache)...)
	}
	return events
}

func buildChangeTree(children map[string]node.Node) *tree.Tree[node.Node] {
	t := tree.Empty[node.Node]()
	for key, child := range children {
		t = t.Set(path.New(key), child)
	}
	return t
}

func buildAffectedTree(w write.PendingWrite) *tree.Tree[bool] {
	t := tree.Empty[bool]()
	if w.IsOverwrite() {
		return t.Set(path.Empty, true)
	}
	for key := range w.Children {
		t = t.Set(path.New(key), true)
	}
	return t
}

// AddEventRegistration registers reg against q, creating Sync Points and
// tagged server subscriptions as needed (spec.md §4.6).
func (st *SyncTree) AddEventRegistration(q query.Query, reg syncpoint.Registration) []view.Event {
	serverCache, serverCacheComplete, foundAncestorDefault := st.seedServerCache(q.Path)

	sp, exists := st.syncPointTree.Get(q.Path)
	if !exists {
		sp = syncpoint.New()
		st.syncPointTree = st.syncPointTree.Set(q.Path, sp)
	}

	if serverCache == nil {
		serverCache, serverCacheComplete = st.assembleFromChildren(q.Path)
	}

	writesCache := st.pendingWriteTree.ChildWrites(q.Path)
	isNewView, events := sp.AddEventRegistration(q, reg, writesCache, serverCache, serverCacheComplete)

	if isNewView && !q.LoadsAllData() {
		st.assignTag(q, sp)
	}

	if isNewView && !foundAncestorDefault {
		events = append(events, st.setupListener(q, sp)...)
	}

	return events
}

// seedServerCache walks from the root to p (inclusive), returning the
// deepest complete server cache found along the way, projected to p,
// and whether any such ancestor (or p itself) exists (spec.md §4.6
// step 1).
func (st *SyncTree) seedServerCache(p path.Path) (cache node.Node, complete bool, found bool) {
	segments := p.Segments()
	walked := path.Empty
	for i := 0; i <= len(segments); i++ {
		if sp, ok := st.syncPointTree.Get(walked); ok {
			if cv, hasComplete := sp.GetCompleteView(); hasComplete {
				found = true
				complete = true
				rel := p.RelativeTo(walked)
				n := cv.GetServerCache()
				for _, seg := range rel.Segments() {
					n = n.GetImmediateChild(seg)
				}
				cache = n
			}
		}
		if i < len(segments) {
			walked = walked.Child(segments[i])
		}
	}
	return cache, complete, found
}

// assembleFromChildren splices together a partial cache for p from any
// immediate children that already have a complete server cache of their
// own (spec.md §4.6 step 3). The assembled cache is always marked
// incomplete.
func (st *SyncTree) assembleFromChildren(p path.Path) (node.Node, bool) {
	assembled := node.Empty
	subtree := st.syncPointTree.Subtree(p)
	subtree.ForeachChild(func(key string, childTree *tree.Tree[*syncpoint.SyncPoint]) bool {
		childSP, ok := childTree.Value()
		if !ok {
			return true
		}
		if complete, hasComplete := childSP.GetCompleteView(); hasComplete {
			assembled = assembled.UpdateImmediateChild(key, complete.GetServerCache())
		}
		return true
	})
	return assembled, false
}

func (st *SyncTree) assignTag(q query.Query, sp *syncpoint.SyncPoint) {
	key := q.Key()
	if _, dup := st.queryToTag[key]; dup {
		panic(errors.AssertionFailedf("synctree: query %q already has a tag", key))
	}
	tag := st.nextQueryTag
	st.nextQueryTag++
	st.queryToTag[key] = tag
	st.tagToQuery[tag] = key
	sp.AssignTag(q, tag)
}

// RemoveEventRegistration removes reg (or every registration, if reg is
// nil) from the view(s) matching q, re-establishing shadowed
// subscriptions and tearing down server listens as needed (spec.md
// §4.7). cancelErr signals the provider already tore the subscription
// down itself (a server-listen failure); it suppresses the redundant
// StopListening call but still emits cancel events.
func (st *SyncTree) RemoveEventRegistration(q query.Query, reg syncpoint.Registration, cancelErr error) (removedQueries []query.Query, cancelEvents []view.Event) {
	sp, ok := st.syncPointTree.Get(q.Path)
	if !ok {
		return nil, nil
	}
	if q.QueryIdentifier() != query.DefaultIdentifier && !sp.ViewExistsForQuery(q) {
		return nil, nil
	}

	removedQueries, cancelEvents = sp.RemoveEventRegistration(q, reg, cancelErr != nil)
	if sp.IsEmpty() {
		st.syncPointTree = st.syncPointTree.Remove(q.Path)
	}

	removingDefault := false
	for _, rq := range removedQueries {
		if rq.LoadsAllData() {
			removingDefault = true
			break
		}
	}

	covered := st.hasAncestorCompleteView(q.Path)

	if removingDefault && !covered {
		st.reestablishShadowedListeners(q.Path)
	}

	if !covered && len(removedQueries) > 0 && cancelErr == nil {
		if removingDefault {
			st.listenProvider.StopListening(queryForListening(q), nil)
			st.metrics.ListenerStopped()
		} else {
			for _, rq := range removedQueries {
				if tag, hasTag := st.queryToTag[rq.Key()]; hasTag {
					st.listenProvider.StopListening(rq, &tag)
					st.metrics.ListenerStopped()
				}
			}
		}
	}

	for _, rq := range removedQueries {
		key := rq.Key()
		if tag, hasTag := st.queryToTag[key]; hasTag {
			delete(st.queryToTag, key)
			delete(st.tagToQuery, tag)
		}
	}

	return removedQueries, cancelEvents
}

// hasAncestorCompleteView reports whether any proper ancestor of p has a
// complete view (spec.md §4.7 step 4's "covered" predicate).
func (st *SyncTree) hasAncestorCompleteView(p path.Path) bool {
	walked := path.Empty
	for _, seg := range p.Segments() {
		if sp, ok := st.syncPointTree.Get(walked); ok {
			if sp.HasCompleteView() {
				return true
			}
		}
		walked = walked.Child(seg)
	}
	return false
}

// reestablishShadowedListeners restarts subscriptions for every view at
// or below p that lost the shadow of a just-removed default listener
// (spec.md §4.7 step 5).
func (st *SyncTree) reestablishShadowedListeners(p path.Path) {
	for _, v := range collectViewsForListen(st.syncPointTree.Subtree(p)) {
		sp, ok := st.syncPointTree.Get(v.GetQuery().Path)
		if !ok {
			continue
		}
		st.setupListener(v.GetQuery(), sp)
	}
}

// collectViewsForListen folds a subtree into the set of views that need
// their own subscription: at each node, the complete view if one
// exists (which shadows everything below it), otherwise the node's own
// filtered views plus its children's results (spec.md §4.7 step 5,
// §4.8 step 3).
func collectViewsForListen(t *tree.Tree[*syncpoint.SyncPoint]) []*view.View {
	return tree.Fold[*syncpoint.SyncPoint, []*view.View](t, func(_ path.Path, value **syncpoint.SyncPoint, childResults map[string][]*view.View) []*view.View {
		var sp *syncpoint.SyncPoint
		if value != nil {
			sp = *value
		}
		if sp != nil {
			if complete, ok := sp.GetCompleteView(); ok {
				return []*view.View{complete}
			}
		}

		var out []*view.View
		if sp != nil {
			out = append(out, sp.GetQueryViews()...)
		}
		keys := make([]string, 0, len(childResults))
		for k := range childResults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, childResults[k]...)
		}
		return out
	})
}

// queryForListening canonicalizes a query that loads all data but is
// not the literal default into its plain reference form: such queries
// are subscribable as defaults and must collapse to one subscription
// (spec.md §4.8).
func queryForListening(q query.Query) query.Query {
	if q.LoadsAllData() && !q.IsDefault() {
		return q.GetRef()
	}
	return q
}

// setupListener starts a server subscription for a newly (re)established
// view and, if it is a default/unfiltered listener, stops any
// subscriptions it now shadows: tagged (filtered) listens at q.Path
// itself and the listens of every Sync Point below it (spec.md §4.8).
func (st *SyncTree) setupListener(q query.Query, sp *syncpoint.SyncPoint) []view.Event {
	v, ok := sp.ViewForQuery(q)
	if !ok {
		return nil
	}

	var tagPtr *uint64
	if tag, hasTag := st.queryToTag[q.Key()]; hasTag {
		tagPtr = &tag
	}

	hashFn := func() string {
		sc := v.GetServerCache()
		if sc == nil {
			return node.EmptyHash
		}
		return sc.Hash()
	}
	onComplete := func(status string, data node.Node) {
		if status == "ok" {
			if tagPtr != nil {
				st.ApplyTaggedListenComplete(*tagPtr, q.Path)
			} else {
				st.ApplyListenComplete(q.Path)
			}
			return
		}
		st.log.Warn("server listen failed", zap.String("query", q.Key()), zap.String("status", status))
		st.RemoveEventRegistration(q, nil, errors.Newf("synctree: listen failed for %s: %s", q.Key(), status))
	}

	bootstrap := st.listenProvider.StartListening(queryForListening(q), tagPtr, hashFn, onComplete)
	st.metrics.ListenerStarted()

	if tagPtr != nil {
		if sp.HasCompleteView() {
			panic(errors.AssertionFailedf("synctree: tagged listener at %s coexists with a complete view", q.Path))
		}
	} else {
		for _, fv := range sp.GetQueryViews() {
			fq := fv.GetQuery()
			if ftag, hasTag := st.queryToTag[fq.Key()]; hasTag {
				st.listenProvider.StopListening(fq, &ftag)
				st.metrics.ListenerStopped()
			}
		}
		subtree := st.syncPointTree.Subtree(q.Path)
		subtree.ForeachChild(func(key string, childTree *tree.Tree[*syncpoint.SyncPoint]) bool {
			for _, dv := range collectViewsForListen(childTree) {
				dq := dv.GetQuery()
				var dtagPtr *uint64
				if dtag, hasTag := st.queryToTag[dq.Key()]; hasTag {
					dtagPtr = &dtag
				}
				st.listenProvider.StopListening(dq, dtagPtr)
				st.metrics.ListenerStopped()
			}
			return true
		})
	}

	return bootstrap
}

// CalcCompleteEventCache reconstructs the materialized value at at for
// the transaction engine: the nearest ancestor Sync Point with a
// complete server cache is the baseline, overlaid with pending writes
// including hidden ones (spec.md §4.9).
func (st *SyncTree) CalcCompleteEventCache(at path.Path, writeIdsToExclude map[uint64]bool) node.Node {
	serverCache, _ := tree.FindOnPath[*syncpoint.SyncPoint, node.Node](st.syncPointTree, at, func(walked path.Path, sp *syncpoint.SyncPoint) (node.Node, bool) {
		complete, ok := sp.GetCompleteView()
		if !ok {
			return nil, false
		}
		rel := at.RelativeTo(walked)
		n := complete.GetServerCache()
		for _, seg := range rel.Segments() {
			n = n.GetImmediateChild(seg)
		}
		return n, true
	})
	return st.pendingWriteTree.CalcCompleteEventCache(at, serverCache, writeIdsToExclude, true)
}
