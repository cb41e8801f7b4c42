// Package syncpoint implements the Sync Point: the collection of Views
// sharing a single tree location, and the registration/operation-routing
// bookkeeping a Sync Tree needs at that location (spec.md §3 "SyncPoint",
// §4.3, §4.6, §4.7).
package syncpoint

import (
	"sort"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/operation"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/view"
	"github.com/relaydb/synctree/write"
)

// Registration is an opaque per-subscriber handle; the core never
// inspects it, only tracks membership for removal (spec.md §1: event
// dispatch to user callbacks is an external collaborator's concern).
type Registration any

type trackedView struct {
	view          *view.View
	tag           uint64 // 0 means untagged (default/unfiltered, or not yet assigned)
	registrations []Registration
}

func (tv *trackedView) removeRegistration(reg Registration) (becameEmpty bool) {
	if reg == nil {
		tv.registrations = nil
		return true
	}
	for i, r := range tv.registrations {
		if r == reg {
			tv.registrations = append(tv.registrations[:i], tv.registrations[i+1:]...)
			break
		}
	}
	return len(tv.registrations) == 0
}

// SyncPoint is a collection of Views sharing a path, keyed by query
// identifier (spec.md §3). Invariant: at most one complete (loads-all)
// view per Sync Point.
type SyncPoint struct {
	views map[string]*trackedView
}

// New returns an empty Sync Point.
func New() *SyncPoint {
	return &SyncPoint{views: map[string]*trackedView{}}
}

// IsEmpty reports whether this Sync Point has no views left (spec.md §3
// global invariant 4: empty Sync Points are pruned from the tree).
func (sp *SyncPoint) IsEmpty() bool {
	return len(sp.views) == 0
}

// HasCompleteView reports whether a view loading all data at this path
// has a fully delivered server cache.
func (sp *SyncPoint) HasCompleteView() bool {
	_, ok := sp.GetCompleteView()
	return ok
}

// GetCompleteView returns the view whose query loads all data and whose
// server cache is complete, if one exists.
func (sp *SyncPoint) GetCompleteView() (*view.View, bool) {
	for _, tv := range sp.views {
		if tv.view.GetQuery().LoadsAllData() && tv.view.HasCompleteView() {
			return tv.view, true
		}
	}
	return nil, false
}

// ViewExistsForQuery reports whether a view for q's identifier is
// already registered at this Sync Point.
func (sp *SyncPoint) ViewExistsForQuery(q query.Query) bool {
	_, ok := sp.views[q.QueryIdentifier()]
	return ok
}

// ViewForQuery returns the view matching q's identifier, if any.
func (sp *SyncPoint) ViewForQuery(q query.Query) (*view.View, bool) {
	tv, ok := sp.views[q.QueryIdentifier()]
	if !ok {
		return nil, false
	}
	return tv.view, true
}

// GetQueryViews returns every view at this Sync Point, ordered by query
// identifier for deterministic iteration.
func (sp *SyncPoint) GetQueryViews() []*view.View {
	out := make([]*view.View, 0, len(sp.views))
	for _, id := range sp.sortedIdentifiers() {
		out = append(out, sp.views[id].view)
	}
	return out
}

// GetCompleteServerCache returns the complete view's server cache
// projected to relPath, or nil if no complete view exists here.
func (sp *SyncPoint) GetCompleteServerCache(relPath path.Path) node.Node {
	complete, ok := sp.GetCompleteView()
	if !ok {
		return nil
	}
	n := complete.GetServerCache()
	for _, seg := range relPath.Segments() {
		n = n.GetImmediateChild(seg)
	}
	return n
}

// AssignTag records the wire tag assigned to a newly registered filtered
// query's view (spec.md §4.6 step 5). Must be called at most once per
// query and only for queries that do not load all data.
func (sp *SyncPoint) AssignTag(q query.Query, tag uint64) {
	if tv, ok := sp.views[q.QueryIdentifier()]; ok {
		tv.tag = tag
	}
}

// TagForQuery returns the tag assigned to q's view, if any.
func (sp *SyncPoint) TagForQuery(q query.Query) (uint64, bool) {
	tv, ok := sp.views[q.QueryIdentifier()]
	if !ok || tv.tag == 0 {
		return 0, false
	}
	return tv.tag, true
}

func (sp *SyncPoint) sortedIdentifiers() []string {
	ids := make([]string, 0, len(sp.views))
	for id := range sp.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyOperation routes op to the appropriate View(s) and returns their
// concatenated events (spec.md §4.3): a ServerTaggedQuery-sourced
// operation goes only to the view with the matching tag; everything
// else goes to every view, each deciding for itself how the operation
// affects its own filtered window.
func (sp *SyncPoint) ApplyOperation(op operation.Operation, writesCache *write.Ref, serverCache node.Node) []view.Event {
	src := op.Source()
	var events []view.Event

	if src.Kind == operation.SourceServerTaggedQuery {
		for _, id := range sp.sortedIdentifiers() {
			tv := sp.views[id]
			if tv.tag == src.QueryID {
				events = append(events, tv.view.ApplyOperation(op)...)
				break
			}
		}
		return events
	}

	for _, id := range sp.sortedIdentifiers() {
		events = append(events, sp.views[id].view.ApplyOperation(op)...)
	}
	return events
}

// AddEventRegistration creates the view for q if it does not yet exist,
// tracks reg against it, and returns the initial event burst for this
// registration plus whether the view was newly created (spec.md §4.6
// steps 4–6; step 5's tag assignment and step 7's listener setup are the
// caller's — synctree's — responsibility since they require state this
// Sync Point does not hold).
func (sp *SyncPoint) AddEventRegistration(q query.Query, reg Registration, writesCache *write.Ref, serverCache node.Node, serverCacheComplete bool) (isNewView bool, events []view.Event) {
	identifier := q.QueryIdentifier()
	tv, exists := sp.views[identifier]
	if !exists {
		tv = &trackedView{view: view.New(q, writesCache, serverCache, serverCacheComplete)}
		sp.views[identifier] = tv
		isNewView = true
	}
	if reg != nil {
		tv.registrations = append(tv.registrations, reg)
	}
	events = tv.view.InitialEvents()
	return isNewView, events
}

// RemoveEventRegistration removes reg (or every registration, if reg is
// nil) from the view(s) matching q, dropping views that become fully
// unregistered (spec.md §4.7). A removal against the literal default
// identifier is a meta-query affecting every view at this Sync Point;
// any other identifier — including one that happens to load all data —
// affects only its own view.
func (sp *SyncPoint) RemoveEventRegistration(q query.Query, reg Registration, cancelError bool) (removedQueries []query.Query, cancelEvents []view.Event) {
	var targets []string
	if q.QueryIdentifier() == query.DefaultIdentifier {
		targets = sp.sortedIdentifiers()
	} else if _, ok := sp.views[q.QueryIdentifier()]; ok {
		targets = []string{q.QueryIdentifier()}
	}

	for _, id := range targets {
		tv := sp.views[id]
		if tv.removeRegistration(reg) {
			removedQueries = append(removedQueries, tv.view.GetQuery())
			if cancelError {
				cancelEvents = append(cancelEvents, view.Event{Type: view.EventCancel, Path: path.Empty})
			}
			delete(sp.views, id)
		}
	}
	return removedQueries, cancelEvents
}
