package transport

import (
	"sort"
	"sync"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/view"
)

type subscription struct {
	q   query.Query
	tag *uint64
}

// Subscription is a read-only snapshot of one active listen, for
// introspection by operators and tests.
type Subscription struct {
	Query query.Query
	tag   *uint64
}

// Tag returns the wire tag this subscription was registered under, if
// it is a filtered (non-default) listen.
func (s Subscription) Tag() (uint64, bool) {
	if s.tag == nil {
		return 0, false
	}
	return *s.tag, true
}

// MemoryProvider is an in-process ListenProvider backed by a single
// authoritative node.Node tree. It is the loopback transport for
// embedding a Sync Tree in the same process as its data source, and a
// more realistic stand-in for synctree's test fakeProvider: it actually
// stores data and replays it on (re)subscription rather than always
// returning nothing.
type MemoryProvider struct {
	mu   sync.Mutex
	root node.Node
	subs map[string]subscription
	sink Sink
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{root: node.Empty, subs: map[string]subscription{}}
}

// SetSink wires the owning Sync Tree in; it must be called before the
// first StartListening.
func (p *MemoryProvider) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// StartListening records the subscription and replays the currently
// known value at q.Path as a bootstrap overwrite, then reports the
// listen complete. There is no network round trip to wait on, so unlike
// WSProvider this runs onComplete inline on the caller's goroutine
// rather than handing it to a separate event loop.
func (p *MemoryProvider) StartListening(q query.Query, tag *uint64, hashFn func() string, onComplete func(status string, data node.Node)) []view.Event {
	p.mu.Lock()
	p.subs[q.Key()] = subscription{q: q, tag: tag}
	data := navigate(p.root, q.Path)
	sink := p.sink
	p.mu.Unlock()

	var events []view.Event
	if sink != nil {
		if tag != nil {
			events = sink.ApplyTaggedQueryOverwrite(*tag, q.Path, data)
		} else {
			events = sink.ApplyServerOverwrite(q.Path, data)
		}
	}

	onComplete("ok", nil)
	return events
}

// Subscriptions returns a snapshot of every currently active listen, in
// a stable (sorted by key) order.
func (p *MemoryProvider) Subscriptions() []Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.subs))
	for k := range p.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Subscription, 0, len(keys))
	for _, k := range keys {
		sub := p.subs[k]
		out = append(out, Subscription{Query: sub.q, tag: sub.tag})
	}
	return out
}

// StopListening drops the subscription. Idempotent.
func (p *MemoryProvider) StopListening(q query.Query, tag *uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, q.Key())
}

// Publish writes value at at in the authoritative store and pushes the
// change out: once through the untagged dispatch path (which already
// reaches every unfiltered view in the tree regardless of where its
// subscription sits), and once per tagged subscription whose window
// overlaps at, returning the resulting events.
func (p *MemoryProvider) Publish(at path.Path, value node.Node) []view.Event {
	p.mu.Lock()
	p.root = setAt(p.root, at, value)
	sink := p.sink
	tagged := p.matchingTaggedSubscriptions(at)
	p.mu.Unlock()

	if sink == nil {
		return nil
	}

	events := sink.ApplyServerOverwrite(at, value)
	for _, sub := range tagged {
		var dest path.Path
		var v node.Node
		if sub.q.Path.Contains(at) {
			dest, v = at, value
		} else {
			dest, v = sub.q.Path, navigate(value, sub.q.Path.RelativeTo(at))
		}
		events = append(events, sink.ApplyTaggedQueryOverwrite(*sub.tag, dest, v)...)
	}
	return events
}

func (p *MemoryProvider) matchingTaggedSubscriptions(at path.Path) []subscription {
	var out []subscription
	keys := make([]string, 0, len(p.subs))
	for k := range p.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub := p.subs[k]
		if sub.tag == nil {
			continue
		}
		if at.Contains(sub.q.Path) || sub.q.Path.Contains(at) {
			out = append(out, sub)
		}
	}
	return out
}

func navigate(n node.Node, p path.Path) node.Node {
	for _, seg := range p.Segments() {
		n = n.GetImmediateChild(seg)
	}
	return n
}

func setAt(n node.Node, p path.Path, value node.Node) node.Node {
	if p.IsEmpty() {
		return value
	}
	key := p.Front()
	return n.UpdateImmediateChild(key, setAt(n.GetImmediateChild(key), p.PopFront(), value))
}
