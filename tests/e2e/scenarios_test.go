// Package e2e exercises the Sync Tree against a real ListenProvider
// (transport.MemoryProvider) rather than the fakes synctree's own unit
// tests use, covering the concrete scenarios spec.md §8 calls out.
package e2e

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/synctree"
	"github.com/relaydb/synctree/transport"
	"github.com/relaydb/synctree/view"
)

func newTreeOverMemory() (*synctree.SyncTree, *transport.MemoryProvider) {
	provider := transport.NewMemoryProvider()
	st := synctree.New(provider, nil)
	provider.SetSink(st)
	return st, provider
}

func lastValueEvent(events []view.Event) (view.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == view.EventValue {
			return events[i], true
		}
	}
	return view.Event{}, false
}

var _ = ginkgo.Describe("[Sync Tree scenarios]", func() {
	require := require.New(ginkgo.GinkgoT())

	ginkgo.It("optimistic-then-ack settles on the matching server value with no further change on ack", func() {
		st, _ := newTreeOverMemory()
		a := path.Parse("a")
		optimistic := node.Empty.UpdateImmediateChild("x", node.Leaf(1.0))

		st.AddEventRegistration(query.New(a), "cb")

		ginkgo.By("applying the optimistic overwrite")
		events := st.ApplyUserOverwrite(a, optimistic, 1, true)
		v, ok := lastValueEvent(events)
		require.True(ok)
		require.True(v.Node.Equal(optimistic))

		ginkgo.By("the server confirming the same value")
		events = st.ApplyServerOverwrite(a, optimistic)
		require.Empty(events, "the server value matches the pending write, so nothing visible changes")

		ginkgo.By("acking the write without reverting it")
		events = st.AckUserWrite(1, false)
		require.Empty(events, "ack with revert=false never contradicts what's already been shown")

		require.True(st.CalcCompleteEventCache(a, nil).Equal(optimistic))
	})

	ginkgo.It("reverting a write restores the prior (empty) server state", func() {
		st, _ := newTreeOverMemory()
		a := path.Parse("a")

		events := st.AddEventRegistration(query.New(a), "cb")
		require.Empty(events)

		nine := node.Empty.UpdateImmediateChild("x", node.Leaf(9.0))
		events = st.ApplyUserOverwrite(a, nine, 1, true)
		v, ok := lastValueEvent(events)
		require.True(ok)
		require.True(v.Node.Equal(nine))

		events = st.AckUserWrite(1, true)
		v, ok = lastValueEvent(events)
		require.True(ok, "reverting a write that changed the visible value must emit a correcting value event")
		require.True(v.Node.Equal(node.Empty))
	})

	ginkgo.It("a default registration shadows and replaces an existing filtered listen", func() {
		st, provider := newTreeOverMemory()
		a := path.Parse("a")

		filtered := query.WithParams(a, query.Params{OrderBy: query.OrderByKey, LimitFirst: 1})
		st.AddEventRegistration(filtered, "filtered-cb")
		require.Equal(1, len(provider.Subscriptions()), "the filtered listen should be active")

		st.AddEventRegistration(query.New(a), "default-cb")
		subs := provider.Subscriptions()
		require.Equal(1, len(subs), "the default registration stops the filtered listen and starts its own")
		_, isTagged := subs[0].Tag()
		require.False(isTagged, "the surviving subscription is the untagged default")

		events := provider.Publish(a, node.Leaf("hello"))
		require.NotEmpty(events, "both views should receive the default-sourced update")
	})

	ginkgo.It("a tag is never reused after its query is removed", func() {
		st, _ := newTreeOverMemory()
		a := path.Parse("a")

		q1 := query.WithParams(a, query.Params{OrderBy: query.OrderByKey, LimitFirst: 1})
		st.AddEventRegistration(q1, "cb1")
		removed, _ := st.RemoveEventRegistration(q1, "cb1", nil)
		require.Len(removed, 1)

		q2 := query.WithParams(a, query.Params{OrderBy: query.OrderByKey, LimitFirst: 2})
		st.AddEventRegistration(q2, "cb2")

		events := st.ApplyTaggedQueryOverwrite(1, a, node.Leaf("stale"))
		require.Empty(events, "tag 1 was retired with q1 and must not resolve to q2's view")
	})

	ginkgo.It("an assembled cache from complete children starts incomplete and promotes on listen-complete", func() {
		st, provider := newTreeOverMemory()
		a := path.Parse("a")

		st.AddEventRegistration(query.New(path.Parse("a/b")), "cb-b")
		provider.Publish(path.Parse("a/b"), node.Leaf("B"))
		st.AddEventRegistration(query.New(path.Parse("a/c")), "cb-c")
		provider.Publish(path.Parse("a/c"), node.Leaf("C"))

		events := st.AddEventRegistration(query.New(a), "cb-a")
		v, ok := lastValueEvent(events)
		require.True(ok)
		require.True(v.Node.GetImmediateChild("b").Equal(node.Leaf("B")))
		require.True(v.Node.GetImmediateChild("c").Equal(node.Leaf("C")))

		st.ApplyListenComplete(a)
		got := st.CalcCompleteEventCache(a, nil)
		require.True(got.GetImmediateChild("b").Equal(node.Leaf("B")))
	})

	ginkgo.It("drops a tagged overwrite addressed to an unknown tag", func() {
		st, _ := newTreeOverMemory()
		events := st.ApplyTaggedQueryOverwrite(42, path.Parse("a"), node.Leaf("x"))
		require.Empty(events)
	})
})
