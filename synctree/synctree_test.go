package synctree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/synctree"
	"github.com/relaydb/synctree/view"
)

type startCall struct {
	query query.Query
	tag   *uint64
}

type fakeProvider struct {
	starts []startCall
	stops  []startCall
}

func (p *fakeProvider) StartListening(q query.Query, tag *uint64, hashFn func() string, onComplete func(status string, data node.Node)) []view.Event {
	p.starts = append(p.starts, startCall{query: q, tag: tag})
	return nil
}

func (p *fakeProvider) StopListening(q query.Query, tag *uint64) {
	p.stops = append(p.stops, startCall{query: q, tag: tag})
}

func (p *fakeProvider) startCount() int { return len(p.starts) }
func (p *fakeProvider) stopCount() int  { return len(p.stops) }

func TestAddEventRegistrationStartsAListenerAtRoot(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	events := st.AddEventRegistration(query.New(path.Empty), "cb")
	require.Empty(t, events, "nothing is known yet, so no synchronous burst is fired")
	require.Equal(t, 1, provider.startCount())
	require.Nil(t, provider.starts[0].tag, "the default query listens untagged")
}

func TestSecondRegistrationAtSamePathDoesNotStartAnotherListener(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	q := query.New(path.Empty)
	st.AddEventRegistration(q, "cb1")
	st.AddEventRegistration(q, "cb2")
	require.Equal(t, 1, provider.startCount(), "the view already exists, so no new listener is needed")
}

func TestFilteredQueryGetsATag(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	limited := query.WithParams(path.Parse("a"), query.Params{LimitFirst: 1})
	st.AddEventRegistration(limited, "cb")

	require.Len(t, provider.starts, 1)
	require.NotNil(t, provider.starts[0].tag)
	require.Equal(t, uint64(1), *provider.starts[0].tag, "tags are assigned starting at 1")
}

func TestChildRegistrationIsShadowedByExistingAncestorDefaultView(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "root-cb")
	require.Equal(t, 1, provider.startCount())
	st.ApplyListenComplete(path.Empty)

	st.AddEventRegistration(query.New(path.Parse("a")), "child-cb")
	require.Equal(t, 1, provider.startCount(), "a descendant of a complete default view needs no listener of its own")
}

func TestApplyUserOverwriteThenMatchingAckIsIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "cb")

	optimistic := st.ApplyUserOverwrite(path.Empty, node.Leaf("local"), 1, true)
	require.Len(t, optimistic, 1)
	require.True(t, optimistic[0].Node.Equal(node.Leaf("local")))

	st.ApplyServerOverwrite(path.Empty, node.Leaf("local"))

	ackEvents := st.AckUserWrite(1, false)
	require.Empty(t, ackEvents, "the server already caught up to the optimistic value, so acking changes nothing observable")
}

func TestAckWithRevertRestoresServerValue(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "cb")
	st.ApplyServerOverwrite(path.Empty, node.Leaf("server"))
	st.ApplyUserOverwrite(path.Empty, node.Leaf("optimistic"), 1, true)

	events := st.AckUserWrite(1, true)
	require.Len(t, events, 1)
	require.True(t, events[0].Node.Equal(node.Leaf("server")), "reverting an ack restores the server value beneath the write")
}

func TestInvisibleWriteProducesNoEvents(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "cb")
	events := st.ApplyUserOverwrite(path.Empty, node.Leaf("hidden"), 1, false)
	require.Empty(t, events)
}

func TestRemoveEventRegistrationReestablishesShadowedChildListener(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Parse("a")), "child-cb")
	require.Equal(t, 1, provider.startCount())

	st.AddEventRegistration(query.New(path.Empty), "root-cb")
	require.Equal(t, 2, provider.startCount(), "the new default view listens at root")
	require.Equal(t, 1, provider.stopCount(), "the now-shadowed child listener is stopped")

	st.RemoveEventRegistration(query.New(path.Empty), "root-cb", nil)
	require.Equal(t, 3, provider.startCount(), "removing the shadowing default re-establishes the child listener")
}

func TestRemoveEventRegistrationStopsListenerWhenLastCallbackGoes(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	q := query.New(path.Empty)
	st.AddEventRegistration(q, "cb")
	removed, _ := st.RemoveEventRegistration(q, "cb", nil)
	require.Len(t, removed, 1)
	require.Equal(t, 1, provider.stopCount())
}

func TestUnknownTagIsBenignlyDropped(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	events := st.ApplyTaggedQueryOverwrite(999, path.Empty, node.Leaf("x"))
	require.Empty(t, events)
}

func TestCalcCompleteEventCacheOverlaysPendingWrites(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "cb")
	st.ApplyServerOverwrite(path.Empty, node.Empty.UpdateImmediateChild("a", node.Leaf("server")))
	st.ApplyUserOverwrite(path.Parse("a"), node.Leaf("local"), 1, true)

	result := st.CalcCompleteEventCache(path.Parse("a"), nil)
	require.True(t, result.Equal(node.Leaf("local")))
}

func TestCalcCompleteEventCacheExcludesGivenWriteIDs(t *testing.T) {
	provider := &fakeProvider{}
	st := synctree.New(provider, nil)

	st.AddEventRegistration(query.New(path.Empty), "cb")
	st.ApplyServerOverwrite(path.Empty, node.Empty.UpdateImmediateChild("a", node.Leaf("server")))
	st.ApplyUserOverwrite(path.Parse("a"), node.Leaf("local"), 1, true)

	result := st.CalcCompleteEventCache(path.Parse("a"), map[uint64]bool{1: true})
	require.True(t, result.Equal(node.Leaf("server")), "excluding the only pending write falls back to the server value")
}
