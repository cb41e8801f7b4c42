package retryheap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/internal/retryheap"
)

func TestPopDueReturnsSoonestFirst(t *testing.T) {
	h := retryheap.New()
	base := time.Unix(1000, 0)

	h.Schedule("c", base.Add(3*time.Second))
	h.Schedule("a", base.Add(1*time.Second))
	h.Schedule("b", base.Add(2*time.Second))

	due := h.PopDue(base.Add(2 * time.Second))
	require.Len(t, due, 2)
	require.Equal(t, "a", due[0].Key)
	require.Equal(t, "b", due[1].Key)
	require.Equal(t, 1, h.Len())
}

func TestScheduleOnExistingKeyReschedulesInPlace(t *testing.T) {
	h := retryheap.New()
	base := time.Unix(1000, 0)

	h.Schedule("x", base.Add(5*time.Second))
	h.Schedule("x", base.Add(1*time.Second))

	require.Equal(t, 1, h.Len())
	e, ok := h.Peek()
	require.True(t, ok)
	require.Equal(t, base.Add(1*time.Second), e.NextAttempt)
	require.Equal(t, 2, e.Attempts)
}

func TestCancelRemovesEntry(t *testing.T) {
	h := retryheap.New()
	h.Schedule("x", time.Unix(1000, 0))
	h.Cancel("x")
	require.Equal(t, 0, h.Len())
	_, ok := h.Peek()
	require.False(t, ok)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	require.Equal(t, time.Second, retryheap.Backoff(1, base, max))
	require.Equal(t, 2*time.Second, retryheap.Backoff(2, base, max))
	require.Equal(t, 4*time.Second, retryheap.Backoff(3, base, max))
	require.Equal(t, max, retryheap.Backoff(10, base, max))
}
