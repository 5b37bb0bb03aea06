package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URL)
	}
	return out
}

func TestInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Options{})

	first, created := s.Insert("root://ep//a.root")
	require.True(t, created)
	assert.Equal(t, StatusQueued, first.Status)
	assert.NotZero(t, first.InstanceID)

	second, created := s.Insert("root://ep//a.root")
	assert.False(t, created)
	assert.Equal(t, first.Rank, second.Rank)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, 1, s.Summary().Total())
}

func TestCondInsertKeepsExistingTree(t *testing.T) {
	t.Parallel()
	s := New(Options{})

	e, created := s.CondInsert("u", "/esdTree")
	require.True(t, created)
	assert.Equal(t, "/esdTree", e.TreeName)

	e, created = s.CondInsert("u", "/aodTree")
	assert.False(t, created)
	assert.Equal(t, "/esdTree", e.TreeName)
}

func TestRanksStrictlyIncrease(t *testing.T) {
	t.Parallel()
	s := New(Options{})

	var last int64
	for i := range 10 {
		e, _ := s.Insert(fmt.Sprintf("u%d", i))
		assert.Greater(t, e.Rank, last)
		last = e.Rank
	}
}

func TestSuccessStoresResult(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	s.Insert("u")
	require.NoError(t, s.SetStatus("u", StatusRunning))

	_, err := s.Success("u", Result{
		EndpointURL: "root://ep/f",
		TreeName:    "/esdTree",
		Events:      100,
		SizeBytes:   2048,
	})
	require.NoError(t, err)

	got, ok := s.Lookup("u")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "root://ep/f", got.EndpointURL)
	assert.Equal(t, "/esdTree", got.ResultTree)
	assert.Equal(t, uint64(100), got.Events)
	assert.Equal(t, uint64(2048), got.SizeBytes)
}

func TestSuccessUnknownURL(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	_, err := s.Success("missing", Result{})
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = s.Failed("missing", true)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, s.SetStatus("missing", StatusRunning), ErrEntryNotFound)
}

func TestFailedReachesThreshold(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 2})
	s.Insert("u")

	e, err := s.Failed("u", true)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, e.Status)
	assert.Equal(t, 1, e.Failures)

	e, err = s.Failed("u", true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 2, e.Failures)

	again, err := s.Failed("u", true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, e.Rank, again.Rank)
	assert.Equal(t, 2, again.Failures)
	assert.Empty(t, s.QueryByStatus(StatusQueued, 0))
}

func TestFailedUnlimitedRetries(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 0})
	s.Insert("u")

	for range 50 {
		e, err := s.Failed("u", false)
		require.NoError(t, err)
		require.Equal(t, StatusQueued, e.Status)
	}
	e, _ := s.Lookup("u")
	assert.Equal(t, 50, e.Failures)
	assert.False(t, e.Staged)
}

func TestFailedRequeuesAtTail(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 5})
	for _, u := range []string{"a", "b", "c"} {
		s.Insert(u)
	}
	require.NoError(t, s.SetStatus("a", StatusRunning))

	queuedBefore := s.QueryByStatus(StatusQueued, 0)
	e, err := s.Failed("a", true)
	require.NoError(t, err)

	for _, other := range queuedBefore {
		assert.Greater(t, e.Rank, other.Rank)
	}
	assert.Equal(t, []string{"b", "c", "a"}, urls(s.QueryByStatus(StatusQueued, 0)))
}

func TestQueryByStatusOrderAndLimit(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	for _, u := range []string{"a", "b", "c", "d"} {
		s.Insert(u)
	}
	require.NoError(t, s.SetStatus("c", StatusRunning))
	require.NoError(t, s.SetStatus("a", StatusRunning))

	assert.Equal(t, []string{"b", "d"}, urls(s.QueryByStatus(StatusQueued, 0)))
	assert.Equal(t, []string{"b"}, urls(s.QueryByStatus(StatusQueued, 1)))
	assert.Equal(t, []string{"a", "c"}, urls(s.QueryByStatus(StatusRunning, 10)))
	assert.Empty(t, s.QueryByStatus(StatusSuccess, 0))
}

func TestQueryReturnsSnapshots(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	s.Insert("a")

	snap := s.QueryByStatus(StatusQueued, 0)
	require.NoError(t, s.SetStatus("a", StatusRunning))
	assert.Equal(t, StatusQueued, snap[0].Status)
}

func TestFlushRemovesOnlyTerminal(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 1})
	for _, u := range []string{"q", "r", "ok", "bad"} {
		s.Insert(u)
	}
	require.NoError(t, s.SetStatus("r", StatusRunning))
	_, err := s.Success("ok", Result{})
	require.NoError(t, err)
	_, err = s.Failed("bad", true)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Flush())
	sum := s.Summary()
	assert.Equal(t, Summary{Queued: 1, Running: 1}, sum)

	_, ok := s.Lookup("ok")
	assert.False(t, ok)
	_, ok = s.Lookup("q")
	assert.True(t, ok)
	assert.Equal(t, 0, s.Flush())
}

func TestFlushEntriesReturnsRemoved(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 1})
	s.Insert("ok")
	s.Insert("bad")
	_, _ = s.Failed("bad", false)
	_, _ = s.Success("ok", Result{SizeBytes: 7})

	removed := s.FlushEntries()
	require.Len(t, removed, 2)
	assert.Equal(t, "ok", removed[0].URL)
	assert.Equal(t, uint64(7), removed[0].SizeBytes)
	assert.Equal(t, "bad", removed[1].URL)
	assert.False(t, removed[1].Staged)
}

func TestLookupInstance(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	e, _ := s.Insert("u")

	got, ok := s.LookupInstance(e.InstanceID)
	require.True(t, ok)
	assert.Equal(t, "u", got.URL)

	_, _ = s.Success("u", Result{})
	s.Flush()
	_, ok = s.LookupInstance(e.InstanceID)
	assert.False(t, ok)
}

func TestSetMaxFailuresAppliesToNextFailure(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxFailures: 0})
	s.Insert("u")
	_, _ = s.Failed("u", true)

	s.SetMaxFailures(2)
	e, err := s.Failed("u", true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	s := New(Options{})
	s.Insert("u")
	assert.Error(t, s.SetStatus("u", Status("bogus")))
}

func TestConcurrentInsert(t *testing.T) {
	t.Parallel()
	s := New(Options{})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 100 {
				s.Insert(fmt.Sprintf("u%d", (w*37+i)%200))
			}
		}(w)
	}
	wg.Wait()

	queued := s.QueryByStatus(StatusQueued, 0)
	assert.Equal(t, s.Summary().Queued, len(queued))
	for i := 1; i < len(queued); i++ {
		assert.Less(t, queued[i-1].Rank, queued[i].Rank)
	}
}
