package threadlist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sensei/pkg/store"
	"github.com/go-go-golems/sensei/pkg/threads"
)

func entryAt(id string, ts time.Time) threads.ThreadSummary {
	return threads.ThreadSummary{
		ID:          id,
		CreatedAt:   ts.UTC(),
		Slug:        "slug-" + id,
		DisplayName: "Thread " + id,
	}
}

func newIndexWith(t *testing.T, entries ...threads.ThreadSummary) *threads.Index {
	t.Helper()
	ix, err := threads.NewIndex(store.NewMemoryBackend())
	require.NoError(t, err)
	// Insert oldest-first so the index reads back in the given order.
	for i := len(entries) - 1; i >= 0; i-- {
		require.NoError(t, ix.Insert(context.Background(), entries[i]))
	}
	return ix
}

func TestMergeIncomingIsIdempotent(t *testing.T) {
	a, err := NewAggregator(Config{
		Fetcher:  func(context.Context, int) ([]threads.ThreadSummary, error) { return nil, nil },
		Location: time.UTC,
	})
	require.NoError(t, err)

	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	batch := []threads.ThreadSummary{entryAt("t1", day), entryAt("t2", day.Add(time.Hour))}

	a.MergeIncoming(batch, true)
	once := a.Groups()
	a.MergeIncoming(batch, true)
	twice := a.Groups()

	require.Equal(t, once, twice)
	require.Len(t, twice, 1)
	require.Len(t, twice[0].Threads, 2)
}

func TestDateGroupingDeterminism(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	a, err := NewAggregator(Config{
		Fetcher:  func(context.Context, int) ([]threads.ThreadSummary, error) { return nil, nil },
		Location: loc,
	})
	require.NoError(t, err)

	// 08:00 UTC and 02:30 UTC the next day are the same Pacific calendar day
	// (PDT is UTC-7), even though they differ in UTC day.
	first := entryAt("t1", time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC))
	second := entryAt("t2", time.Date(2026, 8, 31, 2, 30, 0, 0, time.UTC))

	a.MergeIncoming([]threads.ThreadSummary{first}, false)
	a.MergeIncoming([]threads.ThreadSummary{second}, false)

	groups := a.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, "2026-08-30", groups[0].DateKey)
	require.Len(t, groups[0].Threads, 2)
}

func TestMergePrependAndAppendWithinGroup(t *testing.T) {
	a, err := NewAggregator(Config{
		Fetcher:  func(context.Context, int) ([]threads.ThreadSummary, error) { return nil, nil },
		Location: time.UTC,
	})
	require.NoError(t, err)

	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	a.MergeIncoming([]threads.ThreadSummary{entryAt("t2", day)}, false)
	a.MergeIncoming([]threads.ThreadSummary{entryAt("t3", day)}, false)
	a.MergeIncoming([]threads.ThreadSummary{entryAt("t1", day)}, true)

	groups := a.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, []string{"t1", "t2", "t3"}, idsOf(groups[0].Threads))
}

func TestMergeNewGroupPlacement(t *testing.T) {
	a, err := NewAggregator(Config{
		Fetcher:  func(context.Context, int) ([]threads.ThreadSummary, error) { return nil, nil },
		Location: time.UTC,
	})
	require.NoError(t, err)

	older := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	middle := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	a.MergeIncoming([]threads.ThreadSummary{entryAt("mid", middle)}, false)
	a.MergeIncoming([]threads.ThreadSummary{entryAt("old", older)}, false)
	a.MergeIncoming([]threads.ThreadSummary{entryAt("new", newer)}, true)

	groups := a.Groups()
	require.Equal(t, []string{"2026-08-31", "2026-08-30", "2026-08-29"}, keysOf(groups))
}

func TestPaginationTermination(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	entries := make([]threads.ThreadSummary, 25)
	for i := range entries {
		entries[i] = entryAt(fmt.Sprintf("t%d", i+1), day.Add(-time.Duration(i)*time.Minute))
	}
	ix := newIndexWith(t, entries...)

	a, err := NewAggregator(IndexConfig(ix, time.UTC))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.LoadNextPage(ctx))
	}
	require.False(t, a.HasMore())
	require.Equal(t, 3, a.Cursor())

	total := 0
	for _, g := range a.Groups() {
		total += len(g.Threads)
	}
	require.Equal(t, 25, total)

	// further loads stay no-ops
	require.NoError(t, a.LoadNextPage(ctx))
	require.Equal(t, 3, a.Cursor())
}

func TestFailedFetchDoesNotAdvanceCursor(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fail := true
	a, err := NewAggregator(Config{
		Fetcher: func(_ context.Context, page int) ([]threads.ThreadSummary, error) {
			if fail {
				return nil, errors.New("backend unavailable")
			}
			if page == 0 {
				return []threads.ThreadSummary{entryAt("t1", day)}, nil
			}
			return nil, nil
		},
		Location: time.UTC,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, a.LoadNextPage(ctx))
	require.Equal(t, 0, a.Cursor())
	require.True(t, a.HasMore())

	fail = false
	require.NoError(t, a.LoadNextPage(ctx))
	require.Equal(t, 1, a.Cursor())
	require.Len(t, a.Groups(), 1)
}

func TestReconcileWithLivePrependsFreshEntries(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seed := entryAt("t1", day)
	ix := newIndexWith(t, seed)

	a, err := NewAggregator(IndexConfig(ix, time.UTC))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.LoadNextPage(ctx))

	// A thread finishes streaming in the background.
	fresh := entryAt("t2", day.Add(time.Hour))
	require.NoError(t, ix.Insert(ctx, fresh))

	require.NoError(t, a.Reconcile(ctx))

	groups := a.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, []string{"t2", "t1"}, idsOf(groups[0].Threads))

	// reconciling again changes nothing
	require.NoError(t, a.Reconcile(ctx))
	require.Equal(t, groups, a.Groups())
}

func idsOf(entries []threads.ThreadSummary) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func keysOf(groups []GroupedPage) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.DateKey
	}
	return out
}
