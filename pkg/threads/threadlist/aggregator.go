// Package threadlist builds the grouped, incrementally paginated view of the
// thread index that backs the history sidebar.
package threadlist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sensei/pkg/threads"
)

// GroupedPage is one local-calendar-day bucket of thread summaries. Derived
// state, never persisted.
type GroupedPage struct {
	DateKey string
	Threads []threads.ThreadSummary
}

// Fetcher returns one page of summaries; an empty page means no more data.
type Fetcher func(ctx context.Context, page int) ([]threads.ThreadSummary, error)

// LiveReader returns the full current index, most-recent-first.
type LiveReader func(ctx context.Context) ([]threads.ThreadSummary, error)

type Config struct {
	Fetcher    Fetcher
	LiveReader LiveReader
	// Location controls which calendar day a UTC timestamp lands in.
	// Defaults to time.Local.
	Location *time.Location
}

// Aggregator merges paged and live-updated thread summaries into day groups.
// Merges are additive and idempotent; previously merged groups are never
// dropped.
type Aggregator struct {
	fetch   Fetcher
	readAll LiveReader
	loc     *time.Location

	mu         sync.Mutex
	groups     []GroupedPage
	cursor     int
	isFetching bool
	hasMore    bool
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("thread list: fetcher is nil")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{
		fetch:   cfg.Fetcher,
		readAll: cfg.LiveReader,
		loc:     loc,
		hasMore: true,
	}, nil
}

// IndexConfig wires an Aggregator directly to a thread index with the default
// page size.
func IndexConfig(ix *threads.Index, loc *time.Location) Config {
	return Config{
		Fetcher: func(ctx context.Context, page int) ([]threads.ThreadSummary, error) {
			return ix.Page(ctx, page, threads.DefaultPageSize)
		},
		LiveReader: ix.All,
		Location:   loc,
	}
}

// LoadNextPage fetches and merges the next page. It is a no-op while another
// load is outstanding or once the index has been exhausted. A fetch failure
// leaves the cursor where it was so the caller may retry.
func (a *Aggregator) LoadNextPage(ctx context.Context) error {
	if a == nil {
		return errors.New("thread list: aggregator is nil")
	}
	a.mu.Lock()
	if a.isFetching || !a.hasMore {
		a.mu.Unlock()
		return nil
	}
	a.isFetching = true
	page := a.cursor
	a.mu.Unlock()

	entries, err := a.fetch(ctx, page)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.isFetching = false
	if err != nil {
		return errors.Wrap(err, "thread list: fetch page")
	}
	if len(entries) == 0 {
		a.hasMore = false
		return nil
	}
	a.mergeLocked(entries, false)
	a.cursor = page + 1
	return nil
}

// MergeIncoming merges new summaries into the grouped view. Entries whose id
// is already present anywhere are discarded, so merging the same batch twice
// is a no-op.
func (a *Aggregator) MergeIncoming(entries []threads.ThreadSummary, prepend bool) {
	if a == nil || len(entries) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mergeLocked(entries, prepend)
}

func (a *Aggregator) mergeLocked(entries []threads.ThreadSummary, prepend bool) {
	seen := map[string]struct{}{}
	for _, g := range a.groups {
		for _, th := range g.Threads {
			seen[th.ID] = struct{}{}
		}
	}

	// Group the unseen entries by local day, keeping arrival order within and
	// across groups.
	var incoming []GroupedPage
	byKey := map[string]int{}
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		key := a.dateKey(e.CreatedAt)
		idx, ok := byKey[key]
		if !ok {
			idx = len(incoming)
			byKey[key] = idx
			incoming = append(incoming, GroupedPage{DateKey: key})
		}
		incoming[idx].Threads = append(incoming[idx].Threads, e)
	}

	for _, ng := range incoming {
		if i, ok := a.groupIndexLocked(ng.DateKey); ok {
			if prepend {
				a.groups[i].Threads = append(append([]threads.ThreadSummary{}, ng.Threads...), a.groups[i].Threads...)
			} else {
				a.groups[i].Threads = append(a.groups[i].Threads, ng.Threads...)
			}
			continue
		}
		if prepend {
			a.groups = append([]GroupedPage{ng}, a.groups...)
		} else {
			a.groups = append(a.groups, ng)
		}
	}
}

// ReconcileWithLive re-reads the full index and prepends entries newer than
// latestKnown. This is how a thread that finished streaming in the background
// shows up without reloading the paged view.
func (a *Aggregator) ReconcileWithLive(ctx context.Context, latestKnown time.Time) error {
	if a == nil {
		return errors.New("thread list: aggregator is nil")
	}
	if a.readAll == nil {
		return errors.New("thread list: live reader is nil")
	}
	all, err := a.readAll(ctx)
	if err != nil {
		return errors.Wrap(err, "thread list: reconcile read")
	}
	fresh := make([]threads.ThreadSummary, 0, len(all))
	for _, e := range all {
		if e.CreatedAt.After(latestKnown) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	log.Debug().Str("component", "threadlist").Int("count", len(fresh)).Msg("reconciling live thread entries")
	a.MergeIncoming(fresh, true)
	return nil
}

// Reconcile uses the newest already-merged entry as the watermark. With no
// merged entries yet it is a no-op; the initial page load covers that case.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	if a == nil {
		return errors.New("thread list: aggregator is nil")
	}
	latest, ok := a.LatestKnown()
	if !ok {
		return nil
	}
	return a.ReconcileWithLive(ctx, latest)
}

// LatestKnown returns the timestamp of the first entry of the first group.
func (a *Aggregator) LatestKnown() (time.Time, bool) {
	if a == nil {
		return time.Time{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.groups) == 0 || len(a.groups[0].Threads) == 0 {
		return time.Time{}, false
	}
	return a.groups[0].Threads[0].CreatedAt, true
}

// Groups returns a copy of the grouped view.
func (a *Aggregator) Groups() []GroupedPage {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]GroupedPage, len(a.groups))
	for i, g := range a.groups {
		out[i] = GroupedPage{
			DateKey: g.DateKey,
			Threads: append([]threads.ThreadSummary{}, g.Threads...),
		}
	}
	return out
}

func (a *Aggregator) HasMore() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

func (a *Aggregator) Cursor() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

func (a *Aggregator) groupIndexLocked(key string) (int, bool) {
	for i, g := range a.groups {
		if g.DateKey == key {
			return i, true
		}
	}
	return 0, false
}

func (a *Aggregator) dateKey(ts time.Time) string {
	return ts.In(a.loc).Format("2006-01-02")
}
