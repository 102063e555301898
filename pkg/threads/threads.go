// Package threads maintains the durable index of conversation threads: an
// ordered, most-recent-first collection of summaries persisted as a single
// keyed blob.
package threads

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sensei/pkg/store"
)

const (
	indexKey = "chat_threads"

	// DefaultPageSize matches the page length the sidebar loads per scroll.
	DefaultPageSize = 10
)

// ThreadSummary is one persisted thread index entry. CreatedAt is stored in
// UTC; day grouping converts it to local time at read time.
type ThreadSummary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
}

// Index is the persistent thread index. Every mutating operation rewrites the
// whole collection; a failed write leaves the durable state untouched.
type Index struct {
	backend store.Backend
	mu      sync.Mutex
}

func NewIndex(backend store.Backend) (*Index, error) {
	if backend == nil {
		return nil, errors.New("thread index: backend is nil")
	}
	return &Index{backend: backend}, nil
}

// Insert prepends entry. No uniqueness check happens here; callers must
// supply a fresh id.
func (ix *Index) Insert(ctx context.Context, entry ThreadSummary) error {
	if ix == nil || ix.backend == nil {
		return errors.New("thread index: not initialized")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.loadLocked(ctx)
	if err != nil {
		return err
	}
	entries = append([]ThreadSummary{entry}, entries...)
	return ix.saveLocked(ctx, entries)
}

// Update replaces the entry with a matching id. A missing id is a silent
// no-op: renames are best effort.
func (ix *Index) Update(ctx context.Context, entry ThreadSummary) error {
	if ix == nil || ix.backend == nil {
		return errors.New("thread index: not initialized")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.loadLocked(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			return ix.saveLocked(ctx, entries)
		}
	}
	log.Debug().Str("component", "threads").Str("id", entry.ID).Msg("update target not found, skipping")
	return nil
}

// Delete removes the entry with the given id, no-op when absent.
func (ix *Index) Delete(ctx context.Context, id string) error {
	if ix == nil || ix.backend == nil {
		return errors.New("thread index: not initialized")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.loadLocked(ctx)
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	if len(out) == len(entries) {
		return nil
	}
	return ix.saveLocked(ctx, out)
}

// FindBySlug scans for the first entry with the given slug.
func (ix *Index) FindBySlug(ctx context.Context, slug string) (ThreadSummary, bool, error) {
	if ix == nil || ix.backend == nil {
		return ThreadSummary{}, false, errors.New("thread index: not initialized")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.loadLocked(ctx)
	if err != nil {
		return ThreadSummary{}, false, err
	}
	for _, e := range entries {
		if e.Slug == slug {
			return e, true, nil
		}
	}
	return ThreadSummary{}, false, nil
}

// Page returns the 0-based page of the given size. A page past the end is an
// empty slice, which signals "no more data" to the aggregator.
func (ix *Index) Page(ctx context.Context, page, size int) ([]ThreadSummary, error) {
	if ix == nil || ix.backend == nil {
		return nil, errors.New("thread index: not initialized")
	}
	if page < 0 || size <= 0 {
		return nil, errors.Errorf("thread index: invalid page request (page=%d size=%d)", page, size)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	start := page * size
	if start >= len(entries) {
		return []ThreadSummary{}, nil
	}
	end := start + size
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]ThreadSummary, end-start)
	copy(out, entries[start:end])
	return out, nil
}

// All returns the full collection in storage order.
func (ix *Index) All(ctx context.Context) ([]ThreadSummary, error) {
	if ix == nil || ix.backend == nil {
		return nil, errors.New("thread index: not initialized")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loadLocked(ctx)
}

func (ix *Index) loadLocked(ctx context.Context) ([]ThreadSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := ix.backend.Get(ctx, indexKey)
	if err != nil {
		return nil, errors.Wrap(err, "thread index: load")
	}
	if !ok {
		return []ThreadSummary{}, nil
	}
	var entries []ThreadSummary
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "thread index: decode")
	}
	return entries, nil
}

func (ix *Index) saveLocked(ctx context.Context, entries []ThreadSummary) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "thread index: encode")
	}
	if err := ix.backend.Put(ctx, indexKey, b); err != nil {
		return errors.Wrap(err, "thread index: persist")
	}
	return nil
}
