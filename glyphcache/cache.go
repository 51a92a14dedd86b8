package glyphcache

import (
	"context"
	"sync"

	"github.com/npillmayer/glyphstore"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads a glyph record from the substrate. The cache calls it on
// misses; at most one call per name is in flight at any time.
type FetchFunc func(ctx context.Context, name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, error)

// Cache holds per-glyph records with revision stamps and a freshness flag.
// The zero value is not usable; create instances with New.
type Cache struct {
	mu      sync.Mutex // guards the entries map, not the entries
	entries map[glyphstore.GlyphName]*entry
	group   singleflight.Group
}

type entry struct {
	mu    sync.Mutex
	rec   *glyphstore.GlyphRecord
	rev   glyphstore.Revision
	fresh bool
}

type fetched struct {
	rec *glyphstore.GlyphRecord
	rev glyphstore.Revision
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[glyphstore.GlyphName]*entry)}
}

func (c *Cache) entryFor(name glyphstore.GlyphName, create bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok && create {
		e = &entry{}
		c.entries[name] = e
	}
	return e
}

// Lookup returns the cached record if it is fresh. The returned record is a
// deep clone; callers may mutate it freely.
func (c *Cache) Lookup(name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, bool) {
	e := c.entryFor(name, false)
	if e == nil {
		return nil, glyphstore.Revision{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fresh {
		return nil, glyphstore.Revision{}, false
	}
	return e.rec.Clone(), e.rev, true
}

// GetOrFetch returns the cached record if fresh, and otherwise loads it via
// fetch. Concurrent callers missing on the same name share a single fetch:
// the second caller waits on the first's in-flight call and receives its
// result.
func (c *Cache) GetOrFetch(ctx context.Context, name glyphstore.GlyphName, fetch FetchFunc) (*glyphstore.GlyphRecord, glyphstore.Revision, error) {
	if rec, rev, ok := c.Lookup(name); ok {
		return rec, rev, nil
	}
	// The in-flight call is shared, so it must not die with the first
	// caller's context. Each caller still honors its own ctx in the select
	// below; the fetch itself only ends with the substrate call.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(name), func() (any, error) {
		// Re-check under coalescing: a waiter queued behind a completed
		// fetch must not trigger a second one.
		if rec, rev, ok := c.Lookup(name); ok {
			return &fetched{rec: rec, rev: rev}, nil
		}
		rec, rev, err := fetch(fetchCtx, name)
		if err != nil {
			return nil, err
		}
		c.store(name, rec, rev)
		tracer().Debugf("fetched %q at revision %s", name, rev)
		return &fetched{rec: rec, rev: rev}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, glyphstore.Revision{}, res.Err
		}
		f := res.Val.(*fetched)
		return f.rec.Clone(), f.rev, nil
	case <-ctx.Done():
		return nil, glyphstore.Revision{}, ctx.Err()
	}
}

func (c *Cache) store(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord, rev glyphstore.Revision) {
	e := c.entryFor(name, true)
	e.mu.Lock()
	e.rec = rec.Clone()
	e.rev = rev
	e.fresh = true
	e.mu.Unlock()
}

// StoreWrite records a successful write, write-through: after it returns, no
// reader of the cache observes a revision older than rev.
func (c *Cache) StoreWrite(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord, rev glyphstore.Revision) {
	c.store(name, rec, rev)
	tracer().Debugf("write-through %q at revision %s", name, rev)
}

// ObserveRevision processes a change notification that carries no payload.
// If rev is newer than the cached revision, the entry is marked stale so the
// next read refetches; the cached content is never guessed at. It reports
// whether the entry was invalidated.
func (c *Cache) ObserveRevision(name glyphstore.GlyphName, rev glyphstore.Revision) bool {
	e := c.entryFor(name, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !rev.After(e.rev) {
		return false
	}
	e.fresh = false
	tracer().Debugf("marked %q stale, cached %s < observed %s", name, e.rev, rev)
	return true
}

// ObserveRecord processes a change notification whose payload carries the
// new record (push protocols that include it update the cache in place).
// Older revisions than the cached one are ignored.
func (c *Cache) ObserveRecord(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord, rev glyphstore.Revision) {
	e := c.entryFor(name, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rev.IsZero() && !rev.After(e.rev) {
		return
	}
	e.rec = rec.Clone()
	e.rev = rev
	e.fresh = true
}

// ObserveDelete drops the entry for a glyph deleted on the substrate.
func (c *Cache) ObserveDelete(name glyphstore.GlyphName) {
	c.Evict(name)
}

// Revision returns the last known revision for name, fresh or not.
func (c *Cache) Revision(name glyphstore.GlyphName) (glyphstore.Revision, bool) {
	e := c.entryFor(name, false)
	if e == nil {
		return glyphstore.Revision{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rev.IsZero() {
		return glyphstore.Revision{}, false
	}
	return e.rev, true
}

// Evict removes the entry for name.
func (c *Cache) Evict(name glyphstore.GlyphName) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	c.group.Forget(string(name))
}

// Clear empties the cache. Called on project close.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[glyphstore.GlyphName]*entry)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
