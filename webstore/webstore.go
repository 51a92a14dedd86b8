package webstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/glyphstore/glyphcache"
	"github.com/npillmayer/glyphstore/glyphlock"
	"github.com/npillmayer/glyphstore/internal/eventbus"
)

func init() {
	err := glyphstore.Register("web", func(ctx context.Context, cfg glyphstore.Config) (glyphstore.Store, error) {
		return Open(ctx, cfg)
	})
	if err != nil {
		panic(err)
	}
}

// Store implements glyphstore.Store against the remote service.
type Store struct {
	client *apiClient
	holder string
	cache  *glyphcache.Cache
	locks  *glyphlock.Coordinator
	bus    *eventbus.Bus

	mu      sync.Mutex // guards index, info, written
	index   glyphstore.ProjectIndex
	info    glyphstore.ProjectInfo
	infoOK  bool
	written map[glyphstore.GlyphName][]glyphstore.Revision // own writes awaiting their push echoes

	ctx    context.Context // lifetime of the open store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ glyphstore.Store = (*Store)(nil)

// Project is one entry of the remote service's project catalog.
type Project struct {
	Path string // human-readable "team/family" path
	ID   string // opaque id, used as Config.ProjectID
}

// ListProjects returns the catalog of projects the configured account can
// open. It is meant to run before Open, to pick a Config.ProjectID.
func ListProjects(ctx context.Context, cfg glyphstore.Config) ([]Project, error) {
	client, err := newAPIClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.login(ctx); err != nil {
		return nil, err
	}
	wire, err := client.fetchProjects(ctx)
	if err != nil {
		return nil, err
	}
	projects := make([]Project, len(wire))
	for i, p := range wire {
		projects[i] = Project{Path: p.Path, ID: p.ID}
	}
	return projects, nil
}

// Open logs in to the remote service, fetches the initial project index and
// starts the push-update listener.
func Open(ctx context.Context, cfg glyphstore.Config) (*Store, error) {
	client, err := newAPIClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.login(ctx); err != nil {
		return nil, err
	}
	s := &Store{
		client:  client,
		holder:  cfg.Holder,
		cache:   glyphcache.New(),
		bus:     eventbus.New(),
		written: make(map[glyphstore.GlyphName][]glyphstore.Revision),
	}
	s.locks = glyphlock.New(&remoteLocker{client: client})
	index, err := client.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	s.index = index
	tracer().Infof("opened remote project %q with %d glyphs", cfg.ProjectID, len(index))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.listenLoop()
	return s, nil
}

// Relogin re-authenticates after ErrAuthExpired. Held locks stay valid as
// long as the server has not expired them.
func (s *Store) Relogin(ctx context.Context) error {
	return s.client.login(ctx)
}

// ListGlyphs fetches the current project index from the service.
func (s *Store) ListGlyphs(ctx context.Context) (glyphstore.ProjectIndex, error) {
	index, err := s.client.fetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	// the listener mutates s.index, so the caller gets the fresh fetch and
	// the store keeps a private clone
	s.index = index.Clone()
	s.mu.Unlock()
	return index, nil
}

// ProjectInfo returns project-wide metadata, fetched once and kept.
func (s *Store) ProjectInfo(ctx context.Context) (glyphstore.ProjectInfo, error) {
	s.mu.Lock()
	if s.infoOK {
		info := s.info
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()
	info, err := s.client.fetchInfo(ctx)
	if err != nil {
		return glyphstore.ProjectInfo{}, err
	}
	s.mu.Lock()
	s.info = info
	s.infoOK = true
	s.mu.Unlock()
	return info, nil
}

// GetGlyph returns the record for name, cache-first.
func (s *Store) GetGlyph(ctx context.Context, name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, error) {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return nil, glyphstore.Revision{}, err
	}
	return s.cache.GetOrFetch(ctx, name, s.client.fetchGlyph)
}

// PutGlyph sends a write; the server arbitrates the revision check. The
// editing lock is verified locally first, so a lockless write never leaves
// the process.
func (s *Store) PutGlyph(ctx context.Context, name glyphstore.GlyphName, rec *glyphstore.GlyphRecord, expected glyphstore.Revision) (glyphstore.Revision, error) {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return glyphstore.Revision{}, err
	}
	if err := rec.Validate(); err != nil {
		return glyphstore.Revision{}, fmt.Errorf("glyph %q: %w", name, err)
	}
	if err := s.locks.Require(name, s.holder); err != nil {
		return glyphstore.Revision{}, err
	}
	ticket, _ := s.locks.Ticket(name)
	rev, err := s.client.putGlyph(ctx, name, rec, expected, ticket.Token)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	s.mu.Lock()
	s.written[name] = append(s.written[name], rev)
	s.index[name] = glyphstore.IndexEntry{Unicodes: append([]rune(nil), rec.Unicodes...), Revision: rev}
	s.mu.Unlock()
	s.cache.StoreWrite(name, rec, rev)
	tracer().Debugf("wrote glyph %q at revision %s", name, rev)
	return rev, nil
}

// DeleteGlyph removes a glyph under the same lock and revision rules as
// PutGlyph.
func (s *Store) DeleteGlyph(ctx context.Context, name glyphstore.GlyphName, expected glyphstore.Revision) error {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return err
	}
	if err := s.locks.Require(name, s.holder); err != nil {
		return err
	}
	ticket, _ := s.locks.Ticket(name)
	rev, err := s.client.deleteGlyph(ctx, name, expected, ticket.Token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.written[name] = append(s.written[name], rev)
	delete(s.index, name)
	s.mu.Unlock()
	s.cache.ObserveDelete(name)
	tracer().Debugf("deleted glyph %q", name)
	return nil
}

// AcquireLock claims the server-side editing lock for name.
func (s *Store) AcquireLock(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return glyphstore.LockTicket{}, err
	}
	return s.locks.Acquire(ctx, name, holder)
}

// ReleaseLock gives the editing lock back. The local claim always clears; a
// failing server-side release is reported and left to the server's expiry.
func (s *Store) ReleaseLock(ctx context.Context, ticket glyphstore.LockTicket) error {
	return s.locks.Release(ctx, ticket)
}

// Subscribe returns the stream of changes pushed by other collaborators.
func (s *Store) Subscribe(ctx context.Context) (<-chan glyphstore.ChangeEvent, error) {
	return s.bus.Subscribe(ctx), nil
}

// Close stops the push listener and releases this session's locks. Locks
// that cannot be released (service unreachable) fall back to server-side
// expiry; the error reports them.
func (s *Store) Close(ctx context.Context) error {
	s.cancel()
	// close the bus first: a listener parked in an emit on a lagging
	// subscriber only unblocks on the bus lifetime
	s.bus.Close()
	s.wg.Wait()
	err := s.locks.ReleaseAll(ctx)
	s.cache.Clear()
	tracer().Infof("closed remote project")
	return err
}

// popWritten removes and reports a recorded own write matching rev, used to
// suppress push echoes of this session's writes. Several writes can be
// awaiting their echoes at once; a foreign echo must not erase their markers.
func (s *Store) popWritten(name glyphstore.GlyphName, rev glyphstore.Revision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.written[name]
	if len(pending) == 0 {
		return false
	}
	matched := false
	keep := pending[:0]
	for _, w := range pending {
		switch {
		case rev.Matches(w):
			matched = true
		case rev.After(w):
			// a newer change overtook this write; its echo will never come
		default:
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		delete(s.written, name)
	} else {
		s.written[name] = keep
	}
	return matched
}

// remoteLocker adapts the API client to the lock coordinator.
type remoteLocker struct {
	client *apiClient
}

func (l *remoteLocker) LockGlyph(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	return l.client.lockGlyph(ctx, name, holder)
}

func (l *remoteLocker) UnlockGlyph(ctx context.Context, ticket glyphstore.LockTicket) error {
	return l.client.unlockGlyph(ctx, ticket)
}
