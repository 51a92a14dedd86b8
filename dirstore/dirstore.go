package dirstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/glyphstore/glyphcache"
	"github.com/npillmayer/glyphstore/glyphlock"
	"github.com/npillmayer/glyphstore/internal/eventbus"
)

const (
	fontFileName  = "font.json"
	glyphsDirName = "glyphs"
	locksDirName  = "locks"
	glyphFileExt  = ".json"
	lockFileExt   = ".lock"

	defaultStaleLockAge = 30 * time.Minute
)

func init() {
	err := glyphstore.Register("dir", func(ctx context.Context, cfg glyphstore.Config) (glyphstore.Store, error) {
		return Open(ctx, cfg)
	})
	if err != nil {
		panic(err)
	}
}

// glyphFile is the on-disk form of one glyph. The file carries the glyph's
// own name, making every file self-describing.
type glyphFile struct {
	Name  glyphstore.GlyphName    `json:"name"`
	Glyph *glyphstore.GlyphRecord `json:"glyph"`
}

// glyphFileHeader decodes only the light head of a glyph file, enough to
// build an index entry without materializing layers and outlines.
type glyphFileHeader struct {
	Name  glyphstore.GlyphName `json:"name"`
	Glyph struct {
		Unicodes []rune `json:"unicodes"`
	} `json:"glyph"`
}

type ownWrite struct {
	rev     glyphstore.Revision
	deleted bool
}

// Store implements glyphstore.Store on a project directory.
type Store struct {
	path     string
	holder   string
	staleAge time.Duration

	cache *glyphcache.Cache
	locks *glyphlock.Coordinator

	mu        sync.Mutex // guards index, fileNames, ownWrites
	info      glyphstore.ProjectInfo
	index     glyphstore.ProjectIndex
	fileNames map[string]glyphstore.GlyphName // glyph file path → name
	ownWrites map[string]ownWrite             // glyph file path → last own write
	findings  []ScanFinding

	bus *eventbus.Bus

	ctx    context.Context // lifetime of the open store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ glyphstore.Store = (*Store)(nil)

// Open opens the project directory named by cfg.Path, builds the project
// index and starts the filesystem watcher. A directory that is not a glyph
// project fails with ErrStoreUnavailable.
func Open(ctx context.Context, cfg glyphstore.Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &glyphstore.UnavailableError{Substrate: "dir", Err: errors.New("no project path configured")}
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	staleAge := cfg.StaleLockAge
	if staleAge <= 0 {
		staleAge = defaultStaleLockAge
	}
	s := &Store{
		path:      path,
		holder:    cfg.Holder,
		staleAge:  staleAge,
		cache:     glyphcache.New(),
		index:     make(glyphstore.ProjectIndex),
		fileNames: make(map[string]glyphstore.GlyphName),
		ownWrites: make(map[string]ownWrite),
		bus:       eventbus.New(),
	}
	s.locks = glyphlock.New(&fileLocker{store: s})

	if err := s.readProjectInfo(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.glyphsDir()); err != nil || !info.IsDir() {
		return nil, &glyphstore.UnavailableError{Substrate: "dir",
			Err: fmt.Errorf("not a glyph project: %q has no %s directory", path, glyphsDirName)}
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	tracer().Infof("opened project %q with %d glyphs", path, len(s.index))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *Store) glyphsDir() string { return filepath.Join(s.path, glyphsDirName) }
func (s *Store) locksDir() string  { return filepath.Join(s.path, locksDirName) }

func (s *Store) glyphPath(name glyphstore.GlyphName) string {
	return filepath.Join(s.glyphsDir(), fileStem(name)+glyphFileExt)
}

func (s *Store) lockPath(name glyphstore.GlyphName) string {
	return filepath.Join(s.locksDir(), fileStem(name)+lockFileExt)
}

func (s *Store) readProjectInfo() error {
	data, err := os.ReadFile(filepath.Join(s.path, fontFileName))
	if err != nil {
		return &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	var info glyphstore.ProjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return &glyphstore.UnavailableError{Substrate: "dir",
			Err: fmt.Errorf("corrupt %s: %w", fontFileName, err)}
	}
	s.info = info
	return nil
}

// fileRevision derives a glyph revision from file metadata and content. The
// content hash is the tie-breaker for filesystems with clock resolution
// coarser than the edit frequency.
func fileRevision(mtime time.Time, data []byte) glyphstore.Revision {
	return glyphstore.Revision{Stamp: mtime.UnixNano(), Hash: xxhash.Sum64(data)}
}

// scan builds the project index by decoding the light header of every glyph
// file. Unreadable files are collected as findings and do not fail the open.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.glyphsDir())
	if err != nil {
		return &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	collector := &scanCollector{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != glyphFileExt {
			continue
		}
		path := filepath.Join(s.glyphsDir(), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			collector.add(path, fmt.Sprintf("unreadable glyph file: %v", err), SeverityMajor)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			collector.add(path, fmt.Sprintf("cannot stat glyph file: %v", err), SeverityMajor)
			continue
		}
		var hdr glyphFileHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			collector.add(path, fmt.Sprintf("corrupt glyph file: %v", err), SeverityMajor)
			continue
		}
		if hdr.Name == "" {
			collector.add(path, "glyph file carries no name", SeverityMajor)
			continue
		}
		if _, ok := s.index[hdr.Name]; ok {
			collector.add(path, fmt.Sprintf("duplicate glyph %q", hdr.Name), SeverityMinor)
			continue
		}
		s.index[hdr.Name] = glyphstore.IndexEntry{
			Unicodes: hdr.Glyph.Unicodes,
			Revision: fileRevision(info.ModTime(), data),
		}
		s.fileNames[path] = hdr.Name
	}
	s.findings = collector.findings
	for _, finding := range s.findings {
		tracer().Errorf("project scan: %s", finding)
	}
	return nil
}

// ListGlyphs returns a copy of the project index.
func (s *Store) ListGlyphs(ctx context.Context) (glyphstore.ProjectIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Clone(), nil
}

// ProjectInfo returns the project metadata read from font.json.
func (s *Store) ProjectInfo(ctx context.Context) (glyphstore.ProjectInfo, error) {
	return s.info, nil
}

// GetGlyph returns the record for name, cache-first.
func (s *Store) GetGlyph(ctx context.Context, name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, error) {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return nil, glyphstore.Revision{}, err
	}
	return s.cache.GetOrFetch(ctx, name, s.fetchFromDisk)
}

func (s *Store) fetchFromDisk(ctx context.Context, name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, error) {
	path := s.glyphPath(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, glyphstore.Revision{}, fmt.Errorf("%w: %q", glyphstore.ErrNotFound, name)
	}
	if err != nil {
		return nil, glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	var gf glyphFile
	if err := json.Unmarshal(data, &gf); err != nil || gf.Glyph == nil {
		return nil, glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir",
			Err: fmt.Errorf("corrupt glyph file %q: %v", path, err)}
	}
	return gf.Glyph, fileRevision(info.ModTime(), data), nil
}

// currentFile reads the present on-disk state of a glyph.
func (s *Store) currentFile(name glyphstore.GlyphName) (data []byte, rev glyphstore.Revision, exists bool, err error) {
	path := s.glyphPath(name)
	data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, glyphstore.Revision{}, false, nil
	}
	if err != nil {
		return nil, glyphstore.Revision{}, false, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, glyphstore.Revision{}, false, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	return data, fileRevision(info.ModTime(), data), true, nil
}

// PutGlyph writes a record, gated by the editing lock and the optimistic
// revision check. The write is atomic: serialize to a temp file, then rename
// into place. Writes that would not change the file are skipped.
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
	data, err := json.MarshalIndent(&glyphFile{Name: name, Glyph: rec}, "", "  ")
	if err != nil {
		return glyphstore.Revision{}, err
	}
	curData, curRev, exists, err := s.currentFile(name)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	if exists && !expected.Matches(curRev) || !exists && !expected.IsZero() {
		return glyphstore.Revision{}, &glyphstore.ConflictError{Name: name, Expected: expected, Current: curRev}
	}
	if exists && bytes.Equal(curData, data) {
		// no-op write, leave the file untouched
		s.cache.StoreWrite(name, rec, curRev)
		return curRev, nil
	}
	rev, err := s.writeAtomic(name, data)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	path := s.glyphPath(name)
	s.mu.Lock()
	s.ownWrites[path] = ownWrite{rev: rev}
	s.index[name] = glyphstore.IndexEntry{Unicodes: append([]rune(nil), rec.Unicodes...), Revision: rev}
	s.fileNames[path] = name
	s.mu.Unlock()
	s.cache.StoreWrite(name, rec, rev)
	tracer().Debugf("wrote glyph %q at revision %s", name, rev)
	return rev, nil
}

func (s *Store) writeAtomic(name glyphstore.GlyphName, data []byte) (glyphstore.Revision, error) {
	path := s.glyphPath(name)
	tmp, err := os.CreateTemp(s.glyphsDir(), ".glyph-*")
	if err != nil {
		return glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	return fileRevision(info.ModTime(), data), nil
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
	_, curRev, exists, err := s.currentFile(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", glyphstore.ErrNotFound, name)
	}
	if !expected.Matches(curRev) {
		return &glyphstore.ConflictError{Name: name, Expected: expected, Current: curRev}
	}
	path := s.glyphPath(name)
	if err := os.Remove(path); err != nil {
		return &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	s.mu.Lock()
	s.ownWrites[path] = ownWrite{deleted: true}
	delete(s.index, name)
	delete(s.fileNames, path)
	s.mu.Unlock()
	s.cache.ObserveDelete(name)
	tracer().Debugf("deleted glyph %q", name)
	return nil
}

// AcquireLock claims the per-glyph editing lock via an advisory lock file.
func (s *Store) AcquireLock(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	name = name.Normalized()
	if err := name.Validate(); err != nil {
		return glyphstore.LockTicket{}, err
	}
	return s.locks.Acquire(ctx, name, holder)
}

// ReleaseLock gives the editing lock back, best-effort on the lock file.
func (s *Store) ReleaseLock(ctx context.Context, ticket glyphstore.LockTicket) error {
	return s.locks.Release(ctx, ticket)
}

// Subscribe returns the stream of external filesystem changes.
func (s *Store) Subscribe(ctx context.Context) (<-chan glyphstore.ChangeEvent, error) {
	return s.bus.Subscribe(ctx), nil
}

func (s *Store) emit(ev glyphstore.ChangeEvent) {
	s.bus.Emit(ev)
}

// Close stops the watcher and releases all locks held by this session.
func (s *Store) Close(ctx context.Context) error {
	s.cancel()
	// close the bus first: the watcher may be parked in an emit on a
	// lagging subscriber and only unblocks on the bus lifetime
	s.bus.Close()
	s.wg.Wait()
	err := s.locks.ReleaseAll(ctx)
	s.cache.Clear()
	tracer().Infof("closed project %q", s.path)
	return err
}
