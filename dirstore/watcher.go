package dirstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/npillmayer/glyphstore"
)

// settleWindow batches rapid-fire filesystem events for the same save
// operation (editors often write+rename+chmod in a burst) into one pass.
const settleWindow = 150 * time.Millisecond

// watchLoop is the background task feeding external filesystem changes into
// the cache and the subscription stream. It runs for the lifetime of the
// open store.
func (s *Store) watchLoop() {
	defer s.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginExternal,
			Err: fmt.Errorf("filesystem watcher failed to start: %w", err)})
		return
	}
	defer watcher.Close()
	if err := watcher.Add(s.glyphsDir()); err != nil {
		s.emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginExternal,
			Err: fmt.Errorf("cannot watch %q: %w", s.glyphsDir(), err)})
		return
	}
	tracer().Infof("watching %q for external changes", s.glyphsDir())

	pending := make(map[string]struct{})
	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != glyphFileExt {
				continue // temp files, lock files, editors' droppings
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(settleWindow)
			settleC = settle.C
		case <-settleC:
			batch := pending
			pending = make(map[string]struct{})
			settle, settleC = nil, nil
			s.processBatch(batch)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			tracer().Errorf("filesystem watcher: %v", err)
			s.emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginExternal, Err: err})
		}
	}
}

// processBatch classifies a settled batch of changed paths. Changes echoing
// this process's own writes are suppressed; everything else is an external
// change: the cache entry is invalidated and an event emitted.
func (s *Store) processBatch(paths map[string]struct{}) {
	for path := range paths {
		own, owned := s.popOwnWrite(path)
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if owned && own.deleted {
				continue // our own deletion echoing back
			}
			s.handleExternalDelete(path)
		case err != nil:
			tracer().Errorf("changed file %q unreadable: %v", path, err)
			s.emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginExternal, Err: err})
		default:
			info, serr := os.Stat(path)
			if serr != nil {
				continue // deleted between read and stat, next event handles it
			}
			rev := fileRevision(info.ModTime(), data)
			if owned && own.rev.Matches(rev) {
				continue // our own write echoing back
			}
			s.handleExternalWrite(path, data, rev)
		}
	}
}

func (s *Store) popOwnWrite(path string) (ownWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	own, ok := s.ownWrites[path]
	if ok {
		delete(s.ownWrites, path)
	}
	return own, ok
}

func (s *Store) handleExternalDelete(path string) {
	s.mu.Lock()
	name, known := s.fileNames[path]
	if known {
		delete(s.fileNames, path)
		delete(s.index, name)
	}
	s.mu.Unlock()
	if !known {
		return // deletion of a file we never indexed
	}
	s.cache.ObserveDelete(name)
	tracer().Infof("glyph %q deleted externally", name)
	s.emit(glyphstore.ChangeEvent{Name: name, Origin: glyphstore.OriginExternal, Deleted: true})
}

func (s *Store) handleExternalWrite(path string, data []byte, rev glyphstore.Revision) {
	var hdr glyphFileHeader
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Name == "" {
		// possibly caught mid-edit; the next write event will retry
		tracer().Infof("changed file %q not decodable yet: %v", path, err)
		return
	}
	name := hdr.Name
	s.mu.Lock()
	s.fileNames[path] = name
	s.index[name] = glyphstore.IndexEntry{Unicodes: hdr.Glyph.Unicodes, Revision: rev}
	s.mu.Unlock()
	s.cache.ObserveRevision(name, rev)
	tracer().Infof("glyph %q changed externally, now at revision %s", name, rev)
	s.emit(glyphstore.ChangeEvent{Name: name, Revision: rev, Origin: glyphstore.OriginExternal})
}
