package webstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npillmayer/glyphstore"
)

const (
	listenBackoffInitial = 250 * time.Millisecond
	listenBackoffMax     = 15 * time.Second
)

// updateFrame is one message on the push channel. Frames may carry the new
// record; when they do, the cache is updated in place instead of being
// invalidated.
type updateFrame struct {
	Name     glyphstore.GlyphName    `json:"name"`
	Revision string                  `json:"revision"`
	Deleted  bool                    `json:"deleted,omitempty"`
	Glyph    *glyphstore.GlyphRecord `json:"glyph,omitempty"`
}

// listenLoop is the background task receiving push updates. It runs for the
// lifetime of the open store, reconnecting with backoff on channel loss and
// reconciling against a full listing after every reconnect, so updates
// missed while disconnected are recovered.
func (s *Store) listenLoop() {
	defer s.wg.Done()
	connected := false
	delay := listenBackoffInitial
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, err := s.client.dialUpdates(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			tracer().Errorf("push channel connect failed: %v", err)
			s.bus.Emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginRemote,
				Err: fmt.Errorf("push channel unavailable: %w", err)})
			if !sleepContext(s.ctx, delay) {
				return
			}
			if delay *= 2; delay > listenBackoffMax {
				delay = listenBackoffMax
			}
			continue
		}
		delay = listenBackoffInitial
		tracer().Infof("push channel connected")
		if connected {
			// recover whatever was pushed while we were away
			s.reconcile()
		}
		connected = true
		s.readFrames(conn)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		tracer().Infof("push channel lost, reconnecting")
		s.bus.Emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginRemote,
			Err: fmt.Errorf("push channel lost, reconnecting")})
	}
}

// readFrames consumes the channel until it fails or the store closes.
func (s *Store) readFrames(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close() // unblocks the read below
		case <-done:
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame updateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			tracer().Errorf("malformed push frame: %v", err)
			continue
		}
		s.handleFrame(frame)
	}
}

// handleFrame applies one push update to cache and index and notifies
// subscribers. Echoes of this session's own writes are suppressed.
func (s *Store) handleFrame(frame updateFrame) {
	if frame.Name == "" {
		return
	}
	rev, err := glyphstore.ParseRevision(frame.Revision)
	if err != nil {
		tracer().Errorf("push frame for %q carries malformed revision %q", frame.Name, frame.Revision)
		return
	}
	if s.popWritten(frame.Name, rev) {
		tracer().Debugf("suppressed push echo of own write to %q", frame.Name)
		return
	}
	switch {
	case frame.Deleted:
		s.mu.Lock()
		delete(s.index, frame.Name)
		s.mu.Unlock()
		s.cache.ObserveDelete(frame.Name)
		tracer().Infof("glyph %q deleted remotely", frame.Name)
		s.bus.Emit(glyphstore.ChangeEvent{Name: frame.Name, Revision: rev,
			Origin: glyphstore.OriginRemote, Deleted: true})
	case frame.Glyph != nil:
		s.cache.ObserveRecord(frame.Name, frame.Glyph, rev)
		s.mu.Lock()
		s.index[frame.Name] = glyphstore.IndexEntry{
			Unicodes: append([]rune(nil), frame.Glyph.Unicodes...),
			Revision: rev,
		}
		s.mu.Unlock()
		tracer().Infof("glyph %q updated remotely to revision %s (with payload)", frame.Name, rev)
		s.bus.Emit(glyphstore.ChangeEvent{Name: frame.Name, Revision: rev,
			Origin: glyphstore.OriginRemote, Record: frame.Glyph.Clone()})
	default:
		s.cache.ObserveRevision(frame.Name, rev)
		s.mu.Lock()
		entry := s.index[frame.Name]
		entry.Revision = rev
		s.index[frame.Name] = entry
		s.mu.Unlock()
		tracer().Infof("glyph %q updated remotely to revision %s", frame.Name, rev)
		s.bus.Emit(glyphstore.ChangeEvent{Name: frame.Name, Revision: rev,
			Origin: glyphstore.OriginRemote})
	}
}

// reconcile diffs a fresh full listing against the last known index and
// emits synthetic events for everything that moved while the push channel
// was down.
func (s *Store) reconcile() {
	index, err := s.client.fetchIndex(s.ctx)
	if err != nil {
		tracer().Errorf("reconciliation listing failed: %v", err)
		s.bus.Emit(glyphstore.ChangeEvent{Origin: glyphstore.OriginRemote,
			Err: fmt.Errorf("reconciliation after reconnect failed: %w", err)})
		return
	}
	s.mu.Lock()
	known := s.index
	s.index = index.Clone()
	s.mu.Unlock()

	for name, entry := range index {
		old, existed := known[name]
		if existed && !entry.Revision.After(old.Revision) {
			continue
		}
		if s.popWritten(name, entry.Revision) {
			continue
		}
		s.cache.ObserveRevision(name, entry.Revision)
		tracer().Infof("reconciliation: glyph %q moved to revision %s", name, entry.Revision)
		s.bus.Emit(glyphstore.ChangeEvent{Name: name, Revision: entry.Revision,
			Origin: glyphstore.OriginRemote})
	}
	for name := range known {
		if _, ok := index[name]; ok {
			continue
		}
		// own deletions left the index synchronously, they cannot show here
		s.cache.ObserveDelete(name)
		tracer().Infof("reconciliation: glyph %q deleted", name)
		s.bus.Emit(glyphstore.ChangeEvent{Name: name, Origin: glyphstore.OriginRemote, Deleted: true})
	}
}
