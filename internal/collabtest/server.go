// Package collabtest is an in-memory stand-in for the remote collaboration
// service, used by the webstore tests. It serves the same REST surface and
// websocket push channel the real service does, holds all state in memory,
// and exposes knobs for failure injection (dropped sessions, 5xx bursts) and
// for counting substrate calls.
package collabtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/schuko/tracing"
)

func tracer() tracing.Trace {
	return tracing.Select("glyphstore.web")
}

// ProjectID is the id of the single project every test server carries.
const ProjectID = "font-1"

// Wire headers shared with the webstore client.
const (
	HeaderExpectedRevision = "X-Expected-Revision"
	HeaderLockToken        = "X-Lock-Token"
)

type serverGlyph struct {
	rec *glyphstore.GlyphRecord
	rev glyphstore.Revision
}

type serverLock struct {
	holder   string
	token    string
	acquired time.Time
	expires  time.Time
}

// UpdateFrame is one message on the push channel.
type UpdateFrame struct {
	Name     glyphstore.GlyphName    `json:"name"`
	Revision string                  `json:"revision"`
	Deleted  bool                    `json:"deleted,omitempty"`
	Glyph    *glyphstore.GlyphRecord `json:"glyph,omitempty"`
}

// Server is one in-memory collaboration service instance.
type Server struct {
	mu        sync.Mutex
	users     map[string]string // username → password
	tokens    map[string]string // session token → username
	seq       int64
	glyphs    map[glyphstore.GlyphName]serverGlyph
	locks     map[glyphstore.GlyphName]serverLock
	info      glyphstore.ProjectInfo
	getCalls  map[glyphstore.GlyphName]int
	putCalls  map[glyphstore.GlyphName]int
	failGets  int           // next N glyph gets answer 503
	stall     time.Duration // glyph reads and writes sleep this long first
	lockTTL   time.Duration
	watchers  map[chan UpdateFrame]struct{}
	router    *mux.Router
	pushGlyph bool // include the record in push frames
}

// New creates a server with one user account.
func New(username, password string) *Server {
	s := &Server{
		users:    map[string]string{username: password},
		tokens:   make(map[string]string),
		glyphs:   make(map[glyphstore.GlyphName]serverGlyph),
		locks:    make(map[glyphstore.GlyphName]serverLock),
		getCalls: make(map[glyphstore.GlyphName]int),
		putCalls: make(map[glyphstore.GlyphName]int),
		watchers: make(map[chan UpdateFrame]struct{}),
		lockTTL:  time.Hour,
		info:     glyphstore.ProjectInfo{FamilyName: "Collab Sans", UnitsPerEm: 1000},
	}
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			tracer().Debugf("collabtest handled %s %s - %d in %s",
				request.Method, request.URL, m.Code, m.Duration)
		})
	})
	r.Methods(http.MethodPost).Path("/api/login").HandlerFunc(s.handleLogin)
	r.Methods(http.MethodGet).Path("/api/projects").HandlerFunc(s.auth(s.handleProjects))
	r.Methods(http.MethodGet).Path("/api/projects/{project}/info").HandlerFunc(s.auth(s.handleInfo))
	r.Methods(http.MethodGet).Path("/api/projects/{project}/glyphs").HandlerFunc(s.auth(s.handleList))
	r.Methods(http.MethodGet).Path("/api/projects/{project}/glyphs/{name}").HandlerFunc(s.auth(s.handleGet))
	r.Methods(http.MethodPut).Path("/api/projects/{project}/glyphs/{name}").HandlerFunc(s.auth(s.handlePut))
	r.Methods(http.MethodDelete).Path("/api/projects/{project}/glyphs/{name}").HandlerFunc(s.auth(s.handleDelete))
	r.Methods(http.MethodPost).Path("/api/projects/{project}/locks/{name}").HandlerFunc(s.auth(s.handleLock))
	r.Methods(http.MethodDelete).Path("/api/projects/{project}/locks/{name}").HandlerFunc(s.auth(s.handleUnlock))
	r.Methods(http.MethodGet).Path("/api/projects/{project}/updates").HandlerFunc(s.handleUpdates)
	s.router = r
	return s
}

// Handler returns the server's HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// --- Test knobs ------------------------------------------------------------

// Seed stores a glyph, bumping the revision sequence. No push frame is sent.
func (s *Server) Seed(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord) glyphstore.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rev := glyphstore.Revision{Stamp: s.seq}
	s.glyphs[name] = serverGlyph{rec: rec.Clone(), rev: rev}
	return rev
}

// SetInfo replaces the project metadata.
func (s *Server) SetInfo(info glyphstore.ProjectInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// MutateExternally changes a glyph as if another collaborator had edited it,
// broadcasting a push frame.
func (s *Server) MutateExternally(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord) glyphstore.Revision {
	s.mu.Lock()
	s.seq++
	rev := glyphstore.Revision{Stamp: s.seq}
	s.glyphs[name] = serverGlyph{rec: rec.Clone(), rev: rev}
	frame := UpdateFrame{Name: name, Revision: rev.String()}
	if s.pushGlyph {
		frame.Glyph = rec.Clone()
	}
	s.mu.Unlock()
	s.broadcast(frame)
	return rev
}

// DeleteExternally removes a glyph as another collaborator, with push frame.
func (s *Server) DeleteExternally(name glyphstore.GlyphName) {
	s.mu.Lock()
	delete(s.glyphs, name)
	s.seq++
	rev := glyphstore.Revision{Stamp: s.seq}
	s.mu.Unlock()
	s.broadcast(UpdateFrame{Name: name, Revision: rev.String(), Deleted: true})
}

// IncludeRecordsInPush makes push frames carry the full glyph payload.
func (s *Server) IncludeRecordsInPush() {
	s.mu.Lock()
	s.pushGlyph = true
	s.mu.Unlock()
}

// ExpireSessions invalidates every issued session token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	s.tokens = make(map[string]string)
	s.mu.Unlock()
}

// FailNextGets makes the next n glyph fetches answer 503.
func (s *Server) FailNextGets(n int) {
	s.mu.Lock()
	s.failGets = n
	s.mu.Unlock()
}

// GetCalls returns how many times the named glyph was fetched.
func (s *Server) GetCalls(name glyphstore.GlyphName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[name]
}

// PutCalls returns how many write attempts the named glyph received.
func (s *Server) PutCalls(name glyphstore.GlyphName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls[name]
}

// StallRequests makes every glyph read and write sleep for d before
// answering, for driving a client into its per-request timeout. Zero turns
// stalling off again.
func (s *Server) StallRequests(d time.Duration) {
	s.mu.Lock()
	s.stall = d
	s.mu.Unlock()
}

// maybeStall sleeps for the configured stall, or until the client gives up.
func (s *Server) maybeStall(r *http.Request) {
	s.mu.Lock()
	d := s.stall
	s.mu.Unlock()
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-r.Context().Done():
	}
}

// SetLockTTL sets the server-side lock expiry.
func (s *Server) SetLockTTL(ttl time.Duration) {
	s.mu.Lock()
	s.lockTTL = ttl
	s.mu.Unlock()
}

// Locked reports whether the named glyph currently has a live lock.
func (s *Server) Locked(name glyphstore.GlyphName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	return ok && time.Now().Before(lock.expires)
}

// Revision returns the server's current revision for a glyph.
func (s *Server) Revision(name glyphstore.GlyphName) (glyphstore.Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.glyphs[name]
	return g.rev, ok
}

// --- Handlers --------------------------------------------------------------

func randomToken() string {
	var buf [12]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed credentials"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.users[creds.Username]; !ok || pw != creds.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
		return
	}
	token := randomToken()
	s.tokens[token] = creds.Username
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) bearerUser(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.tokens[header[len(prefix):]]
	return user, ok
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.bearerUser(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "session expired"})
			return
		}
		if project, ok := mux.Vars(r)["project"]; ok && project != ProjectID {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such project"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"projects": []map[string]string{
			{"path": "demo/Collab Sans", "id": ProjectID},
		},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, &info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Unicodes []rune `json:"unicodes,omitempty"`
		Revision string `json:"revision"`
	}
	s.mu.Lock()
	glyphs := make(map[glyphstore.GlyphName]entry, len(s.glyphs))
	for name, g := range s.glyphs {
		glyphs[name] = entry{Unicodes: g.rec.Unicodes, Revision: g.rev.String()}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"glyphs": glyphs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := glyphstore.GlyphName(mux.Vars(r)["name"])
	s.mu.Lock()
	s.getCalls[name]++
	failing := s.failGets > 0
	if failing {
		s.failGets--
	}
	g, ok := s.glyphs[name]
	s.mu.Unlock()
	s.maybeStall(r)
	if failing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such glyph"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"glyph":    g.rec,
		"revision": g.rev.String(),
	})
}

func (s *Server) liveLock(name glyphstore.GlyphName) (serverLock, bool) {
	lock, ok := s.locks[name]
	if !ok || time.Now().After(lock.expires) {
		return serverLock{}, false
	}
	return lock, true
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	name := glyphstore.GlyphName(mux.Vars(r)["name"])
	s.mu.Lock()
	s.putCalls[name]++
	s.mu.Unlock()
	s.maybeStall(r)
	expected, err := glyphstore.ParseRevision(r.Header.Get(HeaderExpectedRevision))
	if err != nil && r.Header.Get(HeaderExpectedRevision) != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed revision"})
		return
	}
	var rec glyphstore.GlyphRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed glyph"})
		return
	}
	s.mu.Lock()
	lock, locked := s.liveLock(name)
	if !locked || lock.token != r.Header.Get(HeaderLockToken) {
		holder := lock.holder
		since := lock.acquired
		s.mu.Unlock()
		writeJSON(w, http.StatusLocked, map[string]any{"holder": holder, "since": since})
		return
	}
	current, exists := s.glyphs[name]
	if exists && !current.rev.Matches(expected) || !exists && !expected.IsZero() {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"current": current.rev.String()})
		return
	}
	s.seq++
	rev := glyphstore.Revision{Stamp: s.seq}
	s.glyphs[name] = serverGlyph{rec: rec.Clone(), rev: rev}
	frame := UpdateFrame{Name: name, Revision: rev.String()}
	if s.pushGlyph {
		frame.Glyph = rec.Clone()
	}
	s.mu.Unlock()
	s.broadcast(frame)
	writeJSON(w, http.StatusOK, map[string]string{"revision": rev.String()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := glyphstore.GlyphName(mux.Vars(r)["name"])
	expected, _ := glyphstore.ParseRevision(r.Header.Get(HeaderExpectedRevision))
	s.mu.Lock()
	lock, locked := s.liveLock(name)
	if !locked || lock.token != r.Header.Get(HeaderLockToken) {
		s.mu.Unlock()
		writeJSON(w, http.StatusLocked, map[string]any{"holder": lock.holder, "since": lock.acquired})
		return
	}
	current, exists := s.glyphs[name]
	if !exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such glyph"})
		return
	}
	if !current.rev.Matches(expected) {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"current": current.rev.String()})
		return
	}
	delete(s.glyphs, name)
	s.seq++
	rev := glyphstore.Revision{Stamp: s.seq}
	s.mu.Unlock()
	s.broadcast(UpdateFrame{Name: name, Revision: rev.String(), Deleted: true})
	writeJSON(w, http.StatusOK, map[string]string{"revision": rev.String()})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	name := glyphstore.GlyphName(mux.Vars(r)["name"])
	var req struct {
		Holder string `json:"holder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Holder == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing holder"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.liveLock(name); ok {
		if lock.holder != req.Holder {
			writeJSON(w, http.StatusLocked, map[string]any{"holder": lock.holder, "since": lock.acquired})
			return
		}
		// idempotent re-acquire
		writeJSON(w, http.StatusOK, map[string]any{
			"token": lock.token, "acquired": lock.acquired, "expires": lock.expires,
		})
		return
	}
	lock := serverLock{
		holder:   req.Holder,
		token:    randomToken(),
		acquired: time.Now(),
		expires:  time.Now().Add(s.lockTTL),
	}
	s.locks[name] = lock
	writeJSON(w, http.StatusOK, map[string]any{
		"token": lock.token, "acquired": lock.acquired, "expires": lock.expires,
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	name := glyphstore.GlyphName(mux.Vars(r)["name"])
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if lock.token != r.Header.Get(HeaderLockToken) {
		writeJSON(w, http.StatusLocked, map[string]any{"holder": lock.holder, "since": lock.acquired})
		return
	}
	delete(s.locks, name)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.bearerUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "session expired"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	frames := make(chan UpdateFrame, 64)
	s.mu.Lock()
	s.watchers[frames] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, frames)
		s.mu.Unlock()
		conn.Close()
	}()
	// half of the pump: we only ever write; reading detects the close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return // force-disconnected from the server side
			}
			if err := conn.WriteJSON(&frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) broadcast(frame UpdateFrame) {
	s.mu.Lock()
	watchers := make([]chan UpdateFrame, 0, len(s.watchers))
	for ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- frame:
		default: // a stalled watcher loses frames, like a lossy real channel
		}
	}
}

// WatcherCount returns the number of connected push channels. Tests wait on
// it before broadcasting, frames sent to nobody are simply lost.
func (s *Server) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// DisconnectWatchers force-closes all push channels, simulating a network
// drop. Clients are expected to reconnect and reconcile.
func (s *Server) DisconnectWatchers() {
	s.mu.Lock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan UpdateFrame]struct{})
	s.mu.Unlock()
}
