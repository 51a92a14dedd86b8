package webstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npillmayer/glyphstore"
)

// Wire headers carrying write preconditions.
const (
	headerExpectedRevision = "X-Expected-Revision"
	headerLockToken        = "X-Lock-Token"
)

// Endpoint templates; "{project}" is replaced by the configured project id.
var defaultEndpoints = glyphstore.Endpoints{
	Login:    "/api/login",
	Projects: "/api/projects",
	Info:     "/api/projects/{project}/info",
	Glyphs:   "/api/projects/{project}/glyphs",
	Locks:    "/api/projects/{project}/locks",
	Updates:  "/api/projects/{project}/updates",
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetryAttempts  = 4
	maxInFlightCalls      = 64 // concurrent API call budget per client
)

// apiClient wraps the remote service's REST surface: request building,
// session token handling, the in-flight limiter and the retry policy.
type apiClient struct {
	base      *url.URL
	hc        *http.Client
	endpoints glyphstore.Endpoints
	project   string
	username  string
	password  string
	timeout   time.Duration
	attempts  int
	sem       chan struct{}

	mu    sync.Mutex
	token string
}

func newAPIClient(cfg glyphstore.Config) (*apiClient, error) {
	if cfg.BaseURL == "" {
		return nil, &glyphstore.UnavailableError{Substrate: "web", Err: errors.New("no base URL configured")}
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &glyphstore.UnavailableError{Substrate: "web", Err: err}
	}
	endpoints := cfg.Endpoints
	fillEndpointDefaults(&endpoints)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	return &apiClient{
		base:      base,
		hc:        &http.Client{},
		endpoints: endpoints,
		project:   cfg.ProjectID,
		username:  cfg.Username,
		password:  cfg.Password,
		timeout:   timeout,
		attempts:  attempts,
		sem:       make(chan struct{}, maxInFlightCalls),
	}, nil
}

func fillEndpointDefaults(ep *glyphstore.Endpoints) {
	if ep.Login == "" {
		ep.Login = defaultEndpoints.Login
	}
	if ep.Projects == "" {
		ep.Projects = defaultEndpoints.Projects
	}
	if ep.Info == "" {
		ep.Info = defaultEndpoints.Info
	}
	if ep.Glyphs == "" {
		ep.Glyphs = defaultEndpoints.Glyphs
	}
	if ep.Locks == "" {
		ep.Locks = defaultEndpoints.Locks
	}
	if ep.Updates == "" {
		ep.Updates = defaultEndpoints.Updates
	}
}

// endpointURL expands an endpoint template and appends path segments
// (segments are escaped, glyph names may contain anything).
func (c *apiClient) endpointURL(tmpl string, segments ...string) *url.URL {
	expanded := strings.ReplaceAll(tmpl, "{project}", url.PathEscape(c.project))
	u := c.base.JoinPath(expanded)
	return u.JoinPath(segments...)
}

func (c *apiClient) getToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *apiClient) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// --- Retry policy ----------------------------------------------------------

// requestNeverSent reports whether the request provably never reached the
// server: a failed dial cannot have applied anything, so even non-idempotent
// operations may safely retry after it.
func requestNeverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func backoffDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << attempt
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	// jitter keeps reconnect stampedes apart
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// sleepContext waits for d; it reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// call performs one API request with bounded retries. Idempotent calls retry
// on any transient failure (transport error, timeout, 5xx); non-idempotent
// calls retry only when the request never reached the server. A 401 aborts
// immediately with ErrAuthExpired. Other statuses are returned to the caller
// together with the response body, for operation-specific mapping.
func (c *apiClient) call(ctx context.Context, method string, u *url.URL, header http.Header, body []byte, idempotent bool) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			tracer().Debugf("retrying %s %s, attempt %d", method, u.Path, attempt+1)
			if !sleepContext(ctx, backoffDelay(attempt-1)) {
				return 0, nil, ctx.Err()
			}
		}
		status, data, err := c.once(ctx, method, u, header, body)
		if err == nil {
			switch {
			case status == http.StatusUnauthorized:
				return 0, nil, fmt.Errorf("%w: %s %s", glyphstore.ErrAuthExpired, method, u.Path)
			case status >= 500:
				lastErr = fmt.Errorf("server answered %d", status)
				if idempotent {
					continue
				}
				return 0, nil, &glyphstore.UnavailableError{Substrate: "web", Err: lastErr}
			default:
				return status, data, nil
			}
		} else {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, err
			}
			if idempotent || requestNeverSent(err) {
				continue
			}
			return 0, nil, err
		}
	}
	return 0, nil, &glyphstore.UnavailableError{Substrate: "web",
		Err: fmt.Errorf("%s %s failed after %d attempts: %w", method, u.Path, c.attempts, lastErr)}
}

// once performs a single attempt with the per-call timeout applied.
func (c *apiClient) once(ctx context.Context, method string, u *url.URL, header http.Header, body []byte) (int, []byte, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if token := c.getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return 0, nil, fmt.Errorf("%w: %s %s after %s", glyphstore.ErrTimeout, method, u.Path, c.timeout)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// --- Session ---------------------------------------------------------------

// login creates a session and stores the bearer token.
func (c *apiClient) login(ctx context.Context) error {
	creds, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}
	status, data, err := c.call(ctx, http.MethodPost, c.endpointURL(c.endpoints.Login), nil, creds, true)
	if err != nil {
		if errors.Is(err, glyphstore.ErrAuthExpired) {
			return fmt.Errorf("%w: login rejected", glyphstore.ErrAuthExpired)
		}
		return err
	}
	if status != http.StatusOK {
		return &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("login answered %d", status)}
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Token == "" {
		return &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed login response")}
	}
	c.setToken(resp.Token)
	tracer().Infof("session established for %q", c.username)
	return nil
}

// --- Operations ------------------------------------------------------------

type wireIndexEntry struct {
	Unicodes []rune `json:"unicodes,omitempty"`
	Revision string `json:"revision"`
}

func (c *apiClient) fetchIndex(ctx context.Context) (glyphstore.ProjectIndex, error) {
	status, data, err := c.call(ctx, http.MethodGet, c.endpointURL(c.endpoints.Glyphs), nil, nil, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.unexpectedStatus("glyph listing", status, data)
	}
	var resp struct {
		Glyphs map[glyphstore.GlyphName]wireIndexEntry `json:"glyphs"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed glyph listing: %w", err)}
	}
	index := make(glyphstore.ProjectIndex, len(resp.Glyphs))
	for name, entry := range resp.Glyphs {
		rev, err := glyphstore.ParseRevision(entry.Revision)
		if err != nil {
			return nil, &glyphstore.UnavailableError{Substrate: "web", Err: err}
		}
		index[name] = glyphstore.IndexEntry{Unicodes: entry.Unicodes, Revision: rev}
	}
	return index, nil
}

func (c *apiClient) fetchInfo(ctx context.Context) (glyphstore.ProjectInfo, error) {
	status, data, err := c.call(ctx, http.MethodGet, c.endpointURL(c.endpoints.Info), nil, nil, true)
	if err != nil {
		return glyphstore.ProjectInfo{}, err
	}
	if status != http.StatusOK {
		return glyphstore.ProjectInfo{}, c.unexpectedStatus("project info", status, data)
	}
	var info glyphstore.ProjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return glyphstore.ProjectInfo{}, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed project info: %w", err)}
	}
	return info, nil
}

func (c *apiClient) fetchGlyph(ctx context.Context, name glyphstore.GlyphName) (*glyphstore.GlyphRecord, glyphstore.Revision, error) {
	u := c.endpointURL(c.endpoints.Glyphs, string(name))
	status, data, err := c.call(ctx, http.MethodGet, u, nil, nil, true)
	if err != nil {
		return nil, glyphstore.Revision{}, err
	}
	if status == http.StatusNotFound {
		return nil, glyphstore.Revision{}, fmt.Errorf("%w: %q", glyphstore.ErrNotFound, name)
	}
	if status != http.StatusOK {
		return nil, glyphstore.Revision{}, c.unexpectedStatus("glyph fetch", status, data)
	}
	var resp struct {
		Glyph    *glyphstore.GlyphRecord `json:"glyph"`
		Revision string                  `json:"revision"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Glyph == nil {
		return nil, glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed glyph response for %q", name)}
	}
	rev, err := glyphstore.ParseRevision(resp.Revision)
	if err != nil {
		return nil, glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "web", Err: err}
	}
	return resp.Glyph, rev, nil
}

func (c *apiClient) putGlyph(ctx context.Context, name glyphstore.GlyphName, rec *glyphstore.GlyphRecord,
	expected glyphstore.Revision, lockToken string) (glyphstore.Revision, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	header := http.Header{}
	header.Set(headerExpectedRevision, expected.String())
	header.Set(headerLockToken, lockToken)
	u := c.endpointURL(c.endpoints.Glyphs, string(name))
	status, data, err := c.call(ctx, http.MethodPut, u, header, body, false)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	if status != http.StatusOK {
		return glyphstore.Revision{}, c.writeError(name, expected, status, data)
	}
	var resp struct {
		Revision string `json:"revision"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed put response for %q", name)}
	}
	return glyphstore.ParseRevision(resp.Revision)
}

func (c *apiClient) deleteGlyph(ctx context.Context, name glyphstore.GlyphName,
	expected glyphstore.Revision, lockToken string) (glyphstore.Revision, error) {
	header := http.Header{}
	header.Set(headerExpectedRevision, expected.String())
	header.Set(headerLockToken, lockToken)
	u := c.endpointURL(c.endpoints.Glyphs, string(name))
	status, data, err := c.call(ctx, http.MethodDelete, u, header, nil, false)
	if err != nil {
		return glyphstore.Revision{}, err
	}
	if status != http.StatusOK {
		return glyphstore.Revision{}, c.writeError(name, expected, status, data)
	}
	var resp struct {
		Revision string `json:"revision"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return glyphstore.Revision{}, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed delete response for %q", name)}
	}
	return glyphstore.ParseRevision(resp.Revision)
}

func (c *apiClient) lockGlyph(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	body, err := json.Marshal(map[string]string{"holder": holder})
	if err != nil {
		return glyphstore.LockTicket{}, err
	}
	u := c.endpointURL(c.endpoints.Locks, string(name))
	status, data, err := c.call(ctx, http.MethodPost, u, nil, body, false)
	if err != nil {
		return glyphstore.LockTicket{}, err
	}
	if status != http.StatusOK {
		return glyphstore.LockTicket{}, c.writeError(name, glyphstore.Revision{}, status, data)
	}
	var resp struct {
		Token    string    `json:"token"`
		Acquired time.Time `json:"acquired"`
		Expires  time.Time `json:"expires"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Token == "" {
		return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed lock response for %q", name)}
	}
	return glyphstore.LockTicket{
		Name:     name,
		Holder:   holder,
		Token:    resp.Token,
		Acquired: resp.Acquired,
		Expires:  resp.Expires,
	}, nil
}

func (c *apiClient) unlockGlyph(ctx context.Context, ticket glyphstore.LockTicket) error {
	header := http.Header{}
	header.Set(headerLockToken, ticket.Token)
	u := c.endpointURL(c.endpoints.Locks, string(ticket.Name))
	status, data, err := c.call(ctx, http.MethodDelete, u, header, nil, false)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return c.writeError(ticket.Name, glyphstore.Revision{}, status, data)
	}
	return nil
}

type wireProject struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

func (c *apiClient) fetchProjects(ctx context.Context) ([]wireProject, error) {
	status, data, err := c.call(ctx, http.MethodGet, c.endpointURL(c.endpoints.Projects), nil, nil, true)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.unexpectedStatus("project listing", status, data)
	}
	var resp struct {
		Projects []wireProject `json:"projects"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &glyphstore.UnavailableError{Substrate: "web",
			Err: fmt.Errorf("malformed project listing: %w", err)}
	}
	return resp.Projects, nil
}

// dialUpdates connects the push-update channel.
func (c *apiClient) dialUpdates(ctx context.Context) (*websocket.Conn, error) {
	u := c.endpointURL(c.endpoints.Updates)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	header := http.Header{}
	if token := c.getToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: push channel", glyphstore.ErrAuthExpired)
		}
		return nil, err
	}
	return conn, nil
}

// --- Error mapping ---------------------------------------------------------

// writeError maps write/lock rejection statuses to the error kinds of the
// store contract.
func (c *apiClient) writeError(name glyphstore.GlyphName, expected glyphstore.Revision, status int, data []byte) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %q", glyphstore.ErrNotFound, name)
	case http.StatusConflict:
		var resp struct {
			Current string `json:"current"`
		}
		current := glyphstore.Revision{}
		if json.Unmarshal(data, &resp) == nil {
			current, _ = glyphstore.ParseRevision(resp.Current)
		}
		return &glyphstore.ConflictError{Name: name, Expected: expected, Current: current}
	case http.StatusLocked:
		var resp struct {
			Holder string    `json:"holder"`
			Since  time.Time `json:"since"`
		}
		json.Unmarshal(data, &resp)
		return &glyphstore.LockDeniedError{Name: name, Holder: resp.Holder, Since: resp.Since}
	default:
		return c.unexpectedStatus("write", status, data)
	}
}

func (c *apiClient) unexpectedStatus(op string, status int, data []byte) error {
	msg := string(data)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &glyphstore.UnavailableError{Substrate: "web",
		Err: fmt.Errorf("%s answered %d: %s", op, status, strings.TrimSpace(msg))}
}
