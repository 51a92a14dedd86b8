package glyphstore

import (
	"context"
	"time"
)

// Store is the uniform glyph-storage contract every substrate implements.
//
// All operations are context-bound; a timed-out substrate call surfaces as
// an error wrapping ErrTimeout, never as a silent hang. Implementations are
// safe for concurrent use: operations on different glyphs proceed in
// parallel, and mutations of shared state are serialized internally.
type Store interface {
	// ListGlyphs returns the project index. It never fetches individual
	// glyph payloads and fails with ErrStoreUnavailable if the substrate
	// cannot be reached or opened.
	ListGlyphs(ctx context.Context) (ProjectIndex, error)

	// GetGlyph returns the freshest known record for name, cache-first and
	// from the substrate on a miss. Fails with ErrNotFound if absent.
	GetGlyph(ctx context.Context, name GlyphName) (*GlyphRecord, Revision, error)

	// PutGlyph writes a record under optimistic concurrency control. It
	// fails with ErrLockRequired if the holder has no live editing lock for
	// name (checked before any substrate round-trip), and with
	// ErrRevisionConflict if expected does not match the substrate's current
	// revision. On success the returned revision is the new current one and
	// the cache reflects it before the call returns.
	PutGlyph(ctx context.Context, name GlyphName, rec *GlyphRecord, expected Revision) (Revision, error)

	// DeleteGlyph removes a glyph under the same lock and revision rules as
	// PutGlyph.
	DeleteGlyph(ctx context.Context, name GlyphName, expected Revision) error

	// ProjectInfo returns project-wide metadata.
	ProjectInfo(ctx context.Context) (ProjectInfo, error)

	// AcquireLock claims the editing lock for name on behalf of holder. It
	// fails with ErrAlreadyLocked if another holder owns it and is
	// idempotent for the same holder.
	AcquireLock(ctx context.Context, name GlyphName, holder string) (LockTicket, error)

	// ReleaseLock gives up a held lock. The local claim is always cleared;
	// a substrate-side release failure is reported through the returned
	// error but does not resurrect the claim.
	ReleaseLock(ctx context.Context, ticket LockTicket) error

	// Subscribe returns a stream of changes made outside this session. The
	// stream is unbounded and restartable by re-subscribing; the only
	// ordering guarantee is per-name monotonic revisions. The channel is
	// closed when ctx is cancelled or the store is closed.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)

	// Close cancels background tasks and releases all locks held by this
	// session.
	Close(ctx context.Context) error
}

// Endpoints configures the remote service's URL paths. Zero fields fall back
// to the webstore defaults; exact paths are a deployment detail of the
// collaborator service.
type Endpoints struct {
	Login    string // session creation, POST
	Projects string // project/font catalog, GET
	Info     string // project metadata, GET
	Glyphs   string // index listing and per-glyph get/put/delete
	Locks    string // per-glyph lock/unlock
	Updates  string // push-update channel (websocket)
}

// Config selects and parameterizes a substrate. Substrates read the fields
// relevant to them and ignore the rest.
type Config struct {
	// Path is the project directory (dir substrate).
	Path string
	// BaseURL is the remote service's root URL (web substrate).
	BaseURL string
	// ProjectID selects one project on the remote service.
	ProjectID string
	// Username and Password authenticate the session (web substrate).
	Username string
	Password string
	// Holder identifies this editing session for locking. Required.
	Holder string
	// RequestTimeout bounds every single substrate call. Zero means the
	// substrate default.
	RequestTimeout time.Duration
	// RetryAttempts bounds retries of idempotent remote calls. Zero means
	// the substrate default.
	RetryAttempts int
	// StaleLockAge is the age beyond which an abandoned lock file is
	// reclaimed (dir substrate). Zero means the substrate default.
	StaleLockAge time.Duration
	// Endpoints overrides the remote service's URL paths.
	Endpoints Endpoints
}
