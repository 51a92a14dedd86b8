package glyphstore

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by Store operations. Callers test with errors.Is; the
// typed variants below carry detail and match their sentinel.
var (
	// ErrNotFound: the named glyph does not exist on the substrate.
	ErrNotFound = errors.New("glyph not found")
	// ErrRevisionConflict: the expected revision is stale; the substrate was
	// not mutated. Never retried automatically.
	ErrRevisionConflict = errors.New("glyph revision conflict")
	// ErrAlreadyLocked: another holder owns the editing lock. Never retried
	// automatically.
	ErrAlreadyLocked = errors.New("glyph already locked")
	// ErrLockRequired: a write was attempted without a held editing lock.
	ErrLockRequired = errors.New("editing lock required")
	// ErrStoreUnavailable: the substrate cannot be reached or is corrupt.
	ErrStoreUnavailable = errors.New("glyph store unavailable")
	// ErrAuthExpired: the remote session token lapsed; the caller has to
	// re-authenticate.
	ErrAuthExpired = errors.New("session expired")
	// ErrTimeout: a substrate call exceeded its deadline. Retryable.
	ErrTimeout = errors.New("substrate call timed out")
	// ErrInvalidName: the glyph name is not substrate-safe.
	ErrInvalidName = errors.New("invalid glyph name")
)

// ConflictError reports a failed optimistic revision check.
type ConflictError struct {
	Name     GlyphName
	Expected Revision
	Current  Revision
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("glyph %q: expected revision %s, substrate has %s",
		e.Name, e.Expected, e.Current)
}

// Is matches ErrRevisionConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// LockDeniedError reports that a lock acquisition lost to another holder.
type LockDeniedError struct {
	Name   GlyphName
	Holder string // the holder currently owning the lock
	Since  time.Time
}

// Error implements the error interface.
func (e *LockDeniedError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("glyph %q: locked by %q", e.Name, e.Holder)
	}
	return fmt.Sprintf("glyph %q: locked by %q since %s",
		e.Name, e.Holder, e.Since.Format(time.RFC3339))
}

// Is matches ErrAlreadyLocked.
func (e *LockDeniedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// UnavailableError reports an unreachable or unusable substrate.
type UnavailableError struct {
	Substrate string // substrate kind, e.g. "dir" or "web"
	Err       error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s substrate unavailable: %v", e.Substrate, e.Err)
}

// Is matches ErrStoreUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unwrap returns the underlying cause.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}
