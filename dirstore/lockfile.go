package dirstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/npillmayer/glyphstore"
)

// lockFileBody is the JSON content of an advisory lock file.
type lockFileBody struct {
	Holder   string    `json:"holder"`
	Token    string    `json:"token"`
	Acquired time.Time `json:"acquired"`
}

// fileLocker implements glyphlock.Locker with one advisory lock file per
// glyph. Creation uses O_EXCL, so the filesystem arbitrates races between
// processes.
type fileLocker struct {
	store *Store
}

func randomToken() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a broken system; fall back to the clock
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// LockGlyph claims the lock file for name. A lock file older than the
// configured stale age is treated as abandoned and reclaimed.
func (l *fileLocker) LockGlyph(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	if err := os.MkdirAll(l.store.locksDir(), 0o755); err != nil {
		return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
	}
	path := l.store.lockPath(name)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			body := lockFileBody{Holder: holder, Token: randomToken(), Acquired: time.Now()}
			werr := json.NewEncoder(f).Encode(&body)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "dir", Err: werr}
			}
			return glyphstore.LockTicket{
				Name:     name,
				Holder:   holder,
				Token:    body.Token,
				Acquired: body.Acquired,
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
		}
		body, readErr := readLockFile(path)
		if readErr != nil {
			// racing unlink between our open and read; try again
			if errors.Is(readErr, fs.ErrNotExist) {
				continue
			}
			return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "dir", Err: readErr}
		}
		if body.Holder == holder {
			return glyphstore.LockTicket{
				Name:     name,
				Holder:   holder,
				Token:    body.Token,
				Acquired: body.Acquired,
			}, nil
		}
		if age := time.Since(body.Acquired); age > l.store.staleAge {
			tracer().Infof("reclaiming stale lock on %q, abandoned by %q %s ago",
				name, body.Holder, age.Round(time.Second))
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return glyphstore.LockTicket{}, &glyphstore.UnavailableError{Substrate: "dir", Err: err}
			}
			continue
		}
		return glyphstore.LockTicket{}, &glyphstore.LockDeniedError{
			Name:   name,
			Holder: body.Holder,
			Since:  body.Acquired,
		}
	}
	return glyphstore.LockTicket{}, &glyphstore.LockDeniedError{Name: name}
}

// UnlockGlyph removes the lock file, if it still belongs to the ticket.
func (l *fileLocker) UnlockGlyph(ctx context.Context, ticket glyphstore.LockTicket) error {
	path := l.store.lockPath(ticket.Name)
	body, err := readLockFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil // already gone, nothing to release
	}
	if err != nil {
		return err
	}
	// only the token proves ownership; the same holder in another session
	// carries a different token and must not unlink this lock
	if body.Token != ticket.Token {
		return fmt.Errorf("lock file for %q now held by %q, leaving it alone",
			ticket.Name, body.Holder)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readLockFile(path string) (lockFileBody, error) {
	var body lockFileBody
	data, err := os.ReadFile(path)
	if err != nil {
		return body, err
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return body, fmt.Errorf("corrupt lock file %q: %w", path, err)
	}
	return body, nil
}
