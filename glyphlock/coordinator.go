package glyphlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npillmayer/glyphstore"
)

// Locker is the substrate side of lock coordination.
type Locker interface {
	// LockGlyph claims the substrate lock for name on behalf of holder. It
	// fails with ErrAlreadyLocked (or a LockDeniedError) when another
	// holder owns it.
	LockGlyph(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error)
	// UnlockGlyph gives the substrate lock back.
	UnlockGlyph(ctx context.Context, ticket glyphstore.LockTicket) error
}

// Coordinator tracks the editing locks held by one session and gates writes
// on them. It is safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	locker  Locker
	tickets map[glyphstore.GlyphName]glyphstore.LockTicket
	now     func() time.Time // test hook
}

// New creates a coordinator delegating substrate locking to locker.
func New(locker Locker) *Coordinator {
	return &Coordinator{
		locker:  locker,
		tickets: make(map[glyphstore.GlyphName]glyphstore.LockTicket),
		now:     time.Now,
	}
}

// Acquire claims the editing lock for name on behalf of holder.
//
// If this session already holds a live ticket for name and the same holder,
// that ticket is returned without a substrate call (idempotent re-acquire).
// A live ticket held for a different holder fails with ErrAlreadyLocked,
// again without a substrate call. Expired tickets are discarded and
// re-acquired.
func (c *Coordinator) Acquire(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	if holder == "" {
		return glyphstore.LockTicket{}, fmt.Errorf("lock acquisition needs a holder identity")
	}
	c.mu.Lock()
	if ticket, ok := c.tickets[name]; ok {
		if ticket.Expired(c.now()) {
			tracer().Infof("ticket for %q held by %q expired, discarding", name, ticket.Holder)
			delete(c.tickets, name)
		} else if ticket.Holder == holder {
			c.mu.Unlock()
			return ticket, nil
		} else {
			c.mu.Unlock()
			return glyphstore.LockTicket{}, &glyphstore.LockDeniedError{
				Name:   name,
				Holder: ticket.Holder,
				Since:  ticket.Acquired,
			}
		}
	}
	c.mu.Unlock()

	ticket, err := c.locker.LockGlyph(ctx, name, holder)
	if err != nil {
		return glyphstore.LockTicket{}, err
	}
	c.mu.Lock()
	c.tickets[name] = ticket
	c.mu.Unlock()
	tracer().Debugf("lock on %q acquired by %q", name, holder)
	return ticket, nil
}

// Release moves the glyph back to Unlocked. The local ticket is cleared
// unconditionally for the ticket's holder; a failing substrate-side release
// is reported through the returned error but never resurrects the claim.
func (c *Coordinator) Release(ctx context.Context, ticket glyphstore.LockTicket) error {
	c.mu.Lock()
	held, ok := c.tickets[ticket.Name]
	if ok && held.Holder == ticket.Holder {
		delete(c.tickets, ticket.Name)
	}
	c.mu.Unlock()
	if !ok || held.Holder != ticket.Holder {
		// Nothing held locally; still try the substrate with the caller's
		// ticket, it may be left over from a previous session.
		if ticket.IsZero() {
			return nil
		}
	}
	if err := c.locker.UnlockGlyph(ctx, ticket); err != nil {
		tracer().Errorf("substrate release of lock on %q failed: %v", ticket.Name, err)
		return fmt.Errorf("lock on %q released locally, substrate release failed: %w", ticket.Name, err)
	}
	tracer().Debugf("lock on %q released by %q", ticket.Name, ticket.Holder)
	return nil
}

// Holds reports whether holder owns a live ticket for name.
func (c *Coordinator) Holds(name glyphstore.GlyphName, holder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.tickets[name]
	if !ok || ticket.Holder != holder {
		return false
	}
	if ticket.Expired(c.now()) {
		delete(c.tickets, name)
		return false
	}
	return true
}

// Require is the pre-flight write gate: it fails with ErrLockRequired when
// holder has no live ticket for name. Substrate implementations call it
// before any round-trip, so writes that would certainly be rejected never
// leave the process.
func (c *Coordinator) Require(name glyphstore.GlyphName, holder string) error {
	if !c.Holds(name, holder) {
		return fmt.Errorf("%w: glyph %q, holder %q", glyphstore.ErrLockRequired, name, holder)
	}
	return nil
}

// Ticket returns the live ticket for name, if this session holds one.
func (c *Coordinator) Ticket(name glyphstore.GlyphName) (glyphstore.LockTicket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.tickets[name]
	if !ok || ticket.Expired(c.now()) {
		return glyphstore.LockTicket{}, false
	}
	return ticket, true
}

// ReleaseAll releases every ticket held by this session. It runs on session
// teardown and leaves no local state behind even when the substrate is
// unreachable; substrate failures are joined into the returned error.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	tickets := make([]glyphstore.LockTicket, 0, len(c.tickets))
	for _, ticket := range c.tickets {
		tickets = append(tickets, ticket)
	}
	c.tickets = make(map[glyphstore.GlyphName]glyphstore.LockTicket)
	c.mu.Unlock()

	var errs []error
	for _, ticket := range tickets {
		if err := c.locker.UnlockGlyph(ctx, ticket); err != nil {
			tracer().Errorf("teardown release of lock on %q failed: %v", ticket.Name, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d locks not released on substrate: %w",
			len(errs), len(tickets), errors.Join(errs...))
	}
	return nil
}

// Len returns the number of live tickets held.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}
