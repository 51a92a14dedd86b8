package glyphlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

// fakeLocker is an in-memory substrate locker with optional failure modes.
type fakeLocker struct {
	mu        sync.Mutex
	owners    map[glyphstore.GlyphName]string
	lockCalls int32
	unlockErr error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{owners: make(map[glyphstore.GlyphName]string)}
}

func (l *fakeLocker) LockGlyph(ctx context.Context, name glyphstore.GlyphName, holder string) (glyphstore.LockTicket, error) {
	atomic.AddInt32(&l.lockCalls, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.owners[name]; ok && owner != holder {
		return glyphstore.LockTicket{}, &glyphstore.LockDeniedError{Name: name, Holder: owner}
	}
	l.owners[name] = holder
	return glyphstore.LockTicket{
		Name:     name,
		Holder:   holder,
		Token:    "tok-" + string(name),
		Acquired: time.Now(),
	}, nil
}

func (l *fakeLocker) UnlockGlyph(ctx context.Context, ticket glyphstore.LockTicket) error {
	if l.unlockErr != nil {
		return l.unlockErr
	}
	l.mu.Lock()
	delete(l.owners, ticket.Name)
	l.mu.Unlock()
	return nil
}

func TestAcquireReleaseCycle(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	ticket, err := coord.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	if !coord.Holds("A", "hanna") {
		t.Error("coordinator does not report the held lock")
	}
	if err := coord.Require("A", "hanna"); err != nil {
		t.Errorf("write gate rejected the lock holder: %v", err)
	}
	if err := coord.Require("A", "karl"); !errors.Is(err, glyphstore.ErrLockRequired) {
		t.Errorf("write gate let a non-holder through: %v", err)
	}
	if err := coord.Release(context.Background(), ticket); err != nil {
		t.Fatal(err)
	}
	if coord.Holds("A", "hanna") {
		t.Error("released lock still reported as held")
	}
}

func TestAcquireIdempotentPerHolder(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	t1, err := coord.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := coord.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	if t1.Token != t2.Token {
		t.Error("re-acquire by the same holder returned a different ticket")
	}
	if n := atomic.LoadInt32(&locker.lockCalls); n != 1 {
		t.Errorf("re-acquire hit the substrate, %d calls", n)
	}
}

func TestAcquireDeniedForSecondHolder(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	if _, err := coord.Acquire(context.Background(), "A", "hanna"); err != nil {
		t.Fatal(err)
	}
	calls := atomic.LoadInt32(&locker.lockCalls)
	_, err := coord.Acquire(context.Background(), "A", "karl")
	if !errors.Is(err, glyphstore.ErrAlreadyLocked) {
		t.Errorf("expected ErrAlreadyLocked, got %v", err)
	}
	var denied *glyphstore.LockDeniedError
	if !errors.As(err, &denied) || denied.Holder != "hanna" {
		t.Errorf("lock denial does not name the owning holder: %v", err)
	}
	if atomic.LoadInt32(&locker.lockCalls) != calls {
		t.Error("denial for a locally known lock hit the substrate")
	}
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	// two separate sessions racing on the same substrate
	coordA, coordB := New(locker), New(locker)
	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = coordA.Acquire(context.Background(), "A", "hanna") }()
	go func() { defer wg.Done(); _, errB = coordB.Acquire(context.Background(), "A", "karl") }()
	wg.Wait()
	okA, okB := errA == nil, errB == nil
	if okA == okB {
		t.Fatalf("expected exactly one winner, got errA=%v errB=%v", errA, errB)
	}
	loser := errA
	if okA {
		loser = errB
	}
	if !errors.Is(loser, glyphstore.ErrAlreadyLocked) {
		t.Errorf("loser did not get ErrAlreadyLocked: %v", loser)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coordA, coordB := New(locker), New(locker)
	ticket, err := coordA.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coordB.Acquire(context.Background(), "A", "karl"); err == nil {
		t.Fatal("expected second holder to be denied while locked")
	}
	if err := coordA.Release(context.Background(), ticket); err != nil {
		t.Fatal(err)
	}
	if _, err := coordB.Acquire(context.Background(), "A", "karl"); err != nil {
		t.Errorf("expected acquisition after release to succeed, got %v", err)
	}
}

func TestReleaseClearsLocallyOnSubstrateFailure(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	ticket, err := coord.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	locker.unlockErr = errors.New("connection reset")
	if err := coord.Release(context.Background(), ticket); err == nil {
		t.Error("substrate release failure was not reported")
	}
	if coord.Holds("A", "hanna") {
		t.Error("local ticket survived a failing substrate release")
	}
}

func TestExpiredTicketDiscarded(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	now := time.Now()
	coord.now = func() time.Time { return now }
	ticket, err := coord.Acquire(context.Background(), "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	ticket.Expires = now.Add(time.Minute)
	coord.mu.Lock()
	coord.tickets["A"] = ticket
	coord.mu.Unlock()
	if !coord.Holds("A", "hanna") {
		t.Fatal("live ticket not reported as held")
	}
	coord.now = func() time.Time { return now.Add(2 * time.Minute) }
	if coord.Holds("A", "hanna") {
		t.Error("expired ticket still reported as held")
	}
	if err := coord.Require("A", "hanna"); !errors.Is(err, glyphstore.ErrLockRequired) {
		t.Errorf("write gate accepted an expired ticket: %v", err)
	}
}

func TestReleaseAllOnTeardown(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	for _, name := range []glyphstore.GlyphName{"A", "B", "C"} {
		if _, err := coord.Acquire(context.Background(), name, "hanna"); err != nil {
			t.Fatal(err)
		}
	}
	if err := coord.ReleaseAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if coord.Len() != 0 {
		t.Errorf("teardown left %d tickets behind", coord.Len())
	}
	locker.mu.Lock()
	remaining := len(locker.owners)
	locker.mu.Unlock()
	if remaining != 0 {
		t.Errorf("teardown left %d substrate locks behind", remaining)
	}
}

func TestReleaseAllSurvivesUnreachableSubstrate(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.lock")
	defer teardown()
	//
	locker := newFakeLocker()
	coord := New(locker)
	if _, err := coord.Acquire(context.Background(), "A", "hanna"); err != nil {
		t.Fatal(err)
	}
	locker.unlockErr = errors.New("no route to host")
	if err := coord.ReleaseAll(context.Background()); err == nil {
		t.Error("unreachable substrate during teardown was not reported")
	}
	if coord.Len() != 0 {
		t.Error("teardown left local tickets behind despite unreachable substrate")
	}
}
