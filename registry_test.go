package glyphstore

import (
	"context"
	"errors"
	"testing"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

func TestRegistryRegisterAndOpen(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore")
	defer teardown()
	//
	reg := newStoreRegistry()
	opened := 0
	factory := func(ctx context.Context, cfg Config) (Store, error) {
		opened++
		return nil, nil
	}
	if err := reg.register("mem", factory); err != nil {
		t.Fatal(err)
	}
	if err := reg.register("mem", factory); !errors.Is(err, ErrKindAlreadyRegistered) {
		t.Errorf("expected duplicate registration to fail, got %v", err)
	}
	if err := reg.register("", factory); err == nil {
		t.Error("expected empty kind to be rejected")
	}
	if err := reg.register("nil", nil); err == nil {
		t.Error("expected nil factory to be rejected")
	}
	if _, err := reg.open(context.Background(), "mem", Config{}); err != nil {
		t.Fatal(err)
	}
	if opened != 1 {
		t.Errorf("expected factory to run once, ran %d times", opened)
	}
	if _, err := reg.open(context.Background(), "bogus", Config{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	kinds := reg.kinds()
	if len(kinds) != 1 || kinds[0] != "mem" {
		t.Errorf("expected kinds [mem], got %v", kinds)
	}
}

func TestErrorKindMatching(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore")
	defer teardown()
	//
	conflict := &ConflictError{Name: "A", Expected: Revision{Stamp: 1}, Current: Revision{Stamp: 2}}
	if !errors.Is(conflict, ErrRevisionConflict) {
		t.Error("ConflictError does not match ErrRevisionConflict")
	}
	denied := &LockDeniedError{Name: "A", Holder: "other"}
	if !errors.Is(denied, ErrAlreadyLocked) {
		t.Error("LockDeniedError does not match ErrAlreadyLocked")
	}
	unavail := &UnavailableError{Substrate: "dir", Err: errors.New("gone")}
	if !errors.Is(unavail, ErrStoreUnavailable) {
		t.Error("UnavailableError does not match ErrStoreUnavailable")
	}
}
