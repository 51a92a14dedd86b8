package dirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

// watchProject builds a minimal project with one glyph "A" and opens it.
func watchProject(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	info := glyphstore.ProjectInfo{FamilyName: "Watched", UnitsPerEm: 1000}
	data, _ := json.Marshal(&info)
	if err := os.WriteFile(filepath.Join(dir, fontFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, glyphsDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := testRecord('A', 540)
	data, _ = json.MarshalIndent(&glyphFile{Name: "A", Glyph: rec}, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, glyphsDirName, fileStem("A")+glyphFileExt), data, 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := Open(context.Background(), glyphstore.Config{Path: dir, Holder: "hanna"})
	if err != nil {
		t.Fatal(err)
	}
	return store, dir
}

func waitForEvent(t *testing.T, events <-chan glyphstore.ChangeEvent, timeout time.Duration) (glyphstore.ChangeEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev, true
	case <-time.After(timeout):
		return glyphstore.ChangeEvent{}, false
	}
}

func TestWatcherReportsExternalEdit(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	store, dir := watchProject(t)
	defer store.Close(context.Background())
	ctx := context.Background()
	events, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.GetGlyph(ctx, "A"); err != nil { // prime the cache
		t.Fatal(err)
	}

	// an edit behind the store's back
	rec := testRecord('A', 999)
	data, _ := json.MarshalIndent(&glyphFile{Name: "A", Glyph: rec}, "", "  ")
	path := filepath.Join(dir, glyphsDirName, fileStem("A")+glyphFileExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ev, ok := waitForEvent(t, events, 5*time.Second)
	if !ok {
		t.Fatal("no change event for an external edit")
	}
	if ev.Name != "A" || ev.Origin != glyphstore.OriginExternal || ev.Deleted {
		t.Fatalf("unexpected event %s", ev)
	}
	// the stale cache entry has to be refetched on the next read
	got, _, err := store.GetGlyph(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Layers["foreground"].AdvanceWidth != 999 {
		t.Errorf("read after external edit returned stale content, width %v",
			got.Layers["foreground"].AdvanceWidth)
	}
}

func TestWatcherReportsExternalDelete(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	store, dir := watchProject(t)
	defer store.Close(context.Background())
	events, err := store.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, glyphsDirName, fileStem("A")+glyphFileExt)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev, ok := waitForEvent(t, events, 5*time.Second)
	if !ok {
		t.Fatal("no change event for an external delete")
	}
	if ev.Name != "A" || !ev.Deleted {
		t.Fatalf("unexpected event %s", ev)
	}
	idx, _ := store.ListGlyphs(context.Background())
	if _, ok := idx["A"]; ok {
		t.Error("deleted glyph still indexed")
	}
}

func TestWatcherSuppressesOwnWrites(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	store, _ := watchProject(t)
	defer store.Close(context.Background())
	ctx := context.Background()
	events, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, rev, err := store.GetGlyph(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := store.AcquireLock(ctx, "A", "hanna")
	if err != nil {
		t.Fatal(err)
	}
	defer store.ReleaseLock(ctx, ticket)
	if _, err := store.PutGlyph(ctx, "A", testRecord('A', 700), rev); err != nil {
		t.Fatal(err)
	}
	if ev, ok := waitForEvent(t, events, 1*time.Second); ok {
		t.Errorf("own write leaked onto the change stream: %s", ev)
	}
}

// Close must return even when a subscriber stopped draining its events: a
// burst of external creates larger than the subscriber buffer parks the
// watcher mid-delivery.
func TestCloseWithLaggingSubscriber(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	store, dir := watchProject(t)
	if _, err := store.Subscribe(context.Background()); err != nil { // never drained
		t.Fatal(err)
	}
	for i := 0; i < 80; i++ {
		name := glyphstore.GlyphName(fmt.Sprintf("glyph%03d", i))
		data, _ := json.MarshalIndent(&glyphFile{Name: name, Glyph: testRecord('x', 500)}, "", "  ")
		path := filepath.Join(dir, glyphsDirName, fileStem(name)+glyphFileExt)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(500 * time.Millisecond) // let the batch settle and delivery stall

	done := make(chan error, 1)
	go func() { done <- store.Close(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close reported %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung behind an undrained subscriber")
	}
}

func TestSubscribeStreamClosesWithContext(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	store, _ := watchProject(t)
	defer store.Close(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	events, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected the stream to close, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after context cancellation")
	}
}
