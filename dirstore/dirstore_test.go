package dirstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
	"github.com/stretchr/testify/suite"
)

// --- Test Suite Preparation ------------------------------------------------

type DirStoreTestEnviron struct {
	suite.Suite
	projectDir string
	store      *Store
}

// listen for 'go test' command --> run test methods
func TestDirStore(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	suite.Run(t, new(DirStoreTestEnviron))
}

// run before each test: build a fresh little project and open it
func (env *DirStoreTestEnviron) SetupTest() {
	env.projectDir = env.T().TempDir()
	env.writeProjectFixture()
	store, err := Open(context.Background(), glyphstore.Config{
		Path:   env.projectDir,
		Holder: "hanna",
	})
	env.Require().NoError(err)
	env.store = store
}

func (env *DirStoreTestEnviron) TearDownTest() {
	if env.store != nil {
		env.store.Close(context.Background())
		env.store = nil
	}
}

func (env *DirStoreTestEnviron) writeProjectFixture() {
	info := glyphstore.ProjectInfo{
		FamilyName: "Testgrotesk",
		UnitsPerEm: 1000,
		Axes: []glyphstore.GlobalAxis{
			{Tag: "wght", Label: "Weight", Min: 100, Default: 400, Max: 900},
		},
	}
	data, err := json.MarshalIndent(&info, "", "  ")
	env.Require().NoError(err)
	env.Require().NoError(os.WriteFile(filepath.Join(env.projectDir, fontFileName), data, 0o644))
	env.Require().NoError(os.Mkdir(filepath.Join(env.projectDir, glyphsDirName), 0o755))
	env.seedGlyph("A", testRecord('A', 540))
	env.seedGlyph("B", testRecord('B', 560))
	env.seedGlyph("uni4E00", testRecord(0x4E00, 1000))
}

// seedGlyph writes a glyph file directly, bypassing the store.
func (env *DirStoreTestEnviron) seedGlyph(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord) {
	data, err := json.MarshalIndent(&glyphFile{Name: name, Glyph: rec}, "", "  ")
	env.Require().NoError(err)
	path := filepath.Join(env.projectDir, glyphsDirName, fileStem(name)+glyphFileExt)
	env.Require().NoError(os.WriteFile(path, data, 0o644))
}

func testRecord(r rune, width float64) *glyphstore.GlyphRecord {
	return &glyphstore.GlyphRecord{
		Unicodes: []rune{r},
		Sources:  []glyphstore.Source{{Name: "default", LayerName: "foreground"}},
		Layers: map[string]glyphstore.Layer{
			"foreground": {AdvanceWidth: width, Outline: []byte(`{"contours":[]}`)},
		},
	}
}

// lockAndPut acquires the editing lock, writes, and releases again.
func (env *DirStoreTestEnviron) lockAndPut(name glyphstore.GlyphName, rec *glyphstore.GlyphRecord,
	expected glyphstore.Revision) glyphstore.Revision {
	ticket, err := env.store.AcquireLock(context.Background(), name, "hanna")
	env.Require().NoError(err)
	defer env.store.ReleaseLock(context.Background(), ticket)
	rev, err := env.store.PutGlyph(context.Background(), name, rec, expected)
	env.Require().NoError(err)
	return rev
}

// --- Tests -----------------------------------------------------------------

func (env *DirStoreTestEnviron) TestOpenBuildsIndex() {
	idx, err := env.store.ListGlyphs(context.Background())
	env.Require().NoError(err)
	env.Len(idx, 3)
	env.Equal([]glyphstore.GlyphName{"A", "B", "uni4E00"}, idx.Names())
	env.Equal([]rune{0x4E00}, idx["uni4E00"].Unicodes)
	env.False(idx["A"].Revision.IsZero(), "index entries need revisions")
}

func (env *DirStoreTestEnviron) TestProjectInfo() {
	info, err := env.store.ProjectInfo(context.Background())
	env.Require().NoError(err)
	env.Equal("Testgrotesk", info.FamilyName)
	env.Equal(1000, info.UnitsPerEm)
	env.Require().Len(info.Axes, 1)
	env.Equal("wght", info.Axes[0].Tag)
}

func (env *DirStoreTestEnviron) TestOpenRejectsNonProject() {
	dir := env.T().TempDir() // no font.json, no glyphs dir
	_, err := Open(context.Background(), glyphstore.Config{Path: dir, Holder: "hanna"})
	env.Require().Error(err)
	env.True(errors.Is(err, glyphstore.ErrStoreUnavailable), "expected ErrStoreUnavailable, got %v", err)
}

func (env *DirStoreTestEnviron) TestOpenCollectsFindings() {
	badPath := filepath.Join(env.projectDir, glyphsDirName, "broken.json")
	env.Require().NoError(os.WriteFile(badPath, []byte("{ not json"), 0o644))
	store, err := Open(context.Background(), glyphstore.Config{Path: env.projectDir, Holder: "karl"})
	env.Require().NoError(err, "a corrupt glyph file must not fail the open")
	defer store.Close(context.Background())
	findings := store.ScanFindings()
	env.Require().Len(findings, 1)
	env.Equal(SeverityMajor, findings[0].Severity)
	idx, _ := store.ListGlyphs(context.Background())
	env.Len(idx, 3, "the broken file must be skipped, not indexed")
}

func (env *DirStoreTestEnviron) TestGetGlyph() {
	rec, rev, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	env.False(rev.IsZero())
	env.Equal([]rune{'A'}, rec.Unicodes)
	env.Equal(540.0, rec.Layers["foreground"].AdvanceWidth)
}

func (env *DirStoreTestEnviron) TestGetGlyphNotFound() {
	_, _, err := env.store.GetGlyph(context.Background(), "zilch")
	env.True(errors.Is(err, glyphstore.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func (env *DirStoreTestEnviron) TestPutRequiresLock() {
	_, _, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	idx, _ := env.store.ListGlyphs(context.Background())
	_, err = env.store.PutGlyph(context.Background(), "A", testRecord('A', 555), idx["A"].Revision)
	env.True(errors.Is(err, glyphstore.ErrLockRequired), "expected ErrLockRequired, got %v", err)
}

func (env *DirStoreTestEnviron) TestWriteThenReadBack() {
	_, rev, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	written := testRecord('A', 610)
	newRev := env.lockAndPut("A", written, rev)
	env.True(newRev.After(rev), "write must advance the revision")

	rec, gotRev, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	env.True(gotRev.Matches(newRev), "read-back revision differs from written one")
	if diff := cmp.Diff(written, rec); diff != "" {
		env.Failf("read-back record differs", "%s", diff)
	}
	idx, _ := env.store.ListGlyphs(context.Background())
	env.True(idx["A"].Revision.Matches(newRev), "index not updated by write")
}

func (env *DirStoreTestEnviron) TestStaleRevisionConflict() {
	_, rev, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	env.lockAndPut("A", testRecord('A', 620), rev) // revision moves on

	ticket, err := env.store.AcquireLock(context.Background(), "A", "hanna")
	env.Require().NoError(err)
	defer env.store.ReleaseLock(context.Background(), ticket)
	_, err = env.store.PutGlyph(context.Background(), "A", testRecord('A', 630), rev)
	env.Require().True(errors.Is(err, glyphstore.ErrRevisionConflict), "expected ErrRevisionConflict, got %v", err)
	var conflict *glyphstore.ConflictError
	env.Require().True(errors.As(err, &conflict))
	env.True(conflict.Expected.Matches(rev))

	// the rejected write must not have mutated the substrate
	rec, _, err := env.store.GetGlyph(context.Background(), "A")
	env.Require().NoError(err)
	env.Equal(620.0, rec.Layers["foreground"].AdvanceWidth)
}

func (env *DirStoreTestEnviron) TestCreateNewGlyph() {
	rev := env.lockAndPut("C", testRecord('C', 580), glyphstore.Revision{})
	env.False(rev.IsZero())
	idx, _ := env.store.ListGlyphs(context.Background())
	env.Contains(idx, glyphstore.GlyphName("C"))
}

func (env *DirStoreTestEnviron) TestDeleteGlyph() {
	_, rev, err := env.store.GetGlyph(context.Background(), "B")
	env.Require().NoError(err)
	ticket, err := env.store.AcquireLock(context.Background(), "B", "hanna")
	env.Require().NoError(err)
	defer env.store.ReleaseLock(context.Background(), ticket)

	err = env.store.DeleteGlyph(context.Background(), "B", glyphstore.Revision{Stamp: 1})
	env.True(errors.Is(err, glyphstore.ErrRevisionConflict), "stale delete must conflict, got %v", err)

	env.Require().NoError(env.store.DeleteGlyph(context.Background(), "B", rev))
	_, _, err = env.store.GetGlyph(context.Background(), "B")
	env.True(errors.Is(err, glyphstore.ErrNotFound))
	idx, _ := env.store.ListGlyphs(context.Background())
	env.NotContains(idx, glyphstore.GlyphName("B"))
}

// The canonical two-editor sequence: H edits under lock, K is refused
// without the lock, then conflicts with a stale revision after taking it.
func (env *DirStoreTestEnviron) TestTwoEditorSequence() {
	ctx := context.Background()
	_, rev1, err := env.store.GetGlyph(ctx, "A")
	env.Require().NoError(err)

	// editor K on the same project directory
	storeK, err := Open(ctx, glyphstore.Config{Path: env.projectDir, Holder: "karl"})
	env.Require().NoError(err)
	defer storeK.Close(ctx)

	ticketH, err := env.store.AcquireLock(ctx, "A", "hanna")
	env.Require().NoError(err)
	rev2, err := env.store.PutGlyph(ctx, "A", testRecord('A', 700), rev1)
	env.Require().NoError(err)
	env.True(rev2.After(rev1))

	// K without the lock
	_, err = storeK.PutGlyph(ctx, "A", testRecord('A', 111), rev1)
	env.True(errors.Is(err, glyphstore.ErrLockRequired), "expected ErrLockRequired, got %v", err)

	// K cannot take the lock while H holds it
	_, err = storeK.AcquireLock(ctx, "A", "karl")
	env.True(errors.Is(err, glyphstore.ErrAlreadyLocked), "expected ErrAlreadyLocked, got %v", err)

	env.Require().NoError(env.store.ReleaseLock(ctx, ticketH))

	ticketK, err := storeK.AcquireLock(ctx, "A", "karl")
	env.Require().NoError(err)
	defer storeK.ReleaseLock(ctx, ticketK)
	_, err = storeK.PutGlyph(ctx, "A", testRecord('A', 111), rev1)
	env.True(errors.Is(err, glyphstore.ErrRevisionConflict),
		"K's write with the pre-H revision must conflict, got %v", err)
}

func (env *DirStoreTestEnviron) TestStaleLockReclaimed() {
	ctx := context.Background()
	// plant an abandoned lock file, older than the stale age
	env.Require().NoError(os.MkdirAll(env.store.locksDir(), 0o755))
	body := lockFileBody{Holder: "ghost", Token: "dead", Acquired: time.Now().Add(-2 * defaultStaleLockAge)}
	data, _ := json.Marshal(&body)
	env.Require().NoError(os.WriteFile(env.store.lockPath("A"), data, 0o644))

	ticket, err := env.store.AcquireLock(ctx, "A", "hanna")
	env.Require().NoError(err, "abandoned lock must be reclaimed")
	env.Equal("hanna", ticket.Holder)
	env.store.ReleaseLock(ctx, ticket)
}

func (env *DirStoreTestEnviron) TestFreshLockNotReclaimed() {
	ctx := context.Background()
	env.Require().NoError(os.MkdirAll(env.store.locksDir(), 0o755))
	body := lockFileBody{Holder: "ghost", Token: "live", Acquired: time.Now()}
	data, _ := json.Marshal(&body)
	env.Require().NoError(os.WriteFile(env.store.lockPath("A"), data, 0o644))

	_, err := env.store.AcquireLock(ctx, "A", "hanna")
	env.True(errors.Is(err, glyphstore.ErrAlreadyLocked), "expected ErrAlreadyLocked, got %v", err)
}

// Only the token proves lock ownership: a leftover ticket from an earlier
// session of the same holder must not unlink a lock it no longer owns.
func (env *DirStoreTestEnviron) TestUnlockRequiresMatchingToken() {
	ctx := context.Background()
	locker := &fileLocker{store: env.store}
	ticket, err := locker.LockGlyph(ctx, "A", "hanna")
	env.Require().NoError(err)

	forged := ticket
	forged.Token = "0123456789abcdef"
	env.Error(locker.UnlockGlyph(ctx, forged), "stale ticket unlinked a live lock")

	_, err = locker.LockGlyph(ctx, "A", "karl")
	env.True(errors.Is(err, glyphstore.ErrAlreadyLocked), "lock gone after the forged unlock, got %v", err)

	env.NoError(locker.UnlockGlyph(ctx, ticket), "the live ticket must still unlock")
}

// A crash mid-write leaves a temp file behind, never a torn glyph file.
func (env *DirStoreTestEnviron) TestTornWriteInvisible() {
	ctx := context.Background()
	// simulate the remains of a crashed writer
	tornPath := filepath.Join(env.projectDir, glyphsDirName, ".glyph-crashed")
	env.Require().NoError(os.WriteFile(tornPath, []byte(`{"name":"A","glyph":{"uni`), 0o644))

	store, err := Open(ctx, glyphstore.Config{Path: env.projectDir, Holder: "karl"})
	env.Require().NoError(err)
	defer store.Close(ctx)
	env.Empty(store.ScanFindings(), "temp remains must not even register as findings")

	rec, _, err := store.GetGlyph(ctx, "A")
	env.Require().NoError(err)
	env.Equal(540.0, rec.Layers["foreground"].AdvanceWidth, "reader must see the old, complete record")
}
