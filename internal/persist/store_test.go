package persist

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nibzard/mangrove/internal/logging"
	"github.com/nibzard/mangrove/internal/tree"
)

// fakeClock hands out strictly increasing times so backup filenames
// never collide within a test.
type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
	tic time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start, tic: time.Second}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.tic)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	store, err := NewStore(t.TempDir(),
		WithLogger(logging.NewTestLogger(os.Stderr)))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store.now = clock.Now
	return store, clock
}

func sampleTree() *tree.Node {
	root := tree.New("root", "Root", "", tree.StatusPending)
	root.Children = append(root.Children, tree.New("c1", "Child 1", "", tree.StatusDone))
	return root
}

func TestSaveAndLoad(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.Load("alpha")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ID != "root" || len(loaded.Children) != 1 {
		t.Errorf("loaded tree: got %+v, want root with one child", loaded)
	}
}

func TestSaveFileFormat(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), "alpha.json"))
	if err != nil {
		t.Fatalf("reading document: %v", err)
	}
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		t.Error("document missing trailing newline")
	}
	if !strings.Contains(s, "  \"id\": \"root\"") {
		t.Errorf("document not 2-space indented:\n%s", s)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "alpha.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestStaleTempFileKeepsLiveDocument(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Simulate a crash between the temp-file write and the rename: a
	// half-written temp file sits next to an intact live document.
	tempPath := filepath.Join(store.Dir(), "alpha.tmp")
	if err := os.WriteFile(tempPath, []byte(`{"id":"root","ti`), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	loaded, err := store.Load("alpha")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ID != "root" || len(loaded.Children) != 1 {
		t.Errorf("loaded tree: got %+v, want the last completed save", loaded)
	}

	// The next save replaces both the stale temp file and the document.
	updated := sampleTree()
	updated.Children = append(updated.Children, tree.New("c2", "Child 2", "", tree.StatusPending))
	if err := store.Save("alpha", updated, false); err != nil {
		t.Fatalf("Save over stale temp file failed: %v", err)
	}
	loaded, err = store.Load("alpha")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Children) != 2 {
		t.Errorf("children after save: got %d, want 2", len(loaded.Children))
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestSaveInvalidTreeID(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Save("../..", sampleTree(), false)
	if !errors.Is(err, ErrInvalidTreeID) {
		t.Errorf("got %v, want ErrInvalidTreeID", err)
	}
}

func TestSanitizeIDStripsTraversal(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("../evil", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// Dots and slashes are stripped, so the document lands inside dir.
	if _, err := os.Stat(filepath.Join(store.Dir(), "evil.json")); err != nil {
		t.Errorf("sanitized document missing: %v", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestBackupWindow(t *testing.T) {
	store, clock := newTestStore(t)

	// First save has no live document yet, so nothing to back up.
	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got := len(store.Backups("alpha")); got != 0 {
		t.Fatalf("backups after first save: got %d, want 0", got)
	}

	// Second save backs up the previous document.
	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got := len(store.Backups("alpha")); got != 1 {
		t.Fatalf("backups after second save: got %d, want 1", got)
	}

	// Saves inside the window share that backup.
	for i := 0; i < 3; i++ {
		if err := store.Save("alpha", sampleTree(), false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if got := len(store.Backups("alpha")); got != 1 {
		t.Errorf("backups inside window: got %d, want 1", got)
	}

	// Past the window a new backup appears.
	clock.Advance(DefaultBackupWindow + time.Minute)
	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got := len(store.Backups("alpha")); got != 2 {
		t.Errorf("backups past window: got %d, want 2", got)
	}
}

func TestForceBackup(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// Repeated forced saves each take a backup, window or not.
	for i := 0; i < 3; i++ {
		if err := store.Save("alpha", sampleTree(), true); err != nil {
			t.Fatalf("forced Save failed: %v", err)
		}
	}
	if got := len(store.Backups("alpha")); got != 3 {
		t.Errorf("backups after forced saves: got %d, want 3", got)
	}
}

func TestRecoveryFromBackup(t *testing.T) {
	var logBuf bytes.Buffer
	store, err := NewStore(t.TempDir(), WithLogger(logging.NewTestLogger(&logBuf)))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store.now = newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)).Now

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// Second save creates a backup of the first document.
	updated := sampleTree()
	updated.Children = append(updated.Children, tree.New("c2", "Child 2", "", tree.StatusPending))
	if err := store.Save("alpha", updated, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Corrupt the live document.
	livePath := filepath.Join(store.Dir(), "alpha.json")
	if err := os.WriteFile(livePath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("corrupting document: %v", err)
	}

	loaded, err := store.Load("alpha")
	if err != nil {
		t.Fatalf("Load after corruption failed: %v", err)
	}
	// The recovered document is the backed-up first version.
	if len(loaded.Children) != 1 {
		t.Errorf("recovered children: got %d, want 1", len(loaded.Children))
	}
	// The recovery itself is logged.
	if !strings.Contains(logBuf.String(), "recovered tree from backup") {
		t.Errorf("recovery not logged, got: %s", logBuf.String())
	}
}

func TestRecoverySkipsCorruptBackups(t *testing.T) {
	store, clock := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("alpha", sampleTree(), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	clock.Advance(time.Minute)
	if err := store.Save("alpha", sampleTree(), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	backups := store.Backups("alpha")
	if len(backups) != 2 {
		t.Fatalf("backups: got %d, want 2", len(backups))
	}
	// Corrupt the newest backup and the live document; recovery should
	// fall through to the older backup.
	if err := os.WriteFile(backups[0].Path, []byte("junk"), 0644); err != nil {
		t.Fatalf("corrupting backup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "alpha.json"), []byte("junk"), 0644); err != nil {
		t.Fatalf("corrupting document: %v", err)
	}

	loaded, err := store.Load("alpha")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ID != "root" {
		t.Errorf("recovered root id: got %s, want root", loaded.ID)
	}
}

func TestCorruptWithoutBackup(t *testing.T) {
	store, _ := newTestStore(t)

	livePath := filepath.Join(store.Dir(), "alpha.json")
	if err := os.WriteFile(livePath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("writing document: %v", err)
	}

	_, err := store.Load("alpha")
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("got %v, want ErrCorrupted", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound to also match", err)
	}
}

func TestListTrees(t *testing.T) {
	store, _ := newTestStore(t)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := store.Save(id, sampleTree(), false); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}

	ids, err := store.ListTrees()
	if err != nil {
		t.Fatalf("ListTrees failed: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("ids: got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: got %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestDeleteTree(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.DeleteTree("alpha"); err != nil {
		t.Fatalf("DeleteTree failed: %v", err)
	}

	if _, err := store.Load("alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete: got %v, want ErrNotFound", err)
	}
	// Deletion leaves a final backup behind.
	if got := len(store.Backups("alpha")); got != 1 {
		t.Errorf("backups after delete: got %d, want 1", got)
	}

	if err := store.DeleteTree("alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestBackupsFullIDMatch(t *testing.T) {
	store, clock := newTestStore(t)

	for _, id := range []string{"t1", "t10"} {
		if err := store.Save(id, sampleTree(), false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := store.Save(id, sampleTree(), true); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}

	if got := len(store.Backups("t1")); got != 1 {
		t.Errorf("backups for t1: got %d, want 1", got)
	}
	if got := len(store.Backups("t10")); got != 1 {
		t.Errorf("backups for t10: got %d, want 1", got)
	}
}

func TestCleanupKeepPerTree(t *testing.T) {
	store, clock := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := store.Save("alpha", sampleTree(), true); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}
	if got := len(store.Backups("alpha")); got != 8 {
		t.Fatalf("backups before cleanup: got %d, want 8", got)
	}

	removed, err := store.CleanupBackups(CleanupOptions{KeepPerTree: 5})
	if err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed: got %d, want 3", removed)
	}
	if got := len(store.Backups("alpha")); got != 5 {
		t.Errorf("backups after cleanup: got %d, want 5", got)
	}
}

func TestCleanupKeepsNewestWithoutAge(t *testing.T) {
	store, clock := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Save("alpha", sampleTree(), true); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}

	// KeepPerTree zero still retains the newest backup.
	removed, err := store.CleanupBackups(CleanupOptions{KeepPerTree: 0})
	if err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed: got %d, want 2", removed)
	}
	if got := len(store.Backups("alpha")); got != 1 {
		t.Errorf("backups after cleanup: got %d, want 1", got)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	store, clock := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("alpha", sampleTree(), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Push the backup's mtime into the past; the age check reads mtimes.
	old := clock.Now().Add(-72 * time.Hour)
	for _, b := range store.Backups("alpha") {
		if err := os.Chtimes(b.Path, old, old); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
	}

	removed, err := store.CleanupBackups(CleanupOptions{KeepPerTree: -1, OlderThan: 24 * time.Hour})
	if err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if got := len(store.Backups("alpha")); got != 0 {
		t.Errorf("backups after cleanup: got %d, want 0", got)
	}
}

func TestCleanupDryRun(t *testing.T) {
	store, clock := newTestStore(t)

	if err := store.Save("alpha", sampleTree(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Save("alpha", sampleTree(), true); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}

	removed, err := store.CleanupBackups(CleanupOptions{KeepPerTree: 1, DryRun: true})
	if err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("dry-run removed: got %d, want 2", removed)
	}
	if got := len(store.Backups("alpha")); got != 3 {
		t.Errorf("backups after dry run: got %d, want 3", got)
	}
}

func TestCleanupRequiresCriterion(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.CleanupBackups(CleanupOptions{KeepPerTree: -1}); err == nil {
		t.Error("got nil, want error for missing retention criterion")
	}
}

func TestConcurrentSaves(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := store.Save(id, sampleTree(), false); err != nil {
					t.Errorf("Save %s failed: %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		if _, err := store.Load(id); err != nil {
			t.Errorf("Load %s after concurrent saves: %v", id, err)
		}
	}
}
