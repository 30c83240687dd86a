package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session-state.json")
	return NewStore(path, nil), path
}

func TestSaveAndReload(t *testing.T) {
	s, path := testStore(t)

	snap, err := s.Save(Patch{
		CurrentResearchResult: strPtr("# Report"),
		SessionModel:          strPtr("llama-3.3-70b"),
		MemoryEnabled:         boolPtr(true),
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if snap.Version != SnapshotVersion || snap.UpdatedAt == 0 {
		t.Errorf("snapshot metadata wrong: %+v", snap)
	}

	// Fresh store, same file.
	reloaded := NewStore(path, nil).Load(false)
	if reloaded.CurrentResearchResult != "# Report" || reloaded.SessionModel != "llama-3.3-70b" || !reloaded.MemoryEnabled {
		t.Errorf("reload mismatch: %+v", reloaded)
	}
}

func TestPartialPatchPreservesOtherFields(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Save(Patch{SessionModel: strPtr("m1"), SessionCharacter: strPtr("c1")}); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Save(Patch{SessionModel: strPtr("m2")})
	if err != nil {
		t.Fatal(err)
	}
	if snap.SessionModel != "m2" || snap.SessionCharacter != "c1" {
		t.Errorf("patch clobbered unrelated field: %+v", snap)
	}
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	s, path := testStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	snap := s.Load(true)
	if diff := cmp.Diff(defaultSnapshot(), snap); diff != "" {
		t.Errorf("corrupt file must yield defaults (-want +got):\n%s", diff)
	}
}

func TestClearRemovesFile(t *testing.T) {
	s, path := testStore(t)
	if _, err := s.Save(Patch{SessionModel: strPtr("m")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present after clear")
	}
	if snap := s.Load(false); snap.SessionModel != "" {
		t.Errorf("cache not reset: %+v", snap)
	}
	// Clearing twice is fine.
	if err := s.Clear(); err != nil {
		t.Errorf("second clear errored: %v", err)
	}
}

func TestRefRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ref := SessionRef{
		CurrentResearchResult:   "# md",
		CurrentResearchFilename: "topic.md",
		CurrentResearchSummary:  "short",
		CurrentResearchQuery:    "topic",
		SessionModel:            "m",
		SessionCharacter:        "c",
		MemoryEnabled:           true,
		MemoryDepth:             3,
		MemoryGithubEnabled:     true,
	}
	if _, err := s.PersistFromRef(&ref, nil); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	var hydrated SessionRef
	s.ApplyStateToRef(&hydrated)
	if diff := cmp.Diff(ref, hydrated); diff != "" {
		t.Errorf("ref round trip (-want +got):\n%s", diff)
	}
}

func TestPersistFromRefExtraPatchWins(t *testing.T) {
	s, _ := testStore(t)
	ref := SessionRef{SessionModel: "from-ref"}
	snap, err := s.PersistFromRef(&ref, &Patch{SessionModel: strPtr("override")})
	if err != nil {
		t.Fatal(err)
	}
	if snap.SessionModel != "override" {
		t.Errorf("extra patch lost: %+v", snap)
	}
}

func TestWriteErrorStillUpdatesMemory(t *testing.T) {
	dir := t.TempDir()
	// Point the snapshot inside a path blocked by a regular file.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(filepath.Join(blocker, "state.json"), nil)

	snap, err := s.Save(Patch{SessionModel: strPtr("m")})
	if err == nil {
		t.Fatal("expected write error")
	}
	if snap.SessionModel != "m" {
		t.Errorf("in-memory state not updated on write failure")
	}
	if got := s.Load(false); got.SessionModel != "m" {
		t.Errorf("cached state lost after write failure")
	}
}

func TestConcurrentSavesDoNotTear(t *testing.T) {
	s, path := testStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			model := "model"
			_, _ = s.Save(Patch{SessionModel: &model, MemoryDepth: &n})
		}(i)
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("torn file: %v", err)
	}
	if snap.SessionModel != "model" {
		t.Errorf("unexpected contents: %+v", snap)
	}
}
