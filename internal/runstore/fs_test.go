package runstore

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"depot-packer/internal/model"
)

func TestNewJobIDFormat(t *testing.T) {
	now := time.Date(2026, 1, 5, 11, 30, 2, 0, time.UTC)
	id, err := NewJobID(now)
	if err != nil {
		t.Fatalf("new job id: %v", err)
	}
	re := regexp.MustCompile(`^2026-01-05T11-30-02Z_[0-9a-z]{6}$`)
	if !re.MatchString(id) {
		t.Fatalf("unexpected job id format: %q", id)
	}

	other, err := NewJobID(now)
	if err != nil {
		t.Fatalf("new job id: %v", err)
	}
	if other == id {
		t.Fatalf("expected distinct job ids, got %q twice", id)
	}
}

func TestCreateStagingDirRejectsExisting(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	dir, err := layout.CreateStagingDir("job1")
	if err != nil {
		t.Fatalf("create staging: %v", err)
	}
	if dir != filepath.Join(layout.Root, "staging", "job1") {
		t.Fatalf("unexpected staging dir %s", dir)
	}
	if _, err := layout.CreateStagingDir("job1"); err == nil {
		t.Fatalf("expected duplicate staging dir to fail")
	}
	if err := layout.CleanupStagingDir("job1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed, stat err=%v", err)
	}
}

func TestCleanupOrphanedStaging(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	for _, id := range []string{"a", "b"} {
		if _, err := layout.CreateStagingDir(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(layout.StagingRoot(), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := layout.CleanupOrphanedStaging()
	if err != nil {
		t.Fatalf("cleanup orphaned: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 removed entries, got %d", n)
	}

	n, err = Layout{Root: filepath.Join(t.TempDir(), "missing")}.CleanupOrphanedStaging()
	if err != nil || n != 0 {
		t.Fatalf("expected no-op on missing root, got n=%d err=%v", n, err)
	}
}

func TestCleanupOrphanedStagingSweepsOutputLeftovers(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	outputs := layout.OutputsDir()
	for _, name := range []string{OutputTempPrefix + "job-a", OutputDisplacedPrefix + "job-b", "Game.Build.1.Win64.Public"} {
		if err := os.MkdirAll(filepath.Join(outputs, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(outputs, "Game.Build.1.Win64.Public.7z"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := layout.CleanupOrphanedStaging()
	if err != nil {
		t.Fatalf("cleanup orphaned: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed entries, got %d", n)
	}
	entries, err := os.ReadDir(outputs)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 || names[0] != "Game.Build.1.Win64.Public" || names[1] != "Game.Build.1.Win64.Public.7z" {
		t.Fatalf("expected finalized outputs to survive, got %v", names)
	}
	if err != nil || n != 0 {
		t.Fatalf("expected no-op on missing root, got n=%d err=%v", n, err)
	}
}

func TestJobMetadataRoundTripValidates(t *testing.T) {
	dir := t.TempDir()
	bad := model.JobMetadata{JobID: "j", PrimaryDepotID: "9", Depots: []model.DepotInfo{{DepotID: "1"}}}
	if err := SaveJobMetadata(dir, bad); err == nil {
		t.Fatalf("expected invalid metadata to be rejected")
	}

	meta := model.JobMetadata{
		JobID:          "j",
		AppID:          "47410",
		PrimaryDepotID: "47411",
		Depots:         []model.DepotInfo{{DepotID: "47411", DepotName: "Game", ManifestID: "5"}},
	}
	if err := SaveJobMetadata(dir, meta); err != nil {
		t.Fatalf("save metadata: %v", err)
	}
	got, err := LoadJobMetadata(dir)
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if got.PrimaryDepotID != "47411" || len(got.Depots) != 1 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
}

func TestEnsureWritableDirCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	if err := EnsureWritableDir(dir); err != nil {
		t.Fatalf("ensure writable: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected probe file removed, found %d entries", len(entries))
	}
}
