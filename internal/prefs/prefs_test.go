package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConnectPrefsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ble-preferences.json")

	p, err := LoadConnectPrefs(path)
	if err != nil {
		t.Fatalf("LoadConnectPrefs() error = %v", err)
	}
	if p.WithoutCache("10.0.0.50", 0xAABB) {
		t.Error("fresh store should default to false")
	}

	if err := p.SetWithoutCache("10.0.0.50", 0xAABB, true); err != nil {
		t.Fatalf("SetWithoutCache() error = %v", err)
	}

	reloaded, err := LoadConnectPrefs(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if !reloaded.WithoutCache("10.0.0.50", 0xAABB) {
		t.Error("preference not persisted")
	}
}

func TestConnectPrefsFileShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ble-preferences.json")
	p, _ := LoadConnectPrefs(path)
	if err := p.SetWithoutCache("10.0.0.50", 123456, true); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("file is not the expected shape: %v", err)
	}
	if !m["10.0.0.50:123456"]["withoutCache"] {
		t.Errorf("file content = %s", data)
	}
}

func TestConnectPrefsNoRewriteWhenUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	p, _ := LoadConnectPrefs(path)
	if err := p.SetWithoutCache("h", 1, true); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetWithoutCache("h", 1, true); err != nil {
		t.Fatal(err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("unchanged value should not rewrite the file")
	}
}

func TestControllerStatsSuccessResetsConsecutive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s, err := LoadControllerStats(path)
	if err != nil {
		t.Fatal(err)
	}

	_ = s.RecordFailure("bed1", "ctrlA", "timeout")
	_ = s.RecordFailure("bed1", "ctrlA", "timeout")
	if got := s.Record("bed1", "ctrlA").ConsecutiveFailures; got != 2 {
		t.Errorf("consecutive = %d, want 2", got)
	}

	_ = s.RecordSuccess("bed1", "ctrlA")
	rec := s.Record("bed1", "ctrlA")
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("consecutive after success = %d, want 0", rec.ConsecutiveFailures)
	}
	if rec.Successes != 1 || rec.Failures != 2 {
		t.Errorf("counts = %d/%d, want 1/2", rec.Successes, rec.Failures)
	}
	if rec.LastSuccessAt == nil {
		t.Error("LastSuccessAt not set")
	}
}

func TestControllerStatsRecentWindowPruned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s, _ := LoadControllerStats(path)

	base := time.Now()
	s.now = func() time.Time { return base.Add(-25 * time.Hour) }
	_ = s.RecordFailure("bed1", "ctrlA", "old")

	s.now = func() time.Time { return base }
	_ = s.RecordFailure("bed1", "ctrlA", "fresh")

	rec := s.Record("bed1", "ctrlA")
	if len(rec.RecentFailureAts) != 1 {
		t.Errorf("recent failures = %d, want 1 (old entry pruned)", len(rec.RecentFailureAts))
	}
	if got := s.FailuresSince("bed1", "ctrlA", base.Add(-time.Hour)); got != 1 {
		t.Errorf("FailuresSince(1h) = %d, want 1", got)
	}
}

func TestControllerStatsPinnedPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s, _ := LoadControllerStats(path)

	if err := s.SetPinned("bed1", "ctrlB"); err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadControllerStats(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Pinned("bed1"); got != "ctrlB" {
		t.Errorf("pinned = %q, want ctrlB", got)
	}
}

func TestControllerStatsFileShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s, _ := LoadControllerStats(path)
	_ = s.RecordFailure("bed1", "ctrlA", "boom")
	_ = s.SetPinned("bed1", "ctrlA")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]struct {
		Meta struct {
			PinnedController string `json:"pinnedController"`
		} `json:"_meta"`
		Controllers map[string]map[string]any `json:"controllers"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("file is not the expected shape: %v", err)
	}
	if m["bed1"].Meta.PinnedController != "ctrlA" {
		t.Errorf("pinned in file = %q", m["bed1"].Meta.PinnedController)
	}
	if _, ok := m["bed1"].Controllers["ctrlA"]["consecutiveFailures"]; !ok {
		t.Errorf("controller record missing fields: %s", data)
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.json")
	p, _ := LoadConnectPrefs(path)
	for i := 0; i < 5; i++ {
		if err := p.SetWithoutCache("h", uint64(i), true); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the store file", len(entries))
	}
}
