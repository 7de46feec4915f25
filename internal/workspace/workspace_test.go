package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/varie-ai/varie/internal/repo"
)

func TestOpenSeedsLayout(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, name := range []string{"CLAUDE.md", "config.yaml", "projects.yaml", "rules.md", "decisions.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if st, err := os.Stat(filepath.Join(dir, "reports")); err != nil || !st.IsDir() {
		t.Error("missing reports dir")
	}
	if got := len(w.Projects().Projects); got != 0 {
		t.Errorf("want empty index on first run, got %d projects", got)
	}
}

func TestOpenKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := "projects:\n  kept:\n    status: active\nrepo_aliases:\n"
	os.WriteFile(filepath.Join(dir, "projects.yaml"), []byte(custom), 0644)

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := w.Projects().Projects["kept"]; !ok {
		t.Error("existing projects.yaml was overwritten")
	}
}

func TestMergeDiscoveredIdempotent(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	recs := []repo.Record{
		{Name: "my-app", Path: "/repos/my-app", HasMarker: true},
		{Name: "other", Path: "/repos/other"},
	}
	added, err := w.MergeDiscovered(recs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("want 2 added, got %v", added)
	}
	if w.Projects().Projects["my-app"].Status != "active" {
		t.Error("marker repo should be active")
	}
	if w.Projects().Projects["other"].Status != "discovered" {
		t.Error("plain repo should be discovered")
	}

	// Second discovery adds nothing.
	added, err = w.MergeDiscovered(recs)
	if err != nil {
		t.Fatalf("merge 2: %v", err)
	}
	if len(added) != 0 {
		t.Errorf("want idempotent discovery, got %v", added)
	}
}

func TestMergeDiscoveredNeverOverwrites(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	w.MergeDiscovered([]repo.Record{{Name: "app", Path: "/a", HasMarker: true}})
	w.MergeDiscovered([]repo.Record{{Name: "app", Path: "/b"}})
	p := w.Projects().Projects["app"]
	if p.Status != "active" || p.Repos[0].Path != "/a" {
		t.Errorf("entry was overwritten: %+v", p)
	}
}

func TestInjectMarkerIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CLAUDE.md")
	os.WriteFile(path, []byte("# my repo"), 0644)

	changed, err := InjectMarker(path)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !changed {
		t.Fatal("first injection should modify the file")
	}
	once, _ := os.ReadFile(path)
	if !strings.Contains(string(once), MarkerHeader) {
		t.Fatal("marker missing after injection")
	}
	if !strings.Contains(string(once), "# my repo\n\n") {
		t.Error("blank line not inserted before section")
	}

	changed, err = InjectMarker(path)
	if err != nil {
		t.Fatalf("second inject: %v", err)
	}
	if changed {
		t.Error("second injection should be a no-op")
	}
	twice, _ := os.ReadFile(path)
	if string(once) != string(twice) {
		t.Error("double injection changed the file")
	}
}

func TestInjectMarkerMissingFile(t *testing.T) {
	changed, err := InjectMarker(filepath.Join(t.TempDir(), "CLAUDE.md"))
	if err != nil || changed {
		t.Errorf("missing file must be a no-op, got changed=%v err=%v", changed, err)
	}
}

func TestStateRoundTripAndClear(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := State{
		ActiveSessions: []SessionState{{ID: "abc", Repo: "my-app", Kind: "worker"}},
		RecentContext:  []string{"routed /work-status to my-app"},
	}
	if err := w.SaveState(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := w.LoadState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.ActiveSessions) != 1 || got.ActiveSessions[0].ID != "abc" {
		t.Errorf("bad state: %+v", got)
	}
	if got.LastUpdated == "" {
		t.Error("LastUpdated not stamped")
	}

	if err := w.ClearState(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = w.LoadState()
	if len(got.ActiveSessions) != 0 {
		t.Error("sessions survived a clear")
	}
}

func TestConsumeFlagFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume-pending-abc")
	content := "type=compact\ntask=refactor\n---section---\nsummary\nline one\nline two\n---end---\n"
	os.WriteFile(path, []byte(content), 0644)

	ff, err := ConsumeFlagFile(path)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ff.Fields["type"] != "compact" || ff.Fields["task"] != "refactor" {
		t.Errorf("bad fields: %+v", ff.Fields)
	}
	if ff.Fields["summary"] != "line one\nline two" {
		t.Errorf("bad section: %q", ff.Fields["summary"])
	}

	// Consumed exactly once: the file is gone and a second read is nil.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("flag file still exists after consumption")
	}
	ff, err = ConsumeFlagFile(path)
	if err != nil || ff != nil {
		t.Errorf("second consume should be (nil, nil), got %v %v", ff, err)
	}
}
