package repo

import (
	"os"
	"path/filepath"
	"testing"
)

func mkrepo(t *testing.T, root string, parts ...string) string {
	t.Helper()
	dir := filepath.Join(append([]string{root}, parts...)...)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestResolver(t *testing.T, root string) *Resolver {
	t.Helper()
	r, err := NewResolver(root, filepath.Join(t.TempDir(), "learned.json"), nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestScanFindsReposAndSkipsNoise(t *testing.T) {
	root := t.TempDir()
	mkrepo(t, root, "my-app")
	mkrepo(t, root, "group", "nested-app")
	mkrepo(t, root, "node_modules", "should-skip")
	mkrepo(t, root, ".hidden", "also-skip")
	mkrepo(t, root, "archive", "old-app")
	// Marker-only repo: CLAUDE.md but no .git.
	marked := filepath.Join(root, "marked")
	os.MkdirAll(marked, 0755)
	os.WriteFile(filepath.Join(marked, "CLAUDE.md"), []byte("# x\n"), 0644)

	recs := Scan(root)
	names := map[string]Source{}
	for _, rec := range recs {
		names[rec.Name] = rec.Source
	}
	if _, ok := names["my-app"]; !ok {
		t.Error("missing my-app")
	}
	if _, ok := names["nested-app"]; !ok {
		t.Error("missing nested-app")
	}
	if names["marked"] != SourceMarkerFile {
		t.Errorf("want marked from marker_file, got %v", names["marked"])
	}
	for _, bad := range []string{"should-skip", "also-skip", "old-app"} {
		if _, ok := names[bad]; ok {
			t.Errorf("%s should have been skipped", bad)
		}
	}
}

func TestScanDepthLimit(t *testing.T) {
	root := t.TempDir()
	mkrepo(t, root, "a", "b", "depth3")
	mkrepo(t, root, "a", "b", "c", "depth4")

	recs := Scan(root)
	found := map[string]bool{}
	for _, rec := range recs {
		found[rec.Name] = true
	}
	if !found["depth3"] {
		t.Error("depth-3 repo should be found")
	}
	if found["depth4"] {
		t.Error("depth-4 repo should be beyond the walk")
	}
}

func TestResolveExact(t *testing.T) {
	root := t.TempDir()
	mkrepo(t, root, "varie-workstation")
	r := newTestResolver(t, root)

	res := r.Resolve("Varie-Workstation")
	if !res.Found || res.Record.Name != "varie-workstation" {
		t.Fatalf("want exact case-insensitive hit, got %+v", res)
	}
}

func TestResolveSubstringTieBreaks(t *testing.T) {
	root := t.TempDir()
	mkrepo(t, root, "my-app")
	mkrepo(t, root, "my-app-backend")
	r := newTestResolver(t, root)

	// "backend" matches only my-app-backend, via end-of-name.
	res := r.Resolve("backend")
	if !res.Found || res.Record.Name != "my-app-backend" {
		t.Fatalf("want my-app-backend, got %+v", res)
	}

	// "app" is a substring of both, but only my-app ends with it.
	res = r.Resolve("app")
	if !res.Found || res.Record.Name != "my-app" {
		t.Fatalf("want end-of-name winner my-app, got %+v", res)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	root := t.TempDir()
	mkrepo(t, root, "varie-core")
	mkrepo(t, root, "varie-web")
	r := newTestResolver(t, root)

	res := r.Resolve("varie")
	if !res.Ambiguous {
		t.Fatalf("want ambiguous for 'varie', got %+v", res)
	}
	if len(res.Suggestions) != 2 {
		t.Errorf("want 2 suggestions, got %v", res.Suggestions)
	}
}

func TestResolveLearned(t *testing.T) {
	root := t.TempDir()
	r := newTestResolver(t, root)

	if err := r.Learn(Record{Name: "side-project", Path: "/tmp/side-project"}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	res := r.Resolve("side-project")
	if !res.Found || res.Record.Source != SourceLearned {
		t.Fatalf("want learned hit, got %+v", res)
	}

	// Learned registry persists across resolver restarts.
	r2, err := NewResolver(root, r.learnedPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := r2.Resolve("side-project"); !res.Found {
		t.Error("learned repo lost after reload")
	}
}

func TestResolveMissRescans(t *testing.T) {
	root := t.TempDir()
	r := newTestResolver(t, root)

	if res := r.Resolve("late-arrival"); res.Found {
		t.Fatal("unexpected hit before repo exists")
	}
	mkrepo(t, root, "late-arrival")

	// The first miss consumed the rescan token; drain the cooldown by
	// refilling manually through a direct rescan.
	r.Rescan()
	if res := r.Resolve("late-arrival"); !res.Found {
		t.Error("want hit after rescan")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("My-App_Backend") != "myappbackend" {
		t.Errorf("got %s", Normalize("My-App_Backend"))
	}
}
