package workspace

import (
	"bytes"
	"reflect"
	"testing"
)

func TestParseTemplateForm(t *testing.T) {
	idx, err := ParseProjects([]byte("projects: {}\nrepo_aliases: {}\n"))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	if len(idx.Projects) != 0 || len(idx.Aliases) != 0 {
		t.Errorf("want empty index, got %+v", idx)
	}
}

func TestParseNewlineForm(t *testing.T) {
	input := `projects:
  my_project:
    repos:
      - path: /home/u/repos/my-app
repo_aliases:
`
	idx, err := ParseProjects([]byte(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, ok := idx.Projects["my_project"]
	if !ok {
		t.Fatal("missing my_project")
	}
	if len(p.Repos) != 1 || p.Repos[0].Path != "/home/u/repos/my-app" {
		t.Errorf("bad repos: %+v", p.Repos)
	}
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := ParseProjects([]byte("projects:\nextras:\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestParseRejectsBadProjectName(t *testing.T) {
	_, err := ParseProjects([]byte("projects:\n  9lives:\n"))
	if err == nil {
		t.Fatal("expected error for name not matching [A-Za-z][A-Za-z0-9_-]*")
	}
}

func fullIndex() *Index {
	return &Index{
		Projects: map[string]Project{
			"beta": {
				Status:         "active",
				CurrentFeature: "auth",
				LastUpdated:    "2026-08-01",
				Repos: []ProjectRepo{
					{Path: "/home/u/repos/beta-api", Role: "backend"},
					{Path: "/home/u/repos/beta-web", Role: "frontend"},
				},
			},
			"alpha": {
				Status: "discovered",
				Repos:  []ProjectRepo{{Path: "/home/u/repos/alpha"}},
			},
		},
		Aliases: map[string]string{"b": "beta", "a": "alpha"},
	}
}

func TestSerializeSortsAlphabetically(t *testing.T) {
	out := SerializeProjects(fullIndex())
	alphaAt := bytes.Index(out, []byte("  alpha:"))
	betaAt := bytes.Index(out, []byte("  beta:"))
	if alphaAt < 0 || betaAt < 0 || alphaAt > betaAt {
		t.Errorf("projects not sorted:\n%s", out)
	}
	aAt := bytes.Index(out, []byte("  a: alpha"))
	bAt := bytes.Index(out, []byte("  b: beta"))
	if aAt < 0 || bAt < 0 || aAt > bAt {
		t.Errorf("aliases not sorted:\n%s", out)
	}
}

func TestRoundTripFiveCycles(t *testing.T) {
	idx := fullIndex()
	data := SerializeProjects(idx)
	for i := 0; i < 5; i++ {
		parsed, err := ParseProjects(data)
		if err != nil {
			t.Fatalf("cycle %d parse: %v", i, err)
		}
		if !reflect.DeepEqual(parsed, idx) {
			t.Fatalf("cycle %d: parse(serialise(x)) != x\nwant %+v\ngot  %+v", i, idx, parsed)
		}
		next := SerializeProjects(parsed)
		if !bytes.Equal(next, data) {
			t.Fatalf("cycle %d: output not byte-stable\nwas:\n%s\nnow:\n%s", i, data, next)
		}
		data = next
	}
}

func TestRoundTripRegressionBareProjects(t *testing.T) {
	// projects: with no {} and a single repo path must survive
	// serialise-after-parse unchanged in structure.
	input := `projects:
  my_project:
    repos:
      - path: /home/u/repos/my-app
repo_aliases:
`
	first, err := ParseProjects([]byte(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := ParseProjects(SerializeProjects(first))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Errorf("structure changed across round-trip:\nwant %+v\ngot  %+v", first, again)
	}
}

func TestParseSkipsCommentsAndBlanks(t *testing.T) {
	input := "# managed by varied\n\nprojects:\n  solo:\n    status: active\n\nrepo_aliases:\n"
	idx, err := ParseProjects([]byte(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if idx.Projects["solo"].Status != "active" {
		t.Errorf("got %+v", idx.Projects["solo"])
	}
}
