package workspace

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// The projects index uses a narrow YAML dialect on purpose: values are plain
// scalars and arrays of records at two fixed indentation levels, output is
// alphabetically sorted, and unknown top-level keys are rejected rather than
// preserved. That keeps parse -> serialise -> parse byte-stable, which a
// full YAML library does not guarantee.

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ProjectRepo is one repo entry under a project.
type ProjectRepo struct {
	Path string
	Role string
}

// Project is one named entry in the projects index.
type Project struct {
	Repos          []ProjectRepo
	Status         string
	CurrentFeature string
	LastUpdated    string
}

// Index is the parsed projects.yaml: projects plus repo aliases.
type Index struct {
	Projects map[string]Project
	Aliases  map[string]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{Projects: map[string]Project{}, Aliases: map[string]string{}}
}

// ParseProjects parses the projects.yaml dialect. Top-level keys other than
// projects and repo_aliases are errors. Comments and blank lines are skipped.
func ParseProjects(data []byte) (*Index, error) {
	idx := NewIndex()

	const (
		topNone = iota
		topProjects
		topAliases
	)
	top := topNone
	var curProject string
	var curRepo *ProjectRepo
	inRepos := false

	flushRepo := func() {
		if curRepo != nil && curProject != "" {
			p := idx.Projects[curProject]
			p.Repos = append(p.Repos, *curRepo)
			idx.Projects[curProject] = p
			curRepo = nil
		}
	}

	for n, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " "))

		switch {
		case indent == 0:
			flushRepo()
			key, val, _ := strings.Cut(trimmed, ":")
			val = strings.TrimSpace(val)
			switch key {
			case "projects":
				top = topProjects
			case "repo_aliases":
				top = topAliases
			default:
				return nil, fmt.Errorf("line %d: unknown top-level key %q", n+1, key)
			}
			if val != "" && val != "{}" {
				return nil, fmt.Errorf("line %d: unexpected value %q for %s", n+1, val, key)
			}
			curProject, inRepos = "", false

		case indent == 2:
			flushRepo()
			key, val, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key: value", n+1)
			}
			val = strings.TrimSpace(val)
			switch top {
			case topProjects:
				if val != "" {
					return nil, fmt.Errorf("line %d: project %q must not carry an inline value", n+1, key)
				}
				if !nameRe.MatchString(key) {
					return nil, fmt.Errorf("line %d: invalid project name %q", n+1, key)
				}
				if _, exists := idx.Projects[key]; !exists {
					idx.Projects[key] = Project{}
				}
				curProject, inRepos = key, false
			case topAliases:
				if !nameRe.MatchString(key) {
					return nil, fmt.Errorf("line %d: invalid alias %q", n+1, key)
				}
				idx.Aliases[key] = val
			default:
				return nil, fmt.Errorf("line %d: indented entry outside a section", n+1)
			}

		case indent == 4 && top == topProjects && curProject != "":
			flushRepo()
			key, val, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key: value", n+1)
			}
			val = strings.TrimSpace(val)
			p := idx.Projects[curProject]
			inRepos = key == "repos"
			switch key {
			case "status":
				p.Status = val
			case "current_feature":
				p.CurrentFeature = val
			case "last_updated":
				p.LastUpdated = val
			case "repos":
			default:
				return nil, fmt.Errorf("line %d: unknown project field %q", n+1, key)
			}
			idx.Projects[curProject] = p

		case indent == 6 && inRepos:
			if !strings.HasPrefix(trimmed, "- ") {
				return nil, fmt.Errorf("line %d: expected repo list item", n+1)
			}
			flushRepo()
			key, val, ok := strings.Cut(strings.TrimPrefix(trimmed, "- "), ":")
			if !ok || key != "path" {
				return nil, fmt.Errorf("line %d: repo item must start with path", n+1)
			}
			curRepo = &ProjectRepo{Path: strings.TrimSpace(val)}

		case indent == 8 && curRepo != nil:
			key, val, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key: value", n+1)
			}
			val = strings.TrimSpace(val)
			switch key {
			case "role":
				curRepo.Role = val
			default:
				return nil, fmt.Errorf("line %d: unknown repo field %q", n+1, key)
			}

		default:
			return nil, fmt.Errorf("line %d: unexpected indentation %d", n+1, indent)
		}
	}
	flushRepo()
	return idx, nil
}

// SerializeProjects renders the canonical form: projects then repo_aliases,
// each alphabetically sorted. Output is stable: serialising the result of a
// parse reproduces the bytes exactly.
func SerializeProjects(idx *Index) []byte {
	var b strings.Builder
	b.WriteString("projects:\n")

	names := make([]string, 0, len(idx.Projects))
	for name := range idx.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := idx.Projects[name]
		fmt.Fprintf(&b, "  %s:\n", name)
		if p.Status != "" {
			fmt.Fprintf(&b, "    status: %s\n", p.Status)
		}
		if p.CurrentFeature != "" {
			fmt.Fprintf(&b, "    current_feature: %s\n", p.CurrentFeature)
		}
		if p.LastUpdated != "" {
			fmt.Fprintf(&b, "    last_updated: %s\n", p.LastUpdated)
		}
		if len(p.Repos) > 0 {
			b.WriteString("    repos:\n")
			for _, r := range p.Repos {
				fmt.Fprintf(&b, "      - path: %s\n", r.Path)
				if r.Role != "" {
					fmt.Fprintf(&b, "        role: %s\n", r.Role)
				}
			}
		}
	}

	b.WriteString("repo_aliases:\n")
	aliases := make([]string, 0, len(idx.Aliases))
	for a := range idx.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		fmt.Fprintf(&b, "  %s: %s\n", a, idx.Aliases[a])
	}
	return []byte(b.String())
}
