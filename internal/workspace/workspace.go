// Package workspace persists the manager's working directory: the projects
// index, manager state, and the idempotent CLAUDE.md marker for managed
// repos.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/varie-ai/varie/internal/repo"
)

const managerClaudeTemplate = `# Varie Manager

You are the orchestrator session. You route work to repo-bound worker
sessions; you do not edit repos yourself. Use the control socket commands
(route, dispatch, list_workers) via the hook scripts.
`

const managerConfigTemplate = `# Manager thresholds and intervals.
autosave_minutes: 5
readiness_timeout_seconds: 30
`

const rulesTemplate = `# Routing rules

- Prefer an existing worker over creating a new one.
- Never dispatch to an ambiguous match; ask the user.
`

const decisionsTemplate = `# Decisions log
`

// Workspace is the manager directory under ~/.varie/manager.
type Workspace struct {
	Dir string

	mu    sync.Mutex
	index *Index
}

// Open ensures the manager layout exists (writing first-run templates for
// missing files) and loads the projects index.
func Open(dir string) (*Workspace, error) {
	w := &Workspace{Dir: dir}
	if err := w.ensureLayout(); err != nil {
		return nil, err
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workspace) ensureLayout() error {
	if err := os.MkdirAll(filepath.Join(w.Dir, "reports"), 0755); err != nil {
		return fmt.Errorf("create manager dir: %w", err)
	}
	seeds := map[string]string{
		"CLAUDE.md":     managerClaudeTemplate,
		"config.yaml":   managerConfigTemplate,
		"rules.md":      rulesTemplate,
		"decisions.md":  decisionsTemplate,
		"projects.yaml": "projects: {}\nrepo_aliases: {}\n",
	}
	for name, content := range seeds {
		path := filepath.Join(w.Dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// ProjectsPath is the projects.yaml location, for watchers.
func (w *Workspace) ProjectsPath() string { return filepath.Join(w.Dir, "projects.yaml") }

// StatePath is the state.yaml location.
func (w *Workspace) StatePath() string { return filepath.Join(w.Dir, "state.yaml") }

// Reload re-reads projects.yaml into the in-memory mirror.
func (w *Workspace) Reload() error {
	data, err := os.ReadFile(w.ProjectsPath())
	if err != nil {
		return fmt.Errorf("read projects: %w", err)
	}
	idx, err := ParseProjects(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.index = idx
	w.mu.Unlock()
	return nil
}

// Projects returns a deep copy of the index mirror.
func (w *Workspace) Projects() *Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := NewIndex()
	for name, p := range w.index.Projects {
		cp := p
		cp.Repos = append([]ProjectRepo(nil), p.Repos...)
		out.Projects[name] = cp
	}
	for a, p := range w.index.Aliases {
		out.Aliases[a] = p
	}
	return out
}

// saveLocked serialises and writes the index; callers hold w.mu.
func (w *Workspace) saveLocked() error {
	return writeAtomic(w.ProjectsPath(), SerializeProjects(w.index), 0644)
}

// MergeDiscovered folds scanned repos into the projects index. Existing
// entries are never overwritten and a path lands under at most one project.
// New entries get status active when a CLAUDE.md marker exists, else
// discovered. Returns the names of projects added.
func (w *Workspace) MergeDiscovered(records []repo.Record) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	claimed := map[string]bool{}
	for _, p := range w.index.Projects {
		for _, r := range p.Repos {
			claimed[r.Path] = true
		}
	}

	var added []string
	for _, rec := range records {
		if claimed[rec.Path] {
			continue
		}
		if !nameRe.MatchString(rec.Name) {
			continue
		}
		if _, exists := w.index.Projects[rec.Name]; exists {
			continue
		}
		status := "discovered"
		if rec.HasMarker {
			status = "active"
		}
		w.index.Projects[rec.Name] = Project{
			Status:      status,
			LastUpdated: time.Now().UTC().Format("2006-01-02"),
			Repos:       []ProjectRepo{{Path: rec.Path}},
		}
		claimed[rec.Path] = true
		added = append(added, rec.Name)
	}

	if len(added) == 0 {
		return nil, nil
	}
	if err := w.saveLocked(); err != nil {
		return nil, err
	}
	return added, nil
}
