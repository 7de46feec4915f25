package repo

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// rescanEvery throttles miss-triggered filesystem rescans.
const rescanEvery = 5 // seconds

// Result is the outcome of a Resolve call.
type Result struct {
	Record      Record
	Found       bool
	Ambiguous   bool
	Suggestions []string
}

// Resolver answers "which repo did the user mean" against the scanned and
// learned registries. A resolve miss triggers at most one filesystem rescan
// per cooldown window before giving up.
type Resolver struct {
	mu      sync.Mutex
	root    string
	learned map[string]Record // keyed by lowercase name
	scanned map[string]Record // keyed by lowercase name

	learnedPath string
	rescan      *rate.Limiter
	watcher     *fsnotify.Watcher
	log         *slog.Logger
}

// NewResolver loads the learned registry and performs an initial scan of root.
func NewResolver(root, learnedPath string, log *slog.Logger) (*Resolver, error) {
	learned, err := loadLearned(learnedPath)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Record, len(learned))
	for _, rec := range learned {
		byName[strings.ToLower(rec.Name)] = rec
	}
	r := &Resolver{
		root:        root,
		learned:     byName,
		scanned:     map[string]Record{},
		learnedPath: learnedPath,
		rescan:      rate.NewLimiter(rate.Limit(1.0/rescanEvery), 1),
		log:         log,
	}
	r.Rescan()
	return r, nil
}

// Rescan refreshes the scanned registry from disk.
func (r *Resolver) Rescan() {
	records := Scan(r.root)
	r.mu.Lock()
	r.scanned = make(map[string]Record, len(records))
	for _, rec := range records {
		r.scanned[strings.ToLower(rec.Name)] = rec
	}
	r.mu.Unlock()
}

// Learn adds a repo to the learned registry and persists it. The learned set
// grows monotonically from user discovery actions.
func (r *Resolver) Learn(rec Record) error {
	rec.Source = SourceLearned
	r.mu.Lock()
	r.learned[strings.ToLower(rec.Name)] = rec
	snapshot := make(map[string]Record, len(r.learned))
	for k, v := range r.learned {
		snapshot[k] = v
	}
	r.mu.Unlock()
	return saveLearned(r.learnedPath, snapshot)
}

// All returns every known record, scanned entries first; learned entries
// that collide with a scanned name are deduped away.
func (r *Resolver) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.scanned)+len(r.learned))
	for _, rec := range r.scanned {
		out = append(out, rec)
	}
	for key, rec := range r.learned {
		if _, dup := r.scanned[key]; !dup {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve finds the repo a query names. Sources are checked in order: exact
// scanned hit, exact learned hit, then substring matching with end-of-name
// and word-boundary tie-breaks. A miss retries once after a rate-limited
// rescan.
func (r *Resolver) Resolve(query string) Result {
	res := r.resolveOnce(query)
	if res.Found || res.Ambiguous {
		return res
	}
	if r.rescan.Allow() {
		r.Rescan()
		return r.resolveOnce(query)
	}
	return res
}

func (r *Resolver) resolveOnce(query string) Result {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Result{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.scanned[q]; ok {
		return Result{Record: rec, Found: true}
	}
	if rec, ok := r.learned[q]; ok {
		return Result{Record: rec, Found: true}
	}

	candidates := r.substringCandidates(q)
	switch len(candidates) {
	case 0:
		return Result{Suggestions: r.suggestionsLocked(q)}
	case 1:
		return Result{Record: candidates[0], Found: true}
	default:
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.Name)
		}
		sort.Strings(names)
		if len(names) > 5 {
			names = names[:5]
		}
		return Result{Ambiguous: true, Suggestions: names}
	}
}

// substringCandidates collects names containing the query, then narrows with
// two tie-breaks: names that end with the query beat plain substrings, and
// names where the query is a whole separator-delimited word beat the rest.
func (r *Resolver) substringCandidates(q string) []Record {
	var all []Record
	seen := map[string]bool{}
	collect := func(m map[string]Record) {
		for key, rec := range m {
			if seen[key] {
				continue
			}
			if strings.Contains(key, q) {
				seen[key] = true
				all = append(all, rec)
			}
		}
	}
	collect(r.scanned)
	collect(r.learned)
	if len(all) <= 1 {
		return all
	}

	var suffix []Record
	for _, rec := range all {
		if strings.HasSuffix(strings.ToLower(rec.Name), q) {
			suffix = append(suffix, rec)
		}
	}
	if len(suffix) == 1 {
		return suffix
	}
	pool := all
	if len(suffix) > 1 {
		pool = suffix
	}

	var word []Record
	for _, rec := range pool {
		for _, part := range strings.FieldsFunc(strings.ToLower(rec.Name), func(c rune) bool {
			return c == '-' || c == '_'
		}) {
			if part == q {
				word = append(word, rec)
				break
			}
		}
	}
	if len(word) > 0 {
		return word
	}
	return pool
}

func (r *Resolver) suggestionsLocked(q string) []string {
	var names []string
	add := func(m map[string]Record) {
		for _, rec := range m {
			lower := strings.ToLower(rec.Name)
			if strings.Contains(q, lower) || sharesTerm(lower, q) {
				names = append(names, rec.Name)
			}
		}
	}
	add(r.scanned)
	add(r.learned)
	sort.Strings(names)
	if len(names) > 5 {
		names = names[:5]
	}
	return names
}

func sharesTerm(name, q string) bool {
	for _, term := range strings.Fields(q) {
		if len(term) >= 3 && strings.Contains(name, term) {
			return true
		}
	}
	return false
}

// WatchProjects watches the projects index file and invokes onChange when it
// is rewritten, so in-memory caches track external edits.
func (r *Resolver) WatchProjects(path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if r.log != nil {
					r.log.Warn("projects watch error", "err", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the projects watcher if one is running.
func (r *Resolver) Close() {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w != nil {
		w.Close()
	}
}
