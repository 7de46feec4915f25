// Package dispatch turns control-socket frames into concrete writes against
// exactly one session, creating workers on demand for known repos and
// refusing ambiguous routes.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/varie-ai/varie/internal/protocol"
	"github.com/varie-ai/varie/internal/repo"
	"github.com/varie-ai/varie/internal/session"
	"github.com/varie-ai/varie/internal/store"
	"github.com/varie-ai/varie/internal/workspace"
)

// Sessions is the narrow surface the dispatcher needs from the session
// manager. The manager owns the table; the dispatcher never stores sessions.
type Sessions interface {
	List() []session.Info
	Get(id string) (session.Info, error)
	Create(req session.CreateRequest) (string, error)
	Dispatch(id, command string, ensureAssistant, autoSendEnter bool) error
	WaitForAssistantReady(id string, timeout time.Duration) bool
}

// settleAfterReady pads between a fresh worker reporting ready and the first
// dispatched command.
var settleAfterReady = 500 * time.Millisecond

// Dispatcher routes commands. Journal may be nil (events are then only
// acknowledged, not persisted).
type Dispatcher struct {
	Sessions  Sessions
	Resolver  *repo.Resolver
	Workspace *workspace.Workspace
	Journal   *store.Journal
	Log       *slog.Logger

	// OnEvent observes every event frame after it is journaled; the daemon
	// uses it to forward activity to the relay stream.
	OnEvent func(f *protocol.Frame)
	// FlagPath locates a session's single-use resume flag file. Consulted on
	// session_start frames when set.
	FlagPath func(sessionID string) string

	// DefaultRoot is the discovery root when discover_projects carries no
	// path.
	DefaultRoot string
	// WorkerFlags are the assistant startup flags for auto-created workers.
	WorkerFlags string
	// ReadyTimeout bounds the auto-provision readiness wait.
	ReadyTimeout time.Duration
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Handle processes one frame and returns the single response for it.
func (d *Dispatcher) Handle(f *protocol.Frame) protocol.Response {
	if protocol.IsEvent(f.Type) {
		d.recordEvent(f)
		return protocol.Response{Status: "ok", Received: f.Type}
	}

	switch f.Type {
	case protocol.TypeListWorkers:
		return d.listWorkers()
	case protocol.TypeDispatch:
		return d.dispatch(f)
	case protocol.TypeRoute:
		return d.route(f)
	case protocol.TypeCreateWorker:
		return d.createWorker(f)
	case protocol.TypeDiscoverProjects:
		return d.discoverProjects(f)
	case protocol.TypeRecentEvents:
		return d.recentEvents(f)
	default:
		return protocol.Errorf(fmt.Sprintf("unknown command type %q", f.Type))
	}
}

func (d *Dispatcher) recordEvent(f *protocol.Frame) {
	if f.Type == protocol.TypeSessionStart && f.SessionID != "" && d.FlagPath != nil {
		d.consumeResumeFlag(f.SessionID)
	}

	if d.Journal != nil {
		detail := f.Context
		if detail == "" && len(f.Payload) > 0 {
			detail = string(f.Payload)
		}
		if err := d.Journal.Append(f.SessionID, f.Type, detail); err != nil {
			d.logger().Warn("journal append failed", "type", f.Type, "err", err)
		}
	}

	if d.OnEvent != nil {
		d.OnEvent(f)
	}
}

// consumeResumeFlag picks up the single-use handoff a hook script left for
// this session and journals it. The flag is deleted on read regardless.
func (d *Dispatcher) consumeResumeFlag(sessionID string) {
	path := d.FlagPath(sessionID)
	if path == "" {
		return
	}
	ff, err := workspace.ConsumeFlagFile(path)
	if err != nil {
		d.logger().Warn("resume flag unreadable", "session", sessionID, "err", err)
		return
	}
	if ff == nil {
		return
	}
	if d.Journal != nil {
		if err := d.Journal.Append(sessionID, "resume", flagSummary(ff)); err != nil {
			d.logger().Warn("journal append failed", "type", "resume", "err", err)
		}
	}
}

// flagSummary flattens flag fields into one journal line, first line only
// for multi-line section payloads.
func flagSummary(ff *workspace.FlagFile) string {
	keys := make([]string, 0, len(ff.Fields))
	for k := range ff.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ff.Fields[k]
		if i := strings.IndexByte(v, '\n'); i >= 0 {
			v = v[:i]
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func (d *Dispatcher) listWorkers() protocol.Response {
	infos := d.Sessions.List()
	workers := make([]protocol.Worker, 0, len(infos))
	for _, w := range infos {
		if w.Kind == session.KindOrchestrator {
			continue
		}
		workers = append(workers, protocol.Worker{
			ID:           w.ID,
			Repo:         w.Repo,
			Path:         w.Path,
			Kind:         string(w.Kind),
			TaskID:       w.TaskID,
			External:     w.External,
			LastActivity: w.LastActive.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Repo < workers[j].Repo })
	resp := protocol.Ok()
	resp.Workers = workers
	return resp
}

func (d *Dispatcher) dispatch(f *protocol.Frame) protocol.Response {
	var p protocol.DispatchPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return protocol.Errorf("invalid dispatch payload")
	}
	if err := requireField("targetSessionId", p.TargetSessionID, maxSessionIDLen); err != nil {
		return protocol.Errorf(err.Error())
	}
	if err := requireField("message", p.Message, maxMessageLen); err != nil {
		return protocol.Errorf(err.Error())
	}

	if err := d.Sessions.Dispatch(p.TargetSessionID, p.Message, false, !p.ConfirmBeforeSend); err != nil {
		return dispatchError(err)
	}
	resp := protocol.Ok()
	resp.TargetSessionID = p.TargetSessionID
	resp.ConfirmBeforeSend = p.ConfirmBeforeSend
	return resp
}

func (d *Dispatcher) route(f *protocol.Frame) protocol.Response {
	var p protocol.RoutePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return protocol.Errorf("invalid route payload")
	}
	if err := requireField("query", p.Query, maxQueryLen); err != nil {
		return protocol.Errorf(err.Error())
	}
	if err := requireField("message", p.Message, maxMessageLen); err != nil {
		return protocol.Errorf(err.Error())
	}

	var workers []session.Info
	for _, w := range d.Sessions.List() {
		if w.Kind != session.KindOrchestrator && !w.External {
			workers = append(workers, w)
		}
	}

	if best, ok := bestWorker(workers, p.Query, time.Now()); ok {
		// False-positive guard: when the registry resolves the query to a
		// DIFFERENT repo than the fuzzy winner, the winner is a near-miss
		// ("my-app" session vs "my-app-backend" registry entry). Fall
		// through to auto-creation instead of delivering to the wrong repo.
		reg := d.Resolver.Resolve(p.Query)
		if !reg.Found || repo.Normalize(reg.Record.Name) == repo.Normalize(best.Repo) {
			if err := d.Sessions.Dispatch(best.ID, p.Message, false, !p.ConfirmBeforeSend); err != nil {
				return dispatchError(err)
			}
			resp := protocol.Ok()
			resp.TargetSessionID = best.ID
			resp.SessionRepo = best.Repo
			resp.ConfirmBeforeSend = p.ConfirmBeforeSend
			return resp
		}
		d.logger().Info("fuzzy match discarded by registry guard",
			"query", p.Query, "fuzzy", best.Repo, "registry", reg.Record.Name)
	}

	reg := d.Resolver.Resolve(p.Query)
	if reg.Ambiguous {
		resp := protocol.Errorf("query matches multiple repos")
		resp.Found = protocol.Bool(false)
		resp.Ambiguous = true
		resp.Suggestions = reg.Suggestions
		return resp
	}
	if !reg.Found {
		resp := protocol.Errorf(fmt.Sprintf("no session or known repo matches %q", p.Query))
		resp.Found = protocol.Bool(false)
		resp.Suggestions = reg.Suggestions
		return resp
	}
	return d.provisionAndDispatch(reg.Record, p)
}

// provisionAndDispatch creates a worker for a registry hit, waits for the
// assistant, and delivers the message. The readiness wait always completes
// (or times out) before the command is written.
func (d *Dispatcher) provisionAndDispatch(rec repo.Record, p protocol.RoutePayload) protocol.Response {
	id, err := d.Sessions.Create(session.CreateRequest{
		Repo:         rec.Name,
		Path:         rec.Path,
		Kind:         session.KindWorker,
		StartupFlags: d.WorkerFlags,
	})
	if err != nil {
		return protocol.Errorf(fmt.Sprintf("failed to create worker for %s: %v", rec.Name, err))
	}

	timeout := d.ReadyTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if !d.Sessions.WaitForAssistantReady(id, timeout) {
		resp := protocol.Errorf(fmt.Sprintf("Created worker but Claude did not start within %ds", int(timeout.Seconds())))
		resp.Created = true
		resp.SessionID = id
		resp.SessionRepo = rec.Name
		return resp
	}
	time.Sleep(settleAfterReady)

	if err := d.Sessions.Dispatch(id, p.Message, false, !p.ConfirmBeforeSend); err != nil {
		return dispatchError(err)
	}
	resp := protocol.Ok()
	resp.TargetSessionID = id
	resp.SessionRepo = rec.Name
	resp.Created = true
	resp.ConfirmBeforeSend = p.ConfirmBeforeSend
	return resp
}

func (d *Dispatcher) createWorker(f *protocol.Frame) protocol.Response {
	var p protocol.CreateWorkerPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return protocol.Errorf("invalid create_worker payload")
	}
	if err := requireField("repo", p.Repo, maxRepoLen); err != nil {
		return protocol.Errorf(err.Error())
	}
	path, err := resolvePath(p.RepoPath)
	if err != nil {
		return protocol.Errorf(err.Error())
	}

	flags := p.ClaudeFlags
	if flags == "" {
		flags = d.WorkerFlags
	}
	id, err := d.Sessions.Create(session.CreateRequest{
		Repo:         p.Repo,
		Path:         path,
		Kind:         session.KindWorker,
		TaskID:       p.TaskID,
		StartupFlags: flags,
	})
	if err != nil {
		return protocol.Errorf(fmt.Sprintf("failed to create worker: %v", err))
	}
	resp := protocol.Ok()
	resp.SessionID = id
	resp.SessionRepo = p.Repo
	return resp
}

func (d *Dispatcher) discoverProjects(f *protocol.Frame) protocol.Response {
	var p protocol.DiscoverPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return protocol.Errorf("invalid discover_projects payload")
		}
	}
	root := d.DefaultRoot
	if p.Path != "" {
		resolved, err := resolvePath(p.Path)
		if err != nil {
			return protocol.Errorf(err.Error())
		}
		root = resolved
	}

	records := repo.Scan(root)
	added, err := d.Workspace.MergeDiscovered(records)
	if err != nil {
		return protocol.Errorf(fmt.Sprintf("failed to update projects index: %v", err))
	}

	// Repos found outside the default root never show up in a rescan, so
	// they go into the learned registry to stay resolvable.
	if root != d.DefaultRoot {
		for _, rec := range records {
			if err := d.Resolver.Learn(rec); err != nil {
				d.logger().Warn("failed to persist learned repo", "repo", rec.Name, "err", err)
			}
		}
	}

	// Discovered repos that track a CLAUDE.md get the coordination marker.
	// Injection is a no-op when the file is absent or already marked.
	for _, rec := range records {
		if _, err := workspace.InjectMarker(filepath.Join(rec.Path, "CLAUDE.md")); err != nil {
			d.logger().Warn("marker injection failed", "repo", rec.Name, "err", err)
		}
	}

	// Index changed on disk; refresh the resolver's view of the world too.
	d.Resolver.Rescan()

	resp := protocol.Ok()
	resp.ProjectsAdded = added
	return resp
}

func (d *Dispatcher) recentEvents(f *protocol.Frame) protocol.Response {
	if d.Journal == nil {
		return protocol.Errorf("journal disabled")
	}
	var p protocol.RecentEventsPayload
	if len(f.Payload) > 0 {
		json.Unmarshal(f.Payload, &p)
	}
	entries, err := d.Journal.Recent(p.Limit)
	if err != nil {
		return protocol.Errorf(fmt.Sprintf("failed to read journal: %v", err))
	}
	resp := protocol.Ok()
	for _, e := range entries {
		resp.Events = append(resp.Events, protocol.JournalEntry{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      e.Type,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return resp
}

func dispatchError(err error) protocol.Response {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.Errorf("session not found")
	case errors.Is(err, session.ErrExternalSession):
		return protocol.Errorf("session is externally owned")
	case errors.Is(err, session.ErrSessionGone):
		return protocol.Errorf("session has terminated")
	default:
		return protocol.Errorf(fmt.Sprintf("dispatch failed: %v", err))
	}
}
