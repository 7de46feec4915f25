// Package daemon wires the subsystems together and runs them until a signal
// or fatal error arrives.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/varie-ai/varie/internal/config"
	"github.com/varie-ai/varie/internal/control"
	"github.com/varie-ai/varie/internal/dispatch"
	"github.com/varie-ai/varie/internal/protocol"
	"github.com/varie-ai/varie/internal/relay"
	"github.com/varie-ai/varie/internal/repo"
	"github.com/varie-ai/varie/internal/session"
	"github.com/varie-ai/varie/internal/store"
	"github.com/varie-ai/varie/internal/workspace"
)

// autosaveInterval is the manager-state flush cadence between lifecycle
// events.
var autosaveInterval = 5 * time.Minute

// Options are the runtime knobs not covered by config.yaml.
type Options struct {
	Dev     bool
	Version string
}

// Run starts the daemon and blocks until shutdown completes.
func Run(cfg *config.Config, log *slog.Logger, opts Options) error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare app dirs: %w", err)
	}
	managerDir, err := config.ManagerDir()
	if err != nil {
		return err
	}

	ws, err := workspace.Open(managerDir)
	if err != nil {
		return fmt.Errorf("open manager workspace: %w", err)
	}
	// Sessions never survive a restart; stale state misleads the next
	// orchestrator prompt.
	if err := ws.ClearState(); err != nil {
		log.Warn("failed to clear manager state", "err", err)
	}

	journalPath, err := config.JournalPath()
	if err != nil {
		return err
	}
	journal, err := store.Open(journalPath)
	if err != nil {
		return fmt.Errorf("open checkpoint journal: %w", err)
	}
	defer journal.Close()

	learnedPath, err := config.LearnedReposPath()
	if err != nil {
		return err
	}
	root := cfg.WorkspaceRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		root = home
	}
	resolver, err := repo.NewResolver(root, learnedPath, log)
	if err != nil {
		return fmt.Errorf("init repo resolver: %w", err)
	}
	defer resolver.Close()

	workerFlags := ""
	if cfg.SkipPermissions {
		workerFlags = session.SkipPermissionsFlag
	}
	sessions := session.NewManager(config.DefaultAssistantCommand, managerDir)
	sessions.DefaultFlags = workerFlags

	dispatcher := &dispatch.Dispatcher{
		Sessions:    sessions,
		Resolver:    resolver,
		Workspace:   ws,
		Journal:     journal,
		Log:         log,
		DefaultRoot: root,
		WorkerFlags: workerFlags,
	}

	descriptorPath, err := config.DescriptorPath()
	if err != nil {
		return err
	}
	socketPath := config.SocketPath(opts.Dev)
	server := control.NewServer(socketPath, descriptorPath, opts.Version, dispatcher, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var relayClient *relay.Client
	if cfg.CloudRelay {
		relayClient, err = buildRelay(cfg, log, sessions, dispatcher, opts.Version)
		if err != nil {
			return err
		}
	}

	// Lifecycle events fan out to the journal, the persisted manager state
	// and the relay status stream.
	sessions.SetOnLifecycle(func(ev session.Event) {
		if err := journal.Append(ev.Session.ID, "session_"+ev.Type, ev.Session.Repo); err != nil {
			log.Warn("journal lifecycle append failed", "err", err)
		}
		saveState(ws, sessions, log)
		if relayClient != nil {
			relayClient.BroadcastStatus(ctx)
		}
	})

	// Event frames from hook scripts become relay stream frames, so remote
	// viewers see per-turn activity, not just status snapshots.
	dispatcher.OnEvent = func(f *protocol.Frame) {
		if relayClient != nil {
			relayClient.StreamEvent(ctx, f.SessionID, f.Type, f.Context)
		}
	}
	dispatcher.FlagPath = func(sessionID string) string {
		path, err := config.FlagPath(sessionID)
		if err != nil {
			return ""
		}
		return path
	}

	// Edits to projects.yaml by the user or the orchestrator session show up
	// in the resolver without a daemon restart.
	if err := resolver.WatchProjects(ws.ProjectsPath(), func() {
		if err := ws.Reload(); err != nil {
			log.Warn("projects reload failed", "err", err)
		}
	}); err != nil {
		log.Warn("projects watch unavailable", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() {
		log.Info("control socket listening", "path", socketPath)
		errCh <- server.ListenAndServe(ctx)
	}()
	if relayClient != nil {
		go func() {
			log.Info("relay client starting", "url", cfg.RelayURL())
			err := relayClient.Run(ctx)
			if err != nil && err != context.Canceled {
				log.Error("relay client stopped", "err", err)
			}
		}()
	}

	autosave := time.NewTicker(autosaveInterval)
	defer autosave.Stop()

	log.Info("daemon started", "version", opts.Version, "dev", opts.Dev)

	for {
		select {
		case <-autosave.C:
			saveState(ws, sessions, log)

		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			shutdown(cancel, server, relayClient, sessions, ws, log)
			return nil

		case err := <-errCh:
			shutdown(cancel, server, relayClient, sessions, ws, log)
			if err != nil && err != context.Canceled {
				return fmt.Errorf("daemon error: %w", err)
			}
			return nil
		}
	}
}

// shutdown order: stop accepting work, kill sessions, persist final state.
func shutdown(cancel context.CancelFunc, server *control.Server, relayClient *relay.Client, sessions *session.Manager, ws *workspace.Workspace, log *slog.Logger) {
	if relayClient != nil {
		relayClient.Disconnect()
	}
	sessions.SetOnLifecycle(nil)
	sessions.CloseAll()
	saveState(ws, sessions, log)
	cancel()
	server.Close()
	// Grace period for per-connection handlers to flush.
	time.Sleep(200 * time.Millisecond)
}

func buildRelay(cfg *config.Config, log *slog.Logger, sessions *session.Manager, dispatcher *dispatch.Dispatcher, version string) (*relay.Client, error) {
	idPath, err := config.MachineIDPath()
	if err != nil {
		return nil, err
	}
	machineID, err := relay.LoadOrCreateMachineID(idPath)
	if err != nil {
		return nil, err
	}

	configPath, _ := config.ConfigPath()
	client := &relay.Client{
		URL:       cfg.RelayURL(),
		MachineID: machineID,
		Version:   version,
		TokenFunc: func() string {
			// Tokens rotate; pick up the latest from disk on every attempt.
			if fresh, err := config.Load(configPath); err == nil && fresh.CloudRelayToken != "" {
				return fresh.CloudRelayToken
			}
			return cfg.CloudRelayToken
		},
		Snapshot: func() []relay.SessionStatus {
			return sessionSnapshot(sessions)
		},
		Log: log,
	}
	client.OnCommand = func(ctx context.Context, cmd relay.CommandMsg) relay.CommandResult {
		return routeRemoteCommand(dispatcher, cmd)
	}
	return client, nil
}

func sessionSnapshot(sessions *session.Manager) []relay.SessionStatus {
	infos := sessions.List()
	out := make([]relay.SessionStatus, 0, len(infos))
	for _, s := range infos {
		out = append(out, relay.SessionStatus{
			ID:           s.ID,
			Repo:         s.Repo,
			Task:         s.TaskID,
			Status:       "active",
			LastActivity: s.LastActive.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// routeRemoteCommand pushes a relayed command through the same route
// pipeline local clients use.
func routeRemoteCommand(d *dispatch.Dispatcher, cmd relay.CommandMsg) relay.CommandResult {
	payload, _ := json.Marshal(protocol.RoutePayload{
		Query:   cmd.Command,
		Message: cmd.Command,
	})
	resp := d.Handle(&protocol.Frame{Type: protocol.TypeRoute, Payload: payload})
	return relay.CommandResult{
		Status:      resp.Status,
		SessionID:   resp.TargetSessionID,
		SessionRepo: resp.SessionRepo,
		Message:     resp.Message,
	}
}

func saveState(ws *workspace.Workspace, sessions *session.Manager, log *slog.Logger) {
	st := workspace.State{}
	for _, s := range sessions.List() {
		st.ActiveSessions = append(st.ActiveSessions, workspace.SessionState{
			ID:         s.ID,
			Repo:       s.Repo,
			Kind:       string(s.Kind),
			TaskID:     s.TaskID,
			LastActive: s.LastActive.UTC().Format(time.RFC3339),
		})
	}
	if err := ws.SaveState(st); err != nil {
		log.Warn("state save failed", "err", err)
	}
}
