// Package session owns the daemon's fleet of PTY children. Each session is
// one pseudo-terminal running a login shell that launches the assistant;
// output is fanned out to subscriber channels and an optional callback, and
// all writes to a given PTY are serialised.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Kind distinguishes the orchestrator session from repo-bound workers.
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindWorker       Kind = "worker"
)

// SkipPermissionsFlag is the assistant flag that triggers the safety prompt
// auto-confirmer.
const SkipPermissionsFlag = "--dangerously-skip-permissions"

var (
	ErrNotFound        = errors.New("session not found")
	ErrExternalSession = errors.New("operation not permitted on external session")
	ErrSessionGone     = errors.New("session terminated")
	ErrSpawnFailed     = errors.New("pty spawn failed")
)

// EnterDelay is the gap between command bytes and the auto-sent newline.
// The assistant's input handler races with simultaneous text-and-newline
// writes; 300ms is the observed lower bound that eliminates the race
// (50ms and 150ms were not enough). Tunable, not a literal.
var EnterDelay = 300 * time.Millisecond

var (
	startupDelay      = time.Second
	interruptSettle   = 100 * time.Millisecond
	ensureSettle      = 1500 * time.Millisecond
	ensureSettleSkip  = 4 * time.Second
	readyIgnoreWindow = 1500 * time.Millisecond
	readySettleWindow = 2 * time.Second
	confirmWindow     = 15 * time.Second
	confirmArrowDelay = 300 * time.Millisecond
	confirmEnterDelay = 150 * time.Millisecond
)

// Info is a read-only snapshot of one session.
type Info struct {
	ID           string
	Repo         string
	Path         string
	Kind         Kind
	TaskID       string
	CreatedAt    time.Time
	LastActive   time.Time
	External     bool
	StartupFlags string
}

// Event is a lifecycle notification. Type is "created" or "closed".
type Event struct {
	Type    string
	Session Info
}

type session struct {
	mu   sync.Mutex
	info Info

	pt      io.ReadWriteCloser // PTY stream (or a test double)
	ptmx    *os.File           // real PTY handle, nil for external/test sessions
	cmd     *exec.Cmd
	writeMu sync.Mutex

	subs    map[int]chan []byte
	nextSub int

	done       chan struct{}
	terminated bool
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) touch() {
	s.mu.Lock()
	s.info.LastActive = time.Now()
	s.mu.Unlock()
}

// Manager owns the session table. Only the Manager mutates sessions; other
// subsystems hold a reference and use the query/command surface.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	// AssistantCommand is the binary started inside each PTY ("claude").
	AssistantCommand string
	// DefaultFlags are appended to the assistant command for every session
	// that does not carry its own startup flags.
	DefaultFlags string
	// ManagerDir substitutes for the path of orchestrator sessions.
	ManagerDir string

	// OnOutput receives every PTY read, for front-end fan-out.
	OnOutput func(id string, data []byte)
	// OnLifecycle receives created/closed events.
	OnLifecycle func(Event)
}

// NewManager returns an empty session table.
func NewManager(assistantCommand, managerDir string) *Manager {
	return &Manager{
		sessions:         make(map[string]*session),
		AssistantCommand: assistantCommand,
		ManagerDir:       managerDir,
	}
}

// CreateRequest carries everything needed to spawn a session.
type CreateRequest struct {
	Repo         string
	Path         string
	Kind         Kind
	TaskID       string
	StartupFlags string
	Cols, Rows   uint16
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create spawns a login shell in a fresh PTY, schedules the assistant start
// command after one second, and returns the new session id.
func (m *Manager) Create(req CreateRequest) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}

	dir := req.Path
	if req.Kind == KindOrchestrator {
		dir = m.ManagerDir
	} else if dir == "" {
		dir = home
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(home, dir)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = home
	}

	id := newID()
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell, "-l")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "VARIE_SESSION_ID="+id)
	if req.Kind == KindOrchestrator {
		cmd.Env = append(cmd.Env, "VARIE_MANAGER_SESSION=true")
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 32
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	now := time.Now()
	sess := &session{
		info: Info{
			ID:           id,
			Repo:         req.Repo,
			Path:         dir,
			Kind:         req.Kind,
			TaskID:       req.TaskID,
			CreatedAt:    now,
			LastActive:   now,
			StartupFlags: req.StartupFlags,
		},
		pt:   ptmx,
		ptmx: ptmx,
		cmd:  cmd,
		subs: make(map[int]chan []byte),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.readPTY(sess)
	go func() {
		cmd.Wait()
	}()

	flags := req.StartupFlags
	if flags == "" {
		flags = m.DefaultFlags
	}
	start := m.assistantStart(flags)
	time.AfterFunc(startupDelay, func() {
		m.writeRaw(sess, []byte("clear && "+start+"\n"))
	})
	if strings.Contains(flags, SkipPermissionsFlag) {
		go m.autoConfirm(sess)
	}

	m.emit(Event{Type: "created", Session: sess.snapshot()})
	return id, nil
}

func (m *Manager) assistantStart(flags string) string {
	if flags == "" {
		return m.AssistantCommand
	}
	return m.AssistantCommand + " " + flags
}

// RegisterExternal records a session whose PTY the daemon does not own.
// Write, resize and dispatch all fail on it with ErrExternalSession.
func (m *Manager) RegisterExternal(id, repo, path string, kind Kind, taskID string) error {
	now := time.Now()
	sess := &session{
		info: Info{
			ID:         id,
			Repo:       repo,
			Path:       path,
			Kind:       kind,
			TaskID:     taskID,
			CreatedAt:  now,
			LastActive: now,
			External:   true,
		},
		subs: make(map[int]chan []byte),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s already registered", id)
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.emit(Event{Type: "created", Session: sess.info})
	return nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// owned returns the session iff it accepts PTY operations.
func (m *Manager) owned(id string) (*session, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	external, terminated := sess.info.External, sess.terminated
	sess.mu.Unlock()
	if external {
		return nil, ErrExternalSession
	}
	if terminated {
		return nil, ErrSessionGone
	}
	return sess, nil
}

// Write sends data straight to the session's PTY.
func (m *Manager) Write(id string, data []byte) error {
	sess, err := m.owned(id)
	if err != nil {
		return err
	}
	return m.writeRaw(sess, data)
}

func (m *Manager) writeRaw(sess *session, data []byte) error {
	sess.mu.Lock()
	if sess.terminated {
		sess.mu.Unlock()
		return ErrSessionGone
	}
	pt := sess.pt
	sess.mu.Unlock()

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if _, err := pt.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	sess.touch()
	return nil
}

// Resize changes the PTY dimensions.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	sess, err := m.owned(id)
	if err != nil {
		return err
	}
	if sess.ptmx == nil {
		return nil
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	sess.touch()
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, error) {
	sess, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if !sess.terminated {
			out = append(out, sess.info)
		}
		sess.mu.Unlock()
	}
	return out
}

// Close kills the session's PTY if owned and emits a closed event.
// Idempotent: closing an unknown or already-closed session is a no-op.
func (m *Manager) Close(id string) {
	sess, err := m.get(id)
	if err != nil {
		return
	}
	sess.mu.Lock()
	if sess.terminated {
		sess.mu.Unlock()
		return
	}
	cmd := sess.cmd
	sess.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	m.finish(sess)
}

// CloseAll terminates every session; called on daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// finish marks the session terminated exactly once, closes its done channel
// and emits the closed event.
func (m *Manager) finish(sess *session) {
	sess.mu.Lock()
	if sess.terminated {
		sess.mu.Unlock()
		return
	}
	sess.terminated = true
	if sess.pt != nil {
		sess.pt.Close()
	}
	info := sess.info
	close(sess.done)
	sess.mu.Unlock()

	m.emit(Event{Type: "closed", Session: info})
}

func (m *Manager) readPTY(sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.pt.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sess.touch()

			sess.mu.Lock()
			id := sess.info.ID
			for _, ch := range sess.subs {
				select {
				case ch <- data:
				default:
				}
			}
			sess.mu.Unlock()

			if m.OnOutput != nil {
				m.OnOutput(id, data)
			}
		}
		if err != nil {
			m.finish(sess)
			return
		}
	}
}

// subscribe attaches a buffered channel to the session's output stream.
// cancel detaches it; done closes when the session terminates.
func (sess *session) subscribe() (ch <-chan []byte, done <-chan struct{}, cancel func()) {
	c := make(chan []byte, 256)
	sess.mu.Lock()
	sub := sess.nextSub
	sess.nextSub++
	sess.subs[sub] = c
	sess.mu.Unlock()
	return c, sess.done, func() {
		sess.mu.Lock()
		delete(sess.subs, sub)
		sess.mu.Unlock()
	}
}

// SetOnLifecycle swaps the lifecycle callback. Safe to call while sessions
// are live: emit reads the callback under the table lock.
func (m *Manager) SetOnLifecycle(fn func(Event)) {
	m.mu.Lock()
	m.OnLifecycle = fn
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fn := m.OnLifecycle
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
