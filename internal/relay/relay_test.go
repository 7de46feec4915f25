package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func shrinkTimers(t *testing.T) {
	t.Helper()
	hb, dt := heartbeatInterval, dialTimeout
	heartbeatInterval = 30 * time.Millisecond
	dialTimeout = 2 * time.Second
	t.Cleanup(func() {
		heartbeatInterval = hb
		dialTimeout = dt
	})
}

// fakeRelay accepts websocket upgrades and records everything the client
// sends. Each accepted connection is driven by the serve callback.
type fakeRelay struct {
	srv *httptest.Server

	mu       sync.Mutex
	upgrades int
	queries  []string
	inbound  []map[string]any
}

func newFakeRelay(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.upgrades++
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					f.mu.Lock()
					f.inbound = append(f.inbound, m)
					f.mu.Unlock()
				}
			}
		}()
		serve(ctx, conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) upgradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrades
}

func (f *fakeRelay) countInbound(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.inbound {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (f *fakeRelay) firstInbound(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.inbound {
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

func sendJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	conn.Write(ctx, websocket.MessageText, data)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newClient(f *fakeRelay) *Client {
	return &Client{
		URL:       f.srv.URL,
		MachineID: "m-test",
		Version:   "0.0.1-test",
		TokenFunc: func() string { return "tok" },
	}
}

func TestRegistrationBroadcastsSnapshot(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		sendJSON(ctx, conn, RegisteredMsg{Type: TypeRegistered, ConnectionID: "c1"})
		<-ctx.Done()
	})

	c := newClient(f)
	c.Snapshot = func() []SessionStatus {
		return []SessionStatus{{ID: "s1", Repo: "my-app", Status: "active"}}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return c.State().Status == StatusRegistered }, "never registered")
	if c.State().ConnectionID != "c1" {
		t.Errorf("connection id %q", c.State().ConnectionID)
	}

	waitFor(t, func() bool { return f.countInbound(TypeStatus) >= 1 }, "no status broadcast")
	status := f.firstInbound(TypeStatus)
	sessions, ok := status["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("bad status payload: %v", status)
	}
}

func TestDialQueryCarriesIdentity(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) { <-ctx.Done() })

	c := newClient(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return f.upgradeCount() >= 1 }, "no upgrade")
	f.mu.Lock()
	q := f.queries[0]
	f.mu.Unlock()
	for _, want := range []string{"token=tok", "machineId=m-test", "version=0.0.1-test"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestHeartbeatCadence(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		sendJSON(ctx, conn, RegisteredMsg{Type: TypeRegistered, ConnectionID: "c1"})
		<-ctx.Done()
	})

	c := newClient(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return f.countInbound(TypeHeartbeat) >= 3 }, "heartbeats never flowed")
	if c.State().LastHeartbeat.IsZero() {
		t.Error("LastHeartbeat not stamped")
	}
}

func TestAuthCloseStopsReconnect(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusCode(4001), "bad token")
	})

	c := newClient(f)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err != ErrAuthFailed {
			t.Fatalf("want ErrAuthFailed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after auth close")
	}

	st := c.State()
	if st.Status != StatusDisconnected || st.Error != "Authentication failed" {
		t.Errorf("bad terminal state: %+v", st)
	}

	before := f.upgradeCount()
	time.Sleep(150 * time.Millisecond)
	if f.upgradeCount() != before {
		t.Error("client reconnected after auth failure")
	}
}

func TestCommandDelegationAndResult(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		sendJSON(ctx, conn, RegisteredMsg{Type: TypeRegistered, ConnectionID: "c1"})
		sendJSON(ctx, conn, CommandMsg{Type: TypeCommand, RequestID: "r1", Command: "status check", Source: "phone"})
		<-ctx.Done()
	})

	c := newClient(f)
	var got CommandMsg
	done := make(chan struct{})
	c.OnCommand = func(ctx context.Context, cmd CommandMsg) CommandResult {
		got = cmd
		close(done)
		return CommandResult{Status: "ok", SessionRepo: "my-app", Message: "routed"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("command never delegated")
	}
	if got.RequestID != "r1" || got.Command != "status check" {
		t.Fatalf("bad command: %+v", got)
	}

	waitFor(t, func() bool { return f.countInbound(TypeCommandResult) >= 1 }, "no command_result")
	res := f.firstInbound(TypeCommandResult)
	if res["requestId"] != "r1" {
		t.Errorf("result requestId %v", res["requestId"])
	}
	inner, _ := res["result"].(map[string]any)
	if inner["status"] != "ok" || inner["timestamp"] == "" {
		t.Errorf("bad result body: %v", inner)
	}
}

func TestSendsNoOpUnlessRegistered(t *testing.T) {
	c := &Client{URL: "ws://127.0.0.1:1", MachineID: "m", Version: "v"}
	// Never connected. These must neither panic nor block.
	c.BroadcastStatus(context.Background())
	c.StreamEvent(context.Background(), "s1", "turn_start", "")
	c.ReportCommandResult(context.Background(), "r1", CommandResult{Status: "ok"})
	if c.State().Status == StatusRegistered {
		t.Fatal("state must not be registered")
	}
}

func TestTokenRereadPerAttempt(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		// Drop every connection straight away to force reconnects.
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := newClient(f)
	var mu sync.Mutex
	n := 0
	c.TokenFunc = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "tok-" + string(rune('0'+n%10))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return f.upgradeCount() >= 2 }, "no reconnect")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queries[0] == f.queries[1] {
		t.Errorf("token not re-read between attempts: %q", f.queries[0])
	}
}

func TestDisconnectStopsRun(t *testing.T) {
	shrinkTimers(t)
	f := newFakeRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		sendJSON(ctx, conn, RegisteredMsg{Type: TypeRegistered, ConnectionID: "c1"})
		<-ctx.Done()
	})

	c := newClient(f)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	waitFor(t, func() bool { return c.State().Status == StatusRegistered }, "never registered")

	c.Disconnect()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v after disconnect", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after disconnect")
	}
	if c.State().Status != StatusDisconnected {
		t.Errorf("status %s after disconnect", c.State().Status)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 60 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: want %v, got %v", i, w*time.Second, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset want 1s, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside +-20%% of 1s", d)
		}
	}
}

func TestMachineIDStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")

	id1, err := LoadOrCreateMachineID(path)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := LoadOrCreateMachineID(path)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("machine id changed: %s vs %s", id1, id2)
	}

	data, _ := os.ReadFile(path)
	if string(data) != id1 {
		t.Errorf("file has trailing bytes: %q", data)
	}
	if strings.TrimSpace(string(data)) != string(data) {
		t.Error("machine id file has whitespace")
	}
}

func TestMachineIDRegeneratedWhenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")
	os.WriteFile(path, []byte("not-a-uuid\n"), 0600)

	id, err := LoadOrCreateMachineID(path)
	if err != nil {
		t.Fatal(err)
	}
	if id == "not-a-uuid" {
		t.Error("corrupt id was accepted")
	}
}
