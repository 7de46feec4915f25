// Package relay maintains the single outbound WebSocket to the cloud relay.
// Remote commands arrive here and are handed to the host's command callback;
// session snapshots and activity events flow the other way. The client owns
// relay state exclusively; everyone else gets read-only snapshots.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthFailed means the relay closed with 4001 or 4003. Retrying with the
// same token is pointless, so the run loop stops for good.
var ErrAuthFailed = errors.New("Authentication failed")

const (
	closeAuthFailed = websocket.StatusCode(4001)
	closeForbidden  = websocket.StatusCode(4003)
)

var (
	heartbeatInterval = 25 * time.Second
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

// Status is the relay connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRegistered   Status = "registered"
)

// State is a read-only snapshot of the connection.
type State struct {
	Status            Status
	ConnectionID      string
	MachineID         string
	LastHeartbeat     time.Time
	ReconnectAttempts int
	Error             string
}

// CommandHandler routes one remote command and returns its result. The
// client reports the result back to the relay under the request id.
type CommandHandler func(ctx context.Context, cmd CommandMsg) CommandResult

// SnapshotFunc produces the current session list for status broadcasts.
type SnapshotFunc func() []SessionStatus

type Client struct {
	URL       string
	MachineID string
	Version   string
	// TokenFunc is consulted on every connection attempt; bearer tokens
	// rotate, so the value must never be cached across reconnects.
	TokenFunc func() string
	OnCommand CommandHandler
	Snapshot  SnapshotFunc
	Log       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	stopped bool
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// State returns a snapshot of the relay connection.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(mut func(s *State)) {
	c.mu.Lock()
	mut(&c.state)
	c.mu.Unlock()
}

// Run connects and serves until ctx is cancelled, Disconnect is called, or
// the relay rejects authentication. Reconnects with jittered exponential
// backoff on everything else.
func (c *Client) Run(ctx context.Context) error {
	c.setState(func(s *State) { s.MachineID = c.MachineID })
	bo := NewBackoff()

	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil
		}
		c.state.Status = StatusConnecting
		c.state.ReconnectAttempts = bo.Attempts()
		c.mu.Unlock()

		registered, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(func(s *State) { s.Status = StatusDisconnected })
			return ctx.Err()
		}
		if isAuthClose(err) {
			c.setState(func(s *State) {
				s.Status = StatusDisconnected
				s.Error = ErrAuthFailed.Error()
			})
			c.logger().Error("relay rejected credentials, giving up", "err", err)
			return ErrAuthFailed
		}
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			c.setState(func(s *State) { s.Status = StatusDisconnected })
			return nil
		}
		if registered {
			bo.Reset()
		}

		delay := bo.Next()
		c.setState(func(s *State) {
			s.Status = StatusDisconnected
			if err != nil {
				s.Error = err.Error()
			}
		})
		c.logger().Info("relay disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Disconnect stops the run loop permanently and closes the current
// connection. Any pending reconnect timer fires into a stopped loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.state.Status = StatusDisconnected
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func isAuthClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case closeAuthFailed, closeForbidden:
		return true
	}
	return false
}

func (c *Client) dialURL() string {
	u := c.URL
	q := url.Values{}
	if c.TokenFunc != nil {
		if tok := c.TokenFunc(); tok != "" {
			q.Set("token", tok)
		}
	}
	q.Set("machineId", c.MachineID)
	q.Set("version", c.Version)
	sep := "?"
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			sep = "&"
			break
		}
	}
	return u + sep + q.Encode()
}

// connectAndServe runs one connection lifetime. registered reports whether
// the relay ever acknowledged us, which controls the backoff reset.
func (c *Client) connectAndServe(ctx context.Context) (registered bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, dialErr := websocket.Dial(dialCtx, c.dialURL(), nil)
	cancel()
	if dialErr != nil {
		return false, fmt.Errorf("dial relay: %w", dialErr)
	}
	conn.SetReadLimit(512 * 1024)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false, nil
	}
	c.conn = conn
	c.state.Status = StatusConnected
	c.state.Error = ""
	c.mu.Unlock()
	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()

	for {
		_, data, rerr := conn.Read(ctx)
		if rerr != nil {
			return registered, fmt.Errorf("relay read: %w", rerr)
		}

		var env Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			c.logger().Warn("bad relay message", "err", jerr)
			continue
		}

		switch env.Type {
		case TypeRegistered:
			var msg RegisteredMsg
			json.Unmarshal(data, &msg)
			c.setState(func(s *State) {
				s.Status = StatusRegistered
				s.ConnectionID = msg.ConnectionID
				s.ReconnectAttempts = 0
				s.Error = ""
			})
			c.logger().Info("registered with relay", "connection_id", msg.ConnectionID)
			if !registered {
				registered = true
				go c.heartbeatLoop(hbCtx)
			}
			c.BroadcastStatus(ctx)

		case TypeCommand:
			var msg CommandMsg
			if jerr := json.Unmarshal(data, &msg); jerr != nil {
				c.logger().Warn("bad command message", "err", jerr)
				continue
			}
			if c.OnCommand == nil {
				continue
			}
			go func() {
				result := c.OnCommand(ctx, msg)
				c.ReportCommandResult(ctx, msg.RequestID, result)
			}()

		case TypeError:
			var msg ErrorMsg
			json.Unmarshal(data, &msg)
			c.logger().Warn("relay error", "message", msg.Message)

		default:
			c.logger().Debug("unknown relay message type", "type", env.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, Heartbeat{Type: TypeHeartbeat}); err != nil {
				return
			}
			c.setState(func(s *State) { s.LastHeartbeat = time.Now() })
		}
	}
}

// BroadcastStatus pushes the current session snapshot. No-op unless
// registered.
func (c *Client) BroadcastStatus(ctx context.Context) {
	if c.Snapshot == nil {
		return
	}
	sessions := c.Snapshot()
	if sessions == nil {
		sessions = []SessionStatus{}
	}
	c.sendIfRegistered(ctx, StatusMsg{Type: TypeStatus, Sessions: sessions})
}

// ReportCommandResult answers a relayed command. No-op unless registered.
func (c *Client) ReportCommandResult(ctx context.Context, requestID string, result CommandResult) {
	if result.Timestamp == "" {
		result.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	c.sendIfRegistered(ctx, CommandResultMsg{
		Type:      TypeCommandResult,
		RequestID: requestID,
		Result:    result,
	})
}

// StreamEvent forwards one activity event to remote viewers. No-op unless
// registered.
func (c *Client) StreamEvent(ctx context.Context, sessionID, event, data string) {
	c.sendIfRegistered(ctx, StreamMsg{
		Type:      TypeStream,
		SessionID: sessionID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) sendIfRegistered(ctx context.Context, v any) {
	c.mu.Lock()
	ok := c.state.Status == StatusRegistered
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(ctx, v); err != nil {
		c.logger().Warn("relay send failed", "err", err)
	}
}

func (c *Client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
