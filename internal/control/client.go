package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/varie-ai/varie/internal/protocol"
)

// Client dials the control socket once per request. The protocol is cheap
// enough that connection reuse buys nothing for a CLI.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// ReadDescriptor loads the daemon descriptor written at startup.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse daemon descriptor: %w", err)
	}
	return &d, nil
}

// Do sends one frame and waits up to timeout for the single response line.
func (c *Client) Do(f *protocol.Frame, timeout time.Duration) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := protocol.WriteJSON(conn, f); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}

	sc := protocol.NewFrameScanner(conn)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("daemon closed connection without responding")
	}
	var resp protocol.Response
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// SendEvent fires one event frame and confirms the ack.
func (c *Client) SendEvent(f *protocol.Frame, timeout time.Duration) error {
	resp, err := c.Do(f, timeout)
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("event rejected: %s", resp.Message)
	}
	return nil
}
