// Package control serves the daemon's unix control socket. Frames are
// LF-delimited JSON: event frames are acknowledged and the connection stays
// open for more, dispatch frames get exactly one response line before the
// connection closes.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/varie-ai/varie/internal/protocol"
)

// healInterval is how often the server re-checks that its socket file still
// exists on disk. External cleanup (tmp reapers, manual rm) otherwise leaves
// the daemon listening on an unlinked inode nobody can reach.
var healInterval = 10 * time.Second

// Handler processes one decoded frame and produces the response for it.
type Handler interface {
	Handle(f *protocol.Frame) protocol.Response
}

// Descriptor is written next to the config so clients and hooks can find the
// live daemon without guessing.
type Descriptor struct {
	SocketPath string `json:"socketPath"`
	PID        int    `json:"pid"`
	Version    string `json:"version"`
	StartedAt  string `json:"startedAt"`
}

type Server struct {
	socketPath     string
	descriptorPath string
	version        string
	handler        Handler
	log            *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewServer(socketPath, descriptorPath, version string, h Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		socketPath:     socketPath,
		descriptorPath: descriptorPath,
		version:        version,
		handler:        h,
		log:            log,
	}
}

// ListenAndServe binds the socket and serves until ctx is cancelled. The
// socket file and descriptor are removed on the way out.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.bind(); err != nil {
		return err
	}
	if err := s.writeDescriptor(); err != nil {
		s.log.Warn("failed to write daemon descriptor", "err", err)
	}

	go s.healLoop(ctx)

	for {
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.cleanup()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				// healLoop swapped the listener; pick up the new one.
				continue
			}
			s.cleanup()
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// Close unblocks Accept. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) bind() error {
	// A stale socket from a crashed daemon blocks the bind. Only unlink when
	// nothing answers on it.
	if _, err := os.Stat(s.socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("daemon already running on %s", s.socketPath)
		}
		os.Remove(s.socketPath)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	old := s.ln
	s.ln = ln
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// healLoop rebinds when the socket file disappears underneath us.
func (s *Server) healLoop(ctx context.Context) {
	ticker := time.NewTicker(healInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(s.socketPath); err == nil {
				continue
			}
			s.log.Warn("control socket vanished, rebinding", "path", s.socketPath)
			if err := s.bind(); err != nil {
				s.log.Error("rebind failed", "err", err)
				continue
			}
			if err := s.writeDescriptor(); err != nil {
				s.log.Warn("failed to rewrite daemon descriptor", "err", err)
			}
		}
	}
}

func (s *Server) writeDescriptor() error {
	d := Descriptor{
		SocketPath: s.socketPath,
		PID:        os.Getpid(),
		Version:    s.version,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.descriptorPath, append(data, '\n'), 0644)
}

func (s *Server) cleanup() {
	os.Remove(s.socketPath)
	os.Remove(s.descriptorPath)
}

// serveConn reads frames until the peer hangs up, a dispatch command
// completes, or ctx is cancelled.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sc := protocol.NewFrameScanner(conn)
	for sc.Scan() {
		f, err := protocol.DecodeFrame(sc.Bytes())
		if err != nil {
			protocol.WriteJSON(conn, protocol.Errorf("Invalid JSON"))
			continue
		}
		if f == nil {
			continue
		}

		resp := s.handler.Handle(f)
		if err := protocol.WriteJSON(conn, resp); err != nil {
			return
		}
		// One shot for commands. Events keep the connection open so a hook
		// can stream several without re-dialing.
		if !protocol.IsEvent(f.Type) {
			return
		}
	}
}
