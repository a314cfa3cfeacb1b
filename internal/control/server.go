// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/otpclip/otpclip/internal/agent"
)

// ErrAlreadyRunning means a live daemon already answers on the
// control socket.
var ErrAlreadyRunning = errors.New("control: another otpclip instance is already running")

// requestTimeout bounds one request/response cycle. Agent operations
// behind it are fast; the deadline exists so a stalled client cannot
// pin a handler goroutine.
const requestTimeout = 5 * time.Second

// AgentControl is the slice of the agent the control surface drives.
type AgentControl interface {
	Snapshot() agent.Snapshot
	Copy(label string) error
	Clear() error
	Update()
	Quit()
}

// Server answers control requests on a Unix socket.
type Server struct {
	logger   *slog.Logger
	agent    AgentControl
	listener *net.UnixListener
	path     string
	version  string
}

// NewServer claims the control socket. A stale socket file (no
// listener behind it, or one that does not answer ping) is replaced;
// a live one means another daemon owns this session and the new one
// must not start.
func NewServer(logger *slog.Logger, path string, agentControl AgentControl, version string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating control socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		client := NewClient(path)
		if pingErr := client.Ping(); pingErr == nil {
			return nil, fmt.Errorf("%w (socket %s)", ErrAlreadyRunning, path)
		}
		logger.Info("removing stale control socket", "path", path)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale control socket: %w", err)
		}
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}
	logger.Info("control socket ready", "path", path)
	return &Server{
		logger:   logger,
		agent:    agentControl,
		listener: listener,
		path:     path,
		version:  version,
	}, nil
}

// Serve accepts connections until ctx is cancelled, then unlinks the
// socket. Each connection is one request/response cycle on its own
// goroutine.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
					s.logger.Debug("removing control socket", "error", err)
				}
				return
			default:
			}
			s.logger.Error("accepting control connection", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	var request Request
	if err := readFrame(conn, &request); err != nil {
		s.logger.Warn("reading control request", "error", err)
		s.respond(conn, Response{OK: false, Error: "invalid request"})
		return
	}
	s.logger.Debug("control request", "op", request.Op, "account", request.Account)
	s.respond(conn, s.dispatch(request))
}

func (s *Server) respond(conn net.Conn, response Response) {
	if err := writeFrame(conn, response); err != nil {
		s.logger.Warn("writing control response", "error", err)
	}
}

func (s *Server) dispatch(request Request) Response {
	switch request.Op {
	case OpPing:
		return Response{OK: true}

	case OpStatus:
		snapshot := s.agent.Snapshot()
		return Response{OK: true, Status: &StatusInfo{
			State:        snapshot.State.String(),
			UnlockGate:   snapshot.Gate.String(),
			AccountCount: len(snapshot.Accounts),
			OfferedLabel: snapshot.OfferedLabel,
			LastError:    snapshot.LastError,
			Uptime:       time.Since(snapshot.StartedAt).Truncate(time.Second),
			Version:      s.version,
		}}

	case OpAccounts:
		snapshot := s.agent.Snapshot()
		accounts := make([]AccountInfo, len(snapshot.Accounts))
		for i, label := range snapshot.Accounts {
			accounts[i] = AccountInfo{Label: label}
		}
		return Response{OK: true, Accounts: accounts}

	case OpCopy:
		if request.Account == "" {
			return Response{OK: false, Error: "copy requires an account label"}
		}
		if err := s.agent.Copy(request.Account); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpClear:
		if err := s.agent.Clear(); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpUpdate:
		s.agent.Update()
		return Response{OK: true}

	case OpQuit:
		s.agent.Quit()
		return Response{OK: true}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", request.Op)}
	}
}
