// Package operator — server.go
//
// Unix domain socket server for truck agent operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/truckagent/operator.sock (configurable).
// Permissions: 0600. Technician use via the maintenance port.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → WAL position, buffered entries, throttle state, module states.
//	  → {"ok":true,"last_seq":1042,"pending":3,"throttled":false,
//	     "modules":[{"name":"wal","status":"RUNNING","restarts":0},...]}
//
//	{"cmd":"reset_cooldown","alert_type":"DrowsyDriver"}
//	  → Clears the debounce cooldown for the alert type.
//	  → {"ok":true}
//
//	{"cmd":"flush"}
//	  → Forces a WAL flush cycle.
//	  → {"ok":true,"pending":0}
//
//	{"cmd":"compact"}
//	  → Runs WAL prefix compaction.
//	  → {"ok":true,"removed":412}
//
// Security:
//   - Socket created with 0600 permissions.
//   - Max concurrent connections: 4 (operator use, not high-throughput).
//   - Max request size: 4096 bytes.
//   - Connection timeout: 10s read, 10s write.

package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fleetedge/fleetedge/internal/alert"
	"github.com/fleetedge/fleetedge/internal/supervisor"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Agent is the slice of agent state the operator server reads and pokes.
type Agent interface {
	LastSequence() uint64
	Pending() int
	Flush() error
	Compact() (int, error)
}

// Gate reports the WAL throttle state.
type Gate interface {
	ShouldThrottle() bool
}

// Server answers operator commands on a Unix socket.
type Server struct {
	socketPath string
	agent      Agent
	gate       Gate
	debouncer  *alert.Debouncer
	sup        *supervisor.Supervisor
	log        *zap.Logger

	conns chan struct{}
}

// NewServer wires the operator server.
func NewServer(socketPath string, agent Agent, gate Gate, debouncer *alert.Debouncer, sup *supervisor.Supervisor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		agent:      agent,
		gate:       gate,
		debouncer:  debouncer,
		sup:        sup,
		log:        log,
		conns:      make(chan struct{}, maxConcurrentConns),
	}
}

type request struct {
	Cmd       string `json:"cmd"`
	AlertType string `json:"alert_type,omitempty"`
}

type response struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	LastSeq   *uint64        `json:"last_seq,omitempty"`
	Pending   *int           `json:"pending,omitempty"`
	Throttled *bool          `json:"throttled,omitempty"`
	Removed   *int           `json:"removed,omitempty"`
	Modules   []moduleStatus `json:"modules,omitempty"`
}

type moduleStatus struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts"`
}

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}
	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("operator accept failed", zap.Error(err))
			continue
		}

		select {
		case s.conns <- struct{}{}:
		default:
			_ = conn.Close() // Connection cap reached.
			continue
		}

		go func() {
			defer func() { <-s.conns }()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

// handle serves one connection: one request line, one response line.
func (s *Server) handle(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil || len(line) > maxRequestBytes {
		s.reply(conn, response{OK: false, Error: "bad request"})
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(conn, response{OK: false, Error: "malformed json: " + err.Error()})
		return
	}
	s.log.Info("operator command", zap.String("cmd", req.Cmd))
	s.reply(conn, s.execute(req))
}

// execute dispatches one command.
func (s *Server) execute(req request) response {
	switch req.Cmd {
	case "status":
		last := s.agent.LastSequence()
		pending := s.agent.Pending()
		throttled := s.gate.ShouldThrottle()
		resp := response{OK: true, LastSeq: &last, Pending: &pending, Throttled: &throttled}
		for _, st := range s.sup.States() {
			resp.Modules = append(resp.Modules, moduleStatus{
				Name:     st.Name,
				Status:   st.Status.String(),
				Restarts: st.Restarts,
			})
		}
		return resp

	case "reset_cooldown":
		if req.AlertType == "" {
			return response{OK: false, Error: "alert_type required"}
		}
		s.debouncer.Reset(alert.Type(req.AlertType))
		return response{OK: true}

	case "flush":
		if err := s.agent.Flush(); err != nil {
			return response{OK: false, Error: err.Error()}
		}
		pending := s.agent.Pending()
		return response{OK: true, Pending: &pending}

	case "compact":
		removed, err := s.agent.Compact()
		if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true, Removed: &removed}

	default:
		return response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) reply(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
