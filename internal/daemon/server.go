package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thrashr888/agentkernel/internal/audit/policy"
	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/logger"
	"github.com/thrashr888/agentkernel/internal/pool"
	"github.com/thrashr888/agentkernel/internal/sandbox"
	"github.com/thrashr888/agentkernel/internal/validation"
)

// Server serves the control protocol: one goroutine per accepted
// connection, reading/writing newline-delimited JSON, backed by a
// shared Pool.
type Server struct {
	pool       *pool.Pool
	socketPath string

	// Probed once at construction: the backends this host can run and
	// the one used when a request omits an explicit backend tag.
	availableBackends []string
	defaultBackend    sandbox.Backend

	// Optional OCSF decision log; nil when no policy evaluator is
	// configured, in which case no decision entries are written.
	policyLog *policy.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	mu     sync.Mutex
	leases map[string]net.Conn // lease id -> owning connection, for disconnect-triggers-release
	conns  map[net.Conn]map[string]bool
}

// NewServer wires a Server to an already-constructed Pool. socketPath
// is resolved by ResolveSocketPath if the caller passes "".
func NewServer(p *pool.Pool, socketPath string) *Server {
	if socketPath == "" {
		socketPath = ResolveSocketPath()
	}
	var available []string
	for _, b := range sandbox.DetectBackends() {
		available = append(available, b.String())
	}
	return &Server{
		pool:              p,
		socketPath:        socketPath,
		availableBackends: available,
		defaultBackend:    sandbox.DefaultBackend(),
		shutdownCh:        make(chan struct{}),
		leases:            make(map[string]net.Conn),
		conns:             make(map[net.Conn]map[string]bool),
	}
}

// SetPolicyLogger enables the OCSF 3003 decision log: from then on,
// every lease/exec authorization gate writes exactly one Permit or
// Deny entry. Call before ListenAndServe.
func (s *Server) SetPolicyLogger(l *policy.Logger) { s.policyLog = l }

// ShutdownRequested is closed once a client sends the shutdown
// command, so the daemon entrypoint can exit its serve loop.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// ResolveSocketPath returns $HOME/.agentkernel/daemon.sock, falling
// back to /tmp/agentkernel-daemon.sock when HOME can't be resolved.
func ResolveSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/tmp/agentkernel-daemon.sock"
	}
	return filepath.Join(home, ".agentkernel", "daemon.sock")
}

// socketLive reports whether a live daemon already holds socketPath,
// by attempting to connect to it. Startup refuses to run if another
// daemon is already bound, and removes a stale socket file left
// behind by a crash.
func socketLive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ListenAndServe binds the Unix socket and serves connections until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if socketLive(s.socketPath) {
			return kernelerr.Conflictf("daemon already running at %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return kernelerr.Backendf(err, "failed to remove stale socket %s", s.socketPath)
		}
	}

	if dir := filepath.Dir(s.socketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return kernelerr.Backendf(err, "failed to create socket directory %s", dir)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return kernelerr.Backendf(err, "failed to listen on %s", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return kernelerr.Backendf(err, "failed to chmod socket %s", s.socketPath)
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				errCh <- err
				return
			}
			go s.handleConn(ctx, conn)
		}
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = make(map[string]bool)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		leases := s.conns[conn]
		delete(s.conns, conn)
		s.mu.Unlock()

		// Client disconnect with an outstanding lease destroys the
		// instance outright rather than returning it to Warm: the
		// client is gone, so nothing vouches for the instance's
		// state, and Warm is refilled by maintenance.
		for id := range leases {
			destroyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.pool.Destroy(destroyCtx, id)
			cancel()
		}
	}()

	// connCtx is canceled the moment the client goes away, so an
	// in-flight exec's subprocess is killed via CommandContext instead
	// of running to completion against a dead connection. The reader
	// goroutine is the only place that can observe the disconnect; it
	// blocks handing each line over, so requests are still processed
	// strictly in order, one response before the next request.
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	lines := make(chan string)
	go func() {
		reader := bufio.NewReader(conn)
		defer close(lines)
		defer cancelConn()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return // EOF or socket error: connection done
			}
			select {
			case lines <- line:
			case <-connCtx.Done():
				return
			}
		}
	}()

	writer := bufio.NewWriter(conn)

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}
		if len(trimNewline(line)) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			if writeErr := writeResponse(writer, errorResponse("invalid request: %v", err)); writeErr != nil {
				return
			}
			continue // parse errors keep the connection open
		}

		resp := s.dispatch(connCtx, conn, req)
		if err := writeResponse(writer, resp); err != nil {
			return
		}
		if req.Cmd == cmdShutdown {
			return
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, req Request) Response {
	switch req.Cmd {
	case cmdAcquire:
		return s.handleAcquire(ctx, conn, req)
	case cmdRelease:
		return s.handleRelease(ctx, conn, req)
	case cmdExec:
		return s.handleExec(ctx, req)
	case cmdPrewarm:
		return s.handlePrewarm(ctx, req)
	case cmdStatus:
		return s.handleStatus()
	case cmdShutdown:
		return s.handleShutdown()
	default:
		return errorResponse("unknown command %q", req.Cmd)
	}
}

// keyFromRequest validates req's runtime and backend tags before
// they ever reach the pool, so a malformed request never triggers a
// factory call, a subprocess, or a backend side effect. When a policy
// logger is configured, every gate decision — pass or fail — writes
// exactly one OCSF entry.
func (s *Server) keyFromRequest(req Request) (pool.Key, error) {
	start := time.Now()
	key, err := s.buildKey(req)
	s.logDecision(req, err, time.Since(start))
	return key, err
}

func (s *Server) buildKey(req Request) (pool.Key, error) {
	if err := validation.Runtime(req.Runtime); err != nil {
		return pool.Key{}, err
	}

	backend := s.defaultBackend
	if req.Backend != "" {
		b, ok := sandbox.ParseBackend(req.Backend)
		if !ok {
			return pool.Key{}, kernelerr.Validationf("unknown backend %q", req.Backend)
		}
		backend = b
	}
	return pool.Key{Backend: backend, Runtime: req.Runtime, CompatibilityMode: req.CompatibilityMode}, nil
}

func (s *Server) logDecision(req Request, gateErr error, evalTime time.Duration) {
	if s.policyLog == nil {
		return
	}
	effect := policy.Permit
	reason := ""
	if gateErr != nil {
		effect = policy.Deny
		reason = gateErr.Error()
	}
	entry := policy.NewDecisionLog(
		os.Getenv("USER"), req.Cmd, req.Runtime,
		effect, nil, evalTime.Microseconds(), "", reason)
	if err := s.policyLog.LogDecision(entry); err != nil {
		logger.Warn("failed to write policy decision", "error", err)
	}
}

func (s *Server) handleAcquire(ctx context.Context, conn net.Conn, req Request) Response {
	key, err := s.keyFromRequest(req)
	if err != nil {
		return errorResponse("%v", err)
	}
	handle, err := s.pool.Acquire(ctx, key)
	if err != nil {
		return errorResponse("%v", err)
	}

	s.mu.Lock()
	if s.conns[conn] == nil {
		s.conns[conn] = make(map[string]bool)
	}
	s.conns[conn][handle.ID] = true
	s.leases[handle.ID] = conn
	s.mu.Unlock()

	resp := Response{Type: respAcquired, ID: handle.ID, Backend: handle.Backend.String()}
	if handle.Backend == sandbox.BackendMicroVM {
		cid := handle.CID
		resp.CID = &cid
		resp.VsockPath = handle.VsockPath
	}
	return resp
}

func (s *Server) handleRelease(ctx context.Context, conn net.Conn, req Request) Response {
	if req.ID == "" {
		return errorResponse("release requires id")
	}
	if err := s.pool.Release(ctx, req.ID); err != nil {
		return errorResponse("%v", err)
	}

	s.mu.Lock()
	delete(s.leases, req.ID)
	if leases, ok := s.conns[conn]; ok {
		delete(leases, req.ID)
	}
	s.mu.Unlock()

	return Response{Type: respReleased}
}

func (s *Server) handleExec(ctx context.Context, req Request) Response {
	if len(req.Command) == 0 {
		return errorResponse("exec requires a non-empty command")
	}
	key, err := s.keyFromRequest(req)
	if err != nil {
		return errorResponse("%v", err)
	}
	result, err := s.pool.Exec(ctx, key, req.Command)
	if err != nil {
		return errorResponse("%v", err)
	}
	return Response{Type: respExecuted, ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
}

// handlePrewarm boots warm instances under the requested
// compatibility mode. The wire protocol carries no runtime for
// prewarm, so the base runtime is used; the point of prewarming is
// that an agent's first Acquire pays no boot cost, and agents start
// from the base environment.
func (s *Server) handlePrewarm(ctx context.Context, req Request) Response {
	key := pool.Key{Backend: s.defaultBackend, Runtime: "base", CompatibilityMode: req.CompatibilityMode}
	if req.Backend != "" {
		b, ok := sandbox.ParseBackend(req.Backend)
		if !ok {
			return errorResponse("unknown backend %q", req.Backend)
		}
		key.Backend = b
	}
	count, err := s.pool.Prewarm(ctx, key, 1)
	if err != nil {
		return errorResponse("%v", err)
	}
	return Response{Type: respPrewarmed, CompatibilityMode: req.CompatibilityMode, Count: count}
}

func (s *Server) handleStatus() Response {
	status := s.pool.Status()
	return Response{
		Type:       respStatus,
		Warm:       status.Warm,
		InUse:      status.InUse,
		MinWarm:    status.MinWarm,
		MaxWarm:    status.MaxWarm,
		Backends:   s.availableBackends,
		AgentStats: status.AgentStats,
	}
}

func (s *Server) handleShutdown() Response {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.pool.Shutdown(ctx, 15*time.Second)
		logger.Info("pool shutdown complete after daemon shutdown request")
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	}()
	return Response{Type: respShuttingDown}
}
