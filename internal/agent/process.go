package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
)

const (
	// maxScanTokenSize bounds a single JSON-RPC line from the agent. Large
	// tool outputs can produce long lines, so this is generous.
	maxScanTokenSize = 1024 * 1024

	// killGrace is how long a process gets after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
)

// Status is the lifecycle state of an agent subprocess.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// MessageHandler receives every JSON-RPC message read from a subprocess's
// stdout. The session id passed is the one current at the moment the line
// arrived, so handlers keep working across a session-id migration.
type MessageHandler func(sessionID string, msg *Message)

// Hooks are per-process callbacks for out-of-band events.
type Hooks struct {
	// OnStderr fires for each stderr line that matches a known provider
	// failure shape. Unmatched lines are logged only.
	OnStderr func(sessionID string, match StderrMatch)

	// OnExit fires once when the process is reaped, after its tables have
	// been cleared. exitCode is -1 when the process died on a signal.
	OnExit func(sessionID string, exitCode int, clean bool)
}

// process is one live agent subprocess keyed by its session id.
type process struct {
	mu        sync.Mutex
	sessionID string
	status    Status
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	hooks     Hooks
	done      chan struct{} // closed once the process has been reaped
	readers   sync.WaitGroup
}

func (p *process) currentSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *process) setSessionID(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

func (p *process) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Supervisor owns the agent subprocesses, one per session. It routes stdout
// lines to the registered handler, classifies stderr, and reaps exits.
type Supervisor struct {
	mu       sync.RWMutex
	procs    map[string]*process
	handlers map[string]MessageHandler
	binPath  string
	log      *slog.Logger
}

// NewSupervisor creates a supervisor. binOverride, when non-empty, skips
// binary discovery.
func NewSupervisor(binOverride string) *Supervisor {
	return &Supervisor{
		procs:    make(map[string]*process),
		handlers: make(map[string]MessageHandler),
		binPath:  DiscoverBinary(binOverride),
		log:      logger.Component("supervisor"),
	}
}

// BinPath reports the resolved agent binary path.
func (s *Supervisor) BinPath() string { return s.binPath }

// Spawn starts an agent subprocess for the given session. cwd and model are
// optional; when set they are passed as flags. The caller must register a
// message handler before sending any request that expects a response.
func (s *Supervisor) Spawn(sessionID, cwd, model string) error {
	s.mu.Lock()
	if _, exists := s.procs[sessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session %s already has a process", sessionID)
	}
	s.mu.Unlock()

	args := []string{"acp", "--print-logs"}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.Command(s.binPath, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting agent process: %w", err)
	}

	p := &process{
		sessionID: sessionID,
		status:    StatusInitializing,
		cmd:       cmd,
		stdin:     stdin,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	metrics.AgentProcessesSpawned.Inc()
	s.log.Info("agent process started",
		"session_id", sessionID, "pid", cmd.Process.Pid, "bin", s.binPath)

	p.readers.Add(2)
	go func() {
		defer p.readers.Done()
		s.readStdout(p, stdout)
	}()
	go func() {
		defer p.readers.Done()
		s.readStderr(p, stderr)
	}()
	go s.reap(p)

	return nil
}

// SetHooks installs the out-of-band callbacks for a session's process.
func (s *Supervisor) SetHooks(sessionID string, hooks Hooks) {
	s.mu.RLock()
	p := s.procs[sessionID]
	s.mu.RUnlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	p.hooks = hooks
	p.mu.Unlock()
}

// RegisterHandler installs the stdout message handler for a session.
func (s *Supervisor) RegisterHandler(sessionID string, h MessageHandler) {
	s.mu.Lock()
	s.handlers[sessionID] = h
	s.mu.Unlock()
}

// UnregisterHandler removes the stdout message handler for a session.
func (s *Supervisor) UnregisterHandler(sessionID string) {
	s.mu.Lock()
	delete(s.handlers, sessionID)
	s.mu.Unlock()
}

// SetStatus updates the lifecycle status of a session's process.
func (s *Supervisor) SetStatus(sessionID string, status Status) {
	s.mu.RLock()
	p := s.procs[sessionID]
	s.mu.RUnlock()
	if p != nil {
		p.setStatus(status)
	}
}

// Send marshals a message and writes it as one newline-terminated line to
// the process's stdin.
func (s *Supervisor) Send(sessionID string, msg *Message) error {
	s.mu.RLock()
	p := s.procs[sessionID]
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("no process for session %s", sessionID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("process for session %s has no stdin", sessionID)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}

// Migrate rekeys a process and its handler from oldID to newID. The process
// itself learns its new id, so lines that arrive after this point are routed
// under the new key.
func (s *Supervisor) Migrate(oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[oldID]
	if !ok {
		return fmt.Errorf("no process for session %s", oldID)
	}
	if _, taken := s.procs[newID]; taken {
		return fmt.Errorf("session %s already has a process", newID)
	}

	delete(s.procs, oldID)
	s.procs[newID] = p
	if h, ok := s.handlers[oldID]; ok {
		delete(s.handlers, oldID)
		s.handlers[newID] = h
	}
	p.setSessionID(newID)

	s.log.Debug("process migrated", "old_session_id", oldID, "new_session_id", newID)
	return nil
}

// Kill terminates a session's process: SIGTERM, then SIGKILL after a grace
// period. It blocks until the process has been reaped. Killing an unknown
// session is a no-op.
func (s *Supervisor) Kill(sessionID string) {
	s.mu.RLock()
	p := s.procs[sessionID]
	s.mu.RUnlock()
	if p == nil {
		return
	}

	p.setStatus(StatusClosed)

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return
		case <-time.After(killGrace):
			s.log.Warn("agent process ignored SIGTERM, killing",
				"session_id", sessionID, "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
	}
	<-p.done
}

// Count reports the number of live processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}

// Shutdown kills every live process. Used on server shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Kill(id)
		}(id)
	}
	wg.Wait()
}

// readStdout consumes newline-delimited JSON-RPC messages and routes each to
// the handler registered for the process's session id at arrival time.
func (s *Supervisor) readStdout(p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("dropping unparseable agent output",
				"session_id", p.currentSessionID(), "error", err)
			continue
		}

		sid := p.currentSessionID()
		s.mu.RLock()
		h := s.handlers[sid]
		s.mu.RUnlock()
		if h == nil {
			s.log.Warn("no handler for agent message",
				"session_id", sid, "method", msg.Method)
			continue
		}
		h(sid, &msg)
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("agent stdout closed", "session_id", p.currentSessionID(), "error", err)
	}
}

// readStderr logs each stderr line and fires OnStderr for recognized
// provider failures.
func (s *Supervisor) readStderr(p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		sid := p.currentSessionID()
		s.log.Debug("agent stderr", "session_id", sid, "line", line)

		match, ok := ClassifyStderr(line)
		if !ok {
			continue
		}
		metrics.StderrErrors.WithLabelValues(string(match.Kind)).Inc()

		p.mu.Lock()
		onStderr := p.hooks.OnStderr
		p.mu.Unlock()
		if onStderr != nil {
			onStderr(sid, match)
		}
	}
}

// reap waits for the readers to drain and the process to exit, clears the
// session's tables, and fires OnExit.
func (s *Supervisor) reap(p *process) {
	p.readers.Wait()

	exitCode := 0
	if p.cmd != nil {
		if err := p.cmd.Wait(); err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
	}
	clean := exitCode == 0

	sid := p.currentSessionID()
	s.mu.Lock()
	delete(s.procs, sid)
	delete(s.handlers, sid)
	s.mu.Unlock()

	p.setStatus(StatusClosed)
	metrics.RecordProcessExit(clean)
	s.log.Info("agent process exited", "session_id", sid, "exit_code", exitCode, "clean", clean)

	p.mu.Lock()
	onExit := p.hooks.OnExit
	p.mu.Unlock()

	close(p.done)

	if onExit != nil {
		onExit(sid, exitCode, clean)
	}
}
