// Package supervisor spawns and reaps backend child processes. It owns the
// PID map and the per-session circuit breakers; the launcher holds only
// references to the handles it gets back.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SpawnSpec describes a child process to launch. Adapters build these via
// their BuildSpawnArgs methods so the supervisor stays backend-agnostic.
type SpawnSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string // KEY=VALUE pairs appended to the parent environment
}

// Handle tracks a spawned child.
type Handle struct {
	PID int

	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	mu       sync.Mutex
	exitCode *int
	exited   chan struct{}
}

// Exited returns a channel closed when the process has exited.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitCode returns the exit code, or nil while the process is running.
func (h *Handle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Kill sends a signal to the process. Best-effort.
func (h *Handle) Kill(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

// Supervisor spawns children and escalates kills. One per launcher.
type Supervisor struct {
	logger    *slog.Logger
	killGrace time.Duration
	probation time.Duration

	mu       sync.Mutex
	procs    map[string]*Handle
	breakers map[string]*Breaker
}

// New creates a supervisor. killGrace is the SIGTERM→SIGKILL escalation
// delay; zero means the 5 s default.
func New(logger *slog.Logger, killGrace time.Duration) *Supervisor {
	if killGrace == 0 {
		killGrace = 5 * time.Second
	}
	return &Supervisor{
		logger:    logger.With("component", "supervisor"),
		killGrace: killGrace,
		probation: 2 * time.Second,
		procs:     make(map[string]*Handle),
		breakers:  make(map[string]*Breaker),
	}
}

// Breaker returns the session's breaker, creating it on first use.
func (s *Supervisor) Breaker(sessionID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[sessionID]
	if !ok {
		b = NewBreaker()
		s.breakers[sessionID] = b
	}
	return b
}

// Process returns the handle for a session, if one is running.
func (s *Supervisor) Process(sessionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[sessionID]
	return h, ok
}

// SpawnProcess launches a child for the session. A spawn refused by an open
// breaker fails fast with ErrCircuitOpen. Spawn errors and immediate
// non-zero exits inside the probation window count as breaker failures.
func (s *Supervisor) SpawnProcess(sessionID string, spec SpawnSpec, label string) (*Handle, error) {
	breaker := s.Breaker(sessionID)
	if err := breaker.Allow(); err != nil {
		s.logger.Warn("spawn refused by circuit breaker", "session_id", sessionID, "label", label)
		return nil, err
	}

	// Replace any prior child for this session.
	if prior, ok := s.Process(sessionID); ok {
		s.logger.Warn("spawn replacing running process", "session_id", sessionID, "pid", prior.PID)
		if err := s.KillProcess(sessionID); err != nil {
			s.logger.Warn("kill prior process failed", "session_id", sessionID, "error", err)
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("start %s: %w", label, err)
	}

	h := &Handle{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
		exited: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[sessionID] = h
	s.mu.Unlock()

	started := time.Now()
	go func() {
		waitErr := cmd.Wait()

		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if waitErr != nil {
			code = 1
		}
		h.mu.Lock()
		h.exitCode = &code
		h.mu.Unlock()

		// Breaker accounting happens before the exited channel closes so
		// anyone woken by Exited() sees the updated state.
		if time.Since(started) < s.probation && code != 0 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		close(h.exited)

		s.mu.Lock()
		if current, ok := s.procs[sessionID]; ok && current == h {
			delete(s.procs, sessionID)
		}
		s.mu.Unlock()

		s.logger.Info("process exited", "session_id", sessionID, "label", label,
			"pid", h.PID, "exit_code", code)
	}()

	s.logger.Info("process spawned", "session_id", sessionID, "label", label,
		"pid", h.PID, "command", spec.Command)
	return h, nil
}

// KillProcess terminates the session's child: SIGTERM, then SIGKILL after
// the grace period. It returns once the process has actually exited.
// Calling it with no running process is a no-op.
func (s *Supervisor) KillProcess(sessionID string) error {
	s.mu.Lock()
	h, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := h.Kill(syscall.SIGTERM); err != nil {
		s.logger.Debug("sigterm failed", "session_id", sessionID, "error", err)
	}

	select {
	case <-h.Exited():
		return nil
	case <-time.After(s.killGrace):
	}

	s.logger.Warn("kill escalating to SIGKILL", "session_id", sessionID, "pid", h.PID)
	if err := h.Kill(syscall.SIGKILL); err != nil {
		s.logger.Debug("sigkill failed", "session_id", sessionID, "error", err)
	}
	<-h.Exited()
	return nil
}

// KillAll terminates every tracked child.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.KillProcess(id); err != nil {
			s.logger.Warn("kill failed", "session_id", id, "error", err)
		}
	}
}
