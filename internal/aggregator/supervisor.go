package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shopscout/shopscout/internal/metrics"
)

// State is the supervisor's lifecycle state. Transitions are explicit:
//
//	Stopped -> Starting -> Healthy <-> Degraded -> Restarting -> Starting
//	any state -> Stopped (via Stop or restart budget exhaustion)
type State int

const (
	StateStopped State = iota
	StateStarting
	StateHealthy
	StateDegraded
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// ErrRestartBudgetExhausted is returned once the supervisor gives up
// restarting the sidecar. The orchestrator treats the aggregator
// source as disabled from then on.
var ErrRestartBudgetExhausted = errors.New("aggregator: restart budget exhausted")

// HealthChecker reports how many engines the sidecar has initialized.
// *Client satisfies this.
type HealthChecker interface {
	Health(ctx context.Context) (int, error)
}

// SupervisorConfig controls sidecar lifecycle management.
type SupervisorConfig struct {
	Command        []string // argv of the sidecar process
	Health         HealthChecker
	MinEngines     int           // engines required to call the sidecar healthy
	StartupTimeout time.Duration // how long a fresh process may take to pass health
	Interval       time.Duration // steady-state health check period
	GracePeriod    time.Duration // SIGTERM to SIGKILL window
	MaxRestarts    int           // consecutive failed restarts before giving up
	Logger         *slog.Logger
}

// Supervisor owns the aggregator sidecar process: it starts it, health
// checks it, restarts it on crash or persistent unhealth, and stops
// escalating after MaxRestarts consecutive failures.
type Supervisor struct {
	cfg SupervisorConfig

	mu         sync.Mutex
	state      State
	restarts   int
	cmd        *exec.Cmd
	exited     chan error
	lastErr    error
	monitoring bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSupervisor creates a supervisor. Call Start to launch the sidecar.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("aggregator: supervisor requires a command")
	}
	if cfg.Health == nil {
		return nil, errors.New("aggregator: supervisor requires a health checker")
	}
	if cfg.MinEngines <= 0 {
		cfg.MinEngines = 1
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "supervisor")

	return &Supervisor{
		cfg:   cfg,
		state: StateStopped,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the supervisor has given up.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start launches the sidecar and blocks until it passes its first
// health check or the startup timeout elapses. On success a monitor
// goroutine keeps watching the process until Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("aggregator: cannot start from state %s", s.state)
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	if err := s.launch(); err != nil {
		s.transition(StateStopped, err)
		return err
	}

	if err := s.awaitHealthy(ctx); err != nil {
		s.terminate()
		s.transition(StateStopped, err)
		return err
	}

	s.transition(StateHealthy, nil)
	s.resetRestarts()

	s.mu.Lock()
	s.monitoring = true
	s.mu.Unlock()
	go s.monitor()
	return nil
}

// Stop terminates the sidecar: SIGTERM first, SIGKILL after the grace
// period. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	running := s.monitoring
	s.mu.Unlock()
	if running {
		<-s.done
	}
}

func (s *Supervisor) launch() error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("aggregator: failed to start sidecar: %w", err)
	}

	// Closed after the exit status is delivered so that later receives
	// (terminate after the monitor already saw the exit) do not block.
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.mu.Unlock()

	s.cfg.Logger.Info("sidecar started", "pid", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ready, err := s.cfg.Health.Health(checkCtx)
		cancel()

		if err == nil && ready >= s.cfg.MinEngines {
			s.cfg.Logger.Info("sidecar healthy", "engines", ready)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("aggregator: sidecar not healthy after %s", s.cfg.StartupTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("aggregator: %w", ctx.Err())
		case <-s.stop:
			return errors.New("aggregator: stopped during startup")
		}
	}
}

func (s *Supervisor) monitor() {
	defer close(s.done)
	defer func() {
		s.terminate()
		s.transitionIfNotTerminal(StateStopped)
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()

		select {
		case <-s.stop:
			return

		case err := <-exited:
			s.cfg.Logger.Warn("sidecar exited", "error", err)
			if !s.restart() {
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ready, err := s.cfg.Health.Health(ctx)
			cancel()

			if err != nil || ready < s.cfg.MinEngines {
				s.cfg.Logger.Warn("sidecar unhealthy", "engines", ready, "error", err)
				s.transition(StateDegraded, nil)
				if !s.restart() {
					return
				}
				continue
			}

			// A passing check forgives past failures.
			s.transition(StateHealthy, nil)
			s.resetRestarts()
		}
	}
}

// restart tears down the current process and launches a new one.
// Returns false once the restart budget is exhausted.
func (s *Supervisor) restart() bool {
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if attempt > s.cfg.MaxRestarts {
		s.cfg.Logger.Error("giving up on sidecar", "restarts", attempt-1)
		s.transition(StateStopped, ErrRestartBudgetExhausted)
		return false
	}

	s.transition(StateRestarting, nil)
	metrics.AggregatorRestarts.Inc()
	s.cfg.Logger.Info("restarting sidecar", "attempt", attempt, "max", s.cfg.MaxRestarts)

	s.terminate()
	if err := s.launch(); err != nil {
		s.cfg.Logger.Error("relaunch failed", "error", err)
		return s.restart()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	err := s.awaitHealthy(ctx)
	cancel()
	if err != nil {
		s.cfg.Logger.Error("restarted sidecar never became healthy", "error", err)
		return s.restart()
	}

	// The restart counter is not forgiven here; forgiveness waits for a
	// passing steady-state check, so a sidecar that keeps crashing
	// faster than the health interval still exhausts the budget.
	s.transition(StateHealthy, nil)
	return true
}

// terminate stops the current process: SIGTERM, then SIGKILL after the
// grace period.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(s.cfg.GracePeriod):
		s.cfg.Logger.Warn("sidecar ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exited
	}
}

func (s *Supervisor) transition(next State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next && err == nil {
		return
	}
	s.cfg.Logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
	if err != nil {
		s.lastErr = err
	}
}

func (s *Supervisor) transitionIfNotTerminal(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.state = next
	}
}

func (s *Supervisor) resetRestarts() {
	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next State) {
	s.state = next
}
