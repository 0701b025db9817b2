// Package notebook supervises the local Jupyter notebook server as a
// managed child process: launch on a free port, periodic health checks,
// bounded restarts, and explicit termination on every shutdown path.
package notebook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// HealthState is the supervisor's view of the notebook process.
type HealthState string

const (
	// StateStarting means the process is launched but not yet serving.
	StateStarting HealthState = "starting"
	// StateReady means the health probe succeeds.
	StateReady HealthState = "ready"
	// StateUnresponsive means consecutive health probes failed.
	StateUnresponsive HealthState = "unresponsive"
	// StateStopped means the process is not running.
	StateStopped HealthState = "stopped"
)

// consecutiveFailures is how many probe failures in a row mark the
// process unresponsive.
const consecutiveFailures = 3

// LaunchError indicates the notebook process could not be started. The
// controller retries a small fixed number of times, then reports a
// persistent fault while the rest of the agent keeps running.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch notebook: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Fault is a persistent-fault notification delivered to the controller
// when the notebook fails repeatedly within the fault window.
type Fault struct {
	At     time.Time
	Reason string
}

// Config holds the supervisor tunables.
type Config struct {
	// Command is the notebook server invocation; the chosen port is
	// appended via --port.
	Command []string
	// ReadyTimeout bounds how long a fresh process may take to serve.
	ReadyTimeout time.Duration
	// ProbeInterval is the poll spacing while waiting for readiness.
	ProbeInterval time.Duration
	// HealthInterval is the steady-state health poll spacing.
	HealthInterval time.Duration
	// LaunchRetries is how many launch attempts are made before giving up.
	LaunchRetries int
	// FaultWindow is the span within which a second unresponsive episode
	// counts as a persistent fault.
	FaultWindow time.Duration
}

// DefaultConfig returns the stock notebook supervision settings.
func DefaultConfig() Config {
	return Config{
		Command: []string{
			"jupyter", "notebook",
			"--no-browser",
			"--ip", "127.0.0.1",
			"--ServerApp.token=",
			"--ServerApp.password=",
		},
		ReadyTimeout:   30 * time.Second,
		ProbeInterval:  500 * time.Millisecond,
		HealthInterval: 10 * time.Second,
		LaunchRetries:  3,
		FaultWindow:    5 * time.Minute,
	}
}

// Supervisor owns the notebook process handle. One instance per agent.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       HealthState
	port        int
	cmd         *exec.Cmd
	exited      chan error
	lastEpisode time.Time

	faults chan Fault

	// launch and probe are replaced in tests.
	launch func(port int) (*exec.Cmd, error)
	probe  func(ctx context.Context, port int) error
}

// New creates a supervisor; the process is not started until Start.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: logger.With().Str("component", "notebook_supervisor").Logger(),
		state:  StateStopped,
		faults: make(chan Fault, 1),
	}
	s.launch = s.launchCommand
	s.probe = probeHTTP
	return s
}

// State returns the current health state.
func (s *Supervisor) State() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the locally chosen notebook port (0 before Start).
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Faults delivers persistent-fault notifications. The channel is buffered;
// an undelivered notification is dropped rather than blocking supervision.
func (s *Supervisor) Faults() <-chan Fault {
	return s.faults
}

// Start launches the notebook on a free local port and waits until it
// serves. Launch failures are retried up to LaunchRetries times; the last
// failure is returned as *LaunchError.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	port, err := freePort()
	if err != nil {
		return 0, &LaunchError{Err: err}
	}

	var lastErr error
	attempts := s.cfg.LaunchRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.startOnce(ctx, port); err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("notebook launch failed")
			continue
		}
		s.logger.Info().Int("port", port).Msg("notebook ready")
		return port, nil
	}
	return 0, &LaunchError{Err: lastErr}
}

// startOnce launches the process on port and waits for readiness.
func (s *Supervisor) startOnce(ctx context.Context, port int) error {
	cmd, err := s.launch(port)
	if err != nil {
		return err
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.port = port
	s.state = StateStarting
	s.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		probeCtx, probeCancel := context.WithTimeout(readyCtx, s.cfg.ProbeInterval*4)
		err := s.probe(probeCtx, port)
		probeCancel()
		if err == nil {
			s.setState(StateReady)
			return nil
		}

		select {
		case waitErr := <-exited:
			s.setState(StateStopped)
			return fmt.Errorf("notebook exited during startup: %v", waitErr)
		case <-readyCtx.Done():
			s.terminate(2 * time.Second)
			return fmt.Errorf("notebook not serving within %s", s.cfg.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// Run polls health until ctx is cancelled. Three consecutive probe
// failures (or an unexpected process exit) begin an unresponsive episode:
// the process is restarted once, and a second episode inside FaultWindow
// is reported as a persistent fault while supervision continues.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case waitErr := <-exited:
			s.logger.Warn().AnErr("wait_err", waitErr).Msg("notebook process exited unexpectedly")
			failures = 0
			s.episode(ctx, "process exited")
		case <-ticker.C:
			if s.State() != StateReady {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
			err := s.probe(probeCtx, s.Port())
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			s.logger.Debug().Err(err).Int("consecutive", failures).Msg("notebook health check failed")
			if failures >= consecutiveFailures {
				failures = 0
				s.episode(ctx, "health checks failing")
			}
		}
	}
}

// episode handles one unresponsive episode: state transition, a single
// restart attempt on the same port, and persistent-fault escalation when
// episodes cluster inside the fault window.
func (s *Supervisor) episode(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	s.setState(StateUnresponsive)

	now := time.Now()
	s.mu.Lock()
	persistent := !s.lastEpisode.IsZero() && now.Sub(s.lastEpisode) <= s.cfg.FaultWindow
	s.lastEpisode = now
	port := s.port
	s.mu.Unlock()

	s.terminate(2 * time.Second)

	if err := s.startOnce(ctx, port); err != nil {
		s.logger.Error().Err(err).Msg("notebook restart failed")
		persistent = true
	} else {
		s.logger.Info().Int("port", port).Str("reason", reason).Msg("notebook restarted")
	}

	if persistent {
		select {
		case s.faults <- Fault{At: now, Reason: reason}:
		default:
		}
	}
}

// Stop terminates the notebook: a termination signal, a wait of up to
// grace, then a hard kill. Safe to call on every shutdown path, including
// after fatal errors elsewhere, and safe to call more than once.
func (s *Supervisor) Stop(grace time.Duration) {
	s.terminate(grace)
	s.setState(StateStopped)
}

func (s *Supervisor) terminate(grace time.Duration) {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug().Err(err).Msg("notebook signal failed, killing")
		_ = cmd.Process.Kill()
		return
	}

	select {
	case <-exited:
		s.logger.Debug().Msg("notebook exited within grace period")
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("notebook did not exit in time, killing")
		_ = cmd.Process.Kill()
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Supervisor) setState(st HealthState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// launchCommand starts the configured notebook command with --port.
func (s *Supervisor) launchCommand(port int) (*exec.Cmd, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("notebook command not configured")
	}
	args := append(append([]string{}, s.cfg.Command[1:]...), "--port", strconv.Itoa(port))
	cmd := exec.Command(s.cfg.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s.logger.Info().Int("pid", cmd.Process.Pid).Int("port", port).Msg("notebook process started")
	return cmd, nil
}

// probeHTTP checks the Jupyter status endpoint.
func probeHTTP(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/api/status", port), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// freePort asks the kernel for an unused loopback port. The notebook is
// never bound to a fixed well-known port, so several agents can share a
// host without colliding.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("pick free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
