// Package agent contains the controller that sequences the device agent's
// lifecycle: registration, notebook startup, tunnel establishment, and the
// metrics loops, plus recovery and graceful shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlab-ai/unitlab-agent/internal/config"
	"github.com/unitlab-ai/unitlab-agent/internal/identity"
	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
	"github.com/unitlab-ai/unitlab-agent/internal/notebook"
	"github.com/unitlab-ai/unitlab-agent/internal/platform"
	"github.com/unitlab-ai/unitlab-agent/internal/retry"
	"github.com/unitlab-ai/unitlab-agent/internal/statusapi"
	"github.com/unitlab-ai/unitlab-agent/internal/tunnel"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateRegistering      State = "registering"
	StateStartingNotebook State = "starting_notebook"
	StateOpeningTunnel    State = "opening_tunnel"
	StateRunning          State = "running"
	StateRecovering       State = "recovering"
	StateShuttingDown     State = "shutting_down"
	StateStopped          State = "stopped"
)

// PlatformClient is the platform API surface the controller drives.
type PlatformClient interface {
	Register(ctx context.Context, id identity.Identity, hostname, version string) (*platform.Registration, error)
	PushMetrics(ctx context.Context, reg *platform.Registration, samples []metrics.Sample) error
	NotifyOffline(ctx context.Context, reg *platform.Registration) error
}

// NotebookSupervisor is the notebook process surface. *notebook.Supervisor
// satisfies it.
type NotebookSupervisor interface {
	Start(ctx context.Context) (int, error)
	Run(ctx context.Context)
	Stop(grace time.Duration)
	State() notebook.HealthState
	Faults() <-chan notebook.Fault
}

// TunnelManager is one tunnel's lifecycle. A manager is single-use; the
// controller builds a fresh one for every open.
type TunnelManager interface {
	Open(ctx context.Context, reg *platform.Registration, ingresses []tunnel.Ingress) error
	Run(ctx context.Context) error
	Close()
	State() tunnel.State
	States() <-chan tunnel.State
}

// Sampler feeds the metric queue. *metrics.Collector satisfies it.
type Sampler interface {
	Run(ctx context.Context, q *metrics.Queue, interval, timeout time.Duration, onSample func(metrics.Sample))
}

// StatusServer is the local status API. *statusapi.Server satisfies it.
type StatusServer interface {
	Start(addr string) error
	Port() int
	Shutdown(ctx context.Context) error
	ObserveSample(s metrics.Sample, queueDepth int, dropped uint64)
}

// Options wires a Controller's collaborators.
type Options struct {
	Config    *config.AgentConfig
	Identity  identity.Identity
	Version   string
	Client    PlatformClient
	Notebook  NotebookSupervisor
	NewTunnel func() TunnelManager
	Sampler   Sampler
	Status    StatusServer
	Logger    zerolog.Logger
}

// Controller owns the agent's top-level state machine.
type Controller struct {
	cfg      *config.AgentConfig
	id       identity.Identity
	version  string
	client   PlatformClient
	notebook NotebookSupervisor
	newTun   func() TunnelManager
	sampler  Sampler
	status   StatusServer
	logger   zerolog.Logger

	queue    *metrics.Queue
	reporter *metrics.Reporter

	// reg has a single writer (the run loop); readers take the lock.
	mu         sync.RWMutex
	state      State
	reg        *platform.Registration
	liveTun    TunnelManager
	lastSample metrics.Sample
	degraded   bool
}

// New assembles a controller from its collaborators.
func New(opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		id:       opts.Identity,
		version:  opts.Version,
		client:   opts.Client,
		notebook: opts.Notebook,
		newTun:   opts.NewTunnel,
		sampler:  opts.Sampler,
		status:   opts.Status,
		logger:   opts.Logger.With().Str("component", "controller").Logger(),
		state:    StateIdle,
	}
	c.queue = metrics.NewQueue(opts.Config.Tunables.QueueSize)
	c.reporter = metrics.NewReporter(c.queue, &sessionPusher{c: c}, metrics.ReporterConfig{
		Interval:    opts.Config.Tunables.ReportInterval,
		PushTimeout: opts.Config.Tunables.PushTimeout,
	}, opts.Logger)
	return c
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Degraded reports whether a persistent notebook fault has been recorded.
func (c *Controller) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Snapshot renders the controller's view for the status API.
func (c *Controller) Snapshot() statusapi.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := statusapi.Snapshot{
		DeviceID:      c.id.DeviceID,
		AgentState:    string(c.state),
		NotebookState: string(c.notebook.State()),
		Sample:        c.lastSample,
		QueueDepth:    c.queue.Len(),
		Dropped:       c.queue.Dropped(),
	}
	if c.liveTun != nil {
		snap.TunnelState = string(c.liveTun.State())
	}
	return snap
}

// Run drives the agent until ctx is cancelled or a fatal error occurs.
// Cleanup (tunnel close, notebook stop, offline notification) runs on every
// exit path. A nil return means a clean operator-initiated shutdown.
func (c *Controller) Run(ctx context.Context) error {
	var tun TunnelManager
	defer func() {
		c.shutdown(tun)
	}()

	// Registration.
	c.setState(StateRegistering)
	reg, err := c.register(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("registration failed: %w", err)
	}
	c.setRegistration(reg)
	c.logger.Info().
		Str("device_id", reg.DeviceID).
		Str("tunnel_endpoint", reg.TunnelEndpoint).
		Time("expires_at", reg.ExpiresAt).
		Msg("registered with platform")

	// Notebook. A launch failure is a persistent fault, not a fatal error:
	// telemetry and the status API stay useful without it.
	c.setState(StateStartingNotebook)
	notebookPort := 0
	if port, err := c.notebook.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error().Err(err).Msg("notebook failed to start, continuing without it")
		c.setDegraded()
	} else {
		notebookPort = port
		go c.notebook.Run(ctx)
	}

	// Local status API. Loopback only; exposed through the tunnel.
	if err := c.status.Start(c.cfg.Tunables.StatusAddr); err != nil {
		c.logger.Warn().Err(err).Msg("status api failed to start")
	}

	// Tunnel.
	c.setState(StateOpeningTunnel)
	ingresses := c.ingresses(notebookPort)
	tun, err = c.openTunnel(ctx, ingresses, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	c.setLiveTun(tun)

	// Metrics loops.
	go c.sampler.Run(ctx, c.queue, c.cfg.Tunables.SampleInterval, c.cfg.Tunables.SampleTimeout, c.onSample)
	go c.reporter.Run(ctx)

	c.setState(StateRunning)
	c.logger.Info().Msg("agent running")

	// Steady state supervision.
	renew := time.NewTimer(c.renewDelay())
	defer renew.Stop()

	tunDone := make(chan error, 1)
	go func() { tunDone <- tun.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-tunDone:
			if err == nil {
				// Run only returns nil on cancellation or close.
				return nil
			}
			c.setState(StateRecovering)
			c.logger.Warn().Err(err).Msg("tunnel lost, re-registering")
			tun.Close()
			tun, err = c.recoverTunnel(ctx, ingresses)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.setLiveTun(tun)
			tunDone = make(chan error, 1)
			go func(t TunnelManager) { tunDone <- t.Run(ctx) }(tun)
			renew.Reset(c.renewDelay())
			c.setState(StateRunning)

		case <-renew.C:
			// The session is about to expire; the relay may also rotate, so
			// the tunnel is rebuilt against the fresh registration.
			c.setState(StateRecovering)
			c.logger.Info().Msg("session nearing expiry, re-registering")
			tun.Close()
			<-tunDone
			newTun, err := c.recoverTunnel(ctx, ingresses)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			tun = newTun
			c.setLiveTun(tun)
			tunDone = make(chan error, 1)
			go func(t TunnelManager) { tunDone <- t.Run(ctx) }(tun)
			renew.Reset(c.renewDelay())
			c.setState(StateRunning)

		case f := <-c.notebook.Faults():
			c.logger.Error().
				Time("at", f.At).
				Str("reason", f.Reason).
				Msg("notebook persistently faulting, reporting degraded status")
			c.setDegraded()
		}
	}
}

// register exchanges credentials for a session, retrying transient network
// failures under the configured backoff. Auth rejections are permanent.
func (c *Controller) register(ctx context.Context) (*platform.Registration, error) {
	r := retry.New(c.cfg.Tunables.RegisterBackoff, c.logger)
	var reg *platform.Registration
	err := r.Do(ctx, "register", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Tunables.RegisterTimeout)
		defer cancel()
		got, err := c.client.Register(attemptCtx, c.id, c.cfg.Hostname, c.version)
		if err != nil {
			if platform.IsAuth(err) {
				return retry.Permanent(err)
			}
			return err
		}
		reg = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// openTunnel builds a fresh manager and opens it. When the first open
// fails and allowReregister is set, exactly one re-registration is made
// before one more open; a second failure is fatal.
func (c *Controller) openTunnel(ctx context.Context, ingresses []tunnel.Ingress, allowReregister bool) (TunnelManager, error) {
	tun := c.newTun()
	err := tun.Open(ctx, c.registration(), ingresses)
	if err == nil {
		return tun, nil
	}
	tun.Close()
	if !allowReregister || ctx.Err() != nil {
		return nil, fmt.Errorf("tunnel open failed: %w", err)
	}

	c.logger.Warn().Err(err).Msg("tunnel open failed, re-registering once")
	reg, regErr := c.register(ctx)
	if regErr != nil {
		return nil, fmt.Errorf("re-registration after tunnel failure: %w", regErr)
	}
	c.setRegistration(reg)

	tun = c.newTun()
	if err := tun.Open(ctx, reg, ingresses); err != nil {
		tun.Close()
		return nil, fmt.Errorf("tunnel open failed after re-registration: %w", err)
	}
	return tun, nil
}

// recoverTunnel is the escalation path out of a lost tunnel: one
// re-registration, then one fresh open.
func (c *Controller) recoverTunnel(ctx context.Context, ingresses []tunnel.Ingress) (TunnelManager, error) {
	reg, err := c.register(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-registration during recovery: %w", err)
	}
	c.setRegistration(reg)

	tun := c.newTun()
	if err := tun.Open(ctx, reg, ingresses); err != nil {
		tun.Close()
		return nil, fmt.Errorf("tunnel reopen during recovery: %w", err)
	}
	return tun, nil
}

// ingresses lists the local ports exposed through the relay.
func (c *Controller) ingresses(notebookPort int) []tunnel.Ingress {
	var out []tunnel.Ingress
	if notebookPort > 0 {
		out = append(out, tunnel.Ingress{Name: "notebook", LocalPort: notebookPort})
	}
	if port := c.status.Port(); port > 0 {
		out = append(out, tunnel.Ingress{Name: "agent-api", LocalPort: port})
	}
	if c.cfg.Tunables.ExposeSSH {
		port := c.cfg.Tunables.SSHPort
		if port == 0 {
			port = 22
		}
		out = append(out, tunnel.Ingress{Name: "ssh", LocalPort: port})
	}
	return out
}

// watchTunnel logs the tunnel's state transitions. It exits when the
// manager closes its state stream.
func (c *Controller) watchTunnel(tun TunnelManager) {
	for s := range tun.States() {
		c.logger.Info().Str("tunnel_state", string(s)).Msg("tunnel state changed")
	}
}

// shutdown runs the teardown sequence on every exit path: tunnel close,
// notebook stop, a final metrics flush, and a best-effort offline
// notification that never blocks shutdown.
func (c *Controller) shutdown(tun TunnelManager) {
	c.setState(StateShuttingDown)
	grace := c.cfg.Tunables.ShutdownGrace

	if tun != nil {
		tun.Close()
	}
	c.notebook.Stop(grace)

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	c.reporter.Flush(ctx)

	if reg := c.registration(); reg != nil {
		if err := c.client.NotifyOffline(ctx, reg); err != nil {
			c.logger.Debug().Err(err).Msg("offline notification not delivered")
		}
	}

	if err := c.status.Shutdown(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("status api shutdown error")
	}

	c.setState(StateStopped)
	c.logger.Info().Msg("agent stopped")
}

// renewDelay is the time until proactive re-registration.
func (c *Controller) renewDelay() time.Duration {
	reg := c.registration()
	if reg == nil || reg.ExpiresAt.IsZero() {
		// No expiry advertised; never renew proactively.
		return 24 * 365 * time.Hour
	}
	d := time.Until(reg.ExpiresAt) - c.cfg.Tunables.RenewLead
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Controller) onSample(s metrics.Sample) {
	c.mu.Lock()
	c.lastSample = s
	c.mu.Unlock()
	c.status.ObserveSample(s, c.queue.Len(), c.queue.Dropped())
}

func (c *Controller) registration() *platform.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

func (c *Controller) setRegistration(reg *platform.Registration) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.logger.Debug().Str("from", string(old)).Str("to", string(s)).Msg("state transition")
	}
}

func (c *Controller) setDegraded() {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
}

func (c *Controller) setLiveTun(tun TunnelManager) {
	c.mu.Lock()
	c.liveTun = tun
	c.mu.Unlock()
	go c.watchTunnel(tun)
}

// sessionPusher adapts the platform client and the current registration to
// the metrics reporter. An unregistered push fails and the batch is
// requeued by the reporter.
type sessionPusher struct {
	c *Controller
}

func (p *sessionPusher) Push(ctx context.Context, samples []metrics.Sample) error {
	reg := p.c.registration()
	if reg == nil {
		return errors.New("not registered")
	}
	return p.c.client.PushMetrics(ctx, reg, samples)
}
