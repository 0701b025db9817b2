package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlab-ai/unitlab-agent/internal/config"
	"github.com/unitlab-ai/unitlab-agent/internal/identity"
	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
	"github.com/unitlab-ai/unitlab-agent/internal/notebook"
	"github.com/unitlab-ai/unitlab-agent/internal/platform"
	"github.com/unitlab-ai/unitlab-agent/internal/retry"
	"github.com/unitlab-ai/unitlab-agent/internal/tunnel"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type fakePlatform struct {
	mu            sync.Mutex
	registrations int
	authErr       bool
	netErrs       int
	expiresIn     time.Duration
	pushes        [][]metrics.Sample
	offline       bool
}

func (f *fakePlatform) Register(ctx context.Context, id identity.Identity, hostname, version string) (*platform.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	if f.authErr {
		return nil, &platform.AuthError{Status: 401, Message: "invalid api key"}
	}
	if f.netErrs > 0 {
		f.netErrs--
		return nil, &platform.NetworkError{Op: "register", Err: errors.New("connection refused")}
	}
	reg := &platform.Registration{
		DeviceID:       id.DeviceID,
		SessionToken:   fmt.Sprintf("tok-%d", f.registrations),
		TunnelEndpoint: "relay.unitlab.ai:22",
	}
	if f.expiresIn > 0 {
		reg.ExpiresAt = time.Now().Add(f.expiresIn)
	}
	return reg, nil
}

func (f *fakePlatform) PushMetrics(ctx context.Context, reg *platform.Registration, samples []metrics.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, samples)
	return nil
}

func (f *fakePlatform) NotifyOffline(ctx context.Context, reg *platform.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = true
	return nil
}

func (f *fakePlatform) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations
}

func (f *fakePlatform) notifiedOffline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline
}

type fakeNotebook struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	faults   chan notebook.Fault
}

func newFakeNotebook() *fakeNotebook {
	return &fakeNotebook{faults: make(chan notebook.Fault, 1)}
}

func (f *fakeNotebook) Start(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = true
	return 8888, nil
}

func (f *fakeNotebook) Run(ctx context.Context) { <-ctx.Done() }

func (f *fakeNotebook) Stop(grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeNotebook) State() notebook.HealthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started && !f.stopped {
		return notebook.StateReady
	}
	return notebook.StateStopped
}

func (f *fakeNotebook) Faults() <-chan notebook.Fault { return f.faults }

func (f *fakeNotebook) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeTunnel struct {
	mu        sync.Mutex
	openErr   error
	opened    bool
	ingresses []tunnel.Ingress
	runCh     chan error
	states    chan tunnel.State
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeTunnel(openErr error) *fakeTunnel {
	return &fakeTunnel{
		openErr:  openErr,
		runCh:    make(chan error, 1),
		states:   make(chan tunnel.State, 8),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTunnel) Open(ctx context.Context, reg *platform.Registration, ingresses []tunnel.Ingress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	f.ingresses = ingresses
	return nil
}

func (f *fakeTunnel) Run(ctx context.Context) error {
	select {
	case err := <-f.runCh:
		return err
	case <-ctx.Done():
		return nil
	case <-f.closedCh:
		return nil
	}
}

func (f *fakeTunnel) Close() {
	f.closeOnce.Do(func() {
		close(f.closedCh)
		close(f.states)
	})
}

func (f *fakeTunnel) States() <-chan tunnel.State { return f.states }

func (f *fakeTunnel) State() tunnel.State {
	select {
	case <-f.closedCh:
		return tunnel.StateClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened {
		return tunnel.StateEstablished
	}
	return tunnel.StateConnecting
}

func (f *fakeTunnel) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

func (f *fakeTunnel) openedIngresses() []tunnel.Ingress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ingresses
}

// tunnelFactory hands out one fake per open, failing Open with the next
// queued error.
type tunnelFactory struct {
	mu       sync.Mutex
	openErrs []error
	tuns     []*fakeTunnel
}

func (tf *tunnelFactory) new() TunnelManager {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	var err error
	if len(tf.openErrs) > 0 {
		err = tf.openErrs[0]
		tf.openErrs = tf.openErrs[1:]
	}
	t := newFakeTunnel(err)
	tf.tuns = append(tf.tuns, t)
	return t
}

func (tf *tunnelFactory) created() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.tuns)
}

func (tf *tunnelFactory) tun(i int) *fakeTunnel {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.tuns[i]
}

type fakeStatus struct {
	mu      sync.Mutex
	started bool
	samples int
}

func (f *fakeStatus) Start(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeStatus) Port() int { return 9901 }

func (f *fakeStatus) Shutdown(ctx context.Context) error { return nil }

func (f *fakeStatus) ObserveSample(s metrics.Sample, queueDepth int, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples++
}

type fakeSampler struct{}

func (fakeSampler) Run(ctx context.Context, q *metrics.Queue, interval, timeout time.Duration, onSample func(metrics.Sample)) {
	<-ctx.Done()
}

func testConfig() *config.AgentConfig {
	cfg := &config.AgentConfig{
		APIURL:   "https://api.unitlab.ai",
		APIKey:   "key",
		Hostname: "host",
		Tunables: config.DefaultTunables(),
	}
	cfg.Tunables.RegisterTimeout = time.Second
	cfg.Tunables.RegisterBackoff = retry.Policy{
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
	cfg.Tunables.ReportInterval = time.Hour
	cfg.Tunables.ShutdownGrace = time.Second
	cfg.Tunables.RenewLead = 0
	cfg.Tunables.ExposeSSH = false
	return cfg
}

type harness struct {
	ctrl     *Controller
	client   *fakePlatform
	nb       *fakeNotebook
	factory  *tunnelFactory
	status   *fakeStatus
	cfg      *config.AgentConfig
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, cfg *config.AgentConfig, client *fakePlatform, nb *fakeNotebook, factory *tunnelFactory) *harness {
	t.Helper()
	status := &fakeStatus{}
	ctrl := New(Options{
		Config:    cfg,
		Identity:  identity.Identity{DeviceID: "host-1a2b3c4d", APIKey: "key"},
		Version:   "test",
		Client:    client,
		Notebook:  nb,
		NewTunnel: factory.new,
		Sampler:   fakeSampler{},
		Status:    status,
		Logger:    testLogger(),
	})
	return &harness{ctrl: ctrl, client: client, nb: nb, factory: factory, status: status, cfg: cfg}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.ctrl.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		// The channel is closed once Run returns, so this receive is
		// satisfied even when the test body already read the result.
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for h.ctrl.State() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %q, want %q", h.ctrl.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestController_StartupSequenceAndShutdown(t *testing.T) {
	h := newHarness(t, testConfig(), &fakePlatform{}, newFakeNotebook(), &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	ing := h.factory.tun(0).openedIngresses()
	if len(ing) != 2 {
		t.Fatalf("ingresses = %d, want notebook and agent-api", len(ing))
	}
	if ing[0].Name != "notebook" || ing[0].LocalPort != 8888 {
		t.Errorf("first ingress = %+v, want notebook:8888", ing[0])
	}
	if ing[1].Name != "agent-api" || ing[1].LocalPort != 9901 {
		t.Errorf("second ingress = %+v, want agent-api:9901", ing[1])
	}

	h.cancel()
	if err := <-h.done; err != nil {
		t.Errorf("Run returned %v on cancel, want nil", err)
	}
	if got := h.ctrl.State(); got != StateStopped {
		t.Errorf("state = %q, want %q", got, StateStopped)
	}
	if !h.nb.wasStopped() {
		t.Error("notebook was not stopped on shutdown")
	}
	if !h.factory.tun(0).isClosed() {
		t.Error("tunnel was not closed on shutdown")
	}
	if !h.client.notifiedOffline() {
		t.Error("offline notification was not sent")
	}
}

func TestController_ExposesSSHIngressWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Tunables.ExposeSSH = true
	cfg.Tunables.SSHPort = 22
	h := newHarness(t, cfg, &fakePlatform{}, newFakeNotebook(), &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	ing := h.factory.tun(0).openedIngresses()
	if len(ing) != 3 {
		t.Fatalf("ingresses = %d, want notebook, agent-api, and ssh", len(ing))
	}
	if ing[2].Name != "ssh" || ing[2].LocalPort != 22 {
		t.Errorf("third ingress = %+v, want ssh:22", ing[2])
	}
}

func TestController_DrainsTunnelStateTransitions(t *testing.T) {
	h := newHarness(t, testConfig(), &fakePlatform{}, newFakeNotebook(), &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	tun := h.factory.tun(0)
	tun.states <- tunnel.StateDegraded
	tun.states <- tunnel.StateEstablished

	// The controller's watcher consumes published transitions.
	deadline := time.After(3 * time.Second)
	for len(tun.states) > 0 {
		select {
		case <-deadline:
			t.Fatal("tunnel state transitions were never consumed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestController_AuthErrorIsFatal(t *testing.T) {
	nb := newFakeNotebook()
	h := newHarness(t, testConfig(), &fakePlatform{authErr: true}, nb, &tunnelFactory{})
	h.run(t)

	select {
	case err := <-h.done:
		if err == nil {
			t.Fatal("Run returned nil, want auth error")
		}
		if !platform.IsAuth(err) {
			t.Errorf("error %v is not an auth error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return on auth error")
	}

	nb.mu.Lock()
	started := nb.started
	nb.mu.Unlock()
	if started {
		t.Error("notebook started despite fatal registration failure")
	}
	if got := h.ctrl.State(); got != StateStopped {
		t.Errorf("state = %q, want %q", got, StateStopped)
	}
}

func TestController_RegistersAfterTransientFailures(t *testing.T) {
	client := &fakePlatform{netErrs: 2}
	h := newHarness(t, testConfig(), client, newFakeNotebook(), &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	if got := client.registerCount(); got != 3 {
		t.Errorf("register attempts = %d, want 3", got)
	}
}

func TestController_OpenFailureReregistersExactlyOnce(t *testing.T) {
	factory := &tunnelFactory{openErrs: []error{
		&tunnel.TunnelError{Op: "open", Err: errors.New("relay unreachable")},
	}}
	client := &fakePlatform{}
	h := newHarness(t, testConfig(), client, newFakeNotebook(), factory)
	h.run(t)
	h.waitState(t, StateRunning)

	if got := client.registerCount(); got != 2 {
		t.Errorf("registrations = %d, want 2 (initial plus one recovery)", got)
	}
	if got := factory.created(); got != 2 {
		t.Errorf("tunnel managers = %d, want 2", got)
	}
	if !factory.tun(0).isClosed() {
		t.Error("failed tunnel manager was not closed")
	}
}

func TestController_OpenFailureAfterReregisterIsFatal(t *testing.T) {
	factory := &tunnelFactory{openErrs: []error{
		&tunnel.TunnelError{Op: "open", Err: errors.New("relay unreachable")},
		&tunnel.TunnelError{Op: "open", Err: errors.New("relay unreachable")},
	}}
	client := &fakePlatform{}
	h := newHarness(t, testConfig(), client, newFakeNotebook(), factory)
	h.run(t)

	select {
	case err := <-h.done:
		if err == nil {
			t.Fatal("Run returned nil, want tunnel failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after exhausted tunnel recovery")
	}
	if got := client.registerCount(); got != 2 {
		t.Errorf("registrations = %d, want exactly 2", got)
	}
	if got := h.ctrl.State(); got != StateStopped {
		t.Errorf("state = %q, want %q", got, StateStopped)
	}
}

func TestController_TunnelLossRecovers(t *testing.T) {
	factory := &tunnelFactory{}
	client := &fakePlatform{}
	h := newHarness(t, testConfig(), client, newFakeNotebook(), factory)
	h.run(t)
	h.waitState(t, StateRunning)

	factory.tun(0).runCh <- &tunnel.TunnelError{Op: "reconnect", Err: errors.New("budget exhausted")}

	deadline := time.After(3 * time.Second)
	for factory.created() < 2 {
		select {
		case <-deadline:
			t.Fatal("controller did not open a replacement tunnel")
		case <-time.After(time.Millisecond):
		}
	}
	h.waitState(t, StateRunning)

	if got := client.registerCount(); got != 2 {
		t.Errorf("registrations = %d, want 2", got)
	}
	if !factory.tun(0).isClosed() {
		t.Error("lost tunnel manager was not closed")
	}
}

func TestController_NotebookLaunchFailureIsNonFatal(t *testing.T) {
	nb := newFakeNotebook()
	nb.startErr = &notebook.LaunchError{Err: errors.New("jupyter not installed")}
	h := newHarness(t, testConfig(), &fakePlatform{}, nb, &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	if !h.ctrl.Degraded() {
		t.Error("controller not marked degraded after launch failure")
	}
	ing := h.factory.tun(0).openedIngresses()
	if len(ing) != 1 || ing[0].Name != "agent-api" {
		t.Errorf("ingresses = %+v, want agent-api only", ing)
	}
}

func TestController_NotebookFaultReportsDegradedButStaysRunning(t *testing.T) {
	nb := newFakeNotebook()
	h := newHarness(t, testConfig(), &fakePlatform{}, nb, &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	nb.faults <- notebook.Fault{At: time.Now(), Reason: "health checks failing"}

	deadline := time.After(3 * time.Second)
	for !h.ctrl.Degraded() {
		select {
		case <-deadline:
			t.Fatal("controller never recorded the notebook fault")
		case <-time.After(time.Millisecond):
		}
	}
	if got := h.ctrl.State(); got != StateRunning {
		t.Errorf("state = %q, want %q", got, StateRunning)
	}
}

func TestController_RenewsSessionBeforeExpiry(t *testing.T) {
	client := &fakePlatform{expiresIn: 1100 * time.Millisecond}
	factory := &tunnelFactory{}
	h := newHarness(t, testConfig(), client, newFakeNotebook(), factory)
	h.run(t)
	h.waitState(t, StateRunning)

	deadline := time.After(4 * time.Second)
	for client.registerCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("controller did not re-register before session expiry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.waitState(t, StateRunning)

	if factory.created() < 2 {
		t.Error("tunnel was not rebuilt against the renewed session")
	}
	if !factory.tun(0).isClosed() {
		t.Error("old tunnel left open after renewal")
	}
}

func TestController_SnapshotReflectsState(t *testing.T) {
	h := newHarness(t, testConfig(), &fakePlatform{}, newFakeNotebook(), &tunnelFactory{})
	h.run(t)
	h.waitState(t, StateRunning)

	snap := h.ctrl.Snapshot()
	if snap.DeviceID != "host-1a2b3c4d" {
		t.Errorf("snapshot device_id = %q", snap.DeviceID)
	}
	if snap.AgentState != string(StateRunning) {
		t.Errorf("snapshot state = %q, want running", snap.AgentState)
	}
	if snap.TunnelState != string(tunnel.StateEstablished) {
		t.Errorf("snapshot tunnel state = %q, want established", snap.TunnelState)
	}
}
