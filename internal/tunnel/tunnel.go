// Package tunnel maintains the outbound reverse tunnel that makes the
// device's local services reachable from the platform. The agent dials the
// relay named in the registration record over SSH, requests remote port
// forwards, and pumps accepted relay connections to local loopback ports.
// No inbound listener is ever opened on the device.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/unitlab-ai/unitlab-agent/internal/platform"
	"github.com/unitlab-ai/unitlab-agent/internal/retry"
)

// State is the tunnel connection state.
type State string

const (
	StateConnecting  State = "connecting"
	StateEstablished State = "established"
	StateDegraded    State = "degraded"
	StateClosed      State = "closed"
)

// ErrAuthRejected indicates the relay refused the session credentials. The
// session token has likely expired; the controller re-registers immediately
// instead of retrying the same credentials.
var ErrAuthRejected = errors.New("relay rejected session credentials")

var errManagerClosed = errors.New("manager is closed")

// TunnelError wraps a failure to establish or hold the tunnel.
type TunnelError struct {
	Op  string
	Err error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Ingress names one local TCP port exposed through the relay.
type Ingress struct {
	Name      string
	LocalPort int
}

// Config holds the tunnel tunables.
type Config struct {
	// Backoff governs both initial connection attempts and in-place
	// reconnection after a drop.
	Backoff retry.Policy
	// KeepaliveInterval is the spacing between transport-level pings.
	KeepaliveInterval time.Duration
	// KeepaliveTimeout bounds how long a ping may go unanswered before the
	// tunnel is considered degraded.
	KeepaliveTimeout time.Duration
	// DialTimeout bounds a single relay dial.
	DialTimeout time.Duration
}

// DefaultConfig returns the stock tunnel settings.
func DefaultConfig() Config {
	return Config{
		Backoff: retry.Policy{
			Base:        500 * time.Millisecond,
			Max:         30 * time.Second,
			Multiplier:  2.0,
			MaxAttempts: 5,
		},
		KeepaliveInterval: 15 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		DialTimeout:       15 * time.Second,
	}
}

// relayConn is the subset of *ssh.Client the manager drives. Faked in tests.
type relayConn interface {
	Listen(network, addr string) (net.Listener, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// Manager owns one tunnel. Once closed it cannot be reopened; the
// controller builds a fresh manager after re-registration.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	// dial is replaced in tests.
	dial func(ctx context.Context, reg *platform.Registration) (relayConn, error)

	mu        sync.Mutex
	state     State
	conn      relayConn
	listeners []net.Listener
	reg       *platform.Registration
	ingresses []Ingress
	done      bool

	states  chan State
	dropped chan relayConn
	closed  chan struct{}

	closeOnce sync.Once
}

// NewManager creates a tunnel manager in the Connecting-pending state.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "tunnel").Logger(),
		states:  make(chan State, 8),
		dropped: make(chan relayConn, 4),
		closed:  make(chan struct{}),
	}
	m.dial = m.dialRelay
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States delivers connection state transitions. Transitions that arrive
// faster than the consumer reads are dropped; State always holds the truth.
func (m *Manager) States() <-chan State {
	return m.states
}

// Open establishes the tunnel to the relay in reg and requests a remote
// forward for every ingress. Connection attempts follow the configured
// backoff; exhaustion or a permanent rejection is returned as *TunnelError.
func (m *Manager) Open(ctx context.Context, reg *platform.Registration, ingresses []Ingress) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return &TunnelError{Op: "open", Err: errManagerClosed}
	}
	m.reg = reg
	m.ingresses = ingresses
	m.mu.Unlock()

	m.setState(StateConnecting)

	octx, cancel := m.closeAware(ctx)
	defer cancel()

	r := retry.New(m.cfg.Backoff, m.logger)
	if err := r.Do(octx, "tunnel_open", m.connect); err != nil {
		return &TunnelError{Op: "open", Err: err}
	}

	m.setState(StateEstablished)
	return nil
}

// Run supervises the open tunnel: keepalives, drop detection, and in-place
// reconnection with backoff. It returns nil when ctx is cancelled or the
// manager is closed, and *TunnelError when reconnection is exhausted and
// the controller must re-register.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-m.closed:
			return nil
		case c := <-m.dropped:
			if c != conn {
				continue
			}
			m.logger.Warn().Msg("relay connection lost")
			if err := m.reconnect(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			if conn == nil {
				continue
			}
			if err := m.keepalive(conn); err != nil {
				m.logger.Warn().Err(err).Msg("tunnel keepalive failed")
				if err := m.reconnect(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// Close tears the tunnel down. Idempotent and safe from any goroutine.
// done is set before teardown so a connect racing Close sees it and
// discards its own connection.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		m.done = true
		m.state = StateClosed
		select {
		case m.states <- StateClosed:
		default:
		}
		close(m.states)
		m.mu.Unlock()

		m.teardown()
		m.logger.Info().Msg("tunnel closed")
	})
}

// closeAware derives a context that is also cancelled when the manager is
// closed, so backoff waits inside Open and reconnect end promptly.
func (m *Manager) closeAware(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// connect dials the relay and installs remote forwards for all ingresses.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	reg := m.reg
	ingresses := m.ingresses
	m.mu.Unlock()

	conn, err := m.dial(ctx, reg)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return retry.Permanent(err)
		}
		return err
	}

	var listeners []net.Listener
	for _, ing := range ingresses {
		l, err := conn.Listen("tcp", "0.0.0.0:0")
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			conn.Close()
			return fmt.Errorf("remote forward for %s: %w", ing.Name, err)
		}
		listeners = append(listeners, l)
		m.logger.Info().
			Str("ingress", ing.Name).
			Int("local_port", ing.LocalPort).
			Str("remote_addr", l.Addr().String()).
			Msg("remote forward established")
		go m.serveIngress(l, ing)
	}

	m.mu.Lock()
	if m.done {
		// Close ran while the dial was in flight; this connection must
		// not outlive the manager.
		m.mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}
		conn.Close()
		return retry.Permanent(errManagerClosed)
	}
	m.conn = conn
	m.listeners = listeners
	m.mu.Unlock()

	go func() {
		_ = conn.Wait()
		select {
		case m.dropped <- conn:
		case <-m.closed:
		}
	}()
	return nil
}

// reconnect replaces a degraded connection in place. The remote forwards
// are re-requested because the relay may have discarded them with the old
// transport.
func (m *Manager) reconnect(ctx context.Context) error {
	m.setState(StateDegraded)
	m.teardown()

	rctx, cancel := m.closeAware(ctx)
	defer cancel()

	r := retry.New(m.cfg.Backoff, m.logger)
	if err := r.Do(rctx, "tunnel_reconnect", m.connect); err != nil {
		select {
		case <-m.closed:
			return nil
		default:
		}
		m.Close()
		return &TunnelError{Op: "reconnect", Err: err}
	}

	m.setState(StateEstablished)
	m.logger.Info().Msg("tunnel re-established")
	return nil
}

// serveIngress pumps relay-side connections to the local port.
func (m *Manager) serveIngress(l net.Listener, ing Ingress) {
	for {
		remote, err := l.Accept()
		if err != nil {
			return
		}
		go m.pump(remote, ing)
	}
}

func (m *Manager) pump(remote net.Conn, ing Ingress) {
	defer remote.Close()

	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ing.LocalPort), 10*time.Second)
	if err != nil {
		m.logger.Warn().Err(err).Str("ingress", ing.Name).Msg("local dial failed, dropping relay connection")
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	<-done
}

// keepalive sends one transport-level ping, bounded by KeepaliveTimeout.
func (m *Manager) keepalive(conn relayConn) error {
	result := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@unitlab.ai", true, nil)
		result <- err
	}()
	select {
	case err := <-result:
		return err
	case <-time.After(m.cfg.KeepaliveTimeout):
		return fmt.Errorf("no keepalive reply within %s", m.cfg.KeepaliveTimeout)
	}
}

func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	listeners := m.listeners
	m.conn = nil
	m.listeners = nil
	m.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// setState publishes a transition. The send happens under the lock so it
// can never race the channel close in Close.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done || m.state == s {
		return
	}
	m.state = s
	select {
	case m.states <- s:
	default:
	}
}

// dialRelay opens the SSH transport to the relay. The device authenticates
// with its device id and the session token from registration; the relay
// endpoint and host key arrive over the TLS-authenticated registration call.
func (m *Manager) dialRelay(ctx context.Context, reg *platform.Registration) (relayConn, error) {
	addr := reg.TunnelEndpoint
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	hostKey, err := hostKeyCallback(reg.RelayHostKey)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            reg.DeviceID,
		Auth:            []ssh.AuthMethod{ssh.Password(reg.SessionToken)},
		HostKeyCallback: hostKey,
		Timeout:         m.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		// x/crypto/ssh reports credential rejection only through the
		// error message, so this match is best-effort.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// hostKeyCallback pins the relay host key from the registration record when
// one was delivered. Without a key the relay is accepted as-is: the endpoint
// was obtained over the TLS-authenticated registration call.
func hostKeyCallback(key string) (ssh.HostKeyCallback, error) {
	if key == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("parse relay host key: %w", err)
	}
	return ssh.FixedHostKey(pub), nil
}
