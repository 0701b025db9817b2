// Package config provides configuration management for the Unitlab agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unitlab-ai/unitlab-agent/internal/retry"
)

// DefaultAPIURL is the platform endpoint used when no api_url is configured.
const DefaultAPIURL = "https://api.unitlab.ai"

// DefaultConfigDir returns the default config directory (~/.unitlab).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".unitlab"), nil
}

// DefaultConfigPath returns the default config file path (~/.unitlab/agent.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.yml"), nil
}

// DefaultDeviceIDPath returns the default device identifier file (~/.unitlab/device-id).
func DefaultDeviceIDPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "device-id"), nil
}

// ProxyConfig contains outbound proxy settings.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// Tunables holds the timing and budget knobs for the agent's subsystems.
// Every retry limit, interval, and grace period is configurable here rather
// than hard-coded in the component that uses it.
type Tunables struct {
	// RegisterTimeout bounds a single registration attempt.
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	// RegisterBackoff governs retries of failed registration attempts.
	RegisterBackoff retry.Policy `yaml:"register_backoff"`
	// RenewLead is how long before expires_at the session is re-registered.
	RenewLead time.Duration `yaml:"renew_lead"`

	// TunnelBackoff governs in-place tunnel reconnection before the manager
	// escalates to a full re-registration.
	TunnelBackoff retry.Policy `yaml:"tunnel_backoff"`
	// KeepaliveInterval is the spacing of tunnel keepalive probes.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// KeepaliveTimeout bounds a single keepalive round trip.
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	// ExposeSSH also forwards the local SSH daemon through the tunnel.
	ExposeSSH bool `yaml:"expose_ssh"`
	// SSHPort is the local port forwarded when expose_ssh is set.
	SSHPort int `yaml:"ssh_port"`

	// NotebookHealthInterval is the health poll spacing once the notebook is ready.
	NotebookHealthInterval time.Duration `yaml:"notebook_health_interval"`
	// NotebookLaunchRetries is how many times a failed launch is retried.
	NotebookLaunchRetries int `yaml:"notebook_launch_retries"`
	// NotebookFaultWindow is the span within which repeated unresponsive
	// episodes count as a persistent fault.
	NotebookFaultWindow time.Duration `yaml:"notebook_fault_window"`

	// SampleInterval is the metric sampling period.
	SampleInterval time.Duration `yaml:"sample_interval"`
	// SampleTimeout bounds a single collection pass.
	SampleTimeout time.Duration `yaml:"sample_timeout"`
	// ReportInterval is the metric push period.
	ReportInterval time.Duration `yaml:"report_interval"`
	// QueueSize bounds the in-memory metric queue.
	QueueSize int `yaml:"queue_size"`
	// PushTimeout bounds a single metrics push.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// ShutdownGrace is the total time allowed for graceful teardown,
	// including notebook termination.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// StatusAddr is the loopback listen address for the local status API.
	// An empty host or ":0" port picks a free port.
	StatusAddr string `yaml:"status_addr"`
}

// DefaultTunables returns the stock tuning values.
func DefaultTunables() Tunables {
	reconnect := retry.DefaultPolicy()
	reconnect.MaxAttempts = 5

	return Tunables{
		RegisterTimeout: 15 * time.Second,
		RegisterBackoff: retry.DefaultPolicy(),
		RenewLead:       2 * time.Minute,

		TunnelBackoff:     reconnect,
		KeepaliveInterval: 15 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		ExposeSSH:         true,
		SSHPort:           22,

		NotebookHealthInterval: 10 * time.Second,
		NotebookLaunchRetries:  3,
		NotebookFaultWindow:    5 * time.Minute,

		SampleInterval: 15 * time.Second,
		SampleTimeout:  5 * time.Second,
		ReportInterval: 60 * time.Second,
		QueueSize:      240,
		PushTimeout:    15 * time.Second,

		ShutdownGrace: 10 * time.Second,

		StatusAddr: "127.0.0.1:0",
	}
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	APIURL       string       `yaml:"api_url,omitempty"`
	APIKey       string       `yaml:"api_key,omitempty"`
	DeviceIDFile string       `yaml:"device_id_file,omitempty"`
	Hostname     string       `yaml:"hostname,omitempty"`
	Proxy        *ProxyConfig `yaml:"proxy,omitempty"`
	Tunables     Tunables     `yaml:"tunables,omitempty"`
}

// Validate checks that the configuration has required fields for operation.
func (c *AgentConfig) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url is required")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.Tunables.QueueSize <= 0 {
		return errors.New("tunables.queue_size must be positive")
	}
	if c.Tunables.ShutdownGrace <= 0 {
		return errors.New("tunables.shutdown_grace must be positive")
	}
	return nil
}

// IsConfigured returns true if the agent has an API key set.
func (c *AgentConfig) IsConfigured() bool {
	return c.APIKey != ""
}

// GetProxyConfig returns the proxy settings, or nil if none are configured.
func (c *AgentConfig) GetProxyConfig() *ProxyConfig {
	if c.Proxy.HasProxy() {
		return c.Proxy
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, a config with default tunables is returned.
func Load(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		APIURL:   DefaultAPIURL,
		Tunables: DefaultTunables(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *AgentConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
