// Package main is the entrypoint for the Unitlab device agent CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unitlab-ai/unitlab-agent/internal/agent"
	"github.com/unitlab-ai/unitlab-agent/internal/config"
	"github.com/unitlab-ai/unitlab-agent/internal/httpclient"
	"github.com/unitlab-ai/unitlab-agent/internal/identity"
	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
	"github.com/unitlab-ai/unitlab-agent/internal/notebook"
	"github.com/unitlab-ai/unitlab-agent/internal/platform"
	"github.com/unitlab-ai/unitlab-agent/internal/statusapi"
	"github.com/unitlab-ai/unitlab-agent/internal/tunnel"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unitlab-agent",
		Short: "Unitlab device agent - connects this machine to the Unitlab platform",
		Long: `Unitlab Agent registers this machine with the Unitlab platform,
exposes a local Jupyter notebook through an outbound tunnel, and
reports host telemetry.

Run 'unitlab-agent run --api-key <key>' to bring the device online.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newRunCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Unitlab Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetURLCmd(),
		newConfigSetKeyCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configPath, _ := config.DefaultConfigPath()
			fmt.Printf("Config file: %s\n", configPath)
			fmt.Printf("API URL:     %s\n", cfg.APIURL)
			fmt.Printf("API key:     %s\n", maskKey(cfg.APIKey))
			fmt.Printf("Hostname:    %s\n", cfg.Hostname)
			fmt.Printf("Proxy:       %s\n", httpclient.ProxyInfo(cfg.GetProxyConfig()))
			return nil
		},
	}
}

func newConfigSetURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-url <url>",
		Short: "Set the platform API URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.APIURL = strings.TrimSuffix(args[0], "/")
			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("API URL set to %s\n", cfg.APIURL)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <api-key>",
		Short: "Store the platform API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.APIKey = strings.TrimSpace(args[0])
			if cfg.APIKey == "" {
				return fmt.Errorf("API key cannot be empty")
			}
			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Println("API key saved.")
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		apiKey     string
		apiURL     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		Long: `Start the Unitlab agent as a long-running daemon process.

The daemon will:
  - Register this device with the platform
  - Launch a local Jupyter notebook and expose it through an outbound tunnel
  - Report host telemetry (CPU, memory, disk, network) to the platform`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.AgentConfig
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.LoadDefault()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if apiKey != "" {
				cfg.APIKey = apiKey
			}
			if apiURL != "" {
				cfg.APIURL = strings.TrimSuffix(apiURL, "/")
			}
			if cfg.Hostname == "" {
				cfg.Hostname, _ = os.Hostname()
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "Platform API key (overrides config)")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Platform API URL (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")

	return cmd
}

func runDaemon(cfg *config.AgentConfig) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	t := cfg.Tunables

	idPath := cfg.DeviceIDFile
	if idPath == "" {
		var err error
		idPath, err = config.DefaultDeviceIDPath()
		if err != nil {
			return fmt.Errorf("device id path: %w", err)
		}
	}
	id, err := identity.LoadOrCreate(idPath, cfg.APIKey)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	httpClient, err := httpclient.NewWithConfig(cfg, t.RegisterTimeout)
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}
	client := platform.NewClient(cfg.APIURL, cfg.APIKey, httpClient, logger)

	nbCfg := notebook.DefaultConfig()
	nbCfg.HealthInterval = t.NotebookHealthInterval
	nbCfg.LaunchRetries = t.NotebookLaunchRetries
	nbCfg.FaultWindow = t.NotebookFaultWindow
	nb := notebook.New(nbCfg, logger)

	tunCfg := tunnel.Config{
		Backoff:           t.TunnelBackoff,
		KeepaliveInterval: t.KeepaliveInterval,
		KeepaliveTimeout:  t.KeepaliveTimeout,
		DialTimeout:       t.RegisterTimeout,
	}

	// The status server reads the controller through the snapshot closure;
	// the controller is assembled right after.
	var ctrl *agent.Controller
	status := statusapi.NewServer(func() statusapi.Snapshot {
		if ctrl == nil {
			return statusapi.Snapshot{}
		}
		return ctrl.Snapshot()
	}, logger)

	ctrl = agent.New(agent.Options{
		Config:   cfg,
		Identity: id,
		Version:  Version,
		Client:   client,
		Notebook: nb,
		NewTunnel: func() agent.TunnelManager {
			return tunnel.NewManager(tunCfg, logger)
		},
		Sampler: metrics.NewCollector(logger),
		Status:  status,
		Logger:  logger,
	})

	fmt.Printf("Unitlab Agent %s starting...\n", Version)
	fmt.Printf("API URL:   %s\n", cfg.APIURL)
	fmt.Printf("Device ID: %s\n", id.DeviceID)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if err := ctrl.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent exited with error")
		return err
	}
	return nil
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
