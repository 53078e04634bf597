package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/internal/gwagent"
)

var (
	upDaemon bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start serving the network",
	Long: `Start the zerogate-gateway agent: join the portal's gateway channel and
accept ICE connections clients are brokered to this device.

Requires root privileges for TUN device creation and NAT configuration:
  sudo zerogate-gateway up

Use -d/--daemon to start zerogate-gateway as a system service (systemd on
Linux, launchd on macOS). The service is enabled on boot and started
immediately. Requires 'sudo zerogate-gateway setup' first.`,
	RunE: runUp,
}

const systemdServicePath = "/etc/systemd/system/zerogate-gateway.service"
const launchdPlistPath = "/Library/LaunchDaemons/com.zerogate.gateway.plist"

func init() {
	upCmd.Flags().BoolVarP(&upDaemon, "daemon", "d", false, "start as a system service (enable + start)")
}

func runUp(cmd *cobra.Command, args []string) error {
	if upDaemon {
		return runUpDaemon()
	}

	if err := config.MigrateConfigSplit(resolvedConfigPath()); err != nil {
		globalLogger.Warn("config split migration failed", "error", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := gwagent.New(cfg, globalLogger)

	globalLogger.Info("starting zerogate-gateway", "config", resolvedConfigPath())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("zerogate-gateway stopped")
			return nil
		}
		if strings.Contains(err.Error(), "operation not permitted") || strings.Contains(err.Error(), "not permitted") {
			return fmt.Errorf("agent error: %w\n\nTUN device creation and NAT setup require root privileges.\nRun: sudo zerogate-gateway up", err)
		}
		return fmt.Errorf("agent error: %w", err)
	}

	return nil
}

// runUpDaemon starts zerogate-gateway as a system service (enable + start).
func runUpDaemon() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("daemon mode requires root (try: sudo zerogate-gateway up -d)")
	}

	switch runtime.GOOS {
	case "linux":
		return runUpDaemonLinux()
	case "darwin":
		return runUpDaemonDarwin()
	default:
		return fmt.Errorf("daemon mode is not supported on %s", runtime.GOOS)
	}
}

func runUpDaemonLinux() error {
	if _, err := os.Stat(systemdServicePath); os.IsNotExist(err) {
		return fmt.Errorf("systemd service not installed; run 'sudo zerogate-gateway setup' first and choose to install the systemd service")
	}

	fmt.Fprintln(os.Stderr, "Enabling and starting zerogate-gateway service...")

	systemctl := exec.Command("systemctl", "enable", "--now", "zerogate-gateway")
	systemctl.Stdout = os.Stderr
	systemctl.Stderr = os.Stderr
	if err := systemctl.Run(); err != nil {
		return fmt.Errorf("systemctl enable --now zerogate-gateway: %w", err)
	}

	fmt.Fprintln(os.Stderr, "zerogate-gateway is running and enabled on boot.")
	fmt.Fprintln(os.Stderr, "Use 'zerogate-gateway status' to check connection state.")
	fmt.Fprintln(os.Stderr, "Use 'sudo zerogate-gateway down' to stop and disable.")

	return nil
}

func runUpDaemonDarwin() error {
	if _, err := os.Stat(launchdPlistPath); os.IsNotExist(err) {
		return fmt.Errorf("launchd service not installed; run 'sudo zerogate-gateway setup' first and choose to install the launchd service")
	}

	fmt.Fprintln(os.Stderr, "Loading and starting zerogate-gateway service...")

	launchctl := exec.Command("launchctl", "load", "-w", launchdPlistPath)
	launchctl.Stdout = os.Stderr
	launchctl.Stderr = os.Stderr
	if err := launchctl.Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}

	fmt.Fprintln(os.Stderr, "zerogate-gateway is running and enabled on boot.")
	fmt.Fprintln(os.Stderr, "Use 'zerogate-gateway status' to check connection state.")
	fmt.Fprintln(os.Stderr, "Use 'sudo zerogate-gateway down' to stop and disable.")

	return nil
}

// validateConfig checks that all required configuration fields are present.
// A gateway is only useful if it has at least one route to serve.
func validateConfig(cfg *config.Config) error {
	if cfg.Network.ServerURL == "" {
		return fmt.Errorf("network.server_url is required")
	}
	if cfg.Device.Name == "" {
		return fmt.Errorf("device.name is required")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required")
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("device.address is required")
	}
	if len(cfg.Device.Routes) == 0 {
		return fmt.Errorf("device.routes must list at least one LAN subnet to serve")
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/zerogate/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
