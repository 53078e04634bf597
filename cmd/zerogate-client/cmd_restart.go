package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the zerogate-client daemon",
	Long: `Restart the zerogate-client system service. This is equivalent to running
'sudo zerogate-client down' followed by 'sudo zerogate-client up -d', but in a
single step.

This command must be run as root:
  sudo zerogate-client restart`,
	RunE: runRestart,
}

func runRestart(cmd *cobra.Command, args []string) error {
	if os.Getuid() != 0 {
		return fmt.Errorf("'zerogate-client restart' requires root (try: sudo zerogate-client restart)")
	}

	switch runtime.GOOS {
	case "linux":
		return runRestartLinux()
	case "darwin":
		return runRestartDarwin()
	default:
		return fmt.Errorf("'zerogate-client restart' is not supported on %s", runtime.GOOS)
	}
}

func runRestartLinux() error {
	if _, err := os.Stat(systemdServicePath); os.IsNotExist(err) {
		return fmt.Errorf("systemd service not installed; run 'sudo zerogate-client setup' first")
	}

	check := exec.Command("systemctl", "is-active", "--quiet", "zerogate-client")
	if err := check.Run(); err != nil {
		return fmt.Errorf("zerogate-client service is not running; use 'sudo zerogate-client up -d' to start it")
	}

	fmt.Fprintln(os.Stderr, "Restarting zerogate-client service...")

	restart := exec.Command("systemctl", "restart", "zerogate-client")
	restart.Stdout = os.Stderr
	restart.Stderr = os.Stderr
	if err := restart.Run(); err != nil {
		return fmt.Errorf("systemctl restart zerogate-client: %w", err)
	}

	fmt.Fprintln(os.Stderr, "zerogate-client restarted.")
	fmt.Fprintln(os.Stderr, "Use 'zerogate-client status' to check connection state.")

	return nil
}

func runRestartDarwin() error {
	if _, err := os.Stat(launchdPlistPath); os.IsNotExist(err) {
		return fmt.Errorf("launchd service not installed; run 'sudo zerogate-client setup' first")
	}

	check := exec.Command("launchctl", "list", "com.zerogate.client")
	if err := check.Run(); err != nil {
		return fmt.Errorf("zerogate-client service is not running; use 'sudo zerogate-client up -d' to start it")
	}

	fmt.Fprintln(os.Stderr, "Restarting zerogate-client service...")

	unload := exec.Command("launchctl", "unload", launchdPlistPath)
	unload.Stdout = os.Stderr
	unload.Stderr = os.Stderr
	if err := unload.Run(); err != nil {
		return fmt.Errorf("launchctl unload: %w", err)
	}

	load := exec.Command("launchctl", "load", "-w", launchdPlistPath)
	load.Stdout = os.Stderr
	load.Stderr = os.Stderr
	if err := load.Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}

	fmt.Fprintln(os.Stderr, "zerogate-client restarted.")
	fmt.Fprintln(os.Stderr, "Use 'zerogate-client status' to check connection state.")

	return nil
}
