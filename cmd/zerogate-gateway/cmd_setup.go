package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/zerogate/connlib/internal/auth"
	"github.com/zerogate/connlib/internal/config"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set up zerogate-gateway: enroll this device and configure the subnets it serves",
	Long: `Interactive setup wizard that handles everything needed to get
zerogate-gateway running:

  1. Enroll this device with the portal (name, network, server URL)
  2. Record the LAN subnets this gateway forwards traffic for
  3. Generate a WireGuard key pair and write config.toml / secrets.toml
  4. Set network capabilities on the binary (Linux)
  5. Optionally install the background service (systemd on Linux,
     launchd on macOS)

If zerogate-gateway is already configured, setup will re-apply
capabilities and update the installed service definition. Use --force
to redo the full wizard.

This command should be run with sudo:
  sudo zerogate-gateway setup`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "redo full setup even if already configured")
}

func runSetup(cmd *cobra.Command, args []string) error {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return fmt.Errorf("setup is only supported on Linux and macOS")
	}

	if os.Getuid() != 0 {
		return fmt.Errorf("setup must be run as root (try: sudo zerogate-gateway setup)")
	}

	realUser, err := resolveRealUser()
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}

	cfgPath := resolvedConfigPath()

	existingCfg, _ := config.LoadConfig(cfgPath)
	if existingCfg != nil && !setupForce {
		return runSetupExisting(cfgPath)
	}

	if existingCfg != nil && setupForce {
		fmt.Fprintf(os.Stderr, "Existing config found: %s\n", cfgPath)
		fmt.Fprintf(os.Stderr, "Overwriting (--force).\n\n")
	}

	return runSetupFull(cfgPath, realUser)
}

// runSetupExisting re-applies capabilities and refreshes the installed
// service definition for a device that is already enrolled.
func runSetupExisting(cfgPath string) error {
	fmt.Fprintf(os.Stderr, "zerogate-gateway is already configured: %s\n\n", cfgPath)

	switch runtime.GOOS {
	case "linux":
		if err := setCapabilities(); err != nil {
			return err
		}
		if _, err := os.Stat(systemdServicePath); err == nil {
			binaryPath, err := resolveCurrentBinary()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Updating systemd service...\n")
			if err := installSystemdService(binaryPath); err != nil {
				return fmt.Errorf("updating systemd service: %w", err)
			}
		}
	case "darwin":
		if _, err := os.Stat(launchdPlistPath); err == nil {
			binaryPath, err := resolveCurrentBinary()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Updating launchd service...\n")
			if err := installLaunchdService(binaryPath); err != nil {
				return fmt.Errorf("updating launchd service: %w", err)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "\nSetup complete.")
	if runtime.GOOS == "darwin" {
		fmt.Fprintf(os.Stderr, " Run 'sudo zerogate-gateway up' to start serving.\n")
	} else {
		fmt.Fprintf(os.Stderr, " Run 'zerogate-gateway up' to start serving.\n")
	}
	fmt.Fprintf(os.Stderr, "Use --force to redo full setup.\n")

	return nil
}

// runSetupFull runs the full interactive enrollment wizard.
func runSetupFull(cfgPath string, realUser *user.User) error {
	ctx := context.Background()
	hostname, _ := os.Hostname()

	var (
		deviceName  = hostname
		networkName = "default"
		serverURL   string
		enrollToken string
		routesInput string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device name").
				Description("How this gateway will appear to the network").
				Value(&deviceName).
				Placeholder(hostname),
			huh.NewInput().
				Title("Network name").
				Value(&networkName).
				Placeholder("default"),
			huh.NewInput().
				Title("Portal server URL").
				Description("WSS endpoint of the gateway channel, e.g. wss://portal.example.com/gateway/websocket").
				Value(&serverURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("server URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Enrollment token").
				Description("One-time token issued by an administrator to register this device").
				EchoMode(huh.EchoModePassword).
				Value(&enrollToken).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("enrollment token is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("LAN subnets to serve").
				Description("Comma-separated CIDRs this gateway forwards traffic for, e.g. 192.168.1.0/24,10.10.0.0/16").
				Value(&routesInput).
				Validate(func(s string) error {
					if len(parseRoutes(s)) == 0 {
						return fmt.Errorf("at least one subnet is required")
					}
					return nil
				}),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if deviceName == "" {
		deviceName = hostname
	}
	if networkName == "" {
		networkName = "default"
	}
	routes := parseRoutes(routesInput)

	wsURL, err := normalizeServerURL(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nEnrolling with portal...\n")

	resp, err := auth.Register(ctx, httpBaseURL(wsURL), enrollToken, deviceName)
	if err != nil {
		return fmt.Errorf("enrolling device: %w", err)
	}

	fmt.Fprintf(os.Stderr, "  Enrolled as device %s\n", resp.DeviceID)
	fmt.Fprintf(os.Stderr, "  Tunnel address: %s\n", resp.Address)

	cfg := config.DefaultConfig()
	cfg.Network.Name = networkName
	cfg.Network.ServerURL = wsURL
	cfg.Network.DeviceID = resp.DeviceID
	cfg.Network.RefreshToken = resp.RefreshToken
	cfg.Network.TURNSecret = resp.TURNSecret
	cfg.Device.Name = deviceName
	cfg.Device.Address = resp.Address
	cfg.Device.Routes = routes

	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating WireGuard key: %w", err)
	}
	cfg.Device.PrivateKey = privKey
	pubKey := config.PublicKey(privKey)

	fmt.Fprintf(os.Stderr, "  WireGuard key pair generated\n")
	fmt.Fprintf(os.Stderr, "  Serving subnets: %s\n", strings.Join(routes, ", "))

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	chownForUser(cfgPath, realUser)
	fmt.Fprintf(os.Stderr, "  Config written to %s\n", cfgPath)

	fmt.Fprintf(os.Stderr, "\nInstallation\n")
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 12))

	switch runtime.GOOS {
	case "linux":
		if err := setCapabilities(); err != nil {
			return err
		}
		install := true
		installForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Install systemd service?").
					Value(&install),
			),
		).WithTheme(customHuhTheme())
		if err := installForm.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
		if install {
			binaryPath, err := resolveCurrentBinary()
			if err != nil {
				return err
			}
			if err := installSystemdService(binaryPath); err != nil {
				return fmt.Errorf("installing systemd service: %w", err)
			}
		}
	case "darwin":
		install := true
		installForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Install launchd service?").
					Value(&install),
			),
		).WithTheme(customHuhTheme())
		if err := installForm.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
		if install {
			binaryPath, err := resolveCurrentBinary()
			if err != nil {
				return err
			}
			if err := installLaunchdService(binaryPath); err != nil {
				return fmt.Errorf("installing launchd service: %w", err)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "\nSetup complete!")
	if runtime.GOOS == "darwin" {
		fmt.Fprintf(os.Stderr, " Run 'sudo zerogate-gateway up' to start serving.\n")
	} else {
		fmt.Fprintf(os.Stderr, " Run 'zerogate-gateway up' to start serving.\n")
	}
	fmt.Fprintf(os.Stderr, "  Public key: %s\n", pubKey.String())

	return nil
}

// parseRoutes splits a comma-separated CIDR list, trimming whitespace and
// dropping empty entries.
func parseRoutes(s string) []string {
	var routes []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			routes = append(routes, part)
		}
	}
	return routes
}

// setCapabilities sets CAP_NET_ADMIN and CAP_NET_RAW on the current binary
// so zerogate-gateway can create TUN devices and manage nftables rules
// without running as root. Only applicable on Linux.
func setCapabilities() error {
	binaryPath, err := resolveCurrentBinary()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Setting capabilities on %s\n", binaryPath)
	setcap := exec.Command("setcap", "cap_net_admin,cap_net_raw+eip", binaryPath)
	setcap.Stdout = os.Stderr
	setcap.Stderr = os.Stderr
	if err := setcap.Run(); err != nil {
		return fmt.Errorf("setcap failed (is libcap installed?): %w", err)
	}
	fmt.Fprintf(os.Stderr, "  Capabilities set\n")

	return nil
}

// resolveCurrentBinary returns the absolute path to the currently running
// binary, resolving any symlinks.
func resolveCurrentBinary() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding current binary: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", fmt.Errorf("resolving binary path: %w", err)
	}
	return self, nil
}

// resolveRealUser returns the non-root user who invoked sudo.
// Falls back to the current user if SUDO_USER is not set.
func resolveRealUser() (*user.User, error) {
	username := os.Getenv("SUDO_USER")
	if username == "" {
		return user.Current()
	}
	return user.Lookup(username)
}

// installSystemdService writes the service file and updates the ExecStart path.
// The service runs as the real user (from SUDO_USER), not root — capabilities
// are granted via AmbientCapabilities.
//
// If the binary is under /home (e.g., Homebrew on Linux), it is copied to
// /usr/local/bin/zerogate-gateway. Binaries under /home carry the SELinux
// label user_home_t, which systemd services are not permitted to execute.
func installSystemdService(binaryPath string) error {
	u, err := resolveRealUser()
	if err != nil {
		return fmt.Errorf("resolving user for systemd service: %w", err)
	}

	grp, err := user.LookupGroupId(u.Gid)
	if err != nil {
		return fmt.Errorf("resolving group for uid %s: %w", u.Gid, err)
	}

	const systemBinaryPath = "/usr/local/bin/zerogate-gateway"
	serviceBinary := binaryPath
	if strings.HasPrefix(binaryPath, "/home/") {
		fmt.Fprintf(os.Stderr, "Binary is under /home — copying to %s for systemd compatibility\n", systemBinaryPath)
		if err := copyBinary(binaryPath, systemBinaryPath, 0755); err != nil {
			return fmt.Errorf("copying binary to %s: %w", systemBinaryPath, err)
		}
		setcap := exec.Command("setcap", "cap_net_admin,cap_net_raw+eip", systemBinaryPath)
		setcap.Stdout = os.Stderr
		setcap.Stderr = os.Stderr
		if err := setcap.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: setcap on %s failed: %v\n", systemBinaryPath, err)
		}
		serviceBinary = systemBinaryPath
		fmt.Fprintf(os.Stderr, "  Copied and set capabilities on %s\n", systemBinaryPath)
	}

	fmt.Fprintf(os.Stderr, "Service will run as user=%s group=%s\n", u.Username, grp.Name)

	serviceContent := fmt.Sprintf(`[Unit]
Description=zerogate-gateway - zero-trust WireGuard tunnel gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s up
Restart=on-failure
RestartSec=5

# Run as the installing user, not root. Capabilities are granted below.
User=%s
Group=%s

# Runtime directory for the control socket.
RuntimeDirectory=zerogate
RuntimeDirectoryMode=0755

# Security hardening.
# zerogate-gateway needs CAP_NET_ADMIN to create TUN devices, configure
# interfaces and nftables masquerade rules, and CAP_NET_RAW for raw socket
# operations used by WireGuard.
AmbientCapabilities=CAP_NET_ADMIN CAP_NET_RAW
CapabilityBoundingSet=CAP_NET_ADMIN CAP_NET_RAW
NoNewPrivileges=yes

# Filesystem restrictions.
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/run/zerogate
PrivateTmp=yes

# Network access (required).
RestrictAddressFamilies=AF_UNIX AF_INET AF_INET6 AF_NETLINK

# System call filtering.
SystemCallArchitectures=native
LockPersonality=yes
ProtectClock=yes
ProtectHostname=yes
ProtectKernelLogs=yes
ProtectKernelModules=yes
ProtectKernelTunables=yes
RestrictRealtime=yes
RestrictSUIDSGID=yes

[Install]
WantedBy=multi-user.target
`, serviceBinary, u.Username, grp.Name)

	fmt.Fprintf(os.Stderr, "Installing systemd service to %s\n", systemdServicePath)

	if err := os.WriteFile(systemdServicePath, []byte(serviceContent), 0644); err != nil {
		return fmt.Errorf("writing service file: %w", err)
	}

	reload := exec.Command("systemctl", "daemon-reload")
	reload.Stdout = os.Stderr
	reload.Stderr = os.Stderr
	if err := reload.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: systemctl daemon-reload failed: %v\n", err)
	}

	return nil
}

// installLaunchdService writes the launchd property list that runs
// zerogate-gateway as a background daemon on macOS.
func installLaunchdService(binaryPath string) error {
	plistContent := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.zerogate.gateway</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>up</string>
	</array>
	<key>RunAtLoad</key>
	<false/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`, binaryPath, logFilePath, logFilePath)

	fmt.Fprintf(os.Stderr, "Installing launchd service to %s\n", launchdPlistPath)

	if err := os.MkdirAll(filepath.Dir(launchdPlistPath), 0755); err != nil {
		return fmt.Errorf("creating LaunchDaemons directory: %w", err)
	}

	if err := os.WriteFile(launchdPlistPath, []byte(plistContent), 0644); err != nil {
		return fmt.Errorf("writing plist file: %w", err)
	}

	return nil
}

// copyBinary copies src to dst with the given permissions.
// Used to copy the binary to a system path when the original is in a
// location that systemd cannot execute from (e.g., /home with SELinux).
func copyBinary(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return out.Close()
}

// chownForUser sets file and parent directory ownership to the given user.
// This is used when running as root to ensure config files are owned by the
// real user who invoked sudo.
func chownForUser(path string, u *user.User) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil || uid == 0 {
		return
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return
	}

	_ = os.Chown(path, uid, gid)

	dir := filepath.Dir(path)
	_ = os.Chown(dir, uid, gid)
}
