// Package mobile provides a gomobile-compatible API for the zerogate
// connectivity core. This package is compiled to an Android AAR via
// `gomobile bind`.
//
// All exported types and methods stick to gomobile's boundary restrictions:
// only basic types (string, int, bool, []byte, error) and interfaces built
// from those types cross the binding.
//
// Usage from Kotlin/Android:
//
//	val tunnel = Mobile.newTunnel(configTOML)
//	tunnel.setLogger(logCallback)
//	tunnel.start(tunFD)  // blocks until stopped or error
//	tunnel.stop()
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zerogate/connlib/internal/agent"
	"github.com/zerogate/connlib/internal/auth"
	"github.com/zerogate/connlib/internal/config"
)

// Logger receives log messages from the Go core. Implement this interface
// in Kotlin and pass it to Tunnel.SetLogger().
//
// Level values: 0=Debug, 1=Info, 2=Warn, 3=Error
type Logger interface {
	Log(level int, msg string)
}

// Tunnel represents a zerogate VPN tunnel instance. Create one with
// NewTunnel(), configure it, then call Start() to connect.
type Tunnel struct {
	cfg    *config.Config
	ag     *agent.Agent
	cancel context.CancelFunc
	logger Logger

	mu      sync.Mutex
	running bool
}

// NewTunnel creates a new Tunnel from a TOML configuration string. The TOML
// must have the same structure as the zerogate config.toml file.
func NewTunnel(configTOML string) (*Tunnel, error) {
	cfg, err := config.ParseTOML(configTOML)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Tunnel{cfg: cfg}, nil
}

func validateConfig(cfg *config.Config) error {
	if cfg.Network.ServerURL == "" {
		return fmt.Errorf("network.server_url is required")
	}
	if cfg.Network.DeviceID == "" {
		return fmt.Errorf("network.device_id is required")
	}
	if cfg.Network.RefreshToken == "" {
		return fmt.Errorf("network.refresh_token is required")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required")
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("device.address is required")
	}
	return nil
}

// SetLogger sets a callback for log messages from the Go core. Must be
// called before Start().
func (t *Tunnel) SetLogger(logger Logger) {
	t.logger = logger
}

// Start begins the VPN connection using the given TUN file descriptor. The
// fd should come from Android's VpnService.Builder.establish() or the
// equivalent iOS NEPacketTunnelProvider API: the host OS has already
// assigned the interface's address and routes, so the core adopts the fd
// as-is rather than creating and configuring its own kernel interface.
//
// This method blocks until Stop() is called or a fatal error occurs. Call
// it from a background thread/coroutine.
func (t *Tunnel) Start(tunFD int) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("tunnel is already running")
	}
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	var logger *slog.Logger
	if t.logger != nil {
		logger = slog.New(&mobileLogHandler{callback: t.logger})
	} else {
		logger = slog.Default()
	}

	t.ag = agent.New(t.cfg, logger, agent.WithTunFD(tunFD))

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	err := t.ag.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop gracefully shuts down the tunnel. Safe to call from any thread.
func (t *Tunnel) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// IsRunning returns whether the tunnel is currently active.
func (t *Tunnel) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// GetStatus returns a JSON-encoded status string with connection state.
// Returns "{}" if the tunnel has never been started; after Stop it still
// reports the last agent's status.
func (t *Tunnel) GetStatus() string {
	if t.ag == nil {
		return "{}"
	}
	data, err := json.Marshal(t.ag.Status())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// GetTunnelAddress returns the tunnel address from the config, e.g.
// "10.0.0.2/24". The host VPN builder needs this to configure the
// interface's address before handing the fd to Start.
func (t *Tunnel) GetTunnelAddress() string {
	return t.cfg.Device.Address
}

// GetTunnelSubnet returns the network CIDR for the tunnel subnet, derived
// from the device address. For example, if the address is "10.0.0.2/24",
// this returns "10.0.0.0/24".
func (t *Tunnel) GetTunnelSubnet() string {
	_, ipNet, err := net.ParseCIDR(t.cfg.Device.Address)
	if err != nil {
		return t.cfg.Device.Address
	}
	return ipNet.String()
}

// GetDeviceName returns the device name from the config.
func (t *Tunnel) GetDeviceName() string {
	return t.cfg.Device.Name
}

// GetMTU returns the MTU value to use for the TUN interface.
func (t *Tunnel) GetMTU() int {
	return 1420
}

// GetRoutes returns a JSON-encoded array of LAN subnet CIDRs this device
// accepts traffic for, as configured locally. Returns "[]" if none are set.
func (t *Tunnel) GetRoutes() string {
	data, err := json.Marshal(t.cfg.Device.Routes)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// GetAcceptRoutes returns whether accept_routes is enabled in the config.
func (t *Tunnel) GetAcceptRoutes() bool {
	return t.cfg.Device.AcceptRoutes
}

// GetForceRelay returns whether force_relay is enabled in the config.
func (t *Tunnel) GetForceRelay() bool {
	return t.cfg.Device.ForceRelay
}

// GetServerURL returns the signaling server URL from the config.
func (t *Tunnel) GetServerURL() string {
	return t.cfg.Network.ServerURL
}

// UpdateConfig applies a new TOML configuration to the tunnel. The new
// config is parsed and validated, then the tunnel's internal config is
// replaced. Returns the re-marshaled TOML string (canonical form) for the
// caller to persist. The tunnel must be restarted for changes to take
// effect.
func (t *Tunnel) UpdateConfig(tomlStr string) (string, error) {
	newCfg, err := config.ParseTOML(tomlStr)
	if err != nil {
		return "", fmt.Errorf("parsing updated config: %w", err)
	}
	if err := validateConfig(newCfg); err != nil {
		return "", err
	}
	t.cfg = newCfg

	canonical, err := config.MarshalTOML(newCfg)
	if err != nil {
		return "", fmt.Errorf("marshaling updated config: %w", err)
	}
	return canonical, nil
}

// --- Device registration (called before a tunnel is created) ---

// RegisterResult holds the result of enrolling a new device.
type RegisterResult struct {
	// ConfigTOML is the complete TOML config string ready to save and use.
	ConfigTOML string

	// TunnelAddress is the auto-assigned tunnel address, e.g. "10.0.0.2/24".
	TunnelAddress string

	// DeviceName is the device name used in the config.
	DeviceName string
}

// RegisterDevice enrolls a new device with a zerogate signaling server
// using a one-time enrollment token (issued out of band, e.g. by an admin
// from the portal's web UI or CLI).
//
// Parameters:
//   - serverHost: the signaling server hostname, e.g. "portal.example.com"
//   - enrollToken: one-time enrollment token
//   - deviceName: name for this device, e.g. "pixel-phone"
func RegisterDevice(serverHost, enrollToken, deviceName string) (*RegisterResult, error) {
	if serverHost == "" {
		return nil, fmt.Errorf("server host is required")
	}
	if enrollToken == "" {
		return nil, fmt.Errorf("enrollment token is required")
	}
	if deviceName == "" {
		return nil, fmt.Errorf("device name is required")
	}

	serverURL := "https://" + serverHost

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := auth.Register(ctx, serverURL, enrollToken, deviceName)
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	wsURL, err := normalizeServerURL(resp.ServerURL + "/client/websocket")
	if err != nil {
		return nil, fmt.Errorf("normalizing server URL: %w", err)
	}

	privateKey, err := config.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Network.ServerURL = wsURL
	cfg.Network.TURNSecret = resp.TURNSecret
	cfg.Network.DeviceID = resp.DeviceID
	cfg.Network.RefreshToken = resp.RefreshToken
	cfg.Device.Name = deviceName
	cfg.Device.PrivateKey = privateKey
	cfg.Device.Address = resp.Address
	cfg.Device.AcceptRoutes = true

	tomlStr, err := config.MarshalTOML(cfg)
	if err != nil {
		return nil, fmt.Errorf("serializing config: %w", err)
	}

	return &RegisterResult{
		ConfigTOML:    tomlStr,
		TunnelAddress: resp.Address,
		DeviceName:    deviceName,
	}, nil
}

// --- Internal helpers ---

// mobileLogHandler adapts Go's slog to the mobile Logger callback.
type mobileLogHandler struct {
	callback Logger
	attrs    []slog.Attr
	groups   []string
}

func (h *mobileLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *mobileLogHandler) Handle(_ context.Context, r slog.Record) error {
	var level int
	switch {
	case r.Level < slog.LevelInfo:
		level = 0
	case r.Level < slog.LevelWarn:
		level = 1
	case r.Level < slog.LevelError:
		level = 2
	default:
		level = 3
	}

	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.Key + "=" + a.Value.String()
		return true
	})
	for _, a := range h.attrs {
		msg += " " + a.Key + "=" + a.Value.String()
	}

	h.callback.Log(level, msg)
	return nil
}

func (h *mobileLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mobileLogHandler{
		callback: h.callback,
		attrs:    append(h.attrs, attrs...),
		groups:   h.groups,
	}
}

func (h *mobileLogHandler) WithGroup(name string) slog.Handler {
	return &mobileLogHandler{
		callback: h.callback,
		attrs:    h.attrs,
		groups:   append(h.groups, name),
	}
}

// normalizeServerURL gives the URL a WebSocket scheme for signaling: https
// and schemeless URLs become wss://, http becomes ws://, and ws/wss are kept.
func normalizeServerURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "wss", "ws":
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	return u.String(), nil
}
