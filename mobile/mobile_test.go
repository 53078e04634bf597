package mobile

import (
	"testing"

	"github.com/zerogate/connlib/internal/config"
)

func validTOML(t *testing.T) string {
	t.Helper()
	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating private key: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Network.ServerURL = "wss://portal.example.com/client/websocket"
	cfg.Network.DeviceID = "dev-1"
	cfg.Network.RefreshToken = "refresh-token"
	cfg.Device.Name = "phone"
	cfg.Device.PrivateKey = privKey
	cfg.Device.Address = "10.13.0.2/24"

	tomlStr, err := config.MarshalTOML(cfg)
	if err != nil {
		t.Fatalf("marshaling config: %v", err)
	}
	return tomlStr
}

func TestNewTunnel(t *testing.T) {
	t.Parallel()

	tun, err := NewTunnel(validTOML(t))
	if err != nil {
		t.Fatalf("NewTunnel() error = %v", err)
	}
	if tun.GetTunnelAddress() != "10.13.0.2/24" {
		t.Errorf("GetTunnelAddress() = %q, want 10.13.0.2/24", tun.GetTunnelAddress())
	}
	if tun.GetTunnelSubnet() != "10.13.0.0/24" {
		t.Errorf("GetTunnelSubnet() = %q, want 10.13.0.0/24", tun.GetTunnelSubnet())
	}
	if tun.GetDeviceName() != "phone" {
		t.Errorf("GetDeviceName() = %q, want phone", tun.GetDeviceName())
	}
	if tun.GetMTU() != 1420 {
		t.Errorf("GetMTU() = %d, want 1420", tun.GetMTU())
	}
	if tun.IsRunning() {
		t.Error("IsRunning() = true for a tunnel that was never started")
	}
	if tun.GetStatus() != "{}" {
		t.Errorf("GetStatus() = %q, want {} before Start", tun.GetStatus())
	}
}

func TestNewTunnel_missingRequiredField(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Network.ServerURL = "wss://portal.example.com/client/websocket"
	tomlStr, err := config.MarshalTOML(cfg)
	if err != nil {
		t.Fatalf("marshaling config: %v", err)
	}

	if _, err := NewTunnel(tomlStr); err == nil {
		t.Fatal("NewTunnel() error = nil, want error for missing device fields")
	}
}

func TestNewTunnel_invalidTOML(t *testing.T) {
	t.Parallel()

	if _, err := NewTunnel("not valid toml {{{"); err == nil {
		t.Fatal("NewTunnel() error = nil, want error for malformed TOML")
	}
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	tun, err := NewTunnel(validTOML(t))
	if err != nil {
		t.Fatalf("NewTunnel() error = %v", err)
	}

	canonical, err := tun.UpdateConfig(validTOML(t))
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if canonical == "" {
		t.Error("UpdateConfig() returned empty canonical TOML")
	}
}

func TestStart_alreadyRunning(t *testing.T) {
	t.Parallel()

	tun, err := NewTunnel(validTOML(t))
	if err != nil {
		t.Fatalf("NewTunnel() error = %v", err)
	}
	tun.running = true

	if err := tun.Start(3); err == nil {
		t.Fatal("Start() error = nil, want error when already running")
	}
}

func TestNormalizeServerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://portal.example.com/client/websocket", "wss://portal.example.com/client/websocket"},
		{"http://portal.example.com", "ws://portal.example.com/websocket"},
		{"portal.example.com", "wss://portal.example.com/websocket"},
		{"wss://portal.example.com/client/websocket", "wss://portal.example.com/client/websocket"},
	}

	for _, tt := range tests {
		got, err := normalizeServerURL(tt.in)
		if err != nil {
			t.Errorf("normalizeServerURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeServerURL_unsupportedScheme(t *testing.T) {
	t.Parallel()

	if _, err := normalizeServerURL("ftp://portal.example.com"); err == nil {
		t.Fatal("normalizeServerURL() error = nil, want error for unsupported scheme")
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Log(level int, msg string) {
	r.lines = append(r.lines, msg)
}

func TestMobileLogHandler(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}
	tun, err := NewTunnel(validTOML(t))
	if err != nil {
		t.Fatalf("NewTunnel() error = %v", err)
	}
	tun.SetLogger(rec)
	if tun.logger == nil {
		t.Fatal("SetLogger did not set the logger field")
	}
}
