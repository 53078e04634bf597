package agent

import (
	"net"
	"testing"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/pkg/connlib"
	"github.com/zerogate/connlib/pkg/protocol"
)

func testAgent(t *testing.T) (*Agent, *testFakes) {
	t.Helper()
	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating private key: %v", err)
	}
	cfg := &config.Config{
		Device: config.DeviceConfig{
			Name:       "test0",
			PrivateKey: privKey,
			Address:    "10.13.0.2/24",
		},
		Network: config.NetworkConfig{
			ServerURL: "wss://example.test/client/websocket",
		},
	}
	deps, fakes := newTestDeps()
	return NewWithDeps(cfg, nil, deps), fakes
}

func TestDestinationIP(t *testing.T) {
	t.Parallel()

	ipv4 := net.IPv4(10, 13, 0, 7).To4()
	packet4 := make([]byte, 20)
	packet4[0] = 0x45 // version 4, IHL 5
	copy(packet4[16:20], ipv4)

	ipv6 := net.ParseIP("fd00::7")
	packet6 := make([]byte, 40)
	packet6[0] = 0x60 // version 6
	copy(packet6[24:40], ipv6.To16())

	tests := []struct {
		name   string
		packet []byte
		want   net.IP
	}{
		{"ipv4", packet4, ipv4},
		{"ipv6", packet6, ipv6},
		{"empty", nil, nil},
		{"truncated ipv4", packet4[:10], nil},
		{"truncated ipv6", packet6[:30], nil},
		{"unknown version", []byte{0x00, 0, 0, 0}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := destinationIP(tt.packet)
			if tt.want == nil {
				if got != nil {
					t.Errorf("destinationIP() = %v, want nil", got)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("destinationIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesResourceAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		ip      string
		want    bool
	}{
		{"10.13.0.0/24", "10.13.0.7", true},
		{"10.13.0.0/24", "10.14.0.7", false},
		{"10.13.0.7", "10.13.0.7", true},
		{"10.13.0.7", "10.13.0.8", false},
		{"", "10.13.0.7", false},
		{"fd00::/8", "fd00::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.address+"/"+tt.ip, func(t *testing.T) {
			t.Parallel()
			if got := matchesResourceAddress(tt.address, net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("matchesResourceAddress(%q, %q) = %v, want %v", tt.address, tt.ip, got, tt.want)
			}
		})
	}
}

func TestAgentResourceForIP(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.applyResources([]protocol.ResourceDescription{
		{ID: "res-1", Address: "10.20.0.0/24"},
		{ID: "res-2", Address: "10.30.0.5"},
	})

	id, ok := a.resourceForIP(net.ParseIP("10.20.0.9"))
	if !ok || id != "res-1" {
		t.Errorf("resourceForIP(10.20.0.9) = (%v, %v), want (res-1, true)", id, ok)
	}

	id, ok = a.resourceForIP(net.ParseIP("10.30.0.5"))
	if !ok || id != "res-2" {
		t.Errorf("resourceForIP(10.30.0.5) = (%v, %v), want (res-2, true)", id, ok)
	}

	if _, ok := a.resourceForIP(net.ParseIP("192.168.1.1")); ok {
		t.Error("resourceForIP matched an address with no registered resource")
	}
}

func TestAgentApplyResourcesOverwritesByID(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.applyResources([]protocol.ResourceDescription{{ID: "res-1", Address: "10.20.0.0/24"}})
	a.applyResources([]protocol.ResourceDescription{{ID: "res-1", Address: "10.40.0.0/24"}})

	if _, ok := a.resourceForIP(net.ParseIP("10.20.0.1")); ok {
		t.Error("stale resource address still matches after update")
	}
	if id, ok := a.resourceForIP(net.ParseIP("10.40.0.1")); !ok || id != "res-1" {
		t.Errorf("updated resource address did not take effect: got (%v, %v)", id, ok)
	}
}

func TestAgentForgetConnectionClearsMappings(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.connResource[connlib.ConnectionID("conn-1")] = connlib.ResourceID("res-1")
	a.connGateway[connlib.ConnectionID("conn-1")] = "gw-1"
	a.resourceConn[connlib.ResourceID("res-1")] = connlib.ConnectionID("conn-1")
	a.connectedGw["gw-1"] = true
	a.pendingIntents[connlib.ResourceID("res-1")] = true

	// forgetConnection should clear everything tied to conn-1, and drop
	// gw-1 from connectedGw since no other connection references it.
	a.forgetConnection(connlib.ConnectionID("conn-1"))

	if _, ok := a.connResource[connlib.ConnectionID("conn-1")]; ok {
		t.Error("connResource entry survived forgetConnection")
	}
	if _, ok := a.resourceConn[connlib.ResourceID("res-1")]; ok {
		t.Error("resourceConn entry survived forgetConnection")
	}
	if _, ok := a.connGateway[connlib.ConnectionID("conn-1")]; ok {
		t.Error("connGateway entry survived forgetConnection")
	}
	if a.connectedGw["gw-1"] {
		t.Error("connectedGw entry survived forgetConnection with no other users")
	}
}

func TestAgentForgetConnectionKeepsSharedGateway(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.connGateway[connlib.ConnectionID("conn-1")] = "gw-1"
	a.connGateway[connlib.ConnectionID("conn-2")] = "gw-1"
	a.connectedGw["gw-1"] = true

	a.forgetConnection(connlib.ConnectionID("conn-1"))

	if !a.connectedGw["gw-1"] {
		t.Error("connectedGw entry removed while conn-2 still references the gateway")
	}
}

func TestAgentConfigureTUNFiltersDangerousRoutes(t *testing.T) {
	t.Parallel()

	a, fakes := testAgent(t)
	a.cfg.Device.Routes = []string{"10.50.0.0/24", "0.0.0.0/0", "not-a-cidr", "::/0", "fd00:aa::/32"}

	if err := a.configureTUN("test0"); err != nil {
		t.Fatalf("configureTUN: %v", err)
	}

	routes := fakes.Network.routes["test0"]
	want := map[string]bool{"10.50.0.0/24": true, "fd00:aa::/32": true}
	if len(routes) != len(want) {
		t.Fatalf("got routes %v, want exactly %v", routes, want)
	}
	for _, r := range routes {
		if !want[r] {
			t.Errorf("unexpected route %q made it through filtering", r)
		}
	}

	if fakes.Network.addresses["test0"] != "10.13.0.2/24" {
		t.Errorf("address not configured: got %q", fakes.Network.addresses["test0"])
	}
	if !fakes.Network.linksUp["test0"] {
		t.Error("link was not brought up")
	}
}

func TestAgentConfigureTUNRejectsMissingAddress(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.cfg.Device.Address = ""

	if err := a.configureTUN("test0"); err == nil {
		t.Error("expected error for missing device address")
	}
}

func TestAgentStatusReportsConnections(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	a.node = connlib.New(a.cfg.Device.PrivateKey, a.startedAt)

	status := a.Status()
	if status.Device != "test0" {
		t.Errorf("status.Device = %q, want test0", status.Device)
	}
	if status.Address != "10.13.0.2/24" {
		t.Errorf("status.Address = %q, want 10.13.0.2/24", status.Address)
	}
	if len(status.Connections) != 0 {
		t.Errorf("expected no connections, got %d", len(status.Connections))
	}
}
