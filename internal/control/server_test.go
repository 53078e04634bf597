package control

import (
	"path/filepath"
	"testing"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			Device:        "test-device",
			Address:       "10.0.0.1/24",
			ServerURL:     "https://example.com/connect",
			UptimeSeconds: 42.5,
			Connections: []ConnectionStatus{
				{
					ID:         "conn-1",
					ResourceID: "res-1",
					GatewayID:  "gw-1",
					State:      "connected",
				},
			},
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	// Fetch status.
	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Device != "test-device" {
		t.Errorf("Device = %q, want %q", status.Device, "test-device")
	}
	if status.Address != "10.0.0.1/24" {
		t.Errorf("Address = %q, want %q", status.Address, "10.0.0.1/24")
	}
	if len(status.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(status.Connections))
	}
	if status.Connections[0].ResourceID != "res-1" {
		t.Errorf("Connections[0].ResourceID = %q, want %q", status.Connections[0].ResourceID, "res-1")
	}
	if status.Connections[0].GatewayID != "gw-1" {
		t.Errorf("Connections[0].GatewayID = %q, want %q", status.Connections[0].GatewayID, "gw-1")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
