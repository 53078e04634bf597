package turnalloc

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	server := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478}
	a := New(server, "user", "pass", DefaultRealm)

	peer := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 41000}
	now := time.Unix(1_700_000_000, 0)
	if err := a.BindChannel(now, peer); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	// Drain the ChannelBind request so it doesn't interfere below.
	if _, ok := a.PollTransmit(); !ok {
		t.Fatal("expected a queued ChannelBind transmit")
	}

	cb := a.channelsByPeer[peer.String()]
	if cb == nil {
		t.Fatal("channel binding not recorded")
	}

	payload := []byte("relayed packet")
	framed := encodeChannelData(cb.number, payload)

	gotPeer, gotPayload, consumed := a.handleChannelData(framed)
	if !consumed {
		t.Fatal("handleChannelData did not recognize its own framing")
	}
	if gotPeer.String() != peer.String() {
		t.Errorf("peer: got %s, want %s", gotPeer, peer)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload: got %q, want %q", gotPayload, payload)
	}
}

func TestDemuxByLeadingBits(t *testing.T) {
	t.Parallel()

	server := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478}
	a := New(server, "user", "pass", DefaultRealm)

	now := time.Unix(1_700_000_000, 0)
	peer := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 41000}
	if err := a.BindChannel(now, peer); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	a.PollTransmit() // drain the ChannelBind request

	cb := a.channelsByPeer[peer.String()]
	framed := encodeChannelData(cb.number, []byte("x"))

	gotPeer, gotPayload, consumed := a.HandleInput(now, framed)
	if !consumed {
		t.Fatal("channel-data range byte not recognized as consumed")
	}
	if gotPeer.String() != peer.String() || string(gotPayload) != "x" {
		t.Errorf("decapsulated (%v, %q), want (%v, %q)", gotPeer, gotPayload, peer, "x")
	}

	// Too short to be anything.
	if _, _, consumed := a.HandleInput(now, []byte{0x00}); consumed {
		t.Error("truncated datagram should not be consumed")
	}
}

func TestGenerateAndValidateCredentials(t *testing.T) {
	t.Parallel()

	secret := "shared-secret"
	username, password := GenerateCredentials(secret, "gw-1", DefaultCredentialLifetime)
	if err := ValidateCredentials(secret, username, password); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if err := ValidateCredentials("wrong-secret", username, password); err == nil {
		t.Fatal("credentials validated under the wrong secret")
	}
}
