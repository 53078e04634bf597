package connlib

import (
	"net"
	"testing"
	"time"

	"github.com/zerogate/connlib/internal/config"
)

func mustKeypair(t *testing.T) (config.Key, config.Key) {
	t.Helper()
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return priv, config.PublicKey(priv)
}

func TestNewConnectionStartsConnecting(t *testing.T) {
	t.Parallel()

	_, localPub := mustKeypair(t)
	_, remotePub := mustKeypair(t)
	_ = localPub

	priv, _ := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id, psk, err := n.NewConnection(now, ResourceID("res-1"), remotePub)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty connection id")
	}
	if psk == (pskZero()) {
		t.Fatal("expected a non-zero preshared key")
	}

	states := n.Connections()
	if got := states[id]; got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
}

func TestCandidateTimeoutFailsThenGCs(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	_, remotePub := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id, _, err := n.NewConnection(now, ResourceID("res-1"), remotePub)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	later := now.Add(CandidateTimeout + time.Second)
	if err := n.HandleTimeout(later); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	if got := n.Connections()[id]; got != StateFailed {
		t.Fatalf("state after candidate timeout = %s, want failed", got)
	}

	// HandleTimeout never GCs a connection on its own — only
	// CloseConnection removes it from the registry, once the owner has
	// reacted to the Failed state change.
	if err := n.CloseConnection(id); err != nil {
		t.Fatalf("CloseConnection: %v", err)
	}
	if _, ok := n.Connections()[id]; ok {
		t.Fatal("expected connection to be gone after CloseConnection")
	}
}

func TestConnectionIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[ConnectionID]bool)
	for i := 0; i < 100; i++ {
		id, err := NewConnectionID()
		if err != nil {
			t.Fatalf("NewConnectionID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate connection id %q", id)
		}
		seen[id] = true
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateIdle:       "idle",
		StateFailed:     "failed",
		StateClosed:     "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func pskZero() [32]byte { return [32]byte{} }

// TestResetClosesEveryConnectionAndRelay covers §4.5's "reset": every open
// Connection must be torn down and reported to the owner as one
// StateChangedEvent to StateClosed, and every relay Allocation/relayPeer
// mapping must be wiped so a reused Node starts from a clean slate.
func TestResetClosesEveryConnectionAndRelay(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	_, remotePub1 := mustKeypair(t)
	_, remotePub2 := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id1, _, err := n.NewConnection(now, ResourceID("res-1"), remotePub1)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	id2, _, err := n.NewConnection(now, ResourceID("res-2"), remotePub2)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	n.UpdateRelays(nil, []RelayServer{{ID: RelayID("r1"), Addr: "127.0.0.1:3478", Username: "u", Password: "p", Realm: "realm"}}, now)

	n.Reset(now)

	seenClosed := map[ConnectionID]bool{}
	for {
		ev, ok := n.PollEvent(now)
		if !ok {
			break
		}
		if sc, ok := ev.Connection.(StateChangedEvent); ok && sc.To == StateClosed {
			seenClosed[ev.ConnectionID] = true
		}
	}
	if !seenClosed[id1] || !seenClosed[id2] {
		t.Fatalf("expected a StateChangedEvent to Closed for both connections, got %v", seenClosed)
	}
	if len(n.Connections()) != 0 {
		t.Fatal("expected no connections to remain after Reset")
	}
	if len(n.allocations) != 0 || len(n.relays) != 0 || len(n.relayPeers) != 0 {
		t.Fatal("expected every relay Allocation and relayPeer mapping to be cleared by Reset")
	}
}

// TestUpdateRelaysDiffIsIdempotent covers testable property 5: applying
// the same toAdd twice must refresh the existing Allocation's credentials
// in place rather than building a second one, so the net effect of the
// second call is identical to the first.
func TestUpdateRelaysDiffIsIdempotent(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	server := RelayServer{ID: RelayID("r1"), Addr: "127.0.0.1:3478", Username: "u1", Password: "p1", Realm: "realm"}
	n.UpdateRelays(nil, []RelayServer{server}, now)
	if len(n.allocations) != 1 {
		t.Fatalf("expected exactly one allocation after the first call, got %d", len(n.allocations))
	}
	firstAlloc := n.allocations[server.ID]

	server.Username, server.Password = "u2", "p2"
	n.UpdateRelays(nil, []RelayServer{server}, now)

	if len(n.allocations) != 1 {
		t.Fatalf("expected the second call to still leave exactly one allocation, got %d", len(n.allocations))
	}
	if n.allocations[server.ID] != firstAlloc {
		t.Fatal("expected the existing Allocation to be refreshed in place, not replaced")
	}
}

// TestUpdateRelaysRemoveDetachesConnection covers the "relay changes"
// paragraph of §4.5: removing a relay a Connection is routed through must
// detach Connection.relay and drop the relayPeers entry, not merely forget
// the RelayServer.
func TestUpdateRelaysRemoveDetachesConnection(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	_, remotePub := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id, _, err := n.NewConnection(now, ResourceID("res-1"), remotePub)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	relayID := RelayID("r1")
	n.UpdateRelays(nil, []RelayServer{{ID: relayID, Addr: "127.0.0.1:3478", Username: "u", Password: "p", Realm: "realm"}}, now)

	conn := n.connections[id]
	alloc := n.allocations[relayID]
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51820}
	conn.relay = alloc
	n.relayPeers[relayPeerKey(relayID, peer)] = id

	n.UpdateRelays([]RelayID{relayID}, nil, now)

	if conn.relay != nil {
		t.Fatal("expected the connection's relay to be detached once its relay is removed")
	}
	if len(n.relayPeers) != 0 {
		t.Fatal("expected the relayPeers entry to be removed along with the relay")
	}
}

// TestIsExpectingAnswerNoAnswerTimeout covers §3's InitialConnection "no
// answer" timeout: an initiating connection whose SetRemoteICECredentials
// never arrives must fail once NoAnswerTimeout elapses, even though it is
// still well within CandidateTimeout.
func TestIsExpectingAnswerNoAnswerTimeout(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	_, remotePub := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id, _, err := n.NewConnection(now, ResourceID("res-1"), remotePub)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	expecting, err := n.IsExpectingAnswer(id)
	if err != nil {
		t.Fatalf("IsExpectingAnswer: %v", err)
	}
	if !expecting {
		t.Fatal("expected a freshly created initiating connection to be expecting an answer")
	}

	later := now.Add(NoAnswerTimeout + time.Second)
	if err := n.HandleTimeout(later); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if got := n.Connections()[id]; got != StateFailed {
		t.Fatalf("state after no-answer timeout = %s, want failed", got)
	}
}

// TestSetRemoteICECredentialsClearsAwaitingAnswer ensures an arriving
// answer clears awaitingAnswer, and that a connection which then never
// nominates a candidate pair still fails, on its candidate deadline.
func TestSetRemoteICECredentialsClearsAwaitingAnswer(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	_, remotePub := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	id, _, err := n.NewConnection(now, ResourceID("res-1"), remotePub)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ufrag, pwd, err := n.LocalICECredentials(id)
	if err != nil {
		t.Fatalf("LocalICECredentials: %v", err)
	}
	if err := n.SetRemoteICECredentials(id, ufrag, pwd); err != nil {
		t.Fatalf("SetRemoteICECredentials: %v", err)
	}

	expecting, err := n.IsExpectingAnswer(id)
	if err != nil {
		t.Fatalf("IsExpectingAnswer: %v", err)
	}
	if expecting {
		t.Fatal("expected awaitingAnswer to be cleared once the answer arrives")
	}

	// No candidate pair was ever nominated, and this is past both
	// CandidateTimeout and NoAnswerTimeout; the candidate deadline has
	// failed the connection.
	later := now.Add(NoAnswerTimeout + time.Second)
	if err := n.HandleTimeout(later); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if got := n.Connections()[id]; got != StateFailed {
		// CandidateTimeout (10s) is shorter than NoAnswerTimeout (20s), so
		// by this point the connection is expected to have failed on the
		// candidate deadline instead — awaitingAnswer being cleared just
		// means it didn't fail for the *no-answer* reason specifically.
		t.Fatalf("state = %s, want failed (via candidate timeout, not no-answer)", got)
	}
}

// TestDecapsulateRejectsNonTurnShapedPacket covers scenario S5: a datagram
// whose first two bits don't match STUN/TURN control framing (0b00) or
// channel-data framing (0b01) must be rejected outright, before even
// checking whether its source matches a known relay.
func TestDecapsulateRejectsNonTurnShapedPacket(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	relayAddr := "127.0.0.1:3478"
	n.UpdateRelays(nil, []RelayServer{{ID: RelayID("r1"), Addr: relayAddr, Username: "u", Password: "p", Realm: "realm"}}, now)

	from, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	// 0b11000000 -> top two bits are 0b11, neither STUN/TURN (0b00) nor
	// channel-data (0b01) framing.
	packet := []byte{0xC0, 0x00, 0x00, 0x00}
	if _, _, ok := n.Decapsulate(nil, from, packet, now); ok {
		t.Fatal("expected a non-TURN-shaped packet to be rejected")
	}
}

// TestDecapsulateRejectsUnknownServerAddr ensures a STUN/TURN-shaped
// packet from an address that isn't a configured relay server is ignored
// rather than matched against an arbitrary Allocation.
func TestDecapsulateRejectsUnknownServerAddr(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	n.UpdateRelays(nil, []RelayServer{{ID: RelayID("r1"), Addr: "127.0.0.1:3478", Username: "u", Password: "p", Realm: "realm"}}, now)

	unknown, err := net.ResolveUDPAddr("udp", "198.51.100.9:9999")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	packet := []byte{0x00, 0x01, 0x00, 0x00}
	if _, _, ok := n.Decapsulate(nil, unknown, packet, now); ok {
		t.Fatal("expected a packet from an address matching no relay server to be rejected")
	}
}

// TestDecapsulateIgnoresChannelDataForUnregisteredPeer covers the final
// demux step: an Allocation may legitimately decode channel-data framing
// for a peer it has bound a channel to, but if that relay/peer pair was
// never attached to a Connection (maybeAttachRelayLocked never ran for
// it), Decapsulate must not route it anywhere.
func TestDecapsulateIgnoresChannelDataForUnregisteredPeer(t *testing.T) {
	t.Parallel()

	priv, _ := mustKeypair(t)
	now := time.Unix(1_700_000_000, 0)
	n := New(priv, now)

	relayID := RelayID("r1")
	n.UpdateRelays(nil, []RelayServer{{ID: relayID, Addr: "127.0.0.1:3478", Username: "u", Password: "p", Realm: "realm"}}, now)

	alloc := n.allocations[relayID]
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 51820}
	if err := alloc.BindChannel(now, peer); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	tx, err := alloc.EncodeToOwnedTransmit(peer, []byte("payload"))
	if err != nil {
		t.Fatalf("EncodeToOwnedTransmit: %v", err)
	}

	if _, _, ok := n.Decapsulate(nil, alloc.ServerAddr(), tx.Payload, now); ok {
		t.Fatal("expected channel data for a peer with no attached Connection to be dropped")
	}
}
