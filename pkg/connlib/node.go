package connlib

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/pkg/candidate"
	"github.com/zerogate/connlib/pkg/iceagent"
	"github.com/zerogate/connlib/pkg/turnalloc"
	"github.com/zerogate/connlib/pkg/wgtunnel"
)

// RelayServer is one configured TURN server a Node may use for relayed
// candidates, loaded from config.toml (§4.8) and installed via
// UpdateRelays. ID must be stable across calls so relay churn can be
// expressed as a diff rather than a wholesale replacement.
type RelayServer struct {
	ID       RelayID
	Addr     string
	Username string
	Password string
	Realm    string
}

// Transmit is a datagram the owner must send from the Node's own
// relay-facing socket. This socket is distinct from the ones pion/ice
// manages internally per Connection for host/server-reflexive candidates
// — it exists solely so the Node can drive its own pkg/turnalloc
// Allocations (§4.1) for every configured TURN server.
type Transmit struct {
	To      net.Addr
	Payload []byte
}

// Event is a Node-level event: either a forwarded Connection event tagged
// with the connection it came from, or a Node-wide condition.
type Event struct {
	ConnectionID ConnectionID
	Connection   ConnectionEvent
}

// Node is the SANS-IO root of the connectivity core (§4.5): it owns every
// Connection, demultiplexes inbound packets to the right one, and
// aggregates their poll/timeout surfaces into a single pull-based API for
// its owner (the agent event loop described in §5).
type Node struct {
	mu sync.Mutex

	privateKey config.Key
	keepalive  time.Duration

	relays      map[RelayID]RelayServer
	allocations map[RelayID]*turnalloc.Allocation
	// relayPeers maps a relayID+peer-address key to the Connection using
	// that (relay, peer) pair, so Decapsulate can route a channel-data
	// payload recovered from an Allocation back to the Connection it
	// belongs to.
	relayPeers  map[string]ConnectionID
	rateLimiter *wgtunnel.HandshakeRateLimiter

	offlineResources map[ResourceID]bool

	connections map[ConnectionID]*Connection
	events      []Event
}

// New constructs an empty Node for the local private key. t0 anchors the
// shared handshake rate limiter; the owner supplies every subsequent
// timestamp explicitly (the Node itself never samples the clock).
func New(privateKey config.Key, t0 time.Time) *Node {
	return &Node{
		privateKey:       privateKey,
		keepalive:        wgtunnel.DefaultKeepaliveInterval,
		rateLimiter:      wgtunnel.NewHandshakeRateLimiter(t0),
		relays:           make(map[RelayID]RelayServer),
		allocations:      make(map[RelayID]*turnalloc.Allocation),
		relayPeers:       make(map[string]ConnectionID),
		offlineResources: make(map[ResourceID]bool),
		connections:      make(map[ConnectionID]*Connection),
	}
}

// UpdateRelays applies relay churn as a diff (§4.5 "update_relays"):
// toRemove's Allocations are invalidated and torn down first (any
// Connection's relayed candidates through them are detached), then toAdd
// is upserted — a RelayID already known gets its credentials refreshed
// in place rather than a new Allocation being built, so calling
// UpdateRelays(nil, {x}, now) twice has the same effect as once.
func (n *Node) UpdateRelays(toRemove []RelayID, toAdd []RelayServer, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range toRemove {
		alloc, ok := n.allocations[id]
		if !ok {
			delete(n.relays, id)
			continue
		}
		n.invalidateRelayLocked(id, alloc)
		alloc.Close()
		delete(n.allocations, id)
		delete(n.relays, id)
	}

	for _, rs := range toAdd {
		if existing, ok := n.allocations[rs.ID]; ok {
			existing.UpdateCredentials(rs.Username, rs.Password)
			n.relays[rs.ID] = rs
			continue
		}
		serverAddr, err := net.ResolveUDPAddr("udp", rs.Addr)
		if err != nil {
			continue
		}
		alloc := turnalloc.New(serverAddr, rs.Username, rs.Password, rs.Realm)
		_ = alloc.Allocate(now)
		n.allocations[rs.ID] = alloc
		n.relays[rs.ID] = rs
	}
}

// invalidateRelayLocked detaches every Connection currently routed through
// alloc's relay before it is torn down, per §4.5's "Relay changes"
// paragraph: relayed candidates of a removed relay are invalidated first.
func (n *Node) invalidateRelayLocked(id RelayID, alloc *turnalloc.Allocation) {
	prefix := string(id) + "|"
	for key, cid := range n.relayPeers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(n.relayPeers, key)
		if conn, ok := n.connections[cid]; ok && conn.relay == alloc {
			conn.relay = nil
		}
	}
}

func relayPeerKey(id RelayID, peer *net.UDPAddr) string {
	return string(id) + "|" + peer.String()
}

// NewConnection begins a new outbound Connection to a resource, generating
// a fresh preshared session key and an ICE agent in the controlling role
// (§3: the client side of a new_connection always controls the ICE
// negotiation).
func (n *Node) NewConnection(now time.Time, resourceID ResourceID, remoteStatic config.Key) (ConnectionID, wgtunnel.SessionKey, error) {
	return n.buildConnection(now, resourceID, remoteStatic, true)
}

// AcceptConnection completes the receiving side of a connection whose
// InitialConnection details (remote static key, preshared session key)
// arrived via the signaling adapter; the receiving side is always ICE
// controlled.
func (n *Node) AcceptConnection(now time.Time, resourceID ResourceID, remoteStatic config.Key, psk wgtunnel.SessionKey) (ConnectionID, error) {
	id, _, err := n.buildConnectionWithKey(now, resourceID, remoteStatic, false, psk)
	return id, err
}

func (n *Node) buildConnection(now time.Time, resourceID ResourceID, remoteStatic config.Key, initiator bool) (ConnectionID, wgtunnel.SessionKey, error) {
	psk, err := wgtunnel.GenerateSessionKey()
	if err != nil {
		return "", wgtunnel.SessionKey{}, err
	}
	return n.buildConnectionWithKey(now, resourceID, remoteStatic, initiator, psk)
}

func (n *Node) buildConnectionWithKey(now time.Time, resourceID ResourceID, remoteStatic config.Key, initiator bool, psk wgtunnel.SessionKey) (ConnectionID, wgtunnel.SessionKey, error) {
	id, err := NewConnectionID()
	if err != nil {
		return "", wgtunnel.SessionKey{}, err
	}

	n.mu.Lock()
	urls := n.iceURLsLocked()
	n.mu.Unlock()

	iceAgent, err := iceagent.New(urls)
	if err != nil {
		return "", wgtunnel.SessionKey{}, fmt.Errorf("connlib: creating ICE agent: %w", err)
	}
	iceAgent.SetControlling(initiator)

	tunnel, err := wgtunnel.New(n.privateKey, remoteStatic, psk, n.keepalive, n.rateLimiter)
	if err != nil {
		return "", wgtunnel.SessionKey{}, fmt.Errorf("connlib: creating tunnel: %w", err)
	}

	conn := newConnection(id, resourceID, initiator, iceAgent, tunnel, now)

	n.mu.Lock()
	n.connections[id] = conn
	delete(n.offlineResources, resourceID)
	n.mu.Unlock()

	return id, psk, nil
}

func (n *Node) iceURLsLocked() []*ice.URL {
	urls := make([]*ice.URL, 0, len(n.relays))
	for _, r := range n.relays {
		u, err := ice.ParseURL(fmt.Sprintf("turn:%s", r.Addr))
		if err != nil {
			continue
		}
		u.Username = r.Username
		u.Password = r.Password
		urls = append(urls, u)
	}
	return urls
}

// SetRemoteICECredentials installs the remote peer's ICE ufrag/pwd for a
// Connection (learned via the signaling adapter's candidate exchange),
// begins connectivity checks, and clears the Connection's "no answer"
// deadline — the portal has now delivered the remote's half of the
// handshake, so IsExpectingAnswer reports false from this point on.
func (n *Node) SetRemoteICECredentials(id ConnectionID, ufrag, pwd string) error {
	conn, err := n.lookup(id)
	if err != nil {
		return err
	}
	conn.awaitingAnswer = false
	return conn.ice.SetRemoteCredentials(ufrag, pwd)
}

// IsExpectingAnswer reports whether a Connection is still waiting for the
// remote's ICE credentials to arrive via SetRemoteICECredentials (§4.5
// "is_expecting_answer"); Tick fails it once NoAnswerTimeout elapses
// while this holds.
func (n *Node) IsExpectingAnswer(id ConnectionID) (bool, error) {
	conn, err := n.lookup(id)
	if err != nil {
		return false, err
	}
	return conn.awaitingAnswer, nil
}

// MarkResourceOffline records that the portal reported a resource
// unreachable (§4.6: the "offline" branch of the signaling adapter's
// reply-error handling), so a future connection intent for it can be
// short-circuited until fresh presence information clears the mark.
func (n *Node) MarkResourceOffline(id ResourceID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offlineResources[id] = true
}

// IsResourceOffline reports whether a resource is currently marked
// offline.
func (n *Node) IsResourceOffline(id ResourceID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offlineResources[id]
}

// LocalICECredentials returns the ufrag/pwd to signal for a Connection.
func (n *Node) LocalICECredentials(id ConnectionID) (ufrag, pwd string, err error) {
	conn, err := n.lookup(id)
	if err != nil {
		return "", "", err
	}
	return conn.ice.LocalCredentials()
}

// AddRemoteCandidate adds a candidate signaled by the remote peer for a
// specific Connection.
func (n *Node) AddRemoteCandidate(id ConnectionID, c candidate.Candidate) error {
	conn, err := n.lookup(id)
	if err != nil {
		return err
	}
	return conn.ice.AddRemoteCandidate(c)
}

func (n *Node) lookup(id ConnectionID) (*Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, ok := n.connections[id]
	if !ok {
		return nil, fmt.Errorf("connlib: unknown connection %q", id)
	}
	return conn, nil
}

// Encapsulate encrypts and sends a plaintext packet bound for the given
// connection's peer.
func (n *Node) Encapsulate(now time.Time, id ConnectionID, plaintext []byte) error {
	conn, err := n.lookup(id)
	if err != nil {
		return err
	}
	return conn.Encapsulate(now, plaintext)
}

// PollEvent drains one queued event across every Connection, forwarding
// Connection-level events tagged with the ID they came from.
func (n *Node) PollEvent(now time.Time) (Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.events) > 0 {
		ev := n.events[0]
		n.events = n.events[1:]
		return ev, true
	}

	for id, conn := range n.connections {
		conn.pollICE(now)
		n.maybeAttachRelayLocked(now, conn)
		if ev, ok := conn.PollEvent(); ok {
			return Event{ConnectionID: id, Connection: ev}, true
		}
	}

	for _, alloc := range n.allocations {
		// Allocation events (relay/mapped address discovered, allocation
		// rejected) aren't yet surfaced to the owner as Node Events; they
		// only drive maybeAttachRelayLocked's server-address matching and
		// must still be drained so the queue doesn't grow unbounded.
		for {
			if _, ok := alloc.PollEvent(); !ok {
				break
			}
		}
	}
	return Event{}, false
}

// maybeAttachRelayLocked wires a real Allocation into a freshly Connected
// Connection once ICE nominates a relayed candidate pair for it (§4.4):
// the nominated local candidate's related address identifies which
// configured TURN server is in use, and the matching Allocation is bound
// onto Connection.relay and given a channel binding for the remote peer
// so its lifecycle (idle GC via CanBeFreed, teardown via Close) tracks
// the Connection that is actually using it.
func (n *Node) maybeAttachRelayLocked(now time.Time, conn *Connection) {
	if conn.relay != nil || conn.State() != StateConnected {
		return
	}
	serverAddr, peer, ok := conn.ice.SelectedRelay()
	if !ok {
		return
	}
	for id, rs := range n.relays {
		if rs.Addr != serverAddr {
			continue
		}
		alloc, ok := n.allocations[id]
		if !ok {
			return
		}
		conn.relay = alloc
		_ = alloc.BindChannel(now, peer)
		n.relayPeers[relayPeerKey(id, peer)] = conn.ID
		return
	}
}

// PollTimeout returns the earliest time HandleTimeout should next be
// called, folding in every Connection's own deadline (candidate timeout,
// no-answer timeout, idle timeout) and every Allocation's refresh deadline.
// WireGuard rekey/keepalive timers are not reported here; they are only
// checked when HandleTimeout runs.
func (n *Node) PollTimeout() (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var next time.Time
	found := false
	for _, conn := range n.connections {
		var candidates []time.Time
		switch conn.state {
		case StateConnecting:
			candidates = append(candidates, conn.candidateDeadline)
			if conn.awaitingAnswer {
				candidates = append(candidates, conn.noAnswerDeadline)
			}
		case StateConnected:
			candidates = append(candidates, conn.lastActivityAt.Add(IdleTimeout))
		}
		for _, t := range candidates {
			if !found || t.Before(next) {
				next, found = t, true
			}
		}
	}
	for _, alloc := range n.allocations {
		if t, ok := alloc.PollTimeout(); ok {
			if !found || t.Before(next) {
				next, found = t, true
			}
		}
	}
	return next, found
}

// HandleTimeout drives every Connection's candidate/no-answer/idle timeout
// and WireGuard rekey/keepalive schedule, and every Allocation's
// credential/channel refresh schedule. A connection that fails here stays
// in the registry as StateFailed for the owner to observe via PollEvent;
// only CloseConnection and Reset ever remove an entry.
func (n *Node) HandleTimeout(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, conn := range n.connections {
		if err := conn.Tick(now); err != nil {
			return fmt.Errorf("connlib: ticking connection %q: %w", id, err)
		}
	}
	for id, alloc := range n.allocations {
		if err := alloc.HandleTimeout(now); err != nil {
			return fmt.Errorf("connlib: refreshing relay %q: %w", id, err)
		}
	}
	return nil
}

// PollTransmit drains one queued outbound datagram across every
// Allocation, for the owner to send from the Node's own relay-facing
// socket.
func (n *Node) PollTransmit() (Transmit, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, alloc := range n.allocations {
		if tx, ok := alloc.PollTransmit(); ok {
			return Transmit{To: tx.ServerAddr, Payload: tx.Payload}, true
		}
	}
	return Transmit{}, false
}

// Decapsulate demultiplexes one datagram received on the Node's own
// relay-facing socket (§4.5 "decapsulate"), scoped to allocation-bound
// traffic: direct (host/server-reflexive) candidate traffic is never
// seen here, since pion/ice continues to own and read its own sockets
// for that path (see pkg/iceagent's package doc). local is accepted for
// parity with the spec's signature but unused, since this Node drives a
// single shared relay socket rather than one per local address.
//
// The ordered algorithm: (1) the first byte must look like a STUN/TURN
// class (0b00) or channel-data framing (0b01) per RFC 8656 §12 — anything
// else can't be relay traffic and is rejected outright, closing scenario
// S5's false-positive window; (2) from must match a known Allocation's
// server address; (3) the Allocation demultiplexes control traffic from
// a channel-data payload; (4) a recovered payload is routed to whichever
// Connection last bound a channel to that peer through that relay.
func (n *Node) Decapsulate(local, from net.Addr, packet []byte, now time.Time) (ConnectionID, []byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(packet) == 0 {
		return "", nil, false
	}
	switch packet[0] >> 6 {
	case 0, 1:
	default:
		return "", nil, false
	}

	relayID, alloc, ok := n.allocationForAddrLocked(from)
	if !ok {
		return "", nil, false
	}

	peer, payload, consumed := alloc.HandleInput(now, packet)
	if !consumed || peer == nil || payload == nil {
		return "", nil, false
	}

	id, ok := n.relayPeers[relayPeerKey(relayID, peer)]
	if !ok {
		return "", nil, false
	}
	conn, ok := n.connections[id]
	if !ok {
		return "", nil, false
	}
	plaintext, err := conn.HandleInboundICEPacket(now, payload)
	if err != nil || plaintext == nil {
		return "", nil, false
	}
	return id, plaintext, true
}

func (n *Node) allocationForAddrLocked(addr net.Addr) (RelayID, *turnalloc.Allocation, bool) {
	s := addr.String()
	for id, alloc := range n.allocations {
		if alloc.ServerAddr().String() == s {
			return id, alloc, true
		}
	}
	return "", nil, false
}

// CloseConnection tears a connection down and removes it from the Node.
func (n *Node) CloseConnection(id ConnectionID) error {
	n.mu.Lock()
	conn, ok := n.connections[id]
	if ok {
		delete(n.connections, id)
		for key, cid := range n.relayPeers {
			if cid == id {
				delete(n.relayPeers, key)
			}
		}
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Reset tears down every Connection and relay Allocation (§4.5 "reset"),
// emitting one Event carrying a StateChangedEvent to StateClosed for each
// previously existing Connection. The caller MUST rebind its relay-facing
// socket (and every per-Connection socket pion/ice owns) to a fresh local
// port before reusing the Node: TURN allocations and ICE candidates are
// both keyed by the 3-tuple they were created from.
func (n *Node) Reset(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, conn := range n.connections {
		_ = conn.Close()
		for {
			ev, ok := conn.PollEvent()
			if !ok {
				break
			}
			n.events = append(n.events, Event{ConnectionID: id, Connection: ev})
		}
		delete(n.connections, id)
	}

	for _, alloc := range n.allocations {
		alloc.Close()
	}
	n.allocations = make(map[RelayID]*turnalloc.Allocation)
	n.relays = make(map[RelayID]RelayServer)
	n.relayPeers = make(map[string]ConnectionID)
}

// Connections returns a snapshot of every known connection ID and its
// current state, for the control API (C9) to report.
func (n *Node) Connections() map[ConnectionID]State {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[ConnectionID]State, len(n.connections))
	for id, conn := range n.connections {
		out[id] = conn.state
	}
	return out
}
