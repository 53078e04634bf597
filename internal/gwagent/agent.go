// Package gwagent is the gateway-role counterpart to internal/agent: it
// owns the TUN device, the connlib Node, and the portal's gateway channel,
// and runs the same cooperative event loop, but in the receiving role —
// accepting connections clients broker through the portal and forwarding
// their decapsulated traffic onto a local network rather than originating
// connections of its own.
package gwagent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/zerogate/connlib/internal/agent"
	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/internal/control"
	"github.com/zerogate/connlib/internal/portal"
	"github.com/zerogate/connlib/pkg/candidate"
	"github.com/zerogate/connlib/pkg/connlib"
	"github.com/zerogate/connlib/pkg/protocol"
	"github.com/zerogate/connlib/pkg/wgtunnel"
)

// tunName is the kernel interface name for the gateway's WireGuard-style TUN.
const tunName = "zerogate-gw0"

// idlePollInterval bounds how long the event loop ever sleeps when neither
// the Node nor the portal have an opinion about the next deadline.
const idlePollInterval = time.Second

// Agent orchestrates the gateway role: it joins the portal's gateway
// channel, accepts connections the portal brokers on behalf of clients, and
// bridges decrypted traffic between those connections and a local network.
//
// A connection's ResourceID is taken to name one of the CIDRs in
// cfg.Device.Routes directly — the resources this gateway serves are the
// LAN subnets it was configured to forward for, and provisioning assigns
// each such subnet the matching resource identifier on the portal side.
type Agent struct {
	cfg  *config.Config
	log  *slog.Logger
	deps agent.Deps

	node       *connlib.Node
	portalCh   *portal.Channel
	tunDev     tun.Device
	controlSrv *control.Server

	startedAt time.Time
	outIface  string

	mu            sync.Mutex
	clientConn    map[string]connlib.ConnectionID
	connClient    map[connlib.ConnectionID]string
	resourceConn  map[connlib.ResourceID]connlib.ConnectionID
	connResources map[connlib.ConnectionID][]connlib.ResourceID

	tunPackets   chan []byte
	relayConn    *net.UDPConn
	relayPackets chan relayPacket
}

// relayPacket is one datagram read off the Node's relay-facing socket,
// awaiting demultiplexing by connlib.Node.Decapsulate.
type relayPacket struct {
	from net.Addr
	data []byte
}

// New creates a new gateway Agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	return NewWithDeps(cfg, logger, agent.DefaultDeps())
}

// NewWithDeps creates a gateway Agent with injected dependencies, for testing.
func NewWithDeps(cfg *config.Config, logger *slog.Logger, deps agent.Deps) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:           cfg,
		log:           logger.With("component", "gwagent"),
		deps:          deps,
		clientConn:    make(map[string]connlib.ConnectionID),
		connClient:    make(map[connlib.ConnectionID]string),
		resourceConn:  make(map[connlib.ResourceID]connlib.ConnectionID),
		connResources: make(map[connlib.ConnectionID][]connlib.ResourceID),
	}
}

// Run starts the gateway agent and blocks until the context is cancelled or
// a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now()

	tunDev, err := a.deps.TUN.CreateTUN(tunName, 1420)
	if err != nil {
		return fmt.Errorf("creating TUN device: %w", err)
	}
	a.tunDev = tunDev
	defer tunDev.Close()

	actualName, err := tunDev.Name()
	if err != nil {
		return fmt.Errorf("getting TUN device name: %w", err)
	}

	if err := a.configureTUN(actualName); err != nil {
		return fmt.Errorf("configuring TUN interface: %w", err)
	}

	if err := a.setupForwarding(actualName); err != nil {
		a.log.Error("setting up NAT forwarding", "error", err)
	}

	a.node = connlib.New(a.cfg.Device.PrivateKey, time.Now())

	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("binding relay socket: %w", err)
	}
	a.relayConn = relayConn
	a.relayPackets = make(chan relayPacket, 256)
	go a.readRelayLoop()

	pubKey := config.PublicKey(a.cfg.Device.PrivateKey)
	a.portalCh = portal.NewChannel(portal.Config{
		ServerURL: a.cfg.Network.ServerURL,
		Topic:     "gateway",
		Role:      portal.RoleGateway,
		Join:      protocol.JoinPayload{AppVersion: pubKey.String()},
		TokenProvider: func() string {
			return a.cfg.Network.RefreshToken
		},
		Logger: a.log,
	})

	if err := a.portalCh.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to portal: %w", err)
	}

	a.log.Info("gateway started",
		"device", a.cfg.Device.Name,
		"address", a.cfg.Device.Address,
		"routes", a.cfg.Device.Routes,
		"server", a.cfg.Network.ServerURL,
	)

	a.tunPackets = make(chan []byte, 256)
	go a.readTUNLoop()

	a.controlSrv = control.NewServer(control.ResolveSocketPath(), a.controlStatus, a.log)
	if err := a.controlSrv.Start(); err != nil {
		a.log.Warn("starting control server", "error", err)
	}

	return a.eventLoop(ctx)
}

// controlStatus adapts AgentStatus to the control server's wire shape. The
// gateway has no single resource/gateway pair per connection — ClientID
// fills the role ResourceID/GatewayID play on the client side.
func (a *Agent) controlStatus() control.Status {
	s := a.Status()
	conns := make([]control.ConnectionStatus, len(s.Connections))
	for i, c := range s.Connections {
		conns[i] = control.ConnectionStatus{
			ID:       c.ID,
			ClientID: c.ClientID,
			State:    c.State,
		}
	}
	return control.Status{
		Device:        s.Device,
		Address:       s.Address,
		Routes:        s.Routes,
		ServerURL:     s.ServerURL,
		UptimeSeconds: s.UptimeSeconds,
		Connections:   conns,
	}
}

// setupForwarding enables IP forwarding on the TUN interface and masquerades
// traffic from the tunnel subnet out through whichever local interface
// reaches the first configured route, so LAN responses find their way back.
func (a *Agent) setupForwarding(ifName string) error {
	if err := a.deps.Network.SetForwarding(ifName, true); err != nil {
		return fmt.Errorf("enabling forwarding on %s: %w", ifName, err)
	}
	if len(a.cfg.Device.Routes) == 0 {
		return nil
	}
	outIface, err := a.deps.Network.FindInterfaceForSubnet(a.cfg.Device.Routes[0])
	if err != nil {
		return fmt.Errorf("finding outbound interface for %s: %w", a.cfg.Device.Routes[0], err)
	}
	a.outIface = outIface
	if err := a.deps.NAT.SetupMasquerade(a.cfg.Device.Address, outIface); err != nil {
		return fmt.Errorf("configuring masquerade via %s: %w", outIface, err)
	}
	return nil
}

// eventLoop mirrors internal/agent's cooperative scheduler: drain commands,
// drain Node events/transmits, drain portal events, then sleep until the
// earlier of the Node's next deadline and idlePollInterval.
func (a *Agent) eventLoop(ctx context.Context) error {
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-a.tunPackets:
			if !ok {
				return fmt.Errorf("gwagent: TUN device closed")
			}
			a.handleOutboundPacket(packet)
		case pkt, ok := <-a.relayPackets:
			if !ok {
				return fmt.Errorf("gwagent: relay socket closed")
			}
			a.handleRelayPacket(pkt)
		case ev, ok := <-a.portalCh.Events():
			if !ok {
				return fmt.Errorf("gwagent: portal channel closed")
			}
			if err := a.handlePortalEvent(ctx, ev); err != nil {
				a.log.Error("handling portal event", "error", err)
			}
		default:
		}

		a.drainNodeEvents()
		a.drainNodeTransmits()

		now := time.Now()
		if err := a.node.HandleTimeout(now); err != nil {
			a.log.Error("node timeout handling", "error", err)
		}

		sleep := idlePollInterval
		if next, ok := a.node.PollTimeout(); ok {
			if d := time.Until(next); d < sleep && d > 0 {
				sleep = d
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-a.tunPackets:
			if !ok {
				return fmt.Errorf("gwagent: TUN device closed")
			}
			a.handleOutboundPacket(packet)
		case pkt, ok := <-a.relayPackets:
			if !ok {
				return fmt.Errorf("gwagent: relay socket closed")
			}
			a.handleRelayPacket(pkt)
		case ev, ok := <-a.portalCh.Events():
			if !ok {
				return fmt.Errorf("gwagent: portal channel closed")
			}
			if err := a.handlePortalEvent(ctx, ev); err != nil {
				a.log.Error("handling portal event", "error", err)
			}
		case <-time.After(sleep):
		}
	}
}

// drainNodeEvents pulls every currently queued Node event, routing each to
// the TUN device (decapsulated plaintext) or the portal (new/invalidated
// candidates, state transitions).
func (a *Agent) drainNodeEvents() {
	now := time.Now()
	for {
		ev, ok := a.node.PollEvent(now)
		if !ok {
			return
		}
		switch ce := ev.Connection.(type) {
		case connlib.DecapsulatedPacketEvent:
			if _, err := a.tunDev.Write([][]byte{ce.Data}, 0); err != nil {
				a.log.Error("writing to TUN", "error", err)
			}
		case connlib.NewIceCandidateEvent:
			a.broadcastCandidate(ev.ConnectionID, ce.Candidate, false)
		case connlib.InvalidateIceCandidateEvent:
			a.broadcastCandidate(ev.ConnectionID, ce.Candidate, true)
		case connlib.StateChangedEvent:
			a.log.Info("connection state changed", "connection", ev.ConnectionID, "from", ce.From, "to", ce.To)
			if ce.To == connlib.StateFailed || ce.To == connlib.StateClosed {
				a.forgetConnection(ev.ConnectionID)
			}
		}
	}
}

func (a *Agent) broadcastCandidate(id connlib.ConnectionID, c candidate.Candidate, invalidate bool) {
	a.mu.Lock()
	clientID, ok := a.connClient[id]
	a.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	var err error
	if invalidate {
		err = a.portalCh.BroadcastInvalidatedIceCandidatesToClients(ctx, protocol.GatewayBroadcastInvalidatedIceCandidatesPayload{
			ClientIDs:  []string{clientID},
			Candidates: []string{c.SDP()},
		})
	} else {
		err = a.portalCh.BroadcastIceCandidatesToClients(ctx, protocol.GatewayBroadcastIceCandidatesPayload{
			ClientIDs:  []string{clientID},
			Candidates: []string{c.SDP()},
		})
	}
	if err != nil {
		a.log.Error("broadcasting candidate", "error", err)
	}
}

func (a *Agent) forgetConnection(id connlib.ConnectionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if clientID, ok := a.connClient[id]; ok {
		delete(a.clientConn, clientID)
		delete(a.connClient, id)
	}
	for _, resourceID := range a.connResources[id] {
		delete(a.resourceConn, resourceID)
	}
	delete(a.connResources, id)
}

// handlePortalEvent dispatches one event received on the gateway channel.
func (a *Agent) handlePortalEvent(ctx context.Context, ev portal.Event) error {
	switch e := ev.(type) {
	case portal.InitEvent:
		a.node.UpdateRelays(nil, agent.ToRelayServers(e.Payload.Relays), time.Now())
		return nil
	case portal.RelaysPresenceEvent:
		a.node.UpdateRelays(agent.ToRelayIDs(e.Payload.DisconnectedIDs), agent.ToRelayServers(e.Payload.Connected), time.Now())
		return nil
	case portal.GatewayRequestConnectionEvent:
		return a.handleRequestConnection(ctx, e)
	case portal.GatewayReuseConnectionEvent:
		return a.handleReuseConnection(ctx, e)
	case portal.GatewayIceCandidatesEvent:
		a.handleRemoteCandidates(e.Payload.ClientID, e.Payload.Candidates)
		return nil
	case portal.GatewayInvalidateIceCandidatesEvent:
		a.log.Debug("ignoring invalidated candidates", "client", e.Payload.ClientID, "count", len(e.Payload.Candidates))
		return nil
	case portal.FatalErrorEvent:
		return fmt.Errorf("gwagent: portal reported a fatal error: %w", e.Err)
	default:
		return nil
	}
}

// handleRequestConnection accepts a brand new connection the portal brokered
// on behalf of a client, and replies with this gateway's ICE credentials.
func (a *Agent) handleRequestConnection(ctx context.Context, e portal.GatewayRequestConnectionEvent) error {
	resourceID := connlib.ResourceID(e.Payload.ResourceID)

	remoteStatic, err := config.ParseKey(e.Payload.ClientRemoteStatic)
	if err != nil {
		return fmt.Errorf("gwagent: parsing client static key: %w", err)
	}
	psk, err := wgtunnel.ParseSessionKey(e.Payload.PresharedKey)
	if err != nil {
		return fmt.Errorf("gwagent: parsing preshared key: %w", err)
	}

	id, err := a.node.AcceptConnection(time.Now(), resourceID, remoteStatic, psk)
	if err != nil {
		return fmt.Errorf("gwagent: accepting connection for resource %s: %w", resourceID, err)
	}

	if err := a.node.SetRemoteICECredentials(id, e.Payload.ICEParameters.Ufrag, e.Payload.ICEParameters.Pwd); err != nil {
		return fmt.Errorf("gwagent: setting remote ICE credentials: %w", err)
	}

	a.mu.Lock()
	a.clientConn[e.Payload.ClientID] = id
	a.connClient[id] = e.Payload.ClientID
	a.resourceConn[resourceID] = id
	a.connResources[id] = append(a.connResources[id], resourceID)
	a.mu.Unlock()

	ufrag, pwd, err := a.node.LocalICECredentials(id)
	if err != nil {
		return fmt.Errorf("gwagent: local ICE credentials: %w", err)
	}
	return a.portalCh.ReplyOK(ctx, e.Ref, protocol.GatewayConnectionReadyPayload{
		ICEParameters: protocol.ICEParameters{Ufrag: ufrag, Pwd: pwd},
	})
}

// handleReuseConnection grants an already-connected client access to an
// additional resource over its existing connection, without a fresh
// handshake. If the client has no existing connection on file, the reuse
// request is stale or out of order and is dropped.
func (a *Agent) handleReuseConnection(ctx context.Context, e portal.GatewayReuseConnectionEvent) error {
	resourceID := connlib.ResourceID(e.Payload.ResourceID)

	a.mu.Lock()
	id, ok := a.clientConn[e.Payload.ClientID]
	if ok {
		a.resourceConn[resourceID] = id
		a.connResources[id] = append(a.connResources[id], resourceID)
	}
	a.mu.Unlock()

	if !ok {
		a.log.Warn("reuse_connection for unknown client", "client", e.Payload.ClientID, "resource", resourceID)
		return nil
	}

	ufrag, pwd, err := a.node.LocalICECredentials(id)
	if err != nil {
		return fmt.Errorf("gwagent: local ICE credentials: %w", err)
	}
	return a.portalCh.ReplyOK(ctx, e.Ref, protocol.GatewayConnectionReadyPayload{
		ICEParameters: protocol.ICEParameters{Ufrag: ufrag, Pwd: pwd},
	})
}

func (a *Agent) handleRemoteCandidates(clientID string, sdps []string) {
	a.mu.Lock()
	id, ok := a.clientConn[clientID]
	a.mu.Unlock()
	if !ok {
		return
	}
	for _, sdp := range sdps {
		c, err := candidate.Parse(sdp)
		if err != nil {
			a.log.Warn("ignoring malformed candidate", "error", err)
			continue
		}
		if err := a.node.AddRemoteCandidate(id, c); err != nil {
			a.log.Warn("adding remote candidate", "connection", id, "error", err)
		}
	}
}

// readTUNLoop reads raw IP packets off the kernel TUN device (LAN response
// traffic) and forwards them to the event loop.
func (a *Agent) readTUNLoop() {
	bufs := make([][]byte, 1)
	sizes := make([]int, 1)
	buf := make([]byte, 65536)
	for {
		bufs[0] = buf
		n, err := a.tunDev.Read(bufs, sizes, 0)
		if err != nil {
			close(a.tunPackets)
			return
		}
		if n == 0 {
			continue
		}
		packet := append([]byte(nil), buf[:sizes[0]]...)
		a.tunPackets <- packet
	}
}

// readRelayLoop reads datagrams off the Node's relay-facing UDP socket and
// forwards them to the event loop, mirroring readTUNLoop's handoff pattern
// so the Node itself is only ever touched from the event loop goroutine.
func (a *Agent) readRelayLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := a.relayConn.ReadFrom(buf)
		if err != nil {
			close(a.relayPackets)
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		a.relayPackets <- relayPacket{from: from, data: data}
	}
}

// handleRelayPacket demultiplexes one datagram received on the relay
// socket via the Node and, on a match, writes the recovered plaintext to
// the TUN device.
func (a *Agent) handleRelayPacket(pkt relayPacket) {
	_, plaintext, ok := a.node.Decapsulate(a.relayConn.LocalAddr(), pkt.from, pkt.data, time.Now())
	if !ok {
		return
	}
	if _, err := a.tunDev.Write([][]byte{plaintext}, 0); err != nil {
		a.log.Error("writing to TUN", "error", err)
	}
}

// drainNodeTransmits flushes every datagram the Node's relay Allocations
// currently have queued out through the Node's own relay socket.
func (a *Agent) drainNodeTransmits() {
	for {
		tx, ok := a.node.PollTransmit()
		if !ok {
			return
		}
		if _, err := a.relayConn.WriteTo(tx.Payload, tx.To); err != nil {
			a.log.Error("writing to relay socket", "to", tx.To, "error", err)
		}
	}
}

// handleOutboundPacket routes a packet read off the TUN device (LAN traffic
// bound for a client) to the Connection serving the resource its source
// address belongs to.
func (a *Agent) handleOutboundPacket(packet []byte) {
	src := sourceIP(packet)
	if src == nil {
		return
	}

	a.mu.Lock()
	var connID connlib.ConnectionID
	var found bool
	for resourceID, id := range a.resourceConn {
		if matchesRoute(string(resourceID), src) {
			connID, found = id, true
			break
		}
	}
	a.mu.Unlock()
	if !found {
		return
	}

	if err := a.node.Encapsulate(time.Now(), connID, packet); err != nil {
		a.log.Debug("encapsulating packet", "connection", connID, "error", err)
	}
}

func matchesRoute(route string, ip net.IP) bool {
	if _, cidr, err := net.ParseCIDR(route); err == nil {
		return cidr.Contains(ip)
	}
	return net.ParseIP(route).Equal(ip)
}

// sourceIP extracts the source address from a raw IPv4 or IPv6 packet, or
// nil if the packet is too short or an unrecognized version.
func sourceIP(packet []byte) net.IP {
	if len(packet) < 1 {
		return nil
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return nil
		}
		return net.IP(packet[12:16])
	case 6:
		if len(packet) < 40 {
			return nil
		}
		return net.IP(packet[8:24])
	default:
		return nil
	}
}

// configureTUN configures the TUN interface with an address and brings it
// up, adding every configured route (the LAN subnets this gateway forwards
// traffic for).
func (a *Agent) configureTUN(ifName string) error {
	addr := a.cfg.Device.Address
	if addr == "" {
		return fmt.Errorf("device address is not configured")
	}
	if _, _, err := net.ParseCIDR(addr); err != nil {
		return fmt.Errorf("invalid device address %q: %w", addr, err)
	}
	if err := a.deps.Network.AddAddress(ifName, addr); err != nil {
		return fmt.Errorf("adding address: %w", err)
	}
	if err := a.deps.Network.SetLinkUp(ifName); err != nil {
		return fmt.Errorf("setting link up: %w", err)
	}
	for _, route := range a.cfg.Device.Routes {
		if _, _, err := net.ParseCIDR(route); err != nil {
			a.log.Warn("refusing malformed route", "route", route)
			continue
		}
		if err := a.deps.Network.AddRoute(ifName, route); err != nil {
			a.log.Warn("adding served route", "route", route, "error", err)
		}
	}
	a.log.Info("TUN interface configured", "name", ifName, "address", addr, "routes", a.cfg.Device.Routes)
	return nil
}

// shutdown tears down the portal channel, NAT rules, and every open
// connection.
func (a *Agent) shutdown() {
	a.log.Info("shutting down gateway")

	if a.controlSrv != nil {
		if err := a.controlSrv.Stop(); err != nil {
			a.log.Error("stopping control server", "error", err)
		}
	}

	if a.portalCh != nil {
		if err := a.portalCh.Close(); err != nil {
			a.log.Error("closing portal channel", "error", err)
		}
	}

	if a.deps.NAT != nil {
		if err := a.deps.NAT.Cleanup(); err != nil {
			a.log.Error("cleaning up NAT rules", "error", err)
		}
	}

	if a.relayConn != nil {
		if err := a.relayConn.Close(); err != nil {
			a.log.Error("closing relay socket", "error", err)
		}
	}

	if a.node != nil {
		for id := range a.node.Connections() {
			if err := a.node.CloseConnection(id); err != nil {
				a.log.Error("closing connection", "connection", id, "error", err)
			}
		}
	}
}

// Status reports the gateway's current state for the control API.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	var conns []ConnectionStatus
	if a.node != nil {
		for id, state := range a.node.Connections() {
			conns = append(conns, ConnectionStatus{
				ID:       string(id),
				ClientID: a.connClient[id],
				State:    state.String(),
			})
		}
	}

	return AgentStatus{
		Device:        a.cfg.Device.Name,
		Address:       a.cfg.Device.Address,
		Routes:        a.cfg.Device.Routes,
		ServerURL:     a.cfg.Network.ServerURL,
		OutInterface:  a.outIface,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Connections:   conns,
	}
}

// AgentStatus is the gateway Agent's own view of its state, translated into
// the control API's wire Status by controlStatus.
type AgentStatus struct {
	Device        string
	Address       string
	Routes        []string
	ServerURL     string
	OutInterface  string
	UptimeSeconds float64
	Connections   []ConnectionStatus
}

// ConnectionStatus is one Connection's state, for the control API.
type ConnectionStatus struct {
	ID       string
	ClientID string
	State    string
}
