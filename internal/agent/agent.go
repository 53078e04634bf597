// Package agent is the top-level orchestrator that drives the
// connectivity core: it owns the TUN device, the connlib Node, the portal
// channel, and the signaling adapter, and runs the cooperative event loop
// that ties them together.
//
// The agent manages the full lifecycle:
//  1. Create the kernel TUN device and configure its address.
//  2. Build a connlib.Node for the device's private key.
//  3. Connect to the portal and join the client channel.
//  4. Run the event loop: drain commands, drain Node events/transmits onto
//     the TUN device, drain portal events into the signaling adapter, and
//     sleep until the Node's next deadline, for at most idlePollInterval.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/internal/control"
	"github.com/zerogate/connlib/internal/portal"
	"github.com/zerogate/connlib/internal/signaling"
	"github.com/zerogate/connlib/pkg/candidate"
	"github.com/zerogate/connlib/pkg/connlib"
	"github.com/zerogate/connlib/pkg/protocol"
)

// tunName is the kernel interface name for the client's WireGuard-style TUN.
const tunName = "zerogate0"

// idlePollInterval bounds how long the event loop ever sleeps when neither
// the Node nor the portal have an opinion about the next deadline, so the
// TUN read goroutine and command channel stay responsive.
const idlePollInterval = time.Second

// Agent orchestrates the VPN tunnel for the client role. It connects to the
// portal, negotiates connections to resources on demand, and bridges
// decrypted traffic to/from the kernel TUN device.
type Agent struct {
	cfg  *config.Config
	log  *slog.Logger
	deps Deps

	node       *connlib.Node
	portalCh   *portal.Channel
	sigAdapter *signaling.Adapter
	tunDev     tun.Device
	controlSrv *control.Server

	tunFD *int

	startedAt time.Time

	mu             sync.Mutex
	resources      map[connlib.ResourceID]protocol.ResourceDescription
	connResource   map[connlib.ConnectionID]connlib.ResourceID
	connGateway    map[connlib.ConnectionID]string
	resourceConn   map[connlib.ResourceID]connlib.ConnectionID
	pendingIntents map[connlib.ResourceID]bool
	connectedGw    map[string]bool

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

// Option configures optional Agent behavior not covered by Config, such as
// host-platform integration points used by the mobile binding.
type Option func(*Agent)

// WithTunFD makes Run adopt an already-established TUN file descriptor
// instead of creating a named kernel interface. Mobile platforms (Android's
// VpnService, iOS's NEPacketTunnelProvider) hand the tunnel an fd from a
// privileged system API rather than letting it open /dev/net/tun itself.
func WithTunFD(fd int) Option {
	return func(a *Agent) {
		a.tunFD = &fd
	}
}

// New creates a new Agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	return NewWithDeps(cfg, logger, DefaultDeps(), opts...)
}

// NewWithDeps creates an Agent with injected dependencies, for testing.
func NewWithDeps(cfg *config.Config, logger *slog.Logger, deps Deps, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:            cfg,
		log:            logger.With("component", "agent"),
		deps:           deps,
		resources:      make(map[connlib.ResourceID]protocol.ResourceDescription),
		connResource:   make(map[connlib.ConnectionID]connlib.ResourceID),
		connGateway:    make(map[connlib.ConnectionID]string),
		resourceConn:   make(map[connlib.ResourceID]connlib.ConnectionID),
		pendingIntents: make(map[connlib.ResourceID]bool),
		connectedGw:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the agent and blocks until the context is cancelled or a
// fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now()

	var tunDev tun.Device
	var err error
	if a.tunFD != nil {
		tunDev, err = a.deps.TUN.CreateTUNFromFD(*a.tunFD)
		if err != nil {
			return fmt.Errorf("adopting TUN file descriptor: %w", err)
		}
	} else {
		tunDev, err = a.deps.TUN.CreateTUN(tunName, 1420)
		if err != nil {
			return fmt.Errorf("creating TUN device: %w", err)
		}
	}
	a.tunDev = tunDev
	defer tunDev.Close()

	actualName, err := tunDev.Name()
	if err != nil {
		return fmt.Errorf("getting TUN device name: %w", err)
	}

	if a.tunFD == nil {
		if err := a.configureTUN(actualName); err != nil {
			return fmt.Errorf("configuring TUN interface: %w", err)
		}
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
		Topic:     "client",
		Join:      protocol.JoinPayload{AppVersion: pubKey.String()},
		TokenProvider: func() string {
			return a.cfg.Network.RefreshToken
		},
		Logger: a.log,
	})

	a.sigAdapter = signaling.New(a.node, a.portalCh, a.log)
	a.sigAdapter.OnCandidate = a.onRemoteCandidate
	a.sigAdapter.OnConnectionReady = a.onConnectionReady

	if err := a.portalCh.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to portal: %w", err)
	}

	a.log.Info("agent started",
		"device", a.cfg.Device.Name,
		"address", a.cfg.Device.Address,
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

// controlStatus adapts Status to the control server's wire shape.
func (a *Agent) controlStatus() control.Status {
	s := a.Status()
	conns := make([]control.ConnectionStatus, len(s.Connections))
	for i, c := range s.Connections {
		conns[i] = control.ConnectionStatus{
			ID:         c.ID,
			ResourceID: c.ResourceID,
			GatewayID:  c.GatewayID,
			State:      c.State,
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

// eventLoop is the cooperative scheduler described by the connectivity
// core's concurrency model: drain commands (here, only ctx cancellation
// and TUN packets), drain Node events/transmits, drain portal events, then
// sleep until the earlier of the Node's next deadline and idlePollInterval.
func (a *Agent) eventLoop(ctx context.Context) error {
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-a.tunPackets:
			if !ok {
				return fmt.Errorf("agent: TUN device closed")
			}
			a.handleOutboundPacket(packet)
		case pkt, ok := <-a.relayPackets:
			if !ok {
				return fmt.Errorf("agent: relay socket closed")
			}
			a.handleRelayPacket(pkt)
		case ev, ok := <-a.portalCh.Events():
			if !ok {
				return fmt.Errorf("agent: portal channel closed")
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
				return fmt.Errorf("agent: TUN device closed")
			}
			a.handleOutboundPacket(packet)
		case pkt, ok := <-a.relayPackets:
			if !ok {
				return fmt.Errorf("agent: relay socket closed")
			}
			a.handleRelayPacket(pkt)
		case ev, ok := <-a.portalCh.Events():
			if !ok {
				return fmt.Errorf("agent: portal channel closed")
			}
			if err := a.handlePortalEvent(ctx, ev); err != nil {
				a.log.Error("handling portal event", "error", err)
			}
		case <-time.After(sleep):
		}
	}
}

// drainNodeEvents pulls every currently queued Node event, routing each to
// the TUN device (decapsulated plaintext) or the signaling layer (new/
// invalidated candidates, state transitions).
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
	gw, ok := a.connGateway[id]
	a.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	var err error
	if invalidate {
		err = a.portalCh.BroadcastInvalidatedIceCandidates(ctx, protocol.BroadcastInvalidatedIceCandidatesPayload{
			GatewayIDs: []string{gw},
			Candidates: []string{c.SDP()},
		})
	} else {
		_, err = a.portalCh.BroadcastIceCandidates(ctx, protocol.BroadcastIceCandidatesPayload{
			GatewayIDs: []string{gw},
			Candidates: []string{c.SDP()},
		})
	}
	if err != nil {
		a.log.Error("broadcasting candidate", "error", err)
	}
}

// onConnectionReady is called by the signaling adapter once a Connection
// has been created for an accepted ConnectionDetails reply. It remembers
// the gateway a Connection belongs to and hands its local ICE credentials
// off to that gateway via request_connection.
func (a *Agent) onConnectionReady(id connlib.ConnectionID, resourceID connlib.ResourceID, gatewayID string) {
	a.mu.Lock()
	a.connResource[id] = resourceID
	a.connGateway[id] = gatewayID
	a.resourceConn[resourceID] = id
	a.connectedGw[gatewayID] = true
	delete(a.pendingIntents, resourceID)
	a.mu.Unlock()

	if err := a.sigAdapter.SendRequestConnection(context.Background(), id, resourceID, gatewayID); err != nil {
		a.log.Error("requesting connection", "resource", resourceID, "gateway", gatewayID, "error", err)
	}
}

// onRemoteCandidate routes a candidate signaled for a gateway to every
// Connection currently associated with that gateway.
func (a *Agent) onRemoteCandidate(gatewayID string, c candidate.Candidate) {
	a.mu.Lock()
	var ids []connlib.ConnectionID
	for id, gw := range a.connGateway {
		if gw == gatewayID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		if err := a.node.AddRemoteCandidate(id, c); err != nil {
			a.log.Warn("adding remote candidate", "connection", id, "error", err)
		}
	}
}

func (a *Agent) forgetConnection(id connlib.ConnectionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if resourceID, ok := a.connResource[id]; ok {
		delete(a.resourceConn, resourceID)
		delete(a.connResource, id)
	}
	gw, hadGateway := a.connGateway[id]
	delete(a.connGateway, id)
	if !hadGateway {
		return
	}
	for _, other := range a.connGateway {
		if other == gw {
			return
		}
	}
	delete(a.connectedGw, gw)
}

// handlePortalEvent dispatches one portal event: events the signaling
// adapter owns (connection handshake, candidates) are handed to it;
// everything else (initial state, resource/relay churn, fatal errors) is
// handled here.
func (a *Agent) handlePortalEvent(ctx context.Context, ev portal.Event) error {
	switch e := ev.(type) {
	case portal.InitEvent:
		a.applyResources(e.Payload.Resources)
		a.node.UpdateRelays(nil, ToRelayServers(e.Payload.Relays), time.Now())
		return a.reconfigureInterface(e.Payload.Interface)
	case portal.ConfigChangedEvent:
		return a.reconfigureInterface(e.Payload.Interface)
	case portal.ResourceCreatedOrUpdatedEvent:
		a.applyResources([]protocol.ResourceDescription{e.Payload.Resource})
		return nil
	case portal.ResourceDeletedEvent:
		a.mu.Lock()
		delete(a.resources, connlib.ResourceID(e.Payload.ResourceID))
		a.mu.Unlock()
		return nil
	case portal.RelaysPresenceEvent:
		a.node.UpdateRelays(ToRelayIDs(e.Payload.DisconnectedIDs), ToRelayServers(e.Payload.Connected), time.Now())
		return nil
	case portal.FatalErrorEvent:
		return fmt.Errorf("agent: portal reported a fatal error: %w", e.Err)
	default:
		return a.sigAdapter.HandlePortalEvent(ctx, ev)
	}
}

func (a *Agent) applyResources(resources []protocol.ResourceDescription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range resources {
		a.resources[connlib.ResourceID(r.ID)] = r
	}
}

// ToRelayServers adapts the portal's wire RelayDescription list into
// connlib.RelayServer, shared by internal/agent and internal/gwagent.
func ToRelayServers(relays []protocol.RelayDescription) []connlib.RelayServer {
	out := make([]connlib.RelayServer, 0, len(relays))
	for _, r := range relays {
		out = append(out, connlib.RelayServer{
			ID:       connlib.RelayID(r.ID),
			Addr:     r.Addr,
			Username: r.Username,
			Password: r.Password,
			Realm:    r.Realm,
		})
	}
	return out
}

// ToRelayIDs adapts a list of wire relay IDs into connlib.RelayID, shared
// by internal/agent and internal/gwagent.
func ToRelayIDs(ids []string) []connlib.RelayID {
	out := make([]connlib.RelayID, len(ids))
	for i, id := range ids {
		out[i] = connlib.RelayID(id)
	}
	return out
}

func (a *Agent) reconfigureInterface(iface protocol.InterfaceConfig) error {
	if iface.Address == "" {
		return nil
	}
	a.cfg.Device.Address = iface.Address
	actualName, err := a.tunDev.Name()
	if err != nil {
		return err
	}
	if err := a.configureTUN(actualName); err != nil {
		return err
	}
	if len(iface.DNS) > 0 {
		return a.deps.Network.SetDNS(actualName, iface.DNS, iface.DNSSearch)
	}
	return nil
}

// readTUNLoop reads raw IP packets off the kernel TUN device and forwards
// them to the event loop, which is the only goroutine allowed to touch the
// Node.
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

// handleOutboundPacket routes a packet read off the TUN device to the
// Connection serving its destination resource, opening a new connection
// intent if none exists yet.
func (a *Agent) handleOutboundPacket(packet []byte) {
	dst := destinationIP(packet)
	if dst == nil {
		return
	}

	resourceID, ok := a.resourceForIP(dst)
	if !ok {
		return
	}

	a.mu.Lock()
	connID, hasConn := a.resourceConn[resourceID]
	pending := a.pendingIntents[resourceID]
	if !hasConn && !pending {
		a.pendingIntents[resourceID] = true
	}
	a.mu.Unlock()

	if hasConn {
		if err := a.node.Encapsulate(time.Now(), connID, packet); err != nil {
			a.log.Debug("encapsulating packet", "resource", resourceID, "error", err)
		}
		return
	}

	if pending {
		return
	}

	var gatewayIDs []string
	a.mu.Lock()
	for gw := range a.connectedGw {
		gatewayIDs = append(gatewayIDs, gw)
	}
	a.mu.Unlock()

	if err := a.sigAdapter.NewConnectionIntent(context.Background(), string(resourceID), gatewayIDs); err != nil {
		a.log.Error("sending connection intent", "resource", resourceID, "error", err)
		a.mu.Lock()
		delete(a.pendingIntents, resourceID)
		a.mu.Unlock()
	}
}

func (a *Agent) resourceForIP(ip net.IP) (connlib.ResourceID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, r := range a.resources {
		if matchesResourceAddress(r.Address, ip) {
			return id, true
		}
	}
	return "", false
}

func matchesResourceAddress(address string, ip net.IP) bool {
	if address == "" {
		return false
	}
	if _, cidr, err := net.ParseCIDR(address); err == nil {
		return cidr.Contains(ip)
	}
	return net.ParseIP(address).Equal(ip)
}

// destinationIP extracts the destination address from a raw IPv4 or IPv6
// packet, or nil if the packet is too short or an unrecognized version.
func destinationIP(packet []byte) net.IP {
	if len(packet) < 1 {
		return nil
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return nil
		}
		return net.IP(packet[16:20])
	case 6:
		if len(packet) < 40 {
			return nil
		}
		return net.IP(packet[24:40])
	default:
		return nil
	}
}

// configureTUN configures the TUN interface with an IP address and brings
// it up, using netlink directly rather than shelling out to `ip`.
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
		if !isValidRoute(route) {
			a.log.Warn("refusing dangerous or malformed route", "route", route)
			continue
		}
		if err := a.deps.Network.AddRoute(ifName, route); err != nil {
			a.log.Warn("adding advertised route", "route", route, "error", err)
		}
	}
	a.log.Info("TUN interface configured", "name", ifName, "address", addr)
	return nil
}

// isValidRoute rejects malformed CIDRs and catch-all default routes
// (0.0.0.0/0, ::/0), which a gateway must never be allowed to push: routing
// all traffic through a single resource route would silently defeat split
// tunneling.
func isValidRoute(route string) bool {
	_, network, err := net.ParseCIDR(route)
	if err != nil {
		return false
	}
	ones, _ := network.Mask.Size()
	return ones != 0
}

// shutdown tears down the portal channel and every open connection.
func (a *Agent) shutdown() {
	a.log.Info("shutting down agent")

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

	if a.node != nil {
		for id := range a.node.Connections() {
			if err := a.node.CloseConnection(id); err != nil {
				a.log.Error("closing connection", "connection", id, "error", err)
			}
		}
	}

	if a.relayConn != nil {
		if err := a.relayConn.Close(); err != nil {
			a.log.Error("closing relay socket", "error", err)
		}
	}
}

// Status reports the agent's current state for the control API.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	var conns []ConnectionStatus
	if a.node != nil {
		for id, state := range a.node.Connections() {
			conns = append(conns, ConnectionStatus{
				ID:         string(id),
				ResourceID: string(a.connResource[id]),
				GatewayID:  a.connGateway[id],
				State:      state.String(),
			})
		}
	}

	return AgentStatus{
		Device:        a.cfg.Device.Name,
		Address:       a.cfg.Device.Address,
		Routes:        a.cfg.Device.Routes,
		ServerURL:     a.cfg.Network.ServerURL,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Connections:   conns,
	}
}

// AgentStatus is the Agent's own view of its state, translated into the
// control API's wire Status by controlStatus.
type AgentStatus struct {
	Device        string
	Address       string
	Routes        []string
	ServerURL     string
	UptimeSeconds float64
	Connections   []ConnectionStatus
}

// ConnectionStatus is one Connection's state, for the control API.
type ConnectionStatus struct {
	ID         string
	ResourceID string
	GatewayID  string
	State      string
}
