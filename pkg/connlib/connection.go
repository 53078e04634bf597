package connlib

import (
	"fmt"
	"time"

	"github.com/zerogate/connlib/pkg/candidate"
	"github.com/zerogate/connlib/pkg/iceagent"
	"github.com/zerogate/connlib/pkg/turnalloc"
	"github.com/zerogate/connlib/pkg/wgtunnel"
)

// State is where a Connection sits in its lifecycle (§3).
type State int

const (
	// StateConnecting: ICE is still negotiating a candidate pair, or one
	// was just nominated but no WireGuard handshake has completed yet.
	// Outbound packets are buffered rather than dropped.
	StateConnecting State = iota
	// StateConnected: a WireGuard session is established and packets flow.
	StateConnected
	// StateIdle: connected, but no traffic has flowed for IdleTimeout;
	// kept around in case traffic resumes, unlike a failure.
	StateIdle
	// StateFailed: ICE or the handshake could not complete in time.
	StateFailed
	// StateClosed: torn down by its owner; terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// CandidateTimeout bounds how long a Connection may stay Connecting
	// after creation: one that has not reached Connected by then fails,
	// even if ICE has already nominated a candidate pair.
	CandidateTimeout = 10 * time.Second
	// NoAnswerTimeout bounds how long the initiating side waits for the
	// portal to deliver ConnectionDetails before giving up.
	NoAnswerTimeout = 20 * time.Second
	// IdleTimeout is how long a Connected connection may see no traffic
	// before it is demoted to Idle.
	IdleTimeout = 5 * time.Minute
)

// Connection is one peer-to-peer (or peer-to-relay) tunnel attempt,
// combining an ICE agent for path discovery and a WireGuard-style tunnel
// for the encrypted payload (§3 "Connection").
type Connection struct {
	ID         ConnectionID
	ResourceID ResourceID
	Initiator  bool

	ice    *iceagent.Agent
	tunnel *wgtunnel.Tunnel
	relay  *turnalloc.Allocation // nil if no relay is in use for this connection

	state State

	createdAt         time.Time
	lastActivityAt    time.Time
	candidateDeadline time.Time
	noAnswerDeadline  time.Time

	// awaitingAnswer is true for an initiating Connection until the
	// remote's ICE credentials arrive via SetRemoteICECredentials (the
	// "answer" to this Connection's offer, relayed through the portal).
	// Tick fails the connection at noAnswerDeadline while this holds,
	// implementing §3's InitialConnection 20s "no answer" timeout within
	// this codebase's merged Connection model.
	awaitingAnswer bool

	events []ConnectionEvent
}

// ConnectionEvent is something the owner of a Connection should react to.
type ConnectionEvent interface{ isConnectionEvent() }

// StateChangedEvent fires every time Connection.state transitions.
type StateChangedEvent struct {
	From, To State
}

func (StateChangedEvent) isConnectionEvent() {}

// NewIceCandidateEvent carries a freshly gathered local candidate that
// must be signaled to the remote peer via BroadcastIceCandidates.
type NewIceCandidateEvent struct{ Candidate candidate.Candidate }

func (NewIceCandidateEvent) isConnectionEvent() {}

// InvalidateIceCandidateEvent fires when a previously signaled candidate
// should be withdrawn.
type InvalidateIceCandidateEvent struct{ Candidate candidate.Candidate }

func (InvalidateIceCandidateEvent) isConnectionEvent() {}

// DecapsulatedPacketEvent carries a plaintext IP packet recovered from an
// inbound WireGuard ciphertext, for the owner to write to the TUN device.
type DecapsulatedPacketEvent struct{ Data []byte }

func (DecapsulatedPacketEvent) isConnectionEvent() {}

// newConnection builds a Connection in StateConnecting.
func newConnection(id ConnectionID, resourceID ResourceID, initiator bool, ice *iceagent.Agent, tunnel *wgtunnel.Tunnel, now time.Time) *Connection {
	return &Connection{
		ID:                id,
		ResourceID:        resourceID,
		Initiator:         initiator,
		ice:               ice,
		tunnel:            tunnel,
		state:             StateConnecting,
		createdAt:         now,
		lastActivityAt:    now,
		candidateDeadline: now.Add(CandidateTimeout),
		noAnswerDeadline:  now.Add(NoAnswerTimeout),
		awaitingAnswer:    initiator,
	}
}

func (c *Connection) transitionTo(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.events = append(c.events, StateChangedEvent{From: from, To: to})
}

// Encapsulate accepts a plaintext packet bound for the remote peer,
// encrypting it and, once a candidate pair exists, sending it over the
// ICE connection. While still Connecting, the packet is buffered by
// pkg/wgtunnel's own ring (capacity wgtunnel.BufferedPacketCapacity)
// rather than handed to ICE at all.
func (c *Connection) Encapsulate(now time.Time, plaintext []byte) error {
	if c.state == StateClosed || c.state == StateFailed {
		return fmt.Errorf("connlib: cannot encapsulate on a %s connection", c.state)
	}
	res, err := c.tunnel.Encapsulate(now, plaintext)
	if err != nil {
		return err
	}
	return c.dispatchTunnelResult(res)
}

func (c *Connection) dispatchTunnelResult(res wgtunnel.Result) error {
	switch res.Action {
	case wgtunnel.ActionWriteToNetwork:
		return c.ice.Send(res.Data)
	case wgtunnel.ActionHandshakeComplete:
		// Drain any packets wgtunnel buffered while the handshake was in
		// flight; each drained packet recurses through the same dispatch.
		for {
			drained, err := c.tunnel.Decapsulate(time.Now(), nil, "")
			if err != nil {
				return err
			}
			if drained.Action == wgtunnel.ActionNone {
				break
			}
			if err := c.dispatchTunnelResult(drained); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleInboundICEPacket feeds a packet received over the ICE connection
// into the WireGuard tunnel, returning the decrypted plaintext if it was
// application data.
func (c *Connection) HandleInboundICEPacket(now time.Time, data []byte) ([]byte, error) {
	res, err := c.tunnel.Decapsulate(now, data, string(c.ID))
	if err != nil {
		return nil, err
	}
	c.lastActivityAt = now
	if c.state == StateIdle {
		c.transitionTo(StateConnected)
	}

	switch res.Action {
	case wgtunnel.ActionWriteToNetwork:
		if err := c.ice.Send(res.Data); err != nil {
			return nil, err
		}
		// A handshake response to send means this side, as responder, has
		// just established the session.
		if c.state == StateConnecting && c.tunnel.HasEverHandshaked() {
			c.transitionTo(StateConnected)
		}
	case wgtunnel.ActionHandshakeComplete:
		if c.state == StateConnecting {
			c.transitionTo(StateConnected)
		}
		if err := c.dispatchTunnelResult(res); err != nil {
			return nil, err
		}
	case wgtunnel.ActionWriteToTunnel:
		return res.Data, nil
	}
	return nil, nil
}

// pollICE drains the ICE agent's event queue and folds it into the
// connection's own state (§4.4: candidate/state events are the only way
// a Connection learns about path changes, since neither layer blocks or
// calls back directly).
func (c *Connection) pollICE(now time.Time) {
	for {
		ev, ok := c.ice.PollEvent()
		if !ok {
			return
		}
		switch e := ev.(type) {
		case iceagent.NewLocalCandidateEvent:
			c.events = append(c.events, NewIceCandidateEvent{Candidate: e.Candidate})
		case iceagent.ConnectedEvent:
			// A candidate pair is nominated; the WireGuard handshake still
			// needs to complete before the connection is Connected.
			if c.state == StateConnecting {
				_ = c.kickHandshake(now)
			}
		case iceagent.DisconnectedEvent:
			if c.state == StateConnected {
				c.transitionTo(StateIdle)
			}
		case iceagent.FailedEvent:
			c.transitionTo(StateFailed)
		case iceagent.InboundPacketEvent:
			plaintext, err := c.HandleInboundICEPacket(now, e.Data)
			if err != nil {
				continue
			}
			if plaintext != nil {
				c.events = append(c.events, DecapsulatedPacketEvent{Data: plaintext})
			}
		}
	}
}

func (c *Connection) kickHandshake(now time.Time) error {
	if c.tunnel.HasEverHandshaked() {
		return nil
	}
	msg, err := c.tunnel.FormatHandshakeInitiation(now, false)
	if err != nil {
		return err
	}
	return c.ice.Send(msg)
}

// Tick folds in GC/timeout handling for one Connection: candidate
// timeout while Connecting, idle timeout while Connected, and WireGuard's
// own handshake retry/rekey/keepalive schedule.
func (c *Connection) Tick(now time.Time) error {
	switch c.state {
	case StateConnecting:
		if c.awaitingAnswer && now.After(c.noAnswerDeadline) {
			c.transitionTo(StateFailed)
			return nil
		}
		if now.After(c.candidateDeadline) {
			c.transitionTo(StateFailed)
			return nil
		}
	case StateConnected:
		if now.Sub(c.lastActivityAt) >= IdleTimeout {
			c.transitionTo(StateIdle)
		}
	}

	if c.state == StateConnecting || c.state == StateConnected || c.state == StateIdle {
		res, err := c.tunnel.UpdateTimers(now)
		if err != nil {
			c.transitionTo(StateFailed)
			return nil
		}
		if res.Action == wgtunnel.ActionWriteToNetwork {
			_ = c.ice.Send(res.Data)
		}
	}
	return nil
}

// PollEvent drains one queued Connection-level event, if any.
func (c *Connection) PollEvent() (ConnectionEvent, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// Close tears the connection down. Per the design decision in §9, no
// explicit TURN deallocate is issued for any relay Allocation this
// connection held — the server's own allocation lifetime reclaims it.
func (c *Connection) Close() error {
	c.transitionTo(StateClosed)
	if c.relay != nil {
		c.relay.Close()
	}
	return c.ice.Close()
}
