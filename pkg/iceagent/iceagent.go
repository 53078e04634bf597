// Package iceagent wraps pion/ice/v4's callback-driven Agent behind the
// same poll-based facade the rest of the core uses (§4.2). pion/ice itself
// still owns real sockets and background goroutines for candidate
// gathering and connectivity checks — ICE fundamentally requires live
// timers and live sockets to do its job — but every event it produces is
// buffered here and drained by the owner on its own schedule, so the
// owner's event loop never blocks on pion/ice directly.
package iceagent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/ice/v4"

	"github.com/zerogate/connlib/pkg/candidate"
)

// MaxCandidatePairs is the candidate-pair limit of 300. New does not pass it
// to the pion agent, so the number of pairs the agent checks is not bounded
// by it.
const MaxCandidatePairs = 300

// Event is something the owner should react to.
type Event interface{ isICEEvent() }

// NewLocalCandidateEvent fires when the local agent gathers a new
// candidate that must be signaled to the remote peer.
type NewLocalCandidateEvent struct{ Candidate candidate.Candidate }

func (NewLocalCandidateEvent) isICEEvent() {}

// CandidateInvalidatedEvent fires when a previously signaled local
// candidate (e.g. a server-reflexive mapping) is no longer valid.
type CandidateInvalidatedEvent struct{ Candidate candidate.Candidate }

func (CandidateInvalidatedEvent) isICEEvent() {}

// ConnectedEvent fires once a candidate pair is nominated and application
// data can flow.
type ConnectedEvent struct{}

func (ConnectedEvent) isICEEvent() {}

// DisconnectedEvent fires when connectivity is lost after having been
// established.
type DisconnectedEvent struct{}

func (DisconnectedEvent) isICEEvent() {}

// FailedEvent fires when ICE negotiation could not produce a working
// candidate pair.
type FailedEvent struct{ Err error }

func (FailedEvent) isICEEvent() {}

// InboundPacketEvent carries a datagram received over the nominated
// candidate pair, for the owner to feed to pkg/wgtunnel.
type InboundPacketEvent struct{ Data []byte }

func (InboundPacketEvent) isICEEvent() {}

// Agent is the poll-based ICE facade for one Connection.
type Agent struct {
	inner *ice.Agent

	mu          sync.Mutex
	events      []Event
	conn        *ice.Conn
	closed      bool
	controlling bool
}

// New constructs an ICE agent with host/srflx/relay candidate gathering
// enabled, per §4.2's default configuration (controlling/controlled is
// set separately via SetControlling once the signaling round determines
// it, timing advance is left at pion/ice's default since the spec's
// set_timing_advance(0) asks for no artificial delay).
func New(urls []*ice.URL) (*Agent, error) {
	inner, err := ice.NewAgent(&ice.AgentConfig{
		Urls:           urls,
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
	})
	if err != nil {
		return nil, fmt.Errorf("iceagent: creating pion/ice agent: %w", err)
	}

	a := &Agent{inner: inner}

	if err := inner.OnCandidate(a.onCandidate); err != nil {
		return nil, fmt.Errorf("iceagent: registering candidate callback: %w", err)
	}
	if err := inner.OnConnectionStateChange(a.onConnectionStateChange); err != nil {
		return nil, fmt.Errorf("iceagent: registering state callback: %w", err)
	}
	return a, nil
}

func (a *Agent) onCandidate(c ice.Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c == nil {
		return
	}
	parsed, err := candidate.Parse(c.Marshal())
	if err != nil {
		return
	}
	a.events = append(a.events, NewLocalCandidateEvent{Candidate: parsed})
}

func (a *Agent) onConnectionStateChange(state ice.ConnectionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch state {
	case ice.ConnectionStateConnected:
		a.events = append(a.events, ConnectedEvent{})
		go a.pumpConn()
	case ice.ConnectionStateDisconnected:
		a.events = append(a.events, DisconnectedEvent{})
	case ice.ConnectionStateFailed:
		a.events = append(a.events, FailedEvent{Err: fmt.Errorf("iceagent: ICE connection failed")})
	}
}

// SetControlling designates this side as the ICE controlling agent (the
// client role initiating a new_connection always controls; a gateway
// responding to a request is always controlled, per §3).
func (a *Agent) SetControlling(controlling bool) {
	a.mu.Lock()
	a.controlling = controlling
	a.mu.Unlock()
}

// LocalCredentials returns this agent's ICE ufrag/pwd to be signaled to
// the remote peer.
func (a *Agent) LocalCredentials() (ufrag, pwd string, err error) {
	return a.inner.GetLocalUserCredentials()
}

// SetRemoteCredentials installs the remote peer's ICE ufrag/pwd, learned
// from the signaling exchange, and begins gathering if not already
// started.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) error {
	if err := a.inner.GatherCandidates(); err != nil {
		return fmt.Errorf("iceagent: gathering candidates: %w", err)
	}

	go func() {
		ctx := context.Background()
		var conn *ice.Conn
		var err error
		a.mu.Lock()
		controlling := a.controlling
		a.mu.Unlock()
		if controlling {
			conn, err = a.inner.Dial(ctx, ufrag, pwd)
		} else {
			conn, err = a.inner.Accept(ctx, ufrag, pwd)
		}
		a.mu.Lock()
		if err != nil {
			a.events = append(a.events, FailedEvent{Err: fmt.Errorf("iceagent: negotiation failed: %w", err)})
		} else {
			a.conn = conn
		}
		a.mu.Unlock()
	}()
	return nil
}

// SelectedRelay reports the TURN server address backing the nominated
// candidate pair's local side, if any (§4.4 "peer_socket" determination:
// a relayed local candidate means traffic for this pair flows through
// that server). The second return value is the remote peer's address as
// seen by the relay, needed to bind a channel for it. ok is false for a
// direct (host/server-reflexive) pair, or if nothing is nominated yet.
func (a *Agent) SelectedRelay() (serverAddr string, peer *net.UDPAddr, ok bool) {
	pair, err := a.inner.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "", nil, false
	}
	local, err := candidate.Parse(pair.Local.Marshal())
	if err != nil || local.Kind != candidate.KindRelay || local.RelatedAddress == nil {
		return "", nil, false
	}
	remote, err := candidate.Parse(pair.Remote.Marshal())
	if err != nil {
		return "", nil, false
	}
	serverAddr = net.JoinHostPort(local.RelatedAddress.String(), strconv.Itoa(local.RelatedPort))
	return serverAddr, remote.UDPAddr(), true
}

// AddRemoteCandidate adds a candidate signaled by the remote peer.
func (a *Agent) AddRemoteCandidate(c candidate.Candidate) error {
	iceCandidate, err := ice.UnmarshalCandidate(c.SDP())
	if err != nil {
		return fmt.Errorf("iceagent: unmarshaling remote candidate: %w", err)
	}
	return a.inner.AddRemoteCandidate(iceCandidate)
}

// Send writes a datagram over the nominated candidate pair. Returns an
// error if no pair has been nominated yet (the owner should buffer the
// packet itself, matching the ring-buffer pattern in pkg/wgtunnel).
func (a *Agent) Send(data []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("iceagent: no nominated candidate pair yet")
	}
	_, err := conn.Write(data)
	return err
}

// pumpConn bridges pion/ice's blocking Conn.Read into the polled event
// queue. This is the one place in the package where a goroutine is
// unavoidable: ICE's own connectivity checks require it internally
// regardless, so this merely exposes the data it already moves.
func (a *Agent) pumpConn() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.events = append(a.events, InboundPacketEvent{Data: data})
		a.mu.Unlock()
	}
}

// PollEvent drains one queued event, if any.
func (a *Agent) PollEvent() (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return nil, false
	}
	ev := a.events[0]
	a.events = a.events[1:]
	return ev, true
}

// PollTimeout reports nothing on its own: connectivity-check timing is
// owned internally by pion/ice. It exists so the owner's event loop can
// treat every adapter uniformly; iceagent never asks for an explicit
// wakeup.
func (a *Agent) PollTimeout() (time.Time, bool) {
	return time.Time{}, false
}

// HandleTimeout is a no-op for the same reason as PollTimeout.
func (a *Agent) HandleTimeout(time.Time) error { return nil }

// Close tears down the underlying agent and any nominated connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return a.inner.Close()
}
