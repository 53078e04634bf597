// Package candidate models ICE candidates as opaque SDP strings plus a
// typed view used for the local policy decisions in §4.2 and §4.5 of the
// connectivity core: which candidates are added to the local ICE agent and
// which are only ever signaled to the remote peer.
package candidate

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind is the ICE candidate type per RFC 8445 §5.1.1.
type Kind string

const (
	KindHost            Kind = "host"
	KindServerReflexive Kind = "srflx"
	KindPeerReflexive   Kind = "prflx"
	KindRelay           Kind = "relay"
)

// Protocol is the candidate transport protocol. The core only ever
// generates UDP candidates (TURN-over-TCP is handled at the Allocation's
// transport layer, not reflected here).
type Protocol string

const (
	ProtoUDP Protocol = "udp"
)

// Candidate is a typed view of an ICE candidate. SDP carries the opaque
// wire string (the "candidate:..." attribute value); the typed fields are
// derived from it, or used to build it.
type Candidate struct {
	Kind      Kind
	Protocol  Protocol
	Address   net.IP
	Port      int
	Priority  uint32
	Component int

	// RelatedAddress/RelatedPort are set for srflx/relay candidates: the
	// base address the server-reflexive or relayed candidate was derived
	// from.
	RelatedAddress net.IP
	RelatedPort    int

	// Foundation groups candidates sharing a base address/type/protocol,
	// per RFC 8445 §5.1.1.3. Two candidates with host addresses that
	// collide but differ in kind still get distinct foundations.
	Foundation string
}

// Host builds a host candidate for a locally observed UDP socket. Host
// candidates are added to the local ICE agent directly (§4.2, §4.5 "host
// candidate promotion").
func Host(addr *net.UDPAddr) Candidate {
	return Candidate{
		Kind:       KindHost,
		Protocol:   ProtoUDP,
		Address:    addr.IP,
		Port:       addr.Port,
		Component:  1,
		Priority:   priorityFor(KindHost),
		Foundation: foundationFor(KindHost, addr.IP),
	}
}

// ServerReflexive builds a server-reflexive candidate learned from a TURN
// Allocation's STUN binding response. Per the invariants in §3, these are
// never added to the local ICE agent — they exist only to be signaled.
func ServerReflexive(mapped, base *net.UDPAddr) Candidate {
	return Candidate{
		Kind:           KindServerReflexive,
		Protocol:       ProtoUDP,
		Address:        mapped.IP,
		Port:           mapped.Port,
		Component:      1,
		Priority:       priorityFor(KindServerReflexive),
		Foundation:     foundationFor(KindServerReflexive, base.IP),
		RelatedAddress: base.IP,
		RelatedPort:    base.Port,
	}
}

// Relayed builds a relayed candidate for an address allocated by a TURN
// server. Relayed candidates are added to the local ICE agent and signaled.
func Relayed(relayed, base *net.UDPAddr) Candidate {
	return Candidate{
		Kind:           KindRelay,
		Protocol:       ProtoUDP,
		Address:        relayed.IP,
		Port:           relayed.Port,
		Component:      1,
		Priority:       priorityFor(KindRelay),
		Foundation:     foundationFor(KindRelay, base.IP),
		RelatedAddress: base.IP,
		RelatedPort:    base.Port,
	}
}

// priorityFor returns a type-preference-ordered priority per RFC 8445
// §5.1.2.1, assuming a single local preference tier (one interface).
func priorityFor(k Kind) uint32 {
	var typePref uint32
	switch k {
	case KindHost:
		typePref = 126
	case KindPeerReflexive:
		typePref = 110
	case KindServerReflexive:
		typePref = 100
	case KindRelay:
		typePref = 0
	}
	const localPref = 65535
	const component = 1
	return (typePref << 24) | (localPref << 8) | (256 - component)
}

func foundationFor(k Kind, base net.IP) string {
	return fmt.Sprintf("%s-%s", k, base.String())
}

// UDPAddr returns the candidate's transport address.
func (c Candidate) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.Address, Port: c.Port}
}

// SDP encodes the candidate as an opaque "candidate:..." attribute string,
// per RFC 8839 §5.1. Consumers must treat this as opaque and round-trip it
// through Parse.
func (c Candidate) SDP() string {
	typ := string(c.Kind)
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, strings.ToUpper(string(c.Protocol)),
		c.Priority, c.Address.String(), c.Port, typ)
	if c.RelatedAddress != nil {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress.String(), c.RelatedPort)
	}
	return b.String()
}

// Parse decodes an SDP candidate attribute string back into a Candidate.
// Round-tripping SDP()/Parse() must be lossless for the fields defined here
// (property 2 in §8 depends on candidates being compared structurally after
// a signaling round-trip).
func Parse(sdp string) (Candidate, error) {
	sdp = strings.TrimPrefix(strings.TrimSpace(sdp), "candidate:")
	fields := strings.Fields(sdp)
	if len(fields) < 7 {
		return Candidate{}, fmt.Errorf("candidate: malformed SDP %q", sdp)
	}

	c := Candidate{Foundation: fields[0]}

	comp, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate: bad component %q: %w", fields[1], err)
	}
	c.Component = comp
	c.Protocol = Protocol(strings.ToLower(fields[2]))

	prio, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate: bad priority %q: %w", fields[3], err)
	}
	c.Priority = uint32(prio)

	c.Address = net.ParseIP(fields[4])
	if c.Address == nil {
		return Candidate{}, fmt.Errorf("candidate: bad address %q", fields[4])
	}

	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate: bad port %q: %w", fields[5], err)
	}
	c.Port = port

	if fields[6] != "typ" || len(fields) < 8 {
		return Candidate{}, fmt.Errorf("candidate: missing typ in %q", sdp)
	}
	c.Kind = Kind(fields[7])

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelatedAddress = net.ParseIP(fields[i+1])
		case "rport":
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				c.RelatedPort = p
			}
		}
	}

	return c, nil
}
