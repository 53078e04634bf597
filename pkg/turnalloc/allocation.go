// Package turnalloc implements the Allocation: a SANS-IO TURN client that
// manages one relayed transport address on a TURN server (RFC 8656) and
// demultiplexes the resulting socket between STUN/TURN control traffic and
// relayed peer data. Like pkg/wgtunnel, it never reads the clock, never
// blocks, and never touches a socket itself — every byte and every
// timestamp crosses its API explicitly so it can be driven by the same
// event loop as the rest of the core.
package turnalloc

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// TURN method numbers (RFC 8656 §13), layered on top of STUN's message
// type encoding the same way STUN methods are.
const (
	methodAllocate         stun.Method = 0x003
	methodRefresh          stun.Method = 0x004
	methodSend             stun.Method = 0x006
	methodData             stun.Method = 0x007
	methodCreatePermission stun.Method = 0x008
	methodChannelBind      stun.Method = 0x009
)

// TURN attribute type codes not defined by pion/stun/v3 (which only knows
// the base STUN attribute set).
const (
	attrChannelNumber      stun.AttrType = 0x000c
	attrLifetime           stun.AttrType = 0x000d
	attrXORPeerAddress     stun.AttrType = 0x0012
	attrData               stun.AttrType = 0x0013
	attrXORRelayedAddress  stun.AttrType = 0x0016
	attrEvenPort           stun.AttrType = 0x0018
	attrRequestedTransport stun.AttrType = 0x0019
	attrDontFragment       stun.AttrType = 0x001a
	attrReservationToken   stun.AttrType = 0x0022
)

const transportUDP = 17 // IANA protocol number for UDP, per RFC 8656 §14.7.

// ChannelLifetime is how long a channel binding remains valid once
// installed; it must be refreshed before it lapses.
const ChannelLifetime = 10 * time.Minute

// ChannelRefreshMargin is how much time may remain on a channel binding
// before a refresh is sent.
const ChannelRefreshMargin = 5 * time.Minute

// AllocationLifetime mirrors ChannelLifetime for the allocation itself
// (TURN servers commonly default to the same 10-minute window).
const AllocationLifetime = 10 * time.Minute

// AllocationRefreshMargin mirrors ChannelRefreshMargin.
const AllocationRefreshMargin = 5 * time.Minute

// Event is something the owner should react to.
type Event interface{ isAllocationEvent() }

// RelayAddressEvent fires once the allocation completes, giving the
// relayed and server-reflexive addresses to turn into candidates.
type RelayAddressEvent struct {
	RelayedAddress *net.UDPAddr
	MappedAddress  *net.UDPAddr
}

func (RelayAddressEvent) isAllocationEvent() {}

// FailedEvent fires when the allocation could not be established or was
// rejected by the server (e.g. credentials expired, RFC 8656 §7.1).
type FailedEvent struct{ Err error }

func (FailedEvent) isAllocationEvent() {}

// Transmit is a datagram the owner must send to ServerAddr.
type Transmit struct {
	ServerAddr net.Addr
	Payload    []byte
}

type channelBinding struct {
	number      uint16
	peer        *net.UDPAddr
	boundAt     time.Time
	refreshedAt time.Time
}

// Allocation manages one TURN relay allocation and its channel bindings.
type Allocation struct {
	serverAddr net.Addr
	realm      string
	username   string
	password   string
	nonce      string

	transactions map[string]pendingRequest

	relayedAddress *net.UDPAddr
	mappedAddress  *net.UDPAddr
	allocated      bool
	lastRefreshAt  time.Time

	channelsByPeer   map[string]*channelBinding
	channelsByNumber map[uint16]*channelBinding
	nextChannel      uint16

	events    []Event
	transmits []Transmit

	closed bool
}

type pendingRequest struct {
	method  stun.Method
	sentAt  time.Time
	retries int
}

// New begins managing a TURN allocation on the server reachable at
// serverAddr, authenticating with the given long-term credentials.
func New(serverAddr net.Addr, username, password, realm string) *Allocation {
	return &Allocation{
		serverAddr:       serverAddr,
		username:         username,
		password:         password,
		realm:            realm,
		transactions:     make(map[string]pendingRequest),
		channelsByPeer:   make(map[string]*channelBinding),
		channelsByNumber: make(map[uint16]*channelBinding),
		nextChannel:      0x4000,
	}
}

// UpdateCredentials rotates the long-term credential used for subsequent
// requests (§4.1 "update_credentials"), e.g. after the portal hands out a
// fresh TURN REST API username/password pair.
func (a *Allocation) UpdateCredentials(username, password string) {
	a.username = username
	a.password = password
}

// ServerAddr returns the TURN server address this allocation was built
// against, so a caller demultiplexing inbound datagrams by source address
// can find the Allocation that owns a given server.
func (a *Allocation) ServerAddr() net.Addr { return a.serverAddr }

// Allocate sends the initial Allocate request. The caller must poll
// PollTransmit afterward to get the bytes to send.
func (a *Allocation) Allocate(now time.Time) error {
	txID, err := newTransactionID()
	if err != nil {
		return err
	}
	msg, err := a.buildRequest(methodAllocate, txID,
		attrSetter(attrRequestedTransport, []byte{transportUDP, 0, 0, 0}),
		attrSetter(attrLifetime, lifetimeBytes(AllocationLifetime)),
	)
	if err != nil {
		return err
	}
	a.transactions[string(txID[:])] = pendingRequest{method: methodAllocate, sentAt: now}
	a.queueTransmit(msg)
	return nil
}

// BindChannel requests a channel number be bound to peer, so future
// traffic to/from it can use the 4-byte channel-data framing instead of
// Send/Data indications (§4.1 "bind_channel").
func (a *Allocation) BindChannel(now time.Time, peer *net.UDPAddr) error {
	key := peer.String()
	if cb, ok := a.channelsByPeer[key]; ok {
		cb.refreshedAt = now
		return nil
	}

	number := a.nextChannel
	a.nextChannel++

	txID, err := newTransactionID()
	if err != nil {
		return err
	}
	msg, err := a.buildRequest(methodChannelBind, txID,
		attrSetter(attrChannelNumber, channelNumberBytes(number)),
		attrSetter(attrXORPeerAddress, xorAddressBytes(peer, txID)),
	)
	if err != nil {
		return err
	}

	cb := &channelBinding{number: number, peer: peer, boundAt: now, refreshedAt: now}
	a.channelsByPeer[key] = cb
	a.channelsByNumber[number] = cb

	a.transactions[string(txID[:])] = pendingRequest{method: methodChannelBind, sentAt: now}
	a.queueTransmit(msg)
	return nil
}

// EncodeToOwnedTransmit wraps a payload addressed to peer for sending
// through the relay, using channel-data framing if a channel is already
// bound, or a Send indication otherwise (§4.1
// "encode_to_owned_transmit"/"encode_to_borrowed_transmit" — both return
// the same framing here since Go doesn't distinguish borrowed vs owned
// buffers at this layer).
func (a *Allocation) EncodeToOwnedTransmit(peer *net.UDPAddr, payload []byte) (Transmit, error) {
	if cb, ok := a.channelsByPeer[peer.String()]; ok {
		return Transmit{ServerAddr: a.serverAddr, Payload: encodeChannelData(cb.number, payload)}, nil
	}

	txID, err := newTransactionID()
	if err != nil {
		return Transmit{}, err
	}
	msg, err := a.buildIndication(methodSend, txID,
		attrSetter(attrXORPeerAddress, xorAddressBytes(peer, txID)),
		attrSetter(attrData, payload),
	)
	if err != nil {
		return Transmit{}, err
	}
	return Transmit{ServerAddr: a.serverAddr, Payload: msg.Raw}, nil
}

// HandleInput demultiplexes one datagram received from the TURN server:
// a STUN message (response or Data indication) or channel-data. Returns
// the peer address and decapsulated payload when the datagram carried
// relayed application data (§4.1 "decapsulate").
func (a *Allocation) HandleInput(now time.Time, data []byte) (peer *net.UDPAddr, payload []byte, consumed bool) {
	if len(data) < 4 {
		return nil, nil, false
	}

	// Demux per RFC 8656 §12: the top two bits of the first byte are 0b00
	// for STUN/TURN control messages and 0b01 for channel-data framing
	// (channel numbers 0x4000-0x4FFF, i.e. first byte 64-79).
	firstByte := data[0]
	switch firstByte >> 6 {
	case 0:
		a.handleSTUN(now, data)
		return nil, nil, true
	case 1:
		return a.handleChannelData(data)
	default:
		return nil, nil, false
	}
}

func (a *Allocation) handleChannelData(data []byte) (*net.UDPAddr, []byte, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	number := uint16(data[0])<<8 | uint16(data[1])
	length := int(data[2])<<8 | int(data[3])
	if 4+length > len(data) {
		return nil, nil, false
	}
	cb, ok := a.channelsByNumber[number]
	if !ok {
		return nil, nil, false
	}
	return cb.peer, data[4 : 4+length], true
}

func (a *Allocation) handleSTUN(now time.Time, data []byte) {
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return
	}

	if msg.Type.Class == stun.ClassIndication && msg.Type.Method == methodData {
		a.handleDataIndication(msg)
		return
	}

	pending, ok := a.transactions[string(msg.TransactionID[:])]
	if !ok {
		return
	}
	delete(a.transactions, string(msg.TransactionID[:]))

	if msg.Type.Class == stun.ClassErrorResponse {
		a.handleErrorResponse(now, pending, msg)
		return
	}

	switch pending.method {
	case methodAllocate:
		a.handleAllocateSuccess(now, msg)
	case methodRefresh:
		a.lastRefreshAt = now
	case methodChannelBind:
		// Binding succeeded; channelsByPeer/channelsByNumber already updated
		// optimistically when the request was sent.
	}
}

func (a *Allocation) handleDataIndication(msg *stun.Message) {
	peerBytes, err := msg.Get(attrXORPeerAddress)
	if err != nil {
		return
	}
	peer := decodeXORAddress(peerBytes, msg.TransactionID)
	payload, err := msg.Get(attrData)
	if err != nil {
		return
	}
	a.events = append(a.events, dataEvent{peer: peer, payload: payload})
}

// dataEvent carries relayed data received via a Data indication (as
// opposed to channel-data framing) up to HandleInput's caller. It is
// surfaced through PollEvent rather than HandleInput's return value since
// Data indications arrive wrapped in a full STUN message, discovered only
// after decoding.
type dataEvent struct {
	peer    *net.UDPAddr
	payload []byte
}

func (dataEvent) isAllocationEvent() {}

func (a *Allocation) handleErrorResponse(now time.Time, pending pendingRequest, msg *stun.Message) {
	nonceBytes, nErr := msg.Get(stun.AttrNonce)
	realmBytes, rErr := msg.Get(stun.AttrRealm)
	if nErr == nil && rErr == nil {
		// 401 Unauthorized carrying a fresh nonce/realm: retry once with
		// long-term credential integrity.
		a.nonce = string(nonceBytes)
		a.realm = string(realmBytes)
		if pending.retries < 1 {
			switch pending.method {
			case methodAllocate:
				txID, err := newTransactionID()
				if err != nil {
					break
				}
				msg, err := a.buildRequest(methodAllocate, txID,
					attrSetter(attrRequestedTransport, []byte{transportUDP, 0, 0, 0}),
					attrSetter(attrLifetime, lifetimeBytes(AllocationLifetime)),
				)
				if err != nil {
					break
				}
				a.transactions[string(txID[:])] = pendingRequest{method: methodAllocate, sentAt: now, retries: pending.retries + 1}
				a.queueTransmit(msg)
			}
			return
		}
	}
	a.events = append(a.events, FailedEvent{Err: fmt.Errorf("turnalloc: %s rejected by server", methodName(pending.method))})
}

func (a *Allocation) handleAllocateSuccess(now time.Time, msg *stun.Message) {
	relayedBytes, err := msg.Get(attrXORRelayedAddress)
	if err != nil {
		a.events = append(a.events, FailedEvent{Err: fmt.Errorf("turnalloc: allocate response missing relayed address")})
		return
	}
	relayed := decodeXORAddress(relayedBytes, msg.TransactionID)

	var mapped *net.UDPAddr
	var xma stun.XORMappedAddress
	if xma.GetFrom(msg) == nil {
		mapped = &net.UDPAddr{IP: xma.IP, Port: xma.Port}
	}

	a.relayedAddress = relayed
	a.mappedAddress = mapped
	a.allocated = true
	a.lastRefreshAt = now
	a.events = append(a.events, RelayAddressEvent{RelayedAddress: relayed, MappedAddress: mapped})
}

// PollTransmit drains one queued outbound datagram, if any.
func (a *Allocation) PollTransmit() (Transmit, bool) {
	if len(a.transmits) == 0 {
		return Transmit{}, false
	}
	tx := a.transmits[0]
	a.transmits = a.transmits[1:]
	return tx, true
}

// PollEvent drains one queued event, if any.
func (a *Allocation) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return nil, false
	}
	ev := a.events[0]
	a.events = a.events[1:]
	return ev, true
}

// PollTimeout reports the next time HandleTimeout should be called: the
// earlier of the allocation's and any channel binding's refresh deadline.
func (a *Allocation) PollTimeout() (time.Time, bool) {
	if !a.allocated {
		return time.Time{}, false
	}
	next := a.lastRefreshAt.Add(AllocationLifetime - AllocationRefreshMargin)
	for _, cb := range a.channelsByNumber {
		refreshAt := cb.refreshedAt.Add(ChannelLifetime - ChannelRefreshMargin)
		if refreshAt.Before(next) {
			next = refreshAt
		}
	}
	return next, true
}

// HandleTimeout refreshes the allocation and any channel bindings due for
// renewal.
func (a *Allocation) HandleTimeout(now time.Time) error {
	if !a.allocated {
		return nil
	}
	if now.Sub(a.lastRefreshAt) >= AllocationLifetime-AllocationRefreshMargin {
		if err := a.refresh(now); err != nil {
			return err
		}
	}
	for _, cb := range a.channelsByNumber {
		if now.Sub(cb.refreshedAt) >= ChannelLifetime-ChannelRefreshMargin {
			if err := a.BindChannel(now, cb.peer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Allocation) refresh(now time.Time) error {
	txID, err := newTransactionID()
	if err != nil {
		return err
	}
	msg, err := a.buildRequest(methodRefresh, txID, attrSetter(attrLifetime, lifetimeBytes(AllocationLifetime)))
	if err != nil {
		return err
	}
	a.transactions[string(txID[:])] = pendingRequest{method: methodRefresh, sentAt: now}
	a.queueTransmit(msg)
	return nil
}

// CanBeFreed reports whether this allocation has no in-flight requests
// and no reason to keep running (§4.1 "can_be_freed"): the owner calls
// this when tearing down a Connection to decide whether it can drop the
// Allocation immediately or must wait for pending transactions to settle.
func (a *Allocation) CanBeFreed() bool {
	return a.closed || len(a.transactions) == 0
}

// Close marks the allocation as no longer needed. Per the design decision
// in §9, no explicit TURN deallocate is sent — the server's own
// allocation lifetime timeout reclaims the relayed address.
func (a *Allocation) Close() {
	a.closed = true
}

func (a *Allocation) queueTransmit(msg *stun.Message) {
	a.transmits = append(a.transmits, Transmit{ServerAddr: a.serverAddr, Payload: msg.Raw})
}

func (a *Allocation) buildRequest(method stun.Method, txID [stun.TransactionIDSize]byte, extra ...stun.Setter) (*stun.Message, error) {
	return a.build(stun.NewType(method, stun.ClassRequest), txID, extra...)
}

func (a *Allocation) buildIndication(method stun.Method, txID [stun.TransactionIDSize]byte, extra ...stun.Setter) (*stun.Message, error) {
	return a.build(stun.NewType(method, stun.ClassIndication), txID, extra...)
}

func (a *Allocation) build(mt stun.MessageType, txID [stun.TransactionIDSize]byte, extra ...stun.Setter) (*stun.Message, error) {
	msg := &stun.Message{Type: mt, TransactionID: txID}
	setters := append([]stun.Setter{}, extra...)
	if a.username != "" {
		setters = append(setters, stun.NewUsername(a.username))
	}
	if a.realm != "" {
		setters = append(setters, stun.NewRealm(a.realm))
	}
	if a.nonce != "" {
		setters = append(setters, stun.NewNonce(a.nonce))
	}
	if a.password != "" && a.realm != "" {
		setters = append(setters, stun.NewLongTermIntegrity(a.username, a.realm, a.password))
	}
	setters = append(setters, stun.Fingerprint)
	if err := msg.Build(setters...); err != nil {
		return nil, fmt.Errorf("turnalloc: building %s message: %w", methodName(mt.Method), err)
	}
	return msg, nil
}

func attrSetter(t stun.AttrType, v []byte) stun.Setter {
	return rawAttrSetter{t: t, v: v}
}

type rawAttrSetter struct {
	t stun.AttrType
	v []byte
}

func (s rawAttrSetter) AddTo(m *stun.Message) error {
	m.Add(s.t, s.v)
	return nil
}

func newTransactionID() ([stun.TransactionIDSize]byte, error) {
	var id [stun.TransactionIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating STUN transaction ID: %w", err)
	}
	return id, nil
}

func lifetimeBytes(d time.Duration) []byte {
	secs := uint32(d / time.Second)
	return []byte{byte(secs >> 24), byte(secs >> 16), byte(secs >> 8), byte(secs)}
}

func channelNumberBytes(n uint16) []byte {
	return []byte{byte(n >> 8), byte(n), 0, 0}
}

// xorAddressBytes encodes a peer address as an XOR-mapped STUN attribute
// value (RFC 8489 §14.2), keyed to the message's transaction ID.
func xorAddressBytes(addr *net.UDPAddr, txID [stun.TransactionIDSize]byte) []byte {
	xma := &stun.XORMappedAddress{IP: addr.IP, Port: addr.Port}
	var msg stun.Message
	msg.TransactionID = txID
	_ = xma.AddTo(&msg)
	v, _ := msg.Get(stun.AttrXORMappedAddress)
	return v
}

func decodeXORAddress(v []byte, txID [stun.TransactionIDSize]byte) *net.UDPAddr {
	var xma stun.XORMappedAddress
	msg := &stun.Message{TransactionID: txID}
	msg.Add(stun.AttrXORMappedAddress, v)
	if err := xma.GetFrom(msg); err != nil {
		return nil
	}
	return &net.UDPAddr{IP: xma.IP, Port: xma.Port}
}

func encodeChannelData(number uint16, payload []byte) []byte {
	padded := len(payload)
	if padded%4 != 0 {
		padded += 4 - padded%4
	}
	out := make([]byte, 4+padded)
	out[0] = byte(number >> 8)
	out[1] = byte(number)
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	copy(out[4:], payload)
	return out
}

func methodName(m stun.Method) string {
	switch m {
	case methodAllocate:
		return "Allocate"
	case methodRefresh:
		return "Refresh"
	case methodChannelBind:
		return "ChannelBind"
	case methodSend:
		return "Send"
	case methodData:
		return "Data"
	case methodCreatePermission:
		return "CreatePermission"
	default:
		return fmt.Sprintf("Method(%d)", m)
	}
}
