// Package wgtunnel implements the encrypted transport adapter behind a
// Connection (§4.3): a Noise-IK-flavored handshake plus ChaCha20-Poly1305
// transport encryption, driven entirely by explicit calls from its owner.
// A Tunnel never reads the clock, never blocks, and never touches a
// socket — every timestamp and every byte in or out crosses its API
// explicitly, so it can be driven from a single-threaded event loop
// exactly like the rest of the core.
package wgtunnel

import (
	"fmt"
	"time"
)

// BufferedPacketCapacity bounds how many outbound packets a Tunnel queues
// while a handshake is in flight. Once full, the oldest queued packet is
// dropped in favor of the newest (§9).
const BufferedPacketCapacity = 10

const (
	// RekeyTimeout is how long to wait for a handshake response before
	// retrying with a fresh initiation.
	RekeyTimeout = 5 * time.Second
	// RekeyAttemptTime bounds how long repeated handshake retries are
	// attempted before giving up and reporting failure to the owner.
	RekeyAttemptTime = 90 * time.Second
	// RejectAfterTime is the maximum lifetime of a completed session
	// before it must be rekeyed.
	RejectAfterTime = 180 * time.Second
	// DefaultKeepaliveInterval is how often a packet is sent on an
	// otherwise idle tunnel to keep NAT/TURN bindings alive.
	DefaultKeepaliveInterval = 25 * time.Second
)

// Action is the disposition the owner should give the bytes in a Result.
type Action int

const (
	// ActionNone means there is nothing to do (a message was consumed
	// with no output, or a drain call found the outbound queue empty).
	ActionNone Action = iota
	// ActionWriteToNetwork means Data must be sent to the remote peer.
	ActionWriteToNetwork
	// ActionWriteToTunnel means Data is a decrypted IP packet to deliver
	// to the local TUN device.
	ActionWriteToTunnel
	// ActionHandshakeComplete signals a session just became usable; the
	// owner should immediately begin draining queued packets by calling
	// Decapsulate with a nil source repeatedly until it sees ActionNone.
	ActionHandshakeComplete
)

// Result is the outcome of one Tunnel call.
type Result struct {
	Action Action
	Data   []byte
}

// session holds one completed handshake's transport keys and counters.
type session struct {
	sendCipher *transportCipher
	recvCipher *transportCipher
	replay     replayWindow

	localIndex  uint32
	remoteIndex uint32

	establishedAt time.Time
	lastSendAt    time.Time
	lastRecvAt    time.Time
}

// Tunnel is the per-Connection WireGuard-style encrypted transport.
type Tunnel struct {
	localPrivate   PrivateKey
	localPublic    PublicKey
	remoteStatic   PublicKey
	preshared      SessionKey
	keepalive      time.Duration
	rateLimiter    *HandshakeRateLimiter

	handshake          *handshakeState
	handshakeStartedAt time.Time
	handshakeFirstAt   time.Time
	initiator          bool

	current *session
	prior   *session // retained briefly so late-arriving packets on the old session still decrypt

	outbound [][]byte

	firstHandshakeDone bool
	lastHandshakeAt    time.Time
}

// New constructs a Tunnel for one Connection. rateLimiter may be shared
// across every Tunnel bound to the same local socket.
func New(localPrivate PrivateKey, remoteStatic PublicKey, preshared SessionKey, keepalive time.Duration, rateLimiter *HandshakeRateLimiter) (*Tunnel, error) {
	localPublic, err := PublicKeyFor(localPrivate)
	if err != nil {
		return nil, err
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	return &Tunnel{
		localPrivate: localPrivate,
		localPublic:  localPublic,
		remoteStatic: remoteStatic,
		preshared:    preshared,
		keepalive:    keepalive,
		rateLimiter:  rateLimiter,
	}, nil
}

// FormatHandshakeInitiation builds (or rebuilds, if isRetry) a handshake
// initiation message to send to the remote peer. The caller is
// responsible for transmitting the returned bytes.
func (t *Tunnel) FormatHandshakeInitiation(now time.Time, isRetry bool) ([]byte, error) {
	if t.handshake != nil && !isRetry {
		return nil, fmt.Errorf("wgtunnel: handshake already in progress")
	}

	var ts [12]byte
	putTAI64N(ts[:], now)

	st, msg, err := initiateHandshake(t.localPrivate, t.localPublic, t.remoteStatic, ts[:])
	if err != nil {
		return nil, fmt.Errorf("formatting handshake initiation: %w", err)
	}
	t.handshake = st
	t.initiator = true
	t.handshakeStartedAt = now
	if t.handshakeFirstAt.IsZero() {
		t.handshakeFirstAt = now
	}
	return msg, nil
}

// Encapsulate encrypts an outbound IP packet. If no session is currently
// established the packet is queued (subject to BufferedPacketCapacity); if
// no handshake is in flight either, the returned Result carries a fresh
// handshake initiation to send.
func (t *Tunnel) Encapsulate(now time.Time, plaintext []byte) (Result, error) {
	if t.current == nil {
		t.enqueue(plaintext)
		if t.handshake == nil {
			msg, err := t.FormatHandshakeInitiation(now, false)
			if err != nil {
				return Result{}, err
			}
			return Result{Action: ActionWriteToNetwork, Data: msg}, nil
		}
		return Result{Action: ActionNone}, nil
	}

	sealed, err := t.current.sendCipher.sealPacket(t.current.remoteIndex, plaintext)
	if err != nil {
		return Result{}, fmt.Errorf("encapsulating packet: %w", err)
	}
	t.current.lastSendAt = now
	return Result{Action: ActionWriteToNetwork, Data: sealed}, nil
}

func (t *Tunnel) enqueue(plaintext []byte) {
	buf := append([]byte(nil), plaintext...)
	if len(t.outbound) >= BufferedPacketCapacity {
		t.outbound = t.outbound[1:]
	}
	t.outbound = append(t.outbound, buf)
}

// Decapsulate processes one inbound wire message (a handshake initiation,
// handshake response, or transport packet). remoteKey identifies the
// sending peer for handshake rate limiting (typically its transport
// address string) and is ignored for response/transport messages. Passing
// a nil src drains one queued outbound packet through the now-established
// session; callers should keep calling with src == nil until the result's
// Action is ActionNone.
func (t *Tunnel) Decapsulate(now time.Time, src []byte, remoteKey string) (Result, error) {
	if src == nil {
		return t.drainOne(now)
	}
	if len(src) == 0 {
		return Result{}, fmt.Errorf("wgtunnel: empty message")
	}

	switch src[0] {
	case messageTypeInitiation:
		return t.handleInitiation(now, src, remoteKey)
	case messageTypeResponse:
		return t.handleResponse(now, src)
	case messageTypeTransport:
		return t.handleTransport(now, src)
	default:
		return Result{}, fmt.Errorf("wgtunnel: unknown message type %d", src[0])
	}
}

func (t *Tunnel) drainOne(now time.Time) (Result, error) {
	if t.current == nil || len(t.outbound) == 0 {
		return Result{Action: ActionNone}, nil
	}
	pkt := t.outbound[0]
	t.outbound = t.outbound[1:]
	return t.Encapsulate(now, pkt)
}

func (t *Tunnel) handleInitiation(now time.Time, src []byte, remoteKey string) (Result, error) {
	if t.rateLimiter != nil && remoteKey != "" {
		if !t.rateLimiter.Allow(now, remoteKey) {
			return Result{Action: ActionNone}, nil
		}
	}

	st, remoteStatic, _, err := consumeInitiation(t.localPrivate, src)
	if err != nil {
		return Result{}, err
	}
	if remoteStatic != t.remoteStatic {
		return Result{}, fmt.Errorf("wgtunnel: initiation from unexpected static key")
	}

	resp, err := respondHandshake(st, t.localPrivate, remoteStatic, t.preshared)
	if err != nil {
		return Result{}, err
	}

	if err := t.establishSession(now, st, false); err != nil {
		return Result{}, err
	}
	return Result{Action: ActionWriteToNetwork, Data: resp}, nil
}

func (t *Tunnel) handleResponse(now time.Time, src []byte) (Result, error) {
	if t.handshake == nil || !t.initiator {
		return Result{}, fmt.Errorf("wgtunnel: unexpected handshake response")
	}
	if _, err := consumeResponse(t.handshake, t.localPrivate, src, t.preshared); err != nil {
		return Result{}, err
	}
	if err := t.establishSession(now, t.handshake, true); err != nil {
		return Result{}, err
	}
	return Result{Action: ActionHandshakeComplete}, nil
}

func (t *Tunnel) establishSession(now time.Time, st *handshakeState, initiator bool) error {
	sendKey, recvKey := deriveTransportKeys(st.chainKey, initiator)
	sendCipher, err := newTransportCipher(sendKey)
	if err != nil {
		return err
	}
	recvCipher, err := newTransportCipher(recvKey)
	if err != nil {
		return err
	}

	t.prior = t.current
	t.current = &session{
		sendCipher:    sendCipher,
		recvCipher:    recvCipher,
		localIndex:    st.senderIndex,
		remoteIndex:   st.receiverIndex,
		establishedAt: now,
		lastSendAt:    now,
		lastRecvAt:    now,
	}
	t.handshake = nil
	t.firstHandshakeDone = true
	t.lastHandshakeAt = now
	return nil
}

func (t *Tunnel) handleTransport(now time.Time, src []byte) (Result, error) {
	for _, s := range []*session{t.current, t.prior} {
		if s == nil {
			continue
		}
		plaintext, counter, receiverIndex, err := openPacket(s.recvCipher, src)
		if err != nil || receiverIndex != s.localIndex {
			continue
		}
		if !s.replay.accept(counter) {
			return Result{Action: ActionNone}, fmt.Errorf("wgtunnel: replayed packet dropped")
		}
		s.lastRecvAt = now
		return Result{Action: ActionWriteToTunnel, Data: plaintext}, nil
	}
	return Result{}, fmt.Errorf("wgtunnel: transport message does not match any session")
}

// UpdateTimers drives retransmission, rekeying, and keepalive. It must be
// called periodically (driven by the owner's own timer, not by wgtunnel
// sampling the clock) and may return a message that needs sending.
func (t *Tunnel) UpdateTimers(now time.Time) (Result, error) {
	if t.handshake != nil && t.initiator {
		if now.Sub(t.handshakeStartedAt) >= RekeyTimeout {
			if now.Sub(t.handshakeFirstAt) >= RekeyAttemptTime {
				t.handshake = nil
				t.handshakeFirstAt = time.Time{}
				return Result{}, fmt.Errorf("wgtunnel: handshake attempt timed out")
			}
			msg, err := t.FormatHandshakeInitiation(now, true)
			if err != nil {
				return Result{}, err
			}
			return Result{Action: ActionWriteToNetwork, Data: msg}, nil
		}
		return Result{Action: ActionNone}, nil
	}

	if t.current == nil {
		return Result{Action: ActionNone}, nil
	}

	if now.Sub(t.current.establishedAt) >= RejectAfterTime {
		msg, err := t.FormatHandshakeInitiation(now, false)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionWriteToNetwork, Data: msg}, nil
	}

	if now.Sub(t.current.lastSendAt) >= t.keepalive {
		return t.Encapsulate(now, nil)
	}

	return Result{Action: ActionNone}, nil
}

// TimeSinceLastHandshake reports how long ago a handshake last completed,
// or a zero duration with ok=false if none ever has. The Connection layer
// does not call it; its first-handshake bookkeeping uses HasEverHandshaked.
func (t *Tunnel) TimeSinceLastHandshake(now time.Time) (d time.Duration, ok bool) {
	if t.lastHandshakeAt.IsZero() {
		return 0, false
	}
	return now.Sub(t.lastHandshakeAt), true
}

// HasEverHandshaked reports whether any handshake has ever completed on
// this tunnel, independent of whether the resulting session has since
// expired.
func (t *Tunnel) HasEverHandshaked() bool {
	return t.firstHandshakeDone
}

// putTAI64N writes a coarse TAI64N-style timestamp (seconds + nanoseconds
// since epoch, big-endian) used purely as a monotonic anti-replay tiebreak
// between handshake attempts; it is never compared against wall time.
func putTAI64N(dst []byte, t time.Time) {
	sec := uint64(t.Unix())
	nsec := uint32(t.Nanosecond())
	for i := 0; i < 8; i++ {
		dst[i] = byte(sec >> (8 * (7 - i)))
	}
	for i := 0; i < 4; i++ {
		dst[8+i] = byte(nsec >> (8 * (3 - i)))
	}
}
