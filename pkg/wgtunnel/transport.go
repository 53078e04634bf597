package wgtunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	messageTypeTransport = 4

	// transportHeaderSize is type(1) + reserved(3) + receiverIndex(4) + counter(8).
	transportHeaderSize = 16
)

// transportCipher wraps one direction's transport key with the ChaCha20-
// Poly1305 AEAD and a strictly increasing nonce counter, matching
// WireGuard's own transport data framing.
type transportCipher struct {
	aead    cipher.AEAD
	counter uint64
}

func newTransportCipher(key [32]byte) (*transportCipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing transport AEAD: %w", err)
	}
	return &transportCipher{aead: aead}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// sealPacket encrypts a plaintext IP packet into a transport message
// addressed to receiverIndex, consuming the next nonce counter value.
func (tc *transportCipher) sealPacket(receiverIndex uint32, plaintext []byte) ([]byte, error) {
	counter := tc.counter
	tc.counter++

	out := make([]byte, transportHeaderSize, transportHeaderSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = messageTypeTransport
	binary.LittleEndian.PutUint32(out[4:8], receiverIndex)
	binary.LittleEndian.PutUint64(out[8:16], counter)

	sealed := tc.aead.Seal(nil, nonceFor(counter), plaintext, nil)
	return append(out, sealed...), nil
}

// openPacket decrypts a transport message, returning the plaintext and the
// sender-assigned counter (used for replay detection by the caller).
func openPacket(aead *transportCipher, msg []byte) (plaintext []byte, counter uint64, receiverIndex uint32, err error) {
	if len(msg) < transportHeaderSize || msg[0] != messageTypeTransport {
		return nil, 0, 0, fmt.Errorf("wgtunnel: malformed transport message")
	}
	receiverIndex = binary.LittleEndian.Uint32(msg[4:8])
	counter = binary.LittleEndian.Uint64(msg[8:16])
	plaintext, err = aead.aead.Open(nil, nonceFor(counter), msg[transportHeaderSize:], nil)
	if err != nil {
		return nil, 0, receiverIndex, fmt.Errorf("wgtunnel: decrypting transport message: %w", err)
	}
	return plaintext, counter, receiverIndex, nil
}

// replayWindow is a standard sliding-bitmap replay detector keyed on the
// transport counter, per RFC "WireGuard" §5.4.5.
type replayWindow struct {
	highest uint64
	mask    uint64
	started bool
}

const replayWindowSize = 64

// accept reports whether counter is new (not a replay) and marks it seen.
func (w *replayWindow) accept(counter uint64) bool {
	if !w.started {
		w.started = true
		w.highest = counter
		w.mask = 1
		return true
	}
	switch {
	case counter > w.highest:
		shift := counter - w.highest
		if shift >= replayWindowSize {
			w.mask = 1
		} else {
			w.mask = (w.mask << shift) | 1
		}
		w.highest = counter
		return true
	case w.highest-counter >= replayWindowSize:
		return false
	default:
		bit := uint64(1) << (w.highest - counter)
		if w.mask&bit != 0 {
			return false
		}
		w.mask |= bit
		return true
	}
}
