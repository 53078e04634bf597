package wgtunnel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/zerogate/connlib/internal/config"
)

// PrivateKey and PublicKey reuse the device-wide Curve25519 key type so the
// same key material flows from config through the tunnel without copying.
type (
	PrivateKey = config.Key
	PublicKey  = config.Key
)

// SessionKeySize is the length of the client-generated preshared session key
// mixed into every handshake for a Connection (§3, "InitialConnection").
const SessionKeySize = 32

// SessionKey is the per-Connection preshared key generated by the client in
// new_connection and carried in the Offer.
type SessionKey [SessionKeySize]byte

// GenerateSessionKey produces a fresh random preshared session key.
func GenerateSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := rand.Read(k[:]); err != nil {
		return SessionKey{}, fmt.Errorf("generating session key: %w", err)
	}
	return k, nil
}

// String returns the base64-encoded representation of the session key, for
// carrying it over the portal's JSON wire protocol.
func (k SessionKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParseSessionKey decodes a base64-encoded session key, as received from
// the portal's request_connection relay.
func ParseSessionKey(s string) (SessionKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return SessionKey{}, fmt.Errorf("decoding base64 session key: %w", err)
	}
	if len(b) != SessionKeySize {
		return SessionKey{}, fmt.Errorf("invalid session key length: got %d, want %d", len(b), SessionKeySize)
	}
	var k SessionKey
	copy(k[:], b)
	return k, nil
}
