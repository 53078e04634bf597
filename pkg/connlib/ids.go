package connlib

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ConnectionID uniquely identifies one Connection within a Node, assigned
// locally when the connection is created (either by new_connection on the
// initiating side or by accept_connection on the receiving side).
type ConnectionID string

// NewConnectionID generates a fresh random connection identifier.
func NewConnectionID() (ConnectionID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating connection id: %w", err)
	}
	return ConnectionID(hex.EncodeToString(b[:])), nil
}

// ResourceID identifies the resource a connection was opened to reach,
// used by the signaling adapter's duplicate-intent suppression (§4.6).
type ResourceID string

// OutboundRequestID identifies one RequestConnection/ReuseConnection sent
// to the portal, so a later ConnectionDetails reply can be matched back
// to the resource it was for (§4.6).
type OutboundRequestID string

// RelayID identifies one configured TURN server across calls to
// Node.UpdateRelays, so relay churn can be expressed as a diff (removed
// IDs, added/refreshed servers) rather than a wholesale replacement.
type RelayID string
