// Package signaling adapts the portal's Phoenix channel to the
// connectivity core: it turns Node connection intents into
// PrepareConnection sends, and turns portal replies and broadcasts into
// Node calls, enforcing at-most-one active connection intent per resource.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/internal/portal"
	"github.com/zerogate/connlib/pkg/candidate"
	"github.com/zerogate/connlib/pkg/connlib"
	"github.com/zerogate/connlib/pkg/protocol"
	"github.com/zerogate/connlib/pkg/wgtunnel"
)

// Adapter owns a portal.Channel and a pkg/connlib.Node, translating
// between them and suppressing duplicate connection intents per resource.
type Adapter struct {
	node *connlib.Node
	ch   *portal.Channel
	log  *slog.Logger

	// OnCandidate is invoked for each remote candidate delivered for a
	// gateway; the caller (the event loop, which knows which Connection
	// was opened against which gateway) is responsible for routing it to
	// Node.AddRemoteCandidate with the right ConnectionID.
	OnCandidate func(gatewayID string, c candidate.Candidate)

	// OnConnectionReady is invoked once a ConnectionDetails reply is
	// accepted and the Node has built a Connection for it. The event loop
	// uses this to remember which gateway a ConnectionID belongs to and to
	// kick off RequestConnection with the Connection's local ICE
	// credentials.
	OnConnectionReady func(id connlib.ConnectionID, resourceID connlib.ResourceID, gatewayID string)

	mu sync.Mutex
	// sentIntents tracks one outstanding PrepareConnection per resource:
	// the ref it was sent under, keyed to the resource it is for. A later
	// ref registered for the same resource supersedes an earlier one, so a
	// stale reply can be recognized and discarded per the duplicate-intent
	// rule.
	sentIntents map[int64]connlib.ResourceID

	// pendingPSK holds the session key NewConnection generated for a
	// Connection until SendRequestConnection relays it to the gateway.
	pendingPSK map[connlib.ConnectionID]wgtunnel.SessionKey
}

// New builds an Adapter over an already-connected channel and Node.
func New(node *connlib.Node, ch *portal.Channel, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		node:        node,
		ch:          ch,
		log:         log.With("component", "signaling"),
		sentIntents: make(map[int64]connlib.ResourceID),
		pendingPSK:  make(map[connlib.ConnectionID]wgtunnel.SessionKey),
	}
}

// HandlePortalEvent reacts to one event drained from the channel.
func (a *Adapter) HandlePortalEvent(ctx context.Context, ev portal.Event) error {
	switch e := ev.(type) {
	case portal.ConnectionDetailsEvent:
		return a.handleConnectionDetails(e)
	case portal.ReplyErrorEvent:
		return a.handleReplyError(e)
	case portal.IceCandidatesEvent:
		a.handleIceCandidates(e)
		return nil
	case portal.InvalidateIceCandidatesEvent:
		a.log.Debug("ignoring invalidated candidates", "gateway", e.Payload.GatewayID, "count", len(e.Payload.Candidates))
		return nil
	}
	return nil
}

// handleConnectionDetails applies the duplicate-intent rule: a
// ConnectionDetails reply is only honored if its ref is still registered
// for that resource; otherwise it is a stale or superseded reply and is
// discarded. On acceptance, every pending intent for the resource is
// cleared, not just the one the reply answers — an earlier, out-of-order
// reply for the same resource must not also be accepted afterward.
func (a *Adapter) handleConnectionDetails(e portal.ConnectionDetailsEvent) error {
	resource := connlib.ResourceID(e.Payload.ResourceID)

	a.mu.Lock()
	if registeredResource, ok := a.sentIntents[e.Ref]; !ok || registeredResource != resource {
		a.mu.Unlock()
		a.log.Debug("discarding stale connection details", "ref", e.Ref, "resource", resource)
		return nil
	}
	for ref, r := range a.sentIntents {
		if r == resource && ref > e.Ref {
			// A later intent has already been sent for this resource; this
			// reply answers a superseded one and must be discarded, even
			// though it is still registered.
			a.mu.Unlock()
			a.log.Debug("discarding superseded connection details", "ref", e.Ref, "resource", resource)
			return nil
		}
	}
	for ref, r := range a.sentIntents {
		if r == resource {
			delete(a.sentIntents, ref)
		}
	}
	a.mu.Unlock()

	remoteStatic, err := config.ParseKey(e.Payload.GatewayRemoteStatic)
	if err != nil {
		return fmt.Errorf("signaling: parsing gateway static key: %w", err)
	}

	id, psk, err := a.node.NewConnection(time.Now(), resource, remoteStatic)
	if err != nil {
		return fmt.Errorf("signaling: creating connection for resource %s: %w", resource, err)
	}

	a.mu.Lock()
	a.pendingPSK[id] = psk
	a.mu.Unlock()

	if a.OnConnectionReady != nil {
		a.OnConnectionReady(id, resource, e.Payload.GatewayID)
	}
	return nil
}

// SendRequestConnection hands a Connection's local ICE credentials to the
// chosen gateway via the portal, completing the handshake started by
// handleConnectionDetails.
func (a *Adapter) SendRequestConnection(ctx context.Context, id connlib.ConnectionID, resourceID connlib.ResourceID, gatewayID string) error {
	ufrag, pwd, err := a.node.LocalICECredentials(id)
	if err != nil {
		return fmt.Errorf("signaling: local ICE credentials for %s: %w", id, err)
	}

	a.mu.Lock()
	psk, ok := a.pendingPSK[id]
	delete(a.pendingPSK, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("signaling: no pending session key for connection %s", id)
	}

	_, err = a.ch.RequestConnection(ctx, protocol.RequestConnectionPayload{
		ResourceID: string(resourceID),
		GatewayID:  gatewayID,
		ICEParameters: protocol.ICEParameters{
			Ufrag: ufrag,
			Pwd:   pwd,
		},
		PresharedKey: psk.String(),
	})
	if err != nil {
		return fmt.Errorf("signaling: sending request_connection: %w", err)
	}
	return nil
}

// handleReplyError reacts to an error reply for a pending intent: "offline"
// marks the resource offline on the Node and drops the pending intent
// (§4.6); "unmatched_topic" is logged so the owner can rejoin; anything
// else is logged as-is.
func (a *Adapter) handleReplyError(e portal.ReplyErrorEvent) error {
	a.mu.Lock()
	resource, ok := a.sentIntents[e.Ref]
	if ok {
		delete(a.sentIntents, e.Ref)
	}
	a.mu.Unlock()

	switch e.Reason {
	case "offline":
		if ok {
			a.node.MarkResourceOffline(resource)
		}
		a.log.Warn("resource reported offline", "resource", resource)
	case "unmatched_topic":
		a.log.Warn("portal reported unmatched topic, rejoin required")
	default:
		a.log.Info("portal reply error", "ref", e.Ref, "reason", e.Reason)
	}
	return nil
}

func (a *Adapter) handleIceCandidates(e portal.IceCandidatesEvent) {
	if a.OnCandidate == nil {
		return
	}
	for _, sdp := range e.Payload.Candidates {
		c, err := candidate.Parse(sdp)
		if err != nil {
			a.log.Warn("ignoring malformed candidate", "error", err)
			continue
		}
		a.OnCandidate(e.Payload.GatewayID, c)
	}
}

// NewConnectionIntent sends PrepareConnection for a resource and registers
// the resulting ref against it, superseding (but not cancelling) any prior
// pending intent for the same resource.
func (a *Adapter) NewConnectionIntent(ctx context.Context, resourceID string, connectedGatewayIDs []string) error {
	ref, err := a.ch.PrepareConnection(ctx, protocol.PrepareConnectionPayload{
		ResourceID:          resourceID,
		ConnectedGatewayIDs: connectedGatewayIDs,
	})
	if err != nil {
		return fmt.Errorf("signaling: sending prepare_connection: %w", err)
	}

	a.mu.Lock()
	a.sentIntents[ref] = connlib.ResourceID(resourceID)
	a.mu.Unlock()
	return nil
}
