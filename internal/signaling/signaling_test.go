package signaling

import (
	"testing"
	"time"

	"github.com/zerogate/connlib/internal/config"
	"github.com/zerogate/connlib/internal/portal"
	"github.com/zerogate/connlib/pkg/connlib"
	"github.com/zerogate/connlib/pkg/protocol"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	node := connlib.New(priv, time.Unix(1_700_000_000, 0))
	return New(node, nil, nil)
}

func gatewayKey(t *testing.T) string {
	t.Helper()
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return config.PublicKey(priv).String()
}

func connectionDetailsEvent(ref int64, resourceID, gatewayStatic string) portal.ConnectionDetailsEvent {
	return portal.ConnectionDetailsEvent{
		Ref: ref,
		Payload: protocol.ConnectionDetailsPayload{
			ResourceID:          resourceID,
			GatewayID:           "gw-1",
			GatewayRemoteStatic: gatewayStatic,
			SiteID:              "site-1",
		},
	}
}

// TestStaleReplyDiscarded covers the case where a reply arrives for a ref
// no longer registered for its resource at all (e.g. answered already, or
// never sent).
func TestStaleReplyDiscarded(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	if err := a.handleConnectionDetails(connectionDetailsEvent(99, "res-1", gatewayKey(t))); err != nil {
		t.Fatalf("handleConnectionDetails: %v", err)
	}
	if len(a.node.Connections()) != 0 {
		t.Fatal("expected no connection to be created for a stale reply")
	}
}

// TestSupersededReplyDiscarded covers the out-of-order case: two intents
// are sent for the same resource, and the OLDER one's reply arrives after
// the newer one was already registered. Per the duplicate-intent rule this
// must be discarded even though its ref is still technically registered.
func TestSupersededReplyDiscarded(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	a.sentIntents[1] = connlib.ResourceID("res-1")
	a.sentIntents[2] = connlib.ResourceID("res-1")

	if err := a.handleConnectionDetails(connectionDetailsEvent(1, "res-1", gatewayKey(t))); err != nil {
		t.Fatalf("handleConnectionDetails: %v", err)
	}
	if len(a.node.Connections()) != 0 {
		t.Fatal("expected the superseded (older) reply to be discarded")
	}
	// The newer intent must still be registered; suppression of the older
	// reply is not a green light to drop its younger sibling.
	if _, ok := a.sentIntents[2]; !ok {
		t.Fatal("expected the newer intent to remain registered")
	}
}

// TestLatestReplyAcceptedAndClearsAllIntents covers the normal path: the
// most recent intent's reply is honored, and every pending intent for the
// resource (not just the answered ref) is cleared.
func TestLatestReplyAcceptedAndClearsAllIntents(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	a.sentIntents[1] = connlib.ResourceID("res-1")
	a.sentIntents[2] = connlib.ResourceID("res-1")
	a.sentIntents[3] = connlib.ResourceID("res-2")

	if err := a.handleConnectionDetails(connectionDetailsEvent(2, "res-1", gatewayKey(t))); err != nil {
		t.Fatalf("handleConnectionDetails: %v", err)
	}
	if len(a.node.Connections()) != 1 {
		t.Fatalf("expected exactly one connection, got %d", len(a.node.Connections()))
	}
	if _, ok := a.sentIntents[1]; ok {
		t.Fatal("expected the older res-1 intent to be cleared")
	}
	if _, ok := a.sentIntents[2]; ok {
		t.Fatal("expected the answered intent to be cleared")
	}
	if _, ok := a.sentIntents[3]; !ok {
		t.Fatal("expected the unrelated res-2 intent to remain")
	}
}

// TestReplyErrorOfflineDropsIntent ensures an "offline" error reply removes
// the pending intent without creating a connection.
func TestReplyErrorOfflineDropsIntent(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	a.sentIntents[1] = connlib.ResourceID("res-1")

	if err := a.handleReplyError(portal.ReplyErrorEvent{Ref: 1, Reason: "offline"}); err != nil {
		t.Fatalf("handleReplyError: %v", err)
	}
	if _, ok := a.sentIntents[1]; ok {
		t.Fatal("expected the intent to be removed on an offline reply")
	}
	if !a.node.IsResourceOffline(connlib.ResourceID("res-1")) {
		t.Fatal("expected the resource to be marked offline on the Node")
	}
}

// TestReplyErrorOfflineIgnoresUnregisteredRef covers a stale/unregistered
// ref: since the intent wasn't found, the reply can't be attributed to a
// resource and must not mark anything offline.
func TestReplyErrorOfflineIgnoresUnregisteredRef(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)

	if err := a.handleReplyError(portal.ReplyErrorEvent{Ref: 99, Reason: "offline"}); err != nil {
		t.Fatalf("handleReplyError: %v", err)
	}
	if a.node.IsResourceOffline(connlib.ResourceID("")) {
		t.Fatal("expected no resource to be marked offline for an unregistered ref")
	}
}
