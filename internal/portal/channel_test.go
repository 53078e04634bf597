package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/zerogate/connlib/pkg/protocol"
)

// fakePortal is a minimal Phoenix-channel server used to drive Channel
// against real WebSocket I/O without a real portal.
type fakePortal struct {
	joinStatus  string
	joinReason  string
	afterJoin   []protocol.Envelope
	sawJoin     chan protocol.Envelope
	heartbeats  chan protocol.Envelope
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		joinStatus: "ok",
		sawJoin:    make(chan protocol.Envelope, 1),
		heartbeats: make(chan protocol.Envelope, 8),
	}
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Event != protocol.EventPhxJoin {
		return
	}
	f.sawJoin <- env

	reply := protocol.ReplyPayload{Status: f.joinStatus}
	if f.joinStatus != "ok" {
		reason, _ := json.Marshal(f.joinReason)
		reply.Response = reason
	}
	data, _ = protocol.Encode(env.Topic, protocol.EventPhxReply, env.Ref, reply)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return
	}
	if f.joinStatus != "ok" {
		return
	}

	for _, ev := range f.afterJoin {
		data, _ := protocol.Encode(ev.Topic, ev.Event, ev.Ref, json.RawMessage(ev.Payload))
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if env.Event == protocol.EventHeartbeat {
			f.heartbeats <- env
			reply := protocol.ReplyPayload{Status: "ok"}
			data, _ := protocol.Encode(protocol.HeartbeatTopic, protocol.EventPhxReply, env.Ref, reply)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
	}
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + srv.URL[len("http"):]
}

func TestConnectJoinsAndReachesConnected(t *testing.T) {
	t.Parallel()

	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)

	ch := NewChannel(Config{
		ServerURL: wsURL(t, srv),
		Topic:     "client",
		Join:      protocol.JoinPayload{AppVersion: "test"},
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	select {
	case <-portal.sawJoin:
	case <-time.After(time.Second):
		t.Fatal("server never saw phx_join")
	}

	if got := ch.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestConnectSurfacesLoginFailure(t *testing.T) {
	t.Parallel()

	portal := newFakePortal()
	portal.joinStatus = "error"
	portal.joinReason = "invalid_token"
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)

	ch := NewChannel(Config{
		ServerURL: wsURL(t, srv),
		Topic:     "client",
		Join:      protocol.JoinPayload{AppVersion: "test"},
	})
	err := ch.Connect(context.Background())
	if err == nil {
		t.Fatal("expected login failure, got nil error")
	}
	loginErr, ok := err.(*LoginFailedError)
	if !ok {
		t.Fatalf("error = %v (%T), want *LoginFailedError", err, err)
	}
	if loginErr.Reason != "invalid_token" {
		t.Fatalf("reason = %q, want invalid_token", loginErr.Reason)
	}
}

func TestCloseRejectsWhileConnecting(t *testing.T) {
	t.Parallel()

	ch := NewChannel(Config{ServerURL: "ws://127.0.0.1:1/nope", Topic: "client"})
	if err := ch.Close(); err == nil {
		t.Fatal("expected Close to reject a channel still Connecting")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()

	portal := newFakePortal()
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)

	ch := NewChannel(Config{
		ServerURL:         wsURL(t, srv),
		Topic:             "client",
		Join:              protocol.JoinPayload{AppVersion: "test"},
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	select {
	case <-portal.heartbeats:
	case <-time.After(time.Second):
		t.Fatal("server never received a heartbeat")
	}

	// The channel should remain Connected since the fake portal replies to
	// every heartbeat.
	time.Sleep(150 * time.Millisecond)
	if got := ch.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected after a healthy heartbeat", got)
	}
}
