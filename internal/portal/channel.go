// Package portal implements the long-lived Phoenix channel used to talk
// to the signaling portal: login, heartbeats, request/reply correlation,
// and broadcast delivery, all over a single WebSocket connection.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zerogate/connlib/pkg/protocol"
)

// State is where the channel sits in its connect state machine.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientError wraps an HTTP status the portal returned at connect time
// (401/403). Per the authentication-error contract, these are never
// silently retried by the reconnect loop.
type ClientError struct{ Status int }

func (e *ClientError) Error() string {
	return fmt.Sprintf("portal: client error (http %d)", e.Status)
}

// TokenExpiredError is surfaced when the portal sends a disconnect frame
// with reason "token_expired". Also not retried silently.
type TokenExpiredError struct{}

func (TokenExpiredError) Error() string { return "portal: token expired" }

// LoginFailedError is surfaced when the phx_join reply has status "error".
type LoginFailedError struct{ Reason string }

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("portal: login failed: %s", e.Reason)
}

// MaxRetriesReachedError is surfaced when reconnect backoff is exhausted.
type MaxRetriesReachedError struct{}

func (MaxRetriesReachedError) Error() string { return "portal: max reconnect attempts reached" }

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	MaxElapsedTime  time.Duration // 0 means unbounded
}

// Role distinguishes which side of the protocol a Channel speaks: the
// client channel and the gateway channel share several event names
// ("request_connection", "ice_candidates") with different payload shapes
// and directions, so dispatch needs to know which role it is decoding for.
type Role int

const (
	RoleClient Role = iota
	RoleGateway
)

// Config holds the configuration for a Channel.
type Config struct {
	ServerURL string
	Topic     string
	Role      Role // defaults to RoleClient
	Join      protocol.JoinPayload

	TokenProvider func() string
	OnAuthFailure func() error

	Logger            *slog.Logger
	MessageBufferSize int
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration // defaults to 30s
	HeartbeatTimeout  time.Duration // defaults to 5s
	Reconnect         ReconnectConfig
}

// Event is something the Channel's owner should react to.
type Event interface{ isPortalEvent() }

type StateChangedEvent struct{ From, To State }

func (StateChangedEvent) isPortalEvent() {}

type InitEvent struct{ Payload protocol.InitPayload }

func (InitEvent) isPortalEvent() {}

type ConfigChangedEvent struct{ Payload protocol.ConfigChangedPayload }

func (ConfigChangedEvent) isPortalEvent() {}

type IceCandidatesEvent struct{ Payload protocol.IceCandidatesPayload }

func (IceCandidatesEvent) isPortalEvent() {}

type InvalidateIceCandidatesEvent struct{ Payload protocol.InvalidateIceCandidatesPayload }

func (InvalidateIceCandidatesEvent) isPortalEvent() {}

type ResourceCreatedOrUpdatedEvent struct{ Payload protocol.ResourceCreatedOrUpdatedPayload }

func (ResourceCreatedOrUpdatedEvent) isPortalEvent() {}

type ResourceDeletedEvent struct{ Payload protocol.ResourceDeletedPayload }

func (ResourceDeletedEvent) isPortalEvent() {}

type RelaysPresenceEvent struct{ Payload protocol.RelaysPresencePayload }

func (RelaysPresenceEvent) isPortalEvent() {}

// ConnectionDetailsEvent carries a reply to RequestConnection or
// ReuseConnection, still tagged with the OutboundRequestId it answers so
// the signaling adapter can apply duplicate-intent suppression.
type ConnectionDetailsEvent struct {
	Ref     int64
	Payload protocol.ConnectionDetailsPayload
}

func (ConnectionDetailsEvent) isPortalEvent() {}

// ReplyErrorEvent carries an error reply to a specific outbound request.
type ReplyErrorEvent struct {
	Ref    int64
	Reason string
}

func (ReplyErrorEvent) isPortalEvent() {}

// GatewayRequestConnectionEvent is pushed to a gateway channel to broker a
// brand new connection from a client. Ref must be echoed back via ReplyOK
// once the gateway has accepted the connection.
type GatewayRequestConnectionEvent struct {
	Ref     int64
	Payload protocol.GatewayRequestConnectionPayload
}

func (GatewayRequestConnectionEvent) isPortalEvent() {}

// GatewayReuseConnectionEvent is pushed to a gateway channel when a client
// asks to reuse an already-open connection for a newly granted resource.
type GatewayReuseConnectionEvent struct {
	Ref     int64
	Payload protocol.GatewayReuseConnectionPayload
}

func (GatewayReuseConnectionEvent) isPortalEvent() {}

// GatewayIceCandidatesEvent carries candidates a client gathered, to be
// added to the matching Connection's ICE agent on the gateway side.
type GatewayIceCandidatesEvent struct{ Payload protocol.GatewayIceCandidatesPayload }

func (GatewayIceCandidatesEvent) isPortalEvent() {}

// GatewayInvalidateIceCandidatesEvent withdraws previously signaled client
// candidates.
type GatewayInvalidateIceCandidatesEvent struct {
	Payload protocol.GatewayInvalidateIceCandidatesPayload
}

func (GatewayInvalidateIceCandidatesEvent) isPortalEvent() {}

// FatalErrorEvent carries a terminal channel error: ClientError,
// TokenExpiredError, LoginFailedError, or MaxRetriesReachedError.
type FatalErrorEvent struct{ Err error }

func (FatalErrorEvent) isPortalEvent() {}

type pendingReply struct {
	deadline time.Time
	isHeartbeat bool
}

// Channel is a single long-lived Phoenix channel connection to the portal.
type Channel struct {
	cfg Config
	log *slog.Logger

	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	nextRef  int64
	pending  map[int64]pendingReply
	reconnCh chan struct{}
}

// NewChannel constructs a Channel. Call Connect to dial and join.
func NewChannel(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Channel{
		cfg:      cfg,
		log:      log,
		events:   make(chan Event, bufSize),
		done:     make(chan struct{}),
		state:    StateConnecting,
		pending:  make(map[int64]pendingReply),
		reconnCh: make(chan struct{}, 1),
	}
}

// Events returns the channel of portal events. It is closed once the
// Channel has fully shut down (graceful close or reconnect exhaustion).
func (c *Channel) Events() <-chan Event { return c.events }

// State reports the channel's current connect state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.emit(StateChangedEvent{From: from, To: to})
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("portal event buffer full, dropping event")
	}
}

// Connect dials the portal, performs the phx_join handshake, and starts
// the background receive/heartbeat loops. It blocks until the initial
// connection and login succeed or fail.
func (c *Channel) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("portal: connecting: %w", err)
	}
	if err := c.join(ctx); err != nil {
		cancel()
		c.closeConn()
		return err
	}

	c.setState(StateConnected)
	go c.receiveLoop(ctx)
	go c.heartbeatLoop(ctx)

	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	var opts *websocket.DialOptions
	if c.cfg.TokenProvider != nil {
		if token := c.cfg.TokenProvider(); token != "" {
			opts = &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
			}
		}
	}

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.ServerURL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &ClientError{Status: resp.StatusCode}
		}
		if isHTTP401(err) {
			return &ClientError{Status: http.StatusUnauthorized}
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// join sends phx_join on the configured topic and waits for its reply.
func (c *Channel) join(ctx context.Context) error {
	ref := c.assignRef()
	data, err := protocol.Encode(c.cfg.Topic, protocol.EventPhxJoin, &ref, c.cfg.Join)
	if err != nil {
		return fmt.Errorf("portal: encoding phx_join: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("portal: not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("portal: sending phx_join: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("portal: reading phx_join reply: %w", err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	var reply protocol.ReplyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return fmt.Errorf("portal: decoding phx_join reply: %w", err)
	}
	if !reply.IsOK() {
		var reason string
		_ = json.Unmarshal(reply.Response, &reason)
		return &LoginFailedError{Reason: reason}
	}
	return nil
}

func (c *Channel) assignRef() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	return c.nextRef
}

// send transmits an application event with a freshly assigned ref,
// returning it for request/reply correlation.
func (c *Channel) send(ctx context.Context, event string, payload any) (int64, error) {
	ref := c.assignRef()
	data, err := protocol.Encode(c.cfg.Topic, event, &ref, payload)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	conn := c.conn
	c.pending[ref] = pendingReply{}
	c.mu.Unlock()

	if conn == nil {
		return 0, errors.New("portal: not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return 0, fmt.Errorf("portal: sending %s: %w", event, err)
	}
	return ref, nil
}

// PrepareConnection sends a PrepareConnection intent, returning the
// OutboundRequestId the signaling adapter registers against the resource.
func (c *Channel) PrepareConnection(ctx context.Context, payload protocol.PrepareConnectionPayload) (int64, error) {
	return c.send(ctx, protocol.EventPrepareConnection, payload)
}

// RequestConnection asks the portal to broker a new gateway connection.
func (c *Channel) RequestConnection(ctx context.Context, payload protocol.RequestConnectionPayload) (int64, error) {
	return c.send(ctx, protocol.EventRequestConnection, payload)
}

// ReuseConnection asks the portal to reuse an existing gateway connection.
func (c *Channel) ReuseConnection(ctx context.Context, payload protocol.ReuseConnectionPayload) (int64, error) {
	return c.send(ctx, protocol.EventReuseConnection, payload)
}

// BroadcastIceCandidates fans local candidates out to the named gateways.
func (c *Channel) BroadcastIceCandidates(ctx context.Context, payload protocol.BroadcastIceCandidatesPayload) error {
	_, err := c.send(ctx, protocol.EventBroadcastIceCandidates, payload)
	return err
}

// BroadcastInvalidatedIceCandidates withdraws previously broadcast
// candidates.
func (c *Channel) BroadcastInvalidatedIceCandidates(ctx context.Context, payload protocol.BroadcastInvalidatedIceCandidatesPayload) error {
	_, err := c.send(ctx, protocol.EventBroadcastInvalidatedCandidates, payload)
	return err
}

// BroadcastIceCandidatesToClients fans a gateway's locally gathered
// candidates out to one or more clients.
func (c *Channel) BroadcastIceCandidatesToClients(ctx context.Context, payload protocol.GatewayBroadcastIceCandidatesPayload) error {
	_, err := c.send(ctx, protocol.EventGatewayBroadcastIceCandidates, payload)
	return err
}

// BroadcastInvalidatedIceCandidatesToClients withdraws previously
// broadcast gateway candidates.
func (c *Channel) BroadcastInvalidatedIceCandidatesToClients(ctx context.Context, payload protocol.GatewayBroadcastInvalidatedIceCandidatesPayload) error {
	_, err := c.send(ctx, protocol.EventGatewayBroadcastInvalidatedCandidates, payload)
	return err
}

// ReplyOK answers a portal-initiated push (identified by ref) with a
// successful phx_reply, the mechanism a gateway uses to hand its ICE
// credentials back after accepting a GatewayRequestConnectionEvent.
func (c *Channel) ReplyOK(ctx context.Context, ref int64, response any) error {
	respRaw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("portal: marshaling reply response: %w", err)
	}
	reply := protocol.ReplyPayload{Status: "ok", Response: respRaw}
	data, err := protocol.Encode(c.cfg.Topic, protocol.EventPhxReply, &ref, reply)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("portal: not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("portal: sending reply for ref %d: %w", ref, err)
	}
	return nil
}

// Close gracefully shuts the channel down. Per the close contract, this
// only succeeds from StateConnected; closing a still-Connecting channel
// is a programming error the caller must not make.
func (c *Channel) Close() error {
	if c.State() == StateConnecting {
		return errors.New("portal: cannot close a channel still connecting")
	}

	c.setState(StateClosing)
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	c.setState(StateClosed)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// receiveLoop reads frames until an error, reconnecting (unless the error
// is an authentication error, which is surfaced and never retried).
func (c *Channel) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.readFrames(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("portal connection lost", "error", err)
		c.closeConn()

		var clientErr *ClientError
		var tokenErr TokenExpiredError
		if errors.As(err, &clientErr) || errors.As(err, &tokenErr) {
			c.emit(FatalErrorEvent{Err: err})
			return
		}

		c.setState(StateConnecting)
		if !c.reconnect(ctx) {
			c.emit(FatalErrorEvent{Err: MaxRetriesReachedError{}})
			return
		}
		c.setState(StateConnected)
	}
}

func (c *Channel) readFrames(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("portal: no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("portal: ignoring malformed frame", "error", err)
			continue
		}

		if err := c.dispatch(env); err != nil {
			return err
		}
	}
}

func (c *Channel) dispatch(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventPhxReply:
		c.handleReply(env)
	case protocol.EventPhxError:
		c.log.Warn("portal: phx_error received", "topic", env.Topic)
	case protocol.EventPhxClose:
		return errors.New("portal: server closed the channel")
	case protocol.EventDisconnect:
		var d protocol.DisconnectPayload
		if err := json.Unmarshal(env.Payload, &d); err == nil && d.Reason == "token_expired" {
			return TokenExpiredError{}
		}
		return fmt.Errorf("portal: disconnected: server requested reconnect")
	case protocol.EventInit:
		var p protocol.InitPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(InitEvent{Payload: p})
		}
	case protocol.EventConfigChanged:
		var p protocol.ConfigChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(ConfigChangedEvent{Payload: p})
		}
	case protocol.EventIceCandidates:
		if c.cfg.Role == RoleGateway {
			var p protocol.GatewayIceCandidatesPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				c.emit(GatewayIceCandidatesEvent{Payload: p})
			}
			return nil
		}
		var p protocol.IceCandidatesPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(IceCandidatesEvent{Payload: p})
		}
	case protocol.EventInvalidateIceCandidates:
		if c.cfg.Role == RoleGateway {
			var p protocol.GatewayInvalidateIceCandidatesPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				c.emit(GatewayInvalidateIceCandidatesEvent{Payload: p})
			}
			return nil
		}
		var p protocol.InvalidateIceCandidatesPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(InvalidateIceCandidatesEvent{Payload: p})
		}
	case protocol.EventGatewayRequestConnection:
		if c.cfg.Role != RoleGateway {
			break
		}
		var p protocol.GatewayRequestConnectionPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			var ref int64
			if env.Ref != nil {
				ref = *env.Ref
			}
			c.emit(GatewayRequestConnectionEvent{Ref: ref, Payload: p})
		}
	case protocol.EventGatewayReuseConnection:
		if c.cfg.Role != RoleGateway {
			break
		}
		var p protocol.GatewayReuseConnectionPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			var ref int64
			if env.Ref != nil {
				ref = *env.Ref
			}
			c.emit(GatewayReuseConnectionEvent{Ref: ref, Payload: p})
		}
	case protocol.EventResourceCreatedOrUpdated:
		var p protocol.ResourceCreatedOrUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(ResourceCreatedOrUpdatedEvent{Payload: p})
		}
	case protocol.EventResourceDeleted:
		var p protocol.ResourceDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(ResourceDeletedEvent{Payload: p})
		}
	case protocol.EventRelaysPresence:
		var p protocol.RelaysPresencePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.emit(RelaysPresenceEvent{Payload: p})
		}
	default:
		c.log.Debug("portal: ignoring unknown event", "event", env.Event)
	}
	return nil
}

func (c *Channel) handleReply(env protocol.Envelope) {
	if env.Ref == nil {
		return
	}
	ref := *env.Ref

	c.mu.Lock()
	pr, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	c.mu.Unlock()

	if ok && pr.isHeartbeat {
		return
	}

	var reply protocol.ReplyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return
	}
	if !reply.IsOK() {
		var reason string
		_ = json.Unmarshal(reply.Response, &reason)
		c.emit(ReplyErrorEvent{Ref: ref, Reason: reason})
		return
	}

	var details protocol.ConnectionDetailsPayload
	if err := json.Unmarshal(reply.Response, &details); err == nil && details.GatewayID != "" {
		c.emit(ConnectionDetailsEvent{Ref: ref, Payload: details})
	}
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval and forces a
// reconnect if no reply arrives within HeartbeatTimeout.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			ref := c.assignRef()
			data, err := protocol.Encode(protocol.HeartbeatTopic, protocol.EventHeartbeat, &ref, struct{}{})
			if err != nil {
				continue
			}

			c.mu.Lock()
			conn := c.conn
			c.pending[ref] = pendingReply{deadline: time.Now().Add(timeout), isHeartbeat: true}
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.closeConn()
				continue
			}

			go c.awaitHeartbeatReply(ctx, ref, timeout)
		}
	}
}

func (c *Channel) awaitHeartbeatReply(ctx context.Context, ref int64, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(timeout):
	}

	c.mu.Lock()
	_, stillPending := c.pending[ref]
	if stillPending {
		delete(c.pending, ref)
	}
	c.mu.Unlock()

	if stillPending {
		c.log.Warn("portal: heartbeat reply timed out, reconnecting")
		c.closeConn()
	}
}

// isHTTP401 checks whether a dial error is an HTTP 401 response.
func isHTTP401(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status code 101 but got 401")
}

// reconnect attempts to re-establish the connection and rejoin the topic
// with exponential backoff, bounded by Reconnect.MaxElapsedTime.
func (c *Channel) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxElapsed := c.cfg.Reconnect.MaxElapsedTime

	start := time.Now()
	select {
	case <-c.reconnCh:
	default:
	}

	for attempt := 1; maxElapsed == 0 || time.Since(start) < maxElapsed; attempt++ {
		backoff := maxDelay
		if attempt <= 62 {
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}

		c.log.Info("portal: reconnecting", "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("portal: reconnect dial failed", "attempt", attempt, "error", err)
			var clientErr *ClientError
			if errors.As(err, &clientErr) && c.cfg.OnAuthFailure != nil {
				if refreshErr := c.cfg.OnAuthFailure(); refreshErr == nil {
					c.log.Info("portal: credentials refreshed, retrying")
					continue
				}
			}
			continue
		}

		if err := c.join(ctx); err != nil {
			c.log.Warn("portal: rejoin failed", "attempt", attempt, "error", err)
			c.closeConn()
			continue
		}

		c.log.Info("portal: reconnected", "attempt", attempt)
		return true
	}

	return false
}
