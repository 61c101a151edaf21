// Package session implements the authenticated JSON-RPC 2.0 session over a
// single WebSocket. It owns request/response correlation, heartbeats, token
// refresh, reconnection with backoff, and subscription replay.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/metrics"
	"github.com/quantbench/derivd/internal/ratelimit"
)

// State is the session connection state.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateError      State = "error"
)

// NotificationHandler receives subscription notifications for a channel.
// Handlers are invoked synchronously in frame-arrival order.
type NotificationHandler func(channel string, data json.RawMessage)

// rpcRequest is a JSON-RPC 2.0 request frame.
type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcFrame is any incoming frame: response, or notification when ID is nil.
type rpcFrame struct {
	Jsonrpc string              `json:"jsonrpc"`
	ID      *int64              `json:"id,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *rpcError           `json:"error,omitempty"`
	Method  string              `json:"method,omitempty"`
	Params  *notificationParams `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type notificationParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Session is a JSON-RPC session against one broker endpoint for one user.
type Session struct {
	cfg     config.SessionConfig
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	endpoint string
	creds    config.Credentials
	connGen  uint64             // bumped on each (re)connect, stale loops exit
	connStop context.CancelFunc // cancels loops bound to the current connection

	writeMu sync.Mutex

	nextID  atomic.Int64
	pending *pendingMap

	subsMu   sync.RWMutex
	handlers map[string]NotificationHandler

	tokens        tokenState
	lastHeartbeat atomic.Int64 // unix nanos of last received frame

	reconnecting atomic.Bool

	// OnStateChange is invoked (not under the session lock) after every state
	// transition. Optional.
	OnStateChange func(from, to State)
}

// New creates a session. Connect must be called before use.
func New(cfg config.SessionConfig, limiter *ratelimit.Limiter) *Session {
	s := &Session{
		cfg:      cfg,
		limiter:  limiter,
		log:      config.NewLogger("session"),
		state:    StateStopped,
		pending:  newPendingMap(),
		handlers: make(map[string]NotificationHandler),
	}
	return s
}

// CurrentState returns the session state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is active.
func (s *Session) IsConnected() bool {
	return s.CurrentState() == StateActive
}

// LastHeartbeat returns the time of the last received frame.
func (s *Session) LastHeartbeat() time.Time {
	ns := s.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Session state changed")
		if s.OnStateChange != nil {
			s.OnStateChange(from, to)
		}
	}
}

// Connect dials the endpoint, authenticates, and starts the session loops.
func (s *Session) Connect(ctx context.Context, endpoint string, creds config.Credentials) error {
	s.mu.Lock()
	if s.state == StateActive || s.state == StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("session already %s", s.state)
	}
	s.endpoint = endpoint
	s.creds = creds
	s.mu.Unlock()

	s.setState(StateConnecting)

	if err := s.dialAndStart(ctx); err != nil {
		s.setState(StateStopped)
		return err
	}

	s.setState(StateActive)
	return nil
}

// dialAndStart establishes the socket, authenticates, and launches the
// per-connection loops. Callers manage state transitions.
func (s *Session) dialAndStart(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return brokererr.Wrap(brokererr.KindNetwork, err, "failed to dial broker endpoint")
	}

	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connGen++
	gen := s.connGen
	if s.connStop != nil {
		s.connStop()
	}
	s.connStop = cancel
	s.mu.Unlock()

	s.lastHeartbeat.Store(time.Now().UnixNano())

	go s.readLoop(conn, gen)

	if err := s.authenticate(ctx); err != nil {
		s.teardownConn(conn)
		return err
	}

	go s.heartbeatLoop(connCtx)
	go s.refreshLoop(connCtx)

	s.log.Info().Str("endpoint", s.endpoint).Uint64("generation", gen).Msg("Session connected")
	metrics.SessionConnects.Inc()
	return nil
}

// Disconnect closes the session deliberately; no reconnect follows.
func (s *Session) Disconnect() error {
	s.setState(StateStopped)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.connStop != nil {
		s.connStop()
		s.connStop = nil
	}
	s.creds = config.Credentials{}
	s.tokens = tokenState{}
	s.mu.Unlock()

	s.pending.failAll(brokererr.New(brokererr.KindWebSocket, "session disconnected"))

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	s.log.Info().Msg("Session disconnected")
	return nil
}

// teardownConn closes one connection without touching session state.
func (s *Session) teardownConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		if s.connStop != nil {
			s.connStop()
			s.connStop = nil
		}
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Call performs a JSON-RPC request and waits for the correlated response.
// The request is throttled by the rate limiter. Timeout is the configured
// request timeout; late replies after timeout are discarded.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := s.limiter.Throttle(ctx, method, func() error {
		var callErr error
		result, callErr = s.callOnce(ctx, method, params)
		return callErr
	})
	return result, err
}

func (s *Session) callOnce(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || (state != StateActive && state != StateConnecting) {
		return nil, brokererr.Newf(brokererr.KindWebSocket, "session not connected (state=%s)", state)
	}

	id := s.nextID.Add(1)
	req := rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params}

	ch := s.pending.add(id, method)

	start := time.Now()
	s.writeMu.Lock()
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.pending.remove(id)
		return nil, brokererr.Wrap(brokererr.KindWebSocket, err, "failed to write request frame")
	}

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		s.pending.remove(id)
		metrics.RPCTimeouts.Inc()
		return nil, brokererr.Newf(brokererr.KindTimeout, "request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		s.pending.remove(id)
		return nil, ctx.Err()
	}
}

// readLoop consumes frames until the socket dies. Exactly one readLoop runs
// per connection generation.
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onSocketClosed(conn, gen, err)
			return
		}

		s.lastHeartbeat.Store(time.Now().UnixNano())

		var frame rpcFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			s.log.Warn().Err(jsonErr).Msg("Dropping unparseable frame")
			continue
		}

		switch {
		case frame.ID != nil:
			s.resolve(&frame)
		case frame.Method == "subscription" && frame.Params != nil:
			s.dispatch(frame.Params.Channel, frame.Params.Data)
		default:
			// Heartbeat test_request frames and other unsolicited server
			// messages need no reply beyond the heartbeat loop's traffic.
			s.log.Debug().Str("method", frame.Method).Msg("Ignoring unsolicited frame")
		}
	}
}

// resolve completes the pending request carrying the frame's id. Responses
// resolve in arrival order; a response only ever completes its own id.
func (s *Session) resolve(frame *rpcFrame) {
	var res callResult
	if frame.Error != nil {
		res.err = brokererr.FromRPC(frame.Error.Code, frame.Error.Message)
	} else {
		res.result = frame.Result
	}

	if !s.pending.complete(*frame.ID, res) {
		s.log.Debug().Int64("id", *frame.ID).Msg("Late reply for discarded request, ignoring")
	}
}

func (s *Session) dispatch(channel string, data json.RawMessage) {
	s.subsMu.RLock()
	handler, ok := s.handlers[channel]
	s.subsMu.RUnlock()

	if !ok {
		s.log.Debug().Str("channel", channel).Msg("Notification for unknown channel")
		return
	}
	handler(channel, data)
}

// onSocketClosed handles loss of the underlying socket for generation gen.
func (s *Session) onSocketClosed(conn *websocket.Conn, gen uint64, cause error) {
	s.mu.Lock()
	current := s.connGen
	state := s.state
	s.mu.Unlock()

	if gen != current {
		return // a newer connection superseded this one
	}

	s.pending.failAll(brokererr.Wrap(brokererr.KindWebSocket, cause, "connection lost"))

	if state == StateStopped {
		return
	}

	s.log.Warn().Err(cause).Msg("Socket closed unexpectedly, reconnecting")
	s.teardownConn(conn)
	go s.reconnect()
}

// Subscribe registers handlers and subscribes to the channels on the broker.
// The subscription set is replayed after every reconnect.
func (s *Session) Subscribe(ctx context.Context, channels []string, handler NotificationHandler) error {
	s.subsMu.Lock()
	for _, ch := range channels {
		s.handlers[ch] = handler
	}
	s.subsMu.Unlock()

	if _, err := s.Call(ctx, "private/subscribe", map[string]interface{}{"channels": channels}); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	s.log.Info().Strs("channels", channels).Msg("Subscribed")
	return nil
}

// Unsubscribe removes handlers and unsubscribes on the broker.
func (s *Session) Unsubscribe(ctx context.Context, channels []string) error {
	s.subsMu.Lock()
	for _, ch := range channels {
		delete(s.handlers, ch)
	}
	s.subsMu.Unlock()

	if _, err := s.Call(ctx, "private/unsubscribe", map[string]interface{}{"channels": channels}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %v: %w", channels, err)
	}
	return nil
}

// activeChannels returns the channels to replay on reconnect.
func (s *Session) activeChannels() []string {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	channels := make([]string, 0, len(s.handlers))
	for ch := range s.handlers {
		channels = append(channels, ch)
	}
	return channels
}
