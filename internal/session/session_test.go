package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/ratelimit"
)

// fakeBroker is an in-process JSON-RPC broker behind a websocket upgrade.
// It answers public/auth with tokens, records subscriptions, and lets tests
// inject silence, error frames, and pushed notifications.
type fakeBroker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	calls      map[string]int
	authCalls  int
	subscribes [][]string
	silent     map[string]bool
	failFirst  map[string]int // method -> remaining error replies
	failCode   map[string]int
	expectKey  string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{
		calls:     make(map[string]int),
		silent:    make(map[string]bool),
		failFirst: make(map[string]int),
		failCode:  make(map[string]int),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		b.serve(conn, &req)
	}
}

func (b *fakeBroker) serve(conn *websocket.Conn, req *rpcRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[req.Method]++

	if b.silent[req.Method] {
		return
	}
	if remaining := b.failFirst[req.Method]; remaining > 0 {
		b.failFirst[req.Method] = remaining - 1
		b.writeError(conn, req.ID, b.failCode[req.Method], "injected failure")
		return
	}

	switch req.Method {
	case "public/auth":
		b.authCalls++
		params, _ := req.Params.(map[string]interface{})
		if b.expectKey != "" && params["client_id"] != b.expectKey {
			b.writeError(conn, req.ID, 10000, "authentication failed")
			return
		}
		b.writeResult(conn, req.ID, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"token_type":"bearer"}`)
	case "private/subscribe":
		params, _ := req.Params.(map[string]interface{})
		raw, _ := params["channels"].([]interface{})
		channels := make([]string, 0, len(raw))
		for _, c := range raw {
			channels = append(channels, c.(string))
		}
		b.subscribes = append(b.subscribes, channels)
		b.writeResult(conn, req.ID, `{}`)
	default:
		b.writeResult(conn, req.ID, `{"method":"`+req.Method+`"}`)
	}
}

func (b *fakeBroker) writeResult(conn *websocket.Conn, id int64, result string) {
	_ = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(result),
	})
}

func (b *fakeBroker) writeError(conn *websocket.Conn, id int64, code int, message string) {
	_ = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

// push sends a subscription notification on the most recent connection.
func (b *fakeBroker) push(channel, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return
	}
	conn := b.conns[len(b.conns)-1]
	_ = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params":  map[string]interface{}{"channel": channel, "data": json.RawMessage(data)},
	})
}

// dropConns closes every server-side connection, simulating socket loss.
func (b *fakeBroker) dropConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		_ = conn.Close()
	}
	b.conns = nil
}

func (b *fakeBroker) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authCalls
}

func (b *fakeBroker) callCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *fakeBroker) subscribeLog() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.subscribes))
	copy(out, b.subscribes)
	return out
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		RequestTimeout:      2 * time.Second,
		HeartbeatInterval:   time.Hour,
		StaleAfter:          time.Hour,
		ReconnectMaxAttempt: 5,
		ReconnectMaxBackoff: 20 * time.Millisecond,
		MaxRPCRetries:       3,
	}
}

func testCreds() config.Credentials {
	return config.Credentials{APIKey: "key", APISecret: "secret", Environment: "testnet"}
}

func newTestSession(t *testing.T, broker *fakeBroker, cfg config.SessionConfig) *Session {
	t.Helper()
	sess := New(cfg, ratelimit.New(ratelimit.DefaultConfig(), ratelimit.DefaultConfig()))
	require.NoError(t, sess.Connect(context.Background(), broker.url(), testCreds()))
	t.Cleanup(func() { _ = sess.Disconnect() })
	return sess
}

func TestConnectAuthenticates(t *testing.T) {
	broker := newFakeBroker(t)
	sess := newTestSession(t, broker, testSessionConfig())

	assert.Equal(t, StateActive, sess.CurrentState())
	assert.True(t, sess.IsConnected())
	assert.Equal(t, 1, broker.authCount())
	assert.False(t, sess.LastHeartbeat().IsZero())
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	broker := newFakeBroker(t)
	broker.expectKey = "someone-else"

	sess := New(testSessionConfig(), ratelimit.New(ratelimit.DefaultConfig(), ratelimit.DefaultConfig()))
	err := sess.Connect(context.Background(), broker.url(), testCreds())

	require.Error(t, err)
	assert.Equal(t, brokererr.KindAuthentication, brokererr.KindOf(err))
	assert.Equal(t, StateStopped, sess.CurrentState())
}

func TestConnectRequiresCredentials(t *testing.T) {
	broker := newFakeBroker(t)

	sess := New(testSessionConfig(), ratelimit.New(ratelimit.DefaultConfig(), ratelimit.DefaultConfig()))
	err := sess.Connect(context.Background(), broker.url(), config.Credentials{})

	require.Error(t, err)
	assert.Equal(t, brokererr.KindAuthentication, brokererr.KindOf(err))
	assert.Equal(t, 0, broker.authCount())
}

func TestCallCorrelatesConcurrentRequests(t *testing.T) {
	broker := newFakeBroker(t)
	sess := newTestSession(t, broker, testSessionConfig())

	methods := []string{"public/ticker", "public/get_instruments", "private/get_positions"}
	var wg sync.WaitGroup
	results := make([]string, len(methods))
	errs := make([]error, len(methods))

	for i, method := range methods {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			raw, err := sess.Call(context.Background(), method, nil)
			errs[i] = err
			if err == nil {
				var res struct {
					Method string `json:"method"`
				}
				_ = json.Unmarshal(raw, &res)
				results[i] = res.Method
			}
		}(i, method)
	}
	wg.Wait()

	for i, method := range methods {
		require.NoError(t, errs[i])
		assert.Equal(t, method, results[i], "response must match its own request")
	}
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	broker := newFakeBroker(t)
	broker.silent["public/ticker"] = true

	cfg := testSessionConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	sess := newTestSession(t, broker, cfg)

	_, err := sess.Call(context.Background(), "public/ticker", nil)

	require.Error(t, err)
	assert.Equal(t, brokererr.KindTimeout, brokererr.KindOf(err))
	assert.Equal(t, 0, sess.pending.size(), "timed-out request must not linger")
}

func TestCallSurfacesBrokerError(t *testing.T) {
	broker := newFakeBroker(t)
	broker.failFirst["private/buy"] = 1
	broker.failCode["private/buy"] = 10009

	sess := newTestSession(t, broker, testSessionConfig())

	_, err := sess.Call(context.Background(), "private/buy", map[string]interface{}{"amount": 10})

	require.Error(t, err)
	assert.Equal(t, brokererr.KindInsufficientFunds, brokererr.KindOf(err))
}

func TestSubscribeDispatchesNotifications(t *testing.T) {
	broker := newFakeBroker(t)
	sess := newTestSession(t, broker, testSessionConfig())

	received := make(chan string, 4)
	err := sess.Subscribe(context.Background(), []string{"trades.BTC-PERPETUAL.raw"}, func(channel string, data json.RawMessage) {
		received <- string(data)
	})
	require.NoError(t, err)

	broker.push("trades.BTC-PERPETUAL.raw", `[{"price":50000}]`)
	broker.push("trades.ETH-PERPETUAL.raw", `[{"price":3000}]`)

	select {
	case data := <-received:
		assert.JSONEq(t, `[{"price":50000}]`, data)
	case <-time.After(time.Second):
		t.Fatal("notification never reached the handler")
	}

	select {
	case data := <-received:
		t.Fatalf("handler received a channel it never subscribed: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectFailsInflightCalls(t *testing.T) {
	broker := newFakeBroker(t)
	broker.silent["public/ticker"] = true

	sess := newTestSession(t, broker, testSessionConfig())

	callErr := make(chan error, 1)
	go func() {
		_, err := sess.Call(context.Background(), "public/ticker", nil)
		callErr <- err
	}()

	require.Eventually(t, func() bool { return sess.pending.size() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Disconnect())

	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.Equal(t, brokererr.KindWebSocket, brokererr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("in-flight call survived disconnect")
	}

	assert.Equal(t, StateStopped, sess.CurrentState())

	// Deliberate disconnects never trigger the reconnect path.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, broker.authCount())
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	broker := newFakeBroker(t)
	sess := newTestSession(t, broker, testSessionConfig())

	received := make(chan string, 4)
	require.NoError(t, sess.Subscribe(context.Background(), []string{"user.orders.BTC-PERPETUAL.raw"}, func(channel string, data json.RawMessage) {
		received <- channel
	}))

	broker.dropConns()

	require.Eventually(t, func() bool {
		return sess.IsConnected() && broker.authCount() == 2
	}, 5*time.Second, 10*time.Millisecond, "session must re-auth on a fresh socket")

	subs := broker.subscribeLog()
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"user.orders.BTC-PERPETUAL.raw"}, subs[1])

	broker.push("user.orders.BTC-PERPETUAL.raw", `{"order_id":"o-1"}`)
	select {
	case channel := <-received:
		assert.Equal(t, "user.orders.BTC-PERPETUAL.raw", channel)
	case <-time.After(time.Second):
		t.Fatal("handler lost after reconnect")
	}
}

func TestReconnectReplaysWithZeroRequestTimeout(t *testing.T) {
	// An unset request timeout falls back to the 30s default everywhere,
	// including the subscription replay on a fresh socket. A zero timeout
	// would expire the replay context immediately.
	cfg := testSessionConfig()
	cfg.RequestTimeout = 0

	broker := newFakeBroker(t)
	sess := newTestSession(t, broker, cfg)

	require.NoError(t, sess.Subscribe(context.Background(), []string{"user.orders.BTC-PERPETUAL.raw"}, func(string, json.RawMessage) {}))

	broker.dropConns()

	require.Eventually(t, func() bool {
		return sess.IsConnected() && len(broker.subscribeLog()) == 2
	}, 5*time.Second, 10*time.Millisecond, "replay must survive an unset request timeout")
	assert.Equal(t, []string{"user.orders.BTC-PERPETUAL.raw"}, broker.subscribeLog()[1])
}

func TestCallWithRetryRecoversFromServerErrors(t *testing.T) {
	broker := newFakeBroker(t)
	broker.failFirst["public/ticker"] = 2
	broker.failCode["public/ticker"] = -32000

	sess := newTestSession(t, broker, testSessionConfig())

	raw, err := sess.CallWithRetry(context.Background(), "public/ticker", nil)

	require.NoError(t, err)
	assert.Contains(t, string(raw), "public/ticker")
	assert.Equal(t, 3, broker.callCount("public/ticker"))
}

func TestCallWithRetryNeverRetriesMutations(t *testing.T) {
	broker := newFakeBroker(t)
	broker.failFirst["private/buy"] = 1
	broker.failCode["private/buy"] = -32000

	sess := newTestSession(t, broker, testSessionConfig())

	_, err := sess.CallWithRetry(context.Background(), "private/buy", map[string]interface{}{"amount": 10})

	require.Error(t, err)
	assert.Equal(t, 1, broker.callCount("private/buy"), "order placement must not retry at the RPC layer")
}

func TestBackoffDelayCurve(t *testing.T) {
	tests := []struct {
		name       string
		attempt    int
		maxBackoff time.Duration
		base       time.Duration
	}{
		{name: "first attempt", attempt: 0, maxBackoff: 30 * time.Second, base: time.Second},
		{name: "third attempt doubles twice", attempt: 2, maxBackoff: 30 * time.Second, base: 4 * time.Second},
		{name: "capped at max", attempt: 10, maxBackoff: 5 * time.Second, base: 5 * time.Second},
		{name: "zero max falls back", attempt: 20, maxBackoff: 0, base: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				delay := backoffDelay(tt.attempt, tt.maxBackoff)
				assert.GreaterOrEqual(t, delay, time.Duration(float64(tt.base)*0.69))
				assert.LessOrEqual(t, delay, time.Duration(float64(tt.base)*1.31))
			}
		})
	}
}
