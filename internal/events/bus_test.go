package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestSubjectGrammar(t *testing.T) {
	assert.Equal(t, "derivd.user-1.stateChange", Subject("user-1", TopicStateChange))
	assert.Equal(t, "derivd.user-1.orphan", Subject("user-1", TopicOrphan))
}

func TestPublishRoundTrip(t *testing.T) {
	ns := startTestServer(t)

	bus, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan []byte, 1)
	sub, err := bus.Subscribe("user-1", TopicStateChange, func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := StateChangeEvent{
		From:      "IDLE",
		To:        "ANALYZING",
		Strategy:  "ema-momentum",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, bus.Publish("user-1", TopicStateChange, event))

	select {
	case data := <-received:
		var got StateChangeEvent
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "ANALYZING", got.To)
		assert.Equal(t, "ema-momentum", got.Strategy)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishScopedByUser(t *testing.T) {
	ns := startTestServer(t)

	bus, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	defer bus.Close()

	other := make(chan []byte, 1)
	_, err = bus.Subscribe("user-2", TopicOrphan, func(data []byte) {
		other <- data
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish("user-1", TopicOrphan, OrphanEvent{TransactionID: "abc"}))

	select {
	case <-other:
		t.Fatal("user-2 must not receive user-1 events")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish("user-1", TopicFill, FillEvent{}))
	bus.Close()
}
