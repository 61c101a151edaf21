// Package events publishes engine events over NATS so external consumers
// (notification bridges, dashboards) can follow what the engine does without
// touching its internals.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
)

// Topics under derivd.<userID>.<topic>.
const (
	TopicStateChange = "stateChange"
	TopicOrphan      = "orphan"
	TopicFill        = "fill"
	TopicRunner      = "runner"
)

// StateChangeEvent mirrors a committed lifecycle transition.
type StateChangeEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Strategy  string    `json:"strategy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OrphanEvent reports protective orders left behind by a failed rollback.
type OrphanEvent struct {
	TransactionID string    `json:"transactionId"`
	OrderIDs      []string  `json:"orderIds"`
	Timestamp     time.Time `json:"timestamp"`
}

// FillEvent reports a position exit.
type FillEvent struct {
	Instrument string    `json:"instrument"`
	ExitReason string    `json:"exitReason"`
	Pnl        float64   `json:"pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunnerEvent reports runner starts and stops.
type RunnerEvent struct {
	JobID      string    `json:"jobId"`
	Strategy   string    `json:"strategy"`
	Instrument string    `json:"instrument"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the surface engine components use. A nil *Bus satisfies it
// as a no-op, so event publication is never load-bearing.
type Publisher interface {
	Publish(userID, topic string, payload interface{}) error
}

// Bus is a NATS-backed publisher.
type Bus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS with infinite reconnects.
func Connect(url string) (*Bus, error) {
	log := config.NewLogger("events")

	nc, err := nats.Connect(
		url,
		nats.Name("derivd"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Msg("Event bus connected")
	return &Bus{nc: nc, log: log}, nil
}

// Subject builds the wire subject for a user event.
func Subject(userID, topic string) string {
	return fmt.Sprintf("derivd.%s.%s", userID, topic)
}

// Publish marshals payload and emits it on derivd.<userID>.<topic>. A nil
// bus silently drops the event.
func (b *Bus) Publish(userID, topic string, payload interface{}) error {
	if b == nil || b.nc == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	if err := b.nc.Publish(Subject(userID, topic), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for one user topic. Used by in-process
// consumers and tests; external consumers subscribe on their own
// connections.
func (b *Bus) Subscribe(userID, topic string, handler func(data []byte)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, fmt.Errorf("event bus not connected")
	}
	return b.nc.Subscribe(Subject(userID, topic), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains the connection.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
}
