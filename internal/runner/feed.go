package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/session"
)

// Feed delivers live market ticks and order-state notifications for one
// instrument. Implementations must invoke the callbacks from a single
// goroutine per channel.
type Feed interface {
	Subscribe(ctx context.Context, instrument string, onTick func(price float64), onOrder func(order broker.Order)) error
	Unsubscribe(ctx context.Context, instrument string) error
}

// subscriber is the session surface the feed needs.
type subscriber interface {
	Subscribe(ctx context.Context, channels []string, handler session.NotificationHandler) error
	Unsubscribe(ctx context.Context, channels []string) error
}

// SessionFeed bridges the websocket session's subscription channels to the
// runner. Trades arrive on trades.<instrument>.raw, order updates on
// user.orders.<instrument>.raw.
type SessionFeed struct {
	sess subscriber
	log  zerolog.Logger
}

var _ Feed = (*SessionFeed)(nil)

// NewSessionFeed wraps a connected session.
func NewSessionFeed(sess subscriber) *SessionFeed {
	return &SessionFeed{
		sess: sess,
		log:  config.NewLogger("feed"),
	}
}

func feedChannels(instrument string) []string {
	return []string{
		fmt.Sprintf("trades.%s.raw", instrument),
		fmt.Sprintf("user.orders.%s.raw", instrument),
	}
}

// Subscribe registers both channels under one handler and fans notifications
// out to the tick and order callbacks.
func (f *SessionFeed) Subscribe(ctx context.Context, instrument string, onTick func(price float64), onOrder func(order broker.Order)) error {
	handler := func(channel string, data json.RawMessage) {
		switch {
		case strings.HasPrefix(channel, "trades."):
			f.dispatchTrades(channel, data, onTick)
		case strings.HasPrefix(channel, "user.orders."):
			f.dispatchOrder(channel, data, onOrder)
		}
	}
	return f.sess.Subscribe(ctx, feedChannels(instrument), handler)
}

// Unsubscribe releases both channels.
func (f *SessionFeed) Unsubscribe(ctx context.Context, instrument string) error {
	return f.sess.Unsubscribe(ctx, feedChannels(instrument))
}

// dispatchTrades unpacks a raw trades notification, a JSON array of
// executions, and forwards each price in arrival order.
func (f *SessionFeed) dispatchTrades(channel string, data json.RawMessage, onTick func(price float64)) {
	var trades []struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(data, &trades); err != nil {
		f.log.Warn().Err(err).Str("channel", channel).Msg("Unparseable trades notification")
		return
	}
	for _, trade := range trades {
		if trade.Price > 0 {
			onTick(trade.Price)
		}
	}
}

func (f *SessionFeed) dispatchOrder(channel string, data json.RawMessage, onOrder func(order broker.Order)) {
	var order broker.Order
	if err := json.Unmarshal(data, &order); err != nil {
		f.log.Warn().Err(err).Str("channel", channel).Msg("Unparseable order notification")
		return
	}
	if order.OrderID != "" {
		onOrder(order)
	}
}
