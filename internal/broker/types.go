package broker

import "time"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buy, -1 for sell.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeTakeMarket OrderType = "take_market"
	OrderTypeTakeLimit  OrderType = "take_limit"
)

// OrderState is the broker order state.
type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
)

// Instrument describes a tradeable contract and its constraints.
type Instrument struct {
	Name           string  `json:"instrument_name"`
	TickSize       float64 `json:"tick_size"`
	MinTradeAmount float64 `json:"min_trade_amount"`
	ContractSize   float64 `json:"contract_size"`
	MaxLeverage    float64 `json:"max_leverage"`
	QuoteCurrency  string  `json:"quote_currency"`
	ContractType   string  `json:"contract_type"` // "linear" or "inverse"
	IsActive       bool    `json:"is_active"`
}

// IsLinear reports whether position sizing math applies to this contract.
func (i *Instrument) IsLinear() bool {
	return i.ContractType == "" || i.ContractType == "linear"
}

// AccountSummary is a read-only snapshot of account funds.
type AccountSummary struct {
	Currency          string  `json:"currency"`
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	AvailableFunds    float64 `json:"available_funds"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	InitialMargin     float64 `json:"initial_margin"`
}

// Order is a broker order snapshot.
type Order struct {
	OrderID      string     `json:"order_id"`
	Instrument   string     `json:"instrument_name"`
	Side         Side       `json:"direction"`
	Type         OrderType  `json:"order_type"`
	Amount       float64    `json:"amount"`
	Price        float64    `json:"price,omitempty"`
	TriggerPrice float64    `json:"trigger_price,omitempty"`
	Filled       float64    `json:"filled_amount"`
	State        OrderState `json:"order_state"`
	CreatedAt    int64      `json:"creation_timestamp"` // epoch millis
	Label        string     `json:"label,omitempty"`
	ReduceOnly   bool       `json:"reduce_only"`
	OcoRef       string     `json:"oco_ref,omitempty"`
}

// CreatedTime returns the order creation time.
func (o *Order) CreatedTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// Position is an open position snapshot. Size is signed; zero means flat.
type Position struct {
	Instrument    string  `json:"instrument_name"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"average_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnl float64 `json:"floating_profit_loss"`
	Leverage      float64 `json:"leverage"`
}

// Side derives the position direction from the sign of Size.
func (p *Position) Side() Side {
	if p.Size < 0 {
		return SideSell
	}
	return SideBuy
}

// IsOpen reports whether the position has exposure.
func (p *Position) IsOpen() bool {
	return p.Size != 0
}

// AbsSize returns the unsigned position size.
func (p *Position) AbsSize() float64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Ticker is a market snapshot for one instrument.
type Ticker struct {
	Instrument string  `json:"instrument_name"`
	LastPrice  float64 `json:"last_price"`
	MarkPrice  float64 `json:"mark_price"`
	BestBid    float64 `json:"best_bid_price"`
	BestAsk    float64 `json:"best_ask_price"`
	Timestamp  int64   `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// UserTrade is one execution (fill) on the account.
type UserTrade struct {
	TradeID    string  `json:"trade_id"`
	OrderID    string  `json:"order_id"`
	Instrument string  `json:"instrument_name"`
	Side       Side    `json:"direction"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Fee        float64 `json:"fee"`
	Timestamp  int64   `json:"timestamp"`
}

// ChildOrderParams describes one OTOCO protective child (SL or TP).
type ChildOrderParams struct {
	Type         OrderType `json:"type"`
	Amount       float64   `json:"amount"`
	Price        float64   `json:"price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	Direction    Side      `json:"direction"`
	ReduceOnly   bool      `json:"reduce_only"`
	Label        string    `json:"label,omitempty"`
}

// OrderParams is a placement request. When OtocoConfig is set the broker
// links the children one-triggers-one-cancels-other on the entry fill.
type OrderParams struct {
	Instrument   string
	Side         Side
	Type         OrderType
	Amount       float64
	Price        float64 // limit orders
	TriggerPrice float64 // stop/take orders
	Label        string
	ReduceOnly   bool
	OtocoConfig  []ChildOrderParams
}

// OrderResult is the broker's placement response: the accepted order plus any
// immediately linked child orders.
type OrderResult struct {
	Order  Order       `json:"order"`
	Trades []UserTrade `json:"trades,omitempty"`
}

// chartData is the TradingView-style candle response shape.
type chartData struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
}
