package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantbench/derivd/internal/brokererr"
)

// Mock is an in-memory Broker for tests. Orders fill instantly unless
// HoldOrders is set; errors can be injected per method name.
type Mock struct {
	mu sync.Mutex

	Instruments map[string]Instrument
	Summary     AccountSummary
	Tickers     map[string]Ticker
	Candles     map[string][]Candle
	Positions   map[string]Position
	Orders      map[string]Order
	Trades      []UserTrade

	// HoldOrders leaves placed orders open instead of filling them.
	HoldOrders bool

	// FailOn maps a method name ("PlaceOrder", "CancelOrder", ...) to the
	// error its next invocations return.
	FailOn map[string]error

	// FailOnLabel fails PlaceOrder only for orders carrying this label.
	FailOnLabel string

	// Calls records method invocations in order.
	Calls []string

	nextID int
}

// NewMock returns a mock seeded with one linear instrument and a funded account.
func NewMock() *Mock {
	return &Mock{
		Instruments: map[string]Instrument{
			"BTC-PERPETUAL": {
				Name:           "BTC-PERPETUAL",
				TickSize:       0.5,
				MinTradeAmount: 10,
				ContractSize:   10,
				MaxLeverage:    50,
				QuoteCurrency:  "USD",
				ContractType:   "linear",
				IsActive:       true,
			},
		},
		Summary: AccountSummary{
			Currency:       "USD",
			Balance:        100000,
			Equity:         100000,
			AvailableFunds: 100000,
		},
		Tickers: map[string]Ticker{
			"BTC-PERPETUAL": {Instrument: "BTC-PERPETUAL", LastPrice: 50000, MarkPrice: 50000, BestBid: 49999.5, BestAsk: 50000.5},
		},
		Candles:   make(map[string][]Candle),
		Positions: make(map[string]Position),
		Orders:    make(map[string]Order),
		FailOn:    make(map[string]error),
	}
}

var _ Broker = (*Mock)(nil)

func (m *Mock) record(method string) error {
	m.Calls = append(m.Calls, method)
	if err, ok := m.FailOn[method]; ok {
		return err
	}
	return nil
}

// CallCount returns how many times method was invoked.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *Mock) GetBalance(ctx context.Context, currency string) (*AccountSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetBalance"); err != nil {
		return nil, err
	}
	summary := m.Summary
	return &summary, nil
}

func (m *Mock) GetInstrument(ctx context.Context, name string) (*Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetInstrument"); err != nil {
		return nil, err
	}
	instr, ok := m.Instruments[name]
	if !ok {
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "unknown instrument %s", name)
	}
	if !instr.IsLinear() {
		return nil, brokererr.Newf(brokererr.KindInvalidParams,
			"instrument %s has contract type %q, only linear contracts are supported", name, instr.ContractType)
	}
	return &instr, nil
}

func (m *Mock) GetTicker(ctx context.Context, name string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetTicker"); err != nil {
		return nil, err
	}
	ticker, ok := m.Tickers[name]
	if !ok {
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "unknown instrument %s", name)
	}
	return &ticker, nil
}

func (m *Mock) GetChartData(ctx context.Context, name, resolution string, start, end time.Time) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetChartData"); err != nil {
		return nil, err
	}
	return m.Candles[name], nil
}

func (m *Mock) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("PlaceOrder"); err != nil {
		return nil, err
	}
	if m.FailOnLabel != "" && params.Label == m.FailOnLabel {
		return nil, brokererr.New(brokererr.KindServer, "injected placement failure")
	}

	m.nextID++
	order := Order{
		OrderID:      fmt.Sprintf("mock-%d", m.nextID),
		Instrument:   params.Instrument,
		Side:         params.Side,
		Type:         params.Type,
		Amount:       params.Amount,
		Price:        params.Price,
		TriggerPrice: params.TriggerPrice,
		State:        OrderStateOpen,
		CreatedAt:    time.Now().UnixMilli(),
		Label:        params.Label,
		ReduceOnly:   params.ReduceOnly,
	}

	fillPrice := params.Price
	if fillPrice == 0 {
		if t, ok := m.Tickers[params.Instrument]; ok {
			fillPrice = t.LastPrice
		}
	}

	if params.Type == OrderTypeMarket && !m.HoldOrders {
		order.State = OrderStateFilled
		order.Filled = params.Amount
		order.Price = fillPrice

		pos := m.Positions[params.Instrument]
		pos.Instrument = params.Instrument
		pos.Size += params.Side.Sign() * params.Amount
		if pos.Size != 0 {
			pos.EntryPrice = fillPrice
		}
		m.Positions[params.Instrument] = pos

		m.Trades = append(m.Trades, UserTrade{
			TradeID:    fmt.Sprintf("trade-%d", m.nextID),
			OrderID:    order.OrderID,
			Instrument: params.Instrument,
			Side:       params.Side,
			Price:      fillPrice,
			Amount:     params.Amount,
			Timestamp:  time.Now().UnixMilli(),
		})
	}
	m.Orders[order.OrderID] = order

	// Linked children register as open protective orders.
	for _, child := range params.OtocoConfig {
		m.nextID++
		m.Orders[fmt.Sprintf("mock-%d", m.nextID)] = Order{
			OrderID:      fmt.Sprintf("mock-%d", m.nextID),
			Instrument:   params.Instrument,
			Side:         child.Direction,
			Type:         child.Type,
			Amount:       child.Amount,
			Price:        child.Price,
			TriggerPrice: child.TriggerPrice,
			State:        OrderStateOpen,
			CreatedAt:    time.Now().UnixMilli(),
			Label:        child.Label,
			ReduceOnly:   child.ReduceOnly,
			OcoRef:       order.OrderID,
		}
	}

	return &OrderResult{Order: order}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CancelOrder"); err != nil {
		return err
	}
	order, ok := m.Orders[orderID]
	if !ok || order.State != OrderStateOpen {
		return brokererr.Newf(brokererr.KindInvalidParams, "order %s not open", orderID)
	}
	order.State = OrderStateCancelled
	m.Orders[orderID] = order
	return nil
}

func (m *Mock) CancelAllByInstrument(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CancelAllByInstrument"); err != nil {
		return 0, err
	}
	count := 0
	for id, order := range m.Orders {
		if order.Instrument == name && order.State == OrderStateOpen {
			order.State = OrderStateCancelled
			m.Orders[id] = order
			count++
		}
	}
	return count, nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, name string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOpenOrders"); err != nil {
		return nil, err
	}
	var open []Order
	for _, order := range m.Orders {
		if order.Instrument == name && order.State == OrderStateOpen {
			open = append(open, order)
		}
	}
	return open, nil
}

func (m *Mock) GetOpenPositions(ctx context.Context, currency string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOpenPositions"); err != nil {
		return nil, err
	}
	var open []Position
	for _, pos := range m.Positions {
		if pos.IsOpen() {
			open = append(open, pos)
		}
	}
	return open, nil
}

func (m *Mock) GetPosition(ctx context.Context, name string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetPosition"); err != nil {
		return nil, err
	}
	pos := m.Positions[name]
	pos.Instrument = name
	return &pos, nil
}

func (m *Mock) HasOpenPosition(ctx context.Context, name string) (bool, error) {
	pos, err := m.GetPosition(ctx, name)
	if err != nil {
		return false, err
	}
	return pos.IsOpen(), nil
}

func (m *Mock) ClosePosition(ctx context.Context, name string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ClosePosition"); err != nil {
		return nil, err
	}
	pos := m.Positions[name]
	if !pos.IsOpen() {
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "no open position on %s", name)
	}

	m.nextID++
	side := SideSell
	if pos.Size < 0 {
		side = SideBuy
	}
	order := Order{
		OrderID:    fmt.Sprintf("mock-%d", m.nextID),
		Instrument: name,
		Side:       side,
		Type:       OrderTypeMarket,
		Amount:     abs(pos.Size),
		State:      OrderStateFilled,
		Filled:     abs(pos.Size),
		CreatedAt:  time.Now().UnixMilli(),
		ReduceOnly: true,
	}
	if t, ok := m.Tickers[name]; ok {
		order.Price = t.LastPrice
	}
	m.Orders[order.OrderID] = order

	pos.Size = 0
	m.Positions[name] = pos
	return &OrderResult{Order: order}, nil
}

func (m *Mock) GetUserTrades(ctx context.Context, name string, count int) ([]UserTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetUserTrades"); err != nil {
		return nil, err
	}
	var trades []UserTrade
	for i := len(m.Trades) - 1; i >= 0; i-- {
		if m.Trades[i].Instrument == name {
			trades = append(trades, m.Trades[i])
			if count > 0 && len(trades) >= count {
				break
			}
		}
	}
	return trades, nil
}

// SetPosition seeds a position directly.
func (m *Mock) SetPosition(name string, size, entry float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[name] = Position{Instrument: name, Size: size, EntryPrice: entry, MarkPrice: entry}
}

// AddOpenOrder seeds an open order directly.
func (m *Mock) AddOpenOrder(order Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.State == "" {
		order.State = OrderStateOpen
	}
	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().UnixMilli()
	}
	m.Orders[order.OrderID] = order
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
