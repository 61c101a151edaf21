// Package journal is the append-only trade record: every bracket placement
// opens a trade, every exit closes it with a derived reason and PnL.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown trade ids.
var ErrNotFound = errors.New("trade not found")

// Trade status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Exit reasons.
const (
	ExitSLHit      = "sl_hit"
	ExitTPHit      = "tp_hit"
	ExitManual     = "manual"
	ExitUnknown    = "unknown"
	ExitKillswitch = "killswitch"
)

// PnL sources: authoritative fill data or the estimation fallback.
const (
	PnlSourceFills      = "fills"
	PnlSourceEstimation = "estimation"
)

// Trade is one journaled round trip.
type Trade struct {
	ID            string     `json:"id"`
	Strategy      string     `json:"strategy"`
	Instrument    string     `json:"instrument"`
	Side          string     `json:"side"`
	Amount        float64    `json:"amount"`
	EntryPrice    float64    `json:"entryPrice"`
	StopPrice     float64    `json:"stopPrice"`
	TakePrice     float64    `json:"takePrice"`
	TransactionID string     `json:"transactionId"`
	EntryOrderID  string     `json:"entryOrderId"`
	SLOrderID     string     `json:"slOrderId,omitempty"`
	TPOrderID     string     `json:"tpOrderId,omitempty"`
	Status        string     `json:"status"`
	ExitPrice     float64    `json:"exitPrice,omitempty"`
	ExitReason    string     `json:"exitReason,omitempty"`
	Pnl           float64    `json:"pnl,omitempty"`
	PnlPercent    float64    `json:"pnlPercent,omitempty"`
	PnlSource     string     `json:"pnlSource,omitempty"`
	OpenedAt      time.Time  `json:"openedAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// Filter narrows queries and stats.
type Filter struct {
	Strategy   string
	Instrument string
	Status     string
	Limit      int
	Offset     int
}

// Stats summarizes closed trades under a filter.
type Stats struct {
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
	TotalPnl    float64 `json:"totalPnl"`
	AvgPnl      float64 `json:"avgPnl"`
	BestTrade   float64 `json:"bestTrade"`
	WorstTrade  float64 `json:"worstTrade"`
	SLHits      int     `json:"slHits"`
	TPHits      int     `json:"tpHits"`
}

// CloseRequest carries the exit fields for CloseTrade.
type CloseRequest struct {
	ExitPrice  float64
	ExitReason string
	Pnl        float64
	PnlPercent float64
	PnlSource  string
}

// Store is the journal persistence surface.
type Store interface {
	OpenTrade(ctx context.Context, trade *Trade) (string, error)
	GetTrade(ctx context.Context, id string) (*Trade, error)
	AttachOrderIDs(ctx context.Context, id, slOrderID, tpOrderID string) error
	UpdateStops(ctx context.Context, id string, stopPrice, takePrice float64) error
	CloseTrade(ctx context.Context, id string, req CloseRequest) error
	Query(ctx context.Context, filter Filter) ([]Trade, error)
	Stats(ctx context.Context, filter Filter) (*Stats, error)
	DeleteTrade(ctx context.Context, id string) error
	Close()
}
