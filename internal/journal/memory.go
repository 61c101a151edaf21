package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps trades in process. Used in tests and journal-less runs.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
	order  []string // insertion order, newest appended
}

// NewMemoryStore builds an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) OpenTrade(ctx context.Context, trade *Trade) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *trade
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = StatusOpen
	if stored.OpenedAt.IsZero() {
		stored.OpenedAt = time.Now().UTC()
	}
	s.trades[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	return stored.ID, nil
}

func (s *MemoryStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trade, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *trade
	return &snapshot, nil
}

func (s *MemoryStore) AttachOrderIDs(ctx context.Context, id, slOrderID, tpOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	if slOrderID != "" {
		trade.SLOrderID = slOrderID
	}
	if tpOrderID != "" {
		trade.TPOrderID = tpOrderID
	}
	return nil
}

func (s *MemoryStore) UpdateStops(ctx context.Context, id string, stopPrice, takePrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	if stopPrice > 0 {
		trade.StopPrice = stopPrice
	}
	if takePrice > 0 {
		trade.TakePrice = takePrice
	}
	return nil
}

func (s *MemoryStore) CloseTrade(ctx context.Context, id string, req CloseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	trade.Status = StatusClosed
	trade.ExitPrice = req.ExitPrice
	trade.ExitReason = req.ExitReason
	trade.Pnl = req.Pnl
	trade.PnlPercent = req.PnlPercent
	trade.PnlSource = req.PnlSource
	trade.ClosedAt = &now
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Trade, 0)
	// Newest first.
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.trades[ids[i]].OpenedAt.After(s.trades[ids[j]].OpenedAt)
	})

	for _, id := range ids {
		trade := s.trades[id]
		if !matches(trade, filter) {
			continue
		}
		matched = append(matched, *trade)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Trade{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	filter.Status = StatusClosed
	filter.Limit = 0
	filter.Offset = 0
	closed, err := s.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return computeStats(closed), nil
}

func (s *MemoryStore) DeleteTrade(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[id]; !ok {
		return ErrNotFound
	}
	delete(s.trades, id)
	for i, stored := range s.order {
		if stored == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() {}

func matches(trade *Trade, filter Filter) bool {
	if filter.Strategy != "" && trade.Strategy != filter.Strategy {
		return false
	}
	if filter.Instrument != "" && trade.Instrument != filter.Instrument {
		return false
	}
	if filter.Status != "" && trade.Status != filter.Status {
		return false
	}
	return true
}

// computeStats aggregates closed trades.
func computeStats(closed []Trade) *Stats {
	stats := &Stats{TotalTrades: len(closed)}
	if len(closed) == 0 {
		return stats
	}

	stats.BestTrade = closed[0].Pnl
	stats.WorstTrade = closed[0].Pnl
	for _, trade := range closed {
		stats.TotalPnl += trade.Pnl
		if trade.Pnl > 0 {
			stats.Wins++
		} else if trade.Pnl < 0 {
			stats.Losses++
		}
		if trade.Pnl > stats.BestTrade {
			stats.BestTrade = trade.Pnl
		}
		if trade.Pnl < stats.WorstTrade {
			stats.WorstTrade = trade.Pnl
		}
		switch trade.ExitReason {
		case ExitSLHit:
			stats.SLHits++
		case ExitTPHit:
			stats.TPHits++
		}
	}
	stats.WinRate = float64(stats.Wins) / float64(len(closed)) * 100
	stats.AvgPnl = stats.TotalPnl / float64(len(closed))
	return stats
}
