package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
)

// PoolInterface is the pgx pool surface the store needs; pgxmock satisfies
// it in tests.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	strategy       TEXT NOT NULL,
	instrument     TEXT NOT NULL,
	side           TEXT NOT NULL,
	amount         DOUBLE PRECISION NOT NULL,
	entry_price    DOUBLE PRECISION NOT NULL,
	stop_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
	take_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
	transaction_id TEXT NOT NULL DEFAULT '',
	entry_order_id TEXT NOT NULL DEFAULT '',
	sl_order_id    TEXT NOT NULL DEFAULT '',
	tp_order_id    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'open',
	exit_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
	exit_reason    TEXT NOT NULL DEFAULT '',
	pnl            DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl_percent    DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl_source     TEXT NOT NULL DEFAULT '',
	opened_at      TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (instrument);
`

const tradeColumns = `id, strategy, instrument, side, amount, entry_price, stop_price, take_price, transaction_id, entry_order_id, sl_order_id, tp_order_id, status, exit_price, exit_reason, pnl, pnl_percent, pnl_source, opened_at, closed_at`

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	pool    PoolInterface
	closeFn func()
	log     zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		pool:    pool,
		closeFn: pool.Close,
		log:     config.NewLogger("journal"),
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return store, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Used by tests.
func NewPostgresStoreWithPool(pool PoolInterface) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  config.NewLogger("journal"),
	}
}

func (s *PostgresStore) OpenTrade(ctx context.Context, trade *Trade) (string, error) {
	id := trade.ID
	if id == "" {
		id = uuid.NewString()
	}
	openedAt := trade.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, strategy, instrument, side, amount, entry_price, stop_price, take_price,
			transaction_id, entry_order_id, sl_order_id, tp_order_id, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, trade.Strategy, trade.Instrument, trade.Side, trade.Amount,
		trade.EntryPrice, trade.StopPrice, trade.TakePrice,
		trade.TransactionID, trade.EntryOrderID, trade.SLOrderID, trade.TPOrderID,
		StatusOpen, openedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert trade: %w", err)
	}

	s.log.Info().
		Str("trade_id", id).
		Str("instrument", trade.Instrument).
		Str("side", trade.Side).
		Float64("amount", trade.Amount).
		Msg("Trade opened")
	return id, nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load trade: %w", err)
	}
	return trade, nil
}

func (s *PostgresStore) AttachOrderIDs(ctx context.Context, id, slOrderID, tpOrderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			sl_order_id = CASE WHEN $2 <> '' THEN $2 ELSE sl_order_id END,
			tp_order_id = CASE WHEN $3 <> '' THEN $3 ELSE tp_order_id END
		WHERE id = $1`, id, slOrderID, tpOrderID)
	if err != nil {
		return fmt.Errorf("failed to attach order ids: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateStops(ctx context.Context, id string, stopPrice, takePrice float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			stop_price = CASE WHEN $2 > 0 THEN $2 ELSE stop_price END,
			take_price = CASE WHEN $3 > 0 THEN $3 ELSE take_price END
		WHERE id = $1`, id, stopPrice, takePrice)
	if err != nil {
		return fmt.Errorf("failed to update stops: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CloseTrade(ctx context.Context, id string, req CloseRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			status = $2, exit_price = $3, exit_reason = $4,
			pnl = $5, pnl_percent = $6, pnl_source = $7, closed_at = $8
		WHERE id = $1`,
		id, StatusClosed, req.ExitPrice, req.ExitReason,
		req.Pnl, req.PnlPercent, req.PnlSource, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.log.Info().
		Str("trade_id", id).
		Str("exit_reason", req.ExitReason).
		Float64("pnl", req.Pnl).
		Msg("Trade closed")
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Trade, error) {
	where, args := buildWhere(filter)
	sql := `SELECT ` + tradeColumns + ` FROM trades` + where + ` ORDER BY opened_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	filter.Status = StatusClosed
	filter.Limit = 0
	filter.Offset = 0
	where, args := buildWhere(filter)

	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COUNT(*) FILTER (WHERE pnl < 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0),
			COUNT(*) FILTER (WHERE exit_reason = 'sl_hit'),
			COUNT(*) FILTER (WHERE exit_reason = 'tp_hit')
		FROM trades`+where, args...)

	stats := &Stats{}
	if err := row.Scan(&stats.TotalTrades, &stats.Wins, &stats.Losses, &stats.TotalPnl,
		&stats.BestTrade, &stats.WorstTrade, &stats.SLHits, &stats.TPHits); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades) * 100
		stats.AvgPnl = stats.TotalPnl / float64(stats.TotalTrades)
	}
	return stats, nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the underlying pool when this store owns it.
func (s *PostgresStore) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

func buildWhere(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("strategy", filter.Strategy)
	add("instrument", filter.Instrument)
	add("status", filter.Status)

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanTrade reads one row in tradeColumns order.
func scanTrade(row pgx.Row) (*Trade, error) {
	var trade Trade
	var closedAt *time.Time
	err := row.Scan(
		&trade.ID, &trade.Strategy, &trade.Instrument, &trade.Side, &trade.Amount,
		&trade.EntryPrice, &trade.StopPrice, &trade.TakePrice,
		&trade.TransactionID, &trade.EntryOrderID, &trade.SLOrderID, &trade.TPOrderID,
		&trade.Status, &trade.ExitPrice, &trade.ExitReason,
		&trade.Pnl, &trade.PnlPercent, &trade.PnlSource,
		&trade.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	trade.ClosedAt = closedAt
	return &trade, nil
}
