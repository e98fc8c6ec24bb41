package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakecast/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trade execution commits inside a single transaction with a row lock on
// the market, so two concurrent trades on the same market never both see
// the same pre-trade quantities.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, creator_id, question, description, category,
	b::TEXT, q_yes::TEXT, q_no::TEXT, probability::TEXT,
	status, resolution, resolution_source, resolved_at,
	open_time, close_time,
	volume::TEXT, trader_count, last_trade_at, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets
		   (id, creator_id, question, description, category,
		    b, q_yes, q_no, probability,
		    status, resolution, resolution_source, resolved_at,
		    open_time, close_time, volume, trader_count, last_trade_at, created_at)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12, $13,
		         $14, $15, $16::NUMERIC, $17, $18, $19)`,
		m.ID, m.CreatorID, m.Question, m.Description, m.Category,
		m.B.String(), m.QYes.String(), m.QNo.String(), m.Probability.String(),
		string(m.Status), string(m.Resolution), m.ResolutionSource, m.ResolvedAt,
		m.OpenTime, m.CloseTime, m.Volume.String(), m.TraderCount, m.LastTradeAt, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)

	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.CreatorID != "" {
		args = append(args, f.CreatorID)
		query += fmt.Sprintf(" AND creator_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolution = $3, resolution_source = $4, resolved_at = $5
		 WHERE id = $1`,
		m.ID, string(m.Status), string(m.Resolution), m.ResolutionSource, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update market status %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, c TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock on the market serializes concurrent commits.
	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM markets WHERE id = $1 FOR UPDATE`, c.Market.ID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMarketNotFound
	}
	if err != nil {
		return fmt.Errorf("lock market %s: %w", c.Market.ID, err)
	}

	// trades.seq is a BIGSERIAL assigned here; it pins commit order even
	// when executed_at timestamps tie.
	t := c.Trade
	_, err = tx.Exec(ctx,
		`INSERT INTO trades
		   (id, market_id, trader_id, identity_mode, side, outcome,
		    shares, price, amount, prob_before, prob_after, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		t.ID, t.MarketID, t.TraderID, t.IdentityMode, string(t.Side), string(t.Outcome),
		t.Shares.String(), t.Price.String(), t.Amount.String(),
		t.ProbBefore.String(), t.ProbAfter.String(), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}

	m := c.Market
	_, err = tx.Exec(ctx,
		`UPDATE markets
		 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC, probability = $4::NUMERIC,
		     volume = $5::NUMERIC, last_trade_at = $6,
		     trader_count = (SELECT COUNT(DISTINCT trader_id) FROM trades WHERE market_id = $1)
		 WHERE id = $1`,
		m.ID, m.QYes.String(), m.QNo.String(), m.Probability.String(),
		m.Volume.String(), m.LastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}

	p := c.Position
	_, err = tx.Exec(ctx,
		`INSERT INTO positions
		   (market_id, trader_id, outcome, shares, avg_price, realized_pnl, trade_count, last_trade_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (market_id, trader_id, outcome) DO UPDATE
		 SET shares = EXCLUDED.shares,
		     avg_price = EXCLUDED.avg_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     trade_count = EXCLUDED.trade_count,
		     last_trade_at = EXCLUDED.last_trade_at`,
		p.MarketID, p.TraderID, string(p.Outcome),
		p.Shares.String(), p.AvgPrice.String(), p.RealizedPnL.String(),
		p.TradeCount, p.LastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	// Ledger transfer last, with every row write staged: a failed debit
	// rolls the whole trade back with zero side effects.
	if c.Transfer != nil {
		if err := c.Transfer(ctx); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTrades(ctx context.Context, marketID string, limit, offset int) ([]model.Trade, error) {
	query := `SELECT id, market_id, trader_id, identity_mode, side, outcome,
	                 shares::TEXT, price::TEXT, amount::TEXT,
	                 prob_before::TEXT, prob_after::TEXT, executed_at
	          FROM trades WHERE market_id = $1 ORDER BY seq DESC`
	args := []interface{}{marketID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesAsc(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, trader_id, identity_mode, side, outcome,
		        shares::TEXT, price::TEXT, amount::TEXT,
		        prob_before::TEXT, prob_after::TEXT, executed_at
		 FROM trades WHERE market_id = $1 ORDER BY seq ASC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, traderID string, outcome model.Outcome) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS, pnlS string
	var outcomeS string

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, trader_id, outcome,
		        shares::TEXT, avg_price::TEXT, realized_pnl::TEXT,
		        trade_count, last_trade_at
		 FROM positions
		 WHERE market_id = $1 AND trader_id = $2 AND outcome = $3`,
		marketID, traderID, string(outcome)).
		Scan(&p.MarketID, &p.TraderID, &outcomeS,
			&sharesS, &avgS, &pnlS,
			&p.TradeCount, &p.LastTradeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}

	p.Outcome = model.Outcome(outcomeS)
	if err := decodePosition(&p, sharesS, avgS, pnlS); err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *PostgresStore) ListPositionsByTrader(ctx context.Context, traderID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, trader_id, outcome,
		        shares::TEXT, avg_price::TEXT, realized_pnl::TEXT,
		        trade_count, last_trade_at
		 FROM positions WHERE trader_id = $1
		 ORDER BY market_id, outcome`, traderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sharesS, avgS, pnlS, outcomeS string

		if err := rows.Scan(&p.MarketID, &p.TraderID, &outcomeS,
			&sharesS, &avgS, &pnlS,
			&p.TradeCount, &p.LastTradeAt); err != nil {
			return nil, err
		}

		p.Outcome = model.Outcome(outcomeS)
		if err := decodePosition(&p, sharesS, avgS, pnlS); err != nil {
			return nil, err
		}

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// decodeNumeric converts a NUMERIC::TEXT column back to decimal. A parse
// failure means the row is corrupt; surface it instead of zeroing the value.
func decodeNumeric(column, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s %q: %w", column, value, err)
	}
	return d, nil
}

func decodePosition(p *model.Position, sharesS, avgS, pnlS string) error {
	var err error
	if p.Shares, err = decodeNumeric("shares", sharesS); err != nil {
		return err
	}
	if p.AvgPrice, err = decodeNumeric("avg_price", avgS); err != nil {
		return err
	}
	if p.RealizedPnL, err = decodeNumeric("realized_pnl", pnlS); err != nil {
		return err
	}
	return nil
}

// scanMarket reads one market row, converting NUMERIC text back to decimal.
func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var b, qYes, qNo, prob, volume string
	var status, resolution string

	err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.Description, &m.Category,
		&b, &qYes, &qNo, &prob,
		&status, &resolution, &m.ResolutionSource, &m.ResolvedAt,
		&m.OpenTime, &m.CloseTime,
		&volume, &m.TraderCount, &m.LastTradeAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = model.Status(status)
	m.Resolution = model.Outcome(resolution)
	if m.B, err = decodeNumeric("b", b); err != nil {
		return nil, err
	}
	if m.QYes, err = decodeNumeric("q_yes", qYes); err != nil {
		return nil, err
	}
	if m.QNo, err = decodeNumeric("q_no", qNo); err != nil {
		return nil, err
	}
	if m.Probability, err = decodeNumeric("probability", prob); err != nil {
		return nil, err
	}
	if m.Volume, err = decodeNumeric("volume", volume); err != nil {
		return nil, err
	}

	return &m, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, outcome string
		var sharesS, priceS, amountS, beforeS, afterS string

		if err := rows.Scan(&t.ID, &t.MarketID, &t.TraderID, &t.IdentityMode, &side, &outcome,
			&sharesS, &priceS, &amountS, &beforeS, &afterS, &t.ExecutedAt); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Outcome = model.Outcome(outcome)
		var err error
		if t.Shares, err = decodeNumeric("shares", sharesS); err != nil {
			return nil, err
		}
		if t.Price, err = decodeNumeric("price", priceS); err != nil {
			return nil, err
		}
		if t.Amount, err = decodeNumeric("amount", amountS); err != nil {
			return nil, err
		}
		if t.ProbBefore, err = decodeNumeric("prob_before", beforeS); err != nil {
			return nil, err
		}
		if t.ProbAfter, err = decodeNumeric("prob_after", afterS); err != nil {
			return nil, err
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
