// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/stakecast/market-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned when no market exists for the given id.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketExists is returned when creating a market with a taken id.
	ErrMarketExists = errors.New("store: market already exists")

	// ErrPositionNotFound is returned when a trader holds no position for
	// the given (market, outcome) pair.
	ErrPositionNotFound = errors.New("store: position not found")
)

// MarketFilter narrows ListMarkets results. Zero values mean "no filter";
// Limit <= 0 means no limit.
type MarketFilter struct {
	Status    model.Status
	Category  string
	CreatorID string
	Limit     int
	Offset    int
}

// TradeCommit bundles the sub-effects of one executed trade. ApplyTrade
// lands all of them as a single atomic unit or none: the market row update,
// the trade append, the position upsert, and the ledger transfer callback.
// The store recomputes the market's distinct-trader count itself.
type TradeCommit struct {
	// Market carries the post-trade quantities, probability, volume and
	// last-trade timestamp for the market row.
	Market *model.Market

	// Trade is the immutable record to append.
	Trade *model.Trade

	// Position is the trader's post-trade holding to upsert.
	Position *model.Position

	// Transfer performs the external-ledger debit or credit. Invoked inside
	// the atomic unit, after all row writes have been staged; an error
	// aborts the commit with zero side effects.
	Transfer func(ctx context.Context) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Markets are never physically
// deleted and trades are append-only.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching the filter, newest first.
	ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error)

	// UpdateMarketStatus persists a lifecycle transition (close, resolve,
	// cancel) including resolution outcome, source and timestamp.
	UpdateMarketStatus(ctx context.Context, market *model.Market) error

	// --- Trade execution ---

	// ApplyTrade commits one executed trade atomically.
	ApplyTrade(ctx context.Context, commit TradeCommit) error

	// ListTrades returns a market's trades, newest first.
	ListTrades(ctx context.Context, marketID string, limit, offset int) ([]model.Trade, error)

	// ListTradesAsc returns a market's trades in commit order, oldest
	// first. Used by the integrity replay check.
	ListTradesAsc(ctx context.Context, marketID string) ([]model.Trade, error)

	// --- Position queries ---

	// GetPosition returns the trader's holding of one outcome in one market.
	GetPosition(ctx context.Context, marketID, traderID string, outcome model.Outcome) (*model.Position, error)

	// ListPositionsByTrader returns all of a trader's positions.
	ListPositionsByTrader(ctx context.Context, traderID string) ([]model.Position, error)
}
