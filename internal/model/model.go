// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market. A resolved market may additionally
// settle as OutcomeInvalid.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Tradeable reports whether the outcome can be bought or sold.
// OutcomeInvalid is a resolution result only.
func (o Outcome) Tradeable() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the market lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// transitions encodes the lifecycle state machine:
// open → closed → resolved, with cancelled reachable from open or closed.
// resolved and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusOpen:   {StatusClosed, StatusResolved, StatusCancelled},
	StatusClosed: {StatusResolved, StatusCancelled},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave this state.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Market is a single binary question open for trading. The market row is the
// sole authority for outstanding share quantities; Position records are a
// maintained index over the trade ledger.
type Market struct {
	ID          string `json:"id" db:"id"`
	CreatorID   string `json:"creator_id" db:"creator_id"`
	Question    string `json:"question" db:"question"`
	Description string `json:"description" db:"description"`
	Category    string `json:"category" db:"category"`

	B           decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	Probability decimal.Decimal `json:"probability" db:"probability"` // current YES probability

	Status           Status     `json:"status" db:"status"`
	Resolution       Outcome    `json:"resolution,omitempty" db:"resolution"`
	ResolutionSource string     `json:"resolution_source,omitempty" db:"resolution_source"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`

	OpenTime  time.Time `json:"open_time" db:"open_time"`
	CloseTime time.Time `json:"close_time" db:"close_time"`

	Volume      decimal.Decimal `json:"volume" db:"volume"` // cumulative traded amount
	TraderCount int64           `json:"trader_count" db:"trader_count"`
	LastTradeAt *time.Time      `json:"last_trade_at,omitempty" db:"last_trade_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AcceptingOrders reports whether the market can take a trade at the given
// moment. The close time is evaluated against the wall clock on every
// request, independent of an explicit closed transition.
func (m *Market) AcceptingOrders(now time.Time) bool {
	return m.Status == StatusOpen && now.Before(m.CloseTime)
}

// Trade is an immutable record of one executed order. Once created, these
// are never modified or deleted; replaying a market's trades in commit order
// against zero quantities reproduces the market's current quantities.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	TraderID     string          `json:"trader_id" db:"trader_id"`
	IdentityMode string          `json:"identity_mode" db:"identity_mode"`
	Side         Side            `json:"side" db:"side"`
	Outcome      Outcome         `json:"outcome" db:"outcome"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	Price        decimal.Decimal `json:"price" db:"price"`   // marginal price of Outcome after the trade
	Amount       decimal.Decimal `json:"amount" db:"amount"` // money debited (buy) or credited (sell)
	ProbBefore   decimal.Decimal `json:"prob_before" db:"prob_before"`
	ProbAfter    decimal.Decimal `json:"prob_after" db:"prob_after"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// Position is a trader's net holding of one outcome in one market.
// Shares may reach zero but never go negative; closed positions remain as
// zero-share history.
type Position struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	TraderID    string          `json:"trader_id" db:"trader_id"`
	Outcome     Outcome         `json:"outcome" db:"outcome"`
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice    decimal.Decimal `json:"avg_price" db:"avg_price"` // volume-weighted entry price
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TradeCount  int64           `json:"trade_count" db:"trade_count"`
	LastTradeAt time.Time       `json:"last_trade_at" db:"last_trade_at"`
}
