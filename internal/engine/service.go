// Package engine turns quotes into durable, atomic state changes: it
// validates and executes buy/sell orders against the LMSR core and the
// market store, and drives market lifecycle transitions.
//
// Concurrent trades are serialized per market. Execution always re-reads
// the authoritative market under that market's lock, recomputes the trade
// against current quantities, and commits the quantity update, the trade
// append, the position upsert and the ledger transfer as one atomic unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakecast/market-engine/internal/ledger"
	"github.com/stakecast/market-engine/internal/lmsr"
	"github.com/stakecast/market-engine/internal/metrics"
	"github.com/stakecast/market-engine/internal/model"
	"github.com/stakecast/market-engine/internal/store"
)

// Service executes trades and lifecycle transitions. No global lock across
// markets: each market gets its own mutex, created on first use.
type Service struct {
	store    store.Store
	ledger   ledger.AccountLedger
	defaultB decimal.Decimal
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts

	mu          sync.Mutex
	marketLocks map[string]*sync.Mutex
	halted      map[string]struct{} // markets with failed integrity checks
}

// NewService creates a new trade engine. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, al ledger.AccountLedger, hub *WSHub, defaultB decimal.Decimal) *Service {
	if defaultB.LessThanOrEqual(decimal.Zero) {
		defaultB = decimal.NewFromInt(100)
	}
	return &Service{
		store:       st,
		ledger:      al,
		defaultB:    defaultB,
		wsHub:       hub,
		marketLocks: make(map[string]*sync.Mutex),
		halted:      make(map[string]struct{}),
	}
}

// marketLock returns the mutex owning the given market's mutable state.
func (s *Service) marketLock(marketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.marketLocks[marketID] = l
	}
	return l
}

func (s *Service) isHalted(marketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[marketID]
	return ok
}

func (s *Service) haltMarket(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted[marketID] = struct{}{}
}

// CreateMarket validates and persists a new market at probability 0.5.
func (s *Service) CreateMarket(ctx context.Context, creatorID, question, description, category string, b decimal.Decimal, closesAt time.Time) (*model.Market, error) {
	if creatorID == "" || question == "" {
		return nil, fmt.Errorf("%w: creator id and question are required", ErrValidation)
	}

	if b.IsZero() {
		b = s.defaultB
	}
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	if !closesAt.After(now) {
		return nil, fmt.Errorf("%w: close time must be in the future", ErrValidation)
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		CreatorID:   creatorID,
		Question:    question,
		Description: description,
		Category:    category,
		B:           b,
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		Probability: decimal.NewFromFloat(0.5),
		Status:      model.StatusOpen,
		OpenTime:    now,
		CloseTime:   closesAt.UTC(),
		Volume:      decimal.Zero,
		CreatedAt:   now,
	}

	if err := s.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"creator", creatorID,
		"b", b.String(),
		"closes_at", market.CloseTime,
	)
	return market, nil
}

// Quote is a read-only projection of a hypothetical trade.
type Quote struct {
	Cost           decimal.Decimal `json:"cost,omitempty"`
	Proceeds       decimal.Decimal `json:"proceeds,omitempty"`
	NewProbability decimal.Decimal `json:"new_probability"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
}

// QuoteBuy prices a hypothetical buy against the market's current
// quantities. Pure read; no side effects, never blocks on I/O beyond the
// market fetch.
func (s *Service) QuoteBuy(ctx context.Context, marketID string, outcome model.Outcome, shares decimal.Decimal) (*Quote, error) {
	m, mm, err := s.quoteTarget(ctx, marketID, outcome, shares)
	if err != nil {
		return nil, err
	}

	cost := mm.BuyCost(m.QYes, m.QNo, shares, outcome)
	newQYes, newQNo := appliedBuy(m.QYes, m.QNo, shares, outcome)
	probBefore := mm.Probability(m.QYes, m.QNo)
	probAfter := mm.Probability(newQYes, newQNo)

	return &Quote{
		Cost:           cost,
		NewProbability: probAfter,
		PriceImpact:    probAfter.Sub(probBefore).Abs(),
	}, nil
}

// QuoteSell prices a hypothetical sell. Symmetric to QuoteBuy.
func (s *Service) QuoteSell(ctx context.Context, marketID string, outcome model.Outcome, shares decimal.Decimal) (*Quote, error) {
	m, mm, err := s.quoteTarget(ctx, marketID, outcome, shares)
	if err != nil {
		return nil, err
	}

	proceeds := mm.SellProceeds(m.QYes, m.QNo, shares, outcome)
	newQYes, newQNo := appliedSell(m.QYes, m.QNo, shares, outcome)
	probBefore := mm.Probability(m.QYes, m.QNo)
	probAfter := mm.Probability(newQYes, newQNo)

	return &Quote{
		Proceeds:       proceeds,
		NewProbability: probAfter,
		PriceImpact:    probAfter.Sub(probBefore).Abs(),
	}, nil
}

func (s *Service) quoteTarget(ctx context.Context, marketID string, outcome model.Outcome, shares decimal.Decimal) (*model.Market, *lmsr.MarketMaker, error) {
	if !outcome.Tradeable() {
		return nil, nil, fmt.Errorf("%w: outcome must be YES or NO", ErrValidation)
	}
	if shares.IsNegative() {
		return nil, nil, fmt.Errorf("%w: shares must not be negative", ErrValidation)
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, nil, err
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, nil, fmt.Errorf("market %s has invalid liquidity: %w", m.ID, err)
	}
	return m, mm, nil
}

// ExecuteBuy re-derives the quote against current authoritative quantities
// under the market's lock and commits the trade atomically. Fails with
// ErrSlippageExceeded if the recomputed cost exceeds maxCost, and with
// ledger.ErrInsufficientFunds if the account cannot cover it.
func (s *Service) ExecuteBuy(ctx context.Context, marketID, traderID, identityMode string, outcome model.Outcome, shares, maxCost decimal.Decimal) (*model.Trade, error) {
	if err := validateOrder(traderID, outcome, shares); err != nil {
		return nil, err
	}
	if maxCost.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: max cost must be positive", ErrValidation)
	}

	start := time.Now()
	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	if s.isHalted(marketID) {
		return nil, ErrMarketHalted
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !m.AcceptingOrders(now) {
		return nil, ErrMarketNotOpen
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s has invalid liquidity: %w", m.ID, err)
	}

	cost := mm.BuyCost(m.QYes, m.QNo, shares, outcome)
	if cost.GreaterThan(maxCost) {
		metrics.SlippageRejections.Inc()
		return nil, fmt.Errorf("%w: cost %s > max %s", ErrSlippageExceeded, cost, maxCost)
	}

	newQYes, newQNo := appliedBuy(m.QYes, m.QNo, shares, outcome)
	probBefore := mm.Probability(m.QYes, m.QNo)
	probAfter := mm.Probability(newQYes, newQNo)
	price := mm.MarginalPrice(newQYes, newQNo, outcome)

	trade := &model.Trade{
		ID:           uuid.New().String(),
		MarketID:     m.ID,
		TraderID:     traderID,
		IdentityMode: identityMode,
		Side:         model.SideBuy,
		Outcome:      outcome,
		Shares:       shares,
		Price:        price,
		Amount:       cost,
		ProbBefore:   probBefore,
		ProbAfter:    probAfter,
		ExecutedAt:   now,
	}

	pos, err := s.positionFor(ctx, m.ID, traderID, outcome)
	if err != nil {
		return nil, err
	}

	// Volume-weighted blend of old and new cost basis.
	newShares := pos.Shares.Add(shares)
	if newShares.IsPositive() {
		weighted := pos.Shares.Mul(pos.AvgPrice).Add(shares.Mul(price))
		pos.AvgPrice = weighted.Div(newShares).Round(lmsr.PriceScale)
	}
	pos.Shares = newShares
	pos.TradeCount++
	pos.LastTradeAt = now

	m.QYes = newQYes
	m.QNo = newQNo
	m.Probability = probAfter
	m.Volume = m.Volume.Add(cost)
	m.LastTradeAt = &now

	commit := store.TradeCommit{
		Market:   m,
		Trade:    trade,
		Position: pos,
		Transfer: func(ctx context.Context) error {
			return s.ledger.Debit(ctx, traderID, identityMode, cost)
		},
	}
	if err := s.store.ApplyTrade(ctx, commit); err != nil {
		return nil, err
	}

	s.afterTrade(trade, m, start)
	return trade, nil
}

// ExecuteSell validates the trader holds enough shares and commits the sell
// atomically, crediting the proceeds to the trader's account.
func (s *Service) ExecuteSell(ctx context.Context, marketID, traderID, identityMode string, outcome model.Outcome, shares decimal.Decimal) (*model.Trade, error) {
	if err := validateOrder(traderID, outcome, shares); err != nil {
		return nil, err
	}

	start := time.Now()
	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	if s.isHalted(marketID) {
		return nil, ErrMarketHalted
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !m.AcceptingOrders(now) {
		return nil, ErrMarketNotOpen
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, fmt.Errorf("market %s has invalid liquidity: %w", m.ID, err)
	}

	pos, err := s.positionFor(ctx, m.ID, traderID, outcome)
	if err != nil {
		return nil, err
	}
	if pos.Shares.LessThan(shares) {
		return nil, fmt.Errorf("%w: held %s, selling %s", ErrInsufficientShares, pos.Shares, shares)
	}

	proceeds := mm.SellProceeds(m.QYes, m.QNo, shares, outcome)
	newQYes, newQNo := appliedSell(m.QYes, m.QNo, shares, outcome)
	probBefore := mm.Probability(m.QYes, m.QNo)
	probAfter := mm.Probability(newQYes, newQNo)
	price := mm.MarginalPrice(newQYes, newQNo, outcome)

	trade := &model.Trade{
		ID:           uuid.New().String(),
		MarketID:     m.ID,
		TraderID:     traderID,
		IdentityMode: identityMode,
		Side:         model.SideSell,
		Outcome:      outcome,
		Shares:       shares,
		Price:        price,
		Amount:       proceeds,
		ProbBefore:   probBefore,
		ProbAfter:    probAfter,
		ExecutedAt:   now,
	}

	// Selling keeps the average entry price; realized profit is recorded
	// against it.
	pos.Shares = pos.Shares.Sub(shares)
	pos.RealizedPnL = pos.RealizedPnL.Add(price.Sub(pos.AvgPrice).Mul(shares).Round(lmsr.PriceScale))
	pos.TradeCount++
	pos.LastTradeAt = now

	m.QYes = newQYes
	m.QNo = newQNo
	m.Probability = probAfter
	m.Volume = m.Volume.Add(proceeds)
	m.LastTradeAt = &now

	commit := store.TradeCommit{
		Market:   m,
		Trade:    trade,
		Position: pos,
		Transfer: func(ctx context.Context) error {
			return s.ledger.Credit(ctx, traderID, identityMode, proceeds)
		},
	}
	if err := s.store.ApplyTrade(ctx, commit); err != nil {
		return nil, err
	}

	s.afterTrade(trade, m, start)
	return trade, nil
}

// Resolve closes the market on its winning outcome. Resolution is
// irreversible; payout settlement against positions is an external-ledger
// concern handled downstream.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome model.Outcome, source string) (*model.Market, error) {
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo && outcome != model.OutcomeInvalid {
		return nil, fmt.Errorf("%w: resolution outcome must be YES, NO or INVALID", ErrValidation)
	}

	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	if s.isHalted(marketID) {
		return nil, ErrMarketHalted
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if m.Status == model.StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if !m.Status.CanTransitionTo(model.StatusResolved) {
		return nil, fmt.Errorf("%w: cannot resolve %s market", ErrMarketNotOpen, m.Status)
	}

	// Final consistency gate before the terminal transition.
	if err := s.verifyReplay(ctx, m); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m.Status = model.StatusResolved
	m.Resolution = outcome
	m.ResolutionSource = source
	m.ResolvedAt = &now

	if err := s.store.UpdateMarketStatus(ctx, m); err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Dec()
	slog.Info("market resolved",
		"id", m.ID,
		"outcome", string(outcome),
		"source", source,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: m.ID,
			Outcome:  string(outcome),
		})
	}
	return m, nil
}

// Cancel voids an open or closed market. Terminal; no trades afterwards.
func (s *Service) Cancel(ctx context.Context, marketID string) (*model.Market, error) {
	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	if s.isHalted(marketID) {
		return nil, ErrMarketHalted
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if m.Status == model.StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if !m.Status.CanTransitionTo(model.StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel %s market", ErrMarketNotOpen, m.Status)
	}

	m.Status = model.StatusCancelled
	if err := s.store.UpdateMarketStatus(ctx, m); err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Dec()
	slog.Info("market cancelled", "id", m.ID)
	return m, nil
}

// VerifyMarket replays a market's trades against zero quantities and checks
// the result against the stored market row. A mismatch halts further writes
// to that market.
func (s *Service) VerifyMarket(ctx context.Context, marketID string) error {
	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	return s.verifyReplay(ctx, m)
}

func (s *Service) verifyReplay(ctx context.Context, m *model.Market) error {
	trades, err := s.store.ListTradesAsc(ctx, m.ID)
	if err != nil {
		return err
	}

	qYes, qNo := decimal.Zero, decimal.Zero
	for _, t := range trades {
		switch t.Side {
		case model.SideBuy:
			qYes, qNo = appliedBuy(qYes, qNo, t.Shares, t.Outcome)
		case model.SideSell:
			qYes, qNo = appliedSell(qYes, qNo, t.Shares, t.Outcome)
		}
	}

	if !qYes.Equal(m.QYes) || !qNo.Equal(m.QNo) {
		s.haltMarket(m.ID)
		slog.Error("market integrity check failed, halting writes",
			"id", m.ID,
			"replayed_q_yes", qYes.String(), "stored_q_yes", m.QYes.String(),
			"replayed_q_no", qNo.String(), "stored_q_no", m.QNo.String(),
		)
		return fmt.Errorf("%w: market %s", ErrIntegrity, m.ID)
	}
	return nil
}

// --- helpers ---

func validateOrder(traderID string, outcome model.Outcome, shares decimal.Decimal) error {
	if traderID == "" {
		return fmt.Errorf("%w: trader id is required", ErrValidation)
	}
	if !outcome.Tradeable() {
		return fmt.Errorf("%w: outcome must be YES or NO", ErrValidation)
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: shares must be positive", ErrValidation)
	}
	return nil
}

// positionFor loads the trader's position or starts an empty one.
func (s *Service) positionFor(ctx context.Context, marketID, traderID string, outcome model.Outcome) (*model.Position, error) {
	pos, err := s.store.GetPosition(ctx, marketID, traderID, outcome)
	if errors.Is(err, store.ErrPositionNotFound) {
		return &model.Position{
			MarketID: marketID,
			TraderID: traderID,
			Outcome:  outcome,
			Shares:   decimal.Zero,
			AvgPrice: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func appliedBuy(qYes, qNo, shares decimal.Decimal, outcome model.Outcome) (decimal.Decimal, decimal.Decimal) {
	if outcome == model.OutcomeNo {
		return qYes, qNo.Add(shares)
	}
	return qYes.Add(shares), qNo
}

// appliedSell floors quantities at zero, mirroring the cost function.
func appliedSell(qYes, qNo, shares decimal.Decimal, outcome model.Outcome) (decimal.Decimal, decimal.Decimal) {
	if outcome == model.OutcomeNo {
		newQNo := qNo.Sub(shares)
		if newQNo.IsNegative() {
			newQNo = decimal.Zero
		}
		return qYes, newQNo
	}
	newQYes := qYes.Sub(shares)
	if newQYes.IsNegative() {
		newQYes = decimal.Zero
	}
	return newQYes, qNo
}

func (s *Service) afterTrade(t *model.Trade, m *model.Market, start time.Time) {
	metrics.TradesTotal.WithLabelValues(string(t.Side), string(t.Outcome)).Inc()
	metrics.TradeLatency.WithLabelValues(string(t.Side)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(m.ID, string(t.Side)).Add(t.Amount.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", t.ID,
		"market_id", m.ID,
		"trader", t.TraderID,
		"identity_mode", t.IdentityMode,
		"side", string(t.Side),
		"outcome", string(t.Outcome),
		"shares", t.Shares.String(),
		"amount", t.Amount.String(),
		"prob_after", t.ProbAfter.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_executed",
			MarketID:    m.ID,
			Probability: m.Probability.String(),
			Side:        string(t.Side),
			Outcome:     string(t.Outcome),
			Shares:      t.Shares.String(),
		})
	}
}
