package store

import (
	"context"
	"sort"
	"sync"

	"github.com/stakecast/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	trades    map[string][]model.Trade // marketID → trades in commit order
	positions map[positionKey]*model.Position
	traders   map[string]map[string]struct{} // marketID → distinct trader ids
}

type positionKey struct {
	marketID string
	traderID string
	outcome  model.Outcome
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		trades:    make(map[string][]model.Trade),
		positions: make(map[positionKey]*model.Position),
		traders:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return ErrMarketExists
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, filter MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Category != "" && m.Category != filter.Category {
			continue
		}
		if filter.CreatorID != "" && m.CreatorID != filter.CreatorID {
			continue
		}
		markets = append(markets, *m)
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})

	return paginate(markets, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.markets[m.ID]
	if !ok {
		return ErrMarketNotFound
	}
	existing.Status = m.Status
	existing.Resolution = m.Resolution
	existing.ResolutionSource = m.ResolutionSource
	existing.ResolvedAt = m.ResolvedAt
	return nil
}

func (s *MemoryStore) ApplyTrade(ctx context.Context, c TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.markets[c.Market.ID]
	if !ok {
		return ErrMarketNotFound
	}

	// Ledger transfer first: its failure must leave no partial state, and
	// the map mutations below cannot fail.
	if c.Transfer != nil {
		if err := c.Transfer(ctx); err != nil {
			return err
		}
	}

	existing.QYes = c.Market.QYes
	existing.QNo = c.Market.QNo
	existing.Probability = c.Market.Probability
	existing.Volume = c.Market.Volume
	existing.LastTradeAt = c.Market.LastTradeAt

	s.trades[c.Market.ID] = append(s.trades[c.Market.ID], *c.Trade)

	set, ok := s.traders[c.Market.ID]
	if !ok {
		set = make(map[string]struct{})
		s.traders[c.Market.ID] = set
	}
	set[c.Trade.TraderID] = struct{}{}
	existing.TraderCount = int64(len(set))

	pos := *c.Position
	s.positions[positionKey{pos.MarketID, pos.TraderID, pos.Outcome}] = &pos

	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, marketID string, limit, offset int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.trades[marketID]

	// Newest first.
	reversed := make([]model.Trade, len(all))
	for i, t := range all {
		reversed[len(all)-1-i] = t
	}

	return paginate(reversed, limit, offset), nil
}

func (s *MemoryStore) ListTradesAsc(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.trades[marketID]
	out := make([]model.Trade, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, traderID string, outcome model.Outcome) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{marketID, traderID, outcome}]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByTrader(_ context.Context, traderID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for key, p := range s.positions {
		if key.traderID == traderID {
			positions = append(positions, *p)
		}
	}

	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketID != positions[j].MarketID {
			return positions[i].MarketID < positions[j].MarketID
		}
		return positions[i].Outcome < positions[j].Outcome
	})

	return positions, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
