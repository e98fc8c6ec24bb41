package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakecast/market-engine/internal/engine"
	"github.com/stakecast/market-engine/internal/ledger"
	"github.com/stakecast/market-engine/internal/model"
	"github.com/stakecast/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store, in-memory ledger
// and a chi router mirroring the production routes.
func newTestEnv(t *testing.T) (*engine.Service, *store.MemoryStore, *ledger.MemoryLedger, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	al := ledger.NewMemoryLedger()
	svc := engine.NewService(ms, al, nil, d(100))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/markets", svc.HandleCreateMarket)
		r.Get("/markets", svc.HandleListMarkets)
		r.Get("/markets/{marketID}", svc.HandleGetMarket)
		r.Get("/markets/{marketID}/quote", svc.HandleQuote)
		r.Post("/markets/{marketID}/buy", svc.HandleBuy)
		r.Post("/markets/{marketID}/sell", svc.HandleSell)
		r.Get("/markets/{marketID}/trades", svc.HandleTradeHistory)
		r.Post("/markets/{marketID}/resolve", svc.HandleResolve)
		r.Post("/markets/{marketID}/cancel", svc.HandleCancel)
		r.Get("/positions/{traderID}", svc.HandlePositions)
	})

	return svc, ms, al, r
}

// seedMarket creates a test market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string, b float64, status model.Status, closesAt time.Time) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	market := &model.Market{
		ID:          id,
		CreatorID:   "creator-1",
		Question:    "Will it happen?",
		Category:    "test",
		B:           d(b),
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		Probability: d(0.5),
		Status:      status,
		OpenTime:    now,
		CloseTime:   closesAt,
		Volume:      decimal.Zero,
		CreatedAt:   now,
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func openMarket(t *testing.T, ms *store.MemoryStore, id string) *model.Market {
	t.Helper()
	return seedMarket(t, ms, id, 100, model.StatusOpen, time.Now().UTC().Add(24*time.Hour))
}

func postJSON(t *testing.T, router chi.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func buy(t *testing.T, router chi.Router, marketID, userID string, outcome model.Outcome, shares, maxCost float64) *httptest.ResponseRecorder {
	t.Helper()
	return postJSON(t, router, "/api/v1/markets/"+marketID+"/buy", engine.BuyRequest{
		UserID:  userID,
		Outcome: outcome,
		Shares:  d(shares),
		MaxCost: d(maxCost),
	})
}

func sell(t *testing.T, router chi.Router, marketID, userID string, outcome model.Outcome, shares float64) *httptest.ResponseRecorder {
	t.Helper()
	return postJSON(t, router, "/api/v1/markets/"+marketID+"/sell", engine.SellRequest{
		UserID:  userID,
		Outcome: outcome,
		Shares:  d(shares),
	})
}

func decodeTrade(t *testing.T, w *httptest.ResponseRecorder) model.Trade {
	t.Helper()
	var trade model.Trade
	if err := json.Unmarshal(w.Body.Bytes(), &trade); err != nil {
		t.Fatalf("failed to decode trade: %v", err)
	}
	return trade
}

// --- Market creation tests ---

func TestCreateMarket(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		CreatorID: "creator-1",
		Question:  "Will the launch happen this quarter?",
		Category:  "tech",
		ClosesAt:  time.Now().UTC().Add(48 * time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.Unmarshal(w.Body.Bytes(), &market)
	if market.ID == "" {
		t.Error("expected generated market id")
	}
	if !market.Probability.Equal(d(0.5)) {
		t.Errorf("new market should start at probability 0.5, got %s", market.Probability)
	}
	if !market.B.Equal(d(100)) {
		t.Errorf("omitted liquidity should fall back to the default, got %s", market.B)
	}
	if market.Status != model.StatusOpen {
		t.Errorf("new market should be open, got %s", market.Status)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	future := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name string
		req  engine.CreateMarketRequest
	}{
		{"missing question", engine.CreateMarketRequest{CreatorID: "c", ClosesAt: future}},
		{"missing creator", engine.CreateMarketRequest{Question: "q?", ClosesAt: future}},
		{"negative b", engine.CreateMarketRequest{CreatorID: "c", Question: "q?", LiquidityParameter: d(-5), ClosesAt: future}},
		{"close time in the past", engine.CreateMarketRequest{CreatorID: "c", Question: "q?", ClosesAt: time.Now().UTC().Add(-time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/v1/markets", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Buy tests ---

func TestBuy_Yes(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	trade := decodeTrade(t, w)
	if trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if trade.Side != model.SideBuy || trade.Outcome != model.OutcomeYes {
		t.Errorf("unexpected trade side/outcome: %s/%s", trade.Side, trade.Outcome)
	}
	if !trade.Amount.IsPositive() {
		t.Errorf("buy amount should be positive, got %s", trade.Amount)
	}
	if trade.ProbAfter.LessThanOrEqual(trade.ProbBefore) {
		t.Errorf("buying YES should raise the probability: %s -> %s",
			trade.ProbBefore, trade.ProbAfter)
	}

	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if !m.QYes.Equal(d(10)) {
		t.Errorf("market qYes should be 10, got %s", m.QYes)
	}
	if !m.Volume.Equal(trade.Amount) {
		t.Errorf("market volume %s should equal trade amount %s", m.Volume, trade.Amount)
	}
	if m.TraderCount != 1 {
		t.Errorf("trader count should be 1, got %d", m.TraderCount)
	}

	wantBalance := d(1000).Sub(trade.Amount)
	if !al.Balance("alice", "").Equal(wantBalance) {
		t.Errorf("balance should be %s, got %s", wantBalance, al.Balance("alice", ""))
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("bob", "", d(0.01))

	w := buy(t, router, "mkt-1", "bob", model.OutcomeYes, 10, 100)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	// The failed debit must leave no partial state behind.
	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if !m.QYes.IsZero() || !m.Volume.IsZero() {
		t.Errorf("failed buy mutated the market: qYes=%s volume=%s", m.QYes, m.Volume)
	}
	trades, _ := ms.ListTrades(context.Background(), "mkt-1", 0, 0)
	if len(trades) != 0 {
		t.Errorf("failed buy recorded %d trades", len(trades))
	}
	if !al.Balance("bob", "").Equal(d(0.01)) {
		t.Errorf("balance changed on failed buy: %s", al.Balance("bob", ""))
	}
}

func TestBuy_SlippageExceeded(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 0.01)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	trades, _ := ms.ListTrades(context.Background(), "mkt-1", 0, 0)
	if len(trades) != 0 {
		t.Errorf("rejected buy recorded %d trades", len(trades))
	}
}

func TestBuy_ClosedMarket(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	seedMarket(t, ms, "mkt-1", 100, model.StatusClosed, time.Now().UTC().Add(time.Hour))
	al.Deposit("alice", "", d(1000))

	w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if !m.QYes.IsZero() {
		t.Errorf("closed market mutated: qYes=%s", m.QYes)
	}
}

func TestBuy_PastCloseTime(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	// Still flagged open but past its close time: orders must be refused.
	seedMarket(t, ms, "mkt-1", 100, model.StatusOpen, time.Now().UTC().Add(-time.Minute))
	al.Deposit("alice", "", d(1000))

	w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuy_UnknownMarket(t *testing.T) {
	_, _, al, router := newTestEnv(t)
	al.Deposit("alice", "", d(1000))

	w := buy(t, router, "nope", "alice", model.OutcomeYes, 10, 100)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuy_Validation(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	tests := []struct {
		name string
		req  engine.BuyRequest
	}{
		{"zero shares", engine.BuyRequest{UserID: "alice", Outcome: model.OutcomeYes, Shares: d(0), MaxCost: d(100)}},
		{"negative shares", engine.BuyRequest{UserID: "alice", Outcome: model.OutcomeYes, Shares: d(-5), MaxCost: d(100)}},
		{"invalid outcome", engine.BuyRequest{UserID: "alice", Outcome: model.OutcomeInvalid, Shares: d(10), MaxCost: d(100)}},
		{"missing user", engine.BuyRequest{Outcome: model.OutcomeYes, Shares: d(10), MaxCost: d(100)}},
		{"zero max cost", engine.BuyRequest{UserID: "alice", Outcome: model.OutcomeYes, Shares: d(10)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/v1/markets/mkt-1/buy", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Sell tests ---

func TestSell_RoundTrip(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	wBuy := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	if wBuy.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", wBuy.Code, wBuy.Body.String())
	}
	buyTrade := decodeTrade(t, wBuy)

	wSell := sell(t, router, "mkt-1", "alice", model.OutcomeYes, 10)
	if wSell.Code != http.StatusOK {
		t.Fatalf("sell failed: %d %s", wSell.Code, wSell.Body.String())
	}
	sellTrade := decodeTrade(t, wSell)

	// Selling back the whole lot returns the market to 50/50.
	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if !m.QYes.IsZero() || !m.Probability.Equal(d(0.5)) {
		t.Errorf("round trip should restore the market: qYes=%s prob=%s", m.QYes, m.Probability)
	}

	// The operator never pays out more than it took in.
	if sellTrade.Amount.GreaterThan(buyTrade.Amount) {
		t.Errorf("proceeds %s exceed cost %s", sellTrade.Amount, buyTrade.Amount)
	}
	if al.Balance("alice", "").GreaterThan(d(1000)) {
		t.Errorf("trader ended above starting balance: %s", al.Balance("alice", ""))
	}

	pos, err := ms.GetPosition(context.Background(), "mkt-1", "alice", model.OutcomeYes)
	if err != nil {
		t.Fatalf("position lookup failed: %v", err)
	}
	if !pos.Shares.IsZero() {
		t.Errorf("position should be flat after the round trip, got %s", pos.Shares)
	}
}

func TestSell_InsufficientShares(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	if w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 5, 100); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	w := sell(t, router, "mkt-1", "alice", model.OutcomeYes, 10)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Holding YES gives no right to sell NO.
	w = sell(t, router, "mkt-1", "alice", model.OutcomeNo, 1)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for wrong-outcome sell, got %d", w.Code)
	}
}

func TestPosition_AveragePriceBlend(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	first := decodeTrade(t, buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100))
	second := decodeTrade(t, buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100))

	if second.Price.LessThanOrEqual(first.Price) {
		t.Fatalf("second buy should execute at a higher price: %s vs %s",
			first.Price, second.Price)
	}

	pos, err := ms.GetPosition(context.Background(), "mkt-1", "alice", model.OutcomeYes)
	if err != nil {
		t.Fatalf("position lookup failed: %v", err)
	}
	if !pos.Shares.Equal(d(20)) {
		t.Errorf("position should hold 20 shares, got %s", pos.Shares)
	}
	if pos.AvgPrice.LessThanOrEqual(first.Price) || pos.AvgPrice.GreaterThanOrEqual(second.Price) {
		t.Errorf("avg price %s should sit between fills %s and %s",
			pos.AvgPrice, first.Price, second.Price)
	}
	if pos.TradeCount != 2 {
		t.Errorf("trade count should be 2, got %d", pos.TradeCount)
	}
}

// --- Concurrency tests ---

func TestConcurrentBuys_FundsForOnlyOne(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	// Enough for one 50-share buy (~28.1) but not a second at the moved price.
	al.Deposit("carol", "", d(30))

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := buy(t, router, "mkt-1", "carol", model.OutcomeYes, 50, 1000)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	var ok, rejected int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusPaymentRequired:
			rejected++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected exactly one fill and one rejection, got ok=%d rejected=%d", ok, rejected)
	}

	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if !m.QYes.Equal(d(50)) {
		t.Errorf("exactly one buy should have landed: qYes=%s", m.QYes)
	}
	if al.Balance("carol", "").IsNegative() {
		t.Errorf("balance went negative: %s", al.Balance("carol", ""))
	}
}

// --- Lifecycle tests ---

func TestResolve(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")

	w := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeYes,
		Source:  "official announcement",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.Unmarshal(w.Body.Bytes(), &market)
	if market.Status != model.StatusResolved {
		t.Errorf("status should be resolved, got %s", market.Status)
	}
	if market.Resolution != model.OutcomeYes {
		t.Errorf("resolution should be YES, got %s", market.Resolution)
	}
	if market.ResolvedAt == nil {
		t.Error("resolved_at should be set")
	}
}

func TestResolve_Twice(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")

	first := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeYes, Source: "oracle",
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first resolve failed: %d", first.Code)
	}

	second := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeNo, Source: "oracle",
	})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double resolve, got %d", second.Code)
	}

	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if m.Resolution != model.OutcomeYes {
		t.Errorf("double resolve changed the resolution to %s", m.Resolution)
	}
}

func TestResolve_Invalid(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")

	w := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeInvalid, Source: "void event",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("markets must be resolvable as INVALID, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResolve_BadOutcome(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")

	w := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.Outcome("MAYBE"),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestResolve_CancelledMarket(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	seedMarket(t, ms, "mkt-1", 100, model.StatusCancelled, time.Now().UTC().Add(time.Hour))

	w := postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeYes, Source: "oracle",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCancel(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	w := postJSON(t, router, "/api/v1/markets/mkt-1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if m.Status != model.StatusCancelled {
		t.Errorf("status should be cancelled, got %s", m.Status)
	}

	if w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100); w.Code != http.StatusConflict {
		t.Errorf("trading on a cancelled market should 409, got %d", w.Code)
	}
}

// --- Quote tests ---

func TestQuote_MatchesExecution(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	w := getJSON(t, router, "/api/v1/markets/mkt-1/quote?side=buy&outcome=YES&shares=10")
	if w.Code != http.StatusOK {
		t.Fatalf("quote failed: %d %s", w.Code, w.Body.String())
	}
	var quote engine.Quote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if !quote.Cost.IsPositive() {
		t.Errorf("quoted cost should be positive, got %s", quote.Cost)
	}
	if !quote.PriceImpact.IsPositive() {
		t.Errorf("quoted price impact should be positive, got %s", quote.PriceImpact)
	}

	trade := decodeTrade(t, buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100))
	if !trade.Amount.Equal(quote.Cost) {
		t.Errorf("executed cost %s differs from quote %s", trade.Amount, quote.Cost)
	}
	if !trade.ProbAfter.Equal(quote.NewProbability) {
		t.Errorf("executed probability %s differs from quote %s",
			trade.ProbAfter, quote.NewProbability)
	}

	// Quoting leaves no trace.
	trades, _ := ms.ListTrades(context.Background(), "mkt-1", 0, 0)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade after quote+buy, got %d", len(trades))
	}
}

func TestQuote_Sell(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))
	if w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	w := getJSON(t, router, "/api/v1/markets/mkt-1/quote?side=sell&outcome=YES&shares=10")
	if w.Code != http.StatusOK {
		t.Fatalf("sell quote failed: %d %s", w.Code, w.Body.String())
	}
	var quote engine.Quote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if !quote.Proceeds.IsPositive() {
		t.Errorf("quoted proceeds should be positive, got %s", quote.Proceeds)
	}
	if !quote.NewProbability.Equal(d(0.5)) {
		t.Errorf("selling the full lot should quote a return to 0.5, got %s",
			quote.NewProbability)
	}
}

func TestQuote_Errors(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")

	if w := getJSON(t, router, "/api/v1/markets/nope/quote?outcome=YES&shares=10"); w.Code != http.StatusNotFound {
		t.Errorf("unknown market should 404, got %d", w.Code)
	}
	if w := getJSON(t, router, "/api/v1/markets/mkt-1/quote?outcome=YES&shares=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad shares should 400, got %d", w.Code)
	}
	if w := getJSON(t, router, "/api/v1/markets/mkt-1/quote?side=short&outcome=YES&shares=10"); w.Code != http.StatusBadRequest {
		t.Errorf("bad side should 400, got %d", w.Code)
	}
	if w := getJSON(t, router, "/api/v1/markets/mkt-1/quote?outcome=INVALID&shares=10"); w.Code != http.StatusBadRequest {
		t.Errorf("untradeable outcome should 400, got %d", w.Code)
	}
}

// --- History and positions ---

func TestTradeHistory_NewestFirst(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	for _, shares := range []float64{1, 2, 3} {
		if w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, shares, 100); w.Code != http.StatusOK {
			t.Fatalf("buy of %v failed: %d", shares, w.Code)
		}
	}

	w := getJSON(t, router, "/api/v1/markets/mkt-1/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("history failed: %d", w.Code)
	}
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(trades))
	}
	if !trades[0].Shares.Equal(d(3)) {
		t.Errorf("most recent trade should come first, got %s shares", trades[0].Shares)
	}

	w = getJSON(t, router, "/api/v1/markets/mkt-1/trades?limit=2&offset=1")
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 || !trades[0].Shares.Equal(d(2)) {
		t.Errorf("pagination off: got %d trades", len(trades))
	}
}

func TestPositionsEndpoint(t *testing.T) {
	_, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	openMarket(t, ms, "mkt-2")
	al.Deposit("alice", "", d(1000))

	buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	buy(t, router, "mkt-2", "alice", model.OutcomeNo, 5, 100)

	w := getJSON(t, router, "/api/v1/positions/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("positions failed: %d", w.Code)
	}
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}

	w = getJSON(t, router, "/api/v1/positions/nobody")
	var empty []model.Position
	json.Unmarshal(w.Body.Bytes(), &empty)
	if w.Code != http.StatusOK || len(empty) != 0 {
		t.Errorf("unknown trader should get an empty list, got %d/%d", w.Code, len(empty))
	}
}

// --- Integrity tests ---

func TestIntegrity_HaltsCorruptedMarket(t *testing.T) {
	svc, ms, al, router := newTestEnv(t)
	market := openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	if w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d", w.Code)
	}

	// Inject a trade that never touched the market quantities. Replay now
	// disagrees with the stored row.
	bogus := store.TradeCommit{
		Market: market,
		Trade: &model.Trade{
			ID: "bogus", MarketID: "mkt-1", TraderID: "mallory",
			Side: model.SideBuy, Outcome: model.OutcomeYes,
			Shares: d(999), ExecutedAt: time.Now().UTC(),
		},
		Position: &model.Position{MarketID: "mkt-1", TraderID: "mallory", Outcome: model.OutcomeYes},
	}
	if err := ms.ApplyTrade(context.Background(), bogus); err != nil {
		t.Fatalf("injecting trade failed: %v", err)
	}

	if err := svc.VerifyMarket(context.Background(), "mkt-1"); err == nil {
		t.Fatal("expected integrity failure")
	}

	w := buy(t, router, "mkt-1", "alice", model.OutcomeYes, 1, 100)
	if w.Code != http.StatusLocked {
		t.Errorf("halted market should refuse trades with 423, got %d", w.Code)
	}
	w = postJSON(t, router, "/api/v1/markets/mkt-1/resolve", engine.ResolveRequest{
		Outcome: model.OutcomeYes, Source: "oracle",
	})
	if w.Code != http.StatusLocked {
		t.Errorf("halted market should refuse resolution with 423, got %d", w.Code)
	}
	w = postJSON(t, router, "/api/v1/markets/mkt-1/cancel", nil)
	if w.Code != http.StatusLocked {
		t.Errorf("halted market should refuse cancellation with 423, got %d", w.Code)
	}

	// The halt blocks every status write.
	m, _ := ms.GetMarket(context.Background(), "mkt-1")
	if m.Status != model.StatusOpen {
		t.Errorf("halted market status changed to %s", m.Status)
	}
}

func TestIntegrity_CleanMarketPasses(t *testing.T) {
	svc, ms, al, router := newTestEnv(t)
	openMarket(t, ms, "mkt-1")
	al.Deposit("alice", "", d(1000))

	buy(t, router, "mkt-1", "alice", model.OutcomeYes, 10, 100)
	sell(t, router, "mkt-1", "alice", model.OutcomeYes, 4)
	buy(t, router, "mkt-1", "alice", model.OutcomeNo, 7, 100)

	if err := svc.VerifyMarket(context.Background(), "mkt-1"); err != nil {
		t.Errorf("clean market failed integrity check: %v", err)
	}
}
