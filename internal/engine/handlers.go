package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakecast/market-engine/internal/ledger"
	"github.com/stakecast/market-engine/internal/model"
	"github.com/stakecast/market-engine/internal/store"
)

// --- Request types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	CreatorID          string          `json:"creator_id"`
	Question           string          `json:"question"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	LiquidityParameter decimal.Decimal `json:"liquidity_parameter"` // 0 → default
	ClosesAt           time.Time       `json:"closes_at"`
}

// BuyRequest is the JSON body for POST /markets/{marketID}/buy.
type BuyRequest struct {
	UserID       string          `json:"user_id"`
	IdentityMode string          `json:"identity_mode"`
	Outcome      model.Outcome   `json:"outcome"`
	Shares       decimal.Decimal `json:"shares"`
	MaxCost      decimal.Decimal `json:"max_cost"`
}

// SellRequest is the JSON body for POST /markets/{marketID}/sell.
type SellRequest struct {
	UserID       string          `json:"user_id"`
	IdentityMode string          `json:"identity_mode"`
	Outcome      model.Outcome   `json:"outcome"`
	Shares       decimal.Decimal `json:"shares"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
	Source  string        `json:"source"`
}

// --- HTTP handlers ---

// HandleCreateMarket handles POST /api/v1/markets.
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.CreateMarket(r.Context(), req.CreatorID, req.Question,
		req.Description, req.Category, req.LiquidityParameter, req.ClosesAt)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// HandleListMarkets handles GET /api/v1/markets with optional
// status/category/creator_id/limit/offset filters.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MarketFilter{
		Status:    model.Status(q.Get("status")),
		Category:  q.Get("category"),
		CreatorID: q.Get("creator_id"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	}

	markets, err := s.store.ListMarkets(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleQuote handles GET /api/v1/markets/{marketID}/quote
// with query params side=buy|sell, outcome=YES|NO, shares=<decimal>.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	q := r.URL.Query()

	shares, err := decimal.NewFromString(q.Get("shares"))
	if err != nil {
		writeError(w, "shares must be a decimal string", http.StatusBadRequest)
		return
	}
	outcome := model.Outcome(q.Get("outcome"))

	var quote *Quote
	switch q.Get("side") {
	case "buy", "":
		quote, err = s.QuoteBuy(r.Context(), marketID, outcome, shares)
	case "sell":
		quote, err = s.QuoteSell(r.Context(), marketID, outcome, shares)
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// HandleBuy handles POST /api/v1/markets/{marketID}/buy.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.ExecuteBuy(r.Context(), chi.URLParam(r, "marketID"),
		req.UserID, req.IdentityMode, req.Outcome, req.Shares, req.MaxCost)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// HandleSell handles POST /api/v1/markets/{marketID}/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.ExecuteSell(r.Context(), chi.URLParam(r, "marketID"),
		req.UserID, req.IdentityMode, req.Outcome, req.Shares)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// HandleTradeHistory handles GET /api/v1/markets/{marketID}/trades.
// Returns trades newest first.
func (s *Service) HandleTradeHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trades, err := s.store.ListTrades(r.Context(), chi.URLParam(r, "marketID"),
		intParam(q.Get("limit")), intParam(q.Get("offset")))
	if err != nil {
		writeError(w, "failed to get trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// HandleResolve handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.Resolve(r.Context(), chi.URLParam(r, "marketID"), req.Outcome, req.Source)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// HandleCancel handles POST /api/v1/markets/{marketID}/cancel.
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	market, err := s.Cancel(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// HandlePositions handles GET /api/v1/positions/{traderID}.
func (s *Service) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByTrader(r.Context(), chi.URLParam(r, "traderID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- helpers ---

// writeEngineError maps the failure taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrMarketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, store.ErrMarketExists):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrMarketHalted), errors.Is(err, ErrIntegrity):
		status = http.StatusLocked
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
