// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/stakecast/market-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// guardHook is invoked whenever a numeric safety clamp fires. Wired to a
// Prometheus counter in main; clamps are logged but never surfaced as user
// errors.
var guardHook func()

// SetGuardHook registers a callback fired on every numeric guard trip.
func SetGuardHook(fn func()) { guardHook = fn }

func guardTripped(reason string) {
	slog.Warn("lmsr numeric guard triggered", "reason", reason)
	if guardHook != nil {
		guardHook()
	}
}

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// finite clamps a float to the largest finite value and maps NaN to the
// fallback, so results are always representable as decimal.
func finite(x, fallback float64) float64 {
	switch {
	case math.IsNaN(x):
		guardTripped("NaN result")
		return fallback
	case math.IsInf(x, 1) || x > math.MaxFloat64:
		guardTripped("infinite result")
		return math.MaxFloat64
	case math.IsInf(x, -1):
		guardTripped("negative infinite result")
		return -math.MaxFloat64
	}
	return x
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// Monotone non-decreasing in each quantity and symmetric in swapping
// outcome roles. Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := logSumExp([]float64{qy / bf, qn / bf})
	cost := finite(bf*lse, 0)

	return decimal.NewFromFloat(cost).Round(PriceScale)
}

// Probability computes the implied probability of the YES outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
//
// This is the softmax function. Uses max-subtraction for numerical
// stability; if both exponentials underflow to zero the probability
// defaults to 0.5 rather than producing 0/0.
func (m *MarketMaker) Probability(qYes, qNo decimal.Decimal) decimal.Decimal {
	p := m.probability(qYes.InexactFloat64(), qNo.InexactFloat64())
	return decimal.NewFromFloat(p).Round(PriceScale)
}

// ProbabilityNo returns the implied probability of the NO outcome.
// Computed as 1 - p_yes so the two probabilities sum to one exactly.
func (m *MarketMaker) ProbabilityNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Probability(qYes, qNo))
}

func (m *MarketMaker) probability(qy, qn float64) float64 {
	bf := m.b.InexactFloat64()

	yOverB := qy / bf
	nOverB := qn / bf
	maxVal := math.Max(yOverB, nOverB)

	if math.IsNaN(maxVal) || math.IsInf(maxVal, -1) {
		guardTripped("degenerate quantities")
		return 0.5
	}

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	sum := expYes + expNo

	if sum == 0 || math.IsNaN(sum) {
		guardTripped("softmax underflow")
		return 0.5
	}

	p := expYes / sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// MarginalPrice returns the per-share price of the given outcome at the
// current quantities. Equals the outcome's implied probability.
func (m *MarketMaker) MarginalPrice(qYes, qNo decimal.Decimal, outcome model.Outcome) decimal.Decimal {
	if outcome == model.OutcomeNo {
		return m.ProbabilityNo(qYes, qNo)
	}
	return m.Probability(qYes, qNo)
}

// BuyCost computes the cost to buy `shares` of `outcome`:
//
//	cost = C(q + shares·e_o) - C(q)
//
// Always >= 0 for non-negative share counts.
func (m *MarketMaker) BuyCost(qYes, qNo, shares decimal.Decimal, outcome model.Outcome) decimal.Decimal {
	before := m.Cost(qYes, qNo)

	var after decimal.Decimal
	if outcome == model.OutcomeNo {
		after = m.Cost(qYes, qNo.Add(shares))
	} else {
		after = m.Cost(qYes.Add(shares), qNo)
	}

	cost := after.Sub(before)
	if cost.IsNegative() {
		return decimal.Zero
	}
	return cost
}

// SellProceeds computes the proceeds from selling `shares` of `outcome`:
//
//	proceeds = C(q) - C(q - shares·e_o)
//
// Quantities are floored at zero before evaluating; the result is >= 0.
func (m *MarketMaker) SellProceeds(qYes, qNo, shares decimal.Decimal, outcome model.Outcome) decimal.Decimal {
	before := m.Cost(qYes, qNo)

	var after decimal.Decimal
	if outcome == model.OutcomeNo {
		after = m.Cost(qYes, floorZero(qNo.Sub(shares)))
	} else {
		after = m.Cost(floorZero(qYes.Sub(shares)), qNo)
	}

	proceeds := before.Sub(after)
	if proceeds.IsNegative() {
		return decimal.Zero
	}
	return proceeds
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	bf := m.b.InexactFloat64()
	loss := bf * math.Log(2)
	return decimal.NewFromFloat(loss).Round(PriceScale)
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
