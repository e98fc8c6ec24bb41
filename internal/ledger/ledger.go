// Package ledger defines the account-ledger contract the trade engine
// settles against. The engine treats (userID, identityMode) as an opaque
// tuple key; identity validation happens upstream.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account's
	// available balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAmount is returned for non-positive transfer amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// AccountLedger holds spendable balances and debits/credits them. Both
// calls are made inside the store's atomic trade commit; a failed debit
// aborts the whole trade with no side effects.
type AccountLedger interface {
	// Debit removes amount from the account's available balance.
	// Returns ErrInsufficientFunds if the balance cannot cover it.
	Debit(ctx context.Context, userID, identityMode string, amount decimal.Decimal) error

	// Credit adds amount to the account's available balance.
	Credit(ctx context.Context, userID, identityMode string, amount decimal.Decimal) error
}

// MemoryLedger implements AccountLedger with in-memory balances keyed by
// (userID, identityMode). Used for development and testing; production
// deployments settle against the platform's account service.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]decimal.Decimal)}
}

// Deposit seeds an account balance. Test/development helper.
func (l *MemoryLedger) Deposit(userID, identityMode string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := accountKey(userID, identityMode)
	l.balances[key] = l.balances[key].Add(amount)
}

// Balance returns the current available balance for an account.
func (l *MemoryLedger) Balance(userID, identityMode string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey(userID, identityMode)]
}

func (l *MemoryLedger) Debit(_ context.Context, userID, identityMode string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := accountKey(userID, identityMode)
	balance := l.balances[key]
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	l.balances[key] = balance.Sub(amount)
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, userID, identityMode string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := accountKey(userID, identityMode)
	l.balances[key] = l.balances[key].Add(amount)
	return nil
}

func accountKey(userID, identityMode string) string {
	return fmt.Sprintf("%s:%s", userID, identityMode)
}
