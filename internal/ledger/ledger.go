// Package ledger tracks user credit balances against an append-only
// transaction log. Every mutation inserts exactly one immutable transaction
// row in lockstep with the cached balance update, inside a short transaction
// holding a lock on that single user row. The invariant it maintains:
// cached_balance == SUM(amount) over the user's COMPLETED transactions, at
// every observable instant.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"audiogen/internal/models"
	"audiogen/internal/store"
)

// msPerMinute is the pricing length unit: tiers charge credits per minute.
var msPerMinute = decimal.NewFromInt(60_000)

// AccountStore is the minimal user/transaction persistence interface the
// ledger needs. *store.Store implements it.
type AccountStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// PricingStore resolves pricing tiers. *store.Store implements it.
type PricingStore interface {
	GetActiveDefaultTier(ctx context.Context, providerID string) (*models.PricingTier, error)
}

// Service performs atomic deduct/refund against the credit ledger.
type Service struct {
	accounts AccountStore
	pricing  PricingStore
	log      zerolog.Logger
}

// NewService returns a ledger service backed by the given stores.
func NewService(accounts AccountStore, pricing PricingStore, log zerolog.Logger) *Service {
	return &Service{accounts: accounts, pricing: pricing, log: log}
}

// CheckBalance returns the user's cached balance.
func (s *Service) CheckBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	u, err := s.accounts.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return u.CachedBalance, nil
}

// CalculateCost prices a request against the provider's active default tier:
// ceil(lengthMs / 60000 * creditsPerMinute). Rounding is always up so the
// platform never under-recovers provider cost.
func (s *Service) CalculateCost(ctx context.Context, lengthMs int64, providerID string) (decimal.Decimal, error) {
	tier, err := s.pricing.GetActiveDefaultTier(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, ErrPricingUnavailable
		}
		return decimal.Zero, err
	}
	cost := decimal.NewFromInt(lengthMs).Mul(tier.CreditsPerMinute).Div(msPerMinute).Ceil()
	return cost, nil
}

// Deduct removes amount from the user's balance inside the caller's
// transaction. It locks the user row, verifies balance >= amount, appends a
// DEDUCTION transaction (negative amount) and decrements the cached balance.
// amount must be positive.
func (s *Service) Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string, jobID *uuid.UUID) (*models.Transaction, error) {
	u, err := s.accounts.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if u.CachedBalance.LessThan(amount) {
		return nil, &InsufficientCreditsError{
			Required:  amount,
			Available: u.CachedBalance,
			Shortfall: amount.Sub(u.CachedBalance),
		}
	}

	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TxTypeDeduction,
		Amount:      amount.Neg(),
		Status:      models.TxStatusCompleted,
		JobID:       jobID,
		Description: description,
	}
	if err := s.accounts.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	newBalance, err := s.accounts.ApplyBalanceDelta(ctx, tx, userID, t.Amount)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Str("balance", newBalance.String()).
		Msg("credits deducted")
	return t, nil
}

// Refund returns amount to the user's balance inside the caller's
// transaction. No balance precondition; it always succeeds for an existing
// user.
func (s *Service) Refund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string, jobID *uuid.UUID) (*models.Transaction, error) {
	return s.credit(ctx, tx, userID, amount, models.TxTypeRefund, description, jobID)
}

// Purchase records externally funded credits. The payment-webhook boundary
// calls this with the same atomic increment contract as Refund.
func (s *Service) Purchase(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error) {
	return s.credit(ctx, tx, userID, amount, models.TxTypePurchase, description, nil)
}

// GrantTrial credits promotional trial balance.
func (s *Service) GrantTrial(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error) {
	return s.credit(ctx, tx, userID, amount, models.TxTypeTrial, description, nil)
}

func (s *Service) credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, txType, description string, jobID *uuid.UUID) (*models.Transaction, error) {
	if _, err := s.accounts.GetUserForUpdate(ctx, tx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Status:      models.TxStatusCompleted,
		JobID:       jobID,
		Description: description,
	}
	if err := s.accounts.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	newBalance, err := s.accounts.ApplyBalanceDelta(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Str("type", txType).
		Str("amount", amount.String()).
		Str("balance", newBalance.String()).
		Msg("credits added")
	return t, nil
}
