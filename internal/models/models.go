package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobStatus enumerates generation job lifecycle states persisted in Postgres.
// GENERATING is the only non-terminal state; COMPLETED and FAILED never change
// again once written.
const (
	JobStatusGenerating = "GENERATING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Transaction types recorded in the append-only ledger.
const (
	TxTypePurchase  = "PURCHASE"
	TxTypeDeduction = "DEDUCTION"
	TxTypeRefund    = "REFUND"
	TxTypeTrial     = "TRIAL"
)

// Transaction statuses. Only COMPLETED rows count toward the cached balance.
const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
	TxStatusCancelled = "CANCELLED"
)

// IsTerminal reports whether a job status admits no further transitions.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// User owns a cached credit balance reconciled against the transaction log.
type User struct {
	ID            uuid.UUID       `json:"id"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Transaction is one immutable row of the credit ledger. Amounts are signed:
// deductions are negative, purchases/refunds/trials positive.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// GenerationJob tracks one audio generation request end to end. It is created
// in the same transaction as its deduction and linked 1:1 via TransactionID.
type GenerationJob struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Name          string          `json:"name"`
	Prompt        string          `json:"prompt"`
	LengthMs      int64           `json:"length_ms"`
	ProviderID    string          `json:"provider_id"`
	Status        string          `json:"status"`
	CreditsUsed   decimal.Decimal `json:"credits_used"`
	ArtifactURL   *string         `json:"artifact_url,omitempty"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PricingTier is read-only reference data: credits charged per minute of
// requested audio for a given provider.
type PricingTier struct {
	ID               uuid.UUID       `json:"id"`
	ProviderID       string          `json:"provider_id"`
	CreditsPerMinute decimal.Decimal `json:"credits_per_minute"`
	IsDefault        bool            `json:"is_default"`
	IsActive         bool            `json:"is_active"`
}
