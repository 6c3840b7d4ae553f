// Package refund resolves jobs that exhausted their retry budget: one
// transaction reverses the reservation and marks the job FAILED, so the user
// is never left charged without an artifact.
package refund

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"audiogen/internal/events"
	"audiogen/internal/models"
	"audiogen/internal/telemetry"
)

// TxRunner runs a function inside a database transaction. *store.Store
// implements it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// JobStore is the minimal job persistence interface for failure handling.
type JobStore interface {
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error)
	MarkJobFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
}

// Ledger is the refund side of the credit ledger.
type Ledger interface {
	Refund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string, jobID *uuid.UUID) (*models.Transaction, error)
}

// Handler idempotently fails a job and restores its credits.
type Handler struct {
	db     TxRunner
	jobs   JobStore
	ledger Ledger
	sink   events.Sink
	log    zerolog.Logger
}

// NewHandler returns a failure handler.
func NewHandler(db TxRunner, jobs JobStore, ledger Ledger, sink events.Sink, log zerolog.Logger) *Handler {
	return &Handler{db: db, jobs: jobs, ledger: ledger, sink: sink, log: log}
}

// HandleFailure refunds a job's credits and marks it FAILED in one atomic
// transaction. Redelivered or duplicate failure signals are no-ops: the job
// row is locked, and a job already in a terminal state is left untouched, so
// the balance changes at most once per job.
func (h *Handler) HandleFailure(ctx context.Context, jobID uuid.UUID, reason string) error {
	var failed *models.GenerationJob

	err := h.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := h.jobs.GetJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if models.IsTerminal(job.Status) {
			h.log.Debug().
				Str("job_id", jobID.String()).
				Str("status", job.Status).
				Msg("failure signal for terminal job, skipping")
			return nil
		}
		if job.CreditsUsed.IsPositive() {
			if _, err := h.ledger.Refund(ctx, tx, job.UserID, job.CreditsUsed, "refund: "+reason, &job.ID); err != nil {
				return err
			}
		}
		if err := h.jobs.MarkJobFailedTx(ctx, tx, job.ID, reason); err != nil {
			return err
		}
		failed = job
		return nil
	})
	if err != nil {
		return err
	}
	if failed == nil {
		return nil
	}

	telemetry.RefundCounter.Inc()
	h.log.Warn().
		Str("job_id", failed.ID.String()).
		Str("user_id", failed.UserID.String()).
		Str("credits_refunded", failed.CreditsUsed.String()).
		Str("reason", reason).
		Msg("job failed, credits refunded")
	h.sink.Emit(ctx, events.JobFailed, map[string]any{
		"job_id":           failed.ID.String(),
		"user_id":          failed.UserID.String(),
		"credits_refunded": failed.CreditsUsed.String(),
		"reason":           reason,
	})
	return nil
}
