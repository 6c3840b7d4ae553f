// Package orchestrator accepts generation requests on the serving path:
// price, reserve credits, and create the job record in one atomic unit, then
// hand the work off to the queue. The provider call itself happens later on a
// worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"audiogen/internal/events"
	"audiogen/internal/models"
	"audiogen/internal/store"
	"audiogen/internal/telemetry"
)

// ErrJobNotFound is returned when a job does not exist or is not owned by
// the caller. The two cases are deliberately indistinguishable so job ids
// cannot be probed for existence.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidRequest is returned for submissions the boundary layer should
// have rejected (empty prompt, non-positive length).
var ErrInvalidRequest = errors.New("invalid generation request")

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// JobStore is the minimal job persistence interface for submission and
// status reads.
type JobStore interface {
	CreateJobTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
}

// Ledger prices and reserves credits.
type Ledger interface {
	CalculateCost(ctx context.Context, lengthMs int64, providerID string) (decimal.Decimal, error)
	Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string, jobID *uuid.UUID) (*models.Transaction, error)
}

// Publisher hands a committed job to the work queue. A duplicate publish for
// a known job id reports false without error.
type Publisher interface {
	Publish(ctx context.Context, jobID string) (bool, error)
}

// FailureHandler resolves a job whose handoff could not complete.
type FailureHandler interface {
	HandleFailure(ctx context.Context, jobID uuid.UUID, reason string) error
}

// SubmissionResult is returned to the caller immediately; the artifact
// arrives later via polling.
type SubmissionResult struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusProjection is the read-only view served to polling clients.
type StatusProjection struct {
	JobID       uuid.UUID `json:"job_id"`
	Status      string    `json:"status"`
	Prompt      string    `json:"prompt"`
	LengthMs    int64     `json:"length_ms"`
	ArtifactURL *string   `json:"artifact_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Service is the job orchestrator.
type Service struct {
	db       TxRunner
	jobs     JobStore
	ledger   Ledger
	queue    Publisher
	failures FailureHandler
	sink     events.Sink
	log      zerolog.Logger
}

// NewService wires the orchestrator.
func NewService(db TxRunner, jobs JobStore, ledger Ledger, queue Publisher, failures FailureHandler, sink events.Sink, log zerolog.Logger) *Service {
	return &Service{db: db, jobs: jobs, ledger: ledger, queue: queue, failures: failures, sink: sink, log: log}
}

// Submit prices the request, deducts credits, and creates the job row in one
// transaction; the deduction and the job commit or roll back together, so an
// orphaned deduction cannot exist. The queue publish happens strictly after
// commit, keyed by job id.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, prompt string, lengthMs int64, providerID, name string) (*SubmissionResult, error) {
	if prompt == "" || lengthMs <= 0 || providerID == "" {
		return nil, ErrInvalidRequest
	}

	cost, err := s.ledger.CalculateCost(ctx, lengthMs, providerID)
	if err != nil {
		return nil, err
	}

	job := &models.GenerationJob{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Prompt:      prompt,
		LengthMs:    lengthMs,
		ProviderID:  providerID,
		Status:      models.JobStatusGenerating,
		CreditsUsed: cost,
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		txn, err := s.ledger.Deduct(ctx, tx, userID, cost,
			fmt.Sprintf("generation %q (%dms)", name, lengthMs), &job.ID)
		if err != nil {
			return err
		}
		job.TransactionID = txn.ID
		return s.jobs.CreateJobTx(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	enqueued, err := s.queue.Publish(ctx, job.ID.String())
	if err != nil {
		// The deduction is committed; resolve the job as failed so the
		// credits come back instead of stranding a GENERATING row.
		if ferr := s.failures.HandleFailure(ctx, job.ID, "queue publish failed: "+err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failure handling after publish error")
		}
		return nil, fmt.Errorf("publish job: %w", err)
	}
	if !enqueued {
		s.log.Warn().Str("job_id", job.ID.String()).Msg("duplicate publish dropped")
	}

	telemetry.SubmitCounter.Inc()
	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", userID.String()).
		Str("cost", cost.String()).
		Int64("length_ms", lengthMs).
		Msg("generation submitted")
	s.sink.Emit(ctx, events.JobRequested, map[string]any{
		"job_id":  job.ID.String(),
		"user_id": userID.String(),
		"credits": cost.String(),
	})

	return &SubmissionResult{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, nil
}

// GetStatus returns the polling projection for a job the caller owns.
func (s *Service) GetStatus(ctx context.Context, jobID, userID uuid.UUID) (*StatusProjection, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return &StatusProjection{
		JobID:       job.ID,
		Status:      job.Status,
		Prompt:      job.Prompt,
		LengthMs:    job.LengthMs,
		ArtifactURL: job.ArtifactURL,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}
