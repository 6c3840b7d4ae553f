package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"audiogen/internal/config"
	"audiogen/internal/models"
	"audiogen/internal/provider"
	"audiogen/internal/telemetry"
)

// Queue is the delivery surface the processor consumes. *queue.RedisQueue
// implements it.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
}

// JobStore is the job persistence surface the processor needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	UpdateJobAttempts(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
}

// FailureHandler resolves a job whose retry budget is spent.
type FailureHandler interface {
	HandleFailure(ctx context.Context, jobID uuid.UUID, reason string) error
}

// Handler executes one leased job.
type Handler func(ctx context.Context, job *models.GenerationJob) error

// Processor drives the worker execution loop. Many instances run
// concurrently against the same queue; correctness rests on job-id keyed
// idempotency downstream, not on exclusive consumption.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobStore
	failures FailureHandler
	handler  Handler
	log      zerolog.Logger
}

// NewProcessor creates a processor for one worker instance.
func NewProcessor(cfg config.Config, q Queue, st JobStore, failures FailureHandler, handler Handler, log zerolog.Logger) *Processor {
	return &Processor{cfg: cfg, queue: q, store: st, failures: failures, handler: handler, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		rawID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || rawID == "" {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.processOne(ctx, rawID)
	}
}

func (p *Processor) processOne(ctx context.Context, rawID string) {
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		p.log.Error().Str("raw_id", rawID).Msg("discarding malformed job id")
		_ = p.queue.Ack(ctx, rawID)
		return
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", rawID).Msg("job lookup failed, acking")
		_ = p.queue.Ack(ctx, rawID)
		return
	}
	// Terminal guard: redelivery of an already-resolved job is a no-op.
	if models.IsTerminal(job.Status) {
		_ = p.queue.Ack(ctx, rawID)
		return
	}

	// The provider call can outlast the default lease.
	if p.cfg.ProviderTimeout > p.cfg.VisibilityTimeout/2 {
		_ = p.queue.ExtendLease(ctx, rawID, p.cfg.ProviderTimeout+time.Minute)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = p.handler(ctx, job)
	if err == nil {
		_ = p.queue.Ack(ctx, rawID)
		telemetry.WorkerSuccess.Inc()
		return
	}

	attempts := job.Attempts + 1
	_ = p.store.UpdateJobAttempts(ctx, jobID, attempts, err.Error())

	if !provider.IsTransient(err) || attempts > p.cfg.MaxRetries {
		if ferr := p.failures.HandleFailure(ctx, jobID, err.Error()); ferr != nil {
			// Leave the lease to expire; redelivery retries the refund,
			// which is idempotent.
			p.log.Error().Err(ferr).Str("job_id", rawID).Msg("failure handling error, leaving lease for redelivery")
			return
		}
		_ = p.queue.Ack(ctx, rawID)
		telemetry.WorkerFailures.Inc()
		return
	}

	// Transient failure inside the retry budget: the job stays GENERATING
	// and no ledger change happens until the final attempt.
	// Schedule before ack: a crash between the two calls then costs a
	// duplicate delivery, never a lost job.
	next := time.Now().Add(backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts))
	if err := p.queue.Schedule(ctx, rawID, next); err != nil {
		// Leave the lease; expiry redelivers the attempt.
		p.log.Error().Err(err).Str("job_id", rawID).Msg("retry scheduling error, leaving lease for redelivery")
		return
	}
	_ = p.queue.Ack(ctx, rawID)
	telemetry.WorkerRetries.Inc()
	p.log.Info().
		Str("job_id", rawID).
		Int("attempts", attempts).
		Time("next_run", next).
		Msg("transient failure, retry scheduled")
}

// backoff doubles the base delay per attempt: 30s, 60s, ... capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	wait := base << uint(attempt-1)
	if wait > max || wait < base {
		wait = max
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
