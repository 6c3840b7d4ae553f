package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiogen/internal/ledger"
	"audiogen/internal/models"
	"audiogen/internal/store"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeJobStore struct {
	jobs      map[uuid.UUID]*models.GenerationJob
	createErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*models.GenerationJob)}
}

func (f *fakeJobStore) CreateJobTx(_ context.Context, _ pgx.Tx, j *models.GenerationJob) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

type fakeLedger struct {
	cost      decimal.Decimal
	costErr   error
	deductErr error
	deducted  []decimal.Decimal
}

func (f *fakeLedger) CalculateCost(_ context.Context, _ int64, _ string) (decimal.Decimal, error) {
	return f.cost, f.costErr
}

func (f *fakeLedger) Deduct(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount decimal.Decimal, _ string, jobID *uuid.UUID) (*models.Transaction, error) {
	if f.deductErr != nil {
		return nil, f.deductErr
	}
	f.deducted = append(f.deducted, amount)
	return &models.Transaction{
		ID:     uuid.New(),
		UserID: userID,
		Type:   models.TxTypeDeduction,
		Amount: amount.Neg(),
		Status: models.TxStatusCompleted,
		JobID:  jobID,
	}, nil
}

type fakePublisher struct {
	published  []string
	publishErr error
	duplicate  bool
}

func (f *fakePublisher) Publish(_ context.Context, jobID string) (bool, error) {
	if f.publishErr != nil {
		return false, f.publishErr
	}
	if f.duplicate {
		return false, nil
	}
	f.published = append(f.published, jobID)
	return true, nil
}

type fakeFailures struct {
	calls []uuid.UUID
}

func (f *fakeFailures) HandleFailure(_ context.Context, jobID uuid.UUID, _ string) error {
	f.calls = append(f.calls, jobID)
	return nil
}

type fakeSink struct {
	events []string
}

func (f *fakeSink) Emit(_ context.Context, event string, _ map[string]any) {
	f.events = append(f.events, event)
}

type fixture struct {
	svc      *Service
	jobs     *fakeJobStore
	ledger   *fakeLedger
	queue    *fakePublisher
	failures *fakeFailures
	sink     *fakeSink
}

func newFixture(cost int64) *fixture {
	f := &fixture{
		jobs:     newFakeJobStore(),
		ledger:   &fakeLedger{cost: decimal.NewFromInt(cost)},
		queue:    &fakePublisher{},
		failures: &fakeFailures{},
		sink:     &fakeSink{},
	}
	f.svc = NewService(fakeTxRunner{}, f.jobs, f.ledger, f.queue, f.failures, f.sink, zerolog.Nop())
	return f
}

func TestSubmit(t *testing.T) {
	f := newFixture(3)
	userID := uuid.New()

	result, err := f.svc.Submit(context.Background(), userID, "lofi rain", 150000, "suno", "rainy day")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusGenerating, result.Status)

	job := f.jobs.jobs[result.JobID]
	require.NotNil(t, job)
	assert.Equal(t, userID, job.UserID)
	assert.True(t, job.CreditsUsed.Equal(decimal.NewFromInt(3)))
	assert.NotEqual(t, uuid.Nil, job.TransactionID)

	require.Len(t, f.ledger.deducted, 1)
	assert.True(t, f.ledger.deducted[0].Equal(decimal.NewFromInt(3)))
	assert.Equal(t, []string{result.JobID.String()}, f.queue.published)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(1)
	userID := uuid.New()

	_, err := f.svc.Submit(context.Background(), userID, "", 60000, "suno", "x")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.Submit(context.Background(), userID, "prompt", 0, "suno", "x")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.Submit(context.Background(), userID, "prompt", 60000, "", "x")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, f.jobs.jobs)
	assert.Empty(t, f.queue.published)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newFixture(3)
	f.ledger.deductErr = &ledger.InsufficientCreditsError{
		Required:  decimal.NewFromInt(3),
		Available: decimal.NewFromInt(2),
		Shortfall: decimal.NewFromInt(1),
	}

	_, err := f.svc.Submit(context.Background(), uuid.New(), "lofi rain", 150000, "suno", "")

	var insufficient *ledger.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	// No job row and no queue entry may survive a rejected deduction.
	assert.Empty(t, f.jobs.jobs)
	assert.Empty(t, f.queue.published)
	assert.Empty(t, f.failures.calls)
}

func TestSubmitJobCreateFailureRollsBack(t *testing.T) {
	f := newFixture(3)
	f.jobs.createErr = errors.New("insert failed")

	_, err := f.svc.Submit(context.Background(), uuid.New(), "lofi rain", 150000, "suno", "")
	require.Error(t, err)
	assert.Empty(t, f.queue.published)
}

func TestSubmitPublishErrorTriggersFailureHandling(t *testing.T) {
	f := newFixture(3)
	f.queue.publishErr = errors.New("redis down")

	_, err := f.svc.Submit(context.Background(), uuid.New(), "lofi rain", 150000, "suno", "")
	require.Error(t, err)

	// The deduction committed, so the job must be routed to the refund path
	// rather than stranded in GENERATING.
	require.Len(t, f.failures.calls, 1)
	require.Len(t, f.jobs.jobs, 1)
	for id := range f.jobs.jobs {
		assert.Equal(t, id, f.failures.calls[0])
	}
}

func TestSubmitDuplicatePublishIsNoop(t *testing.T) {
	f := newFixture(3)
	f.queue.duplicate = true

	result, err := f.svc.Submit(context.Background(), uuid.New(), "lofi rain", 150000, "suno", "")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.JobID)
	assert.Empty(t, f.failures.calls)
}

func TestGetStatusMasksOwnership(t *testing.T) {
	f := newFixture(3)
	owner := uuid.New()
	stranger := uuid.New()

	result, err := f.svc.Submit(context.Background(), owner, "lofi rain", 150000, "suno", "")
	require.NoError(t, err)

	projection, err := f.svc.GetStatus(context.Background(), result.JobID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusGenerating, projection.Status)
	assert.Nil(t, projection.ArtifactURL)

	// Missing job and someone else's job must be indistinguishable.
	_, missingErr := f.svc.GetStatus(context.Background(), uuid.New(), owner)
	_, strangerErr := f.svc.GetStatus(context.Background(), result.JobID, stranger)
	assert.ErrorIs(t, missingErr, ErrJobNotFound)
	assert.ErrorIs(t, strangerErr, ErrJobNotFound)
	assert.Equal(t, missingErr, strangerErr)
}
