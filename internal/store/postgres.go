package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"audiogen/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error. Every ledger mutation goes through here so it is all-or-nothing.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser inserts a user row with the given starting balance.
// Identity provisioning is external; this exists for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, id uuid.UUID, balance decimal.Decimal) (*models.User, error) {
	var u models.User
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, cached_balance, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id, cached_balance, created_at
	`, id, balance)
	if err := row.Scan(&u.ID, &u.CachedBalance, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

// GetUser fetches a user without locking.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, cached_balance, created_at FROM users WHERE id = $1
	`, id)
	if err := row.Scan(&u.ID, &u.CachedBalance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUserForUpdate locks the single user row for the duration of tx.
// The lock scope is one user, never wider, so jobs from different users
// never contend.
func (s *Store) GetUserForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	var u models.User
	row := tx.QueryRow(ctx, `
		SELECT id, cached_balance, created_at FROM users WHERE id = $1 FOR UPDATE
	`, id)
	if err := row.Scan(&u.ID, &u.CachedBalance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user for update: %w", err)
	}
	return &u, nil
}

// ApplyBalanceDelta adjusts the cached balance inside tx and returns the new value.
func (s *Store) ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	row := tx.QueryRow(ctx, `
		UPDATE users SET cached_balance = cached_balance + $2 WHERE id = $1
		RETURNING cached_balance
	`, id, delta)
	if err := row.Scan(&newBalance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("apply balance delta: %w", err)
	}
	return newBalance, nil
}

// ---------------------------------------------------------------------------
// Transactions (append-only)
// ---------------------------------------------------------------------------

// InsertTransaction appends one immutable ledger row inside tx.
func (s *Store) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, status, job_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.Status, t.JobID, t.Description)
	if err := row.Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SumCompletedTransactions returns the signed sum over a user's COMPLETED
// rows. Used by reconciliation checks against the cached balance.
func (s *Store) SumCompletedTransactions(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1 AND status = $2
	`, userID, models.TxStatusCompleted)
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

// ---------------------------------------------------------------------------
// Generation jobs
// ---------------------------------------------------------------------------

// CreateJobTx inserts a job row inside tx so it commits (or rolls back)
// together with its deduction transaction.
func (s *Store) CreateJobTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	row := tx.QueryRow(ctx, `
		INSERT INTO generation_jobs
			(id, user_id, name, prompt, length_ms, provider_id, status, credits_used, transaction_id, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.Name, j.Prompt, j.LengthMs, j.ProviderID, j.Status, j.CreditsUsed, j.TransactionID)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, id))
}

// GetJobForUpdate locks the job row inside tx. The refund handler uses this
// so concurrent failure signals serialize on the row.
func (s *Store) GetJobForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(tx.QueryRow(ctx, jobSelect+` WHERE id = $1 FOR UPDATE`, id))
}

const jobSelect = `
	SELECT id, user_id, name, prompt, length_ms, provider_id, status, credits_used,
	       artifact_url, transaction_id, attempts, last_error, created_at, updated_at
	FROM generation_jobs`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var artifactURL, lastErr pgtype.Text
	err := row.Scan(&j.ID, &j.UserID, &j.Name, &j.Prompt, &j.LengthMs, &j.ProviderID, &j.Status, &j.CreditsUsed,
		&artifactURL, &j.TransactionID, &j.Attempts, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ArtifactURL = textPtr(artifactURL)
	j.LastError = textPtr(lastErr)
	return &j, nil
}

// MarkJobCompleted transitions GENERATING -> COMPLETED and records the
// artifact URL. The status guard makes the transition happen at most once;
// it reports false when the job was already terminal.
func (s *Store) MarkJobCompleted(ctx context.Context, id uuid.UUID, artifactURL string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, artifact_url = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.JobStatusCompleted, artifactURL, models.JobStatusGenerating)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobFailedTx transitions to FAILED inside tx and zeroes credits_used.
// Runs in the same transaction as the refund so the pair is atomic.
func (s *Store) MarkJobFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, credits_used = 0, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobStatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// UpdateJobAttempts records a failed attempt; the job stays GENERATING.
func (s *Store) UpdateJobAttempts(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("update job attempts: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pricing tiers
// ---------------------------------------------------------------------------

// GetActiveDefaultTier returns the active default pricing tier for a provider.
func (s *Store) GetActiveDefaultTier(ctx context.Context, providerID string) (*models.PricingTier, error) {
	var t models.PricingTier
	row := s.pool.QueryRow(ctx, `
		SELECT id, provider_id, credits_per_minute, is_default, is_active
		FROM pricing_tiers
		WHERE provider_id = $1 AND is_default AND is_active
	`, providerID)
	if err := row.Scan(&t.ID, &t.ProviderID, &t.CreditsPerMinute, &t.IsDefault, &t.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan pricing tier: %w", err)
	}
	return &t, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
