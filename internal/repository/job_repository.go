package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var jobColumns = []string{
	"id", "queue", "name", "payload", "state", "attempt", "max_attempts", "priority", "run_at",
	"idempotency_key", "progress", "result", "last_error", "created_at", "updated_at", "finished_at",
}

var unfinishedStates = []models.JobState{models.JobStateWaiting, models.JobStateActive}

// JobRepository is the durable queue backend. Workers in any number of processes can
// claim from it concurrently.
type JobRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ jobs.Store = (*JobRepository)(nil)

func NewJobRepository(db *pgxpool.Pool, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Name, &j.Payload, &j.State, &j.Attempt, &j.MaxAttempts, &j.Priority, &j.RunAt,
		&j.IdempotencyKey, &j.Progress, &j.Result, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts the job. When an unfinished job holds the same idempotency key the
// existing job is returned instead.
func (r *JobRepository) Enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	query := squirrel.Insert("jobs").
		Columns("id", "queue", "name", "payload", "state", "max_attempts", "priority", "run_at", "idempotency_key").
		Values(job.ID, job.Queue, job.Name, job.Payload, models.JobStateWaiting, job.MaxAttempts, job.Priority, runAt, job.IdempotencyKey).
		Suffix("ON CONFLICT (idempotency_key) WHERE state IN ('waiting', 'active') DO NOTHING RETURNING " + joinColumns(jobColumns)).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	stored, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || job.IdempotencyKey == nil {
		return nil, err
	}

	existing := squirrel.Select(jobColumns...).
		From("jobs").
		Where(squirrel.Eq{"idempotency_key": *job.IdempotencyKey, "state": unfinishedStates}).
		Limit(1).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err = existing.ToSql()
	if err != nil {
		return nil, err
	}
	return scanJob(r.db.QueryRow(ctx, sql, args...))
}

// Claim locks the next due job of the queue with SKIP LOCKED so concurrent workers
// never receive the same job.
func (r *JobRepository) Claim(ctx context.Context, queue models.QueueName, now time.Time) (*models.Job, error) {
	next := squirrel.Select("id").
		From("jobs").
		Where(squirrel.Eq{"queue": queue, "state": models.JobStateWaiting}).
		Where(squirrel.LtOrEq{"run_at": now}).
		OrderBy("priority ASC", "run_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	query := squirrel.Update("jobs").
		Set("state", models.JobStateActive).
		Set("attempt", squirrel.Expr("attempt + 1")).
		Set("updated_at", now).
		Where(squirrel.Expr("id = (?)", next)).
		Suffix("RETURNING " + joinColumns(jobColumns)).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return r.update(ctx, id, squirrel.Eq{
		"state":       models.JobStateCompleted,
		"result":      result,
		"finished_at": time.Now(),
	})
}

func (r *JobRepository) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return r.update(ctx, id, squirrel.Eq{
		"state":      models.JobStateWaiting,
		"run_at":     runAt,
		"last_error": lastErr,
	})
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, lastErr string) error {
	return r.update(ctx, id, squirrel.Eq{
		"state":       models.JobStateFailed,
		"last_error":  lastErr,
		"finished_at": time.Now(),
	})
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	return r.update(ctx, id, squirrel.Eq{"progress": progress})
}

func (r *JobRepository) Touch(ctx context.Context, id uuid.UUID) error {
	query := squirrel.Update("jobs").
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id, "state": models.JobStateActive}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

// RequeueStale hands active jobs whose worker stopped heartbeating back to the queue.
func (r *JobRepository) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	query := squirrel.Update("jobs").
		Set("state", models.JobStateWaiting).
		Set("run_at", squirrel.Expr("NOW()")).
		Set("last_error", jobs.StaleError).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"state": models.JobStateActive}).
		Where(squirrel.Lt{"updated_at": before}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := squirrel.Select(jobColumns...).
		From("jobs").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get job", fmt.Errorf("job %s: %w", id, apperr.ErrNotFound))
	}
	return job, err
}

func (r *JobRepository) update(ctx context.Context, id uuid.UUID, fields squirrel.Eq) error {
	query := squirrel.Update("jobs").
		SetMap(fields).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("update job", fmt.Errorf("job %s: %w", id, apperr.ErrNotFound))
	}
	return nil
}
