package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgJobColumns = `id, activity_id, activity_json, signing_actor, target_inbox, attempt_count, next_attempt_at, status, last_error, created_at, updated_at`

const (
	pgCreateDeliveryJobs = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		seq BIGSERIAL PRIMARY KEY,
		id UUID UNIQUE NOT NULL,
		activity_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		signing_actor TEXT NOT NULL,
		target_inbox TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_jobs_claim ON delivery_jobs(status, next_attempt_at, seq);
	CREATE INDEX IF NOT EXISTS idx_delivery_jobs_inbox ON delivery_jobs(target_inbox, status)`

	pgInsertJob = `INSERT INTO delivery_jobs(` + pgJobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	pgClaimJob = `UPDATE delivery_jobs SET status = 'in_flight', updated_at = $1
		WHERE id = (
			SELECT j.id FROM delivery_jobs j
			WHERE j.status = 'pending' AND j.next_attempt_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM delivery_jobs f WHERE f.target_inbox = j.target_inbox AND f.status = 'in_flight'
			)
			ORDER BY j.seq LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgJobColumns

	pgMarkDelivered   = `UPDATE delivery_jobs SET status = 'delivered', attempt_count = attempt_count + 1, last_error = '', updated_at = $1 WHERE id = $2 AND status = 'in_flight'`
	pgScheduleRetry   = `UPDATE delivery_jobs SET status = 'pending', attempt_count = $1, next_attempt_at = $2, last_error = $3, updated_at = $4 WHERE id = $5 AND status = 'in_flight'`
	pgMarkDead        = `UPDATE delivery_jobs SET status = 'dead', attempt_count = $1, last_error = $2, updated_at = $3 WHERE id = $4 AND status = 'in_flight'`
	pgRecoverInFlight = `UPDATE delivery_jobs SET status = 'pending', next_attempt_at = $1, updated_at = $1 WHERE status = 'in_flight' AND updated_at < $2`
	pgRequeueDead     = `UPDATE delivery_jobs SET status = 'pending', attempt_count = 0, next_attempt_at = $1, updated_at = $1 WHERE id = $2 AND status = 'dead'`
	pgSelectJob       = `SELECT ` + pgJobColumns + ` FROM delivery_jobs WHERE id = $1`
	pgSelectJobs      = `SELECT ` + pgJobColumns + ` FROM delivery_jobs WHERE status = $1 ORDER BY updated_at DESC, seq DESC LIMIT $2`
	pgCountJobs       = `SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`
	pgPurgeDelivered  = `DELETE FROM delivery_jobs WHERE status = 'delivered' AND updated_at < $1`
)

// PGJobStore keeps delivery jobs in Postgres so several fedcore processes
// can share one queue. Claims use FOR UPDATE SKIP LOCKED. A claim is
// recovered only once it is older than the caller's lease, so a starting
// process leaves the live claims of its peers alone.
type PGJobStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPG connects to Postgres and creates the job table if needed.
func OpenPG(ctx context.Context, url string, logger *zap.Logger) (*PGJobStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgCreateDeliveryJobs); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	logger.Info("Postgres job store ready", zap.String("host", cfg.ConnConfig.Host))
	return &PGJobStore{pool: pool, logger: logger}, nil
}

func (s *PGJobStore) Close() {
	s.pool.Close()
}

func (s *PGJobStore) InsertJobs(ctx context.Context, jobs []*domain.DeliveryJob) error {
	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(pgInsertJob, job.Id, job.ActivityID, job.ActivityJSON, job.SigningActor, job.TargetInbox,
			job.AttemptCount, job.NextAttemptAt, string(job.Status), job.LastError, job.CreatedAt, job.UpdatedAt)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to insert %d delivery jobs: %w", len(jobs), pgClassify(err))
	}
	return nil
}

func (s *PGJobStore) ClaimJob(ctx context.Context, now time.Time) (*domain.DeliveryJob, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx, pgClaimJob, now))
	if err != nil {
		return nil, pgClassify(err)
	}
	return job, nil
}

func (s *PGJobStore) MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.transition(ctx, id, pgMarkDelivered, now, id)
}

func (s *PGJobStore) ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, now time.Time) error {
	return s.transition(ctx, id, pgScheduleRetry, attempts, next, lastErr, now, id)
}

func (s *PGJobStore) MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastErr string, now time.Time) error {
	return s.transition(ctx, id, pgMarkDead, attempts, lastErr, now, id)
}

func (s *PGJobStore) RecoverInFlight(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgRecoverInFlight, now, claimedBefore)
	if err != nil {
		return 0, pgClassify(err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("Recovered in-flight delivery jobs", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

func (s *PGJobStore) RequeueDead(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.transition(ctx, id, pgRequeueDead, now, id)
}

func (s *PGJobStore) ReadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx, pgSelectJob, id))
	if err != nil {
		return nil, pgClassify(err)
	}
	return job, nil
}

func (s *PGJobStore) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error) {
	rows, err := s.pool.Query(ctx, pgSelectJobs, string(status), limit)
	if err != nil {
		return nil, pgClassify(err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PGJobStore) CountJobs(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, pgCountJobs)
	if err != nil {
		return nil, pgClassify(err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PGJobStore) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgPurgeDelivered, cutoff)
	if err != nil {
		return 0, pgClassify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGJobStore) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delivery job %s: %w", id, pgClassify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// pgClassify treats everything but server-reported errors as a transient
// connection problem.
func pgClassify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return unavailable(err)
}

func scanPGJob(row pgx.Row) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var status string
	err := row.Scan(&job.Id, &job.ActivityID, &job.ActivityJSON, &job.SigningActor, &job.TargetInbox, &job.AttemptCount,
		&job.NextAttemptAt, &status, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}
