package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const jobColumns = `id, activity_id, activity_json, signing_actor, target_inbox, attempt_count, next_attempt_at, status, last_error, created_at, updated_at`

const (
	sqlInsertJob = `INSERT INTO delivery_jobs(` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Oldest due job whose inbox has nothing in flight. The outer status
	// check keeps the update a no-op if another connection won the row.
	sqlClaimJob = `UPDATE delivery_jobs SET status = 'in_flight', updated_at = ?
		WHERE id = (
			SELECT j.id FROM delivery_jobs j
			WHERE j.status = 'pending' AND j.next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM delivery_jobs f WHERE f.target_inbox = j.target_inbox AND f.status = 'in_flight'
			)
			ORDER BY j.seq LIMIT 1
		) AND status = 'pending'
		RETURNING ` + jobColumns

	sqlMarkDelivered   = `UPDATE delivery_jobs SET status = 'delivered', attempt_count = attempt_count + 1, last_error = '', updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlScheduleRetry   = `UPDATE delivery_jobs SET status = 'pending', attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlMarkDead        = `UPDATE delivery_jobs SET status = 'dead', attempt_count = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlRecoverInFlight = `UPDATE delivery_jobs SET status = 'pending', next_attempt_at = ?, updated_at = ? WHERE status = 'in_flight' AND updated_at < ?`
	sqlRequeueDead     = `UPDATE delivery_jobs SET status = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ? WHERE id = ? AND status = 'dead'`
	sqlSelectJob       = `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE id = ?`
	sqlSelectJobs      = `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE status = ? ORDER BY updated_at DESC, seq DESC LIMIT ?`
	sqlCountJobs       = `SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`
	sqlPurgeDelivered  = `DELETE FROM delivery_jobs WHERE status = 'delivered' AND updated_at < ?`
)

// InsertJobs stores new pending jobs in a single transaction.
func (db *DB) InsertJobs(ctx context.Context, jobs []*domain.DeliveryJob) error {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertJob)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, job := range jobs {
			_, err := stmt.ExecContext(ctx, job.Id.String(), job.ActivityID, job.ActivityJSON, job.SigningActor,
				job.TargetInbox, job.AttemptCount, ms(job.NextAttemptAt), string(job.Status), job.LastError,
				ms(job.CreatedAt), ms(job.UpdatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert %d delivery jobs: %w", len(jobs), classify(err))
	}
	return nil
}

// ClaimJob atomically moves the next due job to in_flight and returns it.
// It returns domain.ErrNotFound when nothing is due.
func (db *DB) ClaimJob(ctx context.Context, now time.Time) (*domain.DeliveryJob, error) {
	var job *domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRowContext(ctx, sqlClaimJob, ms(now), ms(now)))
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return job, nil
}

func (db *DB) MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	return db.transition(ctx, id, sqlMarkDelivered, ms(now), id.String())
}

func (db *DB) ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, now time.Time) error {
	return db.transition(ctx, id, sqlScheduleRetry, attempts, ms(next), lastErr, ms(now), id.String())
}

func (db *DB) MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastErr string, now time.Time) error {
	return db.transition(ctx, id, sqlMarkDead, attempts, lastErr, ms(now), id.String())
}

// RecoverInFlight returns jobs claimed before claimedBefore to pending so
// they are attempted again. A claim sets updated_at, so it is the claim
// time while the job is in flight. Attempt counts are left unchanged.
func (db *DB) RecoverInFlight(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlRecoverInFlight, ms(now), ms(now), ms(claimedBefore))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	if n > 0 {
		db.logger.Info("Recovered in-flight delivery jobs", zap.Int64("count", n))
	}
	return n, nil
}

// RequeueDead gives a dead job a fresh attempt budget.
func (db *DB) RequeueDead(ctx context.Context, id uuid.UUID, now time.Time) error {
	return db.transition(ctx, id, sqlRequeueDead, ms(now), ms(now), id.String())
}

func (db *DB) ReadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	job, err := scanJob(db.db.QueryRowContext(ctx, sqlSelectJob, id.String()))
	if err != nil {
		return nil, classify(err)
	}
	return job, nil
}

// ListJobs returns the most recently updated jobs with the given status.
func (db *DB) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectJobs, string(status), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (db *DB) CountJobs(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountJobs)
	if err != nil {
		return nil, classify(err)
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

// PurgeDelivered deletes delivered jobs last updated before cutoff.
func (db *DB) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPurgeDelivered, ms(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, classify(err)
}

// transition applies a guarded status change. A job that is not in the
// expected state yields domain.ErrNotFound.
func (db *DB) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	changed, err := db.execAffects(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delivery job %s: %w", id, err)
	}
	if !changed {
		return fmt.Errorf("delivery job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func scanJob(row scanner) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var id, status string
	var next, created, updated int64
	err := row.Scan(&id, &job.ActivityID, &job.ActivityJSON, &job.SigningActor, &job.TargetInbox, &job.AttemptCount,
		&next, &status, &job.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	if job.Id, err = uuid.Parse(strings.TrimSpace(id)); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.NextAttemptAt = fromMs(next)
	job.CreatedAt = fromMs(created)
	job.UpdatedAt = fromMs(updated)
	return &job, nil
}
