package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	housekeepingInterval = 30 * time.Second
	deliveredRetention   = 7 * 24 * time.Hour
	maxErrorBody         = 256
)

// JobStore is the durable table of delivery jobs. ClaimJob must hand each
// due job to exactly one caller and must skip inboxes that already have a
// job in flight.
type JobStore interface {
	InsertJobs(ctx context.Context, jobs []*domain.DeliveryJob) error
	ClaimJob(ctx context.Context, now time.Time) (*domain.DeliveryJob, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, now time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastErr string, now time.Time) error
	// RecoverInFlight returns jobs claimed before claimedBefore to pending.
	RecoverInFlight(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	RequeueDead(ctx context.Context, id uuid.UUID, now time.Time) error
	ReadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error)
	ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error)
	CountJobs(ctx context.Context) (map[domain.JobStatus]int64, error)
	PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// LocalIdentityStore gives access to the keys of local actors.
type LocalIdentityStore interface {
	SigningKey(ctx context.Context, actorID string) (*rsa.PrivateKey, string, error)
	PublicKeyPem(ctx context.Context, actorID string) (string, error)
	LocalAccount(ctx context.Context, actorID string) (*domain.Account, error)
}

type DeliveryConfig struct {
	Workers      int
	MaxAttempts  int
	Timeout      time.Duration
	PollInterval time.Duration
	Backoff      Backoff
	// Lease is how long a claim is honoured before the job is treated as
	// abandoned and handed to another worker. It is at least twice Timeout.
	Lease time.Duration
	// Exclusive means no other process delivers from the same store, so
	// every in-flight job found at startup is orphaned.
	Exclusive bool
}

// DeliveryQueue persists outbound deliveries and runs the workers that
// perform them.
type DeliveryQueue struct {
	store      JobStore
	identities LocalIdentityStore
	transport  Transport
	events     EventEmitter
	cfg        DeliveryConfig
	now        func() time.Time
	wake       chan struct{}
	logger     *zap.Logger
	metrics    *Metrics
}

func NewDeliveryQueue(store JobStore, identities LocalIdentityStore, transport Transport, events EventEmitter,
	cfg DeliveryConfig, logger *zap.Logger, metrics *Metrics) *DeliveryQueue {
	if events == nil {
		events = nopEmitter{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Lease < 2*cfg.Timeout {
		cfg.Lease = 2*cfg.Timeout + housekeepingInterval
	}
	return &DeliveryQueue{
		store:      store,
		identities: identities,
		transport:  transport,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		logger:     logger,
		metrics:    metrics,
	}
}

// Enqueue creates one pending job per distinct delivery URL. Recipients on
// a server with a shared inbox are delivered there once.
func (q *DeliveryQueue) Enqueue(ctx context.Context, activityJSON []byte, activityID, signingActor string, inboxes []domain.Inbox) ([]uuid.UUID, error) {
	now := q.now().UTC()
	seen := make(map[string]struct{}, len(inboxes))
	jobs := make([]*domain.DeliveryJob, 0, len(inboxes))
	for _, inbox := range inboxes {
		target := inbox.DeliveryURL()
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		jobs = append(jobs, &domain.DeliveryJob{
			Id:            uuid.New(),
			ActivityID:    activityID,
			ActivityJSON:  string(activityJSON),
			SigningActor:  signingActor,
			TargetInbox:   target,
			NextAttemptAt: now,
			Status:        domain.JobPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	if err := q.store.InsertJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", activityID, err)
	}
	q.logger.Debug("Enqueued delivery",
		zap.String("activity", activityID),
		zap.Int("recipients", len(inboxes)),
		zap.Int("jobs", len(jobs)))
	q.notify()

	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.Id
	}
	return ids, nil
}

func (q *DeliveryQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run returns orphaned in-flight jobs to pending and then delivers until
// ctx is cancelled. Without Exclusive only claims older than the lease are
// recovered, since other processes may still be working on the rest.
func (q *DeliveryQueue) Run(ctx context.Context) error {
	now := q.now().UTC()
	claimedBefore := now
	if !q.cfg.Exclusive {
		claimedBefore = now.Add(-q.cfg.Lease)
	}
	if _, err := q.store.RecoverInFlight(ctx, claimedBefore, now); err != nil {
		return fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	q.logger.Info("Starting delivery workers", zap.Int("workers", q.cfg.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			q.work(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		q.housekeeping(ctx)
		return nil
	})
	return g.Wait()
}

func (q *DeliveryQueue) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		if q.RunOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
	q.logger.Debug("Delivery worker stopped", zap.Int("worker", worker))
}

// RunOnce claims and attempts a single due job. It reports whether a job
// was processed.
func (q *DeliveryQueue) RunOnce(ctx context.Context) bool {
	job, err := q.store.ClaimJob(ctx, q.now().UTC())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			q.logger.Warn("Failed to claim delivery job", zap.Error(err))
		}
		return false
	}
	q.process(ctx, job)
	return true
}

func (q *DeliveryQueue) process(ctx context.Context, job *domain.DeliveryJob) {
	start := time.Now()
	err := q.attempt(ctx, job)
	elapsed := time.Since(start).Seconds()

	// Shutdown interrupted the attempt. The job stays in flight and is
	// recovered without using up an attempt.
	if err != nil && ctx.Err() != nil {
		return
	}

	storeCtx := context.WithoutCancel(ctx)
	now := q.now().UTC()
	if err == nil {
		q.metrics.observeDelivery("delivered", elapsed)
		if serr := q.store.MarkDelivered(storeCtx, job.Id, now); serr != nil {
			q.logger.Error("Failed to mark job delivered", zap.String("job", job.Id.String()), zap.Error(serr))
		}
		q.logger.Debug("Delivered activity",
			zap.String("activity", job.ActivityID),
			zap.String("inbox", job.TargetInbox))
		return
	}

	attempts := job.AttemptCount + 1
	if attempts >= q.cfg.MaxAttempts {
		q.metrics.observeDelivery("dead", elapsed)
		if serr := q.store.MarkDead(storeCtx, job.Id, attempts, err.Error(), now); serr != nil {
			q.logger.Error("Failed to mark job dead", zap.String("job", job.Id.String()), zap.Error(serr))
			return
		}
		q.logger.Warn("Giving up on delivery",
			zap.String("job", job.Id.String()),
			zap.String("activity", job.ActivityID),
			zap.String("inbox", job.TargetInbox),
			zap.Int("attempts", attempts),
			zap.Error(fmt.Errorf("%w: %v", ErrDeliveryExhausted, err)))
		q.events.Emit(storeCtx, domain.Event{
			Type:       domain.EventDeliveryDead,
			ActivityID: job.ActivityID,
			Actor:      job.SigningActor,
			Object:     job.TargetInbox,
			JobID:      job.Id,
			At:         now,
		})
		return
	}

	delay := q.cfg.Backoff.Delay(attempts)
	q.metrics.observeDelivery("retry", elapsed)
	if serr := q.store.ScheduleRetry(storeCtx, job.Id, attempts, now.Add(delay), err.Error(), now); serr != nil {
		q.logger.Error("Failed to schedule retry", zap.String("job", job.Id.String()), zap.Error(serr))
		return
	}
	q.logger.Info("Delivery failed, will retry",
		zap.String("inbox", job.TargetInbox),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
}

// attempt signs the job's activity as its signing actor and posts it.
func (q *DeliveryQueue) attempt(ctx context.Context, job *domain.DeliveryJob) error {
	key, keyID, err := q.identities.SigningKey(ctx, job.SigningActor)
	if err != nil {
		return fmt.Errorf("failed to load signing key of %s: %w", job.SigningActor, err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	body := []byte(job.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetInbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	if err := SignRequest(req, key, keyID, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := q.transport.Post(ctx, job.TargetInbox, req.Header, body)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := resp.Body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return fmt.Errorf("inbox returned status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (q *DeliveryQueue) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		q.refreshStats(ctx)
		q.recoverStale(ctx)
		if n, err := q.store.PurgeDelivered(ctx, q.now().Add(-deliveredRetention)); err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("Failed to purge delivered jobs", zap.Error(err))
			}
		} else if n > 0 {
			q.logger.Debug("Purged delivered jobs", zap.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recoverStale releases claims whose lease ran out, left behind by a
// process that died while delivering.
func (q *DeliveryQueue) recoverStale(ctx context.Context) {
	now := q.now().UTC()
	n, err := q.store.RecoverInFlight(ctx, now.Add(-q.cfg.Lease), now)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("Failed to recover stale delivery claims", zap.Error(err))
		}
		return
	}
	if n > 0 {
		q.logger.Warn("Recovered stale delivery claims", zap.Int64("count", n), zap.Duration("lease", q.cfg.Lease))
	}
}

func (q *DeliveryQueue) refreshStats(ctx context.Context) {
	counts, err := q.store.CountJobs(ctx)
	if err != nil {
		return
	}
	q.metrics.setJobCounts(counts)
}

// DeadLetters lists jobs that ran out of attempts, most recent first.
func (q *DeliveryQueue) DeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	return q.store.ListJobs(ctx, domain.JobDead, limit)
}

// Requeue returns a dead job to pending with a fresh attempt budget.
func (q *DeliveryQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := q.store.RequeueDead(ctx, id, q.now().UTC()); err != nil {
		return err
	}
	q.logger.Info("Requeued dead delivery job", zap.String("job", id.String()))
	q.notify()
	return nil
}

func (q *DeliveryQueue) Job(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return q.store.ReadJob(ctx, id)
}

// Stats returns the number of jobs per status.
func (q *DeliveryQueue) Stats(ctx context.Context) (map[domain.JobStatus]int64, error) {
	return q.store.CountJobs(ctx)
}
