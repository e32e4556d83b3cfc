package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap/zaptest"
)

func setupPGStore(t *testing.T) *PGJobStore {
	t.Helper()
	url := os.Getenv("FEDCORE_TEST_POSTGRES")
	if url == "" {
		t.Skip("FEDCORE_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	store, err := OpenPG(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenPG failed: %v", err)
	}
	if _, err := store.pool.Exec(ctx, `TRUNCATE delivery_jobs`); err != nil {
		t.Fatalf("Failed to truncate delivery_jobs: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPGJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupPGStore(t)
	now := time.Now()

	a := newTestJob("https://b.example/inbox", now.Add(-time.Minute))
	b := newTestJob("https://b.example/inbox", now.Add(-time.Minute))
	if err := store.InsertJobs(ctx, []*domain.DeliveryJob{a, b}); err != nil {
		t.Fatalf("InsertJobs failed: %v", err)
	}

	job, err := store.ClaimJob(ctx, now)
	if err != nil || job.Id != a.Id {
		t.Fatalf("Expected job a, got %v (err %v)", job, err)
	}
	if _, err := store.ClaimJob(ctx, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected same-inbox job to wait, got %v", err)
	}

	if err := store.MarkDead(ctx, a.Id, 5, "gone", now); err != nil {
		t.Fatalf("MarkDead failed: %v", err)
	}
	dead, err := store.ListJobs(ctx, domain.JobDead, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("Expected one dead job, got %d (err %v)", len(dead), err)
	}

	if err := store.RequeueDead(ctx, a.Id, now); err != nil {
		t.Fatalf("RequeueDead failed: %v", err)
	}
	counts, err := store.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if counts[domain.JobPending] != 2 {
		t.Errorf("Expected 2 pending jobs, got %v", counts)
	}
}

func TestPGRecoverInFlightLeavesFreshClaims(t *testing.T) {
	ctx := context.Background()
	store := setupPGStore(t)
	now := time.Now()

	stale := newTestJob("https://b.example/inbox", now.Add(-time.Hour))
	fresh := newTestJob("https://c.example/inbox", now.Add(-time.Hour))
	if err := store.InsertJobs(ctx, []*domain.DeliveryJob{stale, fresh}); err != nil {
		t.Fatalf("InsertJobs failed: %v", err)
	}
	if _, err := store.ClaimJob(ctx, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if _, err := store.ClaimJob(ctx, now); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	n, err := store.RecoverInFlight(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("RecoverInFlight failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered job, got %d", n)
	}
	read, err := store.ReadJob(ctx, fresh.Id)
	if err != nil || read.Status != domain.JobInFlight {
		t.Errorf("Expected the fresh claim to stay in flight, got %v (err %v)", read, err)
	}
}
