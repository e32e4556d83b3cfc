package activitypub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/kv"
)

const replayKeyPrefix = "activity_seen:"

// ReplayResult is the outcome of a replay check.
type ReplayResult int

const (
	ReplayAccepted ReplayResult = iota
	ReplayDuplicate
)

func (r ReplayResult) String() string {
	if r == ReplayDuplicate {
		return "Duplicate"
	}
	return "Accepted"
}

// ReplayGuard remembers processed activity ids for a fixed window. Two
// concurrent checks of the same id never both return ReplayAccepted.
type ReplayGuard struct {
	store  kv.Store
	window time.Duration
	now    func() time.Time
}

func NewReplayGuard(store kv.Store, window time.Duration) *ReplayGuard {
	return &ReplayGuard{store: store, window: window, now: time.Now}
}

// CheckAndRecord records id as seen and reports whether it was new. Store
// errors are returned wrapped in ErrTransientDependency.
func (g *ReplayGuard) CheckAndRecord(ctx context.Context, id string) (ReplayResult, error) {
	seen := strconv.FormatInt(g.now().UnixMilli(), 10)
	ok, err := g.store.SetNX(ctx, replayKeyPrefix+id, []byte(seen), g.window)
	if err != nil {
		return ReplayAccepted, fmt.Errorf("%w: replay store: %v", ErrTransientDependency, err)
	}
	if !ok {
		return ReplayDuplicate, nil
	}
	return ReplayAccepted, nil
}

// Seen returns the replay record for id, if there is one.
func (g *ReplayGuard) Seen(ctx context.Context, id string) (*domain.ReplayRecord, bool) {
	value, err := g.store.Get(ctx, replayKeyPrefix+id)
	if err != nil {
		return nil, false
	}
	ms, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return nil, false
	}
	return &domain.ReplayRecord{ActivityID: id, SeenAt: time.UnixMilli(ms), TTL: g.window}, true
}

// Release forgets id so a retried delivery of it is processed again.
func (g *ReplayGuard) Release(ctx context.Context, id string) error {
	return g.store.Del(ctx, replayKeyPrefix+id)
}
