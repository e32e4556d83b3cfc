package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/kv"
	"github.com/deemkeen/fedcore/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	actorKeyPrefix       = "remote_actor:"
	actorFailedKeyPrefix = "remote_actor_failed:"

	failNotFound    = "not_found"
	failUnreachable = "unreachable"
)

// ActorResolver resolves remote actor ids to their identity records.
type ActorResolver interface {
	Resolve(ctx context.Context, actorID string) (*domain.RemoteActor, error)
	Invalidate(ctx context.Context, actorID string) error
	Refresh(ctx context.Context, actorID string) (*domain.RemoteActor, error)
	Cached(ctx context.Context, actorID string) (*domain.RemoteActor, bool)
}

// actorDocument is the part of an ActivityPub actor document we need.
type actorDocument struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Inbox             string          `json:"inbox"`
	SharedInbox       string          `json:"sharedInbox"`
	PublicKey         json.RawMessage `json:"publicKey"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

type publicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorDirectory caches remote actors in a kv.Store and fetches missing or
// expired ones. Concurrent lookups of the same actor share one fetch.
type ActorDirectory struct {
	store        kv.Store
	transport    Transport
	ttl          time.Duration
	negativeTTL  time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	now          func() time.Time
	logger       *zap.Logger
	metrics      *Metrics
}

type DirectoryConfig struct {
	TTL          time.Duration
	NegativeTTL  time.Duration
	FetchTimeout time.Duration
}

func NewActorDirectory(store kv.Store, transport Transport, cfg DirectoryConfig, logger *zap.Logger, metrics *Metrics) *ActorDirectory {
	return &ActorDirectory{
		store:        store,
		transport:    transport,
		ttl:          cfg.TTL,
		negativeTTL:  cfg.NegativeTTL,
		fetchTimeout: cfg.FetchTimeout,
		now:          time.Now,
		logger:       logger,
		metrics:      metrics,
	}
}

// Cached returns the cached record of actorID if it has not expired.
func (d *ActorDirectory) Cached(ctx context.Context, actorID string) (*domain.RemoteActor, bool) {
	value, err := d.store.Get(ctx, actorKeyPrefix+actorID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			d.logger.Warn("Actor cache read failed", zap.String("actor", actorID), zap.Error(err))
		}
		return nil, false
	}
	var actor domain.RemoteActor
	if err := json.Unmarshal(value, &actor); err != nil {
		d.logger.Warn("Dropping corrupt actor cache entry", zap.String("actor", actorID), zap.Error(err))
		d.store.Del(ctx, actorKeyPrefix+actorID)
		return nil, false
	}
	if actor.Expired(d.now()) {
		return nil, false
	}
	return &actor, true
}

// Resolve returns the actor from cache or fetches its document. It fails
// with ErrActorNotFound when the actor does not exist and with
// ErrActorUnreachable when its server could not be asked.
func (d *ActorDirectory) Resolve(ctx context.Context, actorID string) (*domain.RemoteActor, error) {
	if actor, ok := d.Cached(ctx, actorID); ok {
		return actor, nil
	}
	if failed, err := d.store.Get(ctx, actorFailedKeyPrefix+actorID); err == nil {
		if string(failed) == failNotFound {
			return nil, fmt.Errorf("%w: %s (cached)", ErrActorNotFound, actorID)
		}
		return nil, fmt.Errorf("%w: %s (cached)", ErrActorUnreachable, actorID)
	}

	// The fetch outlives a cancelled caller so the other waiters still get
	// a result. It is bounded by fetchTimeout instead.
	ch := d.group.DoChan(actorID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.fetchTimeout)
		defer cancel()
		return d.fetch(fetchCtx, actorID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrActorUnreachable, actorID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteActor), nil
	}
}

// Refresh drops the cached record and fetches the actor again.
func (d *ActorDirectory) Refresh(ctx context.Context, actorID string) (*domain.RemoteActor, error) {
	if err := d.Invalidate(ctx, actorID); err != nil {
		return nil, err
	}
	return d.Resolve(ctx, actorID)
}

// Invalidate removes actorID from the cache, including a cached failure.
func (d *ActorDirectory) Invalidate(ctx context.Context, actorID string) error {
	if err := d.store.Del(ctx, actorKeyPrefix+actorID); err != nil {
		return fmt.Errorf("failed to invalidate actor %s: %w", actorID, err)
	}
	return d.store.Del(ctx, actorFailedKeyPrefix+actorID)
}

func (d *ActorDirectory) fetch(ctx context.Context, actorID string) (*domain.RemoteActor, error) {
	header := http.Header{}
	header.Set("Accept", ContentTypeActivity+", "+ContentTypeLD)

	resp, err := d.transport.Get(ctx, actorID, header)
	if err != nil {
		d.fail(ctx, actorID, failUnreachable)
		return nil, fmt.Errorf("%w: %s: %v", ErrActorUnreachable, actorID, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		d.fail(ctx, actorID, failNotFound)
		return nil, fmt.Errorf("%w: %s: status %d", ErrActorNotFound, actorID, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		d.fail(ctx, actorID, failUnreachable)
		return nil, fmt.Errorf("%w: %s: status %d", ErrActorUnreachable, actorID, resp.StatusCode)
	}

	now := d.now()
	actor, err := parseActorDocument(resp.Body, actorID)
	if err != nil {
		d.fail(ctx, actorID, failNotFound)
		return nil, fmt.Errorf("%w: %s: %v", ErrActorNotFound, actorID, err)
	}
	actor.FetchedAt = now
	actor.ExpiresAt = now.Add(d.ttl)

	value, err := json.Marshal(actor)
	if err == nil {
		err = d.store.Set(ctx, actorKeyPrefix+actorID, value, d.ttl)
	}
	if err != nil {
		d.logger.Warn("Failed to cache actor", zap.String("actor", actorID), zap.Error(err))
	}
	d.metrics.observeActorFetch("ok")
	d.logger.Debug("Fetched remote actor", zap.String("actor", actorID), zap.String("inbox", actor.InboxURL))
	return actor, nil
}

func (d *ActorDirectory) fail(ctx context.Context, actorID, kind string) {
	d.metrics.observeActorFetch(kind)
	if d.negativeTTL <= 0 {
		return
	}
	if err := d.store.Set(ctx, actorFailedKeyPrefix+actorID, []byte(kind), d.negativeTTL); err != nil {
		d.logger.Warn("Failed to cache actor failure", zap.String("actor", actorID), zap.Error(err))
	}
}

// parseActorDocument validates an actor document served for actorID.
func parseActorDocument(body []byte, actorID string) (*domain.RemoteActor, error) {
	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if doc.ID != actorID {
		return nil, fmt.Errorf("document id %q does not match", doc.ID)
	}
	if doc.Inbox == "" {
		return nil, errors.New("actor has no inbox")
	}

	key, err := pickPublicKey(doc.PublicKey, doc.ID)
	if err != nil {
		return nil, err
	}
	if _, err := util.ParsePublicKeyPem(key.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	shared := doc.Endpoints.SharedInbox
	if shared == "" {
		shared = doc.SharedInbox
	}
	return &domain.RemoteActor{
		ActorID:        doc.ID,
		Username:       doc.PreferredUsername,
		InboxURL:       doc.Inbox,
		SharedInboxURL: shared,
		PublicKeyID:    key.ID,
		PublicKeyPem:   key.PublicKeyPem,
	}, nil
}

// pickPublicKey accepts a single key object or an array of them and returns
// the first one owned by the actor.
func pickPublicKey(raw json.RawMessage, owner string) (*publicKeyDocument, error) {
	if len(raw) == 0 {
		return nil, errors.New("actor has no public key")
	}
	var keys []publicKeyDocument
	if err := json.Unmarshal(raw, &keys); err != nil {
		var key publicKeyDocument
		if err := json.Unmarshal(raw, &key); err != nil {
			return nil, fmt.Errorf("invalid publicKey: %w", err)
		}
		keys = []publicKeyDocument{key}
	}
	for i := range keys {
		k := &keys[i]
		if k.PublicKeyPem == "" || k.ID == "" {
			continue
		}
		if k.Owner == "" || k.Owner == owner {
			return k, nil
		}
	}
	return nil, errors.New("actor has no usable public key")
}
