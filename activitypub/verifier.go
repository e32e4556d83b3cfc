package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/go-fed/httpsig"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Verifier authenticates inbound requests by their HTTP signature.
type Verifier struct {
	directory ActorResolver
	maxSkew   time.Duration
	sem       *semaphore.Weighted
	now       func() time.Time
	logger    *zap.Logger
	metrics   *Metrics
}

func NewVerifier(directory ActorResolver, maxSkew time.Duration, logger *zap.Logger, metrics *Metrics) *Verifier {
	return &Verifier{
		directory: directory,
		maxSkew:   maxSkew,
		sem:       semaphore.NewWeighted(int64(runtime.NumCPU())),
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// Verify checks the signature of r against the public key of the actor that
// owns its keyId. claimedActor is the actor named in the activity; the key
// must belong to it. The only side effect is the directory lookup.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte, claimedActor string) (*domain.RemoteActor, error) {
	start := time.Now()
	actor, err := v.verify(ctx, r, body, claimedActor)
	v.metrics.observeVerify(time.Since(start).Seconds())

	var verr *VerificationError
	if errors.As(err, &verr) {
		v.metrics.observeVerifyFailure(verr.Reason)
	}
	return actor, err
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte, claimedActor string) (*domain.RemoteActor, error) {
	begun := v.now()
	raw := signatureHeader(r.Header)
	if raw == "" {
		return nil, verificationError(ReasonMissingSignature, "no Signature header")
	}
	params, err := parseSignatureParams(raw)
	if err != nil {
		return nil, &VerificationError{Reason: ReasonSignatureMismatch, Err: err}
	}
	if params.KeyID == "" || params.Signature == "" {
		return nil, verificationError(ReasonSignatureMismatch, "signature has no keyId or value")
	}
	if !supportedAlgorithm(params.Algorithm) {
		return nil, verificationError(ReasonUnsupportedAlgorithm, "algorithm %q", params.Algorithm)
	}

	if err := v.checkDate(r.Header, params); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if !params.covers("digest") {
			return nil, verificationError(ReasonSignatureMismatch, "digest not covered by signature")
		}
		if !digestMatches(r.Header.Get("Digest"), body) {
			return nil, verificationError(ReasonSignatureMismatch, "digest does not match body")
		}
	}

	owner := keyOwner(params.KeyID)
	if claimedActor == "" {
		claimedActor = owner
	}

	actor, err := v.resolve(ctx, claimedActor)
	if err != nil {
		return nil, err
	}
	if actor.PublicKeyID != params.KeyID && owner != actor.ActorID {
		return nil, verificationError(ReasonSignatureMismatch, "key %s does not belong to %s", params.KeyID, claimedActor)
	}

	err = v.check(ctx, r, actor)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, ErrVerification) || !actor.FetchedAt.Before(begun) {
		return nil, err
	}

	// The cached key may be stale after a key rotation. Try once more with
	// a fresh document.
	v.logger.Debug("Signature mismatch with cached key, refetching actor", zap.String("actor", actor.ActorID))
	fresh, rerr := v.directory.Refresh(ctx, actor.ActorID)
	if rerr != nil {
		return nil, actorError(rerr)
	}
	if fresh.PublicKeyPem == actor.PublicKeyPem {
		return nil, err
	}
	if err := v.check(ctx, r, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (v *Verifier) checkDate(h http.Header, params signatureParams) error {
	date := h.Get("Date")
	if date == "" {
		return verificationError(ReasonClockSkewExceeded, "no Date header")
	}
	if !params.covers("date") {
		return verificationError(ReasonSignatureMismatch, "date not covered by signature")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return &VerificationError{Reason: ReasonClockSkewExceeded, Err: fmt.Errorf("invalid Date header: %w", err)}
	}
	skew := v.now().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return verificationError(ReasonClockSkewExceeded, "date %s is %s away", date, skew.Round(time.Second))
	}
	return nil
}

func (v *Verifier) resolve(ctx context.Context, actorID string) (*domain.RemoteActor, error) {
	actor, err := v.directory.Resolve(ctx, actorID)
	if err != nil {
		return nil, actorError(err)
	}
	return actor, nil
}

// actorError maps a directory failure to a verification outcome.
func actorError(err error) error {
	switch {
	case errors.Is(err, ErrActorNotFound):
		return &VerificationError{Reason: ReasonUnknownActor, Err: err}
	case errors.Is(err, ErrActorUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
}

// check runs the RSA verification under the compute semaphore.
func (v *Verifier) check(ctx context.Context, r *http.Request, actor *domain.RemoteActor) error {
	pub, err := util.ParsePublicKeyPem(actor.PublicKeyPem)
	if err != nil {
		return &VerificationError{Reason: ReasonUnknownActor, Err: err}
	}
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientDependency, err)
	}
	defer v.sem.Release(1)
	return verifyWithKey(r, pub)
}

func verifyWithKey(r *http.Request, pub *rsa.PublicKey) error {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return &VerificationError{Reason: ReasonSignatureMismatch, Err: err}
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return &VerificationError{Reason: ReasonSignatureMismatch, Err: err}
	}
	return nil
}
