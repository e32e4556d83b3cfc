package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// State is a step of the inbound pipeline.
type State int

const (
	StateReceived State = iota
	StateSignatureVerified
	StateDeduplicated
	StateRateLimitPassed
	StateActorResolved
	StateDispatched
	StateCommitted
	StateRejected
)

var stateNames = [...]string{
	StateReceived:          "Received",
	StateSignatureVerified: "SignatureVerified",
	StateDeduplicated:      "Deduplicated",
	StateRateLimitPassed:   "RateLimitPassed",
	StateActorResolved:     "ActorResolved",
	StateDispatched:        "Dispatched",
	StateCommitted:         "Committed",
	StateRejected:          "Rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Status is what the sender is told about its activity.
type Status int

const (
	StatusCommitted Status = iota
	StatusRejected
	StatusRetryLater
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "Committed"
	case StatusRejected:
		return "Rejected"
	case StatusRetryLater:
		return "RetryLater"
	}
	return "Unknown"
}

// Outcome is the result of processing one inbound request.
type Outcome struct {
	Status Status
	Reason Reason
	Err    error
	// Path lists the pipeline states the request went through.
	Path       []State
	RetryAfter time.Duration
	Activity   *domain.Activity
	Actor      *domain.RemoteActor
}

// State returns the last state the request reached.
func (o Outcome) State() State {
	if len(o.Path) == 0 {
		return StateReceived
	}
	return o.Path[len(o.Path)-1]
}

func (o Outcome) Duplicate() bool {
	return o.Status == StatusRejected && o.Reason == ReasonDuplicate
}

func (o *Outcome) enter(s State) {
	o.Path = append(o.Path, s)
}

func (o *Outcome) reject(reason Reason, err error) Outcome {
	o.enter(StateRejected)
	o.Status = StatusRejected
	o.Reason = reason
	o.Err = err
	return *o
}

func (o *Outcome) retryLater(reason Reason, err error) Outcome {
	o.Status = StatusRetryLater
	o.Reason = reason
	o.Err = err
	return *o
}

// ActivityHandler applies an authenticated activity.
type ActivityHandler interface {
	Handle(ctx context.Context, act *domain.Activity) error
}

type InboxConfig struct {
	Deadline     time.Duration
	MaxBodyBytes int64
}

// InboxProcessor runs inbound requests through verification,
// deduplication, rate limiting and dispatch.
type InboxProcessor struct {
	verifier *Verifier
	replay   *ReplayGuard
	limiter  *RateLimiter
	handler  ActivityHandler
	cfg      InboxConfig
	now      func() time.Time
	logger   *zap.Logger
	metrics  *Metrics
}

func NewInboxProcessor(verifier *Verifier, replay *ReplayGuard, limiter *RateLimiter, handler ActivityHandler,
	cfg InboxConfig, logger *zap.Logger, metrics *Metrics) *InboxProcessor {
	return &InboxProcessor{
		verifier: verifier,
		replay:   replay,
		limiter:  limiter,
		handler:  handler,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// Receive processes one POST to an inbox.
func (p *InboxProcessor) Receive(ctx context.Context, r *http.Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	out := p.receive(ctx, r)
	p.metrics.observeInbound(out)
	p.log(out)
	return out
}

func (p *InboxProcessor) receive(ctx context.Context, r *http.Request) Outcome {
	begun := p.now()
	out := Outcome{Path: []State{StateReceived}}

	if signatureHeader(r.Header) == "" {
		return out.reject(ReasonMissingSignature, verificationError(ReasonMissingSignature, "no Signature header"))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return out.reject(ReasonMalformedPayload, malformed("failed to read body: %v", err))
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		return out.reject(ReasonMalformedPayload, malformed("body exceeds %d bytes", p.cfg.MaxBodyBytes))
	}

	act, err := domain.NewActivity(body, r.Header.Clone())
	if err != nil {
		return out.reject(ReasonMalformedPayload, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	out.Activity = act

	actor, err := p.verifier.Verify(ctx, r, body, act.Actor)
	if err != nil {
		var verr *VerificationError
		switch {
		case errors.As(err, &verr):
			return out.reject(verr.Reason, err)
		case errors.Is(err, ErrActorUnreachable):
			return out.retryLater(ReasonActorUnreachable, err)
		default:
			return out.retryLater(ReasonTransient, err)
		}
	}
	out.enter(StateSignatureVerified)

	// an actor may only claim activity ids on its own host
	if domain.HostOf(act.ID) != actor.Host() {
		return out.reject(ReasonMalformedPayload, malformed("activity %s is not on the host of %s", act.ID, actor.ActorID))
	}

	result, err := p.replay.CheckAndRecord(ctx, act.ID)
	if err != nil {
		return out.retryLater(ReasonTransient, err)
	}
	if result == ReplayDuplicate {
		return out.reject(ReasonDuplicate, fmt.Errorf("%w: %s", ErrDuplicateActivity, act.ID))
	}
	out.enter(StateDeduplicated)

	if !p.limiter.Allow(ctx, actor.Host()) {
		p.release(ctx, act.ID)
		out.RetryAfter = p.limiter.RetryAfter()
		return out.reject(ReasonRateLimited, fmt.Errorf("%w: %s", ErrRateLimited, actor.Host()))
	}
	out.enter(StateRateLimitPassed)

	// An actor fetched during this request was not known before.
	if !actor.FetchedAt.Before(begun) {
		out.enter(StateActorResolved)
	}
	out.Actor = actor

	out.enter(StateDispatched)
	if err := p.handler.Handle(ctx, act); err != nil {
		switch {
		case errors.Is(err, ErrMalformedPayload):
			return out.reject(ReasonMalformedPayload, err)
		case errors.Is(err, ErrActorUnreachable):
			p.release(ctx, act.ID)
			return out.retryLater(ReasonActorUnreachable, err)
		default:
			p.release(ctx, act.ID)
			return out.retryLater(ReasonTransient, fmt.Errorf("%w: %v", ErrTransientDependency, err))
		}
	}

	out.enter(StateCommitted)
	out.Status = StatusCommitted
	return out
}

// release forgets an activity that was not committed so the sender's retry
// is processed instead of being reported as a duplicate.
func (p *InboxProcessor) release(ctx context.Context, id string) {
	if err := p.replay.Release(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("Failed to release replay record", zap.String("activity", id), zap.Error(err))
	}
}

func (p *InboxProcessor) log(out Outcome) {
	fields := []zap.Field{
		zap.String("status", out.Status.String()),
		zap.String("state", out.State().String()),
	}
	if out.Activity != nil {
		fields = append(fields,
			zap.String("activity", out.Activity.ID),
			zap.String("type", out.Activity.Kind.String()),
			zap.String("actor", out.Activity.Actor))
	}
	if out.Reason != ReasonNone {
		fields = append(fields, zap.String("reason", string(out.Reason)))
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}

	switch {
	case out.Status == StatusCommitted:
		p.logger.Debug("Inbox activity committed", fields...)
	case out.Duplicate():
		p.logger.Debug("Duplicate inbox activity", fields...)
	case out.Status == StatusRejected:
		p.logger.Info("Inbox activity rejected", fields...)
	default:
		p.logger.Warn("Inbox activity deferred", fields...)
	}
}
