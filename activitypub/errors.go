package activitypub

import (
	"errors"
	"fmt"
)

var (
	// ErrVerification is matched by every *VerificationError.
	ErrVerification        = errors.New("signature verification failed")
	ErrDuplicateActivity   = errors.New("duplicate activity")
	ErrRateLimited         = errors.New("rate limited")
	ErrActorUnreachable    = errors.New("actor unreachable")
	ErrActorNotFound       = errors.New("actor not found")
	ErrTransientDependency = errors.New("transient dependency failure")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrDeliveryExhausted   = errors.New("delivery attempts exhausted")
)

// Reason names why an inbound activity was not committed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonMissingSignature     Reason = "MissingSignature"
	ReasonUnknownActor         Reason = "UnknownActor"
	ReasonSignatureMismatch    Reason = "SignatureMismatch"
	ReasonClockSkewExceeded    Reason = "ClockSkewExceeded"
	ReasonUnsupportedAlgorithm Reason = "UnsupportedAlgorithm"
	ReasonDuplicate            Reason = "Duplicate"
	ReasonRateLimited          Reason = "RateLimited"
	ReasonMalformedPayload     Reason = "MalformedPayload"
	ReasonActorUnreachable     Reason = "ActorUnreachable"
	ReasonTransient            Reason = "TransientDependencyFailure"
)

// VerificationError is a terminal signature verification failure.
type VerificationError struct {
	Reason Reason
	Err    error
}

func verificationError(reason Reason, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrVerification, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", ErrVerification, e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerification
}

// malformed wraps a description of a bad payload in ErrMalformedPayload.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
