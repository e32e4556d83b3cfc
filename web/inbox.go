package web

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/gin-gonic/gin"
)

// InboxHandler serves both the shared inbox and the per-actor inboxes.
// Routing to local recipients happens in the activity handlers, so both
// endpoints behave the same.
func InboxHandler(processor *activitypub.InboxProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := processor.Receive(c.Request.Context(), c.Request)
		status := StatusFor(out)
		if out.Status == activitypub.StatusRejected && out.Reason == activitypub.ReasonRateLimited && out.RetryAfter > 0 {
			c.Header("Retry-After", retryAfterSeconds(out.RetryAfter))
		}
		if out.Status == activitypub.StatusCommitted || out.Duplicate() {
			c.Status(status)
			return
		}
		c.JSON(status, gin.H{"error": string(out.Reason)})
	}
}

// StatusFor maps an inbox outcome onto the response code the sender sees.
// Duplicates are acknowledged so the sender stops retrying.
func StatusFor(out activitypub.Outcome) int {
	switch out.Status {
	case activitypub.StatusCommitted:
		return http.StatusAccepted
	case activitypub.StatusRetryLater:
		return http.StatusServiceUnavailable
	}

	switch out.Reason {
	case activitypub.ReasonDuplicate:
		return http.StatusOK
	case activitypub.ReasonRateLimited:
		return http.StatusTooManyRequests
	case activitypub.ReasonMalformedPayload:
		return http.StatusBadRequest
	case activitypub.ReasonMissingSignature, activitypub.ReasonUnknownActor, activitypub.ReasonSignatureMismatch,
		activitypub.ReasonClockSkewExceeded, activitypub.ReasonUnsupportedAlgorithm:
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
