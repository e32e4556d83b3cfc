package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// deadLetter is the JSON view of a dead delivery job.
type deadLetter struct {
	ID           string    `json:"id"`
	ActivityID   string    `json:"activityId"`
	SigningActor string    `json:"signingActor"`
	TargetInbox  string    `json:"targetInbox"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toDeadLetter(job domain.DeliveryJob) deadLetter {
	return deadLetter{
		ID:           job.Id.String(),
		ActivityID:   job.ActivityID,
		SigningActor: job.SigningActor,
		TargetInbox:  job.TargetInbox,
		Attempts:     job.AttemptCount,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultDeadLetterLimit)))
	if err != nil || limit <= 0 {
		return defaultDeadLetterLimit
	}
	return min(limit, maxDeadLetterLimit)
}

func registerDeadLetterRoutes(g *gin.RouterGroup, queue DeadLetterQueue, domainName string, logger *zap.Logger) {
	g.GET("/dead-letters", func(c *gin.Context) {
		jobs, err := queue.DeadLetters(c.Request.Context(), limitParam(c))
		if err != nil {
			logger.Error("Failed to list dead letters", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not list dead letters"})
			return
		}
		out := make([]deadLetter, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, toDeadLetter(job))
		}
		c.JSON(http.StatusOK, out)
	})

	g.GET("/dead-letters.atom", func(c *gin.Context) {
		jobs, err := queue.DeadLetters(c.Request.Context(), limitParam(c))
		if err != nil {
			logger.Error("Failed to list dead letters", zap.Error(err))
			c.Status(http.StatusServiceUnavailable)
			return
		}
		feed, err := GetDeadLetterFeed(jobs, domainName, time.Now())
		if err != nil {
			logger.Error("Failed to render dead letter feed", zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(feed))
	})

	g.POST("/dead-letters/:id/requeue", func(c *gin.Context) {
		jobID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invalid job ID"})
			return
		}
		err = queue.Requeue(c.Request.Context(), jobID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "No dead job with that ID"})
		case err != nil:
			logger.Error("Failed to requeue job", zap.String("job", jobID.String()), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not requeue job"})
		default:
			logger.Info("Requeued dead job", zap.String("job", jobID.String()))
			c.Status(http.StatusNoContent)
		}
	})

	g.GET("/deliveries", func(c *gin.Context) {
		stats, err := queue.Stats(c.Request.Context())
		if err != nil {
			logger.Error("Failed to count delivery jobs", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not count jobs"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}
