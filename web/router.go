package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// AccountStore looks up local accounts for the actor and webfinger
// endpoints.
type AccountStore interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

// DeadLetterQueue is the operator view of the delivery queue.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (map[domain.JobStatus]int64, error)
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Conf     *util.AppConfig
	Inbox    *activitypub.InboxProcessor
	Accounts AccountStore
	Follows  FollowStore
	Usage    UsageStore
	Queue    DeadLetterQueue
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the gin engine serving the federation endpoints.
func NewRouter(deps Deps) *gin.Engine {
	if !deps.Conf.Conf.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(deps.Logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	domainName := deps.Conf.Conf.Domain
	maxBody := MaxBytesMiddleware(deps.Conf.Conf.MaxBodyBytes)

	// Inbox traffic is limited per actor host by the inbox processor. Relays and
	// large instances deliver from few addresses.
	g.POST("/inbox", maxBody, InboxHandler(deps.Inbox))
	g.POST("/users/:actor/inbox", maxBody, InboxHandler(deps.Inbox))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	public := g.Group("", RateLimitMiddleware(globalLimiter))

	public.GET("/users/:actor", func(c *gin.Context) {
		doc, err := GetActor(c.Request.Context(), deps.Accounts, c.Param("actor"), domainName)
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		if err != nil {
			deps.Logger.Error("Failed to render actor", zap.String("actor", c.Param("actor")), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, activitypub.ContentTypeActivity+"; charset=utf-8", doc)
	})

	public.GET("/users/:actor/followers", collectionHandler(deps, "followers", GetFollowers))
	public.GET("/users/:actor/following", collectionHandler(deps, "following", GetFollowing))

	public.GET("/.well-known/webfinger", func(c *gin.Context) {
		resp, err := GetWebfinger(c.Request.Context(), deps.Accounts, c.Query("resource"), domainName)
		if err != nil {
			c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
			return
		}
		c.Data(http.StatusOK, "application/jrd+json; charset=utf-8", resp)
	})

	public.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		doc, err := GetNodeInfoLinks(domainName)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
	})

	if deps.Usage != nil {
		public.GET("/nodeinfo/2.1", func(c *gin.Context) {
			doc, err := GetNodeInfo(c.Request.Context(), deps.Usage)
			if err != nil {
				deps.Logger.Error("Failed to render nodeinfo", zap.Error(err))
				c.Status(http.StatusInternalServerError)
				return
			}
			c.Data(http.StatusOK, nodeInfoContentType, doc)
		})
	}

	if deps.Gatherer != nil {
		public.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	public.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": util.GetVersion()})
	})

	if deps.Conf.Conf.AdminToken != "" && deps.Queue != nil {
		admin := public.Group("/admin", AdminAuthMiddleware(deps.Conf.Conf.AdminToken))
		registerDeadLetterRoutes(admin, deps.Queue, domainName, deps.Logger)
	}

	return g
}

type collectionFunc func(ctx context.Context, accounts AccountStore, store FollowStore, username, domainName string, page int) ([]byte, error)

func collectionHandler(deps Deps, name string, render collectionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := render(c.Request.Context(), deps.Accounts, deps.Follows, c.Param("actor"), deps.Conf.Conf.Domain,
			ParsePageParam(c.Query("page")))
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		if err != nil {
			deps.Logger.Error("Failed to render "+name, zap.String("actor", c.Param("actor")), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, activitypub.ContentTypeActivity+"; charset=utf-8", doc)
	}
}

// Serve runs the router until ctx is cancelled and then shuts it down.
func Serve(ctx context.Context, conf *util.AppConfig, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info("Stopping HTTP server")
	return srv.Shutdown(shutdownCtx)
}
