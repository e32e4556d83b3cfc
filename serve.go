package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/kv"
	"github.com/deemkeen/fedcore/middleware"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sshShutdownTimeout = 30 * time.Second

// core holds the components shared by the server and the one-shot commands.
type core struct {
	conf      *util.AppConfig
	db        *db.DB
	jobs      activitypub.JobStore
	cache     kv.Store
	state     kv.Store
	metrics   *activitypub.Metrics
	events    activitypub.EventEmitter
	directory *activitypub.ActorDirectory
	queue     *activitypub.DeliveryQueue
	outbox    *activitypub.Outbox
	logger    *zap.Logger
	closers   []func()
}

// openCore opens the stores and builds the directory, delivery queue and
// outbox. A nil registerer keeps the metrics private to this process.
func openCore(ctx context.Context, conf *util.AppConfig, logger *zap.Logger, reg prometheus.Registerer) (*core, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &core{conf: conf, logger: logger, metrics: activitypub.NewMetrics(reg)}

	database, err := db.Open(conf.Conf.DbPath, conf.Conf.Domain, logger)
	if err != nil {
		return nil, err
	}
	c.db = database
	c.closers = append(c.closers, func() { database.Close() })
	c.jobs = database

	if conf.Conf.DatabaseURL != "" {
		pg, err := db.OpenPG(ctx, conf.Conf.DatabaseURL, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.jobs = pg
		c.closers = append(c.closers, pg.Close)
	}

	if conf.Conf.RedisAddr != "" {
		rs, err := kv.DialRedis(ctx, conf.Conf.RedisAddr)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.cache, c.state = rs, rs
		c.closers = append(c.closers, func() { rs.Close() })
	} else {
		ms, err := kv.NewMemoryStore(conf.Conf.ActorCacheSize)
		if err != nil {
			c.Close()
			return nil, err
		}
		// replay records and rate counters must outlive cache eviction
		c.cache, c.state = ms, kv.NewTTLStore()
	}

	transport := activitypub.NewHTTPTransport(util.UserAgent(conf.Conf.Domain), conf.Conf.FetchTimeout)
	c.events = activitypub.FanoutEmitter{activitypub.LogEmitter{Logger: logger}, c.metrics}

	c.directory = activitypub.NewActorDirectory(c.cache, transport, activitypub.DirectoryConfig{
		TTL:          conf.Conf.ActorCacheTTL,
		NegativeTTL:  conf.Conf.ActorNegativeTTL,
		FetchTimeout: conf.Conf.FetchTimeout,
	}, logger, c.metrics)

	c.queue = activitypub.NewDeliveryQueue(c.jobs, database, transport, c.events, activitypub.DeliveryConfig{
		Workers:      conf.Conf.DeliveryWorkers,
		MaxAttempts:  conf.Conf.MaxAttempts,
		Timeout:      conf.Conf.DeliveryTimeout,
		PollInterval: conf.Conf.PollInterval,
		Backoff: activitypub.Backoff{
			Base:       conf.Conf.BackoffBase,
			Multiplier: conf.Conf.BackoffMultiplier,
			Cap:        conf.Conf.BackoffCap,
			Jitter:     0.25,
		},
		Exclusive: conf.Conf.DatabaseURL == "",
	}, logger, c.metrics)

	c.outbox = activitypub.NewOutbox(c.queue, c.directory, database, logger)
	return c, nil
}

// Close releases the stores in reverse order of opening.
func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (c *core) localActor(ctx context.Context, username string) (string, error) {
	acc, err := c.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("unknown local account %q: %w", username, err)
	}
	return acc.ActorURI(c.conf.Conf.Domain), nil
}

// inbox wires the inbound pipeline on top of the shared components.
func (c *core) inbox() *activitypub.InboxProcessor {
	conf := c.conf.Conf
	verifier := activitypub.NewVerifier(c.directory, conf.MaxClockSkew, c.logger, c.metrics)
	replay := activitypub.NewReplayGuard(c.state, conf.ReplayWindow)
	limiter := activitypub.NewRateLimiter(c.state, conf.RateLimitWindow, conf.RateLimitMax, c.logger, c.metrics)
	handlers := activitypub.NewHandlers(c.db, c.db, c.directory, c.outbox, c.events, activitypub.HandlersConfig{
		AutoAcceptFollows: conf.AutoAcceptFollows,
	}, c.logger)

	return activitypub.NewInboxProcessor(verifier, replay, limiter, handlers, activitypub.InboxConfig{
		Deadline:     conf.InboxDeadline,
		MaxBodyBytes: conf.MaxBodyBytes,
	}, c.logger, c.metrics)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation HTTP server, delivery workers and operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("Starting", zap.String("version", util.GetNameAndVersion()), zap.String("domain", conf.Conf.Domain))
			logger.Debug("Configuration", zap.String("conf", util.PrettyPrint(conf)))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf, logger)
		},
	}
}

func serve(ctx context.Context, conf *util.AppConfig, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := openCore(ctx, conf, logger, reg)
	if err != nil {
		return err
	}
	defer c.Close()

	router := web.NewRouter(web.Deps{
		Conf:     conf,
		Inbox:    c.inbox(),
		Accounts: c.db,
		Follows:  c.db,
		Usage:    c.db,
		Queue:    c.queue,
		Gatherer: reg,
		Logger:   logger,
	})

	keys, err := middleware.ParseOperatorKeys(conf.Conf.OperatorKeys)
	if err != nil {
		return err
	}
	var sshServer *ssh.Server
	if keys.Len() == 0 {
		logger.Warn("No operator keys configured, SSH console disabled")
	} else {
		sshServer, err = wish.NewServer(
			wish.WithAddress(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.SshPort)),
			wish.WithHostKeyPath(util.HostKeyPath()),
			wish.WithPublicKeyAuth(keys.PublicKeyHandler),
			wish.WithMiddleware(
				middleware.MainTui(c.queue, conf.Conf.Domain),
				middleware.AuthMiddleware(keys, logger),
				logging.Middleware(), // last middleware executed first
			),
		)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.queue.Run(ctx)
	})
	g.Go(func() error {
		return web.Serve(ctx, conf, router, logger)
	})
	if sshServer != nil {
		g.Go(func() error {
			return serveSSH(ctx, sshServer, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Stopped")
	return nil
}

func serveSSH(ctx context.Context, s *ssh.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting SSH server", zap.String("addr", s.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Stopping SSH server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sshShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
