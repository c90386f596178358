package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conduit/internal/config"
	"conduit/internal/constants"
	"conduit/internal/consumer"
	"conduit/internal/group"
	"conduit/internal/logger"
	"conduit/internal/stream"
	"conduit/pkg/bootstrap"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/health"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
	"conduit/pkg/retry"
)

const (
	serviceName     = "conduit"
	shutdownTimeout = constants.ShutdownTimeout
)

// App serves the configured topic: a standalone consumer, or a cluster of
// group members when a group is enabled. An ops API exposes health,
// metrics, group membership and a stream watcher.
type App struct {
	*bootstrap.Base
	sourceID string
	consumer *consumer.Consumer
	coord    *group.Coordinator
	cluster  *group.Cluster
	watcher  *stream.Watcher
	health   *health.CheckerRegistry
	server   *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	hostname, _ := os.Hostname()
	return &App{
		Base:     bootstrap.NewBase(cfg, log),
		sourceID: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(serviceName); err != nil {
		return err
	}
	if err := a.InitChannel(ctx); err != nil {
		return fmt.Errorf("failed to initialize channel: %w", err)
	}

	metrics.RegisterStreamMetrics()
	metrics.RegisterConsumerMetrics()
	metrics.RegisterGroupMetrics()
	metrics.RegisterAPIMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initConsumers(); err != nil {
		return fmt.Errorf("failed to initialize consumers: %w", err)
	}

	a.watcher = stream.NewWatcher(a.Channel, a.observe, a.Config.Streams.BatchSize, a.Config.Streams.Block, a.Logger)

	a.initHealth()
	a.initHTTPServer(ctx)
	return nil
}

func (a *App) consumerTemplate() consumer.Config {
	c := a.Config.Consumer
	return consumer.Config{
		Topic:         a.Topic(),
		SourceID:      a.sourceID,
		Bidirectional: c.Bidirectional,
		Block:         a.Config.Streams.Block,
		Filter:        c.Filter,
		DedupWindow:   c.DedupWindow,
	}
}

func (a *App) initConsumers() error {
	handlers := builtinHandlers(a.sourceID)

	if a.Config.Group.Enabled {
		cfg := group.FromConfig(a.Topic(), a.Config.Group)
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.coord = group.NewCoordinator(cfg, a.Channel, group.NewRedisRegistry(a.Redis), a.Logger)
		a.cluster = group.NewCluster(a.coord, a.consumerTemplate(), a.Logger,
			group.WithRetryPolicy(retryPolicy(a.Config.Retry, true)))
		for msgType, fn := range handlers {
			a.cluster.RegisterHandler(msgType, fn)
		}
		return nil
	}

	cons, err := consumer.New(a.consumerTemplate(), a.Channel, a.Logger)
	if err != nil {
		return err
	}
	for msgType, fn := range handlers {
		cons.RegisterHandler(msgType, fn)
	}
	a.consumer = cons
	return nil
}

// retryPolicy maps the retry section; unbounded drops the attempt and
// elapsed-time caps for long-running workers.
func retryPolicy(cfg config.RetryConfig, unbounded bool) retry.Policy {
	p := retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	}
	if unbounded {
		p.MaxAttempts = -1
		p.MaxElapsedTime = 0
	}
	return p
}

// observe receives entries from watched streams.
func (a *App) observe(ctx context.Context, env models.Envelope) {
	a.Logger.InfowCtx(ctx, "Observed entry",
		"stream", env.Stream,
		"entry_id", env.EntryID,
		"message_id", env.ID,
		"type", env.Type,
		"source_id", env.SourceID,
	)
}

func (a *App) initHealth() {
	a.health = health.NewCheckerRegistry()
	a.health.Register(health.NewRedisChecker(a.Redis))
	if cb, ok := a.Channel.(*stream.CircuitBreakerChannel); ok {
		a.health.Register(health.NewFuncChecker("circuit_breaker", func(ctx context.Context) error {
			if cb.IsOpen() {
				return &health.DegradedError{Reason: "stream writes are short-circuited"}
			}
			return nil
		}))
	}
}

func (a *App) initHTTPServer(ctx context.Context) {
	router := newOpsRouter(ctx, a.Config, a.Logger, a.health)

	api := router.Group("/api/v1")
	api.GET("/groups/:group/members", a.handleGroupMembers)
	api.GET("/watch", a.handleListWatched)
	api.POST("/watch", a.handleAddWatched)
	api.DELETE("/watch/*stream", a.handleRemoveWatched)

	a.server = newOpsServer(a.Config.Server, router)
}

func (a *App) handleGroupMembers(c *gin.Context) {
	name := c.Param("group")
	if a.coord == nil || a.coord.Config().Name != name {
		_ = c.Error(apperrors.ErrNotFound.WithDetail("group", name))
		return
	}

	ctx := c.Request.Context()
	members, err := a.coord.Members(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	allocated, err := a.coord.Allocated(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	local := make([]gin.H, 0)
	for _, m := range a.cluster.Members() {
		local = append(local, gin.H{"member": m.ID(), "state": m.State().String()})
	}

	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{"name": m.Name, "pending": m.Pending, "idle_ms": m.Idle.Milliseconds()})
	}
	c.JSON(http.StatusOK, gin.H{
		"group":     name,
		"stream":    a.coord.Config().Stream(),
		"max":       a.coord.Config().Max,
		"allocated": allocated,
		"members":   out,
		"local":     local,
	})
}

type watchRequest struct {
	Stream string `json:"stream" binding:"required"`
}

func (a *App) handleListWatched(c *gin.Context) {
	streams, err := a.watcher.Streams(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (a *App) handleAddWatched(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrValidation.WithCause(err))
		return
	}
	if _, _, err := models.ParseStreamKey(req.Stream); err != nil {
		_ = c.Error(apperrors.ErrValidation.WithCause(err).WithDetail("stream", req.Stream))
		return
	}
	if err := a.watcher.AddStream(c.Request.Context(), req.Stream); err != nil {
		_ = c.Error(apperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stream": req.Stream})
}

func (a *App) handleRemoveWatched(c *gin.Context) {
	name := c.Param("stream")
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if err := a.watcher.RemoveStream(c.Request.Context(), name); err != nil {
		_ = c.Error(apperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveOps(gCtx, a.server, a.Logger)
	})

	g.Go(func() error {
		return ignoreCanceled(a.watcher.Run(gCtx))
	})

	g.Go(func() error {
		if a.cluster != nil {
			return a.cluster.Launch(gCtx)
		}
		return ignoreCanceled(a.consumer.Run(gCtx))
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := a.Shutdown(shutdownCtx, nil); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
