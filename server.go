package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/directory"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/notify"
	"bitbucket.org/mmdatafocus/clearance_backend/snapshot"
	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"bitbucket.org/mmdatafocus/clearance_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// RateLimiter is a fixed-window counter per client kept in Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	if actor := strings.TrimSpace(c.GetHeader(headerActorId)); actor != "" {
		key = "ratelimit:actor:" + actor
	}

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(c.Request.Context(), func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(c.Request.Context(), key)
		pipe.ExpireNX(c.Request.Context(), key, rl.window)
		return nil
	})
	if err != nil {
		// Redis trouble must not take the API down.
		c.Next()
		return
	}
	if incr.Val() > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// In production only the CORS_ALLOWED_ORIGINS allowlist passes; elsewhere allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOrigins = []string{}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", headerActorId, headerActorName, headerIdempotency, headerCorrelationId)
	cfg.AddExposeHeaders("Content-Length", headerCorrelationId)
	return cfg
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"field":  "http",
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// readinessGate answers /healthz always and 503 for everything else until ready.
func readinessGate(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func newRouter(a *api, ready *atomic.Bool, logger *logrus.Logger, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(readinessGate(ready))
	r.Use(cors.New(corsConfig()))
	if limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	registerRoutes(r, a)
	r.NoRoute(customNotFoundHandler)
	return r
}

func rateLimiterFromEnv() *RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS"), Password: os.Getenv("REDIS_PASSWORD")})
	return NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
}

// buildNotifier returns the notifier chain and, when a topic is configured,
// the dispatcher that drains the outbox into it.
func buildNotifier(ctx context.Context, db *gorm.DB, settings config.WorkflowSettings, logger *logrus.Logger) (workflow.Notifier, *notify.Dispatcher, error) {
	chain := notify.FanOut{&notify.LogNotifier{Logger: logger}}
	if settings.OutboxEnabled {
		chain = append(chain, notify.NewOutboxNotifier(db))
	}
	if settings.NoticeTopic == "" {
		return chain, nil, nil
	}
	if !settings.OutboxEnabled {
		return nil, nil, errors.New("NOTICE_TOPIC requires NOTICE_OUTBOX_ENABLED")
	}
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.NoticeTopic)
	if err != nil {
		return nil, nil, err
	}
	return chain, notify.NewDispatcher(db, notify.NewPubSubPublisher(topic), logger), nil
}

func buildSnapshotStore(ctx context.Context, db *gorm.DB, settings config.WorkflowSettings) (workflow.SnapshotStore, error) {
	if settings.SnapshotBucket == "" {
		return snapshot.NewGormStore(db), nil
	}
	client, err := config.GetStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.NewGCSStore(client, settings.SnapshotBucket, settings.SnapshotPrefix), nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := config.GetLogger()
	settings := config.LoadWorkflowSettings()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first; the readiness gate answers 503 until dependencies are up.
	var ready atomic.Bool
	app := &api{logger: logger}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(app, &ready, logger, rateLimiterFromEnv()),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate DDL can block tables; large deployments run it as a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	var state workflow.SchedulerState = workflow.NewMemorySchedulerState()
	opts := workflow.EngineOptions{
		ReminderInterval:     settings.ReminderInterval,
		ReminderMaxCount:     settings.ReminderMaxCount,
		ReminderPollInterval: settings.ReminderPollInterval,
		FallbackRecipient:    settings.FallbackRecipient,
	}
	if strings.EqualFold(settings.ReminderState, "redis") {
		config.ConnectRedisWithRetry(sigCtx)
		if rdb := config.GetRedisDB(); rdb != nil {
			state = workflow.NewRedisSchedulerState(rdb)
			opts.Locker = config.GetRedisLock()
		}
	}

	notifier, dispatcher, err := buildNotifier(sigCtx, db, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "notifier"}).Fatal(err.Error())
	}
	snapshots, err := buildSnapshotStore(sigCtx, db, settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "snapshots"}).Fatal(err.Error())
	}

	engine := workflow.NewEngine(db, directory.New(db), &directory.CheckpointTable{DB: db, Static: settings.SupervisorLevels},
		notifier, snapshots, state, logger, opts)
	app.engine = engine

	// Timers are not durable in memory; re-arm whatever is open.
	if n, err := engine.Reminders.ArmOpen(sigCtx); err != nil {
		config.LogError(logger, "server.go", "main", "ArmOpen", nil, err)
	} else {
		logger.WithFields(logrus.Fields{"field": "reminders", "armed": n}).Info("reminder timers armed")
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go engine.Reminders.Run(workersCtx)
	if dispatcher != nil {
		go dispatcher.Run(workersCtx)
	}

	ready.Store(true)
	logger.WithFields(logrus.Fields{
		"field": "http",
		"port":  port,
	}).Info("clearance API ready")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers before draining HTTP.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
