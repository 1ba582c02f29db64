package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/internal/sessions"
	"github.com/aura-live/backend/internal/worker"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

// handlers are the HTTP surfaces mounted by newRouter.
type handlers struct {
	auth     *auth.Handler
	sessions *sessions.Handler
	chat     *chat.Handler
	webhook  *sessions.WebhookHandler
	ws       gin.HandlerFunc
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(logLevel(cmd, cfg.Server.LogLevel))
	defer logger.Sync()
	withWorker, _ := cmd.Flags().GetBool("with-worker")

	ctx := cmd.Context()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Error("database", zap.Error(err))
		return err
	}
	defer pool.Close()

	if _, err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migrate", zap.Error(err))
		return err
	}

	// Presence counters, fan-out and the roster live in Redis when it is configured;
	// otherwise this process is the whole cluster.
	var (
		hub      *realtime.Hub
		roster   *presence.RedisRoster
		store    presence.CounterStore
		viewers  presence.Enumerator
		jobQueue *queue.Queue
	)
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Error("redis", zap.Error(err))
			return err
		}
		defer rdb.Close()

		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		roster = presence.NewRedisRoster(rdb.Client, cfg.Live.InstanceID, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub, roster)
		store = presence.NewRedisStore(rdb.Client)
		viewers = presence.NewClusterEnumerator(cfg.Live.EnumTimeout(), logger, hub, roster)
		jobQueue = queue.NewQueue(rdb.Client, logger)
		logger.Info("cluster mode", zap.String("instance_id", cfg.Live.InstanceID))
	} else {
		hub = realtime.NewHub(logger, nil, nil, nil)
		store = presence.NewMemoryStore()
		viewers = hub
		logger.Info("single-process mode (REDIS_ADDR not set)")
	}
	if err := hub.Start(ctx); err != nil {
		logger.Error("hub start", zap.Error(err))
		return err
	}

	tracker := presence.NewTracker(viewers, hub, store, cfg.Live.Debounce(), logger)
	defer tracker.Close()

	var s3Client *storage.S3
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			Endpoint:             cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Warn("chat archive disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authRepo := auth.NewRepository(pool)
	chatRepo := chat.NewRepository(pool)
	sessionRepo := sessions.NewRepository(pool)

	chatSvc := chat.NewService(chat.Deps{
		Sessions: sessionRepo,
		Messages: chatRepo,
		Profiles: authRepo,
		Groups:   hub,
		Presence: tracker,
		Viewers:  viewers,
	}, chat.Config{
		PersistTimeout: cfg.Live.PersistTimeout(),
		MaxMessageLen:  cfg.Live.MaxMessageLen,
		RateLimit:      cfg.Live.RateLimitPerSec,
		TailMaxLimit:   cfg.Live.TailMaxLimit,
	}, logger)

	var archiver sessions.Archiver
	if jobQueue != nil {
		archiver = jobQueue
	}
	bus := sessions.NewBus(sessionRepo, hub, tracker, archiver, logger)
	bus.OnFinalized(chatSvc.Cleanup)
	if roster != nil {
		bus.OnFinalized(roster.Forget)
	}
	lifecycle := sessions.NewLifecycle(sessionRepo, bus, logger)

	var presigner chat.Presigner
	var archiveTTL time.Duration
	if s3Client != nil {
		presigner = s3Client
		archiveTTL = s3Client.PresignExpire()
	}

	validate := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{
			UserID:    claims.UserID,
			Name:      claims.Name,
			AvatarURL: claims.AvatarURL,
			Role:      claims.Role,
		}, nil
	}
	socket := chat.NewSocketHandler(chatSvc, logger)

	router := newRouter(cfg, logger, jwtService, handlers{
		auth:     auth.NewHandler(authRepo, logger),
		sessions: sessions.NewHandler(lifecycle, logger),
		chat:     chat.NewHandler(chatSvc, presigner, archiveTTL, logger),
		webhook:  sessions.NewWebhookHandler(lifecycle, cfg.Live.WebhookSecret, logger),
		ws:       realtime.ServeWs(hub, socket, logger, validate, cfg.Live.WSInboundPerSec),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if withWorker {
		if jobQueue == nil || s3Client == nil {
			logger.Warn("archive worker needs REDIS_ADDR and AWS_S3_ARCHIVE_BUCKET; not started")
		} else {
			processor := worker.NewArchiveProcessor(sessionRepo, chatRepo, s3Client, jobQueue, logger)
			g.Go(func() error {
				processor.Run(gctx)
				return nil
			})
			logger.Info("archive worker started")
		}
	}
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, logger *zap.Logger, jwtService *auth.JWTService, h handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/auth/me", middleware.JWT(jwtService), h.auth.Me)

	// Public reads
	router.GET("/live", h.sessions.ListLive)
	router.GET("/live/:id", h.sessions.Get)
	router.GET("/live/:id/chat", h.chat.Tail)
	router.GET("/live/:id/chat/replay", h.chat.Replay)

	// Authenticated
	live := router.Group("/live", middleware.JWT(jwtService))
	{
		live.POST("", middleware.RequireRole(models.RoleHost, models.RoleAdmin), h.sessions.Create)
		live.POST("/:id/start", h.sessions.Start)
		live.POST("/:id/stop", h.sessions.Stop)
		live.PUT("/:id/chat/settings", h.sessions.UpdateChatSettings)
		live.POST("/:id/chat/moderation", h.sessions.Moderate)
		live.POST("/:id/chat", h.chat.Send)
		live.GET("/:id/chat/archive", h.chat.Archive)
	}

	// Ingestion callbacks (no JWT; HMAC checked in handler when a secret is set)
	router.POST("/webhooks/ingest", h.webhook.Ingest)

	// WebSocket (token in query; guests connect without one)
	router.GET("/ws", h.ws)
	return router
}
