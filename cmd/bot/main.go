package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"copperx-bot/internal/config"
	"copperx-bot/internal/copperx"
	"copperx-bot/internal/db"
	"copperx-bot/internal/domain"
	healthhttp "copperx-bot/internal/http"
	"copperx-bot/internal/pusher"
	"copperx-bot/internal/repository"
	"copperx-bot/internal/service"
	"copperx-bot/internal/transport"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var sessions repository.SessionStore
	var ready healthhttp.ReadyCheck
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("db schema", zap.Error(err))
		}
		sessions = repository.NewPgSessionStore(pool)
		ready = func(ctx context.Context) error { return db.Ping(ctx, pool) }
	} else {
		// Sin base: las sesiones viven en memoria y se pierden al reiniciar.
		logger.Warn("DATABASE_URL not set, using in-memory session store")
		sessions = repository.NewMemorySessionStore()
	}

	var limiter service.OTPRateLimiter = service.NewMemoryOTPRateLimiter(10*time.Minute, 3)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, falling back to in-memory limiter", zap.Error(err))
		} else {
			limiter = service.NewRedisOTPRateLimiter(redisClient, 10*time.Minute, 3)
		}
		cancel()
	}

	gateway := copperx.NewClient(
		cfg.CopperxBaseURL,
		cfg.CopperxAPIToken,
		time.Duration(cfg.APITimeoutSeconds)*time.Second,
		logger,
	)

	outbound := make(chan domain.Reply, 64)

	var source service.EventSource
	var events *pusher.Client
	if cfg.PusherKey != "" {
		events = pusher.NewClient(cfg.PusherKey, cfg.PusherSecret, cfg.PusherCluster, logger)
		source = events
	} else {
		logger.Warn("pusher credentials not set, deposit notifications disabled")
	}
	notifier := service.NewNotifier(logger, outbound, source)
	if events != nil {
		go events.Run(ctx)
		go notifier.Run(ctx, events.Events())
	}

	engine := service.NewEngine(logger, sessions, gateway, limiter, notifier)

	bot := transport.NewBot(cfg.TelegramToken, cfg.TelegramBaseURL, logger)
	if err := bot.SetCommands(ctx); err != nil {
		logger.Warn("set commands failed", zap.Error(err))
	}

	go func() {
		for reply := range outbound {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := bot.Send(sendCtx, reply); err != nil {
				logger.Warn("send failed", zap.Int64("chat_id", reply.ChatID), zap.Error(err))
			}
			cancel()
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           healthhttp.NewRouter(logger, ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("health server error", zap.Error(err))
		}
	}()

	logger.Info("bot started", zap.String("health_port", cfg.HTTPPort))

	if err := bot.Poll(ctx, func(upd domain.Update) {
		for _, reply := range engine.HandleUpdate(ctx, upd) {
			outbound <- reply
		}
	}); err != nil && ctx.Err() == nil {
		logger.Fatal("poll loop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("bot stopped")
}
