package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/api"
	"github.com/guildscope/guildscope/internal/api/middleware"
	"github.com/guildscope/guildscope/internal/config"
	"github.com/guildscope/guildscope/internal/discovery"
	"github.com/guildscope/guildscope/internal/export"
	"github.com/guildscope/guildscope/internal/handlers"
	"github.com/guildscope/guildscope/internal/query"
	"github.com/guildscope/guildscope/internal/store"
	"github.com/guildscope/guildscope/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}

	// Command connection for queries, discovery and exports
	s, err := store.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer s.Close()
	logger.Info().Msg("connected to Redis")

	d := discovery.New(s, logger)
	engine := query.New(s, logger, query.Options{
		Retention: cfg.RetentionWindow,
		PageSize:  cfg.PageSizeDefault,
	})

	// Export queue: one client to enqueue, one embedded worker to process
	asynqOpts := asynq.RedisClientOpt{
		Addr:     redisOpts.Addr,
		Username: redisOpts.Username,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	}
	asynqClient := asynq.NewClient(asynqOpts)
	defer asynqClient.Close()

	exports := export.New(s, engine, asynqClient, cfg.ExportDir, logger)

	worker := asynq.NewServer(asynqOpts, asynq.Config{
		Concurrency: cfg.ExportQueueConcurrency,
		Queues:      map[string]int{export.QueueName: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(export.TaskTypeExport, exports.HandleExportTask)
	if err := worker.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("export worker failed to start")
	}

	// Dedicated pub/sub connection so fan-out never waits behind commands
	hubClient := redis.NewClient(redisOpts)
	defer hubClient.Close()

	hub := ws.NewHub(hubClient, logger, ws.Config{
		RateLimit:   cfg.WSRateLimit,
		IdleTimeout: cfg.WSIdleTimeout,
	})
	go hub.Run(ctx)

	h := handlers.NewHandler(d, engine, exports, s, hub, logger)
	router := api.NewRouter(logger, h, hub, s, middleware.RateLimiterConfig{
		Whitelist: cfg.RateLimitWhitelist,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any fixed write budget
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting guildscope server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout. Order matters: stop taking
	// HTTP traffic, drain the export worker, then drop live connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	worker.Shutdown()
	cancel() // stops the hub dispatch loop and closes live sockets

	logger.Info().Msg("server stopped")
}
