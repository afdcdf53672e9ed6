package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/api"
	"github.com/cadencehq/cadence/internal/circuitbreaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/mail"
	"github.com/cadencehq/cadence/internal/metrics"
	"github.com/cadencehq/cadence/internal/observ"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/redis"
	"github.com/cadencehq/cadence/internal/scheduler"
	"github.com/cadencehq/cadence/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting cadence engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("mail_backend", cfg.MailBackend),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	sequences := db.NewSequenceRepository(database, logger)
	subscribers := db.NewSubscriberRepository(database, logger)
	deliveries := db.NewDeliveryRepository(database, logger)

	// Redis backs the cross-process tick lock. Without it a single
	// process still works; replicas would just run duplicate ticks,
	// which the idempotent store operations absorb.
	var tickLock scheduler.Locker
	if cfg.RedisHost != "" {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, tick lock disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			tickLock = redis.NewTickLock(redisClient, logger)
		}
	}

	var producer queue.Producer
	var consumer queue.Consumer
	switch cfg.QueueBackend {
	case "sqs":
		q, err := queue.NewSQS(ctx, queue.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		producer, consumer = q, q
	default:
		q := queue.NewMemory(0, logger)
		defer q.Close()
		producer, consumer = q, q
	}

	var sender mail.Sender
	switch cfg.MailBackend {
	case "ses":
		sender, err = mail.NewSESSender(ctx, mail.SESConfig{Region: cfg.AWSRegion}, logger)
		if err != nil {
			return fmt.Errorf("failed to create ses sender: %w", err)
		}
	case "smtp":
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, logger)
	default:
		sender = mail.NewLogSender(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.MailBackend), logger)
	protected := circuitbreaker.NewProtectedSender(sender, breaker, logger)

	w := worker.New(deliveries, protected, worker.Config{
		FromAddress: cfg.FromEmail,
		FromName:    cfg.FromName,
		SendTimeout: cfg.SendTimeout,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := consumer.Run(workerCtx, w.Handle, cfg.WorkerConcurrency); err != nil {
			logger.Error("queue consumer stopped", zap.Error(err))
		}
	}()

	logger.Info("delivery workers started", zap.Int("concurrency", cfg.WorkerConcurrency))

	sched := scheduler.New(sequences, deliveries, producer, scheduler.Config{
		BatchSize: cfg.DispatchBatchSize,
	}, logger)
	retries := scheduler.NewRetryCoordinator(deliveries, producer, cfg.MaxAttempts, logger)

	runner := scheduler.NewRunner(sched, retries, tickLock, scheduler.RunnerConfig{
		DispatchInterval: cfg.DispatchInterval,
		RetryInterval:    cfg.RetryInterval,
	}, logger)
	if err := runner.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer runner.Stop()

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, sequences, subscribers, deliveries, sched)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers", handler.FireTrigger)

		r.Post("/sequences", handler.CreateSequence)
		r.Get("/sequences/{id}", handler.GetSequence)
		r.Patch("/sequences/{id}/status", handler.UpdateSequenceStatus)
		r.Delete("/sequences/{id}", handler.DeleteSequence)
		r.Post("/sequences/{id}/steps", handler.CreateStep)
		r.Get("/sequences/{id}/stats", handler.GetSequenceStats)

		r.Patch("/steps/{id}/status", handler.UpdateStepStatus)
		r.Delete("/steps/{id}", handler.DeleteStep)

		r.Post("/subscribers", handler.CreateSubscriber)
		r.Post("/subscribers/{id}/unsubscribe", handler.UnsubscribeSubscriber)
	})

	// Engagement tracking, hit from mail clients
	r.Get("/t/o/{id}.gif", handler.TrackOpen)
	r.Get("/t/c/{id}", handler.TrackClick)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop ticks first so no new jobs enter the queue, then give
		// outstanding requests and in-flight sends time to finish.
		runner.Stop()
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
