package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"wagateway/internal/api"
	"wagateway/internal/config"
	"wagateway/internal/connection"
	"wagateway/internal/gateway"
	"wagateway/internal/pipeline"
	"wagateway/internal/queue"
	"wagateway/internal/relay"
	"wagateway/internal/store"
	"wagateway/internal/whatsapp"
	"wagateway/pkg/logger"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to the env file")
	address := pflag.String("address", "", "HTTP listen address, overrides SERVER_ADDRESS/PORT")
	logLevel := pflag.String("log-level", "", "log level, overrides LOG_LEVEL")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.InitLogger("info", "")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open message log database")
		return 1
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to migrate message log schema")
		return 1
	}

	rdb, err := newRedis(ctx, cfg.Redis)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to redis")
		return 1
	}
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queue.Name, queue.Options{
		Retry:      queue.RetryPolicy{Attempts: cfg.Queue.MaxAttempts, Backoff: cfg.Queue.Backoff},
		KeepFailed: cfg.Queue.KeepFailed,
	})
	if n, err := q.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover interrupted jobs")
		return 1
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("Requeued jobs left active by a previous run")
	}

	rl, closeSinks, err := newRelay(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up event relay")
		return 1
	}
	defer closeSinks()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rl.Start(runCtx)

	dialer, err := whatsapp.NewDialer(ctx, cfg.Session.AuthDialect, cfg.Session.AuthDSN)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open WhatsApp auth store")
		return 1
	}
	defer dialer.Close()

	manager := connection.NewManager(dialer, rl, connection.Options{
		Base:        cfg.Session.ReconnectBase,
		Cap:         cfg.Session.ReconnectCap,
		MaxAttempts: cfg.Session.ReconnectMaxAttempts,
		QRTerminal:  cfg.Session.QRTerminal,
	})
	pipe := pipeline.New(st, q)
	worker := pipeline.NewWorker(q, st, manager, rl, pipeline.WorkerOptions{
		RateMax:  cfg.Queue.RateLimitMax,
		RateSpan: cfg.Queue.RateLimitSpan,
	})
	reconciler := pipeline.NewReconciler(st, q, cfg.Reconcile.Interval, cfg.Reconcile.Grace)

	gw := gateway.New(gateway.Deps{
		Connection: manager,
		Inbox:      rl,
		Log:        st,
		Submitter:  pipe,
		Queue:      q,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewHandler(gw, api.Options{APIKey: cfg.Server.APIKey, RateLimitPerMinute: cfg.Server.RateLimitPerMinute}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var exitCode atomic.Int32
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := manager.Run(runCtx); errors.Is(err, connection.ErrReconnectExhausted) {
			log.Error().Err(err).Msg("Giving up on the WhatsApp session")
			exitCode.Store(1)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		_ = worker.Run(runCtx)
		log.Info().Msg("Send worker stopped")
	}()
	go func() {
		defer wg.Done()
		_ = reconciler.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		log.Info().Str("address", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			exitCode.Store(1)
			cancel()
		}
	}()

	<-runCtx.Done()
	log.Info().Msg("Shutting down")

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer graceCancel()

	if err := srv.Shutdown(graceCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not stop cleanly")
	}
	cancel()
	if !waitWithin(graceCtx, &wg) {
		log.Warn().Msg("Background tasks did not stop within the shutdown grace period")
	}

	if err := rl.Close(graceCtx); err != nil {
		log.Warn().Err(err).Int("pending", rl.Pending()).Msg("Dropped notifications still in flight")
	}
	log.Info().Int32("exitCode", exitCode.Load()).Msg("Shutdown complete")
	return int(exitCode.Load())
}

// waitWithin waits for wg until ctx is done and reports whether wg finished.
func waitWithin(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to redis")
	return rdb, nil
}

func newRelay(cfg *config.Config) (*relay.Relay, func(), error) {
	var sinks []relay.Sink
	if wh := relay.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout); wh != nil {
		sinks = append(sinks, wh)
	}

	rabbit, err := relay.DialRabbit(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
	if err != nil {
		return nil, nil, err
	}
	closeSinks := func() {}
	if rabbit != nil {
		sinks = append(sinks, rabbit)
		closeSinks = func() {
			if err := rabbit.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
			}
		}
	}

	opts := relay.Options{
		BufferSize: cfg.Session.InboundBufferSize,
		Timeout:    cfg.Webhook.Timeout,
		Sinks:      sinks,
	}
	if cfg.S3.Enabled {
		archiver, err := relay.NewS3Archiver(relay.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			closeSinks()
			return nil, nil, err
		}
		opts.Archiver = archiver
	}
	return relay.New(opts), closeSinks, nil
}
