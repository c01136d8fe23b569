package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/auth"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/eventstore"
	"github.com/latticehq/lattice/internal/mail"
	"github.com/latticehq/lattice/internal/storage/object"
	spg "github.com/latticehq/lattice/internal/storage/postgres"
	transport "github.com/latticehq/lattice/internal/transport/http"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Parse()
	if err != nil {
		log.Error("config", "err", err)
		os.Exit(1)
	}
	log.Info("starting", "port", cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := spg.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}
	log.Info("db ready, migrations applied")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	events := eventstore.NewStore(db.Pool, log, eventstore.Options{
		Role:        cfg.EventWriterRole,
		MaxAttempts: cfg.EventMaxAttempts,
		BaseDelay:   cfg.EventRetryBase,
		MaxDelay:    cfg.EventRetryCap,
	})

	recorder := audit.NewRecorder(events, log, 1024)
	recorder.Start(ctx)

	var mailer mail.Mailer
	if cfg.MailProvider == "ses" {
		m, err := mail.NewSESMailer(ctx, cfg.BlobRegion, cfg.MailFrom)
		if err != nil {
			log.Error("ses mailer", "err", err)
			os.Exit(1)
		}
		mailer = m
	} else {
		mailer = &mail.LogMailer{Log: log}
	}

	blobs, err := object.NewS3Store(ctx, object.S3Config{
		Bucket:   cfg.BlobBucket,
		Region:   cfg.BlobRegion,
		Endpoint: cfg.BlobEndpoint,
		Prefix:   cfg.BlobPrefix,
	})
	if err != nil {
		log.Error("blob store", "err", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	authSvc := auth.NewService(
		auth.NewUserStore(db.Pool),
		tokens,
		auth.NewRedisRevocations(rdb),
		mailer,
		recorder,
		log,
	)

	deps := &transport.ServerDeps{
		Cfg:    cfg,
		Log:    log,
		Events: events,
		Auth:   authSvc,
		Tokens: tokens,
		Blobs:  blobs,
		Audit:  recorder,
		DB:     db,
		Redis:  redisPinger{rdb},
		Now:    func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ready(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
