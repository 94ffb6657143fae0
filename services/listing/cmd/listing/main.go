package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cube/internal/ratelimit"
	"cube/internal/servicetoken"
	"cube/internal/usertoken"
	"cube/internal/util"
	"cube/pkg/events"
	"cube/pkg/identity"
	"cube/pkg/notify"
	"cube/pkg/queue"
	"cube/pkg/store"
	"cube/services/listing/internal/app"
	"cube/services/listing/internal/config"
	"cube/services/listing/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	holdDuration, err := config.ParseHoldDuration(cfg.HoldDuration)
	if err != nil {
		log.Fatalf("failed to parse hold duration: %v", err)
	}
	sweepInterval, err := config.ParseSweepInterval(cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to parse sweep interval: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithTransitionAttempts(cfg.TransitionAttempts))
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	notifyQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client: redisClient,
		Stream: cfg.NotifyStream,
	})
	if err != nil {
		log.Fatalf("failed to init notification queue: %v", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Source:   "listing",
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	var directory identity.Directory
	if cfg.DirectoryURL != "" {
		httpClient := &http.Client{Timeout: 5 * time.Second}
		if cfg.ServiceJWTKeyPath != "" {
			signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
				PrivateKeyPath: cfg.ServiceJWTKeyPath,
				KeyID:          cfg.ServiceJWTKeyID,
				Issuer:         "listing-service",
			})
			if err != nil {
				log.Fatalf("failed to init service token signer: %v", err)
			}
			audience := cfg.DirectoryAudience
			if audience == "" {
				audience = "student-directory"
			}
			httpClient.Transport = &servicetoken.Transport{Signer: signer, Audience: audience}
		}
		directory = identity.NewDirectoryClient(cfg.DirectoryURL, httpClient)
	}

	appCore, err := app.New(app.Config{
		Store:        dataStore,
		Notifier:     notify.NewQueueNotifier(notifyQueue),
		Events:       publisher,
		Identity:     identity.NewImportingResolver(dataStore, directory),
		HoldDuration: holdDuration,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "cube:ratelimit:listing", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listing server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return appCore.RunHoldSweeper(gctx, sweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
