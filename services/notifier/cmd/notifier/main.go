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

	"cube/internal/util"
	"cube/pkg/notify"
	"cube/pkg/queue"
	"cube/services/notifier/internal/app"
	"cube/services/notifier/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  time.Duration(cfg.SMTPTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init mailer: %v", err)
	}
	worker, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Mailer:      notify.NewPacedMailer(smtpMailer, cfg.SendPerSecond, cfg.SendBurst),
		ShopName:    cfg.ShopName,
	})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     redisClient,
		Stream:     cfg.NotifyStream,
		Group:      cfg.ConsumerGroup,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := jobs.Start(ctx, cfg.Concurrency, worker.Handle); err != nil {
		log.Fatalf("failed to start consumers: %v", err)
	}
	slog.Info("notifier consuming", "concurrency", cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Port != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		srv := &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      util.WithRequestID(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("notifier error", "err", err)
	}
	slog.Info("notifier stopped")
}
