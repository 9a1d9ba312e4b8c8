package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tillbridge/backend/internal/config"
	"tillbridge/backend/internal/erp"
	"tillbridge/backend/internal/httpapi"
	"tillbridge/backend/internal/service"
	"tillbridge/backend/internal/session"
	"tillbridge/backend/internal/store"
	"tillbridge/backend/internal/store/memory"
	pgstore "tillbridge/backend/internal/store/postgres"
	"tillbridge/backend/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		} else {
			repo = pg
			closers = append(closers, pg.Close)
			log.Println("repository: postgres")
		}
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	sessionTTL := time.Duration(cfg.SessionTTLSeconds) * time.Second
	var sessions session.Tracker = session.NewMemoryTracker(sessionTTL)
	if cfg.RedisAddr != "" {
		redisTracker := session.NewRedisTracker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, sessionTTL)
		if err := redisTracker.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory session tracker", err)
		} else {
			sessions = redisTracker
			closers = append(closers, redisTracker.Close)
			log.Println("session tracker: redis")
		}
	} else {
		log.Println("session tracker: in-memory")
	}

	remote := erp.New(cfg.ErpBaseURL, cfg.ErpAPIKey, cfg.ErpAPISecret, time.Duration(cfg.ErpTimeoutSeconds)*time.Second)
	svc := service.New(repo, remote, sessions, cfg.Warehouse, cfg.PriceList)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	runner := worker.New(svc,
		time.Duration(cfg.PushIntervalSeconds)*time.Second,
		time.Duration(cfg.PullIntervalSeconds)*time.Second,
		cfg.PushBatchSize, cfg.PullLoops, cfg.PullPageSize)
	go runner.Run(workerCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("till backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
