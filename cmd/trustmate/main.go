// TrustMate - UPI payment verification and fraud-risk engine.
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/harsaa34/trustmate/internal/api"
	"github.com/harsaa34/trustmate/internal/bus"
	"github.com/harsaa34/trustmate/internal/cache"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/extractor"
	"github.com/harsaa34/trustmate/internal/metrics"
	"github.com/harsaa34/trustmate/internal/parser"
	"github.com/harsaa34/trustmate/internal/replay"
	"github.com/harsaa34/trustmate/internal/repository"
	"github.com/harsaa34/trustmate/internal/risk"
	"github.com/harsaa34/trustmate/internal/verification"
	"github.com/harsaa34/trustmate/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg := domain.ConfigFromEnv()
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting trustmate",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.Verification.AsyncWorker,
	)

	if err := run(cfg); err != nil {
		slog.Error("trustmate exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("trustmate shutdown complete")
}

func run(cfg *domain.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("TRUSTMATE_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	locker := cache.NewLocker(cfg.Cache, cacheImpl)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	vc := cfg.Verification
	loc, err := time.LoadLocation(vc.Location)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", vc.Location, err)
	}

	scorer, err := risk.NewDefaultScorer(risk.Config{
		UnusualHourStart: vc.UnusualHourStart,
		UnusualHourEnd:   vc.UnusualHourEnd,
		Location:         loc,
	})
	if err != nil {
		return fmt.Errorf("initialize risk scorer: %w", err)
	}

	var ext domain.TextExtractor = extractor.Unavailable
	if vc.OCREndpoint != "" {
		ext = extractor.NewHTTPExtractor(vc.OCREndpoint, nil)
		slog.Info("ocr extractor configured", "endpoint", vc.OCREndpoint)
	} else {
		slog.Warn("no OCR endpoint configured; image evidence will fail extraction")
	}

	svc, err := verification.NewService(verification.Options{
		Repo:       repo,
		Cache:      cacheImpl,
		Locker:     locker,
		Bus:        busImpl,
		Extractor:  ext,
		Parser:     parser.New(parser.WithLocation(loc)),
		Scorer:     scorer,
		Replay:     replay.NewDetector(repo, cacheImpl, vc.ResubmissionWindow),
		Metrics:    metrics.New(prometheus.DefaultRegisterer),
		OCRTimeout: vc.OCRTimeout,
		StatusTTL:  vc.StatusCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("initialize verification service: %w", err)
	}

	var asyncWorker *worker.Worker
	if vc.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{
			WorkerCount: vc.WorkerCount,
			QueueGroup:  "trustmate-verifiers",
		}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
		slog.Info("async worker started", "workers", vc.WorkerCount)
	}

	tokens := api.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)
	srv := api.NewServer(cfg.Server, svc, tokens, promhttp.Handler(), Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("trustmate is ready",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Stop taking bus work and finish what was accepted before the
		// HTTP server drains.
		if asyncWorker != nil {
			if err := asyncWorker.StopContext(shutdownCtx); err != nil {
				slog.Error("async worker stopped before draining", "error", err)
			}
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	printBanner(cfg, Version)
	return g.Wait()
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               TRUSTMATE                   ║")
	fmt.Println("  ║   UPI Payment Verification & Fraud Risk   ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /verifications                      - Start a verification (service)")
	fmt.Println("    GET  /verifications/{id}                 - Current status")
	fmt.Println("    GET  /verifications/{id}/attempts        - All attempts")
	fmt.Println("    POST /verifications/{id}/confirmation    - Receiver confirm or dispute")
	fmt.Println("    POST /verifications/{id}/override        - Admin override")
	fmt.Println("    GET  /verifications/stats                - Statistics")
	fmt.Println("    GET  /verifications/suspicious           - Suspicious attempts (admin)")
	fmt.Println("    GET  /trust/{userID}                     - Trust score")
	fmt.Println("    GET  /health                             - Health check")
	fmt.Println("    GET  /metrics                            - Prometheus metrics")
	fmt.Println()
}
