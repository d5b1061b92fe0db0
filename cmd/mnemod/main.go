package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/mnemo/internal/config"
	"github.com/ent0n29/mnemo/internal/entity"
	"github.com/ent0n29/mnemo/internal/httpapi"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/retriever"
	"github.com/ent0n29/mnemo/internal/service"
	"github.com/ent0n29/mnemo/internal/session"
	"github.com/ent0n29/mnemo/internal/turnlog"
	"github.com/ent0n29/mnemo/internal/window"
)

func main() {
	// Local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	turnStore, err := turnlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("turn store init failed: %v", err)
	}
	defer turnStore.Close()

	prefStore, err := prefs.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("preference store init failed: %v", err)
	}
	defer prefStore.Close()

	if cfg.DatabaseURL == "" {
		log.Printf("stores: in-memory (set DATABASE_URL for postgres)")
	} else {
		log.Printf("stores: postgres")
	}

	sizer, err := window.NewTokenSizer(cfg.TokenizerEncoding)
	if err != nil {
		log.Printf("tokenizer unavailable (%v), falling back to byte sizing", err)
		sizer = window.ByteSizer
	}

	cache := session.NewCache(cfg.SessionIdleTimeout, cfg.WindowTurns, cfg.SessionCapacity)
	registry := entity.NewRegistry(cfg.ResolutionDepth)
	index := retriever.NewInvertedIndex()
	windows := window.NewManager(cache, sizer, cfg.SummarizeThreshold, cfg.DefaultContextBudget, cfg.MaxContextBudget)
	consolidator := prefs.NewConsolidator(prefStore, cfg.ConsolidationSweep)

	rtv := retriever.New(retriever.Config{
		WindowTurns:       cfg.WindowTurns,
		DecayHalfLife:     cfg.DecayHalfLife,
		SimilarityTimeout: cfg.SimilarityTimeout,
		SimilarityK:       cfg.SimilarityK,
		Sizer:             windows.Sizer(),
		ObserveSimilarity: func(d time.Duration) {
			metrics.ObserveStage(observability.StageSimilarity, d)
		},
	}, cache, registry, prefStore, index)

	svc := service.New(turnStore, prefStore, consolidator, cache, registry, rtv, windows, index, metrics)

	api := httpapi.New(cfg, svc, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	cache.StartJanitor(runCtx, cfg.JanitorInterval)
	consolidator.Start(runCtx)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Flush every held session so no proposed preference is stranded.
	svc.Shutdown()
	_ = consolidator.Sweep(shutdownCtx)

	log.Printf("shutdown complete")
}
