package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abaumgartner/livegate/internal/audit"
	"github.com/abaumgartner/livegate/internal/config"
	"github.com/abaumgartner/livegate/internal/httpapi"
	"github.com/abaumgartner/livegate/internal/liveness"
	"github.com/abaumgartner/livegate/internal/logging"
	"github.com/abaumgartner/livegate/internal/observability"
	"github.com/abaumgartner/livegate/internal/pairing"
	"github.com/abaumgartner/livegate/internal/speech"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Logger.Fatalf("config error: %v", err)
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		logging.Logger.Fatalf("logging init failed: %v", err)
	}
	log := logging.Component("main")

	metrics := observability.NewMetrics(cfg.Server.MetricsNamespace)

	ctx := context.Background()
	auditStore, err := audit.NewStore(ctx, cfg.Audit.DatabaseURL)
	if err != nil {
		log.Fatalf("audit store init failed: %v", err)
	}
	defer auditStore.Close()
	if cfg.Audit.DatabaseURL == "" {
		log.Info("audit store: in-memory")
	} else {
		log.Info("audit store: postgres")
	}

	pairings := pairing.NewStore(cfg.Pairing.CodeLength, cfg.Pairing.CodeTTL)
	registry := liveness.NewRegistry(cfg.Session.IdleTimeout)

	// Keyword spotting runs on transcripts the verifier client ships with
	// its audio; the reserved words stay in the scan set so duress always
	// reaches the challenge manager.
	spotterWords := append([]string{}, cfg.ChallengeKeywords()...)
	spotterWords = append(spotterWords, cfg.Challenge.DuressKeyword, cfg.Challenge.NoiseKeyword)
	spotters := func(sink func(speech.KeywordEvent)) speech.Spotter {
		return speech.NewTranscriptSpotter(spotterWords, cfg.Challenge.DuressKeyword, cfg.Challenge.NoiseKeyword, sink)
	}

	api := httpapi.New(*cfg, pairings, registry, auditStore, metrics, spotters)
	registry.SetEvictHook(api.HandleEvicted)

	httpServer := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, 5*time.Second)
	pairings.StartJanitor(runCtx, 15*time.Second)

	go func() {
		log.Infof("server listening on %s", cfg.Server.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
