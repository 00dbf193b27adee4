package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/api/option"

	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/mt"
	"github.com/mikesibiu/BudgetTranslate/internal/server"
	"github.com/mikesibiu/BudgetTranslate/internal/store"
)

const appVersion = "0.3.0"

func main() {
	if err := run(); err != nil {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fail fast on missing credentials instead of the first MT call.
	var creds []option.ClientOption
	if cfg.TranslationBackend == "google" {
		creds, err = config.CredentialOptions()
		if err != nil {
			return err
		}
	}

	var translator mt.Translator
	switch cfg.TranslationBackend {
	case "gemini":
		translator, err = mt.NewGeminiTranslator(ctx, cfg.GeminiAPIKey, "gemini-2.5-flash", logger)
	default:
		translator, err = mt.NewGoogleTranslator(ctx, mt.GoogleConfig{
			ProjectID:       cfg.GoogleProject,
			Location:        cfg.GoogleLocation,
			Model:           cfg.TranslationModel,
			GlossaryEnabled: cfg.GlossaryEnabled,
			ClientOptions:   creds,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("init translator: %w", err)
	}
	defer translator.Close()

	st, err := store.Open(cfg.DBPath, appVersion, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tuning, err := config.NewHotTuning(cfg.TuningPath, logger)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	tuning.Watch()

	srv := server.New(cfg, tuning, translator, st, creds, logger)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
		cancel()
	}()

	logger.Info("starting", "version", appVersion, "backend", cfg.TranslationBackend, "glossary", cfg.GlossaryEnabled)
	return srv.ListenAndServe()
}
