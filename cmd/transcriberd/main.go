package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-transcriber/internal/config"
	"voice-transcriber/internal/diagnostics"
	"voice-transcriber/internal/domain"
	"voice-transcriber/internal/engine"
	"voice-transcriber/internal/history"
	"voice-transcriber/internal/jobs"
	"voice-transcriber/internal/mailer"
	"voice-transcriber/internal/media"
	"voice-transcriber/internal/server"
	"voice-transcriber/internal/stt"
	"voice-transcriber/internal/summarize"
)

const maintenanceInterval = 10 * time.Minute

func main() {
	settingsPath := flag.String("settings", "settings.json", "path to the settings file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, *settingsPath); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, settingsPath string) error {
	settings, err := config.NewStore(settingsPath).Load()
	if err != nil {
		return err
	}
	settings = config.ApplyEnv(settings)

	report := diagnostics.NewChecker().Run(settings)
	for _, item := range report.Items {
		switch item.Status {
		case domain.DiagnosticStatusFail:
			logger.Error("startup check failed", "check", item.ID, "message", item.Message, "hint", item.Hint)
		case domain.DiagnosticStatusWarn:
			logger.Warn("startup check warning", "check", item.ID, "message", item.Message, "hint", item.Hint)
		default:
			logger.Info("startup check passed", "check", item.ID, "message", item.Message)
		}
	}
	if report.HasFailures {
		return errors.New("startup checks failed")
	}

	store, err := history.Open(settings.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := jobs.NewRegistry()
	hub := jobs.NewHub()
	processor := media.NewProcessor()
	whisper := stt.NewWhisperClient(settings.OpenAIBaseURL, settings.OpenAIAPIKey, settings.TranscriptionModel)
	summarizer := summarize.NewClient(settings.OpenAIBaseURL, settings.OpenAIAPIKey, settings.SummaryModel)
	mail := mailer.New("", settings.ResendAPIKey, settings.EmailFrom)

	maxUploadBytes := int64(settings.MaxUploadMB) << 20
	eng := engine.New(registry, hub, processor, whisper, store, logger, engine.Options{
		SingleCallLimitMB: settings.SingleCallLimitMB,
		MaxChunkSizeMB:    settings.ChunkSizeMB,
		MaxUploadBytes:    maxUploadBytes,
		UploadDir:         settings.UploadDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.StartMaintenance(ctx, maintenanceInterval)

	app := server.New(logger, eng, store, summarizer, mail, hub, settings.UploadDir, maxUploadBytes)
	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", settings.ListenAddr)
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr := <-errCh:
		return serveErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}

	for _, job := range registry.Drain() {
		logger.Info("interrupted job at shutdown", "job_id", job.ID)
	}
	return nil
}
