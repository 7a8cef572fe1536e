// Recorder server - captures audio, transcribes it in segments, and serves recordings over HTTP and WebSocket
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/voicelog/internal/audio"
	"github.com/GriffinCanCode/voicelog/internal/catalog"
	"github.com/GriffinCanCode/voicelog/internal/config"
	"github.com/GriffinCanCode/voicelog/internal/grpcclient"
	"github.com/GriffinCanCode/voicelog/internal/orchestrator"
	"github.com/GriffinCanCode/voicelog/internal/resilience"
	"github.com/GriffinCanCode/voicelog/internal/server"
	"github.com/GriffinCanCode/voicelog/internal/store"
	"github.com/GriffinCanCode/voicelog/internal/transcribe"
	"github.com/GriffinCanCode/voicelog/internal/whisperapi"
)

func main() {
	cfg := config.Load()

	// Setup structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := inferenceEngine(cfg)
	if err != nil {
		slog.Error("failed to create inference client", "backend", cfg.InferenceBackend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	pa, err := audio.NewPortAudio(cfg.ExcludedAudioDevices)
	if err != nil {
		slog.Error("failed to initialize audio", "error", err)
		os.Exit(1)
	}
	defer func() { _ = pa.Close() }()

	capture, err := audio.NewEngine(pa, audio.Config{
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
		SegmentDuration: cfg.SegmentDuration,
		OverlapDuration: cfg.OverlapDuration,
		QueueSize:       cfg.SegmentQueueSize,
	})
	if err != nil {
		slog.Error("invalid capture configuration", "error", err)
		os.Exit(1)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Open(cfg.CatalogPath); err != nil {
			slog.Error("failed to open catalog", "path", cfg.CatalogPath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = cat.Close() }()
	}

	recordings, err := store.Open(ctx, cfg.RecordingsDir, store.Options{
		SampleRate:    cfg.SampleRate,
		SegmentFormat: cfg.SegmentFormat,
		SegmentFiles:  cfg.SegmentFiles,
		Catalog:       cat,
	})
	if err != nil {
		slog.Error("failed to open recordings store", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}

	models := transcribe.NewModelCache(engine, cfg.ModelCacheSize)
	defer func() { _ = models.Close() }()
	dispatcher := transcribe.NewDispatcher(models, transcribe.Config{
		Workers:          cfg.TranscribeWorkers,
		Language:         cfg.Language,
		DrainTimeout:     cfg.DrainTimeout,
		Retry:            resilience.TranscribeRetryConfig(cfg.TranscribeMaxRetries),
		SilenceThreshold: cfg.SilenceThreshold,
	})

	mgr := orchestrator.New(capture, dispatcher, recordings, orchestrator.Config{
		Settings:        orchestrator.Settings{ModelTag: cfg.ModelTag, Device: cfg.InputDevice},
		SegmentDuration: cfg.SegmentDuration,
		OverlapDuration: cfg.OverlapDuration,
		StitchWindow:    cfg.StitchWindow,
	})
	engine.Breaker().WithHook(mgr.InferenceStateChanged)

	srv := server.New(mgr, recordings)

	// Stop waits for in-flight segments, so writes may take up to the drain timeout
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.DrainTimeout + 30*time.Second,
	}

	go func() {
		slog.Info("recorder server starting", "http", cfg.HTTPAddr, "backend", cfg.InferenceBackend,
			"model", cfg.ModelTag, "recordings", cfg.RecordingsDir)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	// Finish the active recording before the listener goes away
	if err := mgr.Close(ctx); err != nil {
		slog.Error("stopping active recording", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

type closableEngine interface {
	transcribe.Engine
	io.Closer
	Breaker() *resilience.Breaker
}

func inferenceEngine(cfg *config.Config) (closableEngine, error) {
	if cfg.InferenceBackend == config.BackendHTTP {
		return whisperapi.New(whisperapi.Config{
			BaseURL: cfg.InferenceURL,
			APIKey:  cfg.InferenceAPIKey,
			Format:  cfg.SegmentFormat,
		}), nil
	}
	c, err := grpcclient.New(cfg.InferenceAddr, grpcclient.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return c, nil
}
