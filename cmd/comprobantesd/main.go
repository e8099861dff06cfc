package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dquispe/comprobantes/internal/async"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/export"
	"github.com/dquispe/comprobantes/internal/extract/openai"
	"github.com/dquispe/comprobantes/internal/observability/metrics"
	"github.com/dquispe/comprobantes/internal/ocr"
	"github.com/dquispe/comprobantes/internal/pipeline"
	"github.com/dquispe/comprobantes/internal/preprocess"
	"github.com/dquispe/comprobantes/internal/raster"
	"github.com/dquispe/comprobantes/internal/repository"
	"github.com/dquispe/comprobantes/internal/server"
	"github.com/dquispe/comprobantes/internal/storage/localfs"
	"github.com/dquispe/comprobantes/internal/sunat"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := ocr.ExecRunner{}
	osd := ocr.NewOSD(ocr.Config{
		Tesseract:   cfg.Preproc.Tesseract,
		TessdataDir: cfg.Preproc.TessdataDir,
	}, runner, logger)
	normalizer := preprocess.New(osd, cfg.Preproc.MaxSide, logger)
	rasterizer := raster.New(raster.Config{
		Pdftoppm: cfg.Preproc.Pdftoppm,
		DPI:      cfg.Preproc.RasterDPI,
	}, runner, logger)
	extractor := openai.NewClient(openai.Config{
		BaseURL:     cfg.Extract.BaseURL,
		APIKey:      cfg.Extract.APIKey,
		Model:       cfg.Extract.Model,
		Temperature: cfg.Extract.Temperature,
		Timeout:     cfg.Extract.Timeout,
	}, logger)

	tokens, err := sunat.NewTokenProvider(cfg.Sunat.ClientID, cfg.Sunat.ClientSecret, cfg.Sunat.TokenURL, nil, logger)
	if err != nil {
		logger.Error("sunat token provider", "error", err)
		os.Exit(1)
	}
	validator, err := sunat.NewClient(sunat.Config{
		BaseURL:        cfg.Sunat.BaseURL,
		RucConsultante: cfg.Sunat.RucConsultante,
		Timeout:        cfg.Sunat.Timeout,
	}, tokens, logger)
	if err != nil {
		logger.Error("sunat client", "error", err)
		os.Exit(1)
	}

	m := metrics.New("comprobantesd")
	proc := pipeline.NewProcessor(normalizer, extractor, rasterizer, validator, logger).
		WithStageTimer(func(stage string, d time.Duration) {
			m.ObserveStage("comprobantesd", stage, d)
		})

	srv := server.New(proc, cfg.Server, cfg.Sunat.RucConsultante, logger).
		WithMetrics(m)

	// archival and export are optional: without DB_URL the service still
	// validates, it just forgets batches after answering
	var archiver *async.Archiver
	if cfg.Database.DSN != "" {
		db, err := repository.OpenDB(cfg.Database)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		repo := repository.NewBatchRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}

		archiver = async.NewArchiver(repo, logger)
		srv.WithArchiver(archiver).
			WithExporter(export.NewService(repo, logger))

		store, err := localfs.New(cfg.Storage.BasePath)
		if err != nil {
			logger.Error("failed to init artifact store", "error", err)
			os.Exit(1)
		}
		srv.WithArtifactStore(store)
	} else {
		logger.Warn("DB_URL not set, batch archival and export disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if archiver != nil {
		archiver.Shutdown(shutdownCtx)
	}
	logger.Info("bye")
}
