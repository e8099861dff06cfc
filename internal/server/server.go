// Package server exposes the comprobante pipeline over HTTP.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dquispe/comprobantes/internal/async"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/observability/metrics"
	"github.com/dquispe/comprobantes/internal/pipeline"
)

const serviceName = "comprobantesd"

// BatchProcessor is the pipeline port; tests swap a fake in.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, docs []pipeline.RawDocument, rucConsultante string) pipeline.BatchResult
}

// Exporter renders an archived batch as an XLSX workbook.
type Exporter interface {
	ExportBatchXLSX(ctx context.Context, batchID uuid.UUID) ([]byte, error)
}

// ArtifactStore keeps the original uploads for audit. Optional.
type ArtifactStore interface {
	Save(ctx context.Context, batchID uuid.UUID, filename string, data io.Reader) (string, error)
}

type Server struct {
	proc       BatchProcessor
	archiver   async.Queue
	store      ArtifactStore
	exporter   Exporter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        common.ServerConfig
	defaultRuc string
}

func New(proc BatchProcessor, cfg common.ServerConfig, defaultRuc string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	return &Server{
		proc:       proc,
		logger:     logger,
		cfg:        cfg,
		defaultRuc: defaultRuc,
	}
}

// WithArchiver enables async batch archival after the response is sent.
func (s *Server) WithArchiver(q async.Queue) *Server {
	s.archiver = q
	return s
}

// WithArtifactStore enables upload retention.
func (s *Server) WithArtifactStore(store ArtifactStore) *Server {
	s.store = store
	return s
}

// WithExporter enables GET /lotes/{lote_id}/export.
func (s *Server) WithExporter(e Exporter) *Server {
	s.exporter = e
	return s
}

// WithMetrics enables GET /metrics and request instrumentation.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /validar-comprobante", s.validarComprobante)
	mux.HandleFunc("POST /validar-lote", s.validarLote)
	mux.HandleFunc("GET /lotes/{lote_id}/export", s.exportLote)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	if s.metrics != nil {
		h = s.metrics.Middleware(serviceName, h)
	}
	h = accessLogMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
