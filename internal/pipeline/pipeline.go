// Package pipeline routes uploaded comprobante files through the image and
// PDF extraction paths and assembles the per-document item list.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dquispe/comprobantes/internal/extract"
	"github.com/dquispe/comprobantes/internal/pdftext"
	"github.com/dquispe/comprobantes/internal/preprocess"
	"github.com/dquispe/comprobantes/internal/sunat"
)

// Normalizer is the image normalization stage (internal/preprocess).
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte) ([]byte, preprocess.Meta, error)
}

// Rasterizer renders a whole PDF once for the fallback path (internal/raster).
type Rasterizer interface {
	PageCount(pdfBytes []byte) (int, error)
	RenderAll(ctx context.Context, pdfBytes []byte) ([][]byte, error)
}

// LocalExtractor is the embedded-text first tier (pdftext.ExtractFromBytes).
type LocalExtractor func(pdfBytes []byte, filename string, logger *slog.Logger) ([]pdftext.PageResult, error)

// Validator runs the second-pass validation over successful items.
type Validator interface {
	ValidarLoteAs(ctx context.Context, rucConsultante string, comps []extract.ComprobanteFields) ([]sunat.Result, error)
}

// StageTimer receives the duration of one pipeline stage (normalize,
// extract, raster, sunat). Called from worker goroutines; implementations
// must be safe for concurrent use.
type StageTimer func(stage string, d time.Duration)

// Processor wires the stages together. All collaborators are injected so
// tests can run without binaries or network.
type Processor struct {
	norm      Normalizer
	extractor extract.FieldExtractor
	raster    Rasterizer
	local     LocalExtractor
	validator Validator
	stages    StageTimer
	logger    *slog.Logger
}

func NewProcessor(norm Normalizer, extractor extract.FieldExtractor, raster Rasterizer, validator Validator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		norm:      norm,
		extractor: extractor,
		raster:    raster,
		local:     pdftext.ExtractFromBytes,
		validator: validator,
		logger:    logger,
	}
}

// WithLocalExtractor overrides the embedded-text tier, for tests.
func (p *Processor) WithLocalExtractor(local LocalExtractor) *Processor {
	p.local = local
	return p
}

// WithStageTimer enables per-stage duration observation.
func (p *Processor) WithStageTimer(timer StageTimer) *Processor {
	p.stages = timer
	return p
}

func (p *Processor) observeStage(stage string, start time.Time) {
	if p.stages != nil {
		p.stages(stage, time.Since(start))
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// processImage runs normalize + extract for one standalone image (or one
// rasterized PDF page) and returns exactly one item. Every failure mode
// degrades to a data-carrying failure item.
func (p *Processor) processImage(ctx context.Context, filename, mime string, raw []byte) Item {
	origin := Origin{Filename: filename, Mime: mime, SHA256: sha256Hex(raw)}

	normStart := time.Now()
	png, meta, err := p.norm.Normalize(ctx, raw)
	p.observeStage("normalize", normStart)
	if err != nil {
		p.logger.Warn("pipeline.image.normalize_failed", "file", filename, "error", err)
		return Item{Origen: origin, Mensaje: fmt.Sprintf("imagen_ilegible: %v", err)}
	}

	extractStart := time.Now()
	fields, err := p.extractor.ExtractImage(ctx, png)
	p.observeStage("extract", extractStart)
	if err != nil {
		p.logger.Warn("pipeline.image.extract_failed", "file", filename, "error", err)
		return Item{Origen: origin, Quality: &meta, Mensaje: err.Error()}
	}

	// local completeness validation is mandatory regardless of source
	if missing := fields.Missing(); len(missing) > 0 {
		return Item{
			Origen:  origin,
			Quality: &meta,
			Comp:    &fields,
			Mensaje: TagCamposFaltantes + ":" + strings.Join(missing, ","),
		}
	}

	return Item{Estado: true, Origen: origin, Quality: &meta, Comp: &fields}
}

// processPDF runs the two-tier PDF strategy: embedded-text extraction for
// every page, then one whole-document rasterization for the pages that
// failed, routed through the image path with provenance re-tagged.
func (p *Processor) processPDF(ctx context.Context, filename string, raw []byte) []Item {
	emb, err := p.local(raw, filename, p.logger)
	if err != nil {
		p.logger.Warn("pipeline.pdf.local_failed", "file", filename, "error", err)
		emb = nil
	}

	var okText, toFix []pdftext.PageResult
	for _, e := range emb {
		if e.Success {
			okText = append(okText, e)
		} else {
			toFix = append(toFix, e)
		}
	}
	p.logger.Info("pipeline.pdf.local_done",
		"file", filename,
		"pages", len(emb),
		"ok_text", len(okText),
		"to_fix", len(toFix),
	)

	var items []Item
	for _, e := range okText {
		pidx := e.PageIndex
		items = append(items, Item{
			Estado: true,
			Origen: Origin{Filename: filename, Mime: "application/pdf", PageIndex: &pidx},
			Comp:   e.Fields,
		})
	}

	if len(toFix) > 0 {
		items = append(items, p.rasterFallback(ctx, filename, raw, toFix)...)
	}

	// a document must never be silently dropped from the batch
	if len(emb) == 0 && len(items) == 0 {
		items = append(items, Item{
			Origen:  Origin{Filename: filename, Mime: "application/pdf"},
			Mensaje: TagPdfLecturaFallida,
		})
	}
	return items
}

// rasterFallback renders the whole document once and re-runs only the pages
// that failed local extraction. Structural failures map to tagged failure
// items without aborting sibling pages.
func (p *Processor) rasterFallback(ctx context.Context, filename string, raw []byte, toFix []pdftext.PageResult) []Item {
	if _, err := p.raster.PageCount(raw); err != nil {
		p.logger.Warn("pipeline.pdf.not_rasterizable", "file", filename, "error", err)
		return []Item{{
			Origen:  Origin{Filename: filename, Mime: "application/pdf"},
			Mensaje: TagPdfNoRasterizable,
		}}
	}

	renderStart := time.Now()
	pages, err := p.raster.RenderAll(ctx, raw)
	p.observeStage("raster", renderStart)
	if err != nil {
		p.logger.Warn("pipeline.pdf.render_failed", "file", filename, "error", err)
		return []Item{{
			Origen:  Origin{Filename: filename, Mime: "application/pdf"},
			Mensaje: TagPdfNoRasterizable,
		}}
	}

	var items []Item
	for _, e := range toFix {
		pidx := e.PageIndex
		if pidx >= len(pages) {
			// the page's own failure reason is more specific than the
			// missing-render tag, so keep it when there is one
			msg := e.Reason
			if msg == "" {
				msg = TagPdfPaginaNoDisponible
			}
			items = append(items, Item{
				Origen:  Origin{Filename: filename, Mime: "application/pdf", PageIndex: &pidx},
				Mensaje: msg,
			})
			continue
		}

		it := p.processImage(ctx, fmt.Sprintf("%s#p%d", filename, pidx), "application/pdf", pages[pidx])
		// provenance survives the format conversion
		it.Origen.Mime = "application/pdf"
		it.Origen.PageIndex = &pidx
		items = append(items, it)
	}
	return items
}
