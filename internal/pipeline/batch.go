package pipeline

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dquispe/comprobantes/constants"
	"github.com/dquispe/comprobantes/internal/extract"
)

// MaxConcurrentFiles caps how many files are mid-pipeline simultaneously.
// This bounds memory held by decoded and rasterized pages as well as
// concurrent external-API load.
const MaxConcurrentFiles = 6

// ProcessFile sniffs one document's type and runs the matching pipeline.
// It always returns at least one item.
func (p *Processor) ProcessFile(ctx context.Context, doc RawDocument) []Item {
	if len(doc.Bytes) == 0 {
		return []Item{{
			Origen:  Origin{Filename: doc.Filename},
			Mensaje: TagArchivoVacio,
		}}
	}

	mime := sniffMime(doc)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return []Item{p.processImage(ctx, doc.Filename, mime, doc.Bytes)}
	case mime == "application/pdf":
		return p.processPDF(ctx, doc.Filename, doc.Bytes)
	default:
		return []Item{{
			Origen:  Origin{Filename: doc.Filename, Mime: mime, SHA256: sha256Hex(doc.Bytes)},
			Mensaje: TagTipoNoSoportado,
		}}
	}
}

// ProcessBatch fans the files out under the concurrency cap, merges the
// per-file item lists in file-submission order with fresh global indices,
// and runs the validation pass over the successful subset. One document's
// defect never fails the batch.
func (p *Processor) ProcessBatch(ctx context.Context, docs []RawDocument, rucConsultante string) BatchResult {
	perFile := make([][]Item, len(docs))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxConcurrentFiles)
	for i, doc := range docs {
		eg.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					p.logger.Error("pipeline.file.panic", "file", doc.Filename, "panic", rec)
					perFile[i] = []Item{{
						Origen:  Origin{Filename: doc.Filename},
						Mensaje: "error_interno",
					}}
				}
			}()
			perFile[i] = p.ProcessFile(gctx, doc)
			return nil
		})
	}
	// workers never return errors; Wait is only a join
	_ = eg.Wait()

	// merge in submission order: completion order must never leak through
	var batch BatchResult
	for _, items := range perFile {
		for _, it := range items {
			batch.appendItem(it)
		}
	}

	p.validateBatch(ctx, &batch, rucConsultante)
	return batch
}

// validateBatch sends the successful items' fields to the validator as one
// ordered lote and splices the responses back in by position. Validation is
// an enrichment: any collaborator failure leaves items un-spliced rather
// than failing the batch. A length mismatch is a contract violation, so the
// whole response is discarded instead of zipping out of alignment.
func (p *Processor) validateBatch(ctx context.Context, batch *BatchResult, rucConsultante string) {
	if p.validator == nil {
		return
	}

	var okIdx []int
	var comps []extract.ComprobanteFields
	for i, it := range batch.Data {
		if it.Estado && it.Comp != nil {
			okIdx = append(okIdx, i)
			comps = append(comps, *it.Comp)
		}
	}
	if len(comps) == 0 {
		return
	}

	validateStart := time.Now()
	results, err := p.validator.ValidarLoteAs(ctx, rucConsultante, comps)
	p.observeStage("sunat", validateStart)
	if err != nil {
		p.logger.Error("pipeline.validate.failed", "items", len(comps), "error", err)
		return
	}
	if len(results) != len(comps) {
		p.logger.Error("pipeline.validate.length_mismatch",
			"sent", len(comps),
			"received", len(results),
		)
		return
	}

	for j, i := range okIdx {
		res := results[j]
		batch.Data[i].Sunat = &res
	}
}

func sniffMime(doc RawDocument) string {
	sample := doc.Bytes
	if len(sample) > 512 {
		sample = sample[:512]
	}
	return constants.GuessMime(doc.Filename, sample)
}
