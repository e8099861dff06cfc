// Package pdftext is the cheap first tier of the PDF pipeline: it recovers
// comprobante fields from the embedded text layer with pattern matching,
// no rasterization and no external calls. Pages it cannot resolve are left
// for the raster fallback.
package pdftext

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/dquispe/comprobantes/internal/extract"
)

// ReasonNoEmbeddedText marks pages whose text layer is empty or unreadable
// (typically scanned-image PDFs).
const ReasonNoEmbeddedText = "pdf_sin_texto_embebido"

// PageResult is the outcome for a single PDF page, in page order.
// Success is true iff every required field was recovered; monto never gates.
type PageResult struct {
	PageIndex int
	Success   bool
	Fields    *extract.ComprobanteFields
	Reason    string
}

// ExtractFromBytes attempts local field recovery for every page of the
// document. It returns one PageResult per page; a page that cannot be read
// yields a failed result rather than an error. The returned error is
// reserved for documents that cannot be opened at all.
func ExtractFromBytes(pdfBytes []byte, filename string, logger *slog.Logger) ([]PageResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(pdfBytes) == 0 {
		return nil, fmt.Errorf("empty pdf content")
	}

	r, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	results := make([]PageResult, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		pageIndex := i - 1
		txt := pageText(r, i, logger)

		if strings.TrimSpace(txt) == "" {
			results = append(results, PageResult{
				PageIndex: pageIndex,
				Reason:    ReasonNoEmbeddedText,
			})
			continue
		}

		fields := FieldsFromText(txt)
		if missing := fields.Missing(); len(missing) > 0 {
			results = append(results, PageResult{
				PageIndex: pageIndex,
				Fields:    fields,
				Reason:    "campos_faltantes:" + strings.Join(missing, ","),
			})
			continue
		}

		logger.Debug("pdftext.page.ok",
			"file", filename,
			"page", pageIndex,
			"cod_comp", fields.CodComp,
			"serie", fields.NumeroSerie,
		)
		results = append(results, PageResult{
			PageIndex: pageIndex,
			Success:   true,
			Fields:    fields,
		})
	}
	return results, nil
}

// FieldsFromText runs every pattern search over one page of raw text.
// The searches are independent; priority order only matters for logging.
func FieldsFromText(txt string) *extract.ComprobanteFields {
	serie, numero := findSerieNumero(txt)
	return &extract.ComprobanteFields{
		NumRuc:       findRUC(txt),
		CodComp:      findCodComp(txt),
		NumeroSerie:  serie,
		Numero:       numero,
		FechaEmision: findFecha(txt),
		Monto:        findMonto(txt),
	}
}

// pageText extracts one page's plain text, treating every failure mode
// (null page, font errors, a panicking parser) as an empty text layer.
func pageText(r *pdf.Reader, pageNum int, logger *slog.Logger) (txt string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("pdftext.page.panic", "page", pageNum-1, "panic", rec)
			txt = ""
		}
	}()

	page := r.Page(pageNum)
	if page.V.IsNull() {
		return ""
	}
	s, err := page.GetPlainText(nil)
	if err != nil {
		logger.Debug("pdftext.page.unreadable", "page", pageNum-1, "error", err)
		return ""
	}
	return s
}
