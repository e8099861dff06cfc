package pipeline

import (
	"github.com/dquispe/comprobantes/internal/extract"
	"github.com/dquispe/comprobantes/internal/preprocess"
	"github.com/dquispe/comprobantes/internal/sunat"
)

// Failure tags are part of the response contract consumed by the existing
// frontend; the Spanish wire values are deliberate.
const (
	TagArchivoVacio          = "archivo_vacio"
	TagTipoNoSoportado       = "tipo_no_soportado"
	TagCamposFaltantes       = "campos_faltantes" // used as "campos_faltantes:<list>"
	TagPdfNoRasterizable     = "pdf_no_rasterizable"
	TagPdfPaginaNoDisponible = "pdf_pagina_no_disponible"
	TagPdfLecturaFallida     = "pdf_lectura_fallida"
)

// RawDocument is one uploaded file, consumed exactly once by the pipeline.
type RawDocument struct {
	Filename            string
	Bytes               []byte
	DeclaredContentType string
}

// Origin records where an item came from, across format conversions.
type Origin struct {
	Filename  string `json:"filename"`
	Mime      string `json:"mime,omitempty"`
	PageIndex *int   `json:"pageIndex,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// Item is the canonical per-document output record. Exactly one Item per
// detected document page or file after all fallback attempts; items never
// merge. Index is assigned at assembly time and never inherited from an
// upstream page or file position.
type Item struct {
	Index   int                        `json:"index"`
	Estado  bool                       `json:"estado"`
	Origen  Origin                     `json:"origen"`
	Quality *preprocess.Meta           `json:"quality,omitempty"`
	Comp    *extract.ComprobanteFields `json:"comp,omitempty"`
	Mensaje string                     `json:"mensaje,omitempty"`
	Sunat   *sunat.Result              `json:"sunat,omitempty"`
}

// BatchResult is the ordered item list for one batch. Items follow file
// submission order, then intra-file emission order, never concurrency
// completion order.
type BatchResult struct {
	Data []Item `json:"data"`
}

// appendItem assigns the next sequential global index and appends.
func (b *BatchResult) appendItem(it Item) {
	it.Index = len(b.Data)
	b.Data = append(b.Data, it)
}
