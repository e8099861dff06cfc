package extract

import (
	"context"
	"strings"
)

// ComprobanteFields is the canonical invoice record shared by every
// extraction path. Unrecovered fields are empty strings, never absent, so
// downstream consumers can count missing fields by emptiness alone.
type ComprobanteFields struct {
	NumRuc       string `json:"numRuc"`       // issuer RUC, 11 digits
	CodComp      string `json:"codComp"`      // SUNAT document type code
	NumeroSerie  string `json:"numeroSerie"`  // alphanumeric, <= 4 chars
	Numero       string `json:"numero"`       // numeric string, <= 8 digits
	FechaEmision string `json:"fechaEmision"` // dd/mm/yyyy
	Monto        string `json:"monto"`        // decimal, "." separator, best-effort
}

// Missing returns the JSON names of required fields that are still empty.
// Monto is intentionally not required.
func (f ComprobanteFields) Missing() []string {
	var out []string
	if f.NumRuc == "" {
		out = append(out, "numRuc")
	}
	if f.CodComp == "" {
		out = append(out, "codComp")
	}
	if f.NumeroSerie == "" {
		out = append(out, "numeroSerie")
	}
	if f.Numero == "" {
		out = append(out, "numero")
	}
	if f.FechaEmision == "" {
		out = append(out, "fechaEmision")
	}
	return out
}

// Complete reports whether all required fields are present.
func (f ComprobanteFields) Complete() bool {
	return len(f.Missing()) == 0
}

// TrimSpace normalizes surrounding whitespace on every field in place.
func (f *ComprobanteFields) TrimSpace() {
	f.NumRuc = strings.TrimSpace(f.NumRuc)
	f.CodComp = strings.TrimSpace(f.CodComp)
	f.NumeroSerie = strings.TrimSpace(f.NumeroSerie)
	f.Numero = strings.TrimSpace(f.Numero)
	f.FechaEmision = strings.TrimSpace(f.FechaEmision)
	f.Monto = strings.TrimSpace(f.Monto)
}

// FieldExtractor is the opaque vision collaborator: one normalized PNG in,
// one field record out. Implementations must fill every key and use empty
// strings for anything they could not read; they are never expected to know
// the receiver's RUC.
type FieldExtractor interface {
	ExtractImage(ctx context.Context, png []byte) (ComprobanteFields, error)
}
