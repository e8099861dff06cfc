package pdftext

import (
	"regexp"
	"strings"

	"github.com/dquispe/comprobantes/constants"
)

// Go's regexp has no lookarounds, so the "not embedded in a longer digit
// run" guards are explicit neighbour checks over match indices.
var (
	rucRE      = regexp.MustCompile(`[12]\d{10}`)
	fechaRE    = regexp.MustCompile(`\b(0[1-9]|[12]\d|3[01])/(0[1-9]|1[0-2])/\d{4}\b`)
	serieNumRE = regexp.MustCompile(`([A-Z0-9]{1,4})[-\s]?(\d{1,8})`)
	montoRE    = regexp.MustCompile(`\d{1,7}[.,]\d{2}`)
)

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func standalone(text string, start, end int) bool {
	if start > 0 && isDigit(text[start-1]) {
		return false
	}
	if end < len(text) && isDigit(text[end]) {
		return false
	}
	return true
}

// findRUC returns the first 11-digit numeral starting with 1 or 2 that is
// not adjacent to other digits.
func findRUC(text string) string {
	for _, loc := range rucRE.FindAllStringIndex(text, -1) {
		if standalone(text, loc[0], loc[1]) {
			return text[loc[0]:loc[1]]
		}
	}
	return ""
}

// findFecha returns the first strict dd/mm/yyyy date.
func findFecha(text string) string {
	return fechaRE.FindString(text)
}

// findCodComp maps the first matching Spanish document-type keyword to its
// SUNAT code. First keyword wins, no scoring.
func findCodComp(text string) string {
	t := strings.ToUpper(text)
	switch {
	case strings.Contains(t, "FACTURA"):
		return constants.DocTypeFactura
	case strings.Contains(t, "BOLETA"):
		return constants.DocTypeBoleta
	case strings.Contains(t, "NOTA DE CR"):
		return constants.DocTypeNotaCredito
	case strings.Contains(t, "NOTA DE D"):
		return constants.DocTypeNotaDebito
	case strings.Contains(t, "RECIBO POR HONORARIOS"):
		return constants.DocTypeReciboHonorarios
	}
	return ""
}

// findSerieNumero takes the first serie/number token pair in reading order
// over the newline-flattened text. No attempt to disambiguate candidates.
func findSerieNumero(text string) (serie, numero string) {
	flat := strings.ReplaceAll(text, "\n", " ")
	m := serieNumRE.FindStringSubmatch(flat)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// findMonto applies the named "last decimal wins" policy: documents
// conventionally list subtotal and tax before the grand total, so the last
// standalone decimal-shaped value is assumed to be the total. Explainable,
// fallible, swappable in tests.
func findMonto(text string) string {
	locs := montoRE.FindAllStringIndex(text, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		if standalone(text, locs[i][0], locs[i][1]) {
			return normMonto(text[locs[i][0]:locs[i][1]])
		}
	}
	return ""
}

// normMonto normalizes a decimal comma to a dot and strips spaces.
func normMonto(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, ",", ".")
}
