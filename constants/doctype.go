package constants

// SUNAT document type codes (codComp) accepted by validarcomprobante.
const (
	DocTypeFactura          = "01" // factura
	DocTypeBoleta           = "03" // boleta de venta
	DocTypeNotaCredito      = "07" // nota de crédito
	DocTypeNotaDebito       = "08" // nota de débito
	DocTypeReciboHonorarios = "R1" // recibo por honorarios
	DocTypeNotaCreditoRH    = "R7" // nota de crédito de recibo por honorarios
)

// RequiredFields are the comprobante fields that must be non-empty for an
// item to count as successfully extracted. Monto is best-effort and never
// gates success.
var RequiredFields = []string{"numRuc", "codComp", "numeroSerie", "numero", "fechaEmision"}
