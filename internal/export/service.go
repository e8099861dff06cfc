package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/dquispe/comprobantes/internal/repository"
)

// Service is a small façade over the batch repository that produces XLSX
// bytes for archived batches.
type Service struct {
	repo   repository.BatchRepository
	logger *slog.Logger
}

func NewService(repo repository.BatchRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// ExportBatchXLSX returns an XLSX workbook (as bytes) with one row per
// archived item of the batch, successes and failures alike.
func (s *Service) ExportBatchXLSX(ctx context.Context, batchID uuid.UUID) ([]byte, error) {
	start := time.Now()

	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	items, err := s.repo.ListItems(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Comprobantes"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	// drop the default sheet excelize creates
	if idx, _ := f.GetSheetIndex("Sheet1"); idx != -1 {
		_ = f.DeleteSheet("Sheet1")
	}

	headers := []string{
		"Index",
		"Estado",
		"Archivo",
		"Pagina",
		"RUC",
		"Tipo",
		"Serie",
		"Numero",
		"Fecha Emision",
		"Monto",
		"SUNAT OK",
		"Mensaje",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, it := range items {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, it.ItemIndex)
		if it.Estado {
			write(2, "OK")
		} else {
			write(2, "FALLIDO")
		}
		write(3, it.Filename)
		if it.PageIndex != nil {
			write(4, *it.PageIndex)
		}
		if it.Comp != nil {
			write(5, it.Comp.NumRuc)
			write(6, it.Comp.CodComp)
			write(7, it.Comp.NumeroSerie)
			write(8, it.Comp.Numero)
			write(9, it.Comp.FechaEmision)
			write(10, it.Comp.Monto)
		}
		if it.SunatOK != nil {
			if *it.SunatOK {
				write(11, "SI")
			} else {
				write(11, "NO")
			}
		}
		write(12, it.Mensaje)

		row++
	}

	_ = f.SetColWidth(sheet, "C", "C", 40) // filename
	_ = f.SetColWidth(sheet, "E", "E", 14) // ruc
	_ = f.SetColWidth(sheet, "G", "H", 12) // serie/numero
	_ = f.SetColWidth(sheet, "I", "I", 14) // fecha
	_ = f.SetColWidth(sheet, "L", "L", 48) // mensaje

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", batchID.String(),
		"status", string(batch.Status),
		"rows", len(items),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
