package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dquispe/comprobantes/internal/async"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/pipeline"
)

// loteResponse wraps the item list with the id the caller can use to fetch
// the XLSX export later.
type loteResponse struct {
	LoteID string          `json:"lote_id"`
	Data   []pipeline.Item `json:"data"`
}

// validarComprobante processes exactly one uploaded file synchronously.
// Multi-page PDFs still produce one item per page.
func (s *Server) validarComprobante(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form inválido"})
		return
	}

	file, header, err := r.FormFile("archivo")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "campo multipart 'archivo' es requerido"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no se pudo leer el archivo"})
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": pipeline.TagArchivoVacio})
		return
	}

	ruc := s.rucConsultante(r)
	res := s.proc.ProcessBatch(r.Context(), []pipeline.RawDocument{{
		Filename:            header.Filename,
		Bytes:               raw,
		DeclaredContentType: header.Header.Get("Content-Type"),
	}}, ruc)

	s.recordBatchMetrics(1, res)
	writeJSON(w, http.StatusOK, res)
}

// validarLote processes a multi-file upload as one batch. Defective files
// become failure items, never HTTP errors; the endpoint answers 200 as long
// as the form itself is readable.
func (s *Server) validarLote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form inválido"})
		return
	}

	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["archivos"]
	}
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "campo multipart 'archivos' es requerido"})
		return
	}

	loteID := uuid.New()
	docs := make([]pipeline.RawDocument, 0, len(headers))
	for _, fh := range headers {
		raw, err := readUpload(fh)
		if err != nil {
			s.logger.Warn("lote.upload.read_failed", "lote_id", loteID, "file", fh.Filename, "error", err)
			raw = nil
		}
		docs = append(docs, pipeline.RawDocument{
			Filename:            fh.Filename,
			Bytes:               raw,
			DeclaredContentType: fh.Header.Get("Content-Type"),
		})
	}

	ruc := s.rucConsultante(r)
	res := s.proc.ProcessBatch(r.Context(), docs, ruc)
	s.recordBatchMetrics(len(docs), res)

	s.retainArtifacts(r, loteID, docs)
	if s.archiver != nil {
		_ = s.archiver.Enqueue(r.Context(), async.Job{
			BatchID:        loteID,
			RucConsultante: ruc,
			Result:         res,
			SubmittedAt:    time.Now().UTC(),
		})
	}

	writeJSON(w, http.StatusOK, loteResponse{LoteID: loteID.String(), Data: res.Data})
}

func (s *Server) exportLote(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "export no habilitado"})
		return
	}

	id, err := uuid.Parse(r.PathValue("lote_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lote_id debe ser un UUID"})
		return
	}

	xlsx, err := s.exporter.ExportBatchXLSX(r.Context(), id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "lote no encontrado"})
			return
		}
		s.logger.Error("lote.export.failed", "lote_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "export falló"})
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="lote-`+id.String()+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}

// rucConsultante resolves the consulting RUC: per-request form field first,
// configured default otherwise.
func (s *Server) rucConsultante(r *http.Request) string {
	if v := strings.TrimSpace(r.FormValue("ruc_consultante")); v != "" {
		return v
	}
	return s.defaultRuc
}

func (s *Server) retainArtifacts(r *http.Request, loteID uuid.UUID, docs []pipeline.RawDocument) {
	if s.store == nil {
		return
	}
	for _, doc := range docs {
		if len(doc.Bytes) == 0 {
			continue
		}
		if _, err := s.store.Save(r.Context(), loteID, doc.Filename, bytes.NewReader(doc.Bytes)); err != nil {
			s.logger.Warn("lote.artifact.save_failed", "lote_id", loteID, "file", doc.Filename, "error", err)
		}
	}
}

func (s *Server) recordBatchMetrics(files int, res pipeline.BatchResult) {
	if s.metrics == nil {
		return
	}
	ok, failed := 0, 0
	for _, it := range res.Data {
		if it.Estado {
			ok++
		} else {
			failed++
		}
		if it.Sunat != nil {
			s.metrics.RecordSunatVerdict(serviceName, it.Sunat.OK)
		}
	}
	s.metrics.RecordBatch(serviceName, files, ok, failed)
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
