package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/dquispe/comprobantes/internal/async"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/pipeline"
)

type fakeProcessor struct {
	gotDocs []pipeline.RawDocument
	gotRUC  string
	result  pipeline.BatchResult
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, docs []pipeline.RawDocument, ruc string) pipeline.BatchResult {
	f.gotDocs = docs
	f.gotRUC = ruc
	if f.result.Data != nil {
		return f.result
	}
	var res pipeline.BatchResult
	for i, d := range docs {
		res.Data = append(res.Data, pipeline.Item{
			Index:  i,
			Estado: len(d.Bytes) > 0,
			Origen: pipeline.Origin{Filename: d.Filename},
		})
	}
	return res
}

type fakeExporter struct {
	gotID uuid.UUID
	data  []byte
	err   error
}

func (f *fakeExporter) ExportBatchXLSX(_ context.Context, id uuid.UUID) ([]byte, error) {
	f.gotID = id
	return f.data, f.err
}

type fakeQueue struct {
	jobs []async.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job async.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Shutdown(_ context.Context) {}

type fakeStore struct {
	saved map[string][]byte
}

func (f *fakeStore) Save(_ context.Context, batchID uuid.UUID, filename string, data io.Reader) (string, error) {
	if f.saved == nil {
		f.saved = map[string][]byte{}
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.saved[filename] = b
	return batchID.String() + "/" + filename, nil
}

func newTestServer(proc BatchProcessor) *Server {
	logger := slog.New(slog.DiscardHandler)
	return New(proc, common.ServerConfig{MaxUploadBytes: 8 << 20}, "20600055519", logger)
}

func multipartBody(t *testing.T, field string, files map[string][]byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	for k, v := range extra {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-Id"); got == "" {
		t.Fatalf("missing X-Request-Id header")
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestValidarComprobanteSingleFile(t *testing.T) {
	proc := &fakeProcessor{}
	srv := httptest.NewServer(newTestServer(proc).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivo", map[string][]byte{"boleta.jpg": []byte("jpeg-bytes")}, nil)
	resp, err := http.Post(srv.URL+"/validar-comprobante", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if len(proc.gotDocs) != 1 || proc.gotDocs[0].Filename != "boleta.jpg" {
		t.Fatalf("docs = %+v", proc.gotDocs)
	}
	if string(proc.gotDocs[0].Bytes) != "jpeg-bytes" {
		t.Fatalf("bytes = %q", proc.gotDocs[0].Bytes)
	}
	if proc.gotRUC != "20600055519" {
		t.Fatalf("ruc = %q", proc.gotRUC)
	}

	var out pipeline.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 1 || !out.Data[0].Estado {
		t.Fatalf("out = %+v", out)
	}
}

func TestValidarComprobanteMissingField(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "otra_cosa", map[string][]byte{"x.jpg": []byte("x")}, nil)
	resp, err := http.Post(srv.URL+"/validar-comprobante", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestValidarComprobanteEmptyFile(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivo", map[string][]byte{"vacio.jpg": nil}, nil)
	resp, err := http.Post(srv.URL+"/validar-comprobante", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), pipeline.TagArchivoVacio) {
		t.Fatalf("body = %s", raw)
	}
}

func TestValidarLoteMultipleFiles(t *testing.T) {
	proc := &fakeProcessor{}
	queue := &fakeQueue{}
	store := &fakeStore{}
	srv := httptest.NewServer(newTestServer(proc).WithArchiver(queue).WithArtifactStore(store).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivos", map[string][]byte{
		"a.pdf": []byte("%PDF-1.4"),
		"b.jpg": []byte("jpg"),
	}, nil)
	resp, err := http.Post(srv.URL+"/validar-lote", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out loteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LoteID == "" {
		t.Fatalf("missing lote_id")
	}
	loteID, err := uuid.Parse(out.LoteID)
	if err != nil {
		t.Fatalf("lote_id %q is not a UUID: %v", out.LoteID, err)
	}
	if len(out.Data) != 2 {
		t.Fatalf("got %d items, want 2", len(out.Data))
	}

	if len(proc.gotDocs) != 2 {
		t.Fatalf("docs = %+v", proc.gotDocs)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.BatchID != loteID || job.RucConsultante != "20600055519" || len(job.Result.Data) != 2 {
		t.Fatalf("job = %+v", job)
	}
	if len(store.saved) != 2 || string(store.saved["a.pdf"]) != "%PDF-1.4" {
		t.Fatalf("saved = %v", store.saved)
	}
}

func TestValidarLoteRucOverride(t *testing.T) {
	proc := &fakeProcessor{}
	srv := httptest.NewServer(newTestServer(proc).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivos", map[string][]byte{"a.jpg": []byte("x")},
		map[string]string{"ruc_consultante": "20111111111"})
	resp, err := http.Post(srv.URL+"/validar-lote", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if proc.gotRUC != "20111111111" {
		t.Fatalf("ruc = %q, want override", proc.gotRUC)
	}
}

func TestValidarLoteMissingField(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivos", nil, map[string]string{"ruc_consultante": "20111111111"})
	resp, err := http.Post(srv.URL+"/validar-lote", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestValidarLoteEmptyFileStaysInBatch(t *testing.T) {
	// one empty upload must become a failure item, not an HTTP error
	proc := &fakeProcessor{}
	srv := httptest.NewServer(newTestServer(proc).Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "archivos", map[string][]byte{
		"vacio.jpg": nil,
		"ok.jpg":    []byte("x"),
	}, nil)
	resp, err := http.Post(srv.URL+"/validar-lote", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(proc.gotDocs) != 2 {
		t.Fatalf("docs = %+v", proc.gotDocs)
	}
}

func TestExportLote(t *testing.T) {
	exp := &fakeExporter{data: []byte("PK\x03\x04workbook")}
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).WithExporter(exp).Handler())
	defer srv.Close()

	id := uuid.New()
	resp, err := http.Get(srv.URL + "/lotes/" + id.String() + "/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if exp.gotID != id {
		t.Fatalf("exporter got %s, want %s", exp.gotID, id)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, id.String()) {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(raw, exp.data) {
		t.Fatalf("body = %q", raw)
	}
}

func TestExportLoteBadID(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).WithExporter(&fakeExporter{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lotes/no-es-uuid/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExportLoteNotFound(t *testing.T) {
	exp := &fakeExporter{err: fmt.Errorf("batch %s: %w", uuid.Nil, common.ErrNotFound)}
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).WithExporter(exp).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lotes/" + uuid.NewString() + "/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExportLoteDisabled(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lotes/" + uuid.NewString() + "/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestIDIsPreserved(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeProcessor{}).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req-abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-abc-123" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}
