package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dquispe/comprobantes/internal/extract"
	"github.com/dquispe/comprobantes/internal/pdftext"
	"github.com/dquispe/comprobantes/internal/preprocess"
	"github.com/dquispe/comprobantes/internal/sunat"
)

// slowNormalizer delays specific payloads so completion order inverts
// submission order.
type slowNormalizer struct {
	delays map[string]time.Duration
}

func (s *slowNormalizer) Normalize(_ context.Context, raw []byte) ([]byte, preprocess.Meta, error) {
	if d, ok := s.delays[string(raw)]; ok {
		time.Sleep(d)
	}
	return append([]byte("norm:"), raw...), preprocess.Meta{Width: 10, Height: 10}, nil
}

type fakeValidator struct {
	gotRUC   string
	gotComps []extract.ComprobanteFields
	results  []sunat.Result
	err      error
	calls    atomic.Int32
}

func (f *fakeValidator) ValidarLoteAs(_ context.Context, ruc string, comps []extract.ComprobanteFields) ([]sunat.Result, error) {
	f.calls.Add(1)
	f.gotRUC = ruc
	f.gotComps = comps
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type panicNormalizer struct {
	on string
}

func (p *panicNormalizer) Normalize(_ context.Context, raw []byte) ([]byte, preprocess.Meta, error) {
	if string(raw) == p.on {
		panic("decoder blew up")
	}
	return append([]byte("norm:"), raw...), preprocess.Meta{Width: 10, Height: 10}, nil
}

func TestProcessBatchKeepsSubmissionOrder(t *testing.T) {
	// the first file is by far the slowest; its items must still come first
	norm := &slowNormalizer{delays: map[string]time.Duration{
		"file-a": 80 * time.Millisecond,
		"file-b": 20 * time.Millisecond,
	}}
	ext := &fakeExtractor{byContent: map[string]extract.ComprobanteFields{
		"norm:file-a": completeFields("A001", "1"),
		"norm:file-b": completeFields("B001", "2"),
		"norm:file-c": completeFields("C001", "3"),
	}}
	p := NewProcessor(norm, ext, &fakeRaster{}, nil, testLogger())

	docs := []RawDocument{
		{Filename: "a.jpg", Bytes: []byte("file-a")},
		{Filename: "b.jpg", Bytes: []byte("file-b")},
		{Filename: "c.jpg", Bytes: []byte("file-c")},
	}
	batch := p.ProcessBatch(context.Background(), docs, "20600055519")

	if len(batch.Data) != 3 {
		t.Fatalf("got %d items, want 3", len(batch.Data))
	}
	wantFiles := []string{"a.jpg", "b.jpg", "c.jpg"}
	for i, it := range batch.Data {
		if it.Origen.Filename != wantFiles[i] {
			t.Fatalf("items[%d].Filename = %q, want %q", i, it.Origen.Filename, wantFiles[i])
		}
		if it.Index != i {
			t.Fatalf("items[%d].Index = %d", i, it.Index)
		}
	}
}

func TestProcessBatchReindexesAcrossMultiPageFiles(t *testing.T) {
	f1 := completeFields("F001", "1")
	f2 := completeFields("F001", "2")
	p := newTestProcessor(nil, nil, nil, nil).WithLocalExtractor(localResults(
		pdftext.PageResult{PageIndex: 0, Success: true, Fields: &f1},
		pdftext.PageResult{PageIndex: 1, Success: true, Fields: &f2},
	))

	docs := []RawDocument{
		pdfDoc("multi.pdf"),
		{Filename: "solo.jpg", Bytes: []byte("img")},
	}
	batch := p.ProcessBatch(context.Background(), docs, "")

	if len(batch.Data) != 3 {
		t.Fatalf("got %d items, want 3", len(batch.Data))
	}
	for i, it := range batch.Data {
		if it.Index != i {
			t.Fatalf("items[%d].Index = %d, want %d", i, it.Index, i)
		}
	}
	// the standalone image restarts neither the index nor inherits a page
	last := batch.Data[2]
	if last.Origen.Filename != "solo.jpg" || last.Origen.PageIndex != nil {
		t.Fatalf("items[2].Origen = %+v", last.Origen)
	}
}

func TestProcessBatchSplicesValidationByPosition(t *testing.T) {
	ext := &fakeExtractor{byContent: map[string]extract.ComprobanteFields{
		"norm:good-1": completeFields("F001", "1"),
		"norm:bad":    {NumRuc: "20123456789"},
		"norm:good-2": completeFields("F001", "2"),
	}}
	val := &fakeValidator{results: []sunat.Result{
		{OK: true, Status: 200},
		{OK: false, Status: 404},
	}}
	p := NewProcessor(&fakeNormalizer{}, ext, &fakeRaster{}, val, testLogger())

	docs := []RawDocument{
		{Filename: "uno.jpg", Bytes: []byte("good-1")},
		{Filename: "dos.jpg", Bytes: []byte("bad")},
		{Filename: "tres.jpg", Bytes: []byte("good-2")},
	}
	batch := p.ProcessBatch(context.Background(), docs, "20600055519")

	if val.gotRUC != "20600055519" {
		t.Fatalf("validator RUC = %q", val.gotRUC)
	}
	if len(val.gotComps) != 2 {
		t.Fatalf("validator received %d comps, want 2", len(val.gotComps))
	}
	if val.gotComps[1].Numero != "2" {
		t.Fatalf("comps[1] = %+v", val.gotComps[1])
	}

	if batch.Data[0].Sunat == nil || !batch.Data[0].Sunat.OK {
		t.Fatalf("items[0].Sunat = %+v", batch.Data[0].Sunat)
	}
	if batch.Data[1].Sunat != nil {
		t.Fatalf("failed item must not receive a validation result")
	}
	if batch.Data[2].Sunat == nil || batch.Data[2].Sunat.Status != 404 {
		t.Fatalf("items[2].Sunat = %+v", batch.Data[2].Sunat)
	}
}

func TestProcessBatchValidatorErrorLeavesItemsUnspliced(t *testing.T) {
	val := &fakeValidator{err: fmt.Errorf("sunat down")}
	p := NewProcessor(&fakeNormalizer{}, &fakeExtractor{}, &fakeRaster{}, val, testLogger())

	batch := p.ProcessBatch(context.Background(), []RawDocument{
		{Filename: "uno.jpg", Bytes: []byte("x")},
	}, "20600055519")

	if !batch.Data[0].Estado {
		t.Fatalf("extraction result must survive a validator outage: %+v", batch.Data[0])
	}
	if batch.Data[0].Sunat != nil {
		t.Fatalf("Sunat = %+v, want nil", batch.Data[0].Sunat)
	}
}

func TestProcessBatchDiscardsMismatchedValidatorResponse(t *testing.T) {
	val := &fakeValidator{results: []sunat.Result{{OK: true}, {OK: true}, {OK: true}}}
	p := NewProcessor(&fakeNormalizer{}, &fakeExtractor{}, &fakeRaster{}, val, testLogger())

	batch := p.ProcessBatch(context.Background(), []RawDocument{
		{Filename: "uno.jpg", Bytes: []byte("x")},
	}, "20600055519")

	if batch.Data[0].Sunat != nil {
		t.Fatalf("mismatched response must be discarded, got %+v", batch.Data[0].Sunat)
	}
}

func TestProcessBatchSkipsValidatorWhenNothingSucceeded(t *testing.T) {
	val := &fakeValidator{}
	p := NewProcessor(&fakeNormalizer{err: fmt.Errorf("bad image")}, &fakeExtractor{}, &fakeRaster{}, val, testLogger())

	p.ProcessBatch(context.Background(), []RawDocument{
		{Filename: "uno.jpg", Bytes: []byte("x")},
	}, "20600055519")

	if n := val.calls.Load(); n != 0 {
		t.Fatalf("validator called %d times, want 0", n)
	}
}

func TestProcessBatchIsolatesPanics(t *testing.T) {
	norm := &panicNormalizer{on: "boom"}
	ext := &fakeExtractor{byContent: map[string]extract.ComprobanteFields{
		"norm:fine": completeFields("F001", "1"),
	}}
	p := NewProcessor(norm, ext, &fakeRaster{}, nil, testLogger())

	docs := []RawDocument{
		{Filename: "ok.jpg", Bytes: []byte("fine")},
		{Filename: "mal.jpg", Bytes: []byte("boom")},
	}
	batch := p.ProcessBatch(context.Background(), docs, "")

	if len(batch.Data) != 2 {
		t.Fatalf("got %d items, want 2", len(batch.Data))
	}
	if !batch.Data[0].Estado {
		t.Fatalf("healthy sibling must not be affected: %+v", batch.Data[0])
	}
	bad := batch.Data[1]
	if bad.Estado || bad.Mensaje != "error_interno" {
		t.Fatalf("panicked file item = %+v", bad)
	}
	if bad.Origen.Filename != "mal.jpg" {
		t.Fatalf("Origen = %+v", bad.Origen)
	}
}

func TestProcessBatchCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	norm := &gateNormalizer{inFlight: &inFlight, peak: &peak}
	p := NewProcessor(norm, &fakeExtractor{}, &fakeRaster{}, nil, testLogger())

	docs := make([]RawDocument, 20)
	for i := range docs {
		docs[i] = RawDocument{Filename: fmt.Sprintf("f%02d.jpg", i), Bytes: []byte(fmt.Sprintf("img-%02d", i))}
	}
	batch := p.ProcessBatch(context.Background(), docs, "")

	if len(batch.Data) != 20 {
		t.Fatalf("got %d items, want 20", len(batch.Data))
	}
	if got := peak.Load(); got > MaxConcurrentFiles {
		t.Fatalf("peak concurrency %d exceeds cap %d", got, MaxConcurrentFiles)
	}
}

type gateNormalizer struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (g *gateNormalizer) Normalize(_ context.Context, raw []byte) ([]byte, preprocess.Meta, error) {
	cur := g.inFlight.Add(1)
	for {
		old := g.peak.Load()
		if cur <= old || g.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	g.inFlight.Add(-1)
	return append([]byte("norm:"), raw...), preprocess.Meta{Width: 10, Height: 10}, nil
}

func TestProcessBatchEmptyInput(t *testing.T) {
	val := &fakeValidator{}
	p := NewProcessor(&fakeNormalizer{}, &fakeExtractor{}, &fakeRaster{}, val, testLogger())

	batch := p.ProcessBatch(context.Background(), nil, "20600055519")
	if len(batch.Data) != 0 {
		t.Fatalf("got %d items, want 0", len(batch.Data))
	}
	if n := val.calls.Load(); n != 0 {
		t.Fatalf("validator called %d times, want 0", n)
	}
}

func TestProcessBatchMixedFailuresStillIndexSequentially(t *testing.T) {
	ext := &fakeExtractor{byContent: map[string]extract.ComprobanteFields{
		"norm:img": completeFields("F001", "7"),
	}}
	p := NewProcessor(&fakeNormalizer{}, ext, &fakeRaster{}, nil, testLogger())

	docs := []RawDocument{
		{Filename: "vacio.png"},
		{Filename: "datos.csv", Bytes: []byte("a,b\n")},
		{Filename: "buena.png", Bytes: []byte("img")},
	}
	batch := p.ProcessBatch(context.Background(), docs, "")

	if len(batch.Data) != 3 {
		t.Fatalf("got %d items, want 3", len(batch.Data))
	}
	wantMsg := []string{TagArchivoVacio, TagTipoNoSoportado, ""}
	for i, it := range batch.Data {
		if it.Index != i {
			t.Fatalf("items[%d].Index = %d", i, it.Index)
		}
		if !strings.HasPrefix(it.Mensaje, wantMsg[i]) {
			t.Fatalf("items[%d].Mensaje = %q, want prefix %q", i, it.Mensaje, wantMsg[i])
		}
	}
	if !batch.Data[2].Estado {
		t.Fatalf("items[2] = %+v", batch.Data[2])
	}
}

type stageRecorder struct {
	mu     sync.Mutex
	stages map[string]int
}

func (s *stageRecorder) record(stage string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages == nil {
		s.stages = map[string]int{}
	}
	s.stages[stage]++
}

func (s *stageRecorder) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[stage]
}

func TestProcessBatchObservesStageDurations(t *testing.T) {
	rec := &stageRecorder{}
	val := &fakeValidator{results: []sunat.Result{{OK: true}, {OK: true}}}
	ras := &fakeRaster{pages: [][]byte{[]byte("page0")}}
	ext := &fakeExtractor{byContent: map[string]extract.ComprobanteFields{
		"norm:img":   completeFields("F001", "1"),
		"norm:page0": completeFields("F002", "2"),
	}}
	p := NewProcessor(&fakeNormalizer{}, ext, ras, val, testLogger()).
		WithStageTimer(rec.record).
		WithLocalExtractor(localResults(
			pdftext.PageResult{PageIndex: 0, Reason: pdftext.ReasonNoEmbeddedText},
		))

	docs := []RawDocument{
		{Filename: "foto.jpg", Bytes: []byte("img")},
		pdfDoc("scan.pdf"),
	}
	p.ProcessBatch(context.Background(), docs, "20600055519")

	// image path + rasterized page each pass through normalize and extract
	if got := rec.count("normalize"); got != 2 {
		t.Fatalf("normalize observed %d times, want 2", got)
	}
	if got := rec.count("extract"); got != 2 {
		t.Fatalf("extract observed %d times, want 2", got)
	}
	if got := rec.count("raster"); got != 1 {
		t.Fatalf("raster observed %d times, want 1", got)
	}
	if got := rec.count("sunat"); got != 1 {
		t.Fatalf("sunat observed %d times, want 1", got)
	}
}

func TestProcessorWithoutStageTimer(t *testing.T) {
	p := NewProcessor(&fakeNormalizer{}, &fakeExtractor{}, &fakeRaster{}, nil, testLogger())

	batch := p.ProcessBatch(context.Background(), []RawDocument{
		{Filename: "foto.jpg", Bytes: []byte("img")},
	}, "")
	if len(batch.Data) != 1 || !batch.Data[0].Estado {
		t.Fatalf("batch = %+v", batch.Data)
	}
}
