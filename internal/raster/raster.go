// Package raster renders PDF pages to PNG for the fallback path. The whole
// document is rendered once at a fixed DPI so the cost is amortized across
// every page that failed local extraction.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/dquispe/comprobantes/internal/ocr"
)

// Config configures the pdftoppm-backed rasterizer.
type Config struct {
	Pdftoppm string // binary name or absolute path; if empty -> "pdftoppm"
	DPI      int    // render resolution, default 200
}

type Rasterizer struct {
	cfg    Config
	runner ocr.Runner
	logger *slog.Logger
}

func New(cfg Config, runner ocr.Runner, logger *slog.Logger) *Rasterizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if runner == nil {
		runner = ocr.ExecRunner{}
	}
	return &Rasterizer{cfg: cfg, runner: runner, logger: logger}
}

// PageCount validates the document structure and reports its page count
// without rendering anything.
func (r *Rasterizer) PageCount(pdfBytes []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(pdfBytes), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf page count: %w", err)
	}
	return ctx.PageCount, nil
}

// RenderAll rasterizes every page of the document to PNG at the configured
// DPI and returns them in page order.
func (r *Rasterizer) RenderAll(ctx context.Context, pdfBytes []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "cv-raster-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Warn("raster temp cleanup failed", "dir", tmpDir, "error", rmErr)
		}
	}()

	in := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(in, pdfBytes, 0o600); err != nil {
		return nil, err
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := r.runner.Run(ctx, r.cfg.Pdftoppm, "-r", strconv.Itoa(r.cfg.DPI), "-png", in, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (%s)", err, string(errb))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sortByPageNumber(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %s: %w", filepath.Base(m), err)
		}
		pages = append(pages, b)
	}
	r.logger.Debug("raster.render.ok", "pages", len(pages), "dpi", r.cfg.DPI)
	return pages, nil
}

var pageNumRE = regexp.MustCompile(`-(\d+)\.png$`)

// sortByPageNumber orders pdftoppm output numerically; lexicographic order
// breaks past nine pages when the tool does not zero-pad.
func sortByPageNumber(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return pageNum(paths[i]) < pageNum(paths[j])
	})
}

func pageNum(path string) int {
	m := pageNumRE.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
