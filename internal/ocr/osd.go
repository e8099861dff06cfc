package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config configures the tesseract-backed orientation detector.
type Config struct {
	Tesseract   string // binary name or absolute path; if empty -> "tesseract"
	TessdataDir string
}

// OSD estimates page orientation with tesseract's orientation and script
// detection mode (--psm 0). It never runs full recognition.
type OSD struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewOSD(cfg Config, runner Runner, logger *slog.Logger) *OSD {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &OSD{cfg: cfg, runner: runner, logger: logger}
}

// Detect returns the rotation (0/90/180/270, clockwise, that would make the
// page upright) and the orientation confidence reported by tesseract.
// The image bytes are written to a temp file because tesseract reads paths.
func (o *OSD) Detect(ctx context.Context, png []byte) (int, float64, error) {
	tmpDir, err := os.MkdirTemp("", "cv-osd-*")
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			o.logger.Warn("osd temp cleanup failed", "dir", tmpDir, "error", rmErr)
		}
	}()

	path := filepath.Join(tmpDir, "page.png")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return 0, 0, err
	}

	args := []string{path, "stdout", "--psm", "0"}
	if o.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", o.cfg.TessdataDir)
	}

	out, errb, err := o.runner.Run(ctx, o.cfg.Tesseract, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("tesseract osd: %w (%s)", err, truncate(string(errb), 512))
	}
	return parseOSD(string(out))
}

// parseOSD pulls "Rotate: N" and "Orientation confidence: F" out of the
// --psm 0 report.
func parseOSD(out string) (int, float64, error) {
	var (
		angle    int
		conf     float64
		gotAngle bool
		gotConf  bool
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Rotate:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				angle = n
				gotAngle = true
			}
		}
		if v, ok := strings.CutPrefix(line, "Orientation confidence:"); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				conf = f
				gotConf = true
			}
		}
	}
	if !gotAngle || !gotConf {
		return 0, 0, fmt.Errorf("osd output missing rotate/confidence")
	}
	switch angle {
	case 0, 90, 180, 270:
	default:
		return 0, 0, fmt.Errorf("osd reported unexpected angle %d", angle)
	}
	return angle, conf, nil
}
