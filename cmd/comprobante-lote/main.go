// comprobante-lote processes a directory of comprobante files as one batch
// and writes the result as JSON to stdout or a file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dquispe/comprobantes/constants"
	"github.com/dquispe/comprobantes/internal/common"
	"github.com/dquispe/comprobantes/internal/extract/openai"
	"github.com/dquispe/comprobantes/internal/ocr"
	"github.com/dquispe/comprobantes/internal/pipeline"
	"github.com/dquispe/comprobantes/internal/preprocess"
	"github.com/dquispe/comprobantes/internal/raster"
	"github.com/dquispe/comprobantes/internal/sunat"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		dir        = flag.String("dir", "", "directory with comprobante files (required)")
		out        = flag.String("out", "", "output JSON file path (default: stdout)")
		ruc        = flag.String("ruc", "", "consulting RUC override (default: SUNAT_RUC_CONSULTANTE)")
		noValidate = flag.Bool("no-validate", false, "skip the validation pass")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if cfg.Extract.APIKey == "" {
		printError("Error: OPENAI_API_KEY is required\n")
		os.Exit(1)
	}

	docs, err := collectFiles(*dir)
	if err != nil {
		logger.Error("failed to read directory", "dir", *dir, "error", err)
		os.Exit(1)
	}
	if len(docs) == 0 {
		printError("Error: no supported files in %s\n", *dir)
		os.Exit(1)
	}

	ctx := context.Background()

	runner := ocr.ExecRunner{}
	osd := ocr.NewOSD(ocr.Config{
		Tesseract:   cfg.Preproc.Tesseract,
		TessdataDir: cfg.Preproc.TessdataDir,
	}, runner, logger)
	normalizer := preprocess.New(osd, cfg.Preproc.MaxSide, logger)
	rasterizer := raster.New(raster.Config{
		Pdftoppm: cfg.Preproc.Pdftoppm,
		DPI:      cfg.Preproc.RasterDPI,
	}, runner, logger)
	extractor := openai.NewClient(openai.Config{
		BaseURL:     cfg.Extract.BaseURL,
		APIKey:      cfg.Extract.APIKey,
		Model:       cfg.Extract.Model,
		Temperature: cfg.Extract.Temperature,
		Timeout:     cfg.Extract.Timeout,
	}, logger)

	var validator pipeline.Validator
	if !*noValidate {
		if cfg.Sunat.ClientID == "" || cfg.Sunat.ClientSecret == "" {
			printError("Error: SUNAT_CLIENT_ID/SUNAT_CLIENT_SECRET are required (or pass --no-validate)\n")
			os.Exit(1)
		}
		tokens, err := sunat.NewTokenProvider(cfg.Sunat.ClientID, cfg.Sunat.ClientSecret, cfg.Sunat.TokenURL, nil, logger)
		if err != nil {
			logger.Error("sunat token provider", "error", err)
			os.Exit(1)
		}
		client, err := sunat.NewClient(sunat.Config{
			BaseURL:        cfg.Sunat.BaseURL,
			RucConsultante: cfg.Sunat.RucConsultante,
			Timeout:        cfg.Sunat.Timeout,
		}, tokens, logger)
		if err != nil {
			logger.Error("sunat client", "error", err)
			os.Exit(1)
		}
		validator = client
	}

	proc := pipeline.NewProcessor(normalizer, extractor, rasterizer, validator, logger)

	rucConsultante := *ruc
	if rucConsultante == "" {
		rucConsultante = cfg.Sunat.RucConsultante
	}

	res := proc.ProcessBatch(ctx, docs, rucConsultante)

	ok := 0
	for _, it := range res.Data {
		if it.Estado {
			ok++
		}
	}
	logger.Info("batch done", "files", len(docs), "items", len(res.Data), "ok", ok)

	enc, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
	if *out == "" {
		fmt.Println(string(enc))
		return
	}
	if err := os.WriteFile(*out, enc, 0o644); err != nil {
		logger.Error("failed to write output", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Info("result written", "path", *out)
}

// collectFiles reads the supported files of a directory in name order.
// Subdirectories are skipped.
func collectFiles(dir string) ([]pipeline.RawDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := constants.NormalizeExt(filepath.Ext(e.Name()))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	docs := make([]pipeline.RawDocument, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		docs = append(docs, pipeline.RawDocument{Filename: name, Bytes: raw})
	}
	return docs, nil
}
