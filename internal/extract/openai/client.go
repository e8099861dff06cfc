// Package openai implements extract.FieldExtractor against an
// OpenAI-compatible chat/completions endpoint with image input.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dquispe/comprobantes/internal/extract"
)

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

const extractPrompt = "Extrae de la(s) factura(s)/boleta(s) los siguientes datos y devuélvelos SOLO como JSON válido. " +
	"Si falta algún dato, deja cadena vacía. " +
	"1) 'codComp' SUNAT: 01 Factura, 03 Boleta, 07 Nota de crédito, 08 Nota de débito, R1 Recibo por honorarios, R7 Nota de crédito de R.H. " +
	"2) 'fechaEmision' EXACTO dd/mm/yyyy. " +
	"3) 'numeroSerie' an4, 'numero' numérico hasta 8. " +
	"4) 'numRuc' = RUC del EMISOR (vendedor). " +
	`Esquema: {"numRuc":"","codComp":"","numeroSerie":"","numero":"","fechaEmision":"","monto":""}`

// ExtractImage implements extract.FieldExtractor using a vision message.
// The reply is schema-validated before it is trusted.
func (c *Client) ExtractImage(ctx context.Context, png []byte) (extract.ComprobanteFields, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("extract.vision.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"image_bytes", len(png),
	)

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": extractPrompt},
					{"type": "image_url", "image_url": map[string]any{"url": toDataURL(png)}},
				},
			},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("extract.vision.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return extract.ComprobanteFields{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return extract.ComprobanteFields{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return extract.ComprobanteFields{}, fmt.Errorf("no choices in completion response")
	}

	content := stripFences(strings.TrimSpace(cc.Choices[0].Message.Content))

	// trim before validating: the schema patterns are anchored, so padded
	// values like " 20123456789 " would otherwise be rejected
	trimmed, err := trimStringValues([]byte(content))
	if err != nil {
		c.log.Error("extract.vision.schema_validation_failed",
			"req_id", rid, "error", err, "content", content,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return extract.ComprobanteFields{}, fmt.Errorf("schema validation failed: %w", err)
	}

	schema := extract.BuildComprobanteJSONSchema()
	if err := extract.ValidateJSONAgainstSchema(schema, trimmed); err != nil {
		c.log.Error("extract.vision.schema_validation_failed",
			"req_id", rid, "error", err, "content", string(trimmed),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return extract.ComprobanteFields{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var out extract.ComprobanteFields
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return extract.ComprobanteFields{}, fmt.Errorf("unmarshal fields: %w", err)
	}

	c.log.Info("extract.vision.ok",
		"req_id", rid,
		"cod_comp", out.CodComp,
		"serie", out.NumeroSerie,
		"numero", out.Numero,
		"fecha", out.FechaEmision,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion http error: %w", err)
	}
	defer func(body io.ReadCloser) {
		if cerr := body.Close(); cerr != nil {
			c.log.Warn("completion response body close error", "error", cerr)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func toDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// stripFences tolerates models that wrap the JSON in a markdown code block.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.Trim(s, "`")
	if rest, ok := strings.CutPrefix(s, "json"); ok {
		s = rest
	}
	return strings.TrimSpace(s)
}

// trimStringValues trims whitespace around the string values of a flat JSON
// object. Keys, non-string values and unknown members pass through untouched
// so the schema still sees them.
func trimStringValues(raw []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode fields object: %w", err)
	}
	for k, v := range obj {
		if s, ok := v.(string); ok {
			obj[k] = strings.TrimSpace(s)
		}
	}
	return json.Marshal(obj)
}
