// Package sunat talks to the validarcomprobante API: per-comprobante POST,
// token handling delegated to an injected TokenProvider, and one positional
// result per submitted comprobante.
package sunat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/dquispe/comprobantes/internal/extract"
)

// Result mirrors the wire contract of the validation pass, one entry per
// comprobante submitted, positionally aligned.
type Result struct {
	OK           bool                      `json:"ok"`
	Status       int                       `json:"status"`
	Payload      json.RawMessage           `json:"payload"`
	DataEmpleada extract.ComprobanteFields `json:"data_empleada"`
}

// Validator is the opaque validation collaborator the orchestrator depends
// on; tests substitute a deterministic fake.
type Validator interface {
	ValidarLote(ctx context.Context, comps []extract.ComprobanteFields) ([]Result, error)
}

var rucShapeRE = regexp.MustCompile(`^\d{11}$`)

// IsValidRUC reports whether s looks like a RUC (11 digits).
func IsValidRUC(s string) bool {
	return rucShapeRE.MatchString(s)
}

// Config holds the validation client configuration.
type Config struct {
	BaseURL        string // default https://api.sunat.gob.pe
	RucConsultante string // the consulting taxpayer's RUC, used in the URL
	Timeout        time.Duration
}

type httpResult struct {
	status int
	body   []byte
}

type Client struct {
	cfg        Config
	tokens     *TokenProvider
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[httpResult]
	logger     *slog.Logger
}

// NewClient builds a validation client. The consulting RUC may be overridden
// per batch via ValidarLoteAs.
func NewClient(cfg Config, tokens *TokenProvider, logger *slog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("sunat: token provider is required")
	}
	if !IsValidRUC(cfg.RucConsultante) {
		return nil, fmt.Errorf("sunat: invalid consulting RUC %q", cfg.RucConsultante)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sunat.gob.pe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker[httpResult](gobreaker.Settings{
		Name: "sunat-validar",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// ValidarLote validates comps in order and returns one Result per entry.
// Transport-level failures surface as error entries in the result, never as
// a shortened list; the caller relies on positional correspondence.
func (c *Client) ValidarLote(ctx context.Context, comps []extract.ComprobanteFields) ([]Result, error) {
	return c.validarLote(ctx, c.cfg.RucConsultante, comps)
}

// ValidarLoteAs is ValidarLote with a per-batch consulting RUC override.
func (c *Client) ValidarLoteAs(ctx context.Context, rucConsultante string, comps []extract.ComprobanteFields) ([]Result, error) {
	if rucConsultante == "" {
		rucConsultante = c.cfg.RucConsultante
	}
	if !IsValidRUC(rucConsultante) {
		return nil, fmt.Errorf("sunat: invalid consulting RUC %q", rucConsultante)
	}
	return c.validarLote(ctx, rucConsultante, comps)
}

func (c *Client) validarLote(ctx context.Context, ruc string, comps []extract.ComprobanteFields) ([]Result, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("sunat token: %w", err)
	}

	out := make([]Result, 0, len(comps))
	for _, comp := range comps {
		res, err := c.postValidar(ctx, ruc, comp, token)
		if err == nil && res.status == http.StatusUnauthorized {
			// one proactive refresh, then retry the same comprobante
			if token, err = c.tokens.Refresh(ctx); err == nil {
				res, err = c.postValidar(ctx, ruc, comp, token)
			}
		}
		if err != nil {
			c.logger.Error("sunat.validate.error", "error", err, "serie", comp.NumeroSerie, "numero", comp.Numero)
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			out = append(out, Result{OK: false, Status: 0, Payload: payload, DataEmpleada: comp})
			continue
		}

		payload := res.body
		if !json.Valid(payload) {
			payload, _ = json.Marshal(map[string]string{"raw": string(res.body)})
		}
		ok := res.status >= 200 && res.status < 300
		c.logger.Info("sunat.validate.done",
			"status", res.status,
			"ok", ok,
			"serie", comp.NumeroSerie,
			"numero", comp.Numero,
		)
		out = append(out, Result{OK: ok, Status: res.status, Payload: payload, DataEmpleada: comp})
	}
	return out, nil
}

func (c *Client) postValidar(ctx context.Context, ruc string, comp extract.ComprobanteFields, token string) (httpResult, error) {
	body := map[string]string{
		"numRuc":       strings.TrimSpace(comp.NumRuc),
		"codComp":      strings.TrimSpace(comp.CodComp),
		"numeroSerie":  strings.TrimSpace(comp.NumeroSerie),
		"numero":       strings.TrimSpace(comp.Numero),
		"fechaEmision": strings.TrimSpace(comp.FechaEmision),
	}
	if monto := strings.TrimSpace(comp.Monto); monto != "" {
		body["monto"] = monto
	}
	b, err := json.Marshal(body)
	if err != nil {
		return httpResult{}, err
	}

	url := fmt.Sprintf("%s/v1/contribuyente/contribuyentes/%s/validarcomprobante",
		strings.TrimRight(c.cfg.BaseURL, "/"), ruc)

	return c.breaker.Execute(func() (httpResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return httpResult{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return httpResult{}, fmt.Errorf("validarcomprobante: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		raw, _ := io.ReadAll(resp.Body)
		return httpResult{status: resp.StatusCode, body: raw}, nil
	})
}
