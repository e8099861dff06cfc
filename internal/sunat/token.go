package sunat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshMargin renews the token this long before its reported expiry.
const refreshMargin = 60 * time.Second

// TokenProvider owns the client-credentials access token for the
// validarcomprobante API. Refresh state lives here, injected where needed,
// and concurrent refreshes collapse into a single upstream request.
type TokenProvider struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	logger       *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenProvider(clientID, clientSecret, tokenURL string, httpClient *http.Client, logger *slog.Logger) (*TokenProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("sunat: client credentials are required")
	}
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://api-seguridad.sunat.gob.pe/v1/clientesextranet/%s/oauth2/token", clientID)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Token returns the cached access token, refreshing it when it is within
// the renewal margin of expiry.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expiresAt.Add(-refreshMargin)) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()
	return p.Refresh(ctx)
}

// Refresh forces a new token request. Concurrent callers share one flight.
func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	v, err, _ := p.sf.Do("token", func() (any, error) {
		tok, expiresIn, err := p.requestToken(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.token = tok
		p.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
		p.mu.Unlock()
		p.logger.Debug("sunat.token.refreshed", "expires_in_s", expiresIn)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *TokenProvider) requestToken(ctx context.Context) (string, int, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"scope":         {"https://api.sunat.gob.pe/v1/contribuyente/contribuyentes"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("token status %d: %s", resp.StatusCode, string(raw))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 300
	}
	return payload.AccessToken, payload.ExpiresIn, nil
}
