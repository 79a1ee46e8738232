package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPIssuerConfig configures an HTTPIssuer.
type HTTPIssuerConfig struct {
	// Endpoint is the token-minting URL.
	Endpoint string

	// APIKey is the long-lived secret exchanged for short-lived tokens. It
	// never leaves this process except in the Authorization header of the
	// mint request.
	APIKey string

	// Timeout bounds each mint request. Default: 10s.
	Timeout time.Duration

	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
}

// HTTPIssuer mints credentials from a token endpoint. The endpoint is
// expected to respond with {"token": "...", "expires_at": <RFC 3339>}.
type HTTPIssuer struct {
	cfg    HTTPIssuerConfig
	client *http.Client
}

// NewHTTPIssuer creates an issuer for the given endpoint.
func NewHTTPIssuer(cfg HTTPIssuerConfig) *HTTPIssuer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPIssuer{cfg: cfg, client: client}
}

type mintRequest struct {
	GrantType string `json:"grant_type"`
}

type mintResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue requests a fresh credential.
func (i *HTTPIssuer) Issue(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(mintRequest{GrantType: "ephemeral_token"})
	if err != nil {
		return Credential{}, NewUnavailableError(fmt.Sprintf("encode mint request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, NewUnavailableError(fmt.Sprintf("build mint request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return Credential{}, NewUnavailableError(fmt.Sprintf("mint request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := NewUnavailableError(fmt.Sprintf("token endpoint returned %s: %s", resp.Status, bytes.TrimSpace(data)))
		e.Status = resp.StatusCode
		return Credential{}, e
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return Credential{}, NewUnavailableError(fmt.Sprintf("decode mint response: %v", err))
	}
	if mr.Token == "" {
		return Credential{}, NewUnavailableError("token endpoint returned an empty token")
	}
	if mr.ExpiresAt.IsZero() {
		return Credential{}, NewUnavailableError("token endpoint returned no expiry")
	}

	now := time.Now()
	return Credential{Token: mr.Token, IssuedAt: now, ExpiresAt: mr.ExpiresAt}, nil
}
