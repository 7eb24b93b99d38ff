// Package openaiapi is the REST sideband to the hosted realtime backend:
// accepting inbound calls, issuing REFER transfers, and minting ephemeral
// client secrets for browser sessions.
package openaiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicewire/callbridge/internal/realtime/protocol"
)

const (
	defaultBaseURL = "https://api.openai.com"

	// DefaultSecretTTL is how long a minted web-session client secret
	// stays valid.
	DefaultSecretTTL = 600 * time.Second

	maxResponseBytes = 1 << 20
)

// Client calls the backend's REST surface. Safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config assembles a Client.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint. Tests point it at a local
	// server.
	BaseURL string

	Client *http.Client
	Logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openaiapi: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}, nil
}

// AcceptCall accepts an inbound call with the session configuration it
// should run under. Must complete before the control channel is attached.
func (c *Client) AcceptCall(ctx context.Context, callID string, session protocol.SessionConfig) error {
	path := fmt.Sprintf("/v1/realtime/calls/%s/accept", url.PathEscape(callID))
	if _, err := c.post(ctx, path, protocol.SessionObject(session)); err != nil {
		return fmt.Errorf("openaiapi: accept call: %w", err)
	}
	c.logger.Debug("call accepted", "call_id", callID)
	return nil
}

// Refer asks the backend to move the call's media leg to target.
func (c *Client) Refer(ctx context.Context, callID, target string) error {
	path := fmt.Sprintf("/v1/realtime/calls/%s/refer", url.PathEscape(callID))
	if _, err := c.post(ctx, path, map[string]any{"target_uri": target}); err != nil {
		return fmt.Errorf("openaiapi: refer call: %w", err)
	}
	return nil
}

// ClientSecret is an ephemeral credential a browser uses to open its own
// realtime session.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// MintClientSecret creates an ephemeral client secret bound to the given
// session configuration. ttl of zero takes DefaultSecretTTL.
func (c *Client) MintClientSecret(ctx context.Context, session protocol.SessionConfig, ttl time.Duration) (*ClientSecret, error) {
	if ttl <= 0 {
		ttl = DefaultSecretTTL
	}
	body := map[string]any{
		"expires_after": map[string]any{
			"anchor":  "created_at",
			"seconds": int(ttl.Seconds()),
		},
		"session": protocol.SessionObject(session),
	}
	raw, err := c.post(ctx, "/v1/realtime/client_secrets", body)
	if err != nil {
		return nil, fmt.Errorf("openaiapi: mint client secret: %w", err)
	}

	var secret ClientSecret
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, fmt.Errorf("openaiapi: parse client secret: %w", err)
	}
	if secret.Value == "" {
		return nil, errors.New("openaiapi: client secret response missing value")
	}
	return &secret, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
