// Package notify delivers signed call-lifecycle webhooks to the external
// collaborator endpoint configured on an agent definition. Delivery is
// retried with bounded exponential backoff; the caller receives the final
// outcome as a value, never an error that could abort call teardown.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicewire/callbridge/internal/backoff"
	"github.com/voicewire/callbridge/internal/transcript"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the agent's webhook secret.
const SignatureHeader = "X-Callbridge-Signature"

const (
	defaultMaxAttempts    = 4
	defaultAttemptTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// Lifecycle event names.
const (
	EventCallStarted = "call_started"
	EventCallEnded   = "call_ended"
)

// CallInfo is the call block of a lifecycle payload.
type CallInfo struct {
	CallType                      string             `json:"call_type"`
	Direction                     string             `json:"direction"`
	CallID                        string             `json:"call_id"`
	AgentID                       string             `json:"agent_id"`
	CallStatus                    string             `json:"call_status"`
	FromNumber                    string             `json:"from_number,omitempty"`
	ToNumber                      string             `json:"to_number,omitempty"`
	StartTimestamp                int64              `json:"start_timestamp,omitempty"`
	EndTimestamp                  int64              `json:"end_timestamp,omitempty"`
	DisconnectionReason           string             `json:"disconnection_reason,omitempty"`
	Transcript                    string             `json:"transcript,omitempty"`
	TranscriptWithToolCalls       string             `json:"transcript_with_tool_calls,omitempty"`
	TranscriptObject              []transcript.Entry `json:"transcript_object,omitempty"`
	TranscriptObjectWithToolCalls []transcript.Entry `json:"transcript_object_with_tool_calls,omitempty"`
}

// Payload is one lifecycle event.
type Payload struct {
	Event string   `json:"event"`
	Call  CallInfo `json:"call"`
}

// Delivery reports the outcome of a webhook delivery.
type Delivery struct {
	OK       bool
	Skipped  bool
	Attempts int
	Status   int
	Body     string
	// JSON is the decoded response body when it parsed as JSON. The
	// call_started response may carry dynamic variables for the session.
	JSON  map[string]any
	Error string
}

// Notifier posts lifecycle payloads.
type Notifier struct {
	client         *http.Client
	policy         backoff.Policy
	maxAttempts    int
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// Config assembles a Notifier. Zero values take documented defaults:
// 4 attempts, 10s per attempt, 250ms/500ms/1s waits between them.
type Config struct {
	Client         *http.Client
	MaxAttempts    int
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:         client,
		policy:         backoff.WebhookPolicy(),
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}
}

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts payload to url. A missing url is a successful no-op.
// When secret is non-empty the body is signed. The last observed failure
// is returned after all attempts are exhausted; success on any attempt
// returns immediately.
func (n *Notifier) Deliver(ctx context.Context, url, secret string, payload Payload) Delivery {
	if url == "" {
		return Delivery{OK: true, Skipped: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Delivery{Error: fmt.Sprintf("encode payload: %v", err)}
	}

	signature := ""
	if secret != "" {
		signature = Sign(body, secret)
	}

	var last Delivery
	result, attempts, err := backoff.Retry(ctx, n.policy, n.maxAttempts, func(attempt int) (Delivery, error) {
		d := n.attempt(ctx, url, signature, body)
		d.Attempts = attempt
		if d.OK {
			return d, nil
		}
		last = d
		if d.Error != "" {
			return d, fmt.Errorf("attempt %d: %s", attempt, d.Error)
		}
		return d, fmt.Errorf("attempt %d: status %d", attempt, d.Status)
	})
	if err != nil {
		last.Attempts = attempts
		n.logger.Warn("webhook delivery failed",
			"url", url, "event", payload.Event, "attempts", attempts,
			"status", last.Status, "error", last.Error)
		return last
	}
	n.logger.Debug("webhook delivered",
		"url", url, "event", payload.Event, "attempts", result.Attempts, "status", result.Status)
	return result
}

func (n *Notifier) attempt(ctx context.Context, url, signature string, body []byte) Delivery {
	ctx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Delivery{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Delivery{Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	d := Delivery{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   string(raw),
	}
	var parsed map[string]any
	if json.Unmarshal(bytes.TrimSpace(raw), &parsed) == nil {
		d.JSON = parsed
	}
	return d
}

// DynamicVariables extracts per-call dynamic variables from a
// call_started webhook response. Both the legacy key and the plain key
// are accepted; the legacy one wins when both are present.
func (d Delivery) DynamicVariables() map[string]any {
	if d.JSON == nil {
		return nil
	}
	if vars, ok := d.JSON["retell_llm_dynamic_variables"].(map[string]any); ok {
		return vars
	}
	if vars, ok := d.JSON["dynamic_variables"].(map[string]any); ok {
		return vars
	}
	return nil
}
