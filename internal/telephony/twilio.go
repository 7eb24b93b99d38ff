// Package telephony talks to the Twilio Voice API: hanging up the
// provider leg of a bridged call, originating outbound calls that dial
// the backend's SIP endpoint, and verifying inbound Twilio webhooks.
package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.twilio.com"
	maxResponseBytes = 1 << 20
)

// Client is a Twilio Voice API client. Safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

// Config assembles a Client.
type Config struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides the Twilio API endpoint. Tests point it at a
	// local server.
	BaseURL string

	Client *http.Client
	Logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("telephony: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("telephony: auth token is required")
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
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		logger:     logger,
	}, nil
}

// Hangup completes the provider leg of a call. A call Twilio no longer
// knows about is treated as already hung up.
func (c *Client) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return errors.New("telephony: provider call id is required")
	}
	params := url.Values{"Status": {"completed"}}
	_, status, err := c.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", url.PathEscape(providerCallID)), params)
	if err != nil {
		if status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("telephony: hangup call: %w", err)
	}
	c.logger.Debug("provider leg hung up", "provider_call_id", providerCallID)
	return nil
}

// OriginateInput describes an outbound call. The call is answered with
// TwiML that dials SIPTarget, moving the media leg to the backend.
type OriginateInput struct {
	To   string
	From string

	// SIPTarget is the SIP URI to bridge the answered call into.
	SIPTarget string

	// ReferURL, when set, receives Twilio's refer callback for the dial.
	ReferURL string

	// StatusCallbackURL receives call status events.
	StatusCallbackURL string
}

// OriginateResult reports the created provider call.
type OriginateResult struct {
	ProviderCallID string
	Status         string
}

// Originate places an outbound call.
func (c *Client) Originate(ctx context.Context, in OriginateInput) (*OriginateResult, error) {
	if in.To == "" || in.From == "" {
		return nil, errors.New("telephony: to and from numbers are required")
	}
	if in.SIPTarget == "" {
		return nil, errors.New("telephony: sip target is required")
	}

	params := url.Values{
		"To":      {in.To},
		"From":    {in.From},
		"Twiml":   {DialSIPTwiML(in.SIPTarget, in.ReferURL)},
		"Timeout": {"30"},
	}
	if in.StatusCallbackURL != "" {
		params.Set("StatusCallback", in.StatusCallbackURL)
		params["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}

	body, _, err := c.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("telephony: originate call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("telephony: parse originate response: %w", err)
	}
	c.logger.Info("outbound call originated", "provider_call_id", result.SID, "to", in.To)
	return &OriginateResult{ProviderCallID: result.SID, Status: result.Status}, nil
}

func (c *Client) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, int, error) {
	reqURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s%s", c.baseURL, c.accountSID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("api error (%d): %s", resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

// BuildSIPURI appends URI parameters to a SIP address in sorted key
// order so the result is deterministic. Used to carry the agent id and
// call context into the backend's SIP endpoint.
func BuildSIPURI(base string, params map[string]string) string {
	if len(params) == 0 {
		return base
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// DialSIPTwiML renders the TwiML that bridges an answered call into a
// SIP target. referURL, when set, lets Twilio call back when the far end
// issues a REFER.
func DialSIPTwiML(sipURI, referURL string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response>\n")
	if referURL != "" {
		fmt.Fprintf(&b, `  <Dial referUrl=%q answerOnBridge="true">`+"\n", escapeXML(referURL))
	} else {
		b.WriteString(`  <Dial answerOnBridge="true">` + "\n")
	}
	fmt.Fprintf(&b, "    <Sip>%s</Sip>\n", escapeXML(sipURI))
	b.WriteString("  </Dial>\n</Response>")
	return b.String()
}

// EmptyTwiML is the response for webhook callbacks that require no
// instructions.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Sign computes the Twilio webhook signature for a request: base64 HMAC-
// SHA1 over the full URL followed by the sorted form parameters.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Twilio-Signature header value.
func VerifySignature(authToken, fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(authToken, fullURL, form)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
