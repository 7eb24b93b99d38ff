package openaiapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Webhook header names, per the standard-webhooks convention the backend
// signs with.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

// EventCallIncoming announces an inbound call waiting to be accepted.
const EventCallIncoming = "realtime.call.incoming"

// signatureTolerance bounds how old or skewed a signed timestamp may be.
const signatureTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("openaiapi: webhook signature missing")
	ErrBadSignature     = errors.New("openaiapi: webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("openaiapi: webhook timestamp outside tolerance")

	// ErrNotIncomingCall marks webhook events of other types; callers
	// acknowledge them without acting.
	ErrNotIncomingCall = errors.New("openaiapi: not an incoming call event")
)

// VerifyWebhook authenticates an inbound backend webhook. The signed
// content is "{id}.{timestamp}.{body}" keyed with the decoded signing
// secret; the signature header may carry several space-separated
// "v1,<base64>" candidates and any match passes.
func VerifyWebhook(secret, id, timestamp, signature string, body []byte) error {
	if id == "" || timestamp == "" || signature == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("openaiapi: parse webhook timestamp: %w", err)
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > signatureTolerance || skew < -signatureTolerance {
		return ErrStaleTimestamp
	}

	key, err := decodeSecret(secret)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(signature) {
		version, sig, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrBadSignature
}

func decodeSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("openaiapi: webhook secret is required")
	}
	trimmed := strings.TrimPrefix(secret, "whsec_")
	if key, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return key, nil
	}
	return []byte(trimmed), nil
}

// SIPHeader is one header from the inbound SIP INVITE.
type SIPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IncomingCall is the parsed realtime.call.incoming event.
type IncomingCall struct {
	EventID    string
	CallID     string
	SIPHeaders []SIPHeader
}

type incomingEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		CallID     string      `json:"call_id"`
		SIPHeaders []SIPHeader `json:"sip_headers"`
	} `json:"data"`
}

// ParseIncomingCall decodes a realtime.call.incoming webhook body. Other
// event types return an error naming the type so the caller can respond
// without treating it as a fault.
func ParseIncomingCall(body []byte) (*IncomingCall, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("openaiapi: parse webhook body: %w", err)
	}
	if env.Type != EventCallIncoming {
		return nil, fmt.Errorf("webhook event %q: %w", env.Type, ErrNotIncomingCall)
	}
	if env.Data.CallID == "" {
		return nil, errors.New("openaiapi: incoming call event missing call_id")
	}
	return &IncomingCall{
		EventID:    env.ID,
		CallID:     env.Data.CallID,
		SIPHeaders: env.Data.SIPHeaders,
	}, nil
}

// Header returns the named SIP header value, matched case-insensitively.
func (c *IncomingCall) Header(name string) string {
	for _, h := range c.SIPHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ProviderCallID returns the telephony provider's call id when the INVITE
// carried one.
func (c *IncomingCall) ProviderCallID() string {
	return c.Header("X-Twilio-CallSid")
}

// FromNumber returns the caller's address extracted from the From header.
func (c *IncomingCall) FromNumber() string {
	return sipAddress(c.Header("From"))
}

// ToNumber returns the called address extracted from the To header.
func (c *IncomingCall) ToNumber() string {
	return sipAddress(c.Header("To"))
}

// URIParam returns a URI parameter from the To header, such as the agent
// id stamped onto outbound SIP targets.
func (c *IncomingCall) URIParam(name string) string {
	s := c.Header("To")
	if s == "" {
		return ""
	}
	if start := strings.Index(s, "<"); start >= 0 {
		if end := strings.Index(s[start:], ">"); end > 0 {
			s = s[start+1 : start+end]
		}
	}
	parts := strings.Split(s, ";")
	for _, part := range parts[1:] {
		k, v, found := strings.Cut(part, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		if decoded, err := url.QueryUnescape(v); err == nil {
			return decoded
		}
		return v
	}
	return ""
}

// sipAddress pulls the user part out of a SIP header value such as
// `"Alice" <sip:+15550001111@carrier.example>;tag=abc`.
func sipAddress(value string) string {
	if value == "" {
		return ""
	}
	s := value
	if start := strings.Index(s, "<"); start >= 0 {
		if end := strings.Index(s[start:], ">"); end > 0 {
			s = s[start+1 : start+end]
		}
	}
	s = strings.TrimPrefix(s, "sip:")
	s = strings.TrimPrefix(s, "tel:")
	if at := strings.Index(s, "@"); at >= 0 {
		s = s[:at]
	}
	if semi := strings.Index(s, ";"); semi >= 0 {
		s = s[:semi]
	}
	return strings.TrimSpace(s)
}
