// Package dispatch resolves and executes tool calls requested by the
// model. Two built-ins (transfer_call, end_call) are pure decisions the
// call session controller interprets; custom tools declared by the agent
// run as outbound HTTP requests with a bounded timeout. Execution never
// panics and never returns a Go error to the event loop: every outcome is
// a structured Result handed back to the model.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicewire/callbridge/internal/agentspec"
)

// DefaultToolTimeout bounds custom tool execution when the declaration
// does not set one.
const DefaultToolTimeout = 120 * time.Second

// maxToolResponseBytes caps how much of a tool response is read back.
const maxToolResponseBytes = 1 << 20

// defaultHandoffMessage is spoken before a transfer when the model
// supplies none.
const defaultHandoffMessage = "One moment while I connect you."

// Result is the structured outcome of one tool execution. It is
// serialized verbatim as the function output returned to the model.
type Result struct {
	OK bool `json:"ok"`

	// Built-in decision flags, interpreted by the controller.
	Transferring   bool   `json:"transferring,omitempty"`
	Ending         bool   `json:"ending,omitempty"`
	Pending        bool   `json:"pending,omitempty"`
	Target         string `json:"target,omitempty"`
	HandoffMessage string `json:"handoff_message,omitempty"`
	ClosingMessage string `json:"closing_message,omitempty"`

	// Custom tool HTTP outcome.
	Status int `json:"status,omitempty"`
	Data   any `json:"data,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher executes tool calls for one call session against its
// resolved tool table.
type Dispatcher struct {
	tools       map[string]agentspec.ToolDecl
	fallbackURI string
	client      *http.Client
	logger      *slog.Logger
}

// Config assembles a Dispatcher.
type Config struct {
	// Tools is the resolved custom tool table, keyed by lower-cased name.
	Tools map[string]agentspec.ToolDecl

	// FallbackTransferURI is used by transfer_call when the model supplies
	// neither a target URI nor a phone number.
	FallbackTransferURI string

	// Client is the HTTP client for custom tools. Per-call timeouts are
	// applied via context, so the client itself carries none.
	Client *http.Client

	Logger *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tools:       cfg.Tools,
		fallbackURI: cfg.FallbackTransferURI,
		client:      client,
		logger:      logger,
	}
}

// Execute runs the named tool with the given arguments. Name matching is
// case-insensitive and built-ins take precedence over custom tools.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) Result {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "transfer_call":
		return d.transferCall(args)
	case "end_call":
		return endCall(args)
	}

	tool, ok := d.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Result{OK: false, Error: "Unknown tool: " + name}
	}
	return d.runCustomTool(ctx, tool, args)
}

// transferCall resolves the transfer target. It decides only; the REFER
// itself is issued by the controller after the handoff message settles.
func (d *Dispatcher) transferCall(args map[string]any) Result {
	target := strings.TrimSpace(stringArg(args, "target_uri"))
	if target == "" {
		if phone := strings.TrimSpace(stringArg(args, "phone_number")); phone != "" {
			target = "tel:" + phone
		}
	}
	if target == "" {
		target = d.fallbackURI
	}
	if target == "" {
		return Result{OK: false, Error: "Missing phone_number or target_uri (and no fallback transfer target configured)."}
	}

	handoff := stringArg(args, "handoff_message")
	if handoff == "" {
		handoff = defaultHandoffMessage
	}
	return Result{OK: true, Transferring: true, Target: target, HandoffMessage: handoff}
}

func endCall(args map[string]any) Result {
	return Result{OK: true, Ending: true, ClosingMessage: stringArg(args, "closing_message")}
}

func (d *Dispatcher) runCustomTool(ctx context.Context, tool agentspec.ToolDecl, args map[string]any) Result {
	timeout := DefaultToolTimeout
	if tool.TimeoutMS > 0 {
		timeout = time.Duration(tool.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(tool.Method))
	if method == "" {
		method = http.MethodPost
	}

	if args == nil {
		args = map[string]any{}
	}
	var payload any = map[string]any{"args": args}
	if tool.ArgsAtRoot {
		payload = args
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("encode arguments: %v", err)}
	}

	reqURL, err := buildURL(tool.URL, tool.QueryParams)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("invalid tool url: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tool.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("custom tool transport failure", "tool", tool.Name, "error", err)
		return Result{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return Result{OK: false, Status: resp.StatusCode, Error: fmt.Sprintf("read response: %v", err)}
	}

	data := decodeBody(raw)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	d.logger.Debug("custom tool executed",
		"tool", tool.Name, "status", resp.StatusCode, "ok", ok,
		"duration_ms", time.Since(start).Milliseconds())
	return Result{OK: ok, Status: resp.StatusCode, Data: data}
}

func buildURL(rawURL string, query map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// decodeBody returns parsed JSON when the body is JSON, the raw text
// otherwise.
func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
