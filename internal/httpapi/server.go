// Package httpapi is the bridge's inbound HTTP surface: the backend's
// incoming-call webhook, web-session minting and attachment, telephony
// provider callbacks, outbound call placement, and the operational
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/callbridge/internal/agentspec"
	"github.com/voicewire/callbridge/internal/callog"
	"github.com/voicewire/callbridge/internal/dispatch"
	"github.com/voicewire/callbridge/internal/notify"
	"github.com/voicewire/callbridge/internal/observability"
	"github.com/voicewire/callbridge/internal/openaiapi"
	"github.com/voicewire/callbridge/internal/realtime"
	"github.com/voicewire/callbridge/internal/realtime/protocol"
	"github.com/voicewire/callbridge/internal/sessionspec"
	"github.com/voicewire/callbridge/internal/telephony"
)

const maxRequestBytes = 1 << 20

// Config assembles a Server.
type Config struct {
	// PublicURL is the externally reachable base URL used to build
	// provider callback URLs.
	PublicURL string

	APIKey        string
	ControlURL    string
	Model         string
	DefaultVoice  string
	WebhookSecret string

	DefaultAgentID string

	AllowedOrigins []string
	SecretTTL      time.Duration

	FallbackTransferURI string
	TransferSettleDelay time.Duration
	EndCallDelay        time.Duration
	ConfirmWindow       time.Duration

	// Outbound telephony. Telephony may be nil when no provider is
	// configured.
	TwilioAuthToken  string
	TwilioFromNumber string
	SIPTarget        string

	Agents    *agentspec.Store
	OpenAI    *openaiapi.Client
	Telephony *telephony.Client
	Notifier  *notify.Notifier
	Registry  *realtime.Registry
	Metrics   *observability.Metrics
	History   *callog.Store
	Logger    *slog.Logger
}

// Server routes the HTTP surface and owns the ephemeral web-session
// store.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	ephem  *ephemStore

	webhooks realtime.WebhookSender
}

// NewServer creates the Server and registers all routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		ephem:    newEphemStore(cfg.SecretTTL),
		webhooks: meteredWebhooks{sender: cfg.Notifier, metrics: cfg.Metrics},
	}

	s.mux.HandleFunc("POST /webhooks/incoming-call", s.handleIncomingCall)
	s.mux.HandleFunc("POST /realtime/web-session", s.handleWebSession)
	s.mux.HandleFunc("POST /realtime/attach", s.handleAttach)
	s.mux.HandleFunc("POST /twilio/refer", s.handleTwilioCallback)
	s.mux.HandleFunc("POST /twilio/status", s.handleTwilioCallback)
	s.mux.HandleFunc("POST /outbound/call", s.handleOutboundCall)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Ephem exposes the ephemeral web-session store for prune scheduling.
func (s *Server) Ephem() *ephemStore {
	return s.ephem
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.cfg.Registry.Len(),
	})
}

// resolveAgent picks the agent definition for a call: an explicit id
// first, then the configured default, then the store's single agent.
func (s *Server) resolveAgent(agentID string) (*agentspec.Spec, bool) {
	if agentID != "" {
		return s.cfg.Agents.Get(agentID)
	}
	if s.cfg.DefaultAgentID != "" {
		return s.cfg.Agents.Get(s.cfg.DefaultAgentID)
	}
	return s.cfg.Agents.Default()
}

// originAllowed checks the request Origin against the allow-list. An
// empty list allows everything; browser endpoints should configure one.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

// startCall builds and launches the session controller for an accepted
// call. The controller runs on its own goroutine; the caller's request
// returns immediately.
func (s *Server) startCall(agent *agentspec.Spec, parts sessionspec.Parts, cc realtime.Config) bool {
	cc.Agent = agent
	cc.Parts = parts
	cc.Model = s.cfg.Model
	cc.Tools = meteredTools{
		exec: dispatch.New(dispatch.Config{
			Tools:               parts.ToolsByName,
			FallbackTransferURI: s.cfg.FallbackTransferURI,
			Logger:              s.logger,
		}),
		metrics: s.cfg.Metrics,
	}
	cc.Webhooks = s.webhooks
	cc.Referrer = s.cfg.OpenAI
	cc.Registry = s.cfg.Registry
	if s.cfg.Metrics != nil {
		cc.Metrics = s.cfg.Metrics
	}
	cc.Logger = s.logger
	cc.TransferSettleDelay = s.cfg.TransferSettleDelay
	cc.EndCallDelay = s.cfg.EndCallDelay
	cc.ConfirmWindow = s.cfg.ConfirmWindow
	if s.cfg.History != nil {
		history := s.cfg.History
		logger := s.logger
		cc.OnEnded = func(info notify.CallInfo) {
			if err := history.Record(context.Background(), info); err != nil {
				logger.Warn("call history write failed", "call_id", info.CallID, "error", err)
			}
		}
	}

	c := realtime.New(cc)
	if !s.cfg.Registry.Attach(cc.CallID, c) {
		s.logger.Warn("controller already attached", "call_id", cc.CallID)
		return false
	}

	go func() {
		ctx := context.Background()
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		conn, err := realtime.Dial(dialCtx, s.cfg.ControlURL, s.cfg.APIKey, cc.CallID)
		cancel()
		if err != nil {
			s.logger.Error("control channel dial failed", "call_id", cc.CallID, "error", err)
			s.cfg.Registry.Release(cc.CallID, c)
			return
		}
		if err := c.Run(ctx, conn); err != nil {
			s.logger.Error("call session failed", "call_id", cc.CallID, "error", err)
		}
	}()
	return true
}

// sessionConfig converts assembled session parts to the wire session
// shape shared by the REST accept and the control channel.
func sessionConfig(model string, parts sessionspec.Parts) protocol.SessionConfig {
	tools := make([]protocol.ToolDef, 0, len(parts.ToolDefs))
	for _, def := range parts.ToolDefs {
		tools = append(tools, protocol.ToolDef{
			Type:        def.Type,
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return protocol.SessionConfig{
		Model:        model,
		Voice:        parts.Voice,
		Instructions: parts.Instructions,
		Tools:        tools,
	}
}

// meteredWebhooks layers delivery metrics over the notifier.
type meteredWebhooks struct {
	sender  *notify.Notifier
	metrics *observability.Metrics
}

func (m meteredWebhooks) Deliver(ctx context.Context, url, secret string, payload notify.Payload) notify.Delivery {
	d := m.sender.Deliver(ctx, url, secret, payload)
	if m.metrics != nil {
		m.metrics.WebhookDelivered(payload.Event, d.OK, d.Skipped, d.Attempts)
	}
	return d
}

// meteredTools layers execution metrics over the dispatcher.
type meteredTools struct {
	exec    *dispatch.Dispatcher
	metrics *observability.Metrics
}

func (m meteredTools) Execute(ctx context.Context, name string, args map[string]any) dispatch.Result {
	res := m.exec.Execute(ctx, name, args)
	if m.metrics != nil {
		m.metrics.ToolExecuted(strings.ToLower(name), res.OK)
	}
	return res
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
