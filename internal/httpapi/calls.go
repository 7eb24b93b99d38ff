package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/voicewire/callbridge/internal/notify"
	"github.com/voicewire/callbridge/internal/openaiapi"
	"github.com/voicewire/callbridge/internal/realtime"
	"github.com/voicewire/callbridge/internal/sessionspec"
	"github.com/voicewire/callbridge/internal/telephony"
)

// handleIncomingCall receives the backend's realtime.call.incoming
// webhook, accepts the call under the resolved agent's session
// configuration, and attaches a session controller. Both inbound phone
// calls and answered outbound legs arrive here.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.cfg.WebhookSecret != "" {
		err := openaiapi.VerifyWebhook(
			s.cfg.WebhookSecret,
			r.Header.Get(openaiapi.HeaderWebhookID),
			r.Header.Get(openaiapi.HeaderWebhookTimestamp),
			r.Header.Get(openaiapi.HeaderWebhookSignature),
			body,
		)
		if err != nil {
			s.logger.Warn("incoming call webhook rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	call, err := openaiapi.ParseIncomingCall(body)
	if errors.Is(err, openaiapi.ErrNotIncomingCall) {
		writeJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Outbound answered legs carry the agent id and an outbound marker as
	// URI params on the SIP target they dialed.
	agentID := call.Header("X-Agent-Id")
	if agentID == "" {
		agentID = call.URIParam("agent_id")
	}
	agent, ok := s.resolveAgent(agentID)
	if !ok {
		s.logger.Error("no agent definition for incoming call", "call_id", call.CallID)
		writeError(w, http.StatusInternalServerError, "no agent configured")
		return
	}

	direction := "inbound"
	if call.Header("X-Callbridge-Outbound") != "" || call.URIParam("outbound") != "" {
		direction = "outbound"
	}

	info := notify.CallInfo{
		CallType:   "phone_call",
		Direction:  direction,
		CallID:     call.CallID,
		AgentID:    agent.AgentID,
		CallStatus: "registered",
		FromNumber: call.FromNumber(),
		ToNumber:   call.ToNumber(),
	}
	started := s.webhooks.Deliver(r.Context(), agent.WebhookURL, agent.WebhookSecret, notify.Payload{
		Event: notify.EventCallStarted,
		Call:  info,
	})
	vars := started.DynamicVariables()

	parts := sessionspec.Build(agent, vars, sessionspec.Options{DefaultVoice: s.cfg.DefaultVoice})
	if err := s.cfg.OpenAI.AcceptCall(r.Context(), call.CallID, sessionConfig(s.cfg.Model, parts)); err != nil {
		s.logger.Error("call accept failed", "call_id", call.CallID, "error", err)
		writeError(w, http.StatusBadGateway, "accept failed")
		return
	}

	cc := realtime.Config{
		CallID:         call.CallID,
		ProviderCallID: call.ProviderCallID(),
		CallType:       "phone_call",
		Direction:      direction,
		FromNumber:     info.FromNumber,
		ToNumber:       info.ToNumber,
	}
	if s.cfg.Telephony != nil {
		cc.Telephony = s.cfg.Telephony
	}
	if !s.startCall(agent, parts, cc) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_attached"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "call_id": call.CallID})
}

type outboundRequest struct {
	AgentID          string         `json:"agent_id"`
	ToNumber         string         `json:"to_number"`
	FromNumber       string         `json:"from_number"`
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

// handleOutboundCall originates a provider call that dials the backend's
// SIP endpoint. The session controller attaches when the answered leg
// arrives back through the incoming-call webhook.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Telephony == nil {
		writeError(w, http.StatusServiceUnavailable, "telephony is not configured")
		return
	}

	var req outboundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToNumber == "" {
		writeError(w, http.StatusBadRequest, "to_number is required")
		return
	}
	from := req.FromNumber
	if from == "" {
		from = s.cfg.TwilioFromNumber
	}
	if from == "" {
		writeError(w, http.StatusBadRequest, "from_number is required")
		return
	}

	agent, ok := s.resolveAgent(req.AgentID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	target := telephony.BuildSIPURI(s.cfg.SIPTarget, map[string]string{
		"agent_id": agent.AgentID,
		"outbound": "1",
	})
	res, err := s.cfg.Telephony.Originate(r.Context(), telephony.OriginateInput{
		To:                req.ToNumber,
		From:              from,
		SIPTarget:         target,
		ReferURL:          s.cfg.PublicURL + "/twilio/refer",
		StatusCallbackURL: s.cfg.PublicURL + "/twilio/status",
	})
	if err != nil {
		s.logger.Error("outbound origination failed", "to", req.ToNumber, "error", err)
		writeError(w, http.StatusBadGateway, "origination failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider_call_id": res.ProviderCallID,
		"status":           res.Status,
		"agent_id":         agent.AgentID,
	})
}
