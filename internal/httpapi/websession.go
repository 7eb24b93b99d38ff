package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/voicewire/callbridge/internal/notify"
	"github.com/voicewire/callbridge/internal/realtime"
	"github.com/voicewire/callbridge/internal/sessionspec"
)

// ephemEntry is one minted web session awaiting attachment.
type ephemEntry struct {
	AgentID   string
	Secret    string
	Vars      map[string]any
	ExpiresAt time.Time
}

// ephemStore holds minted web sessions keyed by an opaque id until the
// browser attaches its call or the entry expires.
type ephemStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ephemEntry
}

func newEphemStore(ttl time.Duration) *ephemStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ephemStore{ttl: ttl, entries: make(map[string]ephemEntry)}
}

// Put stores an entry and returns its opaque id.
func (e *ephemStore) Put(agentID, secret string, vars map[string]any) string {
	id := uuid.NewString()
	e.mu.Lock()
	e.entries[id] = ephemEntry{
		AgentID:   agentID,
		Secret:    secret,
		Vars:      vars,
		ExpiresAt: time.Now().Add(e.ttl),
	}
	e.mu.Unlock()
	return id
}

// Take returns and removes the entry for id. Expired entries are misses.
func (e *ephemStore) Take(id string) (ephemEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[id]
	if !ok {
		return ephemEntry{}, false
	}
	delete(e.entries, id)
	if time.Now().After(entry.ExpiresAt) {
		return ephemEntry{}, false
	}
	return entry, true
}

// Prune drops expired entries and reports how many were removed.
func (e *ephemStore) Prune() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, entry := range e.entries {
		if now.After(entry.ExpiresAt) {
			delete(e.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries.
func (e *ephemStore) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// SchedulePrune registers periodic pruning on the given scheduler.
func (e *ephemStore) SchedulePrune(cr *cron.Cron, schedule string, logger *slog.Logger) error {
	_, err := cr.AddFunc(schedule, func() {
		if n := e.Prune(); n > 0 {
			logger.Debug("web sessions pruned", "removed", n)
		}
	})
	return err
}

type webSessionRequest struct {
	AgentID          string         `json:"agent_id"`
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

// handleWebSession mints an ephemeral client secret for a browser
// session and parks the session context until the call attaches.
func (s *Server) handleWebSession(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	var req webSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent, ok := s.resolveAgent(req.AgentID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	parts := sessionspec.Build(agent, req.DynamicVariables, sessionspec.Options{DefaultVoice: s.cfg.DefaultVoice})
	secret, err := s.cfg.OpenAI.MintClientSecret(r.Context(), sessionConfig(s.cfg.Model, parts), s.cfg.SecretTTL)
	if err != nil {
		s.logger.Error("client secret mint failed", "agent_id", agent.AgentID, "error", err)
		writeError(w, http.StatusBadGateway, "mint failed")
		return
	}

	id := s.ephem.Put(agent.AgentID, secret.Value, req.DynamicVariables)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"client_secret": map[string]any{
			"value":      secret.Value,
			"expires_at": secret.ExpiresAt,
		},
	})
}

type attachRequest struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
}

// handleAttach binds a session controller to a browser call that was
// started with a previously minted client secret.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.CallID == "" {
		writeError(w, http.StatusBadRequest, "session_id and call_id are required")
		return
	}

	entry, ok := s.ephem.Take(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired session")
		return
	}
	agent, ok := s.cfg.Agents.Get(entry.AgentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent no longer available")
		return
	}

	info := notify.CallInfo{
		CallType:   "web_call",
		Direction:  "web",
		CallID:     req.CallID,
		AgentID:    agent.AgentID,
		CallStatus: "registered",
	}
	started := s.webhooks.Deliver(r.Context(), agent.WebhookURL, agent.WebhookSecret, notify.Payload{
		Event: notify.EventCallStarted,
		Call:  info,
	})

	// Webhook-supplied variables overlay the ones minted with.
	vars := make(map[string]any, len(entry.Vars))
	for k, v := range entry.Vars {
		vars[k] = v
	}
	for k, v := range started.DynamicVariables() {
		vars[k] = v
	}

	parts := sessionspec.Build(agent, vars, sessionspec.Options{DefaultVoice: s.cfg.DefaultVoice})
	attached := s.startCall(agent, parts, realtime.Config{
		CallID:    req.CallID,
		CallType:  "web_call",
		Direction: "web",
	})
	if !attached {
		writeError(w, http.StatusConflict, "call already attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "attached", "call_id": req.CallID})
}
