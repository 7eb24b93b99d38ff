package httpapi

import (
	"net/http"

	"github.com/voicewire/callbridge/internal/telephony"
)

// handleTwilioCallback answers the provider's refer and status callbacks.
// Both require only an acknowledgement; status transitions are logged for
// operators.
func (s *Server) handleTwilioCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "unreadable form body")
		return
	}

	if s.cfg.TwilioAuthToken != "" {
		fullURL := s.cfg.PublicURL + r.URL.RequestURI()
		sig := r.Header.Get("X-Twilio-Signature")
		if !telephony.VerifySignature(s.cfg.TwilioAuthToken, fullURL, r.PostForm, sig) {
			s.logger.Warn("twilio callback rejected", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "signature verification failed")
			return
		}
	}

	if status := r.PostForm.Get("CallStatus"); status != "" {
		s.logger.Debug("provider call status",
			"provider_call_id", r.PostForm.Get("CallSid"), "status", status)
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(telephony.EmptyTwiML))
}
