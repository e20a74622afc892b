package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/policy"
	"github.com/mull2536/call-agent/internal/protocol"
	"github.com/mull2536/call-agent/internal/telephony"
)

// verifyTwilioSignature rejects webhook requests whose X-Twilio-Signature
// does not match the public URL and form body.
func (s *Server) verifyTwilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.TwilioValidateSignature {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}
		fullURL := strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
		if !telephony.ValidSignature(s.cfg.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			s.logger.Warn("rejected webhook with bad signature", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusForbidden, "invalid_signature", "signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleVoiceWebhook answers an inbound call with TwiML that connects its
// audio to the media stream endpoint.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	twiml, err := telephony.StreamTwiML(telephony.MediaStreamURL(s.publicBaseURL(r)), map[string]string{
		"phone":     strings.TrimSpace(r.PostFormValue("From")),
		"direction": "inbound",
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	s.logger.Info("inbound call answered", "call_sid", callSID)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

// handleStatusWebhook tracks telephony call progress for calls this service
// placed. The first terminal signal for a call wins.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	status := strings.TrimSpace(r.PostFormValue("CallStatus"))
	if callSID == "" || status == "" {
		respondError(w, http.StatusBadRequest, "invalid_callback", "CallSid and CallStatus are required")
		return
	}
	s.metrics.ObserveCallEvent("status_" + strings.ReplaceAll(status, "-", "_"))

	if s.deps.Registry != nil {
		if telephony.IsFinalStatus(status) {
			reason := conversation.ReasonCompleted
			if status != telephony.StatusCompleted {
				reason = conversation.ReasonFailed
			}
			if _, changed, err := s.deps.Registry.End(callSID, reason); err == nil && changed {
				s.broadcast(protocol.TypeConversationStatus, "ended: "+reason, callSID)
			}
		} else {
			s.deps.Registry.Start(callSID, remoteParty(r))
			_ = s.deps.Registry.Link(callSID, "", callSID)
		}
	}
	s.broadcast(protocol.TypeCallStatus, status, callSID)
	w.WriteHeader(http.StatusNoContent)
}

// remoteParty is the caller's number: From on inbound calls, To on calls this
// service placed.
func remoteParty(r *http.Request) string {
	if strings.EqualFold(strings.TrimSpace(r.PostFormValue("Direction")), "inbound") {
		return strings.TrimSpace(r.PostFormValue("From"))
	}
	return strings.TrimSpace(r.PostFormValue("To"))
}

type createCallRequest struct {
	To   string `json:"to"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telephony == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "telephony not configured")
		return
	}
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "to is required")
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" && s.deps.Store != nil {
		if _, err := s.deps.Store.SaveContact(r.Context(), contactFromRequest(name, req.To)); err != nil {
			s.logger.Warn("save contact failed", "phone", policy.MaskPhone(req.To), "error", err)
		}
	}

	base := s.publicBaseURL(r)
	twiml, err := telephony.StreamTwiML(telephony.MediaStreamURL(base), map[string]string{
		"phone":     req.To,
		"direction": "outbound",
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	call, err := s.deps.Telephony.CreateCall(r.Context(), telephony.CreateCallRequest{
		To:             req.To,
		From:           s.cfg.TwilioPhoneNumber,
		TwiML:          twiml,
		StatusCallback: base + "/twilio/status",
	})
	if err != nil {
		s.respondTelephonyError(w, err)
		return
	}
	s.logger.Info("outbound call placed", "call_sid", call.SID, "to", policy.MaskPhone(req.To), "status", call.Status)
	s.metrics.ObserveCallEvent("outbound_placed")
	s.broadcast(protocol.TypeCallStatus, "calling "+req.To, call.SID)
	respondJSON(w, http.StatusCreated, call)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telephony == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "telephony not configured")
		return
	}
	sid := strings.TrimSpace(chi.URLParam(r, "sid"))
	if sid == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_sid", "missing call sid")
		return
	}
	call, err := s.deps.Telephony.Terminate(r.Context(), sid)
	if err != nil {
		s.respondTelephonyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) respondTelephonyError(w http.ResponseWriter, err error) {
	var apiErr *telephony.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			respondError(w, http.StatusNotFound, "call_not_found", apiErr.Message)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			respondError(w, http.StatusBadRequest, "telephony_rejected", apiErr.Error())
		default:
			respondError(w, http.StatusBadGateway, "telephony_unavailable", apiErr.Error())
		}
		return
	}
	respondError(w, http.StatusBadGateway, "telephony_unavailable", err.Error())
}

// publicBaseURL is the externally reachable base URL of this service, taken
// from configuration or derived from the request.
func (s *Server) publicBaseURL(r *http.Request) string {
	if u := strings.TrimRight(strings.TrimSpace(s.cfg.PublicURL), "/"); u != "" {
		return u
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) broadcast(msgType protocol.MessageType, message, correlationID string) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Broadcast(msgType, message, correlationID)
}
