package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/agentgw/internal/api/middleware"
	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/flowpbx/agentgw/internal/sip"
)

// originateRequest is the JSON request body for POST /calls.
type originateRequest struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	CallerID string            `json:"caller_id"`
	Trunk    string            `json:"trunk"`
	Headers  map[string]string `json:"headers"`
}

// validate returns the first problem with the request, or "".
func (req originateRequest) validate() string {
	if msg := validateNumber("to", req.To, true); msg != "" {
		return msg
	}
	if msg := validateNumber("from", req.From, true); msg != "" {
		return msg
	}
	if msg := validateNumber("caller_id", req.CallerID, false); msg != "" {
		return msg
	}
	if msg := validateStringLen("trunk", req.Trunk, maxNameLen); msg != "" {
		return msg
	}
	if containsControlChars(req.Trunk) {
		return "trunk contains invalid characters"
	}
	return validateHeaders("headers", req.Headers)
}

type originateResponse struct {
	CallID string `json:"call_id"`
}

// handleOriginate places a call to req.To and connects the answer to the
// voice agent. It returns as soon as the INVITE is sent.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	callID, err := s.deps.Calls.Originate(r.Context(), sip.OriginateRequest{
		From:     req.From,
		To:       req.To,
		CallerID: req.CallerID,
		Trunk:    req.Trunk,
		Headers:  routing.Headers(req.Headers),
	})
	if err != nil {
		if errors.Is(err, routing.ErrUnknownTrunk) {
			writeError(w, http.StatusUnprocessableEntity, "unknown trunk")
			return
		}
		s.logger.Error("failed to originate call", "to", req.To, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to originate call")
		return
	}

	s.logger.Info("call originated via api", "call_id", callID, "to", req.To, "subject", subject(r))
	writeJSON(w, http.StatusAccepted, originateResponse{CallID: callID})
}

func subject(r *http.Request) string {
	return middleware.SubjectFromContext(r.Context())
}
