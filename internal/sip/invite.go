package sip

import (
	"context"
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/flowpbx/agentgw/internal/sdp"
)

// handleInvite processes an INVITE from the voice platform. New calls become
// routing sessions; the handler then holds the server transaction open until
// the upstream leg has a final response.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	if cid == nil {
		respond(req, tx, 400, "Missing Call-ID", s.logger)
		return
	}
	callID := cid.Value()
	logger := s.logger.With("sip_call_id", callID)

	if to := req.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			s.handleReInvite(req, tx)
			return
		}
	}

	if !s.acl.Allowed(req.Source()) {
		logger.Warn("invite from disallowed source", "source", req.Source())
		respond(req, tx, 403, "Forbidden", logger)
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	// The offer is relayed untouched; it only has to be usable.
	var offer *sdp.Description
	if body := req.Body(); len(body) > 0 {
		d, err := sdp.ParseOffer(body)
		if err != nil {
			logger.Warn("rejecting unusable sdp offer", "error", err)
			respond(req, tx, 488, "Not Acceptable Here", logger)
			return
		}
		offer = d
	}

	headers := headersFromRequest(req)
	if s.partner != nil {
		// Only the gateway may assert the partner identity.
		deleteHeader(headers, routing.HeaderAuthenticatedUser)
		if s.partner.Required(req) {
			user, ok := s.partner.Authenticate(req, tx)
			if !ok {
				return
			}
			headers[routing.HeaderAuthenticatedUser] = user
		}
	}

	leg := newUASLeg(req, tx)
	c := &call{id: callID, upstream: leg}
	if !s.calls.addCallIfAbsent(c) {
		logger.Warn("invite for a call already in progress")
		respond(req, tx, 482, "Loop Detected", logger)
		return
	}
	s.calls.addLeg(leg)

	sess := routing.NewSession(callID, routing.DirectionInbound, req.From().Address.User, req.Recipient.User, headers)
	logger.Info("inbound call",
		"from", sess.From,
		"to", sess.To,
		"source", req.Source(),
	)
	if offer != nil {
		logger.Debug("inbound offer", "sdp", offer)
	}

	if err := s.router.Start(context.Background(), sess); err != nil {
		status := 500
		if errors.Is(err, routing.ErrDuplicateSession) {
			status = 482
		}
		logger.Error("routing call failed", "error", err)
		if leg.ringing() {
			s.hangupCall(c, status, nil)
		}
	}

	select {
	case <-leg.Final():
	case <-tx.Done():
		if leg.ringing() {
			logger.Info("invite transaction ended before a final response")
			s.hangupCall(c, 487, leg)
			s.emit(logger, "closed", func(ctx context.Context) error {
				return s.router.Closed(ctx, callID, 487, "Request Terminated")
			})
		}
	}
}

// handleReInvite answers a refresh INVITE inside an established dialog with
// the session description the gateway already sent on that leg.
func (s *Server) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	leg := s.calls.Leg(callID)
	if leg == nil || leg.State() != LegStateAnswered {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}

	if body := req.Body(); len(body) > 0 {
		if d, err := sdp.Parse(body); err == nil {
			s.logger.Info("re-invite received", "sip_call_id", callID, "hold", d.OnHold())
		}
	}

	leg.mu.Lock()
	local := leg.localSDP
	leg.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", local)
	if len(local) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.AppendHeader(s.contactHeader())
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to answer re-invite", "sip_call_id", callID, "error", err)
		return
	}
	s.logger.Debug("re-invite answered", "sip_call_id", callID)
}

// uasResponse builds a response to a UAS leg's INVITE carrying the leg's
// local tag.
func (s *Server) uasResponse(l *Leg, code int, reason string, body []byte) *sip.Response {
	l.mu.Lock()
	invite, tag := l.invite, l.localTag
	l.mu.Unlock()

	res := sip.NewResponseFromRequest(invite, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", tag)
		}
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(s.contactHeader())
	}
	return res
}

// respondLeg sends res on a ringing UAS leg's INVITE transaction.
func (s *Server) respondLeg(l *Leg, res *sip.Response) error {
	l.mu.Lock()
	tx := l.inviteTx
	l.mu.Unlock()
	if tx == nil {
		return errors.New("leg has no pending invite transaction")
	}
	return tx.Respond(res)
}

// answerUpstream sends the final answer towards the voice platform. A UAS
// upstream gets a 200 OK; an originated UAC upstream gets the ACK it has
// been waiting for, carrying the SDP answer.
func (s *Server) answerUpstream(up *Leg, body []byte) error {
	if up.UAS {
		if !up.ringing() {
			return errors.New("upstream leg is no longer ringing")
		}
		res := s.uasResponse(up, 200, "OK", body)
		if err := s.respondLeg(up, res); err != nil {
			return err
		}
		up.setAnswered(nil, res)
		up.mu.Lock()
		up.localSDP = body
		up.mu.Unlock()
		return nil
	}

	up.mu.Lock()
	pending := up.ackPending
	up.ackPending = false
	invite, answer := up.invite, up.answer
	up.mu.Unlock()
	if !pending {
		return nil
	}
	ack := buildACKFor2xx(invite, answer)
	if len(body) > 0 {
		ack.SetBody(body)
		ack.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := s.sender.WriteRequest(ack); err != nil {
		return err
	}
	up.mu.Lock()
	up.localSDP = body
	up.mu.Unlock()
	return nil
}

// buildACKFor2xx creates an ACK for a 2xx response to an INVITE. Per RFC
// 3261 Section 13.2.2.4 the ACK for a 2xx is a new transaction sent to the
// remote target from the response's Contact header.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := inviteReq.Recipient
	if cont := inviteResp.Contact(); cont != nil {
		recipient = cont.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())

	// Route headers from the original INVITE.
	for _, h := range inviteReq.GetHeaders("Route") {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cseq := &sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK}
		ack.AppendHeader(cseq)
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

// headersFromRequest collects a request's headers by name. Repeated headers
// keep their first value.
func headersFromRequest(req *sip.Request) routing.Headers {
	out := make(routing.Headers)
	for _, h := range req.Headers() {
		name := h.Name()
		if _, ok := out.Get(name); ok {
			continue
		}
		out[name] = h.Value()
	}
	return out
}

// deleteHeader removes every spelling of name from h.
func deleteHeader(h routing.Headers, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}
