package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
)

var errNoReferTo = errors.New("refer without refer-to")

// handleRefer turns a REFER from a dialed leg into a transfer request. The
// router answers it through Reply; anything it leaves unanswered gets an
// error status here.
func (s *Server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	logger := s.logger.With("sip_call_id", callID)

	leg := s.calls.Leg(callID)
	var c *call
	if leg != nil {
		for _, cand := range s.calls.callsForLeg(leg) {
			if _, dialed := cand.legs(); dialed == leg {
				c = cand
				break
			}
		}
	}
	if c == nil {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", logger)
		return
	}

	c.mu.Lock()
	allowed, busy := c.transferHook, c.referTx != nil
	if allowed && !busy {
		c.referReq, c.referTx = req, tx
	}
	c.mu.Unlock()
	if !allowed {
		respond(req, tx, 403, "Forbidden", logger)
		return
	}
	if busy {
		respond(req, tx, 491, "Request Pending", logger)
		return
	}

	user, err := referTargetUser(req)
	if err != nil {
		c.takeRefer()
		logger.Warn("unusable refer", "error", err)
		respond(req, tx, 400, "Bad Refer-To", logger)
		return
	}

	logger.Info("transfer requested", "call_id", c.id, "refer_to", user)
	err = s.router.Transfer(context.Background(), c.id, routing.TransferDetails{
		ReferToUser: user,
		Headers:     headersFromRequest(req),
	})

	if _, pending := c.takeRefer(); pending != nil {
		code := referStatus(err)
		logger.Warn("transfer not accepted", "status", code, "error", err)
		respond(req, tx, code, reasonPhrase(code), logger)
	}
}

// referStatus maps a transfer failure to the status sent back on the REFER.
func referStatus(err error) int {
	switch {
	case errors.Is(err, routing.ErrInvalidTransition):
		return 491
	case errors.Is(err, routing.ErrSessionNotFound), errors.Is(err, routing.ErrSessionClosed):
		return 481
	case errors.Is(err, routing.ErrMissingReferTarget):
		return 400
	default:
		return 500
	}
}

// Reply accepts the REFER that raised the current transfer.
func (s *Server) Reply(ctx context.Context, sess *routing.Session) error {
	c := s.calls.getCall(sess.CallID)
	if c == nil {
		return nil
	}
	req, tx := c.takeRefer()
	if tx == nil {
		return nil
	}
	res := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("accepting refer: %w", err)
	}
	sess.Logger().Debug("refer accepted")
	return nil
}

// Refer asks the upstream leg to carry out the transfer itself.
func (s *Server) Refer(ctx context.Context, sess *routing.Session, r routing.Refer) error {
	c := s.calls.getCall(sess.CallID)
	if c == nil {
		return fmt.Errorf("no call for session %s", sess.CallID)
	}
	up, _ := c.legs()
	if up == nil || up.State() != LegStateAnswered {
		return errors.New("no established upstream leg")
	}

	req, err := s.inDialogRequest(up, sip.REFER)
	if err != nil {
		return err
	}
	target := referTarget(r.ReferTo, upstreamHost(up))
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target+">"))
	if r.ReferredBy != "" {
		req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:%s@%s>", r.ReferredBy, s.contactHost)))
	}

	hook := r.ResultHook != ""
	c.mu.Lock()
	c.notifyHook = hook
	c.mu.Unlock()

	logger := sess.Logger()
	logger.Info("referring upstream", "refer_to", target)
	s.goRequest(logger, req, func(res *sip.Response, err error) {
		code := 503
		if err == nil {
			code = res.StatusCode
		}
		if code < 300 {
			return
		}
		c.mu.Lock()
		waiting := c.notifyHook
		c.notifyHook = false
		c.mu.Unlock()
		if !waiting {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := s.router.TransferComplete(ctx, c.id, code); err != nil && !errors.Is(err, routing.ErrSessionNotFound) {
			logger.Warn("transfer complete event failed", "error", err)
		}
	})
	return nil
}

// handleNotify processes refer progress from the upstream leg. Progress is
// relayed to the leg that asked for the transfer; a final status completes
// it.
func (s *Server) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	logger := s.logger.With("sip_call_id", callID)

	leg := s.calls.Leg(callID)
	if leg == nil {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", logger)
		return
	}
	respond(req, tx, 200, "OK", logger)

	if ev := req.GetHeader("Event"); ev == nil || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ev.Value())), "refer") {
		return
	}
	status, reason, ok := parseSipfrag(req.Body())
	if !ok {
		logger.Debug("notify without sipfrag status")
		return
	}

	for _, c := range s.calls.callsForLeg(leg) {
		up, dialed := c.legs()
		if up != leg {
			continue
		}
		c.mu.Lock()
		waiting := c.notifyHook
		if status >= 200 {
			c.notifyHook = false
		}
		c.mu.Unlock()
		if !waiting {
			continue
		}

		if dialed != nil {
			s.sendNotify(dialed, status, reason, logger)
		}
		if status < 200 {
			continue
		}
		logger.Info("upstream transfer finished", "call_id", c.id, "status", status)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err := s.router.TransferComplete(ctx, c.id, status)
		cancel()
		if err != nil && !errors.Is(err, routing.ErrSessionNotFound) {
			logger.Warn("transfer complete event failed", "error", err)
		}
	}
}

// notifyTransferor reports a re-dial outcome to the leg that sent the
// REFER.
func (s *Server) notifyTransferor(parent *call, status int, reason string) {
	if _, dialed := parent.legs(); dialed != nil {
		s.sendNotify(dialed, status, reason, s.logger.With("call_id", parent.id))
	}
}

// sendNotify sends a refer NOTIFY with a message/sipfrag body (RFC 3515).
func (s *Server) sendNotify(l *Leg, status int, reason string, logger *slog.Logger) {
	if l.State() != LegStateAnswered {
		return
	}
	req, err := s.inDialogRequest(l, sip.NOTIFY)
	if err != nil {
		logger.Warn("cannot build notify", "error", err)
		return
	}
	state := "active;expires=60"
	if status >= 200 {
		state = "terminated;reason=noresource"
	}
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	req.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", status, reason)))
	s.goRequest(logger, req, nil)
}

// adoptUpstream connects an answered re-dial to the parent's upstream leg:
// the upstream is re-INVITEd with the new party's SDP and the transfer is
// reported complete.
func (s *Server) adoptUpstream(c *call, leg *Leg, res *sip.Response, logger *slog.Logger) {
	parent := c.parent

	parent.mu.Lock()
	up := parent.upstream
	if up != nil && up.State() == LegStateAnswered {
		parent.upstream = nil
	} else {
		up = nil
	}
	parent.mu.Unlock()

	if up == nil {
		logger.Warn("re-dial answered but the upstream leg is gone")
		s.teardownLeg(leg, 480)
		s.emit(logger, "dial_result", func(ctx context.Context) error {
			return s.router.DialResult(ctx, c.id, routing.DialFailed, 480)
		})
		return
	}

	c.mu.Lock()
	c.upstream = up
	c.mu.Unlock()
	if parent.isClosed() {
		s.calls.removeCall(parent.id)
	}

	if err := s.reinvite(up, res.Body(), logger); err != nil {
		logger.Warn("re-invite of upstream failed", "error", err)
	}
	s.notifyTransferor(parent, 200, "OK")

	logger.Info("re-dial connected", "upstream_call_id", up.CallID)
	s.emit(logger, "dial_result", func(ctx context.Context) error {
		if err := s.router.DialResult(ctx, c.id, routing.DialCompleted, res.StatusCode); err != nil {
			return err
		}
		return s.router.TransferComplete(ctx, c.id, 200)
	})
}

// reinvite sends a new offer on an established leg and ACKs the answer.
func (s *Server) reinvite(l *Leg, sdp []byte, logger *slog.Logger) error {
	req, err := s.inDialogRequest(l, sip.INVITE)
	if err != nil {
		return err
	}
	if len(sdp) > 0 {
		req.SetBody(sdp)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := s.sendRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-invite rejected with %d", res.StatusCode)
	}
	if err := s.sender.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		return fmt.Errorf("acking re-invite: %w", err)
	}

	l.mu.Lock()
	l.localSDP = sdp
	l.mu.Unlock()
	logger.Debug("upstream re-invited", "sip_call_id", l.CallID)
	return nil
}

// upstreamHost is the host transfers are referred to on an upstream leg.
func upstreamHost(l *Leg) string {
	if !l.UAS && l.Trunk != nil {
		return l.Trunk.Host
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invite != nil {
		if from := l.invite.From(); from != nil {
			return from.Address.Host
		}
	}
	return ""
}

// referTarget builds the Refer-To URI for a target user on host. Targets
// that are already URIs are used as given.
func referTarget(user, host string) string {
	lower := strings.ToLower(user)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") || strings.HasPrefix(lower, "tel:") {
		return user
	}
	if host == "" {
		return "sip:" + user
	}
	return "sip:" + user + "@" + host
}

// referTargetUser extracts the user part of a REFER's Refer-To URI.
func referTargetUser(req *sip.Request) (string, error) {
	h := req.GetHeader("Refer-To")
	if h == nil {
		return "", errNoReferTo
	}
	v := strings.TrimSpace(h.Value())
	if i := strings.Index(v, "<"); i >= 0 {
		j := strings.Index(v[i:], ">")
		if j < 0 {
			return "", fmt.Errorf("unterminated refer-to %q", v)
		}
		v = v[i+1 : i+j]
	}

	if strings.HasPrefix(strings.ToLower(v), "tel:") {
		num, _, _ := strings.Cut(v[len("tel:"):], ";")
		return num, nil
	}

	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return "", fmt.Errorf("parsing refer-to %q: %w", v, err)
	}
	return uri.User, nil
}

// parseSipfrag reads the status line of a message/sipfrag body.
func parseSipfrag(body []byte) (int, string, bool) {
	line, _, _ := strings.Cut(string(body), "\n")
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, "", false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 699 {
		return 0, "", false
	}
	reason := reasonPhrase(code)
	if len(fields) == 3 {
		reason = fields[2]
	}
	return code, reason, true
}
