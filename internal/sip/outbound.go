package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/flowpbx/agentgw/internal/sdp"
	"github.com/google/uuid"
)

const defaultDialTimeout = 60 * time.Second

// Dial places the outbound leg for a session. The INVITE is sent on its own
// goroutine; the outcome reaches the router as a DialResult event.
func (s *Server) Dial(ctx context.Context, sess *routing.Session, d routing.Dial) error {
	logger := sess.Logger().With("trunk", d.Target.Trunk)

	trunk, ok := s.trunks.Lookup(d.Target.Trunk)
	if !ok {
		return fmt.Errorf("%w: %q", routing.ErrUnknownTrunk, d.Target.Trunk)
	}

	c := s.calls.getCall(sess.CallID)
	legCallID := uuid.NewString()
	if c == nil {
		if d.ParentCallID == "" {
			return fmt.Errorf("no call for session %s", sess.CallID)
		}
		parent := s.calls.getCall(d.ParentCallID)
		if parent == nil || parent.isClosed() {
			return fmt.Errorf("parent call %s is gone", d.ParentCallID)
		}
		c = &call{id: sess.CallID, parent: parent}
		legCallID = sess.CallID
	} else if c.isClosed() {
		return fmt.Errorf("call %s already ended", sess.CallID)
	}

	offer := c.offer()
	leg := newUACLeg(legCallID, newTag(), &trunk)
	invite, err := s.buildInvite(leg, d.Target, offer)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), s.dialTimeout())
	leg.mu.Lock()
	leg.invite = invite
	leg.localSDP = offer
	leg.cancelInvite = cancel
	leg.mu.Unlock()

	c.mu.Lock()
	c.dialed = leg
	c.transferHook = d.TransferHook != ""
	c.resultHook = d.ResultHook != ""
	c.mu.Unlock()

	if c.parent != nil {
		s.calls.addCall(c)
	}
	s.calls.addLeg(leg)

	logger = logger.With("leg_call_id", legCallID)
	logger.Info("dialing",
		"number", d.Target.Number,
		"caller_id", d.Target.CallerID,
		"forwarded_headers", len(d.Target.Headers),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runDial(dialCtx, c, leg, invite, logger)
	}()
	return nil
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.DialTimeout > 0 {
		return s.cfg.DialTimeout
	}
	return defaultDialTimeout
}

// runDial drives one outbound INVITE to its final response.
func (s *Server) runDial(ctx context.Context, c *call, leg *Leg, invite *sip.Request, logger *slog.Logger) {
	res, sent, err := s.sendInvite(ctx, c, leg, invite, logger)
	if err != nil {
		if leg.State() == LegStateEnded {
			logger.Info("dial abandoned")
			s.calls.removeLeg(leg.CallID)
			return
		}
		status := 503
		if errors.Is(err, context.DeadlineExceeded) {
			status = 408
		}
		logger.Warn("dial failed", "error", err, "status", status)
		s.dialFailed(c, leg, status, logger)
		return
	}

	if res.StatusCode >= 300 {
		logger.Info("dial rejected", "status", res.StatusCode, "reason", res.Reason)
		s.dialFailed(c, leg, res.StatusCode, logger)
		return
	}

	logger.Info("dial answered", "status", res.StatusCode)
	s.dialAnswered(c, leg, sent, res, logger)
}

// sendInvite sends invite and collects responses until a final one
// arrives. One digest challenge is answered with the trunk's credentials.
// It returns the final response together with the request that got it.
func (s *Server) sendInvite(ctx context.Context, c *call, leg *Leg, invite *sip.Request, logger *slog.Logger) (*sip.Response, *sip.Request, error) {
	req := invite
	opts := []sipgo.ClientRequestOption{sipgo.ClientRequestBuild}
	authed := false
	relayed := false

	for {
		tx, err := s.sender.TransactionRequest(ctx, req, opts...)
		if err != nil {
			return nil, req, fmt.Errorf("sending invite: %w", err)
		}

		res, err := s.waitFinal(ctx, tx, req, c, &relayed, logger)
		tx.Terminate()
		if err != nil {
			return nil, req, err
		}

		if isAuthChallenge(res) && !authed {
			authReq, err := authorize(req, res, *leg.Trunk)
			if err != nil {
				return nil, req, err
			}
			logger.Debug("re-sending invite with credentials")
			req = authReq
			authed = true
			opts = []sipgo.ClientRequestOption{sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia}
			leg.mu.Lock()
			leg.invite = req
			leg.mu.Unlock()
			continue
		}
		return res, req, nil
	}
}

// waitFinal reads responses from an INVITE transaction. Ringing is relayed
// upstream once. When ctx ends first the INVITE is cancelled.
func (s *Server) waitFinal(ctx context.Context, tx sip.ClientTransaction, req *sip.Request, c *call, relayed *bool, logger *slog.Logger) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			s.cancelRequest(req, logger)
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("invite transaction: %w", err)
			}
			return nil, errors.New("invite transaction ended without final response")
		case res := <-tx.Responses():
			logger.Debug("dial response", "status", res.StatusCode, "reason", res.Reason)
			if res.StatusCode >= 200 {
				return res, nil
			}
			if (res.StatusCode == 180 || res.StatusCode == 183) && !*relayed {
				*relayed = s.relayProvisional(c, res, logger)
			}
		}
	}
}

// relayProvisional forwards ringing to a UAS upstream leg that has no final
// response yet. It reports whether anything was sent.
func (s *Server) relayProvisional(c *call, res *sip.Response, logger *slog.Logger) bool {
	up, _ := c.legs()
	if up == nil || !up.UAS || !up.ringing() {
		return false
	}
	var body []byte
	if res.StatusCode == 183 && len(res.Body()) > 0 {
		body = res.Body()
	}
	if err := s.respondLeg(up, s.uasResponse(up, res.StatusCode, res.Reason, body)); err != nil {
		logger.Error("failed to relay ringing upstream", "error", err)
		return false
	}
	return true
}

// cancelRequest sends CANCEL for a pending INVITE (RFC 3261 Section 9.1).
func (s *Server) cancelRequest(invite *sip.Request, logger *slog.Logger) {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	if h := invite.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	cancel.SetTransport(invite.Transport())
	cancel.SetDestination(invite.Destination())

	if err := s.sender.WriteRequest(cancel); err != nil {
		logger.Warn("failed to send cancel", "error", err)
	}
}

// dialAnswered completes an answered dial: ACK the new leg, then connect it
// to the upstream leg.
func (s *Server) dialAnswered(c *call, leg *Leg, invite *sip.Request, res *sip.Response, logger *slog.Logger) {
	if body := res.Body(); len(body) > 0 {
		if answer, err := sdp.Parse(body); err != nil {
			logger.Warn("dialed leg answered with unparsable sdp", "error", err)
		} else {
			logger.Debug("dialed leg answer", "sdp", answer)
		}
	}

	ack := buildACKFor2xx(invite, res)
	if err := s.sender.WriteRequest(ack); err != nil {
		logger.Error("failed to ack dialed leg", "error", err)
	}

	abandoned := leg.State() == LegStateEnded || c.isClosed()
	leg.setAnswered(invite, res)
	if abandoned {
		logger.Info("dial answered after the call ended")
		s.teardownLeg(leg, 487)
		return
	}

	if c.parent != nil {
		s.adoptUpstream(c, leg, res, logger)
		return
	}

	up, _ := c.legs()
	if up == nil {
		s.teardownLeg(leg, 480)
		return
	}
	if err := s.answerUpstream(up, res.Body()); err != nil {
		logger.Error("failed to answer upstream", "error", err)
		s.hangupCall(c, 500, nil)
		s.emit(logger, "closed", func(ctx context.Context) error {
			return s.router.Closed(ctx, c.id, 500, "Server Internal Error")
		})
		return
	}

	if !c.resultHookSet() {
		return
	}
	s.emit(logger, "dial_result", func(ctx context.Context) error {
		return s.router.DialResult(ctx, c.id, routing.DialCompleted, res.StatusCode)
	})
}

// dialFailed reports a failed dial. The routing layer decides whether the
// session is rejected.
func (s *Server) dialFailed(c *call, leg *Leg, status int, logger *slog.Logger) {
	leg.end()
	s.calls.removeLeg(leg.CallID)

	if c.isClosed() {
		return
	}

	if p := c.parent; p != nil {
		s.notifyTransferor(p, status, reasonPhrase(status))
		if p.isClosed() {
			// The transferor left while the re-dial was ringing; nobody
			// is left to take the upstream leg.
			if up, _ := p.legs(); up != nil {
				s.teardownLeg(up, status)
			}
			s.calls.removeCall(p.id)
		}
	}

	if !c.resultHookSet() {
		s.hangupCall(c, status, nil)
		s.emit(logger, "closed", func(ctx context.Context) error {
			return s.router.Closed(ctx, c.id, status, reasonPhrase(status))
		})
		return
	}
	s.emit(logger, "dial_result", func(ctx context.Context) error {
		return s.router.DialResult(ctx, c.id, dialStatus(status), status)
	})
}

func (c *call) resultHookSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resultHook
}

// buildInvite creates the INVITE for a dialed leg towards its trunk.
func (s *Server) buildInvite(leg *Leg, target routing.RoutingTarget, offer []byte) (*sip.Request, error) {
	trunk := leg.Trunk
	recipient, err := trunkURI(target.Number, *trunk)
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))
	req.SetDestination(fmt.Sprintf("%s:%d", trunk.Host, trunk.Port))

	callerID := target.CallerID
	if callerID == "" {
		callerID = "anonymous"
	}
	var fromURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", callerID, s.contactHost), &fromURI); err != nil {
		return nil, fmt.Errorf("parsing caller id %q: %w", callerID, err)
	}
	from := &sip.FromHeader{Address: fromURI, Params: sip.NewParams()}
	from.Params.Add("tag", leg.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(leg.CallID)
	req.AppendHeader(&callID)

	leg.cseq = 1
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(s.contactHeader())

	names := make([]string, 0, len(target.Headers))
	for name := range target.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AppendHeader(sip.NewHeader(name, target.Headers[name]))
	}

	if len(offer) > 0 {
		req.SetBody(offer)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req, nil
}

// dialStatus maps a final SIP status to a dial outcome.
func dialStatus(code int) routing.DialStatus {
	switch {
	case code >= 200 && code < 300:
		return routing.DialCompleted
	case code == 486 || code == 600:
		return routing.DialBusy
	case code == 408 || code == 480 || code == 487:
		return routing.DialNoAnswer
	default:
		return routing.DialFailed
	}
}

// reasonPhrase returns the standard reason phrase for a SIP status.
func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 482:
		return "Loop Detected"
	case 484:
		return "Address Incomplete"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 491:
		return "Request Pending"
	case 500:
		return "Server Internal Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	}
	switch {
	case code >= 600:
		return "Global Failure"
	case code >= 500:
		return "Server Error"
	case code >= 400:
		return "Client Error"
	case code >= 300:
		return "Redirection"
	case code >= 200:
		return "OK"
	default:
		return "Trying"
	}
}
