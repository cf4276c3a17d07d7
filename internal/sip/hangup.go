package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
)

const requestTimeout = 5 * time.Second

// Reject fails a session's call with status and reports the close.
func (s *Server) Reject(ctx context.Context, sess *routing.Session, status int) error {
	if c := s.calls.getCall(sess.CallID); c != nil {
		s.hangupCall(c, status, nil)
	}
	sess.Logger().Info("call rejected", "status", status)
	s.emit(sess.Logger(), "closed", func(ctx context.Context) error {
		return s.router.Closed(ctx, sess.CallID, status, reasonPhrase(status))
	})
	return nil
}

// Close ends a session's call. The session is already closing, so no event
// is raised.
func (s *Server) Close(ctx context.Context, sess *routing.Session, status int) error {
	if c := s.calls.getCall(sess.CallID); c != nil {
		s.hangupCall(c, status, nil)
	}
	return nil
}

// Hangup ends a live session's call and reports the close.
func (s *Server) Hangup(ctx context.Context, sess *routing.Session) error {
	if c := s.calls.getCall(sess.CallID); c != nil {
		s.hangupCall(c, 487, nil)
	}
	s.emit(sess.Logger(), "closed", func(ctx context.Context) error {
		return s.router.Closed(ctx, sess.CallID, 200, "terminated")
	})
	return nil
}

// Say is accepted but not rendered: the gateway has no media path.
func (s *Server) Say(ctx context.Context, sess *routing.Session, text string) error {
	sess.Logger().Info("announcement skipped, no media path", "text", text)
	return nil
}

// handleBye processes BYE on any leg and tears down the calls using it.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	logger := s.logger.With("sip_call_id", callID)

	leg := s.calls.Leg(callID)
	if leg == nil {
		respond(req, tx, 481, "Call/Transaction Does Not Exist", logger)
		return
	}
	respond(req, tx, 200, "OK", logger)

	calls := s.calls.callsForLeg(leg)
	leg.end()
	s.calls.removeLeg(callID)
	logger.Info("bye received", "calls", len(calls))

	for _, c := range calls {
		s.hangupCall(c, 487, leg)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err := s.router.Closed(ctx, c.id, 200, "BYE")
		cancel()
		if err != nil && !errors.Is(err, routing.ErrSessionNotFound) {
			logger.Warn("close event failed", "call_id", c.id, "error", err)
		}
	}
}

// handleCancel processes CANCEL for a ringing upstream INVITE.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	logger := s.logger.With("sip_call_id", callID)

	respond(req, tx, 200, "OK", logger)

	leg := s.calls.Leg(callID)
	if leg == nil || !leg.UAS || !leg.ringing() {
		return
	}
	logger.Info("invite cancelled")

	for _, c := range s.calls.callsForLeg(leg) {
		s.hangupCall(c, 487, nil)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err := s.router.Closed(ctx, c.id, 487, "Request Terminated")
		cancel()
		if err != nil && !errors.Is(err, routing.ErrSessionNotFound) {
			logger.Warn("close event failed", "call_id", c.id, "error", err)
		}
	}
}

// hangupCall tears down every leg of c except the one given, which the
// remote side already ended. When the transferor's leg goes away while a
// re-dial is still ringing, the upstream leg is kept for the re-dial to
// adopt.
func (s *Server) hangupCall(c *call, status int, except *Leg) {
	up, dialed := c.legs()
	kids := s.calls.pendingChildren(c)
	handoff := except != nil && except == dialed && up != nil && len(kids) > 0

	if except != nil {
		except.end()
		s.calls.removeLeg(except.CallID)
	}
	if dialed != nil && dialed != except {
		s.teardownLeg(dialed, status)
	}
	if up != nil && up != except && !handoff {
		s.teardownLeg(up, status)
	}
	c.markClosed()

	if handoff {
		return
	}
	for _, k := range kids {
		s.abandonChild(k)
	}
	s.calls.removeCall(c.id)
}

// abandonChild cancels a re-dial whose parent call ended before it
// answered.
func (s *Server) abandonChild(k *call) {
	if !k.markClosed() {
		return
	}
	if _, dialed := k.legs(); dialed != nil {
		s.teardownLeg(dialed, 487)
	}
	s.calls.removeCall(k.id)
	s.emit(s.logger.With("call_id", k.id), "closed", func(ctx context.Context) error {
		return s.router.Closed(ctx, k.id, 487, "Request Terminated")
	})
}

// teardownLeg ends one leg the way its state requires: a final response or
// CANCEL while ringing, BYE once answered.
func (s *Server) teardownLeg(l *Leg, status int) {
	switch l.State() {
	case LegStateEnded:
	case LegStateRinging:
		if l.UAS {
			if status < 300 || status > 699 {
				status = 487
			}
			if err := s.respondLeg(l, s.uasResponse(l, status, reasonPhrase(status), nil)); err != nil {
				s.logger.Warn("failed to reject upstream leg", "sip_call_id", l.CallID, "error", err)
			}
		}
		l.end()
	case LegStateAnswered:
		s.ackIfPending(l)
		if req, err := s.inDialogRequest(l, sip.BYE); err != nil {
			s.logger.Warn("cannot build bye", "sip_call_id", l.CallID, "error", err)
		} else {
			s.goRequest(s.logger.With("sip_call_id", l.CallID), req, nil)
		}
		l.end()
	}
	s.calls.removeLeg(l.CallID)
}

// ackIfPending sends the outstanding ACK of an originated leg.
func (s *Server) ackIfPending(l *Leg) {
	l.mu.Lock()
	pending := l.ackPending
	l.ackPending = false
	invite, answer := l.invite, l.answer
	l.mu.Unlock()
	if !pending || invite == nil || answer == nil {
		return
	}
	if err := s.sender.WriteRequest(buildACKFor2xx(invite, answer)); err != nil {
		s.logger.Warn("failed to send ack", "sip_call_id", l.CallID, "error", err)
	}
}

// inDialogRequest builds a request inside an established leg's dialog.
func (s *Server) inDialogRequest(l *Leg, method sip.RequestMethod) (*sip.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.invite == nil {
		return nil, errors.New("leg has no dialog")
	}

	var (
		target sip.Uri
		from   *sip.FromHeader
		to     *sip.ToHeader
		dest   string
	)
	if l.UAS {
		inFrom, inTo := l.invite.From(), l.invite.To()
		if inFrom == nil || inTo == nil {
			return nil, errors.New("invite lacks from or to")
		}
		target = *inFrom.Address.Clone()
		if cont := l.invite.Contact(); cont != nil {
			target = *cont.Address.Clone()
		}
		from = &sip.FromHeader{DisplayName: inTo.DisplayName, Address: *inTo.Address.Clone(), Params: sip.NewParams()}
		from.Params.Add("tag", l.localTag)
		to = &sip.ToHeader{DisplayName: inFrom.DisplayName, Address: *inFrom.Address.Clone(), Params: sip.NewParams()}
		if inFrom.Params != nil {
			if tag, ok := inFrom.Params.Get("tag"); ok {
				to.Params.Add("tag", tag)
			}
		}
		dest = l.invite.Source()
	} else {
		if l.answer == nil {
			return nil, errors.New("leg is not established")
		}
		inFrom, resTo := l.invite.From(), l.answer.To()
		if inFrom == nil || resTo == nil {
			return nil, errors.New("dialog lacks from or to")
		}
		target = *l.invite.Recipient.Clone()
		if cont := l.answer.Contact(); cont != nil {
			target = *cont.Address.Clone()
		}
		from = &sip.FromHeader{DisplayName: inFrom.DisplayName, Address: *inFrom.Address.Clone(), Params: sip.NewParams()}
		from.Params.Add("tag", l.localTag)
		to = &sip.ToHeader{DisplayName: resTo.DisplayName, Address: *resTo.Address.Clone(), Params: sip.NewParams()}
		if resTo.Params != nil {
			if tag, ok := resTo.Params.Get("tag"); ok {
				to.Params.Add("tag", tag)
			}
		}
		dest = l.invite.Destination()
		if l.Trunk != nil {
			dest = fmt.Sprintf("%s:%d", l.Trunk.Host, l.Trunk.Port)
		}
	}

	req := sip.NewRequest(method, target)
	req.AppendHeader(from)
	req.AppendHeader(to)
	callID := sip.CallIDHeader(l.CallID)
	req.AppendHeader(&callID)
	l.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(s.contactHeader())
	req.SetTransport(l.invite.Transport())
	req.SetDestination(dest)
	return req, nil
}

// sendRequest sends req and waits for its final response.
func (s *Server) sendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.sender.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

// goRequest sends req on its own goroutine. done, if set, receives the
// final response or error.
func (s *Server) goRequest(logger *slog.Logger, req *sip.Request, done func(*sip.Response, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := s.sendRequest(ctx, req)
		if err != nil {
			logger.Warn("request failed", "method", req.Method.String(), "error", err)
		} else if res.StatusCode >= 300 {
			logger.Warn("request rejected", "method", req.Method.String(), "status", res.StatusCode)
		}
		if done != nil {
			done(res, err)
		}
	}()
}
