package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/google/uuid"
)

// OriginateRequest asks the gateway to call a number and connect the answer
// to the voice agent.
type OriginateRequest struct {
	// From is the agent number the call is placed for.
	From string `json:"from"`
	// To is the number to call.
	To string `json:"to"`
	// CallerID overrides From as the presented caller identity.
	CallerID string `json:"caller_id,omitempty"`
	// Trunk overrides the PSTN trunk.
	Trunk   string          `json:"trunk,omitempty"`
	Headers routing.Headers `json:"headers,omitempty"`
}

// Originate calls r.To through a trunk. Once the callee answers, an
// outbound routing session is started for the call and dials the agent;
// the callee's ACK carries the agent's SDP. It returns the new call's ID
// without waiting for the answer.
func (s *Server) Originate(ctx context.Context, r OriginateRequest) (string, error) {
	if r.To == "" {
		return "", errors.New("originate needs a destination")
	}
	// The agent number becomes the destination of the outbound session.
	if r.From == "" {
		return "", errors.New("originate needs an agent number")
	}

	trunkName := r.Trunk
	if trunkName == "" {
		trunkName = s.router.Options().PSTNTrunk
	}
	trunk, ok := s.trunks.Lookup(trunkName)
	if !ok {
		return "", fmt.Errorf("%w: %q", routing.ErrUnknownTrunk, trunkName)
	}

	callerID := r.CallerID
	if callerID == "" {
		callerID = r.From
	}

	callID := uuid.NewString()
	leg := newUACLeg(callID, newTag(), &trunk)
	invite, err := s.buildInvite(leg, routing.RoutingTarget{
		Number:   r.To,
		Trunk:    trunkName,
		CallerID: callerID,
		Headers:  r.Headers,
	}, nil)
	if err != nil {
		return "", err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), s.dialTimeout())
	leg.mu.Lock()
	leg.invite = invite
	leg.cancelInvite = cancel
	leg.mu.Unlock()

	c := &call{id: callID, upstream: leg}
	s.calls.addCall(c)
	s.calls.addLeg(leg)

	logger := s.logger.With("call_id", callID, "trunk", trunkName)
	logger.Info("originating call", "from", r.From, "to", r.To)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runOriginate(dialCtx, c, leg, invite, r, logger)
	}()
	return callID, nil
}

func (s *Server) runOriginate(ctx context.Context, c *call, leg *Leg, invite *sip.Request, r OriginateRequest, logger *slog.Logger) {
	res, sent, err := s.sendInvite(ctx, c, leg, invite, logger)
	if err != nil || res.StatusCode >= 300 {
		if err != nil {
			logger.Warn("originate failed", "error", err)
		} else {
			logger.Info("originate rejected", "status", res.StatusCode, "reason", res.Reason)
		}
		leg.end()
		s.calls.removeLeg(leg.CallID)
		c.markClosed()
		s.calls.removeCall(c.id)
		return
	}

	abandoned := leg.State() == LegStateEnded || c.isClosed()
	leg.setAnswered(sent, res)
	leg.mu.Lock()
	leg.ackPending = true
	leg.mu.Unlock()
	if abandoned {
		s.teardownLeg(leg, 487)
		return
	}

	logger.Info("originated call answered")
	sess := routing.NewSession(c.id, routing.DirectionOutbound, r.From, r.To, r.Headers.Clone())
	startCtx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := s.router.Start(startCtx, sess); err != nil {
		logger.Error("routing originated call failed", "error", err)
		s.hangupCall(c, 500, nil)
	}
}
