package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/flowpbx/agentgw/internal/routing"
)

// Router receives call events from the transport. routing.Controller
// implements it.
type Router interface {
	Start(ctx context.Context, s *routing.Session) error
	Transfer(ctx context.Context, callID string, d routing.TransferDetails) error
	DialResult(ctx context.Context, callID string, status routing.DialStatus, sipStatus int) error
	TransferComplete(ctx context.Context, callID string, status int) error
	Closed(ctx context.Context, callID string, status int, reason string) error
	Options() routing.Options
}

// requestSender sends requests outside of a server transaction.
// *sipgo.Client implements it.
type requestSender interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// eventTimeout bounds the delivery of one event to the router.
const eventTimeout = 10 * time.Second

// Server wraps the sipgo SIP stack with the gateway's handlers. It is also
// the routing layer's CallControl.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	sender  requestSender
	trunks  *TrunkRegistrar
	calls   *CallStore
	acl     *SourceACL
	guard   *BruteForceGuard
	partner *PartnerAuthenticator // nil when X-Authenticated-User is trusted as received
	tracer  *MessageTracer
	router  Router

	contactHost string
	contactPort int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. Attach must
// be called before Start.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("agentgw"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	contactHost := cfg.ContactIP()
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
		sipgo.WithClientHostname(contactHost),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	acl, err := NewSourceACL(cfg.AllowedSourceList(), logger)
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("loading source acl: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		ua:          ua,
		srv:         srv,
		client:      client,
		sender:      client,
		trunks:      NewTrunkRegistrar(ua, cfg.Trunks, logger),
		calls:       NewCallStore(logger),
		acl:         acl,
		guard:       NewBruteForceGuard(DefaultGuardPolicy, logger),
		tracer:      NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPTrace)),
		contactHost: contactHost,
		contactPort: cfg.SIPPort,
		logger:      logger,
	}
	if cfg.PartnerAuthEnabled() {
		s.partner = NewPartnerAuthenticator(cfg.TrustedPartnerUser, cfg.PartnerPassword, cfg.AuthRealm, s.guard, logger)
	}
	s.tracer.Install()

	s.registerHandlers()
	return s, nil
}

// Attach connects the server to the router that receives call events.
func (s *Server) Attach(r Router) {
	s.router = r
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnRefer(s.handleRefer)
	s.srv.OnNotify(s.handleNotify)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on configured transports and starts trunk
// registration. Listeners run until the context is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	if s.router == nil {
		return errors.New("sip server started without a router")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	if s.cfg.TLSEnabled() {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tls listener starting", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
	}

	if err := s.trunks.Start(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("starting trunks: %w", err)
	}

	if s.partner != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runNonceCleanup(ctx)
		}()
	}

	return nil
}

// runNonceCleanup periodically expires partner auth nonces and old blocks.
func (s *Server) runNonceCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.partner.CleanExpiredNonces()
		}
	}
}

// Stop hangs up every call, shuts down listeners and trunks, and waits for
// goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server", "active_calls", s.calls.CallCount())

	for _, c := range s.calls.all() {
		s.hangupCall(c, 503, nil)
	}

	s.trunks.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
	}
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Trunks returns the trunk manager.
func (s *Server) Trunks() *TrunkRegistrar {
	return s.trunks
}

// Calls returns the call store.
func (s *Server) Calls() *CallStore {
	return s.calls
}

// BruteForceGuard returns the guard used for partner authentication.
func (s *Server) BruteForceGuard() *BruteForceGuard {
	return s.guard
}

// Tracer returns the SIP message tracer.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// ACL returns the inbound source ACL.
func (s *Server) ACL() *SourceACL {
	return s.acl
}

// emit delivers an event to the router on its own goroutine. CallControl
// methods run inside the router's event handling and must never call back
// into it directly.
func (s *Server) emit(logger *slog.Logger, event string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if errors.Is(err, routing.ErrSessionNotFound) || errors.Is(err, routing.ErrSessionClosed) {
				logger.Debug("event for finished session dropped", "event", event)
				return
			}
			logger.Warn("routing event failed", "event", event, "error", err)
		}
	}()
}

// contactHeader returns the Contact the gateway advertises.
func (s *Server) contactHeader() *sip.ContactHeader {
	var uri sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:agentgw@%s:%d", s.contactHost, s.contactPort), &uri); err != nil {
		s.logger.Error("invalid contact address", "host", s.contactHost, "error", err)
	}
	return &sip.ContactHeader{Address: uri}
}

// handleACK processes incoming ACK requests. ACKs for the gateway's 2xx
// responses confirm the dialog and need no further action.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	s.logger.Debug("sip ack received",
		"sip_call_id", callID,
		"known", s.calls.Leg(callID) != nil,
		"source", req.Source(),
	)
}

// handleOptions responds to SIP OPTIONS requests (keepalive pings from
// trunks and the voice platform).
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REFER, NOTIFY, OPTIONS"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
