package sip

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/flowpbx/agentgw/internal/routing"
)

// fakeRouter records the events the transport raises.
type fakeRouter struct {
	mu        sync.Mutex
	closed    map[string]int
	dials     map[string]routing.DialStatus
	transfers []routing.TransferDetails
	completes map[string][]int
	opts      routing.Options

	// onStart and onTransfer stand in for the controller's command
	// execution, which runs before Start or Transfer returns.
	onStart    func(s *routing.Session) error
	onTransfer func(callID string) error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		closed:    make(map[string]int),
		dials:     make(map[string]routing.DialStatus),
		completes: make(map[string][]int),
	}
}

func (f *fakeRouter) Start(ctx context.Context, s *routing.Session) error {
	if f.onStart != nil {
		return f.onStart(s)
	}
	return nil
}

func (f *fakeRouter) Transfer(ctx context.Context, callID string, d routing.TransferDetails) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, d)
	hook := f.onTransfer
	f.mu.Unlock()
	if hook != nil {
		return hook(callID)
	}
	return nil
}

func (f *fakeRouter) DialResult(ctx context.Context, callID string, status routing.DialStatus, sipStatus int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[callID] = status
	return nil
}

func (f *fakeRouter) TransferComplete(ctx context.Context, callID string, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes[callID] = append(f.completes[callID], status)
	return nil
}

func (f *fakeRouter) Closed(ctx context.Context, callID string, status int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[callID] = status
	return nil
}

func (f *fakeRouter) Options() routing.Options { return f.opts }

func newTestServer() (*Server, *fakeRouter) {
	r := newFakeRouter()
	acl, _ := NewSourceACL(nil, testLogger())
	s := &Server{
		calls:       NewCallStore(testLogger()),
		sender:      &fakeSender{},
		acl:         acl,
		contactHost: "198.51.100.1",
		contactPort: 5060,
		router:      r,
		logger:      testLogger(),
	}
	return s, r
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("ParseUri(%q): %v", s, err)
	}
	return u
}

// newTestInvite returns an INVITE as the voice platform would send it.
func newTestInvite(t *testing.T, callID string) *sip.Request {
	t.Helper()
	recipient := mustURI(t, "sip:+15550001111@gw.example.com")
	req := sip.NewRequest(sip.INVITE, recipient)

	from := &sip.FromHeader{Address: mustURI(t, "sip:+15552223333@platform.example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "remote1")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:platform@192.0.2.10:5080")})
	req.AppendHeader(sip.NewHeader("X-Fwd-Tenant", "acme"))
	req.SetBody([]byte("v=0\r\n"))
	req.SetSource("192.0.2.10:5080")
	req.SetTransport("UDP")
	return req
}

func testTrunk() *config.Trunk {
	return &config.Trunk{Name: "agent", Host: "agent.example.com", Port: 5060, Transport: "udp"}
}

func TestLeg_Lifecycle(t *testing.T) {
	l := newUACLeg("leg-1", "tag1", testTrunk())
	if !l.ringing() {
		t.Fatalf("new leg state = %s, want ringing", l.State())
	}

	cancelled := false
	l.cancelInvite = func() { cancelled = true }

	if !l.end() {
		t.Fatal("first end() should report a change")
	}
	if l.end() {
		t.Fatal("second end() should be a no-op")
	}
	if !cancelled {
		t.Error("ending a ringing leg did not cancel its invite")
	}
	select {
	case <-l.Final():
	default:
		t.Error("Final() not closed after end")
	}
}

func TestLeg_SetAnsweredTakesInviteCSeq(t *testing.T) {
	l := newUACLeg("leg-1", "tag1", testTrunk())
	invite := newTestInvite(t, "leg-1")
	res := sip.NewResponseFromRequest(invite, 200, "OK", []byte("v=0 answer"))

	l.setAnswered(invite, res)

	if l.State() != LegStateAnswered {
		t.Fatalf("state = %s, want answered", l.State())
	}
	if got := l.nextCSeq(); got != 8 {
		t.Errorf("nextCSeq() = %d, want 8", got)
	}
	if got := string(l.remoteSDP()); got != "v=0 answer" {
		t.Errorf("remoteSDP() = %q", got)
	}
}

func TestCall_OfferFromParent(t *testing.T) {
	invite := newTestInvite(t, "up-1")
	parent := &call{id: "parent", upstream: newUASLeg(invite, nil)}
	child := &call{id: "child", parent: parent}

	if got := string(child.offer()); got != "v=0\r\n" {
		t.Errorf("child offer = %q, want the parent's upstream SDP", got)
	}
	if got := (&call{id: "orphan"}).offer(); got != nil {
		t.Errorf("offer without upstream = %q, want nil", got)
	}
}

func TestCallStore(t *testing.T) {
	cs := NewCallStore(testLogger())

	up := newUASLeg(newTestInvite(t, "up-1"), nil)
	dialed := newUACLeg("dialed-1", "t1", testTrunk())
	parent := &call{id: "up-1", upstream: up, dialed: dialed}

	if !cs.addCallIfAbsent(parent) {
		t.Fatal("first add should succeed")
	}
	if cs.addCallIfAbsent(&call{id: "up-1"}) {
		t.Fatal("duplicate add should fail")
	}
	cs.addLeg(up)
	cs.addLeg(dialed)

	child := &call{id: "child-1", parent: parent}
	cs.addCall(child)

	if got := cs.callsForLeg(dialed); len(got) != 1 || got[0] != parent {
		t.Errorf("callsForLeg(dialed) = %v", got)
	}
	if got := cs.pendingChildren(parent); len(got) != 1 || got[0] != child {
		t.Errorf("pendingChildren = %v, want the child", got)
	}

	child.upstream = up
	if got := cs.pendingChildren(parent); len(got) != 0 {
		t.Errorf("child that adopted the upstream still pending: %v", got)
	}

	if cs.CallCount() != 2 || cs.LegCount() != 2 {
		t.Errorf("counts = %d calls, %d legs", cs.CallCount(), cs.LegCount())
	}
	cs.removeLeg("dialed-1")
	cs.removeCall("child-1")
	if cs.Leg("dialed-1") != nil || cs.getCall("child-1") != nil {
		t.Error("removed entries still present")
	}
	if len(cs.all()) != 1 {
		t.Errorf("all() = %d calls, want 1", len(cs.all()))
	}
}

func TestHangupCall_CancelsPendingChildren(t *testing.T) {
	s, r := newTestServer()

	up := newUASLeg(newTestInvite(t, "up-1"), nil)
	parent := &call{id: "up-1", upstream: up}
	s.calls.addCall(parent)
	s.calls.addLeg(up)

	kidLeg := newUACLeg("child-1", "t2", testTrunk())
	kid := &call{id: "child-1", parent: parent, dialed: kidLeg}
	s.calls.addCall(kid)
	s.calls.addLeg(kidLeg)

	s.hangupCall(parent, 486, nil)
	s.wg.Wait()

	if up.State() != LegStateEnded || kidLeg.State() != LegStateEnded {
		t.Errorf("legs not ended: up=%s child=%s", up.State(), kidLeg.State())
	}
	if s.calls.CallCount() != 0 || s.calls.LegCount() != 0 {
		t.Errorf("store not empty: %d calls, %d legs", s.calls.CallCount(), s.calls.LegCount())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if got, ok := r.closed["child-1"]; !ok || got != 487 {
		t.Errorf("child close = %d (%v), want 487", got, ok)
	}
	if _, ok := r.closed["up-1"]; ok {
		t.Error("hangupCall must not report the call it was asked to end")
	}
}

func TestHangupCall_HandsUpstreamToRedial(t *testing.T) {
	s, _ := newTestServer()

	up := newUASLeg(newTestInvite(t, "up-1"), nil)
	up.setAnswered(nil, nil)
	agent := newUACLeg("agent-1", "t1", testTrunk())
	agent.setAnswered(nil, nil)
	parent := &call{id: "up-1", upstream: up, dialed: agent}
	s.calls.addCall(parent)
	s.calls.addLeg(up)
	s.calls.addLeg(agent)

	kidLeg := newUACLeg("child-1", "t2", testTrunk())
	kid := &call{id: "child-1", parent: parent, dialed: kidLeg}
	s.calls.addCall(kid)
	s.calls.addLeg(kidLeg)

	// The agent hangs up while the re-dial is still ringing.
	s.hangupCall(parent, 487, agent)
	s.wg.Wait()

	if !parent.isClosed() {
		t.Error("parent should be closed")
	}
	if s.calls.getCall("up-1") == nil {
		t.Error("parent removed before the re-dial could adopt its upstream")
	}
	if up.State() != LegStateAnswered {
		t.Errorf("upstream state = %s, want answered", up.State())
	}
	if kidLeg.State() != LegStateRinging {
		t.Errorf("re-dial state = %s, want ringing", kidLeg.State())
	}
	if s.calls.Leg("agent-1") != nil {
		t.Error("agent leg still tracked")
	}
}

func TestInDialogRequest_UAS(t *testing.T) {
	s, _ := newTestServer()
	l := newUASLeg(newTestInvite(t, "up-1"), nil)

	req, err := s.inDialogRequest(l, sip.BYE)
	if err != nil {
		t.Fatalf("inDialogRequest: %v", err)
	}

	if req.Recipient.Host != "192.0.2.10" || req.Recipient.Port != 5080 {
		t.Errorf("recipient = %s, want the invite's contact", req.Recipient.String())
	}
	if got := req.From().Address.User; got != "+15550001111" {
		t.Errorf("from user = %q, want the called number", got)
	}
	if tag, _ := req.From().Params.Get("tag"); tag != l.LocalTag() {
		t.Errorf("from tag = %q, want local tag %q", tag, l.LocalTag())
	}
	if tag, _ := req.To().Params.Get("tag"); tag != "remote1" {
		t.Errorf("to tag = %q, want remote1", tag)
	}
	if req.CallID().Value() != "up-1" {
		t.Errorf("call-id = %q", req.CallID().Value())
	}
	if cseq := req.CSeq(); cseq.SeqNo != 1 || cseq.MethodName != sip.BYE {
		t.Errorf("cseq = %d %s, want 1 BYE", cseq.SeqNo, cseq.MethodName)
	}
	if req.Destination() != "192.0.2.10:5080" {
		t.Errorf("destination = %q", req.Destination())
	}

	next, err := s.inDialogRequest(l, sip.NOTIFY)
	if err != nil {
		t.Fatalf("second inDialogRequest: %v", err)
	}
	if next.CSeq().SeqNo != 2 {
		t.Errorf("cseq did not advance: %d", next.CSeq().SeqNo)
	}
}

func TestInDialogRequest_UACNeedsAnswer(t *testing.T) {
	s, _ := newTestServer()
	l := newUACLeg("leg-1", "t1", testTrunk())
	l.invite = newTestInvite(t, "leg-1")

	if _, err := s.inDialogRequest(l, sip.BYE); err == nil {
		t.Fatal("expected an error for an unanswered leg")
	}
}

func TestBuildACKFor2xx(t *testing.T) {
	invite := newTestInvite(t, "leg-1")
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:agent@203.0.113.5:5062")})

	ack := buildACKFor2xx(invite, res)

	if ack.Method != sip.ACK {
		t.Fatalf("method = %s", ack.Method)
	}
	if ack.Recipient.Host != "203.0.113.5" || ack.Recipient.Port != 5062 {
		t.Errorf("recipient = %s, want the response contact", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq.SeqNo != 7 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %d %s, want 7 ACK", cseq.SeqNo, cseq.MethodName)
	}
	if ack.CallID().Value() != "leg-1" {
		t.Errorf("call-id = %q", ack.CallID().Value())
	}
}

func TestHeadersFromRequest(t *testing.T) {
	h := headersFromRequest(newTestInvite(t, "up-1"))

	if v, ok := h.Get("x-fwd-tenant"); !ok || v != "acme" {
		t.Errorf("X-Fwd-Tenant = %q (%v)", v, ok)
	}
	if v, ok := h.Get("Call-ID"); !ok || v != "up-1" {
		t.Errorf("Call-ID = %q (%v)", v, ok)
	}

	h["x-authenticated-user"] = "spoofed"
	deleteHeader(h, routing.HeaderAuthenticatedUser)
	if _, ok := h.Get(routing.HeaderAuthenticatedUser); ok {
		t.Error("deleteHeader left a differently cased copy")
	}
}
