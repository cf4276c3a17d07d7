package sip

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/routing"
)

const testOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n"

const testAnswerSDP = "v=0\r\n" +
	"o=- 2 2 IN IP4 203.0.113.20\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.20\r\n" +
	"t=0 0\r\n" +
	"m=audio 6000 RTP/AVP 0\r\n"

// fakeServerTx records the responses sent on a server transaction.
type fakeServerTx struct {
	sip.ServerTransaction

	mu    sync.Mutex
	codes []int
	done  chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (t *fakeServerTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes = append(t.codes, res.StatusCode)
	return nil
}

func (t *fakeServerTx) Done() <-chan struct{} { return t.done }
func (t *fakeServerTx) Terminate()            {}

func (t *fakeServerTx) statuses() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.codes...)
}

// fakeClientTx delivers one canned final response.
type fakeClientTx struct {
	sip.ClientTransaction

	responses chan *sip.Response
	done      chan struct{}
}

func (t *fakeClientTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeClientTx) Done() <-chan struct{}           { return t.done }
func (t *fakeClientTx) Err() error                      { return nil }
func (t *fakeClientTx) Terminate()                      {}

// fakeSender answers every transaction with 200 OK and records what the
// server sent.
type fakeSender struct {
	mu       sync.Mutex
	requests []*sip.Request
	writes   []*sip.Request
}

func (f *fakeSender) TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	tx := &fakeClientTx{responses: make(chan *sip.Response, 1), done: make(chan struct{})}
	tx.responses <- sip.NewResponseFromRequest(req, 200, "OK", nil)
	return tx, nil
}

func (f *fakeSender) WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return nil
}

// sent returns "METHOD call-id" for each transaction request, in order.
func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Method.String()+" "+r.CallID().Value())
	}
	return out
}

func (f *fakeSender) find(method sip.RequestMethod, callID string) *sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Method == method && r.CallID().Value() == callID {
			return r
		}
	}
	return nil
}

func (f *fakeSender) acked(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.writes {
		if r.Method == sip.ACK && r.CallID().Value() == callID {
			return true
		}
	}
	return false
}

// newDialogRequest returns an in-dialog request as a remote party sends it.
func newDialogRequest(t *testing.T, method sip.RequestMethod, callID string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, mustURI(t, "sip:agentgw@198.51.100.1:5060"))
	from := &sip.FromHeader{Address: mustURI(t, "sip:agent@agent.example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "far1")
	req.AppendHeader(from)
	to := &sip.ToHeader{Address: mustURI(t, "sip:+15550001111@gw.example.com"), Params: sip.NewParams()}
	to.Params.Add("tag", "near1")
	req.AppendHeader(to)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 20, MethodName: method})
	req.SetSource("203.0.113.5:5060")
	req.SetTransport("UDP")
	return req
}

// answeredAgentLeg returns a dialed leg the agent has answered.
func answeredAgentLeg(t *testing.T, callID string) *Leg {
	t.Helper()
	l := newUACLeg(callID, "t1", testTrunk())
	invite := newTestInvite(t, callID)
	l.setAnswered(invite, sip.NewResponseFromRequest(invite, 200, "OK", nil))
	return l
}

// establishedCall stores an answered inbound call bridged to the agent.
func establishedCall(t *testing.T, s *Server) *call {
	t.Helper()
	up := newUASLeg(newTestInvite(t, "up-1"), nil)
	up.setAnswered(nil, nil)
	agent := answeredAgentLeg(t, "agent-1")
	c := &call{id: "up-1", upstream: up, dialed: agent}
	s.calls.addCall(c)
	s.calls.addLeg(up)
	s.calls.addLeg(agent)
	return c
}

func TestHandleRefer_AcceptedThroughReply(t *testing.T) {
	s, r := newTestServer()
	c := establishedCall(t, s)
	c.transferHook = true

	r.onTransfer = func(callID string) error {
		return s.Reply(context.Background(), routing.NewSession(callID, routing.DirectionInbound, "", "", nil))
	}

	req := newDialogRequest(t, sip.REFER, "agent-1")
	req.AppendHeader(sip.NewHeader("Refer-To", "<sip:+15551234567@agent.example.com>"))
	tx := newFakeServerTx()
	s.handleRefer(req, tx)

	if got := tx.statuses(); !reflect.DeepEqual(got, []int{202}) {
		t.Fatalf("responses = %v, want [202]", got)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transfers) != 1 || r.transfers[0].ReferToUser != "+15551234567" {
		t.Fatalf("transfers = %+v", r.transfers)
	}
	if _, pending := c.takeRefer(); pending != nil {
		t.Error("refer still pending after 202")
	}
}

func TestHandleRefer_Rejected(t *testing.T) {
	tests := []struct {
		name          string
		callID        string
		referTo       string
		setup         func(c *call)
		transferErr   error
		wantStatus    int
		wantTransfers int
	}{
		{
			name:          "invalid state",
			callID:        "agent-1",
			referTo:       "<sip:2000@agent.example.com>",
			transferErr:   fmt.Errorf("%w: transfer_request in state dialing", routing.ErrInvalidTransition),
			wantStatus:    491,
			wantTransfers: 1,
		},
		{
			name:    "refer already pending",
			callID:  "agent-1",
			referTo: "<sip:2000@agent.example.com>",
			setup: func(c *call) {
				c.referReq = &sip.Request{}
				c.referTx = newFakeServerTx()
			},
			wantStatus: 491,
		},
		{
			name:       "transfers not enabled",
			callID:     "agent-1",
			referTo:    "<sip:2000@agent.example.com>",
			setup:      func(c *call) { c.transferHook = false },
			wantStatus: 403,
		},
		{
			name:       "missing refer-to",
			callID:     "agent-1",
			wantStatus: 400,
		},
		{
			name:          "session gone",
			callID:        "agent-1",
			referTo:       "<sip:2000@agent.example.com>",
			transferErr:   routing.ErrSessionNotFound,
			wantStatus:    481,
			wantTransfers: 1,
		},
		{
			name:       "unknown dialog",
			callID:     "nobody",
			referTo:    "<sip:2000@agent.example.com>",
			wantStatus: 481,
		},
		{
			name:       "refer from the upstream leg",
			callID:     "up-1",
			referTo:    "<sip:2000@agent.example.com>",
			wantStatus: 481,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newTestServer()
			c := establishedCall(t, s)
			c.transferHook = true
			if tt.setup != nil {
				tt.setup(c)
			}
			r.onTransfer = func(string) error { return tt.transferErr }

			req := newDialogRequest(t, sip.REFER, tt.callID)
			if tt.referTo != "" {
				req.AppendHeader(sip.NewHeader("Refer-To", tt.referTo))
			}
			tx := newFakeServerTx()
			s.handleRefer(req, tx)

			if got := tx.statuses(); !reflect.DeepEqual(got, []int{tt.wantStatus}) {
				t.Fatalf("responses = %v, want [%d]", got, tt.wantStatus)
			}
			r.mu.Lock()
			n := len(r.transfers)
			r.mu.Unlock()
			if n != tt.wantTransfers {
				t.Errorf("transfers = %d, want %d", n, tt.wantTransfers)
			}
		})
	}
}

func TestHandleNotify_FinalStatusCompletesOnce(t *testing.T) {
	s, r := newTestServer()
	c := establishedCall(t, s)
	c.notifyHook = true
	sender := s.sender.(*fakeSender)

	for _, frag := range []string{"SIP/2.0 100 Trying\r\n", "SIP/2.0 200 OK\r\n", "SIP/2.0 200 OK\r\n"} {
		req := newDialogRequest(t, sip.NOTIFY, "up-1")
		req.AppendHeader(sip.NewHeader("Event", "refer"))
		req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
		req.SetBody([]byte(frag))
		tx := newFakeServerTx()
		s.handleNotify(req, tx)
		if got := tx.statuses(); !reflect.DeepEqual(got, []int{200}) {
			t.Fatalf("%q: responses = %v, want [200]", frag, got)
		}
	}
	s.wg.Wait()

	r.mu.Lock()
	got := r.completes["up-1"]
	r.mu.Unlock()
	if !reflect.DeepEqual(got, []int{200}) {
		t.Fatalf("transfer completions = %v, want [200]", got)
	}

	// Progress and the final status are relayed to the agent; the repeat
	// is not.
	want := []string{"NOTIFY agent-1", "NOTIFY agent-1"}
	if got := sender.sent(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestHandleNotify_Ignored(t *testing.T) {
	tests := []struct {
		name       string
		callID     string
		event      string
		body       string
		wantStatus int
	}{
		{"unknown dialog", "nobody", "refer", "SIP/2.0 200 OK", 481},
		{"other event package", "up-1", "dialog", "SIP/2.0 200 OK", 200},
		{"no sipfrag", "up-1", "refer", "", 200},
		{"notify from the agent leg", "agent-1", "refer", "SIP/2.0 200 OK", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newTestServer()
			c := establishedCall(t, s)
			c.notifyHook = true

			req := newDialogRequest(t, sip.NOTIFY, tt.callID)
			req.AppendHeader(sip.NewHeader("Event", tt.event))
			req.SetBody([]byte(tt.body))
			tx := newFakeServerTx()
			s.handleNotify(req, tx)
			s.wg.Wait()

			if got := tx.statuses(); !reflect.DeepEqual(got, []int{tt.wantStatus}) {
				t.Fatalf("responses = %v, want [%d]", got, tt.wantStatus)
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.completes) != 0 {
				t.Errorf("unexpected completions %v", r.completes)
			}
		})
	}
}

func TestDialAnswered_RedialAdoptsUpstream(t *testing.T) {
	s, r := newTestServer()
	parent := establishedCall(t, s)
	sender := s.sender.(*fakeSender)

	kidLeg := newUACLeg("child-1", "t2", testTrunk())
	kid := &call{id: "child-1", parent: parent, dialed: kidLeg}
	s.calls.addCall(kid)
	s.calls.addLeg(kidLeg)

	invite := newTestInvite(t, "child-1")
	res := sip.NewResponseFromRequest(invite, 200, "OK", []byte(testAnswerSDP))
	s.dialAnswered(kid, kidLeg, invite, res, testLogger())
	s.wg.Wait()

	up, _ := kid.legs()
	if up == nil || up.CallID != "up-1" {
		t.Fatalf("child upstream = %v, want the parent's upstream leg", up)
	}
	if got, _ := parent.legs(); got != nil {
		t.Error("parent still holds the upstream leg")
	}
	if kidLeg.State() != LegStateAnswered {
		t.Errorf("re-dial leg state = %s, want answered", kidLeg.State())
	}

	reinvite := sender.find(sip.INVITE, "up-1")
	if reinvite == nil {
		t.Fatal("upstream was not re-invited")
	}
	if string(reinvite.Body()) != testAnswerSDP {
		t.Errorf("re-invite body = %q, want the re-dial's answer", reinvite.Body())
	}
	if !sender.acked("child-1") || !sender.acked("up-1") {
		t.Error("missing ACK for the re-dial or the re-invite")
	}
	notify := sender.find(sip.NOTIFY, "agent-1")
	if notify == nil || !strings.HasPrefix(string(notify.Body()), "SIP/2.0 200") {
		t.Errorf("transferor notify = %v, want a 200 sipfrag", notify)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if got := r.dials["child-1"]; got != routing.DialCompleted {
		t.Errorf("dial result = %q, want %q", got, routing.DialCompleted)
	}
	if got := r.completes["child-1"]; !reflect.DeepEqual(got, []int{200}) {
		t.Errorf("transfer completions = %v, want [200]", got)
	}
}

func TestDialAnswered_RedialWithoutUpstream(t *testing.T) {
	s, r := newTestServer()
	parent := &call{id: "up-1"}
	s.calls.addCall(parent)

	kidLeg := newUACLeg("child-1", "t2", testTrunk())
	kid := &call{id: "child-1", parent: parent, dialed: kidLeg}
	s.calls.addCall(kid)
	s.calls.addLeg(kidLeg)

	invite := newTestInvite(t, "child-1")
	s.dialAnswered(kid, kidLeg, invite, sip.NewResponseFromRequest(invite, 200, "OK", nil), testLogger())
	s.wg.Wait()

	if kidLeg.State() != LegStateEnded {
		t.Errorf("re-dial leg state = %s, want ended", kidLeg.State())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if got := r.dials["child-1"]; got != routing.DialFailed {
		t.Errorf("dial result = %q, want %q", got, routing.DialFailed)
	}
	if len(r.completes) != 0 {
		t.Errorf("unexpected completions %v", r.completes)
	}
}

func TestHandleInvite(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		existing   bool
		wantStatus []int
		wantClosed bool
	}{
		{"rejected by routing", testOfferSDP, false, []int{100, 486}, true},
		{"unusable offer", "v=0\r\n", false, []int{100, 488}, false},
		{"call already in progress", testOfferSDP, true, []int{100, 482}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newTestServer()
			r.onStart = func(sess *routing.Session) error {
				return s.Reject(context.Background(), sess, 486)
			}
			if tt.existing {
				s.calls.addCall(&call{id: "up-1"})
			}

			req := newTestInvite(t, "up-1")
			req.SetBody([]byte(tt.body))
			tx := newFakeServerTx()
			s.handleInvite(req, tx)
			s.wg.Wait()

			if got := tx.statuses(); !reflect.DeepEqual(got, tt.wantStatus) {
				t.Fatalf("responses = %v, want %v", got, tt.wantStatus)
			}
			r.mu.Lock()
			_, closed := r.closed["up-1"]
			r.mu.Unlock()
			if closed != tt.wantClosed {
				t.Errorf("closed reported = %v, want %v", closed, tt.wantClosed)
			}
			if !tt.existing && s.calls.getCall("up-1") != nil {
				t.Error("ended call still stored")
			}
		})
	}
}

func TestHandleInvite_ACL(t *testing.T) {
	s, r := newTestServer()
	if err := s.acl.Set([]string{"203.0.113.0/24"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	started := false
	r.onStart = func(*routing.Session) error {
		started = true
		return nil
	}

	req := newTestInvite(t, "up-1")
	req.SetBody([]byte(testOfferSDP))
	tx := newFakeServerTx()
	s.handleInvite(req, tx)

	if got := tx.statuses(); !reflect.DeepEqual(got, []int{403}) {
		t.Fatalf("responses = %v, want [403]", got)
	}
	if started {
		t.Error("routing started for a disallowed source")
	}
}

func TestOriginate_RequiresNumbers(t *testing.T) {
	tests := []struct {
		name string
		req  OriginateRequest
	}{
		{"no destination", OriginateRequest{From: "+61255550000"}},
		{"no agent number", OriginateRequest{To: "+61299990000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer()
			if _, err := s.Originate(context.Background(), tt.req); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestSendRequest_TransactionError(t *testing.T) {
	s, _ := newTestServer()
	s.sender = failingSender{}
	req := newDialogRequest(t, sip.BYE, "up-1")
	if _, err := s.sendRequest(context.Background(), req); !errors.Is(err, errSendFailed) {
		t.Fatalf("err = %v, want errSendFailed", err)
	}
}

var errSendFailed = errors.New("send failed")

type failingSender struct{}

func (failingSender) TransactionRequest(context.Context, *sip.Request, ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	return nil, errSendFailed
}

func (failingSender) WriteRequest(*sip.Request, ...sipgo.ClientRequestOption) error {
	return errSendFailed
}
