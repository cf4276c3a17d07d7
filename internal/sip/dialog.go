package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/google/uuid"
)

// LegState represents the lifecycle state of one SIP dialog.
type LegState string

const (
	LegStateRinging  LegState = "ringing"
	LegStateAnswered LegState = "answered"
	LegStateEnded    LegState = "ended"
)

// Leg is one SIP dialog owned by the gateway. Upstream legs from the voice
// platform are UAS legs; legs the gateway dials are UAC legs.
type Leg struct {
	// CallID is the SIP Call-ID of this dialog.
	CallID string

	// UAS is true when the gateway received the INVITE that created the dialog.
	UAS bool

	// Trunk is the trunk a UAC leg was dialed through.
	Trunk *config.Trunk

	mu sync.Mutex

	// localTag is the gateway's tag in this dialog.
	localTag string
	// final is closed once a UAS leg has sent its final response.
	final     chan struct{}
	finalOnce sync.Once

	// invite is the INVITE that created the dialog, as sent or received.
	invite *sip.Request
	// inviteTx is the server transaction of a ringing UAS leg.
	inviteTx sip.ServerTransaction
	// answer is the 2xx that established the dialog.
	answer *sip.Response
	// localSDP is the session description the gateway last sent on this leg.
	localSDP []byte
	// ackPending is set on UAC legs whose 2xx ACK waits for an SDP answer.
	ackPending bool
	// cseq is the last CSeq the gateway used for its own requests.
	cseq uint32
	// cancelInvite aborts a ringing UAC INVITE.
	cancelInvite context.CancelFunc

	state      LegState
	startTime  time.Time
	answerTime *time.Time
}

func newUASLeg(req *sip.Request, tx sip.ServerTransaction) *Leg {
	return &Leg{
		CallID:    req.CallID().Value(),
		UAS:       true,
		localTag:  newTag(),
		final:     make(chan struct{}),
		invite:    req,
		inviteTx:  tx,
		state:     LegStateRinging,
		startTime: time.Now(),
	}
}

func newUACLeg(callID, localTag string, trunk *config.Trunk) *Leg {
	return &Leg{
		CallID:    callID,
		Trunk:     trunk,
		localTag:  localTag,
		final:     make(chan struct{}),
		state:     LegStateRinging,
		startTime: time.Now(),
	}
}

// State returns the leg's lifecycle state.
func (l *Leg) State() LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LocalTag returns the gateway's tag in this dialog.
func (l *Leg) LocalTag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localTag
}

// Final is closed once the leg's INVITE has a final response.
func (l *Leg) Final() <-chan struct{} {
	return l.final
}

func (l *Leg) markFinal() {
	l.finalOnce.Do(func() { close(l.final) })
}

// ringing reports whether a final response is still outstanding.
func (l *Leg) ringing() bool {
	return l.State() == LegStateRinging
}

func (l *Leg) setAnswered(invite *sip.Request, answer *sip.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if invite != nil {
		l.invite = invite
	}
	l.answer = answer
	l.inviteTx = nil
	l.cancelInvite = nil
	l.state = LegStateAnswered
	l.answerTime = &now
	l.markFinal()
	if !l.UAS && l.cseq == 0 && invite != nil {
		if cseq := invite.CSeq(); cseq != nil {
			l.cseq = cseq.SeqNo
		}
	}
}

// end marks the leg terminated. It reports whether this call changed the
// state, so teardown runs once per leg.
func (l *Leg) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LegStateEnded {
		return false
	}
	l.state = LegStateEnded
	l.inviteTx = nil
	if l.cancelInvite != nil {
		l.cancelInvite()
		l.cancelInvite = nil
	}
	l.markFinal()
	return true
}

func (l *Leg) nextCSeq() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cseq++
	return l.cseq
}

// remoteSDP returns the session description most recently received on the
// leg: the INVITE offer for UAS legs, the 2xx body for UAC legs.
func (l *Leg) remoteSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.UAS {
		if l.invite != nil {
			return l.invite.Body()
		}
		return nil
	}
	if l.answer != nil {
		return l.answer.Body()
	}
	return nil
}

// call ties together the legs of one routing session.
type call struct {
	// id is the routing session's call ID.
	id string

	// parent is the call a child leg was re-dialed from.
	parent *call

	mu sync.Mutex

	// upstream is the leg towards the voice platform. It is nil for a
	// child call until its dialed leg answers and adopts the parent's
	// upstream leg.
	upstream *Leg
	// dialed is the outbound leg placed by the last Dial command.
	dialed *Leg

	transferHook bool
	resultHook   bool
	notifyHook   bool

	referReq *sip.Request
	referTx  sip.ServerTransaction

	closed bool
}

func (c *call) legs() (upstream, dialed *Leg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream, c.dialed
}

func (c *call) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed reports whether this call changed the closed flag.
func (c *call) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// takeRefer returns and clears the pending inbound REFER.
func (c *call) takeRefer() (*sip.Request, sip.ServerTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, tx := c.referReq, c.referTx
	c.referReq, c.referTx = nil, nil
	return req, tx
}

// offer returns the SDP a new dialed leg should offer: the upstream leg's
// session description, taken from the parent for a child call.
func (c *call) offer() []byte {
	up, _ := c.legs()
	if up == nil && c.parent != nil {
		up, _ = c.parent.legs()
	}
	if up == nil {
		return nil
	}
	return up.remoteSDP()
}

// CallStore tracks calls by session ID and legs by SIP Call-ID.
type CallStore struct {
	mu     sync.RWMutex
	calls  map[string]*call
	legs   map[string]*Leg
	logger *slog.Logger
}

// NewCallStore creates an empty call store.
func NewCallStore(logger *slog.Logger) *CallStore {
	return &CallStore{
		calls:  make(map[string]*call),
		legs:   make(map[string]*Leg),
		logger: logger.With("subsystem", "calls"),
	}
}

func (cs *CallStore) addCall(c *call) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.calls[c.id] = c
}

// addCallIfAbsent adds c unless a call with its ID is already tracked.
func (cs *CallStore) addCallIfAbsent(c *call) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.calls[c.id]; ok {
		return false
	}
	cs.calls[c.id] = c
	return true
}

func (cs *CallStore) getCall(id string) *call {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.calls[id]
}

func (cs *CallStore) removeCall(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.calls, id)
}

func (cs *CallStore) addLeg(l *Leg) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.legs[l.CallID] = l
	cs.logger.Debug("leg added", "sip_call_id", l.CallID, "uas", l.UAS)
}

// Leg returns the leg with the given SIP Call-ID.
func (cs *CallStore) Leg(callID string) *Leg {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.legs[callID]
}

func (cs *CallStore) removeLeg(callID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.legs, callID)
}

// callsForLeg returns the calls that reference l.
func (cs *CallStore) callsForLeg(l *Leg) []*call {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []*call
	for _, c := range cs.calls {
		up, dialed := c.legs()
		if up == l || dialed == l {
			out = append(out, c)
		}
	}
	return out
}

// children returns the calls re-dialed from parent.
func (cs *CallStore) children(parent *call) []*call {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []*call
	for _, c := range cs.calls {
		if c.parent == parent {
			out = append(out, c)
		}
	}
	return out
}

// pendingChildren returns the children of parent that are still dialing
// and have not adopted the upstream leg.
func (cs *CallStore) pendingChildren(parent *call) []*call {
	var out []*call
	for _, c := range cs.children(parent) {
		if up, _ := c.legs(); up == nil && !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

func (cs *CallStore) all() []*call {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*call, 0, len(cs.calls))
	for _, c := range cs.calls {
		out = append(out, c)
	}
	return out
}

// LegCount returns the number of tracked SIP dialogs.
func (cs *CallStore) LegCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.legs)
}

// CallCount returns the number of tracked calls.
func (cs *CallStore) CallCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.calls)
}

func newTag() string {
	return uuid.NewString()[:8]
}
