package routing

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Direction is the direction of a call relative to the gateway.
type Direction string

const (
	// DirectionInbound is a call that arrived from the voice platform.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is a call the gateway originated, including child
	// legs created by a local re-dial.
	DirectionOutbound Direction = "outbound"
)

// State is the lifecycle state of a session.
type State string

const (
	StateNew          State = "new"
	StateClassified   State = "classified"
	StateDialing      State = "dialing"
	StateBridged      State = "bridged"
	StateFailed       State = "failed"
	StateTransferring State = "transferring"
	StateReferred     State = "referred"
	StateRedialed     State = "redialed"
	StateClosed       State = "closed"
)

// Origin is the classification of where a call came from.
type Origin string

const (
	// OriginDefault is a call from the public network.
	OriginDefault Origin = "default"
	// OriginTrustedPartner is a call arriving through the authenticated
	// partner connection, routed back out via the PSTN trunk.
	OriginTrustedPartner Origin = "trusted_partner"
)

// Header names carried on inbound calls and transfer requests.
const (
	HeaderAuthenticatedUser = "X-Authenticated-User"
	HeaderOriginalCLID      = "X-Original-CLID"
	HeaderOverrideNumber    = "X-Override-Number"
	HeaderOverrideCarrier   = "X-Override-Carrier"
)

// Headers is a set of SIP headers keyed by name. Lookups are
// case-insensitive; stored names and values are kept as received.
type Headers map[string]string

// Get returns the value of the named header.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Clone returns a copy of h. A nil map clones to an empty one.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Options is the routing configuration resolved for one session. It is
// copied into the session when the session starts and never changes
// afterwards, even if the gateway's configuration is reloaded.
type Options struct {
	PSTNTrunk            string
	AgentTrunk           string
	TrustedPartnerUser   string
	DefaultCountry       string
	OverrideFromUser     string
	ReferPassThrough     bool
	ForwardHeaderPrefix  string
	TransferAnnouncement string
}

// RoutingTarget is the computed destination of an outbound dial.
type RoutingTarget struct {
	Number   string  `json:"number"`
	Trunk    string  `json:"trunk"`
	CallerID string  `json:"caller_id"`
	Headers  Headers `json:"headers,omitempty"`
}

// TransferDetails is the payload of a transfer request raised by the
// dialed party.
type TransferDetails struct {
	ReferToUser string
	Headers     Headers
}

// Session is one call tracked by the gateway.
type Session struct {
	CallID       string
	Direction    Direction
	From         string
	To           string
	Headers      Headers
	ParentCallID string
	Options      Options
	CreatedAt    time.Time

	// mu serializes event handling for the session.
	mu sync.Mutex

	smu       sync.RWMutex
	state     State
	origin    Origin
	target    *RoutingTarget
	updatedAt time.Time

	parentTerminated bool

	logger *slog.Logger
}

// NewSession creates a session in the NEW state.
func NewSession(callID string, dir Direction, from, to string, headers Headers) *Session {
	now := time.Now()
	return &Session{
		CallID:    callID,
		Direction: dir,
		From:      from,
		To:        to,
		Headers:   headers.Clone(),
		CreatedAt: now,
		state:     StateNew,
		updatedAt: now,
		logger:    slog.Default(),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.state
}

// Origin returns the classified origin, or "" before classification.
func (s *Session) Origin() Origin {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.origin
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

func (s *Session) setState(st State) {
	s.smu.Lock()
	s.state = st
	s.updatedAt = time.Now()
	s.smu.Unlock()
}

func (s *Session) markParentTerminated() {
	s.smu.Lock()
	s.parentTerminated = true
	s.smu.Unlock()
}

func (s *Session) setRouting(origin Origin, target *RoutingTarget) {
	s.smu.Lock()
	if origin != "" {
		s.origin = origin
	}
	if target != nil {
		t := *target
		t.Headers = target.Headers.Clone()
		s.target = &t
	}
	s.smu.Unlock()
}

// Snapshot is a point-in-time copy of a session, safe to read without
// holding any lock.
type Snapshot struct {
	CallID       string    `json:"call_id"`
	Direction    Direction `json:"direction"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Headers      Headers   `json:"headers,omitempty"`
	ParentCallID string    `json:"parent_call_id,omitempty"`
	// ParentTerminated is set once the parent has been told to hang up.
	ParentTerminated bool           `json:"parent_terminated,omitempty"`
	Options          Options        `json:"-"`
	State            State          `json:"state"`
	Origin           Origin         `json:"origin,omitempty"`
	Target           *RoutingTarget `json:"target,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Snapshot returns a copy of the session's current data.
func (s *Session) Snapshot() Snapshot {
	s.smu.RLock()
	defer s.smu.RUnlock()

	snap := Snapshot{
		CallID:           s.CallID,
		Direction:        s.Direction,
		From:             s.From,
		To:               s.To,
		Headers:          s.Headers.Clone(),
		ParentCallID:     s.ParentCallID,
		ParentTerminated: s.parentTerminated,
		Options:          s.Options,
		State:            s.state,
		Origin:           s.origin,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.target != nil {
		t := *s.target
		t.Headers = s.target.Headers.Clone()
		snap.Target = &t
	}
	return snap
}
