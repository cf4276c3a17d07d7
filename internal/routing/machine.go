package routing

import "fmt"

// Result is the outcome of applying one event to a session.
type Result struct {
	// Transient, when set, is the state held while Commands execute.
	Transient State
	Next      State
	Commands  []Command
	Origin    Origin
	Target    *RoutingTarget
	// ParentTerminated marks that Commands end the parent session.
	ParentTerminated bool
	Err              error
}

// Machine is the session state machine. Step is pure: it reads a snapshot
// and returns the next state and the commands to run, touching nothing.
type Machine struct {
	normalizer Normalizer
}

// NewMachine creates a state machine that normalizes numbers with n.
func NewMachine(n Normalizer) *Machine {
	return &Machine{normalizer: n}
}

// Step applies ev to the session described by s.
func (m *Machine) Step(s Snapshot, ev Event) Result {
	if s.State == StateClosed {
		return Result{Next: StateClosed, Err: ErrSessionClosed}
	}

	switch e := ev.(type) {
	case SessionStart:
		return m.start(s)
	case TransferRequest:
		return transfer(s, e)
	case DialResult:
		return dialOutcome(s, e)
	case TransferComplete:
		return transferComplete(s)
	case SessionClose:
		return Result{Next: StateClosed}
	case SessionError:
		return Result{Next: s.State}
	default:
		return Result{Next: s.State, Err: fmt.Errorf("%w: %T", ErrUnknownEvent, ev)}
	}
}

func (m *Machine) start(s Snapshot) Result {
	if s.State != StateNew {
		return invalid(s, "session_start")
	}

	origin := Classify(s.Direction, s.Options, s.Headers)
	target, err := Route(s, origin, m.normalizer)
	if err != nil {
		return Result{
			Transient: StateClassified,
			Next:      StateClosed,
			Origin:    origin,
			Commands:  []Command{Close{Status: 484, Reason: "Address Incomplete"}},
			Err:       err,
		}
	}

	return Result{
		Transient: StateClassified,
		Next:      StateDialing,
		Origin:    origin,
		Target:    &target,
		Commands: []Command{Dial{
			Target:       target,
			TransferHook: HookTransfer,
			ResultHook:   HookDialResult,
		}},
	}
}

func transfer(s Snapshot, e TransferRequest) Result {
	switch s.State {
	case StateBridged, StateReferred, StateRedialed:
	default:
		return invalid(s, "transfer_request")
	}

	d := e.Details
	opts := s.Options

	if opts.ReferPassThrough {
		if d.ReferToUser == "" {
			return Result{Next: s.State, Err: ErrMissingReferTarget}
		}
		return Result{
			Transient: StateTransferring,
			Next:      StateReferred,
			Commands: []Command{
				Refer{
					ReferTo:    d.ReferToUser,
					ReferredBy: s.To,
					ResultHook: HookTransferComplete,
				},
				Reply{},
			},
		}
	}

	number := d.ReferToUser
	if v, ok := d.Headers.Get(HeaderOverrideNumber); ok && v != "" {
		number = v
	}
	if number == "" {
		return Result{Next: s.State, Err: ErrMissingReferTarget}
	}
	trunk := opts.PSTNTrunk
	if v, ok := d.Headers.Get(HeaderOverrideCarrier); ok && v != "" {
		trunk = v
	}

	target := RoutingTarget{
		Number:   number,
		Trunk:    trunk,
		CallerID: s.From,
		Headers:  ForwardPolicy{Prefix: opts.ForwardHeaderPrefix}.Filter(d.Headers),
	}

	cmds := make([]Command, 0, 3)
	if opts.TransferAnnouncement != "" {
		cmds = append(cmds, Say{Text: opts.TransferAnnouncement})
	}
	cmds = append(cmds,
		Dial{
			Target:       target,
			ParentCallID: s.CallID,
			TransferHook: HookTransfer,
			ResultHook:   HookDialResult,
		},
		Reply{},
	)

	return Result{
		Transient: StateTransferring,
		Next:      StateRedialed,
		Commands:  cmds,
	}
}

func dialOutcome(s Snapshot, e DialResult) Result {
	if s.State == StateNew || s.State == StateClassified {
		return invalid(s, "dial_result")
	}

	if e.Status == DialCompleted {
		if s.State == StateDialing {
			return Result{Next: StateBridged}
		}
		return Result{Next: s.State}
	}

	return Result{
		Next: StateFailed,
		Commands: []Command{
			Reject{Status: rejectStatus(e.SIPStatus)},
			Reply{},
		},
	}
}

// transferComplete ends the parent of a child leg. The parent is only
// terminated once however many completions the child reports.
func transferComplete(s Snapshot) Result {
	if s.ParentCallID == "" || s.ParentTerminated {
		return Result{Next: s.State}
	}
	return Result{
		Next:             s.State,
		Commands:         []Command{Terminate{CallID: s.ParentCallID}},
		ParentTerminated: true,
	}
}

// rejectStatus keeps failure statuses in the 3xx-6xx range.
func rejectStatus(code int) int {
	if code < 300 || code > 699 {
		return 480
	}
	return code
}

func invalid(s Snapshot, event string) Result {
	return Result{
		Next: s.State,
		Err:  fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, s.State),
	}
}
