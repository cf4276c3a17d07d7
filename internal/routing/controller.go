package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// CallControl carries out commands on the underlying calls. Implementations
// must deliver any resulting events (dial results, closes) back to the
// Controller asynchronously, never from inside the command call.
type CallControl interface {
	Dial(ctx context.Context, s *Session, d Dial) error
	Refer(ctx context.Context, s *Session, r Refer) error
	Reject(ctx context.Context, s *Session, status int) error
	Reply(ctx context.Context, s *Session) error
	Say(ctx context.Context, s *Session, text string) error
	Hangup(ctx context.Context, s *Session) error
	Close(ctx context.Context, s *Session, status int) error
}

// Observer receives routing outcomes, typically for metrics.
type Observer interface {
	SessionRouted(origin Origin)
	DialFinished(status DialStatus)
	TransferStarted(passThrough bool)
	RegistryMiss()
	SessionClosed(from State)
}

type observerRef struct{ Observer }

type nopObserver struct{}

func (nopObserver) SessionRouted(Origin)     {}
func (nopObserver) DialFinished(DialStatus)  {}
func (nopObserver) TransferStarted(bool)     {}
func (nopObserver) RegistryMiss()            {}
func (nopObserver) SessionClosed(from State) {}

// Controller feeds call events through the state machine and executes the
// resulting commands. Events for one session are handled one at a time.
type Controller struct {
	registry *Registry
	machine  *Machine
	calls    CallControl
	observer atomic.Pointer[observerRef]
	opts     atomic.Pointer[Options]
	newID    func() string
	logger   *slog.Logger
}

// NewController creates a controller. The registry is owned by the
// controller from here on; callers should only read from it.
func NewController(registry *Registry, calls CallControl, n Normalizer, opts Options, logger *slog.Logger) *Controller {
	c := &Controller{
		registry: registry,
		machine:  NewMachine(n),
		calls:  calls,
		newID:  uuid.NewString,
		logger: logger.With("subsystem", "routing"),
	}
	c.observer.Store(&observerRef{nopObserver{}})
	c.opts.Store(&opts)
	return c
}

// SetObserver installs an observer for routing outcomes. It may be called
// while events are being dispatched.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer.Store(&observerRef{o})
}

func (c *Controller) obs() Observer {
	return c.observer.Load().Observer
}

// SetOptions replaces the routing options used for sessions that start
// after this call. Live sessions keep the options they started with.
func (c *Controller) SetOptions(opts Options) {
	c.opts.Store(&opts)
	c.logger.Info("routing options updated")
}

// Options returns the options new sessions will start with.
func (c *Controller) Options() Options {
	return *c.opts.Load()
}

// Registry returns the session registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Start registers a new session and routes it.
func (c *Controller) Start(ctx context.Context, s *Session) error {
	s.Options = c.Options()
	s.logger = c.logger.With("call_id", s.CallID)

	if err := c.registry.Register(s); err != nil {
		return err
	}
	s.logger.Info("session started",
		"direction", s.Direction,
		"from", s.From,
		"to", s.To,
	)
	return c.dispatch(ctx, s, SessionStart{})
}

// Transfer raises a transfer request on a session.
func (c *Controller) Transfer(ctx context.Context, callID string, d TransferDetails) error {
	return c.Dispatch(ctx, callID, TransferRequest{Details: d})
}

// DialResult reports the outcome of a session's outbound dial.
func (c *Controller) DialResult(ctx context.Context, callID string, status DialStatus, sipStatus int) error {
	return c.Dispatch(ctx, callID, DialResult{Status: status, SIPStatus: sipStatus})
}

// TransferComplete reports that a transfer or re-dial sequence finished.
func (c *Controller) TransferComplete(ctx context.Context, callID string, status int) error {
	return c.Dispatch(ctx, callID, TransferComplete{Status: status})
}

// Closed reports that a call has ended.
func (c *Controller) Closed(ctx context.Context, callID string, status int, reason string) error {
	return c.Dispatch(ctx, callID, SessionClose{Status: status, Reason: reason})
}

// Failed reports a transport error on a call.
func (c *Controller) Failed(ctx context.Context, callID string, err error) error {
	return c.Dispatch(ctx, callID, SessionError{Err: err})
}

// Terminate hangs up a live session.
func (c *Controller) Terminate(ctx context.Context, callID string) error {
	s, ok := c.registry.Lookup(callID)
	if !ok {
		return ErrSessionNotFound
	}
	s.logger.Info("terminating session")
	return c.calls.Hangup(ctx, s)
}

// Dispatch applies an event to the session with the given call ID.
func (c *Controller) Dispatch(ctx context.Context, callID string, ev Event) error {
	s, ok := c.registry.Lookup(callID)
	if !ok {
		return ErrSessionNotFound
	}
	return c.dispatch(ctx, s, ev)
}

func (c *Controller) dispatch(ctx context.Context, s *Session, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.Snapshot()
	res := c.machine.Step(snap, ev)

	if res.Err != nil && len(res.Commands) == 0 && res.Next == snap.State {
		s.logger.Warn("event ignored",
			"event", ev.eventName(),
			"state", snap.State,
			"error", res.Err,
		)
		return res.Err
	}

	switch e := ev.(type) {
	case SessionError:
		s.logger.Error("call error", "error", e.Err)
	case SessionClose:
		s.logger.Info("call closed", "status", e.Status, "reason", e.Reason)
	case DialResult:
		c.obs().DialFinished(e.Status)
	case TransferRequest:
		c.obs().TransferStarted(snap.Options.ReferPassThrough)
	}

	if res.Origin != "" || res.Target != nil {
		s.setRouting(res.Origin, res.Target)
	}
	if res.Origin != "" {
		c.obs().SessionRouted(res.Origin)
		s.logger.Info("session classified", "origin", res.Origin)
	}
	if res.Err != nil {
		s.logger.Warn("routing failed", "error", res.Err)
	}
	if res.ParentTerminated {
		s.markParentTerminated()
	}
	if res.Transient != "" {
		c.setState(s, res.Transient)
	}

	next := res.Next
	for _, cmd := range res.Commands {
		if err := c.execute(ctx, s, cmd); err != nil {
			s.logger.Error("command failed",
				"command", cmd.commandName(),
				"error", err,
			)
			if res.Err == nil {
				res.Err = err
			}
			if next != StateClosed {
				if cerr := c.calls.Close(ctx, s, closeStatus(err)); cerr != nil {
					s.logger.Error("closing call after command failure", "error", cerr)
				}
			}
			next = StateClosed
			break
		}
	}

	c.setState(s, next)
	return res.Err
}

func (c *Controller) execute(ctx context.Context, s *Session, cmd Command) error {
	s.logger.Debug("executing command", "command", cmd.commandName())

	switch cmd := cmd.(type) {
	case Dial:
		if cmd.ParentCallID != "" {
			return c.dialChild(ctx, s, cmd)
		}
		return c.calls.Dial(ctx, s, cmd)
	case Refer:
		return c.calls.Refer(ctx, s, cmd)
	case Reject:
		return c.calls.Reject(ctx, s, cmd.Status)
	case Reply:
		return c.calls.Reply(ctx, s)
	case Say:
		return c.calls.Say(ctx, s, cmd.Text)
	case Terminate:
		return c.terminateParent(ctx, s, cmd.CallID)
	case Close:
		return c.calls.Close(ctx, s, cmd.Status)
	default:
		return errors.New("unsupported command " + cmd.commandName())
	}
}

// dialChild creates and registers a child session for a local re-dial and
// places its call. A child that cannot be dialed is discarded; the parent
// keeps its current call.
func (c *Controller) dialChild(ctx context.Context, parent *Session, d Dial) error {
	child := NewSession(c.newID(), DirectionOutbound, d.Target.CallerID, d.Target.Number, d.Target.Headers)
	child.ParentCallID = parent.CallID
	child.Options = parent.Options
	child.logger = c.logger.With("call_id", child.CallID, "parent_call_id", parent.CallID)
	child.setRouting(parent.Origin(), &d.Target)
	child.setState(StateDialing)

	if err := c.registry.Register(child); err != nil {
		return err
	}
	child.logger.Info("child leg created",
		"number", d.Target.Number,
		"trunk", d.Target.Trunk,
	)

	if err := c.calls.Dial(ctx, child, d); err != nil {
		child.logger.Error("child dial failed", "error", err)
		c.setState(child, StateClosed)
	}
	return nil
}

// terminateParent hangs up the parent session of a completed transfer. A
// parent that is already gone is logged and otherwise ignored.
func (c *Controller) terminateParent(ctx context.Context, s *Session, parentID string) error {
	parent, ok := c.registry.Lookup(parentID)
	if !ok {
		c.obs().RegistryMiss()
		s.logger.Warn("parent session not found", "parent_call_id", parentID)
		return nil
	}
	s.logger.Info("terminating parent session", "parent_call_id", parentID)
	return c.calls.Hangup(ctx, parent)
}

// setState moves a session to st. The move to CLOSED removes the session
// from the registry.
func (c *Controller) setState(s *Session, st State) {
	prev := s.State()
	if prev == st {
		return
	}
	s.setState(st)
	s.logger.Debug("session state changed", "from", prev, "to", st)

	if st == StateClosed {
		if c.registry.Remove(s.CallID) {
			c.obs().SessionClosed(prev)
			s.logger.Info("session removed", "last_state", prev)
		}
	}
}

// closeStatus picks the SIP status used to end a call whose command failed.
func closeStatus(err error) int {
	switch {
	case errors.Is(err, ErrNormalization):
		return 484
	case errors.Is(err, ErrUnknownTrunk):
		return 503
	default:
		return 500
	}
}
