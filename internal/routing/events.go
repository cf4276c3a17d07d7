package routing

// Event is something that happened to a session.
type Event interface {
	eventName() string
}

// DialStatus is the outcome of an outbound dial attempt.
type DialStatus string

const (
	DialCompleted DialStatus = "completed"
	DialFailed    DialStatus = "failed"
	DialBusy      DialStatus = "busy"
	DialNoAnswer  DialStatus = "no-answer"
)

// SessionStart is raised once when a new call arrives.
type SessionStart struct{}

// TransferRequest is raised when the dialed party asks to transfer the call.
type TransferRequest struct {
	Details TransferDetails
}

// DialResult reports the outcome of the session's outbound dial.
type DialResult struct {
	Status    DialStatus
	SIPStatus int
}

// TransferComplete is raised when a transfer or re-dial sequence finishes.
type TransferComplete struct {
	Status int
}

// SessionClose is raised when the call has ended.
type SessionClose struct {
	Status int
	Reason string
}

// SessionError is raised when the transport reports an error on the call.
type SessionError struct {
	Err error
}

func (SessionStart) eventName() string     { return "session_start" }
func (TransferRequest) eventName() string  { return "transfer_request" }
func (DialResult) eventName() string       { return "dial_result" }
func (TransferComplete) eventName() string { return "transfer_complete" }
func (SessionClose) eventName() string     { return "session_close" }
func (SessionError) eventName() string     { return "session_error" }

// Hook names tell the transport which follow-up events a command expects.
const (
	HookTransfer         = "transfer"
	HookDialResult       = "dial_result"
	HookTransferComplete = "transfer_complete"
)

// Command is an instruction to the call-control layer.
type Command interface {
	commandName() string
}

// Dial places an outbound call. A non-empty ParentCallID makes it a child
// leg of that session.
type Dial struct {
	Target       RoutingTarget
	ParentCallID string
	TransferHook string
	ResultHook   string
}

// Refer asks the upstream leg to transfer the call itself.
type Refer struct {
	ReferTo    string
	ReferredBy string
	ResultHook string
}

// Reject fails the call with a SIP status.
type Reject struct {
	Status int
}

// Reply acknowledges the pending request that raised the current event.
type Reply struct{}

// Say plays an announcement on the call.
type Say struct {
	Text string
}

// Terminate hangs up another session.
type Terminate struct {
	CallID string
}

// Close ends the session with a SIP status.
type Close struct {
	Status int
	Reason string
}

func (Dial) commandName() string      { return "dial" }
func (Refer) commandName() string     { return "refer" }
func (Reject) commandName() string    { return "reject" }
func (Reply) commandName() string     { return "reply" }
func (Say) commandName() string       { return "say" }
func (Terminate) commandName() string { return "terminate" }
func (Close) commandName() string     { return "close" }
