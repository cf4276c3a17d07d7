package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// SIPLogVerbosity controls how much of each SIP message is logged.
type SIPLogVerbosity int32

const (
	// SIPLogOff disables SIP message tracing.
	SIPLogOff SIPLogVerbosity = iota
	// SIPLogHeaders logs only the start line and headers (no SDP body).
	SIPLogHeaders
	// SIPLogFull logs the complete raw SIP message including SDP body.
	SIPLogFull
)

// ParseSIPLogVerbosity converts a string setting to a SIPLogVerbosity value.
func ParseSIPLogVerbosity(s string) SIPLogVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return SIPLogHeaders
	case "full":
		return SIPLogFull
	default:
		return SIPLogOff
	}
}

// String returns the string representation of the verbosity level.
func (v SIPLogVerbosity) String() string {
	switch v {
	case SIPLogHeaders:
		return "headers"
	case SIPLogFull:
		return "full"
	default:
		return "off"
	}
}

// credentialHeaders are logged with their values masked.
var credentialHeaders = []string{"authorization:", "proxy-authorization:"}

// MessageTracer implements sip.SIPTracer. It logs raw SIP messages at a
// verbosity that can change at runtime, masking digest credentials.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a new SIP message tracer.
func NewMessageTracer(logger *slog.Logger, verbosity SIPLogVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// Install registers t as sipgo's debug tracer. Messages are only
// formatted while the verbosity is above off.
func (t *MessageTracer) Install() {
	sip.SIPDebugTracer(t)
}

// SetVerbosity updates the tracing verbosity level at runtime.
func (t *MessageTracer) SetVerbosity(v SIPLogVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip message tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current tracing verbosity level.
func (t *MessageTracer) Verbosity() SIPLogVerbosity {
	return SIPLogVerbosity(t.verbosity.Load())
}

// SIPTraceRead is called by sipgo when raw SIP bytes are read from the network.
func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

// SIPTraceWrite is called by sipgo when raw SIP bytes are written to the network.
func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Verbosity()
	if v == SIPLogOff {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, v),
	)
}

// formatMessage applies the verbosity filter to the raw SIP message bytes
// and masks credential header values.
func formatMessage(sipmsg []byte, v SIPLogVerbosity) string {
	head, body := sipmsg, []byte(nil)
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		head, body = sipmsg[:idx], sipmsg[idx:]
	}

	lines := strings.Split(string(head), "\r\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, h := range credentialHeaders {
			if strings.HasPrefix(lower, h) {
				lines[i] = line[:len(h)] + " <redacted>"
				break
			}
		}
	}
	out := strings.Join(lines, "\r\n")

	if v == SIPLogFull {
		out += string(body)
	}
	return out
}
