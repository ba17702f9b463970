package ping

import (
	"errors"
	"fmt"

	"github.com/thetooth/rawping/message"
)

// State of the exchange controller.
type State int32

const (
	Idle State = iota
	Sending
	AwaitingReply
	Matched
	TimedOut
	Fatal
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingReply:
		return "awaiting_reply"
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	case Fatal:
		return "fatal"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrMismatch is returned for an Echo Reply that answers another request.
	ErrMismatch = errors.New("reply does not match request")
	// ErrNotReply is returned for ICMP messages other than Echo Reply.
	ErrNotReply = errors.New("not an echo reply")

	errStopped = errors.New("stopped")
)

// TransportError wraps a socket failure that ended the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DiscardReason names why a datagram was skipped, for logs and metrics.
func DiscardReason(err error) string {
	switch {
	case errors.Is(err, message.ErrMalformedPacket):
		return "malformed"
	case errors.Is(err, message.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrNotReply):
		return "not_reply"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	}
	return "other"
}
