// Package errcode holds the error taxonomy shared by the PWM core and the
// mapping from it to the (code, message) pair returned on the bus.
package errcode

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. It is a string newtype so it is comparable and
// reads well in logs.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	InvalidState       Kind = "invalid_state"
	ChannelUnavailable Kind = "channel_unavailable"
	KernelRejected     Kind = "kernel_rejected"
	Internal           Kind = "internal"
	ShuttingDown       Kind = "shutting_down"
	Canceled           Kind = "canceled" // caller gave up; nothing was committed
)

// Error carries a Kind plus the context needed to explain it.
type Error struct {
	Kind    Kind
	Op      string
	Chip    uint32
	Channel uint32
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s pwmchip%d/pwm%d: %s", e.Op, e.Chip, e.Channel, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error without a cause.
func New(kind Kind, op string, chip, channel uint32, msg string) *Error {
	return &Error{Kind: kind, Op: op, Chip: chip, Channel: channel, Msg: msg}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, op string, chip, channel uint32, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Chip: chip, Channel: channel, Msg: msg, Err: err}
}

// Of extracts the Kind of err. Errors that carry no Kind are Internal.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}
