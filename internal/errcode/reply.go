package errcode

import "errors"

// Code is the numeric half of a bus reply. 0 is success; failures use HTTP
// inspired values so clients can tell client errors from server errors.
type Code = int32

const (
	CodeOK                 Code = 0
	CodeInvalidArgument    Code = 400
	CodeChannelUnavailable Code = 404
	CodeInvalidState       Code = 409
	CodeInternal           Code = 500
	CodeKernelRejected     Code = 502
	CodeShuttingDown       Code = 503
	CodeCanceled           Code = 504
)

var kindCodes = map[Kind]Code{
	InvalidArgument:    CodeInvalidArgument,
	InvalidState:       CodeInvalidState,
	ChannelUnavailable: CodeChannelUnavailable,
	KernelRejected:     CodeKernelRejected,
	Internal:           CodeInternal,
	ShuttingDown:       CodeShuttingDown,
	Canceled:           CodeCanceled,
}

// CodeOf returns the reply code for err.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if c, ok := kindCodes[Of(err)]; ok {
		return c
	}
	return CodeInternal
}

// Reply maps err to the (code, message) pair sent back on the bus.
//
// The message never exposes the underlying OS error: a missing attribute
// file is "channel unavailable" whichever file it was.
func Reply(err error) (Code, string) {
	if err == nil {
		return CodeOK, ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return CodeInternal, "internal error"
	}
	return CodeOf(e), e.Error()
}
