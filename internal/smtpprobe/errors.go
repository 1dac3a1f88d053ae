package smtpprobe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	KindConnectionFailed Kind = iota + 1
	KindTLSFailed
	KindAuthRejected
	KindProtocolError
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection failed"
	case KindTLSFailed:
		return "tls failed"
	case KindAuthRejected:
		return "auth rejected"
	case KindProtocolError:
		return "protocol error"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by every SendProbe failure. Code and Message hold the
// server's reply when the failure was a reply.
type Error struct {
	Kind Kind
	// State is the last state the session reached before failing.
	State   State
	Code    int
	Message string
	// Detail is the decoded XOAUTH2 challenge for AuthRejected, or a
	// description of a local failure.
	Detail string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrTLSFailed        = &Error{Kind: KindTLSFailed}
	ErrAuthRejected     = &Error{Kind: KindAuthRejected}
	ErrProtocolError    = &Error{Kind: KindProtocolError}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrCanceled         = &Error{Kind: KindCanceled}
)

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "smtp: %s in state %s", e.Kind, e.State)

	if e.Code != 0 {
		fmt.Fprintf(&b, ": %d %s", e.Code, e.Message)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	if e.Err != nil && e.Code == 0 {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// classify turns err from a session step into an Error. Server replies get
// kind, as do local failures such as a malformed SASL exchange. Cancellation
// and timeouts get their own kinds. Broken connections are connection
// failures, except during the TLS phase.
func classify(ctx context.Context, state State, kind Kind, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	e := &Error{Kind: kind, State: state, Err: err}

	var reply *textproto.Error
	if errors.As(err, &reply) {
		e.Code = reply.Code
		e.Message = reply.Msg
		return e
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.Kind = KindCanceled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			e.Kind = KindTimeout
		}
		return e
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		e.Kind = KindTimeout
		return e
	}

	if kind != KindTLSFailed && isConnectionError(err) {
		e.Kind = KindConnectionFailed
	}

	return e
}

func isConnectionError(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
