package server

import (
	"errors"
	"fmt"
	"net"
)

// Kind separates errors that stop the agent from those that only cost one
// connection or one datagram.
type Kind int

const (
	// KindFatal covers socket setup and MIB refresh failures.
	KindFatal Kind = iota + 1
	// KindTransient covers per-connection and per-datagram I/O failures.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is an event loop failure.
type Error struct {
	Kind Kind
	Op   string
	Addr net.Addr
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != nil {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must stop the agent.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}

func fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

func transient(op string, addr net.Addr, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Addr: addr, Err: err}
}

var (
	errShortWrite    = errors.New("short write")
	errMessageTooBig = errors.New("request exceeds buffer size")
	errMalformed     = errors.New("malformed message header")
	errNoReply       = errors.New("request produced no reply")
)
