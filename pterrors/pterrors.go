// Package pterrors defines the error taxonomy shared by the trace decoder,
// call-tree reconstructor, time-travel cursor and the registry facade built
// on top of them.
package pterrors

import "fmt"

// Kind classifies an Error so callers can branch on failure category without
// parsing messages.
type Kind int

const (
	// InvalidContext means no debugger, target, or live process is selected.
	InvalidContext Kind = iota
	// InvalidThread means the selected thread is absent or unknown to its process.
	InvalidThread
	// NotTracing means a query targeted a thread with no active or inherited trace.
	NotTracing
	// HostFailure wraps a failure returned by the debugger host.
	HostFailure
	// DecodeFatal means the PT library could not be initialized, or required
	// image sections are missing.
	DecodeFatal
	// DecodeGap marks a recoverable per-record decode error. Never propagated
	// out of the decoder; recorded as a gap Instruction instead.
	DecodeGap
	// CursorOutOfRange means an explicit go-to or window request fell outside
	// the instruction log, or the window was ill-defined.
	CursorOutOfRange
	// EndOfTrace means a step/continue reached a log boundary without a
	// breakpoint hit. Surfaced to the user but not fatal.
	EndOfTrace
	// Unimplemented marks a command surface entry with no defined behavior
	// (spec.md §9 Open Question: step-in/step-out).
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case InvalidContext:
		return "InvalidContext"
	case InvalidThread:
		return "InvalidThread"
	case NotTracing:
		return "NotTracing"
	case HostFailure:
		return "HostFailure"
	case DecodeFatal:
		return "DecodeFatal"
	case DecodeGap:
		return "DecodeGap"
	case CursorOutOfRange:
		return "CursorOutOfRange"
	case EndOfTrace:
		return "EndOfTrace"
	case Unimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every public operation in
// this module. It always carries a Kind and, where known, the thread and
// process the operation was attempted against.
type Error struct {
	Kind      Kind
	ProcessID uint64
	ThreadID  uint64
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Kind.String()
	if e.ThreadID != 0 || e.ProcessID != 0 {
		s += fmt.Sprintf(" (pid=%d tid=%d)", e.ProcessID, e.ThreadID)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap lets errors.Is/errors.As reach the wrapped host or decode cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a HostFailure-style Error that carries an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: cause, Message: fmt.Sprintf(format, args...)}
}

// WithThread returns a copy of e annotated with process/thread context.
func (e *Error) WithThread(processID, threadID uint64) *Error {
	cp := *e
	cp.ProcessID = processID
	cp.ThreadID = threadID
	return &cp
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			if pe.Kind == kind {
				return true
			}
			err = pe.Cause
			continue
		}
		break
	}
	return false
}
