// Package agenterr defines the compute-node agent's error kinds: ten
// categories the agent's failure model distinguishes, each carrying a
// stable numeric code, a default message, and an optional wrapped cause.
package agenterr

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind identifies one of the agent's error categories.
type Kind int

const (
	ConfigError Kind = iota + 1
	ContainerError
	SpawnFail
	SupervisorLost
	ProtocolError
	PermissionDenied
	FileNotFound
	ExceedTimeLimit
	Cancelled
	SystemError
)

var kindMessages = map[Kind]string{
	ConfigError:      "configuration error",
	ContainerError:   "container operation failed",
	SpawnFail:        "failed to spawn supervisor",
	SupervisorLost:   "supervisor connection lost",
	ProtocolError:    "protocol error",
	PermissionDenied: "permission denied",
	FileNotFound:     "file not found",
	ExceedTimeLimit:  "time limit exceeded",
	Cancelled:        "operation cancelled",
	SystemError:      "system error",
}

// Message returns the default message for a kind.
func (k Kind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return "unknown error"
}

// ExitCode maps a kind onto the synthetic exit code reported in a
// TaskStatusChange for failures that never produced a real process exit
// status.
func (k Kind) ExitCode() int {
	switch k {
	case ContainerError:
		return 1
	case SpawnFail:
		return 2
	case SupervisorLost:
		return 3
	case ExceedTimeLimit:
		return 137 // SIGKILL, matches the grace-period kill path
	case Cancelled:
		return 143 // SIGTERM
	case PermissionDenied:
		return 13
	case FileNotFound:
		return 127
	default:
		return 1
	}
}

// Error is the agent's structured error type.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error of the given kind with its default message.
func New(kind Kind) *Error {
	return &Error{
		Kind:    kind,
		Message: kind.Message(),
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Wrap wraps an existing error under the given kind.
func Wrap(err error, kind Kind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Kind = kind
		return e
	}
	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Err:     err,
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Wrapf wraps an error under the given kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// WithMessage overrides the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail attaches a key-value detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetKind extracts the Kind from any error, defaulting to SystemError.
func GetKind(err error) Kind {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return SystemError
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

func getStack(skip int) string {
	const maxDepth = 16
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}
		fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}
