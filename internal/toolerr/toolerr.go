// Package toolerr holds the closed failure taxonomy shared by every tool
// adapter and the operation executor.
package toolerr

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Kind is a failure class
type Kind int

const (
	Unknown Kind = iota
	ToolMissing
	PermissionDenied
	DeviceBusy
	InvalidInput
	PreconditionNotMet
	ToolOutputMalformed
	OperationTimedOut
	OperationCancelled
)

var kindNames = map[Kind]string{
	Unknown:             "Unknown",
	ToolMissing:         "ToolMissing",
	PermissionDenied:    "PermissionDenied",
	DeviceBusy:          "DeviceBusy",
	InvalidInput:        "InvalidInput",
	PreconditionNotMet:  "PreconditionNotMet",
	ToolOutputMalformed: "ToolOutputMalformed",
	OperationTimedOut:   "OperationTimedOut",
	OperationCancelled:  "OperationCancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON output and logs
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Raw keeps the tool's own message for Unknown.
type Error struct {
	Kind     Kind
	Tool     string
	ExitCode int
	Message  string
	Raw      string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Tool != "" {
		b.WriteString(" (")
		b.WriteString(e.Tool)
		if e.ExitCode != 0 {
			fmt.Fprintf(&b, ", exit %d", e.ExitCode)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrToolMissing         = &Error{Kind: ToolMissing}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
	ErrDeviceBusy          = &Error{Kind: DeviceBusy}
	ErrInvalidInput        = &Error{Kind: InvalidInput}
	ErrPreconditionNotMet  = &Error{Kind: PreconditionNotMet}
	ErrToolOutputMalformed = &Error{Kind: ToolOutputMalformed}
	ErrOperationTimedOut   = &Error{Kind: OperationTimedOut}
	ErrOperationCancelled  = &Error{Kind: OperationCancelled}
)

// New creates an error of the given kind not tied to a process exit
func New(kind Kind, tool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// Precondition is shorthand for a PreconditionNotMet error raised by validation
func Precondition(format string, args ...interface{}) *Error {
	return New(PreconditionNotMet, "", format, args...)
}

// Invalid is shorthand for an InvalidInput error raised by validation
func Invalid(format string, args ...interface{}) *Error {
	return New(InvalidInput, "", format, args...)
}

// Malformed reports output that could not be parsed
func Malformed(tool, raw, format string, args ...interface{}) *Error {
	e := New(ToolOutputMalformed, tool, format, args...)
	e.Raw = raw
	return e
}

// KindOf returns the kind of err, Unknown for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OperationTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return OperationCancelled
	}
	return Unknown
}

// From wraps any error into an *Error, keeping existing classification
func From(tool string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Tool: tool, Message: err.Error(), Raw: err.Error()}
}

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// Ordered: the first match wins.
var stderrPatterns = []pattern{
	{PermissionDenied, regexp.MustCompile(`(?i)permission denied|operation not permitted|must be (run as )?root|are you root|only root can`)},
	{DeviceBusy, regexp.MustCompile(`(?i)target is busy|device is busy|device or resource busy|in use by the system|is in use|is mounted|contains a mounted filesystem|being used|will not make a filesystem here`)},
	{InvalidInput, regexp.MustCompile(`(?i)no key available|invalid|unrecogni[sz]ed|bad argument|bad option|usage:|not a valid|out of range|too (big|small|large)|can't have (the )?(end|start)|outside of the device`)},
	{PreconditionNotMet, regexp.MustCompile(`(?i)no such file or directory|does not exist|not a block device|no medium found`)},
}

// Classify maps a finished process to a failure kind. It returns nil for
// a clean exit. The mapping depends only on tool, exit code, stderr and cause.
func Classify(tool string, exitCode int, stderr string, cause error) *Error {
	if exitCode == 0 && cause == nil {
		return nil
	}
	e := &Error{Kind: Unknown, Tool: tool, ExitCode: exitCode, Raw: strings.TrimSpace(stderr)}
	e.Message = firstLine(e.Raw)

	switch {
	case errors.Is(cause, context.DeadlineExceeded) || exitCode == 124:
		e.Kind = OperationTimedOut
	case errors.Is(cause, context.Canceled):
		e.Kind = OperationCancelled
	case errors.Is(cause, exec.ErrNotFound) || exitCode == 127:
		e.Kind = ToolMissing
	case exitCode == 126:
		e.Kind = PermissionDenied
	case tool == "cryptsetup" && exitCode == 2:
		// cryptsetup reports a wrong passphrase as exit 2
		e.Kind = InvalidInput
	case tool == "cryptsetup" && exitCode == 5:
		e.Kind = DeviceBusy
	default:
		for _, p := range stderrPatterns {
			if p.re.MatchString(stderr) {
				e.Kind = p.kind
				break
			}
		}
	}
	if e.Message == "" {
		if cause != nil {
			e.Message = cause.Error()
		} else {
			e.Message = fmt.Sprintf("exited with status %d", exitCode)
		}
	}
	return e
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
