package p4

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind classifies a failed tool invocation.
type ErrKind int

const (
	// ErrOperation is a generic command failure; the tool's message is
	// preserved verbatim for display.
	ErrOperation ErrKind = iota
	// ErrToolUnavailable means the executable could not be spawned or the
	// server could not be reached.
	ErrToolUnavailable
	// ErrNotInWorkspace means there is no valid client workspace context.
	ErrNotInWorkspace
	// ErrNotAuthenticated means the login ticket is missing or expired.
	ErrNotAuthenticated
	// ErrBenignEmpty covers "nothing to do" conditions the tool reports as
	// errors ("no file(s) to resolve", "file(s) not opened"). Call sites
	// that can legitimately hit these normalize them to empty results.
	ErrBenignEmpty
	// ErrTimeout means the invocation exceeded its deadline.
	ErrTimeout
)

func (k ErrKind) String() string {
	switch k {
	case ErrToolUnavailable:
		return "tool-unavailable"
	case ErrNotInWorkspace:
		return "not-in-workspace"
	case ErrNotAuthenticated:
		return "not-authenticated"
	case ErrBenignEmpty:
		return "benign-empty"
	case ErrTimeout:
		return "timeout"
	default:
		return "operation-failed"
	}
}

// CommandError is the error type for tool invocations. Message carries the
// tool's own text untouched so the UI can surface it.
type CommandError struct {
	Kind    ErrKind
	Op      string // sub-command, e.g. "opened"
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("p4 %s: %s", e.Op, msg)
	}
	return "p4: " + msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Errors that are
// not CommandErrors report ErrOperation.
func KindOf(err error) ErrKind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrOperation
}

// IsBenignEmpty reports whether err is a "nothing to do" tool response.
func IsBenignEmpty(err error) bool {
	return err != nil && KindOf(err) == ErrBenignEmpty
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return err != nil && KindOf(err) == ErrTimeout
}

// IsAuthError reports whether err indicates an expired or missing login.
func IsAuthError(err error) bool {
	return err != nil && KindOf(err) == ErrNotAuthenticated
}

// IsUnavailable reports whether err indicates the tool or server cannot be
// reached at all.
func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == ErrToolUnavailable
}

// Pattern sets for classifying tool output. The server wording varies by
// version and locale; these cover the variants seen in practice and
// anything unmatched falls through to ErrOperation. Matching is
// case-insensitive substring.
var (
	authPatterns = []string{
		"not logged in",
		"session has expired",
		"invalid password",
		"password invalid",
		"p4passwd",
	}
	unavailablePatterns = []string{
		"connect to server failed",
		"tcp connect to",
		"no route to host",
		"connection refused",
	}
	workspacePatterns = []string{
		"use 'client' command",
		"not under client's root",
		"is not under the client's root",
		"must create client",
		"not in client view",
	}
	benignPatterns = []string{
		"no file(s) to resolve",
		"file(s) not opened",
		"no such file(s)",
		"file(s) not on client",
		"file(s) up-to-date",
		"no file(s) to unshelve",
	}

	// Stderr content that makes a zero-exit invocation a failure anyway.
	// The tool routinely writes informational text to stderr; only these
	// classes abort the caller.
	fatalStderrPatterns = []string{
		"error:",
		"fatal:",
		"not logged in",
		"connect to server failed",
		"no such file",
		"invalid password",
		"p4passwd",
		"session has expired",
	}
)

// classifyText maps tool output to an ErrKind.
func classifyText(text string) ErrKind {
	lower := strings.ToLower(text)
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return ErrNotAuthenticated
		}
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(lower, p) {
			return ErrToolUnavailable
		}
	}
	for _, p := range workspacePatterns {
		if strings.Contains(lower, p) {
			return ErrNotInWorkspace
		}
	}
	for _, p := range benignPatterns {
		if strings.Contains(lower, p) {
			return ErrBenignEmpty
		}
	}
	return ErrOperation
}

// isFatalStderr reports whether stderr from a zero-exit run must still be
// treated as a failure.
func isFatalStderr(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, p := range fatalStderrPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isBenignText reports whether a message matches the benign "nothing to
// do" class regardless of its full classification.
func isBenignText(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range benignPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
