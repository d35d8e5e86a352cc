package registry

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode categorizes registry failures.
type ErrorCode string

const (
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeDuplicateName    ErrorCode = "DUPLICATE_NAME"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodePromptNotFound   ErrorCode = "PROMPT_NOT_FOUND"
	CodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	CodeServerNotFound   ErrorCode = "SERVER_NOT_FOUND"
	CodeInvalidName      ErrorCode = "INVALID_NAME"
	CodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	CodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
)

// Sentinels for errors.Is. Any *Error with the same Code matches.
var (
	ErrConnectionFailed = &Error{Code: CodeConnectionFailed}
	ErrDuplicateName    = &Error{Code: CodeDuplicateName}
	ErrToolNotFound     = &Error{Code: CodeToolNotFound}
	ErrPromptNotFound   = &Error{Code: CodePromptNotFound}
	ErrResourceNotFound = &Error{Code: CodeResourceNotFound}
	ErrServerNotFound   = &Error{Code: CodeServerNotFound}
	ErrInvalidName      = &Error{Code: CodeInvalidName}
	ErrInvalidArguments = &Error{Code: CodeInvalidArguments}
	ErrInvalidConfig    = &Error{Code: CodeInvalidConfig}
)

// Error is returned by every Registry operation that fails for a reason the
// registry itself understands. Failures returned by a Client during
// execution are propagated unchanged instead.
type Error struct {
	Code ErrorCode
	// Server names the server involved, when there is one.
	Server  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("registry: %s: %v", msg, e.Cause)
	}
	return "registry: " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Code so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, server, format string, args ...any) *Error {
	return &Error{Code: code, Server: server, Message: fmt.Sprintf(format, args...)}
}

func connectionFailed(server string, cause error) *Error {
	return &Error{
		Code:    CodeConnectionFailed,
		Server:  server,
		Message: fmt.Sprintf("failed to connect to server %q", server),
		Cause:   cause,
	}
}

func toolNotFound(name string) *Error {
	return newError(CodeToolNotFound, "", "tool %q not found", name)
}

func promptNotFound(name string) *Error {
	return newError(CodePromptNotFound, "", "prompt %q not found", name)
}

func resourceNotFound(key string) *Error {
	return newError(CodeResourceNotFound, "", "resource %q not found", key)
}

// aggregateStrictFailure builds the error returned by InitializeFromConfig
// when one or more strict servers could not connect.
func aggregateStrictFailure(failures map[string]error) *Error {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, causeMessage(failures[name])))
	}
	return &Error{
		Code:    CodeConnectionFailed,
		Message: "failed to connect to required servers: " + strings.Join(parts, "; "),
	}
}

// causeMessage strips the registry wrapper so aggregate messages carry the
// underlying client error text.
func causeMessage(err error) string {
	if re, ok := err.(*Error); ok && re.Cause != nil {
		return re.Cause.Error()
	}
	return err.Error()
}
