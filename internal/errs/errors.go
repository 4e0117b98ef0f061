// Package errs defines the error taxonomy shared by the coordination core.
//
// Only four kinds of failure are surfaced with a code. Transient
// serialization failures never appear here: the retry engine absorbs them.
// Everything else (I/O, driver, context) is returned wrapped but uncoded.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes coordination errors.
type Code string

const (
	// CodeConflict: a duplicate message_id with a different payload, or a
	// dict fragment that does not unify with the stored value.
	CodeConflict Code = "CONFLICT"

	// CodeClosed: an append to a channel that already has a final message.
	CodeClosed Code = "CLOSED"

	// CodeSchemaMismatch: the live database does not have the expected
	// structure. Fatal at startup.
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"

	// CodeProgrammerError: the caller misused an API in a way that could
	// lose data (e.g. leaving a retry loop before it committed).
	CodeProgrammerError Code = "PROGRAMMER_ERROR"
)

// Error is a coded coordination error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Domain and Key identify the affected record, when there is one.
	Domain string
	Key    string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Domain != "" || e.Key != "" {
		fmt.Fprintf(&b, " (%s:%s)", e.Domain, e.Key)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Details[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict reports whether err is a conflict error.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsClosed reports whether err is a closed-channel error.
func IsClosed(err error) bool {
	return CodeOf(err) == CodeClosed
}

// IsSchemaMismatch reports whether err is a schema mismatch error.
func IsSchemaMismatch(err error) bool {
	return CodeOf(err) == CodeSchemaMismatch
}

// IsProgrammerError reports whether err is a programmer error.
func IsProgrammerError(err error) bool {
	return CodeOf(err) == CodeProgrammerError
}

// NewConflict creates a conflict error for the record (domain, key).
func NewConflict(domain, key, message string, cause error) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: message,
		Domain:  domain,
		Key:     key,
		Err:     cause,
	}
}

// NewClosed creates a closed-channel error.
func NewClosed(domain, channel, messageID string) *Error {
	return &Error{
		Code:    CodeClosed,
		Message: "channel already received its final message",
		Domain:  domain,
		Key:     channel,
		Details: map[string]string{"message_id": messageID},
	}
}

// NewSchemaMismatch creates a schema mismatch error listing each difference.
func NewSchemaMismatch(diffs []string) *Error {
	return &Error{
		Code:    CodeSchemaMismatch,
		Message: "database schema does not match expected schema: " + strings.Join(diffs, "; "),
		Details: map[string]string{"differences": fmt.Sprintf("%d", len(diffs))},
	}
}

// NewProgrammerError creates a programmer error.
func NewProgrammerError(message string) *Error {
	return &Error{
		Code:    CodeProgrammerError,
		Message: message,
	}
}
