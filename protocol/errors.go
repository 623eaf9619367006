package protocol

import (
	"errors"
	"fmt"
)

// Error codes sent in the payload of an "error" frame.
const (
	// Frame/envelope validation.
	CodeInvalidMessage = "invalid_message"
	CodeInvalidJSON    = "invalid_json"
	CodeUnknownMessage = "unknown_message"
	CodeInvalidPayload = "invalid_payload"

	// Business rules.
	CodeUnauthorized   = "unauthorized"
	CodeInvalidToken   = "invalid_token"
	CodePlayerNotFound = "player_not_found"

	CodeInternal = "internal_error"
)

var knownCodes = map[string]struct{}{
	CodeInvalidMessage: {},
	CodeInvalidJSON:    {},
	CodeUnknownMessage: {},
	CodeInvalidPayload: {},
	CodeUnauthorized:   {},
	CodeInvalidToken:   {},
	CodePlayerNotFound: {},
	CodeInternal:       {},
}

// IsKnownCode reports whether code is one the server emits.
func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

// ClientError is a failure caused by the client's request. It is reported
// back to the originating connection with its code and message and never
// treated as a server fault.
type ClientError struct {
	Code    string
	Message string
	Details any
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewClientError creates a client-facing error.
func NewClientError(code, msg string) *ClientError {
	return &ClientError{Code: code, Message: msg}
}

// Errorf creates a client-facing error with a formatted message.
func Errorf(code, format string, args ...any) *ClientError {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details.
func (e *ClientError) WithDetails(details any) *ClientError {
	cp := *e
	cp.Details = details
	return &cp
}

// AsClientError unwraps err to a *ClientError when it is one.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err is a client error with the given code.
func HasCode(err error, code string) bool {
	ce, ok := AsClientError(err)
	return ok && ce.Code == code
}
