// Package apperr defines the error taxonomy surfaced by the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSignatureInvalid
	KindMalformedPayload
	KindNotFound
	KindInvalidState
	KindConflict
	KindUpstreamSyncFailure
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindUpstreamSyncFailure:
		return "upstream_sync_failure"
	case KindPersistenceFailure:
		return "persistence_failure"
	}
	return "unknown"
}

// Response codes returned to API clients.
const (
	CodeAlreadyActive        = "ALREADY_ACTIVE"
	CodeActivationInProgress = "ACTIVATION_IN_PROGRESS"
	CodeInvalidState         = "INVALID_STATE"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidID            = "INVALID_ID"
	CodeActivationFailed     = "ACTIVATION_FAILED"
	CodeAlreadyPaid          = "ALREADY_PAID"
	CodeCheckoutFailed       = "CHECKOUT_FAILED"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeMalformedPayload     = "MALFORMED_PAYLOAD"
	CodeInternal             = "INTERNAL_ERROR"
)

// Error is a classified failure. Status is the HTTP status the API answers with.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
	Data    interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithData attaches a payload returned alongside the error response.
func (e *Error) WithData(data interface{}) *Error {
	e.Data = data
	return e
}

// Expected reports whether the error is a normal business outcome rather than a fault.
func (e *Error) Expected() bool {
	switch e.Kind {
	case KindNotFound, KindInvalidState, KindConflict, KindMalformedPayload, KindSignatureInvalid:
		return true
	}
	return false
}

func SignatureInvalid(msg string) *Error {
	return &Error{Kind: KindSignatureInvalid, Code: CodeInvalidSignature, Message: msg, Status: http.StatusUnauthorized}
}

func MalformedPayload(msg string, err error) *Error {
	return &Error{Kind: KindMalformedPayload, Code: CodeMalformedPayload, Message: msg, Status: http.StatusBadRequest, Err: err}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: msg, Status: http.StatusNotFound}
}

func InvalidID(msg string) *Error {
	return &Error{Kind: KindMalformedPayload, Code: CodeInvalidID, Message: msg, Status: http.StatusBadRequest}
}

func InvalidState(code, msg string) *Error {
	return &Error{Kind: KindInvalidState, Code: code, Message: msg, Status: http.StatusBadRequest}
}

func AlreadyActive(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeAlreadyActive, Message: msg, Status: http.StatusConflict}
}

func AlreadyPaid(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeAlreadyPaid, Message: msg, Status: http.StatusConflict}
}

// InProgress answers 202: the request was valid but another activation owns the work.
func InProgress(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeActivationInProgress, Message: msg, Status: http.StatusAccepted}
}

func UpstreamSync(code, msg string, status int, err error) *Error {
	return &Error{Kind: KindUpstreamSyncFailure, Code: code, Message: msg, Status: status, Err: err}
}

func Persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistenceFailure, Code: CodeInternal, Message: msg, Status: http.StatusInternalServerError, Err: err}
}

// From classifies any error, wrapping unknown ones as KindUnknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindUnknown, Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
