// Package apperror defines the conductor's error taxonomy and its mapping
// onto HTTP status codes and JSON-RPC 2.0 error codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind, independent of the transport it is
// eventually rendered on.
type Code string

const (
	CodeParseError           Code = "parse_error"
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidParams        Code = "invalid_params"
	CodeNotFound             Code = "not_found"
	CodeTurnStateError       Code = "turn_state_error"
	CodeTurnHintMismatch     Code = "turn_hint_mismatch"
	CodeTurnOwnershipViolation Code = "turn_ownership_violation"
	CodeConversationFinalized Code = "conversation_finalized"
	CodeBadFinality          Code = "bad_finality"
	CodeIdempotencyConflict  Code = "idempotency_conflict"
	CodeBackendNotHeld       Code = "backend_not_held"
	CodeBackendDenied        Code = "backend_denied"
	CodeProviderError        Code = "provider_error"
	CodeLocked               Code = "locked"
	CodeFatal                Code = "fatal"
	CodeMethodNotFound       Code = "method_not_found"
	CodeInternal             Code = "internal_error"
)

// JSON-RPC 2.0 error codes, per SPEC_FULL.md §6.1.
const (
	JSONRPCParseError       = -32700
	JSONRPCInvalidRequest   = -32600
	JSONRPCMethodNotFound   = -32601
	JSONRPCInvalidParams    = -32602
	JSONRPCServerError      = -32000
	JSONRPCTurnStateError   = -32010
	JSONRPCConversationDone = -32011
	JSONRPCInvalidTurn      = -32012
	JSONRPCBadFinality      = -32013
)

// AppError is the single error type surfaced by every component boundary.
type AppError struct {
	Code        Code
	Message     string
	HTTPStatus  int
	JSONRPCCode int
	Err         error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(code Code, httpStatus, rpcCode int, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, JSONRPCCode: rpcCode}
}

func ParseError(message string) *AppError {
	return newErr(CodeParseError, http.StatusBadRequest, JSONRPCParseError, message)
}

func InvalidRequest(message string) *AppError {
	return newErr(CodeInvalidRequest, http.StatusBadRequest, JSONRPCInvalidRequest, message)
}

func InvalidParams(message string) *AppError {
	return newErr(CodeInvalidParams, http.StatusBadRequest, JSONRPCInvalidParams, message)
}

func MethodNotFound(method string) *AppError {
	return newErr(CodeMethodNotFound, http.StatusNotFound, JSONRPCMethodNotFound, "method not found: "+method)
}

func NotFound(message string) *AppError {
	return newErr(CodeNotFound, http.StatusNotFound, JSONRPCServerError, message)
}

func TurnStateError(message string) *AppError {
	return newErr(CodeTurnStateError, http.StatusConflict, JSONRPCTurnStateError, message)
}

func TurnOwnershipViolation(agentID string) *AppError {
	return newErr(CodeTurnOwnershipViolation, http.StatusConflict, JSONRPCTurnStateError,
		fmt.Sprintf("turn is owned by a different agent than %q", agentID))
}

func TurnHintMismatch(hint, actual int) *AppError {
	return newErr(CodeTurnHintMismatch, http.StatusConflict, JSONRPCInvalidTurn,
		fmt.Sprintf("turn_hint %d does not match computed turn %d", hint, actual))
}

func ConversationFinalized() *AppError {
	return newErr(CodeConversationFinalized, http.StatusConflict, JSONRPCConversationDone,
		"conversation is already completed")
}

func BadFinality(eventType string) *AppError {
	return newErr(CodeBadFinality, http.StatusBadRequest, JSONRPCBadFinality,
		fmt.Sprintf("%s events may not carry a non-none finality", eventType))
}

func IdempotencyConflict(message string) *AppError {
	return newErr(CodeIdempotencyConflict, http.StatusConflict, JSONRPCServerError, message)
}

func BackendNotHeld() *AppError {
	return newErr(CodeBackendNotHeld, http.StatusForbidden, JSONRPCServerError, "no active backend lease held")
}

func BackendDenied() *AppError {
	return newErr(CodeBackendDenied, http.StatusConflict, JSONRPCServerError, "backend lease request denied")
}

func ProviderError(err error) *AppError {
	return &AppError{Code: CodeProviderError, Message: "upstream provider error", HTTPStatus: http.StatusBadGateway, JSONRPCCode: JSONRPCServerError, Err: err}
}

func Locked(message string) *AppError {
	return newErr(CodeLocked, http.StatusLocked, JSONRPCServerError, message)
}

func Fatal(err error) *AppError {
	return &AppError{Code: CodeFatal, Message: "internal storage failure", HTTPStatus: http.StatusInternalServerError, JSONRPCCode: JSONRPCServerError, Err: err}
}

func Internal(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, JSONRPCCode: JSONRPCServerError, Err: err}
}

// As extracts an *AppError from err, wrapping unknown errors as Internal.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
