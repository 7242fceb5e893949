package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can pick a recovery strategy without
// string-matching messages.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindRateLimited
	KindValidation
	KindNotFound
	KindUnavailable
	KindNodeExecution
)

type Error struct {
	Kind    Kind
	Message string
	// NodeIDs carries the offending node ids for validation failures so the
	// caller can act without re-deriving the graph.
	NodeIDs []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsNotFound(err error) bool      { return Is(err, KindNotFound) }
func IsValidation(err error) bool    { return Is(err, KindValidation) }
func IsRateLimited(err error) bool   { return Is(err, KindRateLimited) }
func IsUnavailable(err error) bool   { return Is(err, KindUnavailable) }
func IsAuthentication(err error) bool { return Is(err, KindAuthentication) }

const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

// WriteDomainError maps a domain error to the HTTP surface. NotFound is used
// for both absent and foreign-org resources so existence never leaks.
func WriteDomainError(w http.ResponseWriter, err error) {
	var details interface{}
	var e *Error
	if errors.As(err, &e) && len(e.NodeIDs) > 0 {
		details = map[string]interface{}{"node_ids": e.NodeIDs}
	}

	switch KindOf(err) {
	case KindAuthentication:
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error(), details)
	case KindAuthorization:
		WriteError(w, http.StatusForbidden, ErrCodeForbidden, err.Error(), details)
	case KindRateLimited:
		w.Header().Set("Retry-After", "60")
		WriteError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, err.Error(), details)
	case KindValidation:
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeInvalidInput, err.Error(), details)
	case KindNotFound:
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), details)
	case KindUnavailable:
		WriteError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error(), details)
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
	}
}
