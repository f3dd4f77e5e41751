package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExportRunning     = errors.New("export already running")
	ErrBuiltinImmutable  = errors.New("built-in profile type cannot be renamed or deleted")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Kind classifies a failure for the HTTP boundary and for retry decisions.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindPolicyDenied     Kind = "policy_denied"
	KindQuotaExhausted   Kind = "quota_exhausted"
	KindDispatchFailure  Kind = "dispatch_failure"
	KindExecutionFailure Kind = "execution_failure"
	KindExportFailure    Kind = "export_failure"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUnprocessable    Kind = "unprocessable"
	KindUnauthorized     Kind = "unauthorized"
)

// Error carries a stable machine-readable Code next to the human-readable
// Message. Details holds structured hints such as quota scope and limit.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func PolicyDenied(reason string) *Error {
	return &Error{
		Kind:    KindPolicyDenied,
		Code:    reason,
		Message: "access to this request type is denied",
		Details: map[string]interface{}{"reason": reason},
	}
}

func QuotaExhausted(scope string, limit, current int64) *Error {
	return &Error{
		Kind:    KindQuotaExhausted,
		Code:    "quota_exhausted",
		Message: fmt.Sprintf("%s quota of %d requests exhausted", scope, limit),
		Details: map[string]interface{}{"scope": scope, "limit": limit, "current": current},
	}
}

func DispatchFailure(err error) *Error {
	return &Error{Kind: KindDispatchFailure, Code: "dispatch_failed", Message: "task broker unavailable", Err: err}
}

func ExportFailure(code string, err error) *Error {
	return &Error{Kind: KindExportFailure, Code: code, Message: "export failed", Err: err}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: what + " not found", Err: ErrNotFound}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message, Err: ErrConflict}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindPolicyDenied:
			return http.StatusForbidden
		case KindQuotaExhausted:
			return http.StatusTooManyRequests
		case KindDispatchFailure:
			return http.StatusServiceUnavailable
		case KindNotFound:
			return http.StatusNotFound
		case KindConflict:
			return http.StatusConflict
		case KindUnprocessable:
			return http.StatusUnprocessableEntity
		case KindUnauthorized:
			return http.StatusUnauthorized
		default:
			return http.StatusInternalServerError
		}
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict), errors.Is(err, ErrExportRunning):
		return http.StatusConflict
	case errors.Is(err, ErrBuiltinImmutable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Code returns the stable reason code for err.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrExportRunning):
		return "export_running"
	case errors.Is(err, ErrBuiltinImmutable):
		return "builtin_immutable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return "internal_error"
}
