// Package apperr defines the error taxonomy shared by the hub, the REST API
// and the client sync layer. Errors cross the wire as {kind, message} and are
// decoded back into *Error so callers branch on Kind instead of message text.
package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure for user-facing handling.
type Kind string

const (
	KindAlreadyClaimed Kind = "already_claimed"
	KindUnauthorized   Kind = "unauthorized"
	KindConnectionLost Kind = "connection_lost"
	KindNotFound       Kind = "not_found"
	KindInvalid        Kind = "invalid"
	KindUnknown        Kind = "unknown"
)

// Error is a classified failure. Err optionally carries the underlying cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinel-style checks work:
// errors.Is(err, apperr.AlreadyClaimed("")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func AlreadyClaimed(message string) *Error { return New(KindAlreadyClaimed, message) }
func Unauthorized(message string) *Error   { return New(KindUnauthorized, message) }
func NotFound(message string) *Error       { return New(KindNotFound, message) }
func Invalid(message string) *Error        { return New(KindInvalid, message) }

// ConnectionLost wraps a transport failure.
func ConnectionLost(err error) *Error {
	return Wrap(KindConnectionLost, "connection lost", err)
}

// KindOf reports the kind of err. Context expiry and network errors count as
// lost connections; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectionLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectionLost
	}
	return KindUnknown
}

// From returns err as *Error, classifying it when needed.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	kind := KindOf(err)
	return Wrap(kind, err.Error(), err)
}

// UserMessage renders a human-readable message for err, falling back to
// fallback for unknown failures.
func UserMessage(err error, fallback string) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindAlreadyClaimed:
		return "Position was just taken by someone else"
	case KindUnauthorized:
		return "You're not authorized for this action"
	case KindConnectionLost:
		return "Connection lost. Please try again."
	case KindNotFound:
		return "This item no longer exists"
	case KindInvalid:
		if appErr := From(err); appErr.Message != "" {
			return appErr.Message
		}
		return fallback
	default:
		return fallback
	}
}

// HTTPStatus maps a kind to the REST status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAlreadyClaimed:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies a REST response that carried no decodable body.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusConflict:
		return AlreadyClaimed(message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized(message)
	case status == http.StatusNotFound:
		return NotFound(message)
	case status == http.StatusBadRequest:
		return Invalid(message)
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return New(KindConnectionLost, message)
	default:
		return New(KindUnknown, message)
	}
}

// WriteHTTP renders err as a {kind, message} JSON body with the matching
// status code. Unclassified failures are reported without their cause.
func WriteHTTP(w http.ResponseWriter, err error) {
	appErr := From(err)
	body := Error{Kind: appErr.Kind, Message: appErr.Message}
	if body.Kind == KindUnknown {
		body.Message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(body.Kind))
	_ = json.NewEncoder(w).Encode(body)
}
