// Package apperr classifies failures into the categories the job queue uses to
// decide between retrying and giving up.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Category string

const (
	CategoryTimeout      Category = "timeout"
	CategoryNetwork      Category = "network"
	CategoryRateLimit    Category = "rate_limit"
	CategoryRetryable    Category = "retryable"
	CategoryValidation   Category = "validation"
	CategoryNotFound     Category = "not_found"
	CategoryUnauthorized Category = "unauthorized"
)

// Retryable reports whether the queue should schedule another attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryValidation, CategoryNotFound, CategoryUnauthorized:
		return false
	default:
		return true
	}
}

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
	ErrTimeout        = errors.New("timed out")
	ErrAlreadyMatched = errors.New("already matched")
)

// Error is a failure with an explicit category.
type Error struct {
	Category   Category
	Op         string
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(category Category, op string, err error) *Error {
	if err == nil {
		err = sentinelFor(category)
	}
	return &Error{Category: category, Op: op, Err: err}
}

func Timeout(op string, err error) *Error {
	return New(CategoryTimeout, op, err)
}

func Network(op string, err error) *Error {
	return New(CategoryNetwork, op, err)
}

func Validation(op string, err error) *Error {
	return New(CategoryValidation, op, err)
}

func Validationf(op, format string, args ...any) *Error {
	return New(CategoryValidation, op, fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

func NotFound(op string, err error) *Error {
	return New(CategoryNotFound, op, err)
}

func Unauthorized(op string, err error) *Error {
	return New(CategoryUnauthorized, op, err)
}

func RateLimited(op string, retryAfter time.Duration) *Error {
	e := New(CategoryRateLimit, op, ErrRateLimited)
	e.RetryAfter = retryAfter
	return e
}

// FromStatus maps an HTTP response status onto the taxonomy. It returns nil for 2xx.
func FromStatus(op string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("status %d: %s", status, body)
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = Unauthorized(op, err)
	case status == http.StatusNotFound || status == http.StatusGone:
		e = NotFound(op, err)
	case status == http.StatusTooManyRequests:
		e = New(CategoryRateLimit, op, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = Timeout(op, err)
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity || status == http.StatusUnsupportedMediaType:
		e = Validation(op, err)
	default:
		e = New(CategoryRetryable, op, err)
	}
	e.StatusCode = status
	return e
}

func sentinelFor(category Category) error {
	switch category {
	case CategoryTimeout:
		return ErrTimeout
	case CategoryRateLimit:
		return ErrRateLimited
	case CategoryValidation:
		return ErrValidation
	case CategoryNotFound:
		return ErrNotFound
	case CategoryUnauthorized:
		return ErrUnauthorized
	default:
		return errors.New(string(category))
	}
}
