package apperr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Classify returns the category of err. Unknown errors are treated as retryable.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return CategoryTimeout
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrUnauthorized):
		return CategoryUnauthorized
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return CategoryValidation
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if googleQuotaExceeded(gerr) {
			return CategoryRateLimit
		}
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return CategoryUnauthorized
		case http.StatusNotFound, http.StatusGone:
			return CategoryNotFound
		case http.StatusTooManyRequests:
			return CategoryRateLimit
		case http.StatusBadRequest:
			return CategoryValidation
		default:
			return CategoryRetryable
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return CategoryRetryable
		}
		return CategoryUnauthorized
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 23 is integrity constraint violation, 22 is data exception
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "23" || pgErr.Code[:2] == "22") {
			return CategoryValidation
		}
		return CategoryRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CategoryNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryNetwork
	}

	return CategoryRetryable
}

// googleQuotaReasons are the error reasons Google APIs attach to quota
// rejections. They arrive as 403 as often as 429.
var googleQuotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"quotaExceeded":         true,
	"RATE_LIMIT_EXCEEDED":   true,
}

func googleQuotaExceeded(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if googleQuotaReasons[item.Reason] {
			return true
		}
	}
	for _, detail := range gerr.Details {
		m, ok := detail.(map[string]interface{})
		if !ok {
			continue
		}
		if reason, _ := m["reason"].(string); googleQuotaReasons[reason] {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err deserves another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}

// RequiresReauth reports whether a provider rejected the stored credentials, which
// only the user can fix by reconnecting.
func RequiresReauth(err error) bool {
	return err != nil && Classify(err) == CategoryUnauthorized
}

// StatusCode extracts an upstream status code when one is known.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.StatusCode != 0 {
		return e.StatusCode
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	if Classify(err) == CategoryUnauthorized {
		return http.StatusUnauthorized
	}
	return 0
}
