package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"inbox-pipeline/internal/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Category
	}{
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), apperr.CategoryTimeout},
		{"no rows", fmt.Errorf("get inbox: %w", pgx.ErrNoRows), apperr.CategoryNotFound},
		{"typed validation", apperr.Validationf("process-attachment", "empty filename"), apperr.CategoryValidation},
		{"google 401", &googleapi.Error{Code: http.StatusUnauthorized}, apperr.CategoryUnauthorized},
		{"google 429", &googleapi.Error{Code: http.StatusTooManyRequests}, apperr.CategoryRateLimit},
		{"google 403 user quota", &googleapi.Error{
			Code:   http.StatusForbidden,
			Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
		}, apperr.CategoryRateLimit},
		{"google 403 daily quota", &googleapi.Error{
			Code:   http.StatusForbidden,
			Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}},
		}, apperr.CategoryRateLimit},
		{"google 403 quota in details", &googleapi.Error{
			Code:    http.StatusForbidden,
			Details: []interface{}{map[string]interface{}{"@type": "type.googleapis.com/google.rpc.ErrorInfo", "reason": "RATE_LIMIT_EXCEEDED"}},
		}, apperr.CategoryRateLimit},
		{"google 403 permissions", &googleapi.Error{
			Code:   http.StatusForbidden,
			Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}},
		}, apperr.CategoryUnauthorized},
		{"google 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, apperr.CategoryRetryable},
		{"oauth invalid grant", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, apperr.CategoryUnauthorized},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection reset")}, apperr.CategoryNetwork},
		{"unknown", errors.New("boom"), apperr.CategoryRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apperr.Classify(tc.err))
		})
	}
}

func TestRetryableCategories(t *testing.T) {
	assert.True(t, apperr.IsRetryable(apperr.Timeout("op", nil)))
	assert.True(t, apperr.IsRetryable(apperr.Network("op", errors.New("dial"))))
	assert.True(t, apperr.IsRetryable(apperr.RateLimited("op", 0)))
	assert.True(t, apperr.IsRetryable(errors.New("unknown")))

	assert.False(t, apperr.IsRetryable(apperr.Validation("op", nil)))
	assert.False(t, apperr.IsRetryable(apperr.NotFound("op", nil)))
	assert.False(t, apperr.IsRetryable(apperr.Unauthorized("op", nil)))
	assert.False(t, apperr.IsRetryable(nil))
}

func TestFromStatus(t *testing.T) {
	assert.NoError(t, apperr.FromStatus("op", http.StatusOK, ""))

	err := apperr.FromStatus("download", http.StatusForbidden, "token revoked")
	require.Error(t, err)
	assert.True(t, apperr.RequiresReauth(err))
	assert.Equal(t, http.StatusForbidden, apperr.StatusCode(err))

	assert.Equal(t, apperr.CategoryRateLimit, apperr.Classify(apperr.FromStatus("op", 429, "")))
	assert.Equal(t, apperr.CategoryRetryable, apperr.Classify(apperr.FromStatus("op", 502, "")))
	assert.Equal(t, apperr.CategoryValidation, apperr.Classify(apperr.FromStatus("op", 413, "")))
}

func TestBackoff(t *testing.T) {
	p := apperr.DefaultRetryPolicy()
	generic := errors.New("boom")

	assert.Equal(t, 5*time.Second, p.Backoff(generic, 1))
	assert.Equal(t, 10*time.Second, p.Backoff(generic, 2))
	assert.Equal(t, 20*time.Second, p.Backoff(generic, 3))
	assert.Equal(t, 60*time.Second, p.Backoff(generic, 10))

	assert.Equal(t, 60*time.Second, p.Backoff(apperr.RateLimited("op", 0), 1))
	assert.Equal(t, 90*time.Second, p.Backoff(apperr.RateLimited("op", 90*time.Second), 1))
	assert.Greater(t, p.Backoff(apperr.Timeout("op", nil), 1), p.Backoff(generic, 1))
}

func TestWithTimeout(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		v, err := apperr.WithTimeout(context.Background(), time.Second, "op", func(ctx context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("converts a hang", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)

		_, err := apperr.WithTimeout(context.Background(), 20*time.Millisecond, "embed", func(ctx context.Context) (string, error) {
			<-block
			return "late", nil
		})
		require.Error(t, err)
		assert.Equal(t, apperr.CategoryTimeout, apperr.Classify(err))
	})

	t.Run("keeps inner errors", func(t *testing.T) {
		_, err := apperr.WithTimeout(context.Background(), time.Second, "op", func(ctx context.Context) (int, error) {
			return 0, apperr.NotFound("op", nil)
		})
		assert.Equal(t, apperr.CategoryNotFound, apperr.Classify(err))
	})
}
