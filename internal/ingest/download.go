package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inbox-pipeline/internal/apperr"

	"go.uber.org/zap"
)

// MaxChannelFileSize caps files pulled from messaging channels.
const MaxChannelFileSize = 20 * 1024 * 1024

// Downloader fetches channel files under a shared rate limit and the file transfer
// timeout.
type Downloader struct {
	client  *http.Client
	limiter *RateLimiter
	maxSize int64
	logger  *zap.Logger
}

func NewDownloader(client *http.Client, perSecond float64, maxSize int64, logger *zap.Logger) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	if maxSize <= 0 {
		maxSize = MaxChannelFileSize
	}
	return &Downloader{
		client:  client,
		limiter: NewRateLimiter(perSecond, int(perSecond)+1),
		maxSize: maxSize,
		logger:  logger,
	}
}

type download struct {
	data        []byte
	contentType string
}

const maxJSONResponse = 1 << 20

// get performs an authenticated GET and returns the body.
func (d *Downloader) get(ctx context.Context, op, url, bearer string) (*download, error) {
	return d.fetch(ctx, op, url, bearer, d.maxSize)
}

func (d *Downloader) fetch(ctx context.Context, op, url, bearer string, limit int64) (*download, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return apperr.WithTimeout(ctx, apperr.TimeoutFileTransfer, op, func(ctx context.Context) (*download, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, apperr.Validation(op, err)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, apperr.Network(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			d.limiter.Backoff(wait)
			return nil, apperr.RateLimited(op, wait)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, apperr.FromStatus(op, resp.StatusCode, string(body))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, apperr.Network(op, err)
		}
		if int64(len(data)) > limit {
			return nil, apperr.Validationf(op, "file exceeds %d bytes", limit)
		}
		if len(data) == 0 {
			return nil, apperr.Validationf(op, "empty file")
		}

		d.logger.Debug("Downloaded channel file", zap.String("op", op), zap.Int("bytes", len(data)))
		return &download{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
}

// getJSON is get followed by decoding into out.
func (d *Downloader) getJSON(ctx context.Context, op, url, bearer string, out any) error {
	res, err := d.fetch(ctx, op, url, bearer, maxJSONResponse)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.data, out); err != nil {
		return apperr.Validation(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
