// Package storage keeps attachment bytes on the local filesystem and hands out
// expiring signed URLs for them.
package storage

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"inbox-pipeline/internal/apperr"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var ErrBadSignature = errors.New("bad signature")

type Fs struct {
	dir       string
	publicURL string
	key       []byte
	now       func() time.Time
	logger    *zap.Logger
}

func New(dir, publicURL, signingKey string, logger *zap.Logger) (*Fs, error) {
	if len(signingKey) == 0 || len(signingKey) > blake2b.Size {
		return nil, fmt.Errorf("signing key must be 1..%d bytes", blake2b.Size)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create storage directory: %w", err)
	}
	return &Fs{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		key:       []byte(signingKey),
		now:       time.Now,
		logger:    logger,
	}, nil
}

func (fs *Fs) path(key []string) (string, error) {
	if len(key) == 0 {
		return "", apperr.Validationf("storage path", "empty key")
	}
	for _, seg := range key {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return "", apperr.Validationf("storage path", "invalid key segment %q", seg)
		}
	}
	return filepath.Join(append([]string{fs.dir}, key...)...), nil
}

func (fs *Fs) Put(_ context.Context, key []string, data []byte, _ string) error {
	p, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// write-then-rename so readers never see a partial file
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to move file: %w", err)
	}
	fs.logger.Debug("Stored object", zap.String("key", strings.Join(key, "/")), zap.Int("size", len(data)))
	return nil
}

func (fs *Fs) Get(_ context.Context, key []string) ([]byte, error) {
	p, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("storage get", fmt.Errorf("%s: %w", strings.Join(key, "/"), apperr.ErrNotFound))
	}
	return data, err
}

// Delete removes the object at key. A missing object is not an error.
func (fs *Fs) Delete(_ context.Context, key []string) error {
	p, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	fs.logger.Debug("Deleted object", zap.String("key", strings.Join(key, "/")))
	return nil
}

// SignedURL returns a link valid for ttl that VerifyURL accepts.
func (fs *Fs) SignedURL(key []string, ttl time.Duration) (string, error) {
	if _, err := fs.path(key); err != nil {
		return "", err
	}
	expires := fs.now().Add(ttl).Unix()
	escaped := make([]string, len(key))
	for i, seg := range key {
		escaped[i] = url.PathEscape(seg)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", fs.sign(strings.Join(key, "/"), expires))
	return fs.publicURL + "/" + strings.Join(escaped, "/") + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL for the slash-joined key.
func (fs *Fs) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if fs.now().Unix() > exp {
		return fmt.Errorf("%w: expired", ErrBadSignature)
	}
	want, _ := hex.DecodeString(fs.sign(key, exp))
	got, err := hex.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrBadSignature
	}
	return nil
}

func (fs *Fs) sign(key string, expires int64) string {
	mac, _ := blake2b.New256(fs.key)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
