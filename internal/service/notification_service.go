package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/pkg/config"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// SignatureHeader carries the hex keyed BLAKE2b-256 of the request body.
const SignatureHeader = "X-Inbox-Signature"

var _ Notifier = (*WebhookNotifier)(nil)

// WebhookNotifier forwards notifications to the service that renders and delivers
// them. With no URL configured it only logs.
type WebhookNotifier struct {
	client *http.Client
	url    string
	secret []byte
	logger *zap.Logger
}

func NewWebhookNotifier(cfg *config.NotificationsConfig, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: apperr.TimeoutExternalAPI},
		url:    cfg.WebhookURL,
		secret: []byte(cfg.Secret),
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.url == "" {
		n.logger.Info("Notification",
			zap.String("type", string(notification.Kind)),
			zap.String("team_id", notification.TeamID.String()),
			zap.Any("data", notification.Data),
		)
		return nil
	}

	body, err := json.Marshal(struct {
		Notification
		SentAt time.Time `json:"sentAt"`
	}{notification, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		sig, err := SignBody(n.secret, body)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Network("notify", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return apperr.FromStatus("notify", resp.StatusCode, string(respBody))
}

// SignBody returns the hex keyed BLAKE2b-256 of body.
func SignBody(secret, body []byte) (string, error) {
	mac, err := blake2b.New256(secret)
	if err != nil {
		return "", fmt.Errorf("notification secret: %w", err)
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
