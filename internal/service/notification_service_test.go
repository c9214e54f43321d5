package service

import (
	"context"
	"testing"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/pkg/config"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifier(t *testing.T) {
	defer gock.Off()

	n := NewWebhookNotifier(&config.NotificationsConfig{
		WebhookURL: "http://notify.test/hooks/inbox",
		Secret:     "s3cret",
	}, zap.NewNop())
	gock.InterceptClient(n.client)

	teamID := uuid.New()
	gock.New("http://notify.test").
		Post("/hooks/inbox").
		HeaderPresent(SignatureHeader).
		BodyString(`"type":"inbox_auto_matched"`).
		Reply(204)

	err := n.Notify(context.Background(), Notification{
		Kind:   NotificationInboxAutoMatched,
		TeamID: teamID,
		Data:   map[string]any{"inboxId": "x"},
	})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())

	gock.New("http://notify.test").Post("/hooks/inbox").Reply(502)
	err = n.Notify(context.Background(), Notification{Kind: NotificationInboxNew, TeamID: teamID})
	assert.True(t, apperr.IsRetryable(err))
}

func TestWebhookNotifierWithoutURLOnlyLogs(t *testing.T) {
	n := NewWebhookNotifier(&config.NotificationsConfig{}, zap.NewNop())
	assert.NoError(t, n.Notify(context.Background(), Notification{Kind: NotificationInboxNew}))
}

func TestSignBody(t *testing.T) {
	a, err := SignBody([]byte("k"), []byte("body"))
	require.NoError(t, err)
	b, err := SignBody([]byte("k"), []byte("body!"))
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
