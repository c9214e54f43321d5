package service

import (
	"context"
	"testing"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type syncFixture struct {
	db       *memDB
	account  *models.InboxAccount
	accounts *memAccounts
	mailbox  *fakeMailbox
	provider *fakeProvider
	enqueuer *fakeEnqueuer
	notifier *recordingNotifier
	proc     *SyncProcessor
}

func newSyncFixture() *syncFixture {
	db := newMemDB()
	last := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	account := &models.InboxAccount{
		ID:           uuid.New(),
		TeamID:       uuid.New(),
		Provider:     models.ProviderGmail,
		Email:        "books@studio.test",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Status:       models.AccountStatusConnected,
		LastAccessed: &last,
	}
	stored := *account
	db.accounts[account.ID] = &stored

	f := &syncFixture{
		db:       db,
		account:  account,
		accounts: newMemAccounts(db),
		mailbox:  &fakeMailbox{teamID: account.TeamID},
		enqueuer: &fakeEnqueuer{},
		notifier: &recordingNotifier{},
	}
	f.provider = &fakeProvider{mailbox: f.mailbox}
	uploader := ingest.NewUploader(memObjects{db}, f.enqueuer, zap.NewNop())
	f.proc = NewSyncProcessor(f.accounts, memInbox{db}, memBlocklist{db}, f.provider, uploader, f.notifier,
		SyncConfig{MaxAttachment: 1000}, zap.NewNop())
	f.proc.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *syncFixture) run(manual bool) (*dto.SyncResult, error) {
	out, err := f.proc.Process(context.Background(), testRun(1, 3), &dto.SyncSchedulerPayload{ID: f.account.ID, ManualSync: manual})
	if err != nil {
		return nil, err
	}
	return out.(*dto.SyncResult), nil
}

func ref(msg, att, sender string, size int64) *ingest.AttachmentRef {
	return &ingest.AttachmentRef{
		MessageID:    msg,
		AttachmentID: att,
		Filename:     msg + ".pdf",
		Mimetype:     "application/pdf",
		Size:         size,
		SenderEmail:  sender,
	}
}

func TestSyncFiltersAndUploads(t *testing.T) {
	f := newSyncFixture()
	f.db.putItem(&models.InboxItem{TeamID: f.account.TeamID, ReferenceID: ptr("m2_a"), Status: models.InboxStatusPending})
	f.db.blocklist = []*models.BlocklistEntry{
		{TeamID: f.account.TeamID, Type: models.BlocklistTypeDomain, Value: "Spam.io"},
		{TeamID: f.account.TeamID, Type: models.BlocklistTypeEmail, Value: "noreply@shop.test"},
		{TeamID: uuid.New(), Type: models.BlocklistTypeDomain, Value: "acme.io"},
	}
	f.mailbox.refs = []*ingest.AttachmentRef{
		ref("m1", "a", "billing@acme.io", 200),
		ref("m2", "a", "billing@acme.io", 200),
		ref("m3", "a", "billing@acme.io", 5000),
		ref("m4", "a", "promo@spam.io", 200),
		ref("m5", "a", "NoReply@shop.test", 200),
		ref("m6", "a", "hello@figma.com", 200),
	}
	f.mailbox.token = &oauth2.Token{AccessToken: "access-2", Expiry: time.Now().Add(time.Hour)}

	res, err := f.run(false)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Discovered)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, map[string]int{
		FilterAlreadyProcessed: 1,
		FilterTooLarge:         1,
		FilterBlockedDomain:    1,
		FilterBlockedEmail:     1,
	}, res.Filtered)

	require.NotNil(t, f.mailbox.since)
	assert.Equal(t, *f.account.LastAccessed, *f.mailbox.since)

	var refs []string
	for _, tr := range f.enqueuer.named(dto.JobProcessAttachment) {
		p := tr.payload.(dto.ProcessAttachmentPayload)
		assert.Equal(t, f.account.TeamID, p.TeamID)
		refs = append(refs, *p.ReferenceID)
	}
	assert.ElementsMatch(t, []string{"m1_a", "m6_a"}, refs)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, NotificationInboxNew, f.notifier.sent[0].Kind)
	assert.Equal(t, 2, f.notifier.sent[0].Data["totalCount"])

	synced := f.db.accounts[f.account.ID]
	assert.Equal(t, f.proc.now(), *synced.LastAccessed)
	assert.Equal(t, "access-2", f.accounts.tokens[f.account.ID])
}

func TestManualSyncIgnoresLastAccessedAndDisconnect(t *testing.T) {
	f := newSyncFixture()
	f.db.accounts[f.account.ID].Status = models.AccountStatusDisconnected

	res, err := f.run(true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, f.mailbox.listed)
	assert.Nil(t, f.mailbox.since)
	assert.Empty(t, f.notifier.sent)
}

func TestScheduledSyncSkipsDisconnectedAccount(t *testing.T) {
	f := newSyncFixture()
	f.db.accounts[f.account.ID].Status = models.AccountStatusDisconnected

	res, err := f.run(false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, f.mailbox.listed)
}

func TestSyncAuthFailureDisconnectsAccount(t *testing.T) {
	f := newSyncFixture()
	f.mailbox.listErr = &googleapi.Error{Code: 401, Message: "Invalid Credentials"}

	_, err := f.run(false)
	require.Error(t, err)
	assert.True(t, apperr.RequiresReauth(err))

	acct := f.db.accounts[f.account.ID]
	assert.Equal(t, models.AccountStatusDisconnected, acct.Status)
	assert.Equal(t, "Authentication failed (401): Invalid Credentials", *acct.ErrorMessage)
}

func TestSyncTransientFailureKeepsConnection(t *testing.T) {
	f := newSyncFixture()
	f.mailbox.listErr = apperr.Network("list messages", assert.AnError)

	_, err := f.run(false)
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, models.AccountStatusConnected, f.db.accounts[f.account.ID].Status)
	assert.Empty(t, f.accounts.disconnected)
	assert.Equal(t, f.account.LastAccessed, f.db.accounts[f.account.ID].LastAccessed)
}

func TestSyncQuotaForbiddenKeepsConnection(t *testing.T) {
	f := newSyncFixture()
	f.mailbox.listErr = &googleapi.Error{
		Code:    403,
		Message: "Quota exceeded for quota metric 'Queries'",
		Errors:  []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	}

	_, err := f.run(false)
	require.Error(t, err)
	assert.False(t, apperr.RequiresReauth(err))
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, models.AccountStatusConnected, f.db.accounts[f.account.ID].Status)
	assert.Empty(t, f.accounts.disconnected)
}

func TestSyncCountsFailedDownloadsAndAbortsOnRateLimit(t *testing.T) {
	f := newSyncFixture()
	f.mailbox.refs = []*ingest.AttachmentRef{
		ref("m1", "a", "a@acme.io", 100),
		ref("m2", "a", "a@acme.io", 100),
	}
	f.mailbox.downloadErr = map[string]error{"m1_a": apperr.NotFound("download", assert.AnError)}

	res, err := f.run(false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Uploaded)

	f = newSyncFixture()
	f.mailbox.refs = []*ingest.AttachmentRef{ref("m1", "a", "a@acme.io", 100)}
	f.mailbox.downloadErr = map[string]error{"m1_a": apperr.RateLimited("download", time.Minute)}

	_, err = f.run(false)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryRateLimit, apperr.Classify(err))
	assert.Equal(t, models.AccountStatusConnected, f.db.accounts[f.account.ID].Status)
}

func TestAuthFailureMessageFallsBackToErrorText(t *testing.T) {
	msg := authFailureMessage(apperr.Unauthorized("refresh token", assert.AnError))
	assert.Equal(t, "Authentication failed (401): refresh token: unauthorized: "+assert.AnError.Error(), msg)
}
