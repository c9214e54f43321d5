package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

// Filter reasons reported in sync results.
const (
	FilterAlreadyProcessed = "already_processed"
	FilterTooLarge         = "too_large"
	FilterBlockedDomain    = "blocked_domain"
	FilterBlockedEmail     = "blocked_email"
)

const (
	syncStageDiscovering = "discovering"
	syncStageExtracting  = "extracting"
	syncStageComplete    = "complete"
)

type SyncConfig struct {
	MaxAttachment int64
	UploadBatch   int
}

// SyncProcessor pulls new attachments from a connected mailbox into the inbox.
type SyncProcessor struct {
	jobs.Always[dto.SyncSchedulerPayload]

	accounts  AccountStore
	inbox     InboxStore
	blocklist BlocklistStore
	provider  MailboxProvider
	uploader  AttachmentUploader
	notifier  Notifier
	cfg       SyncConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewSyncProcessor(
	accounts AccountStore,
	inbox InboxStore,
	blocklist BlocklistStore,
	provider MailboxProvider,
	uploader AttachmentUploader,
	notifier Notifier,
	cfg SyncConfig,
	logger *zap.Logger,
) *SyncProcessor {
	if cfg.MaxAttachment <= 0 {
		cfg.MaxAttachment = 10 * 1024 * 1024
	}
	if cfg.UploadBatch <= 0 {
		cfg.UploadBatch = 5
	}
	return &SyncProcessor{
		accounts:  accounts,
		inbox:     inbox,
		blocklist: blocklist,
		provider:  provider,
		uploader:  uploader,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *SyncProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.SyncSchedulerPayload) (any, error) {
	log := run.Logger().With(zap.String("account_id", payload.ID.String()), zap.Bool("manual_sync", payload.ManualSync))

	account, err := p.accounts.GetByID(ctx, payload.ID)
	if err != nil {
		return nil, err
	}
	if account.Status == models.AccountStatusDisconnected && !payload.ManualSync {
		log.Info("Account disconnected, skipping scheduled sync")
		return &dto.SyncResult{AccountID: account.ID, Skipped: true}, nil
	}

	result, err := p.sync(ctx, run, account, payload.ManualSync, log)
	if err == nil {
		return result, nil
	}

	if apperr.RequiresReauth(err) {
		msg := authFailureMessage(err)
		if markErr := p.accounts.MarkDisconnected(ctx, account.ID, msg); markErr != nil {
			log.Error("Failed to mark account disconnected", zap.Error(markErr))
		}
		log.Warn("Inbox account disconnected", zap.String("reason", msg))
		return nil, err
	}

	// transient failures leave the connection status alone
	log.Error("Inbox sync failed", zap.String("category", string(apperr.Classify(err))), zap.Error(err))
	return nil, err
}

func (p *SyncProcessor) sync(ctx context.Context, run *jobs.Run, account *models.InboxAccount, manual bool, log *zap.Logger) (*dto.SyncResult, error) {
	run.UpdateProgress(ctx, dto.SyncProgress{Stage: syncStageDiscovering})

	mb, err := p.provider.Open(ctx, account)
	if err != nil {
		return nil, err
	}

	var since *time.Time
	if !manual {
		since = account.LastAccessed
	}
	refs, err := mb.List(ctx, since)
	if err != nil {
		return nil, err
	}
	log.Info("Fetched attachments from provider", zap.Int("total_found", len(refs)))

	survivors, filtered, err := p.filter(ctx, account.TeamID, refs, log)
	if err != nil {
		return nil, err
	}

	result := &dto.SyncResult{AccountID: account.ID, Discovered: len(refs), Filtered: filtered}
	run.UpdateProgress(ctx, dto.SyncProgress{Stage: syncStageExtracting, Discovered: len(refs)})

	for start := 0; start < len(survivors); start += p.cfg.UploadBatch {
		batch := survivors[start:min(start+p.cfg.UploadBatch, len(survivors))]

		attachments := make([]*ingest.Attachment, 0, len(batch))
		for _, ref := range batch {
			a, err := mb.Download(ctx, ref)
			if err != nil {
				if isSessionError(err) {
					return nil, err
				}
				result.Failed++
				log.Warn("Failed to download attachment", zap.String("reference_id", ref.ReferenceID()), zap.Error(err))
				continue
			}
			attachments = append(attachments, a)
		}

		for _, r := range p.uploader.UploadAll(ctx, attachments, p.cfg.UploadBatch) {
			if r.Err != nil {
				result.Failed++
				log.Warn("Failed to upload attachment", zap.String("reference_id", r.Attachment.ReferenceID), zap.Error(r.Err))
				continue
			}
			result.Uploaded++
		}
		run.UpdateProgress(ctx, dto.SyncProgress{Stage: syncStageExtracting, Discovered: len(refs), Uploaded: result.Uploaded})
	}

	if result.Uploaded > 0 {
		err := p.notifier.Notify(ctx, Notification{
			Kind:   NotificationInboxNew,
			TeamID: account.TeamID,
			Data: map[string]any{
				"totalCount": result.Uploaded,
				"inboxType":  "sync",
				"provider":   string(account.Provider),
			},
		})
		if err != nil {
			log.Warn("Failed to send inbox notification", zap.Error(err))
		}
	}

	p.saveToken(ctx, account, mb, log)

	if err := p.accounts.MarkSynced(ctx, account.ID, p.now()); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	run.UpdateProgress(ctx, dto.SyncProgress{Stage: syncStageComplete, Discovered: len(refs), Uploaded: result.Uploaded})
	log.Info("Inbox sync completed",
		zap.Int("discovered", result.Discovered),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// filter drops attachments that were already ingested, are too large or come from a
// blocked sender.
func (p *SyncProcessor) filter(ctx context.Context, teamID uuid.UUID, refs []*ingest.AttachmentRef, log *zap.Logger) ([]*ingest.AttachmentRef, map[string]int, error) {
	counts := map[string]int{
		FilterAlreadyProcessed: 0,
		FilterTooLarge:         0,
		FilterBlockedDomain:    0,
		FilterBlockedEmail:     0,
	}
	if len(refs) == 0 {
		return nil, counts, nil
	}

	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ReferenceID()
	}
	existing, err := p.inbox.ExistingReferenceIDs(ctx, teamID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load processed attachments: %w", err)
	}

	entries, err := p.blocklist.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load blocklist: %w", err)
	}
	domains := make(map[string]bool)
	emails := make(map[string]bool)
	for _, e := range entries {
		switch e.Type {
		case models.BlocklistTypeDomain:
			domains[strings.ToLower(e.Value)] = true
		case models.BlocklistTypeEmail:
			emails[strings.ToLower(e.Value)] = true
		}
	}

	var out []*ingest.AttachmentRef
	for _, r := range refs {
		switch {
		case existing[r.ReferenceID()]:
			counts[FilterAlreadyProcessed]++
		case r.Size > p.cfg.MaxAttachment:
			counts[FilterTooLarge]++
			log.Warn("Attachment exceeds size limit", zap.String("filename", r.Filename), zap.Int64("size", r.Size))
		case domains[strings.ToLower(r.SenderDomain())]:
			counts[FilterBlockedDomain]++
		case emails[strings.ToLower(r.SenderEmail)]:
			counts[FilterBlockedEmail]++
		default:
			out = append(out, r)
		}
	}

	log.Info("Attachment filtering summary",
		zap.Int("total_found", len(refs)),
		zap.Int("after_filtering", len(out)),
		zap.Int("already_processed", counts[FilterAlreadyProcessed]),
		zap.Int("too_large", counts[FilterTooLarge]),
		zap.Int("blocked_domain", counts[FilterBlockedDomain]),
		zap.Int("blocked_email", counts[FilterBlockedEmail]),
		zap.Int("blocklist_entries", len(entries)),
	)
	return out, counts, nil
}

func (p *SyncProcessor) saveToken(ctx context.Context, account *models.InboxAccount, mb ingest.Mailbox, log *zap.Logger) {
	tok, err := mb.Token()
	if err != nil || tok == nil || tok.AccessToken == account.AccessToken {
		return
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = account.RefreshToken
	}
	if err := p.accounts.UpdateTokens(ctx, account.ID, tok.AccessToken, refresh, tok.Expiry); err != nil {
		log.Warn("Failed to persist refreshed token", zap.Error(err))
	}
}

// isSessionError reports failures that will hit every remaining download too.
func isSessionError(err error) bool {
	switch apperr.Classify(err) {
	case apperr.CategoryUnauthorized, apperr.CategoryRateLimit:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// authFailureMessage formats the error shown to the user until they reconnect.
func authFailureMessage(err error) string {
	code := apperr.StatusCode(err)
	msg := err.Error()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		msg = gerr.Message
	}
	return fmt.Sprintf("Authentication failed (%d): %s", code, msg)
}
