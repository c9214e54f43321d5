package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// decoders for formats the extraction model does not accept
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// legacyImageTypes are re-encoded to PNG before extraction.
var legacyImageTypes = map[string]bool{
	"image/bmp":      true,
	"image/x-ms-bmp": true,
	"image/tiff":     true,
	"image/webp":     true,
}

type AttachmentConfig struct {
	URLTTL    time.Duration
	EmbedWait time.Duration
}

// AttachmentProcessor turns a stored file into an extracted, embedded inbox item and
// hands it to matching.
type AttachmentProcessor struct {
	jobs.Always[dto.ProcessAttachmentPayload]

	inbox     InboxStore
	teams     TeamStore
	objects   ObjectStore
	extractor Extractor
	enqueuer  jobs.Enqueuer
	cfg       AttachmentConfig
	logger    *zap.Logger
}

func NewAttachmentProcessor(
	inbox InboxStore,
	teams TeamStore,
	objects ObjectStore,
	extractor Extractor,
	enqueuer jobs.Enqueuer,
	cfg AttachmentConfig,
	logger *zap.Logger,
) *AttachmentProcessor {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	if cfg.EmbedWait <= 0 {
		cfg.EmbedWait = 60 * time.Second
	}
	return &AttachmentProcessor{
		inbox:     inbox,
		teams:     teams,
		objects:   objects,
		extractor: extractor,
		enqueuer:  enqueuer,
		cfg:       cfg,
		logger:    logger,
	}
}

func (p *AttachmentProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.ProcessAttachmentPayload) (any, error) {
	if payload.FileName() == "" {
		return nil, apperr.Validationf("process attachment", "empty file name")
	}
	if payload.Size <= 0 {
		return nil, apperr.Validationf("process attachment", "non-positive size %d", payload.Size)
	}

	log := run.Logger().With(zap.String("team_id", payload.TeamID.String()), zap.Strings("file_path", payload.FilePath))

	item, resume, err := p.claim(ctx, run, payload)
	if err != nil {
		return nil, err
	}
	if item == nil {
		log.Info("Duplicate attachment, skipping")
		return &dto.ProcessAttachmentResult{Duplicate: true}, nil
	}

	var status models.InboxStatus
	if resume {
		log.Info("Resuming at embedding", zap.String("inbox_id", item.ID.String()))
		status, err = models.InboxStatusPending, p.handOff(ctx, item, nil, log)
	} else {
		status, err = p.pipeline(ctx, item, payload, log)
	}
	if err != nil {
		// timeouts are retried as-is unless no attempt is left
		if apperr.Classify(err) != apperr.CategoryTimeout || run.Job.FinalAttempt() {
			p.reset(ctx, item.ID, log)
		}
		log.Error("Attachment processing failed", zap.String("inbox_id", item.ID.String()), zap.Error(err))
		return nil, err
	}

	return &dto.ProcessAttachmentResult{InboxID: item.ID, Status: string(status)}, nil
}

// reset hands the item back as pending even when ctx was cancelled by shutdown.
func (p *AttachmentProcessor) reset(ctx context.Context, id uuid.UUID, log *zap.Logger) {
	settleCtx, cancel := jobs.SettleContext(ctx)
	defer cancel()
	if err := p.inbox.SetPending(settleCtx, id); err != nil {
		log.Error("Failed to reset inbox status", zap.Error(err))
	}
}

func (p *AttachmentProcessor) discard(ctx context.Context, key []string) {
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logger.Warn("Failed to delete duplicate upload", zap.Strings("file_path", key), zap.Error(err))
	}
}

// claim returns the item this job owns, moved to processing, or nil when another
// job already owns the file. resume is set when an earlier attempt of this job got as
// far as embedding and only the hand-off is left.
func (p *AttachmentProcessor) claim(ctx context.Context, run *jobs.Run, payload *dto.ProcessAttachmentPayload) (item *models.InboxItem, resume bool, err error) {
	item, err = p.inbox.GetByFilePath(ctx, payload.TeamID, payload.FilePath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up inbox item: %w", err)
	}

	if item == nil {
		created, isNew, err := p.inbox.CreateOrGet(ctx, &models.InboxItem{
			TeamID:         payload.TeamID,
			ReferenceID:    payload.ReferenceID,
			FilePath:       payload.FilePath,
			FileName:       payload.FileName(),
			ContentType:    payload.Mimetype,
			Size:           payload.Size,
			Website:        payload.Website,
			SenderEmail:    payload.SenderEmail,
			InboxAccountID: payload.InboxAccountID,
			SourceMetadata: payload.SourceMetadata,
			Status:         models.InboxStatusProcessing,
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to create inbox item: %w", err)
		}
		if isNew {
			return created, false, nil
		}
		if created.FilePathString() != strings.Join(payload.FilePath, "/") {
			// a redelivery of a reference stored under another key; its copy is never read
			p.discard(ctx, payload.FilePath)
			return nil, false, nil
		}
		item = created
	}

	retrying := run.Job.Attempt > 1 && item.TransactionID == nil
	if retrying && item.Status == models.InboxStatusAnalyzing {
		return item, true, nil
	}

	// a retry of this job may take back an item its failed attempt reset to pending
	if !item.Status.Claimable() && !(retrying && item.Status == models.InboxStatusPending) {
		return nil, false, nil
	}

	ok, err := p.inbox.TransitionStatus(ctx, item.ID, models.InboxStatusProcessing,
		models.InboxStatusNew, models.InboxStatusProcessing, models.InboxStatusPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim inbox item: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	item.Status = models.InboxStatusProcessing
	return item, false, nil
}

func (p *AttachmentProcessor) pipeline(ctx context.Context, item *models.InboxItem, payload *dto.ProcessAttachmentPayload, log *zap.Logger) (models.InboxStatus, error) {
	contentType, err := p.normalize(ctx, item, payload)
	if err != nil {
		return "", err
	}

	var (
		signedURL   string
		companyName string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		signedURL, err = p.objects.SignedURL(item.FilePath, p.cfg.URLTTL)
		return err
	})
	g.Go(func() error {
		team, err := p.teams.GetByID(gctx, item.TeamID)
		if err != nil {
			// the hint is optional
			log.Warn("Failed to load team for extraction hint", zap.Error(err))
			return nil
		}
		companyName = team.Name
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to prepare extraction: %w", err)
	}

	result, err := apperr.WithTimeout(ctx, apperr.TimeoutDocumentProcessing, "extract document",
		func(ctx context.Context) (*ExtractResult, error) {
			return p.extractor.Extract(ctx, ExtractRequest{URL: signedURL, Mimetype: contentType, CompanyName: companyName})
		})
	if err != nil {
		return "", err
	}

	ext := extractionFromResult(result, item.FileName)
	if err := p.inbox.UpdateExtraction(ctx, item.ID, ext); err != nil {
		return "", fmt.Errorf("failed to store extraction: %w", err)
	}

	if result.DocumentType == models.DocumentTypeOther {
		if _, err := p.inbox.TransitionStatus(ctx, item.ID, models.InboxStatusOther,
			models.InboxStatusProcessing, models.InboxStatusAnalyzing); err != nil {
			return "", fmt.Errorf("failed to mark item as other: %w", err)
		}
		log.Info("Document is not financial", zap.String("inbox_id", item.ID.String()))
		return models.InboxStatusOther, nil
	}

	item.InvoiceNumber = ext.InvoiceNumber
	if groupID, err := p.inbox.GroupByInvoiceNumber(ctx, item); err != nil {
		log.Warn("Failed to group inbox item", zap.Error(err))
	} else if groupID != nil {
		log.Debug("Inbox item grouped", zap.String("group_id", groupID.String()))
	}

	if err := p.handOff(ctx, item, result.Content, log); err != nil {
		return "", err
	}
	return models.InboxStatusPending, nil
}

// handOff waits for the item's embedding, then queues matching and classification.
// The embedding job is keyed per item, so a retry joins one that is still running.
func (p *AttachmentProcessor) handOff(ctx context.Context, item *models.InboxItem, content *string, log *zap.Logger) error {
	if _, err := p.enqueuer.TriggerAndWait(ctx, dto.JobEmbedInbox,
		dto.EmbedInboxPayload{InboxID: item.ID, TeamID: item.TeamID}, p.cfg.EmbedWait,
		jobs.WithIdempotencyKey(EmbedJobKey(item.ID)),
	); err != nil {
		return fmt.Errorf("embedding did not finish: %w", err)
	}

	if _, err := p.enqueuer.Trigger(ctx, dto.JobBatchProcessMatching,
		dto.BatchProcessMatchingPayload{TeamID: item.TeamID, InboxIDs: []uuid.UUID{item.ID}}); err != nil {
		log.Warn("Failed to enqueue matching", zap.Error(err))
	}

	if content != nil && *content != "" {
		if _, err := p.enqueuer.Trigger(ctx, dto.JobClassifyDocument, dto.ClassifyDocumentPayload{
			InboxID: item.ID,
			TeamID:  item.TeamID,
			Content: truncate(*content, maxPromptText),
		}); err != nil {
			log.Warn("Failed to enqueue classification", zap.Error(err))
		}
	}
	return nil
}

// EmbedJobKey is the idempotency key of an item's embed-inbox job.
func EmbedJobKey(inboxID uuid.UUID) string {
	return dto.JobEmbedInbox + ":" + inboxID.String()
}

// normalize sniffs the stored bytes and re-encodes legacy image formats to PNG,
// recording the new content type right away. It returns the type to extract with.
func (p *AttachmentProcessor) normalize(ctx context.Context, item *models.InboxItem, payload *dto.ProcessAttachmentPayload) (string, error) {
	declared := payload.Mimetype
	if !legacyImageTypes[declared] && declared != "application/octet-stream" {
		return declared, nil
	}

	data, err := p.objects.Get(ctx, item.FilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}

	detected := mimetype.Detect(data)
	contentType := detected.String()
	if legacyImageTypes[contentType] {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return "", apperr.Validation("normalize image", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("failed to encode image: %w", err)
		}
		if err := p.objects.Put(ctx, item.FilePath, buf.Bytes(), "image/png"); err != nil {
			return "", fmt.Errorf("failed to store normalized image: %w", err)
		}
		data = buf.Bytes()
		contentType = "image/png"
	}

	if contentType != item.ContentType {
		if err := p.inbox.UpdateFile(ctx, item.ID, contentType, int64(len(data))); err != nil {
			return "", fmt.Errorf("failed to update content type: %w", err)
		}
		item.ContentType = contentType
	}
	return contentType, nil
}

func extractionFromResult(r *ExtractResult, fileName string) *models.InboxExtraction {
	ext := &models.InboxExtraction{
		Amount:        r.Amount,
		Currency:      r.Currency,
		InvoiceNumber: r.InvoiceNumber,
		TaxAmount:     r.TaxAmount,
		TaxRate:       r.TaxRate,
		TaxType:       r.TaxType,
		Type:          r.DocumentType,
		Website:       r.Website,
		Description:   r.Summary,
		Tags:          r.Tags,
	}
	switch {
	case r.VendorName != nil && *r.VendorName != "":
		ext.DisplayName = r.VendorName
	case r.Title != nil && *r.Title != "":
		ext.DisplayName = r.Title
	default:
		ext.DisplayName = ptr(fileName)
	}
	if r.Date != nil {
		if d, err := time.Parse("2006-01-02", *r.Date); err == nil {
			ext.Date = &d
		}
	}
	return ext
}

