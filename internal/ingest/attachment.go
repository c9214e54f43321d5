// Package ingest adapts the channels documents arrive through (mailboxes, chat apps,
// e-invoice networks, manual upload) into stored files with a queued
// process-attachment job.
package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Attachment is a received file that has not been stored yet.
type Attachment struct {
	TeamID         uuid.UUID
	Data           []byte
	Mimetype       string
	Filename       string
	ReferenceID    string
	SenderEmail    *string
	Website        *string
	InboxAccountID *uuid.UUID
	SourceMetadata map[string]any
}

// ObjectWriter stores attachment bytes.
type ObjectWriter interface {
	Put(ctx context.Context, key []string, data []byte, contentType string) error
}

// Uploader stores attachments and queues their processing.
type Uploader struct {
	objects  ObjectWriter
	enqueuer jobs.Enqueuer
	logger   *zap.Logger
	newID    func() string
}

func NewUploader(objects ObjectWriter, enqueuer jobs.Enqueuer, logger *zap.Logger) *Uploader {
	return &Uploader{
		objects:  objects,
		enqueuer: enqueuer,
		logger:   logger,
		newID:    func() string { return uuid.NewString()[:8] },
	}
}

// Upload writes the file under <team>/inbox/<id>_<name> and triggers
// process-attachment for it.
func (u *Uploader) Upload(ctx context.Context, a *Attachment) (*models.Job, error) {
	if len(a.Data) == 0 {
		return nil, apperr.Validationf("upload attachment", "empty file %q", a.Filename)
	}

	contentType := DetectMimetype(a.Data, a.Mimetype)
	name := WithExtension(SanitizeFileName(a.Filename), contentType)
	key := []string{a.TeamID.String(), "inbox", u.newID() + "_" + name}

	if err := u.objects.Put(ctx, key, a.Data, contentType); err != nil {
		return nil, err
	}

	payload := dto.ProcessAttachmentPayload{
		TeamID:         a.TeamID,
		Mimetype:       contentType,
		Size:           int64(len(a.Data)),
		FilePath:       key,
		Website:        a.Website,
		SenderEmail:    a.SenderEmail,
		InboxAccountID: a.InboxAccountID,
	}
	if a.ReferenceID != "" {
		ref := a.ReferenceID
		payload.ReferenceID = &ref
	}
	if len(a.SourceMetadata) > 0 {
		raw, err := json.Marshal(a.SourceMetadata)
		if err != nil {
			return nil, apperr.Validation("upload attachment", err)
		}
		payload.SourceMetadata = raw
	}

	job, err := u.enqueuer.Trigger(ctx, dto.JobProcessAttachment, payload)
	if err != nil {
		return nil, err
	}

	u.logger.Info("Attachment queued",
		zap.String("team_id", a.TeamID.String()),
		zap.String("file_path", strings.Join(key, "/")),
		zap.String("reference_id", a.ReferenceID),
		zap.String("job_id", job.ID.String()),
	)
	return job, nil
}

// UploadResult reports one attachment of a batch upload.
type UploadResult struct {
	Attachment *Attachment
	Job        *models.Job
	Err        error
}

// UploadAll uploads attachments in sequential batches of batchSize; items within a
// batch run concurrently and fail independently.
func (u *Uploader) UploadAll(ctx context.Context, attachments []*Attachment, batchSize int) []UploadResult {
	if batchSize < 1 {
		batchSize = 1
	}
	results := make([]UploadResult, len(attachments))

	for start := 0; start < len(attachments); start += batchSize {
		end := min(start+batchSize, len(attachments))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				job, err := u.Upload(ctx, attachments[i])
				results[i] = UploadResult{Attachment: attachments[i], Job: job, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// DetectMimetype trusts the declared type unless it is missing or generic.
func DetectMimetype(data []byte, declared string) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if declared != "" && declared != "application/octet-stream" {
		return strings.ToLower(declared)
	}
	detected := mimetype.Detect(data).String()
	return strings.SplitN(detected, ";", 2)[0]
}

// WithExtension appends the extension of contentType when name has none.
func WithExtension(name, contentType string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	if m := mimetype.Lookup(contentType); m != nil {
		return name + m.Extension()
	}
	return name
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

const maxFileBase = 100

// SanitizeFileName makes a name safe as a single storage key segment.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if ext == "." {
		ext = ""
	}
	base = strings.Trim(unsafeFileChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "file"
	}
	if len(base) > maxFileBase {
		n := maxFileBase
		for n > 0 && !utf8.RuneStart(base[n]) {
			n--
		}
		base = base[:n]
	}
	return base + unsafeFileChars.ReplaceAllString(ext, "")
}
