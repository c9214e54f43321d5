package service

import (
	"context"
	"time"

	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
)

// InboxStore is the inbox row storage used by the processors. Status writes are
// conditional on the current status so concurrent jobs cannot regress an item.
type InboxStore interface {
	GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.InboxItem, error)
	GetByFilePath(ctx context.Context, teamID uuid.UUID, filePath []string) (*models.InboxItem, error)
	CreateOrGet(ctx context.Context, item *models.InboxItem) (*models.InboxItem, bool, error)
	UpdateFile(ctx context.Context, id uuid.UUID, contentType string, size int64) error
	TransitionStatus(ctx context.Context, id uuid.UUID, to models.InboxStatus, from ...models.InboxStatus) (bool, error)
	SetPending(ctx context.Context, id uuid.UUID) error
	UpdateExtraction(ctx context.Context, id uuid.UUID, ext *models.InboxExtraction) error
	GroupByInvoiceNumber(ctx context.Context, item *models.InboxItem) (*uuid.UUID, error)
	UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error
	ExistingReferenceIDs(ctx context.Context, teamID uuid.UUID, refs []string) (map[string]bool, error)
	ListMatchable(ctx context.Context, q models.MatchableQuery) ([]*models.InboxItem, error)
	MarkNoMatchOlderThan(ctx context.Context, cutoff time.Time) (map[uuid.UUID]int, error)
}

type EmbeddingStore interface {
	Exists(ctx context.Context, inboxID uuid.UUID) (bool, error)
	Create(ctx context.Context, e *models.InboxEmbedding) error
}

type TransactionStore interface {
	GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Transaction, error)
	ListCandidates(ctx context.Context, q models.CandidateQuery) ([]*models.Transaction, error)
	// LinkMatch writes both sides of a match or returns apperr.ErrAlreadyMatched when
	// either side was linked concurrently.
	LinkMatch(ctx context.Context, teamID, inboxID, transactionID uuid.UUID) error
}

type TeamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.InboxAccount, error)
	ListConnected(ctx context.Context) ([]*models.InboxAccount, error)
	SetScheduleID(ctx context.Context, id uuid.UUID, scheduleID string) error
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkDisconnected(ctx context.Context, id uuid.UUID, message string) error
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry time.Time) error
}

// MailboxProvider opens an authenticated session on a connected account.
type MailboxProvider interface {
	Open(ctx context.Context, account *models.InboxAccount) (ingest.Mailbox, error)
}

type AttachmentUploader interface {
	UploadAll(ctx context.Context, attachments []*ingest.Attachment, batchSize int) []ingest.UploadResult
}

// Scheduler registers repeatable jobs.
type Scheduler interface {
	Upsert(scheduleID, spec, jobName string, payload any) error
}

type BlocklistStore interface {
	ListByTeam(ctx context.Context, teamID uuid.UUID) ([]*models.BlocklistEntry, error)
}

// ObjectStore holds attachment bytes under slash-joined keys.
type ObjectStore interface {
	Put(ctx context.Context, key []string, data []byte, contentType string) error
	Get(ctx context.Context, key []string) ([]byte, error)
	Delete(ctx context.Context, key []string) error
	SignedURL(key []string, ttl time.Duration) (string, error)
}

type ExtractRequest struct {
	URL         string
	Mimetype    string
	CompanyName string
}

// ExtractResult is the structured output of document extraction. Optional fields are
// nil when the document did not carry them.
type ExtractResult struct {
	DocumentType  models.DocumentType `json:"documentType"`
	Amount        *float64            `json:"amount,omitempty"`
	Currency      *string             `json:"currency,omitempty"`
	Date          *string             `json:"date,omitempty"`
	VendorName    *string             `json:"vendorName,omitempty"`
	InvoiceNumber *string             `json:"invoiceNumber,omitempty"`
	TaxAmount     *float64            `json:"taxAmount,omitempty"`
	TaxRate       *float64            `json:"taxRate,omitempty"`
	TaxType       *string             `json:"taxType,omitempty"`
	Website       *string             `json:"website,omitempty"`
	Title         *string             `json:"title,omitempty"`
	Summary       *string             `json:"summary,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	Content       *string             `json:"content,omitempty"`
	Language      *string             `json:"language,omitempty"`
}

type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
	Classify(ctx context.Context, content string) ([]string, error)
}

type EmbedResult struct {
	Vector []float32
	Model  string
}

type Embedder interface {
	Embed(ctx context.Context, text string) (*EmbedResult, error)
}

type NotificationKind string

const (
	NotificationInboxNew         NotificationKind = "inbox_new"
	NotificationInboxAutoMatched NotificationKind = "inbox_auto_matched"
	NotificationInboxNeedsReview NotificationKind = "inbox_needs_review"
)

type Notification struct {
	Kind   NotificationKind `json:"type"`
	TeamID uuid.UUID        `json:"teamId"`
	Data   map[string]any   `json:"data"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
