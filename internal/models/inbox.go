package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type InboxStatus string

const (
	InboxStatusNew        InboxStatus = "new"
	InboxStatusProcessing InboxStatus = "processing"
	InboxStatusAnalyzing  InboxStatus = "analyzing"
	InboxStatusPending    InboxStatus = "pending"
	InboxStatusNoMatch    InboxStatus = "no_match"
	InboxStatusOther      InboxStatus = "other"
)

// IsTransient reports whether the status may only be held while a job owns the item.
func (s InboxStatus) IsTransient() bool {
	return s == InboxStatusProcessing || s == InboxStatusAnalyzing
}

// Claimable statuses can still be taken over by the attachment processor.
func (s InboxStatus) Claimable() bool {
	return s == InboxStatusNew || s == InboxStatusProcessing
}

type DocumentType string

const (
	DocumentTypeInvoice DocumentType = "invoice"
	DocumentTypeExpense DocumentType = "expense"
	DocumentTypeOther   DocumentType = "other"
)

type InboxItem struct {
	ID             uuid.UUID       `db:"id"`
	TeamID         uuid.UUID       `db:"team_id"`
	ReferenceID    *string         `db:"reference_id"`
	FilePath       []string        `db:"file_path"`
	FileName       string          `db:"file_name"`
	ContentType    string          `db:"content_type"`
	Size           int64           `db:"size"`
	DisplayName    *string         `db:"display_name"`
	Amount         *float64        `db:"amount"`
	Currency       *string         `db:"currency"`
	BaseAmount     *float64        `db:"base_amount"`
	BaseCurrency   *string         `db:"base_currency"`
	Date           *time.Time      `db:"date"`
	InvoiceNumber  *string         `db:"invoice_number"`
	TaxAmount      *float64        `db:"tax_amount"`
	TaxRate        *float64        `db:"tax_rate"`
	TaxType        *string         `db:"tax_type"`
	Type           *DocumentType   `db:"type"`
	Website        *string         `db:"website"`
	SenderEmail    *string         `db:"sender_email"`
	Description    *string         `db:"description"`
	Tags           []string        `db:"tags"`
	TransactionID  *uuid.UUID      `db:"transaction_id"`
	GroupedInboxID *uuid.UUID      `db:"grouped_inbox_id"`
	InboxAccountID *uuid.UUID      `db:"inbox_account_id"`
	Status         InboxStatus     `db:"status"`
	SourceMetadata json.RawMessage `db:"source_metadata"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`

	// Embedding is populated by reads that join inbox_embeddings.
	Embedding []float32 `db:"-"`
}

// FilePathString joins the storage key segments.
func (i *InboxItem) FilePathString() string {
	return strings.Join(i.FilePath, "/")
}

// EffectiveDate falls back to the creation day when no document date was extracted.
func (i *InboxItem) EffectiveDate() time.Time {
	if i.Date != nil {
		return *i.Date
	}
	y, m, d := i.CreatedAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DocumentKind defaults to expense, the common receipt case.
func (i *InboxItem) DocumentKind() DocumentType {
	if i.Type == nil || *i.Type == "" {
		return DocumentTypeExpense
	}
	return *i.Type
}

// InboxExtraction carries the fields written back after document extraction.
type InboxExtraction struct {
	DisplayName   *string
	Amount        *float64
	Currency      *string
	Date          *time.Time
	InvoiceNumber *string
	TaxAmount     *float64
	TaxRate       *float64
	TaxType       *string
	Type          DocumentType
	Website       *string
	Description   *string
	Tags          []string
}

type InboxEmbedding struct {
	InboxID    uuid.UUID `db:"inbox_id"`
	TeamID     uuid.UUID `db:"team_id"`
	Embedding  []float32 `db:"embedding"`
	SourceText string    `db:"source_text"`
	Model      string    `db:"model"`
	CreatedAt  time.Time `db:"created_at"`
}

// MatchableQuery selects pending, unlinked items that have an embedding. Zero From/To
// leave the date unbounded.
type MatchableQuery struct {
	TeamID  uuid.UUID
	From    time.Time
	To      time.Time
	Exclude []uuid.UUID
	Limit   int
}
