package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Job names.
const (
	JobProcessAttachment              = "process-attachment"
	JobEmbedInbox                     = "embed-inbox"
	JobBatchProcessMatching           = "batch-process-matching"
	JobMatchTransactionsBidirectional = "match-transactions-bidirectional"
	JobSyncScheduler                  = "sync-scheduler"
	JobInitialSetup                   = "initial-setup"
	JobNoMatchScheduler               = "no-match-scheduler"
	JobSyncInboxAccounts              = "sync-inbox-accounts"
	JobClassifyDocument               = "classify-document"
)

type EmbedInboxPayload struct {
	InboxID uuid.UUID `json:"inboxId" validate:"required"`
	TeamID  uuid.UUID `json:"teamId" validate:"required"`
}

type BatchProcessMatchingPayload struct {
	TeamID   uuid.UUID   `json:"teamId" validate:"required"`
	InboxIDs []uuid.UUID `json:"inboxIds" validate:"required,min=1,dive,required"`
}

type MatchTransactionsBidirectionalPayload struct {
	TeamID            uuid.UUID   `json:"teamId" validate:"required"`
	NewTransactionIDs []uuid.UUID `json:"newTransactionIds" validate:"required,min=1,dive,required"`
}

type ProcessAttachmentPayload struct {
	TeamID         uuid.UUID       `json:"teamId" validate:"required"`
	Mimetype       string          `json:"mimetype" validate:"required"`
	Size           int64           `json:"size" validate:"gt=0"`
	FilePath       []string        `json:"filePath" validate:"required,min=1,dive,required"`
	ReferenceID    *string         `json:"referenceId,omitempty" validate:"omitempty,min=1"`
	Website        *string         `json:"website,omitempty"`
	SenderEmail    *string         `json:"senderEmail,omitempty" validate:"omitempty,email"`
	InboxAccountID *uuid.UUID      `json:"inboxAccountId,omitempty"`
	SourceMetadata json.RawMessage `json:"sourceMetadata,omitempty"`
}

// FileName is the last storage key segment.
func (p *ProcessAttachmentPayload) FileName() string {
	if len(p.FilePath) == 0 {
		return ""
	}
	return p.FilePath[len(p.FilePath)-1]
}

type SyncSchedulerPayload struct {
	ID         uuid.UUID `json:"id" validate:"required"`
	ManualSync bool      `json:"manualSync,omitempty"`
}

type InitialSetupPayload struct {
	InboxAccountID uuid.UUID `json:"inboxAccountId" validate:"required"`
}

type NoMatchSchedulerPayload struct{}

type SyncInboxAccountsPayload struct{}

type ClassifyDocumentPayload struct {
	InboxID uuid.UUID `json:"inboxId" validate:"required"`
	TeamID  uuid.UUID `json:"teamId" validate:"required"`
	Content string    `json:"content" validate:"required"`
}
