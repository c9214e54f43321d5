package service

import (
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"
)

// Processors holds one processor per job name.
type Processors struct {
	Attachment    *AttachmentProcessor
	Embedding     *EmbeddingProcessor
	BatchMatching *BatchMatchingProcessor
	Bidirectional *BidirectionalMatchingProcessor
	Sync          *SyncProcessor
	InitialSetup  *InitialSetupProcessor
	Dispatch      *DispatchProcessor
	NoMatchSweep  *NoMatchSweepProcessor
	Classify      *ClassifyProcessor
}

// Register binds every job name to its queue. Embedding runs on its own queue so a
// backlog there cannot starve attachment processing.
func Register(r *jobs.Registry, p Processors) {
	jobs.Register[dto.ProcessAttachmentPayload](r, models.QueueInbox, dto.JobProcessAttachment, p.Attachment)
	jobs.Register[dto.BatchProcessMatchingPayload](r, models.QueueInbox, dto.JobBatchProcessMatching, p.BatchMatching)
	jobs.Register[dto.NoMatchSchedulerPayload](r, models.QueueInbox, dto.JobNoMatchScheduler, p.NoMatchSweep)
	jobs.Register[dto.EmbedInboxPayload](r, models.QueueEmbeddings, dto.JobEmbedInbox, p.Embedding)
	jobs.Register[dto.MatchTransactionsBidirectionalPayload](r, models.QueueTransactions, dto.JobMatchTransactionsBidirectional, p.Bidirectional)
	jobs.Register[dto.SyncSchedulerPayload](r, models.QueueInboxProvider, dto.JobSyncScheduler, p.Sync)
	jobs.Register[dto.InitialSetupPayload](r, models.QueueInboxProvider, dto.JobInitialSetup, p.InitialSetup)
	jobs.Register[dto.SyncInboxAccountsPayload](r, models.QueueInboxProvider, dto.JobSyncInboxAccounts, p.Dispatch)
	jobs.Register[dto.ClassifyDocumentPayload](r, models.QueueDocuments, dto.JobClassifyDocument, p.Classify)
}
