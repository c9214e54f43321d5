package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/matching"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipeline struct {
	db        *memDB
	teamID    uuid.UUID
	store     *jobs.MemoryStore
	client    *jobs.Client
	registry  *jobs.Registry
	waiters   *jobs.Waiters
	extractor *stubExtractor
	notifier  *recordingNotifier
	uploader  *ingest.Uploader
	matcher   *MatchingService
}

var embedVector = []float32{0.12, 0.80, 0.35, 0.41}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := newMemDB()
	teamID := uuid.New()
	db.teams[teamID] = &models.Team{ID: teamID, Name: "Acme Studio"}

	p := &pipeline{
		db:        db,
		teamID:    teamID,
		store:     jobs.NewMemoryStore(),
		registry:  jobs.NewRegistry(),
		waiters:   jobs.NewWaiters(),
		extractor: &stubExtractor{results: map[string]*ExtractResult{}},
		notifier:  &recordingNotifier{},
	}
	p.client = jobs.NewClient(p.store, p.registry, p.waiters, zap.NewNop())
	p.uploader = ingest.NewUploader(memObjects{db}, p.client, zap.NewNop())
	p.matcher = newMatchingService(db, memTransactions{db}, p.notifier)

	Register(p.registry, Processors{
		Attachment:    NewAttachmentProcessor(memInbox{db}, memTeams{db}, memObjects{db}, p.extractor, p.client, AttachmentConfig{EmbedWait: 5 * time.Second}, zap.NewNop()),
		Embedding:     NewEmbeddingProcessor(memInbox{db}, memEmbeddings{db}, &stubEmbedder{vector: embedVector}, zap.NewNop()),
		BatchMatching: NewBatchMatchingProcessor(p.matcher, MatchingBatchConfig{}),
		Bidirectional: NewBidirectionalMatchingProcessor(p.matcher, memInbox{db}, MatchingBatchConfig{}),
		Classify:      NewClassifyProcessor(memInbox{db}, p.extractor),
	})
	return p
}

// drain runs the inbox queue to completion while an embeddings worker serves the
// cross-queue waits.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	embeddings := jobs.NewWorker(models.QueueEmbeddings, p.store, p.registry, p.waiters, zap.NewNop(), jobs.WithPollInterval(5*time.Millisecond))
	embeddings.Start(context.Background())
	defer embeddings.Stop()

	inbox := jobs.NewWorker(models.QueueInbox, p.store, p.registry, p.waiters, zap.NewNop())
	_, err := inbox.Drain(context.Background())
	require.NoError(t, err)
}

func (p *pipeline) ingestReceipt(t *testing.T, amount float64) *models.InboxItem {
	t.Helper()
	p.extractor.results["receipt.pdf"] = &ExtractResult{
		DocumentType: models.DocumentTypeExpense,
		Amount:       ptr(amount),
		Currency:     ptr("USD"),
		Date:         ptr("2024-01-10"),
		VendorName:   ptr("Blue Bottle Coffee"),
	}
	_, err := p.uploader.Upload(context.Background(), &ingest.Attachment{
		TeamID:      p.teamID,
		Data:        []byte("%PDF-1.4 receipt"),
		Mimetype:    "application/pdf",
		Filename:    "receipt.pdf",
		ReferenceID: "slack_F1_receipt.pdf",
	})
	require.NoError(t, err)
	p.drain(t)

	require.Len(t, p.db.inbox, 1)
	for id := range p.db.inbox {
		return p.db.item(id)
	}
	return nil
}

func (p *pipeline) seedTransaction(amount float64, vec []float32) *models.Transaction {
	return p.db.putTx(&models.Transaction{
		TeamID:    p.teamID,
		Name:      "BLUE BOTTLE",
		Amount:    amount,
		Currency:  "USD",
		Date:      time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
		Embedding: vec,
	})
}

func (p *pipeline) lastResult(t *testing.T, name string, v any) {
	t.Helper()
	queued := p.store.List(name)
	require.NotEmpty(t, queued)
	last := queued[len(queued)-1]
	require.Equal(t, models.JobStateCompleted, last.State, "job %s: %v", name, last.LastError)
	require.NoError(t, json.Unmarshal(last.Result, v))
}

func TestPipelineAutoMatchesExactReceipt(t *testing.T) {
	p := newPipeline(t)
	tx := p.seedTransaction(42.50, embedVector)

	item := p.ingestReceipt(t, 42.50)

	assert.Equal(t, "slack_F1_receipt.pdf", *item.ReferenceID)
	assert.Equal(t, models.InboxStatusPending, item.Status)
	require.NotNil(t, item.TransactionID)
	assert.Equal(t, tx.ID, *item.TransactionID)
	assert.Equal(t, item.ID, *p.db.tx(tx.ID).MatchedInboxID)

	var counts dto.MatchCounts
	p.lastResult(t, dto.JobBatchProcessMatching, &counts)
	assert.Equal(t, 1, counts.AutoMatched)

	assert.Equal(t, []NotificationKind{NotificationInboxAutoMatched}, p.notifier.kinds())
	assert.Equal(t, matching.MatchTypeAutoMatched, p.notifier.sent[0].Data["matchType"])
}

func TestPipelineAmountDeviationIsNoMatch(t *testing.T) {
	p := newPipeline(t)
	tx := p.seedTransaction(50.00, []float32{1, 0, 0, 0})

	item := p.ingestReceipt(t, 42.50)

	assert.Nil(t, item.TransactionID)
	assert.Nil(t, p.db.tx(tx.ID).MatchedInboxID)
	assert.Equal(t, models.InboxStatusPending, item.Status)

	var counts dto.MatchCounts
	p.lastResult(t, dto.JobBatchProcessMatching, &counts)
	assert.Equal(t, dto.MatchCounts{Processed: 1, NoMatches: 1}, counts)
	assert.Empty(t, p.notifier.kinds())
}

func TestPipelineRematchingMatchedItemIsNoop(t *testing.T) {
	p := newPipeline(t)
	p.seedTransaction(42.50, embedVector)
	item := p.ingestReceipt(t, 42.50)
	require.NotNil(t, item.TransactionID)

	_, err := p.client.Trigger(context.Background(), dto.JobBatchProcessMatching,
		dto.BatchProcessMatchingPayload{TeamID: p.teamID, InboxIDs: []uuid.UUID{item.ID}})
	require.NoError(t, err)
	p.drain(t)

	var counts dto.MatchCounts
	p.lastResult(t, dto.JobBatchProcessMatching, &counts)
	assert.Equal(t, dto.MatchCounts{Processed: 1, NoMatches: 1}, counts)
	assert.Len(t, p.notifier.kinds(), 1)
	assert.Equal(t, 1, p.db.linkCalls)
}

func TestPipelineDuplicateDeliveryIsProcessedOnce(t *testing.T) {
	p := newPipeline(t)
	item := p.ingestReceipt(t, 42.50)

	// the channel redelivers the same file under a new storage key
	_, err := p.uploader.Upload(context.Background(), &ingest.Attachment{
		TeamID:      p.teamID,
		Data:        []byte("%PDF-1.4 receipt"),
		Mimetype:    "application/pdf",
		Filename:    "receipt.pdf",
		ReferenceID: "slack_F1_receipt.pdf",
	})
	require.NoError(t, err)
	p.drain(t)

	assert.Len(t, p.db.inbox, 1)
	assert.Equal(t, 1, p.extractor.calls)
	assert.Equal(t, 1, p.db.embedCreates)

	var res dto.ProcessAttachmentResult
	p.lastResult(t, dto.JobProcessAttachment, &res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, models.InboxStatusPending, p.db.item(item.ID).Status)
}
