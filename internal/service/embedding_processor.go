package service

import (
	"context"
	"fmt"
	"strings"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"go.uber.org/zap"
)

// EmbeddingProcessor stores one embedding per inbox item and always leaves the item
// pending for matching.
type EmbeddingProcessor struct {
	inbox      InboxStore
	embeddings EmbeddingStore
	embedder   Embedder
	logger     *zap.Logger
}

func NewEmbeddingProcessor(inbox InboxStore, embeddings EmbeddingStore, embedder Embedder, logger *zap.Logger) *EmbeddingProcessor {
	return &EmbeddingProcessor{
		inbox:      inbox,
		embeddings: embeddings,
		embedder:   embedder,
		logger:     logger,
	}
}

// ShouldProcess skips items that already have an embedding. An earlier run may have
// died after writing it, so the item is released to pending here too.
func (p *EmbeddingProcessor) ShouldProcess(ctx context.Context, run *jobs.Run, payload *dto.EmbedInboxPayload) (bool, error) {
	exists, err := p.embeddings.Exists(ctx, payload.InboxID)
	if err != nil {
		return false, fmt.Errorf("failed to check embedding: %w", err)
	}
	if !exists {
		return true, nil
	}
	if err := p.inbox.SetPending(ctx, payload.InboxID); err != nil {
		return false, fmt.Errorf("failed to release inbox item: %w", err)
	}
	run.Logger().Debug("Embedding exists, skipping", zap.String("inbox_id", payload.InboxID.String()))
	return false, nil
}

func (p *EmbeddingProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.EmbedInboxPayload) (any, error) {
	log := run.Logger().With(zap.String("inbox_id", payload.InboxID.String()))

	item, err := p.inbox.GetByID(ctx, payload.TeamID, payload.InboxID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.inbox.TransitionStatus(ctx, item.ID, models.InboxStatusAnalyzing,
		models.InboxStatusNew, models.InboxStatusProcessing, models.InboxStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to mark item analyzing: %w", err)
	}
	if !claimed {
		log.Info("Inbox item is not embeddable in its status", zap.String("status", string(item.Status)))
		return &dto.EmbedInboxResult{InboxID: item.ID}, nil
	}

	// analyzing is released even when shutdown cancelled ctx
	release := func() error {
		settleCtx, cancel := jobs.SettleContext(ctx)
		defer cancel()
		return p.inbox.SetPending(settleCtx, item.ID)
	}

	text := EmbeddingText(item)
	if text == "" {
		log.Info("No text to embed")
		if err := release(); err != nil {
			return nil, err
		}
		return &dto.EmbedInboxResult{InboxID: item.ID, NoText: true}, nil
	}

	res, err := p.embed(ctx, item, text)
	if err != nil {
		if resetErr := release(); resetErr != nil {
			log.Error("Failed to reset inbox status", zap.Error(resetErr))
		}
		return nil, err
	}

	if err := release(); err != nil {
		return nil, err
	}
	log.Info("Inbox embedding stored", zap.String("model", res.Model), zap.Int("dimensions", len(res.Vector)))
	return &dto.EmbedInboxResult{InboxID: item.ID, Model: res.Model}, nil
}

func (p *EmbeddingProcessor) embed(ctx context.Context, item *models.InboxItem, text string) (*EmbedResult, error) {
	res, err := apperr.WithTimeout(ctx, apperr.TimeoutEmbedding, "embed inbox", func(ctx context.Context) (*EmbedResult, error) {
		return p.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}

	if err := p.embeddings.Create(ctx, &models.InboxEmbedding{
		InboxID:    item.ID,
		TeamID:     item.TeamID,
		Embedding:  res.Vector,
		SourceText: text,
		Model:      res.Model,
	}); err != nil {
		return nil, fmt.Errorf("failed to store embedding: %w", err)
	}
	return res, nil
}

// EmbeddingText is the text an inbox item is embedded from: who issued it and what it
// is about, without amounts or dates, which are scored separately.
func EmbeddingText(item *models.InboxItem) string {
	var parts []string
	for _, p := range []*string{item.DisplayName, item.Website, item.Description} {
		if p != nil {
			if v := strings.TrimSpace(*p); v != "" {
				parts = append(parts, v)
			}
		}
	}
	if len(item.Tags) > 0 {
		parts = append(parts, strings.Join(item.Tags, " "))
	}
	return sanitizeUTF8(strings.Join(parts, " "))
}

// TransactionEmbeddingText is the counterpart of EmbeddingText for bank transactions.
func TransactionEmbeddingText(tx *models.Transaction) string {
	parts := []string{strings.TrimSpace(tx.Name)}
	for _, p := range []*string{tx.CounterpartyName, tx.Description} {
		if p != nil {
			if v := strings.TrimSpace(*p); v != "" && v != parts[0] {
				parts = append(parts, v)
			}
		}
	}
	return sanitizeUTF8(strings.Join(parts, " "))
}
