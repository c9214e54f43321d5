package service

import (
	"context"
	"fmt"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"

	"go.uber.org/zap"
)

// ClassifyProcessor tags an extracted document. Nothing downstream waits for it.
type ClassifyProcessor struct {
	jobs.Always[dto.ClassifyDocumentPayload]

	inbox     InboxStore
	extractor Extractor
}

func NewClassifyProcessor(inbox InboxStore, extractor Extractor) *ClassifyProcessor {
	return &ClassifyProcessor{inbox: inbox, extractor: extractor}
}

func (p *ClassifyProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.ClassifyDocumentPayload) (any, error) {
	tags, err := apperr.WithTimeout(ctx, apperr.TimeoutExternalAPI, "classify document", func(ctx context.Context) ([]string, error) {
		return p.extractor.Classify(ctx, payload.Content)
	})
	if err != nil {
		return nil, err
	}

	if err := p.inbox.UpdateTags(ctx, payload.InboxID, tags); err != nil {
		return nil, fmt.Errorf("failed to store tags: %w", err)
	}

	run.Logger().Debug("Document classified", zap.String("inbox_id", payload.InboxID.String()), zap.Strings("tags", tags))
	return &dto.ClassifyDocumentResult{Tags: tags}, nil
}
