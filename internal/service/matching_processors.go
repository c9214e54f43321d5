package service

import (
	"context"
	"fmt"
	"sync"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/matching"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type MatchingBatchConfig struct {
	BatchSize        int
	ReverseBatchSize int
	ReverseLimit     int
}

// BatchMatchingProcessor scores pending inbox items against transactions.
type BatchMatchingProcessor struct {
	jobs.Always[dto.BatchProcessMatchingPayload]

	matcher   *MatchingService
	batchSize int
}

func NewBatchMatchingProcessor(matcher *MatchingService, cfg MatchingBatchConfig) *BatchMatchingProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	return &BatchMatchingProcessor{matcher: matcher, batchSize: cfg.BatchSize}
}

func (p *BatchMatchingProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.BatchProcessMatchingPayload) (any, error) {
	log := run.Logger().With(zap.String("team_id", payload.TeamID.String()))

	counts := settleBatches(ctx, log, payload.InboxIDs, p.batchSize, func(ctx context.Context, id uuid.UUID) (matching.Action, error) {
		out, err := p.matcher.CalculateInboxSuggestions(ctx, payload.TeamID, id)
		if err != nil {
			return "", err
		}
		p.matcher.Notify(ctx, out)
		return out.Action, nil
	})

	log.Info("Batch matching completed",
		zap.Int("processed", counts.Processed),
		zap.Int("auto_matched", counts.AutoMatched),
		zap.Int("suggestions", counts.Suggestions),
		zap.Int("no_matches", counts.NoMatches),
		zap.Int("errors", counts.Errors),
	)
	return &counts, nil
}

// BidirectionalMatchingProcessor runs after new transactions land. New transactions
// first look back for pending documents, then the remaining pending documents look
// for transactions. Documents touched in the first phase are left out of the second.
type BidirectionalMatchingProcessor struct {
	jobs.Always[dto.MatchTransactionsBidirectionalPayload]

	matcher *MatchingService
	inbox   InboxStore
	cfg     MatchingBatchConfig
}

func NewBidirectionalMatchingProcessor(matcher *MatchingService, inbox InboxStore, cfg MatchingBatchConfig) *BidirectionalMatchingProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.ReverseBatchSize <= 0 {
		cfg.ReverseBatchSize = 10
	}
	if cfg.ReverseLimit <= 0 {
		cfg.ReverseLimit = 50
	}
	return &BidirectionalMatchingProcessor{matcher: matcher, inbox: inbox, cfg: cfg}
}

func (p *BidirectionalMatchingProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.MatchTransactionsBidirectionalPayload) (any, error) {
	log := run.Logger().With(zap.String("team_id", payload.TeamID.String()))

	touched := newIDSet()
	reviewed := newIDSet()
	forward := settleBatches(ctx, log, payload.NewTransactionIDs, p.cfg.BatchSize, func(ctx context.Context, id uuid.UUID) (matching.Action, error) {
		out, err := p.matcher.MatchTransaction(ctx, payload.TeamID, id)
		if err != nil {
			return "", err
		}
		if out.Suggestion == nil {
			return out.Action, nil
		}
		touched.add(out.Suggestion.InboxID)
		// several new transactions can suggest the same document; review it once
		if out.Action == matching.ActionSuggestionCreated && !reviewed.add(out.Suggestion.InboxID) {
			return out.Action, nil
		}
		p.matcher.Notify(ctx, out)
		return out.Action, nil
	})

	pending, err := p.inbox.ListMatchable(ctx, models.MatchableQuery{
		TeamID:  payload.TeamID,
		Exclude: touched.list(),
		Limit:   p.cfg.ReverseLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending inbox items: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(pending))
	for _, item := range pending {
		if !touched.has(item.ID) {
			ids = append(ids, item.ID)
		}
	}

	reverse := settleBatches(ctx, log, ids, p.cfg.ReverseBatchSize, func(ctx context.Context, id uuid.UUID) (matching.Action, error) {
		out, err := p.matcher.CalculateInboxSuggestions(ctx, payload.TeamID, id)
		if err != nil {
			return "", err
		}
		p.matcher.Notify(ctx, out)
		return out.Action, nil
	})

	result := dto.BidirectionalMatchingResult{Forward: forward, Reverse: reverse}
	result.Total.Add(forward)
	result.Total.Add(reverse)

	log.Info("Bidirectional matching completed",
		zap.Int("transactions", len(payload.NewTransactionIDs)),
		zap.Int("forward_touched", len(touched.list())),
		zap.Int("reverse_candidates", len(ids)),
		zap.Int("auto_matched", result.Total.AutoMatched),
		zap.Int("suggestions", result.Total.Suggestions),
		zap.Int("errors", result.Total.Errors),
	)
	return &result, nil
}

// settleBatches runs fn over ids in sequential batches; items within a batch run
// concurrently and a failure (or panic) only counts against its own item.
func settleBatches(
	ctx context.Context,
	log *zap.Logger,
	ids []uuid.UUID,
	size int,
	fn func(ctx context.Context, id uuid.UUID) (matching.Action, error),
) dto.MatchCounts {
	var counts dto.MatchCounts
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batch := ids[start:end]

		actions := make([]matching.Action, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		for i, id := range batch {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						errs[i] = fmt.Errorf("panic: %v", r)
					}
				}()
				actions[i], errs[i] = fn(ctx, id)
				return nil
			})
		}
		_ = g.Wait()

		var batchErrors int
		for i, id := range batch {
			if errs[i] != nil {
				batchErrors++
				log.Warn("Matching failed for item", zap.String("id", id.String()), zap.Error(errs[i]))
				continue
			}
			counts.Processed++
			switch actions[i] {
			case matching.ActionAutoMatched:
				counts.AutoMatched++
			case matching.ActionSuggestionCreated:
				counts.Suggestions++
			default:
				counts.NoMatches++
			}
		}
		counts.Errors += batchErrors

		log.Debug("Matching batch completed",
			zap.Int("batch_start", start),
			zap.Int("batch_size", len(batch)),
			zap.Int("errors", batchErrors),
		)
	}
	return counts
}

// idSet collects ids from concurrent goroutines, keeping first-seen order.
type idSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]bool
	ord []uuid.UUID
}

func newIDSet() *idSet {
	return &idSet{ids: make(map[uuid.UUID]bool)}
}

// add reports whether id was new.
func (s *idSet) add(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	s.ord = append(s.ord, id)
	return true
}

func (s *idSet) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *idSet) list() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.ord...)
}
