package service

import (
	"context"
	"errors"
	"fmt"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/matching"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MatchOutcome is the result of scoring one inbox item or one transaction.
type MatchOutcome struct {
	Action      matching.Action      `json:"action"`
	Suggestion  *matching.Suggestion `json:"suggestion,omitempty"`
	Inbox       *models.InboxItem    `json:"-"`
	Transaction *models.Transaction  `json:"-"`
}

func noMatch() *MatchOutcome {
	return &MatchOutcome{Action: matching.ActionNoMatchYet}
}

// MatchingService scores inbox items against transactions and links auto matches.
// Suggestions are returned, not stored.
type MatchingService struct {
	inbox        InboxStore
	transactions TransactionStore
	notifier     Notifier
	scorer       *matching.Scorer
	reverseLimit int
	logger       *zap.Logger
}

func NewMatchingService(
	inbox InboxStore,
	transactions TransactionStore,
	notifier Notifier,
	scorer *matching.Scorer,
	reverseLimit int,
	logger *zap.Logger,
) *MatchingService {
	if reverseLimit <= 0 {
		reverseLimit = 50
	}
	return &MatchingService{
		inbox:        inbox,
		transactions: transactions,
		notifier:     notifier,
		scorer:       scorer,
		reverseLimit: reverseLimit,
		logger:       logger,
	}
}

// CalculateInboxSuggestions finds the best transaction for a pending inbox item.
func (s *MatchingService) CalculateInboxSuggestions(ctx context.Context, teamID, inboxID uuid.UUID) (*MatchOutcome, error) {
	item, err := s.inbox.GetByID(ctx, teamID, inboxID)
	if err != nil {
		return nil, err
	}
	if item.TransactionID != nil || item.Status != models.InboxStatusPending {
		return noMatch(), nil
	}

	from, to := matching.CandidateWindow(item.DocumentKind(), item.EffectiveDate())
	txs, err := s.transactions.ListCandidates(ctx, models.CandidateQuery{
		TeamID: teamID,
		From:   from,
		To:     to,
		Amount: deref(item.Amount),
		Limit:  s.scorer.Config().MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate transactions: %w", err)
	}

	candidates := make([]matching.Candidate, 0, len(txs))
	byID := make(map[uuid.UUID]*models.Transaction, len(txs))
	for _, tx := range txs {
		candidates = append(candidates, matching.CandidateFromTransaction(tx))
		byID[tx.ID] = tx
	}

	best := s.scorer.BestTransaction(matching.DocumentFromInbox(item, item.Embedding), candidates)
	if best == nil {
		return noMatch(), nil
	}
	return s.apply(ctx, &MatchOutcome{
		Action:      best.Action,
		Suggestion:  best,
		Inbox:       item,
		Transaction: byID[best.TransactionID],
	})
}

// MatchTransaction is the reverse search: the best pending inbox item for a newly
// imported transaction.
func (s *MatchingService) MatchTransaction(ctx context.Context, teamID, transactionID uuid.UUID) (*MatchOutcome, error) {
	tx, err := s.transactions.GetByID(ctx, teamID, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.MatchedInboxID != nil {
		return noMatch(), nil
	}

	from, to := matching.ReverseWindow(tx.Date)
	items, err := s.inbox.ListMatchable(ctx, models.MatchableQuery{
		TeamID: teamID,
		From:   from,
		To:     to,
		Limit:  s.reverseLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending inbox items: %w", err)
	}

	docs := make([]matching.Document, 0, len(items))
	byID := make(map[uuid.UUID]*models.InboxItem, len(items))
	for _, item := range items {
		docs = append(docs, matching.DocumentFromInbox(item, item.Embedding))
		byID[item.ID] = item
	}

	best := s.scorer.BestDocument(matching.CandidateFromTransaction(tx), docs)
	if best == nil {
		return noMatch(), nil
	}
	return s.apply(ctx, &MatchOutcome{
		Action:      best.Action,
		Suggestion:  best,
		Inbox:       byID[best.InboxID],
		Transaction: tx,
	})
}

// apply links auto matches. Losing a concurrent link race downgrades to no match.
func (s *MatchingService) apply(ctx context.Context, out *MatchOutcome) (*MatchOutcome, error) {
	if out.Action != matching.ActionAutoMatched {
		return out, nil
	}
	sg := out.Suggestion
	err := s.transactions.LinkMatch(ctx, out.Inbox.TeamID, sg.InboxID, sg.TransactionID)
	if errors.Is(err, apperr.ErrAlreadyMatched) {
		s.logger.Info("Match lost to a concurrent link",
			zap.String("inbox_id", sg.InboxID.String()),
			zap.String("transaction_id", sg.TransactionID.String()),
		)
		return noMatch(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to link match: %w", err)
	}
	out.Inbox.TransactionID = &sg.TransactionID
	return out, nil
}

// Notify reports an outcome carrying a suggestion. Failures are logged only.
func (s *MatchingService) Notify(ctx context.Context, out *MatchOutcome) {
	if out == nil || out.Suggestion == nil || out.Inbox == nil || out.Transaction == nil {
		return
	}

	kind := NotificationInboxNeedsReview
	if out.Action == matching.ActionAutoMatched {
		kind = NotificationInboxAutoMatched
	}

	sg := out.Suggestion
	data := map[string]any{
		"inboxId":             sg.InboxID.String(),
		"transactionId":       sg.TransactionID.String(),
		"documentName":        deref(out.Inbox.DisplayName),
		"documentAmount":      out.Inbox.Amount,
		"documentCurrency":    out.Inbox.Currency,
		"transactionName":     out.Transaction.Name,
		"transactionAmount":   out.Transaction.Amount,
		"transactionCurrency": out.Transaction.Currency,
		"confidenceScore":     sg.ConfidenceScore,
		"matchType":           sg.MatchType,
		"isCrossCurrency":     sg.CrossCurrency,
	}

	if err := s.notifier.Notify(ctx, Notification{Kind: kind, TeamID: out.Inbox.TeamID, Data: data}); err != nil {
		s.logger.Warn("Failed to send match notification",
			zap.String("kind", string(kind)),
			zap.String("inbox_id", sg.InboxID.String()),
			zap.Error(err),
		)
	}
}
