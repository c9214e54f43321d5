package handlers

import (
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MatchingHandler struct {
	enqueuer jobs.Enqueuer
	logger   *zap.Logger
}

func NewMatchingHandler(enqueuer jobs.Enqueuer, logger *zap.Logger) *MatchingHandler {
	return &MatchingHandler{
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// MatchTransactions godoc
// @Summary Match newly imported transactions against the inbox
// @Description Runs forward matching for the new transactions, then reverse matching for pending documents
// @Tags matching
// @Accept json
// @Produce json
// @Param request body dto.MatchTransactionsRequest true "New transactions"
// @Security Bearer
// @Success 202 {object} dto.JobRef
// @Failure 400 {object} dto.ErrorResponse
// @Router /api/v1/matching/transactions [post]
func (h *MatchingHandler) MatchTransactions(c *fiber.Ctx) error {
	var req dto.MatchTransactionsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := jobs.Validator().Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	job, err := h.enqueuer.Trigger(c.Context(), dto.JobMatchTransactionsBidirectional, dto.MatchTransactionsBidirectionalPayload{
		TeamID:            uuid.MustParse(req.TeamID),
		NewTransactionIDs: parseIDs(req.TransactionIDs),
	})
	if err != nil {
		h.logger.Error("Failed to queue transaction matching", zap.String("team_id", req.TeamID), zap.Error(err))
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.NewJobRef(job))
}

// MatchInbox godoc
// @Summary Rematch inbox documents against transactions
// @Tags matching
// @Accept json
// @Produce json
// @Param request body dto.MatchInboxRequest true "Inbox items"
// @Security Bearer
// @Success 202 {object} dto.JobRef
// @Failure 400 {object} dto.ErrorResponse
// @Router /api/v1/matching/inbox [post]
func (h *MatchingHandler) MatchInbox(c *fiber.Ctx) error {
	var req dto.MatchInboxRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := jobs.Validator().Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	job, err := h.enqueuer.Trigger(c.Context(), dto.JobBatchProcessMatching, dto.BatchProcessMatchingPayload{
		TeamID:   uuid.MustParse(req.TeamID),
		InboxIDs: parseIDs(req.InboxIDs),
	})
	if err != nil {
		h.logger.Error("Failed to queue inbox matching", zap.String("team_id", req.TeamID), zap.Error(err))
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.NewJobRef(job))
}

// parseIDs converts ids already checked by the uuid validator.
func parseIDs(ids []string) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = uuid.MustParse(id)
	}
	return out
}
