package handlers

import (
	"context"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type AccountStore interface {
	Create(ctx context.Context, a *models.InboxAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.InboxAccount, error)
}

// OAuthProvider runs the consent flow of a mailbox provider.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

type AccountHandler struct {
	accounts AccountStore
	gmail    OAuthProvider
	enqueuer jobs.Enqueuer
	logger   *zap.Logger
}

func NewAccountHandler(accounts AccountStore, gmail OAuthProvider, enqueuer jobs.Enqueuer, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		gmail:    gmail,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// GmailAuthURL godoc
// @Summary Consent URL for connecting a Gmail inbox
// @Tags accounts
// @Produce json
// @Param teamId query string true "Team ID"
// @Security Bearer
// @Success 200 {object} dto.AuthURLResponse
// @Router /api/v1/accounts/gmail/auth-url [get]
func (h *AccountHandler) GmailAuthURL(c *fiber.Ctx) error {
	teamID, err := uuid.Parse(c.Query("teamId"))
	if err != nil {
		return badRequest(c, "teamId is required")
	}
	return c.JSON(dto.AuthURLResponse{URL: h.gmail.AuthURL(teamID.String())})
}

// GmailCallback godoc
// @Summary Finish connecting a Gmail inbox
// @Description Exchanges the consent code, stores the account and schedules its sync
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body dto.GmailCallbackRequest true "Consent result"
// @Security Bearer
// @Success 201 {object} dto.GmailCallbackResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /api/v1/accounts/gmail/callback [post]
func (h *AccountHandler) GmailCallback(c *fiber.Ctx) error {
	var req dto.GmailCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := jobs.Validator().Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Context()
	token, err := h.gmail.Exchange(ctx, req.Code)
	if err != nil {
		h.logger.Warn("OAuth code exchange failed", zap.String("team_id", req.TeamID), zap.Error(err))
		return errorJSON(c, err)
	}

	account := &models.InboxAccount{
		TeamID:       uuid.MustParse(req.TeamID),
		Provider:     models.ProviderGmail,
		Email:        req.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Status:       models.AccountStatusConnected,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		account.ExpiryDate = &expiry
	}
	if err := h.accounts.Create(ctx, account); err != nil {
		h.logger.Error("Failed to store inbox account", zap.Error(err))
		return errorJSON(c, err)
	}

	job, err := h.enqueuer.Trigger(ctx, dto.JobInitialSetup, dto.InitialSetupPayload{InboxAccountID: account.ID})
	if err != nil {
		return errorJSON(c, err)
	}

	h.logger.Info("Inbox account connected",
		zap.String("account_id", account.ID.String()),
		zap.String("team_id", req.TeamID),
	)
	return c.Status(fiber.StatusCreated).JSON(dto.GmailCallbackResponse{
		AccountID: account.ID.String(),
		JobID:     job.ID.String(),
	})
}

// Connect godoc
// @Summary Register the sync schedule of an account and run its first sync
// @Tags accounts
// @Param id path string true "Inbox account ID"
// @Security Bearer
// @Success 202 {object} dto.ConnectAccountResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /api/v1/accounts/{id}/connect [post]
func (h *AccountHandler) Connect(c *fiber.Ctx) error {
	account, err := h.account(c)
	if err != nil {
		return errorJSON(c, err)
	}
	job, err := h.enqueuer.Trigger(c.Context(), dto.JobInitialSetup, dto.InitialSetupPayload{InboxAccountID: account.ID})
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.ConnectAccountResponse{JobID: job.ID.String()})
}

// Sync godoc
// @Summary Sync an account now
// @Description Manual syncs ignore the last sync time and the disconnected flag
// @Tags accounts
// @Param id path string true "Inbox account ID"
// @Security Bearer
// @Success 202 {object} dto.ConnectAccountResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /api/v1/accounts/{id}/sync [post]
func (h *AccountHandler) Sync(c *fiber.Ctx) error {
	account, err := h.account(c)
	if err != nil {
		return errorJSON(c, err)
	}
	job, err := h.enqueuer.Trigger(c.Context(), dto.JobSyncScheduler,
		dto.SyncSchedulerPayload{ID: account.ID, ManualSync: true},
		jobs.WithPriority(0),
	)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.ConnectAccountResponse{JobID: job.ID.String()})
}

func (h *AccountHandler) account(c *fiber.Ctx) (*models.InboxAccount, error) {
	id, err := uuidParam(c, "id")
	if err != nil {
		return nil, err
	}
	return h.accounts.GetByID(c.Context(), id)
}
