package handlers

import (
	"context"
	"crypto/subtle"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WhatsAppFetcher interface {
	Fetch(ctx context.Context, teamID uuid.UUID, m ingest.WhatsAppMedia) (*ingest.Attachment, error)
}

type TelegramFetcher interface {
	Fetch(ctx context.Context, teamID uuid.UUID, f ingest.TelegramFile) (*ingest.Attachment, error)
}

type SlackFetcher interface {
	Fetch(ctx context.Context, teamID uuid.UUID, f ingest.SlackFile) (*ingest.Attachment, error)
}

type EInvoiceFetcher interface {
	Fetch(ctx context.Context, teamID uuid.UUID, n ingest.EInvoiceNotice) (*ingest.Attachment, error)
}

type BatchUploader interface {
	UploadAll(ctx context.Context, attachments []*ingest.Attachment, batchSize int) []ingest.UploadResult
}

// Channels holds the fetchers of the enabled channels. A nil fetcher disables its
// webhook.
type Channels struct {
	WhatsApp WhatsAppFetcher
	Telegram TelegramFetcher
	Slack    SlackFetcher
	EInvoice EInvoiceFetcher
}

type WebhookHandler struct {
	channels  Channels
	uploader  BatchUploader
	secret    string
	batchSize int
	logger    *zap.Logger
}

func NewWebhookHandler(channels Channels, uploader BatchUploader, secret string, batchSize int, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		channels:  channels,
		uploader:  uploader,
		secret:    secret,
		batchSize: batchSize,
		logger:    logger,
	}
}

// VerifySecret rejects webhook calls without the shared secret header.
func (h *WebhookHandler) VerifySecret(c *fiber.Ctx) error {
	if h.secret == "" || c.Method() == fiber.MethodGet {
		return c.Next()
	}
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Webhook-Secret")), []byte(h.secret)) != 1 {
		h.logger.Warn("Webhook secret mismatch", zap.String("path", c.Path()))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook secret",
		})
	}
	return c.Next()
}

// VerifyWhatsApp answers the Meta subscription handshake.
func (h *WebhookHandler) VerifyWhatsApp(c *fiber.Ctx) error {
	if c.Query("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(c.Query("hub.verify_token")), []byte(h.secret)) != 1 {
		return c.SendStatus(fiber.StatusForbidden)
	}
	return c.SendString(c.Query("hub.challenge"))
}

// WhatsApp godoc
// @Summary WhatsApp Cloud API webhook
// @Tags webhooks
// @Param teamId path string true "Team ID"
// @Success 200 {object} dto.WebhookReceipt
// @Router /webhooks/whatsapp/{teamId} [post]
func (h *WebhookHandler) WhatsApp(c *fiber.Ctx) error {
	if h.channels.WhatsApp == nil {
		return fiber.ErrNotFound
	}
	teamID, err := uuidParam(c, "teamId")
	if err != nil {
		return errorJSON(c, err)
	}
	media, err := ingest.ParseWhatsAppWebhook(c.Body())
	if err != nil {
		return errorJSON(c, err)
	}

	ctx := c.Context()
	var attachments []*ingest.Attachment
	var fetchErr error
	for _, m := range media {
		a, err := h.channels.WhatsApp.Fetch(ctx, teamID, m)
		if err != nil {
			h.logFetchFailure("whatsapp", m.MediaID, err)
			fetchErr = err
			continue
		}
		attachments = append(attachments, a)
	}
	return h.queue(c, len(media), attachments, fetchErr)
}

// Telegram godoc
// @Summary Telegram bot webhook
// @Tags webhooks
// @Param teamId path string true "Team ID"
// @Success 200 {object} dto.WebhookReceipt
// @Router /webhooks/telegram/{teamId} [post]
func (h *WebhookHandler) Telegram(c *fiber.Ctx) error {
	if h.channels.Telegram == nil {
		return fiber.ErrNotFound
	}
	teamID, err := uuidParam(c, "teamId")
	if err != nil {
		return errorJSON(c, err)
	}
	file, err := ingest.ParseTelegramUpdate(c.Body())
	if err != nil {
		return errorJSON(c, err)
	}
	if file == nil {
		return c.JSON(dto.WebhookReceipt{})
	}

	a, err := h.channels.Telegram.Fetch(c.Context(), teamID, *file)
	if err != nil {
		h.logFetchFailure("telegram", file.FileID, err)
		return h.queue(c, 1, nil, err)
	}
	return h.queue(c, 1, []*ingest.Attachment{a}, nil)
}

// Slack godoc
// @Summary Slack Events API webhook
// @Tags webhooks
// @Param teamId path string true "Team ID"
// @Success 200 {object} dto.WebhookReceipt
// @Router /webhooks/slack/{teamId} [post]
func (h *WebhookHandler) Slack(c *fiber.Ctx) error {
	if h.channels.Slack == nil {
		return fiber.ErrNotFound
	}
	ev, files, err := ingest.ParseSlackEvent(c.Body())
	if err != nil {
		return errorJSON(c, err)
	}
	if ev.Type == "url_verification" {
		return c.JSON(fiber.Map{"challenge": ev.Challenge})
	}
	teamID, err := uuidParam(c, "teamId")
	if err != nil {
		return errorJSON(c, err)
	}

	ctx := c.Context()
	var attachments []*ingest.Attachment
	var fetchErr error
	for _, f := range files {
		a, err := h.channels.Slack.Fetch(ctx, teamID, f)
		if err != nil {
			h.logFetchFailure("slack", f.ID, err)
			fetchErr = err
			continue
		}
		attachments = append(attachments, a)
	}
	return h.queue(c, len(files), attachments, fetchErr)
}

// EInvoice godoc
// @Summary E-invoice network delivery notice
// @Tags webhooks
// @Param teamId path string true "Team ID"
// @Success 200 {object} dto.WebhookReceipt
// @Router /webhooks/einvoice/{teamId} [post]
func (h *WebhookHandler) EInvoice(c *fiber.Ctx) error {
	if h.channels.EInvoice == nil {
		return fiber.ErrNotFound
	}
	teamID, err := uuidParam(c, "teamId")
	if err != nil {
		return errorJSON(c, err)
	}
	notice, err := ingest.ParseEInvoiceNotice(c.Body())
	if err != nil {
		return errorJSON(c, err)
	}

	a, err := h.channels.EInvoice.Fetch(c.Context(), teamID, *notice)
	if err != nil {
		h.logFetchFailure("einvoice", notice.DocumentID, err)
		return h.queue(c, 1, nil, err)
	}
	return h.queue(c, 1, []*ingest.Attachment{a}, nil)
}

// queue uploads the fetched attachments. When nothing could be queued the last error
// is returned so the sender redelivers; redeliveries are deduplicated downstream.
func (h *WebhookHandler) queue(c *fiber.Ctx, received int, attachments []*ingest.Attachment, lastErr error) error {
	receipt := dto.WebhookReceipt{Received: received, Failed: received - len(attachments)}

	for _, res := range h.uploader.UploadAll(c.Context(), attachments, h.batchSize) {
		if res.Err != nil {
			h.logger.Error("Failed to queue webhook attachment",
				zap.String("reference_id", res.Attachment.ReferenceID),
				zap.Error(res.Err),
			)
			receipt.Failed++
			lastErr = res.Err
			continue
		}
		receipt.Queued++
		ref := dto.NewJobRef(res.Job)
		ref.ReferenceID = res.Attachment.ReferenceID
		receipt.Jobs = append(receipt.Jobs, ref)
	}

	if receipt.Queued == 0 && lastErr != nil {
		return errorJSON(c, lastErr)
	}
	return c.JSON(receipt)
}

func (h *WebhookHandler) logFetchFailure(channel, id string, err error) {
	h.logger.Warn("Failed to fetch channel file",
		zap.String("channel", channel),
		zap.String("file_id", id),
		zap.Error(err),
	)
}
