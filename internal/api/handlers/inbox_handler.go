package handlers

import (
	"context"
	"io"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Uploader stores an attachment and queues process-attachment for it.
type Uploader interface {
	Upload(ctx context.Context, a *ingest.Attachment) (*models.Job, error)
}

type InboxHandler struct {
	uploader Uploader
	logger   *zap.Logger
}

func NewInboxHandler(uploader Uploader, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{
		uploader: uploader,
		logger:   logger,
	}
}

// Upload godoc
// @Summary Upload documents to a team inbox
// @Description Stores each file and queues it for extraction and matching
// @Tags inbox
// @Accept multipart/form-data
// @Produce json
// @Param teamId formData string true "Team ID"
// @Param file formData file true "One or more documents"
// @Security Bearer
// @Success 202 {object} dto.UploadResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/inbox/upload [post]
func (h *InboxHandler) Upload(c *fiber.Ctx) error {
	teamID, err := uuid.Parse(c.FormValue("teamId"))
	if err != nil {
		return badRequest(c, "teamId is required")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Multipart form is required")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return badRequest(c, "File is required")
	}

	resp := dto.UploadResponse{Jobs: make([]dto.JobRef, 0, len(files))}
	for _, file := range files {
		src, err := file.Open()
		if err != nil {
			return badRequest(c, "Failed to open file")
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return badRequest(c, "Failed to read file")
		}

		attachment := ingest.ManualUpload(teamID, file.Filename, file.Header.Get(fiber.HeaderContentType), data)
		job, err := h.uploader.Upload(c.Context(), attachment)
		if err != nil {
			h.logger.Error("Failed to queue upload",
				zap.String("team_id", teamID.String()),
				zap.String("filename", file.Filename),
				zap.Error(err),
			)
			return errorJSON(c, err)
		}
		ref := dto.NewJobRef(job)
		ref.ReferenceID = attachment.ReferenceID
		resp.Jobs = append(resp.Jobs, ref)
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}
