package handlers

import (
	"context"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type JobHandler struct {
	jobs JobReader
}

func NewJobHandler(jobs JobReader) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Get godoc
// @Summary Job state, progress and result
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Security Bearer
// @Success 200 {object} dto.JobResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /api/v1/jobs/{id} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return errorJSON(c, err)
	}
	job, err := h.jobs.Get(c.Context(), id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(dto.NewJobResponse(job))
}
