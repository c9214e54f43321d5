package handlers

import (
	"inbox-pipeline/internal/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// statusFor maps an error category to the HTTP status returned to callers.
func statusFor(err error) int {
	switch apperr.Classify(err) {
	case apperr.CategoryValidation:
		return fiber.StatusBadRequest
	case apperr.CategoryNotFound:
		return fiber.StatusNotFound
	case apperr.CategoryRateLimit:
		return fiber.StatusTooManyRequests
	case apperr.CategoryTimeout:
		return fiber.StatusGatewayTimeout
	case apperr.CategoryUnauthorized:
		// upstream credentials were rejected, not the caller's
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func errorJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.Validationf("parse "+name, "invalid %s %q", name, c.Params(name))
	}
	return id, nil
}
