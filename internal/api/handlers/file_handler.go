package handlers

import (
	"context"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SignedObjects serves stored attachments behind signed URLs.
type SignedObjects interface {
	Verify(key, expires, sig string) error
	Get(ctx context.Context, key []string) ([]byte, error)
}

type FileHandler struct {
	objects SignedObjects
	logger  *zap.Logger
}

func NewFileHandler(objects SignedObjects, logger *zap.Logger) *FileHandler {
	return &FileHandler{
		objects: objects,
		logger:  logger,
	}
}

// Get serves /files/<key>?expires=..&sig=.. as produced by the storage signer.
func (h *FileHandler) Get(c *fiber.Ctx) error {
	raw := strings.Split(c.Params("*"), "/")
	key := make([]string, len(raw))
	for i, seg := range raw {
		s, err := url.PathUnescape(seg)
		if err != nil {
			return c.SendStatus(fiber.StatusNotFound)
		}
		key[i] = s
	}

	if err := h.objects.Verify(strings.Join(key, "/"), c.Query("expires"), c.Query("sig")); err != nil {
		h.logger.Debug("Rejected file request", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Invalid or expired signature",
		})
	}

	data, err := h.objects.Get(c.Context(), key)
	if err != nil {
		return errorJSON(c, err)
	}

	c.Set(fiber.HeaderContentType, mimetype.Detect(data).String())
	c.Set(fiber.HeaderCacheControl, "private, max-age=60")
	return c.Send(data)
}
