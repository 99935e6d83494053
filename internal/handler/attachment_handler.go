package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/stapler/internal/domain"
)

// AttachmentHandler handles HTTP requests for attachment operations
type AttachmentHandler struct {
	service     domain.AttachmentService
	maxUploadMB int64
}

// NewAttachmentHandler creates a new attachment handler
func NewAttachmentHandler(service domain.AttachmentService, maxUploadMB int64) *AttachmentHandler {
	return &AttachmentHandler{
		service:     service,
		maxUploadMB: maxUploadMB,
	}
}

// sourceRequest is the JSON body for remote ingestion
type sourceRequest struct {
	Source string `json:"source"`
}

// Upload handles POST /v1/owners/:class/:id/attachments/:name
// It accepts either a multipart "file" field or a JSON body {"source": "<url or data uri>"}.
func (h *AttachmentHandler) Upload(c *fiber.Ctx) error {
	owner, name := ownerFromParams(c)

	var input any
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "missing 'file' field in form data",
			})
		}

		maxBytes := h.maxUploadMB * 1024 * 1024
		if h.maxUploadMB > 0 && fileHeader.Size > maxBytes {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   fmt.Sprintf("file size exceeds maximum of %dMB", h.maxUploadMB),
			})
		}
		input = fileHeader
	} else {
		var req sourceRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "invalid request body",
			})
		}
		// Local paths are never accepted over HTTP.
		if !isRemoteSource(req.Source) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "source must be an http(s) URL or a data URI",
			})
		}
		input = req.Source
	}

	view, err := h.service.Attach(c.UserContext(), owner, name, input)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    view,
	})
}

// Get handles GET /v1/owners/:class/:id/attachments/:name
func (h *AttachmentHandler) Get(c *fiber.Ctx) error {
	owner, name := ownerFromParams(c)

	view, err := h.service.Get(c.UserContext(), owner, name)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    view,
	})
}

// URLs handles GET /v1/owners/:class/:id/attachments/:name/urls
func (h *AttachmentHandler) URLs(c *fiber.Ctx) error {
	owner, name := ownerFromParams(c)

	urls, err := h.service.URLs(c.UserContext(), owner, name)
	if err != nil {
		return errorResponse(c, err)
	}

	if style := c.Query("style"); style != "" {
		url, ok := urls[style]
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   fmt.Sprintf("unknown style %q", style),
			})
		}
		return c.JSON(fiber.Map{
			"success": true,
			"data":    fiber.Map{style: url},
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    urls,
	})
}

// Delete handles DELETE /v1/owners/:class/:id/attachments/:name
func (h *AttachmentHandler) Delete(c *fiber.Ctx) error {
	owner, name := ownerFromParams(c)

	if err := h.service.Detach(c.UserContext(), owner, name); err != nil {
		return errorResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Reprocess handles POST /v1/owners/:class/:id/attachments/:name/reprocess
func (h *AttachmentHandler) Reprocess(c *fiber.Ctx) error {
	owner, name := ownerFromParams(c)

	view, err := h.service.Reprocess(c.UserContext(), owner, name)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    view,
	})
}

// List handles GET /v1/owners/:class/:id/attachments
func (h *AttachmentHandler) List(c *fiber.Ctx) error {
	owner, _ := ownerFromParams(c)

	views, err := h.service.List(c.UserContext(), owner)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    views,
		"count":   len(views),
	})
}

// DeleteAll handles DELETE /v1/owners/:class/:id/attachments
func (h *AttachmentHandler) DeleteAll(c *fiber.Ctx) error {
	owner, _ := ownerFromParams(c)

	if err := h.service.DetachAll(c.UserContext(), owner); err != nil {
		return errorResponse(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func ownerFromParams(c *fiber.Ctx) (domain.Owner, string) {
	return domain.Owner{Class: c.Params("class"), ID: c.Params("id")}, c.Params("name")
}

func isRemoteSource(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrAttachmentConfiguration),
		errors.Is(err, domain.ErrStyleConfiguration):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrImageProcessing):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIO):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal server error"
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}
