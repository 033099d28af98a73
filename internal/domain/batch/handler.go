package batch

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veds/veds/internal/platform/middleware"
)

// Handler accepts batch source files over HTTP and hands them to the intake.
// The supplier comes from the authenticated identity, never from the payload.
type Handler struct {
	intake *Intake
}

func NewHandler(intake *Intake) *Handler {
	return &Handler{intake: intake}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/batch/files", h.Submit)
}

func (h *Handler) Submit(c echo.Context) error {
	filename := path.Base(strings.TrimSpace(c.QueryParam("filename")))
	if filename == "" || filename == "." || filename == "/" {
		return batchError(c, http.StatusBadRequest, "filename query parameter is required")
	}
	vaccineType := strings.TrimSpace(c.QueryParam("vaccineType"))
	if vaccineType == "" {
		return batchError(c, http.StatusBadRequest, "vaccineType query parameter is required")
	}

	content, err := io.ReadAll(c.Request().Body)
	if err != nil || len(content) == 0 {
		return batchError(c, http.StatusBadRequest, "request body is required")
	}

	event, err := h.intake.SubmitFile(c.Request().Context(), filename, middleware.SupplierFrom(c), vaccineType, content)
	if errors.Is(err, ErrUnauthorised) {
		return batchError(c, http.StatusForbidden, "supplier is not authorised for this vaccine type")
	}
	if err != nil {
		return batchError(c, http.StatusInternalServerError, "file could not be accepted")
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"messageId": event.MessageID,
		"filename":  event.Filename,
		"createdAt": event.CreatedAt,
	})
}

func batchError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]any{"error": message})
}
