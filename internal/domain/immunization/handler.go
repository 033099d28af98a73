package immunization

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veds/veds/internal/platform/middleware"
)

// Handler exposes the record store as a FHIR-shaped HTTP surface. Payload
// schema validation happens at the gateway; this layer enforces lifecycle
// and concurrency semantics only.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/Immunization", h.Create)
	g.GET("/Immunization", h.Search)
	g.GET("/Immunization/:id", h.Get)
	g.PUT("/Immunization/:id", h.Update)
	g.DELETE("/Immunization/:id", h.Delete)
}

func (h *Handler) Create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return fhirError(c, http.StatusBadRequest, "invalid", "request body is required")
	}

	rec, err := h.svc.Create(c.Request().Context(), body, middleware.SupplierFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	c.Response().Header().Set("Location", "Immunization/"+rec.ID)
	c.Response().Header().Set("ETag", versionETag(rec.Version))
	return c.JSON(http.StatusCreated, resourceWithMeta(rec))
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("id"), false)
	if err != nil {
		return mapServiceError(c, err)
	}

	c.Response().Header().Set("ETag", versionETag(rec.Version))
	return c.JSON(http.StatusOK, resourceWithMeta(rec))
}

func (h *Handler) Update(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return fhirError(c, http.StatusBadRequest, "invalid", "request body is required")
	}

	expected, err := parseIfMatch(c.Request().Header.Get("If-Match"))
	if err != nil {
		return fhirError(c, http.StatusBadRequest, "invalid", "malformed If-Match header")
	}

	rec, err := h.svc.Update(c.Request().Context(), c.Param("id"), body, expected, middleware.SupplierFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	c.Response().Header().Set("ETag", versionETag(rec.Version))
	return c.JSON(http.StatusOK, resourceWithMeta(rec))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id"), middleware.SupplierFrom(c)); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search handles the two supported query shapes: lookup by business
// identifier (system|value) and listing by patient identifier plus vaccine
// types.
func (h *Handler) Search(c echo.Context) error {
	if idParam := c.QueryParam("identifier"); idParam != "" {
		return h.searchByIdentifier(c, idParam)
	}

	patient := c.QueryParam("patient.identifier")
	if patient == "" {
		return fhirError(c, http.StatusBadRequest, "required",
			"either identifier or patient.identifier must be supplied")
	}
	// Accept both the bare NHS number and the system|value form.
	if _, value, ok := strings.Cut(patient, "|"); ok {
		patient = value
	}

	var vaccineTypes []string
	if targets := c.QueryParam("-immunization.target"); targets != "" {
		vaccineTypes = strings.Split(targets, ",")
	}

	records, err := h.svc.FindByPatient(c.Request().Context(), patient, vaccineTypes)
	if err != nil {
		return mapServiceError(c, err)
	}

	entries := make([]bundleEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, bundleEntry{
			FullURL:  "Immunization/" + rec.ID,
			Resource: resourceWithMeta(rec),
		})
	}
	return c.JSON(http.StatusOK, searchBundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        len(entries),
		Entry:        entries,
	})
}

func (h *Handler) searchByIdentifier(c echo.Context, idParam string) error {
	system, value, ok := strings.Cut(idParam, "|")
	if !ok || system == "" || value == "" {
		return fhirError(c, http.StatusBadRequest, "invalid", "identifier must be system|value")
	}

	rec, err := h.svc.SearchByIdentifier(c.Request().Context(), system, value)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusOK, searchBundle{
			ResourceType: "Bundle",
			Type:         "searchset",
			Total:        0,
			Entry:        []bundleEntry{},
		})
	}
	if err != nil {
		return mapServiceError(c, err)
	}

	// Identifier search projects id and meta only.
	entry := bundleEntry{
		FullURL: "Immunization/" + rec.ID,
		Resource: map[string]any{
			"resourceType": "Immunization",
			"id":           rec.ID,
			"meta":         map[string]any{"versionId": strconv.FormatInt(rec.Version, 10)},
		},
	}
	return c.JSON(http.StatusOK, searchBundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        1,
		Entry:        []bundleEntry{entry},
	})
}

// ---------------------------------------------------------------------------

type searchBundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Entry        []bundleEntry `json:"entry"`
}

type bundleEntry struct {
	FullURL  string `json:"fullUrl"`
	Resource any    `json:"resource"`
}

// resourceWithMeta returns the stored payload with meta.versionId injected.
func resourceWithMeta(rec *Record) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(rec.Resource, &m); err != nil {
		m = map[string]any{"resourceType": "Immunization", "id": rec.ID}
	}
	meta, _ := m["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = strconv.FormatInt(rec.Version, 10)
	m["meta"] = meta
	return m
}

func versionETag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// parseIfMatch accepts a weak ETag or a bare version number; "" means no
// staleness check.
func parseIfMatch(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	v := strings.TrimSuffix(strings.TrimPrefix(header, `W/"`), `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed If-Match %q", header)
	}
	return n, nil
}

func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fhirError(c, http.StatusNotFound, "not-found", "immunization not found")
	case errors.Is(err, ErrDuplicateIdentifier):
		return fhirError(c, http.StatusUnprocessableEntity, "duplicate",
			"an immunization with this identifier already exists")
	case errors.Is(err, ErrVersionConflict):
		return fhirError(c, http.StatusConflict, "conflict",
			"the record was changed by another writer; re-read and retry")
	default:
		var store *UnhandledStoreError
		if errors.As(err, &store) {
			return fhirError(c, http.StatusInternalServerError, "exception", "storage failure")
		}
		return fhirError(c, http.StatusBadRequest, "invalid", err.Error())
	}
}

// fhirError renders an OperationOutcome.
func fhirError(c echo.Context, status int, code, diagnostics string) error {
	return c.JSON(status, map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}
