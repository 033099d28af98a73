package batch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/keyval"
	"github.com/veds/veds/internal/platform/metrics"
	"github.com/veds/veds/internal/platform/middleware"
	"github.com/veds/veds/internal/platform/permcache"
)

func newTestBatchAPI(t *testing.T) (*echo.Echo, *intakeFixture) {
	t.Helper()
	m, _ := metrics.New()
	f := &intakeFixture{
		ledger: NewLedger(keyval.NewMemoryStore()),
		blobs:  blobstore.NewMemoryStore(),
		perms:  permcache.NewMemoryCache(),
		files:  &capturePublisher{},
	}
	f.intake = NewIntake(f.ledger, f.perms, f.blobs, f.files, m, zerolog.Nop())
	f.intake.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	e := echo.New()
	g := e.Group("")
	g.Use(middleware.DevSupplier("EMIS"))
	NewHandler(f.intake).RegisterRoutes(g)
	return e, f
}

func submitFile(t *testing.T, e *echo.Echo, filename, vaccineType, body string) *httptest.ResponseRecorder {
	t.Helper()
	target := "/batch/files?filename=" + filename + "&vaccineType=" + vaccineType
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSubmitAccepted(t *testing.T) {
	e, f := newTestBatchAPI(t)
	f.perms.Grant("EMIS", "FLU_FULL")

	rec := submitFile(t, e, "flu_batch.csv", "FLU", sourceHeader+"\n"+sourceRow("id-1", "new", "9000000009"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["messageId"] == "" || body["createdAt"] != "20240601T12000000" {
		t.Errorf("body = %v", body)
	}
	if len(f.files.events) != 1 {
		t.Errorf("published events = %d, want 1", len(f.files.events))
	}
}

func TestHandlerSubmitUnauthorised(t *testing.T) {
	e, _ := newTestBatchAPI(t)

	rec := submitFile(t, e, "flu_batch.csv", "FLU", "data")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerSubmitValidation(t *testing.T) {
	e, _ := newTestBatchAPI(t)

	cases := []struct {
		name     string
		filename string
		vaccine  string
		body     string
	}{
		{"missing filename", "", "FLU", "data"},
		{"missing vaccine type", "flu.csv", "", "data"},
		{"empty body", "flu.csv", "FLU", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := submitFile(t, e, tc.filename, tc.vaccine, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}
