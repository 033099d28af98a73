package immunization

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/veds/veds/internal/platform/middleware"
)

func newTestAPI() *echo.Echo {
	e := echo.New()
	g := e.Group("", middleware.DevSupplier("TESTSUPPLIER"))
	NewHandler(newTestService()).RegisterRoutes(g)
	return e
}

func doRequest(t *testing.T, e *echo.Echo, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return m
}

func TestHandlerCreateReturnsVersionedResource(t *testing.T) {
	e := newTestAPI()

	rec := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no id in response")
	}
	meta, _ := body["meta"].(map[string]any)
	if meta["versionId"] != "1" {
		t.Errorf("versionId = %v, want 1", meta["versionId"])
	}
	if loc := rec.Header().Get("Location"); loc != "Immunization/"+id {
		t.Errorf("Location = %q", loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q", etag)
	}
}

func TestHandlerCreateDuplicateIdentifier(t *testing.T) {
	e := newTestAPI()

	first := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d", first.Code)
	}
	second := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000010", "unique-1")), nil)
	if second.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422: %s", second.Code, second.Body.String())
	}
	body := decodeBody(t, second)
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("resourceType = %v", body["resourceType"])
	}
}

func TestHandlerGetMissing(t *testing.T) {
	e := newTestAPI()

	rec := doRequest(t, e, http.MethodGet, "/Immunization/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerUpdateWithIfMatch(t *testing.T) {
	e := newTestAPI()

	created := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	id := decodeBody(t, created)["id"].(string)

	// Matching weak ETag succeeds and bumps the version.
	ok := doRequest(t, e, http.MethodPut, "/Immunization/"+id,
		string(covidPayload(id, "9000000009", "unique-1")),
		map[string]string{"If-Match": `W/"1"`})
	if ok.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", ok.Code, ok.Body.String())
	}
	if etag := ok.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("ETag = %q, want W/\"2\"", etag)
	}

	// Stale ETag is refused.
	stale := doRequest(t, e, http.MethodPut, "/Immunization/"+id,
		string(covidPayload(id, "9000000009", "unique-1")),
		map[string]string{"If-Match": `W/"1"`})
	if stale.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", stale.Code)
	}

	// Garbage in If-Match is a client error.
	bad := doRequest(t, e, http.MethodPut, "/Immunization/"+id,
		string(covidPayload(id, "9000000009", "unique-1")),
		map[string]string{"If-Match": "bananas"})
	if bad.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", bad.Code)
	}
}

func TestHandlerDeleteThenReinstate(t *testing.T) {
	e := newTestAPI()

	created := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	id := decodeBody(t, created)["id"].(string)

	if rec := doRequest(t, e, http.MethodDelete, "/Immunization/"+id, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doRequest(t, e, http.MethodGet, "/Immunization/"+id, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if rec := doRequest(t, e, http.MethodDelete, "/Immunization/"+id, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}

	// PUT to a deleted record reinstates it.
	put := doRequest(t, e, http.MethodPut, "/Immunization/"+id,
		string(covidPayload(id, "9000000009", "unique-1")), nil)
	if put.Code != http.StatusOK {
		t.Fatalf("reinstate status = %d: %s", put.Code, put.Body.String())
	}
	if rec := doRequest(t, e, http.MethodGet, "/Immunization/"+id, "", nil); rec.Code != http.StatusOK {
		t.Errorf("get after reinstate status = %d", rec.Code)
	}
}

func TestHandlerSearchByPatient(t *testing.T) {
	e := newTestAPI()

	doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-2")), nil)
	doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000010", "unique-3")), nil)

	rec := doRequest(t, e, http.MethodGet,
		"/Immunization?patient.identifier=https://fhir.nhs.uk/Id/nhs-number|9000000009&-immunization.target=COVID19", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["resourceType"] != "Bundle" || body["type"] != "searchset" {
		t.Errorf("bundle shape wrong: %v", body)
	}
	if total, _ := body["total"].(float64); total != 2 {
		t.Errorf("total = %v, want 2", body["total"])
	}
}

func TestHandlerSearchByIdentifierProjection(t *testing.T) {
	e := newTestAPI()

	created := doRequest(t, e, http.MethodPost, "/Immunization", string(covidPayload("", "9000000009", "unique-1")), nil)
	id := decodeBody(t, created)["id"].(string)

	rec := doRequest(t, e, http.MethodGet,
		"/Immunization?identifier=https://supplier.example/ids|unique-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	entries, _ := body["entry"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	resource := entries[0].(map[string]any)["resource"].(map[string]any)
	if resource["id"] != id {
		t.Errorf("id = %v, want %s", resource["id"], id)
	}
	// The projection carries id and meta only, never the clinical payload.
	if _, ok := resource["protocolApplied"]; ok {
		t.Error("identifier search leaked the full resource")
	}

	// An unknown identifier is an empty bundle, not a 404.
	miss := doRequest(t, e, http.MethodGet,
		"/Immunization?identifier=https://supplier.example/ids|unique-9", "", nil)
	if miss.Code != http.StatusOK {
		t.Fatalf("status = %d", miss.Code)
	}
	if total, _ := decodeBody(t, miss)["total"].(float64); total != 0 {
		t.Errorf("total = %v, want 0", total)
	}
}

func TestHandlerSearchRequiresAParameter(t *testing.T) {
	e := newTestAPI()
	rec := doRequest(t, e, http.MethodGet, "/Immunization", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
