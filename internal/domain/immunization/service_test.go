package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/keyval"
)

// covidPayload builds a minimal immunization payload. id and nhs may be
// empty to exercise the fallback paths.
func covidPayload(id, nhs, identValue string) json.RawMessage {
	idField := ""
	if id != "" {
		idField = fmt.Sprintf(`"id":%q,`, id)
	}
	contained := ""
	if nhs != "" {
		contained = fmt.Sprintf(
			`"contained":[{"resourceType":"Patient","identifier":[{"value":%q}]}],`, nhs)
	}
	return json.RawMessage(fmt.Sprintf(`{
		"resourceType":"Immunization",
		%s%s
		"identifier":[{"system":"https://supplier.example/ids","value":%q}],
		"protocolApplied":[{"targetDisease":[{"coding":[{"code":"840539006"}]}]}]
	}`, idField, contained, identValue))
}

func newTestService() *Service {
	repo := NewRepository(keyval.NewMemoryStore())
	guard := NewIdentifierGuard(repo, zerolog.Nop())
	guard.Delay = time.Millisecond
	return NewService(repo, guard, zerolog.Nop())
}

func TestServiceCreate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" {
		t.Error("no id assigned")
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if rec.VaccineType != "COVID19" {
		t.Errorf("vaccine type = %s", rec.VaccineType)
	}
	if !strings.Contains(string(rec.Resource), rec.ID) {
		t.Error("generated id not written back into the payload")
	}

	got, err := svc.Get(ctx, rec.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NHSNumber != "9000000009" {
		t.Errorf("nhs number = %s", got.NHSNumber)
	}
}

func TestServiceCreateWithoutPatientUsesSentinel(t *testing.T) {
	svc := newTestService()

	rec, err := svc.Create(context.Background(), covidPayload("", "", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.NHSNumber != "TBC" {
		t.Errorf("nhs number = %q, want TBC", rec.NHSNumber)
	}
}

func TestServiceCreateDuplicateIdentifier(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(ctx, covidPayload("", "9000000010", "unique-1"), "TESTSUPPLIER")
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("err = %v, want ErrDuplicateIdentifier", err)
	}
}

func TestServiceCreateRejectsBadPayloads(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"wrong resource type", `{"resourceType":"Patient","identifier":[{"system":"s","value":"v"}]}`},
		{"no identifier", `{"resourceType":"Immunization","protocolApplied":[{"targetDisease":[{"coding":[{"code":"840539006"}]}]}]}`},
		{"no target disease", `{"resourceType":"Immunization","identifier":[{"system":"s","value":"v"}]}`},
		{"unknown disease", `{"resourceType":"Immunization","identifier":[{"system":"s","value":"v"}],"protocolApplied":[{"targetDisease":[{"coding":[{"code":"999"}]}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, json.RawMessage(tc.payload), "TESTSUPPLIER"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestServiceUpdateVersionDiscipline(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.Update(ctx, rec.ID, covidPayload(rec.ID, "9000000009", "unique-1"), 1, "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	// A stale expected version is refused and the record left unchanged.
	_, err = svc.Update(ctx, rec.ID, covidPayload(rec.ID, "9000000009", "unique-1"), 1, "TESTSUPPLIER")
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict", err)
	}
	got, _ := svc.Get(ctx, rec.ID, false)
	if got.Version != 2 {
		t.Errorf("version after refused update = %d, want 2", got.Version)
	}
}

func TestServiceUpdateMissingRecord(t *testing.T) {
	svc := newTestService()
	_, err := svc.Update(context.Background(), "ghost", covidPayload("ghost", "9000000009", "u"), 0, "TESTSUPPLIER")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceUpdateRefusesForeignIdentifier(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	a, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-a"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-b"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	_, err = svc.Update(ctx, b.ID, covidPayload(b.ID, "9000000009", "unique-a"), 0, "TESTSUPPLIER")
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("err = %v, want ErrDuplicateIdentifier", err)
	}
	_ = a
}

func TestServiceUpdateMovesIdentifier(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, covidPayload("", "9000000009", "V1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(ctx, rec.ID, covidPayload(rec.ID, "9000000009", "V2"), 1, "TESTSUPPLIER"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The index row follows the record: the old value no longer resolves
	// and the new one does.
	if _, err := svc.SearchByIdentifier(ctx, "https://supplier.example/ids", "V1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old identifier lookup err = %v, want ErrNotFound", err)
	}
	got, err := svc.SearchByIdentifier(ctx, "https://supplier.example/ids", "V2")
	if err != nil {
		t.Fatalf("new identifier lookup: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("new identifier resolves to %s, want %s", got.ID, rec.ID)
	}
}

func TestServiceDeleteReinstateCycle(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Delete(ctx, rec.ID, "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: err = %v, want ErrNotFound", err)
	}
	hidden, err := svc.Get(ctx, rec.ID, true)
	if err != nil {
		t.Fatalf("get includeDeleted: %v", err)
	}
	if !hidden.Deleted {
		t.Error("record not flagged deleted")
	}

	// Update of a deleted record reinstates it.
	reinstated, err := svc.Update(ctx, rec.ID, covidPayload(rec.ID, "9000000009", "unique-1"), 0, "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if reinstated.Version != 2 {
		t.Errorf("version = %d, want 2", reinstated.Version)
	}
	if _, err := svc.Get(ctx, rec.ID, false); err != nil {
		t.Errorf("get reinstated: %v", err)
	}

	// And the cycle can repeat.
	if err := svc.Delete(ctx, rec.ID, "TESTSUPPLIER"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := svc.Delete(ctx, rec.ID, "TESTSUPPLIER"); !errors.Is(err, ErrNotFound) {
		t.Errorf("repeat delete: err = %v, want ErrNotFound", err)
	}
}

func TestServiceFindByPatient(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER"); err != nil {
		t.Fatalf("create: %v", err)
	}
	gone, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-2"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, gone.ID, "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	records, err := svc.FindByPatient(ctx, "9000000009", []string{"COVID19"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
}

func TestServiceSearchByIdentifier(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.SearchByIdentifier(ctx, "https://supplier.example/ids", "unique-1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}

	_, err = svc.SearchByIdentifier(ctx, "https://supplier.example/ids", "unique-9")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceBatchOperations(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	rec, err := svc.CreateFromBatch(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}

	_, err = svc.CreateFromBatch(ctx, covidPayload("", "9000000009", "unique-1"), "TESTSUPPLIER")
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("duplicate batch create: err = %v, want ErrDuplicateIdentifier", err)
	}

	updated, err := svc.UpdateFromBatch(ctx, covidPayload(rec.ID, "9000000009", "unique-1"), "TESTSUPPLIER")
	if err != nil {
		t.Fatalf("batch update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	if err := svc.DeleteFromBatch(ctx, covidPayload(rec.ID, "9000000009", "unique-1"), "TESTSUPPLIER"); err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after batch delete: err = %v, want ErrNotFound", err)
	}
}

func TestServiceBatchUpdateUnknownIdentifier(t *testing.T) {
	svc := newTestService()

	_, err := svc.UpdateFromBatch(context.Background(), covidPayload("", "9000000009", "unseen"), "TESTSUPPLIER")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
