package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/veds/veds/internal/platform/keyval"
)

func testRecord(id, nhs, identValue, vaccineType string) *Record {
	return &Record{
		ID:               id,
		Resource:         json.RawMessage(fmt.Sprintf(`{"resourceType":"Immunization","id":"%s"}`, id)),
		IdentifierSystem: "https://supplier.example/ids",
		IdentifierValue:  identValue,
		VaccineType:      vaccineType,
		NHSNumber:        nhs,
		SupplierSystem:   "TESTSUPPLIER",
	}
}

func newTestRepo() Repository {
	return NewRepository(keyval.NewMemoryStore())
}

func TestRepoCreateStartsAtVersionOne(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	rec := testRecord("imms-1", "9000000009", "unique-1", "COVID19")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}

	got, err := repo.GetByID(ctx, "imms-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Deleted || got.Reinstated {
		t.Errorf("got = %+v", got)
	}
	if got.NHSNumber != "9000000009" || got.VaccineType != "COVID19" {
		t.Errorf("keys = %s / %s", got.NHSNumber, got.VaccineType)
	}
}

func TestRepoCreateRefusesExistingID(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	if err := repo.Create(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(ctx, testRecord("imms-1", "9000000009", "unique-2", "COVID19"))
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("err = %v, want ErrDuplicateIdentifier", err)
	}
}

func TestRepoUpdateBumpsVersion(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	rec := testRecord("imms-1", "9000000009", "unique-1", "COVID19")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	existing, _ := repo.GetByID(ctx, "imms-1", false)
	updated := testRecord("imms-1", "9000000009", "unique-1", "COVID19")
	v, err := repo.Update(ctx, updated, existing)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	existing, _ = repo.GetByID(ctx, "imms-1", false)
	if _, err := repo.Update(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19"), existing); err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, _ := repo.GetByID(ctx, "imms-1", false)
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
}

func TestRepoDeleteHidesRecord(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	if err := repo.Create(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Delete(ctx, "imms-1", "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := repo.GetByID(ctx, "imms-1", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}

	got, err := repo.GetByID(ctx, "imms-1", true)
	if err != nil {
		t.Fatalf("get includeDeleted: %v", err)
	}
	if !got.Deleted {
		t.Error("record not flagged deleted")
	}

	// Repeat delete collapses to not-found.
	if err := repo.Delete(ctx, "imms-1", "TESTSUPPLIER"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestRepoDeleteMissingRecord(t *testing.T) {
	repo := newTestRepo()
	if err := repo.Delete(context.Background(), "ghost", "TESTSUPPLIER"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRepoReinstateCycleKeepsVersionMonotonic(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	rec := testRecord("imms-1", "9000000009", "unique-1", "COVID19")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// delete -> update (reinstate) -> delete -> update again
	if err := repo.Delete(ctx, "imms-1", "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	existing, err := repo.GetByID(ctx, "imms-1", true)
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	v, err := repo.Update(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19"), existing)
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if v != 2 {
		t.Errorf("version after reinstate = %d, want 2", v)
	}

	got, err := repo.GetByID(ctx, "imms-1", false)
	if err != nil {
		t.Fatalf("get reinstated: %v", err)
	}
	if !got.Reinstated || got.Deleted {
		t.Errorf("lifecycle flags = %+v", got)
	}

	// A reinstated record can be deleted again.
	if err := repo.Delete(ctx, "imms-1", "TESTSUPPLIER"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	existing, _ = repo.GetByID(ctx, "imms-1", true)
	v, err = repo.Update(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19"), existing)
	if err != nil {
		t.Fatalf("second reinstate: %v", err)
	}
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestRepoUpdateDeletedWithoutHistoryConditionFails(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	rec := testRecord("imms-1", "9000000009", "unique-1", "COVID19")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Stale snapshot taken before a concurrent delete: the live-record
	// condition no longer holds and the write reads as not-found.
	staleSnapshot, _ := repo.GetByID(ctx, "imms-1", false)
	if err := repo.Delete(ctx, "imms-1", "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := repo.Update(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19"), staleSnapshot)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRepoGetByIdentifier(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	if err := repo.Create(ctx, testRecord("imms-1", "9000000009", "unique-1", "COVID19")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByIdentifier(ctx, "https://supplier.example/ids", "unique-1")
	if err != nil {
		t.Fatalf("get by identifier: %v", err)
	}
	if got == nil || got.ID != "imms-1" {
		t.Errorf("got = %+v", got)
	}

	got, err = repo.GetByIdentifier(ctx, "https://supplier.example/ids", "unique-9")
	if err != nil || got != nil {
		t.Errorf("missing identifier: got = %+v, err = %v", got, err)
	}
}

func TestRepoFindByPatient(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()

	seed := []*Record{
		testRecord("imms-1", "9000000009", "unique-1", "COVID19"),
		testRecord("imms-2", "9000000009", "unique-2", "FLU"),
		testRecord("imms-3", "9000000009", "unique-3", "MMR"),
		testRecord("imms-4", "9000000010", "unique-4", "COVID19"),
	}
	for _, rec := range seed {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}
	// A deleted record is excluded from patient search.
	if err := repo.Delete(ctx, "imms-3", "TESTSUPPLIER"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	records, err := repo.FindByPatient(ctx, "9000000009", []string{"COVID19", "FLU", "MMR"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.NHSNumber != "9000000009" {
			t.Errorf("wrong patient: %s", rec.NHSNumber)
		}
	}

	// Vaccine type filter is applied client side.
	records, err = repo.FindByPatient(ctx, "9000000009", []string{"FLU"})
	if err != nil {
		t.Fatalf("find flu: %v", err)
	}
	if len(records) != 1 || records[0].ID != "imms-2" {
		t.Errorf("flu records = %+v", records)
	}
}
