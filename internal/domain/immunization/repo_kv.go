package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/veds/veds/internal/platform/keyval"
)

// RecordsTable is the backing table for immunization records.
var RecordsTable = keyval.Table{Name: "imms_records", KeyAttr: attrPK}

// RecordsSchema declares the table and its secondary indexes.
var RecordsSchema = keyval.TableSchema{
	Table:      RecordsTable,
	IndexAttrs: []string{attrPatientPK, attrIdentifierPK},
}

type recordRepoKV struct {
	store keyval.Store
	now   func() time.Time
}

// NewRepository builds the keyval-backed Repository.
func NewRepository(store keyval.Store) Repository {
	return &recordRepoKV{store: store, now: time.Now}
}

func (r *recordRepoKV) GetByID(ctx context.Context, id string, includeDeleted bool) (*Record, error) {
	item, err := r.store.Get(ctx, RecordsTable, recordKey(id))
	if errors.Is(err, keyval.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &UnhandledStoreError{Op: "get immunization", Cause: err}
	}

	rec := itemToRecord(item)
	if rec.Deleted && !includeDeleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (r *recordRepoKV) GetByIdentifier(ctx context.Context, system, value string) (*Record, error) {
	page, err := r.store.QueryIndex(ctx, RecordsTable, attrIdentifierPK,
		identifierKey(system, value), keyval.QueryOptions{Limit: 1})
	if err != nil {
		return nil, &UnhandledStoreError{Op: "query identifier index", Cause: err}
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	// The index tolerates more than one row for an identifier; the first
	// one wins.
	return itemToRecord(page.Items[0]), nil
}

func (r *recordRepoKV) Create(ctx context.Context, rec *Record) error {
	pk := recordKey(rec.ID)
	item := keyval.Item{
		attrPK:           pk,
		attrPatientPK:    patientKey(rec.NHSNumber),
		attrPatientSK:    patientSortKey(rec.VaccineType, rec.ID),
		attrIdentifierPK: rec.IdentifierKey(),
		attrResource:     string(rec.Resource),
		attrOperation:    "CREATE",
		attrVersion:      int64(1),
		attrSupplier:     rec.SupplierSystem,
	}

	insertOnly := keyval.Ne(attrPK, pk)
	err := r.store.Put(ctx, RecordsTable, item, &insertOnly)
	if errors.Is(err, keyval.ErrConditionFailed) {
		return ErrDuplicateIdentifier
	}
	if err != nil {
		return &UnhandledStoreError{Op: "create immunization", Cause: err}
	}
	rec.Version = 1
	return nil
}

func (r *recordRepoKV) Update(ctx context.Context, rec *Record, existing *Record) (int64, error) {
	pk := recordKey(rec.ID)
	version := existing.Version + 1

	// A record with deletion history must still carry its marker; a live
	// record must not have one. Whichever write loses that race reads as
	// not-found, with no disambiguating follow-up.
	hasHistory := existing.Deleted || existing.Reinstated
	var stateCond keyval.Cond
	if hasHistory {
		stateCond = keyval.AttrExists(attrDeletedAt)
	} else {
		stateCond = keyval.AttrNotExists(attrDeletedAt)
	}
	cond := keyval.And(keyval.Eq(attrPK, pk), stateCond)

	set := keyval.Item{
		attrUpdatedAt:    r.now().Unix(),
		attrPatientPK:    patientKey(rec.NHSNumber),
		attrPatientSK:    patientSortKey(rec.VaccineType, rec.ID),
		attrIdentifierPK: rec.IdentifierKey(),
		attrResource:     string(rec.Resource),
		attrOperation:    "UPDATE",
		attrVersion:      version,
		attrSupplier:     rec.SupplierSystem,
	}
	if existing.Deleted {
		set[attrDeletedAt] = reinstatedMarker
	}

	err := r.store.Update(ctx, RecordsTable, pk, set, nil, &cond)
	if errors.Is(err, keyval.ErrConditionFailed) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &UnhandledStoreError{Op: "update immunization", Cause: err}
	}
	rec.Version = version
	return version, nil
}

func (r *recordRepoKV) Delete(ctx context.Context, id, supplier string) error {
	pk := recordKey(id)
	cond := keyval.And(
		keyval.Eq(attrPK, pk),
		keyval.Or(
			keyval.AttrNotExists(attrDeletedAt),
			keyval.Eq(attrDeletedAt, reinstatedMarker),
		),
	)
	set := keyval.Item{
		attrDeletedAt: r.now().Unix(),
		attrOperation: "DELETE",
		attrSupplier:  supplier,
	}

	err := r.store.Update(ctx, RecordsTable, pk, set, nil, &cond)
	if errors.Is(err, keyval.ErrConditionFailed) {
		// Absent or already deleted; repeat deletes collapse to not-found.
		return ErrNotFound
	}
	if err != nil {
		return &UnhandledStoreError{Op: "delete immunization", Cause: err}
	}
	return nil
}

func (r *recordRepoKV) FindByPatient(ctx context.Context, nhsNumber string, vaccineTypes []string) ([]*Record, error) {
	wanted := make(map[string]bool, len(vaccineTypes))
	for _, vt := range vaccineTypes {
		wanted[strings.ToUpper(vt)] = true
	}

	var records []*Record
	token := ""
	for {
		page, err := r.store.QueryIndex(ctx, RecordsTable, attrPatientPK,
			patientKey(nhsNumber), keyval.QueryOptions{Limit: 100, StartToken: token})
		if err != nil {
			return nil, &UnhandledStoreError{Op: "query patient index", Cause: err}
		}

		for _, item := range page.Items {
			rec := itemToRecord(item)
			if rec.Deleted {
				continue
			}
			if len(wanted) > 0 && !wanted[rec.VaccineType] {
				continue
			}
			records = append(records, rec)
		}

		if page.NextToken == "" {
			return records, nil
		}
		token = page.NextToken
	}
}

func itemToRecord(item keyval.Item) *Record {
	rec := &Record{
		ID:             strings.TrimPrefix(keyval.Str(item, attrPK), "Immunization#"),
		Resource:       json.RawMessage(keyval.Str(item, attrResource)),
		Version:        keyval.Int(item, attrVersion),
		VaccineType:    vaccineTypeFromSortKey(keyval.Str(item, attrPatientSK)),
		NHSNumber:      strings.TrimPrefix(keyval.Str(item, attrPatientPK), "Patient#"),
		SupplierSystem: keyval.Str(item, attrSupplier),
	}

	if sys, val, ok := strings.Cut(keyval.Str(item, attrIdentifierPK), "#"); ok {
		rec.IdentifierSystem = sys
		rec.IdentifierValue = val
	}

	if keyval.Has(item, attrDeletedAt) {
		if keyval.Str(item, attrDeletedAt) == reinstatedMarker {
			rec.Reinstated = true
		} else {
			rec.Deleted = true
		}
	}
	return rec
}
