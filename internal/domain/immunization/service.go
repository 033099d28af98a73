package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service owns the record lifecycle: key derivation from the payload,
// identifier uniqueness, version discipline and the soft-delete/reinstate
// cycle.
type Service struct {
	repo   Repository
	guard  *IdentifierGuard
	logger zerolog.Logger
}

func NewService(repo Repository, guard *IdentifierGuard, logger zerolog.Logger) *Service {
	return &Service{repo: repo, guard: guard, logger: logger}
}

// Create stores a new record at version 1. The identifier must not be
// visible on the index; the conditional insert backstops the race two
// concurrent creators can still lose.
func (s *Service) Create(ctx context.Context, resource json.RawMessage, supplier string) (*Record, error) {
	rec, err := buildRecord(resource, supplier)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
		if rec.Resource, err = setResourceID(rec.Resource, rec.ID); err != nil {
			return nil, err
		}
	}

	if err := s.guard.CheckInteractive(ctx, rec.IdentifierSystem, rec.IdentifierValue); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("id", rec.ID).
		Str("vaccine_type", rec.VaccineType).
		Str("supplier", supplier).
		Msg("immunization created")
	return rec, nil
}

// Get reads one record. Deleted records stay hidden unless includeDeleted
// is set.
func (s *Service) Get(ctx context.Context, id string, includeDeleted bool) (*Record, error) {
	return s.repo.GetByID(ctx, id, includeDeleted)
}

// Update replaces the payload of an existing record. A record with a
// deletion marker is reinstated by the same write. expectedVersion 0 skips
// the staleness check.
func (s *Service) Update(ctx context.Context, id string, resource json.RawMessage, expectedVersion int64, supplier string) (*Record, error) {
	existing, err := s.repo.GetByID(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != existing.Version {
		return nil, ErrVersionConflict
	}

	rec, err := buildRecord(resource, supplier)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = id
		if rec.Resource, err = setResourceID(rec.Resource, id); err != nil {
			return nil, err
		}
	}
	if rec.ID != id {
		return nil, fmt.Errorf("payload id %q does not match record %q", rec.ID, id)
	}

	// An identifier change moves the record's index row to the new value;
	// a payload that claims an identifier already used by another record
	// is refused.
	if rec.IdentifierKey() != existing.IdentifierKey() {
		other, err := s.repo.GetByIdentifier(ctx, rec.IdentifierSystem, rec.IdentifierValue)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID != id {
			return nil, ErrDuplicateIdentifier
		}
	}

	if _, err := s.repo.Update(ctx, rec, existing); err != nil {
		return nil, err
	}

	if existing.Deleted {
		s.logger.Info().Str("id", id).Str("supplier", supplier).Msg("immunization reinstated")
	}
	rec.Reinstated = existing.Deleted || existing.Reinstated
	return rec, nil
}

// Delete soft-deletes a live or reinstated record.
func (s *Service) Delete(ctx context.Context, id, supplier string) error {
	if err := s.repo.Delete(ctx, id, supplier); err != nil {
		return err
	}
	s.logger.Info().Str("id", id).Str("supplier", supplier).Msg("immunization deleted")
	return nil
}

// FindByPatient lists a patient's live records for the given vaccine types.
func (s *Service) FindByPatient(ctx context.Context, nhsNumber string, vaccineTypes []string) ([]*Record, error) {
	return s.repo.FindByPatient(ctx, nhsNumber, vaccineTypes)
}

// SearchByIdentifier resolves a business identifier to a record, tolerating
// index staleness. Returns ErrNotFound when nothing is visible.
func (s *Service) SearchByIdentifier(ctx context.Context, system, value string) (*Record, error) {
	rec, err := s.repo.GetByIdentifier(ctx, system, value)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Batch path
// ---------------------------------------------------------------------------

// CreateFromBatch behaves like Create but checks the identifier with a
// single query; redelivered rows collapse onto the conditional insert.
func (s *Service) CreateFromBatch(ctx context.Context, resource json.RawMessage, supplier string) (*Record, error) {
	rec, err := buildRecord(resource, supplier)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
		if rec.Resource, err = setResourceID(rec.Resource, rec.ID); err != nil {
			return nil, err
		}
	}

	dup, err := s.guard.WaitForIdentifier(ctx, rec.IdentifierSystem, rec.IdentifierValue, false)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return nil, ErrDuplicateIdentifier
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateFromBatch locates the record by identifier, polling the index while
// the row created earlier in the same file becomes visible, then updates it.
func (s *Service) UpdateFromBatch(ctx context.Context, resource json.RawMessage, supplier string) (*Record, error) {
	env, err := parseEnvelope(resource)
	if err != nil {
		return nil, err
	}

	target, err := s.guard.WaitForIdentifier(ctx, env.Identifier[0].System, env.Identifier[0].Value, true)
	if errors.Is(err, ErrRetriesExhausted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrNotFound
	}
	return s.Update(ctx, target.ID, resource, 0, supplier)
}

// DeleteFromBatch locates the record by identifier and soft-deletes it.
func (s *Service) DeleteFromBatch(ctx context.Context, resource json.RawMessage, supplier string) error {
	env, err := parseEnvelope(resource)
	if err != nil {
		return err
	}

	target, err := s.guard.WaitForIdentifier(ctx, env.Identifier[0].System, env.Identifier[0].Value, true)
	if errors.Is(err, ErrRetriesExhausted) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if target == nil {
		return ErrNotFound
	}
	return s.Delete(ctx, target.ID, supplier)
}

// ---------------------------------------------------------------------------

func buildRecord(resource json.RawMessage, supplier string) (*Record, error) {
	env, err := parseEnvelope(resource)
	if err != nil {
		return nil, err
	}
	vt, err := env.vaccineType()
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:               env.ID,
		Resource:         resource,
		IdentifierSystem: env.Identifier[0].System,
		IdentifierValue:  env.Identifier[0].Value,
		VaccineType:      vt,
		NHSNumber:        env.nhsNumber(),
		SupplierSystem:   supplier,
	}, nil
}

// setResourceID writes the generated id back into the payload so the stored
// resource and its key agree.
func setResourceID(resource json.RawMessage, id string) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(resource, &m); err != nil {
		return nil, fmt.Errorf("decode immunization payload: %w", err)
	}
	m["id"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode immunization payload: %w", err)
	}
	return out, nil
}
