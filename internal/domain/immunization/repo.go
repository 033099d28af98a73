package immunization

import "context"

// Repository is the storage contract for immunization records. All writes
// are conditional on record state; a condition that does not hold surfaces
// as ErrNotFound.
type Repository interface {
	// GetByID performs a point read. Records with a deletion timestamp are
	// hidden unless includeDeleted is set; reinstated records always read
	// as live.
	GetByID(ctx context.Context, id string, includeDeleted bool) (*Record, error)

	// GetByIdentifier looks the business identifier up on the identifier
	// index. The read may lag recent writes; returns nil when no row is
	// visible.
	GetByIdentifier(ctx context.Context, system, value string) (*Record, error)

	// Create inserts a fresh record at version 1. An existing record under
	// the same id fails the insert.
	Create(ctx context.Context, rec *Record) error

	// Update replaces the payload of an existing record, bumping the
	// version by one. The existing record's lifecycle state decides the
	// write condition; a deleted record is reinstated.
	Update(ctx context.Context, rec *Record, existing *Record) (int64, error)

	// Delete soft-deletes a live or reinstated record.
	Delete(ctx context.Context, id, supplier string) error

	// FindByPatient returns the patient's live records for the given
	// vaccine types, reading the patient index to exhaustion.
	FindByPatient(ctx context.Context, nhsNumber string, vaccineTypes []string) ([]*Record, error)
}
