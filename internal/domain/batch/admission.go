package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/metrics"
	"github.com/veds/veds/internal/platform/permcache"
	"github.com/veds/veds/internal/platform/stream"
)

// Publisher is the producer side of a topic. *stream.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event stream.Event) error
}

// ErrUnauthorised is returned when the supplier has no permission for the
// file's vaccine type.
var ErrUnauthorised = errors.New("supplier not authorised for vaccine type")

// Intake admits batch source files: it stores the file, records the Queued
// ledger entry and announces the file to the processing pipeline. Files from
// suppliers without a matching vaccine-type permission are refused with an
// infrastructure ack.
type Intake struct {
	ledger  Ledger
	perms   permcache.Cache
	blobs   blobstore.ObjectStore
	files   Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// TTLDays bounds how long refused and completed entries linger in the
	// ledger before the store's TTL sweep removes them.
	TTLDays int

	now func() time.Time
}

func NewIntake(ledger Ledger, perms permcache.Cache, blobs blobstore.ObjectStore, files Publisher, m *metrics.Metrics, logger zerolog.Logger) *Intake {
	return &Intake{
		ledger:  ledger,
		perms:   perms,
		blobs:   blobs,
		files:   files,
		metrics: m,
		logger:  logger.With().Str("component", "intake").Logger(),
		TTLDays: 30,
		now:     time.Now,
	}
}

// SubmitFile stores the file under processing/ and either queues it or
// refuses it. The returned event is nil when the file was refused.
func (in *Intake) SubmitFile(ctx context.Context, filename, supplier, vaccineType string, content []byte) (*FileCreatedEvent, error) {
	nowUTC := in.now().UTC()
	event := &FileCreatedEvent{
		MessageID:   uuid.New().String(),
		Filename:    filename,
		Supplier:    supplier,
		VaccineType: vaccineType,
		CreatedAt:   nowUTC.Format("20060102T150405") + "00",
	}

	if err := in.blobs.Put(ctx, "processing/"+filename, content); err != nil {
		return nil, fmt.Errorf("store source file %s: %w", filename, err)
	}

	entry := &LedgerEntry{
		MessageID: event.MessageID,
		Filename:  filename,
		QueueName: DeriveQueueName(supplier, vaccineType),
		Status:    StatusQueued,
		CreatedAt: event.CreatedAt,
		ExpiresAt: nowUTC.AddDate(0, 0, in.TTLDays).Unix(),
	}

	allowed, err := in.supplierAllowed(ctx, supplier, vaccineType)
	if err != nil {
		return nil, err
	}
	if !allowed {
		entry.Status = StatusNotProcessedUnauthorised
		if err := in.refuse(ctx, entry, "unauthorised"); err != nil {
			return nil, err
		}
		in.logger.Warn().
			Str("filename", filename).
			Str("supplier", supplier).
			Str("vaccine_type", vaccineType).
			Msg("file refused: supplier not authorised")
		return nil, ErrUnauthorised
	}

	if err := in.ledger.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	if err := in.files.Publish(ctx, stream.Event{Key: entry.QueueName, Value: event}); err != nil {
		return nil, fmt.Errorf("announce file %s: %w", filename, err)
	}

	in.logger.Info().
		Str("message_id", event.MessageID).
		Str("filename", filename).
		Str("queue", entry.QueueName).
		Msg("file queued")
	return event, nil
}

func (in *Intake) supplierAllowed(ctx context.Context, supplier, vaccineType string) (bool, error) {
	perms, err := in.perms.SupplierPermissions(ctx, supplier)
	if errors.Is(err, permcache.ErrSupplierUnknown) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up permissions for %s: %w", supplier, err)
	}
	return permcache.AllowsVaccineType(perms, vaccineType), nil
}

// refuse records the terminal status, writes the infrastructure ack and
// archives the source file.
func (in *Intake) refuse(ctx context.Context, entry *LedgerEntry, reason string) error {
	if err := in.ledger.Upsert(ctx, entry); err != nil {
		return err
	}
	if err := WriteInfAck(ctx, in.blobs, entry.MessageID, entry.Filename, entry.CreatedAt); err != nil {
		return err
	}
	if err := in.blobs.Move(ctx, "processing/"+entry.Filename, "archive/"+entry.Filename); err != nil {
		return fmt.Errorf("archive refused file %s: %w", entry.Filename, err)
	}
	in.metrics.FilesRefused.WithLabelValues(reason).Inc()
	return nil
}
