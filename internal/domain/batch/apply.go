package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/domain/immunization"
	"github.com/veds/veds/internal/platform/stream"
)

// recordWriter is the slice of the immunization service the apply stage
// needs. *immunization.Service satisfies it.
type recordWriter interface {
	CreateFromBatch(ctx context.Context, resource json.RawMessage, supplier string) (*immunization.Record, error)
	UpdateFromBatch(ctx context.Context, resource json.RawMessage, supplier string) (*immunization.Record, error)
	DeleteFromBatch(ctx context.Context, resource json.RawMessage, supplier string) error
}

// Applier consumes row messages and applies them to the record store. Every
// row produces exactly one outcome message, success or not, so the
// acknowledgement file can reach row-completeness.
type Applier struct {
	records  recordWriter
	outcomes Publisher
	logger   zerolog.Logger
}

func NewApplier(records recordWriter, outcomes Publisher, logger zerolog.Logger) *Applier {
	return &Applier{
		records:  records,
		outcomes: outcomes,
		logger:   logger.With().Str("component", "applier").Logger(),
	}
}

// HandleRow is the row topic consumer handler.
func (a *Applier) HandleRow(ctx context.Context, _, value []byte) error {
	var row RowMessage
	if err := json.Unmarshal(value, &row); err != nil {
		return fmt.Errorf("decode row message: %w", err)
	}

	outcome := a.apply(ctx, &row)
	if err := a.outcomes.Publish(ctx, stream.Event{Key: outcome.Filename, Value: outcome}); err != nil {
		return fmt.Errorf("publish outcome for %s: %w", row.RowID, err)
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, row *RowMessage) OutcomeMessage {
	outcome := OutcomeMessage{
		RowID:       row.RowID,
		Filename:    row.Filename,
		Supplier:    row.Supplier,
		VaccineType: row.VaccineType,
		CreatedAt:   row.CreatedAt,
		LocalID:     row.LocalID,
	}

	// Rows the processor could not convert carry their diagnostics through.
	if row.Diagnostics != "" {
		outcome.Diagnostics = row.Diagnostics
		return outcome
	}

	var (
		rec *immunization.Record
		err error
	)
	switch row.Operation {
	case "CREATE":
		rec, err = a.records.CreateFromBatch(ctx, row.Resource, row.Supplier)
	case "UPDATE":
		rec, err = a.records.UpdateFromBatch(ctx, row.Resource, row.Supplier)
	case "DELETE":
		err = a.records.DeleteFromBatch(ctx, row.Resource, row.Supplier)
	default:
		err = fmt.Errorf("unrecognised operation %q", row.Operation)
	}

	if err != nil {
		outcome.Diagnostics = diagnosticsFor(err)
		a.logger.Warn().
			Str("row_id", row.RowID).
			Str("operation", row.Operation).
			Str("diagnostics", outcome.Diagnostics).
			Msg("row apply failed")
		return outcome
	}

	if rec != nil {
		outcome.ImmsID = rec.ID
	}
	return outcome
}

// diagnosticsFor renders a store error as acknowledgement diagnostics text.
func diagnosticsFor(err error) string {
	switch {
	case errors.Is(err, immunization.ErrDuplicateIdentifier):
		return "The provided identifier value and system are duplicated with an existing record"
	case errors.Is(err, immunization.ErrNotFound):
		return "The requested immunization record was not found"
	default:
		return err.Error()
	}
}
