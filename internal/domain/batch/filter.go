package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/metrics"
)

// ErrQueueBusy signals that another file on the same supplier + vaccine type
// queue is in flight or stuck. The file event stays uncommitted so the
// transport redelivers it, and the ledger entry stays Queued.
var ErrQueueBusy = errors.New("another file on the queue is processing or failed")

// Filter is the admission gate between intake and row processing. Exactly
// one file per queue moves past it at a time.
type Filter struct {
	ledger    Ledger
	blobs     blobstore.ObjectStore
	processor *Processor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewFilter(ledger Ledger, blobs blobstore.ObjectStore, processor *Processor, m *metrics.Metrics, logger zerolog.Logger) *Filter {
	return &Filter{
		ledger:    ledger,
		blobs:     blobs,
		processor: processor,
		metrics:   m,
		logger:    logger.With().Str("component", "filter").Logger(),
	}
}

// HandleFileEvent is the file topic consumer handler.
func (f *Filter) HandleFileEvent(ctx context.Context, _, value []byte) error {
	var event FileCreatedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode file event: %w", err)
	}
	return f.Admit(ctx, &event)
}

// Admit decides the fate of one queued file: refuse duplicates, defer while
// the queue is busy, otherwise mark Processing and run the row processor.
func (f *Filter) Admit(ctx context.Context, event *FileCreatedEvent) error {
	queue := DeriveQueueName(event.Supplier, event.VaccineType)

	duplicate, err := f.ledger.FindProcessedByFilename(ctx, event.Filename, event.MessageID)
	if err != nil {
		return err
	}
	if duplicate {
		f.logger.Warn().
			Str("message_id", event.MessageID).
			Str("filename", event.Filename).
			Msg("file refused: filename already processed")
		return f.refuseDuplicate(ctx, event)
	}

	busy, err := f.ledger.QueueBusy(ctx, queue, event.MessageID)
	if err != nil {
		return err
	}
	if busy {
		f.logger.Info().
			Str("message_id", event.MessageID).
			Str("queue", queue).
			Msg("queue busy, deferring file")
		return ErrQueueBusy
	}

	if err := f.ledger.MarkProcessing(ctx, event.MessageID); err != nil {
		return err
	}
	f.logger.Info().
		Str("message_id", event.MessageID).
		Str("filename", event.Filename).
		Str("queue", queue).
		Msg("file admitted")

	return f.processor.Run(ctx, event)
}

func (f *Filter) refuseDuplicate(ctx context.Context, event *FileCreatedEvent) error {
	if err := f.ledger.MarkNotProcessed(ctx, event.MessageID, StatusNotProcessedDuplicate); err != nil {
		return err
	}
	if err := WriteInfAck(ctx, f.blobs, event.MessageID, event.Filename, event.CreatedAt); err != nil {
		return err
	}
	if err := f.blobs.Move(ctx, "processing/"+event.Filename, "archive/"+event.Filename); err != nil {
		// The duplicate's source object may already have been archived by
		// the submission that processed first.
		if !errors.Is(err, blobstore.ErrObjectNotFound) {
			return fmt.Errorf("archive duplicate file %s: %w", event.Filename, err)
		}
	}
	f.metrics.FilesRefused.WithLabelValues("duplicate").Inc()
	return nil
}
