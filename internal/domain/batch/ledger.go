package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/veds/veds/internal/platform/keyval"
)

// AuditTable holds one ledger entry per submitted batch file.
var AuditTable = keyval.Table{Name: "imms_audit", KeyAttr: attrMessageID}

// AuditSchema declares the audit table and its query indexes for migration.
var AuditSchema = keyval.TableSchema{
	Table:      AuditTable,
	IndexAttrs: []string{attrFilename, attrQueueName},
}

// Ledger is the batch audit trail. Status transitions are conditional
// updates keyed by message id; index reads used for duplicate and queue
// checks may lag recent writes and the callers treat them as best effort.
type Ledger interface {
	Upsert(ctx context.Context, entry *LedgerEntry) error
	Get(ctx context.Context, messageID string) (*LedgerEntry, error)

	// FindProcessedByFilename reports whether another submission of the
	// same filename already ran to a terminal processed status.
	FindProcessedByFilename(ctx context.Context, filename, excludeMessageID string) (bool, error)

	// QueueBusy reports whether another file on the queue is Processing or
	// Failed. A Failed entry blocks the queue until resolved by an operator.
	QueueBusy(ctx context.Context, queueName, excludeMessageID string) (bool, error)

	MarkProcessing(ctx context.Context, messageID string) error
	MarkPreprocessed(ctx context.Context, messageID string, recordCount int64) error
	MarkProcessed(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID, errorDetails string) error
	MarkNotProcessed(ctx context.Context, messageID, status string) error

	// RecordCount returns the row count recorded at preprocessing, 0 when
	// not yet known.
	RecordCount(ctx context.Context, messageID string) (int64, error)
}

type kvLedger struct {
	store keyval.Store
}

// NewLedger returns a Ledger backed by the given store.
func NewLedger(store keyval.Store) Ledger {
	return &kvLedger{store: store}
}

func (l *kvLedger) Upsert(ctx context.Context, entry *LedgerEntry) error {
	item := keyval.Item{
		attrMessageID: entry.MessageID,
		attrFilename:  entry.Filename,
		attrQueueName: entry.QueueName,
		attrStatus:    entry.Status,
		attrCreatedAt: entry.CreatedAt,
	}
	if entry.ExpiresAt != 0 {
		item[attrExpiresAt] = entry.ExpiresAt
	}
	if entry.RecordCount != 0 {
		item[attrRecordCount] = entry.RecordCount
	}
	if entry.ErrorDetails != "" {
		item[attrErrorDetails] = entry.ErrorDetails
	}
	if err := l.store.Put(ctx, AuditTable, item, nil); err != nil {
		return fmt.Errorf("upsert ledger entry %s: %w", entry.MessageID, err)
	}
	return nil
}

func (l *kvLedger) Get(ctx context.Context, messageID string) (*LedgerEntry, error) {
	item, err := l.store.Get(ctx, AuditTable, messageID)
	if errors.Is(err, keyval.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", messageID, err)
	}
	return itemToEntry(item), nil
}

func (l *kvLedger) FindProcessedByFilename(ctx context.Context, filename, excludeMessageID string) (bool, error) {
	var opts keyval.QueryOptions
	for {
		page, err := l.store.QueryIndex(ctx, AuditTable, attrFilename, filename, opts)
		if err != nil {
			return false, fmt.Errorf("query ledger by filename %s: %w", filename, err)
		}
		for _, item := range page.Items {
			if keyval.Str(item, attrMessageID) == excludeMessageID {
				continue
			}
			if terminalProcessed(keyval.Str(item, attrStatus)) {
				return true, nil
			}
		}
		if page.NextToken == "" {
			return false, nil
		}
		opts.StartToken = page.NextToken
	}
}

func (l *kvLedger) QueueBusy(ctx context.Context, queueName, excludeMessageID string) (bool, error) {
	var opts keyval.QueryOptions
	for {
		page, err := l.store.QueryIndex(ctx, AuditTable, attrQueueName, queueName, opts)
		if err != nil {
			return false, fmt.Errorf("query ledger by queue %s: %w", queueName, err)
		}
		for _, item := range page.Items {
			if keyval.Str(item, attrMessageID) == excludeMessageID {
				continue
			}
			switch keyval.Str(item, attrStatus) {
			case StatusProcessing, StatusFailed:
				return true, nil
			}
		}
		if page.NextToken == "" {
			return false, nil
		}
		opts.StartToken = page.NextToken
	}
}

func (l *kvLedger) MarkProcessing(ctx context.Context, messageID string) error {
	return l.setStatus(ctx, messageID, keyval.Item{attrStatus: StatusProcessing})
}

func (l *kvLedger) MarkPreprocessed(ctx context.Context, messageID string, recordCount int64) error {
	return l.setStatus(ctx, messageID, keyval.Item{
		attrStatus:      StatusPreprocessed,
		attrRecordCount: recordCount,
	})
}

func (l *kvLedger) MarkProcessed(ctx context.Context, messageID string) error {
	return l.setStatus(ctx, messageID, keyval.Item{attrStatus: StatusProcessed})
}

func (l *kvLedger) MarkFailed(ctx context.Context, messageID, errorDetails string) error {
	return l.setStatus(ctx, messageID, keyval.Item{
		attrStatus:       StatusFailed,
		attrErrorDetails: errorDetails,
	})
}

func (l *kvLedger) MarkNotProcessed(ctx context.Context, messageID, status string) error {
	return l.setStatus(ctx, messageID, keyval.Item{attrStatus: status})
}

func (l *kvLedger) setStatus(ctx context.Context, messageID string, set keyval.Item) error {
	cond := keyval.AttrExists(attrMessageID)
	err := l.store.Update(ctx, AuditTable, messageID, set, nil, &cond)
	if errors.Is(err, keyval.ErrConditionFailed) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("update ledger entry %s: %w", messageID, err)
	}
	return nil
}

func (l *kvLedger) RecordCount(ctx context.Context, messageID string) (int64, error) {
	entry, err := l.Get(ctx, messageID)
	if err != nil {
		return 0, err
	}
	return entry.RecordCount, nil
}

// ErrEntryNotFound is returned when no ledger entry exists for the message.
var ErrEntryNotFound = errors.New("ledger entry not found")

func itemToEntry(item keyval.Item) *LedgerEntry {
	return &LedgerEntry{
		MessageID:    keyval.Str(item, attrMessageID),
		Filename:     keyval.Str(item, attrFilename),
		QueueName:    keyval.Str(item, attrQueueName),
		Status:       keyval.Str(item, attrStatus),
		CreatedAt:    keyval.Str(item, attrCreatedAt),
		ExpiresAt:    keyval.Int(item, attrExpiresAt),
		RecordCount:  keyval.Int(item, attrRecordCount),
		ErrorDetails: keyval.Str(item, attrErrorDetails),
	}
}
