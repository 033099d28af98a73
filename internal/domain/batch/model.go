package batch

import "strings"

// Ledger statuses. The "Not processed" family is terminal: the file was
// refused before any row reached the record store.
const (
	StatusQueued       = "Queued"
	StatusProcessing   = "Processing"
	StatusPreprocessed = "Preprocessed"
	StatusProcessed    = "Processed"
	StatusFailed       = "Failed"

	StatusNotProcessedDuplicate    = "Not processed - Duplicate"
	StatusNotProcessedEmpty        = "Not processed - Empty file"
	StatusNotProcessedUnauthorised = "Not processed - Unauthorised"
)

// Storage attribute names for the audit table.
const (
	attrMessageID    = "message_id"
	attrFilename     = "filename"
	attrQueueName    = "queue_name"
	attrStatus       = "status"
	attrCreatedAt    = "timestamp"
	attrExpiresAt    = "expires_at"
	attrRecordCount  = "record_count"
	attrErrorDetails = "error_details"
)

// LedgerEntry is the audit record for one submitted batch file.
type LedgerEntry struct {
	MessageID    string
	Filename     string
	QueueName    string
	Status       string
	CreatedAt    string
	ExpiresAt    int64
	RecordCount  int64
	ErrorDetails string
}

// DeriveQueueName builds the serialization key for file processing. Files
// sharing a supplier and vaccine type are processed one at a time.
func DeriveQueueName(supplier, vaccineType string) string {
	return strings.ToUpper(supplier) + "_" + strings.ToUpper(vaccineType)
}

// terminalProcessed reports whether the status means the filename was already
// handled to completion, making a re-submission a duplicate.
func terminalProcessed(status string) bool {
	switch status {
	case StatusProcessed, StatusPreprocessed,
		StatusNotProcessedDuplicate, StatusNotProcessedEmpty, StatusNotProcessedUnauthorised:
		return true
	}
	return false
}
