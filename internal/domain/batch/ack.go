package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/metrics"
)

// busAckHeaders is the business acknowledgement header row. One data row is
// written per source file row.
var busAckHeaders = []string{
	"MESSAGE_HEADER_ID", "HEADER_RESPONSE_CODE", "ISSUE_SEVERITY", "ISSUE_CODE",
	"ISSUE_DETAILS_CODE", "RESPONSE_TYPE", "RESPONSE_CODE", "RESPONSE_DISPLAY",
	"RECEIVED_TIME", "MAILBOX_FROM", "LOCAL_ID", "IMMS_ID", "OPERATION_OUTCOME",
	"MESSAGE_DELIVERY",
}

// Assembler accumulates per-row outcomes into the business acknowledgement
// file. Rows gather in TempAck/ until every source row is accounted for,
// then the finished ack moves to forwardedFile/ and the source file is
// archived.
type Assembler struct {
	blobs   blobstore.ObjectStore
	ledger  Ledger
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// counts caches messageID -> expected row count. It is rebuilt from the
	// ledger on a miss, so losing it on restart is harmless.
	mu     sync.Mutex
	counts map[string]int64
}

func NewAssembler(blobs blobstore.ObjectStore, ledger Ledger, m *metrics.Metrics, logger zerolog.Logger) *Assembler {
	return &Assembler{
		blobs:   blobs,
		ledger:  ledger,
		metrics: m,
		logger:  logger.With().Str("component", "assembler").Logger(),
		counts:  make(map[string]int64),
	}
}

// HandleOutcome is the outcome topic consumer handler.
func (a *Assembler) HandleOutcome(ctx context.Context, _, value []byte) error {
	var outcome OutcomeMessage
	if err := json.Unmarshal(value, &outcome); err != nil {
		return fmt.Errorf("decode outcome message: %w", err)
	}
	return a.Append(ctx, &outcome)
}

// Append adds one outcome row to the interim ack file and completes the
// batch when all rows are present. A redelivered row number is ignored
// rather than re-counted.
func (a *Assembler) Append(ctx context.Context, outcome *OutcomeMessage) error {
	messageID, rowNum, err := SplitRowID(outcome.RowID)
	if err != nil {
		return err
	}

	tempKey := tempAckKey(outcome.Filename, outcome.CreatedAt)
	rows, seen, err := a.readAckRows(ctx, tempKey)
	if err != nil {
		return err
	}

	if !seen[rowNum] {
		rows = append(rows, busAckRow(outcome))
		seen[rowNum] = true
		if err := a.writeAckRows(ctx, tempKey, rows); err != nil {
			return err
		}
		a.metrics.AckRowsWritten.Inc()
	}

	expected, err := a.expectedRows(ctx, messageID)
	if err != nil {
		return err
	}
	if expected == 0 || int64(len(seen)) < expected {
		return nil
	}
	return a.complete(ctx, messageID, outcome, tempKey)
}

// expectedRows resolves the record count for the batch, consulting the
// ledger when the in-process cache has no entry. 0 means the processor has
// not recorded the count yet.
func (a *Assembler) expectedRows(ctx context.Context, messageID string) (int64, error) {
	a.mu.Lock()
	cached, ok := a.counts[messageID]
	a.mu.Unlock()
	if ok && cached > 0 {
		return cached, nil
	}

	count, err := a.ledger.RecordCount(ctx, messageID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		a.mu.Lock()
		a.counts[messageID] = count
		a.mu.Unlock()
	}
	return count, nil
}

func (a *Assembler) complete(ctx context.Context, messageID string, outcome *OutcomeMessage, tempKey string) error {
	finalKey := "forwardedFile/" + strings.TrimPrefix(tempKey, "TempAck/")
	if err := a.blobs.Move(ctx, tempKey, finalKey); err != nil {
		return fmt.Errorf("forward ack file %s: %w", tempKey, err)
	}
	if err := a.blobs.Move(ctx, "processing/"+outcome.Filename, "archive/"+outcome.Filename); err != nil {
		return fmt.Errorf("archive source file %s: %w", outcome.Filename, err)
	}
	if err := a.ledger.MarkProcessed(ctx, messageID); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.counts, messageID)
	a.mu.Unlock()

	a.metrics.FilesCompleted.Inc()
	a.logger.Info().
		Str("message_id", messageID).
		Str("filename", outcome.Filename).
		Str("ack_file", finalKey).
		Msg("batch file completed")
	return nil
}

// readAckRows loads the interim ack file. The store has no append
// primitive, so the whole object is read, extended and rewritten. Returns
// the data rows and the set of row numbers already present.
func (a *Assembler) readAckRows(ctx context.Context, key string) ([][]string, map[int]bool, error) {
	seen := make(map[int]bool)

	data, err := a.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		return nil, seen, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read ack file %s: %w", key, err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '|'
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse ack file %s: %w", key, err)
	}

	var rows [][]string
	for i, record := range records {
		if i == 0 {
			continue // header
		}
		rows = append(rows, record)
		if _, n, err := SplitRowID(record[0]); err == nil {
			seen[n] = true
		}
	}
	return rows, seen, nil
}

func (a *Assembler) writeAckRows(ctx context.Context, key string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if err := w.Write(busAckHeaders); err != nil {
		return fmt.Errorf("write ack header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write ack rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode ack file: %w", err)
	}
	if err := a.blobs.Put(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("store ack file %s: %w", key, err)
	}
	return nil
}

func tempAckKey(filename, createdAt string) string {
	stem := strings.TrimSuffix(filename, ".csv")
	return fmt.Sprintf("TempAck/%s_BusAck_%s.csv", stem, createdAt)
}

// busAckRow converts one outcome to its acknowledgement row.
func busAckRow(outcome *OutcomeMessage) []string {
	if outcome.Succeeded() {
		return []string{
			outcome.RowID,
			"OK",
			"Information",
			"OK",
			"30001",
			"Business",
			"30001",
			"Success",
			outcome.CreatedAt,
			"",
			outcome.LocalID,
			outcome.ImmsID,
			"",
			"True",
		}
	}
	return []string{
		outcome.RowID,
		"Fatal Error",
		"Fatal",
		"Fatal Error",
		"30002",
		"Business",
		"30002",
		"Business Level Response Value - Processing Error",
		outcome.CreatedAt,
		"",
		outcome.LocalID,
		"",
		outcome.Diagnostics,
		"False",
	}
}
