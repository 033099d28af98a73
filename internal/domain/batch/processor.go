package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/veds/veds/internal/domain/immunization"
	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/metrics"
	"github.com/veds/veds/internal/platform/stream"
)

// errBadEncoding aborts a UTF-8 pass over the source file so it can be
// re-read as Windows-1252.
var errBadEncoding = errors.New("source file is not valid utf-8")

// Processor streams a batch source file row by row onto the row topic.
// Outcomes are file-terminal: row-level problems travel inside the row
// message and the ledger records how the file as a whole fared.
type Processor struct {
	blobs   blobstore.ObjectStore
	ledger  Ledger
	rows    Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewProcessor(blobs blobstore.ObjectStore, ledger Ledger, rows Publisher, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		blobs:   blobs,
		ledger:  ledger,
		rows:    rows,
		metrics: m,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// Run processes one admitted file. Terminal outcomes (empty file, row
// emission complete, processing failure) are recorded on the ledger and
// return nil; an error return means the ledger itself could not be updated
// and the event should be redelivered.
func (p *Processor) Run(ctx context.Context, event *FileCreatedEvent) error {
	count, err := p.emitFile(ctx, event)
	if err != nil {
		p.logger.Error().
			Str("message_id", event.MessageID).
			Str("filename", event.Filename).
			Err(err).
			Msg("file processing failed")
		// The queue stays blocked until an operator resolves the Failed
		// entry, so the failure is terminal for this event.
		return p.ledger.MarkFailed(ctx, event.MessageID, err.Error())
	}

	if count == 0 {
		p.logger.Warn().
			Str("message_id", event.MessageID).
			Str("filename", event.Filename).
			Msg("file carries no rows, archiving")
		if err := p.blobs.Move(ctx, "processing/"+event.Filename, "archive/"+event.Filename); err != nil {
			return fmt.Errorf("archive empty file %s: %w", event.Filename, err)
		}
		p.metrics.FilesRefused.WithLabelValues("empty").Inc()
		return p.ledger.MarkNotProcessed(ctx, event.MessageID, StatusNotProcessedEmpty)
	}

	p.logger.Info().
		Str("message_id", event.MessageID).
		Str("filename", event.Filename).
		Int("rows", count).
		Msg("file rows emitted")
	return p.ledger.MarkPreprocessed(ctx, event.MessageID, int64(count))
}

// emitFile reads the source file and publishes one row message per data row.
// The file is read as UTF-8 first; when an invalid byte sequence appears
// mid-file the whole file is re-read as Windows-1252, resuming after the
// last row already emitted so no row is published twice.
func (p *Processor) emitFile(ctx context.Context, event *FileCreatedEvent) (int, error) {
	data, err := p.blobs.Get(ctx, "processing/"+event.Filename)
	if err != nil {
		return 0, fmt.Errorf("read source file %s: %w", event.Filename, err)
	}

	count, err := p.emitRows(ctx, event, bytes.NewReader(data), 0)
	if errors.Is(err, errBadEncoding) {
		p.logger.Warn().
			Str("filename", event.Filename).
			Int("rows_emitted", count).
			Msg("encoding fallback to windows-1252")
		fallback := transform.NewReader(bytes.NewReader(data), charmap.Windows1252.NewDecoder())
		count, err = p.emitRows(ctx, event, fallback, count)
	}
	return count, err
}

func (p *Processor) emitRows(ctx context.Context, event *FileCreatedEvent, src io.Reader, startRow int) (int, error) {
	r := csv.NewReader(src)
	r.Comma = '|'
	r.FieldsPerRecord = -1

	headers, err := r.Read()
	if err == io.EOF {
		return startRow, nil
	}
	if err != nil {
		return startRow, fmt.Errorf("read header row: %w", err)
	}
	if !fieldsValidUTF8(headers) {
		return startRow, errBadEncoding
	}

	emitted := startRow
	rowNum := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			return emitted, nil
		}
		if err != nil {
			return emitted, fmt.Errorf("read row %d: %w", rowNum+1, err)
		}
		rowNum++
		if rowNum <= startRow {
			continue
		}
		if !fieldsValidUTF8(record) {
			return emitted, errBadEncoding
		}

		msg := convertRow(event, headers, record, rowNum)
		if err := p.rows.Publish(ctx, stream.Event{Key: DeriveQueueName(event.Supplier, event.VaccineType), Value: msg}); err != nil {
			return emitted, fmt.Errorf("publish row %s: %w", msg.RowID, err)
		}
		p.metrics.RowsProcessed.WithLabelValues(DeriveQueueName(event.Supplier, event.VaccineType)).Inc()
		emitted++
	}
}

func fieldsValidUTF8(fields []string) bool {
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Row conversion
// ---------------------------------------------------------------------------

// actionFlagToOperation maps the source file action flag to the record store
// operation.
var actionFlagToOperation = map[string]string{
	"NEW":    "CREATE",
	"UPDATE": "UPDATE",
	"DELETE": "DELETE",
}

// convertRow builds the row message for one data row. Conversion problems
// are carried as diagnostics so the row still earns an acknowledgement.
func convertRow(event *FileCreatedEvent, headers, record []string, rowNum int) RowMessage {
	row := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(record) {
			row[strings.ToUpper(strings.TrimSpace(h))] = strings.TrimSpace(record[i])
		}
	}

	msg := RowMessage{
		RowID:       MakeRowID(event.MessageID, rowNum),
		Filename:    event.Filename,
		Supplier:    event.Supplier,
		VaccineType: event.VaccineType,
		CreatedAt:   event.CreatedAt,
		LocalID:     row["UNIQUE_ID"] + "^" + row["UNIQUE_ID_URI"],
	}

	if row["UNIQUE_ID"] == "" || row["UNIQUE_ID_URI"] == "" {
		msg.Diagnostics = "row carries no unique identifier"
		return msg
	}

	op, ok := actionFlagToOperation[strings.ToUpper(row["ACTION_FLAG"])]
	if !ok {
		msg.Diagnostics = fmt.Sprintf("unrecognised action flag %q", row["ACTION_FLAG"])
		return msg
	}
	msg.Operation = op

	codes := immunization.DiseaseCodes(event.VaccineType)
	if codes == nil {
		msg.Diagnostics = fmt.Sprintf("unsupported vaccine type %q", event.VaccineType)
		return msg
	}

	resource, err := rowToResource(row, codes, op)
	if err != nil {
		msg.Diagnostics = err.Error()
		return msg
	}
	msg.Resource = resource
	return msg
}

// rowToResource builds the stored payload from the flat row. All submitted
// vaccinations are completed events. A delete only needs enough to locate
// the record.
func rowToResource(row map[string]string, diseaseCodes []string, operation string) (json.RawMessage, error) {
	coding := make([]map[string]any, 0, len(diseaseCodes))
	for _, code := range diseaseCodes {
		coding = append(coding, map[string]any{
			"system": "http://snomed.info/sct",
			"code":   code,
		})
	}

	resource := map[string]any{
		"resourceType": "Immunization",
		"status":       "completed",
		"identifier": []map[string]any{{
			"system": row["UNIQUE_ID_URI"],
			"value":  row["UNIQUE_ID"],
		}},
		"protocolApplied": []map[string]any{{
			"targetDisease": []map[string]any{{"coding": coding}},
		}},
	}

	if operation != "DELETE" {
		if nhs := row["NHS_NUMBER"]; nhs != "" {
			resource["contained"] = []map[string]any{{
				"resourceType": "Patient",
				"id":           "Patient1",
				"identifier": []map[string]any{{
					"system": "https://fhir.nhs.uk/Id/nhs-number",
					"value":  nhs,
				}},
			}}
			resource["patient"] = map[string]any{"reference": "#Patient1"}
		}
		if occurrence := row["DATE_AND_TIME"]; occurrence != "" {
			resource["occurrenceDateTime"] = occurrence
		}
		if recorded := row["RECORDED_DATE"]; recorded != "" {
			resource["recorded"] = recorded
		}
		if lot := row["BATCH_NUMBER"]; lot != "" {
			resource["lotNumber"] = lot
		}
	}

	out, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("encode row resource: %w", err)
	}
	return out, nil
}
