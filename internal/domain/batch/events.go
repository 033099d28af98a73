package batch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FileCreatedEvent announces a batch source file that passed admission
// intake. The file itself sits in the blobstore processing/ area under
// Filename.
type FileCreatedEvent struct {
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	Supplier    string `json:"supplier"`
	VaccineType string `json:"vaccine_type"`
	// CreatedAt is the formatted intake timestamp. It is baked into the
	// acknowledgement file names so every stage must carry it unchanged.
	CreatedAt string `json:"created_at"`
}

// RowMessage is one source file row, converted and ready to apply. Rows that
// failed conversion carry Diagnostics instead of a Resource; the apply stage
// turns them straight into failure outcomes so the acknowledgement file stays
// row-complete.
type RowMessage struct {
	RowID       string          `json:"row_id"`
	Filename    string          `json:"filename"`
	Supplier    string          `json:"supplier"`
	VaccineType string          `json:"vaccine_type"`
	CreatedAt   string          `json:"created_at"`
	Operation   string          `json:"operation"`
	LocalID     string          `json:"local_id"`
	Resource    json.RawMessage `json:"resource,omitempty"`
	Diagnostics string          `json:"diagnostics,omitempty"`
}

// OutcomeMessage is the per-row result of applying a RowMessage.
type OutcomeMessage struct {
	RowID       string `json:"row_id"`
	Filename    string `json:"filename"`
	Supplier    string `json:"supplier"`
	VaccineType string `json:"vaccine_type"`
	CreatedAt   string `json:"created_at"`
	LocalID     string `json:"local_id"`
	ImmsID      string `json:"imms_id,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Succeeded reports whether the row applied cleanly.
func (m OutcomeMessage) Succeeded() bool { return m.Diagnostics == "" }

// MakeRowID builds the row identity <messageID>^<rowNumber>. Row numbers
// start at 1 and follow source file order.
func MakeRowID(messageID string, rowNumber int) string {
	return fmt.Sprintf("%s^%d", messageID, rowNumber)
}

// SplitRowID recovers the message id and row number from a row identity.
func SplitRowID(rowID string) (messageID string, rowNumber int, err error) {
	id, num, ok := strings.Cut(rowID, "^")
	if !ok {
		return "", 0, fmt.Errorf("malformed row id %q", rowID)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("malformed row id %q", rowID)
	}
	return id, n, nil
}
