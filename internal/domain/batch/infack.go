package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/veds/veds/internal/platform/blobstore"
)

// infAckHeaders is the infrastructure acknowledgement header row. An InfAck
// carries exactly one data row reporting a file-level failure.
var infAckHeaders = []string{
	"MESSAGE_HEADER_ID", "HEADER_RESPONSE_CODE", "ISSUE_SEVERITY", "ISSUE_CODE",
	"ISSUE_DETAILS_CODE", "RESPONSE_TYPE", "RESPONSE_CODE", "RESPONSE_DISPLAY",
	"RECEIVED_TIME", "MAILBOX_FROM", "LOCAL_ID", "MESSAGE_DELIVERY",
}

// infAckKey places the ack next to its source file name:
// ack/<file>_InfAck_<createdAt>.csv.
func infAckKey(filename, createdAt string) string {
	stem := strings.TrimSuffix(filename, ".csv")
	return fmt.Sprintf("ack/%s_InfAck_%s.csv", stem, createdAt)
}

// WriteInfAck writes the single-row infrastructure acknowledgement for a file
// that was refused before row processing. Mailbox and local id stay blank:
// they only apply to files collected from a MESH mailbox.
func WriteInfAck(ctx context.Context, store blobstore.ObjectStore, messageID, filename, createdAt string) error {
	row := []string{
		messageID,
		"Failure",
		"Fatal",
		"Fatal Error",
		"10001",
		"Technical",
		"10002",
		"Infrastructure Level Response Value - Processing Error",
		createdAt,
		"",
		"",
		"False",
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if err := w.Write(infAckHeaders); err != nil {
		return fmt.Errorf("write infack header: %w", err)
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write infack row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode infack: %w", err)
	}

	if err := store.Put(ctx, infAckKey(filename, createdAt), buf.Bytes()); err != nil {
		return fmt.Errorf("upload infack for %s: %w", filename, err)
	}
	return nil
}
