package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/veds/veds/internal/platform/blobstore"
	"github.com/veds/veds/internal/platform/keyval"
	"github.com/veds/veds/internal/platform/metrics"
	"github.com/veds/veds/internal/platform/permcache"
	"github.com/veds/veds/internal/platform/stream"
)

// capturePublisher records published events in memory.
type capturePublisher struct {
	events []stream.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, event stream.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type intakeFixture struct {
	intake *Intake
	ledger Ledger
	blobs  *blobstore.MemoryStore
	perms  *permcache.MemoryCache
	files  *capturePublisher
}

func newIntakeFixture(t *testing.T) *intakeFixture {
	t.Helper()
	m, _ := metrics.New()
	f := &intakeFixture{
		ledger: NewLedger(keyval.NewMemoryStore()),
		blobs:  blobstore.NewMemoryStore(),
		perms:  permcache.NewMemoryCache(),
		files:  &capturePublisher{},
	}
	f.intake = NewIntake(f.ledger, f.perms, f.blobs, f.files, m, zerolog.Nop())
	f.intake.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func TestIntakeQueuesAuthorisedFile(t *testing.T) {
	f := newIntakeFixture(t)
	f.perms.Grant("EMIS", "FLU_FULL")
	ctx := context.Background()

	event, err := f.intake.SubmitFile(ctx, "flu_batch.csv", "EMIS", "FLU", []byte("HEADER\nrow"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if event.MessageID == "" {
		t.Error("no message id assigned")
	}
	if event.CreatedAt != "20240601T12000000" {
		t.Errorf("created at = %s", event.CreatedAt)
	}

	entry, err := f.ledger.Get(ctx, event.MessageID)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if entry.Status != StatusQueued || entry.QueueName != "EMIS_FLU" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ExpiresAt == 0 {
		t.Error("no expiry recorded")
	}

	if ok, _ := f.blobs.Exists(ctx, "processing/flu_batch.csv"); !ok {
		t.Error("source file not stored under processing/")
	}
	if len(f.files.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(f.files.events))
	}
	if f.files.events[0].Key != "EMIS_FLU" {
		t.Errorf("event key = %s", f.files.events[0].Key)
	}
}

func TestIntakeRefusesUnauthorisedSupplier(t *testing.T) {
	f := newIntakeFixture(t)
	f.perms.Grant("EMIS", "COVID19_FULL")
	ctx := context.Background()

	_, err := f.intake.SubmitFile(ctx, "flu_batch.csv", "EMIS", "FLU", []byte("HEADER\nrow"))
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("err = %v, want ErrUnauthorised", err)
	}

	// The refusal is fully recorded: ledger entry, infrastructure ack and
	// archived source file, no pipeline event.
	keys := f.blobs.Keys("ack/")
	if len(keys) != 1 || !strings.Contains(keys[0], "_InfAck_") {
		t.Errorf("ack keys = %v", keys)
	}
	ack, _ := f.blobs.Get(ctx, keys[0])
	if !strings.Contains(string(ack), "Infrastructure Level Response Value - Processing Error") {
		t.Errorf("ack content:\n%s", ack)
	}

	if ok, _ := f.blobs.Exists(ctx, "archive/flu_batch.csv"); !ok {
		t.Error("refused file not archived")
	}
	if ok, _ := f.blobs.Exists(ctx, "processing/flu_batch.csv"); ok {
		t.Error("refused file left in processing/")
	}
	if len(f.files.events) != 0 {
		t.Errorf("published events = %d, want 0", len(f.files.events))
	}
}

func TestIntakeRefusesUnknownSupplier(t *testing.T) {
	f := newIntakeFixture(t)
	ctx := context.Background()

	_, err := f.intake.SubmitFile(ctx, "flu_batch.csv", "NOBODY", "FLU", []byte("data"))
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("err = %v, want ErrUnauthorised", err)
	}

	keys := f.blobs.Keys("ack/")
	if len(keys) != 1 {
		t.Fatalf("ack keys = %v", keys)
	}

	// The terminal status is findable by filename for duplicate detection.
	dup, err := f.ledger.FindProcessedByFilename(ctx, "flu_batch.csv", "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !dup {
		t.Error("refused file not visible as processed")
	}
}
