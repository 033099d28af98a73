package immunization

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Poll defaults for the batch path. The identifier index usually catches up
// within a few tens of milliseconds; 30 x 60ms bounds the wait under two
// seconds.
const (
	defaultPollAttempts = 30
	defaultPollDelay    = 60 * time.Millisecond
	pollLogThreshold    = 6
)

// identifierLookup is the slice of Repository the guard needs.
type identifierLookup interface {
	GetByIdentifier(ctx context.Context, system, value string) (*Record, error)
}

// IdentifierGuard enforces business-identifier uniqueness over the
// eventually consistent identifier index. Enforcement is best effort: two
// concurrent writers can both pass the check, so creates are additionally
// backstopped by the conditional insert.
type IdentifierGuard struct {
	lookup identifierLookup
	logger zerolog.Logger

	// Tunables, overridable in tests.
	Attempts int
	Delay    time.Duration

	// RetryObserver, when set, is called once per poll retry.
	RetryObserver func()
}

// NewIdentifierGuard builds a guard with the default poll tunables.
func NewIdentifierGuard(lookup identifierLookup, logger zerolog.Logger) *IdentifierGuard {
	return &IdentifierGuard{
		lookup:   lookup,
		logger:   logger,
		Attempts: defaultPollAttempts,
		Delay:    defaultPollDelay,
	}
}

// CheckInteractive is the synchronous-path check: one index query, and a
// visible match means duplicate. Index staleness is tolerated; the
// conditional insert is the backstop.
func (g *IdentifierGuard) CheckInteractive(ctx context.Context, system, value string) error {
	rec, err := g.lookup.GetByIdentifier(ctx, system, value)
	if err != nil {
		return err
	}
	if rec != nil {
		return ErrDuplicateIdentifier
	}
	return nil
}

// WaitForIdentifier is the batch-path lookup. When the caller knows the
// record should exist (isPresent), the index is polled until the row turns
// up or the attempts run out, in which case ErrRetriesExhausted is returned
// so the caller can tell exhaustion from a plain miss; otherwise a single
// query is made and a miss is (nil, nil).
func (g *IdentifierGuard) WaitForIdentifier(ctx context.Context, system, value string, isPresent bool) (*Record, error) {
	rec, err := g.lookup.GetByIdentifier(ctx, system, value)
	if err != nil || rec != nil || !isPresent {
		return rec, err
	}

	for attempt := 1; attempt < g.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.Delay):
		}

		if g.RetryObserver != nil {
			g.RetryObserver()
		}
		if attempt == pollLogThreshold {
			g.logger.Warn().
				Str("system", system).
				Int("attempt", attempt).
				Msg("identifier still not visible on index")
		}

		rec, err = g.lookup.GetByIdentifier(ctx, system, value)
		if err != nil || rec != nil {
			return rec, err
		}
	}

	g.logger.Warn().
		Str("system", system).
		Int("attempts", g.Attempts).
		Msg("identifier never became visible on index")
	return nil, ErrRetriesExhausted
}
