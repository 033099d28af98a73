package keyval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TableSchema declares a table and the attributes that need secondary
// indexes for QueryIndex.
type TableSchema struct {
	Table      Table
	IndexAttrs []string
}

// EnsureSchema creates the backing tables and expression indexes if they do
// not already exist. It is idempotent and safe to run at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schemas []TableSchema) error {
	for _, ts := range schemas {
		_, err := pool.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (pk TEXT PRIMARY KEY, attrs JSONB NOT NULL)`,
			ts.Table.Name))
		if err != nil {
			return fmt.Errorf("create table %s: %w", ts.Table.Name, err)
		}

		for _, attr := range ts.IndexAttrs {
			_, err := pool.Exec(ctx, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s ((attrs->>'%s'))`,
				ts.Table.Name, indexName(attr), ts.Table.Name, attr))
			if err != nil {
				return fmt.Errorf("create index on %s.%s: %w", ts.Table.Name, attr, err)
			}
		}
	}
	return nil
}

func indexName(attr string) string {
	out := make([]rune, 0, len(attr))
	for _, r := range attr {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+'a'-'A')
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
