package keyval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL-backed Store. Each logical table is one SQL
// table of (pk TEXT PRIMARY KEY, attrs JSONB). Every conditional write is a
// single statement so the per-item atomicity guarantee comes from the
// statement itself, never from a transaction spanning items.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, table Table, key string) (Item, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT attrs FROM %s WHERE pk = $1`, table.Name), key,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table.Name, err)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode %s item: %w", table.Name, err)
	}
	return item, nil
}

func (s *PGStore) Put(ctx context.Context, table Table, item Item, cond *Cond) error {
	key, _ := item[table.KeyAttr].(string)
	if key == "" {
		return fmt.Errorf("put %s: missing key attribute %s", table.Name, table.KeyAttr)
	}
	attrs, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", table.Name, err)
	}

	sql := fmt.Sprintf(
		`INSERT INTO %s (pk, attrs) VALUES ($1, $2::jsonb)
		 ON CONFLICT (pk) DO UPDATE SET attrs = EXCLUDED.attrs`, table.Name)
	args := []any{key, attrs}
	if cond != nil {
		// The condition guards replacement of an existing row; a fresh
		// insert takes the no-conflict path, matching the absent-item
		// semantics of NotExists and Ne.
		clause, condArgs := compileCond(*cond, fmt.Sprintf("%s.attrs", table.Name), len(args))
		sql += " WHERE " + clause
		args = append(args, condArgs...)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("put %s: %w", table.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, table Table, key string, set Item, remove []string, cond *Cond) error {
	setJSON, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode %s update: %w", table.Name, err)
	}

	// A nil slice is encoded as SQL NULL and the jsonb delete operator is
	// strict, which would null out attrs entirely.
	if remove == nil {
		remove = []string{}
	}

	sql := fmt.Sprintf(
		`UPDATE %s SET attrs = (attrs || $2::jsonb) - $3::text[] WHERE pk = $1`, table.Name)
	args := []any{key, setJSON, remove}
	if cond != nil {
		clause, condArgs := compileCond(*cond, "attrs", len(args))
		sql += " AND " + clause
		args = append(args, condArgs...)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PGStore) QueryIndex(ctx context.Context, table Table, attr, value string, opts QueryOptions) (*Page, error) {
	sql := fmt.Sprintf(
		`SELECT pk, attrs FROM %s WHERE attrs->>$1 = $2 AND pk > $3 ORDER BY pk`, table.Name)
	args := []any{attr, value, opts.StartToken}
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", table.Name, attr, err)
	}
	defer rows.Close()

	page := &Page{}
	var lastKey string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&lastKey, &raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table.Name, err)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s item: %w", table.Name, err)
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", table.Name, attr, err)
	}
	if opts.Limit > 0 && len(page.Items) == opts.Limit {
		page.NextToken = lastKey
	}
	return page, nil
}

// compileCond renders a condition as a SQL predicate over the given jsonb
// column expression, numbering placeholders after the first argOffset args.
func compileCond(c Cond, col string, argOffset int) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", argOffset+len(args))
	}

	var render func(c Cond) string
	render = func(c Cond) string {
		switch c.op {
		case opExists:
			return fmt.Sprintf("%s ? %s", col, next(c.attr))
		case opNotExists:
			return fmt.Sprintf("NOT (%s ? %s)", col, next(c.attr))
		case opEq:
			return fmt.Sprintf("%s->>%s = %s", col, next(c.attr), next(canonical(c.value)))
		case opNe:
			a := next(c.attr)
			return fmt.Sprintf("(NOT (%s ? %s) OR %s->>%s <> %s)", col, a, col, a, next(canonical(c.value)))
		case opAnd:
			parts := make([]string, len(c.subs))
			for i, s := range c.subs {
				parts[i] = render(s)
			}
			return "(" + strings.Join(parts, " AND ") + ")"
		case opOr:
			parts := make([]string, len(c.subs))
			for i, s := range c.subs {
				parts[i] = render(s)
			}
			return "(" + strings.Join(parts, " OR ") + ")"
		}
		return "FALSE"
	}

	return render(c), args
}
