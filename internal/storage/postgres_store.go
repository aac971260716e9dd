package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps every collection in one JSONB documents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// where renders the filter as SQL conditions, numbering arguments after args.
func where(coll string, f Filter, args []any) (string, []any, error) {
	args = append(args, coll)
	conds := []string{fmt.Sprintf("collection = $%d", len(args))}
	if len(f.Fields) > 0 {
		b, err := json.Marshal(f.Fields)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter: %w", err)
		}
		args = append(args, string(b))
		conds = append(conds, fmt.Sprintf("body @> $%d::jsonb", len(args)))
	}
	if len(f.StatusIn) > 0 {
		args = append(args, pq.Array(f.StatusIn))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.ExcludeID != "" {
		args = append(args, f.ExcludeID)
		conds = append(conds, fmt.Sprintf("id <> $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func (p *PostgresStore) Get(ctx context.Context, coll, id string, out any) error {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = $1 AND id = $2`, coll, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (p *PostgresStore) Find(ctx context.Context, coll string, f Filter, out any) error {
	bodies, err := p.find(ctx, p.db, coll, f, "")
	if err != nil {
		return err
	}
	return decodeList(bodies, out)
}

func (p *PostgresStore) find(ctx context.Context, q queryer, coll string, f Filter, limit string) ([][]byte, error) {
	cond, args, err := where(coll, f, nil)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT body FROM documents WHERE `+cond+` ORDER BY seq`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bodies [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		bodies = append(bodies, b)
	}
	return bodies, rows.Err()
}

func (p *PostgresStore) Insert(ctx context.Context, coll string, doc any) error {
	body, h, err := encode(doc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO documents(collection, id, status, body) VALUES($1,$2,$3,$4)`, coll, h.ID, h.Status, string(body))
	return mapPQError(err)
}

// InsertUnique serialises writers per collection with a transaction-scoped
// advisory lock, then checks the guard and inserts.
func (p *PostgresStore) InsertUnique(ctx context.Context, coll string, doc any, guard Filter) error {
	body, h, err := encode(doc)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, coll); err != nil {
		return err
	}
	existing, err := p.find(ctx, tx, coll, guard, " LIMIT 1")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return ErrDuplicate
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents(collection, id, status, body) VALUES($1,$2,$3,$4)`, coll, h.ID, h.Status, string(body)); err != nil {
		return mapPQError(err)
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdateConditional(ctx context.Context, coll, id, expectedStatus string, pt Patch) error {
	patch, status, err := normalizePatch(pt)
	if err != nil {
		return err
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE documents
		SET body = body || $3::jsonb, status = COALESCE(NULLIF($4::text, ''), status), updated_at = now()
		WHERE collection = $1 AND id = $2 AND ($5::text = '' OR status = $5::text)`,
		coll, id, string(b), status, expectedStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`, coll, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) UpdateMany(ctx context.Context, coll string, f Filter, pt Patch) (int, error) {
	patch, status, err := normalizePatch(pt)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return 0, err
	}
	cond, args, err := where(coll, f, []any{string(b), status})
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE documents
		SET body = body || $1::jsonb, status = COALESCE(NULLIF($2::text, ''), status), updated_at = now()
		WHERE `+cond, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
