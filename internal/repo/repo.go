package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"approvald/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn picks the open transaction when there is one. The store runs on a
// single connection, so code holding a tx must never fall back to r.DB.
func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

func notFound(entity, id string) error {
	return domain.NotFound(entity, id)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r Repo) UpsertLocation(ctx context.Context, tx *sql.Tx, loc domain.Location) error {
	if strings.TrimSpace(loc.ID) == "" {
		return domain.InvalidArgument("location id required")
	}
	if loc.ParentID != nil && *loc.ParentID == loc.ID {
		return domain.InvalidArgument("location %s cannot be its own parent", loc.ID)
	}
	if loc.Name == "" {
		loc.Name = loc.ID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO locations(id,name,parent_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, parent_id=excluded.parent_id`,
		loc.ID, loc.Name, nullablePtr(loc.ParentID))
	return err
}

func (r Repo) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var loc domain.Location
	var parent sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,parent_id FROM locations WHERE id=?`, id).Scan(&loc.ID, &loc.Name, &parent)
	if err == sql.ErrNoRows {
		return loc, notFound("location", id)
	}
	if err != nil {
		return loc, err
	}
	loc.ParentID = ptrFromNull(parent)
	return loc, nil
}

func (r Repo) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,parent_id FROM locations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Location
	for rows.Next() {
		var loc domain.Location
		var parent sql.NullString
		if err := rows.Scan(&loc.ID, &loc.Name, &parent); err != nil {
			return nil, err
		}
		loc.ParentID = ptrFromNull(parent)
		res = append(res, loc)
	}
	return res, rows.Err()
}

const ancestorsQuery = `
WITH RECURSIVE up(id, parent_id, depth) AS (
  SELECT id, parent_id, 0 FROM locations WHERE id=?
  UNION
  SELECT l.id, l.parent_id, up.depth+1 FROM locations l JOIN up ON l.id=up.parent_id WHERE up.depth < 64
)
SELECT id FROM up ORDER BY depth`

// Ancestors returns id followed by its ancestors, nearest first. An unknown id
// yields an empty slice.
func (r Repo) Ancestors(ctx context.Context, id string) ([]string, error) {
	return r.ancestors(ctx, r.DB, id)
}

func (r Repo) AncestorsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	return r.ancestors(ctx, r.conn(tx), id)
}

func (r Repo) ancestors(ctx context.Context, q dbtx, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, ancestorsQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// IsDescendantOf reports whether candidate lies strictly below ancestor in the
// location tree.
func (r Repo) IsDescendantOf(ctx context.Context, candidate, ancestor string) (bool, error) {
	if candidate == "" || ancestor == "" || candidate == ancestor {
		return false, nil
	}
	chain, err := r.Ancestors(ctx, candidate)
	if err != nil {
		return false, err
	}
	for _, id := range chain[min(1, len(chain)):] {
		if id == ancestor {
			return true, nil
		}
	}
	return false, nil
}
