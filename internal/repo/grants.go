package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"approvald/internal/domain"
)

const scopeColumns = `id,user_id,permission,location_id,is_global,include_descendants,valid_from,valid_until,status`

func scanScope(s scanner) (domain.PermissionScope, error) {
	var sc domain.PermissionScope
	var loc, from, until sql.NullString
	if err := s.Scan(&sc.ID, &sc.UserID, &sc.Permission, &loc, &sc.IsGlobal, &sc.IncludeDescendants, &from, &until, &sc.Status); err != nil {
		return sc, err
	}
	sc.LocationID = ptrFromNull(loc)
	var err error
	if sc.ValidFrom, err = parseTime(from); err != nil {
		return sc, err
	}
	if sc.ValidUntil, err = parseTime(until); err != nil {
		return sc, err
	}
	return sc, nil
}

func (r Repo) InsertScope(ctx context.Context, tx *sql.Tx, sc domain.PermissionScope) error {
	if sc.ID == "" || sc.UserID == "" || sc.Permission == "" {
		return domain.InvalidArgument("scope id, user_id and permission required")
	}
	if !sc.IsGlobal && sc.LocationID == nil {
		return domain.InvalidArgument("scope needs a location unless global")
	}
	if sc.Status == "" {
		sc.Status = domain.GrantActive
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO permission_scopes(`+scopeColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.Permission, nullablePtr(sc.LocationID), sc.IsGlobal, sc.IncludeDescendants,
		formatTime(sc.ValidFrom), formatTime(sc.ValidUntil), sc.Status)
	return err
}

func (r Repo) GetScope(ctx context.Context, id string) (domain.PermissionScope, error) {
	sc, err := scanScope(r.DB.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM permission_scopes WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return sc, notFound("scope", id)
	}
	return sc, err
}

// GetActiveScopes returns status=active scopes; the time window is left to the caller.
func (r Repo) GetActiveScopes(ctx context.Context, userID, permission string) ([]domain.PermissionScope, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scopeColumns+` FROM permission_scopes
WHERE user_id=? AND permission=? AND status='active' ORDER BY id`, userID, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermissionScope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r Repo) ListScopes(ctx context.Context, userID string) ([]domain.PermissionScope, error) {
	query := `SELECT ` + scopeColumns + ` FROM permission_scopes`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermissionScope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r Repo) SetScopeStatus(ctx context.Context, tx *sql.Tx, id string, status domain.GrantStatus) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE permission_scopes SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("scope", id)
	}
	return nil
}

const delegationColumns = `id,delegator_id,delegate_id,permission,location_id,include_descendants,valid_from,valid_until,status,reason`

func scanDelegation(s scanner) (domain.Delegation, error) {
	var d domain.Delegation
	var delegator, loc, from, until, reason sql.NullString
	if err := s.Scan(&d.ID, &delegator, &d.DelegateID, &d.Permission, &loc, &d.IncludeDescendants, &from, &until, &d.Status, &reason); err != nil {
		return d, err
	}
	d.DelegatorID = delegator.String
	d.Reason = reason.String
	d.LocationID = ptrFromNull(loc)
	var err error
	if d.ValidFrom, err = parseTime(from); err != nil {
		return d, err
	}
	if d.ValidUntil, err = parseTime(until); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) InsertDelegation(ctx context.Context, tx *sql.Tx, d domain.Delegation) error {
	if d.ID == "" || d.DelegateID == "" || d.Permission == "" {
		return domain.InvalidArgument("delegation id, delegate_id and permission required")
	}
	if d.DelegatorID != "" && d.DelegatorID == d.DelegateID {
		return domain.InvalidArgument("cannot delegate to self")
	}
	if d.Status == "" {
		d.Status = domain.GrantActive
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO delegations(`+delegationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, nullable(d.DelegatorID), d.DelegateID, d.Permission, nullablePtr(d.LocationID), d.IncludeDescendants,
		formatTime(d.ValidFrom), formatTime(d.ValidUntil), d.Status, nullable(d.Reason))
	return err
}

func (r Repo) GetDelegation(ctx context.Context, id string) (domain.Delegation, error) {
	d, err := scanDelegation(r.DB.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return d, notFound("delegation", id)
	}
	return d, err
}

// GetActiveDelegations returns status=active delegations to delegateID for permission.
func (r Repo) GetActiveDelegations(ctx context.Context, delegateID, permission string) ([]domain.Delegation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+delegationColumns+` FROM delegations
WHERE delegate_id=? AND permission=? AND status='active' ORDER BY id`, delegateID, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListDelegations(ctx context.Context, delegateID string) ([]domain.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations`
	var args []any
	if delegateID != "" {
		query += ` WHERE delegate_id=?`
		args = append(args, delegateID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) SetDelegationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.GrantStatus) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE delegations SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delegation", id)
	}
	return nil
}

// ExpireGrants flips active scopes and delegations whose valid_until has
// passed to expired, returning the affected user ids.
func (r Repo) ExpireGrants(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	q := r.conn(tx)
	cutoff := now.UTC().Format(timeLayout)
	users := map[string]struct{}{}
	collect := func(query string) error {
		rows, err := q.QueryContext(ctx, query, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			users[id] = struct{}{}
		}
		return rows.Err()
	}
	if err := collect(`SELECT DISTINCT user_id FROM permission_scopes WHERE status='active' AND valid_until IS NOT NULL AND valid_until <= ?`); err != nil {
		return nil, err
	}
	if err := collect(`SELECT DISTINCT delegate_id FROM delegations WHERE status='active' AND valid_until IS NOT NULL AND valid_until <= ?`); err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE permission_scopes SET status='expired' WHERE status='active' AND valid_until IS NOT NULL AND valid_until <= ?`, cutoff); err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE delegations SET status='expired' WHERE status='active' AND valid_until IS NOT NULL AND valid_until <= ?`, cutoff); err != nil {
		return nil, err
	}
	res := make([]string, 0, len(users))
	for id := range users {
		res = append(res, id)
	}
	return res, nil
}

// GrantExists reports whether a scope or delegation with id is stored.
func (r Repo) GrantExists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	if table != "permission_scopes" && table != "delegations" {
		return false, fmt.Errorf("unknown grant table %s", table)
	}
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id=?`, id).Scan(&n)
	return n > 0, err
}
