package repo

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"approvald/internal/domain"
)

const userColumns = `u.id,u.name,u.status,u.deleted,u.manager_id,u.location_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner, extra ...any) (domain.User, error) {
	var u domain.User
	var manager, location sql.NullString
	dest := append([]any{&u.ID, &u.Name, &u.Status, &u.Deleted, &manager, &location}, extra...)
	if err := s.Scan(dest...); err != nil {
		return u, err
	}
	u.ManagerID = ptrFromNull(manager)
	u.LocationID = ptrFromNull(location)
	return u, nil
}

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return domain.InvalidArgument("user id required")
	}
	if u.ManagerID != nil && *u.ManagerID == u.ID {
		return domain.InvalidArgument("user %s cannot manage themselves", u.ID)
	}
	if u.Status == "" {
		u.Status = domain.UserActive
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,name,status,deleted,manager_id,location_id) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, deleted=excluded.deleted,
  manager_id=excluded.manager_id, location_id=excluded.location_id`,
		u.ID, u.Name, u.Status, u.Deleted, nullablePtr(u.ManagerID), nullablePtr(u.LocationID))
	return err
}

// GetUser loads a user regardless of status; callers decide what inactive means.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return r.getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return r.getUser(ctx, r.conn(tx), id)
}

func (r Repo) getUser(ctx context.Context, q dbtx, id string) (domain.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id=?`, id))
	if err == sql.ErrNoRows {
		return u, notFound("user", id)
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	if strings.TrimSpace(role.ID) == "" {
		return domain.InvalidArgument("role id required")
	}
	if role.Status == "" {
		role.Status = domain.RoleActive
	}
	if role.Name == "" {
		role.Name = role.ID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO roles(id,name,status) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status`, role.ID, role.Name, role.Status)
	return err
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT r.id, r.name, r.status, COALESCE(p.name,'')
FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id=r.id
LEFT JOIN permissions p ON p.id=rp.permission_id
ORDER BY r.id, p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (r Repo) UpsertPermission(ctx context.Context, tx *sql.Tx, p domain.Permission) error {
	if strings.TrimSpace(p.Name) == "" {
		return domain.InvalidArgument("permission name required")
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO permissions(id,name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, p.ID, p.Name)
	return err
}

// GrantRolePermission links a role to a permission identified by name.
func (r Repo) GrantRolePermission(ctx context.Context, tx *sql.Tx, roleID, permission string) error {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id)
SELECT ?, id FROM permissions WHERE name=?`, roleID, permission)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM permissions WHERE name=?`, permission).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return notFound("permission", permission)
		}
	}
	return nil
}

func (r Repo) RevokeRolePermission(ctx context.Context, tx *sql.Tx, roleID, permission string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=? AND permission_id IN (SELECT id FROM permissions WHERE name=?)`, roleID, permission)
	return err
}

// AssignRole grants a role to a user, reviving a soft-revoked membership.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO user_roles(user_id, role_id, deleted) VALUES (?,?,0)
ON CONFLICT(user_id, role_id) DO UPDATE SET deleted=0`, userID, roleID)
	return err
}

// RevokeRole soft-deletes the membership row.
func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE user_roles SET deleted=1 WHERE user_id=? AND role_id=? AND deleted=0`, userID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("role membership", userID+"/"+roleID)
	}
	return nil
}

// GetActiveRolesWithPermissions returns the user's live memberships in active
// roles, each with the permission names it grants.
func (r Repo) GetActiveRolesWithPermissions(ctx context.Context, userID string) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT r.id, r.name, r.status, COALESCE(p.name,'')
FROM user_roles ur
JOIN roles r ON r.id=ur.role_id
LEFT JOIN role_permissions rp ON rp.role_id=r.id
LEFT JOIN permissions p ON p.id=rp.permission_id
WHERE ur.user_id=? AND ur.deleted=0 AND r.status='active'
ORDER BY r.id, p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func collectGrants(rows *sql.Rows) ([]domain.RoleGrant, error) {
	var res []domain.RoleGrant
	for rows.Next() {
		var role domain.Role
		var perm string
		if err := rows.Scan(&role.ID, &role.Name, &role.Status, &perm); err != nil {
			return nil, err
		}
		if len(res) == 0 || res[len(res)-1].Role.ID != role.ID {
			res = append(res, domain.RoleGrant{Role: role, Permissions: []string{}})
		}
		if perm != "" {
			last := &res[len(res)-1]
			last.Permissions = append(last.Permissions, perm)
		}
	}
	return res, rows.Err()
}

// ActiveUsersWithPermission returns active users holding permission through
// an active role, with the roles that grant it.
func (r Repo) ActiveUsersWithPermission(ctx context.Context, permission string) ([]domain.RoleHolder, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+userColumns+`, r.id, r.name, r.status
FROM users u
JOIN user_roles ur ON ur.user_id=u.id AND ur.deleted=0
JOIN roles r ON r.id=ur.role_id AND r.status='active'
JOIN role_permissions rp ON rp.role_id=r.id
JOIN permissions p ON p.id=rp.permission_id
WHERE p.name=? AND u.status='active' AND u.deleted=0
ORDER BY u.id, r.id`, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHolders(rows)
}

// ActiveUsersWithRoles returns active users holding any of roleIDs, with the
// matching roles attached.
func (r Repo) ActiveUsersWithRoles(ctx context.Context, roleIDs []string) ([]domain.RoleHolder, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ids := append([]string(nil), roleIDs...)
	sort.Strings(ids)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+userColumns+`, r.id, r.name, r.status
FROM users u
JOIN user_roles ur ON ur.user_id=u.id AND ur.deleted=0
JOIN roles r ON r.id=ur.role_id AND r.status='active'
WHERE r.id IN (`+placeholders(len(ids))+`) AND u.status='active' AND u.deleted=0
ORDER BY u.id, r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHolders(rows)
}

func collectHolders(rows *sql.Rows) ([]domain.RoleHolder, error) {
	var res []domain.RoleHolder
	for rows.Next() {
		var role domain.Role
		u, err := scanUser(rows, &role.ID, &role.Name, &role.Status)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 || res[len(res)-1].User.ID != u.ID {
			res = append(res, domain.RoleHolder{User: u})
		}
		last := &res[len(res)-1]
		last.Roles = append(last.Roles, role)
	}
	return res, rows.Err()
}

// RoleMembers returns ids of users with a live membership in roleID.
func (r Repo) RoleMembers(ctx context.Context, tx *sql.Tx, roleID string) ([]string, error) {
	return r.ids(ctx, tx, `SELECT user_id FROM user_roles WHERE role_id=? AND deleted=0 ORDER BY user_id`, roleID)
}

// UserIDs returns every user id.
func (r Repo) UserIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	return r.ids(ctx, tx, `SELECT id FROM users ORDER BY id`)
}

func (r Repo) ids(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
