package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approvald/internal/config"
	"approvald/internal/domain"
	"approvald/internal/engine/authority"
	"approvald/internal/events"
	"approvald/internal/repo"
)

// catalogWrite runs write in a transaction with an audit event and, after
// commit, drops cached authority for the users write reports as affected.
func (e Engine) catalogWrite(ctx context.Context, actorID, entityKind, entityID string, payload events.EventPayload, write func(tx *sql.Tx) ([]string, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	affected, err := write(tx)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["entity"] = entityKind
	if err := e.events().Append(ctx, tx, events.CatalogChanged, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidate(ctx, affected...)
	e.Log.WithFields(logrus.Fields{"entity": entityKind, "entity_id": entityID, "actor_id": actorID, "invalidated": len(affected)}).Debug("catalog changed")
	return nil
}

// UpsertLocation moves or renames a location. Scope reach depends on the
// tree, so every cached entry is dropped.
func (e Engine) UpsertLocation(ctx context.Context, actorID string, loc domain.Location) error {
	return e.catalogWrite(ctx, actorID, "location", loc.ID, events.EventPayload{"parent_id": loc.ParentID}, func(tx *sql.Tx) ([]string, error) {
		if loc.ParentID != nil {
			chain, err := e.Repo.AncestorsTx(ctx, tx, *loc.ParentID)
			if err != nil {
				return nil, err
			}
			if len(chain) == 0 {
				return nil, domain.NotFound("location", *loc.ParentID)
			}
			for _, id := range chain {
				if id == loc.ID {
					return nil, domain.InvalidArgument("location %s cannot be placed under its own descendant %s", loc.ID, *loc.ParentID)
				}
			}
		}
		if err := e.Repo.UpsertLocation(ctx, tx, loc); err != nil {
			return nil, err
		}
		return e.Repo.UserIDs(ctx, tx)
	})
}

func (e Engine) UpsertUser(ctx context.Context, actorID string, u domain.User) error {
	return e.catalogWrite(ctx, actorID, "user", u.ID, events.EventPayload{"status": u.Status, "deleted": u.Deleted}, func(tx *sql.Tx) ([]string, error) {
		return []string{u.ID}, e.Repo.UpsertUser(ctx, tx, u)
	})
}

func (e Engine) UpsertRole(ctx context.Context, actorID string, role domain.Role) error {
	return e.catalogWrite(ctx, actorID, "role", role.ID, events.EventPayload{"status": role.Status}, func(tx *sql.Tx) ([]string, error) {
		if err := e.Repo.UpsertRole(ctx, tx, role); err != nil {
			return nil, err
		}
		return e.Repo.RoleMembers(ctx, tx, role.ID)
	})
}

func (e Engine) UpsertPermission(ctx context.Context, actorID string, p domain.Permission) error {
	return e.catalogWrite(ctx, actorID, "permission", p.Name, nil, func(tx *sql.Tx) ([]string, error) {
		return nil, e.Repo.UpsertPermission(ctx, tx, p)
	})
}

func (e Engine) GrantRolePermission(ctx context.Context, actorID, roleID, permission string) error {
	return e.catalogWrite(ctx, actorID, "role", roleID, events.EventPayload{"granted": permission}, func(tx *sql.Tx) ([]string, error) {
		if err := e.Repo.GrantRolePermission(ctx, tx, roleID, permission); err != nil {
			return nil, err
		}
		return e.Repo.RoleMembers(ctx, tx, roleID)
	})
}

func (e Engine) RevokeRolePermission(ctx context.Context, actorID, roleID, permission string) error {
	return e.catalogWrite(ctx, actorID, "role", roleID, events.EventPayload{"revoked": permission}, func(tx *sql.Tx) ([]string, error) {
		if err := e.Repo.RevokeRolePermission(ctx, tx, roleID, permission); err != nil {
			return nil, err
		}
		return e.Repo.RoleMembers(ctx, tx, roleID)
	})
}

func (e Engine) AssignRole(ctx context.Context, actorID, userID, roleID string) error {
	return e.catalogWrite(ctx, actorID, "user", userID, events.EventPayload{"assigned_role": roleID}, func(tx *sql.Tx) ([]string, error) {
		return []string{userID}, e.Repo.AssignRole(ctx, tx, userID, roleID)
	})
}

func (e Engine) RevokeRole(ctx context.Context, actorID, userID, roleID string) error {
	return e.catalogWrite(ctx, actorID, "user", userID, events.EventPayload{"revoked_role": roleID}, func(tx *sql.Tx) ([]string, error) {
		return []string{userID}, e.Repo.RevokeRole(ctx, tx, userID, roleID)
	})
}

func (e Engine) GrantScope(ctx context.Context, actorID string, sc domain.PermissionScope) (domain.PermissionScope, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	sc.Status = domain.GrantActive
	if sc.IsGlobal {
		sc.LocationID = nil
		sc.IncludeDescendants = false
	}
	if sc.ValidFrom != nil && sc.ValidUntil != nil && !sc.ValidUntil.After(*sc.ValidFrom) {
		return domain.PermissionScope{}, domain.InvalidArgument("valid_until must be after valid_from")
	}
	err := e.catalogWrite(ctx, actorID, "scope", sc.ID, events.EventPayload{"user_id": sc.UserID, "permission": sc.Permission}, func(tx *sql.Tx) ([]string, error) {
		return []string{sc.UserID}, e.Repo.InsertScope(ctx, tx, sc)
	})
	return sc, err
}

func (e Engine) RevokeScope(ctx context.Context, actorID, scopeID string) error {
	sc, err := e.Repo.GetScope(ctx, scopeID)
	if err != nil {
		return err
	}
	return e.catalogWrite(ctx, actorID, "scope", scopeID, events.EventPayload{"status": domain.GrantRevoked}, func(tx *sql.Tx) ([]string, error) {
		return []string{sc.UserID}, e.Repo.SetScopeStatus(ctx, tx, scopeID, domain.GrantRevoked)
	})
}

func (e Engine) CreateDelegation(ctx context.Context, actorID string, d domain.Delegation) (domain.Delegation, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Status = domain.GrantActive
	if d.ValidFrom != nil && d.ValidUntil != nil && !d.ValidUntil.After(*d.ValidFrom) {
		return domain.Delegation{}, domain.InvalidArgument("valid_until must be after valid_from")
	}
	if _, err := e.Repo.GetUser(ctx, d.DelegateID); err != nil {
		return domain.Delegation{}, err
	}
	err := e.catalogWrite(ctx, actorID, "delegation", d.ID, events.EventPayload{"delegate_id": d.DelegateID, "permission": d.Permission}, func(tx *sql.Tx) ([]string, error) {
		return []string{d.DelegateID}, e.Repo.InsertDelegation(ctx, tx, d)
	})
	return d, err
}

func (e Engine) RevokeDelegation(ctx context.Context, actorID, delegationID string) error {
	d, err := e.Repo.GetDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	return e.catalogWrite(ctx, actorID, "delegation", delegationID, events.EventPayload{"status": domain.GrantRevoked}, func(tx *sql.Tx) ([]string, error) {
		return []string{d.DelegateID}, e.Repo.SetDelegationStatus(ctx, tx, delegationID, domain.GrantRevoked)
	})
}

// CreateTemplate stores spec as the next version for its resource type and
// location. Existing instances keep the version they were created with.
func (e Engine) CreateTemplate(ctx context.Context, actorID string, spec config.TemplateSpec) (domain.WorkflowTemplate, error) {
	if err := spec.Validate(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	rt, err := domain.ParseResourceType(spec.ResourceType)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if _, err := e.Repo.GetLocation(ctx, spec.LocationID); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	t := domain.WorkflowTemplate{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		ResourceType: rt,
		LocationID:   spec.LocationID,
		CreatedAt:    e.stamp(),
	}
	if t.Steps, err = spec.ToSteps(t.ID); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	err = e.catalogWrite(ctx, actorID, "template", t.ID, events.EventPayload{"resource_type": rt, "location_id": t.LocationID}, func(tx *sql.Tx) ([]string, error) {
		if t.Version, err = e.Repo.NextTemplateVersion(ctx, tx, rt, t.LocationID); err != nil {
			return nil, err
		}
		return nil, e.Repo.InsertTemplate(ctx, tx, t)
	})
	return t, err
}

// ExpireGrants marks elapsed scopes and delegations expired and returns how
// many users were affected.
func (e Engine) ExpireGrants(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	users, err := e.Repo.ExpireGrants(ctx, tx, e.now())
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}
	if err := e.events().Append(ctx, tx, events.GrantsExpired, "grants", "", "system", events.EventPayload{"users": users}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.invalidate(ctx, users...)
	e.Log.WithField("users", len(users)).Info("expired grants")
	return len(users), nil
}

// CreateAPIKey mints a key for userID. Only the hash is stored; the plain key
// is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, userID, name string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "apk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	err := e.catalogWrite(ctx, actorID, "api_key", key.ID, events.EventPayload{"user_id": userID}, func(tx *sql.Tx) ([]string, error) {
		return nil, e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// RevokeAPIKey deletes a key; requests carrying it fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	return e.catalogWrite(ctx, actorID, "api_key", key.ID, events.EventPayload{"user_id": key.UserID, "revoked": true}, func(tx *sql.Tx) ([]string, error) {
		return nil, e.Repo.DeleteAPIKey(ctx, tx, key.ID)
	})
}

// AdminPermission guards catalogue writes and approver previews.
const AdminPermission = "catalog.manage"

// RequireAdmin checks userID may manage the catalogue at locationID. An empty
// location needs a global grant.
func (e Engine) RequireAdmin(ctx context.Context, userID, locationID string) error {
	res, err := e.Authority.CheckAuthority(ctx, authority.Request{UserID: userID, Permission: AdminPermission, LocationID: locationID})
	if err != nil {
		return err
	}
	if !res.Authorized {
		return domain.Unauthorized("%s may not manage the catalogue: %s", userID, res.Reason)
	}
	return nil
}
