package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"approvald/internal/config"
	"approvald/internal/domain"
	"approvald/internal/events"
)

// ApplySeed writes the declarative catalogue. It is idempotent: entities are
// upserted, grants get ids derived from their content, and a template is
// only added when the latest version at its location has a different name.
func (e Engine) ApplySeed(ctx context.Context, seed config.Seed) error {
	if err := seed.Validate(); err != nil {
		return domain.Configuration("%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, l := range parentsFirst(seed.Locations) {
		loc := domain.Location{ID: l.ID, Name: l.Name}
		if l.Parent != "" {
			parent := l.Parent
			loc.ParentID = &parent
		}
		if err := e.Repo.UpsertLocation(ctx, tx, loc); err != nil {
			return err
		}
	}
	for _, p := range seed.Permissions {
		if err := e.Repo.UpsertPermission(ctx, tx, domain.Permission{Name: p}); err != nil {
			return err
		}
	}
	for _, r := range seed.Roles {
		status := domain.RoleActive
		if r.Status != "" {
			status = domain.RoleStatus(r.Status)
		}
		if err := e.Repo.UpsertRole(ctx, tx, domain.Role{ID: r.ID, Name: r.Name, Status: status}); err != nil {
			return err
		}
		for _, p := range r.Permissions {
			if err := e.Repo.GrantRolePermission(ctx, tx, r.ID, p); err != nil {
				return err
			}
		}
	}
	// Managers may appear after their reports, so users go in two passes.
	for _, u := range seed.Users {
		if err := e.Repo.UpsertUser(ctx, tx, seedUser(u, false)); err != nil {
			return err
		}
	}
	for _, u := range seed.Users {
		if err := e.Repo.UpsertUser(ctx, tx, seedUser(u, true)); err != nil {
			return err
		}
		for _, r := range u.Roles {
			if err := e.Repo.AssignRole(ctx, tx, u.ID, r); err != nil {
				return err
			}
		}
	}
	for _, s := range seed.Scopes {
		sc := domain.PermissionScope{
			ID:                 seedID("scope", s.User, s.Permission, s.Location),
			UserID:             s.User,
			Permission:         s.Permission,
			IsGlobal:           s.Global,
			IncludeDescendants: s.IncludeDescendants && !s.Global,
			Status:             domain.GrantActive,
		}
		if !s.Global {
			loc := s.Location
			sc.LocationID = &loc
		}
		exists, err := e.Repo.GrantExists(ctx, tx, "permission_scopes", sc.ID)
		if err != nil {
			return err
		}
		if !exists {
			if err := e.Repo.InsertScope(ctx, tx, sc); err != nil {
				return err
			}
		}
	}
	for _, d := range seed.Delegations {
		del := domain.Delegation{
			ID:                 seedID("delegation", d.Delegator, d.Delegate, d.Permission, d.Location),
			DelegatorID:        d.Delegator,
			DelegateID:         d.Delegate,
			Permission:         d.Permission,
			IncludeDescendants: d.IncludeDescendants,
			Status:             domain.GrantActive,
			Reason:             d.Reason,
		}
		if d.Location != "" {
			loc := d.Location
			del.LocationID = &loc
		}
		exists, err := e.Repo.GrantExists(ctx, tx, "delegations", del.ID)
		if err != nil {
			return err
		}
		if !exists {
			if err := e.Repo.InsertDelegation(ctx, tx, del); err != nil {
				return err
			}
		}
	}
	added := 0
	for _, spec := range seed.Templates {
		ok, err := e.seedTemplate(ctx, tx, spec)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	if err := e.events().Append(ctx, tx, events.CatalogChanged, "seed", "", "system", events.EventPayload{
		"entity": "seed", "locations": len(seed.Locations), "users": len(seed.Users), "templates_added": added,
	}); err != nil {
		return err
	}
	users, err := e.Repo.UserIDs(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidate(ctx, users...)
	e.Log.WithField("templates_added", added).Info("seed applied")
	return nil
}

func (e Engine) seedTemplate(ctx context.Context, tx *sql.Tx, spec config.TemplateSpec) (bool, error) {
	rt, err := domain.ParseResourceType(spec.ResourceType)
	if err != nil {
		return false, err
	}
	latest, err := e.Repo.LatestTemplateAt(ctx, tx, rt, spec.LocationID)
	switch {
	case err == nil && latest.Name == spec.Name:
		return false, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return false, err
	}
	t := domain.WorkflowTemplate{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		ResourceType: rt,
		LocationID:   spec.LocationID,
		CreatedAt:    e.stamp(),
	}
	if t.Steps, err = spec.ToSteps(t.ID); err != nil {
		return false, err
	}
	if t.Version, err = e.Repo.NextTemplateVersion(ctx, tx, rt, spec.LocationID); err != nil {
		return false, err
	}
	return true, e.Repo.InsertTemplate(ctx, tx, t)
}

func seedUser(u config.SeedUser, withManager bool) domain.User {
	out := domain.User{ID: u.ID, Name: u.Name, Status: domain.UserActive}
	if u.Status != "" {
		out.Status = domain.UserStatus(u.Status)
	}
	if u.Location != "" {
		loc := u.Location
		out.LocationID = &loc
	}
	if withManager && u.Manager != "" {
		mgr := u.Manager
		out.ManagerID = &mgr
	}
	return out
}

func seedID(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += p + "|"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// parentsFirst orders locations so every parent precedes its children.
// Validate has already rejected unknown parents.
func parentsFirst(locs []config.SeedLocation) []config.SeedLocation {
	placed := map[string]bool{}
	out := make([]config.SeedLocation, 0, len(locs))
	for len(out) < len(locs) {
		progress := false
		for _, l := range locs {
			if placed[l.ID] || (l.Parent != "" && !placed[l.Parent]) {
				continue
			}
			placed[l.ID] = true
			out = append(out, l)
			progress = true
		}
		if !progress {
			// A cycle; let the database reject what remains.
			for _, l := range locs {
				if !placed[l.ID] {
					out = append(out, l)
				}
			}
			break
		}
	}
	return out
}
