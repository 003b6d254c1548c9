// Package approvers computes who may act on a workflow step. Finding nobody is
// a normal outcome reported through Resolution.Diagnostics, never an error.
package approvers

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"approvald/internal/domain"
)

type Store interface {
	LocationTree
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetActiveRolesWithPermissions(ctx context.Context, userID string) ([]domain.RoleGrant, error)
	ActiveUsersWithPermission(ctx context.Context, permission string) ([]domain.RoleHolder, error)
	ActiveUsersWithRoles(ctx context.Context, roleIDs []string) ([]domain.RoleHolder, error)
}

type Approver struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type Resolution struct {
	Approvers   []Approver `json:"approvers"`
	Diagnostics []string   `json:"diagnostics"`
}

func (r Resolution) Contains(userID string) bool {
	for _, a := range r.Approvers {
		if a.ID == userID {
			return true
		}
	}
	return false
}

func (r Resolution) IDs() []string {
	ids := make([]string, len(r.Approvers))
	for i, a := range r.Approvers {
		ids[i] = a.ID
	}
	return ids
}

type Resolver struct {
	Store Store
	Log   logrus.FieldLogger
}

func New(store Store, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{Store: store, Log: log}
}

// collector accumulates approvers deduplicated by id, merging role names.
type collector struct {
	res   Resolution
	index map[string]int
}

func newCollector() *collector {
	return &collector{res: Resolution{Approvers: []Approver{}, Diagnostics: []string{}}, index: map[string]int{}}
}

func (c *collector) add(u domain.User, roles ...string) {
	if i, ok := c.index[u.ID]; ok {
		a := &c.res.Approvers[i]
		for _, r := range roles {
			if !contains(a.Roles, r) {
				a.Roles = append(a.Roles, r)
			}
		}
		return
	}
	c.index[u.ID] = len(c.res.Approvers)
	c.res.Approvers = append(c.res.Approvers, Approver{ID: u.ID, Name: u.Name, Roles: append([]string{}, roles...)})
}

func (c *collector) diag(msg string) {
	c.res.Diagnostics = append(c.res.Diagnostics, msg)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ResolveApprovers returns the users eligible to act on step for a request
// raised by employeeID at refLoc. Errors are reserved for misconfigured steps
// and store failures.
func (r *Resolver) ResolveApprovers(ctx context.Context, step domain.WorkflowStep, employeeID, refLoc string) (Resolution, error) {
	if step.RequiredPermission == "" {
		return Resolution{}, domain.Configuration("step %d has no required_permission", step.StepOrder)
	}
	c := newCollector()
	var err error
	switch step.Strategy {
	case domain.StrategyManager:
		err = r.resolveManager(ctx, c, step, employeeID, refLoc)
	case domain.StrategyRole:
		err = r.resolveRoles(ctx, c, step, refLoc)
	case domain.StrategyPermission:
		err = r.resolvePermission(ctx, c, step, refLoc)
	case domain.StrategyCombined:
		err = r.resolveCombined(ctx, c, step, employeeID, refLoc)
	default:
		return Resolution{}, domain.Configuration("step %d has unknown approver strategy %s", step.StepOrder, step.Strategy)
	}
	if err != nil {
		return Resolution{}, err
	}
	if len(c.res.Approvers) == 0 {
		r.Log.WithFields(logrus.Fields{
			"step_order":  step.StepOrder,
			"strategy":    step.Strategy.String(),
			"employee_id": employeeID,
			"diagnostics": c.res.Diagnostics,
		}).Debug("no approvers resolved")
	}
	return c.res, nil
}

func (r *Resolver) resolveManager(ctx context.Context, c *collector, step domain.WorkflowStep, employeeID, refLoc string) error {
	mgr, roles, diag, err := r.manager(ctx, step, employeeID, refLoc)
	if err != nil {
		return err
	}
	if diag != "" {
		c.diag(diag)
		return nil
	}
	c.add(mgr, roles...)
	return nil
}

// manager runs every manager check. A non-empty diag means the manager is not eligible.
func (r *Resolver) manager(ctx context.Context, step domain.WorkflowStep, employeeID, refLoc string) (domain.User, []string, string, error) {
	emp, err := r.Store.GetUser(ctx, employeeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, nil, diagEmployeeMissing(employeeID), nil
	}
	if err != nil {
		return domain.User{}, nil, "", err
	}
	if emp.ManagerID == nil || *emp.ManagerID == "" {
		return domain.User{}, nil, diagNoManager(employeeID), nil
	}
	mgr, err := r.Store.GetUser(ctx, *emp.ManagerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, nil, diagManagerMissing(*emp.ManagerID, employeeID), nil
	}
	if err != nil {
		return domain.User{}, nil, "", err
	}
	if !mgr.Active() {
		return domain.User{}, nil, diagManagerInactive(mgr.ID), nil
	}
	grants, err := r.Store.GetActiveRolesWithPermissions(ctx, mgr.ID)
	if err != nil {
		return domain.User{}, nil, "", err
	}
	var roles []string
	for _, g := range grants {
		if contains(g.Permissions, step.RequiredPermission) {
			roles = append(roles, g.Role.Name)
		}
	}
	if len(roles) == 0 {
		return domain.User{}, nil, diagManagerLacksPermission(mgr.ID, step.RequiredPermission), nil
	}
	ok, err := InScope(ctx, r.Store, step.LocationScope, mgr.LocationID, refLoc)
	if err != nil {
		return domain.User{}, nil, "", err
	}
	if !ok {
		return domain.User{}, nil, diagManagerOutOfScope(mgr.ID, step.LocationScope), nil
	}
	return mgr, roles, "", nil
}

func (r *Resolver) resolveRoles(ctx context.Context, c *collector, step domain.WorkflowStep, refLoc string) error {
	required := step.RequiredRoles.IDs()
	if len(required) == 0 {
		c.diag(diagNoRoles(step.StepOrder))
		return nil
	}
	holders, err := r.Store.ActiveUsersWithRoles(ctx, required)
	if err != nil {
		return err
	}
	if len(holders) == 0 {
		c.diag(diagNoRoleHolders(required))
		return nil
	}
	permitted, err := r.Store.ActiveUsersWithPermission(ctx, step.RequiredPermission)
	if err != nil {
		return err
	}
	withPerm := make(map[string]struct{}, len(permitted))
	for _, h := range permitted {
		withPerm[h.User.ID] = struct{}{}
	}
	candidates, excluded := 0, 0
	for _, h := range holders {
		if _, ok := withPerm[h.User.ID]; !ok {
			continue
		}
		candidates++
		ok, err := InScope(ctx, r.Store, step.LocationScope, h.User.LocationID, refLoc)
		if err != nil {
			return err
		}
		if !ok {
			excluded++
			continue
		}
		names := make([]string, len(h.Roles))
		for i, role := range h.Roles {
			names[i] = role.Name
		}
		c.add(h.User, names...)
	}
	switch {
	case candidates == 0:
		c.diag(diagRoleHoldersLackPermission(required, step.RequiredPermission))
	case excluded == candidates:
		c.diag(diagOutOfScope(excluded, step.LocationScope, refLoc))
	}
	return nil
}

func (r *Resolver) resolvePermission(ctx context.Context, c *collector, step domain.WorkflowStep, refLoc string) error {
	holders, err := r.Store.ActiveUsersWithPermission(ctx, step.RequiredPermission)
	if err != nil {
		return err
	}
	if len(holders) == 0 {
		c.diag(diagNoPermissionHolders(step.RequiredPermission))
		return nil
	}
	excluded := 0
	for _, h := range holders {
		ok, err := InScope(ctx, r.Store, step.LocationScope, h.User.LocationID, refLoc)
		if err != nil {
			return err
		}
		if !ok {
			excluded++
			continue
		}
		names := make([]string, len(h.Roles))
		for i, role := range h.Roles {
			names[i] = role.Name
		}
		c.add(h.User, names...)
	}
	if excluded == len(holders) {
		c.diag(diagOutOfScope(excluded, step.LocationScope, refLoc))
	}
	return nil
}

// resolveCombined blends manager and role approvers. Manager failures are
// reported but do not stop role resolution. With neither configured it falls
// back to the permission strategy.
func (r *Resolver) resolveCombined(ctx context.Context, c *collector, step domain.WorkflowStep, employeeID, refLoc string) error {
	if step.IncludeManager {
		if err := r.resolveManager(ctx, c, step, employeeID, refLoc); err != nil {
			return err
		}
	}
	if len(step.RequiredRoles) > 0 {
		if err := r.resolveRoles(ctx, c, step, refLoc); err != nil {
			return err
		}
	}
	if !step.IncludeManager && len(step.RequiredRoles) == 0 {
		return r.resolvePermission(ctx, c, step, refLoc)
	}
	return nil
}
