// Package authority decides whether a user may exercise a permission at a
// location. Role grants narrowed by scopes are evaluated first; delegations
// are an additive overlay consulted only when role authority is exhausted.
package authority

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"approvald/internal/cache"
	"approvald/internal/domain"
)

type LocationTree interface {
	IsDescendantOf(ctx context.Context, candidate, ancestor string) (bool, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

type RoleStore interface {
	GetActiveRolesWithPermissions(ctx context.Context, userID string) ([]domain.RoleGrant, error)
}

type ScopeStore interface {
	GetActiveScopes(ctx context.Context, userID, permission string) ([]domain.PermissionScope, error)
}

type DelegationStore interface {
	GetActiveDelegations(ctx context.Context, delegateID, permission string) ([]domain.Delegation, error)
}

type WorkflowStore interface {
	GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error)
	GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error)
}

// Store is everything the resolver reads.
type Store interface {
	LocationTree
	UserStore
	RoleStore
	ScopeStore
	DelegationStore
	WorkflowStore
}

type Source string

const (
	SourceNone       Source = "none"
	SourceDirect     Source = "direct"
	SourceDelegation Source = "delegation"
)

type Request struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	LocationID string `json:"location_id"`
	// StepOrder and InstanceID bind the check to the live step of an instance.
	StepOrder  *int   `json:"step_order,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type Result struct {
	Authorized   bool   `json:"authorized"`
	Source       Source `json:"source"`
	DelegationID string `json:"delegation_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func deny(reason string) Result {
	return Result{Source: SourceNone, Reason: reason}
}

type Resolver struct {
	Store Store
	Cache cache.PermissionCache
	TTL   time.Duration
	Log   logrus.FieldLogger
	Now   func() time.Time
}

func New(store Store, c cache.PermissionCache, log logrus.FieldLogger) *Resolver {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{Store: store, Cache: c, TTL: cache.DefaultTTL, Log: log, Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// CheckAuthority answers whether req.UserID may exercise req.Permission at
// req.LocationID. A denial is a Result, not an error; errors are store failures.
func (r *Resolver) CheckAuthority(ctx context.Context, req Request) (Result, error) {
	log := r.Log.WithFields(logrus.Fields{"user_id": req.UserID, "permission": req.Permission, "location_id": req.LocationID})

	user, err := r.Store.GetUser(ctx, req.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return deny("user not found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !user.Active() {
		log.Debug("authority denied: inactive user")
		return deny("user is not active"), nil
	}

	if req.StepOrder != nil || req.InstanceID != "" {
		if res, ok, err := r.checkStepContext(ctx, req); err != nil || !ok {
			if err == nil {
				log.WithField("reason", res.Reason).Debug("authority denied: step context")
			}
			return res, err
		}
	}

	if r.cacheHit(ctx, log, req) {
		return Result{Authorized: true, Source: SourceDirect}, nil
	}

	held, err := r.holdsPermission(ctx, req.UserID, req.Permission)
	if err != nil {
		return Result{}, err
	}
	if held {
		matched, err := r.scopeMatches(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if matched {
			r.remember(ctx, log, req)
			return Result{Authorized: true, Source: SourceDirect}, nil
		}
	}

	d, ok, err := r.matchDelegation(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if ok {
		log.WithField("delegation_id", d.ID).Debug("authority granted via delegation")
		return Result{Authorized: true, Source: SourceDelegation, DelegationID: d.ID}, nil
	}
	if held {
		return deny("permission held but no scope covers the location"), nil
	}
	return deny("permission not granted"), nil
}

// CheckDelegation answers from the delegation overlay alone. The engine uses
// it when direct authority is held but the step's approver strategy does not
// name the user, so a delegate keeps acting after gaining grants of their own.
func (r *Resolver) CheckDelegation(ctx context.Context, req Request) (Result, error) {
	d, ok, err := r.matchDelegation(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return deny("no delegation covers the location"), nil
	}
	return Result{Authorized: true, Source: SourceDelegation, DelegationID: d.ID}, nil
}

func (r *Resolver) checkStepContext(ctx context.Context, req Request) (Result, bool, error) {
	if req.StepOrder == nil || req.InstanceID == "" {
		return deny("workflow context needs both instance and step"), false, nil
	}
	inst, err := r.Store.GetInstance(ctx, req.InstanceID)
	if errors.Is(err, domain.ErrNotFound) {
		return deny("workflow instance not found"), false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	tmpl, err := r.Store.GetTemplate(ctx, inst.TemplateID)
	if errors.Is(err, domain.ErrNotFound) {
		return deny("workflow template not found"), false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	step, ok := tmpl.Step(*req.StepOrder)
	if !ok {
		return deny("workflow step does not exist"), false, nil
	}
	if step.RequiredPermission != req.Permission {
		return deny("permission does not match the step"), false, nil
	}
	if inst.CurrentStepOrder != *req.StepOrder {
		return deny("step is not the current step"), false, nil
	}
	return Result{}, true, nil
}

func (r *Resolver) cacheHit(ctx context.Context, log logrus.FieldLogger, req Request) bool {
	perms, ok, err := r.Cache.Get(ctx, req.UserID, req.LocationID)
	if err != nil {
		log.WithError(err).Warn("permission cache read failed")
		return false
	}
	return ok && cache.Contains(perms, req.Permission)
}

// remember merges a positive result into the cached set. Denials are never cached.
func (r *Resolver) remember(ctx context.Context, log logrus.FieldLogger, req Request) {
	perms, _, err := r.Cache.Get(ctx, req.UserID, req.LocationID)
	if err != nil {
		perms = nil
	}
	if err := r.Cache.Set(ctx, req.UserID, req.LocationID, cache.Merge(perms, req.Permission), r.TTL); err != nil {
		log.WithError(err).Warn("permission cache write failed")
	}
}

func (r *Resolver) holdsPermission(ctx context.Context, userID, permission string) (bool, error) {
	grants, err := r.Store.GetActiveRolesWithPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.Role.Status != domain.RoleActive {
			continue
		}
		for _, p := range g.Permissions {
			if p == permission {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Resolver) scopeMatches(ctx context.Context, req Request) (bool, error) {
	scopes, err := r.Store.GetActiveScopes(ctx, req.UserID, req.Permission)
	if err != nil {
		return false, err
	}
	now := r.now()
	for _, sc := range scopes {
		if sc.Status != domain.GrantActive || !domain.ValidAt(sc.ValidFrom, sc.ValidUntil, now) {
			continue
		}
		if sc.IsGlobal {
			return true, nil
		}
		ok, err := r.covers(ctx, sc.LocationID, sc.IncludeDescendants, req.LocationID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) matchDelegation(ctx context.Context, req Request) (domain.Delegation, bool, error) {
	delegations, err := r.Store.GetActiveDelegations(ctx, req.UserID, req.Permission)
	if err != nil {
		return domain.Delegation{}, false, err
	}
	now := r.now()
	for _, d := range delegations {
		if d.Status != domain.GrantActive || !domain.ValidAt(d.ValidFrom, d.ValidUntil, now) {
			continue
		}
		if d.LocationID == nil {
			return d, true, nil
		}
		ok, err := r.covers(ctx, d.LocationID, d.IncludeDescendants, req.LocationID)
		if err != nil {
			return domain.Delegation{}, false, err
		}
		if ok {
			return d, true, nil
		}
	}
	return domain.Delegation{}, false, nil
}

// covers reports whether a grant at grantLoc reaches requested.
func (r *Resolver) covers(ctx context.Context, grantLoc *string, descendants bool, requested string) (bool, error) {
	if grantLoc == nil || requested == "" {
		return false, nil
	}
	if *grantLoc == requested {
		return true, nil
	}
	if !descendants {
		return false, nil
	}
	return r.Store.IsDescendantOf(ctx, requested, *grantLoc)
}
