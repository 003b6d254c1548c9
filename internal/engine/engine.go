package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approvald/internal/cache"
	"approvald/internal/domain"
	"approvald/internal/engine/approvers"
	"approvald/internal/engine/authority"
	"approvald/internal/events"
	"approvald/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Authority *authority.Resolver
	Approvers *approvers.Resolver
	Cache     cache.PermissionCache
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// New wires the resolvers over a repo on db. A nil cache disables caching.
func New(db *sql.DB, c cache.PermissionCache, log logrus.FieldLogger) Engine {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Authority: authority.New(r, c, log.WithField("component", "authority")),
		Approvers: approvers.New(r, log.WithField("component", "approvers")),
		Cache:     c,
		Log:       log.WithField("component", "engine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func stepInstanceID(instanceID string, order int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", instanceID, order))).String()
}

// entitlement is the authority an actor brought to a transition.
type entitlement struct {
	Source       authority.Source
	DelegationID string
}

// entitle checks that actor may act on step of inst right now. Authority is
// always evaluated at the instance's location; a caller-supplied location
// must match it.
func (e Engine) entitle(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, actorID, locationID string) (entitlement, error) {
	if locationID != "" && locationID != inst.LocationID {
		return entitlement{}, domain.InvalidArgument("instance %s is at location %s, not %s", inst.ID, inst.LocationID, locationID)
	}
	ent, denied, err := e.authorize(ctx, inst, step, actorID)
	if err != nil {
		return entitlement{}, err
	}
	if denied != "" {
		if err := e.ensureUnchanged(ctx, inst); err != nil {
			return entitlement{}, err
		}
		return entitlement{}, domain.Unauthorized("%s may not act on step %d of instance %s: %s", actorID, step.StepOrder, inst.ID, denied)
	}
	return ent, nil
}

// authorize resolves the authority actorID brings to step of inst. A non-empty
// denied reason means none. Direct authority must also be backed by the step's
// approver strategy; failing that, a delegation covering the instance still
// entitles the actor, who then acts in the delegator's stead.
func (e Engine) authorize(ctx context.Context, inst domain.WorkflowInstance, step domain.WorkflowStep, actorID string) (ent entitlement, denied string, err error) {
	order := step.StepOrder
	req := authority.Request{
		UserID:     actorID,
		Permission: step.RequiredPermission,
		LocationID: inst.LocationID,
		StepOrder:  &order,
		InstanceID: inst.ID,
	}
	res, err := e.Authority.CheckAuthority(ctx, req)
	if err != nil {
		return entitlement{}, "", fmt.Errorf("check authority: %w", err)
	}
	if !res.Authorized {
		return entitlement{}, res.Reason, nil
	}
	if res.Source == authority.SourceDirect {
		resolution, err := e.Approvers.ResolveApprovers(ctx, step, inst.CreatedBy, inst.LocationID)
		if err != nil {
			return entitlement{}, "", err
		}
		if !resolution.Contains(actorID) {
			res, err = e.Authority.CheckDelegation(ctx, req)
			if err != nil {
				return entitlement{}, "", fmt.Errorf("check delegation: %w", err)
			}
			if !res.Authorized {
				return entitlement{}, "not an eligible approver for the step", nil
			}
		}
	}
	return entitlement{Source: res.Source, DelegationID: res.DelegationID}, "", nil
}

// ensureUnchanged turns a denial caused by a concurrent transition into the
// conflict it really is.
func (e Engine) ensureUnchanged(ctx context.Context, seen domain.WorkflowInstance) error {
	cur, err := e.Repo.GetInstance(ctx, seen.ID)
	if err != nil {
		return err
	}
	if cur.Version != seen.Version {
		return domain.InvalidTransition("instance %s changed concurrently", seen.ID)
	}
	return nil
}

// beginSnapshot opens the write transaction and re-reads the instance inside
// it, failing if anything moved since the caller's read.
func (e Engine) beginSnapshot(ctx context.Context, seen domain.WorkflowInstance) (*sql.Tx, domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WorkflowInstance{}, err
	}
	cur, err := e.Repo.GetInstanceTx(ctx, tx, seen.ID)
	if err != nil {
		tx.Rollback()
		return nil, domain.WorkflowInstance{}, err
	}
	if cur.Version != seen.Version || cur.CurrentStepOrder != seen.CurrentStepOrder || cur.Status != seen.Status {
		tx.Rollback()
		return nil, domain.WorkflowInstance{}, domain.InvalidTransition("instance %s changed concurrently", seen.ID)
	}
	return tx, cur, nil
}

// casInstance writes the next instance state conditioned on the state read.
func (e Engine) casInstance(ctx context.Context, tx *sql.Tx, next domain.WorkflowInstance, prev domain.WorkflowInstance) error {
	err := e.Repo.CompareAndSwapInstance(ctx, tx, next, prev.CurrentStepOrder, prev.Version)
	if errors.Is(err, repo.ErrConflict) {
		return domain.InvalidTransition("instance %s changed concurrently", prev.ID)
	}
	return err
}

func (e Engine) loadTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	t, err := e.Repo.GetTemplate(ctx, id)
	if err != nil {
		return t, err
	}
	return t, checkTemplate(t)
}

func checkTemplate(t domain.WorkflowTemplate) error {
	if len(t.Steps) == 0 {
		return domain.Configuration("template %s has no steps", t.ID)
	}
	for i, s := range t.Steps {
		if s.StepOrder != i+1 {
			return domain.Configuration("template %s step orders are not contiguous from 1", t.ID)
		}
	}
	return nil
}

func (e Engine) invalidate(ctx context.Context, userIDs ...string) {
	for _, id := range userIDs {
		if err := e.Cache.Invalidate(ctx, id); err != nil {
			e.Log.WithError(err).WithField("user_id", id).Warn("permission cache invalidation failed")
		}
	}
}
