package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approvald/internal/domain"
	"approvald/internal/events"
)

// Action is what an approver does to the current step. The set is closed:
// Approve, DeclineFinal, DeclineReroute and Adjust.
type Action interface {
	actionName() string
}

type Approve struct{}

// DeclineFinal terminates the instance.
type DeclineFinal struct{}

// DeclineReroute declines the current step and sends the instance back to Target.
type DeclineReroute struct {
	Target int
}

// Adjust returns the request to its submitter for correction.
type Adjust struct{}

func (Approve) actionName() string        { return "approve" }
func (DeclineFinal) actionName() string   { return "decline" }
func (DeclineReroute) actionName() string { return "reroute" }
func (Adjust) actionName() string         { return "adjust" }

// ParseAction maps a wire name to an Action. target is only used by reroute.
func ParseAction(name string, target int) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "approve":
		return Approve{}, nil
	case "decline":
		return DeclineFinal{}, nil
	case "reroute", "route_back":
		return DeclineReroute{Target: target}, nil
	case "adjust":
		return Adjust{}, nil
	}
	return nil, domain.InvalidArgument("unknown action %q", name)
}

type TransitionRequest struct {
	InstanceID string
	ActorID    string
	// LocationID is where the actor exercises authority; defaults to the instance location.
	LocationID string
	Comment    string
	// StepOrder pins the step the caller acted on; zero means the current step.
	StepOrder int
	Action    Action
}

// Transition is the single entry point for approver actions on an instance.
// Authority is validated before anything is written, and the step instances,
// the instance row, the resource status and the audit event commit together.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (domain.WorkflowInstance, error) {
	if req.Action == nil {
		return domain.WorkflowInstance{}, domain.InvalidArgument("action is required")
	}
	if req.ActorID == "" {
		return domain.WorkflowInstance{}, domain.InvalidArgument("actor is required")
	}
	inst, err := e.Repo.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if !inst.Status.InFlight() {
		return domain.WorkflowInstance{}, domain.InvalidTransition("cannot %s instance %s in status %s", req.Action.actionName(), inst.ID, inst.Status)
	}
	if req.StepOrder != 0 && req.StepOrder != inst.CurrentStepOrder {
		return domain.WorkflowInstance{}, domain.InvalidTransition("step %d is not the current step %d of instance %s", req.StepOrder, inst.CurrentStepOrder, inst.ID)
	}
	tmpl, err := e.loadTemplate(ctx, inst.TemplateID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	step, ok := tmpl.Step(inst.CurrentStepOrder)
	if !ok {
		return domain.WorkflowInstance{}, domain.NotFound("step", fmt.Sprintf("%s#%d", tmpl.ID, inst.CurrentStepOrder))
	}
	if err := checkAction(inst, step, req); err != nil {
		return domain.WorkflowInstance{}, err
	}
	ent, err := e.entitle(ctx, inst, step, req.ActorID, req.LocationID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}

	tx, cur, err := e.beginSnapshot(ctx, inst)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	next, evtType, resourceStatus, err := e.apply(ctx, tx, cur, len(tmpl.Steps), req)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.casInstance(ctx, tx, next, cur); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if resourceStatus != "" {
		if err := e.Repo.SetResourceStatus(ctx, tx, cur.ResourceType, cur.ResourceID, resourceStatus, next.UpdatedAt); err != nil {
			return domain.WorkflowInstance{}, fmt.Errorf("propagate resource status: %w", err)
		}
	}
	payload := events.EventPayload{
		"step_order":  cur.CurrentStepOrder,
		"action":      req.Action.actionName(),
		"from_status": cur.Status,
		"to_status":   next.Status,
		"next_step":   next.CurrentStepOrder,
		"source":      ent.Source,
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}
	if ent.DelegationID != "" {
		payload["delegation_id"] = ent.DelegationID
	}
	if r, ok := req.Action.(DeclineReroute); ok {
		payload["target_step"] = r.Target
	}
	if err := e.events().Append(ctx, tx, evtType, "instance", cur.ID, req.ActorID, payload); err != nil {
		return domain.WorkflowInstance{}, err
	}
	out, err := e.Repo.GetInstanceTx(ctx, tx, cur.ID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"instance_id": cur.ID,
		"step_order":  cur.CurrentStepOrder,
		"action":      req.Action.actionName(),
		"actor_id":    req.ActorID,
		"status":      out.Status,
	}).Info("transition applied")
	return out, nil
}

// checkAction validates the action against the step configuration before any
// authority lookup.
func checkAction(inst domain.WorkflowInstance, step domain.WorkflowStep, req TransitionRequest) error {
	switch a := req.Action.(type) {
	case Approve:
		return nil
	case DeclineFinal:
		if !step.AllowDecline {
			return domain.InvalidTransition("step %d does not allow decline", step.StepOrder)
		}
		if strings.TrimSpace(req.Comment) == "" {
			return domain.InvalidArgument("a comment is required to decline")
		}
	case DeclineReroute:
		if !step.AllowDecline {
			return domain.InvalidTransition("step %d does not allow decline", step.StepOrder)
		}
		if a.Target < 1 || a.Target > inst.CurrentStepOrder {
			return domain.InvalidTransition("reroute target %d outside [1, %d]", a.Target, inst.CurrentStepOrder)
		}
		if strings.TrimSpace(req.Comment) == "" {
			return domain.InvalidArgument("a comment is required to decline")
		}
	case Adjust:
		if !step.AllowAdjust {
			return domain.InvalidTransition("step %d does not allow adjustment", step.StepOrder)
		}
	default:
		return domain.InvalidArgument("unsupported action %T", req.Action)
	}
	return nil
}

// apply writes the step instance changes for the action inside tx and returns
// the next instance state for the compare-and-swap.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, cur domain.WorkflowInstance, stepCount int, req TransitionRequest) (domain.WorkflowInstance, string, domain.ResourceStatus, error) {
	now := e.now().UTC()
	actor := req.ActorID
	acted := domain.StepInstance{
		InstanceID: cur.ID,
		StepOrder:  cur.CurrentStepOrder,
		ActorID:    &actor,
		ActedAt:    &now,
		Comment:    req.Comment,
	}
	next := cur
	next.UpdatedAt = now.Format(time.RFC3339)

	switch a := req.Action.(type) {
	case Approve:
		acted.Status = domain.StepApproved
		if err := e.Repo.UpdateStepInstance(ctx, tx, acted); err != nil {
			return next, "", "", err
		}
		if cur.CurrentStepOrder >= stepCount {
			next.Status = domain.StatusApproved
			return next, events.StepApproved, domain.ResourceApproved, nil
		}
		next.Status = domain.StatusSubmitted
		next.CurrentStepOrder = cur.CurrentStepOrder + 1
		if err := e.Repo.ResetStepInstances(ctx, tx, cur.ID, next.CurrentStepOrder, next.CurrentStepOrder); err != nil {
			return next, "", "", err
		}
		return next, events.StepApproved, "", nil
	case DeclineFinal:
		acted.Status = domain.StepDeclined
		if err := e.Repo.UpdateStepInstance(ctx, tx, acted); err != nil {
			return next, "", "", err
		}
		next.Status = domain.StatusDeclined
		return next, events.StepDeclined, domain.ResourceDeclined, nil
	case DeclineReroute:
		// The decline itself survives in the audit event; every step from the
		// target on must be approved again.
		acted.Status = domain.StepDeclined
		if err := e.Repo.UpdateStepInstance(ctx, tx, acted); err != nil {
			return next, "", "", err
		}
		if err := e.Repo.ResetStepInstances(ctx, tx, cur.ID, a.Target, cur.CurrentStepOrder); err != nil {
			return next, "", "", err
		}
		next.Status = domain.StatusSubmitted
		next.CurrentStepOrder = a.Target
		return next, events.StepRerouted, "", nil
	case Adjust:
		next.Status = domain.StatusAdjusted
		return next, events.StepAdjusted, domain.ResourceAdjusted, nil
	}
	return next, "", "", domain.InvalidArgument("unsupported action %T", req.Action)
}

// ApproveStep approves the current step of an instance.
func (e Engine) ApproveStep(ctx context.Context, instanceID, userID, locationID, comment string) (domain.WorkflowInstance, error) {
	return e.Transition(ctx, TransitionRequest{InstanceID: instanceID, ActorID: userID, LocationID: locationID, Comment: comment, Action: Approve{}})
}

// DeclineStep declines the current step and the whole instance.
func (e Engine) DeclineStep(ctx context.Context, instanceID, userID, locationID, comment string) (domain.WorkflowInstance, error) {
	return e.Transition(ctx, TransitionRequest{InstanceID: instanceID, ActorID: userID, LocationID: locationID, Comment: comment, Action: DeclineFinal{}})
}

// RouteBack declines the current step and reopens the instance at targetStepOrder.
func (e Engine) RouteBack(ctx context.Context, instanceID, userID, locationID, comment string, targetStepOrder int) (domain.WorkflowInstance, error) {
	return e.Transition(ctx, TransitionRequest{InstanceID: instanceID, ActorID: userID, LocationID: locationID, Comment: comment, Action: DeclineReroute{Target: targetStepOrder}})
}

// AdjustStep sends the instance and its resource back for correction.
func (e Engine) AdjustStep(ctx context.Context, instanceID, userID, locationID, comment string) (domain.WorkflowInstance, error) {
	return e.Transition(ctx, TransitionRequest{InstanceID: instanceID, ActorID: userID, LocationID: locationID, Comment: comment, Action: Adjust{}})
}

// StartReview lets an eligible approver claim a submitted instance.
func (e Engine) StartReview(ctx context.Context, instanceID, userID, locationID string) (domain.WorkflowInstance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if inst.Status != domain.StatusSubmitted {
		return domain.WorkflowInstance{}, domain.InvalidTransition("cannot start review of instance %s in status %s", inst.ID, inst.Status)
	}
	tmpl, err := e.loadTemplate(ctx, inst.TemplateID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	step, ok := tmpl.Step(inst.CurrentStepOrder)
	if !ok {
		return domain.WorkflowInstance{}, domain.NotFound("step", fmt.Sprintf("%s#%d", tmpl.ID, inst.CurrentStepOrder))
	}
	if _, err := e.entitle(ctx, inst, step, userID, locationID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	tx, cur, err := e.beginSnapshot(ctx, inst)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	next := cur
	next.Status = domain.StatusUnderReview
	next.UpdatedAt = e.stamp()
	if err := e.casInstance(ctx, tx, next, cur); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.events().Append(ctx, tx, events.InstanceReview, "instance", cur.ID, userID, events.EventPayload{"step_order": cur.CurrentStepOrder}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	out, err := e.Repo.GetInstanceTx(ctx, tx, cur.ID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return out, nil
}

type CreateInstanceOptions struct {
	TemplateID   string
	ResourceID   string
	ResourceType domain.ResourceType
	CreatedBy    string
	LocationID   string
}

// CreateInstance materializes a Draft instance with one pending step instance
// per template step.
func (e Engine) CreateInstance(ctx context.Context, opts CreateInstanceOptions) (domain.WorkflowInstance, error) {
	tmpl, err := e.loadTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	inst, err := e.createInstanceTx(ctx, tx, tmpl, opts)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return inst, nil
}

func (e Engine) createInstanceTx(ctx context.Context, tx *sql.Tx, tmpl domain.WorkflowTemplate, opts CreateInstanceOptions) (domain.WorkflowInstance, error) {
	if opts.ResourceID == "" || opts.CreatedBy == "" || opts.LocationID == "" {
		return domain.WorkflowInstance{}, domain.InvalidArgument("resource, creator and location are required")
	}
	if opts.ResourceType != tmpl.ResourceType {
		return domain.WorkflowInstance{}, domain.Configuration("template %s is for %s, not %s", tmpl.ID, tmpl.ResourceType, opts.ResourceType)
	}
	if _, err := e.Repo.GetResource(ctx, tx, opts.ResourceType, opts.ResourceID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if _, err := e.Repo.GetInstanceByResource(ctx, tx, opts.ResourceType, opts.ResourceID); err == nil {
		return domain.WorkflowInstance{}, domain.InvalidTransition("%s %s already has a workflow instance", opts.ResourceType, opts.ResourceID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.WorkflowInstance{}, err
	}
	now := e.stamp()
	inst := domain.WorkflowInstance{
		ID:               uuid.NewString(),
		TemplateID:       tmpl.ID,
		ResourceID:       opts.ResourceID,
		ResourceType:     opts.ResourceType,
		Status:           domain.StatusDraft,
		CurrentStepOrder: 1,
		CreatedBy:        opts.CreatedBy,
		LocationID:       opts.LocationID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, s := range tmpl.Steps {
		inst.Steps = append(inst.Steps, domain.StepInstance{
			ID:         stepInstanceID(inst.ID, s.StepOrder),
			InstanceID: inst.ID,
			StepOrder:  s.StepOrder,
			Status:     domain.StepPending,
		})
	}
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.events().Append(ctx, tx, events.InstanceCreated, "instance", inst.ID, opts.CreatedBy, events.EventPayload{
		"template_id": tmpl.ID, "template_version": tmpl.Version, "resource_type": opts.ResourceType, "resource_id": opts.ResourceID,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return inst, nil
}

// Submit moves a Draft instance to Submitted. An Adjusted instance is
// resubmitted: every step instance returns to pending and review restarts at
// step 1 on the same instance. Only the creator may submit.
func (e Engine) Submit(ctx context.Context, instanceID, actorID string) (domain.WorkflowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	out, err := e.submitTx(ctx, tx, inst, actorID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return out, nil
}

func (e Engine) submitTx(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, actorID string) (domain.WorkflowInstance, error) {
	if actorID != inst.CreatedBy {
		return domain.WorkflowInstance{}, domain.Unauthorized("only %s may submit instance %s", inst.CreatedBy, inst.ID)
	}
	next := inst
	next.Status = domain.StatusSubmitted
	next.CurrentStepOrder = 1
	next.UpdatedAt = e.stamp()
	switch inst.Status {
	case domain.StatusDraft:
	case domain.StatusAdjusted:
		if err := e.Repo.ResetStepInstances(ctx, tx, inst.ID, 1, len(inst.Steps)); err != nil {
			return domain.WorkflowInstance{}, err
		}
	default:
		return domain.WorkflowInstance{}, domain.InvalidTransition("cannot submit instance %s in status %s", inst.ID, inst.Status)
	}
	if err := e.casInstance(ctx, tx, next, inst); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Repo.SetResourceStatus(ctx, tx, inst.ResourceType, inst.ResourceID, domain.ResourceSubmitted, next.UpdatedAt); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("propagate resource status: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.InstanceSubmitted, "instance", inst.ID, actorID, events.EventPayload{
		"from_status": inst.Status, "resubmission": inst.Status == domain.StatusAdjusted,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.Repo.GetInstanceTx(ctx, tx, inst.ID)
}
