package engine

import (
	"context"
	"errors"

	"approvald/internal/domain"
	"approvald/internal/engine/approvers"
)

// Previewer answers "who would approve this" for administrators and
// simulators. It resolves approvers without any authority check on the
// caller, so it only holds read dependencies and never writes.
type Previewer struct {
	Templates interface {
		GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error)
	}
	Approvers *approvers.Resolver
}

type StepPreview struct {
	StepOrder          int                  `json:"step_order"`
	Name               string               `json:"name,omitempty"`
	RequiredPermission string               `json:"required_permission"`
	Strategy           string               `json:"strategy"`
	LocationScope      string               `json:"location_scope"`
	Resolution         approvers.Resolution `json:"resolution"`
}

// Preview resolves every step of templateID for a request by employeeID at locationID.
func (p Previewer) Preview(ctx context.Context, templateID, employeeID, locationID string) ([]StepPreview, error) {
	tmpl, err := p.Templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	out := make([]StepPreview, 0, len(tmpl.Steps))
	for _, step := range tmpl.Steps {
		res, err := p.Approvers.ResolveApprovers(ctx, step, employeeID, locationID)
		if err != nil {
			return nil, err
		}
		out = append(out, StepPreview{
			StepOrder:          step.StepOrder,
			Name:               step.Name,
			RequiredPermission: step.RequiredPermission,
			Strategy:           step.Strategy.String(),
			LocationScope:      string(step.LocationScope),
			Resolution:         res,
		})
	}
	return out, nil
}

// Previewer returns the read-only preview capability.
func (e Engine) Previewer() Previewer {
	return Previewer{Templates: e.Repo, Approvers: e.Approvers}
}

// PreviewApprovers is shorthand for e.Previewer().Preview.
func (e Engine) PreviewApprovers(ctx context.Context, templateID, employeeID, locationID string) ([]StepPreview, error) {
	return e.Previewer().Preview(ctx, templateID, employeeID, locationID)
}

// ListPendingFor returns in-flight instances whose current step userID could
// act on now, using the same rules as Transition. A non-empty locationID
// restricts the list to instances at that location.
func (e Engine) ListPendingFor(ctx context.Context, userID, locationID string) ([]domain.WorkflowInstance, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	insts, err := e.Repo.ListInstances(ctx, domain.StatusSubmitted, domain.StatusUnderReview)
	if err != nil {
		return nil, err
	}
	templates := map[string]domain.WorkflowTemplate{}
	var out []domain.WorkflowInstance
	for _, inst := range insts {
		if locationID != "" && inst.LocationID != locationID {
			continue
		}
		tmpl, ok := templates[inst.TemplateID]
		if !ok {
			tmpl, err = e.Repo.GetTemplate(ctx, inst.TemplateID)
			if err != nil {
				return nil, err
			}
			templates[inst.TemplateID] = tmpl
		}
		step, ok := tmpl.Step(inst.CurrentStepOrder)
		if !ok {
			continue
		}
		_, denied, err := e.authorize(ctx, inst, step, userID)
		if errors.Is(err, domain.ErrConfiguration) {
			e.Log.WithError(err).WithField("instance_id", inst.ID).Warn("skipping misconfigured step")
			continue
		}
		if err != nil {
			return nil, err
		}
		if denied == "" {
			out = append(out, inst)
		}
	}
	return out, nil
}

// History returns the audit trail of an instance.
func (e Engine) History(ctx context.Context, instanceID string) ([]domain.Event, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, "instance", instanceID)
}
