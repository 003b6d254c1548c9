package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"approvald/internal/domain"
	"approvald/internal/events"
)

const dateLayout = "2006-01-02"

func parseRange(from, to string) error {
	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return domain.InvalidArgument("invalid start date %q", from)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return domain.InvalidArgument("invalid end date %q", to)
	}
	if end.Before(start) {
		return domain.InvalidArgument("end date %s is before start date %s", to, from)
	}
	return nil
}

// resourceLocation resolves the location a new resource is filed under,
// defaulting to the employee's own.
func (e Engine) resourceLocation(ctx context.Context, employeeID, locationID string) (string, error) {
	emp, err := e.Repo.GetUser(ctx, employeeID)
	if err != nil {
		return "", err
	}
	if !emp.Active() {
		return "", domain.Unauthorized("employee %s is not active", employeeID)
	}
	if locationID == "" {
		if emp.LocationID == nil {
			return "", domain.InvalidArgument("employee %s has no location; pass one explicitly", employeeID)
		}
		locationID = *emp.LocationID
	}
	if _, err := e.Repo.GetLocation(ctx, locationID); err != nil {
		return "", err
	}
	return locationID, nil
}

type LeaveRequestOptions struct {
	EmployeeID string
	LocationID string
	Kind       string
	StartDate  string
	EndDate    string
	Reason     string
}

func (e Engine) CreateLeaveRequest(ctx context.Context, opts LeaveRequestOptions) (domain.LeaveRequest, error) {
	if strings.TrimSpace(opts.Kind) == "" {
		opts.Kind = "annual"
	}
	if err := parseRange(opts.StartDate, opts.EndDate); err != nil {
		return domain.LeaveRequest{}, err
	}
	loc, err := e.resourceLocation(ctx, opts.EmployeeID, opts.LocationID)
	if err != nil {
		return domain.LeaveRequest{}, err
	}
	now := e.stamp()
	lr := domain.LeaveRequest{
		ID:         uuid.NewString(),
		EmployeeID: opts.EmployeeID,
		LocationID: loc,
		Kind:       opts.Kind,
		StartDate:  opts.StartDate,
		EndDate:    opts.EndDate,
		Reason:     opts.Reason,
		Status:     domain.ResourceDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LeaveRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLeaveRequest(ctx, tx, lr); err != nil {
		return domain.LeaveRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.ResourceCreated, string(domain.ResourceLeave), lr.ID, opts.EmployeeID, events.EventPayload{
		"kind": lr.Kind, "start_date": lr.StartDate, "end_date": lr.EndDate,
	}); err != nil {
		return domain.LeaveRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LeaveRequest{}, err
	}
	return lr, nil
}

type TimesheetOptions struct {
	EmployeeID  string
	LocationID  string
	PeriodStart string
	PeriodEnd   string
}

func (e Engine) CreateTimesheet(ctx context.Context, opts TimesheetOptions) (domain.Timesheet, error) {
	if err := parseRange(opts.PeriodStart, opts.PeriodEnd); err != nil {
		return domain.Timesheet{}, err
	}
	loc, err := e.resourceLocation(ctx, opts.EmployeeID, opts.LocationID)
	if err != nil {
		return domain.Timesheet{}, err
	}
	now := e.stamp()
	ts := domain.Timesheet{
		ID:          uuid.NewString(),
		EmployeeID:  opts.EmployeeID,
		LocationID:  loc,
		PeriodStart: opts.PeriodStart,
		PeriodEnd:   opts.PeriodEnd,
		Status:      domain.ResourceDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Timesheet{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTimesheet(ctx, tx, ts); err != nil {
		return domain.Timesheet{}, err
	}
	if err := e.events().Append(ctx, tx, events.ResourceCreated, string(domain.ResourceTimesheet), ts.ID, opts.EmployeeID, events.EventPayload{
		"period_start": ts.PeriodStart, "period_end": ts.PeriodEnd,
	}); err != nil {
		return domain.Timesheet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Timesheet{}, err
	}
	return ts, nil
}

// SubmitResource submits a leave request or timesheet for approval. The first
// submission binds it to the latest template for its type found at its
// location or the nearest ancestor; later submissions reuse that instance.
func (e Engine) SubmitResource(ctx context.Context, rt domain.ResourceType, resourceID, actorID string) (domain.WorkflowInstance, error) {
	res, err := e.Repo.GetResource(ctx, nil, rt, resourceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if actorID != res.EmployeeID {
		return domain.WorkflowInstance{}, domain.Unauthorized("only %s may submit %s %s", res.EmployeeID, rt, resourceID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceByResource(ctx, tx, rt, resourceID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		tmpl, err := e.templateFor(ctx, tx, rt, res.LocationID)
		if err != nil {
			return domain.WorkflowInstance{}, err
		}
		inst, err = e.createInstanceTx(ctx, tx, tmpl, CreateInstanceOptions{
			TemplateID:   tmpl.ID,
			ResourceID:   res.ID,
			ResourceType: rt,
			CreatedBy:    res.EmployeeID,
			LocationID:   res.LocationID,
		})
		if err != nil {
			return domain.WorkflowInstance{}, err
		}
	case err != nil:
		return domain.WorkflowInstance{}, err
	}
	out, err := e.submitTx(ctx, tx, inst, actorID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.Log.WithField("instance_id", out.ID).WithField("resource_id", resourceID).Info("resource submitted")
	return out, nil
}

// templateFor walks from locationID up the tree and returns the latest
// template version defined at the nearest location that has one.
func (e Engine) templateFor(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, locationID string) (domain.WorkflowTemplate, error) {
	chain, err := e.Repo.AncestorsTx(ctx, tx, locationID)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	for _, loc := range chain {
		t, err := e.Repo.LatestTemplateAt(ctx, tx, rt, loc)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.WorkflowTemplate{}, err
		}
		return t, checkTemplate(t)
	}
	return domain.WorkflowTemplate{}, domain.NotFound(string(rt)+" template for location", locationID)
}
