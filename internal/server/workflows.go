package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"approvald/internal/config"
	"approvald/internal/domain"
	"approvald/internal/engine"
)

type instanceOutput struct {
	Body domain.WorkflowInstance `json:"body"`
}

type instancePath struct {
	InstanceID string `path:"instance_id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List workflow templates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type" doc:"leave or timesheet; empty lists both"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		var rt domain.ResourceType
		if input.ResourceType != "" {
			parsed, err := domain.ParseResourceType(input.ResourceType)
			if err != nil {
				return nil, handleError(err)
			}
			rt = parsed
		}
		items, err := e.Repo.ListTemplates(ctx, rt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: mapTemplates(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get workflow template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create a template version",
		Description:   "Adds the next version for the resource type and location. Running instances keep their version.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body config.TemplateSpec `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, input.Body.LocationID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTemplate(ctx, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-approvers",
		Method:      http.MethodPost,
		Path:        "/templates/{template_id}/preview",
		Summary:     "Preview approvers for every step",
		Description: "Read-only. Resolves approvers without checking anyone's authority.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string         `path:"template_id"`
		Body       PreviewRequest `json:"body"`
	}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		if input.Body.EmployeeID == "" || input.Body.LocationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "employee_id and location_id are required", nil)
		}
		if _, err := requireAdmin(ctx, e, input.Body.LocationID); err != nil {
			return nil, handleError(err)
		}
		steps, err := e.PreviewApprovers(ctx, input.TemplateID, input.Body.EmployeeID, input.Body.LocationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: PreviewResponse{TemplateID: input.TemplateID, Steps: steps}}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get workflow instance with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*instanceOutput, error) {
		inst, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-history",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/history",
		Summary:     "Audit trail of an instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/transitions",
		Summary:     "Approve, decline, reroute or adjust the current step",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string            `path:"instance_id"`
		Body       TransitionRequest `json:"body"`
	}) (*instanceOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, err := engine.ParseAction(input.Body.Action, input.Body.TargetStepOrder)
		if err != nil {
			return nil, handleError(err)
		}
		inst, err := e.Transition(ctx, engine.TransitionRequest{
			InstanceID: input.InstanceID,
			ActorID:    actorID,
			LocationID: input.Body.LocationID,
			Comment:    input.Body.Comment,
			StepOrder:  input.Body.StepOrder,
			Action:     action,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-review",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/review",
		Summary:     "Claim a submitted instance for review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string        `path:"instance_id"`
		Body       ReviewRequest `json:"body"`
	}) (*instanceOutput, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.StartReview(ctx, input.InstanceID, actorID, input.Body.LocationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/submit",
		Summary:     "Submit a draft or resubmit an adjusted instance",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *instancePath) (*instanceOutput, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Submit(ctx, input.InstanceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})
}

type resourceListInput struct {
	EmployeeID string `query:"employee_id" doc:"Defaults to the caller"`
	All        bool   `query:"all" doc:"Every employee; administrators only"`
}

// listSubject picks whose resources a list call returns; "" means everyone.
func listSubject(ctx context.Context, e engine.Engine, in *resourceListInput) (string, error) {
	if in.All {
		_, err := requireAdmin(ctx, e, "")
		return "", err
	}
	return selfOrAdmin(ctx, e, in.EmployeeID)
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-leave-request",
		Method:        http.MethodPost,
		Path:          "/leave-requests",
		Summary:       "Create a draft leave request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateLeaveRequest `json:"body"`
	}) (*struct {
		Body domain.LeaveRequest `json:"body"`
	}, error) {
		employee, err := selfOrAdmin(ctx, e, input.Body.EmployeeID)
		if err != nil {
			return nil, handleError(err)
		}
		lr, err := e.CreateLeaveRequest(ctx, engine.LeaveRequestOptions{
			EmployeeID: employee,
			LocationID: input.Body.LocationID,
			Kind:       input.Body.Kind,
			StartDate:  input.Body.StartDate,
			EndDate:    input.Body.EndDate,
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaveRequest `json:"body"`
		}{Body: lr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leave-requests",
		Method:      http.MethodGet,
		Path:        "/leave-requests",
		Summary:     "List leave requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *resourceListInput) (*struct {
		Body []domain.LeaveRequest `json:"body"`
	}, error) {
		subject, err := listSubject(ctx, e, input)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLeaveRequests(ctx, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LeaveRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-leave-request",
		Method:      http.MethodGet,
		Path:        "/leave-requests/{resource_id}",
		Summary:     "Get a leave request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body domain.LeaveRequest `json:"body"`
	}, error) {
		item, err := e.Repo.GetLeaveRequest(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaveRequest `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-leave-request",
		Method:      http.MethodPost,
		Path:        "/leave-requests/{resource_id}/submit",
		Summary:     "Submit or resubmit a leave request for approval",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*instanceOutput, error) {
		return submitResource(ctx, e, domain.ResourceLeave, input.ResourceID)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-timesheet",
		Method:        http.MethodPost,
		Path:          "/timesheets",
		Summary:       "Create a draft timesheet",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTimesheetRequest `json:"body"`
	}) (*struct {
		Body domain.Timesheet `json:"body"`
	}, error) {
		employee, err := selfOrAdmin(ctx, e, input.Body.EmployeeID)
		if err != nil {
			return nil, handleError(err)
		}
		ts, err := e.CreateTimesheet(ctx, engine.TimesheetOptions{
			EmployeeID:  employee,
			LocationID:  input.Body.LocationID,
			PeriodStart: input.Body.PeriodStart,
			PeriodEnd:   input.Body.PeriodEnd,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Timesheet `json:"body"`
		}{Body: ts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-timesheets",
		Method:      http.MethodGet,
		Path:        "/timesheets",
		Summary:     "List timesheets",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *resourceListInput) (*struct {
		Body []domain.Timesheet `json:"body"`
	}, error) {
		subject, err := listSubject(ctx, e, input)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTimesheets(ctx, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Timesheet `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timesheet",
		Method:      http.MethodGet,
		Path:        "/timesheets/{resource_id}",
		Summary:     "Get a timesheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body domain.Timesheet `json:"body"`
	}, error) {
		item, err := e.Repo.GetTimesheet(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Timesheet `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-timesheet",
		Method:      http.MethodPost,
		Path:        "/timesheets/{resource_id}/submit",
		Summary:     "Submit or resubmit a timesheet for approval",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*instanceOutput, error) {
		return submitResource(ctx, e, domain.ResourceTimesheet, input.ResourceID)
	})
}

func submitResource(ctx context.Context, e engine.Engine, rt domain.ResourceType, id string) (*instanceOutput, error) {
	actorID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	inst, err := e.SubmitResource(ctx, rt, id, actorID)
	if err != nil {
		return nil, handleError(err)
	}
	return &instanceOutput{Body: inst}, nil
}
