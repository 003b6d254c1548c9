package server

import (
	"encoding/json"
	"time"

	"approvald/internal/domain"
	"approvald/internal/engine"
)

// Request payloads

type AuthorityCheckRequest struct {
	UserID     string `json:"user_id,omitempty" doc:"Defaults to the caller"`
	Permission string `json:"permission"`
	LocationID string `json:"location_id"`
	StepOrder  *int   `json:"step_order,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type PreviewRequest struct {
	EmployeeID string `json:"employee_id"`
	LocationID string `json:"location_id"`
}

type TransitionRequest struct {
	Action          string `json:"action" enum:"approve,decline,reroute,route_back,adjust"`
	Comment         string `json:"comment,omitempty"`
	StepOrder       int    `json:"step_order,omitempty" doc:"Step the caller acted on; rejected if no longer current"`
	TargetStepOrder int    `json:"target_step_order,omitempty"`
	LocationID      string `json:"location_id,omitempty" doc:"Must equal the instance location when set"`
}

type ReviewRequest struct {
	LocationID string `json:"location_id,omitempty" doc:"Must equal the instance location when set"`
}

type CreateLeaveRequest struct {
	EmployeeID string `json:"employee_id,omitempty" doc:"Defaults to the caller"`
	LocationID string `json:"location_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	StartDate  string `json:"start_date" format:"date"`
	EndDate    string `json:"end_date" format:"date"`
	Reason     string `json:"reason,omitempty"`
}

type CreateTimesheetRequest struct {
	EmployeeID  string `json:"employee_id,omitempty" doc:"Defaults to the caller"`
	LocationID  string `json:"location_id,omitempty"`
	PeriodStart string `json:"period_start" format:"date"`
	PeriodEnd   string `json:"period_end" format:"date"`
}

type LocationRequest struct {
	Name     string  `json:"name,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

type UserRequest struct {
	Name       string  `json:"name,omitempty"`
	Status     string  `json:"status,omitempty" enum:"active,suspended"`
	Deleted    bool    `json:"deleted,omitempty"`
	ManagerID  *string `json:"manager_id,omitempty"`
	LocationID *string `json:"location_id,omitempty"`
}

type RoleRequest struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty" enum:"active,deprecated"`
}

type PermissionRequest struct {
	Name string `json:"name"`
}

type RoleAssignmentRequest struct {
	RoleID string `json:"role_id"`
}

type ScopeRequest struct {
	UserID             string     `json:"user_id"`
	Permission         string     `json:"permission"`
	LocationID         *string    `json:"location_id,omitempty"`
	IsGlobal           bool       `json:"is_global,omitempty"`
	IncludeDescendants bool       `json:"include_descendants,omitempty"`
	ValidFrom          *time.Time `json:"valid_from,omitempty"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
}

type DelegationRequest struct {
	DelegatorID        string     `json:"delegator_id,omitempty"`
	DelegateID         string     `json:"delegate_id"`
	Permission         string     `json:"permission"`
	LocationID         *string    `json:"location_id,omitempty"`
	IncludeDescendants bool       `json:"include_descendants,omitempty"`
	ValidFrom          *time.Time `json:"valid_from,omitempty"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
	Reason             string     `json:"reason,omitempty"`
}

type APIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type StepResponse struct {
	StepOrder          int      `json:"step_order"`
	Name               string   `json:"name,omitempty"`
	RequiredPermission string   `json:"required_permission"`
	RequiredRoles      []string `json:"required_roles"`
	Strategy           string   `json:"approver_strategy" enum:"manager,role,permission,combined"`
	IncludeManager     bool     `json:"include_manager"`
	LocationScope      string   `json:"location_scope" enum:"same,parent,descendants,all"`
	AllowDecline       bool     `json:"allow_decline"`
	AllowAdjust        bool     `json:"allow_adjust"`
}

type TemplateResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ResourceType string         `json:"resource_type" enum:"leave,timesheet"`
	LocationID   string         `json:"location_id"`
	Version      int            `json:"version"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	Steps        []StepResponse `json:"steps"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type AuthorityResponse struct {
	Authorized   bool   `json:"authorized"`
	Source       string `json:"source" enum:"none,direct,delegation"`
	DelegationID string `json:"delegation_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type PreviewResponse struct {
	TemplateID string               `json:"template_id"`
	Steps      []engine.StepPreview `json:"steps"`
}

type MeResponse struct {
	UserID string             `json:"user_id"`
	Source string             `json:"source"`
	User   domain.User        `json:"user"`
	Roles  []domain.RoleGrant `json:"roles"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ExpireResponse struct {
	Users int `json:"users"`
}

func templateResponse(t domain.WorkflowTemplate) TemplateResponse {
	res := TemplateResponse{
		ID:           t.ID,
		Name:         t.Name,
		ResourceType: string(t.ResourceType),
		LocationID:   t.LocationID,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		Steps:        make([]StepResponse, 0, len(t.Steps)),
	}
	for _, s := range t.Steps {
		res.Steps = append(res.Steps, StepResponse{
			StepOrder:          s.StepOrder,
			Name:               s.Name,
			RequiredPermission: s.RequiredPermission,
			RequiredRoles:      s.RequiredRoles.IDs(),
			Strategy:           s.Strategy.String(),
			IncludeManager:     s.IncludeManager,
			LocationScope:      string(s.LocationScope),
			AllowDecline:       s.AllowDecline,
			AllowAdjust:        s.AllowAdjust,
		})
	}
	return res
}

func mapTemplates(items []domain.WorkflowTemplate) []TemplateResponse {
	res := make([]TemplateResponse, 0, len(items))
	for _, t := range items {
		res = append(res, templateResponse(t))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
