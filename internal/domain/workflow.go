package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceType names the kind of request a workflow approves.
type ResourceType string

const (
	ResourceLeave     ResourceType = "leave"
	ResourceTimesheet ResourceType = "timesheet"
)

func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(strings.ToLower(strings.TrimSpace(s))) {
	case ResourceLeave:
		return ResourceLeave, nil
	case ResourceTimesheet:
		return ResourceTimesheet, nil
	}
	return "", Configuration("unknown resource type %q", s)
}

// Strategy selects how the approvers of a step are computed.
type Strategy int

const (
	StrategyManager Strategy = iota + 1
	StrategyRole
	StrategyPermission
	StrategyCombined
)

var strategyNames = map[Strategy]string{
	StrategyManager:    "manager",
	StrategyRole:       "role",
	StrategyPermission: "permission",
	StrategyCombined:   "combined",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	for k, v := range strategyNames {
		if v == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, Configuration("unknown approver strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// LocationScope restricts approvers relative to the reference location.
type LocationScope string

const (
	ScopeSame        LocationScope = "same"
	ScopeParent      LocationScope = "parent"
	ScopeDescendants LocationScope = "descendants"
	ScopeAll         LocationScope = "all"
)

func ParseLocationScope(s string) (LocationScope, error) {
	switch v := LocationScope(strings.ToLower(strings.TrimSpace(s))); v {
	case ScopeSame, ScopeParent, ScopeDescendants, ScopeAll:
		return v, nil
	case "":
		return ScopeAll, nil
	}
	return "", Configuration("unknown location scope %q", s)
}

// RoleSet is the parsed, deduplicated set of role ids a step requires.
type RoleSet map[string]struct{}

func NewRoleSet(ids ...string) RoleSet {
	rs := RoleSet{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			rs[id] = struct{}{}
		}
	}
	return rs
}

func (rs RoleSet) Has(id string) bool {
	_, ok := rs[id]
	return ok
}

// IDs returns the role ids sorted.
func (rs RoleSet) IDs() []string {
	out := make([]string, 0, len(rs))
	for id := range rs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type WorkflowStep struct {
	TemplateID         string        `json:"template_id"`
	StepOrder          int           `json:"step_order"`
	Name               string        `json:"name,omitempty"`
	RequiredPermission string        `json:"required_permission"`
	RequiredRoles      RoleSet       `json:"-"`
	Strategy           Strategy      `json:"approver_strategy"`
	IncludeManager     bool          `json:"include_manager"`
	LocationScope      LocationScope `json:"location_scope"`
	AllowDecline       bool          `json:"allow_decline"`
	AllowAdjust        bool          `json:"allow_adjust"`
}

type WorkflowTemplate struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ResourceType ResourceType   `json:"resource_type"`
	LocationID   string         `json:"location_id"`
	Version      int            `json:"version"`
	Steps        []WorkflowStep `json:"steps"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// Step returns the step with the given order.
func (t WorkflowTemplate) Step(order int) (WorkflowStep, bool) {
	for _, s := range t.Steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

type InstanceStatus string

const (
	StatusDraft       InstanceStatus = "Draft"
	StatusSubmitted   InstanceStatus = "Submitted"
	StatusUnderReview InstanceStatus = "UnderReview"
	StatusApproved    InstanceStatus = "Approved"
	StatusDeclined    InstanceStatus = "Declined"
	StatusAdjusted    InstanceStatus = "Adjusted"
)

// InFlight reports whether approvers can act on the instance.
func (s InstanceStatus) InFlight() bool {
	return s == StatusSubmitted || s == StatusUnderReview
}

func (s InstanceStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

type WorkflowInstance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	ResourceID       string         `json:"resource_id"`
	ResourceType     ResourceType   `json:"resource_type"`
	Status           InstanceStatus `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	CreatedBy        string         `json:"created_by"`
	LocationID       string         `json:"location_id"`
	Version          int            `json:"version"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	Steps            []StepInstance `json:"steps,omitempty"`
}

type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepDeclined StepStatus = "declined"
)

type StepInstance struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	StepOrder  int        `json:"step_order"`
	Status     StepStatus `json:"status"`
	ActorID    *string    `json:"actor_id,omitempty"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
	Comment    string     `json:"comment,omitempty"`
}

// ResourceStatus mirrors the instance outcome onto the leave request or timesheet.
type ResourceStatus string

const (
	ResourceDraft     ResourceStatus = "Draft"
	ResourceSubmitted ResourceStatus = "Submitted"
	ResourceApproved  ResourceStatus = "Approved"
	ResourceDeclined  ResourceStatus = "Declined"
	ResourceAdjusted  ResourceStatus = "Adjusted"
)

type LeaveRequest struct {
	ID         string         `json:"id"`
	EmployeeID string         `json:"employee_id"`
	LocationID string         `json:"location_id"`
	Kind       string         `json:"kind"`
	StartDate  string         `json:"start_date" format:"date"`
	EndDate    string         `json:"end_date" format:"date"`
	Reason     string         `json:"reason,omitempty"`
	Status     ResourceStatus `json:"status"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type Timesheet struct {
	ID          string         `json:"id"`
	EmployeeID  string         `json:"employee_id"`
	LocationID  string         `json:"location_id"`
	PeriodStart string         `json:"period_start" format:"date"`
	PeriodEnd   string         `json:"period_end" format:"date"`
	Status      ResourceStatus `json:"status"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// Resource is the common view of a leave request or timesheet.
type Resource struct {
	ID         string         `json:"id"`
	Type       ResourceType   `json:"type"`
	EmployeeID string         `json:"employee_id"`
	LocationID string         `json:"location_id"`
	Status     ResourceStatus `json:"status"`
}
