package config

import (
	"fmt"

	"approvald/internal/domain"
)

// Seed is a declarative catalogue applied idempotently at bootstrap.
type Seed struct {
	Locations   []SeedLocation   `yaml:"locations" validate:"dive"`
	Permissions []string         `yaml:"permissions" validate:"dive,required"`
	Roles       []SeedRole       `yaml:"roles" validate:"dive"`
	Users       []SeedUser       `yaml:"users" validate:"dive"`
	Scopes      []SeedScope      `yaml:"scopes" validate:"dive"`
	Delegations []SeedDelegation `yaml:"delegations" validate:"dive"`
	Templates   []TemplateSpec   `yaml:"templates" validate:"dive"`
}

type SeedLocation struct {
	ID     string `yaml:"id" validate:"required"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

type SeedRole struct {
	ID          string   `yaml:"id" validate:"required"`
	Name        string   `yaml:"name"`
	Status      string   `yaml:"status" validate:"omitempty,oneof=active deprecated"`
	Permissions []string `yaml:"permissions" validate:"dive,required"`
}

type SeedUser struct {
	ID       string   `yaml:"id" validate:"required"`
	Name     string   `yaml:"name"`
	Status   string   `yaml:"status" validate:"omitempty,oneof=active suspended"`
	Manager  string   `yaml:"manager"`
	Location string   `yaml:"location"`
	Roles    []string `yaml:"roles" validate:"dive,required"`
}

type SeedScope struct {
	User               string `yaml:"user" validate:"required"`
	Permission         string `yaml:"permission" validate:"required"`
	Location           string `yaml:"location" validate:"required_without=Global"`
	Global             bool   `yaml:"global"`
	IncludeDescendants bool   `yaml:"include_descendants"`
}

type SeedDelegation struct {
	Delegator          string `yaml:"delegator"`
	Delegate           string `yaml:"delegate" validate:"required"`
	Permission         string `yaml:"permission" validate:"required"`
	Location           string `yaml:"location"`
	IncludeDescendants bool   `yaml:"include_descendants"`
	Reason             string `yaml:"reason"`
}

// TemplateSpec is the authoring form of a workflow template. Step order is
// the position in Steps, so orders are contiguous from 1 by construction.
type TemplateSpec struct {
	Name         string     `yaml:"name" json:"name" validate:"required"`
	ResourceType string     `yaml:"resource_type" json:"resource_type" validate:"required,oneof=leave timesheet"`
	LocationID   string     `yaml:"location_id" json:"location_id" validate:"required"`
	Steps        []StepSpec `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

type StepSpec struct {
	Name               string   `yaml:"name" json:"name,omitempty"`
	RequiredPermission string   `yaml:"required_permission" json:"required_permission" validate:"required"`
	RequiredRoles      []string `yaml:"required_roles" json:"required_roles,omitempty" validate:"dive,required"`
	Strategy           string   `yaml:"strategy" json:"strategy" validate:"required,oneof=manager role permission combined"`
	IncludeManager     bool     `yaml:"include_manager" json:"include_manager,omitempty"`
	LocationScope      string   `yaml:"location_scope" json:"location_scope,omitempty" validate:"omitempty,oneof=same parent descendants all"`
	AllowDecline       *bool    `yaml:"allow_decline" json:"allow_decline,omitempty"`
	AllowAdjust        bool     `yaml:"allow_adjust" json:"allow_adjust,omitempty"`
}

// Validate checks tags and the rules tags cannot express. Failures are
// configuration errors.
func (t TemplateSpec) Validate() error {
	if err := validate.Struct(t); err != nil {
		return domain.Configuration("template %q: %v", t.Name, err)
	}
	for i, s := range t.Steps {
		if s.Strategy == domain.StrategyRole.String() && len(s.RequiredRoles) == 0 {
			return domain.Configuration("template %q step %d: role strategy needs required_roles", t.Name, i+1)
		}
	}
	return nil
}

// ToSteps converts the spec into typed steps, parsing enums and role lists once.
func (t TemplateSpec) ToSteps(templateID string) ([]domain.WorkflowStep, error) {
	steps := make([]domain.WorkflowStep, 0, len(t.Steps))
	for i, s := range t.Steps {
		strategy, err := domain.ParseStrategy(s.Strategy)
		if err != nil {
			return nil, err
		}
		scope, err := domain.ParseLocationScope(s.LocationScope)
		if err != nil {
			return nil, err
		}
		allowDecline := true
		if s.AllowDecline != nil {
			allowDecline = *s.AllowDecline
		}
		steps = append(steps, domain.WorkflowStep{
			TemplateID:         templateID,
			StepOrder:          i + 1,
			Name:               s.Name,
			RequiredPermission: s.RequiredPermission,
			RequiredRoles:      domain.NewRoleSet(s.RequiredRoles...),
			Strategy:           strategy,
			IncludeManager:     s.IncludeManager,
			LocationScope:      scope,
			AllowDecline:       allowDecline,
			AllowAdjust:        s.AllowAdjust,
		})
	}
	return steps, nil
}

// Validate cross-checks references inside the seed catalogue.
func (s Seed) Validate() error {
	locations := map[string]bool{}
	for _, l := range s.Locations {
		locations[l.ID] = true
	}
	for _, l := range s.Locations {
		if l.Parent != "" && !locations[l.Parent] {
			return fmt.Errorf("seed location %s references unknown parent %s", l.ID, l.Parent)
		}
	}
	perms := map[string]bool{}
	for _, p := range s.Permissions {
		perms[p] = true
	}
	roles := map[string]bool{}
	for _, r := range s.Roles {
		roles[r.ID] = true
		for _, p := range r.Permissions {
			if !perms[p] {
				return fmt.Errorf("seed role %s grants unknown permission %s", r.ID, p)
			}
		}
	}
	users := map[string]bool{}
	for _, u := range s.Users {
		users[u.ID] = true
	}
	for _, u := range s.Users {
		if u.Manager != "" && !users[u.Manager] {
			return fmt.Errorf("seed user %s references unknown manager %s", u.ID, u.Manager)
		}
		if u.Location != "" && !locations[u.Location] {
			return fmt.Errorf("seed user %s references unknown location %s", u.ID, u.Location)
		}
		for _, r := range u.Roles {
			if !roles[r] {
				return fmt.Errorf("seed user %s references unknown role %s", u.ID, r)
			}
		}
	}
	for _, sc := range s.Scopes {
		if !users[sc.User] {
			return fmt.Errorf("seed scope references unknown user %s", sc.User)
		}
	}
	for _, d := range s.Delegations {
		if !users[d.Delegate] {
			return fmt.Errorf("seed delegation references unknown delegate %s", d.Delegate)
		}
	}
	for _, t := range s.Templates {
		if err := t.Validate(); err != nil {
			return err
		}
		if !locations[t.LocationID] {
			return fmt.Errorf("seed template %q references unknown location %s", t.Name, t.LocationID)
		}
		for i, st := range t.Steps {
			for _, r := range st.RequiredRoles {
				if !roles[r] {
					return fmt.Errorf("seed template %q step %d references unknown role %s", t.Name, i+1, r)
				}
			}
		}
	}
	return nil
}
