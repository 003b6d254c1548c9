package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"approvald/internal/domain"
	"approvald/internal/engine"
)

var catalogErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}

type noContent struct{}

// scopeLocation is where an administrator needs catalog.manage to hand out a
// grant; global grants need a global administrator.
func scopeLocation(locationID *string, global bool) string {
	if global || locationID == nil {
		return ""
	}
	return *locationID
}

func registerCatalog(api huma.API, e engine.Engine) {
	registerCatalogReads(api, e)

	huma.Register(api, huma.Operation{
		OperationID: "put-location",
		Method:      http.MethodPut,
		Path:        "/locations/{location_id}",
		Summary:     "Create or move a location",
		Errors:      catalogErrors,
	}, func(ctx context.Context, input *struct {
		LocationID string          `path:"location_id"`
		Body       LocationRequest `json:"body"`
	}) (*struct {
		Body domain.Location `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		loc := domain.Location{ID: input.LocationID, Name: input.Body.Name, ParentID: input.Body.ParentID}
		if loc.Name == "" {
			loc.Name = loc.ID
		}
		if err := e.UpsertLocation(ctx, actorID, loc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Location `json:"body"`
		}{Body: loc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-user",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}",
		Summary:     "Create or update a user",
		Description: "Suspending or deleting a user removes their authority immediately.",
		Errors:      catalogErrors,
	}, func(ctx context.Context, input *struct {
		UserID string      `path:"user_id"`
		Body   UserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		u := domain.User{
			ID:         input.UserID,
			Name:       input.Body.Name,
			Status:     domain.UserStatus(input.Body.Status),
			Deleted:    input.Body.Deleted,
			ManagerID:  input.Body.ManagerID,
			LocationID: input.Body.LocationID,
		}
		if u.Status == "" {
			u.Status = domain.UserActive
		}
		if u.Name == "" {
			u.Name = u.ID
		}
		if err := e.UpsertUser(ctx, actorID, u); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-role",
		Method:      http.MethodPut,
		Path:        "/roles/{role_id}",
		Summary:     "Create, rename or deprecate a role",
		Errors:      catalogErrors,
	}, func(ctx context.Context, input *struct {
		RoleID string      `path:"role_id"`
		Body   RoleRequest `json:"body"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		role := domain.Role{ID: input.RoleID, Name: input.Body.Name, Status: domain.RoleStatus(input.Body.Status)}
		if role.Status == "" {
			role.Status = domain.RoleActive
		}
		if role.Name == "" {
			role.Name = role.ID
		}
		if err := e.UpsertRole(ctx, actorID, role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-permission",
		Method:        http.MethodPost,
		Path:          "/permissions",
		Summary:       "Register a permission name",
		DefaultStatus: http.StatusCreated,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		Body PermissionRequest `json:"body"`
	}) (*struct {
		Body domain.Permission `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		p := domain.Permission{ID: input.Body.Name, Name: input.Body.Name}
		if err := e.UpsertPermission(ctx, actorID, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Permission `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role-permission",
		Method:        http.MethodPost,
		Path:          "/roles/{role_id}/permissions",
		Summary:       "Grant a permission to a role",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		RoleID string            `path:"role_id"`
		Body   PermissionRequest `json:"body"`
	}) (*noContent, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRolePermission(ctx, actorID, input.RoleID, input.Body.Name); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role-permission",
		Method:        http.MethodDelete,
		Path:          "/roles/{role_id}/permissions/{permission}",
		Summary:       "Revoke a permission from a role",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		RoleID     string `path:"role_id"`
		Permission string `path:"permission"`
	}) (*noContent, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRolePermission(ctx, actorID, input.RoleID, input.Permission); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/roles",
		Summary:       "Assign a role to a user",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		UserID string                `path:"user_id"`
		Body   RoleAssignmentRequest `json:"body"`
	}) (*noContent, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.AssignRole(ctx, actorID, input.UserID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/users/{user_id}/roles/{role_id}",
		Summary:       "Remove a role from a user",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		RoleID string `path:"role_id"`
	}) (*noContent, error) {
		actorID, err := requireAdmin(ctx, e, "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, actorID, input.UserID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-scope",
		Method:        http.MethodPost,
		Path:          "/scopes",
		Summary:       "Grant a permission scope",
		DefaultStatus: http.StatusCreated,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		Body ScopeRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionScope `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, scopeLocation(input.Body.LocationID, input.Body.IsGlobal))
		if err != nil {
			return nil, handleError(err)
		}
		if !input.Body.IsGlobal && input.Body.LocationID == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "location_id is required unless is_global", nil)
		}
		sc, err := e.GrantScope(ctx, actorID, domain.PermissionScope{
			UserID:             input.Body.UserID,
			Permission:         input.Body.Permission,
			LocationID:         input.Body.LocationID,
			IsGlobal:           input.Body.IsGlobal,
			IncludeDescendants: input.Body.IncludeDescendants,
			ValidFrom:          input.Body.ValidFrom,
			ValidUntil:         input.Body.ValidUntil,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermissionScope `json:"body"`
		}{Body: sc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-scope",
		Method:        http.MethodDelete,
		Path:          "/scopes/{scope_id}",
		Summary:       "Revoke a permission scope",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		ScopeID string `path:"scope_id"`
	}) (*noContent, error) {
		sc, err := e.Repo.GetScope(ctx, input.ScopeID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireAdmin(ctx, e, scopeLocation(sc.LocationID, sc.IsGlobal))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeScope(ctx, actorID, input.ScopeID); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-delegation",
		Method:        http.MethodPost,
		Path:          "/delegations",
		Summary:       "Delegate a permission for a time window",
		DefaultStatus: http.StatusCreated,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		Body DelegationRequest `json:"body"`
	}) (*struct {
		Body domain.Delegation `json:"body"`
	}, error) {
		actorID, err := requireAdmin(ctx, e, scopeLocation(input.Body.LocationID, false))
		if err != nil {
			return nil, handleError(err)
		}
		delegator := input.Body.DelegatorID
		if delegator == "" {
			delegator = actorID
		}
		d, err := e.CreateDelegation(ctx, actorID, domain.Delegation{
			DelegatorID:        delegator,
			DelegateID:         input.Body.DelegateID,
			Permission:         input.Body.Permission,
			LocationID:         input.Body.LocationID,
			IncludeDescendants: input.Body.IncludeDescendants,
			ValidFrom:          input.Body.ValidFrom,
			ValidUntil:         input.Body.ValidUntil,
			Reason:             input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Delegation `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-delegation",
		Method:        http.MethodDelete,
		Path:          "/delegations/{delegation_id}",
		Summary:       "Revoke a delegation",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		DelegationID string `path:"delegation_id"`
	}) (*noContent, error) {
		d, err := e.Repo.GetDelegation(ctx, input.DelegationID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireAdmin(ctx, e, scopeLocation(d.LocationID, false))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeDelegation(ctx, actorID, input.DelegationID); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key",
		Description:   "Users may mint keys for themselves; administrators for anyone. The key is returned once.",
		DefaultStatus: http.StatusCreated,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		Body APIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		owner, err := selfOrAdmin(ctx, e, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, actorID, owner, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, UserID: key.UserID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Description: "Defaults to the caller's keys. Hashes are never returned.",
		Errors:      catalogErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		owner, err := selfOrAdmin(ctx, e, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        catalogErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*noContent, error) {
		key, err := e.Repo.GetAPIKey(ctx, input.KeyID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := selfOrAdmin(ctx, e, key.UserID); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actorID, key.ID); err != nil {
			return nil, handleError(err)
		}
		return &noContent{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-grants",
		Method:      http.MethodPost,
		Path:        "/admin/expire-grants",
		Summary:     "Expire elapsed scopes and delegations now",
		Errors:      catalogErrors,
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e, ""); err != nil {
			return nil, handleError(err)
		}
		n, err := e.ExpireGrants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Users: n}}, nil
	})
}

func registerCatalogReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locations",
		Method:      http.MethodGet,
		Path:        "/locations",
		Summary:     "List locations",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body []domain.Location `json:"body"`
	}, error) {
		items, err := e.Repo.ListLocations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Location `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e, ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles with their permissions",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body []domain.RoleGrant `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoleGrant `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-scopes",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/scopes",
		Summary:     "Permission scopes held by a user",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []domain.PermissionScope `json:"body"`
	}, error) {
		subject, err := selfOrAdmin(ctx, e, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListScopes(ctx, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PermissionScope `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-delegations",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/delegations",
		Summary:     "Delegations received by a user",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []domain.Delegation `json:"body"`
	}, error) {
		subject, err := selfOrAdmin(ctx, e, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDelegations(ctx, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Delegation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
