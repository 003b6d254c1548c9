package approvers

import (
	"context"

	"approvald/internal/domain"
)

type LocationTree interface {
	IsDescendantOf(ctx context.Context, candidate, ancestor string) (bool, error)
}

// InScope reports whether an approver located at approverLoc passes scope
// relative to the reference location. parent accepts the reference location
// and its ancestors; descendants accepts the reference location and everything
// below it. Every scope accepts what same accepts, and all accepts everyone,
// including approvers with no location.
func InScope(ctx context.Context, tree LocationTree, scope domain.LocationScope, approverLoc *string, refLoc string) (bool, error) {
	if scope == domain.ScopeAll {
		return true, nil
	}
	if approverLoc == nil || *approverLoc == "" || refLoc == "" {
		return false, nil
	}
	if *approverLoc == refLoc {
		switch scope {
		case domain.ScopeSame, domain.ScopeParent, domain.ScopeDescendants:
			return true, nil
		}
	}
	switch scope {
	case domain.ScopeSame:
		return false, nil
	case domain.ScopeParent:
		return tree.IsDescendantOf(ctx, refLoc, *approverLoc)
	case domain.ScopeDescendants:
		return tree.IsDescendantOf(ctx, *approverLoc, refLoc)
	}
	return false, domain.Configuration("unknown location scope %q", scope)
}
