// Package cache holds short-lived positive authority results keyed by
// (user, location). Entries are only ever written for granted permissions,
// so a miss or a stale entry can never deny access.
package cache

import (
	"context"
	"sort"
	"time"
)

// DefaultTTL bounds how long a revoked grant may still be honoured from cache.
const DefaultTTL = 5 * time.Minute

type PermissionCache interface {
	// Get returns the cached permission set. ok is false on a miss.
	Get(ctx context.Context, userID, locationID string) (perms []string, ok bool, err error)
	// Set replaces the permission set for (user, location).
	Set(ctx context.Context, userID, locationID string, perms []string, ttl time.Duration) error
	// Invalidate drops every entry of the user.
	Invalidate(ctx context.Context, userID string) error
}

// Contains reports whether perm is in perms.
func Contains(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// Merge returns the sorted union of perms and extra.
func Merge(perms []string, extra ...string) []string {
	set := make(map[string]struct{}, len(perms)+len(extra))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	for _, p := range extra {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Noop never hits.
type Noop struct{}

func (Noop) Get(context.Context, string, string) ([]string, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, string, []string, time.Duration) error {
	return nil
}
func (Noop) Invalidate(context.Context, string) error { return nil }
