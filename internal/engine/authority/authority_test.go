package authority_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvald/internal/cache"
	"approvald/internal/domain"
	"approvald/internal/engine/authority"
)

type fakeStore struct {
	users       map[string]domain.User
	grants      map[string][]domain.RoleGrant
	scopes      map[string][]domain.PermissionScope
	delegations map[string][]domain.Delegation
	parents     map[string]string
	instances   map[string]domain.WorkflowInstance
	templates   map[string]domain.WorkflowTemplate
	roleLoads   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]domain.User{},
		grants:      map[string][]domain.RoleGrant{},
		scopes:      map[string][]domain.PermissionScope{},
		delegations: map[string][]domain.Delegation{},
		// hq > region > branch
		parents:   map[string]string{"region": "hq", "branch": "region", "other": "hq"},
		instances: map[string]domain.WorkflowInstance{},
		templates: map[string]domain.WorkflowTemplate{},
	}
}

func (f *fakeStore) IsDescendantOf(_ context.Context, candidate, ancestor string) (bool, error) {
	for cur, ok := f.parents[candidate]; ok; cur, ok = f.parents[cur] {
		if cur == ancestor {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return u, domain.NotFound("user", id)
	}
	return u, nil
}

func (f *fakeStore) GetActiveRolesWithPermissions(_ context.Context, userID string) ([]domain.RoleGrant, error) {
	f.roleLoads++
	return f.grants[userID], nil
}

func (f *fakeStore) GetActiveScopes(_ context.Context, userID, permission string) ([]domain.PermissionScope, error) {
	var res []domain.PermissionScope
	for _, s := range f.scopes[userID] {
		if s.Permission == permission {
			res = append(res, s)
		}
	}
	return res, nil
}

func (f *fakeStore) GetActiveDelegations(_ context.Context, delegateID, permission string) ([]domain.Delegation, error) {
	var res []domain.Delegation
	for _, d := range f.delegations[delegateID] {
		if d.Permission == permission {
			res = append(res, d)
		}
	}
	return res, nil
}

func (f *fakeStore) GetInstance(_ context.Context, id string) (domain.WorkflowInstance, error) {
	in, ok := f.instances[id]
	if !ok {
		return in, domain.NotFound("instance", id)
	}
	return in, nil
}

func (f *fakeStore) GetTemplate(_ context.Context, id string) (domain.WorkflowTemplate, error) {
	t, ok := f.templates[id]
	if !ok {
		return t, domain.NotFound("template", id)
	}
	return t, nil
}

func strPtr(s string) *string { return &s }

func (f *fakeStore) addUser(id string) {
	f.users[id] = domain.User{ID: id, Name: id, Status: domain.UserActive}
}

func (f *fakeStore) grant(userID string, perms ...string) {
	f.grants[userID] = append(f.grants[userID], domain.RoleGrant{
		Role:        domain.Role{ID: "role-" + userID, Name: "Approver", Status: domain.RoleActive},
		Permissions: perms,
	})
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newResolver(store *fakeStore, c cache.PermissionCache) *authority.Resolver {
	log := logrus.New()
	log.SetOutput(io.Discard)
	r := authority.New(store, c, log)
	r.Now = func() time.Time { return testNow }
	return r
}

func check(t *testing.T, r *authority.Resolver, user, perm, loc string) authority.Result {
	t.Helper()
	res, err := r.CheckAuthority(context.Background(), authority.Request{UserID: user, Permission: perm, LocationID: loc})
	require.NoError(t, err)
	return res
}

func TestUnknownOrInactiveUserIsDenied(t *testing.T) {
	store := newFakeStore()
	store.users["suspended"] = domain.User{ID: "suspended", Status: domain.UserSuspended}
	store.users["deleted"] = domain.User{ID: "deleted", Status: domain.UserActive, Deleted: true}
	for _, id := range []string{"suspended", "deleted"} {
		store.grant(id, "leave.approve")
		store.scopes[id] = []domain.PermissionScope{{ID: "s-" + id, UserID: id, Permission: "leave.approve", IsGlobal: true, Status: domain.GrantActive}}
	}
	r := newResolver(store, cache.Noop{})

	for _, id := range []string{"ghost", "suspended", "deleted"} {
		res := check(t, r, id, "leave.approve", "hq")
		assert.False(t, res.Authorized, id)
		assert.Equal(t, authority.SourceNone, res.Source, id)
	}
}

func TestRoleWithoutScopeFallsThrough(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	r := newResolver(store, cache.Noop{})

	res := check(t, r, "alice", "leave.approve", "branch")
	assert.False(t, res.Authorized)
	assert.Contains(t, res.Reason, "no scope")
}

func TestScopeLocationMatching(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	store.scopes["alice"] = []domain.PermissionScope{
		{ID: "s1", UserID: "alice", Permission: "leave.approve", LocationID: strPtr("region"), IncludeDescendants: true, Status: domain.GrantActive},
	}
	store.addUser("bob")
	store.grant("bob", "leave.approve")
	store.scopes["bob"] = []domain.PermissionScope{
		{ID: "s2", UserID: "bob", Permission: "leave.approve", LocationID: strPtr("region"), Status: domain.GrantActive},
	}
	r := newResolver(store, cache.Noop{})

	assert.True(t, check(t, r, "alice", "leave.approve", "region").Authorized)
	assert.True(t, check(t, r, "alice", "leave.approve", "branch").Authorized)
	assert.False(t, check(t, r, "alice", "leave.approve", "hq").Authorized, "scope never reaches upwards")
	assert.False(t, check(t, r, "alice", "leave.approve", "other").Authorized)

	assert.True(t, check(t, r, "bob", "leave.approve", "region").Authorized)
	assert.False(t, check(t, r, "bob", "leave.approve", "branch").Authorized, "descendants not included")
}

func TestScopeTimeWindow(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	store.scopes["alice"] = []domain.PermissionScope{
		{ID: "expired", UserID: "alice", Permission: "leave.approve", IsGlobal: true, ValidUntil: &past, Status: domain.GrantActive},
		{ID: "later", UserID: "alice", Permission: "leave.approve", IsGlobal: true, ValidFrom: &future, Status: domain.GrantActive},
	}
	r := newResolver(store, cache.Noop{})
	assert.False(t, check(t, r, "alice", "leave.approve", "hq").Authorized)

	r.Now = func() time.Time { return future.Add(time.Minute) }
	assert.True(t, check(t, r, "alice", "leave.approve", "hq").Authorized)
}

func TestGlobalDelegationAuthorizesEverywhere(t *testing.T) {
	store := newFakeStore()
	store.addUser("carol")
	store.delegations["carol"] = []domain.Delegation{
		{ID: "d1", DelegatorID: "alice", DelegateID: "carol", Permission: "leave.approve", Status: domain.GrantActive},
	}
	r := newResolver(store, cache.Noop{})

	for _, loc := range []string{"hq", "region", "branch", "other", "unknown"} {
		res := check(t, r, "carol", "leave.approve", loc)
		assert.True(t, res.Authorized, loc)
		assert.Equal(t, authority.SourceDelegation, res.Source)
		assert.Equal(t, "d1", res.DelegationID)
	}
	assert.False(t, check(t, r, "carol", "timesheet.approve", "hq").Authorized)
}

func TestScopedDelegation(t *testing.T) {
	store := newFakeStore()
	store.addUser("carol")
	until := testNow.Add(time.Hour)
	store.delegations["carol"] = []domain.Delegation{
		{ID: "revoked", DelegateID: "carol", Permission: "leave.approve", Status: domain.GrantRevoked},
		{ID: "d2", DelegateID: "carol", Permission: "leave.approve", LocationID: strPtr("region"), IncludeDescendants: true, ValidUntil: &until, Status: domain.GrantActive},
	}
	r := newResolver(store, cache.Noop{})

	res := check(t, r, "carol", "leave.approve", "branch")
	assert.True(t, res.Authorized)
	assert.Equal(t, "d2", res.DelegationID)
	assert.False(t, check(t, r, "carol", "leave.approve", "other").Authorized)

	r.Now = func() time.Time { return until }
	assert.False(t, check(t, r, "carol", "leave.approve", "branch").Authorized, "valid_until is exclusive")
}

func TestDirectAuthorityWinsOverDelegation(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	store.scopes["alice"] = []domain.PermissionScope{{ID: "s1", UserID: "alice", Permission: "leave.approve", IsGlobal: true, Status: domain.GrantActive}}
	store.delegations["alice"] = []domain.Delegation{{ID: "d1", DelegateID: "alice", Permission: "leave.approve", Status: domain.GrantActive}}
	r := newResolver(store, cache.Noop{})

	res := check(t, r, "alice", "leave.approve", "hq")
	assert.True(t, res.Authorized)
	assert.Equal(t, authority.SourceDirect, res.Source)
	assert.Empty(t, res.DelegationID)
}

func TestCacheHoldsOnlyPositiveResults(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	store.scopes["alice"] = []domain.PermissionScope{{ID: "s1", UserID: "alice", Permission: "leave.approve", IsGlobal: true, Status: domain.GrantActive}}
	mem := cache.NewMemory()
	r := newResolver(store, mem)

	assert.False(t, check(t, r, "alice", "timesheet.approve", "hq").Authorized)
	_, ok, _ := mem.Get(ctx, "alice", "hq")
	assert.False(t, ok, "denials must not be cached")

	assert.True(t, check(t, r, "alice", "leave.approve", "hq").Authorized)
	perms, ok, _ := mem.Get(ctx, "alice", "hq")
	require.True(t, ok)
	assert.Equal(t, []string{"leave.approve"}, perms)

	// A hit short-circuits role loading.
	store.grants["alice"] = nil
	loads := store.roleLoads
	res := check(t, r, "alice", "leave.approve", "hq")
	assert.True(t, res.Authorized)
	assert.Equal(t, authority.SourceDirect, res.Source)
	assert.Equal(t, loads, store.roleLoads)

	require.NoError(t, mem.Invalidate(ctx, "alice"))
	assert.False(t, check(t, r, "alice", "leave.approve", "hq").Authorized)
}

func TestStepContext(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve", "leave.final")
	store.scopes["alice"] = []domain.PermissionScope{
		{ID: "s1", UserID: "alice", Permission: "leave.approve", IsGlobal: true, Status: domain.GrantActive},
		{ID: "s2", UserID: "alice", Permission: "leave.final", IsGlobal: true, Status: domain.GrantActive},
	}
	store.templates["t1"] = domain.WorkflowTemplate{ID: "t1", Steps: []domain.WorkflowStep{
		{StepOrder: 1, RequiredPermission: "leave.approve"},
		{StepOrder: 2, RequiredPermission: "leave.final"},
	}}
	store.instances["i1"] = domain.WorkflowInstance{ID: "i1", TemplateID: "t1", CurrentStepOrder: 1, Status: domain.StatusSubmitted}
	r := newResolver(store, cache.NewMemory())

	at := func(step int, perm string) authority.Result {
		res, err := r.CheckAuthority(context.Background(), authority.Request{
			UserID: "alice", Permission: perm, LocationID: "hq", InstanceID: "i1", StepOrder: &step,
		})
		require.NoError(t, err)
		return res
	}
	assert.True(t, at(1, "leave.approve").Authorized)
	assert.False(t, at(2, "leave.final").Authorized, "future step")
	assert.False(t, at(1, "leave.final").Authorized, "permission mismatch")
	assert.False(t, at(3, "leave.approve").Authorized, "missing step")

	// The cache never bypasses the step check.
	assert.False(t, at(2, "leave.final").Authorized)

	res, err := r.CheckAuthority(context.Background(), authority.Request{UserID: "alice", Permission: "leave.approve", LocationID: "hq", InstanceID: "nope", StepOrder: new(int)})
	require.NoError(t, err)
	assert.False(t, res.Authorized)
}

func TestAddingUnrelatedGrantsNeverRevokes(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice")
	store.grant("alice", "leave.approve")
	store.scopes["alice"] = []domain.PermissionScope{{ID: "s1", UserID: "alice", Permission: "leave.approve", LocationID: strPtr("region"), IncludeDescendants: true, Status: domain.GrantActive}}
	r := newResolver(store, cache.Noop{})

	type combo struct{ perm, loc string }
	combos := []combo{{"leave.approve", "region"}, {"leave.approve", "branch"}, {"leave.approve", "hq"}, {"timesheet.approve", "region"}}
	before := map[combo]bool{}
	for _, c := range combos {
		before[c] = check(t, r, "alice", c.perm, c.loc).Authorized
	}

	store.grant("alice", "timesheet.approve")
	store.scopes["alice"] = append(store.scopes["alice"], domain.PermissionScope{ID: "s2", UserID: "alice", Permission: "timesheet.approve", LocationID: strPtr("other"), Status: domain.GrantActive})
	store.delegations["alice"] = []domain.Delegation{{ID: "d1", DelegateID: "alice", Permission: "leave.approve", LocationID: strPtr("hq"), Status: domain.GrantActive}}

	for _, c := range combos {
		if before[c] {
			assert.True(t, check(t, r, "alice", c.perm, c.loc).Authorized, "%v flipped to unauthorized", c)
		}
	}
}
