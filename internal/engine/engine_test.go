package engine_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"approvald/internal/cache"
	"approvald/internal/config"
	"approvald/internal/db"
	"approvald/internal/domain"
	"approvald/internal/engine"
	"approvald/internal/engine/authority"
	"approvald/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func boolPtr(b bool) *bool { return &b }

// testSeed is hq > emea > berlin with a three step leave template at hq and
// a one step timesheet template at emea.
//
//	emp (berlin, manager mgr), outsider (berlin), temp (berlin)
//	mgr (emea, lead), hr1 (hq, hr), boss (hq, director)
func testSeed() config.Seed {
	return config.Seed{
		Locations: []config.SeedLocation{
			{ID: "hq"}, {ID: "emea", Parent: "hq"}, {ID: "berlin", Parent: "emea"},
		},
		Permissions: []string{"leave.approve", "timesheet.approve"},
		Roles: []config.SeedRole{
			{ID: "lead", Name: "Lead", Permissions: []string{"leave.approve", "timesheet.approve"}},
			{ID: "hr", Name: "HR", Permissions: []string{"leave.approve"}},
			{ID: "director", Name: "Director", Permissions: []string{"leave.approve"}},
		},
		Users: []config.SeedUser{
			{ID: "emp", Location: "berlin", Manager: "mgr"},
			{ID: "outsider", Location: "berlin"},
			{ID: "temp", Location: "berlin"},
			{ID: "mgr", Location: "emea", Roles: []string{"lead"}},
			{ID: "hr1", Location: "hq", Roles: []string{"hr"}},
			{ID: "boss", Location: "hq", Roles: []string{"director"}},
		},
		Scopes: []config.SeedScope{
			{User: "mgr", Permission: "leave.approve", Location: "emea", IncludeDescendants: true},
			{User: "mgr", Permission: "timesheet.approve", Location: "emea", IncludeDescendants: true},
			{User: "hr1", Permission: "leave.approve", Global: true},
			{User: "boss", Permission: "leave.approve", Global: true},
		},
		Templates: []config.TemplateSpec{
			{
				Name: "Three step leave", ResourceType: "leave", LocationID: "hq",
				Steps: []config.StepSpec{
					{Name: "Manager", RequiredPermission: "leave.approve", Strategy: "manager", LocationScope: "parent", AllowAdjust: true},
					{Name: "HR", RequiredPermission: "leave.approve", Strategy: "role", RequiredRoles: []string{"hr"}, LocationScope: "all", AllowDecline: boolPtr(false)},
					{Name: "Director", RequiredPermission: "leave.approve", Strategy: "role", RequiredRoles: []string{"director"}, LocationScope: "all"},
				},
			},
			{
				Name: "Regional timesheet", ResourceType: "timesheet", LocationID: "emea",
				Steps: []config.StepSpec{
					{Name: "Lead", RequiredPermission: "timesheet.approve", Strategy: "permission", LocationScope: "parent"},
				},
			},
		},
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	eng := engine.New(conn, cache.NewMemory(), log)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.ApplySeed(ctx, testSeed()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func submitLeave(t *testing.T, env testEnv) (domain.LeaveRequest, domain.WorkflowInstance) {
	t.Helper()
	lr, err := env.Engine.CreateLeaveRequest(env.Ctx, engine.LeaveRequestOptions{
		EmployeeID: "emp", StartDate: "2024-02-01", EndDate: "2024-02-05", Reason: "holiday",
	})
	if err != nil {
		t.Fatalf("create leave request: %v", err)
	}
	inst, err := env.Engine.SubmitResource(env.Ctx, domain.ResourceLeave, lr.ID, "emp")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return lr, inst
}

func advance(t *testing.T, env testEnv, instanceID string, approvers ...string) domain.WorkflowInstance {
	t.Helper()
	var inst domain.WorkflowInstance
	var err error
	for _, a := range approvers {
		inst, err = env.Engine.ApproveStep(env.Ctx, instanceID, a, "", "ok")
		if err != nil {
			t.Fatalf("approve as %s: %v", a, err)
		}
	}
	return inst
}

func stepStatuses(inst domain.WorkflowInstance) []domain.StepStatus {
	out := make([]domain.StepStatus, 0, len(inst.Steps))
	for _, s := range inst.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestSeedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ApplySeed(env.Ctx, testSeed()); err != nil {
		t.Fatalf("reapply seed: %v", err)
	}
	templates, err := env.Engine.Repo.ListTemplates(env.Ctx, domain.ResourceLeave)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) != 1 || templates[0].Version != 1 {
		t.Fatalf("expected a single leave template at version 1, got %+v", templates)
	}
	scopes, err := env.Engine.Repo.ListScopes(env.Ctx, "mgr")
	if err != nil {
		t.Fatalf("list scopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes for mgr, got %d", len(scopes))
	}
}

func TestThreeStepApproval(t *testing.T) {
	env := newTestEnv(t)
	lr, inst := submitLeave(t, env)
	if inst.Status != domain.StatusSubmitted || inst.CurrentStepOrder != 1 {
		t.Fatalf("unexpected submitted state %s/%d", inst.Status, inst.CurrentStepOrder)
	}
	wantSteps := []int{2, 3, 3}
	wantStatus := []domain.InstanceStatus{domain.StatusSubmitted, domain.StatusSubmitted, domain.StatusApproved}
	for i, approver := range []string{"mgr", "hr1", "boss"} {
		got := advance(t, env, inst.ID, approver)
		if got.CurrentStepOrder != wantSteps[i] || got.Status != wantStatus[i] {
			t.Fatalf("after %s: got %s/%d want %s/%d", approver, got.Status, got.CurrentStepOrder, wantStatus[i], wantSteps[i])
		}
		res, err := env.Engine.Repo.GetLeaveRequest(env.Ctx, lr.ID)
		if err != nil {
			t.Fatalf("get leave: %v", err)
		}
		want := domain.ResourceSubmitted
		if i == 2 {
			want = domain.ResourceApproved
		}
		if res.Status != want {
			t.Fatalf("after %s: leave status %s want %s", approver, res.Status, want)
		}
	}
	final, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	for _, s := range final.Steps {
		if s.Status != domain.StepApproved || s.ActorID == nil || s.ActedAt == nil {
			t.Fatalf("step %d not fully recorded: %+v", s.StepOrder, s)
		}
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "boss", "", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on approved instance, got %v", err)
	}
}

func TestDeclineBlockedByStep(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr")
	_, err := env.Engine.DeclineStep(env.Ctx, inst.ID, "hr1", "", "no budget")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != domain.StatusSubmitted || got.CurrentStepOrder != 2 {
		t.Fatalf("instance moved: %s/%d", got.Status, got.CurrentStepOrder)
	}
}

func TestDeclineTerminates(t *testing.T) {
	env := newTestEnv(t)
	lr, inst := submitLeave(t, env)
	if _, err := env.Engine.DeclineStep(env.Ctx, inst.ID, "mgr", "", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument without comment, got %v", err)
	}
	got, err := env.Engine.DeclineStep(env.Ctx, inst.ID, "mgr", "", "overlaps release")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != domain.StatusDeclined || got.Steps[0].Status != domain.StepDeclined {
		t.Fatalf("unexpected declined state %+v", got)
	}
	res, err := env.Engine.Repo.GetLeaveRequest(env.Ctx, lr.ID)
	if err != nil {
		t.Fatalf("get leave: %v", err)
	}
	if res.Status != domain.ResourceDeclined {
		t.Fatalf("leave status %s", res.Status)
	}
}

func TestRouteBackResetsSteps(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr", "hr1")
	got, err := env.Engine.RouteBack(env.Ctx, inst.ID, "boss", "", "dates changed", 1)
	if err != nil {
		t.Fatalf("route back: %v", err)
	}
	if got.Status != domain.StatusSubmitted || got.CurrentStepOrder != 1 {
		t.Fatalf("unexpected state %s/%d", got.Status, got.CurrentStepOrder)
	}
	for i, s := range stepStatuses(got) {
		if s != domain.StepPending {
			t.Fatalf("step %d is %s, want pending", i+1, s)
		}
	}
	// The flow runs again from the manager.
	again := advance(t, env, inst.ID, "mgr")
	if again.CurrentStepOrder != 2 {
		t.Fatalf("expected step 2 after re-approval, got %d", again.CurrentStepOrder)
	}
}

func TestRouteBackBounds(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr", "hr1")
	for _, target := range []int{0, 4} {
		if _, err := env.Engine.RouteBack(env.Ctx, inst.ID, "boss", "", "bad target", target); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("target %d: expected invalid transition, got %v", target, err)
		}
	}
	got, err := env.Engine.RouteBack(env.Ctx, inst.ID, "boss", "", "redo director", 3)
	if err != nil {
		t.Fatalf("route back to current: %v", err)
	}
	if got.CurrentStepOrder != 3 || got.Steps[2].Status != domain.StepPending {
		t.Fatalf("unexpected state after self reroute: %+v", got)
	}
}

func TestAdjustAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	lr, inst := submitLeave(t, env)
	got, err := env.Engine.AdjustStep(env.Ctx, inst.ID, "mgr", "", "split into two requests")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.Status != domain.StatusAdjusted {
		t.Fatalf("instance status %s", got.Status)
	}
	res, err := env.Engine.Repo.GetLeaveRequest(env.Ctx, lr.ID)
	if err != nil {
		t.Fatalf("get leave: %v", err)
	}
	if res.Status != domain.ResourceAdjusted {
		t.Fatalf("leave status %s, want Adjusted", res.Status)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "mgr", "", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition while adjusted, got %v", err)
	}
	if _, err := env.Engine.SubmitResource(env.Ctx, domain.ResourceLeave, lr.ID, "mgr"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected only the employee to resubmit, got %v", err)
	}
	again, err := env.Engine.SubmitResource(env.Ctx, domain.ResourceLeave, lr.ID, "emp")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != inst.ID || again.Status != domain.StatusSubmitted || again.CurrentStepOrder != 1 {
		t.Fatalf("unexpected resubmitted state %+v", again)
	}
}

func TestAdjustNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr")
	if _, err := env.Engine.AdjustStep(env.Ctx, inst.ID, "hr1", "", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestNonApproverRejected(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	cases := map[string]string{
		"no permission":     "outsider",
		"not the manager":   "hr1",
		"unknown user":      "ghost",
		"employee themself": "emp",
	}
	for name, actor := range cases {
		if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, actor, "", ""); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("%s: expected unauthorized, got %v", name, err)
		}
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Version != inst.Version || got.Steps[0].Status != domain.StepPending {
		t.Fatalf("rejected approvals must not write: %+v", got)
	}
}

func TestDelegateMayApprove(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr", "hr1")
	berlin := "berlin"
	d, err := env.Engine.CreateDelegation(env.Ctx, "admin", domain.Delegation{
		DelegatorID: "boss", DelegateID: "temp", Permission: "leave.approve", LocationID: &berlin, Reason: "vacation cover",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	got, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "temp", "", "covering")
	if err != nil {
		t.Fatalf("delegate approve: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("status %s", got.Status)
	}
	history, err := env.Engine.History(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.ActorID != "temp" || !strings.Contains(last.Payload, d.ID) {
		t.Fatalf("expected delegation recorded in last event, got %+v", last)
	}
}

func TestRevokedDelegationDenies(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr", "hr1")
	d, err := env.Engine.CreateDelegation(env.Ctx, "admin", domain.Delegation{DelegateID: "temp", Permission: "leave.approve"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := env.Engine.RevokeDelegation(env.Ctx, "admin", d.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "temp", "", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAuthorityIsCheckedAtInstanceLocation(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	advance(t, env, inst.ID, "mgr")

	hq, emea := "hq", "emea"
	if err := env.Engine.UpsertUser(env.Ctx, "admin", domain.User{ID: "hr2", LocationID: &hq}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := env.Engine.AssignRole(env.Ctx, "admin", "hr2", "hr"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if _, err := env.Engine.GrantScope(env.Ctx, "admin", domain.PermissionScope{UserID: "hr2", Permission: "leave.approve", LocationID: &emea}); err != nil {
		t.Fatalf("grant scope: %v", err)
	}

	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "hr2", "", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("scope at emea must not reach a berlin instance, got %v", err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "hr2", "emea", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for a foreign location, got %v", err)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "hr1", "hq", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument even for a global approver, got %v", err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, inst.ID, "hr1", "emea"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument starting review from another location, got %v", err)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.CurrentStepOrder != 2 || got.Version != inst.Version+1 {
		t.Fatalf("rejected calls must not write: step %d version %d", got.CurrentStepOrder, got.Version)
	}

	pending, err := env.Engine.ListPendingFor(env.Ctx, "hr2", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("hr2 must not see the berlin instance, got %+v", pending)
	}
	if pending, _ = env.Engine.ListPendingFor(env.Ctx, "hr1", "emea"); len(pending) != 0 {
		t.Fatalf("location filter should exclude the berlin instance, got %+v", pending)
	}
	if pending, _ = env.Engine.ListPendingFor(env.Ctx, "hr1", "berlin"); len(pending) != 1 {
		t.Fatalf("expected hr1 to see the berlin instance, got %+v", pending)
	}

	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "hr1", "berlin", ""); err != nil {
		t.Fatalf("matching location should be accepted: %v", err)
	}
}

func TestDelegateKeepsAuthorityAfterOwnGrants(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDelegation(env.Ctx, "admin", domain.Delegation{DelegatorID: "mgr", DelegateID: "temp", Permission: "leave.approve"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	_, first := submitLeave(t, env)
	if got := advance(t, env, first.ID, "temp"); got.CurrentStepOrder != 2 {
		t.Fatalf("delegate should approve the manager step, at %d", got.CurrentStepOrder)
	}

	berlin := "berlin"
	if err := env.Engine.AssignRole(env.Ctx, "admin", "temp", "hr"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if _, err := env.Engine.GrantScope(env.Ctx, "admin", domain.PermissionScope{UserID: "temp", Permission: "leave.approve", LocationID: &berlin}); err != nil {
		t.Fatalf("grant scope: %v", err)
	}

	_, second := submitLeave(t, env)
	got, err := env.Engine.ApproveStep(env.Ctx, second.ID, "temp", "", "still covering")
	if err != nil {
		t.Fatalf("gaining direct grants must not cost the delegation: %v", err)
	}
	if got.CurrentStepOrder != 2 {
		t.Fatalf("expected step 2, got %d", got.CurrentStepOrder)
	}
	history, err := env.Engine.History(env.Ctx, second.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if !strings.Contains(last.Payload, d.ID) || !strings.Contains(last.Payload, `"source":"delegation"`) {
		t.Fatalf("expected the delegation recorded, got %s", last.Payload)
	}

	pending, err := env.Engine.ListPendingFor(env.Ctx, "temp", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("temp now holds hr at berlin and should see both instances at step 2, got %d", len(pending))
	}
}

func TestStoreRejectsSecondInstanceForResource(t *testing.T) {
	env := newTestEnv(t)
	lr, inst := submitLeave(t, env)

	dup := inst
	dup.ID = "duplicate"
	dup.Steps = nil
	err := env.Engine.Repo.InsertInstance(env.Ctx, nil, dup)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a second instance, got %v", err)
	}
	got, err := env.Engine.Repo.GetInstanceByResource(env.Ctx, nil, domain.ResourceLeave, lr.ID)
	if err != nil {
		t.Fatalf("get by resource: %v", err)
	}
	if got.ID != inst.ID {
		t.Fatalf("expected instance %s to stay bound, got %s", inst.ID, got.ID)
	}
	if _, err := env.Engine.Repo.GetInstance(env.Ctx, "duplicate"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected duplicate row to be absent, got %v", err)
	}
}

func TestConcurrentApprovalsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				InstanceID: inst.ID, ActorID: "mgr", StepOrder: 1, Action: engine.Approve{},
			})
		}(i)
	}
	wg.Wait()
	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.CurrentStepOrder != 2 {
		t.Fatalf("expected step 2, got %d", got.CurrentStepOrder)
	}
}

func TestPinnedStepMustBeCurrent(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		InstanceID: inst.ID, ActorID: "hr1", StepOrder: 2, Action: engine.Approve{},
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDraftCannotBeActedOn(t *testing.T) {
	env := newTestEnv(t)
	lr, err := env.Engine.CreateLeaveRequest(env.Ctx, engine.LeaveRequestOptions{EmployeeID: "emp", StartDate: "2024-03-01", EndDate: "2024-03-01"})
	if err != nil {
		t.Fatalf("create leave: %v", err)
	}
	templates, err := env.Engine.Repo.ListTemplates(env.Ctx, domain.ResourceLeave)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	inst, err := env.Engine.CreateInstance(env.Ctx, engine.CreateInstanceOptions{
		TemplateID: templates[0].ID, ResourceID: lr.ID, ResourceType: domain.ResourceLeave, CreatedBy: "emp", LocationID: "berlin",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if inst.Status != domain.StatusDraft || len(inst.Steps) != 3 {
		t.Fatalf("unexpected draft %+v", inst)
	}
	if _, err := env.Engine.ApproveStep(env.Ctx, inst.ID, "mgr", "", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on draft, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, inst.ID, "mgr"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected only the creator to submit, got %v", err)
	}
	if _, err := env.Engine.CreateInstance(env.Ctx, engine.CreateInstanceOptions{
		TemplateID: templates[0].ID, ResourceID: lr.ID, ResourceType: domain.ResourceLeave, CreatedBy: "emp", LocationID: "berlin",
	}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected a second instance to be refused, got %v", err)
	}
}

func TestStartReview(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	if _, err := env.Engine.StartReview(env.Ctx, inst.ID, "outsider", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	got, err := env.Engine.StartReview(env.Ctx, inst.ID, "mgr", "")
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	if got.Status != domain.StatusUnderReview {
		t.Fatalf("status %s", got.Status)
	}
	next := advance(t, env, inst.ID, "mgr")
	if next.Status != domain.StatusSubmitted || next.CurrentStepOrder != 2 {
		t.Fatalf("unexpected state %s/%d", next.Status, next.CurrentStepOrder)
	}
}

func TestSubmitResourceFindsAncestorTemplate(t *testing.T) {
	env := newTestEnv(t)
	ts, err := env.Engine.CreateTimesheet(env.Ctx, engine.TimesheetOptions{EmployeeID: "emp", PeriodStart: "2024-01-01", PeriodEnd: "2024-01-07"})
	if err != nil {
		t.Fatalf("create timesheet: %v", err)
	}
	inst, err := env.Engine.SubmitResource(env.Ctx, domain.ResourceTimesheet, ts.ID, "emp")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tmpl, err := env.Engine.Repo.GetTemplate(env.Ctx, inst.TemplateID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tmpl.LocationID != "emea" {
		t.Fatalf("expected the emea template, got %s", tmpl.LocationID)
	}
	got := advance(t, env, inst.ID, "mgr")
	if got.Status != domain.StatusApproved {
		t.Fatalf("status %s", got.Status)
	}

	// hq has no timesheet template and nothing above it.
	hq, err := env.Engine.CreateTimesheet(env.Ctx, engine.TimesheetOptions{EmployeeID: "boss", PeriodStart: "2024-01-01", PeriodEnd: "2024-01-07"})
	if err != nil {
		t.Fatalf("create timesheet: %v", err)
	}
	if _, err := env.Engine.SubmitResource(env.Ctx, domain.ResourceTimesheet, hq.ID, "boss"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewTemplateVersionOnlyAffectsNewInstances(t *testing.T) {
	env := newTestEnv(t)
	_, old := submitLeave(t, env)
	tmpl, err := env.Engine.CreateTemplate(env.Ctx, "admin", config.TemplateSpec{
		Name: "Single step leave", ResourceType: "leave", LocationID: "hq",
		Steps: []config.StepSpec{{RequiredPermission: "leave.approve", Strategy: "manager", LocationScope: "parent"}},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if tmpl.Version != 2 {
		t.Fatalf("expected version 2, got %d", tmpl.Version)
	}
	_, fresh := submitLeave(t, env)
	if fresh.TemplateID != tmpl.ID {
		t.Fatalf("new request should use the latest template")
	}
	got := advance(t, env, old.ID, "mgr")
	if got.Status != domain.StatusSubmitted || got.CurrentStepOrder != 2 {
		t.Fatalf("old instance must keep its three steps, got %s/%d", got.Status, got.CurrentStepOrder)
	}
}

func TestCreateTemplateRejectsRoleStepWithoutRoles(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTemplate(env.Ctx, "admin", config.TemplateSpec{
		Name: "Broken", ResourceType: "leave", LocationID: "hq",
		Steps: []config.StepSpec{{RequiredPermission: "leave.approve", Strategy: "role"}},
	})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestListPendingFor(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	pending, err := env.Engine.ListPendingFor(env.Ctx, "mgr", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Fatalf("expected mgr to see the instance, got %+v", pending)
	}
	pending, err = env.Engine.ListPendingFor(env.Ctx, "hr1", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("hr1 is not an approver of step 1, got %+v", pending)
	}
	advance(t, env, inst.ID, "mgr")
	pending, err = env.Engine.ListPendingFor(env.Ctx, "hr1", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected hr1 to see the instance at step 2, got %d", len(pending))
	}
}

func TestPreviewAndHistory(t *testing.T) {
	env := newTestEnv(t)
	_, inst := submitLeave(t, env)
	preview, err := env.Engine.PreviewApprovers(env.Ctx, inst.TemplateID, "emp", "berlin")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(preview))
	}
	want := []string{"mgr", "hr1", "boss"}
	for i, p := range preview {
		if !p.Resolution.Contains(want[i]) || len(p.Resolution.Approvers) != 1 {
			t.Fatalf("step %d: unexpected approvers %+v", p.StepOrder, p.Resolution.Approvers)
		}
	}
	advance(t, env, inst.ID, "mgr", "hr1", "boss")
	history, err := env.Engine.History(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	types := make([]string, 0, len(history))
	for _, e := range history {
		types = append(types, e.Type)
	}
	wantTypes := []string{"instance.created", "instance.submitted", "step.approved", "step.approved", "step.approved"}
	if len(types) != len(wantTypes) {
		t.Fatalf("unexpected history %v", types)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event %d: got %s want %s", i, types[i], wantTypes[i])
		}
	}
}

func TestRevokeScopeInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	req := authority.Request{UserID: "mgr", Permission: "leave.approve", LocationID: "berlin"}
	res, err := env.Engine.Authority.CheckAuthority(env.Ctx, req)
	if err != nil || !res.Authorized {
		t.Fatalf("expected mgr authorized: %+v %v", res, err)
	}
	scopes, err := env.Engine.Repo.ListScopes(env.Ctx, "mgr")
	if err != nil {
		t.Fatalf("list scopes: %v", err)
	}
	for _, sc := range scopes {
		if sc.Permission == "leave.approve" {
			if err := env.Engine.RevokeScope(env.Ctx, "admin", sc.ID); err != nil {
				t.Fatalf("revoke scope: %v", err)
			}
		}
	}
	res, err = env.Engine.Authority.CheckAuthority(env.Ctx, req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Authorized {
		t.Fatalf("expected denial after revoke, cache still served %+v", res)
	}
}

func TestExpireGrants(t *testing.T) {
	env := newTestEnv(t)
	until := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	if _, err := env.Engine.CreateDelegation(env.Ctx, "admin", domain.Delegation{DelegateID: "temp", Permission: "leave.approve", ValidUntil: &until}); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	n, err := env.Engine.ExpireGrants(env.Ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 affected user, got %d", n)
	}
	list, err := env.Engine.Repo.ListDelegations(env.Ctx, "temp")
	if err != nil {
		t.Fatalf("list delegations: %v", err)
	}
	if len(list) != 1 || list[0].Status != domain.GrantExpired {
		t.Fatalf("expected expired delegation, got %+v", list)
	}
	if n, err := env.Engine.ExpireGrants(env.Ctx); err != nil || n != 0 {
		t.Fatalf("second run should be a no-op: %d %v", n, err)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "admin", "mgr", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plain == "" || key.KeyHash == plain {
		t.Fatalf("plain key must be returned and only its hash stored")
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "admin", "ghost", "ci"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, "admin", key.ID); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected revoked key to be gone, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "admin", key.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found revoking twice, got %v", err)
	}
}

func TestLeaveRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateLeaveRequest(env.Ctx, engine.LeaveRequestOptions{EmployeeID: "emp", StartDate: "2024-02-05", EndDate: "2024-02-01"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for reversed range, got %v", err)
	}
	if _, err := env.Engine.CreateLeaveRequest(env.Ctx, engine.LeaveRequestOptions{EmployeeID: "ghost", StartDate: "2024-02-01", EndDate: "2024-02-01"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown employee, got %v", err)
	}
}
