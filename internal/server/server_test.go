package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"approvald/internal/app"
	"approvald/internal/config"
	"approvald/internal/domain"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)
	a, err := app.Open(context.Background(), cfg, log, app.Options{})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowActorHeader: true, Logger: log},
		Log:      log,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(user string) map[string]string {
	return map[string]string{"X-Actor-Id": user}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorBody(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	return errorBody(t, data).Code
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLeaveApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leave-requests", map[string]any{
		"start_date": "2024-07-01",
		"end_date":   "2024-07-05",
		"reason":     "summer",
	}, as("alex"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create leave status %d: %s", res.StatusCode, string(data))
	}
	lr := decode[domain.LeaveRequest](t, data)
	if lr.EmployeeID != "alex" || lr.LocationID != "berlin" {
		t.Fatalf("unexpected leave request %+v", lr)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/leave-requests/"+lr.ID+"/submit", nil, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	inst := decode[domain.WorkflowInstance](t, data)
	if inst.Status != domain.StatusSubmitted || inst.CurrentStepOrder != 1 {
		t.Fatalf("unexpected instance after submit %+v", inst)
	}
	transitions := srv.URL + "/v0/instances/" + inst.ID + "/transitions"

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{"action": "approve"}, as("alex"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for requester approving, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{"action": "approve", "step_order": 1, "location_id": "emea"}, as("bruno"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 acting from a location other than the instance's, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_argument" {
		t.Fatalf("expected invalid_argument code, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{"action": "approve", "step_order": 1, "comment": "ok"}, as("bruno"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manager approve status %d: %s", res.StatusCode, string(data))
	}
	inst = decode[domain.WorkflowInstance](t, data)
	if inst.CurrentStepOrder != 2 {
		t.Fatalf("expected step 2, got %d", inst.CurrentStepOrder)
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{"action": "approve", "step_order": 1}, as("hana"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale step, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{"action": "approve", "step_order": 2}, as("hana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hr approve status %d: %s", res.StatusCode, string(data))
	}
	inst = decode[domain.WorkflowInstance](t, data)
	if inst.Status != domain.StatusApproved {
		t.Fatalf("expected Approved, got %s", inst.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leave-requests", nil, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list leave status %d: %s", res.StatusCode, string(data))
	}
	listed := decode[[]domain.LeaveRequest](t, data)
	if len(listed) != 1 || listed[0].Status != domain.ResourceApproved {
		t.Fatalf("expected one approved leave request, got %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+inst.ID+"/history", nil, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	if events := decode[[]EventResponse](t, data); len(events) < 3 {
		t.Fatalf("expected create, submit and approvals in history, got %d events", len(events))
	}
}

func TestErrorStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/missing", nil, as("alex"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "not_found" || body.Message != "not_found: instance missing not found" {
		t.Fatalf("unexpected not found envelope: %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/missing/transitions", map[string]any{"action": "explode"}, as("bruno"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/leave-requests", map[string]any{
		"start_date": "2024-07-05",
		"end_date":   "2024-07-01",
	}, as("alex"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for reversed dates, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnclassifiedErrorsStayOpaque(t *testing.T) {
	se := handleError(fmt.Errorf("exec insert: %w", errors.New("open /var/lib/approvald/approvald.db: permission denied")))
	if se.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", se.GetStatus())
	}
	body := se.(*apiError).Body
	if body.Code != "internal_error" || body.Message != "internal error" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Details != nil {
		t.Fatalf("expected no details, got %v", body.Details)
	}
	data, err := json.Marshal(se)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "approvald.db") {
		t.Fatalf("response leaks the cause: %s", string(data))
	}
}

func TestAdminEndpointsRequireCatalogManage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/locations/munich", map[string]any{"name": "Munich", "parent_id": "emea"}, as("alex"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/locations/munich", map[string]any{"name": "Munich", "parent_id": "emea"}, as("hana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin put location status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/authority/check", map[string]any{"user_id": "bruno", "permission": "leave.approve", "location_id": "berlin"}, as("alex"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 checking someone else, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/authority/check", map[string]any{"user_id": "bruno", "permission": "leave.approve", "location_id": "berlin"}, as("hana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authority check status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[AuthorityResponse](t, data); !got.Authorized || got.Source != "direct" {
		t.Fatalf("expected direct authority for bruno, got %+v", got)
	}
}

func TestDelegationGrantsAuthority(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	check := map[string]any{"permission": "leave.approve", "location_id": "berlin"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/authority/check", check, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authority check status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[AuthorityResponse](t, data); got.Authorized {
		t.Fatalf("alex should not hold leave.approve yet: %+v", got)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/delegations", map[string]any{
		"delegator_id":        "bruno",
		"delegate_id":         "alex",
		"permission":          "leave.approve",
		"location_id":         "emea",
		"include_descendants": true,
	}, as("hana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create delegation status %d: %s", res.StatusCode, string(data))
	}
	d := decode[domain.Delegation](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/authority/check", check, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authority check status %d: %s", res.StatusCode, string(data))
	}
	got := decode[AuthorityResponse](t, data)
	if !got.Authorized || got.Source != "delegation" || got.DelegationID != d.ID {
		t.Fatalf("expected delegated authority, got %+v", got)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/delegations/"+d.ID, nil, as("hana"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke delegation status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/authority/check", check, as("alex"))
	if got := decode[AuthorityResponse](t, data); got.Authorized {
		t.Fatalf("revoked delegation still authorizes: %+v", got)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"user_id": "alex", "name": "laptop"}, as("alex"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	key := decode[APIKeyResponse](t, data)
	if key.Key == "" {
		t.Fatalf("expected plaintext key in response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[MeResponse](t, data)
	if me.UserID != "alex" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "apk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"user_id": "bruno"}, as("alex"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 minting for someone else, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/api-keys", nil, as("alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list api keys status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), key.Key) || strings.Contains(string(data), "key_hash") {
		t.Fatalf("key material leaked in listing: %s", string(data))
	}
	if keys := decode[[]domain.APIKey](t, data); len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("unexpected keys %+v", keys)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+key.ID, nil, as("bruno"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 revoking someone else's key, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+key.ID, nil, as("alex"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPendingAndPreview(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/timesheets", map[string]any{
		"period_start": "2024-07-01",
		"period_end":   "2024-07-07",
	}, as("chloe"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create timesheet status %d: %s", res.StatusCode, string(data))
	}
	ts := decode[domain.Timesheet](t, data)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/timesheets/"+ts.ID+"/submit", nil, as("chloe"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit timesheet status %d: %s", res.StatusCode, string(data))
	}
	inst := decode[domain.WorkflowInstance](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/timesheets/"+ts.ID, nil, as("chloe"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get timesheet status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Timesheet](t, data); got.Status != domain.ResourceSubmitted {
		t.Fatalf("expected submitted timesheet, got %s", got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/pending", nil, as("bruno"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	pending := decode[[]domain.WorkflowInstance](t, data)
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Fatalf("expected bruno to have the timesheet pending, got %+v", pending)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates/"+inst.TemplateID+"/preview", map[string]any{"employee_id": "chloe", "location_id": "paris"}, as("hana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	preview := decode[PreviewResponse](t, data)
	if len(preview.Steps) != 1 || !preview.Steps[0].Resolution.Contains("bruno") {
		t.Fatalf("expected bruno to resolve for the timesheet step, got %+v", preview.Steps)
	}
}
