package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"approvald/internal/domain"
)

// InsertTemplate stores a template and its steps. Steps are written as given;
// validation belongs to the caller.
func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	q := r.conn(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO workflow_templates(id,name,resource_type,location_id,version,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.ResourceType, t.LocationID, t.Version, t.CreatedAt); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	for _, s := range t.Steps {
		roles, err := json.Marshal(s.RequiredRoles.IDs())
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_steps(template_id,step_order,name,required_permission,required_roles,approver_strategy,include_manager,location_scope,allow_decline,allow_adjust)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID, s.StepOrder, nullable(s.Name), s.RequiredPermission, string(roles), s.Strategy.String(),
			s.IncludeManager, string(s.LocationScope), s.AllowDecline, s.AllowAdjust); err != nil {
			return fmt.Errorf("insert step %d: %w", s.StepOrder, err)
		}
	}
	return nil
}

// NextTemplateVersion returns the version a new template for (type, location) gets.
func (r Repo) NextTemplateVersion(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, locationID string) (int, error) {
	var v int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM workflow_templates WHERE resource_type=? AND location_id=?`, rt, locationID).Scan(&v)
	return v + 1, err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	return r.getTemplate(ctx, r.DB, id)
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowTemplate, error) {
	return r.getTemplate(ctx, r.conn(tx), id)
}

func (r Repo) getTemplate(ctx context.Context, q dbtx, id string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	err := q.QueryRowContext(ctx, `SELECT id,name,resource_type,location_id,version,created_at FROM workflow_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.ResourceType, &t.LocationID, &t.Version, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, notFound("template", id)
	}
	if err != nil {
		return t, err
	}
	steps, err := r.templateSteps(ctx, q, id)
	if err != nil {
		return t, err
	}
	t.Steps = steps
	return t, nil
}

func (r Repo) templateSteps(ctx context.Context, q dbtx, templateID string) ([]domain.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, `SELECT template_id,step_order,COALESCE(name,''),required_permission,required_roles,approver_strategy,include_manager,location_scope,allow_decline,allow_adjust
FROM workflow_steps WHERE template_id=? ORDER BY step_order`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		var rolesJSON, strategy, scope string
		if err := rows.Scan(&s.TemplateID, &s.StepOrder, &s.Name, &s.RequiredPermission, &rolesJSON, &strategy,
			&s.IncludeManager, &scope, &s.AllowDecline, &s.AllowAdjust); err != nil {
			return nil, err
		}
		var roles []string
		if rolesJSON != "" {
			if err := json.Unmarshal([]byte(rolesJSON), &roles); err != nil {
				return nil, domain.Configuration("step %d of template %s: required_roles: %v", s.StepOrder, templateID, err)
			}
		}
		s.RequiredRoles = domain.NewRoleSet(roles...)
		if s.Strategy, err = domain.ParseStrategy(strategy); err != nil {
			return nil, err
		}
		if s.LocationScope, err = domain.ParseLocationScope(scope); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// LatestTemplateAt returns the highest version template for rt defined exactly at locationID.
func (r Repo) LatestTemplateAt(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, locationID string) (domain.WorkflowTemplate, error) {
	q := r.conn(tx)
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM workflow_templates WHERE resource_type=? AND location_id=? ORDER BY version DESC LIMIT 1`, rt, locationID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.WorkflowTemplate{}, notFound(string(rt)+" template at", locationID)
	}
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return r.getTemplate(ctx, q, id)
}

func (r Repo) ListTemplates(ctx context.Context, rt domain.ResourceType) ([]domain.WorkflowTemplate, error) {
	query := `SELECT id FROM workflow_templates`
	var args []any
	if rt != "" {
		query += ` WHERE resource_type=?`
		args = append(args, rt)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY resource_type, location_id, version`, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.WorkflowTemplate, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTemplate(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

const instanceColumns = `id,template_id,resource_id,resource_type,status,current_step_order,created_by,location_id,version,created_at,updated_at`

func scanInstance(s scanner) (domain.WorkflowInstance, error) {
	var in domain.WorkflowInstance
	err := s.Scan(&in.ID, &in.TemplateID, &in.ResourceID, &in.ResourceType, &in.Status, &in.CurrentStepOrder,
		&in.CreatedBy, &in.LocationID, &in.Version, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.WorkflowInstance) error {
	q := r.conn(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.TemplateID, in.ResourceID, in.ResourceType, in.Status, in.CurrentStepOrder, in.CreatedBy,
		in.LocationID, in.Version, in.CreatedAt, in.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.InvalidTransition("%s %s already has a workflow instance", in.ResourceType, in.ResourceID)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	for _, s := range in.Steps {
		if err := r.insertStepInstance(ctx, q, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) insertStepInstance(ctx context.Context, q dbtx, s domain.StepInstance) error {
	_, err := q.ExecContext(ctx, `INSERT INTO workflow_step_instances(id,instance_id,step_order,status,actor_id,acted_at,comment) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.InstanceID, s.StepOrder, s.Status, nullablePtr(s.ActorID), formatTime(s.ActedAt), nullable(s.Comment))
	if err != nil {
		return fmt.Errorf("insert step instance %d: %w", s.StepOrder, err)
	}
	return nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	return r.getInstance(ctx, r.DB, `WHERE id=?`, id)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	return r.getInstance(ctx, r.conn(tx), `WHERE id=?`, id)
}

// GetInstanceByResource returns the single instance bound to a resource.
func (r Repo) GetInstanceByResource(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, resourceID string) (domain.WorkflowInstance, error) {
	return r.getInstance(ctx, r.conn(tx), `WHERE resource_type=? AND resource_id=?`, rt, resourceID)
}

func (r Repo) getInstance(ctx context.Context, q dbtx, where string, args ...any) (domain.WorkflowInstance, error) {
	in, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances `+where, args...))
	if err == sql.ErrNoRows {
		return in, notFound("instance", fmt.Sprint(args...))
	}
	if err != nil {
		return in, err
	}
	steps, err := r.stepInstances(ctx, q, in.ID)
	if err != nil {
		return in, err
	}
	in.Steps = steps
	return in, nil
}

func (r Repo) stepInstances(ctx context.Context, q dbtx, instanceID string) ([]domain.StepInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,instance_id,step_order,status,actor_id,acted_at,COALESCE(comment,'')
FROM workflow_step_instances WHERE instance_id=? ORDER BY step_order`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		var s domain.StepInstance
		var actor, acted sql.NullString
		if err := rows.Scan(&s.ID, &s.InstanceID, &s.StepOrder, &s.Status, &actor, &acted, &s.Comment); err != nil {
			return nil, err
		}
		s.ActorID = ptrFromNull(actor)
		if s.ActedAt, err = parseTime(acted); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListInstances returns instances, optionally restricted to the given statuses, without steps.
func (r Repo) ListInstances(ctx context.Context, statuses ...domain.InstanceStatus) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ErrConflict signals a failed compare-and-swap on an instance.
var ErrConflict = errors.New("instance changed concurrently")

// CompareAndSwapInstance writes status and current step only if the row still
// carries the step order and version the caller read. The version is bumped.
func (r Repo) CompareAndSwapInstance(ctx context.Context, tx *sql.Tx, in domain.WorkflowInstance, expectStep, expectVersion int) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE workflow_instances SET status=?, current_step_order=?, version=version+1, updated_at=?
WHERE id=? AND current_step_order=? AND version=?`,
		in.Status, in.CurrentStepOrder, in.UpdatedAt, in.ID, expectStep, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpdateStepInstance(ctx context.Context, tx *sql.Tx, s domain.StepInstance) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE workflow_step_instances SET status=?, actor_id=?, acted_at=?, comment=? WHERE instance_id=? AND step_order=?`,
		s.Status, nullablePtr(s.ActorID), formatTime(s.ActedAt), nullable(s.Comment), s.InstanceID, s.StepOrder)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("step instance", fmt.Sprintf("%s#%d", s.InstanceID, s.StepOrder))
	}
	return nil
}

// ResetStepInstances sets steps from..to (inclusive) back to pending and clears
// their actor, timestamp and comment.
func (r Repo) ResetStepInstances(ctx context.Context, tx *sql.Tx, instanceID string, from, to int) error {
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE workflow_step_instances SET status='pending', actor_id=NULL, acted_at=NULL, comment=NULL
WHERE instance_id=? AND step_order BETWEEN ? AND ?`, instanceID, from, to)
	return err
}
