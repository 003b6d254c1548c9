package repo

import (
	"context"
	"database/sql"
	"fmt"

	"approvald/internal/domain"
)

func (r Repo) InsertLeaveRequest(ctx context.Context, tx *sql.Tx, lr domain.LeaveRequest) error {
	if lr.ID == "" || lr.EmployeeID == "" || lr.LocationID == "" {
		return domain.InvalidArgument("leave request id, employee_id and location_id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO leave_requests(id,employee_id,location_id,kind,start_date,end_date,reason,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		lr.ID, lr.EmployeeID, lr.LocationID, lr.Kind, lr.StartDate, lr.EndDate, nullable(lr.Reason), lr.Status, lr.CreatedAt, lr.UpdatedAt)
	return err
}

const leaveColumns = `id,employee_id,location_id,kind,start_date,end_date,COALESCE(reason,''),status,created_at,updated_at`

func scanLeave(s scanner) (domain.LeaveRequest, error) {
	var lr domain.LeaveRequest
	err := s.Scan(&lr.ID, &lr.EmployeeID, &lr.LocationID, &lr.Kind, &lr.StartDate, &lr.EndDate, &lr.Reason, &lr.Status, &lr.CreatedAt, &lr.UpdatedAt)
	return lr, err
}

func (r Repo) GetLeaveRequest(ctx context.Context, id string) (domain.LeaveRequest, error) {
	lr, err := scanLeave(r.DB.QueryRowContext(ctx, `SELECT `+leaveColumns+` FROM leave_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return lr, notFound("leave request", id)
	}
	return lr, err
}

func (r Repo) ListLeaveRequests(ctx context.Context, employeeID string) ([]domain.LeaveRequest, error) {
	query := `SELECT ` + leaveColumns + ` FROM leave_requests`
	var args []any
	if employeeID != "" {
		query += ` WHERE employee_id=?`
		args = append(args, employeeID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LeaveRequest
	for rows.Next() {
		lr, err := scanLeave(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, lr)
	}
	return res, rows.Err()
}

func (r Repo) InsertTimesheet(ctx context.Context, tx *sql.Tx, ts domain.Timesheet) error {
	if ts.ID == "" || ts.EmployeeID == "" || ts.LocationID == "" {
		return domain.InvalidArgument("timesheet id, employee_id and location_id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO timesheets(id,employee_id,location_id,period_start,period_end,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		ts.ID, ts.EmployeeID, ts.LocationID, ts.PeriodStart, ts.PeriodEnd, ts.Status, ts.CreatedAt, ts.UpdatedAt)
	return err
}

const timesheetColumns = `id,employee_id,location_id,period_start,period_end,status,created_at,updated_at`

func scanTimesheet(s scanner) (domain.Timesheet, error) {
	var ts domain.Timesheet
	err := s.Scan(&ts.ID, &ts.EmployeeID, &ts.LocationID, &ts.PeriodStart, &ts.PeriodEnd, &ts.Status, &ts.CreatedAt, &ts.UpdatedAt)
	return ts, err
}

func (r Repo) GetTimesheet(ctx context.Context, id string) (domain.Timesheet, error) {
	ts, err := scanTimesheet(r.DB.QueryRowContext(ctx, `SELECT `+timesheetColumns+` FROM timesheets WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return ts, notFound("timesheet", id)
	}
	return ts, err
}

func (r Repo) ListTimesheets(ctx context.Context, employeeID string) ([]domain.Timesheet, error) {
	query := `SELECT ` + timesheetColumns + ` FROM timesheets`
	var args []any
	if employeeID != "" {
		query += ` WHERE employee_id=?`
		args = append(args, employeeID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timesheet
	for rows.Next() {
		ts, err := scanTimesheet(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ts)
	}
	return res, rows.Err()
}

func resourceTable(rt domain.ResourceType) (string, error) {
	switch rt {
	case domain.ResourceLeave:
		return "leave_requests", nil
	case domain.ResourceTimesheet:
		return "timesheets", nil
	}
	return "", domain.Configuration("unknown resource type %q", rt)
}

// GetResource loads the common view of a leave request or timesheet.
func (r Repo) GetResource(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, id string) (domain.Resource, error) {
	table, err := resourceTable(rt)
	if err != nil {
		return domain.Resource{}, err
	}
	res := domain.Resource{Type: rt}
	err = r.conn(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT id,employee_id,location_id,status FROM %s WHERE id=?`, table), id).
		Scan(&res.ID, &res.EmployeeID, &res.LocationID, &res.Status)
	if err == sql.ErrNoRows {
		return res, notFound(string(rt), id)
	}
	return res, err
}

// SetResourceStatus propagates a workflow outcome onto the resource row.
func (r Repo) SetResourceStatus(ctx context.Context, tx *sql.Tx, rt domain.ResourceType, id string, status domain.ResourceStatus, updatedAt string) error {
	table, err := resourceTable(rt)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status=?, updated_at=? WHERE id=?`, table), status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(string(rt), id)
	}
	return nil
}
