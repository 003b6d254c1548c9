package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"approvald/internal/app"
	"approvald/internal/domain"
	"approvald/internal/engine"
	approvaldsdk "approvald/sdk/go"
)

// workflowClient is what the workflow commands need, served either by the
// local engine or by a remote server through the SDK.
type workflowClient interface {
	Transition(ctx context.Context, instanceID string, t approvaldsdk.Transition) (approvaldsdk.Instance, error)
	StartReview(ctx context.Context, instanceID, locationID string) (approvaldsdk.Instance, error)
	Instance(ctx context.Context, id string) (approvaldsdk.Instance, error)
	History(ctx context.Context, instanceID string) ([]approvaldsdk.Event, error)
	Pending(ctx context.Context, locationID string) ([]approvaldsdk.Instance, error)
}

type localWorkflow struct {
	e     engine.Engine
	actor string
}

func (l localWorkflow) Transition(ctx context.Context, instanceID string, t approvaldsdk.Transition) (approvaldsdk.Instance, error) {
	action, err := engine.ParseAction(t.Action, t.TargetStepOrder)
	if err != nil {
		return approvaldsdk.Instance{}, err
	}
	inst, err := l.e.Transition(ctx, engine.TransitionRequest{
		InstanceID: instanceID,
		ActorID:    l.actor,
		LocationID: t.LocationID,
		Comment:    t.Comment,
		StepOrder:  t.StepOrder,
		Action:     action,
	})
	if err != nil {
		return approvaldsdk.Instance{}, err
	}
	return toSDK[approvaldsdk.Instance](inst)
}

func (l localWorkflow) StartReview(ctx context.Context, instanceID, locationID string) (approvaldsdk.Instance, error) {
	inst, err := l.e.StartReview(ctx, instanceID, l.actor, locationID)
	if err != nil {
		return approvaldsdk.Instance{}, err
	}
	return toSDK[approvaldsdk.Instance](inst)
}

func (l localWorkflow) Instance(ctx context.Context, id string) (approvaldsdk.Instance, error) {
	inst, err := l.e.Repo.GetInstance(ctx, id)
	if err != nil {
		return approvaldsdk.Instance{}, err
	}
	return toSDK[approvaldsdk.Instance](inst)
}

func (l localWorkflow) History(ctx context.Context, instanceID string) ([]approvaldsdk.Event, error) {
	items, err := l.e.History(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]approvaldsdk.Event, 0, len(items))
	for _, ev := range items {
		payload := map[string]any{}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		out = append(out, approvaldsdk.Event{
			ID:         ev.ID,
			TS:         ev.TS,
			Type:       ev.Type,
			EntityKind: ev.EntityKind,
			EntityID:   ev.EntityID,
			ActorID:    ev.ActorID,
			Payload:    payload,
		})
	}
	return out, nil
}

func (l localWorkflow) Pending(ctx context.Context, locationID string) ([]approvaldsdk.Instance, error) {
	items, err := l.e.ListPendingFor(ctx, l.actor, locationID)
	if err != nil {
		return nil, err
	}
	return toSDK[[]approvaldsdk.Instance](items)
}

// toSDK converts engine values to their wire shape; both share JSON names.
func toSDK[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func remoteClient() *approvaldsdk.Client {
	c := approvaldsdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor")
	return c
}

// withWorkflow runs fn against --server when set, otherwise against the
// local workspace as --actor.
func withWorkflow(ctx context.Context, fn func(context.Context, workflowClient) error) error {
	if viper.GetString("server") != "" {
		return fn(ctx, remoteClient())
	}
	actor, err := requireActor()
	if err != nil {
		return err
	}
	return withApp(ctx, app.Options{}, func(ctx context.Context, a *app.App) error {
		return fn(ctx, localWorkflow{e: a.Engine, actor: actor})
	})
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Act on workflow instances",
		Long:  "Approvers act on the current step of an instance. Pass --step to fail instead of acting on a step that moved on since you looked.",
	}
	wf.AddCommand(transitionCmd("approve", "Approve the current step", "approve"))
	wf.AddCommand(transitionCmd("decline", "Decline and close the instance", "decline"))
	wf.AddCommand(transitionCmd("adjust", "Return to the requester for adjustment", "adjust"))
	wf.AddCommand(rerouteCmd())
	wf.AddCommand(reviewCmd())
	wf.AddCommand(showCmd())
	wf.AddCommand(historyCmd())
	wf.AddCommand(pendingCmd())
	return wf
}

type transitionFlags struct {
	comment  string
	step     int
	location string
}

func (f *transitionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.comment, "comment", "", "comment recorded on the step")
	cmd.Flags().IntVar(&f.step, "step", 0, "step order you are acting on")
	cmd.Flags().StringVar(&f.location, "location", "", "location you act from (default: instance location)")
}

func transitionCmd(use, short, action string) *cobra.Command {
	var f transitionFlags
	cmd := &cobra.Command{
		Use:   use + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], approvaldsdk.Transition{
				Action:     action,
				Comment:    f.comment,
				StepOrder:  f.step,
				LocationID: f.location,
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func rerouteCmd() *cobra.Command {
	var f transitionFlags
	var target int
	cmd := &cobra.Command{
		Use:   "reroute <instance-id>",
		Short: "Decline the current step and send the instance back to an earlier step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target < 1 {
				return fmt.Errorf("--to required")
			}
			return runTransition(cmd.Context(), args[0], approvaldsdk.Transition{
				Action:          "reroute",
				Comment:         f.comment,
				StepOrder:       f.step,
				TargetStepOrder: target,
				LocationID:      f.location,
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&target, "to", 0, "step order to return to")
	return cmd
}

func runTransition(ctx context.Context, instanceID string, t approvaldsdk.Transition) error {
	return withWorkflow(ctx, func(ctx context.Context, c workflowClient) error {
		inst, err := c.Transition(ctx, instanceID, t)
		if err != nil {
			return err
		}
		return printInstance(inst)
	})
}

func reviewCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "review <instance-id>",
		Short: "Claim a submitted instance for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, c workflowClient) error {
				inst, err := c.StartReview(ctx, args[0], location)
				if err != nil {
					return err
				}
				return printInstance(inst)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location you act from")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, c workflowClient) error {
				inst, err := c.Instance(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstance(inst)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Audit trail of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, c workflowClient) error {
				items, err := c.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Step", "Comment"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorID, payloadField(ev.Payload, "step_order"), payloadField(ev.Payload, "comment")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Instances waiting for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkflow(cmd.Context(), func(ctx context.Context, c workflowClient) error {
				items, err := c.Pending(ctx, location)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Resource", "Requester", "Location", "Status", "Step"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.ResourceType, in.ResourceID, in.CreatedBy, in.LocationID, in.Status, in.CurrentStepOrder})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location you act from")
	return cmd
}

func payloadField(p map[string]any, key string) string {
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func printInstance(inst approvaldsdk.Instance) error {
	if viper.GetBool("json") {
		return printJSON(inst)
	}
	fmt.Printf("Instance %s (%s %s): %s, step %d\n", inst.ID, inst.ResourceType, inst.ResourceID, inst.Status, inst.CurrentStepOrder)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Status", "Actor", "Acted at", "Comment"})
	for _, s := range inst.Steps {
		tw.AppendRow(table.Row{s.StepOrder, s.Status, s.ActorID, s.ActedAt, s.Comment})
	}
	tw.Render()
	return nil
}

func leaveCmd() *cobra.Command {
	leave := &cobra.Command{Use: "leave", Short: "Leave requests"}
	leave.AddCommand(leaveCreateCmd())
	leave.AddCommand(resourceSubmitCmd(domain.ResourceLeave))
	leave.AddCommand(leaveListCmd())
	return leave
}

func leaveCreateCmd() *cobra.Command {
	var opts engine.LeaveRequestOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a draft leave request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.StartDate == "" || opts.EndDate == "" {
				return fmt.Errorf("--start and --end required")
			}
			if viper.GetString("server") != "" {
				lr, err := remoteClient().CreateLeaveRequest(cmd.Context(), opts.StartDate, opts.EndDate, opts.Kind, opts.Reason)
				if err != nil {
					return err
				}
				return printJSON(lr)
			}
			if opts.EmployeeID == "" {
				actor, err := requireActor()
				if err != nil {
					return err
				}
				opts.EmployeeID = actor
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				lr, err := a.Engine.CreateLeaveRequest(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lr)
				}
				fmt.Printf("leave request %s created (%s)\n", lr.ID, lr.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.EmployeeID, "employee", "", "employee (default: --actor)")
	cmd.Flags().StringVar(&opts.LocationID, "location", "", "location (default: employee location)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "leave kind (default: annual)")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	return cmd
}

func leaveListCmd() *cobra.Command {
	var employeeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leave requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListLeaveRequests(ctx, employeeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employee", "Location", "Kind", "From", "To", "Status"})
				for _, lr := range items {
					tw.AppendRow(table.Row{lr.ID, lr.EmployeeID, lr.LocationID, lr.Kind, lr.StartDate, lr.EndDate, lr.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&employeeID, "employee", "", "employee filter")
	return cmd
}

func timesheetCmd() *cobra.Command {
	ts := &cobra.Command{Use: "timesheet", Short: "Timesheets"}
	ts.AddCommand(timesheetCreateCmd())
	ts.AddCommand(resourceSubmitCmd(domain.ResourceTimesheet))
	ts.AddCommand(timesheetListCmd())
	return ts
}

func timesheetCreateCmd() *cobra.Command {
	var opts engine.TimesheetOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a draft timesheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.PeriodStart == "" || opts.PeriodEnd == "" {
				return fmt.Errorf("--start and --end required")
			}
			if viper.GetString("server") != "" {
				ts, err := remoteClient().CreateTimesheet(cmd.Context(), opts.PeriodStart, opts.PeriodEnd)
				if err != nil {
					return err
				}
				return printJSON(ts)
			}
			if opts.EmployeeID == "" {
				actor, err := requireActor()
				if err != nil {
					return err
				}
				opts.EmployeeID = actor
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				ts, err := a.Engine.CreateTimesheet(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				fmt.Printf("timesheet %s created (%s)\n", ts.ID, ts.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.EmployeeID, "employee", "", "employee (default: --actor)")
	cmd.Flags().StringVar(&opts.LocationID, "location", "", "location (default: employee location)")
	cmd.Flags().StringVar(&opts.PeriodStart, "start", "", "period start, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.PeriodEnd, "end", "", "period end, YYYY-MM-DD")
	return cmd
}

func timesheetListCmd() *cobra.Command {
	var employeeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List timesheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTimesheets(ctx, employeeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employee", "Location", "From", "To", "Status"})
				for _, ts := range items {
					tw.AppendRow(table.Row{ts.ID, ts.EmployeeID, ts.LocationID, ts.PeriodStart, ts.PeriodEnd, ts.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&employeeID, "employee", "", "employee filter")
	return cmd
}

// resourceSubmitCmd submits (or resubmits after adjustment) a leave request
// or timesheet as --actor.
func resourceSubmitCmd(rt domain.ResourceType) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				inst approvaldsdk.Instance
				err  error
			)
			if viper.GetString("server") != "" {
				c := remoteClient()
				if rt == domain.ResourceLeave {
					inst, err = c.SubmitLeaveRequest(cmd.Context(), args[0])
				} else {
					inst, err = c.SubmitTimesheet(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return printInstance(inst)
			}
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.SubmitResource(ctx, rt, args[0], actor)
				if err != nil {
					return err
				}
				inst, err := toSDK[approvaldsdk.Instance](out)
				if err != nil {
					return err
				}
				return printInstance(inst)
			})
		},
	}
}
