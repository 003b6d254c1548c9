package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"approvald/internal/app"
	"approvald/internal/config"
	"approvald/internal/domain"
	"approvald/internal/engine/authority"
	"approvald/internal/migrate"
)

// localActor is recorded on audit events for catalogue writes made with
// direct workspace access.
func localActor() string {
	if actor := strings.TrimSpace(viper.GetString("actor")); actor != "" {
		return actor
	}
	return "cli"
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema version and catalogue counts of the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{SkipSeed: true}, func(ctx context.Context, a *app.App) error {
				applied, latest, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				users, err := a.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				templates, err := a.Engine.Repo.ListTemplates(ctx, "")
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace":      a.Config.Store.Workspace,
					"schema_applied": applied,
					"schema_latest":  latest,
					"users":          len(users),
					"templates":      len(templates),
					"cache":          a.Config.Cache.Backend,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("workspace %s: schema %d/%d, %d users, %d templates, cache %q\n",
					a.Config.Store.Workspace, applied, latest, len(users), len(templates), a.Config.Cache.Backend)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply the seed catalogue from config",
		Long:  "Creates or updates locations, permissions, roles, users, grants and templates. Safe to repeat; templates are only added when their name changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{SkipSeed: true}, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ApplySeed(ctx, a.Config.Seed); err != nil {
					return err
				}
				s := a.Config.Seed
				if viper.GetBool("json") {
					return printJSON(map[string]int{
						"locations": len(s.Locations),
						"roles":     len(s.Roles),
						"users":     len(s.Users),
						"templates": len(s.Templates),
					})
				}
				fmt.Printf("seed applied: %d locations, %d roles, %d users, %d templates\n", len(s.Locations), len(s.Roles), len(s.Users), len(s.Templates))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage approvald.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and seed catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func authorityCmd() *cobra.Command {
	auth := &cobra.Command{Use: "authority", Short: "Inspect authority"}
	auth.AddCommand(authorityCheckCmd())
	return auth
}

func authorityCheckCmd() *cobra.Command {
	var req authority.Request
	var step int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a user may exercise a permission at a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.UserID == "" || req.Permission == "" || req.LocationID == "" {
				return fmt.Errorf("--user, --permission and --location required")
			}
			if cmd.Flags().Changed("step") {
				req.StepOrder = &step
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Authority.CheckAuthority(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Authorized {
					fmt.Printf("authorized via %s", res.Source)
					if res.DelegationID != "" {
						fmt.Printf(" (delegation %s)", res.DelegationID)
					}
					fmt.Println()
					return nil
				}
				fmt.Printf("not authorized: %s\n", res.Reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&req.Permission, "permission", "", "permission name")
	cmd.Flags().StringVar(&req.LocationID, "location", "", "location id")
	cmd.Flags().IntVar(&step, "step", 0, "workflow step order")
	cmd.Flags().StringVar(&req.InstanceID, "instance", "", "workflow instance id")
	return cmd
}

func approversCmd() *cobra.Command {
	appr := &cobra.Command{Use: "approvers", Short: "Resolve approvers"}
	appr.AddCommand(approversPreviewCmd())
	return appr
}

func approversPreviewCmd() *cobra.Command {
	var templateID, employeeID, locationID string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show who would approve each step of a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateID == "" || employeeID == "" || locationID == "" {
				return fmt.Errorf("--template, --employee and --location required")
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				steps, err := a.Engine.PreviewApprovers(ctx, templateID, employeeID, locationID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Name", "Strategy", "Scope", "Approvers", "Diagnostics"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.StepOrder, s.Name, s.Strategy, s.LocationScope, strings.Join(s.Resolution.IDs(), ", "), strings.Join(s.Resolution.Diagnostics, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&employeeID, "employee", "", "requesting employee")
	cmd.Flags().StringVar(&locationID, "location", "", "request location")
	return cmd
}

func templateCmd() *cobra.Command {
	tmpl := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	tmpl.AddCommand(templateListCmd())
	tmpl.AddCommand(templateCreateCmd())
	return tmpl
}

func templateListCmd() *cobra.Command {
	var resourceType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				var rt domain.ResourceType
				if resourceType != "" {
					parsed, err := domain.ParseResourceType(resourceType)
					if err != nil {
						return err
					}
					rt = parsed
				}
				items, err := a.Engine.Repo.ListTemplates(ctx, rt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Location", "Version", "Steps"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.ResourceType, t.LocationID, t.Version, len(t.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceType, "type", "", "leave or timesheet")
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a template version from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var spec config.TemplateSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTemplate(ctx, localActor(), spec)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("template %s version %d created\n", t.ID, t.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				plain, k, err := a.Engine.CreateAPIKey(ctx, localActor(), userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": k.ID, "user_id": k.UserID, "key": plain})
				}
				fmt.Printf("api key %s for %s:\n%s\n", k.ID, k.UserID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only keys of this user")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeAPIKey(ctx, localActor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("api key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

func grantsCmd() *cobra.Command {
	grants := &cobra.Command{Use: "grants", Short: "Scopes and delegations"}
	grants.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Expire scopes and delegations past valid_until",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ExpireGrants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"users": n})
				}
				fmt.Printf("expired grants for %d users\n", n)
				return nil
			})
		},
	})
	return grants
}
