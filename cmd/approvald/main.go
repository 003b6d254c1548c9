package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"approvald/internal/app"
	"approvald/internal/config"
	"approvald/internal/db"
	"approvald/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "approvald",
	Short: "approvald approval workflow service",
	Long: `approvald routes leave requests and timesheets through multi-step approval.
- Authority: a user may exercise a permission at a location through a role grant narrowed by a scope, or through a delegation.
- Templates: ordered steps, each naming a permission and how its approvers are found (manager, role, permission, combined).
- Instances: one per submitted request; approvers approve, decline, reroute back to an earlier step or ask for an adjustment.
- Workspace: the directory holding approvald.db and approvald.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// A missing .env is the normal case.
	_ = godotenv.Load()
	viper.SetEnvPrefix("APPROVALD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", "", "workspace directory (default: store.workspace from config, else .)")
	flags.String("config", "", "config file (default: <workspace>/approvald.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "", "acting user id")
	flags.String("server", "", "talk to a running approvald at this URL instead of the local workspace")
	flags.String("api-key", "", "API key for --server")
	flags.String("token", "", "bearer token for --server")
	flags.String("log-level", "", "override log.level")
	for _, name := range []string{"workspace", "config", "json", "actor", "server", "api-key", "token", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authorityCmd())
	rootCmd.AddCommand(approversCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(timesheetCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(grantsCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Store.Workspace = workspace
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = "."
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func withApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	if _, err := db.EnsureWorkspace(cfg.Store.Workspace); err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor"))
	if actor == "" {
		return "", fmt.Errorf("--actor (or APPROVALD_ACTOR) required")
	}
	return actor, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
