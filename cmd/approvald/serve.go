package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"approvald/internal/app"
	"approvald/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, app.Options{}, func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: allowActorHeader || cfg.Server.AllowActorHeader,
					DevLogin:         devLogin,
					Logger:           a.Log,
				}
				if secret := viper.GetString("jwt-secret"); secret != "" {
					authCfg.JWTSecret = secret
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("APPROVALD_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Log: a.Log})
				if err != nil {
					return err
				}

				if cfg.Housekeeping.Enabled {
					hk, err := app.NewHousekeeper(cfg.Housekeeping.Schedule, a.Engine, a.Log)
					if err != nil {
						return err
					}
					hk.Start()
					defer hk.Stop()
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.WithField("addr", addr).WithField("base_path", basePath).Info("serving approvald API")
				fmt.Printf("Serving approvald API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default: server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	return cmd
}
