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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/reconcile"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	servePort  int
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "cloudsync-server",
	Short:         "Platform server that mirrors groups and users into a Nextcloud backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}

		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		auth.Configure(cfg.Auth)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		return serve(cmd.Context())
	},
}

var syncUsersCmd = &cobra.Command{
	Use:   "sync-users",
	Short: "Create backend accounts for every active user that lacks one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, "users", (*reconcile.Reconciler).SyncUsers)
	},
}

var syncGroupsCmd = &cobra.Command{
	Use:   "sync-groups",
	Short: "Provision every cloud-enabled group with its folder and members",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, "groups", (*reconcile.Reconciler).SyncGroups)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: $"+config.PathEnvVar+" or ./config.yaml)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")

	rootCmd.AddCommand(serveCmd, syncUsersCmd, syncGroupsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Fatal().Err(err).Msg("cloudsync-server failed")
	}
}

func serve(ctx context.Context) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}

	if logging.ParseLevel(cfg.Logging.Level) > logging.ParseLevel("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Server.Port).Str("cloud", a.remote.BaseURL()).Msg("Starting cloudsync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logging.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	a.shutdown(shutdownCtx)
	return nil
}

func runSync(cmd *cobra.Command, kind string, pass func(*reconcile.Reconciler, context.Context) (reconcile.Summary, error)) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}

	summary, err := pass(a.reconciler, cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", kind, summary)
	if err != nil {
		return fmt.Errorf("%s synchronization failed: %w", kind, err)
	}
	return nil
}
