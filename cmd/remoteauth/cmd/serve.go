package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/cmd/remoteauth/cmd/cmdutil"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/server"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization gateway",
	Long: `Starts the HTTP server. Every request under /api is authorized from the
trusted header and the directory; /health and /metrics are served without a gate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		log, err := cmdutil.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		bundle, err := cmdutil.NewIAMServiceBundle(ctx, cfg, cmdutil.IAMServiceOptions{
			Logger:  log,
			Metrics: telemetry.NewMetrics(registry),
			Migrate: autoMigrate,
		})
		if err != nil {
			return err
		}
		defer bundle.Close()
		iamService := bundle.Service
		log.Info("connected to database")

		// The gateway starts even when the directory is down; requests are
		// answered with 503 (or from degraded mode) until it comes back.
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*cfg.Directory.Timeout)
		if err := iamService.PingDirectory(pingCtx); err != nil {
			log.Warn("directory not reachable at startup", zap.String("server", cfg.Directory.ServerURI), zap.Error(err))
		} else {
			log.Info("directory reachable", zap.String("server", cfg.Directory.ServerURI))
		}
		cancelPing()

		routerOpts := server.RouterOptions{
			IAMService: iamService,
			Logger:     log,
			Gatherer:   registry,
		}
		if len(cfg.CORSAllowedOrigins) > 0 {
			corsOpts := server.DefaultCORSOptions()
			corsOpts.AllowedOrigins = cfg.CORSAllowedOrigins
			routerOpts.CORSOptions = &corsOpts
		}

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      server.NewH2CHandler(routerOpts),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Info("starting server", zap.String("addr", cfg.ServerAddr))
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP drops every cached resolution so directory changes apply immediately.
		purge := make(chan os.Signal, 1)
		signal.Notify(purge, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case sig := <-purge:
				iamService.PurgeCache()
				log.Info("resolution cache purged", zap.String("signal", sig.String()))

			case sig := <-shutdown:
				log.Info("shutting down gracefully", zap.String("signal", sig.String()))

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}

				log.Info("server stopped")
				return nil
			}
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
