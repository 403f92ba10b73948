package cmdutil

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/bunx"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/migrations"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/services/iam"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// IAMServiceOptions controls how commands construct the IAM service.
type IAMServiceOptions struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// Migrate applies pending migrations before the service is built.
	Migrate bool
}

// IAMServiceBundle bundles the service with its underlying DB connection so callers can
// reuse the connection for other repositories when necessary.
type IAMServiceBundle struct {
	Service iam.Service
	DB      *bun.DB
}

// Close releases the underlying database connection.
func (b *IAMServiceBundle) Close() {
	if b == nil || b.DB == nil {
		return
	}
	bunx.Close(b.DB)
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Log, cfg.Debug, cfg.Observability.ServiceName, cfg.Observability.ServiceVersion)
}

// NewIAMServiceBundle centralizes IAM service construction for commands.
// It opens the database, wires the user repository and returns a ready-to-use service.
func NewIAMServiceBundle(ctx context.Context, cfg *config.Config, opts IAMServiceOptions) (*IAMServiceBundle, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Migrate {
		group, err := migrations.Apply(ctx, db)
		if err != nil {
			bunx.Close(db)
			return nil, err
		}
		if !group.IsZero() {
			logger.OrNop(opts.Logger).Info("applied migrations", zap.String("group", group.String()))
		}
	}

	svc, err := iam.NewIAMService(
		iam.IAMServiceDependencies{
			Users:   repository.NewBunUserRepository(db),
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		},
		iam.IAMServiceConfig{Config: cfg},
	)
	if err != nil {
		bunx.Close(db)
		return nil, fmt.Errorf("create IAM service: %w", err)
	}

	return &IAMServiceBundle{Service: svc, DB: db}, nil
}
