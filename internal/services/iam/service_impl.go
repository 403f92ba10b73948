package iam

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// iamService implements the Service interface.
type iamService struct {
	users     repository.UserRepository
	directory *directory.Client
	validator *auth.HeaderValidator
	cache     *ResolutionCache
	gate      *Gate
	logger    *zap.Logger
}

// IAMServiceDependencies contains all runtime dependencies for the IAM service.
type IAMServiceDependencies struct {
	Users repository.UserRepository
	// Dialer defaults to directory.NetDialer.
	Dialer  directory.Dialer
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// IAMServiceConfig contains configuration for IAM service construction.
// Separated from dependencies to clearly distinguish config from runtime dependencies.
type IAMServiceConfig struct {
	Config *config.Config
}

// NewIAMService wires the header validator, directory client, resolution
// cache and gate from configuration.
func NewIAMService(deps IAMServiceDependencies, cfg IAMServiceConfig) (Service, error) {
	c := cfg.Config
	log := logger.OrNop(deps.Logger)

	validator, err := auth.NewHeaderValidator(auth.HeaderPolicy{
		Name:          c.Header.Name,
		LoginRequired: c.Header.LoginRequired,
		Case:          auth.UsernameCase(c.Header.UsernameCase),
		StripRealm:    c.Header.StripRealm,
	})
	if err != nil {
		return nil, fmt.Errorf("configure trusted header: %w", err)
	}

	cache, err := NewResolutionCache(c.Cache.Size, c.Cache.TTL, c.Cache.MaxStale, deps.Metrics)
	if err != nil {
		return nil, err
	}

	client := directory.NewClient(&c.Directory, directory.ClientDependencies{
		Dialer:  deps.Dialer,
		Logger:  log.Named("directory"),
		Metrics: deps.Metrics,
	})

	gateLog := log.Named("gate")
	gate := NewGate(GateDependencies{
		Validator:  validator,
		Reconciler: NewReconciler(deps.Users, c.Directory.NoNewUsers, gateLog),
		Applicator: NewApplicator(deps.Users, ApplicatorConfig{
			AlwaysUpdateUser: c.Directory.AlwaysUpdateUser,
			MirrorGroups:     c.Directory.MirrorGroups,
		}, gateLog, deps.Metrics),
		Cache:        cache,
		Directory:    client,
		DegradedMode: c.Cache.DegradedMode,
		Logger:       gateLog,
		Metrics:      deps.Metrics,
	})

	if c.Directory.IgnoreCertErrors {
		log.Warn("directory TLS certificate verification is disabled")
	}

	return &iamService{
		users:     deps.Users,
		directory: client,
		validator: validator,
		cache:     cache,
		gate:      gate,
		logger:    log,
	}, nil
}

// =============================================================================
// Authorization
// =============================================================================

func (s *iamService) AuthenticateRequest(ctx context.Context, req AuthRequest) (*Decision, error) {
	return s.gate.Evaluate(ctx, req)
}

// =============================================================================
// Synchronization
// =============================================================================

func (s *iamService) SyncUser(ctx context.Context, username string) (*Decision, error) {
	return s.gate.Sync(ctx, username)
}

func (s *iamService) CheckDirectory(ctx context.Context, username string) (*directory.Resolution, error) {
	canonical, err := s.validator.Canonicalize(username)
	if err != nil {
		return nil, err
	}
	return s.directory.Resolve(ctx, canonical)
}

func (s *iamService) PingDirectory(ctx context.Context) error {
	return s.directory.Ping(ctx)
}

// =============================================================================
// Cache Management
// =============================================================================

func (s *iamService) InvalidateUser(username string) {
	if canonical, err := s.validator.Canonicalize(username); err == nil {
		username = canonical
	}
	s.cache.Invalidate(username)
	s.logger.Info("invalidated cached resolution", zap.String("username", username))
}

func (s *iamService) PurgeCache() {
	s.cache.Purge()
	s.logger.Info("purged resolution cache")
}

func (s *iamService) CacheStats() CacheStats {
	return s.cache.Stats()
}

// =============================================================================
// Local Users
// =============================================================================

func (s *iamService) GetUser(ctx context.Context, username string) (*models.User, error) {
	canonical, err := s.validator.Canonicalize(username)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByUsername(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if user.Groups, err = s.users.GroupNames(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("load groups of %q: %w", canonical, err)
	}
	return user, nil
}

func (s *iamService) ListUsers(ctx context.Context, opts repository.ListOptions) ([]*models.User, error) {
	return s.users.List(ctx, opts)
}
