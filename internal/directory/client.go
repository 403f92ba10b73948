package directory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// ClientDependencies are the optional collaborators of a Client.
type ClientDependencies struct {
	// Dialer defaults to NetDialer.
	Dialer  Dialer
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Client performs complete resolutions: open a session, resolve, close.
// Each call uses its own session; sessions are never shared.
type Client struct {
	cfg      *config.DirectoryConfig
	resolver *Resolver
	dialer   Dialer
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	wait     func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client for cfg.
func NewClient(cfg *config.DirectoryConfig, deps ClientDependencies) *Client {
	log := logger.OrNop(deps.Logger)
	dialer := deps.Dialer
	if dialer == nil {
		dialer = NetDialer{}
	}
	return &Client{
		cfg:      cfg,
		resolver: NewResolver(cfg, log),
		dialer:   dialer,
		logger:   log,
		metrics:  deps.Metrics,
		wait:     sleep,
	}
}

// Resolve resolves username. Connectivity failures (unreachable, timeout)
// are retried once after the configured backoff; every other failure is
// returned as is.
func (c *Client) Resolve(ctx context.Context, username string) (*Resolution, error) {
	res, err := c.attempt(ctx, username)
	if err == nil || !auth.IsRetryable(err) {
		return res, err
	}

	c.logger.Warn("directory attempt failed, retrying once",
		zap.String("username", username),
		zap.String("kind", auth.Kind(err)),
		zap.Duration("backoff", c.cfg.RetryBackoff),
		zap.Error(err),
	)
	if werr := c.wait(ctx, c.cfg.RetryBackoff); werr != nil {
		return nil, err
	}
	return c.attempt(ctx, username)
}

// Ping opens and closes a session, verifying reachability and service bind credentials.
func (c *Client) Ping(ctx context.Context) error {
	s, err := Open(ctx, c.cfg, c.dialer, c.logger)
	if err != nil {
		return err
	}
	return s.Close()
}

func (c *Client) attempt(ctx context.Context, username string) (res *Resolution, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveDirectoryAttempt(outcome(err), time.Since(start))
	}()

	s, err := Open(ctx, c.cfg, c.dialer, c.logger)
	if err != nil {
		return nil, fmt.Errorf("open directory session: %w", err)
	}
	defer s.Close()

	return c.resolver.Resolve(ctx, s, username)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return auth.Kind(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
