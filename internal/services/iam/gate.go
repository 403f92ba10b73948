package iam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// State is a step of the per-request authorization state machine.
//
//	NoIdentity → HeaderValidated → Reconciled → Resolving → Authorized
//	     ↓              ↓              ↓            ↓
//	   Denied         Denied         Denied       Denied
//
// A cache hit goes from Reconciled straight to Authorized. NoIdentity is
// also terminal for anonymous requests when login is not required.
type State string

const (
	StateNoIdentity      State = "no_identity"
	StateHeaderValidated State = "header_validated"
	StateReconciled      State = "reconciled"
	StateResolving       State = "resolving"
	StateAuthorized      State = "authorized"
	StateDenied          State = "denied"
)

// AuthRequest contains the credentials of an inbound request.
type AuthRequest struct {
	Headers http.Header
}

// Decision is the outcome of one pass through the gate.
type Decision struct {
	State    State
	Username string
	// Principal is set only when State is StateAuthorized.
	Principal *Principal
	Source    Source
	// Err wraps one of the auth sentinel errors when State is StateDenied.
	Err error
}

// Anonymous reports whether the request carried no identity and was let through.
func (d *Decision) Anonymous() bool {
	return d.State == StateNoIdentity && d.Err == nil
}

// DirectoryResolver performs a live resolution. *directory.Client implements it.
type DirectoryResolver interface {
	Resolve(ctx context.Context, username string) (*directory.Resolution, error)
}

// GateDependencies are the collaborators of a Gate.
type GateDependencies struct {
	Validator  *auth.HeaderValidator
	Reconciler *Reconciler
	Applicator *Applicator
	Cache      *ResolutionCache
	Directory  DirectoryResolver
	// DegradedMode serves stale cached resolutions while the directory is unreachable.
	DegradedMode bool
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
}

// Gate authorizes requests. It holds no per-request state and is safe for
// concurrent use.
type Gate struct {
	validator  *auth.HeaderValidator
	reconciler *Reconciler
	applicator *Applicator
	cache      *ResolutionCache
	directory  DirectoryResolver
	degraded   bool
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewGate creates a gate.
func NewGate(deps GateDependencies) *Gate {
	return &Gate{
		validator:  deps.Validator,
		reconciler: deps.Reconciler,
		applicator: deps.Applicator,
		cache:      deps.Cache,
		directory:  deps.Directory,
		degraded:   deps.DegradedMode,
		logger:     logger.OrNop(deps.Logger),
		metrics:    deps.Metrics,
		now:        time.Now,
	}
}

// Evaluate runs the state machine for one request.
//
// Returns:
//   - (decision, nil) with StateAuthorized: decision.Principal is set
//   - (decision, nil) with StateNoIdentity: anonymous request, login not required
//   - (decision, error) with StateDenied: error wraps an auth sentinel
func (g *Gate) Evaluate(ctx context.Context, req AuthRequest) (*Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerGate, "iam.Gate.Evaluate")
	defer span.End()

	d := &Decision{State: StateNoIdentity}
	identity, err := g.validator.Validate(req.Headers)
	if err != nil || identity == nil {
		return g.finish(ctx, span, d, err)
	}

	d.State = StateHeaderValidated
	d.Username = identity.CanonicalUsername
	span.SetAttributes(attribute.String(telemetry.AttrUsername, d.Username))
	return g.finish(ctx, span, d, g.authorize(ctx, d, false))
}

// Sync bypasses the cache and any resolution in flight, resolves username
// against the directory and synchronizes the local user.
func (g *Gate) Sync(ctx context.Context, username string) (*Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerGate, "iam.Gate.Sync",
		attribute.String(telemetry.AttrUsername, username),
	)
	defer span.End()

	d := &Decision{State: StateNoIdentity}
	canonical, err := g.validator.Canonicalize(username)
	if err != nil {
		return g.finish(ctx, span, d, err)
	}
	d.State = StateHeaderValidated
	d.Username = canonical
	return g.finish(ctx, span, d, g.authorize(ctx, d, true))
}

func (g *Gate) authorize(ctx context.Context, d *Decision, force bool) error {
	user, err := g.reconciler.Reconcile(ctx, d.Username)
	if err != nil {
		return err
	}
	d.State = StateReconciled

	if !force {
		if e, ok := g.cache.Lookup(d.Username); ok {
			return g.grant(ctx, d, user, e, SourceCache)
		}
	}

	d.State = StateResolving
	resolve := g.cache.Resolve
	if force {
		resolve = g.cache.Refresh
	}
	e, _, err := resolve(ctx, d.Username, g.directory.Resolve)
	if err == nil {
		return g.grant(ctx, d, user, e, SourceLive)
	}

	log := logger.FromContext(ctx, g.logger)
	switch {
	case auth.IsDefinitive(err):
		g.cache.Invalidate(d.Username)
		startedAt := e.StartedAt
		if startedAt.IsZero() {
			startedAt = g.now()
		}
		if _, _, rerr := g.applicator.Revoke(ctx, user, startedAt); rerr != nil {
			log.Error("failed to revoke local privileges", zap.String("username", d.Username), zap.Error(rerr))
		}

	case auth.IsRetryable(err) && g.degraded:
		stale, ok := g.cache.Stale(d.Username)
		if !ok {
			break
		}
		g.metrics.RecordDegraded()
		log.Warn("directory unavailable, authorizing from last known resolution",
			zap.String("username", d.Username),
			zap.Time("resolved_at", stale.Resolution.ResolvedAt),
			zap.Duration("age", g.now().Sub(stale.Resolution.ResolvedAt)),
			zap.String("kind", auth.Kind(err)),
			zap.Error(err),
		)
		d.Source = SourceDegraded
		d.Principal = degradedPrincipal(user, stale.Resolution)
		return nil
	}
	return err
}

// grant synchronizes user from e unless the row already reflects it, then
// builds the principal from the stored row.
func (g *Gate) grant(ctx context.Context, d *Decision, user *models.User, e Entry, source Source) error {
	if source == SourceLive || user.SyncStamp < e.Stamp() {
		stored, _, err := g.applicator.Apply(ctx, user, e.Resolution, e.StartedAt)
		if err != nil {
			return err
		}
		user = stored
	} else if err := g.applicator.LoadGroups(ctx, user); err != nil {
		return err
	}
	if !user.IsActive {
		return fmt.Errorf("%w: %q was deactivated by a later synchronization", auth.ErrNotAuthorized, user.Username)
	}
	g.applicator.Touch(ctx, user)

	d.Source = source
	d.Principal = newPrincipal(user, e.Resolution, e.Stamp(), source)
	return nil
}

func (g *Gate) finish(ctx context.Context, span trace.Span, d *Decision, err error) (*Decision, error) {
	if err != nil {
		d.State = StateDenied
		d.Err = err
		d.Principal = nil
		telemetry.RecordError(span, err)
		g.logDenial(ctx, d, err)
	} else if d.Principal != nil {
		d.State = StateAuthorized
	}

	source := string(d.Source)
	if source == "" {
		source = "none"
	}
	kind := auth.Kind(err)
	span.SetAttributes(
		attribute.String(telemetry.AttrDecisionState, string(d.State)),
		attribute.String(telemetry.AttrDecisionSource, source),
		attribute.String(telemetry.AttrErrorKind, kind),
	)
	g.metrics.RecordDecision(string(d.State), source, kind)
	return d, err
}

func (g *Gate) logDenial(ctx context.Context, d *Decision, err error) {
	log := logger.FromContext(ctx, g.logger)
	fields := []zap.Field{
		zap.String("username", d.Username),
		zap.String("kind", auth.Kind(err)),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled):
		log.Debug("request cancelled", fields...)
	case errors.Is(err, auth.ErrHeaderCollision),
		errors.Is(err, auth.ErrAmbiguousDirectoryEntry),
		auth.Kind(err) == "internal":
		log.Error("request denied", fields...)
	case auth.HTTPStatus(err) == http.StatusServiceUnavailable:
		log.Warn("request denied", fields...)
	case errors.Is(err, auth.ErrUnauthenticated):
		log.Debug("request denied", fields...)
	default:
		log.Info("request denied", fields...)
	}
}
