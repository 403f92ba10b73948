package iam

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// touchInterval throttles last_login_at updates.
const touchInterval = time.Minute

// Applicator writes directory resolutions onto local user rows.
//
// Every write carries the start time of the resolution that produced it.
// A write from a resolution that started before the last committed one is
// discarded, so the stored row always reflects the latest-started resolution.
type Applicator struct {
	users        repository.UserRepository
	alwaysUpdate bool
	mirrorGroups bool
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// ApplicatorConfig selects which fields a synchronization writes.
type ApplicatorConfig struct {
	// AlwaysUpdateUser rewrites profile attributes on every synchronization
	// instead of only the first.
	AlwaysUpdateUser bool
	// MirrorGroups replaces the stored group set with the resolved one.
	MirrorGroups bool
}

// NewApplicator creates an applicator.
func NewApplicator(users repository.UserRepository, cfg ApplicatorConfig, log *zap.Logger, metrics *telemetry.Metrics) *Applicator {
	return &Applicator{
		users:        users,
		alwaysUpdate: cfg.AlwaysUpdateUser,
		mirrorGroups: cfg.MirrorGroups,
		logger:       logger.OrNop(log),
		metrics:      metrics,
		now:          time.Now,
	}
}

// Apply writes the flags, profile and groups of res onto user. It returns
// the stored row after the write and whether this write was applied.
func (a *Applicator) Apply(ctx context.Context, user *models.User, res *directory.Resolution, startedAt time.Time) (*models.User, bool, error) {
	update := repository.SyncUpdate{
		UserID:      user.ID,
		Stamp:       startedAt.UnixNano(),
		IsActive:    res.Flags.IsActive,
		IsStaff:     res.Flags.IsStaff,
		IsSuperuser: res.Flags.IsSuperuser,
		SyncedAt:    a.now(),
	}
	if a.alwaysUpdate || !user.Synced() {
		update.FirstName = res.Attributes.FirstName
		update.LastName = res.Attributes.LastName
		update.Email = res.Attributes.Email
	}
	if a.mirrorGroups {
		update.Groups = res.Groups
		if update.Groups == nil {
			update.Groups = []string{}
		}
	}
	return a.write(ctx, user, update, "applied")
}

// Revoke clears every privilege of user and its mirrored groups after a
// definitive negative answer from the directory.
func (a *Applicator) Revoke(ctx context.Context, user *models.User, startedAt time.Time) (*models.User, bool, error) {
	return a.write(ctx, user, repository.SyncUpdate{
		UserID:   user.ID,
		Stamp:    startedAt.UnixNano(),
		Groups:   []string{},
		SyncedAt: a.now(),
	}, "revoked")
}

// LoadGroups fills user.Groups from the store when groups are mirrored.
func (a *Applicator) LoadGroups(ctx context.Context, user *models.User) error {
	if !a.mirrorGroups || user.Groups != nil {
		return nil
	}
	groups, err := a.users.GroupNames(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load groups of %q: %w", user.Username, err)
	}
	user.Groups = groups
	return nil
}

// Touch records a login, at most once per touchInterval.
func (a *Applicator) Touch(ctx context.Context, user *models.User) {
	now := a.now()
	if user.LastLoginAt != nil && now.Sub(*user.LastLoginAt) < touchInterval {
		return
	}
	if err := a.users.TouchLogin(ctx, user.ID, now); err != nil {
		a.logger.Warn("failed to record login", zap.String("username", user.Username), zap.Error(err))
	}
}

func (a *Applicator) write(ctx context.Context, user *models.User, update repository.SyncUpdate, result string) (*models.User, bool, error) {
	applied, err := a.users.ApplySync(ctx, update)
	if err != nil {
		return nil, false, fmt.Errorf("synchronize user %q: %w", user.Username, err)
	}
	if !applied {
		result = "superseded"
		a.logger.Debug("discarded synchronization superseded by a later resolution",
			zap.String("username", user.Username),
			zap.Int64("stamp", update.Stamp),
		)
	}
	a.metrics.RecordSyncWrite(result)

	stored, err := a.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, applied, fmt.Errorf("reload user %q: %w", user.Username, err)
	}
	if a.mirrorGroups {
		if stored.Groups, err = a.users.GroupNames(ctx, user.ID); err != nil {
			return nil, applied, fmt.Errorf("load groups of %q: %w", user.Username, err)
		}
	}
	return stored, applied, nil
}
