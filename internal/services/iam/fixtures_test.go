package iam

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/bunx"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory/directorytest"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/migrations"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

const (
	peopleBase  = "ou=people,dc=example,dc=org"
	groupsBase  = "ou=groups,dc=example,dc=org"
	requireDN   = "cn=netbox,ou=groups,dc=example,dc=org"
	adminDN     = "cn=netbox-admins,ou=groups,dc=example,dc=org"
	superuserDN = "cn=netbox-superusers,ou=groups,dc=example,dc=org"

	aliceDN = "uid=alice,ou=people,dc=example,dc=org"
	bobDN   = "uid=bob,ou=people,dc=example,dc=org"
	carolDN = "uid=carol,ou=people,dc=example,dc=org"
	daveDN  = "uid=dave,ou=people,dc=example,dc=org"
	eveDN1  = "uid=eve,ou=people,dc=example,dc=org"
	eveDN2  = "uid=eve,ou=contractors,ou=people,dc=example,dc=org"

	headerName = "X-Remote-User"
	cacheTTL   = 5 * time.Minute
)

func testConfig() *config.Config {
	return &config.Config{
		DatabaseURL: "file::memory:",
		Header: config.HeaderConfig{
			Name:          "HTTP_X_REMOTE_USER",
			LoginRequired: true,
			UsernameCase:  "lower",
		},
		Directory: config.DirectoryConfig{
			ServerURI:    "ldap://ldap.example.org",
			BindDN:       "cn=reader,dc=example,dc=org",
			BindPassword: "secret",
			Timeout:      time.Second,
			RetryBackoff: time.Millisecond,
			UserSearch: config.UserSearchConfig{
				BaseDN:    peopleBase,
				Attribute: "uid",
			},
			GroupSearch: config.GroupSearchConfig{
				BaseDN:      groupsBase,
				ObjectClass: "groupOfNames",
				Membership:  config.MembershipMember,
			},
			RequireGroupDN:   requireDN,
			AdminGroupDN:     adminDN,
			SuperuserGroupDN: superuserDN,
			MirrorGroups:     true,
			AlwaysUpdateUser: true,
			Attributes: config.AttributeMap{
				FirstName: "givenName",
				LastName:  "sn",
				Email:     "mail",
			},
		},
		Cache: config.CacheConfig{
			TTL:      cacheTTL,
			Size:     64,
			MaxStale: time.Hour,
		},
	}
}

// seedDirectory builds:
//
//	alice: netbox, netbox-admins
//	bob:   netbox (no mail attribute)
//	carol: netbox, netbox-superusers
//	dave:  no groups
//	eve:   two entries
func seedDirectory() *directorytest.FakeDirectory {
	d := directorytest.New()
	d.RequirePassword("secret")
	d.AddUser(aliceDN, map[string][]string{
		"uid": {"alice"}, "givenName": {"Alice"}, "sn": {"Liddell"}, "mail": {"alice@example.org"},
	})
	d.AddUser(bobDN, map[string][]string{
		"uid": {"bob"}, "givenName": {"Bob"}, "sn": {"Builder"},
	})
	d.AddUser(carolDN, map[string][]string{
		"uid": {"carol"}, "givenName": {"Carol"}, "sn": {"Danvers"}, "mail": {"carol@example.org"},
	})
	d.AddUser(daveDN, map[string][]string{"uid": {"dave"}})
	d.AddUser(eveDN1, map[string][]string{"uid": {"eve"}})
	d.AddUser(eveDN2, map[string][]string{"uid": {"eve"}})

	d.AddGroup(requireDN, aliceDN, bobDN, carolDN)
	d.AddGroup(adminDN, aliceDN)
	d.AddGroup(superuserDN, carolDN)
	return d
}

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *iamService
	dir      *directorytest.FakeDirectory
	users    *repository.BunUserRepository
	logs     *observer.ObservedLogs
	registry *prometheus.Registry
	clock    *manualClock
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.NewDB(ctx, "file::memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	dir := seedDirectory()
	users := repository.NewBunUserRepository(db)

	svc, err := NewIAMService(IAMServiceDependencies{
		Users:   users,
		Dialer:  dir.Dialer(),
		Logger:  zap.New(core),
		Metrics: telemetry.NewMetrics(reg),
	}, IAMServiceConfig{Config: cfg})
	require.NoError(t, err)

	clock := newManualClock()
	impl := svc.(*iamService)
	impl.cache.now = clock.Now
	impl.gate.now = clock.Now

	return &harness{svc: impl, dir: dir, users: users, logs: logs, registry: reg, clock: clock}
}

func (h *harness) request(ctx context.Context, username string) (*Decision, error) {
	headers := http.Header{}
	if username != "" {
		headers.Set(headerName, username)
	}
	return h.svc.AuthenticateRequest(ctx, AuthRequest{Headers: headers})
}

func (h *harness) stored(t *testing.T, username string) *models.User {
	t.Helper()
	user, err := h.svc.GetUser(context.Background(), username)
	require.NoError(t, err)
	return user
}

// counter sums every series of the named counter.
func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
