package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/bunx"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory/directorytest"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/migrations"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/repository"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/services/iam"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

const (
	requireDN   = "cn=netbox,ou=groups,dc=example,dc=org"
	adminDN     = "cn=netbox-admins,ou=groups,dc=example,dc=org"
	superuserDN = "cn=netbox-superusers,ou=groups,dc=example,dc=org"
	aliceDN     = "uid=alice,ou=people,dc=example,dc=org"
	bobDN       = "uid=bob,ou=people,dc=example,dc=org"
	carolDN     = "uid=carol,ou=people,dc=example,dc=org"
)

type testServer struct {
	handler http.Handler
	dir     *directorytest.FakeDirectory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.NewDB(ctx, "file::memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)

	dir := directorytest.New()
	dir.AddUser(aliceDN, map[string][]string{"uid": {"alice"}, "mail": {"alice@example.org"}})
	dir.AddUser(bobDN, map[string][]string{"uid": {"bob"}})
	dir.AddUser(carolDN, map[string][]string{"uid": {"carol"}})
	dir.AddGroup(requireDN, aliceDN, bobDN, carolDN)
	dir.AddGroup(adminDN, aliceDN)
	dir.AddGroup(superuserDN, carolDN)

	cfg := &config.Config{
		Header: config.HeaderConfig{Name: "X-Remote-User", LoginRequired: true},
		Directory: config.DirectoryConfig{
			ServerURI:        "ldap://ldap.example.org",
			Timeout:          time.Second,
			UserSearch:       config.UserSearchConfig{BaseDN: "ou=people,dc=example,dc=org", Attribute: "uid"},
			GroupSearch:      config.GroupSearchConfig{BaseDN: "ou=groups,dc=example,dc=org", ObjectClass: "groupOfNames", Membership: config.MembershipMember},
			RequireGroupDN:   requireDN,
			AdminGroupDN:     adminDN,
			SuperuserGroupDN: superuserDN,
			AlwaysUpdateUser: true,
			Attributes:       config.AttributeMap{Email: "mail"},
		},
		Cache: config.CacheConfig{TTL: time.Minute, Size: 16, MaxStale: time.Hour},
	}

	reg := prometheus.NewRegistry()
	svc, err := iam.NewIAMService(iam.IAMServiceDependencies{
		Users:   repository.NewBunUserRepository(db),
		Dialer:  dir.Dialer(),
		Metrics: telemetry.NewMetrics(reg),
	}, iam.IAMServiceConfig{Config: cfg})
	require.NoError(t, err)

	return &testServer{handler: NewRouter(RouterOptions{IAMService: svc, Gatherer: reg}), dir: dir}
}

func (s *testServer) do(method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthAndMetricsAreUngated(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String(), "health exposes no cache counters")

	s.do(http.MethodGet, "/api/whoami", "alice")
	rec = s.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "remoteauth_decisions_total")
}

func TestRouter_WhoAmI(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/whoami", "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WhoamiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "alice@example.org", resp.Email)
	assert.True(t, resp.IsStaff)
	assert.False(t, resp.IsSuperuser)
	assert.Equal(t, "live", resp.Source)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/whoami", "").Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/whoami", "mallory").Code)
}

func TestRouter_DirectoryDownIs503(t *testing.T) {
	s := newTestServer(t)
	s.dir.SetDown(true)

	rec := s.do(http.MethodGet, "/api/whoami", "alice")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRouter_AdminEndpoints(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/admin/users", "bob").Code)

	rec := s.do(http.MethodGet, "/api/admin/users", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Users []UserResponse `json:"users"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count, "bob and alice were provisioned by their requests")

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/admin/users?limit=abc", "alice").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/admin/users/nobody", "alice").Code)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/admin/users/carol/sync", "alice").Code)
	rec = s.do(http.MethodPost, "/api/admin/users/carol/sync", "carol")
	require.Equal(t, http.StatusOK, rec.Code)
	var sync SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sync))
	assert.Equal(t, "authorized", sync.State)
	require.NotNil(t, sync.User)
	assert.True(t, sync.User.IsSuperuser)

	s.dir.RemoveMember(requireDN, bobDN)
	rec = s.do(http.MethodPost, "/api/admin/users/bob/sync", "carol")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sync))
	assert.Equal(t, "denied", sync.State)
	assert.Equal(t, "not_authorized", sync.Error)
	assert.False(t, sync.User.IsActive)
}

func TestRouter_CacheEndpoints(t *testing.T) {
	s := newTestServer(t)

	s.do(http.MethodGet, "/api/whoami", "alice")
	rec := s.do(http.MethodGet, "/api/admin/cache", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats iam.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/admin/cache", "alice").Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/admin/cache/alice", "carol").Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/admin/cache", "carol").Code)

	rec = s.do(http.MethodGet, "/api/admin/cache", "alice")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries, "only the resolution of this request remains")
}

func TestRouter_CORSOrigins(t *testing.T) {
	opts := DefaultCORSOptions()
	opts.AllowedOrigins = []string{"https://netbox.example.org"}
	r := NewRouter(RouterOptions{CORSOptions: &opts, Gatherer: prometheus.NewRegistry()})

	get := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, "https://netbox.example.org", get("https://netbox.example.org").Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, get("http://localhost:8000").Header().Get("Access-Control-Allow-Origin"))
}
