package directory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
)

func TestOpen_BindsAndCloses(t *testing.T) {
	dir := seedDirectory()
	s, err := directory.Open(context.Background(), testConfig(), dir.Dialer(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.Binds())
	assert.Equal(t, 1, dir.OpenConns())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.Zero(t, dir.OpenConns())
}

func TestOpen_AnonymousSkipsBind(t *testing.T) {
	dir := seedDirectory()
	cfg := testConfig()
	cfg.BindDN, cfg.BindPassword = "", ""

	s, err := directory.Open(context.Background(), cfg, dir.Dialer(), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Zero(t, dir.Binds())
}

func TestOpen_StartTLS(t *testing.T) {
	dir := seedDirectory()
	cfg := testConfig()
	cfg.StartTLS = true

	s, err := directory.Open(context.Background(), cfg, dir.Dialer(), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, dir.StartTLSCalls())
}

func TestOpen_Failures(t *testing.T) {
	t.Run("bad service credentials", func(t *testing.T) {
		dir := seedDirectory()
		cfg := testConfig()
		cfg.BindPassword = "wrong"

		_, err := directory.Open(context.Background(), cfg, dir.Dialer(), nil)
		assert.True(t, errors.Is(err, auth.ErrDirectoryBindFailed), "%v", err)
		assert.Zero(t, dir.OpenConns(), "connection released after failed bind")
	})

	t.Run("unreachable", func(t *testing.T) {
		dir := seedDirectory()
		dir.SetDown(true)

		_, err := directory.Open(context.Background(), testConfig(), dir.Dialer(), nil)
		assert.True(t, errors.Is(err, auth.ErrDirectoryUnreachable), "%v", err)
	})

	t.Run("bad CA bundle path", func(t *testing.T) {
		cfg := testConfig()
		cfg.ServerURI = "ldaps://ldap.example.org"
		cfg.CAFile = "/nonexistent/ca.pem"

		_, err := directory.Open(context.Background(), cfg, seedDirectory().Dialer(), nil)
		assert.Error(t, err)
	})
}

func TestOpen_CertificateBypassWarnsEveryOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	dir := seedDirectory()
	cfg := testConfig()
	cfg.ServerURI = "ldaps://ldap.example.org"
	cfg.IgnoreCertErrors = true

	var tlsSeen bool
	dialer := directory.DialerFunc(func(ctx context.Context, ep directory.Endpoint) (directory.Conn, error) {
		tlsSeen = ep.TLS != nil && ep.TLS.InsecureSkipVerify
		assert.Equal(t, "ldap.example.org:636", ep.Address)
		return dir.Dialer().Dial(ctx, ep)
	})

	for i := 0; i < 2; i++ {
		s, err := directory.Open(context.Background(), cfg, dialer, log)
		require.NoError(t, err)
		s.Close()
	}

	assert.True(t, tlsSeen)
	assert.Equal(t, 2, logs.FilterMessageSnippet("certificate verification is disabled").Len())
}

func TestSession_Search(t *testing.T) {
	dir := seedDirectory()
	s, err := directory.Open(context.Background(), testConfig(), dir.Dialer(), nil)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Search(context.Background(), directory.SearchRequest{
		BaseDN: peopleBase,
		Scope:  directory.ScopeWholeSubtree,
		Filter: "(uid=alice)",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	mail, ok := entries[0].First("MAIL")
	assert.True(t, ok, "attribute names are case-insensitive")
	assert.Equal(t, "alice@example.org", mail)

	entries, err = s.Search(context.Background(), directory.SearchRequest{
		BaseDN: "cn=missing,ou=groups,dc=example,dc=org",
		Scope:  directory.ScopeBaseObject,
		Filter: "(objectClass=*)",
	})
	require.NoError(t, err, "missing base object is an empty result")
	assert.Empty(t, entries)
}

func TestSession_SearchTimeout(t *testing.T) {
	dir := seedDirectory()
	release := dir.Hold()
	defer release()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	s, err := directory.Open(context.Background(), cfg, dir.Dialer(), nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Search(context.Background(), directory.SearchRequest{
		BaseDN: peopleBase,
		Scope:  directory.ScopeWholeSubtree,
		Filter: "(uid=alice)",
	})
	assert.True(t, errors.Is(err, auth.ErrDirectoryTimeout), "%v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, dir.OpenConns(), "timed out session is torn down")
}
