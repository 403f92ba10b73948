package directory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// Session owns one bound directory connection for the duration of a single
// resolution. It is not safe for concurrent searches; Close may be called
// from any goroutine and more than once.
type Session struct {
	conn   Conn
	cfg    *config.DirectoryConfig
	logger *zap.Logger
	server string

	mu     sync.Mutex
	closed bool
}

// Open dials the configured server, upgrades with StartTLS when requested and
// binds with the service credentials. A nil dialer uses NetDialer.
//
// Errors wrap auth.ErrDirectoryUnreachable, auth.ErrDirectoryTimeout or
// auth.ErrDirectoryBindFailed.
func Open(ctx context.Context, cfg *config.DirectoryConfig, dialer Dialer, log *zap.Logger) (*Session, error) {
	log = logger.OrNop(log)
	if dialer == nil {
		dialer = NetDialer{}
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerDirectory, "directory.Open",
		attribute.String(telemetry.AttrDirectoryServer, cfg.ServerURI),
	)
	defer span.End()

	u, err := url.Parse(cfg.ServerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: parse server uri: %v", auth.ErrDirectoryUnreachable, err)
	}
	defaultPort := ldap.DefaultLdapPort
	if u.Scheme == "ldaps" {
		defaultPort = ldap.DefaultLdapsPort
	}
	address, err := hostAndPortWithDefaultPort(u.Host, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("%w: server address %q: %v", auth.ErrDirectoryUnreachable, u.Host, err)
	}

	var tlsConfig *tls.Config
	if u.Scheme == "ldaps" || cfg.StartTLS {
		tlsConfig, err = newTLSConfig(cfg, u.Hostname(), log)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", auth.ErrDirectoryUnreachable, err)
		}
	}
	endpoint := Endpoint{Address: address}
	if u.Scheme == "ldaps" {
		endpoint.TLS = tlsConfig
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := dialer.Dial(dialCtx, endpoint)
	if err != nil {
		err = classify("dial", err, auth.ErrDirectoryUnreachable)
		telemetry.RecordError(span, err)
		return nil, err
	}
	conn.SetTimeout(cfg.Timeout)

	s := &Session{conn: conn, cfg: cfg, logger: log, server: address}

	if cfg.StartTLS && u.Scheme == "ldap" {
		if err := s.do(ctx, func() error { return conn.StartTLS(tlsConfig) }); err != nil {
			s.Close()
			err = classify("starttls", err, auth.ErrDirectoryUnreachable)
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	if cfg.BindDN != "" {
		if err := s.do(ctx, func() error { return conn.Bind(cfg.BindDN, cfg.BindPassword) }); err != nil {
			s.Close()
			err = classify("bind", err, auth.ErrDirectoryBindFailed)
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	log.Debug("directory session opened",
		zap.String("server", address),
		zap.Bool("tls", endpoint.TLS != nil || cfg.StartTLS),
		zap.String("bind_dn", cfg.BindDN),
	)
	return s, nil
}

func newTLSConfig(cfg *config.DirectoryConfig, host string, log *zap.Logger) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("could not parse CA bundle %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	if cfg.IgnoreCertErrors {
		log.Warn("TLS certificate verification is disabled for the directory connection",
			zap.String("server", cfg.ServerURI),
		)
		tc.InsecureSkipVerify = true
	}
	return tc, nil
}

// Search runs req and returns the matching entries. A base-object search on
// a DN that does not exist returns no entries rather than an error.
func (s *Session) Search(ctx context.Context, req SearchRequest) ([]Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerDirectory, "directory.Search",
		attribute.String(telemetry.AttrDirectoryBaseDN, req.BaseDN),
		attribute.Int(telemetry.AttrDirectoryScope, req.Scope),
		attribute.String(telemetry.AttrDirectoryFilter, req.Filter),
	)
	defer span.End()

	sr := ldap.NewSearchRequest(
		req.BaseDN,
		req.Scope,
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(s.cfg.Timeout.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err := s.do(ctx, func() error {
		var err error
		result, err = s.conn.Search(sr)
		return err
	})
	switch {
	case err == nil:
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) && req.Scope == ScopeBaseObject:
		result, err = nil, nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil:
		err = nil
	default:
		err = classify("search", err, auth.ErrDirectorySearchFailed)
		telemetry.RecordError(span, err)
		return nil, err
	}

	var entries []Entry
	if result != nil {
		entries = make([]Entry, 0, len(result.Entries))
		for _, e := range result.Entries {
			entries = append(entries, entryFromLDAP(e))
		}
	}
	span.SetAttributes(attribute.Int(telemetry.AttrDirectoryHits, len(entries)))
	s.logger.Debug("directory search",
		zap.String("base_dn", req.BaseDN),
		zap.Int("scope", req.Scope),
		zap.String("filter", req.Filter),
		zap.Int("results", len(entries)),
	)
	return entries, nil
}

// Close unbinds and closes the connection. Subsequent calls do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.conn.Unbind()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Debug("directory session close", zap.String("server", s.server), zap.Error(err))
	}
	return err
}

// do runs fn with the per-operation timeout. go-ldap operations are not
// context aware, so on expiry the connection is closed to unblock fn.
func (s *Session) do(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// classify maps a transport or protocol error onto the auth error taxonomy.
func classify(op string, err error, fallback error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), isTimeout(err):
		return fmt.Errorf("%w: %s: %w", auth.ErrDirectoryTimeout, op, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return fmt.Errorf("%w: %s: %w", auth.ErrDirectoryBindFailed, op, err)
	case ldap.IsErrorWithCode(err, ldap.ErrorNetwork), isNetError(err):
		return fmt.Errorf("%w: %s: %w", auth.ErrDirectoryUnreachable, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", fallback, op, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timed out")
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
