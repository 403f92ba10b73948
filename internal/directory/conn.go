package directory

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn abstracts the LDAP protocol operations a Session needs (mostly for testing).
type Conn interface {
	Bind(username, password string) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(config *tls.Config) error
	SetTimeout(timeout time.Duration)
	Unbind() error
	Close() error
}

// Endpoint is a resolved directory address.
type Endpoint struct {
	// Address is host:port.
	Address string
	// TLS is set for ldaps:// endpoints and nil for plaintext ones.
	TLS *tls.Config
}

// Dialer is a factory of Conn. Production code uses NetDialer; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// DialerFunc makes it easy to use a func as a Dialer.
type DialerFunc func(ctx context.Context, endpoint Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	return f(ctx, endpoint)
}

// NetDialer dials real LDAP servers. go-ldap has no context-aware dial, so the
// socket is opened here and handed to ldap.NewConn.
type NetDialer struct{}

func (NetDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	var (
		c   net.Conn
		err error
	)
	if endpoint.TLS != nil {
		d := &tls.Dialer{Config: endpoint.TLS}
		c, err = d.DialContext(ctx, "tcp", endpoint.Address)
	} else {
		var d net.Dialer
		c, err = d.DialContext(ctx, "tcp", endpoint.Address)
	}
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	conn := ldap.NewConn(c, endpoint.TLS != nil)
	conn.Start()
	return ldapConn{conn}, nil
}

// ldapConn pins the Close signature regardless of the go-ldap release.
type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// hostAndPortWithDefaultPort adds the default port if hostAndPort did not already include one.
func hostAndPortWithDefaultPort(hostAndPort string, defaultPort string) (string, error) {
	host, port, err := net.SplitHostPort(hostAndPort)
	if err != nil {
		if strings.HasSuffix(err.Error(), ": missing port in address") {
			host = hostAndPort
			port = defaultPort
		} else {
			return "", err
		}
	}
	switch {
	case port != "" && strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]"):
		return host + ":" + port, nil
	case port != "":
		return net.JoinHostPort(host, port), nil
	default:
		return host, nil
	}
}
