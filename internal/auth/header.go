package auth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// DefaultHeaderName is the trusted header used when none is configured.
const DefaultHeaderName = "HTTP_REMOTE_USER"

// maxUsernameLength bounds the accepted header value.
const maxUsernameLength = 256

// UsernameCase selects how the asserted username is folded before lookup.
type UsernameCase string

const (
	UsernameCaseLower    UsernameCase = "lower"
	UsernameCaseUpper    UsernameCase = "upper"
	UsernameCasePreserve UsernameCase = "preserve"
)

// HeaderPolicy is the static configuration of the trusted header check.
type HeaderPolicy struct {
	// Name of the trusted header, either as sent on the wire ("X-Remote-User")
	// or in its gateway-normalized form ("HTTP_X_REMOTE_USER").
	Name string

	// LoginRequired turns an absent header into ErrUnauthenticated instead of
	// an anonymous pass-through.
	LoginRequired bool

	// Case folding applied to the username. Empty means lower.
	Case UsernameCase

	// StripRealm drops everything from the first '@' ("alice@EXAMPLE.ORG" → "alice").
	StripRealm bool
}

// TrustedIdentity is the validated result of the trusted header check.
type TrustedIdentity struct {
	RawHeaderValue    string
	CanonicalUsername string
	ValidatedAt       time.Time
}

// HeaderValidator extracts the asserted username from inbound headers.
// It holds no mutable state and is safe for concurrent use.
type HeaderValidator struct {
	policy HeaderPolicy
	key    string
	now    func() time.Time
}

// NormalizeHeaderName returns the gateway form of a wire header name:
// upper-cased, '-' replaced by '_' and prefixed with "HTTP_". Both
// "X-Auth-User" and "X-Auth_User" normalize to "HTTP_X_AUTH_USER".
func NormalizeHeaderName(name string) string {
	return "HTTP_" + strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "_")
}

// gatewayName matches a name already in gateway form. Anything else,
// including "Http-Auth-User", is a wire name and gets the HTTP_ prefix.
var gatewayName = regexp.MustCompile(`^HTTP_[A-Z0-9_]+$`)

// normalizeConfiguredName accepts a configured name in either wire or
// normalized form.
func normalizeConfiguredName(name string) string {
	name = strings.TrimSpace(name)
	if gatewayName.MatchString(name) {
		return name
	}
	return NormalizeHeaderName(name)
}

// NewHeaderValidator builds a validator for policy.
func NewHeaderValidator(policy HeaderPolicy) (*HeaderValidator, error) {
	if strings.TrimSpace(policy.Name) == "" {
		return nil, fmt.Errorf("trusted header name is required")
	}
	switch policy.Case {
	case "":
		policy.Case = UsernameCaseLower
	case UsernameCaseLower, UsernameCaseUpper, UsernameCasePreserve:
	default:
		return nil, fmt.Errorf("unknown username case policy %q", policy.Case)
	}
	return &HeaderValidator{
		policy: policy,
		key:    normalizeConfiguredName(policy.Name),
		now:    time.Now,
	}, nil
}

// Key returns the normalized trusted header name.
func (v *HeaderValidator) Key() string {
	return v.key
}

// Validate inspects h and returns the asserted identity.
//
// Returns:
//   - (identity, nil): a well-formed username was asserted
//   - (nil, nil): no trusted header and login is not required (anonymous)
//   - (nil, error): ErrUnauthenticated, ErrMalformedIdentity or ErrHeaderCollision
//
// Every raw header name that normalizes onto the trusted name is inspected,
// and every value of each. Differing values are a collision and are never
// resolved by picking one.
func (v *HeaderValidator) Validate(h http.Header) (*TrustedIdentity, error) {
	var (
		found      bool
		value      string
		sourceName string
	)
	for name, values := range h {
		if NormalizeHeaderName(name) != v.key {
			continue
		}
		for _, raw := range values {
			if !found {
				found, value, sourceName = true, raw, name
				continue
			}
			if strings.TrimSpace(raw) != strings.TrimSpace(value) {
				return nil, fmt.Errorf("%w: %q and %q assert different users", ErrHeaderCollision, sourceName, name)
			}
		}
	}

	if !found {
		if v.policy.LoginRequired {
			return nil, fmt.Errorf("%w: header %s not present", ErrUnauthenticated, v.key)
		}
		return nil, nil
	}

	username, err := v.clean(value)
	if err != nil {
		return nil, err
	}
	return &TrustedIdentity{
		RawHeaderValue:    value,
		CanonicalUsername: username,
		ValidatedAt:       v.now(),
	}, nil
}

// Canonicalize applies the header cleaning rules to a username supplied
// out of band (CLI, admin API).
func (v *HeaderValidator) Canonicalize(raw string) (string, error) {
	return v.clean(raw)
}

func (v *HeaderValidator) clean(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", fmt.Errorf("%w: empty value", ErrMalformedIdentity)
	}
	if len(username) > maxUsernameLength {
		return "", fmt.Errorf("%w: value exceeds %d bytes", ErrMalformedIdentity, maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return "", fmt.Errorf("%w: value contains control or invalid characters", ErrMalformedIdentity)
		}
	}

	if v.policy.StripRealm {
		if i := strings.IndexByte(username, '@'); i >= 0 {
			username = strings.TrimSpace(username[:i])
		}
		if username == "" {
			return "", fmt.Errorf("%w: empty username before realm", ErrMalformedIdentity)
		}
	}

	switch v.policy.Case {
	case UsernameCaseUpper:
		username = strings.ToUpper(username)
	case UsernameCasePreserve:
	default:
		username = strings.ToLower(username)
	}
	return username, nil
}
