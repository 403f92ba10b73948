package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/telemetry"
)

// inChainRule is LDAP_MATCHING_RULE_IN_CHAIN (Active Directory transitive membership).
const inChainRule = "1.2.840.113556.1.4.1941"

// Searcher runs directory searches. *Session implements it.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Entry, error)
}

// Attributes are the profile fields read from the user entry. A nil field
// means the attribute was absent and the local value must be left alone.
type Attributes struct {
	FirstName *string
	LastName  *string
	Email     *string
}

// Resolution is the outcome of a successful directory resolution.
type Resolution struct {
	Username   string
	UserDN     string
	Roles      []Role
	Flags      Flags
	Attributes Attributes
	// Groups holds mirrored group names, nil when mirroring is disabled.
	Groups     []string
	ResolvedAt time.Time
}

// Level returns the highest granted role.
func (r *Resolution) Level() Role {
	if len(r.Roles) == 0 {
		return RoleNone
	}
	return r.Roles[0]
}

// RoleNames returns the granted roles as strings, highest first.
func (r *Resolution) RoleNames() []string {
	names := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		names[i] = role.String()
	}
	return names
}

// Resolver locates a user entry, evaluates role mapping rules and extracts
// profile attributes. It holds only immutable configuration.
type Resolver struct {
	cfg    *config.DirectoryConfig
	rules  []RoleMappingRule
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver builds a Resolver for cfg.
func NewResolver(cfg *config.DirectoryConfig, log *zap.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		rules:  RulesFromConfig(cfg),
		logger: logger.OrNop(log),
		now:    time.Now,
	}
}

// Resolve resolves username against the directory reachable through s.
func (r *Resolver) Resolve(ctx context.Context, s Searcher, username string) (*Resolution, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerDirectory, "directory.Resolve",
		attribute.String(telemetry.AttrUsername, username),
	)
	defer span.End()

	res, err := r.resolve(ctx, s, username)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrDirectoryRole, res.Level().String()))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, s Searcher, username string) (*Resolution, error) {
	entry, err := r.findUser(ctx, s, username)
	if err != nil {
		return nil, err
	}

	memberships := Memberships{}
	for _, dn := range r.groupsToProbe() {
		if _, done := memberships[dnKey(dn)]; done {
			continue
		}
		member, err := r.isMember(ctx, s, dn, entry.DN, username)
		if err != nil {
			return nil, err
		}
		memberships.Set(dn, member)
	}

	if dn := r.cfg.DenyGroupDN; dn != "" && memberships.Has(dn) {
		return nil, fmt.Errorf("%w: %s is a member of deny group %s", auth.ErrNotAuthorized, username, dn)
	}
	if dn := r.cfg.RequireGroupDN; dn != "" && !memberships.Has(dn) {
		return nil, fmt.Errorf("%w: %s is not a member of required group %s", auth.ErrNotAuthorized, username, dn)
	}

	roles, flags := Evaluate(r.rules, memberships)
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no role mapping rule matched %s", auth.ErrNotAuthorized, username)
	}

	res := &Resolution{
		Username:   username,
		UserDN:     entry.DN,
		Roles:      roles,
		Flags:      flags,
		Attributes: r.attributes(entry),
		ResolvedAt: r.now(),
	}

	if r.cfg.MirrorGroups {
		groups, err := r.mirrorGroups(ctx, s, entry.DN, username)
		if err != nil {
			return nil, err
		}
		res.Groups = groups
	}

	r.logger.Debug("directory resolution complete",
		zap.String("username", username),
		zap.String("user_dn", entry.DN),
		zap.Strings("roles", res.RoleNames()),
	)
	return res, nil
}

// groupsToProbe lists every configured group DN, deny group first.
func (r *Resolver) groupsToProbe() []string {
	var dns []string
	for _, dn := range []string{r.cfg.DenyGroupDN, r.cfg.RequireGroupDN, r.cfg.AdminGroupDN, r.cfg.SuperuserGroupDN} {
		if dn != "" {
			dns = append(dns, dn)
		}
	}
	return dns
}

func (r *Resolver) userAttributes() []string {
	attrs := []string{}
	for _, a := range []string{r.cfg.UserSearch.Attribute, r.cfg.Attributes.FirstName, r.cfg.Attributes.LastName, r.cfg.Attributes.Email} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

func (r *Resolver) findUser(ctx context.Context, s Searcher, username string) (*Entry, error) {
	var req SearchRequest
	if tpl := r.cfg.UserSearch.DNTemplate; tpl != "" {
		req = SearchRequest{
			BaseDN:     fmt.Sprintf(tpl, ldap.EscapeDN(username)),
			Scope:      ScopeBaseObject,
			Filter:     "(objectClass=*)",
			Attributes: r.userAttributes(),
		}
	} else {
		filter := fmt.Sprintf("(%s=%s)", r.cfg.UserSearch.Attribute, ldap.EscapeFilter(username))
		if extra := r.cfg.UserSearch.Filter; extra != "" {
			filter = "(&" + filter + extra + ")"
		}
		req = SearchRequest{
			BaseDN:     r.cfg.UserSearch.BaseDN,
			Scope:      ScopeWholeSubtree,
			Filter:     filter,
			Attributes: r.userAttributes(),
			// Two results are enough to detect ambiguity.
			SizeLimit: 2,
		}
	}

	entries, err := s.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search user %s: %w", username, err)
	}
	switch len(entries) {
	case 0:
		return nil, fmt.Errorf("%w: %s", auth.ErrUserNotFoundInDirectory, username)
	case 1:
		return &entries[0], nil
	default:
		dns := make([]string, len(entries))
		for i, e := range entries {
			dns[i] = e.DN
		}
		return nil, fmt.Errorf("%w: %s matches %s", auth.ErrAmbiguousDirectoryEntry, username, strings.Join(dns, "; "))
	}
}

// memberFilter is the assertion that a group contains the user under the
// configured membership semantics.
func (r *Resolver) memberFilter(userDN, username string) string {
	switch r.cfg.GroupSearch.Membership {
	case config.MembershipUniqueMember:
		return "(uniqueMember=" + ldap.EscapeFilter(userDN) + ")"
	case config.MembershipMemberUID:
		return "(memberUid=" + ldap.EscapeFilter(username) + ")"
	case config.MembershipNested:
		return "(member:" + inChainRule + ":=" + ldap.EscapeFilter(userDN) + ")"
	default:
		return "(member=" + ldap.EscapeFilter(userDN) + ")"
	}
}

func (r *Resolver) groupFilter(userDN, username string) string {
	return "(&(objectClass=" + ldap.EscapeFilter(r.cfg.GroupSearch.ObjectClass) + ")" + r.memberFilter(userDN, username) + ")"
}

// isMember reads groupDN itself with the membership assertion as filter, so
// a hit means membership and nothing else needs to be transferred.
func (r *Resolver) isMember(ctx context.Context, s Searcher, groupDN, userDN, username string) (bool, error) {
	entries, err := s.Search(ctx, SearchRequest{
		BaseDN:     groupDN,
		Scope:      ScopeBaseObject,
		Filter:     r.groupFilter(userDN, username),
		Attributes: []string{"1.1"},
	})
	if err != nil {
		return false, fmt.Errorf("membership of %s in %s: %w", username, groupDN, err)
	}
	return len(entries) > 0, nil
}

func (r *Resolver) mirrorGroups(ctx context.Context, s Searcher, userDN, username string) ([]string, error) {
	entries, err := s.Search(ctx, SearchRequest{
		BaseDN:     r.cfg.GroupSearch.BaseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     r.groupFilter(userDN, username),
		Attributes: []string{"cn"},
	})
	if err != nil {
		return nil, fmt.Errorf("list groups of %s: %w", username, err)
	}

	seen := map[string]bool{}
	groups := []string{}
	for _, e := range entries {
		name, ok := e.First("cn")
		if !ok {
			name = e.DN
		}
		if seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		groups = append(groups, name)
	}
	sort.Strings(groups)
	return groups, nil
}

func (r *Resolver) attributes(e *Entry) Attributes {
	pick := func(name string) *string {
		if name == "" {
			return nil
		}
		v, ok := e.First(name)
		if !ok {
			return nil
		}
		return &v
	}
	return Attributes{
		FirstName: pick(r.cfg.Attributes.FirstName),
		LastName:  pick(r.cfg.Attributes.LastName),
		Email:     pick(r.cfg.Attributes.Email),
	}
}
