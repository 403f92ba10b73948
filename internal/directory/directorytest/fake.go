// Package directorytest provides an in-memory directory for tests of code
// that resolves users through the directory package.
package directorytest

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
)

// inChainRule is the Active Directory transitive membership matching rule.
const inChainRule = "1.2.840.113556.1.4.1941"

// Schema is a group object class and the attribute holding its members.
type Schema struct {
	ObjectClass string
	Attribute   string
}

// Group schemas the fake understands.
var (
	GroupOfNames       = Schema{ObjectClass: "groupOfNames", Attribute: "member"}
	GroupOfUniqueNames = Schema{ObjectClass: "groupOfUniqueNames", Attribute: "uniqueMember"}
	PosixGroup         = Schema{ObjectClass: "posixGroup", Attribute: "memberUid"}
)

type group struct {
	dn      string
	cn      string
	schema  Schema
	members []string
}

// FakeDirectory is a tiny directory server. It understands exactly the
// search shapes the resolver issues and counts every dial, which is one
// directory round trip.
type FakeDirectory struct {
	mu       sync.Mutex
	users    []directory.Entry
	groups   []*group
	password string
	failing  int
	down     bool
	hold     chan struct{}

	dials    atomic.Int64
	searches atomic.Int64
	binds    atomic.Int64
	startTLS atomic.Int64
	open     atomic.Int64
}

// New returns an empty directory accepting any bind.
func New() *FakeDirectory {
	return &FakeDirectory{}
}

// AddUser adds an entry. attrs keys are attribute names.
func (f *FakeDirectory) AddUser(dn string, attrs map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, directory.Entry{DN: dn, Attributes: attrs})
}

// RemoveUser deletes the entry with dn.
func (f *FakeDirectory) RemoveUser(dn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, u := range f.users {
		if strings.EqualFold(u.DN, dn) {
			f.users = append(f.users[:i], f.users[i+1:]...)
			return
		}
	}
}

// AddGroup adds a groupOfNames whose members are DNs. A member may be
// another group's DN, which only the in-chain matching rule follows.
func (f *FakeDirectory) AddGroup(dn string, members ...string) {
	f.AddGroupWithSchema(GroupOfNames, dn, members...)
}

// AddGroupWithSchema adds a group of the given schema. Posix group members
// are usernames.
func (f *FakeDirectory) AddGroupWithSchema(schema Schema, dn string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cn := dn
	if i := strings.IndexByte(dn, ','); i > 0 {
		cn = strings.TrimPrefix(strings.TrimPrefix(dn[:i], "cn="), "CN=")
	}
	f.groups = append(f.groups, &group{dn: dn, cn: cn, schema: schema, members: members})
}

// RemoveMember drops member from the group with groupDN.
func (f *FakeDirectory) RemoveMember(groupDN, member string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if !strings.EqualFold(g.dn, groupDN) {
			continue
		}
		for i, m := range g.members {
			if strings.EqualFold(m, member) {
				g.members = append(g.members[:i], g.members[i+1:]...)
				return
			}
		}
	}
}

// RequirePassword makes binds fail with invalid credentials unless password matches.
func (f *FakeDirectory) RequirePassword(password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = password
}

// FailNextDials makes the next n dials fail as unreachable.
func (f *FakeDirectory) FailNextDials(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = n
}

// SetDown makes every dial fail until called again with false.
func (f *FakeDirectory) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Hold blocks every search until the returned release func is called
// or the connection is closed.
func (f *FakeDirectory) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Dials returns the number of connection attempts, successful or not.
func (f *FakeDirectory) Dials() int { return int(f.dials.Load()) }

// Searches returns the number of searches served.
func (f *FakeDirectory) Searches() int { return int(f.searches.Load()) }

// Binds returns the number of bind requests.
func (f *FakeDirectory) Binds() int { return int(f.binds.Load()) }

// StartTLSCalls returns the number of StartTLS upgrades.
func (f *FakeDirectory) StartTLSCalls() int { return int(f.startTLS.Load()) }

// OpenConns returns the number of connections not yet closed.
func (f *FakeDirectory) OpenConns() int { return int(f.open.Load()) }

// Dialer returns a directory.Dialer connected to f.
func (f *FakeDirectory) Dialer() directory.Dialer {
	return directory.DialerFunc(func(ctx context.Context, _ directory.Endpoint) (directory.Conn, error) {
		f.dials.Add(1)
		f.mu.Lock()
		fail := f.down || f.failing > 0
		if f.failing > 0 {
			f.failing--
		}
		f.mu.Unlock()
		if fail {
			return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused"))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.open.Add(1)
		return &conn{dir: f, closed: make(chan struct{})}, nil
	})
}

type conn struct {
	dir       *FakeDirectory
	closeOnce sync.Once
	closed    chan struct{}
}

var _ directory.Conn = (*conn)(nil)

func (c *conn) Bind(username, password string) error {
	c.dir.binds.Add(1)
	c.dir.mu.Lock()
	want := c.dir.password
	c.dir.mu.Unlock()
	if want != "" && password != want {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *conn) StartTLS(*tls.Config) error {
	c.dir.startTLS.Add(1)
	return nil
}

func (c *conn) SetTimeout(time.Duration) {}

func (c *conn) Unbind() error {
	return c.Close()
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.dir.open.Add(-1)
	})
	return nil
}

func (c *conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.searches.Add(1)

	c.dir.mu.Lock()
	hold := c.dir.hold
	c.dir.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-c.closed:
			return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
		}
	}

	select {
	case <-c.closed:
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
	default:
	}

	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	entries, found := c.dir.match(req)
	if !found {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}

	result := &ldap.SearchResult{}
	for _, e := range entries {
		result.Entries = append(result.Entries, ldap.NewEntry(e.DN, e.Attributes))
	}
	if req.SizeLimit > 0 && len(result.Entries) > req.SizeLimit {
		result.Entries = result.Entries[:req.SizeLimit]
		return result, ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}
	return result, nil
}

// match evaluates req. found is false when a base-object search names an
// unknown DN.
func (f *FakeDirectory) match(req *ldap.SearchRequest) (entries []directory.Entry, found bool) {
	isGroupSearch := strings.HasPrefix(req.Filter, "(&(objectClass=")

	if req.Scope == ldap.ScopeBaseObject {
		for _, g := range f.groups {
			if strings.EqualFold(g.dn, req.BaseDN) {
				if f.hasMember(g, req.Filter) {
					return []directory.Entry{g.entry()}, true
				}
				return nil, true
			}
		}
		for _, u := range f.users {
			if strings.EqualFold(u.DN, req.BaseDN) {
				return []directory.Entry{u}, true
			}
		}
		return nil, false
	}

	if isGroupSearch {
		for _, g := range f.groups {
			if underBase(g.dn, req.BaseDN) && f.hasMember(g, req.Filter) {
				entries = append(entries, g.entry())
			}
		}
		return entries, true
	}

	for _, u := range f.users {
		if underBase(u.DN, req.BaseDN) && userMatches(u, req.Filter) {
			entries = append(entries, u)
		}
	}
	return entries, true
}

// assertion is a parsed group search filter of the form
// "(&(objectClass=<class>)(<attr>[:<rule>:]=<value>))".
type assertion struct {
	objectClass string
	attribute   string
	rule        string
	value       string
}

// parseGroupFilter understands the filters the resolver sends for groups.
// Values are filter-escaped, so the last '(' opens the member assertion.
func parseGroupFilter(filter string) (assertion, bool) {
	var a assertion
	const prefix = "(&(objectClass="
	if !strings.HasPrefix(filter, prefix) || !strings.HasSuffix(filter, "))") {
		return a, false
	}
	rest := filter[len(prefix):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return a, false
	}
	a.objectClass = rest[:end]

	open := strings.LastIndexByte(filter, '(')
	inner := strings.TrimSuffix(filter[open+1:], "))")
	lhs, value, ok := strings.Cut(inner, "=")
	if !ok {
		return a, false
	}
	a.value = value
	if strings.HasSuffix(lhs, ":") {
		parts := strings.Split(strings.TrimSuffix(lhs, ":"), ":")
		if len(parts) != 2 {
			return a, false
		}
		a.attribute, a.rule = parts[0], parts[1]
	} else {
		a.attribute = lhs
	}
	return a, true
}

// hasMember evaluates a group filter against g. The object class and the
// member attribute must match the group's schema, and the only extensible
// match understood is the in-chain rule on member.
func (f *FakeDirectory) hasMember(g *group, filter string) bool {
	a, ok := parseGroupFilter(filter)
	if !ok {
		return false
	}
	if !strings.EqualFold(a.objectClass, g.schema.ObjectClass) || !strings.EqualFold(a.attribute, g.schema.Attribute) {
		return false
	}
	switch a.rule {
	case "":
		return g.directMember(a.value)
	case inChainRule:
		if !strings.EqualFold(a.attribute, "member") {
			return false
		}
		return f.chainMember(g, a.value, map[string]bool{})
	default:
		return false
	}
}

func (g *group) directMember(escaped string) bool {
	for _, m := range g.members {
		if strings.EqualFold(ldap.EscapeFilter(m), escaped) {
			return true
		}
	}
	return false
}

func (f *FakeDirectory) chainMember(g *group, escaped string, seen map[string]bool) bool {
	key := strings.ToLower(g.dn)
	if seen[key] {
		return false
	}
	seen[key] = true
	if g.directMember(escaped) {
		return true
	}
	for _, m := range g.members {
		for _, sub := range f.groups {
			if strings.EqualFold(sub.dn, m) && sub.schema == g.schema && f.chainMember(sub, escaped, seen) {
				return true
			}
		}
	}
	return false
}

func (g *group) entry() directory.Entry {
	return directory.Entry{DN: g.dn, Attributes: map[string][]string{"cn": {g.cn}}}
}

func userMatches(u directory.Entry, filter string) bool {
	for name, values := range u.Attributes {
		for _, v := range values {
			if strings.Contains(filter, "("+name+"="+ldap.EscapeFilter(v)+")") {
				return true
			}
		}
	}
	return false
}

func underBase(dn, base string) bool {
	return strings.HasSuffix(strings.ToLower(dn), strings.ToLower(base))
}
