package directory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Search scopes, re-exported so callers need not import go-ldap.
const (
	ScopeBaseObject   = ldap.ScopeBaseObject
	ScopeSingleLevel  = ldap.ScopeSingleLevel
	ScopeWholeSubtree = ldap.ScopeWholeSubtree
)

// SearchRequest is one directory query.
type SearchRequest struct {
	BaseDN     string
	Scope      int
	Filter     string
	Attributes []string
	// SizeLimit of zero means no client-side limit.
	SizeLimit int
}

// Entry is a directory entry as returned by a search. It is never persisted.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

func entryFromLDAP(e *ldap.Entry) Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = append(attrs[a.Name], a.Values...)
	}
	return Entry{DN: e.DN, Attributes: attrs}
}

// Values returns all values of the named attribute. Attribute names are
// matched case-insensitively, as LDAP does.
func (e Entry) Values(name string) []string {
	if v, ok := e.Attributes[name]; ok {
		return v
	}
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// First returns the first value of the named attribute.
func (e Entry) First(name string) (string, bool) {
	v := e.Values(name)
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}
