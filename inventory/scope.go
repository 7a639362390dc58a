package inventory

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

type Kind string

const (
	KindUser Kind = "user"
	KindOrg  Kind = "org"
)

// Scope selects which account's repositories are listed.
type Scope struct {
	Kind Kind
	// Name of the account, also used as dir name under the backup root
	Name string
	// Endpoint is the API path relative to the API base URL
	Endpoint string
	// filter parameter distinguishing owned repos from all org repos
	FilterKey   string
	FilterValue string
}

// UserScope lists repositories owned by the authenticated user
func UserScope(name string) Scope {
	return Scope{
		Kind:        KindUser,
		Name:        name,
		Endpoint:    "user/repos",
		FilterKey:   "affiliation",
		FilterValue: "owner",
	}
}

// OrgScope lists all repositories of the organization
func OrgScope(name string) Scope {
	return Scope{
		Kind:        KindOrg,
		Name:        name,
		Endpoint:    fmt.Sprintf("orgs/%s/repos", url.PathEscape(name)),
		FilterKey:   "type",
		FilterValue: "all",
	}
}

// ParseScope parses 'user:<name>' or 'org:<name>'
func ParseScope(s string) (Scope, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Scope{}, fmt.Errorf("invalid scope %q, must be 'user:<name>' or 'org:<name>'", s)
	}
	switch Kind(kind) {
	case KindUser:
		return UserScope(name), nil
	case KindOrg:
		return OrgScope(name), nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q, must be one of %s, %s", kind, KindUser, KindOrg)
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.Name
}

// Inventory maps repository name to its clone URL
type Inventory map[string]string

// Names returns repository names in sorted order
func (inv Inventory) Names() []string {
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
