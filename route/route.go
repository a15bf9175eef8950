// Package route maps inbound request paths onto repository coordinates and
// builds the path of the request forwarded to a repository endpoint.
//
// Paths follow the convention /{domain}/{owner}/{repository}/{subpath...} where
// owner is either the literal "default" or a 12 digit account id.
package route

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultOwner is the owner path segment that leaves the owner to be inferred
// from the caller identity.
const DefaultOwner = "default"

// ErrNotMatched is returned for request paths that do not address a repository.
var ErrNotMatched = errors.New("request path does not match repository pattern /<domain>/<domain-owner>/<repository>/*")

var pathPattern = regexp.MustCompile(
	`^/(?P<domain>[a-z0-9][a-z0-9-]{0,48}[a-z0-9])` +
		`/(?P<owner>` + regexp.QuoteMeta(DefaultOwner) + `|[0-9]{12})` +
		`/(?P<repository>[A-Za-z0-9][A-Za-z0-9._-]{1,99})` +
		`(?:/(?P<subpath>.*))?$`,
)

var (
	domainIdx     = pathPattern.SubexpIndex("domain")
	ownerIdx      = pathPattern.SubexpIndex("owner")
	repositoryIdx = pathPattern.SubexpIndex("repository")
	subpathIdx    = pathPattern.SubexpIndex("subpath")
)

// Coordinates identify the repository a request is addressed to.
type Coordinates struct {
	Domain string
	// Owner is empty when the request used the default owner segment. An empty
	// owner is a different cache identity than the explicit owner it resolves to.
	Owner      string
	Repository string
	// SubPath is the remainder of the request path inside the repository,
	// without a leading slash.
	SubPath string
}

// HasOwner reports whether the owner was given explicitly.
func (c Coordinates) HasOwner() bool {
	return c.Owner != ""
}

// Parse extracts repository coordinates from a raw (not decoded) request path
// without query string. It returns ErrNotMatched if the path does not follow
// the repository convention.
func Parse(path string) (Coordinates, error) {
	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return Coordinates{}, ErrNotMatched
	}

	owner := m[ownerIdx]
	if owner == DefaultOwner {
		owner = ""
	}

	return Coordinates{
		Domain:     m[domainIdx],
		Owner:      owner,
		Repository: m[repositoryIdx],
		SubPath:    m[subpathIdx],
	}, nil
}

// ForwardPath joins the base path of a repository endpoint with a sub-path,
// using exactly one separating slash, and appends the query if present.
func ForwardPath(basePath, subPath, query string) string {
	var b strings.Builder
	b.Grow(len(basePath) + len(subPath) + len(query) + 2)

	b.WriteString(strings.TrimRight(basePath, "/"))
	b.WriteByte('/')
	b.WriteString(strings.TrimLeft(subPath, "/"))
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}
