// Package tenant derives the package/owner pair a call is scoped to from
// request context. Resolution is a pure function of the request: it is cheap
// to recompute and must reflect the live request, so nothing is cached.
package tenant

import (
	"net/http"
	"regexp"
)

// Config for the resolver. Defaults can be loaded via envdecode.
type Config struct {
	// Override names the tenant to use when the request itself carries no
	// tenant markers. ENV: SIGYL_PACKAGE_NAME
	Override string `env:"SIGYL_PACKAGE_NAME"`
	// Fallback is returned when every other strategy fails. Leave empty to
	// make resolution fail instead. ENV: SIGYL_PACKAGE_FALLBACK
	Fallback string `env:"SIGYL_PACKAGE_FALLBACK"`
}

var (
	pathPattern    = regexp.MustCompile(`^/@([^/]+)/([^/]+)`)
	hostPattern    = regexp.MustCompile(`sigyl-mcp-([a-z0-9]+)-([a-z0-9]+)`)
	refererPattern = regexp.MustCompile(`/@([^/]+)/([^/?#]+)`)
)

// Resolver maps a request to a tenant identifier of the form "owner/repo".
type Resolver struct {
	override string
	fallback string
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{override: cfg.Override, fallback: cfg.Fallback}
}

// Resolve attempts, in order: the request path (/@owner/repo/...), the host
// name (sigyl-mcp-owner-repo...), the Referer header, the configured
// override, and the configured fallback. It reports ok=false only when every
// strategy fails.
func (r *Resolver) Resolve(req *http.Request) (string, bool) {
	if m := pathPattern.FindStringSubmatch(req.URL.Path); m != nil {
		return m[1] + "/" + m[2], true
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if m := hostPattern.FindStringSubmatch(host); m != nil {
		return m[1] + "/" + m[2], true
	}

	if referer := req.Header.Get("Referer"); referer != "" {
		if m := refererPattern.FindStringSubmatch(referer); m != nil {
			return m[1] + "/" + m[2], true
		}
	}

	if r.override != "" {
		return r.override, true
	}
	if r.fallback != "" {
		return r.fallback, true
	}
	return "", false
}
