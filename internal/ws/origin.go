package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open sockets or call the
// JSON API. Requests without an Origin header are not from a browser page
// and always pass.
type originPolicy struct {
	origins       map[string]bool
	hosts         map[string]bool
	trustLoopback bool
}

// newOriginPolicy builds a policy from configured origins. With an empty
// list the request's own host is accepted, plus loopback pages when
// trustLoopback is set.
func newOriginPolicy(allowed []string, trustLoopback bool) *originPolicy {
	p := &originPolicy{
		origins:       make(map[string]bool),
		hosts:         make(map[string]bool),
		trustLoopback: trustLoopback,
	}
	for _, raw := range allowed {
		origin := strings.TrimSpace(raw)
		if origin == "" {
			continue
		}
		p.origins[origin] = true
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			p.hosts[u.Host] = true
		}
	}
	return p
}

func (p *originPolicy) allows(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.origins[origin] {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if len(p.origins) > 0 {
		return p.hosts[u.Host]
	}
	if u.Host == r.Host {
		return true
	}
	return p.trustLoopback && isLoopback(u.Hostname())
}

// guard rejects cross-origin requests with 403.
func (p *originPolicy) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.allows(r) {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
