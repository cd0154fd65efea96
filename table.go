package gatex

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrNoRoute is returned by [RoutingTable.Route] when no rule matches
// the request. It maps to 404 at the HTTP boundary.
var ErrNoRoute = errors.New("no matching route")

// Rule is a single (host, prefix) -> upstream mapping inside a
// [RoutingTable]. It is read-only after the table is built.
type Rule struct {
	// Host is the exact hostname to match, empty matches any host.
	Host string `json:"host,omitempty"`
	// Prefix is the path prefix this rule matches.
	Prefix string `json:"prefix"`
	// Upstream is the configured upstream in its original form.
	Upstream string `json:"upstream"`
	// HTTPVersion is the protocol version used upstream, "1.1" or "2".
	HTTPVersion string `json:"http_version"`
	// Timeout bounds a forwarded request, zero means no per-rule deadline.
	Timeout time.Duration `json:"timeout,omitempty"`

	upstream *url.URL
	docIndex int
}

// Target is the routing decision for one request.
type Target struct {
	// Upstream is the parsed upstream address with a scheme.
	Upstream *url.URL
	// Path is the request path with the matched prefix stripped,
	// always starting with '/'.
	Path string
	// Rule is the matched rule.
	Rule *Rule
}

// RoutingTable is an immutable snapshot of routing rules. It is built
// once from a validated [Config], shared read-only by every in-flight
// request and replaced as a whole on reload, never mutated in place.
type RoutingTable struct {
	// Version increases by one on every published reload.
	Version int64 `json:"version"`
	// LoadedAt is when this snapshot was built.
	LoadedAt time.Time `json:"loaded_at"`

	rules  []*Rule
	byHost map[string][]*Rule // sorted by prefix length descending, stable
}

// NewRoutingTable flattens the server blocks of a validated [Config]
// into a routing table indexed by host. It returns an error for
// documents that were not validated first.
func NewRoutingTable(cfg *Config) (*RoutingTable, error) {
	t := &RoutingTable{
		LoadedAt: time.Now(),
		byHost:   make(map[string][]*Rule),
	}

	for _, srv := range cfg.Servers {
		for _, loc := range srv.Locations {
			u, err := parseUpstream(loc.Upstream)
			if err != nil {
				return nil, fmt.Errorf("rule host=%q prefix=%q: %w", srv.Host, loc.Prefix, err)
			}
			rule := &Rule{
				Host:        srv.Host,
				Prefix:      loc.Prefix,
				Upstream:    loc.Upstream,
				HTTPVersion: loc.HTTPVersion,
				Timeout:     loc.Timeout,
				upstream:    u,
				docIndex:    len(t.rules),
			}
			if rule.HTTPVersion == "" {
				rule.HTTPVersion = HTTPVersion11
			}
			t.rules = append(t.rules, rule)
			t.byHost[rule.Host] = append(t.byHost[rule.Host], rule)
		}
	}

	// Longer prefixes first; the stable sort keeps document order for
	// equal lengths, which makes exact-length ties deterministic
	// (first-declared wins).
	for _, rules := range t.byHost {
		sort.SliceStable(rules, func(i, j int) bool {
			return len(rules[i].Prefix) > len(rules[j].Prefix)
		})
	}

	return t, nil
}

// Route selects the rule for the given request host and path: among
// rules whose host is empty or equals host exactly, the longest prefix
// that is a prefix of path wins; exact-length ties go to the rule
// declared first in the document. It returns [ErrNoRoute] when nothing
// matches.
//
// Route is safe for unlimited concurrent calls, the table is read-only.
func (t *RoutingTable) Route(host, path string) (Target, error) {
	best := t.match(host, path)
	if wildcard := t.match("", path); wildcard != nil {
		if best == nil ||
			len(wildcard.Prefix) > len(best.Prefix) ||
			(len(wildcard.Prefix) == len(best.Prefix) && wildcard.docIndex < best.docIndex) {
			best = wildcard
		}
	}
	if best == nil {
		return Target{}, ErrNoRoute
	}

	return Target{
		Upstream: best.upstream,
		Path:     rewritePath(best.Prefix, path),
		Rule:     best,
	}, nil
}

// match returns the first (longest, earliest-declared) rule of the
// given host bucket matching path, or nil.
func (t *RoutingTable) match(host, path string) *Rule {
	for _, rule := range t.byHost[host] {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule
		}
	}
	return nil
}

// Len returns the number of rules in the table.
func (t *RoutingTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns the rules in document order. The slice is a copy, the
// rules themselves are shared and must not be modified.
func (t *RoutingTable) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// rewritePath strips the matched prefix from path and re-prefixes the
// remainder with '/' when needed, so "/app1/orders" under "/app1/"
// forwards as "/orders".
func rewritePath(prefix, path string) string {
	rest := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
