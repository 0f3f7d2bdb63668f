// Package route classifies intercepted requests into caching strategies.
//
// Classification is an ordered list of rules evaluated first-match-wins. The
// order is part of the policy: a script served from an identity CDN matches
// both the static-asset and the network-first rule and is treated as a
// static asset because that rule comes first.
package route

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/air-gapped/quizwise/internal/config"
)

// Strategy names a request resolution policy.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	NetworkOnly          Strategy = "network-only"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Rule pairs a predicate with the strategy used when it matches.
type Rule struct {
	Name     string
	Strategy Strategy
	Match    func(u *url.URL) bool
}

// Rule names of the catalog router.
const (
	RuleStaticAsset  = "static-asset"
	RuleNetworkFirst = "network-first"
	RuleAPI          = "api"
	RuleDefault      = "default"
)

// Router evaluates rules in order.
type Router struct {
	rules          []Rule
	fallback       Rule
	ignoredSchemes map[string]bool
}

// NewRouter creates a router from explicit rules. Requests no rule matches
// use fallback. URLs whose scheme is in ignoredSchemes are never intercepted.
func NewRouter(rules []Rule, fallback Strategy, ignoredSchemes []string) *Router {
	r := &Router{
		rules:          append([]Rule(nil), rules...),
		fallback:       Rule{Name: RuleDefault, Strategy: fallback},
		ignoredSchemes: make(map[string]bool, len(ignoredSchemes)),
	}
	for _, s := range ignoredSchemes {
		r.ignoredSchemes[strings.ToLower(strings.TrimSuffix(s, ":"))] = true
	}
	return r
}

// New builds the catalog router: static assets, then network-first hosts,
// then API requests, falling back to stale-while-revalidate.
func New(c *config.Catalog) *Router {
	staticExt := make(map[string]bool, len(c.StaticExtensions))
	for _, ext := range c.StaticExtensions {
		staticExt[strings.ToLower(ext)] = true
	}
	staticHosts := ParseHostList(c.StaticHosts)
	apiHosts := ParseHostList(c.APIHosts)
	networkFirst := append([]string(nil), c.NetworkFirst...)
	apiSegments := append([]string(nil), c.APISegments...)

	rules := []Rule{
		{
			Name:     RuleStaticAsset,
			Strategy: CacheFirst,
			Match: func(u *url.URL) bool {
				return staticExt[strings.ToLower(path.Ext(u.Path))] || staticHosts.Match(u.Host)
			},
		},
		{
			Name:     RuleNetworkFirst,
			Strategy: NetworkFirst,
			Match: func(u *url.URL) bool {
				s := u.String()
				for _, p := range networkFirst {
					if strings.Contains(s, p) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:     RuleAPI,
			Strategy: NetworkOnly,
			Match: func(u *url.URL) bool {
				for _, seg := range apiSegments {
					if strings.Contains(u.Path, seg) {
						return true
					}
				}
				return apiHosts.Match(u.Host)
			},
		},
	}
	return NewRouter(rules, StaleWhileRevalidate, c.IgnoredSchemes)
}

// Match returns the rule that applies to a request. It returns false for
// requests that are not intercepted at all: anything but GET, and ignored
// schemes. No rule is evaluated for those.
func (r *Router) Match(method string, u *url.URL) (Rule, bool) {
	if method != http.MethodGet {
		return Rule{}, false
	}
	if r.ignoredSchemes[strings.ToLower(u.Scheme)] {
		return Rule{}, false
	}
	for _, rule := range r.rules {
		if rule.Match(u) {
			return rule, true
		}
	}
	return r.fallback, true
}

// Classify returns the strategy for a request, or false if it passes through.
func (r *Router) Classify(method string, u *url.URL) (Strategy, bool) {
	rule, ok := r.Match(method, u)
	return rule.Strategy, ok
}

// Rules returns the ordered rules followed by the fallback.
func (r *Router) Rules() []Rule {
	return append(append([]Rule(nil), r.rules...), r.fallback)
}
