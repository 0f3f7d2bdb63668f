package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/air-gapped/quizwise/internal/config"
	"github.com/air-gapped/quizwise/internal/route"
)

// ParseUpstreamURL validates an absolute http(s) upstream URL.
func ParseUpstreamURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty upstream URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q: only http and https are allowed", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("missing host in upstream URL")
	}

	return u, nil
}

// ExtractUpstreamFromPath takes the request path (with leading /) and query string,
// returns the full upstream URL string.
// Go's ServeMux normalizes // to / via 301 redirect, so we also handle
// paths like /http:/host/path and /https:/host/path by restoring the double slash.
func ExtractUpstreamFromPath(path, rawQuery string) string {
	upstream := strings.TrimPrefix(path, "/")

	if strings.HasPrefix(upstream, "http:/") && !strings.HasPrefix(upstream, "http://") {
		upstream = "http://" + upstream[len("http:/"):]
	}
	if strings.HasPrefix(upstream, "https:/") && !strings.HasPrefix(upstream, "https://") {
		upstream = "https://" + upstream[len("https:/"):]
	}

	if rawQuery != "" {
		upstream += "?" + rawQuery
	}
	return upstream
}

// TargetURL maps a proxy request onto the URL the page asked for. Paths
// carrying an absolute URL target it; any other path targets the origin.
func TargetURL(origin *url.URL, path, rawQuery string) (*url.URL, error) {
	raw := ExtractUpstreamFromPath(path, rawQuery)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return ParseUpstreamURL(raw)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse request path: %w", err)
	}
	ref.RawQuery = rawQuery
	return origin.ResolveReference(ref), nil
}

// AllowedHosts builds the upstream gate. An explicit list always admits the
// origin too. Without one, the origin and every host the catalog names are
// admitted.
func AllowedHosts(origin *url.URL, allowed string, c *config.Catalog) *route.HostList {
	entries := []string{origin.Hostname()}
	if strings.TrimSpace(allowed) != "" {
		entries = append(entries, strings.Split(allowed, ",")...)
		return route.ParseHostList(entries)
	}

	entries = append(entries, c.StaticHosts...)
	entries = append(entries, c.APIHosts...)
	for _, raw := range append(append([]string(nil), c.NetworkFirst...), c.Precache...) {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			entries = append(entries, u.Hostname())
		}
	}
	return route.ParseHostList(entries)
}

// redactUpstream strips query, fragment, and userinfo from an upstream URL
// to avoid leaking tokens or credentials in headers and logs.
func redactUpstream(u *url.URL) string {
	r := *u
	r.User = nil
	r.RawQuery = ""
	r.Fragment = ""
	r.RawFragment = ""
	return r.String()
}
