package route

import (
	"net"
	"strings"
)

// HostList matches hostnames against a set of entries. It supports two entry
// types: exact hostnames (with subdomain matching) and wildcard DNS patterns
// (*.example.com). Matching is case-insensitive and ignores ports.
//
// A nil HostList matches nothing.
type HostList struct {
	wildcards []string // stored as ".suffix" (e.g. ".gstatic.com" from "*.gstatic.com")
	exact     []string // lowercased hostnames
}

// ParseHostList builds a HostList from entries. Empty entries are skipped.
// Returns nil when no entry remains.
func ParseHostList(entries []string) *HostList {
	h := &HostList{}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			h.wildcards = append(h.wildcards, entry[1:]) // keep the dot
			continue
		}
		h.exact = append(h.exact, entry)
	}
	if len(h.exact) == 0 && len(h.wildcards) == 0 {
		return nil
	}
	return h
}

// ParseHostListString parses a comma-separated host list.
func ParseHostListString(raw string) *HostList {
	return ParseHostList(strings.Split(raw, ","))
}

// Match reports whether host (which may include a port) is in the list.
func (h *HostList) Match(host string) bool {
	if h == nil {
		return false
	}

	hostname := strings.ToLower(host)
	if name, _, err := net.SplitHostPort(host); err == nil {
		hostname = strings.ToLower(name)
	}

	for _, entry := range h.exact {
		if hostname == entry || strings.HasSuffix(hostname, "."+entry) {
			return true
		}
	}

	// *.example.com matches subdomains only, never example.com itself.
	for _, suffix := range h.wildcards {
		if strings.HasSuffix(hostname, suffix) && hostname != suffix[1:] {
			return true
		}
	}

	return false
}
