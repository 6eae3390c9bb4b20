// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package route implements the static path-prefix-to-upstream mapping
// consulted by the connection state machine when forwarding a plain
// (non-CONNECT) request (spec §4.3). The table is immutable after
// construction and requires no locking (spec §5).
package route

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-core-stack/codegate-proxy/pkg/config"
)

// Table is an ordered, immutable set of route entries.
type Table struct {
	routes []config.Route
}

// New builds a Table from the configured routes, preserving declaration
// order for prefix-match iteration.
func New(routes []config.Route) *Table {
	cp := make([]config.Route, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// Resolve maps an inbound path to an upstream URL, trying an exact match
// first and then the longest prefix match in declaration order, joining
// the path remainder onto the route's upstream and collapsing any double
// slash at the join (spec §4.3).
func (t *Table) Resolve(path string) (*url.URL, bool) {
	for _, r := range t.routes {
		if r.PathPrefix == path {
			return r.UpstreamURL, true
		}
	}

	var best *config.Route
	for i := range t.routes {
		r := &t.routes[i]
		if strings.HasPrefix(path, r.PathPrefix) {
			if best == nil || len(r.PathPrefix) > len(best.PathPrefix) {
				best = r
			}
		}
	}
	if best == nil {
		return nil, false
	}

	remainder := strings.TrimPrefix(path, best.PathPrefix)
	return joinPath(best.UpstreamURL, remainder), true
}

// joinPath appends remainder to base's path, collapsing a doubled slash
// at the seam.
func joinPath(base *url.URL, remainder string) *url.URL {
	joined := *base
	basePath := strings.TrimSuffix(joined.Path, "/")
	remainder = strings.TrimPrefix(remainder, "/")
	if remainder == "" {
		joined.Path = basePath
	} else {
		joined.Path = fmt.Sprintf("%s/%s", basePath, remainder)
	}
	return &joined
}

// ResolveHint parses the operator-supplied proxy-ep directive (spec §6:
// "proxy-ep=<host[:port]>"), defaulting the scheme to https:// when
// absent, bypassing the table entirely for the request that carries it.
func ResolveHint(hint string) (*url.URL, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil, fmt.Errorf("empty proxy-ep hint")
	}
	if !strings.Contains(hint, "://") {
		hint = "https://" + hint
	}
	return url.Parse(hint)
}

// ExtractProxyEndpointHint scans a semicolon-separated Authorization
// header value for a proxy-ep= directive (spec §6).
func ExtractProxyEndpointHint(authorization string) (string, bool) {
	for _, part := range strings.Split(authorization, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "proxy-ep="); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
