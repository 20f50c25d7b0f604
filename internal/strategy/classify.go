// Package strategy decides how each intercepted request is resolved and
// runs the three resolution behaviors against the cache stores and the
// origin.
package strategy

import (
	"net/http"
	"path"
	"strings"
)

// Strategy names a caching policy.
type Strategy string

const (
	CacheFirst         Strategy = "cache_first"
	NetworkFirst       Strategy = "network_first"
	NavigationFallback Strategy = "navigation_fallback"
	// Passthrough is used for requests the selector is never consulted on.
	Passthrough Strategy = "passthrough"
)

// Logical store names.
const (
	StaticStore  = "static"
	DynamicStore = "dynamic"
)

// Decision is the outcome of classification. Store is the logical store the
// strategy runs against; it is empty for passthrough.
type Decision struct {
	Strategy Strategy
	Store    string
}

func (d Decision) Bypass() bool { return d.Strategy == Passthrough }

// Rules hold the route tables consulted by Classify.
type Rules struct {
	StaticExtensions []string
	StaticPrefixes   []string
	APIPrefixes      []string
}

// Classify maps a request shape to a strategy. First match wins:
// non-GET bypasses caching, static assets are cache-first, API prefixes are
// network-first, navigations fall back to the shell, and anything else is
// network-first against the dynamic store. Classify has no side effects.
func (r Rules) Classify(method, urlPath string, isNavigation bool) Decision {
	if !strings.EqualFold(method, http.MethodGet) {
		return Decision{Strategy: Passthrough}
	}
	if r.isStatic(urlPath) {
		return Decision{Strategy: CacheFirst, Store: StaticStore}
	}
	if hasAnyPrefix(urlPath, r.APIPrefixes) {
		return Decision{Strategy: NetworkFirst, Store: DynamicStore}
	}
	if isNavigation {
		return Decision{Strategy: NavigationFallback, Store: StaticStore}
	}
	return Decision{Strategy: NetworkFirst, Store: DynamicStore}
}

func (r Rules) isStatic(urlPath string) bool {
	if hasAnyPrefix(urlPath, r.StaticPrefixes) {
		return true
	}
	ext := strings.ToLower(path.Ext(urlPath))
	if ext == "" {
		return false
	}
	for _, want := range r.StaticExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether headers describe a full page load:
// Sec-Fetch-Mode: navigate, or an Accept header whose first preference is
// text/html.
func IsNavigation(method string, header http.Header) bool {
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	accept := header.Get("Accept")
	if accept == "" {
		return false
	}
	first := strings.TrimSpace(strings.SplitN(accept, ",", 2)[0])
	if i := strings.IndexByte(first, ';'); i >= 0 {
		first = strings.TrimSpace(first[:i])
	}
	return strings.EqualFold(first, "text/html")
}
