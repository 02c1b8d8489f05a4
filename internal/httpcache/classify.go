package httpcache

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is how a request is served.
type Strategy int

// Strategies, in classification priority order.
const (
	NetworkOnly Strategy = iota
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case NetworkOnly:
		return "network-only"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}

// Kind identifies one of the four cache partitions.
type Kind string

// Partition kinds.
const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindAPI     Kind = "api"
	KindImages  Kind = "images"
)

// Kinds lists every partition kind.
var Kinds = []Kind{KindStatic, KindDynamic, KindAPI, KindImages}

// Rules are the URL patterns used to classify requests.
type Rules struct {
	StaticPrefixes  []string
	IconPrefixes    []string
	ManifestPaths   []string
	APIPrefixes     []string
	ImagePrefixes   []string
	ImageExtensions []string
}

// DefaultRules returns the ShopSmart URL layout.
func DefaultRules() Rules {
	return Rules{
		StaticPrefixes:  []string{"/static/"},
		IconPrefixes:    []string{"/static/icons/", "/icons/"},
		ManifestPaths:   []string{"/static/manifest.json", "/manifest.json"},
		APIPrefixes:     []string{"/api/", "/app/lists/"},
		ImagePrefixes:   []string{"/img/", "/images/"},
		ImageExtensions: []string{".png", ".jpg", ".jpeg", ".svg", ".gif", ".webp"},
	}
}

// Decision is the outcome of classifying a request.
type Decision struct {
	Strategy Strategy
	Kind     Kind
}

// Classify picks the strategy and partition for an intercepted GET. The
// cross-origin check happens before this; rules are evaluated in priority
// order and the first match wins.
func (r Rules) Classify(req *http.Request) Decision {
	p := req.URL.Path

	if hasAnyPrefix(p, r.StaticPrefixes) || hasAnyPrefix(p, r.IconPrefixes) || contains(r.ManifestPaths, p) {
		return Decision{Strategy: CacheFirst, Kind: KindStatic}
	}
	if hasAnyPrefix(p, r.APIPrefixes) || acceptsJSON(req) {
		return Decision{Strategy: NetworkFirst, Kind: KindAPI}
	}
	if contains(r.ImageExtensions, strings.ToLower(path.Ext(p))) || hasAnyPrefix(p, r.ImagePrefixes) {
		return Decision{Strategy: StaleWhileRevalidate, Kind: KindImages}
	}
	return Decision{Strategy: NetworkFirst, Kind: KindDynamic}
}

func acceptsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// isNavigation reports a top-level page load. Browsers mark those with
// Sec-Fetch-Mode: navigate even when the Accept header is absent.
func isNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate" || acceptsHTML(req)
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func acceptsImage(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "image/")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
