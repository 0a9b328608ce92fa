package agent

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the derived request classification.
type Class int

const (
	ClassOther Class = iota
	ClassStatic
	ClassAPI
	ClassNavigation
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// Strategy is one of the three delivery strategies.
type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "network-first"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Strategy maps a class to the strategy that serves it. Unclassified
// requests take network-first.
func (c Class) Strategy() Strategy {
	switch c {
	case ClassStatic:
		return CacheFirst
	case ClassNavigation:
		return StaleWhileRevalidate
	case ClassAPI, ClassOther:
		return NetworkFirst
	}
	panic(fmt.Sprintf("unhandled class %d", int(c)))
}

// Classifier is a pure function of the request URL, method and headers.
type Classifier struct {
	exts    map[string]struct{}
	paths   []string
	markers []string
	domains []string
}

func NewClassifier(cc ClassifyConfig) *Classifier {
	c := &Classifier{exts: make(map[string]struct{}, len(cc.StaticExtensions))}
	for _, e := range cc.StaticExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.exts[e] = struct{}{}
	}
	c.paths = cc.StaticPaths
	c.markers = cc.APIMarkers
	for _, d := range cc.BackendDomains {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
		if d != "" {
			c.domains = append(c.domains, d)
		}
	}
	return c
}

// Classify applies the precedence static > api > navigation > other.
func (c *Classifier) Classify(method string, u *url.URL, h http.Header) Class {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if c.isStatic(p) {
		return ClassStatic
	}
	if c.isAPI(p, u.Hostname()) {
		return ClassAPI
	}
	if isNavigation(method, h) {
		return ClassNavigation
	}
	return ClassOther
}

func (c *Classifier) isStatic(p string) bool {
	if _, ok := c.exts[strings.ToLower(path.Ext(p))]; ok {
		return true
	}
	for _, sp := range c.paths {
		if strings.HasPrefix(p, sp) {
			return true
		}
	}
	return false
}

func (c *Classifier) isAPI(p, host string) bool {
	for _, m := range c.markers {
		if strings.Contains(p, m) {
			return true
		}
	}
	host = strings.ToLower(host)
	for _, d := range c.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// isNavigation stands in for the browser's request mode: Sec-Fetch-Mode
// carries it when present, otherwise a GET that accepts HTML counts.
func isNavigation(method string, h http.Header) bool {
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return method == http.MethodGet && acceptsHTML(h)
}

func acceptsHTML(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Accept")), "text/html")
}

// isDocumentRequest reports whether a failed request should fall back to the
// cached root document.
func isDocumentRequest(method string, h http.Header) bool {
	if strings.EqualFold(h.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return isNavigation(method, h)
}

func isNetworkScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return true
	}
	return false
}
