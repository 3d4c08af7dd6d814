package routes

import (
	"net/http"
	"strings"
)

// Matcher resolves request paths against a Table. It holds only static
// configuration and is safe for concurrent use.
type Matcher struct {
	reserved     []string
	matchReferer bool
}

func NewMatcher(reserved []string, matchReferer bool) *Matcher {
	return &Matcher{
		reserved:     append([]string(nil), reserved...),
		matchReferer: matchReferer,
	}
}

// Reserved reports whether p belongs to the gateway's own surface or the host app.
func (m *Matcher) Reserved(p string) bool {
	for _, prefix := range m.reserved {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Match returns the enabled route with the longest path that prefixes p.
func (m *Matcher) Match(t *Table, p string) (Route, bool) {
	if m.Reserved(p) {
		return Route{}, false
	}
	for _, r := range t.candidates() {
		if strings.HasPrefix(p, r.Path) {
			return r, true
		}
	}
	return Route{}, false
}

// MatchRequest matches a plain HTTP request by path and, when enabled, by
// a Referer that names a mounted page.
func (m *Matcher) MatchRequest(t *Table, r *http.Request) (Route, bool) {
	if route, ok := m.Match(t, r.URL.Path); ok {
		return route, true
	}
	if !m.matchReferer || m.Reserved(r.URL.Path) {
		return Route{}, false
	}
	return containedIn(t, r.Header.Get("Referer"))
}

// MatchUpgrade matches a WebSocket upgrade by path, then by Origin. Dev
// servers open HMR sockets at the root, so the mount prefix only shows up
// in the Origin.
func (m *Matcher) MatchUpgrade(t *Table, r *http.Request) (Route, bool) {
	if route, ok := m.Match(t, r.URL.Path); ok {
		return route, true
	}
	if m.Reserved(r.URL.Path) {
		return Route{}, false
	}
	return containedIn(t, r.Header.Get("Origin"))
}

func containedIn(t *Table, header string) (Route, bool) {
	if header == "" {
		return Route{}, false
	}
	for _, r := range t.candidates() {
		if r.Path != "/" && strings.Contains(header, r.Path) {
			return r, true
		}
	}
	return Route{}, false
}
