// Package rewrite relocates root-relative URLs in HTML, JavaScript and CSS
// under a mount prefix.
//
// Every supported reference syntax is an explicit Rule. New syntax needs a
// new rule rather than a broader pattern.
package rewrite

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
)

type Kind int

const (
	Opaque Kind = iota
	HTML
	JS
	CSS
)

func (k Kind) String() string {
	switch k {
	case HTML:
		return "html"
	case JS:
		return "js"
	case CSS:
		return "css"
	default:
		return "opaque"
	}
}

// Classify maps a Content-Type header value to a Kind.
func Classify(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return HTML
	case mt == "text/css":
		return CSS
	case strings.Contains(mt, "javascript") || strings.Contains(mt, "ecmascript"):
		return JS
	default:
		return Opaque
	}
}

// Rule prefixes the URL captured by the second group of Pattern. The first
// group is the lead-in (tag, keyword, quote) and is left untouched.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

var HTMLRules = []Rule{
	{Name: "script-src", Pattern: regexp.MustCompile(`(?i)(<script\b[^>]*?\ssrc\s*=\s*["']\s*)(/[^"'\s>]*)`)},
	{Name: "link-href", Pattern: regexp.MustCompile(`(?i)(<link\b[^>]*?\shref\s*=\s*["']\s*)(/[^"'\s>]*)`)},
	{Name: "img-src", Pattern: regexp.MustCompile(`(?i)(<img\b[^>]*?\ssrc\s*=\s*["']\s*)(/[^"'\s>]*)`)},
	{Name: "a-href", Pattern: regexp.MustCompile(`(?i)(<a\b[^>]*?\shref\s*=\s*["']\s*)(/[^"'\s>]*)`)},
	// dev-server client scripts referenced from inline modules
	{Name: "bundler-client", Pattern: regexp.MustCompile(`(["'])(/@(?:vite|react-refresh|id|fs)\b[^"']*)`)},
}

var JSRules = []Rule{
	{Name: "from", Pattern: regexp.MustCompile(`(\bfrom\s*["'])(/[^"']*)`)},
	{Name: "import", Pattern: regexp.MustCompile(`(\bimport\s*\(?\s*["'])(/[^"']*)`)},
	{Name: "fetch", Pattern: regexp.MustCompile(`(\bfetch\(\s*["'])(/[^"']*)`)},
}

var CSSRules = []Rule{
	{Name: "url", Pattern: regexp.MustCompile(`(url\(\s*["']?)(/[^"')\s]*)`)},
}

// Rules returns the rule table for k.
func Rules(k Kind) []Rule {
	switch k {
	case HTML:
		return HTMLRules
	case JS:
		return JSRules
	case CSS:
		return CSSRules
	default:
		return nil
	}
}

// Body rewrites body for a route mounted at prefix. Root mounts and opaque
// content come back unchanged. Running Body twice gives the same result as
// running it once.
func Body(k Kind, body []byte, prefix string) []byte {
	if prefix == "" || prefix == "/" || k == Opaque {
		return body
	}
	for _, rule := range Rules(k) {
		body = rule.Apply(body, prefix)
	}
	if k == HTML {
		body = InjectBase(body, prefix)
	}
	return body
}

// Apply inserts prefix in front of every captured URL that is root-relative
// and not already under prefix.
func (r Rule) Apply(body []byte, prefix string) []byte {
	matches := r.Pattern.FindAllSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body
	}
	var out bytes.Buffer
	out.Grow(len(body) + len(matches)*len(prefix))
	last, changed := 0, false
	for _, m := range matches {
		start, end := m[4], m[5]
		if start < 0 || !needsPrefix(body[start:end], prefix) {
			continue
		}
		out.Write(body[last:start])
		out.WriteString(prefix)
		last, changed = start, true
	}
	if !changed {
		return body
	}
	out.Write(body[last:])
	return out.Bytes()
}

func needsPrefix(u []byte, prefix string) bool {
	if len(u) == 0 || u[0] != '/' {
		return false
	}
	// protocol-relative
	if len(u) > 1 && u[1] == '/' {
		return false
	}
	if bytes.HasPrefix(u, []byte(prefix)) {
		if len(u) == len(prefix) {
			return false
		}
		switch u[len(prefix)] {
		case '/', '?', '#':
			return false
		}
	}
	return true
}
