package rewrite

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// InjectBase inserts <base href="{prefix}/"> right after the opening <head>
// tag unless the document already declares a base. Documents without a
// head element are returned unchanged.
func InjectBase(body []byte, prefix string) []byte {
	at, ok := baseInsertOffset(body)
	if !ok {
		return body
	}
	tag := "\n  <base href=\"" + html.EscapeString(prefix) + "/\">"
	out := make([]byte, 0, len(body)+len(tag))
	out = append(out, body[:at]...)
	out = append(out, tag...)
	return append(out, body[at:]...)
}

// baseInsertOffset returns the byte offset just past the first <head> start
// tag, or false if there is no head or a <base> already exists.
func baseInsertOffset(body []byte) (int, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	offset, headEnd := 0, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) && headEnd >= 0 {
				return headEnd, true
			}
			return 0, false
		}
		offset += len(z.Raw())
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Base:
				return 0, false
			case atom.Head:
				if headEnd < 0 {
					headEnd = offset
				}
			case atom.Body:
				return headEnd, headEnd >= 0
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Head {
				return headEnd, headEnd >= 0
			}
		}
	}
}
