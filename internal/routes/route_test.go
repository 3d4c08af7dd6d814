package routes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteUnmarshalDefaultsRewriteContent(t *testing.T) {
	var rs []Route
	body := `[
		{"id":"a","path":"/absen","target":"http://localhost:5176","enabled":true},
		{"id":"b","path":"/hmr","target":"http://localhost:5177","enabled":true,"rewriteContent":false}
	]`
	require.NoError(t, json.Unmarshal([]byte(body), &rs))
	require.Len(t, rs, 2)
	assert.True(t, rs[0].RewriteContent)
	assert.False(t, rs[1].RewriteContent)
	assert.Equal(t, "/absen", rs[0].Path)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/absen/":  "/absen",
		" /absen ": "/absen",
		"/":        "/",
		"///":      "/",
		"":         "",
		"/a/b//":   "/a/b",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePath(in), "input %q", in)
	}
}

func TestRouteValidate(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		ok    bool
	}{
		{"valid", Route{Path: "/absen", Target: "http://localhost:5176"}, true},
		{"https", Route{Path: "/", Target: "https://example.com"}, true},
		{"missing path", Route{Target: "http://localhost:5176"}, false},
		{"missing target", Route{Path: "/absen"}, false},
		{"relative path", Route{Path: "absen", Target: "http://localhost:5176"}, false},
		{"no scheme", Route{Path: "/absen", Target: "localhost:5176"}, false},
		{"ftp", Route{Path: "/absen", Target: "ftp://localhost"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidRoute), "got %v", err)
		})
	}
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		mount, path, want string
	}{
		{"/absen", "/absen/app.js", "/app.js"},
		{"/absen", "/absen", "/"},
		{"/absen", "/absenx", "/x"},
		{"/", "/foo", "/foo"},
		{"/a/b", "/a/b/c/d", "/c/d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripPrefix(tt.mount, tt.path), "%s %s", tt.mount, tt.path)
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.True(t, strings.HasPrefix(a, "route-"))
	assert.NotEqual(t, a, b)
}
