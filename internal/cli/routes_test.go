package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mountgw/internal/routes"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func routeFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return filepath.Join(dir, "routes-config.json")
}

func readRoutes(t *testing.T, file string) []routes.Route {
	t.Helper()
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var rs []routes.Route
	require.NoError(t, json.Unmarshal(data, &rs))
	return rs
}

func TestRoutesLifecycle(t *testing.T) {
	file := routeFile(t)

	out, err := run(t, "routes", "add", "/absen/", "http://localhost:5176", "--description", "attendance", "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "/absen -> http://localhost:5176")

	rs := readRoutes(t, file)
	require.Len(t, rs, 1)
	id := rs[0].ID
	assert.Equal(t, "/absen", rs[0].Path)
	assert.True(t, rs[0].Enabled)
	assert.True(t, rs[0].RewriteContent)

	_, err = run(t, "routes", "add", "/absen", "http://localhost:9999", "--routes-file", file)
	assert.ErrorIs(t, err, routes.ErrDuplicatePath)

	out, err = run(t, "routes", "update", id, "--rewrite=false", "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "passthrough")

	out, err = run(t, "routes", "toggle", id, "--routes-file", file)
	require.NoError(t, err)
	assert.Equal(t, "/absen is now disabled\n", out)

	out, err = run(t, "routes", "list", "--routes-file", file)
	require.NoError(t, err)
	assert.Equal(t, id+"\t/absen\thttp://localhost:5176\tdisabled\tpassthrough\tattendance\n", out)

	out, err = run(t, "routes", "rm", id, "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+id)
	assert.Empty(t, readRoutes(t, file))

	_, err = run(t, "routes", "toggle", id, "--routes-file", file)
	assert.ErrorIs(t, err, routes.ErrNotFound)
}

func TestRoutesUpdateRequiresAField(t *testing.T) {
	file := routeFile(t)
	_, err := run(t, "routes", "update", "x", "--routes-file", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestRoutesListJSONAndEmpty(t *testing.T) {
	file := routeFile(t)

	out, err := run(t, "routes", "list", "--json", "--routes-file", file)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	out, err = run(t, "routes", "ls", "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "No routes in "+file)
}

func TestRoutesListTableOnTerminal(t *testing.T) {
	prev := isTerminal
	isTerminal = func(io.Writer) bool { return true }
	t.Cleanup(func() { isTerminal = prev })

	file := routeFile(t)
	_, err := run(t, "routes", "add", "/absen", "http://localhost:5176", "--routes-file", file)
	require.NoError(t, err)

	out, err := run(t, "routes", "list", "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "PATH")
	assert.Contains(t, out, "/absen")
	assert.Contains(t, out, "http://localhost:5176")
}

func TestRoutesCheck(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	file := routeFile(t)
	data := fmt.Sprintf(`[
		{"id":"up","path":"/up","target":%q,"enabled":true},
		{"id":"down","path":"/down","target":"http://127.0.0.1:1","enabled":true},
		{"id":"off","path":"/off","target":"http://127.0.0.1:1","enabled":false}
	]`, up.URL)
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	out, err := run(t, "routes", "check", "up", "--routes-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "HTTP 204")

	out, err = run(t, "routes", "check", "--routes-file", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 routes unhealthy")
	assert.Contains(t, out, "unhealthy")
	assert.NotContains(t, out, "/off")

	_, err = run(t, "routes", "check", "missing", "--routes-file", file)
	assert.ErrorIs(t, err, routes.ErrNotFound)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mountgw "))
}

func TestConfigFlagMissingFileFails(t *testing.T) {
	routeFile(t)
	_, err := run(t, "routes", "list", "--config", "nope.yaml")
	assert.Error(t, err)
}
