package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	envFile := filepath.Join(dir, "routes-config.test.json")
	defFile := filepath.Join(dir, "routes-config.json")
	s := NewStore([]string{envFile, defFile}, nil)
	n := 0
	s.newID = func() string {
		n++
		return "route-" + string(rune('a'+n-1))
	}
	return s, dir
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, s.Snapshot().Len())
	assert.Equal(t, uint64(1), s.Snapshot().Generation)
}

func TestStoreMalformedAtStartupIsEmpty(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "routes-config.json"), "{not json")
	_, err := s.Reload()
	assert.True(t, errors.Is(err, ErrConfigLoad))
	assert.NotNil(t, s.Snapshot())
	assert.Equal(t, 0, s.Snapshot().Len())
}

func TestStoreMalformedReloadKeepsStaleTable(t *testing.T) {
	s, dir := newTestStore(t)
	file := filepath.Join(dir, "routes-config.json")
	writeFile(t, file, `[{"id":"a","path":"/absen","target":"http://localhost:5176","enabled":true}]`)
	_, err := s.Reload()
	require.NoError(t, err)
	before := s.Snapshot()

	writeFile(t, file, `[{"id":"a",`)
	changed, err := s.Reload()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Same(t, before, s.Snapshot())
}

func TestStorePrefersEnvFile(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "routes-config.json"), `[{"id":"d","path":"/d","target":"http://d:1","enabled":true}]`)
	writeFile(t, filepath.Join(dir, "routes-config.test.json"), `[{"id":"e","path":"/e","target":"http://e:1","enabled":true}]`)
	_, err := s.Reload()
	require.NoError(t, err)
	_, ok := s.Snapshot().ByID("e")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "routes-config.test.json"), s.ActivePath())
}

func TestStoreReloadUnchangedSkipsSwap(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "routes-config.json"), `[]`)
	_, err := s.Reload()
	require.NoError(t, err)
	calls := 0
	s.OnReload(func(*Table) { calls++ })
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, calls)
}

func TestStoreSkipsInvalidEntries(t *testing.T) {
	s, dir := newTestStore(t)
	writeFile(t, filepath.Join(dir, "routes-config.json"), `[
		{"id":"ok","path":"/ok/","target":"http://ok:1","enabled":true},
		{"id":"bad","path":"/bad","target":"","enabled":true}
	]`)
	_, err := s.Reload()
	require.NoError(t, err)
	rs := s.Snapshot().Routes()
	require.Len(t, rs, 1)
	assert.Equal(t, "/ok", rs[0].Path)
}

func TestStoreCreateWritesThenReloads(t *testing.T) {
	s, dir := newTestStore(t)
	_, err := s.Reload()
	require.NoError(t, err)

	var seen []*Table
	s.OnReload(func(tb *Table) { seen = append(seen, tb) })

	r, err := s.Create(Patch{Path: ptr("/absen/"), Target: ptr("http://localhost:5176")})
	require.NoError(t, err)
	assert.Equal(t, "route-a", r.ID)
	assert.Equal(t, "/absen", r.Path)
	assert.True(t, r.Enabled)
	assert.True(t, r.RewriteContent)

	require.Len(t, seen, 1)
	assert.Same(t, seen[0], s.Snapshot())
	got, ok := s.Snapshot().ByID("route-a")
	require.True(t, ok)
	assert.Equal(t, r, got)

	// saved to the first candidate since none existed
	data, err := os.ReadFile(filepath.Join(dir, "routes-config.test.json"))
	require.NoError(t, err)
	var onDisk []Route
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, []Route{r}, onDisk)
}

func TestStoreCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(Patch{Path: ptr("/absen")})
	assert.True(t, errors.Is(err, ErrInvalidRoute))

	_, err = s.Create(Patch{Path: ptr("/absen"), Target: ptr("http://localhost:5176")})
	require.NoError(t, err)
	_, err = s.Create(Patch{Path: ptr("/absen/"), Target: ptr("http://localhost:9999")})
	assert.True(t, errors.Is(err, ErrDuplicatePath))
	assert.Equal(t, 1, s.Snapshot().Len())
}

func TestStoreUpdateBlankPathOrTargetKeepsCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.Create(Patch{Path: ptr("/absen"), Target: ptr("http://localhost:5176")})
	require.NoError(t, err)

	updated, err := s.Update(a.ID, Patch{Path: ptr(""), Target: ptr("  "), Description: ptr("kept")})
	require.NoError(t, err)
	assert.Equal(t, "/absen", updated.Path)
	assert.Equal(t, "http://localhost:5176", updated.Target)
	assert.Equal(t, "kept", updated.Description)

	_, err = s.Create(Patch{Path: ptr(""), Target: ptr("http://localhost:9999")})
	assert.True(t, errors.Is(err, ErrInvalidRoute))
}

func TestStoreDuplicateAgainstDisabled(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(Patch{Path: ptr("/absen"), Target: ptr("http://a:1"), Enabled: ptr(false)})
	require.NoError(t, err)
	_, err = s.Create(Patch{Path: ptr("/absen"), Target: ptr("http://b:1")})
	assert.True(t, errors.Is(err, ErrDuplicatePath))
}

func TestStoreUpdateToggleDelete(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.Create(Patch{Path: ptr("/a"), Target: ptr("http://a:1")})
	require.NoError(t, err)
	b, err := s.Create(Patch{Path: ptr("/b"), Target: ptr("http://b:1")})
	require.NoError(t, err)

	updated, err := s.Update(a.ID, Patch{Description: ptr("first"), RewriteContent: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, "first", updated.Description)
	assert.False(t, updated.RewriteContent)
	assert.Equal(t, "/a", updated.Path)

	_, err = s.Update(a.ID, Patch{Path: ptr("/b")})
	assert.True(t, errors.Is(err, ErrDuplicatePath))

	toggled, err := s.Toggle(b.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)
	assert.Len(t, s.Snapshot().Enabled(), 1)

	removed, err := s.Delete(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)
	assert.Equal(t, 1, s.Snapshot().Len())

	for _, op := range []func() error{
		func() error { _, err := s.Update("nope", Patch{}); return err },
		func() error { _, err := s.Toggle("nope"); return err },
		func() error { _, err := s.Delete("nope"); return err },
	} {
		assert.True(t, errors.Is(op(), ErrNotFound))
	}
}

func TestStoreWriteFailureKeepsTable(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(Patch{Path: ptr("/a"), Target: ptr("http://a:1")})
	require.NoError(t, err)
	before := s.Snapshot()

	s.write = func(string, []Route) error {
		return fmt.Errorf("%w: disk full", ErrConfigWrite)
	}
	_, err = s.Create(Patch{Path: ptr("/b"), Target: ptr("http://b:1")})
	assert.True(t, errors.Is(err, ErrConfigWrite), "got %v", err)
	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, 1, s.Snapshot().Len())
}

func TestStoreCorruptFileRejectsMutation(t *testing.T) {
	s, dir := newTestStore(t)
	file := filepath.Join(dir, "routes-config.json")
	writeFile(t, file, "garbage")
	_, err := s.Create(Patch{Path: ptr("/a"), Target: ptr("http://a:1")})
	assert.True(t, errors.Is(err, ErrConfigLoad))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}

func TestStoreConcurrentMutations(t *testing.T) {
	s, _ := newTestStore(t)
	var mu sync.Mutex
	n := 0
	s.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return NewID()
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(Patch{Path: ptr("/p" + string(rune('a'+i))), Target: ptr("http://x:1")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, s.Snapshot().Len())
	assert.Equal(t, 10, n)
}
