package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mountgw/internal/routes"
)

type countingReloader struct {
	calls atomic.Int32
	err   error
}

func (c *countingReloader) Reload() (bool, error) {
	c.calls.Add(1)
	return c.err == nil, c.err
}

func TestTriggerCoalesces(t *testing.T) {
	tr := NewTrigger()
	tr.Fire()
	tr.Fire()
	tr.Fire()

	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, func() { n.Add(1) }) }()

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	tr.Fire()
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestZeroTriggerUsable(t *testing.T) {
	var tr Trigger
	assert.NotPanics(t, tr.Fire)
}

func TestPoll(t *testing.T) {
	var n atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = Poll{Every: 10 * time.Millisecond}.Run(ctx, func() { n.Add(1) }) }()
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)

	assert.Error(t, Poll{}.Run(context.Background(), func() {}))
}

func TestRunLogsReloadErrors(t *testing.T) {
	r := &countingReloader{err: errors.New("boom")}
	tr := NewTrigger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, r, nil, tr) }()

	tr.Fire()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestFileSourceReloadsStore(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "routes-config.json")
	require.NoError(t, os.WriteFile(file, []byte(`[]`), 0o644))

	store := routes.NewStore([]string{file}, nil)
	_, err := store.Reload()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &FileSource{Files: []string{file}, Debounce: 20 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- Run(ctx, store, nil, src) }()

	// the watch is registered asynchronously; keep rewriting until it lands
	body := `[{"id":"a","path":"/absen","target":"http://localhost:5176","enabled":true}]`
	require.Eventually(t, func() bool {
		_ = os.WriteFile(file, []byte(body), 0o644)
		_, ok := store.Snapshot().ByID("a")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestFileSourceIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "routes-config.json")
	var n atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	src := &FileSource{Files: []string{file}, Debounce: 10 * time.Millisecond}
	go func() { _ = src.Run(ctx, func() { n.Add(1) }) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))
	<-ctx.Done()
	assert.Equal(t, int32(0), n.Load())
}

func TestFileSourceMissingDirectory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	src := &FileSource{Files: []string{filepath.Join(t.TempDir(), "missing", "routes-config.json")}}
	assert.NoError(t, src.Run(ctx, func() {}))
}
