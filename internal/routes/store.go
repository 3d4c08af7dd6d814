package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moby/sys/atomicwriter"
	"github.com/sirupsen/logrus"

	"mountgw/internal/logging"
)

// Store owns the route file and the current Table. The file is the source of
// truth: every mutation rewrites the file and then rebuilds the Table from it.
type Store struct {
	candidates []string
	log        logrus.FieldLogger
	newID      func() string
	write      func(path string, rs []Route) error

	current atomic.Pointer[Table]
	gen     atomic.Uint64

	// mu serialises reloads and mutations so hooks observe tables in order.
	mu       sync.Mutex
	lastPath string
	lastRaw  []byte
	hooks    []func(*Table)
}

// Patch carries optional route fields for Create and Update.
type Patch struct {
	Path           *string `json:"path,omitempty"`
	Target         *string `json:"target,omitempty"`
	Description    *string `json:"description,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	RewriteContent *bool   `json:"rewriteContent,omitempty"`
}

// NewStore reads routes from the first existing candidate file. Saves go to
// that file, or to the first candidate when none exists yet.
func NewStore(candidates []string, logger logrus.FieldLogger) *Store {
	s := &Store{
		candidates: append([]string(nil), candidates...),
		log:        logging.Component(logger, "store"),
		newID:      NewID,
		write:      writeRoutes,
	}
	s.current.Store(NewTable(0, "", nil))
	return s
}

// Snapshot returns the authoritative Table. It never returns nil.
func (s *Store) Snapshot() *Table {
	return s.current.Load()
}

// OnReload registers fn to run after every table swap. Hooks run with the
// store lock held and must not call back into Store mutations.
func (s *Store) OnReload(fn func(*Table)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// ActivePath is the file reads and writes go to.
func (s *Store) ActivePath() string {
	for _, c := range s.candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	if len(s.candidates) == 0 {
		return ""
	}
	return s.candidates[0]
}

// Paths lists every candidate file, for watchers.
func (s *Store) Paths() []string {
	return append([]string(nil), s.candidates...)
}

// Reload rebuilds the Table from disk. It reports whether a new Table was
// swapped in. A missing file yields an empty table. A malformed file keeps
// the current table, which is empty at startup.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() (bool, error) {
	path := s.ActivePath()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.WithError(err).WithField("file", path).Warn("route config unreadable, keeping current table")
		return false, fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}
	if err != nil {
		data = nil
	}
	if path == s.lastPath && bytes.Equal(data, s.lastRaw) && s.gen.Load() > 0 {
		return false, nil
	}
	var rs []Route
	if data != nil {
		rs, err = decodeRoutes(data)
		if err != nil {
			s.log.WithError(err).WithField("file", path).Warn("route config malformed, keeping current table")
			return false, fmt.Errorf("%w: %v", ErrConfigLoad, err)
		}
	} else {
		s.log.WithField("file", path).Warn("route config missing, serving empty table")
	}
	rs = s.sanitize(rs)

	t := NewTable(s.gen.Add(1), path, rs)
	s.current.Store(t)
	s.lastPath = path
	s.lastRaw = data
	s.log.WithFields(logrus.Fields{
		"file":       path,
		"routes":     t.Len(),
		"generation": t.Generation,
	}).Info("route table loaded")
	for _, fn := range s.hooks {
		fn(t)
	}
	return true, nil
}

// sanitize drops entries that cannot be served and normalises paths.
func (s *Store) sanitize(rs []Route) []Route {
	out := rs[:0]
	for _, r := range rs {
		r.Path = NormalizePath(r.Path)
		if err := r.Validate(); err != nil {
			s.log.WithError(err).WithField("id", r.ID).Warn("skipping route")
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) Create(p Patch) (Route, error) {
	r := Route{Enabled: true, RewriteContent: true}
	applyPatch(&r, p)
	r.Path = NormalizePath(r.Path)
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return s.mutate(func(rs []Route) ([]Route, Route, error) {
		if err := checkDuplicate(rs, r.Path, ""); err != nil {
			return nil, Route{}, err
		}
		r.ID = s.newID()
		return append(rs, r), r, nil
	})
}

func (s *Store) Update(id string, p Patch) (Route, error) {
	return s.mutate(func(rs []Route) ([]Route, Route, error) {
		i := indexOf(rs, id)
		if i < 0 {
			return nil, Route{}, ErrNotFound
		}
		r := rs[i]
		applyPatch(&r, p)
		r.Path = NormalizePath(r.Path)
		if err := r.Validate(); err != nil {
			return nil, Route{}, err
		}
		if err := checkDuplicate(rs, r.Path, id); err != nil {
			return nil, Route{}, err
		}
		rs[i] = r
		return rs, r, nil
	})
}

func (s *Store) Toggle(id string) (Route, error) {
	return s.mutate(func(rs []Route) ([]Route, Route, error) {
		i := indexOf(rs, id)
		if i < 0 {
			return nil, Route{}, ErrNotFound
		}
		rs[i].Enabled = !rs[i].Enabled
		return rs, rs[i], nil
	})
}

func (s *Store) Delete(id string) (Route, error) {
	return s.mutate(func(rs []Route) ([]Route, Route, error) {
		i := indexOf(rs, id)
		if i < 0 {
			return nil, Route{}, ErrNotFound
		}
		removed := rs[i]
		return append(rs[:i], rs[i+1:]...), removed, nil
	})
}

// mutate applies fn to the routes on disk, writes the result atomically and
// reloads. The in-memory table is untouched when the write fails.
func (s *Store) mutate(fn func([]Route) ([]Route, Route, error)) (Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.ActivePath()
	if path == "" {
		return Route{}, fmt.Errorf("%w: no route file configured", ErrConfigWrite)
	}
	var rs []Route
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if rs, err = decodeRoutes(data); err != nil {
			return Route{}, fmt.Errorf("%w: %s: %v", ErrConfigLoad, path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Route{}, fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}

	next, out, err := fn(rs)
	if err != nil {
		return Route{}, err
	}
	if err := s.write(path, next); err != nil {
		return Route{}, err
	}
	if _, err := s.reloadLocked(); err != nil {
		return Route{}, err
	}
	return out, nil
}

func writeRoutes(path string, rs []Route) error {
	if rs == nil {
		rs = []Route{}
	}
	b, err := json.MarshalIndent(rs, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	if err := atomicwriter.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	return nil
}

func decodeRoutes(data []byte) ([]Route, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rs []Route
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// applyPatch copies the set fields of p onto r. A blank path or target
// counts as unset and keeps the current value.
func applyPatch(r *Route, p Patch) {
	if p.Path != nil && strings.TrimSpace(*p.Path) != "" {
		r.Path = *p.Path
	}
	if p.Target != nil && strings.TrimSpace(*p.Target) != "" {
		r.Target = strings.TrimSpace(*p.Target)
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.RewriteContent != nil {
		r.RewriteContent = *p.RewriteContent
	}
}

func checkDuplicate(rs []Route, path, selfID string) error {
	for _, r := range rs {
		if r.ID != selfID && NormalizePath(r.Path) == path {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
		}
	}
	return nil
}

func indexOf(rs []Route, id string) int {
	for i, r := range rs {
		if r.ID == id {
			return i
		}
	}
	return -1
}
