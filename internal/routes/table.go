package routes

import (
	"sort"
)

// Table is an immutable snapshot of the route file. A new Table is built
// for every reload and swapped in whole; callers must not mutate the slices
// it returns.
type Table struct {
	Generation uint64
	Source     string

	routes []Route
	// byLength holds enabled routes, longest path first, file order on ties.
	byLength []Route
}

func NewTable(generation uint64, source string, rs []Route) *Table {
	t := &Table{
		Generation: generation,
		Source:     source,
		routes:     append([]Route(nil), rs...),
	}
	for _, r := range t.routes {
		if r.Enabled {
			t.byLength = append(t.byLength, r)
		}
	}
	sort.SliceStable(t.byLength, func(i, j int) bool {
		return len(t.byLength[i].Path) > len(t.byLength[j].Path)
	})
	return t
}

// Routes returns every route in file order.
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	return append([]Route(nil), t.routes...)
}

// Enabled returns enabled routes in file order.
func (t *Table) Enabled() []Route {
	if t == nil {
		return nil
	}
	var out []Route
	for _, r := range t.routes {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

func (t *Table) ByID(id string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	for _, r := range t.routes {
		if r.ID == id {
			return r, true
		}
	}
	return Route{}, false
}

func (t *Table) candidates() []Route {
	if t == nil {
		return nil
	}
	return t.byLength
}
