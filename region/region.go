// Package region describes which parts of a database an observation depends
// on, and answers whether a change event touches them.
//
// A Region is immutable once built. Table names compare case-insensitively,
// like SQLite identifiers. Row-restricted regions rely on the rowid reported
// by the update hook, so WITHOUT ROWID tables can only be tracked as a whole
// (SQLite reports no events for them at all; see the db package).
package region

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/sqlwatch/db"
)

const patternCacheSize = 256

// tableRegion is nil-rows for "every row"
type tableRegion struct {
	rows map[int64]struct{}
}

type pattern struct {
	source string
	glob   glob.Glob
}

// Region is a set of tables, rows and table-name patterns
type Region struct {
	full     bool
	tables   map[string]*tableRegion
	patterns []pattern
	cache    *lru.Cache[string, bool]
}

// Empty returns a region no change can modify
func Empty() *Region {
	return &Region{tables: map[string]*tableRegion{}}
}

// FullDatabase returns a region modified by every change
func FullDatabase() *Region {
	return &Region{full: true, tables: map[string]*tableRegion{}}
}

// Tables returns a region covering every row of the named tables
func Tables(names ...string) *Region {
	r := Empty()
	for _, name := range names {
		r.tables[strings.ToLower(name)] = &tableRegion{}
	}
	return r
}

// Rows returns a region covering only the given rowids of one table
func Rows(table string, rowIDs ...int64) *Region {
	r := Empty()
	rows := make(map[int64]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		rows[id] = struct{}{}
	}
	r.tables[strings.ToLower(table)] = &tableRegion{rows: rows}
	return r
}

// Patterns returns a region covering every table whose name matches one of
// the glob patterns (gobwas/glob syntax, matched against the lowercased name)
func Patterns(patterns ...string) (*Region, error) {
	r := Empty()
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, pattern{source: p, glob: g})
	}
	if err := r.initCache(); err != nil {
		return nil, err
	}
	return r, nil
}

// Union returns a region modified whenever any of the given regions is
func Union(regions ...*Region) *Region {
	out := Empty()
	for _, r := range regions {
		if r == nil {
			continue
		}
		out.full = out.full || r.full
		for name, t := range r.tables {
			out.mergeTable(name, t)
		}
		out.patterns = append(out.patterns, r.patterns...)
	}
	if len(out.patterns) > 0 {
		// Cannot fail: patternCacheSize is positive
		_ = out.initCache()
	}
	return out
}

func (r *Region) mergeTable(name string, t *tableRegion) {
	existing, ok := r.tables[name]
	if !ok {
		r.tables[name] = t.clone()
		return
	}
	if existing.rows == nil || t.rows == nil {
		existing.rows = nil
		return
	}
	for id := range t.rows {
		existing.rows[id] = struct{}{}
	}
}

func (t *tableRegion) clone() *tableRegion {
	if t.rows == nil {
		return &tableRegion{}
	}
	rows := make(map[int64]struct{}, len(t.rows))
	for id := range t.rows {
		rows[id] = struct{}{}
	}
	return &tableRegion{rows: rows}
}

func (r *Region) initCache() error {
	cache, err := lru.New[string, bool](patternCacheSize)
	if err != nil {
		return err
	}
	r.cache = cache
	return nil
}

// IsEmpty reports whether no change can modify the region
func (r *Region) IsEmpty() bool {
	return !r.full && len(r.tables) == 0 && len(r.patterns) == 0
}

// IsModifiedByKind reports whether events of this kind may modify the region.
// It never returns false for a kind IsModifiedBy could accept.
func (r *Region) IsModifiedByKind(kind db.EventKind) bool {
	if r.full {
		return true
	}
	table := strings.ToLower(kind.Table)
	if _, ok := r.tables[table]; ok {
		return true
	}
	return r.matchesPattern(table)
}

// IsModifiedBy reports whether the event modifies the region
func (r *Region) IsModifiedBy(event db.Event) bool {
	if r.full {
		return true
	}
	table := strings.ToLower(event.Kind.Table)
	if t, ok := r.tables[table]; ok {
		if t.rows == nil {
			return true
		}
		if _, ok := t.rows[event.RowID]; ok {
			return true
		}
	}
	return r.matchesPattern(table)
}

func (r *Region) matchesPattern(table string) bool {
	if len(r.patterns) == 0 {
		return false
	}
	if matched, ok := r.cache.Get(table); ok {
		return matched
	}
	matched := false
	for _, p := range r.patterns {
		if p.glob.Match(table) {
			matched = true
			break
		}
	}
	r.cache.Add(table, matched)
	return matched
}

// String renders the region deterministically, e.g. "items(1,2),users,log_*"
func (r *Region) String() string {
	if r.full {
		return "full database"
	}
	if r.IsEmpty() {
		return "empty"
	}

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+len(r.patterns))
	for _, name := range names {
		t := r.tables[name]
		if t.rows == nil {
			parts = append(parts, name)
			continue
		}
		ids := make([]int64, 0, len(t.rows))
		for id := range t.rows {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = fmt.Sprint(id)
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", name, strings.Join(strs, ",")))
	}
	for _, p := range r.patterns {
		parts = append(parts, p.source)
	}
	return strings.Join(parts, ",")
}
