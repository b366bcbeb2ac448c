// Package schema owns the versioned document shape and the ordered chain of
// transforms that upgrade an old document to the current version.
package schema

import "sort"

// Migration upgrades a document body believed to be at version n-1 into one
// valid at version n. Migrations operate on the generic JSON-map form, must
// tolerate partially-migrated or malformed historical data, and never fail:
// unknown or missing nested structures pass through unchanged.
type Migration func(body map[string]any) map[string]any

// Engine applies migrations in strictly increasing order, one at a time,
// feeding each step's output into the next. It never persists anything; the
// store applies the result and updates the stored version marker.
type Engine struct {
	steps   map[int]Migration
	ordered []int
	current int
}

// NewEngine builds an engine from a migration table indexed by target
// version. The current version is the maximum key present.
func NewEngine(steps map[int]Migration) *Engine {
	e := &Engine{steps: steps}
	for v := range steps {
		e.ordered = append(e.ordered, v)
		if v > e.current {
			e.current = v
		}
	}
	sort.Ints(e.ordered)
	return e
}

// CurrentVersion is the version every stored document converges to.
func (e *Engine) CurrentVersion() int {
	return e.current
}

// Migrate upgrades body from the given version to the current one. Bodies
// already at or above the current version are returned unchanged.
func (e *Engine) Migrate(body map[string]any, from int) map[string]any {
	for _, v := range e.ordered {
		if v <= from {
			continue
		}
		body = e.steps[v](body)
	}
	return body
}
