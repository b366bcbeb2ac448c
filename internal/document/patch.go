package document

import (
	"encoding/json"
	"sort"
	"strings"
)

// Patch is a field-level merge patch keyed by dotted field paths, e.g.
// {"modified_at": ..., "fragments.text": TextFragment{...}}. Incremental
// updates apply patches so that concurrent writers touching different fields
// do not clobber each other.
type Patch map[string]any

// fieldRemoved marks a path for deletion inside a Patch.
type fieldRemoved struct{}

// Removed deletes the addressed field when applied.
var Removed = fieldRemoved{}

// Apply merges the patch into the JSON-map form of a document. Shorter paths
// are applied before their children so a patch can both create a nested
// structure and fill it in.
func (p Patch) Apply(body map[string]any) {
	paths := make([]string, 0, len(p))
	for k := range p {
		paths = append(paths, k)
	}
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})

	for _, path := range paths {
		applyField(body, strings.Split(path, "."), p[path])
	}
}

func applyField(m map[string]any, path []string, value any) {
	key := path[0]
	if len(path) == 1 {
		if _, ok := value.(fieldRemoved); ok {
			delete(m, key)
			return
		}
		m[key] = normalize(value)
		return
	}

	child, ok := m[key].(map[string]any)
	if !ok {
		if _, removed := value.(fieldRemoved); removed {
			return
		}
		child = map[string]any{}
		m[key] = child
	}
	applyField(child, path[1:], value)
}

// normalize converts arbitrary Go values (fragment structs, slices of
// strings, ...) into their generic JSON form so patched bodies stay uniform.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64, int, int64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}
