package query

import (
	"strings"

	"github.com/pesto-garden/pesto-sync/internal/document"
)

// Compile turns a free-text query plus an optional smart-collection document
// into a selector.
//
// Commas separate alternative clauses (OR); within a clause, whitespace-split
// tokens all must match (AND). A collection restricts results to its members
// (col == collection.id), OR'd with whatever selector the collection's own
// data.query recursively compiles to, and that collection term ANDs against
// the free-text selector. An empty query with no collection matches
// everything.
func Compile(q string, collection *document.Document) Selector {
	if strings.TrimSpace(q) == "" && collection == nil {
		return All()
	}

	clauses := strings.Split(q, ",")
	ors := make([]Selector, 0, len(clauses))
	for _, clause := range clauses {
		ors = append(ors, And(tokenSelectors(Tokenize(clause))...))
	}
	selector := Or(ors...)

	if collection != nil {
		collectionTerm := []Selector{MemberOf(collection.ID)}
		if sub, ok := collection.Data["query"].(string); ok && strings.TrimSpace(sub) != "" {
			collectionTerm = append(collectionTerm, Compile(sub, nil))
		}
		selector = And(Or(collectionTerm...), selector)
	}

	return selector
}
