package query

import (
	"strings"

	"github.com/pesto-garden/pesto-sync/internal/document"
)

// Selector is a compiled boolean filter over documents.
type Selector func(d *document.Document) bool

// All matches every document.
func All() Selector {
	return func(*document.Document) bool { return true }
}

// Nothing matches no document.
func Nothing() Selector {
	return func(*document.Document) bool { return false }
}

// And matches when every child matches. Zero children match everything.
func And(children ...Selector) Selector {
	return func(d *document.Document) bool {
		for _, c := range children {
			if !c(d) {
				return false
			}
		}
		return true
	}
}

// Or matches when any child matches. Zero children match nothing.
func Or(children ...Selector) Selector {
	return func(d *document.Document) bool {
		for _, c := range children {
			if c(d) {
				return true
			}
		}
		return false
	}
}

// HasTag matches documents whose tags contain the given (lowercase) name.
func HasTag(name string) Selector {
	return func(d *document.Document) bool {
		for _, t := range d.Tags {
			if t == name {
				return true
			}
		}
		return false
	}
}

// HasType matches documents of the given type.
func HasType(t document.Type) Selector {
	return func(d *document.Document) bool { return d.Type == t }
}

// MemberOf matches documents referencing the given collection id.
func MemberOf(collectionID string) Selector {
	return func(d *document.Document) bool {
		return d.Col != nil && *d.Col == collectionID
	}
}

// containsText matches a case-insensitive substring against the title, the
// text-fragment content, or any todo item's text.
func containsText(needle string) Selector {
	return func(d *document.Document) bool {
		if d.Title != nil && strings.Contains(strings.ToLower(*d.Title), needle) {
			return true
		}
		if d.Fragments.Text != nil &&
			strings.Contains(strings.ToLower(d.Fragments.Text.Content), needle) {
			return true
		}
		if d.Fragments.Todolist != nil {
			for _, todo := range d.Fragments.Todolist.Todos {
				if strings.Contains(strings.ToLower(todo.Text), needle) {
					return true
				}
			}
		}
		return false
	}
}

func tokenSelectors(tokens []Token) []Selector {
	var out []Selector
	for _, tok := range tokens {
		switch tok.Type {
		case TokenIs:
			switch tok.Value {
			case "todo":
				out = append(out, func(d *document.Document) bool { return d.Fragments.Todolist != nil })
			case "subtask":
				out = append(out, func(d *document.Document) bool {
					return d.Fragments.Todolist != nil && len(d.Fragments.Todolist.Todos) >= 2
				})
			case "done":
				out = append(out, func(d *document.Document) bool {
					return d.Fragments.Todolist != nil && d.Fragments.Todolist.Done
				})
			case "text":
				out = append(out, func(d *document.Document) bool { return d.Fragments.Text != nil })
			case "form":
				out = append(out, func(d *document.Document) bool { return d.Fragments.Form != nil })
			}
		case TokenTag:
			out = append(out, HasTag(tok.Value))
		case TokenForm:
			value := tok.Value
			out = append(out, func(d *document.Document) bool {
				return d.Fragments.Form != nil && d.Fragments.Form.ID != nil &&
					strings.ToLower(*d.Fragments.Form.ID) == value
			})
		case TokenStarred:
			want := tok.Value == "true"
			out = append(out, func(d *document.Document) bool { return d.Starred == want })
		case TokenColumn:
			n, ok := columnValue(tok.Value)
			if !ok {
				out = append(out, Nothing())
				continue
			}
			out = append(out, func(d *document.Document) bool {
				return d.Fragments.Todolist != nil && d.Fragments.Todolist.Column == n
			})
		case TokenText:
			out = append(out, containsText(tok.Value))
		}
	}
	return out
}
