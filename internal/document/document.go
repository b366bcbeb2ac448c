// Package document defines the unit of storage and replication: a typed,
// timestamped document with an optional type-specific fragment payload.
package document

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesto-garden/pesto-sync/internal/common"
)

// Type classifies a document kind.
type Type string

const (
	TypeNote       Type = "note"
	TypeSetting    Type = "setting"
	TypeForm       Type = "form"
	TypeCollection Type = "collection"
)

var validTypes = map[Type]struct{}{
	TypeNote:       {},
	TypeSetting:    {},
	TypeForm:       {},
	TypeCollection: {},
}

// Todo is a single item of a todolist fragment.
type Todo struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TextFragment holds free-form content.
type TextFragment struct {
	Content string `json:"content"`
}

// FormFragment links a note to a form definition and carries the values
// entered for it. Annotations are values derived from +name=value markers in
// the text content; they take precedence over stored form field values.
type FormFragment struct {
	ID          *string        `json:"id"`
	Data        map[string]any `json:"data"`
	Annotations map[string]any `json:"annotations"`
}

// TodolistFragment holds an ordered task list. Column is the board column the
// list lives in; -1 conventionally means done.
type TodolistFragment struct {
	Done   bool   `json:"done"`
	Column int    `json:"column"`
	Todos  []Todo `json:"todos"`
}

// Fragments is the type-specific payload of a document. A todolist never
// coexists with the other kinds; a form fragment may accompany text because
// annotations in the text content materialize into it.
type Fragments struct {
	Text     *TextFragment     `json:"text,omitempty"`
	Form     *FormFragment     `json:"form,omitempty"`
	Todolist *TodolistFragment `json:"todolist,omitempty"`
}

// Document is the unit of storage and replication.
//
// ModifiedAt is the sole signal used for conflict resolution and deletion
// propagation: every mutation, including soft-delete, must bump it.
type Document struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Col        *string        `json:"col"`
	Title      *string        `json:"title,omitempty"`
	Source     *string        `json:"source,omitempty"`
	Starred    bool           `json:"starred,omitempty"`
	CreatedAt  string         `json:"created_at"`
	ModifiedAt string         `json:"modified_at"`
	Tags       []string       `json:"tags"`
	Data       map[string]any `json:"data,omitempty"`
	Fragments  Fragments      `json:"fragments"`
	Deleted    bool           `json:"_deleted,omitempty"`

	// Content is set only on states travelling over the custom server wire,
	// which stores documents as opaque serialized JSON. Empty everywhere else.
	Content string `json:"content,omitempty"`
}

// Timestamp renders t in the ISO-8601 shape used for both document ids and
// modified_at values.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Now returns the current time as a document timestamp.
func Now() string {
	return Timestamp(time.Now())
}

// RandomID returns a short random identifier for synthetic entities such as
// collections, which must not collide with the timestamp ids used by notes.
func RandomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewNote builds an empty note; id is the creation timestamp by convention.
func NewNote() Document {
	now := Now()
	return Document{
		ID:         now,
		Type:       TypeNote,
		Col:        nil,
		CreatedAt:  now,
		ModifiedAt: now,
		Tags:       []string{},
		Fragments:  Fragments{},
	}
}

// NewForm builds an empty form definition document.
func NewForm() Document {
	d := NewNote()
	d.Type = TypeForm
	return d
}

// NewCollection builds a smart-collection document with a generated id and
// the default data payload.
func NewCollection() Document {
	d := NewNote()
	d.ID = RandomID()
	d.Type = TypeCollection
	title := "My collection"
	d.Title = &title
	d.Data = map[string]any{
		"query": nil,
		"emoji": "📋️",
	}
	return d
}

// NewTodo builds an empty todo item with a timestamp id.
func NewTodo() Todo {
	return Todo{ID: Now()}
}

// NewTextFragment builds a text fragment with the given content.
func NewTextFragment(content string) *TextFragment {
	return &TextFragment{Content: content}
}

// NewTodolistFragment builds an empty todolist in the first column.
func NewTodolistFragment() *TodolistFragment {
	return &TodolistFragment{Todos: []Todo{}}
}

// NewFormFragment builds a form fragment; nil maps are initialized empty.
func NewFormFragment(id *string, data, annotations map[string]any) *FormFragment {
	if data == nil {
		data = map[string]any{}
	}
	if annotations == nil {
		annotations = map[string]any{}
	}
	return &FormFragment{ID: id, Data: data, Annotations: annotations}
}

// Validate checks the required-field and shape invariants enforced on insert.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", common.ErrValidation)
	}
	if _, ok := validTypes[d.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", common.ErrValidation, d.Type)
	}
	if err := validTimestamp(d.CreatedAt); err != nil {
		return fmt.Errorf("%w: created_at: %v", common.ErrValidation, err)
	}
	if err := validTimestamp(d.ModifiedAt); err != nil {
		return fmt.Errorf("%w: modified_at: %v", common.ErrValidation, err)
	}
	if d.Tags == nil {
		return fmt.Errorf("%w: missing tags", common.ErrValidation)
	}
	if d.Fragments.Todolist != nil && (d.Fragments.Text != nil || d.Fragments.Form != nil) {
		return fmt.Errorf("%w: todolist fragment cannot be combined with other fragments", common.ErrValidation)
	}
	if f := d.Fragments.Form; f != nil && (f.Data == nil || f.Annotations == nil) {
		return fmt.Errorf("%w: form fragment requires data and annotations", common.ErrValidation)
	}
	return nil
}

func validTimestamp(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	b, err := json.Marshal(d)
	if err != nil {
		// Document fields are all JSON-encodable; this cannot happen with a
		// well-formed document.
		panic(err)
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

// ToMap converts the document to its generic JSON-map form, used by the
// schema migration engine and the field-level patch applier.
func (d Document) ToMap() map[string]any {
	b, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	return m
}

// FromMap converts a generic JSON-map form back into a Document.
func FromMap(m map[string]any) (Document, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Document{}, err
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return Document{}, err
	}
	return d, nil
}
