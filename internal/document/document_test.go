package document

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesto-garden/pesto-sync/internal/common"
)

func TestNewNote(t *testing.T) {
	n := NewNote()
	require.Equal(t, TypeNote, n.Type)
	require.Equal(t, n.ID, n.CreatedAt)
	require.Equal(t, n.CreatedAt, n.ModifiedAt)
	require.Nil(t, n.Col)
	require.NotNil(t, n.Tags)
	require.NoError(t, n.Validate())
}

func TestNewCollection(t *testing.T) {
	c := NewCollection()
	require.Equal(t, TypeCollection, c.Type)
	require.NotEqual(t, c.ID, c.CreatedAt, "collections use random ids, not timestamps")
	require.Len(t, c.ID, 12)
	require.Contains(t, c.Data, "query")
	require.NoError(t, c.Validate())
}

func TestTimestampShape(t *testing.T) {
	ts := Timestamp(time.Date(2024, 1, 2, 3, 4, 5, 600e6, time.UTC))
	require.Equal(t, "2024-01-02T03:04:05.600Z", ts)
	_, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := NewNote()

	tests := []struct {
		name   string
		mutate func(*Document)
		ok     bool
	}{
		{name: "valid", mutate: func(d *Document) {}, ok: true},
		{name: "missing id", mutate: func(d *Document) { d.ID = "" }},
		{name: "bad type", mutate: func(d *Document) { d.Type = "banana" }},
		{name: "missing modified_at", mutate: func(d *Document) { d.ModifiedAt = "" }},
		{name: "unparseable created_at", mutate: func(d *Document) { d.CreatedAt = "yesterday" }},
		{name: "nil tags", mutate: func(d *Document) { d.Tags = nil }},
		{
			name: "todolist combined with text",
			mutate: func(d *Document) {
				d.Fragments.Todolist = NewTodolistFragment()
				d.Fragments.Text = NewTextFragment("x")
			},
		},
		{
			name: "form fragment missing maps",
			mutate: func(d *Document) {
				d.Fragments.Form = &FormFragment{}
			},
		},
		{
			name: "text plus form is allowed",
			mutate: func(d *Document) {
				d.Fragments.Text = NewTextFragment("x")
				d.Fragments.Form = NewFormFragment(nil, nil, nil)
			},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid.Clone()
			tt.mutate(&d)
			err := d.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, common.ErrValidation))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := NewNote()
	d.Data = map[string]any{"query": "tag:x"}
	d.Fragments.Text = NewTextFragment("hello")

	c := d.Clone()
	c.Data["query"] = "tag:y"
	c.Fragments.Text.Content = "bye"

	require.Equal(t, "tag:x", d.Data["query"])
	require.Equal(t, "hello", d.Fragments.Text.Content)
}

func TestMapRoundTrip(t *testing.T) {
	d := NewNote()
	d.Fragments.Todolist = &TodolistFragment{Column: -1, Done: true, Todos: []Todo{{ID: "a", Text: "t", Done: true}}}

	m := d.ToMap()
	back, err := FromMap(m)
	require.NoError(t, err)
	require.Equal(t, d, back)
}
