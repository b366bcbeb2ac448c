package document

import (
	"encoding/json"
	"strings"
)

// TokenKind distinguishes the two syntaxes recognized in text content.
type TokenKind string

const (
	TokenTag        TokenKind = "tag"
	TokenAnnotation TokenKind = "annotation"
)

// ParsedToken is one recognized marker from a text fragment: either a #tag
// or a +name=value annotation.
type ParsedToken struct {
	Type  TokenKind
	ID    string
	Value string
}

const tagTrimCutset = ".,;:!?)('\""

// ParseTags scans text content for #tag and +name=value markers. Tag and
// annotation ids are lowercased; an annotation's id also counts as a tag.
func ParseTags(content string) []ParsedToken {
	var tokens []ParsedToken
	for _, word := range strings.Fields(content) {
		switch {
		case strings.HasPrefix(word, "#") && len(word) > 1:
			id := strings.ToLower(strings.TrimRight(word[1:], tagTrimCutset))
			if id == "" {
				continue
			}
			tokens = append(tokens, ParsedToken{Type: TokenTag, ID: id})
		case strings.HasPrefix(word, "+") && len(word) > 1:
			body := word[1:]
			name, value, found := strings.Cut(body, "=")
			if !found || name == "" {
				continue
			}
			tokens = append(tokens, ParsedToken{
				Type:  TokenAnnotation,
				ID:    strings.ToLower(name),
				Value: strings.TrimRight(value, tagTrimCutset),
			})
		}
	}
	return tokens
}

// UpdatePatch augments a raw field patch with everything a text change
// implies: a fresh modified_at, recomputed tags, and the annotation
// bookkeeping on the form fragment.
//
// When annotation markers are present their values land in
// fragments.form.annotations (JSON-decoded when possible) and any duplicate
// keys are stripped from the form's own data map, annotations taking
// precedence. A form fragment is initialized empty when annotations appear
// without one. When the text changes and carries no annotations, an orphaned
// form fragment is cleared entirely if its data is empty, otherwise only its
// annotations are reset.
func UpdatePatch(doc *Document, data Patch, now string) Patch {
	out := make(Patch, len(data)+4)
	for k, v := range data {
		out[k] = v
	}
	out["modified_at"] = now

	tagsSource := textContent(data["fragments.text"])
	parsed := ParseTags(tagsSource)

	if tagsSource != "" {
		out["tags"] = uniqueIDs(parsed)
	}

	annotations := map[string]any{}
	for _, t := range parsed {
		if t.Type != TokenAnnotation {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(t.Value), &decoded); err == nil {
			annotations[t.ID] = decoded
		} else {
			annotations[t.ID] = t.Value
		}
	}

	_, textUpdated := data["fragments.text"]

	switch {
	case len(annotations) > 0:
		out["fragments.form.annotations"] = annotations
		if form := doc.Fragments.Form; form != nil {
			formData := make(map[string]any, len(form.Data))
			for k, v := range form.Data {
				if _, shadowed := annotations[k]; !shadowed {
					formData[k] = v
				}
			}
			out["fragments.form.data"] = formData
		} else {
			out["fragments.form.id"] = nil
			out["fragments.form.data"] = map[string]any{}
		}
	case textUpdated && doc.Fragments.Form != nil:
		if len(doc.Fragments.Form.Data) == 0 {
			out["fragments.form"] = Removed
		} else {
			out["fragments.form.annotations"] = map[string]any{}
		}
	}

	return out
}

// TextUpdatePatch is the common case: replace the text content of a note.
func TextUpdatePatch(doc *Document, content string, now string) Patch {
	return UpdatePatch(doc, Patch{"fragments.text": TextFragment{Content: content}}, now)
}

func textContent(v any) string {
	switch t := v.(type) {
	case TextFragment:
		return t.Content
	case *TextFragment:
		if t != nil {
			return t.Content
		}
	case map[string]any:
		if s, ok := t["content"].(string); ok {
			return s
		}
	}
	return ""
}

func uniqueIDs(tokens []ParsedToken) []string {
	seen := make(map[string]struct{}, len(tokens))
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		ids = append(ids, t.ID)
	}
	return ids
}
