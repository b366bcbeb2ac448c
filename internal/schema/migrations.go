package schema

// Default returns the engine loaded with the full document migration history.
// Steps that only bumped the version for index or schema-annotation changes
// are identity functions but stay in the table so the chain is contiguous.
func Default() *Engine {
	return NewEngine(map[int]Migration{
		// Todolists gained a board column; done lists moved off-board.
		1: func(body map[string]any) map[string]any {
			if todolist := childMap(body, "fragments", "todolist"); todolist != nil {
				if done, _ := todolist["done"].(bool); done {
					todolist["column"] = float64(-1)
				} else {
					todolist["column"] = float64(0)
				}
			}
			return body
		},
		// Open data payload introduced.
		2: func(body map[string]any) map[string]any {
			body["data"] = map[string]any{}
			return body
		},
		3: identity,
		4: identity,
		5: identity,
		6: identity,
		// Starred flag introduced.
		7: func(body map[string]any) map[string]any {
			body["starred"] = false
			return body
		},
		8: identity,
		9: identity,
		// Form fragments gained annotations.
		10: func(body map[string]any) map[string]any {
			if form := childMap(body, "fragments", "form"); form != nil {
				form["annotations"] = map[string]any{}
			}
			return body
		},
		// Repair forms that slipped through step 10 without annotations.
		11: func(body map[string]any) map[string]any {
			if form := childMap(body, "fragments", "form"); form != nil {
				if _, ok := form["annotations"]; !ok {
					form["annotations"] = map[string]any{}
				}
			}
			return body
		},
		// Form fragments gained an explicit (nullable) form definition id.
		12: func(body map[string]any) map[string]any {
			if form := childMap(body, "fragments", "form"); form != nil {
				if _, ok := form["id"]; !ok {
					form["id"] = nil
				}
			}
			return body
		},
		// Todolist titles folded into the note title.
		13: func(body map[string]any) map[string]any {
			if todolist := childMap(body, "fragments", "todolist"); todolist != nil {
				if title, _ := body["title"].(string); title == "" {
					body["title"] = todolist["title"]
				}
				delete(todolist, "title")
			}
			return body
		},
		// Step 13 left some todolists with zero todos; give them one.
		14: func(body map[string]any) map[string]any {
			todolist := childMap(body, "fragments", "todolist")
			if todolist == nil {
				return body
			}
			todos, ok := todolist["todos"].([]any)
			if !ok || len(todos) > 0 {
				return body
			}
			text, _ := body["title"].(string)
			if text == "" {
				text = "Empty task"
			}
			todolist["todos"] = []any{map[string]any{
				"text": text,
				"done": todolist["done"],
				"id":   body["id"],
			}}
			return body
		},
		// Collection membership reference introduced.
		15: func(body map[string]any) map[string]any {
			body["col"] = nil
			return body
		},
	})
}

func identity(body map[string]any) map[string]any { return body }

// childMap walks nested maps, returning nil as soon as a key is missing or
// not a map. Keeps migrations total over malformed historical data.
func childMap(m map[string]any, path ...string) map[string]any {
	current := m
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}
