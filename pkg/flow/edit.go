package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// Data keys of an edit task.
const (
	KeyCurrent  = "current"  // snapshot of stored values when the edit began
	KeySelected = "selected" // field names chosen, ascending menu order
	KeyUpdates  = "updates"  // field -> new value, only values that differ
)

// editDefinition derives a profile edit flow from a registration flow: every
// registration field the record capability can store is editable. The first
// step picks a subset; one step per picked field follows.
func editDefinition(cat *Catalog, reg *Definition, rc record.Capability, finalize Finalizer) *Definition {
	var fields []Step
	for _, s := range reg.Steps {
		if _, ok := rc.StorageField(s.Field); ok {
			fields = append(fields, s)
		}
	}
	names := make([]string, len(fields))
	for i, s := range fields {
		names[i] = s.Field
	}

	return &Definition{
		Role:     reg.Role,
		Type:     task.TypeProfileEdit,
		Finalize: finalize,
		Init: func(ctx context.Context, identity string) (map[string]any, error) {
			rec, err := rc.Get(ctx, identity)
			if fault.Is(err, fault.NotFound) {
				return nil, &Refusal{Text: cat.Text("not_registered")}
			}
			if err != nil {
				return nil, err
			}
			current := make(map[string]any, len(names))
			for _, f := range names {
				storage, _ := rc.StorageField(f)
				current[f] = rec.Value(storage)
			}
			return map[string]any{KeyCurrent: current}, nil
		},
		Plan: func(t *task.Task) []Step {
			current := stringMap(t.Data[KeyCurrent])
			selected := stringList(t.Data[KeySelected])
			total := 1 + len(selected)

			steps := []Step{{
				Field:    FieldSelection,
				Validate: validate.Selection(len(names)),
				Prompt: func(n int) Message {
					var b strings.Builder
					b.WriteString(cat.Prompt(FieldSelection))
					for i, f := range names {
						fmt.Fprintf(&b, "\n%d. %s", i+1, cat.Label(f))
						if v := current[f]; v != "" {
							fmt.Fprintf(&b, " (%s)", v)
						}
					}
					return Message{Text: b.String()}
				},
				Patch: func(_ map[string]any, value string) map[string]any {
					var picked []string
					for _, part := range strings.Split(value, ",") {
						i, _ := strconv.Atoi(part)
						picked = append(picked, names[i-1])
					}
					return map[string]any{KeySelected: picked, KeyUpdates: map[string]any{}}
				},
				Collected: func(data map[string]any) bool { return data[KeySelected] != nil },
			}}

			for _, f := range selected {
				var base Step
				for _, s := range fields {
					if s.Field == f {
						base = s
					}
				}
				if base.Validate == nil {
					continue
				}
				field := f
				steps = append(steps, Step{
					Field:    field,
					Validate: base.Validate,
					Prompt: func(n int) Message {
						shown := current[field]
						if shown == "" {
							shown = "-"
						}
						msg := base.Prompt(n)
						msg.Text = cat.Text("step", n, total, cat.Prompt("edit_field", cat.Label(field), shown))
						return msg
					},
					Patch: func(data map[string]any, value string) map[string]any {
						updates := stringMap(data[KeyUpdates])
						if value == current[field] {
							delete(updates, field)
						} else {
							updates[field] = value
						}
						out := make(map[string]any, len(updates))
						for k, v := range updates {
							out[k] = v
						}
						return map[string]any{KeyUpdates: out}
					},
					Collected: func(data map[string]any) bool {
						_, ok := stringMap(data[KeyUpdates])[field]
						return ok
					},
				})
			}
			return steps
		},
	}
}

// EditUpdates returns the net changes accumulated by an edit task.
func EditUpdates(data map[string]any) map[string]string {
	return stringMap(data[KeyUpdates])
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, x := range m {
		if s, ok := x.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
