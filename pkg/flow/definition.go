// Package flow drives multi-step conversational tasks: it turns one inbound
// message at a time into validated, persisted progress through a task's steps,
// with bounded retries, resume offers, expiry and recovery.
package flow

import (
	"context"
	"strings"

	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// Reserved data keys. Anything starting with ReservedPrefix is engine
// bookkeeping and is stripped before data reaches a finalizer.
const (
	ReservedPrefix = "_"
	KeyAwait       = "_await"        // pending offer awaiting a reply
	KeyLastMessage = "_last_message" // id of the last inbound message applied
)

// Pending offers stored under KeyAwait.
const (
	AwaitAbort  = "abort"
	AwaitResume = "resume"
)

// Message is one outbound message. Options render as a choice.
type Message struct {
	Text    string            `json:"text"`
	Options []validate.Option `json:"options,omitempty"`
}

// Step collects one field.
type Step struct {
	Field    string
	Prompt   func(n int) Message // n is the 1-based step number
	Validate validate.Validator
	// Patch builds the data patch for an accepted value. Nil stores the value
	// under Field.
	Patch func(data map[string]any, value string) map[string]any
	// Collected reports whether data already holds this step's value. Nil
	// checks for a non-nil value under Field.
	Collected func(data map[string]any) bool
}

func (s Step) patch(data map[string]any, value string) map[string]any {
	if s.Patch != nil {
		return s.Patch(data, value)
	}
	return map[string]any{s.Field: value}
}

func (s Step) collected(data map[string]any) bool {
	if s.Collected != nil {
		return s.Collected(data)
	}
	return data[s.Field] != nil
}

// Finalize is the input to a finalizer.
type Finalize struct {
	Task *task.Task
	Data map[string]any // task data without reserved keys
}

// FinalizeResult is what a successful finalizer reports.
type FinalizeResult struct {
	Message   string
	CreatedID string
}

// Finalizer commits a finished task's data. It may run more than once for the
// same task when a message is redelivered, so it must check before inserting.
type Finalizer func(ctx context.Context, f Finalize) (FinalizeResult, error)

// Definition is the ordered script a task type follows for one role.
type Definition struct {
	Role     task.Role
	Type     task.Type
	Steps    []Step
	Finalize Finalizer
	// Plan, when set, derives the steps from the task itself. Used by flows
	// whose shape depends on earlier answers.
	Plan func(t *task.Task) []Step
	// Init, when set, seeds the data of a new task. Returning a *Refusal
	// declines the start with a message for the user.
	Init func(ctx context.Context, identity string) (map[string]any, error)
}

// Refusal declines to start a flow.
type Refusal struct {
	Text string
}

func (r *Refusal) Error() string { return r.Text }

// StepsFor returns the steps in effect for t.
func (d *Definition) StepsFor(t *task.Task) []Step {
	if d.Plan != nil {
		return d.Plan(t)
	}
	return d.Steps
}

type defKey struct {
	Role task.Role
	Type task.Type
}

// Definitions maps (role, type) to a Definition.
type Definitions struct {
	defs map[defKey]*Definition
}

// NewDefinitions creates an empty table.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[defKey]*Definition)}
}

// Register adds or replaces d.
func (ds *Definitions) Register(d *Definition) {
	ds.defs[defKey{Role: d.Role, Type: d.Type}] = d
}

// Lookup returns the definition for role and type.
func (ds *Definitions) Lookup(role task.Role, typ task.Type) (*Definition, bool) {
	d, ok := ds.defs[defKey{Role: role, Type: typ}]
	return d, ok
}

// StripReserved returns data without engine bookkeeping keys.
func StripReserved(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if !strings.HasPrefix(k, ReservedPrefix) {
			out[k] = v
		}
	}
	return out
}

// firstMissing returns the index of the first step whose value is not yet in
// data, or len(steps) if all are collected.
func firstMissing(steps []Step, data map[string]any) int {
	for i, s := range steps {
		if !s.collected(data) {
			return i
		}
	}
	return len(steps)
}
