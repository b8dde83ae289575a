package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// KeySeed keeps the data a task started with, so a restart can return to it.
const KeySeed = "_seed"

// Policy decides what happens to a running task whose type has no definition.
type Policy string

const (
	// PolicyError stops the task and reports a configuration fault.
	PolicyError Policy = "error"
	// PolicyFinalize completes the task immediately.
	PolicyFinalize Policy = "finalize"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyError, PolicyFinalize:
		return p, nil
	case "":
		return PolicyError, nil
	}
	return "", fault.Errorf(fault.Config, "flow.policy", "unknown task type policy %q", s)
}

// Inbound is one message from a user.
type Inbound struct {
	MessageID string    `json:"message_id"`
	Identity  string    `json:"identity"`
	Role      task.Role `json:"role"`
	Text      string    `json:"text"`
}

// Event is a transition to record in the journal.
type Event struct {
	Type    string
	TaskID  string
	Content map[string]any
}

// Outcome is the result of applying one inbound message.
type Outcome struct {
	Task      *task.Task // state after the message, nil if no task
	Messages  []Message
	Events    []Event
	Duplicate bool // message was already applied; nothing to send
}

func (o *Outcome) say(m ...Message) { o.Messages = append(o.Messages, m...) }

func (o *Outcome) record(typ string, t *task.Task, content map[string]any) {
	if content == nil {
		content = map[string]any{}
	}
	content["task_type"] = string(t.Type)
	content["step"] = t.Step
	o.Events = append(o.Events, Event{Type: typ, TaskID: t.ID, Content: content})
}

// Coordinator advances running tasks one message at a time. It holds no
// per-task state; everything is read from and written back to the store.
type Coordinator struct {
	store      task.Store
	defs       *Definitions
	validators *validate.Registry
	catalog    *Catalog
	policy     Policy
	log        *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store task.Store, defs *Definitions, validators *validate.Registry, catalog *Catalog, policy Policy, logger *slog.Logger) *Coordinator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = PolicyError
	}
	return &Coordinator{
		store:      store,
		defs:       defs,
		validators: validators,
		catalog:    catalog,
		policy:     policy,
		log:        logger.With("component", "coordinator"),
		now:        time.Now,
	}
}

// SetClock replaces the clock used to describe idle time.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Start creates a task for def and prompts its first step.
func (c *Coordinator) Start(ctx context.Context, def *Definition, identity string) (Outcome, error) {
	seed := map[string]any{}
	if def.Init != nil {
		var err error
		seed, err = def.Init(ctx, identity)
		var ref *Refusal
		if errors.As(err, &ref) {
			return Outcome{Messages: []Message{{Text: ref.Text}}}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
	}
	data := make(map[string]any, len(seed)+1)
	for k, v := range seed {
		data[k] = v
	}
	data[KeySeed] = seed

	t, err := c.store.Create(ctx, &task.Task{Identity: identity, Role: def.Role, Type: def.Type, Data: data})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Task: t}
	out.record(journal.TaskCreated, t, nil)
	out.say(Message{Text: c.catalog.Text("start", c.catalog.Title(t.Type))})

	steps := def.StepsFor(t)
	if len(steps) == 0 {
		return c.finalize(ctx, def, t, out)
	}
	out.say(steps[0].Prompt(1))
	return out, nil
}

// Advance applies in to the running task t.
func (c *Coordinator) Advance(ctx context.Context, t *task.Task, in Inbound) (Outcome, error) {
	def, ok := c.defs.Lookup(t.Role, t.Type)
	if !ok {
		return c.unknownType(ctx, t)
	}
	if in.MessageID != "" && t.String(KeyLastMessage) == in.MessageID {
		return Outcome{Task: t, Duplicate: true}, nil
	}

	switch t.String(KeyAwait) {
	case AwaitAbort:
		return c.answerAbort(ctx, def, t, in)
	case AwaitResume:
		return c.answerResume(ctx, def, t, in)
	}

	steps := def.StepsFor(t)
	switch {
	case t.Step < 0 || t.Step > len(steps):
		return c.rollback(ctx, def, t, Outcome{Task: t})
	case t.Step == len(steps):
		// All steps collected but the task never completed; finalize again.
		return c.finalize(ctx, def, t, Outcome{Task: t})
	}
	return c.collect(ctx, def, t, in, false)
}

// Prompt re-shows the current step of t, for resume and recovery.
func (c *Coordinator) Prompt(t *task.Task) []Message {
	def, ok := c.defs.Lookup(t.Role, t.Type)
	if !ok {
		return nil
	}
	steps := def.StepsFor(t)
	if t.Step < 0 || t.Step >= len(steps) {
		return nil
	}
	return []Message{steps[t.Step].Prompt(t.Step + 1)}
}

// OfferResume marks t as awaiting a resume or start-fresh answer.
func (c *Coordinator) OfferResume(ctx context.Context, t *task.Task, idle time.Duration) (Outcome, error) {
	next, err := c.store.Update(ctx, t.ID, task.Update{
		Data:    map[string]any{KeyAwait: AwaitResume},
		Version: t.Version,
	})
	if err != nil {
		return Outcome{Task: t}, err
	}
	return Outcome{Task: next, Messages: []Message{{
		Text:    c.catalog.Text("resume_offer", c.catalog.Title(t.Type), since(idle)),
		Options: c.resumeOptions(),
	}}}, nil
}

// collect runs the current step's validator against in and advances on success.
func (c *Coordinator) collect(ctx context.Context, def *Definition, t *task.Task, in Inbound, awaitingAbort bool) (Outcome, error) {
	steps := def.StepsFor(t)
	i := t.Step
	st := steps[i]
	out := Outcome{Task: t}

	res, err := c.validators.ValidateWith(ctx, st.Field, st.Validate, in.Text, t.Identity)
	if err != nil {
		return out, err
	}

	if !res.Valid {
		switch {
		case res.Kind == fault.Duplicate:
			// Sending the same value again cannot succeed, so offer a way out
			// instead of repeating the prompt.
			next, err := c.store.Update(ctx, t.ID, task.Update{
				Data:    c.withMessageID(map[string]any{KeyAwait: AwaitAbort}, in),
				Version: t.Version,
			})
			if err != nil {
				return out, err
			}
			out.Task = next
			out.say(Message{Text: res.Message}, c.duplicateOffer())
			out.record(journal.TaskRetry, t, map[string]any{"field": st.Field, "duplicate": true})
		case res.Exceeded:
			next, err := c.store.Update(ctx, t.ID, task.Update{
				Data:    c.withMessageID(map[string]any{KeyAwait: AwaitAbort}, in),
				Version: t.Version,
			})
			if err != nil {
				return out, err
			}
			out.Task = next
			out.say(Message{Text: res.Message}, c.abortOffer())
			out.record(journal.TaskRetryExceeded, t, map[string]any{"field": st.Field, "attempts": res.Attempts})
		default:
			out.say(Message{Text: res.Message}, st.Prompt(i+1))
			if awaitingAbort {
				out.say(c.abortOffer())
			}
			out.record(journal.TaskRetry, t, map[string]any{"field": st.Field, "attempts": res.Attempts})
		}
		return out, nil
	}

	patch := c.withMessageID(st.patch(t.Data, res.Value), in)
	if awaitingAbort {
		patch[KeyAwait] = nil
	}
	next, err := c.store.Update(ctx, t.ID, task.Update{Data: patch, Step: task.StepPtr(i + 1), Version: t.Version})
	if err != nil {
		return out, err
	}
	out.Task = next
	out.record(journal.TaskAdvanced, next, map[string]any{"field": st.Field})

	steps = def.StepsFor(next)
	if next.Step < len(steps) {
		out.say(steps[next.Step].Prompt(next.Step + 1))
		return out, nil
	}
	return c.finalize(ctx, def, next, out)
}

// finalize commits t's data and completes the task. A finalizer failure stops
// the task and surfaces only a fixed user-safe message, except for database
// faults, which leave the task running for another attempt.
func (c *Coordinator) finalize(ctx context.Context, def *Definition, t *task.Task, out Outcome) (Outcome, error) {
	res := FinalizeResult{Message: c.catalog.Text("completed_generic")}
	if def.Finalize != nil {
		var err error
		res, err = def.Finalize(ctx, Finalize{Task: t, Data: StripReserved(t.Data)})
		if err != nil {
			return c.finalizeFailed(ctx, t, out, err)
		}
	}

	done, err := c.store.Update(ctx, t.ID, task.Update{Status: task.StatusCompleted, Version: t.Version})
	if fault.Is(err, fault.Conflict) {
		cur, gerr := c.store.Get(ctx, t.ID)
		if gerr == nil && cur.Status == task.StatusCompleted {
			// Another delivery of the same message completed it and sent the
			// success message.
			return Outcome{Task: cur, Duplicate: true}, nil
		}
	}
	if err != nil {
		return out, err
	}
	out.Task = done
	if res.Message != "" {
		out.say(Message{Text: res.Message})
	}
	out.record(journal.TaskCompleted, done, map[string]any{"created_id": res.CreatedID})
	return out, nil
}

func (c *Coordinator) finalizeFailed(ctx context.Context, t *task.Task, out Outcome, cause error) (Outcome, error) {
	if fault.KindOf(cause) == fault.Database {
		// The store is unreachable. Keep the task at its final step; the next
		// message finalizes it again.
		c.log.Error("finalize deferred",
			"task_id", t.ID, "identity", t.Identity, "step", t.Step, "task_type", t.Type, "error", cause)
		return out, cause
	}
	ferr := cause
	if k := fault.KindOf(cause); k != fault.Duplicate && k != fault.Finalize {
		ferr = fault.E(fault.Finalize, "flow.finalize", cause)
	}
	c.log.Error("finalize failed",
		"task_id", t.ID, "identity", t.Identity, "step", t.Step, "task_type", t.Type,
		"kind", fault.KindOf(ferr).String(), "error", cause)

	out.record(journal.TaskFinalizeFailed, t, map[string]any{"kind": fault.KindOf(ferr).String()})
	stopped, err := c.store.Stop(ctx, t.ID)
	if err != nil {
		c.log.Error("stop after finalize failure", "task_id", t.ID, "identity", t.Identity, "error", err)
		return out, err
	}
	out.Task = stopped
	out.record(journal.TaskStopped, stopped, map[string]any{"reason": "finalize_failed"})
	out.say(Message{Text: fault.UserMessage(ferr)})
	return out, nil
}

func (c *Coordinator) unknownType(ctx context.Context, t *task.Task) (Outcome, error) {
	out := Outcome{Task: t}
	if c.policy == PolicyFinalize {
		done, err := c.store.Update(ctx, t.ID, task.Update{Status: task.StatusCompleted, Version: t.Version})
		if err != nil {
			return out, err
		}
		out.Task = done
		out.say(Message{Text: c.catalog.Text("completed_generic")})
		out.record(journal.TaskCompleted, done, map[string]any{"policy": string(PolicyFinalize)})
		return out, nil
	}

	cfg := fault.Errorf(fault.Config, "flow.advance", "no flow definition for %s/%s", t.Role, t.Type)
	c.log.Error("unknown task type", "task_id", t.ID, "identity", t.Identity, "step", t.Step, "error", cfg)
	stopped, err := c.store.Stop(ctx, t.ID)
	if err != nil {
		return out, err
	}
	out.Task = stopped
	out.say(Message{Text: c.catalog.Text("unknown_type")})
	out.record(journal.TaskStopped, stopped, map[string]any{"reason": "unknown_type"})
	return out, nil
}

// rollback moves an out-of-range step pointer back to the first step whose
// value is missing and re-prompts it.
func (c *Coordinator) rollback(ctx context.Context, def *Definition, t *task.Task, out Outcome) (Outcome, error) {
	steps := def.StepsFor(t)
	to := firstMissing(steps, t.Data)
	c.log.Warn("step pointer out of range",
		"task_id", t.ID, "identity", t.Identity, "step", t.Step, "rollback_to", to,
		"error", fault.Errorf(fault.UnknownStep, "flow.advance", "step %d of %d", t.Step, len(steps)))

	next, err := c.store.Update(ctx, t.ID, task.Update{
		Data:    map[string]any{KeyAwait: nil},
		Step:    task.StepPtr(to),
		Version: t.Version,
	})
	if err != nil {
		return out, err
	}
	out.Task = next
	out.record(journal.TaskAdvanced, next, map[string]any{"rollback_from": t.Step})
	out.say(Message{Text: c.catalog.Text("lost_place")})
	if to == len(steps) {
		return c.finalize(ctx, def, next, out)
	}
	out.say(steps[to].Prompt(to + 1))
	return out, nil
}

const (
	choiceCancel  = "cancel"
	choiceRestart = "restart"
	choiceResume  = "resume"
	choiceFresh   = "fresh"
)

func (c *Coordinator) abortOptions() []validate.Option {
	return []validate.Option{
		{Value: choiceCancel, Label: c.catalog.Text("cancel_option"), Aliases: []string{"stop", "abort", "quit"}},
		{Value: choiceRestart, Label: c.catalog.Text("restart_option"), Aliases: []string{"restart", "again", "start again"}},
	}
}

func (c *Coordinator) resumeOptions() []validate.Option {
	return []validate.Option{
		{Value: choiceResume, Label: c.catalog.Text("resume_option"), Aliases: []string{"continue", "yes"}},
		{Value: choiceFresh, Label: c.catalog.Text("fresh_option"), Aliases: []string{"fresh", "new", "restart", "start over"}},
	}
}

func (c *Coordinator) abortOffer() Message {
	return Message{
		Text:    c.catalog.Text("retries_exceeded") + " " + c.catalog.Text("keep_trying"),
		Options: c.abortOptions(),
	}
}

func (c *Coordinator) duplicateOffer() Message {
	return Message{
		Text:    c.catalog.Text("duplicate_offer"),
		Options: c.abortOptions(),
	}
}

// answerAbort handles the reply to an abort/restart offer. Only an explicit
// cancel stops the task; anything unrecognized is another try at the field.
func (c *Coordinator) answerAbort(ctx context.Context, def *Definition, t *task.Task, in Inbound) (Outcome, error) {
	choice, err := validate.Choice(c.abortOptions(), false)(ctx, in.Text, t.Identity)
	switch {
	case err == nil && choice == choiceCancel:
		out := Outcome{Task: t}
		stopped, err := c.store.Stop(ctx, t.ID)
		if err != nil {
			return out, err
		}
		out.Task = stopped
		out.say(Message{Text: c.catalog.Text("cancelled", c.catalog.Title(t.Type))})
		out.record(journal.TaskStopped, stopped, map[string]any{"reason": "retries_exceeded"})
		return out, nil

	case err == nil && choice == choiceRestart:
		return c.restart(ctx, def, t, in)
	}

	steps := def.StepsFor(t)
	if t.Step < 0 || t.Step >= len(steps) {
		return c.rollback(ctx, def, t, Outcome{Task: t})
	}
	return c.collect(ctx, def, t, in, true)
}

// restart returns t to its starting data at step zero.
func (c *Coordinator) restart(ctx context.Context, def *Definition, t *task.Task, in Inbound) (Outcome, error) {
	seed, _ := t.Data[KeySeed].(map[string]any)
	patch := map[string]any{KeyAwait: nil}
	for k := range StripReserved(t.Data) {
		patch[k] = nil
	}
	for k, v := range seed {
		patch[k] = v
	}
	out := Outcome{Task: t}
	next, err := c.store.Update(ctx, t.ID, task.Update{
		Data:    c.withMessageID(patch, in),
		Step:    task.StepPtr(0),
		Version: t.Version,
	})
	if err != nil {
		return out, err
	}
	out.Task = next
	out.record(journal.TaskAdvanced, next, map[string]any{"restart": true})
	out.say(Message{Text: c.catalog.Text("restarted")})
	if steps := def.StepsFor(next); len(steps) > 0 {
		out.say(steps[0].Prompt(1))
	}
	return out, nil
}

// answerResume handles the reply to a resume/start-fresh offer.
func (c *Coordinator) answerResume(ctx context.Context, def *Definition, t *task.Task, in Inbound) (Outcome, error) {
	out := Outcome{Task: t}
	choice, err := validate.Choice(c.resumeOptions(), false)(ctx, in.Text, t.Identity)
	if err != nil {
		out.say(Message{Text: c.catalog.Text("resume_offer", c.catalog.Title(t.Type), since(c.now().Sub(t.UpdatedAt))), Options: c.resumeOptions()})
		return out, nil
	}

	if choice == choiceFresh {
		stopped, err := c.store.Stop(ctx, t.ID)
		if err != nil {
			return out, err
		}
		c.validators.Retries().ResetIdentity(t.Identity)
		out.record(journal.TaskStopped, stopped, map[string]any{"reason": "start_fresh"})
		fresh, err := c.Start(ctx, def, t.Identity)
		fresh.Events = append(out.Events, fresh.Events...)
		return fresh, err
	}

	next, err := c.store.Update(ctx, t.ID, task.Update{
		Data:    c.withMessageID(map[string]any{KeyAwait: nil}, in),
		Version: t.Version,
	})
	if err != nil {
		return out, err
	}
	out.Task = next
	out.say(Message{Text: c.catalog.Text("resumed")})
	steps := def.StepsFor(next)
	switch {
	case next.Step < 0 || next.Step > len(steps):
		return c.rollback(ctx, def, next, out)
	case next.Step == len(steps):
		return c.finalize(ctx, def, next, out)
	}
	out.say(steps[next.Step].Prompt(next.Step + 1))
	return out, nil
}

func (c *Coordinator) withMessageID(patch map[string]any, in Inbound) map[string]any {
	if in.MessageID != "" {
		patch[KeyLastMessage] = in.MessageID
	}
	return patch
}

// since renders an idle duration for messages.
func since(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "a moment"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 48*time.Hour:
		return plural(int(d/time.Hour), "hour")
	}
	return plural(int(d/(24*time.Hour)), "day")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
