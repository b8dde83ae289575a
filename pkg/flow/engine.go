package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/messaging"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

// Reply is what the engine did with one inbound message.
type Reply struct {
	TaskID    string      `json:"task_id,omitempty"`
	Status    task.Status `json:"status,omitempty"`
	Step      int         `json:"step"`
	Messages  []Message   `json:"messages"`
	Duplicate bool        `json:"duplicate,omitempty"`
}

// Options configures an Engine. Journal, Observer and Sink may be nil.
type Options struct {
	Store       task.Store
	Definitions *Definitions
	Validators  *validate.Registry
	Lifecycle   *Lifecycle
	Sink        messaging.Sink
	Journal     journal.Store
	Observer    Observer
	Catalog     *Catalog
	Policy      Policy
	Logger      *slog.Logger

	// Recently handled message ids are remembered so redeliveries are dropped
	// before they reach the store.
	DedupeSize int
	DedupeTTL  time.Duration
}

// Engine is the single entry point for inbound messages.
type Engine struct {
	store      task.Store
	defs       *Definitions
	validators *validate.Registry
	coord      *Coordinator
	life       *Lifecycle
	sink       messaging.Sink
	journal    journal.Store
	obs        Observer
	catalog    *Catalog
	seen       *expirable.LRU[string, struct{}]
	log        *slog.Logger
}

// New creates an Engine.
func New(o Options) *Engine {
	if o.Catalog == nil {
		o.Catalog = DefaultCatalog()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Lifecycle == nil {
		o.Lifecycle = NewLifecycle(o.Store, o.Journal, o.Observer, DefaultWindows, 0, o.Logger)
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = 10000
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 10 * time.Minute
	}
	return &Engine{
		store:      o.Store,
		defs:       o.Definitions,
		validators: o.Validators,
		coord:      NewCoordinator(o.Store, o.Definitions, o.Validators, o.Catalog, o.Policy, o.Logger),
		life:       o.Lifecycle,
		sink:       o.Sink,
		journal:    o.Journal,
		obs:        o.Observer,
		catalog:    o.Catalog,
		seen:       expirable.NewLRU[string, struct{}](o.DedupeSize, nil, o.DedupeTTL),
		log:        o.Logger.With("component", "engine"),
	}
}

// Coordinator exposes the engine's coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Lifecycle exposes the engine's lifecycle manager.
func (e *Engine) Lifecycle() *Lifecycle { return e.life }

// Flow start phrases.
var triggers = map[string]task.Type{
	"register":       task.TypeRegistration,
	"registration":   task.TypeRegistration,
	"sign up":        task.TypeRegistration,
	"edit profile":   task.TypeProfileEdit,
	"update profile": task.TypeProfileEdit,
	"edit":           task.TypeProfileEdit,
	"add customer":   task.TypeAddCounterpart,
	"new customer":   task.TypeAddCounterpart,
	"confirm":        task.TypeContactConfirmation,
}

// Global commands.
const (
	cmdCancel  = "cancel"
	cmdLogout  = "logout"
	cmdSwitch  = "switch"
	cmdRecover = "recover"
	cmdMenu    = "menu"
)

var commands = map[string]string{
	"cancel":      cmdCancel,
	"stop":        cmdCancel,
	"logout":      cmdLogout,
	"log out":     cmdLogout,
	"switch":      cmdSwitch,
	"switch role": cmdSwitch,
	"recover":     cmdRecover,
	"menu":        cmdMenu,
	"help":        cmdMenu,
	"hi":          cmdMenu,
	"hello":       cmdMenu,
}

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Handle processes one inbound message end to end: it routes it, persists the
// result, records transitions and sends the replies. Validation problems are
// answered in the reply; the returned error is reserved for failures the
// user could only retry (store unreachable, lost races).
func (e *Engine) Handle(ctx context.Context, in Inbound) (Reply, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Identity == "" || !in.Role.Valid() {
		return Reply{}, fault.Errorf(fault.Validation, "engine.handle", "identity and a valid role are required")
	}
	dedupe := ""
	if in.MessageID != "" {
		dedupe = string(in.Role) + "|" + in.Identity + "|" + in.MessageID
		if e.seen.Contains(dedupe) {
			return Reply{Duplicate: true}, nil
		}
	}

	out, err := e.dispatch(ctx, in)
	if fault.Is(err, fault.Conflict) {
		// Lost a race with an overlapping message for the same task; reload and
		// apply once more against the fresh state.
		e.log.Debug("conflict, retrying", "identity", in.Identity, "role", in.Role, "error", err)
		first := out.Events
		out, err = e.dispatch(ctx, in)
		out.Events = append(first, out.Events...)
	}
	e.emit(ctx, in, out)

	if err != nil {
		args := []any{"identity", in.Identity, "role", in.Role, "kind", fault.KindOf(err).String(), "error", err}
		if out.Task != nil {
			args = append(args, "task_id", out.Task.ID, "step", out.Task.Step)
		}
		e.log.Error("handle message", args...)
		out.Messages = append(out.Messages, Message{Text: fault.UserMessage(err)})
	} else if dedupe != "" {
		e.seen.Add(dedupe, struct{}{})
	}
	if !out.Duplicate {
		e.send(ctx, in.Identity, out.Messages)
	}
	return toReply(out), err
}

func toReply(out Outcome) Reply {
	r := Reply{Messages: out.Messages, Duplicate: out.Duplicate}
	if r.Messages == nil {
		r.Messages = []Message{}
	}
	if out.Task != nil {
		r.TaskID, r.Status, r.Step = out.Task.ID, out.Task.Status, out.Task.Step
	}
	return r
}

func (e *Engine) dispatch(ctx context.Context, in Inbound) (Outcome, error) {
	t, err := e.store.Running(ctx, in.Identity, in.Role)
	if err != nil {
		return Outcome{}, err
	}
	text := normalize(in.Text)

	switch commands[text] {
	case cmdCancel:
		return e.cancel(ctx, t)
	case cmdLogout:
		return e.logout(ctx, in.Identity)
	case cmdSwitch:
		return e.switchRole(ctx, t)
	case cmdRecover:
		return e.recover(ctx, in)
	case cmdMenu:
		return e.menu(in.Role, t), nil
	}
	if typ, ok := triggers[text]; ok {
		return e.startFlow(ctx, in, t, typ)
	}
	if t != nil {
		return e.coord.Advance(ctx, t, in)
	}
	return e.menu(in.Role, nil), nil
}

func (e *Engine) menu(role task.Role, running *task.Task) Outcome {
	out := Outcome{Task: running}
	if role == task.RoleProvider {
		out.say(Message{Text: e.catalog.Text("menu_provider")})
	} else {
		out.say(Message{Text: e.catalog.Text("menu_customer")})
	}
	if running != nil {
		out.say(Message{Text: e.catalog.Text("busy", e.catalog.Title(running.Type))})
		out.say(e.coord.Prompt(running)...)
	}
	return out
}

func (e *Engine) startFlow(ctx context.Context, in Inbound, running *task.Task, typ task.Type) (Outcome, error) {
	def, ok := e.defs.Lookup(in.Role, typ)
	if !ok {
		out := Outcome{Task: running}
		switch typ {
		case task.TypeAddCounterpart:
			out.say(Message{Text: e.catalog.Text("provider_only")})
		case task.TypeContactConfirmation:
			out.say(Message{Text: e.catalog.Text("customer_only")})
		default:
			out.say(Message{Text: e.catalog.Text("unknown_type")})
		}
		return out, nil
	}
	if running != nil && running.Type != typ {
		out := Outcome{Task: running}
		out.say(Message{Text: e.catalog.Text("busy", e.catalog.Title(running.Type))})
		out.say(e.coord.Prompt(running)...)
		return out, nil
	}

	r, err := e.life.Resumable(ctx, in.Identity, in.Role, typ)
	if err != nil {
		return Outcome{Task: running}, err
	}
	if r != nil {
		return e.coord.OfferResume(ctx, r.Task, r.Idle)
	}
	return e.coord.Start(ctx, def, in.Identity)
}

// cancel stops the running task. Cancelling an edit completes it without
// applying anything.
func (e *Engine) cancel(ctx context.Context, t *task.Task) (Outcome, error) {
	if t == nil {
		return Outcome{Messages: []Message{{Text: e.catalog.Text("nothing_to_cancel")}}}, nil
	}
	out := Outcome{Task: t}
	e.validators.Retries().ResetIdentity(t.Identity)

	if t.Type == task.TypeProfileEdit {
		done, err := e.store.Update(ctx, t.ID, task.Update{Status: task.StatusCompleted, Version: t.Version})
		if err != nil {
			return out, err
		}
		out.Task = done
		out.say(Message{Text: e.catalog.Text("no_changes")})
		out.record(journal.TaskCompleted, done, map[string]any{"cancelled": true, "updated": 0})
		return out, nil
	}

	stopped, err := e.store.Stop(ctx, t.ID)
	if err != nil {
		return out, err
	}
	out.Task = stopped
	out.say(Message{Text: e.catalog.Text("cancelled", e.catalog.Title(t.Type))})
	out.record(journal.TaskStopped, stopped, map[string]any{"reason": "cancel"})
	return out, nil
}

// logout stops running tasks in every role.
func (e *Engine) logout(ctx context.Context, identity string) (Outcome, error) {
	var out Outcome
	for _, role := range task.Roles {
		t, err := e.store.Running(ctx, identity, role)
		if err != nil {
			return out, err
		}
		if _, err := e.store.StopAllRunning(ctx, identity, role); err != nil {
			return out, err
		}
		if t != nil {
			t.Status = task.StatusStopped
			out.record(journal.TaskStopped, t, map[string]any{"reason": "logout"})
		}
	}
	e.validators.Retries().ResetIdentity(identity)
	out.say(Message{Text: e.catalog.Text("logged_out")})
	return out, nil
}

// switchRole stops the running task of the role being left.
func (e *Engine) switchRole(ctx context.Context, t *task.Task) (Outcome, error) {
	if t == nil {
		return Outcome{Messages: []Message{{Text: e.catalog.Text("switched_idle")}}}, nil
	}
	out := Outcome{Task: t}
	stopped, err := e.store.Stop(ctx, t.ID)
	if err != nil {
		return out, err
	}
	e.validators.Retries().ResetIdentity(t.Identity)
	out.Task = stopped
	out.say(Message{Text: e.catalog.Text("switched", e.catalog.Title(t.Type))})
	out.record(journal.TaskStopped, stopped, map[string]any{"reason": "role_switch"})
	return out, nil
}

func (e *Engine) recover(ctx context.Context, in Inbound) (Outcome, error) {
	t, err := e.life.Recover(ctx, in.Identity)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.NotFound:
			return Outcome{Messages: []Message{{Text: e.catalog.Text("nothing_to_recover")}}}, nil
		case fault.Timeout:
			e.log.Info("recovery window passed", "identity", in.Identity, "error", err)
			return Outcome{Messages: []Message{{Text: fault.UserMessage(err)}}}, nil
		case fault.Conflict:
			// Another task took the slot since it expired. The slot belongs to
			// the expired task's role, which need not be in.Role.
			role := in.Role
			if t != nil {
				role = t.Role
			}
			running, rerr := e.store.Running(ctx, in.Identity, role)
			if rerr != nil || running == nil {
				return Outcome{}, err
			}
			out := Outcome{Task: running}
			out.say(Message{Text: e.catalog.Text("busy", e.catalog.Title(running.Type))})
			return out, nil
		}
		return Outcome{}, err
	}
	e.obs.Transition(t.Type, "recovered")
	out := Outcome{Task: t}
	out.say(Message{Text: e.catalog.Text("recovered", e.catalog.Title(t.Type))})
	out.say(e.coord.Prompt(t)...)
	return out, nil
}

// emit records transitions in the journal and counts them.
func (e *Engine) emit(ctx context.Context, in Inbound, out Outcome) {
	for _, ev := range out.Events {
		typ := task.Type(str(ev.Content, "task_type"))
		e.obs.Transition(typ, strings.TrimPrefix(ev.Type, "task."))
		switch ev.Type {
		case journal.TaskRetry:
			e.obs.ValidationFailed(str(ev.Content, "field"))
		case journal.TaskRetryExceeded:
			e.obs.ValidationFailed(str(ev.Content, "field"))
			e.obs.RetriesExceeded(str(ev.Content, "field"))
		case journal.TaskFinalizeFailed:
			e.obs.FinalizeFailed(typ)
		}
		if e.journal == nil {
			continue
		}
		if _, err := e.journal.Append(ctx, ev.Type, ev.TaskID, in.Identity, ev.Content); err != nil {
			e.log.Warn("journal append failed", "task_id", ev.TaskID, "type", ev.Type, "error", err)
		}
	}
}

// send delivers messages best effort. A failed send never changes task state.
func (e *Engine) send(ctx context.Context, to string, msgs []Message) {
	if e.sink == nil {
		return
	}
	for _, m := range msgs {
		var err error
		if len(m.Options) > 0 {
			opts := make([]messaging.Option, len(m.Options))
			for i, o := range m.Options {
				opts[i] = messaging.Option{ID: o.Value, Label: o.Label}
			}
			err = e.sink.SendChoice(ctx, to, m.Text, opts)
		} else {
			err = e.sink.SendText(ctx, to, m.Text)
		}
		if err != nil {
			e.log.Warn("send failed", "to", to, "error", err)
		}
	}
}
