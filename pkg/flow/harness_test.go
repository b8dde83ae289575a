package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowdesk/pkg/journal"
	"flowdesk/pkg/link"
	"flowdesk/pkg/messaging"
	"flowdesk/pkg/record"
	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

const (
	provider = "+919876543210"
	customer = "+919876543211"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type counts struct {
	mu          sync.Mutex
	transitions map[string]int
	failed      map[string]int
	exceeded    map[string]int
	finalize    int
	expired     int
}

func newCounts() *counts {
	return &counts{transitions: map[string]int{}, failed: map[string]int{}, exceeded: map[string]int{}}
}

func (c *counts) Transition(typ task.Type, outcome string) {
	c.mu.Lock()
	c.transitions[string(typ)+"/"+outcome]++
	c.mu.Unlock()
}

func (c *counts) ValidationFailed(field string) {
	c.mu.Lock()
	c.failed[field]++
	c.mu.Unlock()
}

func (c *counts) RetriesExceeded(field string) {
	c.mu.Lock()
	c.exceeded[field]++
	c.mu.Unlock()
}

func (c *counts) FinalizeFailed(task.Type) {
	c.mu.Lock()
	c.finalize++
	c.mu.Unlock()
}

func (c *counts) Expired(n int) {
	c.mu.Lock()
	c.expired += n
	c.mu.Unlock()
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock
	tasks     *task.MemStore
	providers *record.MemStore
	customers *record.MemStore
	links     *link.MemStore
	journal   *journal.MemStore
	sink      *messaging.Recorder
	retries   *validate.RetryCounter
	obs       *counts
	catalog   *Catalog
	engine    *Engine
	life      *Lifecycle
	defs      *Definitions
	seq       int
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		tasks:     task.NewMemStore(),
		providers: record.NewMemStore(task.RoleProvider),
		customers: record.NewMemStore(task.RoleCustomer),
		links:     link.NewMemStore(),
		journal:   journal.NewMemStore(),
		sink:      &messaging.Recorder{},
		retries:   validate.NewRetryCounter(validate.DefaultMaxRetries, time.Hour, 1000),
		obs:       newCounts(),
		catalog:   DefaultCatalog(),
	}
	h.tasks.SetClock(h.clock.Now)
	logger := quietLogger()

	defs, err := BuiltinDefinitions(Deps{
		Catalog: h.catalog,
		Records: record.NewRegistry(map[task.Role]record.Capability{
			task.RoleProvider: h.providers,
			task.RoleCustomer: h.customers,
		}),
		Links:    h.links,
		Sink:     h.sink,
		Region:   "IN",
		PriceMin: 1,
		PriceMax: 100000,
		Logger:   logger,
	})
	require.NoError(t, err)
	h.defs = defs

	h.life = NewLifecycle(h.tasks, h.journal, h.obs, DefaultWindows, 2, logger)
	h.life.SetClock(h.clock.Now)
	h.engine = New(Options{
		Store:       h.tasks,
		Definitions: defs,
		Validators:  validate.NewRegistry(h.retries),
		Lifecycle:   h.life,
		Sink:        h.sink,
		Journal:     h.journal,
		Observer:    h.obs,
		Catalog:     h.catalog,
		Policy:      policy,
		Logger:      logger,
	})
	h.engine.Coordinator().SetClock(h.clock.Now)
	return h
}

// send delivers text with a fresh message id and requires no error.
func (h *harness) send(identity string, role task.Role, text string) Reply {
	h.t.Helper()
	r, err := h.handle(identity, role, text)
	require.NoError(h.t, err, "message %q", text)
	return r
}

func (h *harness) handle(identity string, role task.Role, text string) (Reply, error) {
	h.seq++
	return h.engine.Handle(h.ctx, Inbound{
		MessageID: fmt.Sprintf("msg-%d", h.seq),
		Identity:  identity,
		Role:      role,
		Text:      text,
	})
}

func (h *harness) running(identity string, role task.Role) *task.Task {
	h.t.Helper()
	t, err := h.tasks.Running(h.ctx, identity, role)
	require.NoError(h.t, err)
	return t
}

func (h *harness) get(id string) *task.Task {
	h.t.Helper()
	t, err := h.tasks.Get(h.ctx, id)
	require.NoError(h.t, err)
	return t
}

func (h *harness) journalTypes(taskID string) []string {
	h.t.Helper()
	entries, err := h.journal.ByTask(h.ctx, taskID, 100)
	require.NoError(h.t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func texts(r Reply) []string {
	out := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = m.Text
	}
	return out
}

func lastText(r Reply) string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Text
}

func (h *harness) stepText(n, total int, field string) string {
	return h.catalog.Text("step", n, total, h.catalog.Prompt(field))
}
