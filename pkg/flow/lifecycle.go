package flow

import (
	"context"
	"log/slog"
	"time"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/task"
)

// Windows are the inactivity thresholds of the session lifecycle.
type Windows struct {
	Resume   time.Duration // idle time after which a running task counts as abandoned
	Expire   time.Duration // idle time after which a sweep expires a running task
	Recovery time.Duration // how long after expiry a task can still be recovered
}

// DefaultWindows are 24h resume, 48h expire and 24h recovery.
var DefaultWindows = Windows{Resume: 24 * time.Hour, Expire: 48 * time.Hour, Recovery: 24 * time.Hour}

// Resumable describes a running task a new flow start should offer to resume.
type Resumable struct {
	Task      *task.Task    `json:"task"`
	Idle      time.Duration `json:"idle"`
	Abandoned bool          `json:"abandoned"` // idle longer than the resume window
}

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Scanned int       `json:"scanned"`
	Expired int       `json:"expired"`
	Cutoff  time.Time `json:"cutoff"`
}

// Lifecycle handles abandonment, expiry and recovery. It never schedules
// itself; sweeps are triggered from outside.
type Lifecycle struct {
	store   task.Store
	journal journal.Store
	obs     Observer
	windows Windows
	batch   int
	now     func() time.Time
	log     *slog.Logger
}

// NewLifecycle creates a Lifecycle. journal and obs may be nil.
func NewLifecycle(store task.Store, j journal.Store, obs Observer, w Windows, batch int, logger *slog.Logger) *Lifecycle {
	if batch <= 0 {
		batch = 500
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   store,
		journal: j,
		obs:     obs,
		windows: w,
		batch:   batch,
		now:     time.Now,
		log:     logger.With("component", "lifecycle"),
	}
}

// SetClock replaces the clock.
func (l *Lifecycle) SetClock(now func() time.Time) { l.now = now }

// Windows returns the configured thresholds.
func (l *Lifecycle) Windows() Windows { return l.windows }

// Resumable returns the running task of type typ for identity and role, or
// nil. Any such task is surfaced so a second start never silently replaces
// it; Abandoned tells the caller it has been idle past the resume window.
func (l *Lifecycle) Resumable(ctx context.Context, identity string, role task.Role, typ task.Type) (*Resumable, error) {
	t, err := l.store.Running(ctx, identity, role)
	if err != nil || t == nil || t.Type != typ {
		return nil, err
	}
	idle := l.now().Sub(t.UpdatedAt)
	return &Resumable{Task: t, Idle: idle, Abandoned: idle > l.windows.Resume}, nil
}

// Sweep expires every running task idle past the expire window. Completed,
// stopped and already expired tasks are never touched.
func (l *Lifecycle) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Cutoff: l.now().Add(-l.windows.Expire)}
	for {
		stale, err := l.store.ListStale(ctx, rep.Cutoff, l.batch)
		if err != nil {
			return rep, err
		}
		rep.Scanned += len(stale)
		expired := 0
		for _, t := range stale {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			ok, err := l.store.Expire(ctx, t.ID)
			if err != nil {
				return rep, err
			}
			if !ok {
				continue
			}
			expired++
			l.append(ctx, journal.TaskExpired, &t, map[string]any{"idle": l.now().Sub(t.UpdatedAt).String()})
		}
		rep.Expired += expired
		if len(stale) < l.batch || expired == 0 {
			break
		}
	}
	if rep.Expired > 0 {
		l.obs.Expired(rep.Expired)
		l.log.Info("sweep expired tasks", "expired", rep.Expired, "scanned", rep.Scanned, "cutoff", rep.Cutoff)
	}
	return rep, nil
}

// Recover reactivates identity's most recently expired task if it expired
// less than the recovery window ago. Step and data come back exactly as
// persisted. When another task now holds the expired task's slot, the
// expired task is returned with a Conflict fault.
func (l *Lifecycle) Recover(ctx context.Context, identity string) (*task.Task, error) {
	t, err := l.store.LatestExpired(ctx, identity)
	if err != nil {
		return nil, err
	}
	if t == nil || t.ExpiredAt == nil {
		return nil, fault.Errorf(fault.NotFound, "flow.recover", "no expired task for %s", identity)
	}
	if age := l.now().Sub(*t.ExpiredAt); age >= l.windows.Recovery {
		return nil, fault.Errorf(fault.Timeout, "flow.recover", "task %s expired %s ago", t.ID, age.Round(time.Second))
	}
	back, err := l.store.Reactivate(ctx, t.ID)
	if fault.Is(err, fault.Conflict) {
		return t, err
	}
	if err != nil {
		return nil, err
	}
	l.append(ctx, journal.TaskRecovered, back, nil)
	return back, nil
}

func (l *Lifecycle) append(ctx context.Context, typ string, t *task.Task, content map[string]any) {
	if l.journal == nil {
		return
	}
	if content == nil {
		content = map[string]any{}
	}
	content["task_type"] = string(t.Type)
	content["step"] = t.Step
	if _, err := l.journal.Append(ctx, typ, t.ID, t.Identity, content); err != nil {
		l.log.Warn("journal append failed", "task_id", t.ID, "type", typ, "error", err)
	}
}
