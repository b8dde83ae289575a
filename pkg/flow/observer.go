package flow

import "flowdesk/pkg/task"

// Observer receives engine counters. The telemetry package provides the
// Prometheus implementation.
type Observer interface {
	Transition(typ task.Type, outcome string)
	ValidationFailed(field string)
	RetriesExceeded(field string)
	FinalizeFailed(typ task.Type)
	Expired(n int)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Transition(task.Type, string) {}
func (NopObserver) ValidationFailed(string)      {}
func (NopObserver) RetriesExceeded(string)       {}
func (NopObserver) FinalizeFailed(task.Type)     {}
func (NopObserver) Expired(int)                  {}
