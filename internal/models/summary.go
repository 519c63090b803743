package models

import "time"

// CycleState is the orchestrator's position within a sync cycle.
type CycleState string

const (
	CycleIdle        CycleState = "idle"
	CycleFetching    CycleState = "fetching"
	CycleAggregating CycleState = "aggregating"
	CycleDispatching CycleState = "dispatching"
)

// GroupOutcome is the result of dispatching one customer group.
type GroupOutcome string

const (
	OutcomeProcessed GroupOutcome = "processed"
	OutcomeTransient GroupOutcome = "transient"
	OutcomePermanent GroupOutcome = "permanent"
	OutcomeStorage   GroupOutcome = "storage"
	OutcomeSkipped   GroupOutcome = "skipped"
)

// GroupFailure describes one group that did not complete in a cycle.
type GroupFailure struct {
	Email    string       `json:"email" yaml:"email"`
	Outcome  GroupOutcome `json:"outcome" yaml:"outcome"`
	Events   int          `json:"events" yaml:"events"`
	Error    string       `json:"error" yaml:"error"`
	Attempts int          `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// CycleSummary reports the outcome of one sync cycle. It is kept in memory only.
type CycleSummary struct {
	CycleID     string         `json:"cycle_id" yaml:"cycle_id"`
	Trigger     string         `json:"trigger" yaml:"trigger"`
	Mode        SyncMode       `json:"mode" yaml:"mode"`
	Cutoff      time.Time      `json:"cutoff" yaml:"cutoff"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time      `json:"finished_at" yaml:"finished_at"`
	EventsFound int            `json:"events_found" yaml:"events_found"`
	Groups      int            `json:"groups" yaml:"groups"`
	Processed   int            `json:"processed" yaml:"processed"`
	Failed      int            `json:"failed" yaml:"failed"`
	Skipped     int            `json:"skipped" yaml:"skipped"`
	Permanent   int            `json:"permanent" yaml:"permanent"`
	Transient   int            `json:"transient" yaml:"transient"`
	Failures    []GroupFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the wall time the cycle took.
func (s *CycleSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Success reports whether every group in the cycle was processed.
func (s *CycleSummary) Success() bool {
	return s.Error == "" && s.Failed == 0 && s.Skipped == 0
}
