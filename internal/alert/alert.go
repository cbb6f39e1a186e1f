// Package alert names the alerting contract a PagerDuty integration would
// satisfy. Dispatch itself is an external collaborator (§1 Non-goals); this
// package is the interface StepOrchestrator's background workers call on
// failure, grounded on the teacher's error-path logging convention
// (log first, never block the step cycle on alert delivery).
package alert

import "context"

// Notifier raises an alert for a named source with a human-readable
// message. Implementations must not block the caller for long — a
// PagerDuty-backed Notifier should enqueue and return.
type Notifier interface {
	Alert(ctx context.Context, source, message string) error
}

// Noop discards every alert; the default Notifier until PagerDuty is wired.
type Noop struct{}

func (Noop) Alert(context.Context, string, string) error { return nil }
