// Package metrics names the metric surface StepOrchestrator and its
// sub-components would publish to Prometheus in a full deployment.
// Publication itself is an external collaborator (§1 Non-goals) — this
// package is the interface contract a future exporter implements, grounded
// on the counter/gauge/vec shape in chidi150c-coinbase/metrics.go, not a
// running prometheus.Registry.
package metrics

import "time"

// Collector receives step-lifecycle observations. A no-op implementation
// satisfies every caller; a Prometheus-backed implementation can be wired in
// without touching StepOrchestrator.
type Collector interface {
	// StepDuration records one RunStep call's wall-clock time.
	StepDuration(d time.Duration)

	// FanoutOutcome increments a counter for one fanout result kind
	// ("success", "timeout", "failure", "blacklisted").
	FanoutOutcome(kind string)

	// ValidationDrop increments a counter for one validation drop reason
	// ("cap_gated", "book_out_of_bounds", "over_capped", "reset_dropped",
	// "agent_id_mismatch", "decompress_failed").
	ValidationDrop(reason string)

	// ScoreObserved records one agent's aggregate score for the step.
	ScoreObserved(uid uint32, score float64)

	// BackgroundWorkerDuration records one guarded worker's run time
	// ("scoring", "history", "saving", "reporting").
	BackgroundWorkerDuration(worker string, d time.Duration)
}

// Noop discards every observation; the default Collector until an exporter
// is wired.
type Noop struct{}

func (Noop) StepDuration(time.Duration)                  {}
func (Noop) FanoutOutcome(string)                        {}
func (Noop) ValidationDrop(string)                       {}
func (Noop) ScoreObserved(uint32, float64)               {}
func (Noop) BackgroundWorkerDuration(string, time.Duration) {}
