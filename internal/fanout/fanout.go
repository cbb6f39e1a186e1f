package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taosim-validator/pkg/types"
)

// Stagger is the minimum gap enforced between successive query launches, to
// avoid a microburst of simultaneous connection attempts collapsing the
// local ephemeral-port / file-descriptor pool.
const Stagger = 2 * time.Millisecond

// Params bounds one step's fanout.
type Params struct {
	AxonTimeout  time.Duration // soft, per-axon
	QueryTimeout time.Duration // hard wall-clock per query
	StepDeadline time.Duration // hard wall-clock for the whole fanout
	Concurrency  int           // max in-flight queries
}

// Target is one axon to query, carrying its pre-built envelope.
type Target struct {
	UID      uint32
	URL      string
	Envelope string
	Blacklisted bool
}

// Fanout queries every axon in targets, each exactly once, staggering
// launches by Stagger and returning as soon as every query has resolved
// (success, timeout, or failure) or the step deadline elapses, whichever is
// first. Axons still outstanding when the deadline fires are reported
// Timeout without waiting for a graceful connection close.
func Run(ctx context.Context, client *Client, targets []Target, p Params, logger *slog.Logger) map[uint32]types.Outcome {
	stepCtx, cancel := context.WithTimeout(ctx, p.StepDeadline)
	defer cancel()

	sem := NewSemaphore(p.Concurrency)

	results := make(map[uint32]types.Outcome, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, target := range targets {
		if target.Blacklisted {
			mu.Lock()
			results[target.UID] = types.Outcome{UID: target.UID, Kind: types.OutcomeBlacklisted}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()

			select {
			case <-time.After(time.Duration(i) * Stagger):
			case <-stepCtx.Done():
				mu.Lock()
				results[target.UID] = types.Outcome{UID: target.UID, Kind: types.OutcomeTimeout, Reason: "step deadline before launch"}
				mu.Unlock()
				return
			}

			outcome := queryOne(stepCtx, client, sem, target, p, logger)

			mu.Lock()
			results[target.UID] = outcome
			mu.Unlock()
		}(i, target)
	}

	wg.Wait()
	return results
}

func queryOne(stepCtx context.Context, client *Client, sem *Semaphore, target Target, p Params, logger *slog.Logger) types.Outcome {
	if err := sem.Acquire(stepCtx); err != nil {
		return types.Outcome{UID: target.UID, Kind: types.OutcomeTimeout, Reason: "semaphore: " + err.Error()}
	}
	defer sem.Release()

	axonTimeout := p.AxonTimeout
	if p.QueryTimeout < axonTimeout {
		axonTimeout = p.QueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(stepCtx, axonTimeout)
	defer cancel()

	start := time.Now()
	result := client.query(queryCtx, target.URL, target.Envelope)
	elapsed := time.Since(start)

	if result.err != nil {
		kind := types.OutcomeFailure
		if errors.Is(result.err, context.DeadlineExceeded) || errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			kind = types.OutcomeTimeout
		}
		logger.Debug("fanout query failed", "uid", target.UID, "kind", kind, "err", result.err)
		return types.Outcome{UID: target.UID, Kind: kind, ProcessTime: elapsed, Reason: result.err.Error()}
	}

	return types.Outcome{
		UID:         target.UID,
		Kind:        types.OutcomeSuccess,
		RawPayload:  result.body,
		ProcessTime: elapsed,
	}
}

// ValidateExactlyOnce checks every target produced exactly one outcome —
// a violation is a programming error, not a runtime condition to recover
// from, so the caller is expected to treat a non-nil return as fatal.
func ValidateExactlyOnce(targets []Target, results map[uint32]types.Outcome) error {
	if len(results) != len(targets) {
		return fmt.Errorf("fanout: expected %d outcomes, got %d", len(targets), len(results))
	}
	for _, t := range targets {
		if _, ok := results[t.UID]; !ok {
			return fmt.Errorf("fanout: missing outcome for uid %d", t.UID)
		}
	}
	return nil
}
