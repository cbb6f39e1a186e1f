// Package replay implements SnapshotReplayer: reconstructing every
// intermediate L2 snapshot between simulator-published boundaries by
// applying a book's event stream to a prior snapshot, one event at a time.
//
// Replay is a pure function of its inputs (prev snapshot + events): given
// the same two arguments it produces byte-identical snapshots, which is what
// lets HistoryManager reconcile against the simulator's own published state.
package replay

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"taosim-validator/pkg/types"
)

// Result is the output of replaying one book's event stream: every
// intermediate snapshot and every trade, keyed by event timestamp.
type Result struct {
	Snapshots map[int64]types.L2Snapshot
	Trades    map[int64]types.Trade
}

// Replay applies events in timestamp order on top of prev, recording a new
// snapshot after each event. All arithmetic rounds to volumeDecimals.
// Zero-quantity levels are deleted before the next event is applied.
func Replay(prev types.L2Snapshot, events types.EventStream, volumeDecimals int32) Result {
	result := Result{
		Snapshots: make(map[int64]types.L2Snapshot, len(events)),
		Trades:    make(map[int64]types.Trade),
	}

	current := prev.Clone()
	for _, evt := range events {
		switch evt.Kind {
		case types.EventOrder:
			applyOrder(&current, evt.Order, volumeDecimals)
		case types.EventTrade:
			applyTrade(&current, evt.TradeEvent, volumeDecimals)
			result.Trades[evt.Timestamp] = *evt.TradeEvent
		case types.EventCancellation:
			applyCancellation(&current, evt.CancelEvent, volumeDecimals)
		}
		current.Timestamp = evt.Timestamp
		result.Snapshots[evt.Timestamp] = current.Clone()
	}

	return result
}

// applyOrder adds qty to the level at price on the order's side, creating
// the level if absent.
func applyOrder(snap *types.L2Snapshot, order *types.Order, volumeDecimals int32) {
	if order == nil || order.Price == nil {
		return // market orders never rest on the book
	}
	addQuantity(snap, order.Side, *order.Price, order.Quantity, volumeDecimals)
}

// applyTrade subtracts qty from the side opposite the aggressing order
// (resting liquidity is consumed on the side that did NOT aggress).
func applyTrade(snap *types.L2Snapshot, trade *types.Trade, volumeDecimals int32) {
	if trade == nil {
		return
	}
	restingSide := trade.Side.Opposite()
	addQuantity(snap, restingSide, trade.Price, trade.Quantity.Neg(), volumeDecimals)
}

// applyCancellation subtracts qty from whichever side holds the price. The
// side is inferred from the cancellation's price: price >= best ask => ASK,
// else BID; if best ask is undefined (one-sided book), try ASK first, then
// BID (resolves the spec's Open Question on cancellation side inference).
// A cancellation with no price is ignored.
func applyCancellation(snap *types.L2Snapshot, cancel *types.Cancellation, volumeDecimals int32) {
	if cancel == nil {
		return
	}

	side, price, ok := resolveCancellationSide(snap, cancel)
	if !ok {
		return
	}

	qty := cancel.Quantity
	if qty == nil {
		// Cancel full remaining: remove the level entirely.
		delete(snap.SideMap(side), price.String())
		return
	}

	addQuantity(snap, side, price, qty.Neg(), volumeDecimals)
}

// resolveCancellationSide determines which side a cancellation applies to
// and the price to use.
func resolveCancellationSide(snap *types.L2Snapshot, cancel *types.Cancellation) (types.Side, decimal.Decimal, bool) {
	if cancel.Price != nil {
		price := *cancel.Price
		bestAsk, hasAsk := snap.BestAsk()
		if hasAsk && price.GreaterThanOrEqual(bestAsk.Price) {
			return types.Ask, price, true
		}
		if hasAsk {
			return types.Bid, price, true
		}
		// best ask undefined: try ASK first (per resolved heuristic), then BID.
		if _, ok := snap.Asks[price.String()]; ok {
			return types.Ask, price, true
		}
		if _, ok := snap.Bids[price.String()]; ok {
			return types.Bid, price, true
		}
		return types.Ask, price, true
	}

	// No price given at all: nothing to key the cancellation on.
	return "", decimal.Zero, false
}

func addQuantity(snap *types.L2Snapshot, side types.Side, price, delta decimal.Decimal, volumeDecimals int32) {
	levels := snap.SideMap(side)
	key := price.String()

	existing, ok := levels[key]
	if !ok {
		existing = types.PriceLevel{Price: price, Quantity: decimal.Zero}
	}

	newQty := existing.Quantity.Add(delta).Round(volumeDecimals)
	if newQty.Sign() <= 0 {
		delete(levels, key)
		return
	}

	levels[key] = types.PriceLevel{Price: price, Quantity: newQty}
}

// Job is one independently-replayable unit of work: a single book's prior
// snapshot and event stream.
type Job struct {
	BookID         int
	Prev           types.L2Snapshot
	Events         types.EventStream
	VolumeDecimals int32
}

// BatchResult pairs a Job's BookID with its Result.
type BatchResult struct {
	BookID int
	Result Result
}

// ReplayBatch fans independent per-book replay jobs out across a bounded
// worker pool. Books never share mutable state, so this is purely a
// throughput optimization (grounded on original_source's loky-based
// batch_history/history_batch), mirrored here with errgroup bounding
// concurrency to `workers` goroutines.
func ReplayBatch(ctx context.Context, jobs []Job, workers int) ([]BatchResult, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]BatchResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			results[i] = BatchResult{
				BookID: job.BookID,
				Result: Replay(job.Prev, job.Events, job.VolumeDecimals),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("replay: batch: %w", err)
	}
	return results, nil
}
