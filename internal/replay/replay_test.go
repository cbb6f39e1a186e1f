package replay

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"taosim-validator/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// TestReplayEmptyBookScenario implements spec §8 concrete scenario 1:
// prev has a single bid 100@1.0; an incoming ASK order at 100 crosses the
// book immediately, producing a trade that consumes the resting bid. The
// aggressor's own (never-resting) side contributes no level. Expected: bid
// level 100 disappears, trade recorded at the trade's timestamp.
func TestReplayEmptyBookScenario(t *testing.T) {
	prev := types.NewL2Snapshot(0)
	prev.Bids["100"] = types.PriceLevel{Price: dec("100"), Quantity: dec("1.0")}

	events := types.EventStream{
		{
			Kind:      types.EventTrade,
			Timestamp: 2,
			TradeEvent: &types.Trade{
				ID:       "t1",
				Side:     types.Ask, // aggressor direction: incoming order was an ASK
				Price:    dec("100"),
				Quantity: dec("1.0"),
			},
		},
	}

	result := Replay(prev, events, 8)

	final := result.Snapshots[2]
	if len(final.Asks) != 0 {
		t.Fatalf("expected asks empty, got %v", final.Asks)
	}
	if _, ok := final.Bids["100"]; ok {
		t.Fatalf("expected bid level 100 gone, got %v", final.Bids)
	}
	if _, ok := result.Trades[2]; !ok {
		t.Fatal("expected trade recorded at timestamp 2")
	}
}

func TestReplayIsPureFunction(t *testing.T) {
	prev := types.NewL2Snapshot(0)
	prev.Bids["100"] = types.PriceLevel{Price: dec("100"), Quantity: dec("5")}

	events := types.EventStream{
		{Kind: types.EventOrder, Timestamp: 1, Order: &types.Order{Side: types.Bid, Price: ptr(dec("99")), Quantity: dec("3")}},
	}

	r1 := Replay(prev, events, 8)
	r2 := Replay(prev, events, 8)

	if len(r1.Snapshots) != len(r2.Snapshots) {
		t.Fatalf("expected identical snapshot counts, got %d vs %d", len(r1.Snapshots), len(r2.Snapshots))
	}
	for ts, snap1 := range r1.Snapshots {
		snap2, ok := r2.Snapshots[ts]
		if !ok {
			t.Fatalf("missing timestamp %d in second run", ts)
		}
		if len(snap1.Bids) != len(snap2.Bids) || len(snap1.Asks) != len(snap2.Asks) {
			t.Fatalf("snapshots diverge at ts %d", ts)
		}
	}
}

func TestReplayCancellationSideHeuristic(t *testing.T) {
	prev := types.NewL2Snapshot(0)
	prev.Bids["99"] = types.PriceLevel{Price: dec("99"), Quantity: dec("2")}
	prev.Asks["101"] = types.PriceLevel{Price: dec("101"), Quantity: dec("2")}

	events := types.EventStream{
		{
			Kind:      types.EventCancellation,
			Timestamp: 1,
			CancelEvent: &types.Cancellation{
				Price:    ptr(dec("101")),
				Quantity: ptr(dec("1")),
			},
		},
	}

	result := Replay(prev, events, 8)
	final := result.Snapshots[1]

	lvl, ok := final.Asks["101"]
	if !ok || !lvl.Quantity.Equal(dec("1")) {
		t.Fatalf("expected ask 101 reduced to 1, got %v ok=%v", lvl, ok)
	}
}

func TestReplayCancellationOneSidedBookFallsBackToBid(t *testing.T) {
	prev := types.NewL2Snapshot(0)
	prev.Bids["50"] = types.PriceLevel{Price: dec("50"), Quantity: dec("3")}
	// no ask levels at all -> best ask undefined

	events := types.EventStream{
		{
			Kind:      types.EventCancellation,
			Timestamp: 1,
			CancelEvent: &types.Cancellation{
				Price:    ptr(dec("50")),
				Quantity: ptr(dec("1")),
			},
		},
	}

	result := Replay(prev, events, 8)
	final := result.Snapshots[1]

	// No ask level exists at 50, so the ASK-first probe misses and falls
	// back to BID, which does have it.
	lvl, ok := final.Bids["50"]
	if !ok || !lvl.Quantity.Equal(dec("2")) {
		t.Fatalf("expected bid 50 reduced to 2, got %v ok=%v", lvl, ok)
	}
}

func TestReplayBatchIndependentBooks(t *testing.T) {
	jobs := make([]Job, 0, 4)
	for b := 0; b < 4; b++ {
		prev := types.NewL2Snapshot(0)
		prev.Bids["10"] = types.PriceLevel{Price: dec("10"), Quantity: dec("1")}
		jobs = append(jobs, Job{
			BookID: b,
			Prev:   prev,
			Events: types.EventStream{
				{Kind: types.EventOrder, Timestamp: 1, Order: &types.Order{Side: types.Bid, Price: ptr(dec("10")), Quantity: dec("1")}},
			},
			VolumeDecimals: 8,
		})
	}

	results, err := ReplayBatch(context.Background(), jobs, 2)
	if err != nil {
		t.Fatalf("replay batch: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		lvl := r.Result.Snapshots[1].Bids["10"]
		if !lvl.Quantity.Equal(dec("2")) {
			t.Fatalf("book %d: expected qty 2, got %v", r.BookID, lvl.Quantity)
		}
	}
}
