package history

import (
	"testing"

	"github.com/shopspring/decimal"

	"taosim-validator/internal/replay"
	"taosim-validator/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestUpdateSerializesConcurrentCallers(t *testing.T) {
	m := NewManager(1000, 10)
	key := Key{ValidatorID: "v1", BookID: 1}

	release, err := m.Update(key)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	if _, err := m.Update(key); err != ErrUpdateInProgress {
		t.Fatalf("expected ErrUpdateInProgress, got %v", err)
	}

	release()

	if _, err := m.Update(key); err != nil {
		t.Fatalf("expected update to succeed after release, got %v", err)
	}
}

func TestAppendEnforcesRetention(t *testing.T) {
	m := NewManager(100, 10)
	key := Key{ValidatorID: "v1", BookID: 1}

	snaps := map[int64]types.L2Snapshot{
		0:   types.NewL2Snapshot(0),
		50:  types.NewL2Snapshot(50),
		200: types.NewL2Snapshot(200),
	}
	m.Append(key, replay.Result{Snapshots: snaps, Trades: map[int64]types.Trade{}})

	got, _, ok := m.Read(key)
	if !ok {
		t.Fatal("expected history present")
	}
	if _, ok := got[0]; ok {
		t.Fatalf("expected timestamp 0 evicted by retention, got %v", got)
	}
	if _, ok := got[200]; !ok {
		t.Fatal("expected timestamp 200 retained")
	}
}

// TestReconcileLiftScenario implements spec §8 concrete scenario 2:
// reconstructed top ask is 1.0@101, target is 3.0@101. existing_volume
// should be 2.0, lifted into history, final snapshot matches target.
func TestReconcileLiftScenario(t *testing.T) {
	m := NewManager(100000, 10)
	key := Key{ValidatorID: "v1", BookID: 1}

	reconstructed := types.NewL2Snapshot(10)
	reconstructed.Asks["101"] = types.PriceLevel{Price: dec("101"), Quantity: dec("1.0")}

	m.Append(key, replay.Result{
		Snapshots: map[int64]types.L2Snapshot{10: reconstructed},
		Trades:    map[int64]types.Trade{},
	})

	target := types.NewL2Snapshot(11)
	target.Asks["101"] = types.PriceLevel{Price: dec("101"), Quantity: dec("3.0")}

	result := m.Reconcile(key, reconstructed, target)

	got := result.ExistingVolume[types.Ask]["101"]
	if !got.Equal(dec("2.0")) {
		t.Fatalf("expected existing_volume[ASK][101]=2.0, got %v", got)
	}

	snaps, _, _ := m.Read(key)
	lifted := snaps[10]
	lvl := lifted.Asks["101"]
	if !lvl.Quantity.Equal(dec("3.0")) {
		t.Fatalf("expected lifted snapshot ask 101 = 3.0, got %v", lvl.Quantity)
	}

	if len(result.Discrepancies) != 0 {
		t.Fatalf("expected no residual discrepancy, got %v", result.Discrepancies)
	}
}

func TestGapPolicy(t *testing.T) {
	m := NewManager(1000, 10)
	key := Key{ValidatorID: "v1", BookID: 1}

	m.Append(key, replay.Result{
		Snapshots: map[int64]types.L2Snapshot{0: types.NewL2Snapshot(0)},
		Trades:    map[int64]types.Trade{},
	})

	if sev := m.GapSeverity(key, 50); sev != GapSmall {
		t.Fatalf("expected GapSmall, got %v", sev)
	}
	if sev := m.GapSeverity(key, 100000); sev != GapLarge {
		t.Fatalf("expected GapLarge, got %v", sev)
	}

	m.ApplyGapPolicy(key, GapLarge)
	if _, _, ok := m.Read(key); ok {
		t.Fatal("expected history dropped after large gap")
	}
}

func TestDepthBoundAfterReconcile(t *testing.T) {
	m := NewManager(100000, 2)
	key := Key{ValidatorID: "v1", BookID: 1}

	reconstructed := types.NewL2Snapshot(1)
	reconstructed.Bids["10"] = types.PriceLevel{Price: dec("10"), Quantity: dec("1")}
	reconstructed.Bids["9"] = types.PriceLevel{Price: dec("9"), Quantity: dec("1")}
	reconstructed.Bids["8"] = types.PriceLevel{Price: dec("8"), Quantity: dec("1")}

	m.Append(key, replay.Result{
		Snapshots: map[int64]types.L2Snapshot{1: reconstructed},
		Trades:    map[int64]types.Trade{},
	})

	target := types.NewL2Snapshot(2)
	m.Reconcile(key, reconstructed, target)

	snaps, _, _ := m.Read(key)
	if len(snaps[1].Bids) > 2 {
		t.Fatalf("expected depth bound of 2, got %d levels", len(snaps[1].Bids))
	}
}
