// Package history implements HistoryManager: a bounded, per-(validator,book)
// L2 history that ingests replayed snapshots, reconciles them against the
// simulator's own published snapshot (lifting the whole window by any
// "pre-existing volume" discrepancy found below the prior depth window), and
// enforces a retention window. A single in-progress flag per manager
// serializes append/reconcile so the orchestrator never observes a partially
// updated history.
package history

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"taosim-validator/internal/replay"
	"taosim-validator/pkg/types"
)

// ErrUpdateInProgress is returned by Update when a prior update for the same
// manager has not yet completed; callers should retry rather than block.
var ErrUpdateInProgress = errors.New("history: update already in progress")

// GapSeverity classifies how far a history has fallen behind the simulator's
// published timeline.
type GapSeverity int

const (
	GapNone GapSeverity = iota
	GapSmall
	GapLarge
)

// Key identifies one (validator, book) history.
type Key struct {
	ValidatorID string
	BookID      int
}

// Discrepancy is a remaining (unexplained) per-price mismatch after
// reconciliation.
type Discrepancy struct {
	Side  types.Side
	Price decimal.Decimal
	Delta decimal.Decimal // reconstructed - target, after lift
}

// bookHistory is the mutable state for one (validator, book) pair.
type bookHistory struct {
	snapshots map[int64]types.L2Snapshot
	trades    map[int64]types.Trade
	recovering bool
}

func newBookHistory() *bookHistory {
	return &bookHistory{
		snapshots: make(map[int64]types.L2Snapshot),
		trades:    make(map[int64]types.Trade),
	}
}

func (h *bookHistory) bounds() (start, end int64, ok bool) {
	first := true
	for ts := range h.snapshots {
		if first || ts < start {
			start = ts
		}
		if first || ts > end {
			end = ts
		}
		first = false
	}
	return start, end, !first
}

// Manager maintains L2History for every (validator, book) pair it has seen.
type Manager struct {
	mu          sync.RWMutex
	histories   map[Key]*bookHistory
	updating    map[Key]bool
	retentionNS int64
	depth       int
}

// NewManager creates a HistoryManager with the given retention window (ns)
// and per-side depth bound.
func NewManager(retentionNS int64, depth int) *Manager {
	return &Manager{
		histories:   make(map[Key]*bookHistory),
		updating:    make(map[Key]bool),
		retentionNS: retentionNS,
		depth:       depth,
	}
}

// Update is the non-blocking entry point: it marks the given key as "in
// progress" and returns a release function the caller must invoke when
// done. If an update is already in progress for this key, it returns
// ErrUpdateInProgress immediately rather than blocking.
func (m *Manager) Update(key Key) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updating[key] {
		return nil, ErrUpdateInProgress
	}
	m.updating[key] = true

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.updating[key] = false
	}, nil
}

// Append merges a replay Result into the key's history by timestamp, then
// enforces retention. Must be called while holding the release returned by
// Update (i.e. between Update and its release call).
func (m *Manager) Append(key Key, result replay.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		h = newBookHistory()
		m.histories[key] = h
	}

	for ts, snap := range result.Snapshots {
		h.snapshots[ts] = truncateDepth(snap, m.depth)
	}
	for ts, trade := range result.Trades {
		h.trades[ts] = trade
	}

	m.enforceRetentionLocked(h)
}

func (m *Manager) enforceRetentionLocked(h *bookHistory) {
	start, end, ok := h.bounds()
	if !ok || h.recovering {
		return
	}
	if end-start <= m.retentionNS {
		return
	}

	cutoff := end - m.retentionNS
	for ts := range h.snapshots {
		if ts < cutoff {
			delete(h.snapshots, ts)
		}
	}
	for ts := range h.trades {
		if ts < cutoff {
			delete(h.trades, ts)
		}
	}
}

// Read returns a copy of the current snapshot and trade maps for a key.
func (m *Manager) Read(key Key) (map[int64]types.L2Snapshot, map[int64]types.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return nil, nil, false
	}

	snaps := make(map[int64]types.L2Snapshot, len(h.snapshots))
	for k, v := range h.snapshots {
		snaps[k] = v
	}
	trades := make(map[int64]types.Trade, len(h.trades))
	for k, v := range h.trades {
		trades[k] = v
	}
	return snaps, trades, true
}

// GapSeverity classifies the key's current gap against `now`, per the spec's
// gap policy: small gaps mark the book RECOVERING (fresh anchor accepted
// next step); large gaps drop the history entirely.
func (m *Manager) GapSeverity(key Key, now int64) GapSeverity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return GapNone
	}
	_, end, ok := h.bounds()
	if !ok {
		return GapNone
	}
	if end+m.retentionNS/10 > now {
		return GapSmall
	}
	return GapLarge
}

// ApplyGapPolicy applies the gap policy for a key: GapSmall marks the book
// RECOVERING (accept a fresh anchor snapshot on the next Append); GapLarge
// drops the book's history so it rebuilds from scratch.
func (m *Manager) ApplyGapPolicy(key Key, severity GapSeverity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch severity {
	case GapSmall:
		h, ok := m.histories[key]
		if !ok {
			h = newBookHistory()
			m.histories[key] = h
		}
		h.recovering = true
	case GapLarge:
		delete(m.histories, key)
	}
}

// ClearRecovering drops the RECOVERING flag once a fresh anchor has been
// accepted.
func (m *Manager) ClearRecovering(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histories[key]; ok {
		h.recovering = false
	}
}

// ReconcileResult is the outcome of reconciling a reconstructed snapshot
// against the simulator's published target snapshot.
type ReconcileResult struct {
	ExistingVolume map[types.Side]map[string]decimal.Decimal
	Discrepancies  []Discrepancy
}

// Reconcile implements spec §4.2's four-step protocol:
//  1. Compute per-price deltas between reconstructed and target.
//  2. Attribute under-counted prices to "pre-existing volume".
//  3. Lift every snapshot in the key's history by that correction, re-truncate.
//  4. Recompute deltas; remaining differences are reported as discrepancies.
func (m *Manager) Reconcile(key Key, reconstructed, target types.L2Snapshot) ReconcileResult {
	existing := computeExistingVolume(reconstructed, target)

	m.mu.Lock()
	h, ok := m.histories[key]
	if ok {
		for ts, snap := range h.snapshots {
			h.snapshots[ts] = truncateDepth(liftSnapshot(snap, existing), m.depth)
		}
	}
	m.mu.Unlock()

	lifted := truncateDepth(liftSnapshot(reconstructed, existing), m.depth)

	return ReconcileResult{
		ExistingVolume: existing,
		Discrepancies:  diffSnapshots(lifted, target),
	}
}

func computeExistingVolume(reconstructed, target types.L2Snapshot) map[types.Side]map[string]decimal.Decimal {
	out := map[types.Side]map[string]decimal.Decimal{
		types.Bid: {},
		types.Ask: {},
	}
	for _, side := range []types.Side{types.Bid, types.Ask} {
		reconLevels := reconstructed.SideMap(side)
		targetLevels := target.SideMap(side)
		for key, targetLvl := range targetLevels {
			reconLvl, ok := reconLevels[key]
			reconQty := decimal.Zero
			if ok {
				reconQty = reconLvl.Quantity
			}
			if reconQty.LessThan(targetLvl.Quantity) {
				out[side][key] = targetLvl.Quantity.Sub(reconQty)
			}
		}
	}
	return out
}

func liftSnapshot(snap types.L2Snapshot, existing map[types.Side]map[string]decimal.Decimal) types.L2Snapshot {
	out := snap.Clone()
	for _, side := range []types.Side{types.Bid, types.Ask} {
		levels := out.SideMap(side)
		for priceKey, delta := range existing[side] {
			lvl, ok := levels[priceKey]
			if !ok {
				price, err := decimal.NewFromString(priceKey)
				if err != nil {
					continue
				}
				lvl = types.PriceLevel{Price: price, Quantity: decimal.Zero}
			}
			lvl.Quantity = lvl.Quantity.Add(delta)
			levels[priceKey] = lvl
		}
	}
	return out
}

func diffSnapshots(a, b types.L2Snapshot) []Discrepancy {
	var out []Discrepancy
	for _, side := range []types.Side{types.Bid, types.Ask} {
		seen := make(map[string]bool)
		for key, lvlA := range a.SideMap(side) {
			seen[key] = true
			lvlB, ok := b.SideMap(side)[key]
			targetQty := decimal.Zero
			if ok {
				targetQty = lvlB.Quantity
			}
			if delta := lvlA.Quantity.Sub(targetQty); !delta.IsZero() {
				out = append(out, Discrepancy{Side: side, Price: lvlA.Price, Delta: delta})
			}
		}
		for key, lvlB := range b.SideMap(side) {
			if seen[key] {
				continue
			}
			if !lvlB.Quantity.IsZero() {
				out = append(out, Discrepancy{Side: side, Price: lvlB.Price, Delta: decimal.Zero.Sub(lvlB.Quantity)})
			}
		}
	}
	return out
}

// truncateDepth re-truncates a snapshot to at most `depth` levels per side,
// keeping the best (highest bid / lowest ask) levels.
func truncateDepth(snap types.L2Snapshot, depth int) types.L2Snapshot {
	if depth <= 0 {
		return snap
	}
	out := snap.Clone()
	out.Bids = truncateSide(out.Bids, depth, true)
	out.Asks = truncateSide(out.Asks, depth, false)
	return out
}

func truncateSide(levels map[string]types.PriceLevel, depth int, keepHighest bool) map[string]types.PriceLevel {
	if len(levels) <= depth {
		return levels
	}

	type kv struct {
		key string
		lvl types.PriceLevel
	}
	sorted := make([]kv, 0, len(levels))
	for k, v := range levels {
		sorted = append(sorted, kv{k, v})
	}
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 {
			var swap bool
			if keepHighest {
				swap = sorted[j].lvl.Price.GreaterThan(sorted[j-1].lvl.Price)
			} else {
				swap = sorted[j].lvl.Price.LessThan(sorted[j-1].lvl.Price)
			}
			if !swap {
				break
			}
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}

	out := make(map[string]types.PriceLevel, depth)
	for i := 0; i < depth && i < len(sorted); i++ {
		out[sorted[i].key] = sorted[i].lvl
	}
	return out
}
