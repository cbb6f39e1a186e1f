// Package scoring implements ScoreEngine: per-(uid,book) inventory-value
// history, a trade volume ledger bucketed by role, per-book Sharpe ratios,
// activity-weighted normalization, and outlier-penalized aggregation.
//
// Grounded on original_source/taos/im/utils/sharpe.py (sharpe, batch_sharpe)
// and original_source/taos/im/validator/reward.py (score_inventory_value),
// adapted to Go with the teacher's sync.RWMutex-guarded-struct idiom in
// place of the Python source's Validator-instance-attribute state.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"taosim-validator/pkg/types"
)

// Params bounds scoring.
type Params struct {
	Lookback           int     // sharpe.lookback: number of inventory samples to consider
	MinLookback        int     // sharpe.min_lookback: minimum samples before a score is produced
	NormMin            float64 // sharpe.normalization_min
	NormMax            float64 // sharpe.normalization_max
	GracePeriod        int64   // ns; return-pairs spanning a gap this large are excluded (restart boundary)
	SamplingInterval   int64   // ns; trade volume bucket width
	AssessmentPeriod   int64   // ns; volume ledger retention window
	CapitalTurnoverCap decimal.Decimal
}

// ledgerKey identifies one (uid, book, role) volume bucket series.
type ledgerKey struct {
	UID    uint32
	BookID int
	Role   types.VolumeRole
}

// Engine is the authoritative per-uid scoring state: inventory history,
// the trade volume ledger, persisted activity factors / last scores, and
// each (uid, book)'s initial wealth (fixed the first time it is observed).
type Engine struct {
	mu            sync.RWMutex
	params        Params
	inventory     map[uint32][]types.InventoryPoint
	ledger        map[ledgerKey]map[int64]decimal.Decimal
	states        map[uint32]*types.ScoreState
	deregistered  map[uint32]bool
	initialWealth map[uint32]map[int]decimal.Decimal
}

// NewEngine creates a ScoreEngine.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:        params,
		inventory:     make(map[uint32][]types.InventoryPoint),
		ledger:        make(map[ledgerKey]map[int64]decimal.Decimal),
		initialWealth: make(map[uint32]map[int]decimal.Decimal),
		states:        make(map[uint32]*types.ScoreState),
		deregistered:  make(map[uint32]bool),
	}
}

// UpdateInventory appends one (timestamp, per-book inv_value) sample for a
// uid, truncating history to the configured lookback.
func (e *Engine) UpdateInventory(uid uint32, timestamp int64, values map[int]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	points := append(e.inventory[uid], types.InventoryPoint{Timestamp: timestamp, Values: values})
	if len(points) > e.params.Lookback {
		points = points[len(points)-e.params.Lookback:]
	}
	e.inventory[uid] = points
}

// RecordTrade attributes a trade's notional (price*qty) to the relevant
// volume-ledger roles for both the maker and taker uid: `total` always,
// `self` when maker==taker, else `maker`/`taker` respectively.
func (e *Engine) RecordTrade(bookID int, makerUID, takerUID uint32, price, qty decimal.Decimal, timestamp int64) {
	notional := price.Mul(qty)
	bucket := bucketFor(timestamp, e.params.SamplingInterval)

	e.mu.Lock()
	defer e.mu.Unlock()

	if makerUID == takerUID {
		e.addVolumeLocked(ledgerKey{makerUID, bookID, types.RoleTotal}, bucket, notional)
		e.addVolumeLocked(ledgerKey{makerUID, bookID, types.RoleSelf}, bucket, notional)
		return
	}

	e.addVolumeLocked(ledgerKey{makerUID, bookID, types.RoleTotal}, bucket, notional)
	e.addVolumeLocked(ledgerKey{makerUID, bookID, types.RoleMaker}, bucket, notional)
	e.addVolumeLocked(ledgerKey{takerUID, bookID, types.RoleTotal}, bucket, notional)
	e.addVolumeLocked(ledgerKey{takerUID, bookID, types.RoleTaker}, bucket, notional)
}

func (e *Engine) addVolumeLocked(key ledgerKey, bucket int64, amount decimal.Decimal) {
	series, ok := e.ledger[key]
	if !ok {
		series = make(map[int64]decimal.Decimal)
		e.ledger[key] = series
	}
	series[bucket] = series[bucket].Add(amount)
}

func bucketFor(timestamp, interval int64) int64 {
	if interval <= 0 {
		return timestamp
	}
	return timestamp - (timestamp % interval)
}

// EvictVolume drops ledger buckets older than the assessment period relative
// to now, across every tracked (uid, book, role) series.
func (e *Engine) EvictVolume(now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now - e.params.AssessmentPeriod
	for key, series := range e.ledger {
		for bucket := range series {
			if bucket < cutoff {
				delete(series, bucket)
			}
		}
		if len(series) == 0 {
			delete(e.ledger, key)
		}
	}
}

// VolumeOverWindow exposes the total-role trade-volume ledger sum for cap
// gating (respvalidate's VolumeLookup), over the same trailing window
// Score uses internally for activity factoring.
func (e *Engine) VolumeOverWindow(uid uint32, bookID int, now, windowNS int64) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volumeOverWindow(uid, bookID, now, windowNS)
}

// RecordInitialWealth fixes a (uid, book)'s initial wealth the first time
// it is observed; later calls are no-ops, per spec's "initial_wealth" being
// a fixed reference point for InventoryValue and the capital-turnover cap.
func (e *Engine) RecordInitialWealth(uid uint32, bookID int, wealth decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialWealth[uid] == nil {
		e.initialWealth[uid] = make(map[int]decimal.Decimal)
	}
	if _, ok := e.initialWealth[uid][bookID]; !ok {
		e.initialWealth[uid][bookID] = wealth
	}
}

// InitialWealth returns a (uid, book)'s recorded initial wealth, or zero if
// never observed (respvalidate's InitialWealthLookup).
func (e *Engine) InitialWealth(uid uint32, bookID int) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialWealth[uid][bookID]
}

// TotalInitialWealth sums a uid's recorded initial wealth across every book,
// the single combined figure Score's capital-turnover cap is computed from
// when the orchestrator has no explicit initial wealth for the uid.
func (e *Engine) TotalInitialWealth(uid uint32) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := decimal.Zero
	for _, w := range e.initialWealth[uid] {
		total = total.Add(w)
	}
	return total
}

// Deregister marks a uid deregistered: it scores nil until acknowledged.
func (e *Engine) Deregister(uid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deregistered[uid] = true
}

// Reset clears all scoring state for a uid on deregistration-reset
// acknowledgement, per the ownership lifecycle: scores, activity factors,
// inventory history, and the volume ledger are zeroed only at this point.
func (e *Engine) Reset(uid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.deregistered, uid)
	delete(e.inventory, uid)
	delete(e.states, uid)
	for key := range e.ledger {
		if key.UID == uid {
			delete(e.ledger, key)
		}
	}
}

// normalize clips value to [lower, upper] and maps that window affinely onto
// [0, 1]: (clip(value, lower, upper) - lower) / (upper - lower). For a
// symmetric window (norm_min == -norm_max) this equals original_source's
// (clip + upper) / (upper - lower).
func normalize(lower, upper, value float64) float64 {
	clipped := math.Max(math.Min(value, upper), lower)
	return (clipped - lower) / (upper - lower)
}

// sharpeRatio computes sqrt(n) * mean(returns)/std(returns), zero if
// std == 0, over a diff series with any grace-period-spanning pair dropped.
func sharpeRatio(values []float64, timestamps []int64, gracePeriod int64) float64 {
	if len(values) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if gracePeriod > 0 && timestamps[i] >= timestamps[i-1]+gracePeriod {
			continue
		}
		returns = append(returns, values[i]-values[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	mean := meanOf(returns)
	std := stdOf(returns, mean)
	if std == 0 {
		return 0
	}
	return math.Sqrt(float64(len(returns))) * (mean / std)
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// Sharpes is the per-uid output of the Sharpe calculation step.
type Sharpes struct {
	PerBook map[int]float64
	Total   float64
}

// ComputeSharpe computes per-book and total Sharpe ratios from a uid's
// inventory history. Returns ok=false when there is too little history or
// the uid is deregistered, mirroring the Python source returning None.
func (e *Engine) ComputeSharpe(uid uint32) (Sharpes, bool) {
	e.mu.RLock()
	points := append([]types.InventoryPoint(nil), e.inventory[uid]...)
	deregistered := e.deregistered[uid]
	e.mu.RUnlock()

	minNeeded := e.params.MinLookback
	if e.params.Lookback < minNeeded {
		minNeeded = e.params.Lookback
	}
	if deregistered || len(points) < minNeeded {
		return Sharpes{}, false
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })

	bookIDs := bookIDsOf(points[0].Values)
	timestamps := make([]int64, len(points))
	for i, p := range points {
		timestamps[i] = p.Timestamp
	}

	perBook := make(map[int]float64, len(bookIDs))
	totalSeries := make([]float64, len(points))
	for _, book := range bookIDs {
		series := make([]float64, len(points))
		for i, p := range points {
			series[i] = p.Values[book]
			totalSeries[i] += p.Values[book]
		}
		perBook[book] = sharpeRatio(series, timestamps, e.params.GracePeriod)
	}

	return Sharpes{PerBook: perBook, Total: sharpeRatio(totalSeries, timestamps, e.params.GracePeriod)}, true
}

func bookIDsOf(values map[int]float64) []int {
	books := make([]int, 0, len(values))
	for b := range values {
		books = append(books, b)
	}
	sort.Ints(books)
	return books
}

// volumeOverWindow sums a uid's `total`-role volume on a book over the
// trailing lookback window (lookback * publishInterval ns back from now).
func (e *Engine) volumeOverWindow(uid uint32, bookID int, now int64, windowNS int64) decimal.Decimal {
	series, ok := e.ledger[ledgerKey{uid, bookID, types.RoleTotal}]
	if !ok {
		return decimal.Zero
	}
	cutoff := now - windowNS
	sum := decimal.Zero
	for bucket, vol := range series {
		if bucket >= cutoff {
			sum = sum.Add(vol)
		}
	}
	return sum
}

// latestBucketTraded reports whether the uid's most recent total-volume
// bucket on a book is the current one (i.e. they traded this step).
func (e *Engine) latestBucketTraded(uid uint32, bookID int, currentBucket int64) bool {
	series, ok := e.ledger[ledgerKey{uid, bookID, types.RoleTotal}]
	if !ok {
		return false
	}
	var latest int64 = math.MinInt64
	for bucket := range series {
		if bucket > latest {
			latest = bucket
		}
	}
	return latest == currentBucket
}

// Score computes the full scoring pipeline for one uid and persists the
// resulting ScoreState (including the folded activity factor) for use by
// the next step. ok=false mirrors ComputeSharpe's "not enough history yet"
// / deregistered case — the caller should treat the uid as unscored.
func (e *Engine) Score(uid uint32, now int64, initialWealth decimal.Decimal, publishInterval int64, volumeDecimals int32) (types.ScoreState, bool) {
	sharpes, ok := e.ComputeSharpe(uid)
	if !ok {
		return types.ScoreState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.states[uid]
	if prev == nil {
		prev = &types.ScoreState{UID: uid, ActivityFactor: make(map[int]float64)}
	}

	capital := e.params.CapitalTurnoverCap.Mul(initialWealth)
	capFloat, _ := capital.Round(volumeDecimals).Float64()

	lookbackWindow := int64(e.params.Lookback) * publishInterval
	currentBucket := bucketFor(now, e.params.SamplingInterval)
	inactivityDecay := math.Pow(2, -1/float64(e.params.Lookback))

	normalizedSharpe := make(map[int]float64, len(sharpes.PerBook))
	activityFactor := make(map[int]float64, len(sharpes.PerBook))
	weighted := make([]float64, 0, len(sharpes.PerBook))
	bookIDs := bookIDsOf(sharpes.PerBook)

	for _, book := range bookIDs {
		sharpe := sharpes.PerBook[book]
		norm := normalize(e.params.NormMin, e.params.NormMax, sharpe)
		normalizedSharpe[book] = norm

		var factor float64
		if e.latestBucketTraded(uid, book, currentBucket) {
			minerVol := e.volumeOverWindow(uid, book, now, lookbackWindow)
			volFloat, _ := minerVol.Float64()
			if capFloat > 0 {
				factor = math.Min(1+volFloat/capFloat, 2.0)
			} else {
				factor = 2.0
			}
		} else {
			factor = prev.ActivityFactor[book] * inactivityDecay
		}
		activityFactor[book] = factor

		var w float64
		if norm > 0.5 {
			w = factor * norm
		} else {
			w = (2 - factor) * norm
		}
		weighted = append(weighted, w)
	}

	median := medianOf(weighted)
	penalty := outlierPenalty(weighted)
	score := math.Max(median-math.Abs(penalty), 0)

	state := types.ScoreState{
		UID:                    uid,
		PerBookSharpe:          sharpes.PerBook,
		ActivityWeightedSharpe: indexByBook(bookIDs, weighted),
		ActivityFactor:         activityFactor,
		Median:                 median,
		Penalty:                math.Abs(penalty),
		Score:                  score,
		DeregState:             prev.DeregState,
	}
	e.states[uid] = &state
	return state, true
}

func indexByBook(bookIDs []int, values []float64) map[int]float64 {
	out := make(map[int]float64, len(bookIDs))
	for i, book := range bookIDs {
		out[book] = values[i]
	}
	return out
}

func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// percentile matches numpy's default (linear-interpolation) percentile.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// outlierPenalty applies the IQR 1.5 rule on the left tail: outliers are
// values below Q1 - 1.5*IQR. If any exist and their mean is below 0.5, the
// penalty is (0.5 - mean(outliers)) / 1.5, else zero. The 1.5 constant is
// the standard Tukey fence multiplier, kept uncommented on its meaning in
// the source and preserved verbatim here.
func outlierPenalty(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 25)
	q3 := percentile(sorted, 75)
	iqr := q3 - q1
	lowerThreshold := q1 - 1.5*iqr

	var outliers []float64
	for _, v := range values {
		if v < lowerThreshold {
			outliers = append(outliers, v)
		}
	}
	if len(outliers) == 0 {
		return 0
	}

	mean := meanOf(outliers)
	if mean >= 0.5 {
		return 0
	}
	return (0.5 - mean) / 1.5
}

// BatchJob is one uid's independent scoring unit of work.
type BatchJob struct {
	UID            uint32
	Now            int64
	InitialWealth  decimal.Decimal
	PublishInterval int64
	VolumeDecimals int32
}

// BatchResult pairs a uid with its scoring outcome.
type BatchResult struct {
	UID   uint32
	State types.ScoreState
	OK    bool
}

// ScoreBatch fans independent per-uid scoring jobs out across a bounded
// worker pool, mirroring internal/replay's ReplayBatch shape (grounded on
// original_source's sharpe.py batch_sharpe loky-pool pattern).
func (e *Engine) ScoreBatch(ctx context.Context, jobs []BatchJob, workers int) ([]BatchResult, error) {
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
			state, ok := e.Score(job.UID, job.Now, job.InitialWealth, job.PublishInterval, job.VolumeDecimals)
			results[i] = BatchResult{UID: job.UID, State: state, OK: ok}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring: batch: %w", err)
	}
	return results, nil
}
