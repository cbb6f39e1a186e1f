// Package orchestrator implements StepOrchestrator: drives one simulator
// step from received state through fanout, validation, delay assignment,
// and the merged response batch, while running scoring, history, save, and
// report as guard-flagged background workers that must quiesce before the
// next step is accepted.
//
// Adapted from the teacher's internal/engine.Engine: the same New() ->
// Start() -> Stop() lifecycle, a context.Context-scoped background
// goroutine per guard-flagged worker, a sync.RWMutex-guarded state struct,
// and a sync.WaitGroup joined on Stop().
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"taosim-validator/internal/delay"
	"taosim-validator/internal/fanout"
	"taosim-validator/internal/history"
	"taosim-validator/internal/replay"
	"taosim-validator/internal/respvalidate"
	"taosim-validator/internal/reward"
	"taosim-validator/internal/scoring"
	"taosim-validator/pkg/types"
)

// State is the step state machine's current phase.
type State int32

const (
	StateIdle State = iota
	StateReceived
	StateFannedOut
	StateValidated
	StateDelayed
	StateResponded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReceived:
		return "RECEIVED"
	case StateFannedOut:
		return "FANNED_OUT"
	case StateValidated:
		return "VALIDATED"
	case StateDelayed:
		return "DELAYED"
	case StateResponded:
		return "RESPONDED"
	default:
		return "UNKNOWN"
	}
}

// Persister is the subset of state persistence the orchestrator needs.
type Persister interface {
	Save(ctx context.Context, sim types.SimulationContext, scores map[uint32]types.ScoreState) error
}

// Reporter is the external-collaborator stand-in for publishing step
// results (e.g. weight-setting, dashboards); best-effort per spec.
type Reporter interface {
	Report(ctx context.Context, scores map[uint32]types.ScoreState, rewards []float64) error
}

// Alerter raises an alert when a best-effort worker (SAVING, REPORTING)
// fails; it never stalls the step cycle.
type Alerter interface {
	Alert(ctx context.Context, source, message string) error
}

// guard is a single background worker's completion signal: RunStep refuses
// to begin a new RECEIVED transition while any guard's done channel from
// the prior step has not yet closed.
type guard struct {
	mu   sync.Mutex
	done chan struct{}
}

func newGuard() *guard {
	g := &guard{done: make(chan struct{})}
	close(g.done) // idle: no prior work outstanding
	return g
}

// start opens a new in-flight window for this worker, returning the
// completion function the worker must call exactly once.
func (g *guard) start() func() {
	g.mu.Lock()
	ch := make(chan struct{})
	g.done = ch
	g.mu.Unlock()
	return func() { close(ch) }
}

func (g *guard) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.done
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Params bundles every sub-component's configuration the orchestrator wires
// together for one step.
type Params struct {
	Fanout          fanout.Params
	Validate        respvalidate.Params
	Delay           delay.Params
	Reward          reward.Params
	VolumeDecimals  int32
	PublishInterval int64
	StepSeed        func(step int64) int64 // derives the per-step jitter seed
}

// Orchestrator drives the per-step cycle.
type Orchestrator struct {
	params Params

	fanoutClient *fanout.Client
	history      *history.Manager
	scoreEngine  *scoring.Engine
	persister    Persister
	reporter     Reporter
	alerter      Alerter
	logger       *slog.Logger

	mu    sync.RWMutex
	state State

	scoringGuard   *guard
	historyGuard   *guard
	savingGuard    *guard
	reportingGuard *guard

	resultMu    sync.Mutex
	lastScores  map[uint32]types.ScoreState
	lastRewards []float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Orchestrator. Mirrors the teacher's Engine constructor shape:
// build dependent clients, then return a ready-to-Start instance.
func New(params Params, fanoutClient *fanout.Client, historyMgr *history.Manager, scoreEngine *scoring.Engine, persister Persister, reporter Reporter, alerter Alerter, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		params:         params,
		fanoutClient:   fanoutClient,
		history:        historyMgr,
		scoreEngine:    scoreEngine,
		persister:      persister,
		reporter:       reporter,
		alerter:        alerter,
		logger:         logger.With("component", "orchestrator"),
		state:          StateIdle,
		scoringGuard:   newGuard(),
		historyGuard:   newGuard(),
		savingGuard:    newGuard(),
		reportingGuard: newGuard(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start is a lifecycle no-op placeholder mirroring the teacher's Engine —
// background workers here are spawned per-step by RunStep, not once at
// startup, since each one's input is the current step's output.
func (o *Orchestrator) Start() error {
	o.logger.Info("orchestrator started")
	return nil
}

// Stop cancels the orchestrator's context and waits for any in-flight
// per-step background workers to finish.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down...")
	o.cancel()
	o.wg.Wait()
	o.logger.Info("shutdown complete")
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// State returns the current step phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// StepInput is everything RunStep needs to drive one cycle.
type StepInput struct {
	Step               int64
	Now                int64
	Targets            []fanout.Target
	BookEvents         map[int]types.EventStream
	PrevSnapshots      map[int]types.L2Snapshot
	Accounts           map[uint32][]types.AgentAccount // per-uid account state, feeds ScoreEngine's inventory update
	ValidatorID        string
	VolumeLookup       respvalidate.VolumeLookup
	InitialWealth      respvalidate.InitialWealthLookup
	InitialWealthByUID map[uint32]decimal.Decimal
	UIDs               []uint32
	DeregisteredResets []types.Instruction // prepended to the merged batch
}

// StepResult is RunStep's synchronous output: the merged batch to hand back
// to the simulator. Scoring/history/save/report continue in the background.
type StepResult struct {
	MergedBatch []types.MergedBatchEntry
	Outcomes    map[uint32]types.Outcome
	Stats       respvalidate.Stats
}

// RunStep drives IDLE -> RECEIVED -> FANNED_OUT -> VALIDATED -> DELAYED ->
// RESPONDED, then launches SCORING, HISTORY, SAVING, REPORTING as
// independent guarded background workers and returns once the synchronous
// portion (the merged batch) is ready.
func (o *Orchestrator) RunStep(ctx context.Context, in StepInput) (StepResult, error) {
	if err := o.awaitPriorWorkers(ctx); err != nil {
		return StepResult{}, fmt.Errorf("orchestrator: awaiting prior step's workers: %w", err)
	}
	o.setState(StateReceived)

	outcomes := fanout.Run(ctx, o.fanoutClient, in.Targets, o.params.Fanout, o.logger)
	if err := fanout.ValidateExactlyOnce(in.Targets, outcomes); err != nil {
		return StepResult{}, err
	}
	o.setState(StateFannedOut)

	var stats respvalidate.Stats
	validated := make(map[uint32][]types.Instruction, len(outcomes))
	processTimes := make(map[uint32]time.Duration, len(outcomes))
	for uid, outcome := range outcomes {
		instructions, ok := respvalidate.Validate(outcome, o.params.Validate, in.VolumeLookup, in.InitialWealth, &stats, o.logger)
		if ok {
			validated[uid] = instructions
			processTimes[uid] = outcome.ProcessTime
		}
	}
	o.setState(StateValidated)

	seed := in.Step
	if o.params.StepSeed != nil {
		seed = o.params.StepSeed(in.Step)
	}
	rng := rand.New(rand.NewSource(seed))
	for uid, instructions := range validated {
		delay.AssignAll(instructions, processTimes[uid], o.params.Delay, rng)
	}
	o.setState(StateDelayed)

	batch := make([]types.MergedBatchEntry, 0, len(in.DeregisteredResets))
	batch = append(batch, instructionsToBatch(in.DeregisteredResets)...)
	for _, uid := range in.UIDs {
		instructions, ok := validated[uid]
		if !ok {
			continue
		}
		batch = append(batch, instructionsToBatch(instructions)...)
	}
	o.setState(StateResponded)

	o.launchBackgroundWorkers(in)

	return StepResult{MergedBatch: batch, Outcomes: outcomes, Stats: stats}, nil
}

func instructionsToBatch(instructions []types.Instruction) []types.MergedBatchEntry {
	out := make([]types.MergedBatchEntry, len(instructions))
	for i, instr := range instructions {
		out[i] = types.MergedBatchEntry{AgentID: instr.AgentID, Delay: instr.Delay, Type: instr.Type, Payload: instr}
	}
	return out
}

// awaitPriorWorkers blocks a new RECEIVED transition on every guard from
// the prior step finishing, per the state machine's invariant.
func (o *Orchestrator) awaitPriorWorkers(ctx context.Context) error {
	for _, g := range []*guard{o.scoringGuard, o.historyGuard, o.savingGuard, o.reportingGuard} {
		if err := g.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) launchBackgroundWorkers(in StepInput) {
	o.runGuarded(o.historyGuard, "history", func(ctx context.Context) error {
		return o.runHistory(ctx, in)
	})
	o.runGuarded(o.scoringGuard, "scoring", func(ctx context.Context) error {
		return o.runScoring(ctx, in)
	})
	o.runGuarded(o.savingGuard, "saving", func(ctx context.Context) error {
		return o.runSaving(ctx, in)
	})
	o.runGuarded(o.reportingGuard, "reporting", func(ctx context.Context) error {
		return o.runReporting(ctx, in)
	})
}

func (o *Orchestrator) runGuarded(g *guard, name string, fn func(context.Context) error) {
	done := g.start()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer done()
		if err := fn(o.ctx); err != nil {
			o.logger.Error("background worker failed", "worker", name, "err", err)
			if o.alerter != nil {
				if alertErr := o.alerter.Alert(o.ctx, name, err.Error()); alertErr != nil {
					o.logger.Error("alert dispatch failed", "worker", name, "err", alertErr)
				}
			}
		}
	}()
}

func (o *Orchestrator) runHistory(ctx context.Context, in StepInput) error {
	jobs := make([]replay.Job, 0, len(in.BookEvents))
	for book, events := range in.BookEvents {
		jobs = append(jobs, replay.Job{BookID: book, Prev: in.PrevSnapshots[book], Events: events, VolumeDecimals: o.params.VolumeDecimals})
	}

	results, err := replay.ReplayBatch(ctx, jobs, len(jobs))
	if err != nil {
		return fmt.Errorf("replay batch: %w", err)
	}

	for _, r := range results {
		key := history.Key{ValidatorID: in.ValidatorID, BookID: r.BookID}

		if severity := o.history.GapSeverity(key, in.Now); severity != history.GapNone {
			o.history.ApplyGapPolicy(key, severity)
			o.logger.Warn("history gap detected", "book", r.BookID, "severity", severity)
		}

		release, err := o.history.Update(key)
		if err != nil {
			continue // already in progress; skip this book this step
		}

		// target is the simulator's own published snapshot for this step's
		// boundary: reconcile it against the last snapshot this book's prior
		// step produced, before folding in this step's fresh replay.
		if target, ok := in.PrevSnapshots[r.BookID]; ok {
			if reconstructed, ok := latestSnapshot(o.history, key); ok {
				result := o.history.Reconcile(key, reconstructed, target)
				if len(result.Discrepancies) > 0 {
					o.logger.Warn("history reconciliation discrepancies", "book", r.BookID, "count", len(result.Discrepancies))
				}
			}
			o.history.ClearRecovering(key)
		}

		o.history.Append(key, r.Result)
		release()
	}
	return nil
}

// latestSnapshot returns the most recently timestamped snapshot recorded
// for a key, if any.
func latestSnapshot(mgr *history.Manager, key history.Key) (types.L2Snapshot, bool) {
	snaps, _, ok := mgr.Read(key)
	if !ok || len(snaps) == 0 {
		return types.L2Snapshot{}, false
	}
	var latestTS int64
	var latest types.L2Snapshot
	first := true
	for ts, snap := range snaps {
		if first || ts > latestTS {
			latestTS, latest, first = ts, snap, false
		}
	}
	return latest, true
}

// runScoring performs spec §4.6's per-step ScoreEngine operation in order:
// inventory update (step 1), trade volume update (step 2), then the
// Sharpe/normalization/aggregation pipeline (ScoreBatch), before shaping the
// resulting score vector into rewards and handing both off to runSaving and
// runReporting.
func (o *Orchestrator) runScoring(ctx context.Context, in StepInput) error {
	for uid, accounts := range in.Accounts {
		values := make(map[int]float64, len(accounts))
		for _, acct := range accounts {
			mid := midPrice(in.PrevSnapshots[acct.BookID])
			invValue := acct.OwnQuote().Add(mid.Mul(acct.OwnBase()))

			o.scoreEngine.RecordInitialWealth(uid, acct.BookID, invValue)
			initial := o.scoreEngine.InitialWealth(uid, acct.BookID)

			f, _ := invValue.Sub(initial).Float64()
			values[acct.BookID] = f
		}
		if len(values) > 0 {
			o.scoreEngine.UpdateInventory(uid, in.Now, values)
		}
	}

	for book, events := range in.BookEvents {
		for _, evt := range events {
			if evt.Kind != types.EventTrade || evt.TradeEvent == nil {
				continue
			}
			t := evt.TradeEvent
			o.scoreEngine.RecordTrade(book, t.Maker.AgentID, t.Taker.AgentID, t.Price, t.Quantity, evt.Timestamp)
		}
	}
	o.scoreEngine.EvictVolume(in.Now)

	jobs := make([]scoring.BatchJob, 0, len(in.UIDs))
	for _, uid := range in.UIDs {
		initialWealth, ok := in.InitialWealthByUID[uid]
		if !ok {
			initialWealth = o.scoreEngine.TotalInitialWealth(uid)
		}
		jobs = append(jobs, scoring.BatchJob{
			UID:             uid,
			Now:             in.Now,
			InitialWealth:   initialWealth,
			PublishInterval: o.params.PublishInterval,
			VolumeDecimals:  o.params.VolumeDecimals,
		})
	}

	results, err := o.scoreEngine.ScoreBatch(ctx, jobs, len(jobs))
	if err != nil {
		return fmt.Errorf("score batch: %w", err)
	}

	states := make(map[uint32]types.ScoreState, len(results))
	scores := make(map[uint32]float64, len(results))
	for _, r := range results {
		if r.OK {
			states[r.UID] = r.State
			scores[r.UID] = r.State.Score
		}
	}

	ordered := make([]float64, len(in.UIDs))
	for i, uid := range in.UIDs {
		ordered[i] = scores[uid]
	}
	shaped := reward.Shape(ordered, o.params.Reward)

	o.resultMu.Lock()
	o.lastScores = states
	o.lastRewards = shaped
	o.resultMu.Unlock()
	return nil
}

// midPrice averages the best bid/ask; falls back to whichever side exists,
// or zero for an empty book.
func midPrice(snap types.L2Snapshot) decimal.Decimal {
	bid, hasBid := snap.BestBid()
	ask, hasAsk := snap.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	case hasBid:
		return bid.Price
	case hasAsk:
		return ask.Price
	default:
		return decimal.Zero
	}
}

func (o *Orchestrator) runSaving(ctx context.Context, in StepInput) error {
	if o.persister == nil {
		return nil
	}
	if err := o.scoringGuard.wait(ctx); err != nil {
		return fmt.Errorf("saving: awaiting scoring: %w", err)
	}
	o.resultMu.Lock()
	scores := o.lastScores
	o.resultMu.Unlock()
	return o.persister.Save(ctx, types.SimulationContext{}, scores)
}

func (o *Orchestrator) runReporting(ctx context.Context, in StepInput) error {
	if o.reporter == nil {
		return nil
	}
	if err := o.scoringGuard.wait(ctx); err != nil {
		return fmt.Errorf("reporting: awaiting scoring: %w", err)
	}
	o.resultMu.Lock()
	scores, rewards := o.lastScores, o.lastRewards
	o.resultMu.Unlock()
	return o.reporter.Report(ctx, scores, rewards)
}
