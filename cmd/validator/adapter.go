package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"taosim-validator/internal/codec"
	"taosim-validator/internal/fanout"
	"taosim-validator/internal/orchestrator"
	"taosim-validator/internal/respvalidate"
	"taosim-validator/internal/scoring"
	"taosim-validator/internal/transport"
	"taosim-validator/pkg/types"
)

// stepAdapter bridges the simulator-facing transport.Server to the
// orchestrator.Orchestrator, and maintains the per-uid axon directory a
// metagraph client would otherwise resolve. Axons are learned from
// /account "axon_update" notifications and forgotten on "deregister".
type stepAdapter struct {
	orchestrator   *orchestrator.Orchestrator
	scoreEngine    *scoring.Engine
	validatorID    string
	lookbackWindow int64 // ns; sharpe.lookback * publish interval, the cap-gate's volume window
	logger         *slog.Logger

	currentStepNow atomic.Int64 // timestamp of the step currently being validated, for volumeLookup's window

	mu           sync.RWMutex
	axons        map[uint32]types.AxonInfo
	deregistered map[uint32]bool
}

func newStepAdapter(orch *orchestrator.Orchestrator, scoreEngine *scoring.Engine, validatorID string, lookbackWindow int64, logger *slog.Logger) *stepAdapter {
	return &stepAdapter{
		orchestrator:   orch,
		scoreEngine:    scoreEngine,
		validatorID:    validatorID,
		lookbackWindow: lookbackWindow,
		logger:         logger,
		axons:          make(map[uint32]types.AxonInfo),
		deregistered:   make(map[uint32]bool),
	}
}

// HandleStep implements transport.StepHandler.
func (a *stepAdapter) HandleStep(ctx context.Context, update transport.StepUpdate) (types.MergedBatch, error) {
	envelope, err := codec.Compress(update, codec.EngineZlib, 6, codec.MsgpackSwitchVersion)
	if err != nil {
		return types.MergedBatch{}, fmt.Errorf("stepAdapter: encoding envelope: %w", err)
	}

	a.mu.RLock()
	targets := make([]fanout.Target, 0, len(a.axons))
	uids := make([]uint32, 0, len(a.axons))
	var resets []types.Instruction
	for uid, axon := range a.axons {
		targets = append(targets, fanout.Target{
			UID:      uid,
			URL:      fmt.Sprintf("http://%s:%d", axon.IP, axon.Port),
			Envelope: envelope,
		})
		uids = append(uids, uid)
		if a.deregistered[uid] {
			resets = append(resets, types.Instruction{AgentID: uid, Type: types.ResetAgent})
		}
	}
	a.mu.RUnlock()

	a.currentStepNow.Store(update.Timestamp)

	bookEvents := make(map[int]types.EventStream, len(update.Books))
	prevSnapshots := make(map[int]types.L2Snapshot, len(update.Books))
	for book, b := range update.Books {
		bookEvents[book] = b.Events
		prevSnapshots[book] = b.PrevSnapshot
	}

	result, err := a.orchestrator.RunStep(ctx, orchestrator.StepInput{
		Step:               update.Step,
		Now:                update.Timestamp,
		Targets:            targets,
		BookEvents:         bookEvents,
		PrevSnapshots:      prevSnapshots,
		Accounts:           update.Accounts,
		ValidatorID:        a.validatorID,
		VolumeLookup:       a.volumeLookup,
		InitialWealth:      a.initialWealthLookup,
		InitialWealthByUID: nil,
		UIDs:               uids,
		DeregisteredResets: resets,
	})
	if err != nil {
		return types.MergedBatch{}, err
	}
	return types.MergedBatch{Responses: result.MergedBatch}, nil
}

// volumeLookup and initialWealthLookup back the capital-turnover cap gate
// (respvalidate.Validate) with ScoreEngine's own trade-volume ledger and
// recorded initial wealth, so the cap is gated on the same figures the
// scoring pipeline computed for the prior step.
func (a *stepAdapter) volumeLookup(uid uint32, bookID int) decimal.Decimal {
	return a.scoreEngine.VolumeOverWindow(uid, bookID, a.currentStepNow.Load(), a.lookbackWindow)
}

func (a *stepAdapter) initialWealthLookup(uid uint32, bookID int) decimal.Decimal {
	return a.scoreEngine.InitialWealth(uid, bookID)
}

// HandleEvent implements transport.EventHandler.
func (a *stepAdapter) HandleEvent(ctx context.Context, event transport.AccountEvent) error {
	switch event.Kind {
	case "axon_update":
		if event.AgentID == nil {
			return fmt.Errorf("stepAdapter: axon_update missing agentId")
		}
		ip, _ := event.Payload["ip"].(string)
		port, _ := event.Payload["port"].(float64)
		hotkey, _ := event.Payload["hotkey"].(string)
		a.mu.Lock()
		a.axons[*event.AgentID] = types.AxonInfo{UID: *event.AgentID, Hotkey: hotkey, IP: ip, Port: int(port)}
		a.mu.Unlock()
	case "deregister":
		if event.AgentID == nil {
			return fmt.Errorf("stepAdapter: deregister missing agentId")
		}
		a.mu.Lock()
		a.deregistered[*event.AgentID] = true
		a.mu.Unlock()
	case "EVENT_SIMULATION_START", "EVENT_SIMULATION_END":
		a.logger.Info("simulation lifecycle event", "kind", event.Kind, "logDir", event.LogDir)
	default:
		a.logger.Debug("unhandled account event", "kind", event.Kind)
	}
	return nil
}

var _ respvalidate.VolumeLookup = (*stepAdapter)(nil).volumeLookup
var _ respvalidate.InitialWealthLookup = (*stepAdapter)(nil).initialWealthLookup
