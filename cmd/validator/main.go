// taosim-validator is the validator-side coordination layer of a
// distributed market-simulation network.
//
// Architecture:
//
//	main.go                      — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/orchestrator        — StepOrchestrator: drives one simulator step through fanout/validate/delay
//	internal/fanout              — staggered parallel agent queries with per-axon + step deadlines
//	internal/respvalidate        — decompresses, schema-checks, caps agent instructions
//	internal/delay               — process-time -> delay curve + per-instruction jitter
//	internal/replay, internal/history — L2 snapshot reconstruction and bounded retention
//	internal/scoring, internal/reward — Sharpe-based scoring and Pareto reward shaping
//	internal/transport           — simulator-facing HTTP ingress/egress server, POSIX mq/shm leg
//	internal/state               — MsgPack validator/history persistence
//	internal/codec               — agent envelope (de)compression
//
// The metagraph/chain client, Prometheus publication, and PagerDuty
// alerting are external collaborators (see internal/metrics, internal/alert)
// not implemented here; the axon directory an honest validator would
// resolve from the metagraph is maintained in-process from /account
// notifications instead (stepAdapter.axons).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"taosim-validator/internal/alert"
	"taosim-validator/internal/codec"
	"taosim-validator/internal/config"
	"taosim-validator/internal/delay"
	"taosim-validator/internal/fanout"
	"taosim-validator/internal/history"
	"taosim-validator/internal/orchestrator"
	"taosim-validator/internal/respvalidate"
	"taosim-validator/internal/reward"
	"taosim-validator/internal/scoring"
	state "taosim-validator/internal/state"
	"taosim-validator/internal/transport"
	"taosim-validator/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TAOS_CONFIG"); p != "" {
		cfgPath = p
	}

	v := viper.New()
	fs := pflag.NewFlagSet("taosim-validator", pflag.ContinueOnError)
	if err := config.BindFlags(fs, v); err != nil {
		slog.Error("failed to bind flags", "error", err)
		os.Exit(1)
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(v, cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := state.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	capCap := decimal.NewFromFloat(cfg.Scoring.Activity.CapitalTurnoverCap)

	scoreEngine := scoring.NewEngine(scoring.Params{
		Lookback:           cfg.Scoring.Sharpe.Lookback,
		MinLookback:        3,
		NormMin:            cfg.Scoring.Sharpe.NormalizationMin,
		NormMax:            cfg.Scoring.Sharpe.NormalizationMax,
		GracePeriod:        int64(cfg.Scoring.Activity.TradeVolumeAssessmentPeriod),
		SamplingInterval:   int64(cfg.Scoring.Activity.TradeVolumeSamplingInterval),
		AssessmentPeriod:   int64(cfg.Scoring.Activity.TradeVolumeAssessmentPeriod),
		CapitalTurnoverCap: capCap,
	})

	historyMgr := history.NewManager(int64(cfg.Scoring.Activity.TradeVolumeAssessmentPeriod), 100)
	fanoutClient := fanout.NewClient(64, logger)

	orch := orchestrator.New(
		orchestrator.Params{
			Fanout: fanout.Params{
				AxonTimeout:  cfg.Scoring.MaxDelay,
				QueryTimeout: cfg.Scoring.MaxDelay,
				StepDeadline: cfg.Scoring.MaxDelay * 2,
				Concurrency:  cfg.Compression.ParallelWorkers,
			},
			Validate: respvalidate.Params{
				CodecEngine:            codec.Engine(cfg.Compression.Engine),
				ProtocolVersion:        codec.MsgpackSwitchVersion,
				CapitalTurnoverCap:     capCap,
				BookCount:              cfg.Scoring.BookCount,
				MaxInstructionsPerBook: cfg.Scoring.MaxInstructionsPerBook,
				DefaultSTP:             "CANCEL_OLDEST",
			},
			Delay: delay.Params{
				MinDelay:            cfg.Scoring.MinDelay,
				MaxDelay:            cfg.Scoring.MaxDelay,
				MinInstructionDelay: cfg.Scoring.MinInstructionDelay,
				MaxInstructionDelay: cfg.Scoring.MaxInstructionDelay,
				Timeout:             cfg.Scoring.MaxDelay,
			},
			Reward:          reward.Params{Scale: cfg.Rewarding.Pareto.Scale, Shape: cfg.Rewarding.Pareto.Shape, Seed: cfg.Rewarding.Seed},
			VolumeDecimals:  8,
			PublishInterval: int64(cfg.Scoring.Activity.TradeVolumeSamplingInterval),
		},
		fanoutClient,
		historyMgr,
		scoreEngine,
		&validatorPersister{store: store},
		nil, // Reporter: weight-setting / dashboard publication is an external collaborator
		alert.Noop{},
		logger,
	)

	if err := orch.Start(); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	lookbackWindow := int64(cfg.Scoring.Sharpe.Lookback) * int64(cfg.Scoring.Activity.TradeVolumeSamplingInterval)
	adapter := newStepAdapter(orch, scoreEngine, cfg.Wallet.Hotkey, lookbackWindow, logger)
	server := transport.NewServer(fmt.Sprintf(":%d", cfg.Port), adapter, adapter, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error("transport server failed", "error", err)
		}
	}()

	logger.Info("validator started", "netuid", cfg.NetUID, "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop transport server", "error", err)
	}
	orch.Stop()
	wg.Wait()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validatorPersister adapts internal/state.Store to orchestrator.Persister.
type validatorPersister struct {
	store *state.Store
}

func (p *validatorPersister) Save(ctx context.Context, sim types.SimulationContext, scores map[uint32]types.ScoreState) error {
	dump := state.ValidatorDump{
		Hotkeys:            make(map[uint32]string, len(scores)),
		Scores:             make(map[uint32]float64, len(scores)),
		ActivityFactors:    make(map[uint32]map[int]float64, len(scores)),
		SharpeValues:       make(map[uint32]map[int]float64, len(scores)),
		UnnormalizedScores: make(map[uint32]float64, len(scores)),
	}
	for uid, s := range scores {
		dump.Scores[uid] = s.Score
		dump.ActivityFactors[uid] = s.ActivityFactor
		dump.SharpeValues[uid] = s.PerBookSharpe
		dump.UnnormalizedScores[uid] = s.Median
	}
	return p.store.SaveValidator(dump)
}
