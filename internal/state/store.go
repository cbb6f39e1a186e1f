// Package store provides crash-safe validator state persistence using
// MsgPack files.
//
// history.mp and validator.mp are each written whole on every save: encode
// to a .tmp file, fsync, then rename over the target, so a crash mid-write
// never leaves a corrupt file behind. SaveValidator is called from
// StepOrchestrator's SAVING worker (through cmd/validator's persister).
// SaveHistory, LoadHistory and LoadValidator have no caller in the
// validator: history.mp is not written during a run, and no state is
// restored at startup.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"taosim-validator/pkg/types"
)

const (
	historyFile   = "history.mp"
	validatorFile = "validator.mp"
)

// BookHistoryDump is one (validator, book) history's persisted shape.
type BookHistoryDump struct {
	Snapshots map[int64]types.L2Snapshot `msgpack:"snapshots"`
	Trades    map[int64]types.Trade      `msgpack:"trades"`
}

// HistoryDump is the full contents of history.mp.
type HistoryDump struct {
	PublishInterval int64                         `msgpack:"publish_interval"`
	LastSnapshot    map[string]map[int]types.L2Snapshot `msgpack:"last_snapshot"` // validator -> book -> snapshot
	History         map[string]map[int]BookHistoryDump  `msgpack:"history"`       // validator -> book -> dump
}

// ValidatorDump is the full contents of validator.mp.
type ValidatorDump struct {
	Step                int64                        `msgpack:"step"`
	SimulationTimestamp  int64                        `msgpack:"simulation_timestamp"`
	Hotkeys              map[uint32]string            `msgpack:"hotkeys"`
	Scores               map[uint32]float64           `msgpack:"scores"`
	ActivityFactors      map[uint32]map[int]float64   `msgpack:"activity_factors"`
	InventoryHistory     map[uint32][]types.InventoryPoint `msgpack:"inventory_history"`
	SharpeValues         map[uint32]map[int]float64   `msgpack:"sharpe_values"`
	UnnormalizedScores   map[uint32]float64           `msgpack:"unnormalized_scores"`
	TradeVolumes         map[uint32]map[int]decimal.Decimal `msgpack:"trade_volumes"`
	DeregisteredUIDs     []uint32                     `msgpack:"deregistered_uids"`
}

// Store persists history.mp and validator.mp to a directory, using atomic
// write-temp-then-rename for every save.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) writeAtomic(name string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) read(name string, v any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

// SaveHistory atomically persists the history dump.
func (s *Store) SaveHistory(dump HistoryDump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(historyFile, dump)
}

// LoadHistory restores the history dump. ok is false if no file exists yet.
func (s *Store) LoadHistory() (dump HistoryDump, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err = s.read(historyFile, &dump)
	return dump, ok, err
}

// SaveValidator atomically persists the validator dump.
func (s *Store) SaveValidator(dump ValidatorDump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(validatorFile, dump)
}

// LoadValidator restores the validator dump. ok is false if no file exists yet.
func (s *Store) LoadValidator() (dump ValidatorDump, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err = s.read(validatorFile, &dump)
	return dump, ok, err
}
