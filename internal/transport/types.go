// Package transport implements the simulator-facing HTTP ingress/egress
// server (A2), plus the QueueTransport interface standing in for the POSIX
// message-queue + shared-memory leg of the wire protocol.
//
// Adapted from the teacher's internal/api: the same net/http.ServeMux +
// typed Handlers + graceful http.Server.Shutdown shape, rewritten for the
// simulator's step-request/merged-batch-response protocol instead of the
// dashboard's snapshot/WebSocket protocol.
package transport

import (
	"context"

	"taosim-validator/pkg/types"
)

// StepUpdate is the per-step ingress payload (MarketSimulationStateUpdate):
// the simulator's published book state, the event streams needed to replay
// intermediate snapshots, and every agent's account state and outstanding
// notices — the inputs ScoreEngine's inventory-value and trade-volume
// updates (§4.6 steps 1-2) are fed from.
type StepUpdate struct {
	Step        int64                            `json:"step"`
	Timestamp   int64                            `json:"timestamp"`
	ValidatorID string                           `json:"validatorId"`
	Books       map[int]BookUpdate               `json:"books"`
	Accounts    map[uint32][]types.AgentAccount  `json:"accounts"`
	Notices     []types.Notice                   `json:"notices"`
}

// BookUpdate is one book's slice of a StepUpdate.
type BookUpdate struct {
	PrevSnapshot types.L2Snapshot  `json:"prevSnapshot"`
	Events       types.EventStream `json:"events"`
}

// AccountEvent is the simulator's out-of-band notification payload posted
// to /account: EVENT_SIMULATION_START (carries LogDir), EVENT_SIMULATION_END,
// and per-agent account/notice events.
type AccountEvent struct {
	Kind    string         `json:"kind"`
	AgentID *uint32        `json:"agentId,omitempty"`
	BookID  *int           `json:"bookId,omitempty"`
	LogDir  string         `json:"logDir,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StepHandler drives one simulator step and returns the merged batch to
// write back as the HTTP response body. Implemented by cmd/validator's
// stepAdapter, which wraps internal/orchestrator.Orchestrator.
type StepHandler interface {
	HandleStep(ctx context.Context, update StepUpdate) (types.MergedBatch, error)
}

// EventHandler processes an out-of-band simulation event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event AccountEvent) error
}
