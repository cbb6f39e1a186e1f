// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the validator — order book
// primitives, accounts, instructions, and the wire-adjacent value types that
// flow between replay, history, fanout, scoring, and the orchestrator. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies which side of a book an order, trade, or level belongs to.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// InstructionType enumerates the instruction variants an agent may return.
type InstructionType string

const (
	PlaceOrderMarket InstructionType = "PLACE_ORDER_MARKET"
	PlaceOrderLimit  InstructionType = "PLACE_ORDER_LIMIT"
	CancelOrders     InstructionType = "CANCEL_ORDERS"
	ClosePositions   InstructionType = "CLOSE_POSITIONS"
	ResetAgent       InstructionType = "RESET_AGENT"
)

// DeregistrationState tracks an agent's reset lifecycle after deregistration
// from the metagraph is detected.
type DeregistrationState string

const (
	DeregStateActive             DeregistrationState = "ACTIVE"
	DeregStateDetected           DeregistrationState = "DEREGISTER_DETECTED"
	DeregStatePendingReset       DeregistrationState = "PENDING_RESET"
	DeregStateResetAcknowledged DeregistrationState = "RESET_ACKNOWLEDGED"
)

// ————————————————————————————————————————————————————————————————————————
// Order book primitives
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in an L2 book.
// Quantity == 0 means the level is absent from its side and must not be
// stored in L2Snapshot.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Order is an immutable resting or market order. A nil Price means a market
// order. Once placed an Order is never mutated in place — it is cancelled or
// filled by replacing it with a new value.
type Order struct {
	ID        string
	ClientID  string
	Side      Side
	Price     *decimal.Decimal
	Quantity  decimal.Decimal
	Leverage  decimal.Decimal
	Timestamp int64 // unix nanoseconds
}

// TradeParty describes one side (maker or taker) of a Trade.
type TradeParty struct {
	OrderID string
	AgentID uint32
	Fee     decimal.Decimal
}

// Trade is an append-only execution record.
type Trade struct {
	ID        string
	Side      Side // the aggressing (taker) order's side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Taker     TradeParty
	Maker     TradeParty
	Timestamp int64
}

// Cancellation removes quantity from a resting order. A nil Quantity cancels
// the full remaining size. replay.Replay infers the side from Price and
// ignores a cancellation whose Price is nil.
type Cancellation struct {
	OrderID   string
	Price     *decimal.Decimal
	Quantity  *decimal.Decimal
	Timestamp int64
}

// EventKind discriminates the variants carried in an Event.
type EventKind int

const (
	EventOrder EventKind = iota
	EventTrade
	EventCancellation
)

// Event is one entry in a book's per-step EventStream. Exactly one of Order,
// TradeEvent, or CancelEvent is populated, matching Kind.
type Event struct {
	Kind       EventKind
	Timestamp  int64
	Sequence   int64 // simulator-assigned, breaks timestamp ties
	Order      *Order
	TradeEvent *Trade
	CancelEvent *Cancellation
}

// EventStream is an ordered sequence of events for one book over one step.
type EventStream []Event

// L2Snapshot is a timestamped view of a book's resting liquidity. Bids and
// Asks are keyed by the canonical decimal string of the price so that two
// prices equal in value collide to the same level regardless of formatting.
type L2Snapshot struct {
	Timestamp int64
	Bids      map[string]PriceLevel
	Asks      map[string]PriceLevel
}

// NewL2Snapshot returns an empty, initialized snapshot at the given timestamp.
func NewL2Snapshot(timestamp int64) L2Snapshot {
	return L2Snapshot{
		Timestamp: timestamp,
		Bids:      make(map[string]PriceLevel),
		Asks:      make(map[string]PriceLevel),
	}
}

// Clone deep-copies a snapshot so replay can mutate it without aliasing the
// source. SnapshotReplayer never mutates a borrowed snapshot in place.
func (s L2Snapshot) Clone() L2Snapshot {
	out := L2Snapshot{
		Timestamp: s.Timestamp,
		Bids:      make(map[string]PriceLevel, len(s.Bids)),
		Asks:      make(map[string]PriceLevel, len(s.Asks)),
	}
	for k, v := range s.Bids {
		out.Bids[k] = v
	}
	for k, v := range s.Asks {
		out.Asks[k] = v
	}
	return out
}

func (s L2Snapshot) sideMap(side Side) map[string]PriceLevel {
	if side == Bid {
		return s.Bids
	}
	return s.Asks
}

// SideMap returns the mutable level map for the given side. Used by replay
// to apply order/trade/cancellation deltas directly; all other consumers
// should treat L2Snapshot as a read model.
func (s L2Snapshot) SideMap(side Side) map[string]PriceLevel {
	return s.sideMap(side)
}

// BestBid returns the highest bid level and whether one exists.
func (s L2Snapshot) BestBid() (PriceLevel, bool) {
	return bestLevel(s.Bids, true)
}

// BestAsk returns the lowest ask level and whether one exists.
func (s L2Snapshot) BestAsk() (PriceLevel, bool) {
	return bestLevel(s.Asks, false)
}

func bestLevel(levels map[string]PriceLevel, wantMax bool) (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, lvl := range levels {
		if !found {
			best = lvl
			found = true
			continue
		}
		if wantMax && lvl.Price.GreaterThan(best.Price) {
			best = lvl
		} else if !wantMax && lvl.Price.LessThan(best.Price) {
			best = lvl
		}
	}
	return best, found
}

// Depth returns the number of resting levels on the given side.
func (s L2Snapshot) Depth(side Side) int {
	return len(s.sideMap(side))
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// Balance holds the total/free/reserved split for one asset leg of an
// account. Invariant: Free + Reserved == Total.
type Balance struct {
	Total    decimal.Decimal
	Free     decimal.Decimal
	Reserved decimal.Decimal
}

// FeeInfo tracks cumulative traded volume and the account's current fee
// schedule.
type FeeInfo struct {
	VolumeTraded decimal.Decimal
	MakerRate    decimal.Decimal
	TakerRate    decimal.Decimal
}

// AgentAccount is one agent's balance sheet on one book.
type AgentAccount struct {
	UID             uint32
	BookID          int
	BaseBalance     Balance
	QuoteBalance    Balance
	BaseLoan        decimal.Decimal
	QuoteLoan       decimal.Decimal
	BaseCollateral  decimal.Decimal
	QuoteCollateral decimal.Decimal
	OpenOrders      []Order
	Fees            FeeInfo
}

// OwnBase returns the agent's net base-asset wealth: total - loan + collateral.
func (a AgentAccount) OwnBase() decimal.Decimal {
	return a.BaseBalance.Total.Sub(a.BaseLoan).Add(a.BaseCollateral)
}

// OwnQuote returns the agent's net quote-asset wealth: total - loan + collateral.
func (a AgentAccount) OwnQuote() decimal.Decimal {
	return a.QuoteBalance.Total.Sub(a.QuoteLoan).Add(a.QuoteCollateral)
}

// ————————————————————————————————————————————————————————————————————————
// Instructions
// ————————————————————————————————————————————————————————————————————————

// Instruction is the discriminated variant an agent returns per step, or the
// validator synthesizes for a deregistration reset.
type Instruction struct {
	AgentID  uint32          `json:"agentId" msgpack:"agentId"`
	BookID   int             `json:"bookId" msgpack:"bookId"`
	Type     InstructionType `json:"type" msgpack:"type"`
	Delay    uint64          `json:"delay" msgpack:"delay"` // ns, assigned by DelayAssigner; zero until assigned
	Side     Side            `json:"direction,omitempty" msgpack:"direction,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty" msgpack:"price,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty" msgpack:"quantity,omitempty"`
	Leverage *decimal.Decimal `json:"leverage,omitempty" msgpack:"leverage,omitempty"`
	OrderID  string          `json:"orderId,omitempty" msgpack:"orderId,omitempty"`
	STP      string          `json:"stp,omitempty" msgpack:"stp,omitempty"`
	Extra    map[string]any  `json:"-" msgpack:"-"` // passthrough fields not modeled explicitly
}

// ————————————————————————————————————————————————————————————————————————
// Agent / simulation context
// ————————————————————————————————————————————————————————————————————————

// AxonInfo is an agent's network endpoint, resolved from the (external)
// metagraph client once per step.
type AxonInfo struct {
	UID    uint32
	Hotkey string
	IP     string
	Port   int
}

// Notice is a simulator-originated informational event relayed to agents
// alongside account state (e.g. a fundamental price update).
type Notice struct {
	BookID  int
	Kind    string
	Payload map[string]any
}

// SimulationContext is carried across steps and persisted alongside
// validator state.
type SimulationContext struct {
	StartTime        time.Time
	LogDir           string
	FundamentalPrice map[int]decimal.Decimal
	PendingNotices   []Notice
	RecentTrades     map[int][]Trade
}

// ————————————————————————————————————————————————————————————————————————
// Scoring
// ————————————————————————————————————————————————————————————————————————

// InventoryPoint is one (timestamp, per-book value) sample in an agent's
// inventory-value history.
type InventoryPoint struct {
	Timestamp int64
	Values    map[int]float64 // book -> inv_value
}

// VolumeRole discriminates the roles a trade's volume is attributed to in the
// TradeVolumeLedger.
type VolumeRole string

const (
	RoleTotal VolumeRole = "total"
	RoleMaker VolumeRole = "maker"
	RoleTaker VolumeRole = "taker"
	RoleSelf  VolumeRole = "self"
)

// ScoreState is the authoritative, persisted per-uid scoring state.
type ScoreState struct {
	UID                        uint32
	PerBookSharpe              map[int]float64
	ActivityWeightedSharpe     map[int]float64
	ActivityFactor             map[int]float64
	Median                     float64
	Penalty                    float64
	Score                      float64
	DeregState                 DeregistrationState
}

// ————————————————————————————————————————————————————————————————————————
// Outcomes / merged batch
// ————————————————————————————————————————————————————————————————————————

// OutcomeKind discriminates a Fanout query's result.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeFailure     OutcomeKind = "failure"
	OutcomeBlacklisted OutcomeKind = "blacklisted"
)

// AgentResponse is the decompressed body an agent returns.
type AgentResponse struct {
	AgentID      uint32        `json:"agent_id" msgpack:"agent_id"`
	Instructions []Instruction `json:"instructions" msgpack:"instructions"`
}

// Outcome is the result of one agent query. RawPayload carries the
// still-compressed response body on Success; ResponseValidator decodes it
// itself and does not fill in Response.
type Outcome struct {
	UID         uint32
	Kind        OutcomeKind
	RawPayload  string
	Response    *AgentResponse
	ProcessTime time.Duration
	Reason      string
}

// MergedBatchEntry is one entry of the batch returned to the simulator.
type MergedBatchEntry struct {
	AgentID uint32          `json:"agentId" msgpack:"agentId"`
	Delay   uint64          `json:"delay" msgpack:"delay"`
	Type    InstructionType `json:"type" msgpack:"type"`
	Payload any             `json:"payload" msgpack:"payload"`
}

// MergedBatch is the wire format returned to the simulator each step.
type MergedBatch struct {
	Responses []MergedBatchEntry `json:"responses" msgpack:"responses"`
}
